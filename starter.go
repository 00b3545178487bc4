package starter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/diagnostics"
	"github.com/ethereum-optimism/infra/op-starter/exitcodes"
	"github.com/ethereum-optimism/infra/op-starter/hooks"
	"github.com/ethereum-optimism/infra/op-starter/metrics"
	"github.com/ethereum-optimism/infra/op-starter/reporting"
	"github.com/ethereum-optimism/infra/op-starter/runner"
	"github.com/ethereum-optimism/infra/op-starter/service"
	"github.com/ethereum-optimism/infra/op-starter/store"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum-optimism/optimism/op-service/httputil"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
)

// starter implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &starter{}

// starter executes the runs of a plan.
type starter struct {
	config  *Config
	version string
	plan    *Plan

	bus        *bus.Bus
	store      store.Store
	tracker    *service.Tracker
	status     *service.StatusServer
	publisher  runner.ArtifactPublisher
	ciLinks    *reporting.CILinks
	classifier *reporting.ErrorClassifier
	console    *reporting.ConsolePublisher
	collector  *diagnostics.CommandCollector

	metricsServer *httputil.HTTPServer
	pprofService  *oppprof.Service

	mu       sync.Mutex
	outcomes []reporting.Outcome

	running          atomic.Bool
	shutdownCallback func(error)
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*starter, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	plan, err := LoadPlan(config.PlanFile)
	if err != nil {
		return nil, err
	}
	config.Log.Debug("Creating starter with config",
		"plan", config.PlanFile,
		"testHome", config.TestHome,
		"runs", len(plan.Runs),
		"concurrency", config.Concurrency)

	tracker, err := service.NewTracker(service.DefaultTrackerSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracker: %w", err)
	}
	s := &starter{
		config:           config,
		version:          version,
		plan:             plan,
		bus:              bus.New(bus.WithLogger(config.Log.New("component", "bus"))),
		tracker:          tracker,
		ciLinks:          reporting.NewCILinks(),
		classifier:       reporting.NewErrorClassifier(config.Log),
		console:          reporting.NewConsolePublisher(os.Stdout, config.Log),
		collector:        plan.Diagnostics.Collector(config.Log),
		shutdownCallback: shutdownCallback,
	}
	tracker.Attach(s.bus)

	if err := s.initStore(ctx); err != nil {
		return nil, err
	}
	if err := s.initPublisher(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *starter) initStore(ctx context.Context) error {
	if s.config.DatabaseURL == "" {
		s.store = store.NewMemStore()
		return nil
	}
	pg, err := store.NewPGStore(ctx, s.config.DatabaseURL)
	if err != nil {
		return err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return err
	}
	s.store = pg
	return nil
}

func (s *starter) initPublisher(ctx context.Context) error {
	switch {
	case s.config.Minio.Endpoint != "":
		p, err := reporting.NewMinioPublisher(ctx, s.config.Minio, s.config.Log)
		if err != nil {
			return err
		}
		s.publisher = p
	case s.config.ArtifactsDir != "":
		s.publisher = &reporting.LocalPublisher{Root: s.config.ArtifactsDir}
	}
	return nil
}

// Start executes the plan once and returns a *TestFailureError if any
// run failed.
// Start implements the cliapp.Lifecycle interface.
func (s *starter) Start(ctx context.Context) error {
	defer func() {
		if r := recover(); r != nil {
			s.config.Log.Error("Runtime error occurred", "error", r)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()
	s.running.Store(true)

	if err := s.startServers(ctx); err != nil {
		return NewRuntimeError(err)
	}

	if err := s.runPlan(ctx); err != nil {
		s.config.Log.Error("Runtime error executing plan", "error", err)
		return NewRuntimeError(err)
	}

	outcomes := s.Outcomes()
	s.console.Publish(fmt.Sprintf("op-starter results (%s)", s.version), outcomes)

	var failed []string
	for _, o := range outcomes {
		if !o.Passed() {
			failed = append(failed, o.Name)
		}
	}
	if len(failed) > 0 {
		s.config.Log.Warn("Plan completed with failures", "failed", len(failed))
		return NewTestFailureError(fmt.Sprintf("%d of %d runs failed: %s", len(failed), len(outcomes), strings.Join(failed, ", ")))
	}
	s.config.Log.Info("Plan completed", "runs", len(outcomes))
	go func() {
		s.shutdownCallback(nil)
	}()
	return nil
}

func (s *starter) startServers(ctx context.Context) error {
	if s.config.MetricsConfig.Enabled {
		srv, err := metrics.StartServer(s.config.MetricsConfig.ListenAddr, s.config.MetricsConfig.ListenPort)
		if err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		s.config.Log.Info("Started metrics server", "endpoint", srv.Addr())
		s.metricsServer = srv
	}
	if s.config.PprofConfig.ListenEnabled {
		pc := s.config.PprofConfig
		s.pprofService = oppprof.New(pc.ListenEnabled, pc.ListenAddr, pc.ListenPort, pc.ProfileType, pc.ProfileDir, pc.ProfileFilename)
		if err := s.pprofService.Start(); err != nil {
			return fmt.Errorf("failed to start pprof server: %w", err)
		}
	}
	if s.config.StatusAddr != "" {
		s.status = service.NewStatusServer(s.tracker, s.config.Log)
		go func() {
			if err := s.status.Start(ctx, s.config.StatusAddr); err != nil {
				s.config.Log.Error("Status server failed", "err", err)
			}
		}()
	}
	return nil
}

// runPlan executes every run of the plan, at most Concurrency at a time.
// Run failures are recorded as outcomes; only failures to set a run up
// are returned.
func (s *starter) runPlan(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, rs := range s.plan.Runs {
		g.Go(func() error {
			return s.execute(ctx, rs)
		})
	}
	return g.Wait()
}

func (s *starter) execute(ctx context.Context, rs RunSpec) error {
	cfg, err := rs.RunnerConfig(s.config.TestHome, s.config.Verbose)
	if err != nil {
		return fmt.Errorf("run %s: %w", rs.name(), err)
	}
	cfg.ThreadDumpInterval = s.plan.Diagnostics.ThreadDumpInterval
	cfg.NativeThreadsWindow = s.plan.Diagnostics.NativeThreadsWindow
	opts := []runner.Option{
		runner.WithBus(s.bus),
		runner.WithLogger(s.config.Log),
		runner.WithCollector(s.collector),
		runner.WithErrorReporter(s.classifier),
		runner.WithCILinkProvider(s.ciLinks),
	}
	if resolver := rs.runtimeResolver(); resolver != nil {
		opts = append(opts, runner.WithRuntimeResolver(resolver))
	}
	if s.publisher != nil {
		opts = append(opts, runner.WithArtifactPublisher(s.publisher))
	}
	rc, err := runner.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("run %s: %w", rs.name(), err)
	}
	if err := hooks.InstallProfiler(rc, s.profilers()...); err != nil {
		return fmt.Errorf("run %s: %w", rs.name(), err)
	}
	if rs.RecordScreen {
		rc.WithScreenRecording(hooks.NewScreenRecorder(s.config.Log))
	}

	result, runErr := rc.Run(ctx)
	outcome := reporting.OutcomeOf(rc, result, runErr)
	if runErr != nil {
		s.config.Log.Error("Run failed", "run", outcome.Name, "status", outcome.Status, "err", runErr)
	}
	s.record(context.WithoutCancel(ctx), outcome)
	return nil
}

func (s *starter) profilers() []hooks.Profiler {
	var out []hooks.Profiler
	if path, ok := s.plan.Profilers[hooks.ProfilerAsync]; ok {
		out = append(out, hooks.AsyncProfiler{AgentPath: path})
	}
	if path, ok := s.plan.Profilers[hooks.ProfilerYourKit]; ok {
		out = append(out, hooks.YourKitProfiler{AgentPath: path})
	}
	return out
}

func (s *starter) record(ctx context.Context, o reporting.Outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()

	s.tracker.Record(o)
	if err := s.store.SaveOutcome(ctx, o); err != nil {
		s.config.Log.Warn("Failed to store outcome", "run", o.Name, "err", err)
		metrics.RecordErrorDetails("store", err)
	}
}

// Outcomes returns the outcomes recorded so far.
func (s *starter) Outcomes() []reporting.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reporting.Outcome(nil), s.outcomes...)
}

// Stop implements the cliapp.Lifecycle interface.
func (s *starter) Stop(ctx context.Context) error {
	s.config.Log.Info("Stopping op-starter")
	if !s.running.Swap(false) {
		return nil
	}
	var result error
	s.tracker.Detach(s.bus)
	if s.status != nil {
		if err := s.status.Shutdown(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop status server: %w", err))
		}
	}
	if s.pprofService != nil {
		if err := s.pprofService.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop pprof server: %w", err))
		}
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to close store: %w", err))
	}
	return result
}

// Stopped implements the cliapp.Lifecycle interface.
func (s *starter) Stopped() bool {
	return !s.running.Load()
}
