package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/diagnostics"
	"github.com/ethereum-optimism/infra/op-starter/launch"
	"github.com/ethereum-optimism/infra/op-starter/script"
)

const (
	DefaultTimeout             = 10 * time.Minute
	DefaultThreadDumpInterval  = time.Minute
	DefaultNativeThreadsWindow = 15 * time.Second
	DefaultHookTimeout         = 5 * time.Minute
	DefaultPIDLookupTimeout    = 30 * time.Second
)

// Directory and file names under a run's home.
const (
	ReportsDirName   = "reports"
	SnapshotsDirName = "snapshots"
	LogsDirName      = "log"
	CrashLogDirName  = "jvm-crash"
	HeapDumpDirName  = "heap-dump"
	GCLogFileName    = "gcLog.log"
	OTelFileName     = "opentelemetry.json"
	FailureCauseFile = "failure_cause.txt"
	// StdoutFileName keeps child stdout when not verbose. It is not a *.log
	// file so error classification does not scan it.
	StdoutFileName = "stdout.txt"
)

const screenshotsDirName = "screenshots"

// Launch properties set on every run.
const (
	PropSnapshotsPath       = "snapshots.path"
	PropMemorySnapshotsPath = "memory.snapshots.path"
	PropLogPath             = "app.log.path"
	PropOTelFile            = "diagnostic.opentelemetry.file"
	PropIntegrationTests    = "starter.integration.tests"
)

// Config is the caller-supplied description of one run.
type Config struct {
	TestName   string
	LaunchName string
	// TestHome is the root under which per-launch directories are created.
	TestHome string
	// Target is the baseline launch configuration.
	Target launch.Config
	// CommandLine is appended to the target arguments.
	CommandLine      []string
	Commands         []script.Command
	UseStartupScript bool
	Timeout          time.Duration
	Verbose          bool
	ExpectedKill     bool
	ExpectedExitCode int
	// CollectNativeThreads samples native stacks before a failing child is killed.
	CollectNativeThreads bool
	ThreadDumpInterval   time.Duration
	NativeThreadsWindow  time.Duration
	// HookTimeout bounds each wait for lifecycle handlers.
	HookTimeout time.Duration
	// ProcessName, if set, names the descendant that diagnostics target
	// when the executable is a launcher script.
	ProcessName string
	// Profiler selects a profiler hook: "async", "yourkit" or "none".
	Profiler string
	// Closers are closed once the run finished.
	Closers []io.Closer
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.ThreadDumpInterval <= 0 {
		c.ThreadDumpInterval = DefaultThreadDumpInterval
	}
	if c.NativeThreadsWindow <= 0 {
		c.NativeThreadsWindow = DefaultNativeThreadsWindow
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = DefaultHookTimeout
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.TestName == "" {
		return errors.New("test name cannot be empty")
	}
	if c.TestHome == "" {
		return errors.New("test home cannot be empty")
	}
	if filepath.IsAbs(c.LaunchName) || strings.HasPrefix(filepath.Clean(c.LaunchName), "..") {
		return fmt.Errorf("invalid launch name %q", c.LaunchName)
	}
	if err := c.Target.Validate(); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	return nil
}

// RuntimeResolver resolves the runtime used to introspect the child.
type RuntimeResolver interface {
	ResolveRuntime(ctx context.Context, rc *RunContext) (diagnostics.Runtime, error)
}

// RuntimeResolverFunc adapts a function to RuntimeResolver.
type RuntimeResolverFunc func(ctx context.Context, rc *RunContext) (diagnostics.Runtime, error)

func (f RuntimeResolverFunc) ResolveRuntime(ctx context.Context, rc *RunContext) (diagnostics.Runtime, error) {
	return f(ctx, rc)
}

// ErrorReporter promotes errors found in a finished run's logs into
// reportable failures.
type ErrorReporter interface {
	ReportErrors(ctx context.Context, rc *RunContext) error
}

// ArtifactPublisher publishes a directory of run artifacts.
type ArtifactPublisher interface {
	PublishArtifact(ctx context.Context, source, artifactPath, artifactName string) error
}

// CILinkProvider returns a link to durable CI artifacts of a run, or "".
type CILinkProvider interface {
	LinkToArtifacts(rc *RunContext) string
}

// ScreenRecorder records the screen between BEFORE and AFTER.
type ScreenRecorder interface {
	Start(ctx context.Context, rc *RunContext) error
	Stop(ctx context.Context) error
}

// CmdBuilder creates the command of the child and the cleanup to run after it.
type CmdBuilder func(ctx context.Context, name string, arg ...string) (*exec.Cmd, func())

// Option configures the collaborators of a RunContext.
type Option func(*RunContext)

func WithBus(b *bus.Bus) Option {
	return func(rc *RunContext) { rc.bus = b }
}

func WithLogger(logger log.Logger) Option {
	return func(rc *RunContext) { rc.log = logger }
}

func WithCollector(c diagnostics.Collector) Option {
	return func(rc *RunContext) { rc.collector = c }
}

func WithRuntimeResolver(r RuntimeResolver) Option {
	return func(rc *RunContext) { rc.resolver = r }
}

func WithErrorReporter(r ErrorReporter) Option {
	return func(rc *RunContext) { rc.reporter = r }
}

func WithArtifactPublisher(p ArtifactPublisher) Option {
	return func(rc *RunContext) { rc.publisher = p }
}

func WithCILinkProvider(p CILinkProvider) Option {
	return func(rc *RunContext) { rc.ciLinks = p }
}

func WithCmdBuilder(b CmdBuilder) Option {
	return func(rc *RunContext) { rc.cmdBuilder = b }
}

// RunContext owns one launch attempt.
type RunContext struct {
	RunID uuid.UUID

	cfg  Config
	opts []Option

	log        log.Logger
	bus        *bus.Bus
	collector  diagnostics.Collector
	resolver   RuntimeResolver
	reporter   ErrorReporter
	publisher  ArtifactPublisher
	ciLinks    CILinkProvider
	cmdBuilder CmdBuilder
	tracer     trace.Tracer

	reportsDir   string
	snapshotsDir string
	logsDir      string

	state atomic.Int32

	mu      sync.Mutex
	patches []launch.Patch
	frozen  bool
}

// New validates cfg and creates the run's reports, snapshots and logs
// directories under <TestHome>/<LaunchName>.
func New(cfg Config, opts ...Option) (*RunContext, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	rc := &RunContext{
		RunID:  uuid.New(),
		cfg:    cfg,
		opts:   opts,
		tracer: otel.Tracer("op-starter/runner"),
	}
	for _, opt := range opts {
		opt(rc)
	}
	if rc.bus == nil {
		rc.bus = bus.Default()
	}
	if rc.log == nil {
		rc.log = log.New("component", "runner")
	}
	rc.log = rc.log.New("run", rc.ContextName(), "runID", rc.RunID)
	if rc.collector == nil {
		rc.collector = diagnostics.NewCommandCollector(rc.log, nil)
	}
	if rc.cmdBuilder == nil {
		rc.cmdBuilder = defaultCmdBuilder
	}

	home := filepath.Join(cfg.TestHome, cfg.LaunchName)
	rc.reportsDir = filepath.Join(home, ReportsDirName)
	rc.snapshotsDir = filepath.Join(home, SnapshotsDirName)
	rc.logsDir = filepath.Join(home, LogsDirName)
	for _, dir := range []string{rc.reportsDir, rc.snapshotsDir, rc.logsDir} {
		if err := rc.ensureDir(dir); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

func (rc *RunContext) ensureDir(dir string) error {
	if _, err := os.Stat(dir); err == nil {
		rc.log.Debug("Directory already exists", "dir", dir)
		return nil
	}
	rc.log.Debug("Creating directory", "dir", dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// Copy returns a fresh CONFIGURED context with the same configuration and
// a snapshot of the current patches. Closers stay with rc so they are closed
// once.
func (rc *RunContext) Copy() (*RunContext, error) {
	cfg := rc.cfg
	cfg.Closers = nil
	cp, err := New(cfg, rc.opts...)
	if err != nil {
		return nil, err
	}
	rc.mu.Lock()
	cp.patches = slices.Clone(rc.patches)
	rc.mu.Unlock()
	return cp, nil
}

// ContextName is "<test>/<launch>" or the test name when no launch is named.
func (rc *RunContext) ContextName() string {
	if rc.cfg.LaunchName == "" {
		return rc.cfg.TestName
	}
	return rc.cfg.TestName + "/" + rc.cfg.LaunchName
}

func (rc *RunContext) TestName() string {
	return rc.cfg.TestName
}

func (rc *RunContext) LaunchName() string {
	return rc.cfg.LaunchName
}

// Config returns the run configuration with defaults applied.
func (rc *RunContext) Config() Config {
	return rc.cfg
}

func (rc *RunContext) Timeout() time.Duration {
	return rc.cfg.Timeout
}

func (rc *RunContext) ReportsDir() string {
	return rc.reportsDir
}

func (rc *RunContext) SnapshotsDir() string {
	return rc.snapshotsDir
}

func (rc *RunContext) LogsDir() string {
	return rc.logsDir
}

func (rc *RunContext) Bus() *bus.Bus {
	return rc.bus
}

func (rc *RunContext) Logger() log.Logger {
	return rc.log
}

func (rc *RunContext) Collector() diagnostics.Collector {
	return rc.collector
}

// ScriptPath is where the startup script is written.
func (rc *RunContext) ScriptPath() string {
	return script.Path(rc.logsDir)
}

// OptionsFilePath is where the launch options file is written.
func (rc *RunContext) OptionsFilePath() string {
	return filepath.Join(filepath.Dir(rc.logsDir), launch.OptionsFileName)
}

func (rc *RunContext) crashLogDir() string {
	return filepath.Join(rc.logsDir, CrashLogDirName)
}

func (rc *RunContext) heapDumpDir() string {
	return filepath.Join(rc.logsDir, HeapDumpDirName)
}

func (rc *RunContext) State() State {
	return State(rc.state.Load())
}

func (rc *RunContext) setState(to State) {
	for {
		from := rc.State()
		if to.rank() <= from.rank() {
			rc.log.Warn("Ignoring backward state transition", "from", from, "to", to)
			return
		}
		if rc.state.CompareAndSwap(int32(from), int32(to)) {
			rc.log.Debug("Run state changed", "from", from, "to", to)
			return
		}
	}
}

// AddPatch registers a launch configuration patch. Patches apply to this
// context and its copies only.
func (rc *RunContext) AddPatch(p launch.Patch) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.frozen || rc.State().rank() > StateLaunching.rank() {
		return ErrConfigFrozen
	}
	rc.patches = append(rc.patches, p)
	return nil
}

func (rc *RunContext) freeze() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.frozen = true
}

// CalculateLaunchConfiguration derives the launch configuration from the
// target baseline, the fixed diagnostic patches and the registered patches.
// With UseStartupScript the command script is written; otherwise the
// command list must not be empty.
func (rc *RunContext) CalculateLaunchConfiguration() (launch.Config, error) {
	for _, dir := range []string{rc.crashLogDir(), rc.heapDumpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return launch.Config{}, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	cfg := rc.cfg.Target.Clone()
	cfg.Args = append(cfg.Args, rc.cfg.CommandLine...)
	cfg.Apply(rc.baselinePatches()...)

	rc.mu.Lock()
	patches := slices.Clone(rc.patches)
	rc.mu.Unlock()
	cfg.Apply(patches...)

	if rc.cfg.UseStartupScript {
		path := rc.ScriptPath()
		if err := script.Write(path, rc.cfg.Commands); err != nil {
			return launch.Config{}, fmt.Errorf("failed to write startup script: %w", err)
		}
		cfg.SetEnv(script.EnvScriptPath, path)
		cfg.SetProperty(script.PropertyScriptPath, path)
	} else {
		if len(rc.cfg.Commands) == 0 {
			return launch.Config{}, errors.New("commands are required when the startup script is disabled")
		}
		for _, cmd := range rc.cfg.Commands {
			cfg.Args = append(cfg.Args, cmd.String())
		}
	}

	cfg.SetEnv(launch.EnvOptionsFile, rc.OptionsFilePath())
	if err := cfg.Validate(); err != nil {
		return launch.Config{}, err
	}
	return cfg, nil
}

func (rc *RunContext) baselinePatches() []launch.Patch {
	return []launch.Patch{
		launch.WithOption("-XX:ErrorFile=" + filepath.Join(rc.crashLogDir(), "java_error_in_pid%p.log")),
		launch.WithOption("-XX:+HeapDumpOnOutOfMemoryError"),
		launch.WithOption("-XX:HeapDumpPath=" + rc.heapDumpDir()),
		launch.WithOption("-Xlog:gc*:file=" + filepath.Join(rc.reportsDir, GCLogFileName)),
		launch.WithProperty(PropIntegrationTests, "true"),
		launch.WithProperty(PropSnapshotsPath, rc.snapshotsDir),
		launch.WithProperty(PropMemorySnapshotsPath, rc.logsDir),
		launch.WithProperty(PropOTelFile, filepath.Join(rc.logsDir, OTelFileName)),
		launch.WithProperty(PropLogPath, rc.logsDir),
	}
}

// WithScreenRecording records the screen of this run from BEFORE to AFTER.
func (rc *RunContext) WithScreenRecording(rec ScreenRecorder) {
	bus.Subscribe(rc.bus, rec, func(ctx context.Context, e LifecycleEvent) error {
		return rec.Start(ctx, e.RunContext)
	}, bus.WithState(bus.StateBefore), bus.Once(), ForRun(rc))
	bus.Subscribe(rc.bus, rec, func(ctx context.Context, e LifecycleEvent) error {
		return rec.Stop(ctx)
	}, bus.WithState(bus.StateAfter), bus.Once(), ForRun(rc))
}

// closeOnAfter closes the configured closers when this run's AFTER fires.
func (rc *RunContext) closeOnAfter() {
	if len(rc.cfg.Closers) == 0 {
		return
	}
	bus.Subscribe(rc.bus, rc, func(ctx context.Context, e LifecycleEvent) error {
		var errs []error
		for _, c := range rc.cfg.Closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, bus.WithState(bus.StateAfter), bus.Once(), ForRun(rc))
}

func defaultCmdBuilder(ctx context.Context, name string, arg ...string) (*exec.Cmd, func()) {
	return exec.Command(name, arg...), func() {}
}
