package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum-optimism/optimism/devnet-sdk/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/diagnostics"
	"github.com/ethereum-optimism/infra/op-starter/launch"
	"github.com/ethereum-optimism/infra/op-starter/logging"
	"github.com/ethereum-optimism/infra/op-starter/metrics"
)

// diagnosticsTimeout bounds the capture of diagnostics before a kill.
const diagnosticsTimeout = 5 * time.Minute

// waitDelay bounds how long output is drained once the child exited.
const waitDelay = 10 * time.Second

var artifactNameRegex = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

type outcome int

const (
	outcomeExited outcome = iota
	outcomeTimedOut
	outcomeCanceled
)

// Run launches and supervises the child. It returns a Result on success or
// one of *LaunchTimeoutError, *LaunchFailureError, *UnexpectedError. AFTER
// is posted exactly once on every path and its handler failures are joined
// into the returned error.
func (rc *RunContext) Run(ctx context.Context) (result *Result, err error) {
	if !rc.state.CompareAndSwap(int32(StateConfigured), int32(StateLaunching)) {
		return nil, ErrAlreadyRun
	}
	ctx, span := rc.tracer.Start(ctx, fmt.Sprintf("run %s", rc.ContextName()))
	defer span.End()
	span.SetAttributes(attribute.String("run.id", rc.RunID.String()))

	metrics.RunStarted()
	defer metrics.RunFinished()

	rc.closeOnAfter()
	ciLink := rc.ciLink()
	started := time.Now()
	pid := 0

	defer func() {
		success := err == nil
		if ferr := rc.finalize(ctx, pid, success); ferr != nil {
			err = errors.Join(err, ferr)
		}
		rc.setState(StateDone)
		metrics.RecordRun(rc.cfg.TestName, resultLabel(result, err), time.Since(started))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := rc.postAndWait(ctx, LifecycleEvent{State: bus.StateBefore, RunContext: rc}); err != nil {
		rc.setState(StateCrashed)
		return nil, rc.unexpected(fmt.Errorf("BEFORE handlers failed: %w", err), ciLink)
	}

	rt := rc.resolveRuntime(ctx)

	stdout, stderr := rc.redirects()
	stdoutW, stderrW := logging.NewLineWriter(stdout), logging.NewLineWriter(stderr)
	defer func() {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		_ = stdout.Close()
		_ = stderr.Close()
	}()
	// readStdout flushes stdout; call it once the process was reaped.
	readStdout := func() string {
		_ = stdoutW.Close()
		_ = stdout.Close()
		return stdout.Read()
	}

	launchCfg, proc, err := rc.start(ctx, stdoutW, stderrW)
	if err != nil {
		rc.setState(StateCrashed)
		return nil, rc.launchFailure(err, -1, ciLink)
	}
	defer func() {
		if cerr := proc.Close(); cerr != nil {
			rc.log.Warn("Failed to close process", "err", cerr)
		}
	}()
	rc.setState(StateSupervising)
	startedProcess := time.Now()

	inTimeErr := rc.postAndWait(ctx, LifecycleEvent{State: bus.StateInTime, RunContext: rc, Process: proc})
	pid = proc.FindDescendant(ctx, rc.cfg.ProcessName, DefaultPIDLookupTimeout, time.Second)

	superviseCtx, stopSupervising := context.WithCancel(ctx)
	supervised := make(chan struct{})
	go func() {
		defer close(supervised)
		rc.superviseThreadDumps(superviseCtx, proc, rt, pid)
	}()
	defer func() {
		stopSupervising()
		<-supervised
	}()

	if inTimeErr != nil {
		rc.setState(StateCrashed)
		rc.captureBeforeKill(ctx, rt, pid)
		_ = proc.Close()
		return nil, rc.unexpected(fmt.Errorf("IN_TIME handlers failed: %w", inTimeErr), ciLink)
	}

	switch rc.await(ctx, proc, startedProcess) {
	case outcomeTimedOut:
		rc.setState(StateTimedOut)
		rc.captureBeforeKill(ctx, rt, pid)
		_ = proc.Close()
		if rc.cfg.ExpectedKill {
			rc.log.Info("Run was expected to be killed by its timeout", "timeout", rc.cfg.Timeout)
			return &Result{RunContext: rc, ExecutionTime: rc.cfg.Timeout, Stdout: readStdout()}, nil
		}
		return nil, &LaunchTimeoutError{Context: rc.ContextName(), Timeout: rc.cfg.Timeout, CILink: ciLink}
	case outcomeCanceled:
		rc.setState(StateCrashed)
		rc.captureBeforeKill(ctx, rt, pid)
		_ = proc.Close()
		return nil, rc.unexpected(fmt.Errorf("run interrupted: %w", ctx.Err()), ciLink)
	}

	elapsed := time.Since(startedProcess)
	if code := proc.ExitCode(); code != rc.cfg.ExpectedExitCode {
		rc.setState(StateCrashed)
		cause := fmt.Errorf("process exited with code %d, expected %d", code, rc.cfg.ExpectedExitCode)
		if werr := proc.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if !errors.As(werr, &exitErr) {
				cause = fmt.Errorf("%w: %w", cause, werr)
			}
		}
		return nil, rc.launchFailure(cause, code, ciLink)
	}

	rc.setState(StateCompleted)
	rc.log.Info("Run completed", "elapsed", elapsed)
	return &Result{
		RunContext:    rc,
		ExecutionTime: elapsed,
		ConfigDiff:    rc.driftDiff(launchCfg),
		Stdout:        readStdout(),
	}, nil
}

func (rc *RunContext) postAndWait(ctx context.Context, event LifecycleEvent) error {
	ctx, cancel := context.WithTimeout(ctx, rc.cfg.HookTimeout)
	defer cancel()
	ctx, span := rc.tracer.Start(ctx, fmt.Sprintf("lifecycle %s", event.State))
	defer span.End()
	return rc.bus.PostAndWait(ctx, event)
}

func (rc *RunContext) resolveRuntime(ctx context.Context) diagnostics.Runtime {
	if rc.resolver == nil {
		return diagnostics.DefaultRuntime()
	}
	rt, err := rc.resolver.ResolveRuntime(ctx, rc)
	if err != nil {
		fallback := diagnostics.DefaultRuntime()
		rc.log.Error("Failed to resolve runtime, using default", "err", err, "fallback", fallback)
		return fallback
	}
	return rt
}

func (rc *RunContext) redirects() (stdout, stderr logging.Redirect) {
	name := rc.ContextName()
	stderr = logging.ToLogger(rc.log, fmt.Sprintf("[%s-err]", name))
	if rc.cfg.Verbose {
		return logging.ToLogger(rc.log, fmt.Sprintf("[%s-out]", name)), stderr
	}
	return logging.ToFile(rc.log, filepath.Join(rc.logsDir, StdoutFileName)), stderr
}

// start computes the launch configuration, writes the options file and
// starts the child. Patches are frozen once it returns.
func (rc *RunContext) start(ctx context.Context, stdout, stderr *logging.LineWriter) (launch.Config, *Process, error) {
	defer rc.freeze()

	cfg, err := rc.CalculateLaunchConfiguration()
	if err != nil {
		return launch.Config{}, nil, err
	}
	if err := launch.WriteOptionsFile(rc.OptionsFilePath(), cfg); err != nil {
		return launch.Config{}, nil, err
	}

	cmd, cleanup := rc.cmdBuilder(ctx, cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = telemetry.InstrumentEnvironment(ctx, append(os.Environ(), cfg.Environ()...))
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	rc.log.Info("Starting process",
		"executable", cfg.Executable,
		"timeout", rc.cfg.Timeout,
		"options", strings.Join(cfg.OptionLines(), " "))

	proc, err := startProcess(cmd, rc.log)
	if err != nil {
		cleanup()
		return launch.Config{}, nil, fmt.Errorf("failed to start %s: %w", cfg.Executable, err)
	}
	go func() {
		<-proc.Done()
		cleanup()
	}()
	return cfg, proc, nil
}

func (rc *RunContext) await(ctx context.Context, proc *Process, started time.Time) outcome {
	timer := time.NewTimer(rc.cfg.Timeout - time.Since(started))
	defer timer.Stop()
	select {
	case <-proc.Done():
		return outcomeExited
	case <-timer.C:
		return outcomeTimedOut
	case <-ctx.Done():
		return outcomeCanceled
	}
}

// superviseThreadDumps captures a thread dump every interval while proc is alive.
func (rc *RunContext) superviseThreadDumps(ctx context.Context, proc *Process, rt diagnostics.Runtime, pid int) {
	dir := filepath.Join(rc.logsDir, diagnostics.MonitoringDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		rc.log.Warn("Failed to create monitoring directory", "err", err)
		return
	}
	ticker := time.NewTicker(rc.cfg.ThreadDumpInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
			return
		case <-ticker.C:
		}
		if !proc.Alive() {
			return
		}
		seq++
		file := diagnostics.ThreadDumpFile(dir, seq, time.Now())
		rc.log.Info("Dumping threads", "file", file)
		if err := rc.collector.ThreadDump(ctx, rt, pid, file); err != nil {
			rc.log.Warn("Failed to collect thread dump", "err", err)
		}
	}
}

// captureBeforeKill collects diagnostics of a child about to be killed.
// Failures are logged only.
func (rc *RunContext) captureBeforeKill(ctx context.Context, rt diagnostics.Runtime, pid int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticsTimeout)
	defer cancel()
	ctx, span := rc.tracer.Start(ctx, "capture diagnostics")
	defer span.End()

	if err := rc.collector.Screenshot(ctx, filepath.Join(rc.logsDir, screenshotsDirName)); err != nil {
		rc.log.Warn("Failed to take screenshot", "err", err)
	}
	if rc.cfg.ExpectedKill {
		return
	}

	if rc.cfg.CollectNativeThreads {
		if err := rc.collector.NativeThreads(ctx, pid, rc.cfg.NativeThreadsWindow, diagnostics.NativeThreadsFile(rc.logsDir)); err != nil {
			rc.log.Warn("Failed to collect native threads", "err", err)
		}
	}
	now := time.Now()
	if err := rc.collector.ThreadDump(ctx, rt, pid, diagnostics.ThreadDumpBeforeKillFile(rc.logsDir, now)); err != nil {
		rc.log.Warn("Failed to collect thread dump before kill", "err", err)
	}
	lowMemory, err := diagnostics.LowMemorySignalPresent(rc.logsDir)
	if err != nil {
		rc.log.Warn("Failed to scan log for low memory signal", "err", err)
	}
	if lowMemory {
		if err := rc.collector.MemoryDump(ctx, rt, pid, diagnostics.MemoryDumpBeforeKillFile(rc.snapshotsDir, now)); err != nil {
			rc.log.Warn("Failed to collect memory dump before kill", "err", err)
		}
	}
}

func (rc *RunContext) driftDiff(intended launch.Config) *launch.Diff {
	effective, err := launch.ReadOptionsFile(rc.OptionsFilePath())
	if err != nil {
		rc.log.Warn("Failed to read effective launch options", "err", err)
		return nil
	}
	diff := launch.ComputeDiff(intended.OptionLines(), effective)
	return &diff
}

// finalize runs exactly once per Run.
func (rc *RunContext) finalize(ctx context.Context, pid int, success bool) error {
	rc.setState(StateFinalizing)
	ctx, span := rc.tracer.Start(context.WithoutCancel(ctx), "finalize")
	defer span.End()

	var errs []error
	if err := rc.postAndWait(ctx, LifecycleEvent{State: bus.StateAfter, RunContext: rc, PID: pid, Success: success}); err != nil {
		errs = append(errs, fmt.Errorf("AFTER handlers failed: %w", err))
	}
	if success {
		rc.validateLaunchOptions()
	}
	rc.purgeEmptyCrashDirs()
	if rc.reporter != nil {
		if err := rc.reporter.ReportErrors(ctx, rc); err != nil {
			rc.log.Warn("Failed to report errors from logs", "err", err)
		}
	}
	rc.publishArtifacts(ctx)
	return errors.Join(errs...)
}

// validateLaunchOptions warns when the child dropped intended properties.
func (rc *RunContext) validateLaunchOptions() {
	intended, err := rc.CalculateLaunchConfiguration()
	if err != nil {
		return
	}
	effective, err := launch.ReadOptionsFile(rc.OptionsFilePath())
	if err != nil {
		return
	}
	if missing := launch.MissingProperties(intended, effective); len(missing) > 0 {
		rc.log.Warn("Launch properties were not applied", "missing", strings.Join(missing, " "))
	}
}

func (rc *RunContext) purgeEmptyCrashDirs() {
	for _, dir := range []string{rc.heapDumpDir(), rc.crashLogDir()} {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			rc.log.Warn("Failed to remove empty directory", "dir", dir, "err", err)
		}
	}
}

func (rc *RunContext) publishArtifacts(ctx context.Context) {
	if rc.publisher == nil {
		return
	}
	for _, a := range []struct{ kind, dir string }{
		{"logs", rc.logsDir},
		{"snapshots", rc.snapshotsDir},
		{"reports", rc.reportsDir},
	} {
		name := ArtifactName(a.kind, rc.cfg.TestName)
		if err := rc.publisher.PublishArtifact(ctx, a.dir, rc.ContextName(), name); err != nil {
			rc.log.Warn("Failed to publish artifact", "artifact", name, "err", err)
		}
	}
}

// ArtifactName is the published name of an artifact kind of a test.
func ArtifactName(kind, testName string) string {
	return kind + "-" + strings.Trim(artifactNameRegex.ReplaceAllString(testName, "_"), "_")
}

func (rc *RunContext) ciLink() string {
	if rc.ciLinks == nil {
		return ""
	}
	return rc.ciLinks.LinkToArtifacts(rc)
}

// failureMessage picks the most specific cause: the failure cause file
// written by a collaborator, then the error message, then its type.
func (rc *RunContext) failureMessage(err error) string {
	if data, rerr := os.ReadFile(filepath.Join(rc.logsDir, FailureCauseFile)); rerr == nil {
		return string(data)
	}
	if err == nil {
		return ""
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}

func (rc *RunContext) unexpected(err error, ciLink string) error {
	return &UnexpectedError{Context: rc.ContextName(), Message: rc.failureMessage(err), CILink: ciLink, Err: err}
}

func (rc *RunContext) launchFailure(err error, exitCode int, ciLink string) error {
	return &LaunchFailureError{Context: rc.ContextName(), ExitCode: exitCode, Message: rc.failureMessage(err), CILink: ciLink, Err: err}
}

func resultLabel(result *Result, err error) string {
	switch {
	case err == nil && result != nil && result.RunContext.cfg.ExpectedKill && result.ExecutionTime == result.RunContext.cfg.Timeout:
		return metrics.ResultKilled
	case err == nil:
		return metrics.ResultSuccess
	case IsLaunchTimeout(err):
		return metrics.ResultTimeout
	default:
		return metrics.ResultFailure
	}
}
