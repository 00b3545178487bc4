package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/diagnostics"
	"github.com/ethereum-optimism/infra/op-starter/launch"
	"github.com/ethereum-optimism/infra/op-starter/script"
)

func TestRunSuccess(t *testing.T) {
	run := newTestRun(t, `echo "hello from child"; echo "$TESTING_SCRIPT_PATH"`, nil)

	result, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Same(t, run.rc, result.RunContext)
	require.Greater(t, result.ExecutionTime, time.Duration(0))
	require.Contains(t, result.Stdout, "hello from child")
	require.Contains(t, result.Stdout, run.rc.ScriptPath())
	kept, err := os.ReadFile(filepath.Join(run.rc.LogsDir(), StdoutFileName))
	require.NoError(t, err)
	require.Equal(t, result.Stdout, string(kept))
	require.NotNil(t, result.ConfigDiff)
	require.True(t, result.ConfigDiff.IsEmpty())
	require.Equal(t, StateDone, run.rc.State())

	require.Equal(t, 1, run.events.count(bus.StateBefore))
	require.Equal(t, 1, run.events.count(bus.StateInTime))
	require.Equal(t, 1, run.events.count(bus.StateAfter))
	require.NotNil(t, run.events.last(bus.StateInTime).Process)
	after := run.events.last(bus.StateAfter)
	require.True(t, after.Success)
	require.Greater(t, after.PID, 0)
	require.Nil(t, after.Process)

	require.Equal(t, []State{StateLaunching, StateSupervising, StateFinalizing}, run.events.states)
	require.Equal(t, result.ExecutionTime.String(), result.MainReportAttributes()[AttrExecutionTime])
}

func TestRunTwiceFails(t *testing.T) {
	run := newTestRun(t, "exit 0", nil)
	_, err := run.rc.Run(context.Background())
	require.NoError(t, err)

	_, err = run.rc.Run(context.Background())
	require.ErrorIs(t, err, ErrAlreadyRun)
	require.Equal(t, 1, run.events.count(bus.StateAfter))
}

func TestRunTimeout(t *testing.T) {
	tests := []struct {
		name         string
		expectedKill bool
	}{
		{name: "unexpected timeout fails", expectedKill: false},
		{name: "expected kill succeeds", expectedKill: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timeout := 300 * time.Millisecond
			run := newTestRun(t, "sleep 30", func(c *Config) {
				c.Timeout = timeout
				c.ExpectedKill = tt.expectedKill
			})

			start := time.Now()
			result, err := run.rc.Run(context.Background())
			require.Less(t, time.Since(start), 20*time.Second)

			screenshots, threadDumps, _ := run.collector.counts()
			require.Equal(t, 1, screenshots)
			require.Equal(t, 1, run.events.count(bus.StateAfter))
			require.Equal(t, StateDone, run.rc.State())

			if tt.expectedKill {
				require.NoError(t, err)
				require.Equal(t, timeout, result.ExecutionTime)
				require.True(t, run.events.last(bus.StateAfter).Success)
				require.Equal(t, 0, threadDumps, "diagnostics are skipped for an expected kill")
				return
			}
			require.Nil(t, result)
			require.True(t, IsLaunchTimeout(err))
			require.Contains(t, err.Error(), "timeout of run 'sample/first' for 300ms")
			require.False(t, run.events.last(bus.StateAfter).Success)
			require.Equal(t, 1, threadDumps)
			require.True(t, strings.Contains(run.collector.threadDumps[0], "threadDump-before-kill-"))
		})
	}
}

func TestRunUnexpectedExitCode(t *testing.T) {
	run := newTestRun(t, "exit 3", nil)

	result, err := run.rc.Run(context.Background())
	require.Nil(t, result)
	require.True(t, IsLaunchFailure(err))
	var lf *LaunchFailureError
	require.ErrorAs(t, err, &lf)
	require.Equal(t, 3, lf.ExitCode)
	require.Equal(t, "process exited with code 3, expected 0", err.Error())
	require.Equal(t, 1, run.events.count(bus.StateAfter))
	require.False(t, run.events.last(bus.StateAfter).Success)
}

func TestRunExpectedExitCode(t *testing.T) {
	run := newTestRun(t, "exit 3", func(c *Config) { c.ExpectedExitCode = 3 })
	result, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result)
}

func TestRunStartFailure(t *testing.T) {
	run := newTestRun(t, "", func(c *Config) {
		c.Target = launch.Config{Executable: filepath.Join(t.TempDir(), "missing-binary")}
	})
	_, err := run.rc.Run(context.Background())
	require.True(t, IsLaunchFailure(err))
	require.Contains(t, err.Error(), "failed to start")
	require.Equal(t, 0, run.events.count(bus.StateInTime))
	require.Equal(t, 1, run.events.count(bus.StateAfter))
}

func TestFailureCauseOverridesMessage(t *testing.T) {
	tests := []struct {
		name   string
		ciLink string
		want   string
	}{
		{name: "local", want: "X"},
		{name: "on CI", ciLink: "https://ci.example/artifacts/1", want: "Link on CI artifacts https://ci.example/artifacts/1\nX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.ciLink != "" {
				opts = append(opts, WithCILinkProvider(staticCILink(tt.ciLink)))
			}
			run := newTestRun(t, "exit 1", nil, opts...)
			require.NoError(t, os.WriteFile(filepath.Join(run.rc.LogsDir(), FailureCauseFile), []byte("X"), 0o644))

			_, err := run.rc.Run(context.Background())
			require.Error(t, err)
			require.Equal(t, tt.want, err.Error())
			require.Equal(t, tt.ciLink, CILinkOf(err))
		})
	}
}

func TestTimeoutErrorCarriesCILink(t *testing.T) {
	run := newTestRun(t, "sleep 30", func(c *Config) { c.Timeout = 200 * time.Millisecond },
		WithCILinkProvider(staticCILink("https://ci.example/a")))
	_, err := run.rc.Run(context.Background())
	require.True(t, IsLaunchTimeout(err))
	require.Equal(t, "timeout of run 'sample/first' for 200ms\nLink on CI artifacts https://ci.example/a", err.Error())
}

func TestBeforeHandlerFailureIsSurfaced(t *testing.T) {
	run := newTestRun(t, "exit 0", nil)
	boom := errors.New("profiler exploded")
	bus.Subscribe(run.bus, "profiler", func(ctx context.Context, e LifecycleEvent) error {
		return boom
	}, bus.WithState(bus.StateBefore), ForRun(run.rc))

	result, err := run.rc.Run(context.Background())
	require.Nil(t, result)
	require.True(t, IsUnexpected(err))
	require.True(t, bus.IsHandlerFailure(err))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 0, run.events.count(bus.StateInTime))
	require.Equal(t, 1, run.events.count(bus.StateAfter))
}

func TestAfterHandlerFailureIsJoined(t *testing.T) {
	run := newTestRun(t, "exit 0", nil)
	boom := errors.New("recorder failed to stop")
	bus.Subscribe(run.bus, "recorder", func(ctx context.Context, e LifecycleEvent) error {
		return boom
	}, bus.WithState(bus.StateAfter), ForRun(run.rc))

	result, err := run.rc.Run(context.Background())
	require.NotNil(t, result)
	require.ErrorIs(t, err, boom)
	require.True(t, bus.IsHandlerFailure(err))
}

func TestInTimeHandlerFailureKillsProcess(t *testing.T) {
	run := newTestRun(t, "sleep 30", nil)
	bus.Subscribe(run.bus, "watcher", func(ctx context.Context, e LifecycleEvent) error {
		return errors.New("cannot attach")
	}, bus.WithState(bus.StateInTime), ForRun(run.rc))

	start := time.Now()
	_, err := run.rc.Run(context.Background())
	require.Less(t, time.Since(start), 20*time.Second)
	require.True(t, IsUnexpected(err))
	require.Contains(t, err.Error(), "cannot attach")
	require.False(t, run.events.last(bus.StateInTime).Process.Alive())
}

func TestHungAfterHandlerDoesNotHangRun(t *testing.T) {
	run := newTestRun(t, "exit 0", func(c *Config) { c.HookTimeout = 200 * time.Millisecond })
	release := make(chan struct{})
	defer close(release)
	bus.Subscribe(run.bus, "stuck", func(ctx context.Context, e LifecycleEvent) error {
		<-release
		return nil
	}, bus.WithState(bus.StateAfter), ForRun(run.rc))

	_, err := run.rc.Run(context.Background())
	require.True(t, bus.IsWaitTimeout(err))
	require.Equal(t, StateDone, run.rc.State())
}

func TestContextCancellation(t *testing.T) {
	run := newTestRun(t, "sleep 30", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := run.rc.Run(ctx)
	require.True(t, IsUnexpected(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, run.events.count(bus.StateAfter))
}

func TestBeforeHandlerPatchesLaunch(t *testing.T) {
	run := newTestRun(t, `cat "$STARTER_VM_OPTIONS_FILE"`, nil)
	bus.Subscribe(run.bus, "profiler", func(ctx context.Context, e LifecycleEvent) error {
		return e.RunContext.AddPatch(launch.WithOption("-agentpath:/opt/profiler.so"))
	}, bus.WithState(bus.StateBefore), ForRun(run.rc))

	result, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, result.Stdout, "-agentpath:/opt/profiler.so")
	require.ErrorIs(t, run.rc.AddPatch(launch.WithOption("-Xmx1g")), ErrConfigFrozen)
}

func TestDriftDiffDetectsRewrittenOptions(t *testing.T) {
	run := newTestRun(t, `echo "-Xmx8g" > "$STARTER_VM_OPTIONS_FILE"`, nil)
	result, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.ConfigDiff)
	require.Equal(t, []string{"-Xmx8g"}, result.ConfigDiff.Added)
	require.NotEmpty(t, result.ConfigDiff.Missing)
}

func TestThreadDumpLoop(t *testing.T) {
	run := newTestRun(t, "sleep 1", func(c *Config) { c.ThreadDumpInterval = 100 * time.Millisecond })
	_, err := run.rc.Run(context.Background())
	require.NoError(t, err)

	_, threadDumps, _ := run.collector.counts()
	require.GreaterOrEqual(t, threadDumps, 2)
	names := listDir(t, filepath.Join(run.rc.LogsDir(), diagnostics.MonitoringDir))
	require.True(t, strings.HasPrefix(names[0], "threadDump-"))
}

func TestMemoryDumpOnlyWithLowMemorySignal(t *testing.T) {
	tests := []struct {
		name      string
		log       string
		wantDumps int
	}{
		{name: "no signal", log: "INFO ok\n", wantDumps: 0},
		{name: "low memory", log: "WARN Low memory signal received: afterGc=true\n", wantDumps: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := newTestRun(t, "sleep 30", func(c *Config) {
				c.Timeout = 200 * time.Millisecond
				c.CollectNativeThreads = true
			})
			require.NoError(t, os.WriteFile(filepath.Join(run.rc.LogsDir(), diagnostics.ChildLogFileName), []byte(tt.log), 0o644))

			_, err := run.rc.Run(context.Background())
			require.True(t, IsLaunchTimeout(err))
			_, _, memoryDumps := run.collector.counts()
			require.Equal(t, tt.wantDumps, memoryDumps)
			require.Len(t, run.collector.nativeThreads, 1)
			if tt.wantDumps > 0 {
				require.Equal(t, run.rc.SnapshotsDir(), filepath.Dir(run.collector.memoryDumps[0]))
				require.True(t, strings.HasSuffix(run.collector.memoryDumps[0], ".hprof.gz"))
			}
		})
	}
}

func TestRuntimeResolverFallback(t *testing.T) {
	t.Setenv("JAVA_HOME", "/fallback/jdk")
	resolver := RuntimeResolverFunc(func(ctx context.Context, rc *RunContext) (diagnostics.Runtime, error) {
		return diagnostics.Runtime{}, errors.New("download failed")
	})
	run := newTestRun(t, "sleep 30", func(c *Config) { c.Timeout = 200 * time.Millisecond }, WithRuntimeResolver(resolver))

	_, err := run.rc.Run(context.Background())
	require.True(t, IsLaunchTimeout(err))
	require.Equal(t, diagnostics.Runtime{Home: "/fallback/jdk"}, run.collector.runtimes[0])
}

func TestFinalizationPublishesAndReports(t *testing.T) {
	publisher := &fakePublisher{}
	reporter := &fakeReporter{}
	closer := &countingCloser{}
	run := newTestRun(t, "exit 0", func(c *Config) {
		c.TestName = "suite/my test"
		c.Closers = []io.Closer{closer}
	}, WithArtifactPublisher(publisher), WithErrorReporter(reporter))

	_, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"logs-suite_my_test", "snapshots-suite_my_test", "reports-suite_my_test"}, publisher.names)
	require.Equal(t, "suite/my test/first", publisher.paths[0])
	require.Equal(t, 1, reporter.calls)
	require.Equal(t, 1, closer.closed)
	require.Equal(t, 1, run.bus.Len(), "one-shot subscriptions are gone, only the recorder remains")

	require.False(t, fileExists(filepath.Join(run.rc.LogsDir(), CrashLogDirName)), "empty crash dirs are purged")
	require.False(t, fileExists(filepath.Join(run.rc.LogsDir(), HeapDumpDirName)))
}

func TestRetryDoesNotCloseClosersAgain(t *testing.T) {
	closer := &countingCloser{}
	run := newTestRun(t, "exit 0", func(c *Config) {
		c.Closers = []io.Closer{closer}
	})
	_, err := run.rc.Run(context.Background())
	require.NoError(t, err)

	retry, err := run.rc.Copy()
	require.NoError(t, err)
	_, err = retry.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, closer.closed)
}

func TestCrashDirsWithContentAreKept(t *testing.T) {
	run := newTestRun(t, `touch "$CRASH_DIR/hs_err.log"`, nil)
	require.NoError(t, run.rc.AddPatch(launch.WithEnv("CRASH_DIR", filepath.Join(run.rc.LogsDir(), CrashLogDirName))))

	_, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	require.True(t, fileExists(filepath.Join(run.rc.LogsDir(), CrashLogDirName, "hs_err.log")))
	require.False(t, fileExists(filepath.Join(run.rc.LogsDir(), HeapDumpDirName)))
}

type fakeRecorder struct {
	starts, stops int
	startedFor    *RunContext
}

func (r *fakeRecorder) Start(ctx context.Context, rc *RunContext) error {
	r.starts++
	r.startedFor = rc
	return nil
}

func (r *fakeRecorder) Stop(ctx context.Context) error {
	r.stops++
	return nil
}

func TestScreenRecording(t *testing.T) {
	run := newTestRun(t, "exit 0", nil)
	rec := &fakeRecorder{}
	run.rc.WithScreenRecording(rec)

	// a sibling run on the same bus must not consume the recorder
	sibling, err := New(run.rc.Config(), WithBus(run.bus), WithCollector(&fakeCollector{}))
	require.NoError(t, err)
	_, err = sibling.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, rec.starts)

	_, err = run.rc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rec.starts)
	require.Equal(t, 1, rec.stops)
	require.Same(t, run.rc, rec.startedFor)
}

func TestVerboseOutputIsNotRetained(t *testing.T) {
	run := newTestRun(t, "echo noisy", func(c *Config) { c.Verbose = true })
	result, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Stdout)
}

func TestStartupScriptIsWritten(t *testing.T) {
	cmds := script.NewChain().WaitForSmartMode().ExitApp(true).Commands()
	run := newTestRun(t, `cat "$TESTING_SCRIPT_PATH"`, func(c *Config) { c.Commands = cmds })
	result, err := run.rc.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "%waitForSmart\n%exitApp true\n", result.Stdout)
}
