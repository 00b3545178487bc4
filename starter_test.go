package starter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-starter/diagnostics"
	"github.com/ethereum-optimism/infra/op-starter/reporting"
	"github.com/ethereum-optimism/infra/op-starter/runner"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum-optimism/optimism/op-service/oppprof"
)

func TestLoadPlan(t *testing.T) {
	plan, err := LoadPlan("testdata/plan.yaml")
	require.NoError(t, err)
	require.Len(t, plan.Runs, 2)
	require.Equal(t, "/opt/async-profiler/lib/libasyncProfiler.so", plan.Profilers["async"])

	first := plan.Runs[0]
	require.Equal(t, "smoke/first", first.name())
	require.Equal(t, 30*time.Second, first.Timeout)

	cfg, err := first.RunnerConfig("/tmp/home", false)
	require.NoError(t, err)
	require.True(t, cfg.UseStartupScript, "startup script is used unless disabled")
	require.Len(t, cfg.Commands, 2)
	require.Equal(t, "openFile", cfg.Commands[0].Name)
	require.Equal(t, []string{"src/main.go"}, cfg.Commands[0].Args)
	require.Equal(t, "smoke", cfg.Target.Env["STARTER_MODE"])
	require.Equal(t, "smoke", cfg.Target.Properties["app.mode"])

	killed, err := plan.Runs[1].RunnerConfig("/tmp/home", true)
	require.NoError(t, err)
	require.False(t, killed.UseStartupScript)
	require.True(t, killed.ExpectedKill)
	require.True(t, killed.Verbose)
	require.Equal(t, 200*time.Millisecond, killed.Timeout)
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		err  string
	}{
		{name: "empty", plan: Plan{}, err: "no runs"},
		{name: "no test", plan: Plan{Runs: []RunSpec{{Executable: "/bin/true"}}}, err: "test name cannot be empty"},
		{name: "no executable", plan: Plan{Runs: []RunSpec{{Test: "a"}}}, err: "executable cannot be empty"},
		{
			name: "duplicate",
			plan: Plan{Runs: []RunSpec{{Test: "a", Executable: "/bin/true"}, {Test: "a", Executable: "/bin/true"}}},
			err:  "duplicate run a",
		},
		{
			name: "native threads without command",
			plan: Plan{Runs: []RunSpec{{Test: "a", Executable: "/bin/true", CollectNativeThreads: true}}},
			err:  "requires diagnostics.nativeThreadsCommand",
		},
		{
			name: "empty screenshot executable",
			plan: Plan{
				Diagnostics: DiagnosticsSpec{ScreenshotCommand: []string{""}},
				Runs:        []RunSpec{{Test: "a", Executable: "/bin/true"}},
			},
			err: "diagnostics.screenshotCommand",
		},
		{
			name: "bad command",
			plan: Plan{Runs: []RunSpec{{Test: "a", Executable: "/bin/true", Commands: []string{"openFile"}}}},
			err:  "missing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorContains(t, tt.plan.Validate(), tt.err)
		})
	}
}

func writePlan(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newConfig(t *testing.T, plan string) *Config {
	t.Helper()
	cfg := &Config{
		PlanFile:      writePlan(t, plan),
		TestHome:      t.TempDir(),
		Concurrency:   2,
		ArtifactsDir:  t.TempDir(),
		MetricsConfig: opmetrics.DefaultCLIConfig(),
		PprofConfig:   oppprof.DefaultCLIConfig(),
		Log:           log.NewLogger(log.DiscardHandler()),
	}
	require.NoError(t, cfg.Check())
	return cfg
}

func TestConfigCheck(t *testing.T) {
	cfg := newConfig(t, "runs: []")
	cfg.Concurrency = 0
	require.ErrorContains(t, cfg.Check(), "concurrency")

	cfg = newConfig(t, "runs: []")
	cfg.Minio = reporting.MinioConfig{Endpoint: "localhost:9000", Bucket: "b"}
	require.ErrorContains(t, cfg.Check(), "mutually exclusive")
}

func TestStartAllPass(t *testing.T) {
	cfg := newConfig(t, `
runs:
  - test: pass
    launch: a
    executable: /bin/sh
    args: ["-c", "exit 0"]
  - test: pass
    launch: b
    executable: /bin/sh
    args: ["-c", "exit 0"]
`)
	shutdown := make(chan error, 1)
	s, err := New(context.Background(), cfg, "test", func(err error) { shutdown <- err })
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	select {
	case err := <-shutdown:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback not called")
	}

	outcomes := s.Outcomes()
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.Equal(t, reporting.StatusPassed, o.Status)
		_, ok := s.tracker.Get(o.RunID)
		require.True(t, ok)
	}
	stored, err := s.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.DirExists(t, filepath.Join(cfg.ArtifactsDir, "pass", "a", "logs-pass"))

	require.NoError(t, s.Stop(context.Background()))
	require.True(t, s.Stopped())
}

func TestStartWithFailures(t *testing.T) {
	cfg := newConfig(t, `
runs:
  - test: mixed
    launch: ok
    executable: /bin/sh
    args: ["-c", "exit 0"]
  - test: mixed
    launch: broken
    executable: /bin/sh
    args: ["-c", "exit 5"]
`)
	s, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.True(t, IsTestFailureError(err))
	require.Contains(t, err.Error(), "1 of 2 runs failed: mixed/broken")
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartUnknownProfiler(t *testing.T) {
	cfg := newConfig(t, `
runs:
  - test: profiled
    executable: /bin/sh
    args: ["-c", "exit 0"]
    profiler: jfr
`)
	s, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.True(t, IsRuntimeError(err))
	require.ErrorContains(t, err, `unknown profiler "jfr"`)
}

func TestNewFailsOnMissingPlan(t *testing.T) {
	cfg := newConfig(t, "runs: []")
	cfg.PlanFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg, "test", func(error) {})
	require.ErrorContains(t, err, "failed to read plan")
}

func TestStartFailsOnErrorsInLogs(t *testing.T) {
	cfg := newConfig(t, `
runs:
  - test: logged
    launch: errors
    executable: /bin/sh
    args:
      - -c
      - |
        printf '%s\n' "1 [ 1] ERROR - #c.i.Foo - boom" "java.lang.RuntimeException: boom" "    at Foo.bar(Foo.java:1)" > "$(dirname "$TESTING_SCRIPT_PATH")/log/app.log"
`)
	s, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.True(t, IsTestFailureError(err), "errors in logs fail the plan: %v", err)
	require.Contains(t, err.Error(), "1 of 1 runs failed: logged/errors")

	outcomes := s.Outcomes()
	require.Len(t, outcomes, 1)
	require.Equal(t, reporting.StatusLogErrors, outcomes[0].Status)
	require.Equal(t, 1, outcomes[0].LogErrors)
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartCapturesConfiguredDiagnostics(t *testing.T) {
	javaHome := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(javaHome, "bin"), 0o755))
	jstack := "#!/bin/sh\necho \"fake dump of $2\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(javaHome, "bin", "jstack"), []byte(jstack), 0o755))

	cfg := newConfig(t, fmt.Sprintf(`
diagnostics:
  screenshotCommand: ["/bin/sh", "-c", "echo shot > '{file}'"]
  nativeThreadsCommand: ["/bin/sh", "-c", "echo native {pid}"]
  nativeThreadsWindow: 2s
runs:
  - test: diag
    launch: hung
    executable: /bin/sh
    args: ["-c", "exec sleep 30"]
    timeout: 300ms
    collectNativeThreads: true
    javaHome: %s
`, javaHome))
	s, err := New(context.Background(), cfg, "test", func(error) {})
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.True(t, IsTestFailureError(err))
	require.Equal(t, reporting.StatusTimeout, s.Outcomes()[0].Status)

	logsDir := filepath.Join(cfg.TestHome, "hung", runner.LogsDirName)
	shots, err := filepath.Glob(filepath.Join(logsDir, "screenshots", "*.png"))
	require.NoError(t, err)
	require.Len(t, shots, 1)

	native, err := os.ReadFile(diagnostics.NativeThreadsFile(logsDir))
	require.NoError(t, err)
	require.Contains(t, string(native), "native ")

	dumps, err := filepath.Glob(filepath.Join(logsDir, "threadDump-before-kill-*.txt"))
	require.NoError(t, err)
	require.Len(t, dumps, 1)
	dump, err := os.ReadFile(dumps[0])
	require.NoError(t, err)
	require.Contains(t, string(dump), "fake dump of ")
	require.NoError(t, s.Stop(context.Background()))
}
