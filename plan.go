package starter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-starter/diagnostics"
	"github.com/ethereum-optimism/infra/op-starter/launch"
	"github.com/ethereum-optimism/infra/op-starter/runner"
	"github.com/ethereum-optimism/infra/op-starter/script"
)

// Plan is the YAML description of the runs to execute.
type Plan struct {
	// Profilers maps a profiler kind to its agent library.
	Profilers   map[string]string `yaml:"profilers"`
	Diagnostics DiagnosticsSpec   `yaml:"diagnostics"`
	Runs        []RunSpec         `yaml:"runs"`
}

// DiagnosticsSpec configures the capture tools shared by every run.
type DiagnosticsSpec struct {
	// ScreenshotCommand is run with {file} replaced by the png to write.
	ScreenshotCommand []string `yaml:"screenshotCommand"`
	// NativeThreadsCommand is run with {pid} replaced and stopped once
	// NativeThreadsWindow elapsed.
	NativeThreadsCommand []string      `yaml:"nativeThreadsCommand"`
	NativeThreadsWindow  time.Duration `yaml:"nativeThreadsWindow"`
	ThreadDumpInterval   time.Duration `yaml:"threadDumpInterval"`
}

// Collector builds the diagnostics collector for the runs of the plan.
func (d DiagnosticsSpec) Collector(logger log.Logger) *diagnostics.CommandCollector {
	c := diagnostics.NewCommandCollector(logger.New("component", "diagnostics"), nil)
	c.ScreenshotCommand = d.ScreenshotCommand
	c.NativeThreadsCommand = d.NativeThreadsCommand
	return c
}

// RunSpec describes one run of a plan.
type RunSpec struct {
	Test        string            `yaml:"test"`
	Launch      string            `yaml:"launch"`
	Executable  string            `yaml:"executable"`
	Args        []string          `yaml:"args"`
	WorkDir     string            `yaml:"workDir"`
	Env         map[string]string `yaml:"env"`
	Options     []string          `yaml:"options"`
	Properties  map[string]string `yaml:"properties"`
	CommandLine []string          `yaml:"commandLine"`
	// Commands are script lines such as "%openFile src/main.go".
	Commands             []string      `yaml:"commands"`
	UseStartupScript     *bool         `yaml:"useStartupScript"`
	Timeout              time.Duration `yaml:"timeout"`
	ExpectedKill         bool          `yaml:"expectedKill"`
	ExpectedExitCode     int           `yaml:"expectedExitCode"`
	ProcessName          string        `yaml:"processName"`
	Profiler             string        `yaml:"profiler"`
	RecordScreen         bool          `yaml:"recordScreen"`
	CollectNativeThreads bool          `yaml:"collectNativeThreads"`
	Verbose              bool          `yaml:"verbose"`
	// JavaHome holds the jstack and jmap used on the child. JAVA_HOME or
	// PATH is used when unset.
	JavaHome string `yaml:"javaHome"`
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan %s: %w", path, err)
	}
	return &plan, nil
}

func (p *Plan) Validate() error {
	if len(p.Runs) == 0 {
		return errors.New("plan has no runs")
	}
	seen := make(map[string]struct{})
	for i, rs := range p.Runs {
		if rs.Test == "" {
			return fmt.Errorf("run %d: test name cannot be empty", i)
		}
		if rs.Executable == "" {
			return fmt.Errorf("run %s: executable cannot be empty", rs.name())
		}
		if _, ok := seen[rs.name()]; ok {
			return fmt.Errorf("duplicate run %s", rs.name())
		}
		seen[rs.name()] = struct{}{}
		if _, err := rs.commands(); err != nil {
			return fmt.Errorf("run %s: %w", rs.name(), err)
		}
		if rs.CollectNativeThreads && len(p.Diagnostics.NativeThreadsCommand) == 0 {
			return fmt.Errorf("run %s: collectNativeThreads requires diagnostics.nativeThreadsCommand", rs.name())
		}
	}
	for name, cmd := range map[string][]string{
		"screenshotCommand":    p.Diagnostics.ScreenshotCommand,
		"nativeThreadsCommand": p.Diagnostics.NativeThreadsCommand,
	} {
		if len(cmd) > 0 && cmd[0] == "" {
			return fmt.Errorf("diagnostics.%s: executable cannot be empty", name)
		}
	}
	return nil
}

func (rs RunSpec) name() string {
	if rs.Launch == "" {
		return rs.Test
	}
	return rs.Test + "/" + rs.Launch
}

func (rs RunSpec) commands() ([]script.Command, error) {
	if len(rs.Commands) == 0 {
		return nil, nil
	}
	return script.Parse(strings.NewReader(strings.Join(rs.Commands, "\n")))
}

// runtimeResolver resolves JavaHome, or returns nil to use the default runtime.
func (rs RunSpec) runtimeResolver() runner.RuntimeResolver {
	if rs.JavaHome == "" {
		return nil
	}
	home := rs.JavaHome
	return runner.RuntimeResolverFunc(func(ctx context.Context, rc *runner.RunContext) (diagnostics.Runtime, error) {
		if _, err := os.Stat(filepath.Join(home, "bin")); err != nil {
			return diagnostics.Runtime{}, fmt.Errorf("invalid java home %s: %w", home, err)
		}
		return diagnostics.Runtime{Home: home}, nil
	})
}

// RunnerConfig converts rs into a run configuration rooted at testHome.
func (rs RunSpec) RunnerConfig(testHome string, verbose bool) (runner.Config, error) {
	cmds, err := rs.commands()
	if err != nil {
		return runner.Config{}, err
	}
	useScript := true
	if rs.UseStartupScript != nil {
		useScript = *rs.UseStartupScript
	}
	return runner.Config{
		TestName:   rs.Test,
		LaunchName: rs.Launch,
		TestHome:   testHome,
		Target: launch.Config{
			Executable: rs.Executable,
			Args:       rs.Args,
			WorkDir:    rs.WorkDir,
			Env:        rs.Env,
			Properties: rs.Properties,
			Options:    rs.Options,
		},
		CommandLine:          rs.CommandLine,
		Commands:             cmds,
		UseStartupScript:     useScript,
		Timeout:              rs.Timeout,
		Verbose:              verbose || rs.Verbose,
		ExpectedKill:         rs.ExpectedKill,
		ExpectedExitCode:     rs.ExpectedExitCode,
		CollectNativeThreads: rs.CollectNativeThreads,
		ProcessName:          rs.ProcessName,
		Profiler:             rs.Profiler,
	}, nil
}
