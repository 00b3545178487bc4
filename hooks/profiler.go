// Package hooks contains lifecycle hooks that attach to runs through the
// event bus.
package hooks

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/launch"
	"github.com/ethereum-optimism/infra/op-starter/runner"
)

const (
	ProfilerNone    = "none"
	ProfilerAsync   = "async"
	ProfilerYourKit = "yourkit"
)

// PropProfiler names the active profiler in the child's properties.
const PropProfiler = "integrationTests.profiler"

// Profiler injects a profiling agent into a run.
type Profiler interface {
	Kind() string
	Inject(rc *runner.RunContext) error
}

// AsyncProfiler attaches async-profiler as a native agent.
type AsyncProfiler struct {
	AgentPath string
}

func (p AsyncProfiler) Kind() string {
	return ProfilerAsync
}

func (p AsyncProfiler) Inject(rc *runner.RunContext) error {
	out := filepath.Join(rc.SnapshotsDir(), "async-profiler.jfr")
	return injectAgent(rc, p.Kind(), fmt.Sprintf("-agentpath:%s=start,event=cpu,interval=10ms,file=%s", p.AgentPath, out))
}

// YourKitProfiler attaches the YourKit agent.
type YourKitProfiler struct {
	AgentPath string
}

func (p YourKitProfiler) Kind() string {
	return ProfilerYourKit
}

func (p YourKitProfiler) Inject(rc *runner.RunContext) error {
	return injectAgent(rc, p.Kind(), fmt.Sprintf("-agentpath:%s=dir=%s,sessionname=%s", p.AgentPath, rc.SnapshotsDir(), rc.TestName()))
}

func injectAgent(rc *runner.RunContext, kind, option string) error {
	return rc.AddPatch(func(c *launch.Config) {
		c.RemoveOptionsWithPrefix("-agentpath:")
		c.AddOption(option)
		c.SetProperty(PropProfiler, kind)
	})
}

// InstallProfiler selects the profiler named by the run's configuration and
// injects it when BEFORE is posted for rc. An empty or "none" selection
// strips profiler agents from the launch options.
func InstallProfiler(rc *runner.RunContext, profilers ...Profiler) error {
	kind := rc.Config().Profiler
	var selected Profiler
	if kind != "" && kind != ProfilerNone {
		for _, p := range profilers {
			if p.Kind() == kind {
				selected = p
				break
			}
		}
		if selected == nil {
			return fmt.Errorf("unknown profiler %q", kind)
		}
	}

	bus.Subscribe(rc.Bus(), rc.RunID, func(ctx context.Context, e runner.LifecycleEvent) error {
		if selected == nil {
			rc.Logger().Info("No profiler is specified")
			return rc.AddPatch(launch.RemoveProfilerAgents())
		}
		rc.Logger().Info("Injecting profiler", "kind", selected.Kind())
		return selected.Inject(rc)
	}, bus.WithState(bus.StateBefore), bus.Once(), runner.ForRun(rc))
	return nil
}
