package runner

import (
	"github.com/ethereum-optimism/infra/op-starter/bus"
)

// LifecycleEvent marks a phase of a run. Handlers must check RunContext
// before acting since the bus is shared by concurrent runs.
type LifecycleEvent struct {
	State      bus.State
	RunContext *RunContext
	// Process is set on IN_TIME only.
	Process *Process
	// PID is the resolved process id, set on AFTER.
	PID int
	// Success is set on AFTER.
	Success bool
}

func (e LifecycleEvent) EventState() bus.State {
	return e.State
}

// ForRun restricts a subscription to lifecycle events of rc.
func ForRun(rc *RunContext) bus.SubscribeOption {
	return bus.Where(func(event any) bool {
		e, ok := event.(LifecycleEvent)
		return ok && e.RunContext == rc
	})
}
