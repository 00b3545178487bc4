package runner

import "fmt"

// State is the phase of a RunContext.
type State int32

const (
	StateConfigured State = iota
	StateLaunching
	StateSupervising
	StateCompleted
	StateTimedOut
	StateCrashed
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "CONFIGURED"
	case StateLaunching:
		return "LAUNCHING"
	case StateSupervising:
		return "SUPERVISING"
	case StateCompleted:
		return "COMPLETED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateCrashed:
		return "CRASHED"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// rank orders states; outcomes share a rank and are mutually exclusive.
func (s State) rank() int {
	switch s {
	case StateCompleted, StateTimedOut, StateCrashed:
		return 3
	case StateFinalizing:
		return 4
	case StateDone:
		return 5
	default:
		return int(s)
	}
}

// Terminal reports whether the run has finished.
func (s State) Terminal() bool {
	return s == StateDone
}
