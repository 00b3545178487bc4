// Package runner drives a single supervised run of an external process.
//
// A RunContext owns the configuration, output directories and lifecycle of
// one launch attempt. Run posts LifecycleEvents on the bus at BEFORE,
// IN_TIME and AFTER so that profilers, screen recorders and option patchers
// can hook into the run without being wired into it. The supervision loop
// captures periodic thread dumps while the child is alive, and diagnostics
// are captured before a failing child is killed.
//
// States move forward only:
//
//	CONFIGURED -> LAUNCHING -> SUPERVISING -> {COMPLETED|TIMED_OUT|CRASHED} -> FINALIZING -> DONE
//
// A RunContext runs once. Use Copy to retry with a fresh instance.
package runner
