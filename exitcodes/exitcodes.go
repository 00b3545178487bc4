// Package exitcodes defines the exit codes used by op-starter.
//
// * Success (0): every run passed
// * RunFailure (1): one or more runs failed
// * RuntimeErr (2): configuration errors, panics and other failures of the starter itself
package exitcodes

const (
	Success    = 0
	RunFailure = 1
	RuntimeErr = 2
)
