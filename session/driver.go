// Package session hands a live connection to a running application to
// callers and guarantees the application is shut down afterwards.
package session

import (
	"context"

	"github.com/ethereum-optimism/infra/op-starter/runner"
)

// Driver controls a running application.
type Driver interface {
	IsConnected() bool
	// ExitApplication asks the application to exit gracefully.
	ExitApplication(ctx context.Context) error
	// TakeScreenshot saves a screenshot and returns its path.
	TakeScreenshot(ctx context.Context, name string) (string, error)
	IsProjectOpened(ctx context.Context) (bool, error)
	// IsMainUIRendered reports whether the main window finished rendering.
	IsMainUIRendered(ctx context.Context) (bool, error)
	// Close releases the local client resources.
	Close() error
}

// DriverFactory connects a Driver to the process of a run.
type DriverFactory func(ctx context.Context, rc *runner.RunContext, proc *runner.Process) (Driver, error)
