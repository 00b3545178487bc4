package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/runner"
)

const (
	DefaultCloseTimeout = time.Minute
	DefaultPollInterval = 3 * time.Second
)

// BackgroundRun bundles a run in progress with a live Driver.
type BackgroundRun struct {
	// PollInterval is how often disconnection is checked while closing.
	// Zero means DefaultPollInterval.
	PollInterval time.Duration

	rc      *runner.RunContext
	driver  Driver
	process *runner.Process
	log     log.Logger

	done   chan struct{}
	result *runner.Result
	err    error

	closeMu sync.Mutex
}

// Start runs rc in the background and connects a Driver once the process
// exists. The run outlives ctx; ctx only bounds the startup. When ctx ends
// before the driver connected, the run is interrupted and awaited so no
// process is left behind.
func Start(ctx context.Context, rc *runner.RunContext, connect DriverFactory) (*BackgroundRun, error) {
	b := &BackgroundRun{
		PollInterval: DefaultPollInterval,
		rc:           rc,
		log:          rc.Logger().New("component", "session"),
		done:         make(chan struct{}),
	}

	started := make(chan *runner.Process, 1)
	bus.Subscribe(rc.Bus(), b, func(ctx context.Context, e runner.LifecycleEvent) error {
		started <- e.Process
		return nil
	}, bus.WithState(bus.StateInTime), bus.Once(), runner.ForRun(rc))

	runCtx, interrupt := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer close(b.done)
		defer interrupt()
		b.result, b.err = rc.Run(runCtx)
	}()

	select {
	case b.process = <-started:
	case <-b.done:
		rc.Bus().Unsubscribe(b)
		return nil, fmt.Errorf("run %s finished before its process started: %w", rc.ContextName(), b.err)
	case <-ctx.Done():
		rc.Bus().Unsubscribe(b)
		b.log.Warn("Startup interrupted, stopping run", "err", ctx.Err())
		interrupt()
		<-b.done
		return nil, ctx.Err()
	}

	driver, err := connect(ctx, rc, b.process)
	if err != nil {
		b.log.Error("Failed to connect driver, killing process", "err", err)
		b.forceKill(context.WithoutCancel(ctx))
		<-b.done
		return nil, fmt.Errorf("failed to connect driver: %w", err)
	}
	b.driver = driver
	return b, nil
}

// NewBackgroundRun wraps an already started run. process may be nil.
func NewBackgroundRun(rc *runner.RunContext, driver Driver, process *runner.Process, result func() (*runner.Result, error)) *BackgroundRun {
	b := &BackgroundRun{
		PollInterval: DefaultPollInterval,
		rc:           rc,
		driver:       driver,
		process:      process,
		log:          rc.Logger().New("component", "session"),
		done:         make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		b.result, b.err = result()
	}()
	return b
}

func (b *BackgroundRun) Driver() Driver {
	return b.driver
}

func (b *BackgroundRun) Process() *runner.Process {
	return b.process
}

func (b *BackgroundRun) RunContext() *runner.RunContext {
	return b.rc
}

// Wait blocks until the run finished.
func (b *BackgroundRun) Wait(ctx context.Context) (*runner.Result, error) {
	select {
	case <-b.done:
		return b.result, b.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WithLiveHandle runs block against the driver and then always shuts the
// application down: screenshot, graceful exit, disconnection poll, force
// kill of the process tree on failure, driver close. Cleanup failures are
// logged only. A block error is returned as is; otherwise the outcome of
// the run is returned.
func (b *BackgroundRun) WithLiveHandle(ctx context.Context, closeTimeout time.Duration, block func(ctx context.Context, d Driver) error) (*runner.Result, error) {
	blockErr := func() error {
		defer b.CloseAndWait(ctx, closeTimeout, true)
		return block(ctx, b.driver)
	}()
	result, err := b.Wait(context.WithoutCancel(ctx))
	if blockErr != nil {
		return result, blockErr
	}
	return result, err
}

// CloseAndWait shuts the application down. It never fails.
func (b *BackgroundRun) CloseAndWait(ctx context.Context, closeTimeout time.Duration, screenshot bool) {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	defer func() {
		if b.driver.IsConnected() {
			if err := b.driver.Close(); err != nil {
				b.log.Error("Failed to close driver", "err", err)
			}
		}
	}()

	if !b.driver.IsConnected() {
		return
	}
	if screenshot {
		if path, err := b.driver.TakeScreenshot(ctx, "beforeAppClosed"); err != nil {
			b.log.Warn("Failed to take screenshot before exit", "err", err)
		} else {
			b.log.Info("Screenshot before exit", "file", path)
		}
	}

	err := b.driver.ExitApplication(ctx)
	if err == nil {
		err = WaitFor(ctx, closeTimeout, b.PollInterval, "application did not disconnect", func(context.Context) (bool, error) {
			return !b.driver.IsConnected(), nil
		})
	}
	if err != nil {
		b.log.Error("Error on application exit, performing force kill", "err", err)
		b.forceKill(ctx)
	}
}

func (b *BackgroundRun) forceKill(ctx context.Context) {
	if b.process == nil {
		return
	}
	if err := runner.KillProcessTree(ctx, b.process.PID()); err != nil {
		b.log.Error("Failed to kill process tree", "err", err)
	}
}

// PIDs of the process tree, for callers that need to inspect it.
func (b *BackgroundRun) PIDs(ctx context.Context) []int {
	if b.process == nil {
		return nil
	}
	return append([]int{b.process.PID()}, runner.DescendantPIDs(ctx, b.process.PID())...)
}
