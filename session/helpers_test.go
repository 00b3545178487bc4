package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/diagnostics"
	"github.com/ethereum-optimism/infra/op-starter/launch"
	"github.com/ethereum-optimism/infra/op-starter/runner"
)

// graceful exits 0 on SIGTERM.
const graceful = `trap 'kill $! 2>/dev/null; exit 0' TERM; sleep 30 & wait`

type fakeDriver struct {
	proc *runner.Process
	dir  string

	// ignoreExit makes ExitApplication a no-op.
	ignoreExit    bool
	projectOpened atomic.Bool
	uiRendered    atomic.Bool
	failProject   error

	closed atomic.Bool

	mu    sync.Mutex
	calls []string
}

func (d *fakeDriver) record(call string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
}

func (d *fakeDriver) recorded() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDriver) IsConnected() bool {
	return !d.closed.Load() && d.proc.Alive()
}

func (d *fakeDriver) ExitApplication(ctx context.Context) error {
	d.record("exit")
	if d.ignoreExit {
		return nil
	}
	return syscall.Kill(d.proc.PID(), syscall.SIGTERM)
}

func (d *fakeDriver) TakeScreenshot(ctx context.Context, name string) (string, error) {
	d.record("screenshot:" + name)
	return filepath.Join(d.dir, name+".png"), nil
}

func (d *fakeDriver) IsProjectOpened(ctx context.Context) (bool, error) {
	d.record("projectOpened")
	if d.failProject != nil {
		return false, d.failProject
	}
	return d.projectOpened.Load(), nil
}

func (d *fakeDriver) IsMainUIRendered(ctx context.Context) (bool, error) {
	d.record("mainUI")
	return d.uiRendered.Load(), nil
}

func (d *fakeDriver) Close() error {
	d.record("close")
	d.closed.Store(true)
	return nil
}

func newRun(t *testing.T, b *bus.Bus, name, shell string, mutate func(*runner.Config)) *runner.RunContext {
	t.Helper()
	cfg := runner.Config{
		TestName:         "session",
		LaunchName:       name,
		TestHome:         t.TempDir(),
		Target:           launch.Config{Executable: "/bin/sh", Args: []string{"-c", shell}},
		UseStartupScript: true,
		Timeout:          20 * time.Second,
		HookTimeout:      5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rc, err := runner.New(cfg,
		runner.WithBus(b),
		runner.WithLogger(log.NewLogger(log.DiscardHandler())),
		runner.WithCollector(nopCollector{}),
	)
	require.NoError(t, err)
	return rc
}

func connectFake(t *testing.T, drivers chan<- *fakeDriver, mutate func(*fakeDriver)) DriverFactory {
	return func(ctx context.Context, rc *runner.RunContext, proc *runner.Process) (Driver, error) {
		d := &fakeDriver{proc: proc, dir: t.TempDir()}
		if mutate != nil {
			mutate(d)
		}
		if drivers != nil {
			drivers <- d
		}
		return d, nil
	}
}

func startFake(t *testing.T, b *bus.Bus, name, shell string, mutate func(*fakeDriver)) (*BackgroundRun, *fakeDriver) {
	t.Helper()
	drivers := make(chan *fakeDriver, 1)
	br, err := Start(context.Background(), newRun(t, b, name, shell, nil), connectFake(t, drivers, mutate))
	require.NoError(t, err)
	br.PollInterval = 20 * time.Millisecond
	return br, <-drivers
}

type nopCollector struct{}

var _ diagnostics.Collector = nopCollector{}

func (nopCollector) Screenshot(ctx context.Context, dir string) error { return nil }

func (nopCollector) ThreadDump(ctx context.Context, rt diagnostics.Runtime, pid int, out string) error {
	return nil
}

func (nopCollector) MemoryDump(ctx context.Context, rt diagnostics.Runtime, pid int, out string) error {
	return nil
}

func (nopCollector) NativeThreads(ctx context.Context, pid int, window time.Duration, out string) error {
	return errors.New("not supported")
}
