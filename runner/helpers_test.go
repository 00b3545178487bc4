package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/diagnostics"
	"github.com/ethereum-optimism/infra/op-starter/launch"
)

// fakeCollector records captures and writes placeholder files.
type fakeCollector struct {
	mu            sync.Mutex
	screenshots   int
	threadDumps   []string
	memoryDumps   []string
	nativeThreads []string
	runtimes      []diagnostics.Runtime
}

var _ diagnostics.Collector = (*fakeCollector)(nil)

func (f *fakeCollector) Screenshot(ctx context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.screenshots++
	return nil
}

func (f *fakeCollector) ThreadDump(ctx context.Context, rt diagnostics.Runtime, pid int, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadDumps = append(f.threadDumps, out)
	f.runtimes = append(f.runtimes, rt)
	return os.WriteFile(out, []byte("dump"), 0o644)
}

func (f *fakeCollector) MemoryDump(ctx context.Context, rt diagnostics.Runtime, pid int, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memoryDumps = append(f.memoryDumps, out)
	return os.WriteFile(out, []byte("heap"), 0o644)
}

func (f *fakeCollector) NativeThreads(ctx context.Context, pid int, window time.Duration, out string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nativeThreads = append(f.nativeThreads, out)
	return nil
}

func (f *fakeCollector) counts() (screenshots, threadDumps, memoryDumps int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screenshots, len(f.threadDumps), len(f.memoryDumps)
}

// eventLog records lifecycle events of one run.
type eventLog struct {
	mu     sync.Mutex
	events []LifecycleEvent
	states []State
}

func (l *eventLog) count(state bus.State) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.State == state {
			n++
		}
	}
	return n
}

func (l *eventLog) last(state bus.State) LifecycleEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].State == state {
			return l.events[i]
		}
	}
	return LifecycleEvent{}
}

func record(b *bus.Bus, rc *RunContext) *eventLog {
	l := &eventLog{}
	bus.Subscribe(b, l, func(ctx context.Context, e LifecycleEvent) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, e)
		l.states = append(l.states, e.RunContext.State())
		return nil
	}, ForRun(rc))
	return l
}

type testRun struct {
	rc        *RunContext
	bus       *bus.Bus
	collector *fakeCollector
	events    *eventLog
}

// newTestRun builds a run of /bin/sh -c shell.
func newTestRun(t *testing.T, shell string, mutate func(*Config), opts ...Option) *testRun {
	t.Helper()
	b := bus.New(bus.WithLogger(log.NewLogger(log.DiscardHandler())))
	collector := &fakeCollector{}
	cfg := Config{
		TestName:         "sample",
		LaunchName:       "first",
		TestHome:         t.TempDir(),
		Target:           launch.Config{Executable: "/bin/sh", Args: []string{"-c", shell}},
		UseStartupScript: true,
		Timeout:          10 * time.Second,
		HookTimeout:      5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{
		WithBus(b),
		WithLogger(log.NewLogger(log.DiscardHandler())),
		WithCollector(collector),
	}, opts...)
	rc, err := New(cfg, opts...)
	require.NoError(t, err)
	return &testRun{rc: rc, bus: b, collector: collector, events: record(b, rc)}
}

type fakePublisher struct {
	mu    sync.Mutex
	names []string
	paths []string
}

func (p *fakePublisher) PublishArtifact(ctx context.Context, source, artifactPath, artifactName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names = append(p.names, artifactName)
	p.paths = append(p.paths, artifactPath)
	return nil
}

type fakeReporter struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeReporter) ReportErrors(ctx context.Context, rc *RunContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

type staticCILink string

func (s staticCILink) LinkToArtifacts(rc *RunContext) string {
	return string(s)
}

type countingCloser struct {
	mu     sync.Mutex
	closed int
}

func (c *countingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, filepath.Base(e.Name()))
	}
	return names
}
