package service

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ethereum-optimism/infra/op-starter/bus"
	"github.com/ethereum-optimism/infra/op-starter/reporting"
	"github.com/ethereum-optimism/infra/op-starter/runner"
)

const DefaultTrackerSize = 256

// RunStatus is the latest known state of a run.
type RunStatus struct {
	RunID    string             `json:"runId"`
	Name     string             `json:"name"`
	Phase    string             `json:"phase"`
	PID      int                `json:"pid,omitempty"`
	Started  time.Time          `json:"started"`
	Updated  time.Time          `json:"updated"`
	Outcome  *reporting.Outcome `json:"outcome,omitempty"`
	sequence uint64
}

// Tracker follows the lifecycle events of every run on a bus and keeps
// the most recent runs.
type Tracker struct {
	mu    sync.Mutex
	runs  *lru.Cache[string, RunStatus]
	seq   uint64
	clock func() time.Time
}

func NewTracker(size int) (*Tracker, error) {
	if size <= 0 {
		size = DefaultTrackerSize
	}
	runs, err := lru.New[string, RunStatus](size)
	if err != nil {
		return nil, err
	}
	return &Tracker{runs: runs, clock: time.Now}, nil
}

// Attach subscribes the tracker to lifecycle events on b.
func (t *Tracker) Attach(b *bus.Bus) {
	bus.Subscribe(b, t, func(ctx context.Context, e runner.LifecycleEvent) error {
		t.observe(e)
		return nil
	}, bus.Replace())
}

// Detach removes the tracker's subscriptions from b.
func (t *Tracker) Detach(b *bus.Bus) {
	b.Unsubscribe(t)
}

func (t *Tracker) observe(e runner.LifecycleEvent) {
	if e.RunContext == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id := e.RunContext.RunID.String()
	now := t.clock()
	status, ok := t.runs.Get(id)
	if !ok {
		t.seq++
		status = RunStatus{RunID: id, Name: e.RunContext.ContextName(), Started: now, sequence: t.seq}
	}
	status.Phase = string(e.State)
	status.Updated = now
	switch {
	case e.Process != nil:
		status.PID = e.Process.PID()
	case e.PID > 0:
		status.PID = e.PID
	}
	t.runs.Add(id, status)
}

// Record attaches the final outcome of a run.
func (t *Tracker) Record(o reporting.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status, ok := t.runs.Get(o.RunID)
	if !ok {
		t.seq++
		status = RunStatus{RunID: o.RunID, Name: o.Name, Started: o.Finished.Add(-o.Duration), sequence: t.seq}
	}
	status.Outcome = &o
	status.Phase = o.Status
	status.Updated = t.clock()
	t.runs.Add(o.RunID, status)
}

func (t *Tracker) Get(runID string) (RunStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs.Peek(runID)
}

// List returns the tracked runs, most recently started first.
func (t *Tracker) List() []RunStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.runs.Values()
	slices.SortFunc(out, func(a, b RunStatus) int {
		return cmp.Compare(b.sequence, a.sequence)
	})
	return out
}
