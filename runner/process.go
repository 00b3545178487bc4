package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/shirou/gopsutil/v4/process"
)

// closeWait bounds how long Close waits for a killed process to be reaped.
const closeWait = 30 * time.Second

// Process is the live handle of a started child.
type Process struct {
	cmd *exec.Cmd
	log log.Logger

	done    chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

// startProcess starts cmd and reaps it in the background.
func startProcess(cmd *exec.Cmd, logger log.Logger) (*Process, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &Process{
		cmd:  cmd,
		log:  logger.New("pid", cmd.Process.Pid),
		done: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process exited and was reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// ExitCode returns the exit code, or -1 while running or when killed.
func (p *Process) ExitCode() int {
	if p.Alive() || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Close kills the process tree if still alive and waits for the process to
// be reaped. Calling Close more than once is a no-op.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if !p.Alive() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeWait)
		defer cancel()
		p.log.Info("Killing process tree")
		if err := KillProcessTree(ctx, p.PID()); err != nil {
			p.closeErr = fmt.Errorf("failed to kill process tree: %w", err)
		}
		select {
		case <-p.done:
		case <-ctx.Done():
			p.closeErr = errors.Join(p.closeErr, fmt.Errorf("process %d was not reaped: %w", p.PID(), ctx.Err()))
		}
	})
	return p.closeErr
}

// FindDescendant polls the process tree until a descendant named name
// appears, returning its pid. It falls back to the process itself.
func (p *Process) FindDescendant(ctx context.Context, name string, timeout, interval time.Duration) int {
	if name == "" {
		return p.PID()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if pid, ok := findByName(ctx, p.PID(), name); ok {
			return pid
		}
		select {
		case <-ctx.Done():
			p.log.Warn("Process not found in tree, using launcher pid", "name", name)
			return p.PID()
		case <-p.done:
			return p.PID()
		case <-ticker.C:
		}
	}
}

func findByName(ctx context.Context, pid int, name string) (int, bool) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, false
	}
	candidates := append([]*process.Process{root}, descendants(ctx, root)...)
	for _, c := range candidates {
		if n, err := c.NameWithContext(ctx); err == nil && n == name {
			return int(c.Pid), true
		}
	}
	return 0, false
}

// KillProcessTree kills pid and then every descendant. The descendants are
// listed before the parent is killed so reparented children are not missed.
func KillProcessTree(ctx context.Context, pid int) error {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return err
	}
	children := descendants(ctx, root)

	var errs []error
	if err := root.KillWithContext(ctx); err != nil && !alreadyGone(err) {
		errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
	}
	for _, child := range children {
		if err := child.KillWithContext(ctx); err != nil && !alreadyGone(err) {
			errs = append(errs, fmt.Errorf("kill %d: %w", child.Pid, err))
		}
	}
	return errors.Join(errs...)
}

// DescendantPIDs returns the pids of every descendant of pid.
func DescendantPIDs(ctx context.Context, pid int) []int {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	var pids []int
	for _, d := range descendants(ctx, root) {
		pids = append(pids, int(d.Pid))
	}
	return pids
}

func descendants(ctx context.Context, p *process.Process) []*process.Process {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		return nil
	}
	out := make([]*process.Process, 0, len(children))
	for _, c := range children {
		out = append(out, c)
		out = append(out, descendants(ctx, c)...)
	}
	return out
}

func alreadyGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) || errors.Is(err, process.ErrorProcessNotRunning)
}
