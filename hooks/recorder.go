package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-starter/logging"
	"github.com/ethereum-optimism/infra/op-starter/runner"
)

const (
	recordingDirName   = "screen-recording"
	recordingFileName  = "screen-recording.mp4"
	defaultStopTimeout = 10 * time.Second
)

// FFmpegArgs is the default ffmpeg invocation grabbing the X11 display.
func FFmpegArgs(out string) []string {
	display := os.Getenv("DISPLAY")
	if display == "" {
		display = ":0"
	}
	return []string{
		"-y", "-f", "x11grab",
		"-framerate", "3",
		"-i", display,
		"-codec:v", "libx264", "-preset", "ultrafast", "-pix_fmt", "yuv420p",
		out,
	}
}

// ScreenRecorder records the screen with an external encoder process into
// the run's reports directory.
type ScreenRecorder struct {
	Binary      string
	Args        func(out string) []string
	StopTimeout time.Duration

	log log.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	done   chan error
	out    string
	stderr *logging.StringRedirect
}

var _ runner.ScreenRecorder = (*ScreenRecorder)(nil)

func NewScreenRecorder(logger log.Logger) *ScreenRecorder {
	return &ScreenRecorder{
		Binary:      "ffmpeg",
		Args:        FFmpegArgs,
		StopTimeout: defaultStopTimeout,
		log:         logger.New("component", "screen-recorder"),
	}
}

// Output is the path of the current or last recording.
func (r *ScreenRecorder) Output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out
}

// EncoderOutput is what the encoder of the current or last recording wrote
// to stderr.
func (r *ScreenRecorder) EncoderOutput() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stderr == nil {
		return ""
	}
	return r.stderr.Read()
}

func (r *ScreenRecorder) Start(ctx context.Context, rc *runner.RunContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return errors.New("screen recording already started")
	}
	dir := filepath.Join(rc.ReportsDir(), recordingDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create recording dir: %w", err)
	}
	out := filepath.Join(dir, recordingFileName)

	stdoutW := logging.NewLineWriter(logging.NoRedirect(r.log))
	stderr := logging.ToString(r.log)
	stderrW := logging.NewLineWriter(stderr)

	cmd := exec.Command(r.Binary, r.Args(out)...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = time.Second
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start screen recording: %w", err)
	}
	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		done <- err
	}()
	r.cmd, r.done, r.out, r.stderr = cmd, done, out, stderr
	r.log.Info("Screen recording started", "file", out)
	return nil
}

// Stop interrupts the encoder so it finalizes the file, killing it if it
// does not exit in time.
func (r *ScreenRecorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	cmd, done, stderr := r.cmd, r.done, r.stderr
	r.cmd, r.done = nil, nil
	r.mu.Unlock()
	if cmd == nil {
		return nil
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		r.log.Warn("Failed to interrupt screen recording", "err", err)
	}
	timeout := r.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		r.log.Info("Screen recording stopped", "file", r.Output())
		r.log.Debug("Screen recorder output", "output", stderr.Read())
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return err
		}
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = cmd.Process.Kill()
	<-done
	r.log.Warn("Screen recording was killed", "output", stderr.Read())
	return fmt.Errorf("screen recording did not stop within %s", timeout)
}
