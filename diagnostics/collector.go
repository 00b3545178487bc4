// Package diagnostics captures screenshots, thread dumps, memory dumps and
// native thread samples from a running child process.
package diagnostics

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/ethereum-optimism/infra/op-starter/metrics"
)

// ErrNotSupported is returned when a collector has no way to capture an
// artifact on this host.
var ErrNotSupported = errors.New("diagnostic capture not supported")

// waitDelay bounds how long output pipes are drained after a tool is killed.
const waitDelay = 5 * time.Second

// Diagnostic kinds used for metrics.
const (
	KindScreenshot    = "screenshot"
	KindThreadDump    = "thread_dump"
	KindMemoryDump    = "memory_dump"
	KindNativeThreads = "native_threads"
)

// Collector captures diagnostics. Implementations must be safe for
// concurrent use.
type Collector interface {
	Screenshot(ctx context.Context, dir string) error
	ThreadDump(ctx context.Context, rt Runtime, pid int, out string) error
	MemoryDump(ctx context.Context, rt Runtime, pid int, out string) error
	// NativeThreads samples native stacks of pid for window and writes them to out.
	NativeThreads(ctx context.Context, pid int, window time.Duration, out string) error
}

// Runtime locates the tooling used to introspect the child.
type Runtime struct {
	Home string
}

// DefaultRuntime uses JAVA_HOME, falling back to tools on PATH.
func DefaultRuntime() Runtime {
	return Runtime{Home: os.Getenv("JAVA_HOME")}
}

// Tool returns the path of a runtime tool.
func (r Runtime) Tool(name string) string {
	if r.Home == "" {
		return name
	}
	return filepath.Join(r.Home, "bin", name)
}

func (r Runtime) String() string {
	if r.Home == "" {
		return "PATH"
	}
	return r.Home
}

// CmdBuilder creates a command and the cleanup to run once it finished.
type CmdBuilder func(ctx context.Context, name string, arg ...string) (*exec.Cmd, func())

func defaultCmdBuilder(ctx context.Context, name string, arg ...string) (*exec.Cmd, func()) {
	return exec.CommandContext(ctx, name, arg...), func() {}
}

// CommandCollector captures diagnostics by running external tools.
type CommandCollector struct {
	log        log.Logger
	cmdBuilder CmdBuilder

	// ScreenshotCommand is run with {file} replaced by the target png path.
	ScreenshotCommand []string
	// NativeThreadsCommand is run with {pid} replaced for the sample window.
	NativeThreadsCommand []string
}

var _ Collector = (*CommandCollector)(nil)

func NewCommandCollector(logger log.Logger, cmdBuilder CmdBuilder) *CommandCollector {
	if cmdBuilder == nil {
		cmdBuilder = defaultCmdBuilder
	}
	return &CommandCollector{
		log:        logger,
		cmdBuilder: cmdBuilder,
	}
}

func (c *CommandCollector) Screenshot(ctx context.Context, dir string) (err error) {
	defer func() { record(KindScreenshot, err) }()
	if len(c.ScreenshotCommand) == 0 {
		return ErrNotSupported
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "screenshot directory")
	}
	file := filepath.Join(dir, "screenshot-"+strconv.FormatInt(time.Now().UnixMilli(), 10)+".png")
	args := substitute(c.ScreenshotCommand, "{file}", file)
	if _, err := c.run(ctx, args[0], args[1:]...); err != nil {
		return errors.Wrap(err, "screenshot")
	}
	c.log.Info("Screenshot captured", "file", file)
	return nil
}

func (c *CommandCollector) ThreadDump(ctx context.Context, rt Runtime, pid int, out string) (err error) {
	defer func() { record(KindThreadDump, err) }()
	stdout, err := c.run(ctx, rt.Tool("jstack"), "-l", strconv.Itoa(pid))
	if err != nil {
		return errors.Wrapf(err, "thread dump of pid %d", pid)
	}
	if err := writeFile(out, stdout); err != nil {
		return errors.Wrap(err, "thread dump")
	}
	c.log.Debug("Thread dump written", "pid", pid, "file", out)
	return nil
}

// MemoryDump writes a heap dump of pid and gzips it into out.
func (c *CommandCollector) MemoryDump(ctx context.Context, rt Runtime, pid int, out string) (err error) {
	defer func() { record(KindMemoryDump, err) }()
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return errors.Wrap(err, "memory dump directory")
	}
	raw := strings.TrimSuffix(out, ".gz")
	if raw == out {
		raw = out + ".raw"
	}
	defer os.Remove(raw)

	if _, err := c.run(ctx, rt.Tool("jmap"), "-dump:format=b,file="+raw, strconv.Itoa(pid)); err != nil {
		return errors.Wrapf(err, "memory dump of pid %d", pid)
	}
	if err := gzipFile(raw, out); err != nil {
		return errors.Wrap(err, "compress memory dump")
	}
	c.log.Info("Memory dump written", "pid", pid, "file", out)
	return nil
}

func (c *CommandCollector) NativeThreads(ctx context.Context, pid int, window time.Duration, out string) (err error) {
	defer func() { record(KindNativeThreads, err) }()
	if len(c.NativeThreadsCommand) == 0 {
		return ErrNotSupported
	}
	args := substitute(c.NativeThreadsCommand, "{pid}", strconv.Itoa(pid))

	sampleCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()
	stdout, runErr := c.run(sampleCtx, args[0], args[1:]...)
	// the sampler is expected to be stopped by the window elapsing
	if runErr != nil && sampleCtx.Err() == nil {
		return errors.Wrapf(runErr, "native threads of pid %d", pid)
	}
	if err := writeFile(out, stdout); err != nil {
		return errors.Wrap(err, "native threads")
	}
	return nil
}

func (c *CommandCollector) run(ctx context.Context, name string, arg ...string) ([]byte, error) {
	cmd, cleanup := c.cmdBuilder(ctx, name, arg...)
	defer cleanup()

	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = waitDelay
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.Bytes(), errors.Wrapf(err, "%s: %s", filepath.Base(name), strings.TrimSpace(stderr.String()))
		}
		return stdout.Bytes(), errors.Wrap(err, filepath.Base(name))
	}
	return stdout.Bytes(), nil
}

func record(kind string, err error) {
	if errors.Is(err, ErrNotSupported) {
		metrics.RecordDiagnosticSkipped(kind)
		return
	}
	metrics.RecordDiagnostic(kind, err)
}

func substitute(args []string, placeholder, value string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = strings.ReplaceAll(a, placeholder, value)
	}
	return out
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(src)
	if _, err := io.Copy(zw, in); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return out.Close()
}
