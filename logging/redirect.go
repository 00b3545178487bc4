// Package logging routes the output of child processes.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
)

// debuggerMarker lines are always surfaced so a debugger can be attached.
const debuggerMarker = "Listening for transport dt_socket"

// Redirect receives a child process stream line by line.
type Redirect interface {
	RedirectLine(line string)
	// Read returns what the redirect retained, if anything.
	Read() string
	Close() error
	String() string
}

// maxLineBytes caps a single buffered line; longer lines are split.
const maxLineBytes = 1024 * 1024

// LineWriter adapts a Redirect to an io.Writer, splitting writes into lines.
// It is suitable as exec.Cmd Stdout/Stderr.
type LineWriter struct {
	redirect Redirect

	mu  sync.Mutex
	buf bytes.Buffer
}

var _ io.WriteCloser = (*LineWriter)(nil)

func NewLineWriter(redirect Redirect) *LineWriter {
	return &LineWriter{redirect: redirect}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if len(data) >= maxLineBytes {
				w.emit(string(data))
				w.buf.Reset()
			}
			return len(p), nil
		}
		w.emit(string(data[:i]))
		w.buf.Next(i + 1)
	}
}

// Close flushes a trailing partial line. It does not close the redirect.
func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
	return nil
}

func (w *LineWriter) emit(line string) {
	w.redirect.RedirectLine(strings.TrimSuffix(line, "\r"))
}

func surfaceDebugger(logger log.Logger, line string) {
	if strings.Contains(line, debuggerMarker) {
		logger.Info(line)
	}
}

type noRedirect struct {
	log log.Logger
}

// NoRedirect discards output.
func NoRedirect(logger log.Logger) Redirect {
	return &noRedirect{log: logger}
}

func (r *noRedirect) RedirectLine(line string) { surfaceDebugger(r.log, line) }
func (r *noRedirect) Read() string             { return "" }
func (r *noRedirect) Close() error             { return nil }
func (r *noRedirect) String() string           { return "ignored" }

// FileRedirect writes ANSI-stripped lines to a file created on first use.
type FileRedirect struct {
	path string
	log  log.Logger

	mu     sync.Mutex
	out    *AsyncFile
	err    error
	closed bool
}

func ToFile(logger log.Logger, path string) *FileRedirect {
	return &FileRedirect{path: path, log: logger}
}

func (r *FileRedirect) RedirectLine(line string) {
	surfaceDebugger(r.log, line)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}
	if r.out == nil {
		r.out, r.err = NewAsyncFile(r.path, func(err error) {
			r.log.Warn("Failed to write process output", "file", r.path, "err", err)
		})
		if r.err != nil {
			r.log.Error("Failed to open process output file", "file", r.path, "err", r.err)
			return
		}
	}
	_, _ = r.out.Write([]byte(stripansi.Strip(line) + "\n"))
}

// Read returns the file contents after Close has flushed them.
func (r *FileRedirect) Read() string {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.log.Debug("Process output file is not readable", "file", r.path, "err", err)
		return ""
	}
	return string(data)
}

func (r *FileRedirect) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.out == nil {
		return nil
	}
	return r.out.Close()
}

func (r *FileRedirect) String() string {
	return fmt.Sprintf("file %s", r.path)
}

type loggerRedirect struct {
	log    log.Logger
	prefix string
}

// ToLogger logs every line at info level with the given prefix.
func ToLogger(logger log.Logger, prefix string) Redirect {
	return &loggerRedirect{log: logger, prefix: prefix}
}

func (r *loggerRedirect) RedirectLine(line string) {
	r.log.Info(r.prefix + " " + stripansi.Strip(line))
}
func (r *loggerRedirect) Read() string   { return "" }
func (r *loggerRedirect) Close() error   { return nil }
func (r *loggerRedirect) String() string { return "logger" }

// StringRedirect retains every line in memory.
type StringRedirect struct {
	log log.Logger

	mu sync.Mutex
	sb strings.Builder
}

func ToString(logger log.Logger) *StringRedirect {
	return &StringRedirect{log: logger}
}

func (r *StringRedirect) RedirectLine(line string) {
	surfaceDebugger(r.log, line)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sb.WriteString(line)
	r.sb.WriteByte('\n')
}

func (r *StringRedirect) Read() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sb.String()
}

func (r *StringRedirect) Close() error   { return nil }
func (r *StringRedirect) String() string { return "string" }
