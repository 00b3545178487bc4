package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	onError func(error)
}

// NewAsyncFile creates the file (and its parent directories) and starts the
// background writer.
func NewAsyncFile(path string, onError func(error)) (*AsyncFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:    file,
		queue:   make(chan []byte, 100),
		onError: onError,
	}

	af.wg.Add(1)
	go af.processQueue()

	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) (int, error) {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return 0, fmt.Errorf("async file is closed")
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	af.queue <- dataCopy
	return len(data), nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil && af.onError != nil {
			af.onError(err)
		}
	}
}

// Close stops the async writer, flushes queued writes and closes the file.
// It is safe to call more than once.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if af.stopped {
		af.mu.Unlock()
		return nil
	}
	af.stopped = true
	close(af.queue)
	af.mu.Unlock()

	af.wg.Wait()
	return af.file.Close()
}
