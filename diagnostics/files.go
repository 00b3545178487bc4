package diagnostics

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// MonitoringDir holds the periodic thread dumps under the logs directory.
	MonitoringDir = "monitoring-thread-dumps"
	// NativeThreadsFileName is written to the logs directory.
	NativeThreadsFileName = "native-thread-dumps.txt"
	// ChildLogFileName is the log the child writes into its logs directory.
	ChildLogFileName = "app.log"

	lowMemorySignal = "Low memory signal received: afterGc=true"
)

// ThreadDumpFile is the periodic dump written on the seq-th tick.
func ThreadDumpFile(dir string, seq int, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("threadDump-%d-%d.txt", seq, at.UnixMilli()))
}

// ThreadDumpBeforeKillFile is the dump captured before a failing child is killed.
func ThreadDumpBeforeKillFile(dir string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("threadDump-before-kill-%d.txt", at.UnixMilli()))
}

// MemoryDumpBeforeKillFile is the compressed heap dump captured before a kill.
func MemoryDumpBeforeKillFile(dir string, at time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("memoryDump-before-kill-%d.hprof.gz", at.UnixMilli()))
}

func NativeThreadsFile(dir string) string {
	return filepath.Join(dir, NativeThreadsFileName)
}

// LowMemorySignalPresent reports whether the child log in logsDir records a
// low memory signal raised after a full GC. A missing log means no signal.
func LowMemorySignalPresent(logsDir string) (bool, error) {
	f, err := os.Open(filepath.Join(logsDir, ChildLogFileName))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), lowMemorySignal) {
			return true, nil
		}
	}
	return false, scanner.Err()
}
