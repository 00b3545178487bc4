// Package reporting turns finished runs into reports: errors found in the
// child's logs, published artifacts and result tables.
package reporting

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-starter/runner"
)

const (
	ErrorsDirName      = "errors"
	messageFileName    = "message.txt"
	stacktraceFileName = "stacktrace.txt"
	// maxScanLine bounds a single log line.
	maxScanLine = 1024 * 1024
)

var (
	errorLineRegex = regexp.MustCompile(`(?:^|\s)(ERROR|SEVERE)(?:\s+-\s+|:\s*|\s+)(.*)$`)
	hexRegex       = regexp.MustCompile(`0x[0-9a-fA-F]+`)
	hashRegex      = regexp.MustCompile(`@[0-9a-fA-F]{4,}`)
	lambdaRegex    = regexp.MustCompile(`\$\$Lambda[^\s.(]*`)
	numberRegex    = regexp.MustCompile(`\d+`)
)

// LogError is an error found in the logs of a run.
type LogError struct {
	Message    string
	StackTrace string
}

func (e LogError) key() string {
	return e.Message + "\x00" + GenerifyStackTrace(e.StackTrace)
}

// GenerifyStackTrace replaces the parts of a stack trace that differ
// between occurrences of the same failure.
func GenerifyStackTrace(s string) string {
	s = hexRegex.ReplaceAllString(s, "<HEX>")
	s = hashRegex.ReplaceAllString(s, "@<HASH>")
	s = lambdaRegex.ReplaceAllString(s, "$$$$Lambda")
	return numberRegex.ReplaceAllString(s, "<NUM>")
}

// ErrorClassifier collects the errors logged by the child and writes one
// report per distinct error under <reports>/errors/<n>/.
type ErrorClassifier struct {
	log log.Logger
}

var _ runner.ErrorReporter = (*ErrorClassifier)(nil)

func NewErrorClassifier(logger log.Logger) *ErrorClassifier {
	return &ErrorClassifier{log: logger.New("component", "error-classifier")}
}

func (c *ErrorClassifier) ReportErrors(ctx context.Context, rc *runner.RunContext) error {
	found, err := ScanLogDir(rc.LogsDir())
	if err != nil {
		return err
	}
	if len(found) == 0 {
		return nil
	}
	c.log.Warn("Errors found in logs", "run", rc.ContextName(), "count", len(found))
	return WriteErrorReports(filepath.Join(rc.ReportsDir(), ErrorsDirName), found)
}

// ScanLogDir scans every *.log file of dir and returns the distinct errors
// in order of first appearance.
func ScanLogDir(dir string) ([]LogError, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.log"))
	if err != nil {
		return nil, err
	}
	slices.Sort(files)

	var (
		out  []LogError
		seen = make(map[string]struct{})
	)
	for _, file := range files {
		errs, err := scanLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", file, err)
		}
		for _, e := range errs {
			if _, ok := seen[e.key()]; ok {
				continue
			}
			seen[e.key()] = struct{}{}
			out = append(out, e)
		}
	}
	return out, nil
}

func scanLogFile(path string) ([]LogError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		out     []LogError
		current *LogError
		stack   []string
	)
	flush := func() {
		if current != nil {
			current.StackTrace = strings.Join(stack, "\n")
			out = append(out, *current)
		}
		current, stack = nil, nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		line := scanner.Text()
		if m := errorLineRegex.FindStringSubmatch(line); m != nil {
			flush()
			current = &LogError{Message: strings.TrimSpace(m[2])}
			continue
		}
		if current != nil && isStackLine(line) {
			stack = append(stack, strings.TrimRight(line, " \t"))
			continue
		}
		flush()
	}
	flush()
	return out, scanner.Err()
}

func isStackLine(line string) bool {
	if line == "" {
		return false
	}
	if line[0] == ' ' || line[0] == '\t' {
		return true
	}
	return strings.HasPrefix(line, "Caused by:") || strings.HasPrefix(line, "java.") || strings.Contains(line, "Exception")
}

// WriteErrorReports writes errs under dir, one numbered directory each.
func WriteErrorReports(dir string, errs []LogError) error {
	for i, e := range errs {
		errDir := filepath.Join(dir, strconv.Itoa(i+1))
		if err := os.MkdirAll(errDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(errDir, messageFileName), []byte(e.Message), 0o644); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(errDir, stacktraceFileName), []byte(e.StackTrace), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// ReadErrorReports loads reports written by WriteErrorReports.
func ReadErrorReports(dir string) ([]LogError, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && e.IsDir() {
			ids = append(ids, n)
		}
	}
	slices.Sort(ids)

	out := make([]LogError, 0, len(ids))
	for _, id := range ids {
		errDir := filepath.Join(dir, strconv.Itoa(id))
		msg, err := os.ReadFile(filepath.Join(errDir, messageFileName))
		if err != nil {
			return nil, err
		}
		stack, err := os.ReadFile(filepath.Join(errDir, stacktraceFileName))
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		out = append(out, LogError{Message: string(msg), StackTrace: string(stack)})
	}
	return out, nil
}
