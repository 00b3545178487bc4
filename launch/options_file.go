package launch

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	// OptionsFileName is written next to the run's logs directory.
	OptionsFileName = "launch.vmoptions"
	// EnvOptionsFile points the child at its options file.
	EnvOptionsFile = "STARTER_VM_OPTIONS_FILE"
)

// WriteOptionsFile writes cfg's option lines to path.
func WriteOptionsFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create options directory: %w", err)
	}
	content := strings.Join(cfg.OptionLines(), "\n")
	if content != "" {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write options file: %w", err)
	}
	return nil
}

// ReadOptionsFile returns the non-empty, non-comment lines of path.
func ReadOptionsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// Diff describes drift between the intended and effective option lines.
type Diff struct {
	// Missing lines were intended but are absent from the effective file.
	Missing []string
	// Added lines appear only in the effective file.
	Added []string
}

func (d Diff) IsEmpty() bool {
	return len(d.Missing) == 0 && len(d.Added) == 0
}

func (d Diff) String() string {
	if d.IsEmpty() {
		return "no drift"
	}
	var sb strings.Builder
	for _, l := range d.Missing {
		sb.WriteString("- " + l + "\n")
	}
	for _, l := range d.Added {
		sb.WriteString("+ " + l + "\n")
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// ComputeDiff compares option lines irrespective of order.
func ComputeDiff(intended, effective []string) Diff {
	var d Diff
	for _, l := range intended {
		if !slices.Contains(effective, l) {
			d.Missing = append(d.Missing, l)
		}
	}
	for _, l := range effective {
		if !slices.Contains(intended, l) {
			d.Added = append(d.Added, l)
		}
	}
	return d
}

// MissingProperties returns the properties of cfg that are not present with
// the same value in the effective option lines.
func MissingProperties(cfg Config, effective []string) []string {
	var missing []string
	for _, line := range cfg.OptionLines() {
		if strings.HasPrefix(line, "-D") && !slices.Contains(effective, line) {
			missing = append(missing, line)
		}
	}
	return missing
}
