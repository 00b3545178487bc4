// Package script builds and serializes the command script a launched
// application replays at startup. Each line is a single command:
//
//	%openProject /path/to/project true false
//	%waitForSmart
//	%exitApp
package script

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Marker prefixes every command name in a script line.
const Marker = '%'

const (
	// FileName is the startup script file written next to the logs directory.
	FileName = "startup-script.txt"
	// EnvScriptPath carries the script path to the child's environment.
	EnvScriptPath = "TESTING_SCRIPT_PATH"
	// PropertyScriptPath carries the script path as a launch property.
	PropertyScriptPath = "testscript.filename"
)

var ErrEmptyName = errors.New("command name cannot be empty")

// Command is one scripted operation.
type Command struct {
	Name string
	Args []string
}

// New returns a command, stripping a leading marker from name if present.
func New(name string, args ...string) Command {
	return Command{Name: strings.TrimPrefix(name, string(Marker)), Args: args}
}

// String renders the command as a script line. Arguments containing
// whitespace or quotes are quoted.
func (c Command) String() string {
	var sb strings.Builder
	sb.WriteRune(Marker)
	sb.WriteString(c.Name)
	for _, arg := range c.Args {
		sb.WriteByte(' ')
		if arg == "" || strings.ContainsAny(arg, " \t\"") {
			sb.WriteString(strconv.Quote(arg))
		} else {
			sb.WriteString(arg)
		}
	}
	return sb.String()
}

func (c Command) validate() error {
	if c.Name == "" {
		return ErrEmptyName
	}
	if strings.ContainsAny(c.Name, " \t\r\n") {
		return fmt.Errorf("command name %q contains whitespace", c.Name)
	}
	for _, arg := range c.Args {
		if strings.ContainsAny(arg, "\r\n") {
			return fmt.Errorf("argument of %s contains a line break", c.Name)
		}
	}
	return nil
}

// Path returns the startup script location for a run's logs directory.
func Path(logsDir string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(logsDir)), FileName)
}

// Write serializes cmds into path, one command per line.
func Write(path string, cmds []Command) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create script directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create script file: %w", err)
	}
	defer f.Close()

	if err := Encode(f, cmds); err != nil {
		return err
	}
	return f.Close()
}

// Encode writes cmds to w in script form.
func Encode(w io.Writer, cmds []Command) error {
	bw := bufio.NewWriter(w)
	for i, cmd := range cmds {
		if err := cmd.validate(); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		if _, err := bw.WriteString(cmd.String() + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Parse reads a script. Blank lines are skipped; any other line must start
// with the marker.
func Parse(r io.Reader) ([]Command, error) {
	var cmds []Command
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] != Marker {
			return nil, fmt.Errorf("line %d: missing %q marker", lineNo, Marker)
		}
		fields, err := splitFields(line[1:])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(fields) == 0 || fields[0] == "" {
			return nil, fmt.Errorf("line %d: %w", lineNo, ErrEmptyName)
		}
		cmd := Command{Name: fields[0]}
		if len(fields) > 1 {
			cmd.Args = fields[1:]
		}
		cmds = append(cmds, cmd)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return cmds, nil
}

// ReadFile parses the script at path.
func ReadFile(path string) ([]Command, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func splitFields(s string) ([]string, error) {
	var fields []string
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return fields, nil
		}
		if s[0] == '"' {
			quoted, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("bad quoted argument: %w", err)
			}
			unquoted, err := strconv.Unquote(quoted)
			if err != nil {
				return nil, err
			}
			fields = append(fields, unquoted)
			s = s[len(quoted):]
			continue
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			end = len(s)
		}
		fields = append(fields, s[:end])
		s = s[end:]
	}
}
