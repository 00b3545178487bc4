package reporting

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ethereum-optimism/infra/op-starter/runner"
)

// Run statuses.
const (
	StatusPassed  = "passed"
	StatusKilled  = "killed"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusCrashed = "crashed"
	// StatusLogErrors marks a run that finished but logged errors.
	StatusLogErrors = "log-errors"
)

// Outcome summarizes one finished run.
type Outcome struct {
	Name     string
	RunID    string
	Status   string
	Duration time.Duration
	// LogErrors is the number of distinct errors found in the logs.
	LogErrors int
	Message   string
	CILink    string
	Finished  time.Time
}

func (o Outcome) Passed() bool {
	return o.Status == StatusPassed || o.Status == StatusKilled
}

// OutcomeOf summarizes the return values of RunContext.Run.
func OutcomeOf(rc *runner.RunContext, result *runner.Result, err error) Outcome {
	o := Outcome{
		Name:     rc.ContextName(),
		RunID:    rc.RunID.String(),
		Finished: time.Now(),
		CILink:   runner.CILinkOf(err),
	}
	switch {
	case err == nil && result != nil:
		o.Status = StatusPassed
		o.Duration = result.ExecutionTime
		cfg := rc.Config()
		if cfg.ExpectedKill && result.ExecutionTime == cfg.Timeout {
			o.Status = StatusKilled
		}
	case runner.IsLaunchTimeout(err):
		o.Status = StatusTimeout
		o.Duration = rc.Timeout()
	case runner.IsLaunchFailure(err):
		o.Status = StatusFailed
	default:
		o.Status = StatusCrashed
	}
	if err != nil {
		o.Message = err.Error()
	}
	found, rerr := ReadErrorReports(filepath.Join(rc.ReportsDir(), ErrorsDirName))
	if rerr != nil {
		rc.Logger().Warn("Failed to read error reports", "err", rerr)
	}
	o.LogErrors = len(found)
	if o.Passed() && o.LogErrors > 0 {
		o.Status = StatusLogErrors
		o.Message = fmt.Sprintf("%d error(s) found in logs, first: %s", o.LogErrors, found[0].Message)
	}
	return o
}

// ConsolePublisher prints outcomes as a table.
type ConsolePublisher struct {
	out io.Writer
	log log.Logger
}

func NewConsolePublisher(out io.Writer, logger log.Logger) *ConsolePublisher {
	return &ConsolePublisher{out: out, log: logger}
}

func (p *ConsolePublisher) Publish(title string, outcomes []Outcome) {
	p.log.Info("Printing results...")
	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Run", "Duration", "Status", "Log errors", "Details"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Run", WidthMax: 50, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Log errors", Align: text.AlignRight},
		{Name: "Details", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	passed := 0
	var total time.Duration
	for _, o := range outcomes {
		if o.Passed() {
			passed++
		}
		total += o.Duration
		details := o.Message
		if o.CILink != "" {
			details = o.CILink
		}
		t.AppendRow(table.Row{o.Name, formatDuration(o.Duration), statusString(o.Status), o.LogErrors, details})
	}
	t.AppendFooter(table.Row{"TOTAL", formatDuration(total), fmt.Sprintf("%d/%d passed", passed, len(outcomes)), "", ""})
	t.SetStyle(table.StyleLight)
	t.Render()
}

func statusString(status string) string {
	switch status {
	case StatusPassed, StatusKilled:
		return text.FgGreen.Sprint(status)
	case StatusTimeout:
		return text.FgYellow.Sprint(status)
	default:
		return text.FgRed.Sprint(status)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}
