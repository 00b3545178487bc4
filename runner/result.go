package runner

import (
	"maps"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-starter/launch"
)

// AttrExecutionTime is the main report attribute carrying the run duration.
const AttrExecutionTime = "execution time"

// Result is produced once per successful run.
type Result struct {
	RunContext    *RunContext
	ExecutionTime time.Duration
	// ConfigDiff is the drift between intended and effective options, if read.
	ConfigDiff *launch.Diff
	Failure    error
	// Stdout holds the child output retained when not running verbose.
	Stdout string

	mu         sync.Mutex
	attributes map[string]string
}

// SetAttribute adds a report attribute.
func (r *Result) SetAttribute(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attributes == nil {
		r.attributes = make(map[string]string)
	}
	r.attributes[key] = value
}

// Attributes returns extra attributes set by reporters.
func (r *Result) Attributes() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.attributes)
}

// MainReportAttributes are the attributes every report carries.
func (r *Result) MainReportAttributes() map[string]string {
	return map[string]string{AttrExecutionTime: r.ExecutionTime.String()}
}
