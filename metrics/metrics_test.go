package metrics

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "nil error",
			err:  nil,
		},
		{
			name: "simple error",
			err:  errors.New("test error"),
		},
		{
			name: "error with special chars",
			err:  errors.New("test@error#123"),
		},
		{
			name: "error with multiple spaces",
			err:  errors.New("test   error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errToLabel(tt.err)
			validLabelRegex := regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)
			if !validLabelRegex.MatchString(result) {
				t.Errorf("errLabel() = %v, is not a valid Prometheus label", result)
			}
		})
	}
}

func TestRecordErrorDetails(t *testing.T) {
	// nil errors are ignored
	RecordErrorDetails("test", nil)
	RecordErrorDetails("test", errors.New("sample error"))
}

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(runsTotal.WithLabelValues("metrics-test", ResultSuccess))
	RecordRun("metrics-test", ResultSuccess, time.Second)
	require.Equal(t, before+1, testutil.ToFloat64(runsTotal.WithLabelValues("metrics-test", ResultSuccess)))

	// unknown results are dropped
	RecordRun("metrics-test", "bogus", time.Second)
	require.Equal(t, float64(0), testutil.ToFloat64(runsTotal.WithLabelValues("metrics-test", "bogus")))
}

func TestRunsInFlight(t *testing.T) {
	before := testutil.ToFloat64(runsInFlight)
	RunStarted()
	require.Equal(t, before+1, testutil.ToFloat64(runsInFlight))
	RunFinished()
	require.Equal(t, before, testutil.ToFloat64(runsInFlight))
}

func TestRecordDiagnostic(t *testing.T) {
	captured := testutil.ToFloat64(diagnosticsTotal.WithLabelValues("metrics-test-dump", ResultCaptured))
	failed := testutil.ToFloat64(diagnosticsTotal.WithLabelValues("metrics-test-dump", ResultFailure))

	RecordDiagnostic("metrics-test-dump", nil)
	RecordDiagnostic("metrics-test-dump", errors.New("jstack missing"))

	require.Equal(t, captured+1, testutil.ToFloat64(diagnosticsTotal.WithLabelValues("metrics-test-dump", ResultCaptured)))
	require.Equal(t, failed+1, testutil.ToFloat64(diagnosticsTotal.WithLabelValues("metrics-test-dump", ResultFailure)))
}
