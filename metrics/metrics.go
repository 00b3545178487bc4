package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/httputil"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "starter"
)

// Run outcomes used as the "result" label.
const (
	ResultSuccess  = "success"
	ResultKilled   = "expected_kill"
	ResultTimeout  = "timeout"
	ResultFailure  = "failure"
	ResultCaptured = "captured"
	ResultSkipped  = "skipped"
)

var (
	// Registry holds every starter metric. It is served by StartServer.
	Registry = opmetrics.NewRegistry()
	factory  = promauto.With(Registry)

	Debug                bool = true
	validResults              = []string{ResultSuccess, ResultKilled, ResultTimeout, ResultFailure}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	runsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of supervised process runs",
	}, []string{
		"target",
		"result",
	})

	runDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of supervised process runs",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
	}, []string{
		"target",
		"result",
	})

	runsInFlight = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_in_flight",
		Help:      "Number of runs currently supervising a child process",
	})

	eventsPosted = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "bus_events_posted_total",
		Help:      "Count of events posted and awaited on the bus",
	}, []string{
		"event",
		"state",
	})

	handlerFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "bus_handler_failures_total",
		Help:      "Count of bus handler failures",
	}, []string{
		"event",
	})

	diagnosticsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "diagnostics_total",
		Help:      "Count of diagnostic capture attempts",
	}, []string{
		"kind",
		"result",
	})
)

// StartServer serves Registry on host:port.
func StartServer(host string, port int) (*httputil.HTTPServer, error) {
	return opmetrics.StartServer(Registry, host, port)
}

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordRun(target string, result string, duration time.Duration) {
	if !isValidResult(result) {
		log.Error("RecordRun - invalid result", "result", result)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "runs_total",
			"target", target,
			"result", result,
			"duration", duration)
	}
	runsTotal.WithLabelValues(target, result).Inc()
	runDuration.WithLabelValues(target, result).Observe(duration.Seconds())
}

func RunStarted() {
	runsInFlight.Inc()
}

func RunFinished() {
	runsInFlight.Dec()
}

func RecordEventPosted(event string, state string) {
	eventsPosted.WithLabelValues(event, state).Inc()
}

func RecordHandlerFailure(event string) {
	handlerFailures.WithLabelValues(event).Inc()
}

func RecordDiagnostic(kind string, err error) {
	result := ResultCaptured
	if err != nil {
		result = ResultFailure
	}
	diagnosticsTotal.WithLabelValues(kind, result).Inc()
}

func RecordDiagnosticSkipped(kind string) {
	diagnosticsTotal.WithLabelValues(kind, ResultSkipped).Inc()
}

func isValidResult(result string) bool {
	return slices.Contains(validResults, result)
}
