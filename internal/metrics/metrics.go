// Package metrics defines the Prometheus metrics exported by sensorctl.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Host session metrics
	HostAlive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sensorctl_host_alive",
			Help: "Whether the session to a host is alive (1) or not (0)",
		},
		[]string{"host"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorctl_batch_duration_seconds",
			Help:    "Time to run one command batch on a host",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"host"},
	)

	BatchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorctl_batch_failures_total",
			Help: "Batches that failed at the session level, by reason",
		},
		[]string{"host", "reason"},
	)

	Reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorctl_reconnects_total",
			Help: "Session (re)connection attempts per host",
		},
		[]string{"host"},
	)

	// Execution metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sensorctl_commands_total",
			Help: "Commands run through the execution coordinator, by outcome",
		},
		[]string{"outcome"},
	)

	// Lifecycle metrics
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sensorctl_operation_duration_seconds",
			Help:    "Duration of lifecycle operations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"command"},
	)

	NodesRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sensorctl_nodes_running",
			Help: "Nodes observed running by the last check, by type",
		},
		[]string{"type"},
	)

	CrashesDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sensorctl_crashes_detected_total",
			Help: "Nodes found crashed",
		},
	)
)

func init() {
	prometheus.MustRegister(HostAlive)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(BatchFailures)
	prometheus.MustRegister(Reconnects)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(NodesRunning)
	prometheus.MustRegister(CrashesDetected)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures one operation for a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in h.
func (t *Timer) ObserveDuration(h prometheus.Observer) time.Duration {
	d := t.Duration()
	h.Observe(d.Seconds())
	return d
}
