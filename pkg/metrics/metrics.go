package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_depth",
			Help: "Current broker job queue depth by priority class",
		},
		[]string{"class"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_submitted_total",
			Help: "Total jobs submitted by outcome",
		},
		[]string{"outcome"},
	)

	JobsDispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_dispatched_total",
			Help: "Total jobs handed off to an executor",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_dispatch_latency_seconds",
			Help:    "Time from submission to executor selection",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Executor registry metrics
	ExecutorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_executors_total",
			Help: "Known executors by health state",
		},
		[]string{"health"},
	)

	RunningJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_running_jobs",
			Help: "Jobs currently running across all executors",
		},
	)

	// FCFS result-acceptance metrics
	ResultsAcceptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_results_accepted_total",
			Help: "Total results accepted under first-come-first-served",
		},
	)

	ResultsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_results_rejected_total",
			Help: "Total results rejected by reason",
		},
		[]string{"reason"},
	)

	// Broker sync metrics
	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_sync_duration_seconds",
			Help:    "Time taken for a peer metadata sync round",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sync_cycles_total",
			Help: "Total peer sync cycles by outcome",
		},
		[]string{"outcome"},
	)

	PeerHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_peer_health",
			Help: "Peer broker health (1 = healthy, 0 = unhealthy) by peer id",
		},
		[]string{"peer_id"},
	)

	// Emergency propagation metrics
	EmergencyLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatch_emergency_level",
			Help: "Current active emergency level (0=none,1=low,2=medium,3=high,4=critical)",
		},
	)

	EmergencyReconciliationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_emergency_reconciliations_total",
			Help: "Total emergency context reconciliations performed",
		},
	)

	// Recovery metrics
	ExecutorFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_executor_failures_total",
			Help: "Total executors declared failed by the recovery manager",
		},
	)

	JobsRedispatchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_jobs_redispatched_total",
			Help: "Total jobs redispatched after an executor failure",
		},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ExecutorsTotal)
	prometheus.MustRegister(RunningJobs)
	prometheus.MustRegister(ResultsAcceptedTotal)
	prometheus.MustRegister(ResultsRejectedTotal)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(SyncCyclesTotal)
	prometheus.MustRegister(PeerHealth)
	prometheus.MustRegister(EmergencyLevel)
	prometheus.MustRegister(EmergencyReconciliationsTotal)
	prometheus.MustRegister(ExecutorFailuresTotal)
	prometheus.MustRegister(JobsRedispatchedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
