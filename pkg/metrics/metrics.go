package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Inventory metrics (refreshed by the Collector)
	RangesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyberrange_ranges_total",
			Help: "Total number of ranges by status",
		},
		[]string{"status"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyberrange_vms_total",
			Help: "Total number of VMs by status",
		},
		[]string{"status"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyberrange_jobs_total",
			Help: "Total number of retained jobs by state",
		},
		[]string{"state"},
	)

	ArtifactsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyberrange_artifacts_total",
			Help: "Total number of artifact records by status",
		},
		[]string{"status"},
	)

	// Job engine metrics
	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberrange_jobs_submitted_total",
			Help: "Total number of jobs submitted by kind",
		},
		[]string{"kind"},
	)

	JobsDeduplicated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberrange_jobs_deduplicated_total",
			Help: "Submissions that returned an already active job",
		},
		[]string{"kind"},
	)

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberrange_jobs_finished_total",
			Help: "Total number of jobs reaching a terminal state by kind and state",
		},
		[]string{"kind", "state"},
	)

	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cyberrange_jobs_running",
			Help: "Jobs currently executing by pool",
		},
		[]string{"pool"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyberrange_job_duration_seconds",
			Help:    "Job execution time in seconds",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 900, 1800},
		},
		[]string{"kind"},
	)

	ProgressRegressions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberrange_job_progress_regressions_total",
			Help: "Progress updates rejected because they moved backwards",
		},
		[]string{"kind"},
	)

	// Event metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberrange_events_published_total",
			Help: "Events published by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyberrange_events_dropped_total",
			Help: "Live events dropped because a subscriber was lagging",
		},
	)

	Subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyberrange_event_subscribers",
			Help: "Connected live event subscribers",
		},
	)

	// Artifact metrics
	ArtifactBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberrange_artifact_bytes_total",
			Help: "Bytes transferred into the artifact cache by kind",
		},
		[]string{"kind"},
	)

	// Runtime metrics
	RuntimeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberrange_runtime_calls_total",
			Help: "Container runtime calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	RuntimeCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyberrange_runtime_call_duration_seconds",
			Help:    "Container runtime call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	RuntimeSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cyberrange_runtime_slots_in_use",
			Help: "Runtime call slots currently held",
		},
	)

	// Deployment metrics
	DeployDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyberrange_deploy_duration_seconds",
			Help:    "Range deployment time in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Maintenance metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cyberrange_reconciliation_duration_seconds",
			Help:    "Maintenance cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyberrange_reconciliation_cycles_total",
			Help: "Total number of maintenance cycles",
		},
	)

	JobsCollected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cyberrange_jobs_collected_total",
			Help: "Terminal jobs removed by retention",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cyberrange_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cyberrange_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(RangesTotal)
	prometheus.MustRegister(VMsTotal)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ArtifactsTotal)
	prometheus.MustRegister(JobsSubmitted)
	prometheus.MustRegister(JobsDeduplicated)
	prometheus.MustRegister(JobsFinished)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ProgressRegressions)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(Subscribers)
	prometheus.MustRegister(ArtifactBytes)
	prometheus.MustRegister(RuntimeCalls)
	prometheus.MustRegister(RuntimeCallDuration)
	prometheus.MustRegister(RuntimeSlotsInUse)
	prometheus.MustRegister(DeployDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(JobsCollected)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for histogram observations
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time under the given label values
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
