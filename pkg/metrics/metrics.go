package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Actor runtime metrics
	ActorsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wrenchgo_actors_live",
			Help: "Number of actors currently alive in the kernel",
		},
	)

	ActorsBlocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wrenchgo_actors_blocked",
			Help: "Number of actors currently blocked on a suspension point",
		},
	)

	EventQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wrenchgo_event_queue_depth",
			Help: "Number of pending events in the kernel's event heap",
		},
	)

	SimulatedClockSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wrenchgo_simulated_clock_seconds",
			Help: "Current simulated date, in seconds since the start of the run",
		},
	)

	// Action metrics
	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrenchgo_actions_total",
			Help: "Total number of actions reaching a terminal state, by kind and state",
		},
		[]string{"kind", "state"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wrenchgo_action_duration_seconds",
			Help:    "Simulated execution time of an action, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Compute service metrics
	SchedulingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wrenchgo_scheduling_latency_seconds",
			Help:    "Wall-clock (host) time spent per scheduling pass, by service",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	JobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrenchgo_jobs_submitted_total",
			Help: "Total number of compound jobs submitted, by service",
		},
		[]string{"service"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrenchgo_jobs_completed_total",
			Help: "Total number of compound jobs reaching a terminal state, by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	IdleCoresTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrenchgo_idle_cores_total",
			Help: "Idle cores per compute service",
		},
		[]string{"service"},
	)

	BatchQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrenchgo_batch_queue_length",
			Help: "Number of batch jobs waiting in queue, by service",
		},
		[]string{"service"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrenchgo_vms_total",
			Help: "Number of VMs managed by a cloud service, by state",
		},
		[]string{"service", "state"},
	)

	// Storage metrics
	StorageFreeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrenchgo_storage_free_bytes",
			Help: "Free space on a logical file system",
		},
		[]string{"service", "mount_point"},
	)

	StorageReservedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrenchgo_storage_reserved_bytes",
			Help: "Reserved-but-not-yet-committed space on a logical file system",
		},
		[]string{"service", "mount_point"},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrenchgo_evictions_total",
			Help: "Total number of files evicted from a logical file system",
		},
		[]string{"service", "mount_point"},
	)

	FileTransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wrenchgo_file_transfer_duration_seconds",
			Help:    "Simulated duration of a file read/write/copy operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		ActorsLive,
		ActorsBlocked,
		EventQueueDepth,
		SimulatedClockSeconds,
		ActionsTotal,
		ActionDuration,
		SchedulingLatency,
		JobsSubmitted,
		JobsCompleted,
		IdleCoresTotal,
		BatchQueueLength,
		VMsTotal,
		StorageFreeBytes,
		StorageReservedBytes,
		EvictionsTotal,
		FileTransferDuration,
	)
}

// Handler returns the Prometheus HTTP handler, for a host process that wants
// to scrape metrics off a long-running simulation.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing host-side (wall-clock) operations such as a
// scheduling pass. It measures real time, not simulated time.
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
