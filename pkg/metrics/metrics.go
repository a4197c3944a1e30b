package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster state gauges.
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctld_nodes_total",
			Help: "Total number of nodes by base state",
		},
		[]string{"state"},
	)

	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctld_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	PartitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctld_partitions_total",
			Help: "Total number of configured partitions",
		},
	)

	// Lock manager instrumentation, sampled from the manager's
	// diagnostic snapshot by the Collector.
	LockHeld = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ctld_lock_held",
			Help: "Current holder count per entity lock (reader count, or 1 for a held writer)",
		},
		[]string{"entity", "mode"},
	)

	// RPC dispatcher instrumentation.
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctld_rpc_requests_total",
			Help: "Total number of RPCs handled, by opcode and outcome",
		},
		[]string{"opcode", "outcome"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctld_rpc_request_duration_seconds",
			Help:    "RPC handling duration in seconds, by opcode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"opcode"},
	)

	// Background loop and scheduler instrumentation.
	BackgroundCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctld_background_cycle_duration_seconds",
			Help:    "Duration of one background-loop activity pass",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"activity"},
	)

	SchedulerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctld_scheduler_cycle_duration_seconds",
			Help:    "Duration of one FIFO scheduling pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	JobsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctld_jobs_started_total",
			Help: "Total number of jobs started by the scheduler",
		},
	)

	// Agent retry queue instrumentation.
	AgentQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctld_agent_queue_depth",
			Help: "Number of outbound RPCs currently queued for retry",
		},
	)

	AgentRetriesExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctld_agent_retries_exhausted_total",
			Help: "Total number of outbound RPCs that exhausted retries and drained their node",
		},
	)

	// Failover instrumentation.
	FailoverIsPrimary = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctld_failover_is_primary",
			Help: "Whether this process currently holds the primary lease (1) or is standby (0)",
		},
	)

	FailoverPromotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctld_failover_promotions_total",
			Help: "Total number of times this process was promoted from standby to primary",
		},
	)

	// Persistence instrumentation.
	StateSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ctld_state_save_duration_seconds",
			Help:    "Duration of a full state-save checkpoint",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		JobsTotal,
		PartitionsTotal,
		LockHeld,
		RPCRequestsTotal,
		RPCRequestDuration,
		BackgroundCycleDuration,
		SchedulerCycleDuration,
		JobsStarted,
		AgentQueueDepth,
		AgentRetriesExhausted,
		FailoverIsPrimary,
		FailoverPromotions,
		StateSaveDuration,
	)
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

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
