package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ApplyQPS counts every committed log entry handed to the state
	// machine, regardless of outcome.
	ApplyQPS = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rhea_apply_total",
			Help: "Total number of log entries applied to the state machine",
		},
	)

	// ApplyDuration buckets apply latency by operation discriminator so a
	// slow KEY_LOCK batch doesn't hide behind a fast PUT average.
	ApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rhea_apply_duration_seconds",
			Help:    "Time taken to apply a batch of operations, by op kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op_kind"},
	)

	LastAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhea_last_applied_index",
			Help: "Highest Raft log index applied to the state machine",
		},
	)

	LastAppliedTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhea_last_applied_term",
			Help: "Raft term of the highest applied log index",
		},
	)

	// RingBufferDepth tracks how full the driver's event queue is;
	// sustained high depth means applies are not keeping up with commits.
	RingBufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhea_driver_ring_buffer_depth",
			Help: "Number of events currently queued in the FSM driver's ring buffer",
		},
	)

	LockAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rhea_lock_acquire_total",
			Help: "Total lock acquisition attempts by result",
		},
		[]string{"result"},
	)

	LockFenceTokenCurrent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhea_lock_fence_token_current",
			Help: "Most recently issued fencing token",
		},
	)

	SnapshotSaveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rhea_snapshot_save_duration_seconds",
			Help:    "Time taken to save a snapshot",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	SnapshotLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rhea_snapshot_load_duration_seconds",
			Help:    "Time taken to load a snapshot",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhea_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhea_raft_last_log_index",
			Help: "Raft's last log index, as reported by raft.Raft.LastIndex",
		},
	)

	RaftPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rhea_raft_peers_total",
			Help: "Number of servers in the current Raft configuration",
		},
	)
)

func init() {
	prometheus.MustRegister(ApplyQPS)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(LastAppliedIndex)
	prometheus.MustRegister(LastAppliedTerm)
	prometheus.MustRegister(RingBufferDepth)
	prometheus.MustRegister(LockAcquireTotal)
	prometheus.MustRegister(LockFenceTokenCurrent)
	prometheus.MustRegister(SnapshotSaveDuration)
	prometheus.MustRegister(SnapshotLoadDuration)
	prometheus.MustRegister(RaftIsLeader)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftPeersTotal)
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
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
