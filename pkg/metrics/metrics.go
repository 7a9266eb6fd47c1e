package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node-level Raft metrics
	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower/candidate)",
		},
	)

	RaftCurrentTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_current_term",
			Help: "This node's current Raft term",
		},
	)

	RaftPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_peers_total",
			Help: "Total number of voting members in the current cluster configuration",
		},
	)

	RaftLastLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_last_log_index",
			Help: "Index of the last entry in this node's log",
		},
	)

	RaftCommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_applied_index",
			Help: "Highest log index applied to the state machine",
		},
	)

	RaftElectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raft_elections_total",
			Help: "Total number of elections this node has started as a candidate",
		},
	)

	RaftConfigurationChangeActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "raft_configuration_change_active",
			Help: "Whether a joint-consensus reconfiguration is in progress (1 = active)",
		},
	)

	// Replication and RPC latency
	RaftReplicationRPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "raft_replication_rpc_duration_seconds",
			Help:    "Latency of outbound AppendEntries/InstallSnapshot RPCs by peer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer", "rpc"},
	)

	RaftCommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raft_commit_latency_seconds",
			Help:    "Time from a client command's submission to its commit",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftApplyLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "raft_apply_latency_seconds",
			Help:    "Time spent applying a single committed entry to the state machine",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftSnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "raft_snapshots_total",
			Help: "Total number of snapshots this node has captured",
		},
	)

	RaftClientErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "raft_client_errors_total",
			Help: "Total number of client-visible errors by kind (not_leader, commit_timeout, leadership_lost, ...)",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		RaftIsLeader,
		RaftCurrentTerm,
		RaftPeersTotal,
		RaftLastLogIndex,
		RaftCommitIndex,
		RaftAppliedIndex,
		RaftElectionsTotal,
		RaftConfigurationChangeActive,
		RaftReplicationRPCDuration,
		RaftCommitLatency,
		RaftApplyLatency,
		RaftSnapshotsTotal,
		RaftClientErrorsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing an operation and recording it to a
// histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
