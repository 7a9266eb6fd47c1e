/*
Package metrics provides Prometheus metrics collection and exposition for a
Raft node.

It defines and registers every metric using the Prometheus client library,
giving observability into leader status, log progress, election frequency,
replication latency, and client-visible error rates. Metrics are exposed over
HTTP for scraping by a Prometheus server, alongside liveness and readiness
probes for orchestration.

# Metrics Catalog

Node State:

raft_is_leader:
  - Type: Gauge
  - Description: Whether this node is the Raft leader (1 = leader, 0 = follower/candidate)

raft_current_term:
  - Type: Gauge
  - Description: This node's current Raft term

raft_peers_total:
  - Type: Gauge
  - Description: Total number of voting members in the current cluster configuration

raft_configuration_change_active:
  - Type: Gauge
  - Description: Whether a joint-consensus reconfiguration is in progress (1 = active)

Log Progress:

raft_last_log_index:
  - Type: Gauge
  - Description: Index of the last entry in this node's log

raft_commit_index:
  - Type: Gauge
  - Description: Highest log index known to be committed

raft_applied_index:
  - Type: Gauge
  - Description: Highest log index applied to the state machine

Elections and Snapshots:

raft_elections_total:
  - Type: Counter
  - Description: Total number of elections this node has started as a candidate

raft_snapshots_total:
  - Type: Counter
  - Description: Total number of snapshots this node has captured

Replication and RPC Latency:

raft_replication_rpc_duration_seconds{peer, rpc}:
  - Type: Histogram
  - Description: Latency of outbound AppendEntries/InstallSnapshot RPCs by peer
  - Labels: peer, rpc

raft_commit_latency_seconds:
  - Type: Histogram
  - Description: Time from a client command's submission to its commit

raft_apply_latency_seconds:
  - Type: Histogram
  - Description: Time spent applying a single committed entry to the state machine

Client Errors:

raft_client_errors_total{kind}:
  - Type: Counter
  - Description: Total client-visible errors by kind (not_leader, commit_timeout, leadership_lost, ...)
  - Labels: kind

# Usage

	import "github.com/kythira/raft/pkg/metrics"

	metrics.RaftIsLeader.Set(1)
	metrics.RaftElectionsTotal.Inc()

	timer := metrics.NewTimer()
	// ... replicate to a peer ...
	timer.ObserveDurationVec(metrics.RaftReplicationRPCDuration, string(peerID), "AppendEntries")

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())

# Design

Most of these gauges are set directly by pkg/raft at the point of each state
transition (becoming leader, stepping down, appending an entry) rather than
polled from the outside. Collector in collector.go is a reconciliation loop
that periodically re-derives five of them (RaftIsLeader, RaftCurrentTerm,
RaftCommitIndex, RaftAppliedIndex, RaftPeersTotal) from a *raft.Node's
accessors, catching an update the direct calls missed; the other gauges,
the counters and the histograms are only updated by pkg/raft itself.

See also: https://prometheus.io/docs/practices/histograms/ for histogram
bucket selection.
*/
package metrics
