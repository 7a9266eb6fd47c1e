package raft

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kythira/raft/pkg/metrics"
)

// appendConfigurationEntry serializes cfg as a Configuration log entry and
// appends it at the next index. Used both by the ordinary reconfiguration
// path (configSynchronizer's appendJoint/appendFinal callbacks) and directly
// by tests.
func (n *Node) appendConfigurationEntry(cfg ClusterConfiguration) (LogIndex, error) {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal configuration: %v", ErrSerialization, err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return 0, ErrNotLeader
	}
	entry := LogEntry{Term: n.currentTerm, Index: n.getLastLogIndexLocked() + 1, Kind: EntryConfiguration, Payload: payload}
	if err := n.appendLogEntryLocked(entry); err != nil {
		return 0, err
	}
	return entry.Index, nil
}

// applyConfigurationEntry decodes entry's payload into out. It is a plain
// decode step, not a locked node mutation, so callers may invoke it without
// holding mu.
func (n *Node) applyConfigurationEntry(entry LogEntry, out *ClusterConfiguration) error {
	if err := json.Unmarshal(entry.Payload, out); err != nil {
		return fmt.Errorf("%w: unmarshal configuration: %v", ErrSerialization, err)
	}
	return nil
}

// createSnapshot asks the state machine for its current state and writes a
// Snapshot covering everything up to last_applied, then compacts the log.
// Called when the log's estimated size passes SnapshotThresholdBytes.
func (n *Node) createSnapshot() error {
	n.mu.Lock()
	lastApplied := n.lastApplied
	if lastApplied == 0 {
		n.mu.Unlock()
		return nil
	}
	entry, ok := n.getLogEntryLocked(lastApplied)
	var lastTerm Term
	if ok {
		lastTerm = entry.Term
	} else if n.snapshot != nil && n.snapshot.LastIncludedIndex == lastApplied {
		lastTerm = n.snapshot.LastIncludedTerm
	}
	cfg := n.configuration.Clone()
	n.mu.Unlock()

	state, err := n.sm.GetState()
	if err != nil {
		return fmt.Errorf("raft: snapshot: get state machine state: %w", err)
	}

	snap := Snapshot{LastIncludedIndex: lastApplied, LastIncludedTerm: lastTerm, Configuration: cfg, StateMachineState: state}
	if err := n.store.SaveSnapshot(snap); err != nil {
		return fmt.Errorf("raft: snapshot: save: %w", err)
	}

	n.mu.Lock()
	n.snapshot = &snap
	n.mu.Unlock()

	if err := n.store.DeleteLogEntriesBefore(lastApplied + 1); err != nil {
		n.logger.Error().Err(err).Msg("compact log after snapshot failed")
	}
	metrics.RaftSnapshotsTotal.Inc()
	n.logger.Info().Uint64("last_included_index", uint64(lastApplied)).Msg("created snapshot")
	return nil
}

// sendInstallSnapshotTo ships the leader's current snapshot to peer in a
// single RPC. The specification's chunked transfer is approximated as one
// call per snapshot; SnapshotChunkSize remains available to a transport that
// wants to fragment the payload below it.
func (n *Node) sendInstallSnapshotTo(peer NodeID, term Term) {
	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term || n.snapshot == nil {
		n.mu.Unlock()
		return
	}
	snap := *n.snapshot
	n.mu.Unlock()

	req := &InstallSnapshotRequest{
		Term: term, LeaderID: n.id,
		LastIncludedIndex: snap.LastIncludedIndex, LastIncludedTerm: snap.LastIncludedTerm,
		Configuration: snap.Configuration, Data: snap.StateMachineState,
		Offset: 0, Done: true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.config.RPCTimeout)
	defer cancel()
	timer := metrics.NewTimer()
	future := n.client.SendInstallSnapshot(ctx, peer, req)
	resp, err := future.Wait(ctx)
	timer.ObserveDurationVec(metrics.RaftReplicationRPCDuration, string(peer), "install_snapshot")
	if err != nil {
		n.errorHandlerFor(peer).Observe(Classify(err).Kind)
		return
	}
	if n.maybeStepDown(resp.Term) {
		return
	}

	n.mu.Lock()
	if n.role == Leader && n.currentTerm == term {
		if n.matchIndex[peer] < snap.LastIncludedIndex {
			n.matchIndex[peer] = snap.LastIncludedIndex
		}
		n.nextIndex[peer] = snap.LastIncludedIndex + 1
	}
	n.mu.Unlock()
}

// InstallSnapshot handles an inbound snapshot transfer. Once the term check
// passes, a follower adopts the final (Done) chunk's snapshot unless it
// already holds one at or past LastIncludedIndex: it discards any
// conflicting log entries and restores the state machine from Data.
func (n *Node) InstallSnapshot(ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
	n.mu.Lock()
	if req.Term < n.currentTerm {
		term := n.currentTerm
		n.mu.Unlock()
		return &InstallSnapshotResponse{Term: term}, nil
	}
	if req.Term > n.currentTerm || n.role == Candidate {
		n.stepDownLocked(req.Term)
	}
	n.resampleElectionTimeout()
	n.leaderID = req.LeaderID

	if !req.Done {
		// Partial chunk support is left to the transport; without
		// reassembly we can only acknowledge and wait for the final chunk.
		term := n.currentTerm
		n.mu.Unlock()
		return &InstallSnapshotResponse{Term: term}, nil
	}

	if n.snapshot != nil && n.snapshot.LastIncludedIndex >= req.LastIncludedIndex {
		term := n.currentTerm
		n.mu.Unlock()
		return &InstallSnapshotResponse{Term: term}, nil
	}

	snap := Snapshot{
		LastIncludedIndex: req.LastIncludedIndex, LastIncludedTerm: req.LastIncludedTerm,
		Configuration: req.Configuration, StateMachineState: req.Data,
	}
	n.mu.Unlock()

	if err := n.sm.RestoreFromSnapshot(snap.StateMachineState, snap.LastIncludedIndex); err != nil {
		n.logger.Error().Err(err).Msg("restore from installed snapshot failed")
		n.mu.Lock()
		term := n.currentTerm
		n.mu.Unlock()
		return &InstallSnapshotResponse{Term: term}, fmt.Errorf("raft: restore snapshot: %w", err)
	}
	if err := n.store.SaveSnapshot(snap); err != nil {
		n.logger.Error().Err(err).Msg("persist installed snapshot failed")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	keepTail, ok := n.getLogEntryLocked(snap.LastIncludedIndex)
	hasMatchingTail := ok && keepTail.Term == snap.LastIncludedTerm
	if !hasMatchingTail {
		if err := n.store.TruncateLog(1); err != nil {
			n.logger.Error().Err(err).Msg("discard log after snapshot install failed")
		}
		n.lastLogIndex = snap.LastIncludedIndex
		n.lastLogTerm = snap.LastIncludedTerm
	} else if n.lastLogIndex < snap.LastIncludedIndex {
		n.lastLogIndex = snap.LastIncludedIndex
		n.lastLogTerm = snap.LastIncludedTerm
	}

	n.snapshot = &snap
	n.configuration = snap.Configuration.Clone()
	if n.commitIndex < snap.LastIncludedIndex {
		n.commitIndex = snap.LastIncludedIndex
	}
	if n.lastApplied < snap.LastIncludedIndex {
		n.lastApplied = snap.LastIncludedIndex
	}
	metrics.RaftCommitIndex.Set(float64(n.commitIndex))
	metrics.RaftAppliedIndex.Set(float64(n.lastApplied))
	n.commitWaiter.CancelAfter(snap.LastIncludedIndex, ErrProtocol)

	n.logger.Info().Uint64("last_included_index", uint64(snap.LastIncludedIndex)).Msg("installed snapshot from leader")
	return &InstallSnapshotResponse{Term: n.currentTerm}, nil
}

// maybeCreateSnapshot checks the durable log's size against
// SnapshotThresholdBytes and triggers a snapshot if it is exceeded. Intended
// to be called after every successful commit-index advance.
func (n *Node) maybeCreateSnapshot() {
	if n.config.SnapshotThresholdBytes <= 0 {
		return
	}
	n.mu.Lock()
	lastApplied := n.lastApplied
	entries, err := n.store.GetLogEntries(1, lastApplied)
	n.mu.Unlock()
	if err != nil || len(entries) == 0 {
		return
	}
	var size int64
	for _, e := range entries {
		size += int64(len(e.Payload))
	}
	if size < n.config.SnapshotThresholdBytes {
		return
	}
	if err := n.createSnapshot(); err != nil {
		n.logger.Error().Err(err).Msg("automatic snapshot creation failed")
	}
}
