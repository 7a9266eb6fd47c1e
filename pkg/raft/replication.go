package raft

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kythira/raft/pkg/metrics"
)

// checkHeartbeatTimeout is invoked by the tick loop; only a Leader acts on
// it, sending AppendEntries to every peer once HeartbeatInterval elapses.
func (n *Node) checkHeartbeatTimeout() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	if time.Now().Before(n.heartbeatDeadline) {
		n.mu.Unlock()
		return
	}
	n.heartbeatDeadline = time.Now().Add(n.config.HeartbeatInterval)
	n.mu.Unlock()

	n.replicateToFollowers()
}

// replicateToFollowers sends each peer up to MaxEntriesPerAppend entries
// starting at its nextIndex, or an InstallSnapshot if that index has
// already been compacted away.
func (n *Node) replicateToFollowers() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	peers := n.peers()
	n.mu.Unlock()

	for _, peer := range peers {
		peer := peer
		go n.replicateTo(peer, 0)
	}
}

// replicateTo sends one AppendEntries (or InstallSnapshot) attempt to peer.
// attempt is 0-based and feeds the peer's ErrorHandler: on a retryable
// failure, replicateTo reschedules itself after the policy's backoff delay
// instead of waiting for the next heartbeat tick, unless the peer's recent
// error history looks like a network partition, in which case it gives up
// and leaves the next heartbeat to try again from attempt 0.
func (n *Node) replicateTo(peer NodeID, attempt int) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	next := n.nextIndex[peer]
	if next == 0 {
		next = 1
	}
	if n.snapshot != nil && next <= n.snapshot.LastIncludedIndex {
		n.mu.Unlock()
		n.sendInstallSnapshotTo(peer, term)
		return
	}

	prevIndex := next - 1
	var prevTerm Term
	if prevIndex > 0 {
		if n.snapshot != nil && prevIndex == n.snapshot.LastIncludedIndex {
			prevTerm = n.snapshot.LastIncludedTerm
		} else if entry, ok := n.getLogEntryLocked(prevIndex); ok {
			prevTerm = entry.Term
		}
	}

	lastIndex := n.getLastLogIndexLocked()
	var entries []LogEntry
	for idx := next; idx <= lastIndex && len(entries) < n.config.MaxEntriesPerAppend; idx++ {
		if entry, ok := n.getLogEntryLocked(idx); ok {
			entries = append(entries, entry)
		}
	}
	leaderCommit := n.commitIndex
	n.mu.Unlock()

	req := &AppendEntriesRequest{
		Term: term, LeaderID: n.id, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
		Entries: entries, LeaderCommit: leaderCommit,
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.config.RPCTimeout)
	defer cancel()
	timer := metrics.NewTimer()
	future := n.client.SendAppendEntries(ctx, peer, req)
	resp, err := future.Wait(ctx)
	timer.ObserveDurationVec(metrics.RaftReplicationRPCDuration, string(peer), "append_entries")
	if err != nil {
		handler := n.errorHandlerFor(peer)
		kind := Classify(err).Kind
		handler.Observe(kind)
		if handler.LooksLikePartition() {
			n.logger.Warn().Str("peer", string(peer)).Msg("peer looks partitioned, deferring to next heartbeat")
			return
		}
		if retry, delay := handler.ShouldRetry(err, attempt); retry {
			time.AfterFunc(delay, func() {
				n.mu.Lock()
				stillLeader := n.role == Leader && n.currentTerm == term
				n.mu.Unlock()
				if stillLeader {
					n.replicateTo(peer, attempt+1)
				}
			})
		}
		return
	}

	if n.maybeStepDown(resp.Term) {
		return
	}

	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	if resp.Success {
		n.matchIndex[peer] = prevIndex + LogIndex(len(entries))
		n.nextIndex[peer] = n.matchIndex[peer] + 1
		n.mu.Unlock()
		n.advanceCommitIndex()
		return
	}

	// Rejected: back off nextIndex using the conflict hint.
	newNext := n.backtrackNextIndexLocked(resp)
	if newNext < 1 {
		newNext = 1
	}
	n.nextIndex[peer] = newNext
	n.mu.Unlock()
}

// backtrackNextIndexLocked implements the conflict-hint backtracking rule:
// if the follower names a conflict_term present in the leader's log, resume
// after the leader's last entry of that term; otherwise resume at the
// follower's reported conflict_index. Must be called with mu held.
func (n *Node) backtrackNextIndexLocked(resp *AppendEntriesResponse) LogIndex {
	if resp.ConflictTerm == nil {
		return resp.ConflictIndex
	}
	conflictTerm := *resp.ConflictTerm
	lastIndex := n.getLastLogIndexLocked()
	for idx := lastIndex; idx > 0; idx-- {
		entry, ok := n.getLogEntryLocked(idx)
		if !ok {
			continue
		}
		if entry.Term == conflictTerm {
			return idx + 1
		}
		if entry.Term < conflictTerm {
			break
		}
	}
	return resp.ConflictIndex
}

// AppendEntries handles an inbound replication batch (possibly a
// heartbeat with no entries), enforcing the log-matching consistency check
// and returning a conflict hint on rejection.
func (n *Node) AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
	}
	if req.Term > n.currentTerm || n.role == Candidate {
		n.stepDownLocked(req.Term)
	}
	n.resampleElectionTimeout()
	n.leaderID = req.LeaderID

	if req.PrevLogIndex > 0 {
		entry, ok := n.getLogEntryLocked(req.PrevLogIndex)
		if !ok || entry.Term != req.PrevLogTerm {
			return n.conflictResponseLocked(req), nil
		}
	}

	for _, entry := range req.Entries {
		existing, ok := n.getLogEntryLocked(entry.Index)
		switch {
		case ok && existing.Term != entry.Term:
			n.truncateLogLocked(entry.Index)
			if err := n.appendLogEntryLocked(entry); err != nil {
				n.logger.Error().Err(err).Msg("append after truncate failed")
				return &AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
			}
		case !ok:
			if err := n.appendLogEntryLocked(entry); err != nil {
				n.logger.Error().Err(err).Msg("append entry failed")
				return &AppendEntriesResponse{Term: n.currentTerm, Success: false}, nil
			}
		default:
			// existing entry matches; skip.
		}
	}

	if len(req.Entries) > 0 {
		lastNew := req.Entries[len(req.Entries)-1].Index
		if req.LeaderCommit > n.commitIndex {
			n.setCommitIndexLocked(min(req.LeaderCommit, lastNew))
		}
	} else if req.LeaderCommit > n.commitIndex {
		n.setCommitIndexLocked(min(req.LeaderCommit, n.getLastLogIndexLocked()))
	}

	return &AppendEntriesResponse{Term: n.currentTerm, Success: true}, nil
}

// conflictResponseLocked builds the conflict-hint rejection the
// specification describes: the term at prev_log_index and the first index
// of that term, or (nil, last_log_index+1) if the log is too short. Must be
// called with mu held.
func (n *Node) conflictResponseLocked(req *AppendEntriesRequest) *AppendEntriesResponse {
	lastIndex := n.getLastLogIndexLocked()
	if req.PrevLogIndex > lastIndex {
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false, ConflictIndex: lastIndex + 1}
	}
	entry, ok := n.getLogEntryLocked(req.PrevLogIndex)
	if !ok {
		return &AppendEntriesResponse{Term: n.currentTerm, Success: false, ConflictIndex: lastIndex + 1}
	}
	conflictTerm := entry.Term
	firstOfTerm := req.PrevLogIndex
	for idx := req.PrevLogIndex; idx > 0; idx-- {
		e, ok := n.getLogEntryLocked(idx)
		if !ok || e.Term != conflictTerm {
			break
		}
		firstOfTerm = idx
	}
	return &AppendEntriesResponse{
		Term: n.currentTerm, Success: false,
		ConflictIndex: firstOfTerm, ConflictTerm: &conflictTerm,
	}
}

// setCommitIndexLocked advances commit_index and hands newly committed
// entries to the state machine in order. Must be called with mu held; it
// releases mu internally while invoking user StateMachine.Apply, since Apply
// must not block the rest of the node, then re-acquires it before
// returning.
func (n *Node) setCommitIndexLocked(newCommit LogIndex) {
	if newCommit <= n.commitIndex {
		return
	}
	n.commitIndex = newCommit
	metrics.RaftCommitIndex.Set(float64(newCommit))
	n.applyCommittedLocked()
}

// applyCommittedLocked applies every entry in (last_applied, commit_index]
// to the state machine in order, then notifies the commit waiter and, for
// Configuration entries, the configuration synchronizer. Must be called
// with mu held.
func (n *Node) applyCommittedLocked() {
	for n.lastApplied < n.commitIndex {
		idx := n.lastApplied + 1
		entry, ok := n.getLogEntryLocked(idx)
		if !ok {
			break
		}
		n.mu.Unlock()
		result, applyErr := n.applyEntry(entry)
		n.mu.Lock()

		n.lastApplied = idx
		metrics.RaftAppliedIndex.Set(float64(idx))

		n.commitWaiter.NotifyCommittedAndApplied(idx, func(LogIndex) ([]byte, error) {
			return result, applyErr
		})

		if entry.Kind == EntryConfiguration && applyErr == nil {
			n.onConfigurationApplied(idx)
		}
	}
}

// applyEntry dispatches a single committed entry to the state machine (for
// Command entries) or to configuration bookkeeping (for Configuration/NoOp
// entries, which carry no state-machine payload).
func (n *Node) applyEntry(entry LogEntry) ([]byte, error) {
	switch entry.Kind {
	case EntryCommand:
		var env commandEnvelope
		if err := json.Unmarshal(entry.Payload, &env); err != nil {
			return nil, fmt.Errorf("%w: unmarshal command envelope: %v", ErrSerialization, err)
		}

		timer := metrics.NewTimer()
		result, err := n.sm.Apply(env.Payload, entry.Index)
		timer.ObserveDuration(metrics.RaftApplyLatency)

		if env.HasSession && err == nil {
			n.mu.Lock()
			n.clientSessions[env.ClientID] = ClientSession{LastSerial: env.Serial, LastResponse: result}
			n.mu.Unlock()
		}
		return result, err
	case EntryConfiguration:
		var cfg ClusterConfiguration
		if err := n.applyConfigurationEntry(entry, &cfg); err != nil {
			return nil, err
		}
		n.mu.Lock()
		n.configuration = cfg
		metrics.RaftPeersTotal.Set(float64(len(cfg.Nodes)))
		n.mu.Unlock()
		return nil, nil
	default:
		return nil, nil
	}
}

// onConfigurationApplied notifies the configuration synchronizer that the
// Configuration entry at index has committed and applied, possibly driving
// the joint -> final phase transition or, on the final commit, stepping
// down a leader no longer in C_new.
func (n *Node) onConfigurationApplied(index LogIndex) {
	n.mu.Unlock()
	n.configSync.NotifyConfigurationCommitted(index, func(target ClusterConfiguration) (LogIndex, error) {
		return n.appendConfigurationEntry(target)
	})
	n.mu.Lock()

	n.mu.Unlock()
	n.maybeStepDownIfRemoved()
	n.mu.Lock()
}

func (n *Node) maybeStepDownIfRemoved() {
	n.mu.Lock()
	shouldStepDown := n.role == Leader && !n.configSync.Active() && !n.configuration.Contains(n.id)
	term := n.currentTerm
	n.mu.Unlock()
	if !shouldStepDown {
		return
	}
	n.mu.Lock()
	n.setRole(Follower)
	n.resampleElectionTimeout()
	n.mu.Unlock()
	n.commitWaiter.CancelLeadershipLost(term, term)
	n.logger.Info().Msg("stepped down: removed from cluster configuration")
}

// advanceCommitIndex recomputes the leader's commit index as the highest
// index acknowledged by a quorum, honoring the current-term-only commit
// rule: a leader may not commit an entry from a prior term merely because a
// quorum has replicated it, only indirectly by committing a later entry
// from its own term (satisfied here by requiring the candidate index's
// entry to have Term == currentTerm).
func (n *Node) advanceCommitIndex() {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return
	}
	term := n.currentTerm
	config := n.configuration

	acked := make([]LogIndex, 0, len(n.matchIndex)+1)
	acked = append(acked, n.getLastLogIndexLocked())
	for _, idx := range n.matchIndex {
		acked = append(acked, idx)
	}

	candidate := n.commitIndex
	for _, idx := range acked {
		if idx <= candidate {
			continue
		}
		entry, ok := n.getLogEntryLocked(idx)
		if !ok || entry.Term != term {
			continue
		}
		quorumAcked := map[NodeID]struct{}{n.id: {}}
		for peer, matched := range n.matchIndex {
			if matched >= idx {
				quorumAcked[peer] = struct{}{}
			}
		}
		if config.HasQuorum(quorumAcked) && idx > candidate {
			candidate = idx
		}
	}
	if candidate > n.commitIndex {
		n.setCommitIndexLocked(candidate)
	}
	n.mu.Unlock()

	n.maybeCreateSnapshot()
}

// min returns the smaller of two LogIndex values. Declaring it here shadows
// Go 1.21's builtin min throughout package raft.
func min(a, b LogIndex) LogIndex {
	if a < b {
		return a
	}
	return b
}
