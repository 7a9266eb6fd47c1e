package raft

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kythira/raft/pkg/metrics"
)

// SubmitCommand appends payload as a Command entry in the current term and
// returns a future fulfilled once the entry is both committed and applied,
// with the state machine's return value for that entry. Fails immediately
// with ErrNotLeader on a non-leader.
func (n *Node) SubmitCommand(payload []byte, timeout time.Duration) *Future[[]byte] {
	future, fulfill, reject := NewFuture[[]byte]()
	fulfill, reject = n.trackClientCall(fulfill, reject)

	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		reject(ErrNotLeader)
		return future
	}
	entry := LogEntry{Term: n.currentTerm, Index: n.getLastLogIndexLocked() + 1, Kind: EntryCommand, Payload: wrapCommand(commandEnvelope{Payload: payload})}
	if err := n.appendLogEntryLocked(entry); err != nil {
		n.mu.Unlock()
		reject(err)
		return future
	}
	index := entry.Index
	n.commitWaiter.Register(index, fulfill, reject, timeout)
	n.mu.Unlock()

	n.replicateToFollowers()
	return future
}

// trackClientCall wraps fulfill/reject to observe RaftCommitLatency on
// success and bump RaftClientErrorsTotal by error kind on rejection, without
// every client-visible operation repeating the same bookkeeping.
func (n *Node) trackClientCall(fulfill func([]byte), reject func(error)) (func([]byte), func(error)) {
	timer := metrics.NewTimer()
	wrappedFulfill := func(v []byte) {
		timer.ObserveDuration(metrics.RaftCommitLatency)
		fulfill(v)
	}
	wrappedReject := func(err error) {
		metrics.RaftClientErrorsTotal.WithLabelValues(clientErrorKind(err)).Inc()
		reject(err)
	}
	return wrappedFulfill, wrappedReject
}

// clientErrorKind labels a client-visible rejection for RaftClientErrorsTotal.
func clientErrorKind(err error) string {
	switch err.(type) {
	case *LeadershipLostError:
		return "leadership_lost"
	case *CommitTimeoutError:
		return "commit_timeout"
	case *ConfigurationChangeError:
		return "configuration_change"
	}
	if errors.Is(err, ErrPersistence) {
		return "persistence"
	}
	switch err {
	case ErrNotLeader:
		return "not_leader"
	case ErrShuttingDown:
		return "shutting_down"
	case ErrPersistence:
		return "persistence"
	default:
		return "other"
	}
}

// commandEnvelope wraps every Command entry's payload so the apply path can
// uniformly detect a session-tagged command without guessing at the shape
// of application payloads. HasSession is false for plain SubmitCommand
// calls, in which case ClientID/Serial are meaningless.
type commandEnvelope struct {
	HasSession bool   `json:"has_session,omitempty"`
	ClientID   uint64 `json:"client_id,omitempty"`
	Serial     uint64 `json:"serial,omitempty"`
	Payload    []byte `json:"payload"`
}

func wrapCommand(env commandEnvelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		return nil
	}
	return data
}

// SubmitCommandWithSession provides at-most-once execution: a retried call
// with a serial already seen for clientID returns the cached response
// immediately instead of appending a duplicate entry.
func (n *Node) SubmitCommandWithSession(clientID, serial uint64, payload []byte, timeout time.Duration) *Future[[]byte] {
	n.mu.Lock()
	if session, ok := n.clientSessions[clientID]; ok && session.LastSerial >= serial {
		resp := session.LastResponse
		n.mu.Unlock()
		return Resolved(resp)
	}
	n.mu.Unlock()

	future, fulfill, reject := NewFuture[[]byte]()
	fulfill, reject = n.trackClientCall(fulfill, reject)

	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		reject(ErrNotLeader)
		return future
	}
	env := commandEnvelope{HasSession: true, ClientID: clientID, Serial: serial, Payload: payload}
	entry := LogEntry{Term: n.currentTerm, Index: n.getLastLogIndexLocked() + 1, Kind: EntryCommand, Payload: wrapCommand(env)}
	if err := n.appendLogEntryLocked(entry); err != nil {
		n.mu.Unlock()
		reject(err)
		return future
	}
	index := entry.Index
	n.commitWaiter.Register(index, fulfill, reject, timeout)
	n.mu.Unlock()

	n.replicateToFollowers()
	return future
}

// ReadState is the linearizable read path: on a single-node cluster it
// returns the state machine's current read result immediately; otherwise it
// confirms leadership by broadcasting a heartbeat round and waiting for
// majority acknowledgment before reading, so a partitioned ex-leader cannot
// serve a stale read.
func (n *Node) ReadState(ctx context.Context, timeout time.Duration) *Future[[]byte] {
	future, fulfill, reject0 := NewFuture[[]byte]()
	reject := func(err error) {
		metrics.RaftClientErrorsTotal.WithLabelValues(clientErrorKind(err)).Inc()
		reject0(err)
	}

	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		reject(ErrNotLeader)
		return future
	}
	term := n.currentTerm
	readIndex := n.commitIndex
	peers := n.peers()
	n.mu.Unlock()

	if len(peers) == 0 {
		result, err := n.sm.GetState()
		if err != nil {
			reject(err)
		} else {
			fulfill(result)
		}
		return future
	}

	go func() {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		acked := map[NodeID]struct{}{n.id: {}}
		respCh := make(chan struct {
			peer NodeID
			resp *AppendEntriesResponse
		}, len(peers))

		req := &AppendEntriesRequest{Term: term, LeaderID: n.id, LeaderCommit: readIndex}
		for _, peer := range peers {
			peer := peer
			go func() {
				f := n.client.SendAppendEntries(reqCtx, peer, req)
				resp, err := f.Wait(reqCtx)
				if err != nil {
					resp = nil
				}
				respCh <- struct {
					peer NodeID
					resp *AppendEntriesResponse
				}{peer, resp}
			}()
		}

		n.mu.Lock()
		config := n.configuration
		n.mu.Unlock()

		for range peers {
			select {
			case r := <-respCh:
				if r.resp == nil {
					continue
				}
				if n.maybeStepDown(r.resp.Term) {
					reject(&LeadershipLostError{OldTerm: term, NewTerm: r.resp.Term})
					return
				}
				acked[r.peer] = struct{}{}
				if config.HasQuorum(acked) {
					n.mu.Lock()
					stillLeader := n.role == Leader && n.currentTerm == term
					n.mu.Unlock()
					if stillLeader {
						result, err := n.sm.GetState()
						if err != nil {
							reject(err)
						} else {
							fulfill(result)
						}
						return
					}
				}
			case <-reqCtx.Done():
				reject(reqCtx.Err())
				return
			}
		}
		reject(&CommitTimeoutError{Index: readIndex, Duration: timeout})
	}()

	return future
}

// AddServer initiates a joint-consensus membership change adding node. It
// is leader-only and rejects while another reconfiguration is in progress
// or node is already a member.
func (n *Node) AddServer(node NodeID) (*Future[struct{}], error) {
	return n.reconfigure(node, true)
}

// RemoveServer initiates a joint-consensus membership change removing node.
// If the leader removes itself, it steps down only once C_new commits (see
// maybeStepDownIfRemoved, invoked from the apply path).
func (n *Node) RemoveServer(node NodeID) (*Future[struct{}], error) {
	return n.reconfigure(node, false)
}

func (n *Node) reconfigure(node NodeID, adding bool) (*Future[struct{}], error) {
	n.mu.Lock()
	if n.role != Leader {
		n.mu.Unlock()
		return nil, ErrNotLeader
	}
	current := n.configuration.Clone()
	n.mu.Unlock()

	target := current.Clone()
	if adding {
		if target.Contains(node) {
			return nil, ErrDuplicateServer
		}
		target.Nodes[node] = struct{}{}
	} else {
		if !target.Contains(node) {
			return nil, ErrUnknownServer
		}
		delete(target.Nodes, node)
	}

	return n.configSync.Start(current, target, n.config.ConfigChangeTimeout, n.appendConfigurationEntry)
}
