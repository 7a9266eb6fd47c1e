package raft

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kythira/raft/pkg/log"
	"github.com/kythira/raft/pkg/metrics"
	"github.com/rs/zerolog"
)

// Node is one server's Raft state: election, replication, and client entry
// points behind a single mutex per the concurrency model in the package
// documentation. RPC handlers, the periodic tick, and client calls all take
// mu before touching any field below it.
type Node struct {
	id NodeID

	client Client
	server Server
	store  Store
	sm     StateMachine
	config Config
	logger zerolog.Logger

	commitWaiter *commitWaiter
	configSync   *configSynchronizer
	errHandlers  map[NodeID]*ErrorHandler

	mu            sync.Mutex
	currentTerm   Term
	votedFor      *NodeID
	role          Role
	configuration ClusterConfiguration
	leaderID      NodeID

	lastLogIndex LogIndex
	lastLogTerm  Term
	snapshot     *Snapshot

	commitIndex LogIndex
	lastApplied LogIndex

	nextIndex  map[NodeID]LogIndex
	matchIndex map[NodeID]LogIndex

	electionDeadline  time.Time
	heartbeatDeadline time.Time
	rng               *rand.Rand

	clientSessions map[uint64]ClientSession

	// running is read without the lock by IsRunning/Stop; atomics give the
	// "cheap polling" projections the concurrency model calls for.
	running     atomic.Bool
	stopCh      chan struct{}
	tickStopped chan struct{}

	termGauge atomic.Uint64
	isLeader  atomic.Bool
}

// NewNode constructs a Node. cfg is validated; an invalid Config panics the
// way a misconfigured dependency graph would at wiring time, since there is
// no sane runtime fallback for e.g. a heartbeat interval slower than the
// election timeout.
func NewNode(id NodeID, initial ClusterConfiguration, client Client, server Server, store Store, sm StateMachine, cfg Config) *Node {
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("raft: invalid config for node %s: %v", id, err))
	}
	n := &Node{
		id:             id,
		client:         client,
		server:         server,
		store:          store,
		sm:             sm,
		config:         cfg,
		logger:         log.WithNodeID(string(id)),
		commitWaiter:   newCommitWaiter(),
		configSync:     newConfigSynchronizer(),
		errHandlers:    make(map[NodeID]*ErrorHandler),
		role:           Follower,
		configuration:  initial.Clone(),
		nextIndex:      make(map[NodeID]LogIndex),
		matchIndex:     make(map[NodeID]LogIndex),
		clientSessions: make(map[uint64]ClientSession),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	n.registerHandlers()
	return n
}

// Start loads persisted state, begins the periodic tick that drives
// election timeouts, heartbeats, and commit-wait timeouts, and starts the
// transport server. RPC handlers are already registered by NewNode.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if err := n.loadFromStorage(); err != nil {
		n.mu.Unlock()
		return err
	}
	n.resampleElectionTimeout()
	n.mu.Unlock()

	n.running.Store(true)
	n.stopCh = make(chan struct{})
	n.tickStopped = make(chan struct{})
	go n.tickLoop()

	if n.server != nil {
		go func() {
			if err := n.server.Serve(ctx); err != nil {
				n.logger.Error().Err(err).Msg("transport server stopped")
			}
		}()
	}
	n.logger.Info().Msg("node started")
	return nil
}

// Stop closes the transport, cancels every pending commit waiter and
// in-flight configuration change, and halts the tick loop.
func (n *Node) Stop() {
	if !n.running.CompareAndSwap(true, false) {
		return
	}
	close(n.stopCh)
	<-n.tickStopped

	n.commitWaiter.CancelAll(ErrShuttingDown)
	n.configSync.Cancel("node stopping")

	if n.server != nil {
		_ = n.server.Close()
	}
	n.logger.Info().Msg("node stopped")
}

// IsRunning reports whether Start has been called without a matching Stop.
func (n *Node) IsRunning() bool { return n.running.Load() }

// GetNodeID returns this node's identifier.
func (n *Node) GetNodeID() NodeID { return n.id }

// GetCurrentTerm returns the node's current term via the atomic projection,
// safe to call without contending the main lock.
func (n *Node) GetCurrentTerm() Term { return Term(n.termGauge.Load()) }

// IsLeader reports whether this node currently believes itself to be
// leader, via the atomic projection.
func (n *Node) IsLeader() bool { return n.isLeader.Load() }

// GetState returns the node's current role under lock.
func (n *Node) GetState() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// GetCommitIndex and GetLastApplied expose the replication progress
// gauges tests poll on to assert the scenarios in the testable-properties
// section.
func (n *Node) GetCommitIndex() LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

func (n *Node) GetLastApplied() LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}

// GetMatchIndex returns the leader's view of peer's replication progress,
// or 0 if this node is not leader or peer is unknown.
func (n *Node) GetMatchIndex(peer NodeID) LogIndex {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.matchIndex[peer]
}

// GetConfiguration returns a copy of the current cluster configuration.
func (n *Node) GetConfiguration() ClusterConfiguration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.configuration.Clone()
}

func (n *Node) loadFromStorage() error {
	term, err := n.store.LoadCurrentTerm()
	if err != nil {
		return fmt.Errorf("raft: load current term: %w", err)
	}
	n.currentTerm = term
	n.termGauge.Store(uint64(term))

	votedFor, err := n.store.LoadVotedFor()
	if err != nil {
		return fmt.Errorf("raft: load voted_for: %w", err)
	}
	n.votedFor = votedFor

	lastIndex, err := n.store.GetLastLogIndex()
	if err != nil {
		return fmt.Errorf("raft: load last log index: %w", err)
	}
	n.lastLogIndex = lastIndex
	if lastIndex > 0 {
		entry, ok, err := n.store.GetLogEntry(lastIndex)
		if err != nil {
			return fmt.Errorf("raft: load last log entry: %w", err)
		}
		if ok {
			n.lastLogTerm = entry.Term
		}
	}

	snap, ok, err := n.store.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("raft: load snapshot: %w", err)
	}
	if ok {
		n.snapshot = snap
		n.configuration = snap.Configuration.Clone()
		n.commitIndex = snap.LastIncludedIndex
		n.lastApplied = snap.LastIncludedIndex
		if n.lastLogIndex < snap.LastIncludedIndex {
			n.lastLogIndex = snap.LastIncludedIndex
			n.lastLogTerm = snap.LastIncludedTerm
		}
		if err := n.sm.RestoreFromSnapshot(snap.StateMachineState, snap.LastIncludedIndex); err != nil {
			return fmt.Errorf("raft: restore snapshot: %w", err)
		}
	}
	return nil
}

// tickLoop periodically drives election/heartbeat timeouts and commit-wait
// expiry. It is the package's only background goroutine besides the
// transport's accept loop.
func (n *Node) tickLoop() {
	defer close(n.tickStopped)
	interval := n.config.HeartbeatInterval / 2
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.checkElectionTimeout()
			n.checkHeartbeatTimeout()
			n.commitWaiter.CancelTimedOut()
			n.configSync.CancelTimedOut()
		}
	}
}

func (n *Node) setRole(role Role) {
	n.role = role
	n.isLeader.Store(role == Leader)
	if role == Leader {
		metrics.RaftIsLeader.Set(1)
	} else {
		metrics.RaftIsLeader.Set(0)
	}
}

func (n *Node) setCurrentTerm(term Term) {
	n.currentTerm = term
	n.termGauge.Store(uint64(term))
	metrics.RaftCurrentTerm.Set(float64(term))
}

// getLastLogIndex/getLastLogTerm must be called with mu held.
func (n *Node) getLastLogIndexLocked() LogIndex { return n.lastLogIndex }
func (n *Node) getLastLogTermLocked() Term       { return n.lastLogTerm }

// getLogEntryLocked fetches an entry from the durable store; it must be
// called with mu held since the store may not itself be safe for
// concurrent access with a concurrent truncate.
func (n *Node) getLogEntryLocked(index LogIndex) (LogEntry, bool) {
	if n.snapshot != nil && index <= n.snapshot.LastIncludedIndex {
		return LogEntry{}, false
	}
	entry, ok, err := n.store.GetLogEntry(index)
	if err != nil {
		n.logger.Error().Err(err).Uint64("index", uint64(index)).Msg("log read failed")
		return LogEntry{}, false
	}
	return entry, ok
}

// appendLogEntryLocked appends entry to the durable log and updates the
// in-memory last-index/last-term cache. Must be called with mu held.
func (n *Node) appendLogEntryLocked(entry LogEntry) error {
	if err := n.store.AppendLogEntry(entry); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	n.lastLogIndex = entry.Index
	n.lastLogTerm = entry.Term
	metrics.RaftLastLogIndex.Set(float64(entry.Index))
	return nil
}

// truncateLogLocked removes every entry at or after fromIndex and fixes up
// the last-index/last-term cache, then cancels any commit waiter whose
// entry no longer exists.
func (n *Node) truncateLogLocked(fromIndex LogIndex) {
	if err := n.store.TruncateLog(fromIndex); err != nil {
		n.logger.Error().Err(err).Msg("truncate log failed")
		return
	}
	if fromIndex == 0 {
		n.lastLogIndex = 0
		n.lastLogTerm = 0
	} else {
		n.lastLogIndex = fromIndex - 1
		if n.lastLogIndex == 0 {
			n.lastLogTerm = 0
		} else if entry, ok := n.getLogEntryLocked(n.lastLogIndex); ok {
			n.lastLogTerm = entry.Term
		}
	}
	n.commitWaiter.CancelAfter(fromIndex-1, ErrProtocol)
}

// errorHandlerFor returns (creating if needed) the per-peer error handler
// used to classify transport failures and drive the partition heuristic.
func (n *Node) errorHandlerFor(peer NodeID) *ErrorHandler {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.errHandlers[peer]
	if !ok {
		h = NewErrorHandler(DefaultRetryPolicy())
		n.errHandlers[peer] = h
	}
	return h
}

func (n *Node) peers() []NodeID {
	var out []NodeID
	for id := range n.configuration.Nodes {
		if id != n.id {
			out = append(out, id)
		}
	}
	if n.configuration.Joint != nil {
		seen := make(map[NodeID]struct{}, len(out))
		for _, id := range out {
			seen[id] = struct{}{}
		}
		for id := range n.configuration.Joint.OldNodes {
			if id == n.id {
				continue
			}
			if _, ok := seen[id]; !ok {
				out = append(out, id)
				seen[id] = struct{}{}
			}
		}
	}
	return out
}
