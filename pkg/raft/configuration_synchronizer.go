package raft

import (
	"sync"
	"time"

	"github.com/kythira/raft/pkg/metrics"
)

// syncPhase is the Configuration Synchronizer's state machine position.
type syncPhase int

const (
	phaseNone syncPhase = iota
	phaseJointPending
	phaseFinalPending
)

func (p syncPhase) String() string {
	switch p {
	case phaseNone:
		return "none"
	case phaseJointPending:
		return "joint_pending"
	case phaseFinalPending:
		return "final_pending"
	default:
		return "unknown"
	}
}

// configSynchronizer drives the two-phase joint-consensus reconfiguration:
// append C_old,new, wait for its commit, append C_new, wait for its commit,
// then fulfill the caller.
type configSynchronizer struct {
	mu     sync.Mutex
	phase  syncPhase
	target ClusterConfiguration
	// jointIndex/finalIndex record which log index carries each
	// Configuration entry, so the node's commit-advancement path knows
	// which phase transition to drive when that index applies.
	jointIndex LogIndex
	finalIndex LogIndex
	future     *Future[struct{}]
	fulfill    func(struct{})
	reject     func(error)
	// deadline is when the change gives up waiting for its entries to
	// commit. Start sets it once; it covers the joint and the final phase
	// together and is not reset between them. Zero means no timeout.
	deadline time.Time
}

func newConfigSynchronizer() *configSynchronizer {
	return &configSynchronizer{phase: phaseNone}
}

// Start begins a reconfiguration. appendJoint is called with the C_old,new
// configuration to append and replicate; it returns the index the entry
// landed at. Start fails with ErrConfigurationChangeInProgress if a change
// is already underway. timeout bounds how long the whole change (both
// phases together) may sit pending before CancelTimedOut gives up on it;
// zero means no timeout.
func (s *configSynchronizer) Start(current, target ClusterConfiguration, timeout time.Duration, appendJoint func(ClusterConfiguration) (LogIndex, error)) (*Future[struct{}], error) {
	s.mu.Lock()
	if s.phase != phaseNone {
		s.mu.Unlock()
		return nil, ErrConfigurationChangeInProgress
	}
	joint := ClusterConfiguration{
		Nodes: cloneNodeSet(target.Nodes),
		Joint: &JointConfiguration{OldNodes: cloneNodeSet(current.Nodes)},
	}
	future, fulfill, reject := NewFuture[struct{}]()
	s.target = target
	s.future = future
	s.fulfill = fulfill
	s.reject = reject
	s.mu.Unlock()

	index, err := appendJoint(joint)
	if err != nil {
		s.mu.Lock()
		s.phase = phaseNone
		s.mu.Unlock()
		reject(err)
		return future, err
	}

	s.mu.Lock()
	s.phase = phaseJointPending
	s.jointIndex = index
	if timeout > 0 {
		s.deadline = time.Now().Add(timeout)
	} else {
		s.deadline = time.Time{}
	}
	s.mu.Unlock()
	metrics.RaftConfigurationChangeActive.Set(1)
	return future, nil
}

// Phase returns the synchronizer's current phase.
func (s *configSynchronizer) Phase() syncPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Active reports whether a reconfiguration is in progress; while true every
// Raft quorum check must use both the old and new majorities.
func (s *configSynchronizer) Active() bool {
	return s.Phase() != phaseNone
}

// NotifyConfigurationCommitted is called by the node's apply loop whenever
// a Configuration-kind entry commits. appendFinal is called with the C_new
// configuration once the joint entry commits; it returns the new entry's
// index.
func (s *configSynchronizer) NotifyConfigurationCommitted(index LogIndex, appendFinal func(ClusterConfiguration) (LogIndex, error)) {
	s.mu.Lock()
	switch {
	case s.phase == phaseJointPending && index == s.jointIndex:
		target := s.target
		s.mu.Unlock()

		newIndex, err := appendFinal(NewClusterConfigurationFromSet(target.Nodes))
		s.mu.Lock()
		if err != nil {
			s.phase = phaseNone
			reject := s.reject
			s.mu.Unlock()
			metrics.RaftConfigurationChangeActive.Set(0)
			reject(err)
			return
		}
		s.phase = phaseFinalPending
		s.finalIndex = newIndex
		s.mu.Unlock()

	case s.phase == phaseFinalPending && index == s.finalIndex:
		s.phase = phaseNone
		fulfill := s.fulfill
		s.mu.Unlock()
		metrics.RaftConfigurationChangeActive.Set(0)
		fulfill(struct{}{})

	default:
		s.mu.Unlock()
	}
}

// Cancel aborts an in-progress reconfiguration with the given reason and
// resets to phaseNone.
func (s *configSynchronizer) Cancel(reason string) {
	s.mu.Lock()
	if s.phase == phaseNone {
		s.mu.Unlock()
		return
	}
	phase := s.phase
	reject := s.reject
	s.phase = phaseNone
	s.deadline = time.Time{}
	s.mu.Unlock()
	metrics.RaftConfigurationChangeActive.Set(0)
	if reject != nil {
		reject(&ConfigurationChangeError{Phase: phase.String(), Reason: reason})
	}
}

// CancelTimedOut aborts the in-progress reconfiguration, if any, whose
// deadline has passed. Must be invoked periodically by the owning node's
// tick loop, the same way commitWaiter.CancelTimedOut is driven.
func (s *configSynchronizer) CancelTimedOut() {
	s.mu.Lock()
	if s.phase == phaseNone || s.deadline.IsZero() || time.Now().Before(s.deadline) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Cancel("configuration change timed out")
}

func cloneNodeSet(set map[NodeID]struct{}) map[NodeID]struct{} {
	out := make(map[NodeID]struct{}, len(set))
	for n := range set {
		out[n] = struct{}{}
	}
	return out
}

// NewClusterConfigurationFromSet builds a simple (non-joint) configuration
// from an existing node set, cloning it so the caller and the returned
// configuration don't alias the same map.
func NewClusterConfigurationFromSet(nodes map[NodeID]struct{}) ClusterConfiguration {
	return ClusterConfiguration{Nodes: cloneNodeSet(nodes)}
}
