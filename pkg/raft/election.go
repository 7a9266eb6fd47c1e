package raft

import (
	"context"
	"time"

	"github.com/kythira/raft/pkg/metrics"
)

// resampleElectionTimeout picks a new randomized election deadline from
// [ElectionTimeoutMin, ElectionTimeoutMax). Must be called with mu held.
func (n *Node) resampleElectionTimeout() {
	span := n.config.ElectionTimeoutMax - n.config.ElectionTimeoutMin
	jitter := time.Duration(n.rng.Int63n(int64(span)))
	n.electionDeadline = time.Now().Add(n.config.ElectionTimeoutMin + jitter)
}

// checkElectionTimeout is invoked by the tick loop. A leader's timer is
// irrelevant: only the heartbeat timer governs leaders, matching the
// "election timeout while leader -> remain leader" boundary behavior.
func (n *Node) checkElectionTimeout() {
	n.mu.Lock()
	if n.role == Leader {
		n.mu.Unlock()
		return
	}
	if time.Now().Before(n.electionDeadline) {
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.startElection()
}

// startElection transitions to Candidate, votes for self, persists, and
// broadcasts RequestVote to every peer, becoming Leader on reaching quorum.
func (n *Node) startElection() {
	n.mu.Lock()
	n.setCurrentTerm(n.currentTerm + 1)
	self := n.id
	n.votedFor = &self
	n.setRole(Candidate)
	n.resampleElectionTimeout()
	term := n.currentTerm
	lastIndex := n.getLastLogIndexLocked()
	lastTerm := n.getLastLogTermLocked()
	config := n.configuration
	peers := n.peers()
	n.mu.Unlock()

	if err := n.store.SaveCurrentTerm(term); err != nil {
		n.logger.Error().Err(err).Msg("persist term before election failed")
		return
	}
	if err := n.store.SaveVotedFor(&self); err != nil {
		n.logger.Error().Err(err).Msg("persist vote for self failed")
		return
	}

	metrics.RaftElectionsTotal.Inc()
	n.logger.Info().Uint64("term", uint64(term)).Msg("starting election")

	granted := map[NodeID]struct{}{self: {}}
	votesCh := make(chan struct {
		peer NodeID
		resp *RequestVoteResponse
	}, len(peers))

	req := &RequestVoteRequest{Term: term, CandidateID: self, LastLogIndex: lastIndex, LastLogTerm: lastTerm}
	for _, peer := range peers {
		peer := peer
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), n.config.RPCTimeout)
			defer cancel()
			future := n.client.SendRequestVote(ctx, peer, req)
			resp, err := future.Wait(ctx)
			if err != nil {
				votesCh <- struct {
					peer NodeID
					resp *RequestVoteResponse
				}{peer, nil}
				return
			}
			votesCh <- struct {
				peer NodeID
				resp *RequestVoteResponse
			}{peer, resp}
		}()
	}

	for range peers {
		vote := <-votesCh
		if vote.resp == nil {
			continue
		}
		if n.maybeStepDown(vote.resp.Term) {
			return
		}
		if vote.resp.VoteGranted {
			granted[vote.peer] = struct{}{}
		}
		n.mu.Lock()
		stillCandidate := n.role == Candidate && n.currentTerm == term
		wonQuorum := config.HasQuorum(granted)
		n.mu.Unlock()
		if stillCandidate && wonQuorum {
			n.becomeLeader(term)
			return
		}
	}
}

// maybeStepDown adopts responseTerm if it exceeds the node's current term,
// stepping down to Follower and clearing voted_for. Returns true if a
// step-down occurred.
func (n *Node) maybeStepDown(responseTerm Term) bool {
	n.mu.Lock()
	if responseTerm <= n.currentTerm {
		n.mu.Unlock()
		return false
	}
	oldTerm := n.currentTerm
	wasLeader := n.role == Leader
	n.setCurrentTerm(responseTerm)
	n.votedFor = nil
	n.setRole(Follower)
	n.resampleElectionTimeout()
	n.mu.Unlock()

	if err := n.store.SaveCurrentTerm(responseTerm); err != nil {
		n.logger.Error().Err(err).Msg("persist term on step-down failed")
	}
	if err := n.store.SaveVotedFor(nil); err != nil {
		n.logger.Error().Err(err).Msg("persist cleared vote on step-down failed")
	}
	if wasLeader {
		n.commitWaiter.CancelLeadershipLost(oldTerm, responseTerm)
		n.configSync.Cancel("stepped down")
	}
	n.logger.Info().Uint64("old_term", uint64(oldTerm)).Uint64("new_term", uint64(responseTerm)).Msg("stepped down: higher term observed")
	return true
}

// becomeLeader transitions this node to Leader for term, the term it
// started its election in. Initializes nextIndex/matchIndex, appends a
// NoOp entry, and kicks off an immediate heartbeat round.
func (n *Node) becomeLeader(term Term) {
	n.mu.Lock()
	if n.role != Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.setRole(Leader)
	n.leaderID = n.id
	lastIndex := n.getLastLogIndexLocked()
	n.nextIndex = make(map[NodeID]LogIndex)
	n.matchIndex = make(map[NodeID]LogIndex)
	for _, peer := range n.peers() {
		n.nextIndex[peer] = lastIndex + 1
		n.matchIndex[peer] = 0
	}
	noop := LogEntry{Term: term, Index: lastIndex + 1, Kind: EntryNoOp}
	err := n.appendLogEntryLocked(noop)
	n.heartbeatDeadline = time.Time{} // force immediate heartbeat
	n.mu.Unlock()

	if err != nil {
		n.logger.Error().Err(err).Msg("failed to append NoOp on leader transition")
		return
	}
	n.logger.Info().Uint64("term", uint64(term)).Msg("became leader")
	n.replicateToFollowers()
}

// RequestVote handles an inbound vote solicitation per the vote-granting
// rule: reject stale terms, adopt newer ones, grant at most one
// vote per term to whichever candidate's log is at least as up to date.
func (n *Node) RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	upToDate := req.LastLogTerm > n.lastLogTerm ||
		(req.LastLogTerm == n.lastLogTerm && req.LastLogIndex >= n.lastLogIndex)
	canVote := n.votedFor == nil || *n.votedFor == req.CandidateID

	if !canVote || !upToDate {
		return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}

	n.votedFor = &req.CandidateID
	n.resampleElectionTimeout()
	if err := n.store.SaveVotedFor(&req.CandidateID); err != nil {
		n.logger.Error().Err(err).Msg("persist vote grant failed")
		return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}, nil
	}
	return &RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
}

// stepDownLocked is the in-lock variant of maybeStepDown used by RPC
// handlers that already hold mu and must persist the term change before
// responding to the same request.
func (n *Node) stepDownLocked(newTerm Term) {
	oldTerm := n.currentTerm
	wasLeader := n.role == Leader
	n.setCurrentTerm(newTerm)
	n.votedFor = nil
	n.setRole(Follower)
	if err := n.store.SaveCurrentTerm(newTerm); err != nil {
		n.logger.Error().Err(err).Msg("persist term on step-down failed")
	}
	if err := n.store.SaveVotedFor(nil); err != nil {
		n.logger.Error().Err(err).Msg("persist cleared vote on step-down failed")
	}
	if wasLeader {
		n.commitWaiter.CancelLeadershipLost(oldTerm, newTerm)
		n.configSync.Cancel("stepped down")
	}
}
