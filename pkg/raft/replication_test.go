package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newStandaloneNode builds a Node that is never Start()ed, so its tick
// loop never runs; tests drive its locked helpers directly under n.mu.
func newStandaloneNode(id NodeID) *Node {
	server := &fakeServer{}
	return NewNode(id, NewClusterConfiguration(id), &fakeClient{self: id, net: newFakeNetwork()}, server, NewMemoryStore(), &echoStateMachine{}, testConfig())
}

func appendTestEntry(t *testing.T, n *Node, index LogIndex, term Term) {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NoError(t, n.appendLogEntryLocked(LogEntry{Term: term, Index: index, Kind: EntryCommand}))
}

func termPtr(t Term) *Term { return &t }

func TestBacktrackNextIndexLockedResumesAfterLastEntryOfConflictTerm(t *testing.T) {
	n := newStandaloneNode("A")
	appendTestEntry(t, n, 1, 1)
	appendTestEntry(t, n, 2, 1)
	appendTestEntry(t, n, 3, 2)
	appendTestEntry(t, n, 4, 2)
	appendTestEntry(t, n, 5, 3)

	resp := &AppendEntriesResponse{ConflictIndex: 3, ConflictTerm: termPtr(2)}

	n.mu.Lock()
	next := n.backtrackNextIndexLocked(resp)
	n.mu.Unlock()

	assert.Equal(t, LogIndex(5), next, "should resume just after the leader's last entry of the conflict term")
}

func TestBacktrackNextIndexLockedFallsBackWhenConflictTermAbsent(t *testing.T) {
	n := newStandaloneNode("A")
	appendTestEntry(t, n, 1, 1)
	appendTestEntry(t, n, 2, 3)

	resp := &AppendEntriesResponse{ConflictIndex: 2, ConflictTerm: termPtr(2)}

	n.mu.Lock()
	next := n.backtrackNextIndexLocked(resp)
	n.mu.Unlock()

	assert.Equal(t, LogIndex(2), next, "leader's log never held the conflict term, so the follower's hint wins")
}

func TestBacktrackNextIndexLockedNilConflictTermUsesConflictIndex(t *testing.T) {
	n := newStandaloneNode("A")
	resp := &AppendEntriesResponse{ConflictIndex: 7}

	n.mu.Lock()
	next := n.backtrackNextIndexLocked(resp)
	n.mu.Unlock()

	assert.Equal(t, LogIndex(7), next)
}

func TestConflictResponseLockedLogShorterThanPrevIndex(t *testing.T) {
	n := newStandaloneNode("A")
	req := &AppendEntriesRequest{PrevLogIndex: 5}

	n.mu.Lock()
	resp := n.conflictResponseLocked(req)
	n.mu.Unlock()

	assert.False(t, resp.Success)
	assert.Equal(t, LogIndex(1), resp.ConflictIndex)
	assert.Nil(t, resp.ConflictTerm)
}

func TestConflictResponseLockedReturnsFirstIndexOfConflictTerm(t *testing.T) {
	n := newStandaloneNode("A")
	appendTestEntry(t, n, 1, 1)
	appendTestEntry(t, n, 2, 2)
	appendTestEntry(t, n, 3, 2)
	appendTestEntry(t, n, 4, 2)
	appendTestEntry(t, n, 5, 3)

	req := &AppendEntriesRequest{PrevLogIndex: 4}

	n.mu.Lock()
	resp := n.conflictResponseLocked(req)
	n.mu.Unlock()

	require.NotNil(t, resp.ConflictTerm)
	assert.Equal(t, Term(2), *resp.ConflictTerm)
	assert.Equal(t, LogIndex(2), resp.ConflictIndex)
}

func TestAppendEntriesTruncatesConflictingSuffix(t *testing.T) {
	n := newStandaloneNode("A")
	appendTestEntry(t, n, 1, 1)
	appendTestEntry(t, n, 2, 1)
	appendTestEntry(t, n, 3, 1) // will be overwritten by a higher-term entry from a new leader

	req := &AppendEntriesRequest{
		Term: 2, LeaderID: "B",
		PrevLogIndex: 2, PrevLogTerm: 1,
		Entries: []LogEntry{{Term: 2, Index: 3, Kind: EntryCommand, Payload: []byte("new")}},
	}

	resp, err := n.AppendEntries(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	n.mu.Lock()
	entry, ok := n.getLogEntryLocked(3)
	n.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, Term(2), entry.Term)
	assert.Equal(t, []byte("new"), entry.Payload)
}

func TestAppendEntriesRejectsOnPrevLogMismatch(t *testing.T) {
	n := newStandaloneNode("A")
	appendTestEntry(t, n, 1, 1)

	req := &AppendEntriesRequest{Term: 1, LeaderID: "B", PrevLogIndex: 1, PrevLogTerm: 2}

	resp, err := n.AppendEntries(t.Context(), req)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.NotNil(t, resp.ConflictTerm)
}

// TestReplicateToRetriesOnTransientFailureWithoutAnotherHeartbeat drives
// replicateTo directly against a never-Started leader (no tick loop, so no
// heartbeat can retrigger replication) to confirm the retry wiring itself —
// not a subsequent heartbeat — is what recovers once a transient partition
// heals.
func TestReplicateToRetriesOnTransientFailureWithoutAnotherHeartbeat(t *testing.T) {
	tc := newTestCluster("A", "B")
	leader := tc.nodes["A"]

	leader.mu.Lock()
	leader.setCurrentTerm(1)
	leader.setRole(Leader)
	leader.leaderID = "A"
	require.NoError(t, leader.appendLogEntryLocked(LogEntry{Term: 1, Index: 1, Kind: EntryCommand, Payload: []byte("x")}))
	leader.nextIndex = map[NodeID]LogIndex{"B": 1}
	leader.matchIndex = map[NodeID]LogIndex{"B": 0}
	leader.mu.Unlock()

	tc.net.partition("B")
	time.AfterFunc(15*time.Millisecond, func() { tc.net.restore("B") })

	leader.replicateTo("B", 0)

	require.Eventually(t, func() bool {
		leader.mu.Lock()
		defer leader.mu.Unlock()
		return leader.matchIndex["B"] == 1
	}, 2*time.Second, 5*time.Millisecond, "the error handler's own retry schedule must catch the follower up")
}
