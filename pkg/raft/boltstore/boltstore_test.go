package boltstore

import (
	"testing"

	"github.com/kythira/raft/pkg/raft"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadCurrentTerm(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveCurrentTerm(7))
	term, err := s.LoadCurrentTerm()
	require.NoError(t, err)
	require.Equal(t, raft.Term(7), term)
}

func TestSaveLoadVotedFor(t *testing.T) {
	s := openTestStore(t)
	id := raft.NodeID("A")
	require.NoError(t, s.SaveVotedFor(&id))
	got, err := s.LoadVotedFor()
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, id, *got)

	require.NoError(t, s.SaveVotedFor(nil))
	got, err = s.LoadVotedFor()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestAppendGetAndTruncateLog(t *testing.T) {
	s := openTestStore(t)
	for i := raft.LogIndex(1); i <= 5; i++ {
		require.NoError(t, s.AppendLogEntry(raft.LogEntry{Term: 1, Index: i, Kind: raft.EntryCommand, Payload: []byte("x")}))
	}
	last, err := s.GetLastLogIndex()
	require.NoError(t, err)
	require.Equal(t, raft.LogIndex(5), last)

	entries, err := s.GetLogEntries(2, 4)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, raft.LogIndex(2), entries[0].Index)
	require.Equal(t, raft.LogIndex(4), entries[2].Index)

	require.NoError(t, s.TruncateLog(3))
	last, err = s.GetLastLogIndex()
	require.NoError(t, err)
	require.Equal(t, raft.LogIndex(2), last)

	_, ok, err := s.GetLogEntry(3)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteLogEntriesBefore(t *testing.T) {
	s := openTestStore(t)
	for i := raft.LogIndex(1); i <= 5; i++ {
		require.NoError(t, s.AppendLogEntry(raft.LogEntry{Term: 1, Index: i, Kind: raft.EntryCommand}))
	}
	require.NoError(t, s.DeleteLogEntriesBefore(4))
	_, ok, err := s.GetLogEntry(3)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.GetLogEntry(4)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSaveLoadSnapshot(t *testing.T) {
	s := openTestStore(t)
	snap := raft.Snapshot{
		LastIncludedIndex: 10, LastIncludedTerm: 2,
		Configuration:     raft.NewClusterConfiguration("A", "B", "C"),
		StateMachineState: []byte("state"),
	}
	require.NoError(t, s.SaveSnapshot(snap))
	got, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap.LastIncludedIndex, got.LastIncludedIndex)
	require.Equal(t, snap.StateMachineState, got.StateMachineState)
}
