package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := NewJSONCodec()
	term := Term(7)

	tests := []struct {
		name string
		v    any
	}{
		{"RequestVoteRequest", &RequestVoteRequest{Term: 3, CandidateID: "A", LastLogIndex: 10, LastLogTerm: 2}},
		{"RequestVoteResponse", &RequestVoteResponse{Term: 3, VoteGranted: true}},
		{"AppendEntriesRequest", &AppendEntriesRequest{
			Term: 3, LeaderID: "A", PrevLogIndex: 5, PrevLogTerm: 2,
			Entries: []LogEntry{
				{Term: 2, Index: 6, Kind: EntryCommand, Payload: []byte("x")},
				{Term: 3, Index: 7, Kind: EntryNoOp},
			},
			LeaderCommit: 5,
		}},
		{"AppendEntriesResponse (reject with hint)", &AppendEntriesResponse{
			Term: 4, Success: false, ConflictIndex: 6, ConflictTerm: &term,
		}},
		{"InstallSnapshotRequest", &InstallSnapshotRequest{
			Term: 3, LeaderID: "A", LastIncludedIndex: 100, LastIncludedTerm: 2,
			Offset: 0, Data: []byte{1, 2, 3}, Done: true,
		}},
		{"InstallSnapshotResponse", &InstallSnapshotResponse{Term: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := codec.Marshal(tt.v)
			require.NoError(t, err)

			out := newZeroOf(tt.v)
			require.NoError(t, codec.Unmarshal(data, out))
			assert.Equal(t, tt.v, out)
		})
	}
}

func TestJSONCodecRejectsGarbage(t *testing.T) {
	codec := NewJSONCodec()
	var req RequestVoteRequest
	err := codec.Unmarshal([]byte("not json"), &req)
	require.Error(t, err)
	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, SerializationFailure, ne.Kind)
	assert.False(t, ne.Retryable())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	codec := NewJSONCodec()
	req := &AppendEntriesRequest{Term: 1, LeaderID: "A", LeaderCommit: 0}

	data, err := EncodeEnvelope(codec, RPCAppendEntries, req)
	require.NoError(t, err)

	kind, payload, err := DecodeEnvelope(codec, data)
	require.NoError(t, err)
	assert.Equal(t, RPCAppendEntries, kind)

	var decoded AppendEntriesRequest
	require.NoError(t, codec.Unmarshal(payload, &decoded))
	assert.Equal(t, *req, decoded)
}

// newZeroOf returns a fresh pointer of the same concrete type as v, for use
// as an Unmarshal destination in the table test above.
func newZeroOf(v any) any {
	switch v.(type) {
	case *RequestVoteRequest:
		return &RequestVoteRequest{}
	case *RequestVoteResponse:
		return &RequestVoteResponse{}
	case *AppendEntriesRequest:
		return &AppendEntriesRequest{}
	case *AppendEntriesResponse:
		return &AppendEntriesResponse{}
	case *InstallSnapshotRequest:
		return &InstallSnapshotRequest{}
	case *InstallSnapshotResponse:
		return &InstallSnapshotResponse{}
	default:
		panic("newZeroOf: unhandled type")
	}
}
