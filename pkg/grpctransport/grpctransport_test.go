package grpctransport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kythira/raft/pkg/raft"
)

type harness struct {
	server   *Server
	client   *Client
	registry *Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	server, err := NewServer("127.0.0.1:0")
	require.NoError(t, err)

	registry := NewRegistry()
	registry.Bind("node-b", server.Addr())
	client := NewClient(registry, grpc.WithTransportCredentials(insecure.NewCredentials()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		client.Close()
	})

	return &harness{server: server, client: client, registry: registry}
}

func TestGRPCSendRequestVoteRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.server.RegisterRequestVoteHandler(func(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
		return &raft.RequestVoteResponse{Term: req.Term, VoteGranted: true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := h.client.SendRequestVote(ctx, "node-b", &raft.RequestVoteRequest{
		Term:        9,
		CandidateID: "node-a",
	}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, raft.Term(9), resp.Term)
	assert.True(t, resp.VoteGranted)
}

func TestGRPCSendAppendEntriesRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.server.RegisterAppendEntriesHandler(func(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
		return &raft.AppendEntriesResponse{Term: req.Term, Success: true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := h.client.SendAppendEntries(ctx, "node-b", &raft.AppendEntriesRequest{
		Term:     2,
		LeaderID: "node-a",
	}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, raft.Term(2), resp.Term)
	assert.True(t, resp.Success)
}

func TestGRPCSendInstallSnapshotRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.server.RegisterInstallSnapshotHandler(func(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
		return &raft.InstallSnapshotResponse{Term: req.Term}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := h.client.SendInstallSnapshot(ctx, "node-b", &raft.InstallSnapshotRequest{
		Term:     4,
		LeaderID: "node-a",
		Done:     true,
	}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, raft.Term(4), resp.Term)
}

func TestGRPCSendToUnregisteredPeerFails(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.client.SendRequestVote(ctx, "node-ghost", &raft.RequestVoteRequest{Term: 1}).Wait(ctx)
	require.Error(t, err)
	var netErr *raft.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, raft.NetworkUnreachable, netErr.Kind)
}

func TestGRPCSendWithNoHandlerFails(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := h.client.SendRequestVote(ctx, "node-b", &raft.RequestVoteRequest{Term: 1}).Wait(ctx)
	require.Error(t, err)
}
