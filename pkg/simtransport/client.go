package simtransport

import (
	"context"

	"github.com/kythira/raft/pkg/raft"
	"github.com/kythira/raft/pkg/simulator"
)

// Client is a raft.Client backed by a simulator.Node. Every RPC opens a
// fresh connection to the peer's registered endpoint, writes one envelope,
// reads one reply, and closes — simple, and sufficient for the reliability/
// latency properties the simulator exists to exercise.
type Client struct {
	node     *simulator.Node
	registry *Registry
	codec    raft.Codec
}

// NewClient builds a Client that dials out through node, resolving peer
// addresses via registry and encoding with codec.
func NewClient(node *simulator.Node, registry *Registry, codec raft.Codec) *Client {
	return &Client{node: node, registry: registry, codec: codec}
}

func call[Req, Resp any](ctx context.Context, c *Client, peer raft.NodeID, kind raft.RPCKind, req *Req) *raft.Future[*Resp] {
	future, fulfill, reject := raft.NewFuture[*Resp]()
	go func() {
		endpoint, ok := c.registry.Lookup(peer)
		if !ok {
			reject(&raft.NetworkError{Kind: raft.NetworkUnreachable, Err: simulator.ErrNodeNotFound})
			return
		}
		conn, err := c.node.Connect(ctx, endpoint.Addr, endpoint.Port, 0)
		if err != nil {
			reject(classifyDialError(err))
			return
		}
		defer conn.Close()

		frame, err := raft.EncodeEnvelope(c.codec, kind, req)
		if err != nil {
			reject(err)
			return
		}
		if err := conn.Write(ctx, frame); err != nil {
			reject(classifyDialError(err))
			return
		}

		data, err := conn.Read(ctx)
		if err != nil {
			reject(classifyDialError(err))
			return
		}
		_, payload, err := raft.DecodeEnvelope(c.codec, data)
		if err != nil {
			reject(err)
			return
		}
		var resp Resp
		if err := c.codec.Unmarshal(payload, &resp); err != nil {
			reject(&raft.NetworkError{Kind: raft.SerializationFailure, Err: err})
			return
		}
		fulfill(&resp)
	}()
	return future
}

func (c *Client) SendRequestVote(ctx context.Context, peer raft.NodeID, req *raft.RequestVoteRequest) *raft.Future[*raft.RequestVoteResponse] {
	return call[raft.RequestVoteRequest, raft.RequestVoteResponse](ctx, c, peer, raft.RPCRequestVote, req)
}

func (c *Client) SendAppendEntries(ctx context.Context, peer raft.NodeID, req *raft.AppendEntriesRequest) *raft.Future[*raft.AppendEntriesResponse] {
	return call[raft.AppendEntriesRequest, raft.AppendEntriesResponse](ctx, c, peer, raft.RPCAppendEntries, req)
}

func (c *Client) SendInstallSnapshot(ctx context.Context, peer raft.NodeID, req *raft.InstallSnapshotRequest) *raft.Future[*raft.InstallSnapshotResponse] {
	return call[raft.InstallSnapshotRequest, raft.InstallSnapshotResponse](ctx, c, peer, raft.RPCInstallSnapshot, req)
}

var _ raft.Client = (*Client)(nil)
