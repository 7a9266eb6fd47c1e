package grpctransport

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kythira/raft/pkg/log"
	"github.com/kythira/raft/pkg/raft"
)

// Registry maps Raft node IDs to the dial target (host:port) their gRPC
// transport listens on, mirroring pkg/simtransport.Registry so a Node can be
// built against either transport with the same wiring shape.
type Registry struct {
	mu    sync.Mutex
	addrs map[raft.NodeID]string
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{addrs: make(map[raft.NodeID]string)}
}

// Bind records that id's gRPC server listens at addr.
func (r *Registry) Bind(id raft.NodeID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[id] = addr
}

// Lookup returns the dial target registered for id.
func (r *Registry) Lookup(id raft.NodeID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addr, ok := r.addrs[id]
	return addr, ok
}

// Client is a raft.Client backed by google.golang.org/grpc: one Client
// serves every peer a Node talks to, dialing (and caching) one
// grpc.ClientConn per peer on first use.
type Client struct {
	registry *Registry
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[raft.NodeID]*grpc.ClientConn
}

// NewClient builds a Client that resolves peers through registry. dialOpts
// apply to every connection it dials (TLS credentials, keepalive policy,
// and so on).
func NewClient(registry *Registry, dialOpts ...grpc.DialOption) *Client {
	return &Client{
		registry: registry,
		dialOpts: dialOpts,
		conns:    make(map[raft.NodeID]*grpc.ClientConn),
	}
}

func (c *Client) connFor(ctx context.Context, peer raft.NodeID) (*grpc.ClientConn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[peer]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	addr, ok := c.registry.Lookup(peer)
	if !ok {
		return nil, fmt.Errorf("grpctransport: no address registered for peer %q", peer)
	}
	conn, err := grpc.DialContext(ctx, addr, c.dialOpts...)
	if err != nil {
		log.WithPeer(string(peer)).Error().Err(err).Str("addr", addr).Msg("dial failed")
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.conns[peer]; ok {
		conn.Close()
		return existing, nil
	}
	c.conns[peer] = conn
	return conn, nil
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for peer, conn := range c.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.conns, peer)
	}
	return firstErr
}

func invoke[Resp any](ctx context.Context, c *Client, peer raft.NodeID, method string, req any) *raft.Future[*Resp] {
	future, fulfill, reject := raft.NewFuture[*Resp]()
	go func() {
		conn, err := c.connFor(ctx, peer)
		if err != nil {
			reject(&raft.NetworkError{Kind: raft.NetworkUnreachable, Err: err})
			return
		}
		resp := new(Resp)
		if err := conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName)); err != nil {
			classified := classifyGRPCError(err)
			log.WithPeer(string(peer)).Debug().Err(err).Str("method", method).Str("kind", classified.Kind.String()).Msg("rpc failed")
			reject(classified)
			return
		}
		fulfill(resp)
	}()
	return future
}

func (c *Client) SendRequestVote(ctx context.Context, peer raft.NodeID, req *raft.RequestVoteRequest) *raft.Future[*raft.RequestVoteResponse] {
	return invoke[raft.RequestVoteResponse](ctx, c, peer, methodRequestVote, req)
}

func (c *Client) SendAppendEntries(ctx context.Context, peer raft.NodeID, req *raft.AppendEntriesRequest) *raft.Future[*raft.AppendEntriesResponse] {
	return invoke[raft.AppendEntriesResponse](ctx, c, peer, methodAppendEntries, req)
}

func (c *Client) SendInstallSnapshot(ctx context.Context, peer raft.NodeID, req *raft.InstallSnapshotRequest) *raft.Future[*raft.InstallSnapshotResponse] {
	return invoke[raft.InstallSnapshotResponse](ctx, c, peer, methodInstallSnapshot, req)
}

// classifyGRPCError maps a gRPC status error onto the NetworkErrorKind
// taxonomy the retry/error-handling layer in pkg/raft understands.
func classifyGRPCError(err error) *raft.NetworkError {
	st, ok := status.FromError(err)
	if !ok {
		return &raft.NetworkError{Kind: raft.UnknownFailure, Err: err}
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return &raft.NetworkError{Kind: raft.NetworkTimeout, Err: err}
	case codes.Unavailable:
		return &raft.NetworkError{Kind: raft.NetworkUnreachable, Err: err}
	case codes.Canceled:
		return &raft.NetworkError{Kind: raft.NetworkTimeout, Err: err}
	case codes.Unimplemented, codes.NotFound:
		return &raft.NetworkError{Kind: raft.ConnectionRefused, Err: err}
	case codes.InvalidArgument, codes.Internal:
		return &raft.NetworkError{Kind: raft.SerializationFailure, Err: err}
	default:
		return &raft.NetworkError{Kind: raft.UnknownFailure, Err: err}
	}
}

var _ raft.Client = (*Client)(nil)
