package simtransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kythira/raft/pkg/raft"
	"github.com/kythira/raft/pkg/simulator"
)

// Server is a raft.Server backed by a simulator.Listener: it accepts one
// connection per inbound RPC, reads the envelope, dispatches by its Kind
// field to the matching registered handler, and writes back the encoded
// response.
type Server struct {
	listener *simulator.Listener
	codec    raft.Codec

	mu sync.Mutex
	rv func(context.Context, *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	ae func(context.Context, *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	is func(context.Context, *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

// NewServer wraps listener, an already-bound simulator.Listener for this
// node's endpoint.
func NewServer(listener *simulator.Listener, codec raft.Codec) *Server {
	return &Server{listener: listener, codec: codec}
}

func (s *Server) RegisterRequestVoteHandler(h func(context.Context, *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rv = h
}

func (s *Server) RegisterAppendEntriesHandler(h func(context.Context, *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ae = h
}

func (s *Server) RegisterInstallSnapshotHandler(h func(context.Context, *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.is = h
}

// Serve accepts connections until ctx is cancelled or the listener closes,
// handling each RPC on its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn *simulator.Connection) {
	defer conn.Close()

	data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	kind, payload, err := raft.DecodeEnvelope(s.codec, data)
	if err != nil {
		return
	}

	resp, err := s.dispatch(ctx, kind, payload)
	if err != nil {
		return
	}
	frame, err := raft.EncodeEnvelope(s.codec, kind, resp)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, frame)
}

func (s *Server) dispatch(ctx context.Context, kind raft.RPCKind, payload json.RawMessage) (any, error) {
	s.mu.Lock()
	rv, ae, is := s.rv, s.ae, s.is
	s.mu.Unlock()

	switch kind {
	case raft.RPCRequestVote:
		if rv == nil {
			return nil, fmt.Errorf("%w: no RequestVote handler registered", raft.ErrProtocol)
		}
		var req raft.RequestVoteRequest
		if err := s.codec.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", raft.ErrSerialization, err)
		}
		return rv(ctx, &req)
	case raft.RPCAppendEntries:
		if ae == nil {
			return nil, fmt.Errorf("%w: no AppendEntries handler registered", raft.ErrProtocol)
		}
		var req raft.AppendEntriesRequest
		if err := s.codec.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", raft.ErrSerialization, err)
		}
		return ae(ctx, &req)
	case raft.RPCInstallSnapshot:
		if is == nil {
			return nil, fmt.Errorf("%w: no InstallSnapshot handler registered", raft.ErrProtocol)
		}
		var req raft.InstallSnapshotRequest
		if err := s.codec.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", raft.ErrSerialization, err)
		}
		return is(ctx, &req)
	default:
		return nil, fmt.Errorf("%w: unknown rpc kind %q", raft.ErrProtocol, kind)
	}
}

// Close closes the underlying listener, which wakes any pending Accept.
func (s *Server) Close() error {
	return s.listener.Close()
}

var _ raft.Server = (*Server)(nil)
