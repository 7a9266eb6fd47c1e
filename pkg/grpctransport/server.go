package grpctransport

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/kythira/raft/pkg/raft"
)

// Server is a raft.Server backed by a real google.golang.org/grpc.Server,
// listening on a TCP address and dispatching through the hand-registered
// serviceDesc in service.go.
type Server struct {
	listener net.Listener
	grpc     *grpc.Server

	mu sync.Mutex
	rv func(context.Context, *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	ae func(context.Context, *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	is func(context.Context, *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

// NewServer binds addr immediately (so Addr is available before Serve is
// called; useful when addr ends in ":0" and callers need the resolved
// port) and builds the gRPC server that will run on it. Extra
// grpc.ServerOption values (TLS credentials, interceptors) pass straight
// through to grpc.NewServer.
func NewServer(addr string, opts ...grpc.ServerOption) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{listener: lis}
	s.grpc = grpc.NewServer(opts...)
	s.grpc.RegisterService(&serviceDesc, s)
	return s, nil
}

// Addr returns the resolved listening address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

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

func (s *Server) requestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error) {
	s.mu.Lock()
	rv := s.rv
	s.mu.Unlock()
	if rv == nil {
		return nil, raft.ErrProtocol
	}
	return rv(ctx, req)
}

func (s *Server) appendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error) {
	s.mu.Lock()
	ae := s.ae
	s.mu.Unlock()
	if ae == nil {
		return nil, raft.ErrProtocol
	}
	return ae(ctx, req)
}

func (s *Server) installSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error) {
	s.mu.Lock()
	is := s.is
	s.mu.Unlock()
	if is == nil {
		return nil, raft.ErrProtocol
	}
	return is(ctx, req)
}

// Serve blocks serving RPCs on the listener bound in NewServer until ctx is
// cancelled, at which point it gracefully stops the gRPC server.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(s.listener) }()

	select {
	case <-ctx.Done():
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the gRPC server immediately, dropping in-flight RPCs.
func (s *Server) Close() error {
	s.grpc.Stop()
	return nil
}

var (
	_ raft.Server = (*Server)(nil)
	_ rpcHandler  = (*Server)(nil)
)
