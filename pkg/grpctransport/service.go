package grpctransport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/kythira/raft/pkg/raft"
)

// serviceName is the fully-qualified gRPC service name, chosen the way a
// generated .proto package/service pair would name it even though no .proto
// file exists here.
const serviceName = "kythira.raft.Transport"

var methodRequestVote = "/" + serviceName + "/RequestVote"
var methodAppendEntries = "/" + serviceName + "/AppendEntries"
var methodInstallSnapshot = "/" + serviceName + "/InstallSnapshot"

// rpcHandler is the server-side surface the hand-written ServiceDesc below
// dispatches onto; *Server implements it.
type rpcHandler interface {
	requestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteResponse, error)
	appendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesResponse, error)
	installSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotResponse, error)
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raft.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rpcHandler).requestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRequestVote}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rpcHandler).requestVote(ctx, req.(*raft.RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raft.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rpcHandler).appendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAppendEntries}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rpcHandler).appendEntries(ctx, req.(*raft.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(raft.InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(rpcHandler).installSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodInstallSnapshot}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(rpcHandler).installSnapshot(ctx, req.(*raft.InstallSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-registered equivalent of what protoc-gen-go-grpc
// would emit for a service with three unary RPCs. No .proto file or codegen
// run backs this; the method set is taken directly from raft.Server.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rpcHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/grpctransport/service.go",
}
