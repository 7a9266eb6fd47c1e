package raft

import "context"

// RequestVoteRequest is the candidate's vote solicitation.
type RequestVoteRequest struct {
	Term         Term     `json:"term"`
	CandidateID  NodeID   `json:"candidate_id"`
	LastLogIndex LogIndex `json:"last_log_index"`
	LastLogTerm  Term     `json:"last_log_term"`
}

// RequestVoteResponse is a peer's answer to RequestVote.
type RequestVoteResponse struct {
	Term        Term `json:"term"`
	VoteGranted bool `json:"vote_granted"`
}

// AppendEntriesRequest carries a leader's replication batch, possibly empty
// (a heartbeat).
type AppendEntriesRequest struct {
	Term         Term       `json:"term"`
	LeaderID     NodeID     `json:"leader_id"`
	PrevLogIndex LogIndex   `json:"prev_log_index"`
	PrevLogTerm  Term       `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries"`
	LeaderCommit LogIndex   `json:"leader_commit"`
}

// AppendEntriesResponse is a follower's answer to AppendEntries. ConflictIndex
// and ConflictTerm are populated only when Success is false; ConflictTerm is
// nil when the rejecting log was too short to have a term at PrevLogIndex.
type AppendEntriesResponse struct {
	Term          Term     `json:"term"`
	Success       bool     `json:"success"`
	ConflictIndex LogIndex `json:"conflict_index,omitempty"`
	ConflictTerm  *Term    `json:"conflict_term,omitempty"`
}

// InstallSnapshotRequest carries one chunk of a snapshot transfer.
// Configuration is sent with the final (Done) chunk so the follower can
// adopt the snapshot's membership view along with its state.
type InstallSnapshotRequest struct {
	Term              Term                 `json:"term"`
	LeaderID          NodeID               `json:"leader_id"`
	LastIncludedIndex LogIndex             `json:"last_included_index"`
	LastIncludedTerm  Term                 `json:"last_included_term"`
	Configuration     ClusterConfiguration `json:"configuration"`
	Offset            int64                `json:"offset"`
	Data              []byte               `json:"data"`
	Done              bool                 `json:"done"`
}

// InstallSnapshotResponse acknowledges one chunk.
type InstallSnapshotResponse struct {
	Term Term `json:"term"`
}

// Client is the outbound half of the transport abstraction: one send method
// per RPC kind, each returning a future so callers can apply §5's
// suspension-point and timeout rules uniformly. Implementations (simulator-
// backed or gRPC-backed) must surface dial/serialize failures as
// *NetworkError so the error handler in retry.go can classify them.
type Client interface {
	SendRequestVote(ctx context.Context, peer NodeID, req *RequestVoteRequest) *Future[*RequestVoteResponse]
	SendAppendEntries(ctx context.Context, peer NodeID, req *AppendEntriesRequest) *Future[*AppendEntriesResponse]
	SendInstallSnapshot(ctx context.Context, peer NodeID, req *InstallSnapshotRequest) *Future[*InstallSnapshotResponse]
}

// Server is the inbound half: a Node registers one handler per RPC kind: the
// transport dispatches decoded requests to these handlers and encodes their
// responses. A concrete server (simtransport or grpctransport) owns the
// accept loop and codec probing; this package only depends on the handler
// signatures.
type Server interface {
	RegisterRequestVoteHandler(func(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error))
	RegisterAppendEntriesHandler(func(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error))
	RegisterInstallSnapshotHandler(func(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error))
	Serve(ctx context.Context) error
	Close() error
}

// Codec is a bijective wire-format translator. Raft correctness does not
// depend on the chosen format as long as a serialize/deserialize round trip
// preserves every field; see codec_json.go for the default implementation
// and pkg/grpctransport for the gRPC-native alternative.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}
