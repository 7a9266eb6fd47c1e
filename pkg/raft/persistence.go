package raft

// Store is the durable-persistence contract consumed by a Node. Every
// mutating call must be durable before it returns; Raft correctness depends
// on current_term, voted_for, and the log surviving a crash between a
// mutation and the RPC response it gates.
//
// Store is an external collaborator — this
// package ships only the interface and an in-memory default for tests; see
// pkg/raft/boltstore for a durable implementation.
type Store interface {
	SaveCurrentTerm(term Term) error
	LoadCurrentTerm() (Term, error)

	SaveVotedFor(candidate *NodeID) error
	LoadVotedFor() (*NodeID, error)

	AppendLogEntry(entry LogEntry) error
	GetLogEntry(index LogIndex) (LogEntry, bool, error)
	GetLogEntries(lo, hi LogIndex) ([]LogEntry, error)
	GetLastLogIndex() (LogIndex, error)
	TruncateLog(fromIndex LogIndex) error
	DeleteLogEntriesBefore(index LogIndex) error

	SaveSnapshot(snap Snapshot) error
	LoadSnapshot() (*Snapshot, bool, error)
}
