package raft

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is the default in-memory Store implementation, used by tests
// and by pkg/simulator-backed scenarios where durability across process
// restarts is not exercised.
type MemoryStore struct {
	mu       sync.Mutex
	term     Term
	votedFor *NodeID
	entries  map[LogIndex]LogEntry
	snapshot *Snapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[LogIndex]LogEntry)}
}

func (s *MemoryStore) SaveCurrentTerm(term Term) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term = term
	return nil
}

func (s *MemoryStore) LoadCurrentTerm() (Term, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term, nil
}

func (s *MemoryStore) SaveVotedFor(candidate *NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if candidate == nil {
		s.votedFor = nil
		return nil
	}
	v := *candidate
	s.votedFor = &v
	return nil
}

func (s *MemoryStore) LoadVotedFor() (*NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.votedFor == nil {
		return nil, nil
	}
	v := *s.votedFor
	return &v, nil
}

func (s *MemoryStore) AppendLogEntry(entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Index] = entry
	return nil
}

func (s *MemoryStore) GetLogEntry(index LogIndex) (LogEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[index]
	return e, ok, nil
}

func (s *MemoryStore) GetLogEntries(lo, hi LogIndex) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hi < lo {
		return nil, fmt.Errorf("raft: invalid log range [%d, %d]", lo, hi)
	}
	out := make([]LogEntry, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		if e, ok := s.entries[i]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *MemoryStore) GetLastLogIndex() (LogIndex, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last LogIndex
	for idx := range s.entries {
		if idx > last {
			last = idx
		}
	}
	if last == 0 && s.snapshot != nil {
		return s.snapshot.LastIncludedIndex, nil
	}
	return last, nil
}

func (s *MemoryStore) TruncateLog(fromIndex LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.entries {
		if idx >= fromIndex {
			delete(s.entries, idx)
		}
	}
	return nil
}

func (s *MemoryStore) DeleteLogEntriesBefore(index LogIndex) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for idx := range s.entries {
		if idx < index {
			delete(s.entries, idx)
		}
	}
	return nil
}

func (s *MemoryStore) SaveSnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := snap
	cp.Configuration = snap.Configuration.Clone()
	s.snapshot = &cp
	return nil
}

func (s *MemoryStore) LoadSnapshot() (*Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, false, nil
	}
	cp := *s.snapshot
	cp.Configuration = s.snapshot.Configuration.Clone()
	return &cp, true, nil
}
