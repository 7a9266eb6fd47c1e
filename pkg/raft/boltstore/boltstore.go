// Package boltstore is a durable go.etcd.io/bbolt implementation of
// raft.Store, one bucket per concern: "meta" (the current_term and
// voted_for keys), "log" (one JSON record per entry) and "snapshot".
package boltstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/kythira/raft/pkg/raft"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("meta")
	bucketLog      = []byte("log")
	bucketSnapshot = []byte("snapshot")
)

var (
	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
	keySnapshot    = []byte("snapshot")
)

// Store is a bbolt-backed raft.Store. Every exported method commits its
// transaction before returning, matching the durability-before-response
// contract raft.Store documents.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file raft.db under dataDir and
// ensures all three buckets exist.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "raft.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMeta, bucketLog, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("boltstore: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(index raft.LogIndex) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(index))
	return key
}

func (s *Store) SaveCurrentTerm(term raft.Term) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(term))
		return tx.Bucket(bucketMeta).Put(keyCurrentTerm, buf)
	})
}

func (s *Store) LoadCurrentTerm() (raft.Term, error) {
	var term raft.Term
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyCurrentTerm)
		if data == nil {
			return nil
		}
		term = raft.Term(binary.BigEndian.Uint64(data))
		return nil
	})
	return term, err
}

func (s *Store) SaveVotedFor(candidate *raft.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if candidate == nil {
			return b.Delete(keyVotedFor)
		}
		return b.Put(keyVotedFor, []byte(*candidate))
	})
}

func (s *Store) LoadVotedFor() (*raft.NodeID, error) {
	var votedFor *raft.NodeID
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(keyVotedFor)
		if data == nil {
			return nil
		}
		id := raft.NodeID(append([]byte(nil), data...))
		votedFor = &id
		return nil
	})
	return votedFor, err
}

func (s *Store) AppendLogEntry(entry raft.LogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("boltstore: marshal entry %d: %w", entry.Index, err)
		}
		return tx.Bucket(bucketLog).Put(indexKey(entry.Index), data)
	})
}

func (s *Store) GetLogEntry(index raft.LogIndex) (raft.LogEntry, bool, error) {
	var entry raft.LogEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLog).Get(indexKey(index))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	return entry, found, err
}

func (s *Store) GetLogEntries(lo, hi raft.LogIndex) ([]raft.LogEntry, error) {
	if hi < lo {
		return nil, fmt.Errorf("boltstore: invalid log range [%d, %d]", lo, hi)
	}
	var out []raft.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		for k, v := c.Seek(indexKey(lo)); k != nil; k, v = c.Next() {
			idx := raft.LogIndex(binary.BigEndian.Uint64(k))
			if idx > hi {
				break
			}
			var entry raft.LogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}

func (s *Store) GetLastLogIndex() (raft.LogIndex, error) {
	var last raft.LogIndex
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLog).Cursor()
		k, _ := c.Last()
		if k == nil {
			data := tx.Bucket(bucketSnapshot).Get(keySnapshot)
			if data != nil {
				var snap raft.Snapshot
				if err := json.Unmarshal(data, &snap); err != nil {
					return err
				}
				last = snap.LastIncludedIndex
			}
			return nil
		}
		last = raft.LogIndex(binary.BigEndian.Uint64(k))
		return nil
	})
	return last, err
}

func (s *Store) TruncateLog(fromIndex raft.LogIndex) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(indexKey(fromIndex)); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteLogEntriesBefore(index raft.LogIndex) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLog)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			idx := raft.LogIndex(binary.BigEndian.Uint64(k))
			if idx >= index {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SaveSnapshot(snap raft.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("boltstore: marshal snapshot: %w", err)
		}
		return tx.Bucket(bucketSnapshot).Put(keySnapshot, data)
	})
}

func (s *Store) LoadSnapshot() (*raft.Snapshot, bool, error) {
	var snap raft.Snapshot
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshot).Get(keySnapshot)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if !found {
		return nil, false, err
	}
	return &snap, true, err
}

var _ raft.Store = (*Store)(nil)
