package raft

import (
	"sync"
	"time"
)

// pendingOperation tracks one client call waiting on a log index to commit
// and apply. Grounded on the register/trigger map-of-channels shape in
// etcd's pkg/wait.List, generalized to typed fulfill/reject callbacks and an
// explicit timeout so a periodic sweep (not another goroutine per waiter)
// can expire them.
type pendingOperation struct {
	index       LogIndex
	fulfill     func([]byte)
	reject      func(error)
	submittedAt time.Time
	timeout     time.Duration // zero means no timeout
}

func (p *pendingOperation) timedOut(now time.Time) bool {
	if p.timeout <= 0 {
		return false
	}
	return now.Sub(p.submittedAt) > p.timeout
}

// commitWaiter bridges "entry committed and applied" events to client
// futures. An operation is fulfilled or rejected exactly once.
type commitWaiter struct {
	mu      sync.Mutex
	pending map[LogIndex][]*pendingOperation
}

func newCommitWaiter() *commitWaiter {
	return &commitWaiter{pending: make(map[LogIndex][]*pendingOperation)}
}

// Register records a pending operation at index. Multiple registrations per
// index are permitted (e.g. a session's cached-response short-circuit does
// not use this path, but ordinary resubmission races do).
func (w *commitWaiter) Register(index LogIndex, fulfill func([]byte), reject func(error), timeout time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[index] = append(w.pending[index], &pendingOperation{
		index:       index,
		fulfill:     fulfill,
		reject:      reject,
		submittedAt: time.Now(),
		timeout:     timeout,
	})
}

// NotifyCommittedAndApplied fulfills every pending operation whose index is
// <= commitIndex, using resultFor to obtain that index's application
// result. resultFor may be called once per pending index with a
// registration (not once per registration) to avoid redundant state-machine
// lookups; callers should make resultFor cheap (typically a map lookup of
// already-applied results).
func (w *commitWaiter) NotifyCommittedAndApplied(commitIndex LogIndex, resultFor func(LogIndex) ([]byte, error)) {
	w.mu.Lock()
	var toFulfill []*pendingOperation
	var results = make(map[LogIndex][]byte)
	var errs = make(map[LogIndex]error)
	for idx, ops := range w.pending {
		if idx > commitIndex {
			continue
		}
		if _, ok := results[idx]; !ok {
			if _, ok := errs[idx]; !ok {
				v, err := resultFor(idx)
				if err != nil {
					errs[idx] = err
				} else {
					results[idx] = v
				}
			}
		}
		toFulfill = append(toFulfill, ops...)
		delete(w.pending, idx)
	}
	w.mu.Unlock()

	for _, op := range toFulfill {
		if err, ok := errs[op.index]; ok {
			op.reject(err)
			continue
		}
		op.fulfill(results[op.index])
	}
}

// CancelTimedOut rejects every pending operation whose timeout has elapsed
// with CommitTimeoutError. Must be invoked periodically by the owning node
// (the same tick that drives the election timer).
func (w *commitWaiter) CancelTimedOut() {
	now := time.Now()
	w.mu.Lock()
	var toReject []*pendingOperation
	for idx, ops := range w.pending {
		var keep []*pendingOperation
		for _, op := range ops {
			if op.timedOut(now) {
				toReject = append(toReject, op)
			} else {
				keep = append(keep, op)
			}
		}
		if len(keep) == 0 {
			delete(w.pending, idx)
		} else {
			w.pending[idx] = keep
		}
	}
	w.mu.Unlock()

	for _, op := range toReject {
		op.reject(&CommitTimeoutError{Index: op.index, Duration: op.timeout})
	}
}

// CancelAll rejects every pending operation with err and clears the
// registry. Used on shutdown.
func (w *commitWaiter) CancelAll(err error) {
	w.mu.Lock()
	var all []*pendingOperation
	for idx, ops := range w.pending {
		all = append(all, ops...)
		delete(w.pending, idx)
	}
	w.mu.Unlock()

	for _, op := range all {
		op.reject(err)
	}
}

// CancelLeadershipLost rejects every pending operation with
// LeadershipLostError{oldTerm, newTerm} and clears the registry.
func (w *commitWaiter) CancelLeadershipLost(oldTerm, newTerm Term) {
	w.CancelAll(&LeadershipLostError{OldTerm: oldTerm, NewTerm: newTerm})
}

// CancelAfter rejects every pending operation with entry index > index,
// used when the log is truncated by an AppendEntries conflict or a
// snapshot install invalidates entries the caller was waiting on.
func (w *commitWaiter) CancelAfter(index LogIndex, reason error) {
	w.mu.Lock()
	var toReject []*pendingOperation
	for idx, ops := range w.pending {
		if idx > index {
			toReject = append(toReject, ops...)
			delete(w.pending, idx)
		}
	}
	w.mu.Unlock()

	for _, op := range toReject {
		op.reject(reason)
	}
}
