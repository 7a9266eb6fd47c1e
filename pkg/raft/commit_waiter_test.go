package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitWaiterFulfillsOnCommit(t *testing.T) {
	w := newCommitWaiter()
	var got []byte
	var gotErr error
	fulfilled := make(chan struct{})
	w.Register(5, func(v []byte) { got = v; close(fulfilled) }, func(err error) { gotErr = err; close(fulfilled) }, 0)

	w.NotifyCommittedAndApplied(5, func(idx LogIndex) ([]byte, error) {
		assert.Equal(t, LogIndex(5), idx)
		return []byte("result"), nil
	})

	<-fulfilled
	assert.Equal(t, []byte("result"), got)
	assert.NoError(t, gotErr)
}

func TestCommitWaiterOnlyFulfillsIndicesUpToCommit(t *testing.T) {
	w := newCommitWaiter()
	var loIndex, hiIndex LogIndex
	loDone := make(chan struct{})
	hiDone := make(chan struct{})
	w.Register(3, func([]byte) { loIndex = 3; close(loDone) }, func(error) { close(loDone) }, 0)
	w.Register(9, func([]byte) { hiIndex = 9; close(hiDone) }, func(error) { close(hiDone) }, 0)

	w.NotifyCommittedAndApplied(5, func(LogIndex) ([]byte, error) { return nil, nil })

	<-loDone
	assert.Equal(t, LogIndex(3), loIndex)
	select {
	case <-hiDone:
		t.Fatal("index 9 must not be fulfilled by a commit at 5")
	default:
	}
}

func TestCommitWaiterCancelTimedOut(t *testing.T) {
	w := newCommitWaiter()
	var rejErr error
	done := make(chan struct{})
	w.Register(1, func([]byte) {}, func(err error) { rejErr = err; close(done) }, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	w.CancelTimedOut()

	<-done
	var timeoutErr *CommitTimeoutError
	require.ErrorAs(t, rejErr, &timeoutErr)
	assert.Equal(t, LogIndex(1), timeoutErr.Index)
}

func TestCommitWaiterCancelLeadershipLost(t *testing.T) {
	w := newCommitWaiter()
	var rejErr error
	done := make(chan struct{})
	w.Register(2, func([]byte) {}, func(err error) { rejErr = err; close(done) }, 0)

	w.CancelLeadershipLost(1, 2)

	<-done
	var lost *LeadershipLostError
	require.ErrorAs(t, rejErr, &lost)
	assert.Equal(t, Term(1), lost.OldTerm)
	assert.Equal(t, Term(2), lost.NewTerm)
}

func TestCommitWaiterCancelAfterTruncation(t *testing.T) {
	w := newCommitWaiter()
	var keptErr, droppedErr error
	keptDone := make(chan struct{})
	droppedDone := make(chan struct{})
	w.Register(3, func([]byte) { close(keptDone) }, func(err error) { keptErr = err; close(keptDone) }, 0)
	w.Register(7, func([]byte) { close(droppedDone) }, func(err error) { droppedErr = err; close(droppedDone) }, 0)

	w.CancelAfter(5, ErrProtocol)

	select {
	case <-keptDone:
		t.Fatal("index <= truncation point must not be cancelled")
	default:
	}

	<-droppedDone
	assert.ErrorIs(t, droppedErr, ErrProtocol)
	assert.NoError(t, keptErr)
}

func TestCommitWaiterExactlyOnceFulfillment(t *testing.T) {
	w := newCommitWaiter()
	calls := 0
	done := make(chan struct{})
	w.Register(1, func([]byte) { calls++; close(done) }, func(error) { calls++ }, 0)

	w.NotifyCommittedAndApplied(1, func(LogIndex) ([]byte, error) { return nil, nil })
	<-done
	// a second notification for the same already-cleared index must be a no-op
	w.NotifyCommittedAndApplied(1, func(LogIndex) ([]byte, error) { return nil, nil })

	assert.Equal(t, 1, calls)
}
