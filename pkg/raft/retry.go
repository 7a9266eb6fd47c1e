package raft

import (
	"math/rand"
	"sync"
	"time"
)

// partitionWindow is how many of the most recent classified errors the
// partition heuristic inspects.
const partitionWindow = 8

// partitionMinSamples is the minimum number of classified errors required
// before the heuristic will fire at all.
const partitionMinSamples = 3

// RetryPolicy controls how an ErrorHandler retries a failed RPC: delay
// grows exponentially from InitialDelay, capped at MaxDelay, with jitter
// applied as a fraction of the computed delay.
type RetryPolicy struct {
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	MaxAttempts       int
}

// DefaultRetryPolicy matches the per-RPC defaults used when dialing peers:
// fast initial retries for transient blips, bounded by a small attempt
// count so a partitioned peer doesn't stall the caller indefinitely.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFactor:      0.2,
		MaxAttempts:       5,
	}
}

// DelayForAttempt returns the delay to wait before the given attempt number
// (0-based: the delay before the *second* try, since the first try has no
// preceding delay). The result includes +/-JitterFactor randomization.
func (p RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.BackoffMultiplier
		if delay > float64(p.MaxDelay) {
			delay = float64(p.MaxDelay)
			break
		}
	}
	if p.JitterFactor > 0 {
		jitter := delay * p.JitterFactor
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// ErrorHandler classifies transport failures and decides whether a caller
// should retry, using the NetworkError / NetworkErrorKind taxonomy in
// errors.go. It also keeps a short
// rolling history of classified errors to drive the partition heuristic.
type ErrorHandler struct {
	policy RetryPolicy

	mu      sync.Mutex
	history []NetworkErrorKind
}

// NewErrorHandler returns an ErrorHandler using policy.
func NewErrorHandler(policy RetryPolicy) *ErrorHandler {
	return &ErrorHandler{policy: policy}
}

// Observe records a classified error in the handler's rolling history,
// feeding the partition heuristic. Call it once per failed RPC attempt.
func (h *ErrorHandler) Observe(kind NetworkErrorKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, kind)
	if len(h.history) > partitionWindow {
		h.history = h.history[len(h.history)-partitionWindow:]
	}
}

// LooksLikePartition reports whether at least 2/3 of the last (at least 3)
// classified errors in the handler's history are network-related
// (NetworkTimeout, NetworkUnreachable, ConnectionRefused, or
// TemporaryFailure), the heuristic this node uses to suspect it is on the
// minority side of a network partition.
func (h *ErrorHandler) LooksLikePartition() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.history) < partitionMinSamples {
		return false
	}
	networkRelated := 0
	for _, kind := range h.history {
		switch kind {
		case NetworkTimeout, NetworkUnreachable, ConnectionRefused, TemporaryFailure:
			networkRelated++
		}
	}
	return networkRelated*3 >= len(h.history)*2
}

// ShouldRetry reports whether attempt (0-based, the attempt that just
// failed with err) should be retried, and if so, how long to wait first.
func (h *ErrorHandler) ShouldRetry(err error, attempt int) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	if attempt+1 >= h.policy.MaxAttempts {
		return false, 0
	}
	if ne, ok := err.(*NetworkError); ok && !ne.Retryable() {
		return false, 0
	}
	return true, h.policy.DelayForAttempt(attempt)
}

// Classify maps a raw transport error into a NetworkError with a
// best-effort kind. Transport implementations that already produce
// *NetworkError should pass it through unchanged; this exists for
// transports (like net/rpc-style callers) that only hand back a generic
// error.
func Classify(err error) *NetworkError {
	if err == nil {
		return nil
	}
	if ne, ok := err.(*NetworkError); ok {
		return ne
	}
	return &NetworkError{Kind: UnknownFailure, Err: err}
}
