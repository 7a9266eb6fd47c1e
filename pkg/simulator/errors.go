package simulator

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned by any operation attempted before Start or
	// after Stop.
	ErrNotStarted = errors.New("simulator: not started")
	// ErrNoRoute is returned when no path exists from source to
	// destination in the current topology.
	ErrNoRoute = errors.New("simulator: no route to destination")
	// ErrPortInUse is returned by Bind when the requested port is already
	// held by a listener on that address.
	ErrPortInUse = errors.New("simulator: port already in use")
	// ErrConnectionRefused is returned by Connect when no listener is
	// registered (or listening) at the destination endpoint.
	ErrConnectionRefused = errors.New("simulator: connection refused")
	// ErrConnectionClosed is returned by Read/Write on a closed
	// connection.
	ErrConnectionClosed = errors.New("simulator: connection closed")
	// ErrTimeout is returned when a blocking call's timeout elapses before
	// it could complete. The underlying event is not retracted from the
	// scheduler; only the caller stops waiting on it.
	ErrTimeout = errors.New("simulator: timeout")
	// ErrListenerClosed is returned by Accept on a closed listener.
	ErrListenerClosed = errors.New("simulator: listener closed")
	// ErrNodeNotFound is returned by topology operations referencing an
	// address absent from the topology.
	ErrNodeNotFound = errors.New("simulator: node not found")
)

// DroppedError wraps ErrNoRoute-style failures with the hop at which
// delivery failed, for diagnostics.
type DroppedError struct {
	Source      Address
	Destination Address
	Reason      string
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("simulator: message %s -> %s dropped: %s", e.Source, e.Destination, e.Reason)
}
