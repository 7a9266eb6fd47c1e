// Package simtransport adapts pkg/simulator's connection primitives into
// the raft.Client/raft.Server transport contract: the default transport for
// Raft tests. Each RPC is one short-lived simulator Connection carrying a
// single request/response pair, wrapped in raft.Envelope so the server
// dispatch loop can pick the right handler without probing each
// deserializer in order.
package simtransport

import (
	"context"

	"github.com/kythira/raft/pkg/raft"
	"github.com/kythira/raft/pkg/simulator"
)

// Registry maps Raft node IDs to the simulator endpoint their transport
// listens on. Client resolves every peer through it; a Server is handed its
// already-bound listener directly, so the caller binds each node ID here to
// that listener's endpoint and no separate discovery mechanism is needed.
type Registry struct {
	endpoints map[raft.NodeID]simulator.Endpoint
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[raft.NodeID]simulator.Endpoint)}
}

// Bind records that id listens at endpoint.
func (r *Registry) Bind(id raft.NodeID, endpoint simulator.Endpoint) {
	r.endpoints[id] = endpoint
}

// Lookup returns the endpoint registered for id.
func (r *Registry) Lookup(id raft.NodeID) (simulator.Endpoint, bool) {
	ep, ok := r.endpoints[id]
	return ep, ok
}

func classifyDialError(err error) *raft.NetworkError {
	switch err {
	case simulator.ErrNoRoute, simulator.ErrNodeNotFound:
		return &raft.NetworkError{Kind: raft.NetworkUnreachable, Err: err}
	case simulator.ErrConnectionRefused:
		return &raft.NetworkError{Kind: raft.ConnectionRefused, Err: err}
	case context.DeadlineExceeded:
		return &raft.NetworkError{Kind: raft.NetworkTimeout, Err: err}
	default:
		return &raft.NetworkError{Kind: raft.UnknownFailure, Err: err}
	}
}
