// Package simulator is a deterministic, controllable in-process network:
// a directed weighted topology, a min-heap delivery scheduler, and the
// datagram/connection/listener primitives transports are built on top of.
// It exists so Raft (and anything else) can be tested under reproducible
// latency, reliability, and partition conditions without touching a real
// socket.
package simulator

import (
	"fmt"
	"time"
)

// Address identifies a node in the topology. Addresses are opaque strings;
// callers are free to use hostnames, node IDs, or anything else unique.
type Address string

// Port identifies an endpoint on a node, analogous to a TCP port.
type Port uint16

// Endpoint is an (Address, Port) pair — the destination of a connect or the
// binding of a listener.
type Endpoint struct {
	Addr Address
	Port Port
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// ConnectionID names one side of a connection pair. The client and server
// side of the same logical connection carry distinct IDs but reference each
// other as Peer.
type ConnectionID uint64

// NetworkEdge is a directed link's simulated characteristics.
type NetworkEdge struct {
	// Latency is added to every message or connection write routed across
	// this edge.
	Latency time.Duration
	// Reliability is the probability, in [0, 1], that a hop across this
	// edge succeeds. Sampled independently per message.
	Reliability float64
}

// Message is a connectionless datagram routed between two endpoints.
type Message struct {
	Source      Endpoint
	Destination Endpoint
	Payload     []byte
}

// ephemeralPortLow/High bound the range Node.Bind draws from when no port
// is requested, mirroring the kernel's ephemeral range.
const (
	ephemeralPortLow  Port = 49152
	ephemeralPortHigh Port = 65535
)
