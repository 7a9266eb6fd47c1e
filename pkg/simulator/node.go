package simulator

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/kythira/raft/pkg/raft"
)

// Node is the handle an address uses to talk to the simulator: send/receive
// datagrams, bind a listener, or connect out. It reuses raft.Future as the
// shared future/executor primitive between the consensus engine and the
// simulator.
type Node struct {
	addr Address
	sim  *Simulator

	mu        sync.Mutex
	usedPorts map[Port]bool
	rng       *rand.Rand
}

func newNode(addr Address, sim *Simulator, rng *rand.Rand) *Node {
	return &Node{addr: addr, sim: sim, usedPorts: make(map[Port]bool), rng: rng}
}

// Address returns this node's identity in the topology.
func (n *Node) Address() Address { return n.addr }

// Send routes msg from this node and resolves true iff it was delivered.
func (n *Node) Send(msg Message) *raft.Future[bool] {
	msg.Source.Addr = n.addr
	return n.sim.routeMessage(msg)
}

// SendWithTimeout behaves like Send but rejects with ErrTimeout if delivery
// has not resolved within d.
func (n *Node) SendWithTimeout(msg Message, d time.Duration) *raft.Future[bool] {
	return n.Send(msg).Within(d).MapErr(func(err error) error {
		if err == context.DeadlineExceeded {
			return ErrTimeout
		}
		return err
	})
}

// Receive pulls the next datagram from this node's inbox, blocking until
// one is queued or ctx is done.
func (n *Node) Receive(ctx context.Context) (Message, error) {
	return n.sim.receive(ctx, n.addr)
}

// allocateEphemeralPort finds an unused port in the ephemeral range for
// this node.
func (n *Node) allocateEphemeralPort() Port {
	n.mu.Lock()
	defer n.mu.Unlock()
	span := int(ephemeralPortHigh-ephemeralPortLow) + 1
	for {
		port := ephemeralPortLow + Port(n.rng.Intn(span))
		if !n.usedPorts[port] && !n.sim.listenerExists(n.addr, port) {
			n.usedPorts[port] = true
			return port
		}
	}
}

func (n *Node) releasePort(port Port) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.usedPorts, port)
}

// Bind creates a listener on port, or an ephemeral port if port is 0.
func (n *Node) Bind(port Port) (*Listener, error) {
	if port == 0 {
		port = n.allocateEphemeralPort()
	}
	return n.sim.createListener(n.addr, port)
}

// Connect establishes a connection to (dstAddr, dstPort), optionally from a
// specific local port (0 picks an ephemeral one).
func (n *Node) Connect(ctx context.Context, dstAddr Address, dstPort, srcPort Port) (*Connection, error) {
	if srcPort == 0 {
		srcPort = n.allocateEphemeralPort()
	}
	future := n.sim.establishConnection(n.addr, srcPort, dstAddr, dstPort)
	conn, err := future.Wait(ctx)
	if err != nil {
		n.releasePort(srcPort)
		return nil, err
	}
	return conn, nil
}
