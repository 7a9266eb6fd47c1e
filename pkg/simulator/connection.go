package simulator

import (
	"context"
	"sync"
)

// Connection is one side of a connection-oriented byte stream. Reads and
// writes are strictly FIFO within a ConnectionID. The two Connection values
// created by a single Connect/Accept pair are independent objects that
// reference each other only by peerID, through the simulator's connection
// table — closing one side does not close the other, matching a
// half-duplex TCP close.
type Connection struct {
	id     ConnectionID
	peerID ConnectionID
	local  Endpoint
	remote Endpoint
	sim    *Simulator

	mu      sync.Mutex
	open    bool
	inbox   [][]byte
	waiters []chan struct{}
}

func newConnection(id, peerID ConnectionID, local, remote Endpoint, sim *Simulator) *Connection {
	return &Connection{id: id, peerID: peerID, local: local, remote: remote, sim: sim, open: true}
}

// LocalEndpoint and RemoteEndpoint identify this side and the far side of
// the connection.
func (c *Connection) LocalEndpoint() Endpoint  { return c.local }
func (c *Connection) RemoteEndpoint() Endpoint { return c.remote }

// IsOpen reports whether Close has been called on this side.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// deliver appends data to this connection's read buffer in arrival order
// and wakes any pending Read. Called by the simulator when a message
// addressed to this connection's local endpoint arrives.
func (c *Connection) deliver(data []byte) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.inbox = append(c.inbox, data)
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Read returns the next chunk of data written by the peer, in the order it
// was written, blocking until one is available, ctx is done, or this side
// closes.
func (c *Connection) Read(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		if !c.open && len(c.inbox) == 0 {
			c.mu.Unlock()
			return nil, ErrConnectionClosed
		}
		if len(c.inbox) > 0 {
			data := c.inbox[0]
			c.inbox = c.inbox[1:]
			c.mu.Unlock()
			return data, nil
		}
		wake := make(chan struct{})
		c.waiters = append(c.waiters, wake)
		c.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Write routes data to the peer's connection along the simulated path,
// applying the same reliability and latency rules as a datagram send. It
// resolves once the data has actually been appended to the peer's read
// buffer.
func (c *Connection) Write(ctx context.Context, data []byte) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	future := c.sim.routeConnectionData(c.local, c.remote, c.peerID, data)
	_, err := future.Wait(ctx)
	return err
}

// Close marks this side closed and wakes any pending reads with
// ErrConnectionClosed. The peer side is unaffected.
func (c *Connection) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
	c.sim.forgetConnection(c.id)
	return nil
}
