package simulator

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/kythira/raft/pkg/raft"
)

// ErrConnectionFailed is returned when a connection attempt's reliability
// sample fails after a route and listener were both found.
var ErrConnectionFailed = &DroppedError{Reason: "reliability sample failed during connect"}

// Simulator is the deterministic network: a topology, a single delivery
// scheduler, and the node/connection/listener state that routing mutates.
// The topology has its own reader-writer lock (reads during routing,
// writes during topology edits); everything else here shares one mutex
// since it's all coarser-grained simulator-wide state.
type Simulator struct {
	cfg     Config
	topo    *topology
	sched   *scheduler
	started atomic.Bool
	running atomic.Bool

	rngMu sync.Mutex
	rng   *rand.Rand

	mu           sync.Mutex
	nodeHandles  map[Address]*Node
	inboxes      map[Address][]Message
	inboxWaiters map[Address][]chan struct{}
	connections  map[ConnectionID]*Connection
	listeners    map[Endpoint]*Listener
	nextConnID   uint64
}

// New constructs a Simulator with an empty topology. Call Start before
// routing any messages.
func New(cfg Config) *Simulator {
	return &Simulator{
		cfg:          cfg,
		topo:         newTopology(),
		sched:        newScheduler(),
		rng:          rand.New(rand.NewSource(cfg.Seed)),
		nodeHandles:  make(map[Address]*Node),
		inboxes:      make(map[Address][]Message),
		inboxWaiters: make(map[Address][]chan struct{}),
		connections:  make(map[ConnectionID]*Connection),
		listeners:    make(map[Endpoint]*Listener),
	}
}

// AddNode registers address in the topology without creating a Node
// handle for it.
func (s *Simulator) AddNode(addr Address) { s.topo.addNode(addr) }

// RemoveNode drops address from the topology along with every edge,
// connection, listener, and pending inbox entry that references it.
func (s *Simulator) RemoveNode(addr Address) {
	s.topo.removeNode(addr)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodeHandles, addr)
	delete(s.inboxes, addr)
	delete(s.inboxWaiters, addr)
	for id, conn := range s.connections {
		if conn.local.Addr == addr || conn.remote.Addr == addr {
			delete(s.connections, id)
		}
	}
	for ep := range s.listeners {
		if ep.Addr == addr {
			delete(s.listeners, ep)
		}
	}
}

// AddEdge installs or replaces the directed edge from -> to.
func (s *Simulator) AddEdge(from, to Address, edge NetworkEdge) { s.topo.addEdge(from, to, edge) }

// RemoveEdge deletes the directed edge from -> to, if present.
func (s *Simulator) RemoveEdge(from, to Address) { s.topo.removeEdge(from, to) }

// HasNode, HasEdge, and GetEdge are query helpers for tests.
func (s *Simulator) HasNode(addr Address) bool { return s.topo.hasNode(addr) }
func (s *Simulator) HasEdge(from, to Address) bool {
	return s.topo.hasEdge(from, to)
}
func (s *Simulator) GetEdge(from, to Address) (NetworkEdge, error) {
	edge, ok := s.topo.getEdge(from, to)
	if !ok {
		return NetworkEdge{}, ErrNoRoute
	}
	return edge, nil
}

// CreateNode returns the Node handle for addr, creating both the handle and
// its topology entry if this is the first reference to addr.
func (s *Simulator) CreateNode(addr Address) *Node {
	s.mu.Lock()
	if n, ok := s.nodeHandles[addr]; ok {
		s.mu.Unlock()
		return n
	}
	s.mu.Unlock()

	s.topo.addNode(addr)

	s.rngMu.Lock()
	seed := s.rng.Int63()
	s.rngMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodeHandles[addr]; ok {
		return n
	}
	n := newNode(addr, s, rand.New(rand.NewSource(seed)))
	s.nodeHandles[addr] = n
	return n
}

// Start enables delivery; routing calls made before Start resolve false/
// ErrNotStarted immediately. Start may be called only once per Simulator.
func (s *Simulator) Start() {
	s.started.Store(true)
	if s.running.CompareAndSwap(false, true) {
		go s.sched.run()
	}
}

// Stop disables delivery, drains the scheduler's pending deliveries without
// running them, and closes the dispatch goroutine. A stopped Simulator must
// not be restarted; construct a new one or call Reset first.
func (s *Simulator) Stop() {
	s.started.Store(false)
	if s.running.CompareAndSwap(true, false) {
		s.sched.stop()
	}
}

// Reset clears all topology, node, connection, and listener state and
// rebuilds the scheduler, leaving the Simulator as if newly constructed
// with the same Config.
func (s *Simulator) Reset() {
	s.Stop()
	s.topo = newTopology()
	s.sched = newScheduler()
	s.running.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeHandles = make(map[Address]*Node)
	s.inboxes = make(map[Address][]Message)
	s.inboxWaiters = make(map[Address][]chan struct{})
	s.connections = make(map[ConnectionID]*Connection)
	s.listeners = make(map[Endpoint]*Listener)
}

// sampleReliability draws one Bernoulli trial per hop; all must "pass" for
// the path to deliver.
func (s *Simulator) sampleReliability(hops []NetworkEdge) bool {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	for _, h := range hops {
		if s.rng.Float64() >= h.Reliability {
			return false
		}
	}
	return true
}

// routeMessage runs the BFS/reliability/latency pipeline for a connectionless
// datagram and queues it at the destination's inbox on arrival.
func (s *Simulator) routeMessage(msg Message) *raft.Future[bool] {
	future, fulfill, _ := raft.NewFuture[bool]()
	if !s.started.Load() {
		fulfill(false)
		return future
	}
	hops, ok := s.topo.route(msg.Source.Addr, msg.Destination.Addr)
	if !ok {
		fulfill(false)
		return future
	}
	if !s.sampleReliability(hops) {
		fulfill(false)
		return future
	}
	delay := pathLatency(hops)
	s.sched.schedule(delay, func() {
		s.deliverMessage(msg)
		fulfill(true)
	})
	return future
}

func (s *Simulator) deliverMessage(msg Message) {
	s.mu.Lock()
	dst := msg.Destination.Addr
	s.inboxes[dst] = append(s.inboxes[dst], msg)
	waiters := s.inboxWaiters[dst]
	delete(s.inboxWaiters, dst)
	s.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// receive pulls the oldest queued datagram for addr, blocking until one is
// available or ctx is done.
func (s *Simulator) receive(ctx context.Context, addr Address) (Message, error) {
	for {
		s.mu.Lock()
		queue := s.inboxes[addr]
		if len(queue) > 0 {
			msg := queue[0]
			s.inboxes[addr] = queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		wake := make(chan struct{})
		s.inboxWaiters[addr] = append(s.inboxWaiters[addr], wake)
		s.mu.Unlock()

		select {
		case <-wake:
			continue
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// routeConnectionData routes data from src to the connection currently
// registered at dst (the peer's local endpoint), following the same
// reliability/latency pipeline as a datagram.
func (s *Simulator) routeConnectionData(src, dst Endpoint, peerID ConnectionID, data []byte) *raft.Future[struct{}] {
	future, fulfill, reject := raft.NewFuture[struct{}]()
	if !s.started.Load() {
		reject(ErrNotStarted)
		return future
	}
	hops, ok := s.topo.route(src.Addr, dst.Addr)
	if !ok {
		reject(ErrNoRoute)
		return future
	}
	if !s.sampleReliability(hops) {
		reject(&DroppedError{Source: src.Addr, Destination: dst.Addr, Reason: "reliability sample failed"})
		return future
	}
	delay := pathLatency(hops)
	s.sched.schedule(delay, func() {
		s.mu.Lock()
		conn, ok := s.connections[peerID]
		s.mu.Unlock()
		if !ok {
			reject(ErrConnectionClosed)
			return
		}
		conn.deliver(data)
		fulfill(struct{}{})
	})
	return future
}

// listenerExists reports whether a listener is currently bound at
// (addr, port).
func (s *Simulator) listenerExists(addr Address, port Port) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[Endpoint{Addr: addr, Port: port}]
	return ok
}

// createListener binds a Listener at (addr, port), failing with
// ErrPortInUse if the endpoint is already bound.
func (s *Simulator) createListener(addr Address, port Port) (*Listener, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	if !s.topo.hasNode(addr) {
		return nil, ErrNodeNotFound
	}
	endpoint := Endpoint{Addr: addr, Port: port}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[endpoint]; ok {
		return nil, ErrPortInUse
	}
	l := newListener(endpoint, s)
	s.listeners[endpoint] = l
	return l, nil
}

// forgetConnection drops id from the connection table; called when either
// side closes so a later Write targeting a stale peerID fails fast with
// ErrConnectionClosed instead of silently dropping into a dead object.
func (s *Simulator) forgetConnection(id ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, id)
}

func (s *Simulator) releaseListener(endpoint Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, endpoint)
}

// establishConnection implements the five-step connect sequence: validate
// endpoints and route, sample reliability, wait out the path latency, then
// create the client/server connection pair and queue the server side on the
// destination listener.
func (s *Simulator) establishConnection(srcAddr Address, srcPort Port, dstAddr Address, dstPort Port) *raft.Future[*Connection] {
	future, fulfill, reject := raft.NewFuture[*Connection]()
	if !s.started.Load() {
		reject(ErrNotStarted)
		return future
	}
	if !s.topo.hasNode(srcAddr) || !s.topo.hasNode(dstAddr) {
		reject(ErrNodeNotFound)
		return future
	}
	hops, ok := s.topo.route(srcAddr, dstAddr)
	if !ok {
		reject(ErrNoRoute)
		return future
	}
	dstEndpoint := Endpoint{Addr: dstAddr, Port: dstPort}
	s.mu.Lock()
	listener, hasListener := s.listeners[dstEndpoint]
	s.mu.Unlock()
	if !hasListener || !listener.IsListening() {
		reject(ErrConnectionRefused)
		return future
	}
	if !s.sampleReliability(hops) {
		reject(ErrConnectionFailed)
		return future
	}

	delay := pathLatency(hops)
	s.sched.schedule(delay, func() {
		s.mu.Lock()
		listener, hasListener := s.listeners[dstEndpoint]
		s.mu.Unlock()
		if !hasListener || !listener.IsListening() {
			reject(ErrConnectionRefused)
			return
		}

		localEndpoint := Endpoint{Addr: srcAddr, Port: srcPort}
		clientID := ConnectionID(atomic.AddUint64(&s.nextConnID, 1))
		serverID := ConnectionID(atomic.AddUint64(&s.nextConnID, 1))
		clientConn := newConnection(clientID, serverID, localEndpoint, dstEndpoint, s)
		serverConn := newConnection(serverID, clientID, dstEndpoint, localEndpoint, s)

		s.mu.Lock()
		s.connections[clientID] = clientConn
		s.connections[serverID] = serverConn
		s.mu.Unlock()

		listener.enqueue(serverConn)
		fulfill(clientConn)
	})
	return future
}
