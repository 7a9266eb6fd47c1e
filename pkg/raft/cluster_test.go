package raft

import (
	"context"
	"sync"
	"time"
)

// fakeServer is an in-process Server: it stores the handlers a Node
// registers and exposes them to fakeClient directly, skipping any wire
// encoding. Grounded on the register/dispatch shape pkg/raft.Server
// describes; Serve simply blocks until ctx is cancelled since there is no
// accept loop to run.
type fakeServer struct {
	mu sync.Mutex
	rv func(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)
	ae func(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	is func(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

func (s *fakeServer) RegisterRequestVoteHandler(h func(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rv = h
}

func (s *fakeServer) RegisterAppendEntriesHandler(h func(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ae = h
}

func (s *fakeServer) RegisterInstallSnapshotHandler(h func(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.is = h
}

func (s *fakeServer) Serve(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *fakeServer) Close() error { return nil }

// fakeNetwork wires a fixed set of fakeServers together and lets tests cut
// individual nodes off from the rest, simulating network partitions.
type fakeNetwork struct {
	mu          sync.Mutex
	servers     map[NodeID]*fakeServer
	partitioned map[NodeID]bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{servers: make(map[NodeID]*fakeServer), partitioned: make(map[NodeID]bool)}
}

func (n *fakeNetwork) register(id NodeID, s *fakeServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.servers[id] = s
}

// partition marks id as unreachable in both directions; restore clears it.
func (n *fakeNetwork) partition(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitioned[id] = true
}

func (n *fakeNetwork) restore(id NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitioned, id)
}

func (n *fakeNetwork) blocked(a, b NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.partitioned[a] || n.partitioned[b]
}

func (n *fakeNetwork) serverFor(id NodeID) (*fakeServer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.servers[id]
	return s, ok
}

// fakeClient is the outbound half, bound to a single node's identity.
type fakeClient struct {
	self NodeID
	net  *fakeNetwork
}

func (c *fakeClient) SendRequestVote(ctx context.Context, peer NodeID, req *RequestVoteRequest) *Future[*RequestVoteResponse] {
	future, fulfill, reject := NewFuture[*RequestVoteResponse]()
	go func() {
		srv, ok := c.net.serverFor(peer)
		if !ok || c.net.blocked(c.self, peer) {
			reject(&NetworkError{Kind: NetworkUnreachable})
			return
		}
		srv.mu.Lock()
		h := srv.rv
		srv.mu.Unlock()
		if h == nil {
			reject(&NetworkError{Kind: NetworkUnreachable})
			return
		}
		resp, err := h(ctx, req)
		if err != nil {
			reject(&NetworkError{Kind: ProtocolFailure, Err: err})
			return
		}
		fulfill(resp)
	}()
	return future
}

func (c *fakeClient) SendAppendEntries(ctx context.Context, peer NodeID, req *AppendEntriesRequest) *Future[*AppendEntriesResponse] {
	future, fulfill, reject := NewFuture[*AppendEntriesResponse]()
	go func() {
		srv, ok := c.net.serverFor(peer)
		if !ok || c.net.blocked(c.self, peer) {
			reject(&NetworkError{Kind: NetworkUnreachable})
			return
		}
		srv.mu.Lock()
		h := srv.ae
		srv.mu.Unlock()
		if h == nil {
			reject(&NetworkError{Kind: NetworkUnreachable})
			return
		}
		resp, err := h(ctx, req)
		if err != nil {
			reject(&NetworkError{Kind: ProtocolFailure, Err: err})
			return
		}
		fulfill(resp)
	}()
	return future
}

func (c *fakeClient) SendInstallSnapshot(ctx context.Context, peer NodeID, req *InstallSnapshotRequest) *Future[*InstallSnapshotResponse] {
	future, fulfill, reject := NewFuture[*InstallSnapshotResponse]()
	go func() {
		srv, ok := c.net.serverFor(peer)
		if !ok || c.net.blocked(c.self, peer) {
			reject(&NetworkError{Kind: NetworkUnreachable})
			return
		}
		srv.mu.Lock()
		h := srv.is
		srv.mu.Unlock()
		if h == nil {
			reject(&NetworkError{Kind: NetworkUnreachable})
			return
		}
		resp, err := h(ctx, req)
		if err != nil {
			reject(&NetworkError{Kind: ProtocolFailure, Err: err})
			return
		}
		fulfill(resp)
	}()
	return future
}

// echoStateMachine applies a command by storing it as the current value and
// returning it; reads (nil payload) return the stored value unchanged. This
// is enough to observe replication/commit behavior without depending on
// pkg/statemachine.
type echoStateMachine struct {
	mu    sync.Mutex
	value []byte
}

func (m *echoStateMachine) Apply(command []byte, index LogIndex) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if command != nil {
		m.value = command
	}
	return m.value, nil
}

func (m *echoStateMachine) GetState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

func (m *echoStateMachine) RestoreFromSnapshot(state []byte, lastIncludedIndex LogIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = state
	return nil
}

// testConfig returns a Config tuned for fast, deterministic-enough unit
// tests: short timeouts so elections and heartbeats resolve in well under a
// second of wall-clock time.
func testConfig() Config {
	return Config{
		ElectionTimeoutMin:     40 * time.Millisecond,
		ElectionTimeoutMax:     80 * time.Millisecond,
		HeartbeatInterval:      10 * time.Millisecond,
		RPCTimeout:             50 * time.Millisecond,
		MaxEntriesPerAppend:    64,
		SnapshotThresholdBytes: 1 << 30,
		SnapshotChunkSize:      1 << 20,
	}
}

// testCluster bundles a set of Nodes sharing one fakeNetwork, along with
// their state machines for assertions.
type testCluster struct {
	net   *fakeNetwork
	nodes map[NodeID]*Node
	sms   map[NodeID]*echoStateMachine
}

func newTestCluster(ids ...NodeID) *testCluster {
	net := newFakeNetwork()
	cfg := NewClusterConfiguration(ids...)
	tc := &testCluster{net: net, nodes: make(map[NodeID]*Node), sms: make(map[NodeID]*echoStateMachine)}
	for _, id := range ids {
		server := &fakeServer{}
		net.register(id, server)
		sm := &echoStateMachine{}
		node := NewNode(id, cfg, &fakeClient{self: id, net: net}, server, NewMemoryStore(), sm, testConfig())
		tc.nodes[id] = node
		tc.sms[id] = sm
	}
	return tc
}

func (tc *testCluster) start(ctx context.Context) {
	for _, n := range tc.nodes {
		_ = n.Start(ctx)
	}
}

func (tc *testCluster) stop() {
	for _, n := range tc.nodes {
		n.Stop()
	}
}

func (tc *testCluster) leader() *Node {
	for _, n := range tc.nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}
