package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kythira/raft/pkg/raft"
	"github.com/kythira/raft/pkg/simtransport"
	"github.com/kythira/raft/pkg/simulator"
	"github.com/kythira/raft/pkg/statemachine"
)

// singleNodeCluster builds a one-voter Raft cluster over pkg/simtransport so
// Collector has a real *raft.Node to poll without depending on any internal
// pkg/raft test helper.
func singleNodeCluster(t *testing.T) *raft.Node {
	t.Helper()
	sim := simulator.New(simulator.Config{Seed: 1})
	sim.AddNode("solo")
	sim.Start()
	t.Cleanup(sim.Stop)

	simNode := sim.CreateNode("solo")
	listener, err := simNode.Bind(9500)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	registry := simtransport.NewRegistry()
	registry.Bind("solo", simulator.Endpoint{Addr: "solo", Port: 9500})
	codec := raft.NewJSONCodec()
	client := simtransport.NewClient(simNode, registry, codec)
	server := simtransport.NewServer(listener, codec)

	cfg := raft.DefaultConfig()
	node := raft.NewNode("solo", raft.NewClusterConfiguration("solo"), client, server, raft.NewMemoryStore(), statemachine.NewCounter(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, node.Start(ctx))
	t.Cleanup(node.Stop)

	return node
}

func TestCollectorPollsNodeState(t *testing.T) {
	node := singleNodeCluster(t)

	require.Eventually(t, node.IsLeader, 2*time.Second, 10*time.Millisecond, "solo voter must self-elect")

	c := NewCollector(node)
	c.collect()

	assert.Equal(t, float64(1), testutil.ToFloat64(RaftIsLeader))
	assert.Equal(t, float64(1), testutil.ToFloat64(RaftPeersTotal))
}
