package metrics

import (
	"time"

	"github.com/kythira/raft/pkg/raft"
)

// Collector periodically re-asserts the gauges pkg/raft otherwise updates
// only on state transitions (leadership change, term bump, configuration
// change). Those push updates are the source of truth; Collector exists as
// a reconciliation loop so a gauge that missed an update (a restart, a
// dropped metric scrape) is never more than one tick stale.
type Collector struct {
	node   *raft.Node
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector polling node.
func NewCollector(node *raft.Node) *Collector {
	return &Collector{
		node:   node,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling node on a fixed interval until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.node.IsLeader() {
		RaftIsLeader.Set(1)
	} else {
		RaftIsLeader.Set(0)
	}
	RaftCurrentTerm.Set(float64(c.node.GetCurrentTerm()))
	RaftCommitIndex.Set(float64(c.node.GetCommitIndex()))
	RaftAppliedIndex.Set(float64(c.node.GetLastApplied()))
	RaftPeersTotal.Set(float64(len(c.node.GetConfiguration().Nodes)))
}
