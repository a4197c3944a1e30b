package metrics

import (
	"time"

	"github.com/cuemby/ctld/pkg/agent"
	"github.com/cuemby/ctld/pkg/lock"
	"github.com/cuemby/ctld/pkg/state"
	"github.com/cuemby/ctld/pkg/types"
)

// Collector periodically samples the state store and agent queue into the
// gauges declared in metrics.go: a ticker-driven sampling loop that reads
// the store under a read-only lock vector.
type Collector struct {
	lm     *lock.Manager
	s      *state.Store
	queue  *agent.Queue
	stopCh chan struct{}
}

// NewCollector returns a collector bound to the controller's lock manager,
// state store and agent retry queue.
func NewCollector(lm *lock.Manager, s *state.Store, queue *agent.Queue) *Collector {
	return &Collector{lm: lm, s: s, queue: queue, stopCh: make(chan struct{})}
}

// Start begins the 15-second sampling loop in a background goroutine.
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

// Stop halts the sampling loop.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectClusterMetrics()
	c.collectLockMetrics()
	if c.queue != nil {
		AgentQueueDepth.Set(float64(c.queue.Len()))
	}
}

func (c *Collector) collectLockMetrics() {
	snap := c.lm.Snapshot()
	for _, e := range []lock.Entity{lock.Config, lock.Jobs, lock.Nodes, lock.Partitions} {
		LockHeld.WithLabelValues(e.String(), "read").Set(float64(snap.Readers[e]))
		var w float64
		if snap.Writers[e] {
			w = 1
		}
		LockHeld.WithLabelValues(e.String(), "write").Set(w)
	}
}

func (c *Collector) collectClusterMetrics() {
	v := lock.Vector{
		lock.Nodes:      lock.Read,
		lock.Jobs:       lock.Read,
		lock.Partitions: lock.Read,
	}
	c.lm.Lock(v)
	defer c.lm.Unlock(v)

	nodeCounts := make(map[types.NodeBaseState]int)
	for _, n := range c.s.Nodes() {
		if n == nil {
			continue
		}
		nodeCounts[n.BaseState]++
	}
	for state, count := range nodeCounts {
		NodesTotal.WithLabelValues(string(state)).Set(float64(count))
	}

	jobCounts := make(map[types.JobState]int)
	for _, j := range c.s.Jobs() {
		if j == nil {
			continue
		}
		jobCounts[j.State]++
	}
	for state, count := range jobCounts {
		JobsTotal.WithLabelValues(string(state)).Set(float64(count))
	}

	PartitionsTotal.Set(float64(len(c.s.Partitions())))
}
