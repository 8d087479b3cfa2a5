package metrics

import "time"

// StatsSource is the subset of the FSM driver the collector polls.
// Defined here rather than imported from pkg/driver to avoid a cycle,
// since the driver itself reports LastAppliedIndex/RaftIsLeader inline
// as those events happen; this collector only needs to poll the
// slower-changing raft-level numbers.
type StatsSource interface {
	GetRaftStats() map[string]interface{}
}

// Collector periodically polls a StatsSource and refreshes the gauges
// that aren't already updated inline by the driver's event loop.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector builds a Collector over source.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins polling on a 15s interval until Stop is called.
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

// Stop halts polling.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.source.GetRaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if peers, ok := stats["peers"].(uint64); ok {
		RaftPeersTotal.Set(float64(peers))
	}
}
