package assign

import (
	"sort"
	"sync"
	"time"
)

// Collector aggregates assignment outcome counters and a rolling latency
// average, read by the diagnostic protocol.
type Collector struct {
	mu       sync.RWMutex
	byTier   map[string]uint64
	failures uint64
	placed   uint64
	// rolling mean over all recorded assignments
	latencyCount uint64
	latencyMean  time.Duration
}

// TierCount is one per-tier counter in a snapshot.
type TierCount struct {
	Tier  string `json:"tier"`
	Count uint64 `json:"count"`
}

// Snapshot is the serializable view of assignment metrics.
type Snapshot struct {
	ByTier           []TierCount   `json:"byTier,omitempty"`
	Placed           uint64        `json:"placed"`
	Failures         uint64        `json:"failures"`
	AverageLatency   time.Duration `json:"averageLatencyNs"`
	AssignmentsTotal uint64        `json:"assignmentsTotal"`
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{byTier: make(map[string]uint64)}
}

// Record tracks one assignment outcome.
func (c *Collector) Record(tier string, placed bool, failed bool, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byTier[tier]++
	if placed {
		c.placed++
	}
	if failed {
		c.failures++
	}
	c.latencyCount++
	// incremental mean avoids keeping per-sample history
	c.latencyMean += (latency - c.latencyMean) / time.Duration(c.latencyCount)
}

// TierCount returns the counter for one tier.
func (c *Collector) TierCount(tier string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byTier[tier]
}

// Snapshot returns the current counters for serialization.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{
		Placed:           c.placed,
		Failures:         c.failures,
		AverageLatency:   c.latencyMean,
		AssignmentsTotal: c.latencyCount,
	}
	for tier, count := range c.byTier {
		snap.ByTier = append(snap.ByTier, TierCount{Tier: tier, Count: count})
	}
	sort.Slice(snap.ByTier, func(i, j int) bool { return snap.ByTier[i].Tier < snap.ByTier[j].Tier })
	return snap
}
