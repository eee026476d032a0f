package market

import (
	"sort"
	"sync"
	"time"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// Entry latest accepted snapshot of a pair and when it was last confirmed.
type Entry struct {
	Snapshot domain.MarketSnapshot
	SeenAt   time.Time
}

// SnapshotCache keeps the most recent snapshot per pair.
// Snapshots whose sequence is not newer than the cached one are ignored.
type SnapshotCache struct {
	mu         sync.RWMutex
	staleAfter time.Duration
	entries    map[domain.TradingPair]Entry
}

// NewSnapshotCache creates a cache; entries not confirmed within staleAfter are stale.
func NewSnapshotCache(staleAfter time.Duration) *SnapshotCache {
	return &SnapshotCache{
		staleAfter: staleAfter,
		entries:    make(map[domain.TradingPair]Entry),
	}
}

// Offer stores the snapshot if it is newer than the cached one and reports whether it was accepted.
// Seeing the cached sequence again refreshes the entry without replacing it.
func (c *SnapshotCache) Offer(s domain.MarketSnapshot, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.entries[s.Pair]
	if ok && s.Sequence <= current.Snapshot.Sequence {
		if s.Sequence == current.Snapshot.Sequence {
			current.SeenAt = now
			c.entries[s.Pair] = current
		}
		return false
	}

	c.entries[s.Pair] = Entry{Snapshot: s, SeenAt: now}
	return true
}

// Latest returns the cached snapshot of the pair.
func (c *SnapshotCache) Latest(pair domain.TradingPair) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[pair]
	return e, ok
}

// IsStale reports whether the pair has no snapshot or it was not confirmed recently.
func (c *SnapshotCache) IsStale(pair domain.TradingPair, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[pair]
	if !ok {
		return true
	}
	return c.staleAfter > 0 && now.Sub(e.SeenAt) > c.staleAfter
}

// All returns every cached entry sorted by pair code.
func (c *SnapshotCache) All() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Snapshot.Pair.String() < out[j].Snapshot.Pair.String()
	})
	return out
}
