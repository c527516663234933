package service

import (
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"go.uber.org/atomic"
)

// DataContainer is the local entry store. Every write, local or remote,
// goes through Apply, which keeps the entry with the highest
// (Version, Origin), so applying the same entry twice is a no-op and the
// order of concurrent applies does not matter.
type DataContainer struct {
	nodeID  string
	mu      sync.RWMutex
	entries map[string]model.Entry
	live    int
	clock   *atomic.Int64
	metrics *metrics.Metrics
}

// NewDataContainer creates an empty container
func NewDataContainer(nodeID string, m *metrics.Metrics) *DataContainer {
	return &DataContainer{
		nodeID:  nodeID,
		entries: make(map[string]model.Entry),
		clock:   atomic.NewInt64(0),
		metrics: m,
	}
}

// NextVersion returns a version greater than any version this container
// has issued or applied.
func (c *DataContainer) NextVersion() int64 {
	now := time.Now().UnixNano()
	for {
		last := c.clock.Load()
		next := now
		if next <= last {
			next = last + 1
		}
		if c.clock.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (c *DataContainer) observe(version int64) {
	for {
		last := c.clock.Load()
		if version <= last || c.clock.CompareAndSwap(last, version) {
			return
		}
	}
}

// Get returns the live entry for key
func (c *DataContainer) Get(key string) (model.Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.Tombstone {
		return model.Entry{}, false
	}
	return e, true
}

// Put stores value under a fresh local version
func (c *DataContainer) Put(key string, value []byte) model.Entry {
	e := model.Entry{Key: key, Value: value, Version: c.NextVersion(), Origin: c.nodeID}
	c.Apply(e)
	return e
}

// Remove writes a tombstone under a fresh local version
func (c *DataContainer) Remove(key string) model.Entry {
	e := model.Entry{Key: key, Version: c.NextVersion(), Origin: c.nodeID, Tombstone: true}
	c.Apply(e)
	return e
}

// Apply stores e if it wins over the current entry. It reports whether e
// was stored.
func (c *DataContainer) Apply(e model.Entry) bool {
	c.observe(e.Version)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(e)
}

func (c *DataContainer) applyLocked(e model.Entry) bool {
	existing, ok := c.entries[e.Key]
	if ok && !e.NewerThan(existing) {
		return false
	}

	if ok && !existing.Tombstone {
		c.live--
	}
	if !e.Tombstone {
		c.live++
	}
	c.entries[e.Key] = e
	c.metrics.ContainerEntries.Set(float64(c.live))
	return true
}

// ApplyState merges pulled entries, keeping only keys this node owns in
// view. It returns how many entries were stored.
func (c *DataContainer) ApplyState(view *algorithm.View, entries []model.Entry) int {
	applied := 0
	for _, e := range entries {
		if !view.IsOwner(e.Key, c.nodeID) {
			continue
		}
		c.observe(e.Version)

		c.mu.Lock()
		if c.applyLocked(e) {
			applied++
		}
		c.mu.Unlock()
	}
	c.metrics.EntriesAppliedTotal.WithLabelValues("state").Add(float64(applied))
	return applied
}

// Entries returns a snapshot of all entries including tombstones, sorted
// by key.
func (c *DataContainer) Entries() []model.Entry {
	c.mu.RLock()
	out := make([]model.Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Invalidate drops every entry matching pred and returns how many were
// dropped. Unlike Remove it leaves no tombstone.
func (c *DataContainer) Invalidate(pred func(model.Entry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if !pred(e) {
			continue
		}
		if !e.Tombstone {
			c.live--
		}
		delete(c.entries, key)
		removed++
	}

	c.metrics.ContainerEntries.Set(float64(c.live))
	c.metrics.EntriesInvalidatedTotal.Add(float64(removed))
	return removed
}

// Size returns the number of live entries
func (c *DataContainer) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.live
}
