package service

import (
	"testing"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataContainer_LastWriteWins(t *testing.T) {
	c := NewDataContainer("A", metrics.NewNopMetrics())

	assert.True(t, c.Apply(model.Entry{Key: "k", Value: []byte("v1"), Version: 5, Origin: "A"}))
	assert.False(t, c.Apply(model.Entry{Key: "k", Value: []byte("old"), Version: 4, Origin: "B"}))
	assert.False(t, c.Apply(model.Entry{Key: "k", Value: []byte("v1"), Version: 5, Origin: "A"}), "re-apply is a no-op")
	assert.True(t, c.Apply(model.Entry{Key: "k", Value: []byte("tie"), Version: 5, Origin: "B"}), "origin breaks ties")

	e, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "tie", string(e.Value))
}

func TestDataContainer_ApplyOrderDoesNotMatter(t *testing.T) {
	entries := []model.Entry{
		{Key: "k", Value: []byte("1"), Version: 1, Origin: "A"},
		{Key: "k", Value: []byte("3"), Version: 3, Origin: "B"},
		{Key: "k", Value: []byte("2"), Version: 2, Origin: "C"},
	}

	forward := NewDataContainer("X", metrics.NewNopMetrics())
	backward := NewDataContainer("X", metrics.NewNopMetrics())
	for i := range entries {
		forward.Apply(entries[i])
		backward.Apply(entries[len(entries)-1-i])
	}
	assert.Equal(t, forward.Entries(), backward.Entries())
}

func TestDataContainer_VersionsIncrease(t *testing.T) {
	c := NewDataContainer("A", metrics.NewNopMetrics())
	future := int64(1) << 62
	c.Apply(model.Entry{Key: "k", Version: future, Origin: "B"})

	next := c.NextVersion()
	assert.Greater(t, next, future)
	assert.Greater(t, c.NextVersion(), next)

	// A local write after a remote one wins
	e := c.Put("k", []byte("local"))
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, e.Version, got.Version)
}

func TestDataContainer_RemoveLeavesTombstone(t *testing.T) {
	c := NewDataContainer("A", metrics.NewNopMetrics())
	c.Put("k", []byte("v"))
	assert.Equal(t, 1, c.Size())

	c.Remove("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())

	entries := c.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Tombstone)
}

func TestDataContainer_ApplyStateKeepsOnlyOwnedKeys(t *testing.T) {
	view := algorithm.NewView([]string{"A", "B", "C"}, testVirtualNodes, 1)
	c := NewDataContainer("A", metrics.NewNopMetrics())

	var entries []model.Entry
	owned := 0
	for i := 0; i < 50; i++ {
		key := string(rune('a'+i%26)) + string(rune('0'+i/26))
		entries = append(entries, model.Entry{Key: key, Value: []byte("v"), Version: 1, Origin: "B"})
		if view.IsOwner(key, "A") {
			owned++
		}
	}
	require.Greater(t, owned, 0)

	applied := c.ApplyState(view, entries)
	assert.Equal(t, owned, applied)
	for _, e := range c.Entries() {
		assert.True(t, view.IsOwner(e.Key, "A"))
	}
}

func TestDataContainer_Invalidate(t *testing.T) {
	c := NewDataContainer("A", metrics.NewNopMetrics())
	c.Put("drop-1", []byte("v"))
	c.Put("drop-2", []byte("v"))
	c.Put("keep", []byte("v"))
	c.Remove("drop-2")

	removed := c.Invalidate(func(e model.Entry) bool { return e.Key != "keep" })
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Size())
	require.Len(t, c.Entries(), 1, "invalidate leaves no tombstone")
}
