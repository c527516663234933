package algorithm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGainsOwnership(t *testing.T) {
	oldView := NewView([]string{"A", "B", "C"}, 32, 2)
	newView := oldView.Without("C")

	// A node gains ownership iff some sampled key lists it as a gained owner
	for _, member := range []string{"A", "B"} {
		sampled := false
		for i := 0; i < 2000; i++ {
			if contains(GainedOwners(oldView, newView, fmt.Sprintf("k%d", i), 2), member) {
				sampled = true
				break
			}
		}
		if sampled {
			assert.True(t, GainsOwnership(oldView, newView, member, 2), member)
		}
	}

	assert.False(t, GainsOwnership(oldView, newView, "C", 2), "leaver gains nothing")
	assert.False(t, GainsOwnership(newView, newView, "A", 2), "identical views")
}

func TestGainsOwnership_FullReplication(t *testing.T) {
	oldView := NewView([]string{"A", "B", "C"}, 16, 3)
	newView := oldView.Without("C")

	// Every survivor already owned everything
	assert.False(t, GainsOwnership(oldView, newView, "A", 3))
	assert.False(t, GainsOwnership(oldView, newView, "B", 3))
}

func TestGainsOwnership_Joiner(t *testing.T) {
	newView := NewView([]string{"A", "B", "C"}, 16, 2)
	oldView := newView.Without("C")

	assert.True(t, GainsOwnership(oldView, newView, "C", 2))
}

func TestDifferenceTreatsListsAsSets(t *testing.T) {
	assert.Equal(t, []string{"B"}, difference([]string{"A", "B", "B"}, []string{"A", "C"}))
	assert.Empty(t, difference([]string{"A"}, []string{"A"}))
}
