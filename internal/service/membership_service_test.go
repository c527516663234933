package service

import (
	"testing"

	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMembership(self string) *MembershipService {
	return NewMembershipService(&MembershipConfig{
		NodeID:       self,
		RPCAddr:      self + ":50061",
		VirtualNodes: testVirtualNodes,
		NumOwners:    testNumOwners,
	}, metrics.NewNopMetrics(), zap.NewNop())
}

func TestMembershipService_StartsWithSelf(t *testing.T) {
	m := newTestMembership("A")
	assert.Equal(t, []string{"A"}, m.View().Members())

	addr, ok := m.Address("A")
	require.True(t, ok)
	assert.Equal(t, "A:50061", addr)
}

func TestMembershipService_UpdateNotifiesListeners(t *testing.T) {
	m := newTestMembership("A")
	var changes []ViewChange
	m.Subscribe(func(c ViewChange) { changes = append(changes, c) })

	m.Join("B", "B:50061")
	m.Join("C", "C:50061")
	m.Join("C", "C:50061") // no change
	m.Leave("B")

	require.Len(t, changes, 3)
	assert.Equal(t, []string{"B"}, changes[0].Joiners)
	assert.Equal(t, []string{"A"}, changes[0].Old.Members())
	assert.Equal(t, []string{"A", "B"}, changes[0].New.Members())

	assert.Equal(t, []string{"B"}, changes[2].Leavers)
	assert.Equal(t, []string{"A", "C"}, changes[2].New.Members())
	assert.Same(t, changes[1].New, changes[2].Old)

	// Address is kept after leaving
	_, ok := m.Address("B")
	assert.True(t, ok)
}

func TestMembershipService_SelfNeverRemoved(t *testing.T) {
	m := newTestMembership("A")
	m.Join("B", "")
	m.Update(nil, []string{"A", "B"})

	assert.Equal(t, []string{"A"}, m.View().Members())
}

func TestMembershipService_ViewKeepsHashParameters(t *testing.T) {
	m := newTestMembership("A")
	m.Update([]string{"B", "C"}, nil)

	v := m.View()
	assert.Equal(t, testVirtualNodes, v.VirtualNodes())
	assert.Equal(t, testNumOwners, v.NumOwners())
	assert.Equal(t, 3, v.Size())
}
