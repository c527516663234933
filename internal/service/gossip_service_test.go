package service

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func gossipNode(t *testing.T, id, rpcAddr string) *memberlist.Node {
	t.Helper()
	meta, err := json.Marshal(NodeMeta{NodeID: id, RPCAddr: rpcAddr})
	require.NoError(t, err)
	return &memberlist.Node{Name: id, Addr: net.ParseIP("127.0.0.1"), Port: 7946, Meta: meta}
}

func TestGossipEventDelegate_DrivesMembership(t *testing.T) {
	membership := newTestMembership("A")
	d := NewGossipEventDelegate("A", membership, zap.NewNop())

	d.NotifyJoin(gossipNode(t, "A", "A:50061"))
	assert.Equal(t, []string{"A"}, membership.View().Members(), "self join ignored")

	d.NotifyJoin(gossipNode(t, "B", "10.0.0.2:50061"))
	assert.Equal(t, []string{"A", "B"}, membership.View().Members())
	addr, ok := membership.Address("B")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:50061", addr)

	d.NotifyUpdate(gossipNode(t, "B", "10.0.0.3:50061"))
	addr, _ = membership.Address("B")
	assert.Equal(t, "10.0.0.3:50061", addr)

	d.NotifyLeave(gossipNode(t, "B", ""))
	assert.Equal(t, []string{"A"}, membership.View().Members())

	d.NotifyLeave(gossipNode(t, "A", ""))
	assert.Equal(t, []string{"A"}, membership.View().Members())
}

func TestGossipEventDelegate_BadMetadata(t *testing.T) {
	membership := newTestMembership("A")
	d := NewGossipEventDelegate("A", membership, zap.NewNop())

	d.NotifyJoin(&memberlist.Node{Name: "B", Meta: []byte("not json")})
	assert.Equal(t, []string{"A", "B"}, membership.View().Members())
	_, ok := membership.Address("B")
	assert.False(t, ok)
}

func TestGossipService_NodeMeta(t *testing.T) {
	gs := &GossipService{meta: NodeMeta{NodeID: "A", RPCAddr: "A:50061"}, logger: zap.NewNop()}

	var meta NodeMeta
	require.NoError(t, json.Unmarshal(gs.NodeMeta(512), &meta))
	assert.Equal(t, "A:50061", meta.RPCAddr)
	assert.Nil(t, gs.NodeMeta(4))
}
