package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	"github.com/devrev/pairdb/cache-node/internal/metrics"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testVirtualNodes = 32
	testNumOwners    = 2
)

// testNode is one cache node wired to a LocalNetwork
type testNode struct {
	id        string
	container *DataContainer
	translog  *TransactionLogger
	cache     *CacheService
	invoker   *transport.Invoker
}

func newTestTranslog(threshold, batch int) *TransactionLogger {
	return NewTransactionLogger(&TranslogConfig{DrainThreshold: threshold, DrainBatchSize: batch},
		metrics.NewNopMetrics(), zap.NewNop())
}

func newTestNode(id string, network *transport.LocalNetwork) *testNode {
	m := metrics.NewNopMetrics()
	container := NewDataContainer(id, m)
	translog := NewTransactionLogger(&TranslogConfig{DrainThreshold: 0, DrainBatchSize: 100}, m, zap.NewNop())
	cache := NewCacheService(id, container, translog, m, zap.NewNop())
	network.Register(id, cache)
	return &testNode{
		id:        id,
		container: container,
		translog:  translog,
		cache:     cache,
		invoker:   transport.NewInvoker(network, nil, zap.NewNop()),
	}
}

func newTestCluster(ids ...string) (*transport.LocalNetwork, map[string]*testNode) {
	network := transport.NewLocalNetwork()
	nodes := make(map[string]*testNode, len(ids))
	for _, id := range ids {
		nodes[id] = newTestNode(id, network)
	}
	return network, nodes
}

func testRehashConfig() *RehashConfig {
	return &RehashConfig{
		PullTimeout:        time.Second,
		PushTimeout:        time.Second,
		MaxDrainIterations: 10,
	}
}

func (n *testNode) task(view *algorithm.View, leavers, joiners []string, unhandled *LeaverSet) *RehashTask {
	return NewRehashTask(RehashTaskParams{
		NodeID:          n.id,
		View:            view,
		Leavers:         leavers,
		Joiners:         joiners,
		Enabled:         true,
		Config:          testRehashConfig(),
		Unhandled:       unhandled,
		Container:       n.container,
		Translog:        n.translog,
		PendingPrepares: n.cache.PendingPrepares,
		Invoker:         n.invoker,
		Metrics:         metrics.NewNopMetrics(),
		Logger:          zap.NewNop(),
	})
}

// findKey returns the first generated key accepted by match
func findKey(t *testing.T, match func(key string) bool) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		key := fmt.Sprintf("key-%d", i)
		if match(key) {
			return key
		}
	}
	require.FailNow(t, "no key matches")
	return ""
}

// seed writes key directly into the containers of its owners in view
func seed(nodes map[string]*testNode, view *algorithm.View, key string, value string, version int64) {
	for _, owner := range view.Locate(key, view.NumOwners()) {
		nodes[owner].container.Apply(model.Entry{Key: key, Value: []byte(value), Version: version, Origin: owner})
	}
}

func put(t *testing.T, n *testNode, key, value string) model.WriteCommand {
	t.Helper()
	cmd, err := n.cache.Put(context.Background(), key, []byte(value))
	require.NoError(t, err)
	return cmd
}
