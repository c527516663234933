package service

import (
	"context"
	"testing"

	"github.com/devrev/pairdb/cache-node/internal/algorithm"
	rerrors "github.com/devrev/pairdb/cache-node/internal/errors"
	"github.com/devrev/pairdb/cache-node/internal/model"
	"github.com/devrev/pairdb/cache-node/internal/transport"
	"github.com/devrev/pairdb/cache-node/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheService_WriteAndRead(t *testing.T) {
	_, nodes := newTestCluster("A")
	a := nodes["A"]

	put(t, a, "k", "v")
	v, ok := a.cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	_, err := a.cache.Remove(context.Background(), "k")
	require.NoError(t, err)
	_, ok = a.cache.Get("k")
	assert.False(t, ok)
}

func TestCacheService_WriteValidation(t *testing.T) {
	_, nodes := newTestCluster("A")
	a := nodes["A"]

	_, err := a.cache.Write(context.Background(), nil)
	assert.Equal(t, rerrors.ErrCodeInvalidArgument, rerrors.GetCode(err))

	_, err = a.cache.Put(context.Background(), "", []byte("v"))
	assert.Equal(t, rerrors.ErrCodeInvalidArgument, rerrors.GetCode(err))

	_, err = a.cache.Write(context.Background(), []model.Modification{{Op: "merge", Key: "k"}})
	assert.Equal(t, rerrors.ErrCodeInvalidArgument, rerrors.GetCode(err))
}

func TestCacheService_WritesLoggedOnlyWhileEnabled(t *testing.T) {
	_, nodes := newTestCluster("A")
	a := nodes["A"]

	put(t, a, "before", "v")
	assert.Equal(t, 0, a.translog.Size())

	a.translog.Enable(nil)
	cmd := put(t, a, "during", "v")
	final := a.translog.DrainAndLock()
	a.translog.UnlockAndDisable()

	require.Len(t, final, 1)
	assert.Equal(t, cmd.ID, final[0].ID)
	assert.Equal(t, "A", final[0].Modifications[0].Origin)
}

func TestCacheService_PrepareCommitRollback(t *testing.T) {
	_, nodes := newTestCluster("A")
	a := nodes["A"]
	ctx := context.Background()
	mods := []model.Modification{{Op: model.OpPut, Key: "k", Value: []byte("tx")}}

	_, err := a.cache.Prepare("tx-1", mods)
	require.NoError(t, err)
	_, err = a.cache.Prepare("tx-1", mods)
	assert.Error(t, err, "duplicate prepare")
	_, err = a.cache.Prepare("tx-2", mods)
	require.NoError(t, err)
	assert.Len(t, a.cache.PendingPrepares(), 2)

	_, ok := a.cache.Get("k")
	assert.False(t, ok, "prepare does not apply")

	_, err = a.cache.Commit(ctx, "tx-1")
	require.NoError(t, err)
	v, ok := a.cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "tx", string(v))

	assert.True(t, a.cache.Rollback("tx-2"))
	assert.False(t, a.cache.Rollback("tx-2"))
	assert.Empty(t, a.cache.PendingPrepares())

	_, err = a.cache.Commit(ctx, "tx-2")
	assert.Error(t, err)
}

func TestCacheService_HandlePullState(t *testing.T) {
	_, nodes := newTestCluster("A", "B")
	a := nodes["A"]

	oldView := algorithm.NewView([]string{"A", "B", "C"}, testVirtualNodes, 1)
	newView := oldView.Without("C")

	gainedByB := findKey(t, func(k string) bool {
		return oldView.Locate(k, 1)[0] == "C" && newView.Locate(k, 1)[0] == "B"
	})
	keptByA := findKey(t, func(k string) bool {
		return oldView.Locate(k, 1)[0] == "A"
	})
	a.container.Apply(model.Entry{Key: gainedByB, Value: []byte("x"), Version: 1, Origin: "C"})
	a.container.Apply(model.Entry{Key: keptByA, Value: []byte("y"), Version: 1, Origin: "A"})

	resp, err := a.cache.HandleCommand(context.Background(), &transport.Command{
		Type:         transport.CommandPullState,
		Origin:       "B",
		Members:      newView.Members(),
		Leavers:      []string{"C"},
		VirtualNodes: testVirtualNodes,
		NumOwners:    1,
	})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Len(t, resp.State, 1)
	assert.Equal(t, gainedByB, resp.State[0].Key)

	sum, err := util.EntriesChecksum(resp.State)
	require.NoError(t, err)
	assert.Equal(t, sum, resp.Checksum)
}

func TestCacheService_HandlePullStateRequiresMembers(t *testing.T) {
	_, nodes := newTestCluster("A")
	_, err := nodes["A"].cache.HandleCommand(context.Background(), &transport.Command{
		Type:   transport.CommandPullState,
		Origin: "B",
	})
	assert.Equal(t, rerrors.ErrCodeInvalidArgument, rerrors.GetCode(err))
}

func TestCacheService_HandlePushModificationsIsNotLogged(t *testing.T) {
	_, nodes := newTestCluster("B")
	b := nodes["B"]
	b.translog.Enable(nil)
	defer b.translog.UnlockAndDisable()

	resp, err := b.cache.HandleCommand(context.Background(), &transport.Command{
		Type:   transport.CommandPushModifications,
		Origin: "A",
		Modifications: []model.WriteCommand{{
			ID:     "1",
			Origin: "A",
			Modifications: []model.Modification{
				{Op: model.OpPut, Key: "k", Value: []byte("v"), Version: 10, Origin: "A"},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)
	assert.Equal(t, 0, b.translog.Size())

	v, ok := b.cache.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestCacheService_HandlePushModificationsSkipsKeysNotOwned(t *testing.T) {
	_, nodes := newTestCluster("B")
	b := nodes["B"]
	view := algorithm.NewView([]string{"A", "B", "C"}, testVirtualNodes, 1)

	owned := findKey(t, func(key string) bool { return view.IsOwner(key, "B") })
	foreign := findKey(t, func(key string) bool { return !view.IsOwner(key, "B") })

	resp, err := b.cache.HandleCommand(context.Background(), &transport.Command{
		Type:         transport.CommandPushModifications,
		Origin:       "A",
		Members:      view.Members(),
		VirtualNodes: view.VirtualNodes(),
		NumOwners:    view.NumOwners(),
		Modifications: []model.WriteCommand{{
			ID:     "multi",
			Origin: "A",
			Modifications: []model.Modification{
				{Op: model.OpPut, Key: owned, Value: []byte("v"), Version: 10, Origin: "A"},
				{Op: model.OpPut, Key: foreign, Value: []byte("v"), Version: 10, Origin: "A"},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)

	_, ok := b.cache.Get(owned)
	assert.True(t, ok)
	_, ok = b.cache.Get(foreign)
	assert.False(t, ok)
}

func TestCacheService_HandlePushPrepares(t *testing.T) {
	_, nodes := newTestCluster("B")
	b := nodes["B"]

	cmd := &transport.Command{
		Type:     transport.CommandPushPrepares,
		Origin:   "A",
		Prepares: []model.PreparedTransaction{{TxID: "tx", Origin: "A"}},
	}
	resp, err := b.cache.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Applied)

	resp, err = b.cache.HandleCommand(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Applied, "already registered")
	assert.Len(t, b.cache.PendingPrepares(), 1)
}

func TestCacheService_UnknownCommand(t *testing.T) {
	_, nodes := newTestCluster("A")
	_, err := nodes["A"].cache.HandleCommand(context.Background(), &transport.Command{Type: "bogus"})
	assert.Equal(t, rerrors.ErrCodeUnknownCommand, rerrors.GetCode(err))
}
