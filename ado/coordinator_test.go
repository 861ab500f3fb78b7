package ado

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/backend/mapstore"
	"github.com/mcas-project/shard/internal/errs"
	"github.com/mcas-project/shard/internal/wire"
	"github.com/mcas-project/shard/lockregistry"
)

func newTestCoordinator(t *testing.T) (*Coordinator, backend.Backend, backend.PoolHandle) {
	b := mapstore.New()
	h, err := b.Create("pool", 1<<22, 0, backend.FlagCreateOnly)
	require.NoError(t, err)
	reg := lockregistry.New()
	return New(b, reg), b, h
}

func TestBootstrapIsIdempotentPerPool(t *testing.T) {
	c, _, h := newTestCoordinator(t)
	p1, _, err := c.Bootstrap(h, "ado-1", 8)
	require.NoError(t, err)
	require.Equal(t, int64(1), p1.RefCount.Load())

	p2, mappings, err := c.Bootstrap(h, "ado-1", 8)
	require.NoError(t, err)
	require.Same(t, p1, p2)
	require.Nil(t, mappings)
	require.Equal(t, int64(2), p1.RefCount.Load())
}

func TestReleaseSignalsShutdownAtZeroRefcount(t *testing.T) {
	c, _, h := newTestCoordinator(t)
	_, _, err := c.Bootstrap(h, "ado-1", 8)
	require.NoError(t, err)

	shutdown, proxy := c.Release(h)
	require.True(t, shutdown)
	require.NotNil(t, proxy)
}

func TestPutADOLocksKeyAndDispatchesWork(t *testing.T) {
	c, b, h := newTestCoordinator(t)
	proxy, _, err := c.Bootstrap(h, "ado-1", 8)
	require.NoError(t, err)

	wk, detachedAddr, err := c.PutADO(nil, h, "k1", []byte("payload"), []byte("invoke"), 0, 42)
	require.NoError(t, err)
	require.NotZero(t, wk)
	require.Zero(t, detachedAddr, "a non-detached put has no out-of-band buffer")

	msg, ok := proxy.IPC.ToADO.TryRecv()
	require.True(t, ok)
	require.Equal(t, MsgWorkRequest, msg.Kind)
	require.Equal(t, wk, msg.WorkKey)

	// The key should now be exclusively locked; a second lock attempt fails.
	_, err = b.Lock(h, "k1", backend.LockShared, 0)
	require.Error(t, err)
}

func TestCompleteWorkUnlocksAndRetiresRequest(t *testing.T) {
	c, b, h := newTestCoordinator(t)
	_, _, err := c.Bootstrap(h, "ado-1", 8)
	require.NoError(t, err)

	wk, _, err := c.PutADO(nil, h, "k1", []byte("v"), nil, 0, 1)
	require.NoError(t, err)

	wr, err := c.CompleteWork(Completion{WorkKey: wk, Status: errs.OK})
	require.NoError(t, err)
	require.Equal(t, "k1", wr.KeyName)

	locked, err := b.Lock(h, "k1", backend.LockShared, 0)
	require.NoError(t, err, "unlock on completion must free the key for a new lock")
	require.NoError(t, b.Unlock(h, locked.Key, false))

	_, err = c.CompleteWork(Completion{WorkKey: wk})
	require.Error(t, err, "completing an already-retired work key must fail")
}

func TestCreateOnlyADORequestSkipsProxyRoundtrip(t *testing.T) {
	c, _, h := newTestCoordinator(t)

	wk, zeroFilled, err := c.ADORequest(nil, h, "k1", true, nil, 16, wire.ADOFlagCreateOnly, 0)
	require.NoError(t, err)
	require.Zero(t, wk)
	require.True(t, zeroFilled)

	_, _, err = c.ADORequest(nil, h, "k1", true, nil, 16, wire.ADOFlagCreateOnly, 0)
	require.Error(t, err, "a second create_only on the same key must see it already exists")
}

func TestPutADODetachedWritesPayloadToAllocatedBuffer(t *testing.T) {
	c, b, h := newTestCoordinator(t)
	proxy, _, err := c.Bootstrap(h, "ado-1", 8)
	require.NoError(t, err)

	wk, addr, err := c.PutADO(nil, h, "k1", []byte("detached payload"), []byte("invoke"), wire.ADOFlagDetached, 1)
	require.NoError(t, err)
	require.NotZero(t, wk)
	require.NotZero(t, addr, "detached put must hand back the buffer it allocated")

	got, err := b.ReadAt(h, addr, uint64(len("detached payload")))
	require.NoError(t, err)
	require.Equal(t, "detached payload", string(got))

	msg, ok := proxy.IPC.ToADO.TryRecv()
	require.True(t, ok)
	require.GreaterOrEqual(t, len(msg.Payload), 8, "detached work request must prefix the buffer address")
}
