package twostage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/backend/mapstore"
	"github.com/mcas-project/shard/index"
	"github.com/mcas-project/shard/lockregistry"
	"github.com/mcas-project/shard/transport/loopback"
)

func newTestCoordinator(t *testing.T) (*Coordinator, backend.Backend, backend.PoolHandle, *loopback.Connection) {
	b := mapstore.New()
	h, err := b.Create("pool", 1<<22, 0, backend.FlagCreateOnly)
	require.NoError(t, err)
	reg := lockregistry.New()
	srv := loopback.NewServer()
	_, server := srv.Dial()
	return New(b, reg), b, h, server
}

func TestPutLocateThenReleaseResolvesRename(t *testing.T) {
	c, b, h, conn := newTestCoordinator(t)

	res, err := c.PutLocate(h, conn, "key1", 16)
	require.NoError(t, err)
	require.Equal(t, uint64(16), res.Length)

	require.NoError(t, c.PutRelease(h, res.Addr, nil))

	keys, err := b.Keys(h, time.Time{})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "key1", keys[0].Key)
}

func TestPutReleaseIndexesVisibleKey(t *testing.T) {
	c, _, h, conn := newTestCoordinator(t)
	idx := index.New()

	res, err := c.PutLocate(h, conn, "key1", 16)
	require.NoError(t, err)
	require.NoError(t, c.PutRelease(h, res.Addr, idx))

	_, ok := idx.FindExact("key1")
	require.True(t, ok)
}

func TestGetLocateConsolidatesConcurrentReaders(t *testing.T) {
	c, b, h, conn := newTestCoordinator(t)
	require.NoError(t, b.Put(h, "key1", []byte("value"), 0))

	r1, err := c.GetLocate(h, conn, "key1")
	require.NoError(t, err)
	r2, err := c.GetLocate(h, conn, "key1")
	require.NoError(t, err)
	require.Equal(t, r1.Addr, r2.Addr)

	require.NoError(t, c.GetRelease(h, r1.Addr))
	require.NoError(t, c.GetRelease(h, r2.Addr))

	// a third lock attempt after both readers released must succeed.
	locked, err := b.Lock(h, "key1", backend.LockExclusive, 0)
	require.NoError(t, err)
	require.NoError(t, b.Unlock(h, locked.Key, false))
}

func TestLocateRangeThenReleaseRange(t *testing.T) {
	c, _, h, conn := newTestCoordinator(t)

	sg, _, excess, err := c.LocateRange(h, conn, 0, 1<<19)
	require.NoError(t, err)
	require.NotEmpty(t, sg)
	require.Zero(t, excess)

	require.NoError(t, c.ReleaseRange(h, sg[0].Addr, true))
}
