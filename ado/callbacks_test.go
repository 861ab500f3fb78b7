package ado

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/backend/mapstore"
	"github.com/mcas-project/shard/index"
	"github.com/mcas-project/shard/internal/errs"
	"github.com/mcas-project/shard/lockregistry"
)

func newTestCallbacks(t *testing.T) (*Callbacks, backend.Backend, backend.PoolHandle) {
	cb, _, b, h := newTestCallbacksAndCoord(t)
	return cb, b, h
}

func newTestCallbacksAndCoord(t *testing.T) (*Callbacks, *Coordinator, backend.Backend, backend.PoolHandle) {
	b := mapstore.New()
	h, err := b.Create("p1", 1<<20, 0, backend.FlagCreateOnly)
	require.NoError(t, err)
	reg := lockregistry.New()
	coord := New(b, reg)
	cb := NewCallbacks(coord, b, nil)
	return cb, coord, b, h
}

func TestTableOpCreateLeavesKeyLockedSoEraseIsRefused(t *testing.T) {
	cb, _, h := newTestCallbacks(t)

	resp := cb.TableOp(TableOpRequest{Pool: h, Kind: TableCreate, Key: "k1", NewSize: 32})
	require.Equal(t, errs.OK, resp.Status)
	require.NotZero(t, resp.Addr)

	resp = cb.TableOp(TableOpRequest{Pool: h, Kind: TableErase, Key: "k1"})
	require.NotEqual(t, errs.OK, resp.Status, "erase must refuse a key the create op left locked")
}

func TestTableOpEraseRemovesUnlockedKey(t *testing.T) {
	cb, b, h := newTestCallbacks(t)
	require.NoError(t, b.Put(h, "k1", []byte("v"), 0))

	resp := cb.TableOp(TableOpRequest{Pool: h, Kind: TableErase, Key: "k1"})
	require.Equal(t, errs.OK, resp.Status)
}

func TestTableOpValueResizePreservesIndexEntry(t *testing.T) {
	cb, b, h := newTestCallbacks(t)
	require.NoError(t, b.Put(h, "k1", []byte("1234"), 0))

	idx := index.New()
	idx.Put(index.Entry{Key: "k1", Length: 4})
	cb.SetIndexProvider(func(backend.PoolHandle) *index.Index { return idx })

	resp := cb.TableOp(TableOpRequest{Pool: h, Kind: TableValueResize, Key: "k1", NewSize: 64})
	require.Equal(t, errs.OK, resp.Status)
	require.Equal(t, uint64(64), resp.Length)

	entry, ok := idx.FindExact("k1")
	require.True(t, ok)
	require.Equal(t, uint64(64), entry.Length)
}

func TestTableOpAllocThenFree(t *testing.T) {
	cb, _, h := newTestCallbacks(t)
	resp := cb.TableOp(TableOpRequest{Pool: h, Kind: TableAllocatePoolMemory, NewSize: 128})
	require.Equal(t, errs.OK, resp.Status)
	require.NotZero(t, resp.Addr)

	resp = cb.TableOp(TableOpRequest{Pool: h, Kind: TableFreePoolMemory, Addr: resp.Addr})
	require.Equal(t, errs.OK, resp.Status)
}

func TestPoolInfoReportsBackendAttributes(t *testing.T) {
	cb, b, h := newTestCallbacks(t)
	require.NoError(t, b.Put(h, "k1", []byte("v"), 0))

	doc, err := cb.PoolInfo(h)
	require.NoError(t, err)
	require.Contains(t, string(doc), `"name":"p1"`)
	require.Contains(t, string(doc), `"object_count":1`)
}

func TestOpEventDeletesPool(t *testing.T) {
	cb, b, h := newTestCallbacks(t)
	require.NoError(t, cb.OpEvent(h, "p1"))

	_, err := b.Open("p1")
	require.NoError(t, err, "mapstore auto-creates on open, so delete followed by open just makes a fresh pool")
}

func TestIterateWalksInsertionOrderAndResumes(t *testing.T) {
	idx := index.New()
	idx.Put(index.Entry{Key: "a", Length: 1})
	idx.Put(index.Entry{Key: "b", Length: 1})
	cb := &Callbacks{}

	first := cb.Iterate(idx, IterateRequest{})
	require.False(t, first.Done)
	require.Equal(t, "a", first.Entry.Key)

	second := cb.Iterate(idx, IterateRequest{Cursor: first.Cursor})
	require.False(t, second.Done)
	require.Equal(t, "b", second.Entry.Key)

	third := cb.Iterate(idx, IterateRequest{Cursor: second.Cursor})
	require.True(t, third.Done)
}

func TestTimeWindowedKeysFiltersByEnd(t *testing.T) {
	cb, b, h := newTestCallbacks(t)
	require.NoError(t, b.Put(h, "k1", []byte("v"), 0))

	keys, err := cb.TimeWindowedKeys(h, time.Time{}, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, keys, 1)

	keys, err = cb.TimeWindowedKeys(h, time.Time{}, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestVectorPacksMatchingPrefix(t *testing.T) {
	cb, b, h := newTestCallbacks(t)
	require.NoError(t, b.Put(h, "users/1", []byte("alice"), 0))
	require.NoError(t, b.Put(h, "users/2", []byte("bob"), 0))

	idx := index.New()
	idx.Put(index.Entry{Key: "users/1", Length: 5})
	idx.Put(index.Entry{Key: "users/2", Length: 3})

	resp, err := cb.Vector(h, idx, "users/")
	require.NoError(t, err)
	require.NotZero(t, resp.Length)

	packed, err := b.ReadAt(h, resp.Addr, resp.Length)
	require.NoError(t, err)
	require.Contains(t, string(packed), "alice", "vector must ship the real value bytes, not a zero-filled buffer")
	require.Contains(t, string(packed), "bob")
}

func TestIndexFindRejectsBadRegex(t *testing.T) {
	cb := &Callbacks{}
	idx := index.New()
	idx.Put(index.Entry{Key: "k1", Length: 1})

	_, err := cb.IndexFind(idx, IndexFindRegex, "[invalid")
	require.Error(t, err)

	got, err := cb.IndexFind(idx, IndexFindExact, "k1")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestUnlockRejectsWorkRequestWithoutKey(t *testing.T) {
	cb, _, h := newTestCallbacks(t)
	wr := &WorkRequest{Pool: h, HasKey: false}
	require.Error(t, cb.Unlock(wr, false))
}

func TestUnlockReleasesHeldKey(t *testing.T) {
	cb, b, h := newTestCallbacks(t)
	locked, err := b.Lock(h, "k1", backend.LockExclusive, 16)
	require.NoError(t, err)

	wr := &WorkRequest{Pool: h, KeyHandle: locked.Key, HasKey: true}
	require.NoError(t, cb.Unlock(wr, false))
	require.False(t, wr.HasKey)
}

func TestConfigureDelegatesToCoordinatorRefCount(t *testing.T) {
	cb, coord, _, h := newTestCallbacksAndCoord(t)
	_, _, err := coord.Bootstrap(h, "p1", 8)
	require.NoError(t, err)

	n, err := cb.Configure(h, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), n, "bootstrap already seeds a refcount of 1")

	n, err = cb.Configure(h, -2)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
