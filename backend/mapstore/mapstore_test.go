package mapstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/backend"
)

func newPool(t *testing.T) (*Store, backend.PoolHandle) {
	s := New()
	h, err := s.Create("pool-a", regionSize*4, 0, backend.FlagCreateOnly)
	require.NoError(t, err)
	return s, h
}

func TestCreateThenOpenReturnsSameHandle(t *testing.T) {
	s, h := newPool(t)
	opened, err := s.Open("pool-a")
	require.NoError(t, err)
	require.Equal(t, h, opened)
}

func TestCreateOnlyRejectsDuplicateName(t *testing.T) {
	s, _ := newPool(t)
	_, err := s.Create("pool-a", regionSize, 0, backend.FlagCreateOnly)
	require.Error(t, err)
}

func TestPutThenLockRoundtripsValue(t *testing.T) {
	s, h := newPool(t)
	require.NoError(t, s.Put(h, "k1", []byte("hello"), 0))

	locked, err := s.Lock(h, "k1", backend.LockShared, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(5), locked.Length)
	require.NoError(t, s.Unlock(h, locked.Key, false))
}

func TestPutDontStompRejectsExistingKey(t *testing.T) {
	s, h := newPool(t)
	require.NoError(t, s.Put(h, "k1", []byte("a"), 0))
	err := s.Put(h, "k1", []byte("b"), backend.FlagDontStomp)
	require.Error(t, err)
}

func TestConcurrentSharedLocksAreAllowed(t *testing.T) {
	s, h := newPool(t)
	require.NoError(t, s.Put(h, "k1", []byte("x"), 0))

	l1, err := s.Lock(h, "k1", backend.LockShared, 0)
	require.NoError(t, err)
	l2, err := s.Lock(h, "k1", backend.LockShared, 0)
	require.NoError(t, err)
	require.Equal(t, l1.Key, l2.Key)

	require.NoError(t, s.Unlock(h, l1.Key, false))
	require.NoError(t, s.Unlock(h, l2.Key, false))
}

func TestExclusiveLockRejectsConcurrentAccess(t *testing.T) {
	s, h := newPool(t)
	require.NoError(t, s.Put(h, "k1", []byte("x"), 0))

	_, err := s.Lock(h, "k1", backend.LockExclusive, 0)
	require.NoError(t, err)

	_, err = s.Lock(h, "k1", backend.LockShared, 0)
	require.Error(t, err)
}

func TestEraseRejectsLockedKey(t *testing.T) {
	s, h := newPool(t)
	require.NoError(t, s.Put(h, "k1", []byte("x"), 0))
	locked, err := s.Lock(h, "k1", backend.LockShared, 0)
	require.NoError(t, err)

	err = s.Erase(h, "k1")
	require.Error(t, err)

	require.NoError(t, s.Unlock(h, locked.Key, false))
	require.NoError(t, s.Erase(h, "k1"))
}

func TestRenameMovesKeyPreservingValue(t *testing.T) {
	s, h := newPool(t)
	require.NoError(t, s.Put(h, "old", []byte("v"), 0))
	require.NoError(t, s.Rename(h, "old", "new"))

	_, err := s.Lock(h, "old", backend.LockShared, 0)
	require.Error(t, err)

	locked, err := s.Lock(h, "new", backend.LockShared, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), locked.Length)
}

func TestAllocThenFreeRoundtrips(t *testing.T) {
	s, h := newPool(t)
	addr, err := s.Alloc(h, 64)
	require.NoError(t, err)
	require.NoError(t, s.Free(h, addr))
	require.Error(t, s.Free(h, addr), "double free must fail")
}

func TestKeysFiltersBySinceTime(t *testing.T) {
	s, h := newPool(t)
	require.NoError(t, s.Put(h, "k1", []byte("x"), 0))

	keys, err := s.Keys(h, time.Time{})
	require.NoError(t, err)
	require.Len(t, keys, 1)

	keys, err = s.Keys(h, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestAttributesReportsObjectCount(t *testing.T) {
	s, h := newPool(t)
	require.NoError(t, s.Put(h, "k1", []byte("x"), 0))
	require.NoError(t, s.Put(h, "k2", []byte("yy"), 0))

	attrs, err := s.Attributes(h)
	require.NoError(t, err)
	require.Equal(t, uint64(2), attrs.ObjectCount)
}
