package lockregistry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireSharedConsolidatesReaders(t *testing.T) {
	r := New()
	require.NoError(t, r.AcquireShared(100, 1, 1, 8))
	require.NoError(t, r.AcquireShared(100, 1, 1, 8))

	last, entry, err := r.ReleaseShared(100)
	require.NoError(t, err)
	require.False(t, last)
	require.Equal(t, 1, entry.RefCount)

	last, entry, err = r.ReleaseShared(100)
	require.NoError(t, err)
	require.True(t, last)
	require.Equal(t, 0, entry.RefCount)
}

func TestRegistriesAreDisjoint(t *testing.T) {
	r := New()
	require.NoError(t, r.AcquireExclusive(200, 1, 1, 8))

	require.Error(t, r.AcquireShared(200, 1, 2, 8))
	require.Error(t, r.ReserveSpace(200, 1, 0, 8))
}

func TestExclusiveRefcountGatesRelease(t *testing.T) {
	r := New()
	require.NoError(t, r.AcquireExclusive(300, 1, 1, 8))
	require.NoError(t, r.AcquireExclusive(300, 1, 1, 8)) // ADO re-lock

	ok, _, err := r.ReleaseExclusive(300)
	require.NoError(t, err)
	require.False(t, ok, "first release must not drop the entry while refcount > 0")

	ok, _, err = r.ReleaseExclusive(300)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = r.ReleaseExclusive(300)
	require.Error(t, err, "releasing an already-removed entry must fail")
}

func TestPendingRenameRequiresExclusiveLock(t *testing.T) {
	r := New()
	require.Error(t, r.AddPendingRename(400, 1, "___pending_x", "x"))

	require.NoError(t, r.AcquireExclusive(400, 1, 1, 8))
	require.NoError(t, r.AddPendingRename(400, 1, "___pending_x", "x"))

	pr, ok := r.TakePendingRename(400)
	require.True(t, ok)
	require.Equal(t, "x", pr.To)

	_, ok = r.TakePendingRename(400)
	require.False(t, ok)
}

func TestCountsReflectLiveRegistries(t *testing.T) {
	r := New()
	require.NoError(t, r.AcquireShared(1, 1, 1, 8))
	require.NoError(t, r.AcquireExclusive(2, 1, 1, 8))
	require.NoError(t, r.ReserveSpace(3, 1, 0, 8))

	shared, exclusive, reserved := r.Counts()
	require.Equal(t, 1, shared)
	require.Equal(t, 1, exclusive)
	require.Equal(t, 1, reserved)
}
