package poolmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/backend"
)

func TestRegisterThenCheckForOpenPool(t *testing.T) {
	m := New()
	m.RegisterPool("p1", 1, 0, 1<<20, 0)

	open, h := m.CheckForOpenPool("p1")
	require.True(t, open)
	require.Equal(t, backend.PoolHandle(1), h)

	open, _ = m.CheckForOpenPool("missing")
	require.False(t, open)
}

func TestAddReferenceIncrementsRefcount(t *testing.T) {
	m := New()
	m.RegisterPool("p1", 1, 0, 0, 0)
	require.NoError(t, m.AddReference(1))

	count, err := m.PoolReferenceCount(1)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestReleasePoolReferenceHitsZero(t *testing.T) {
	m := New()
	m.RegisterPool("p1", 1, 0, 0, 0)
	require.NoError(t, m.AddReference(1))

	last, err := m.ReleasePoolReference(1)
	require.NoError(t, err)
	require.False(t, last)

	last, err = m.ReleasePoolReference(1)
	require.NoError(t, err)
	require.True(t, last)

	open, _ := m.CheckForOpenPool("p1")
	require.False(t, open, "releasing the last reference must drop the pool from both indexes")
}

func TestReleasePoolReferenceRejectsUnknownHandle(t *testing.T) {
	m := New()
	_, err := m.ReleasePoolReference(99)
	require.Error(t, err)
}

func TestOpenPoolSetSnapshotsEveryEntry(t *testing.T) {
	m := New()
	m.RegisterPool("p1", 1, 0, 0, 0)
	m.RegisterPool("p2", 2, 0, 0, 0)

	set := m.OpenPoolSet()
	require.Len(t, set, 2)
}
