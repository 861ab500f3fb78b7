package hstorecc

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/backend"
)

func TestRenameClearsLedgerOnSuccess(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	h, err := s.Create("p1", 1<<22, 0, backend.FlagCreateOnly)
	require.NoError(t, err)
	require.NoError(t, s.Put(h, "old", []byte("v"), 0))
	require.NoError(t, s.Rename(h, "old", "new"))

	_, err = os.Stat(s.ledgerPath("p1"))
	require.True(t, os.IsNotExist(err), "ledger must be cleared after a successful rename")
}

func TestOpenResolvesLeftoverLedger(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	h, err := s.Create("p2", 1<<22, 0, backend.FlagCreateOnly)
	require.NoError(t, err)
	require.NoError(t, s.Put(h, "old", []byte("v"), 0))

	// Simulate a crash between "ledger written" and "batch committed": write
	// the ledger directly without going through Rename.
	require.NoError(t, s.writeLedger("p2", pendingRename{From: "old", To: "new"}))
	require.NoError(t, s.Close(h))

	reopened, err := New(dir)
	require.NoError(t, err)
	h2, err := reopened.Open("p2")
	require.NoError(t, err)

	keys, err := reopened.Keys(h2, time.Time{})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, "new", keys[0].Key)

	_, err = os.Stat(reopened.ledgerPath("p2"))
	require.True(t, os.IsNotExist(err))
}

func TestDeleteClearsLedger(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	h, err := s.Create("p3", 1<<22, 0, backend.FlagCreateOnly)
	require.NoError(t, err)
	require.NoError(t, s.writeLedger("p3", pendingRename{From: "a", To: "b"}))
	require.NoError(t, s.Close(h))
	require.NoError(t, s.Delete("p3"))

	_, err = os.Stat(s.ledgerPath("p3"))
	require.True(t, os.IsNotExist(err))
}
