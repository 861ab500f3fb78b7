// Package hstorecc wraps hstore with a crash-consistent rename ledger: the
// pending-rename sentinel hstore.Store.Rename applies in one pebble batch
// is additionally recorded to a plain file via natefinch/atomic before the
// batch commits, and cleared the same way after. A rename-based write can
// never leave that file half-written, so a crash between "record pending"
// and "commit batch" always leaves a ledger entry Open can resolve on
// restart — the same "replay a durable intent log" shape as the teacher's
// raft log, just for one operation instead of a whole state machine.
package hstorecc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/backend/hstore"
	"github.com/mcas-project/shard/internal/errs"
)

const ledgerName = ".pending_rename.json"

// pendingRename is the ledger's sole record shape: at most one in-flight
// rename per pool, matching spec.md's PendingRename (one sentinel key
// resolves to one rename) restricted to hstorecc's crash window.
type pendingRename struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Store is the hstorecc Backend: an hstore.Store plus a per-pool rename
// ledger. Every method it doesn't override delegates straight to hstore.
type Store struct {
	*hstore.Store
	baseDir string

	mu       sync.Mutex
	nameByH  map[backend.PoolHandle]string
}

// New creates an hstorecc instance rooted at baseDir and resolves any
// rename ledger left over from an unclean shutdown for pools opened
// afterward (resolution happens lazily in Open/Create, since a ledger
// belongs to a pool that must first be addressed by name).
func New(baseDir string) (*Store, error) {
	inner, err := hstore.New(baseDir)
	if err != nil {
		return nil, err
	}
	return &Store{Store: inner, baseDir: baseDir, nameByH: make(map[backend.PoolHandle]string)}, nil
}

func (s *Store) ledgerPath(name string) string {
	return filepath.Join(s.baseDir, name, ledgerName)
}

func (s *Store) readLedger(name string) (pendingRename, bool) {
	data, err := os.ReadFile(s.ledgerPath(name))
	if err != nil {
		return pendingRename{}, false
	}
	var pr pendingRename
	if err := json.Unmarshal(data, &pr); err != nil {
		return pendingRename{}, false
	}
	return pr, true
}

func (s *Store) writeLedger(name string, pr pendingRename) error {
	data, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.ledgerPath(name), strings.NewReader(string(data)))
}

func (s *Store) clearLedger(name string) error {
	err := os.Remove(s.ledgerPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolvePending re-applies (or discards) a rename left pending by a crash
// between the ledger write and the batch commit. If the batch already
// committed, From is gone from the underlying store and To is a plain
// no-op Rename; if it never started, Rename just runs normally.
func (s *Store) resolvePending(h backend.PoolHandle, name string) error {
	pr, ok := s.readLedger(name)
	if !ok {
		return nil
	}
	if err := s.Store.Rename(h, pr.From, pr.To); err != nil && errs.ToStatus(err) != errs.KeyNotFound {
		return err
	}
	return s.clearLedger(name)
}

func (s *Store) Create(name string, sizeBytes, expectedObjCount uint64, flags backend.CreateFlags) (backend.PoolHandle, error) {
	h, err := s.Store.Create(name, sizeBytes, expectedObjCount, flags)
	if err != nil {
		return 0, err
	}
	if err := s.resolvePending(h, name); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.nameByH[h] = name
	s.mu.Unlock()
	return h, nil
}

func (s *Store) Open(name string) (backend.PoolHandle, error) {
	h, err := s.Store.Open(name)
	if err != nil {
		return 0, err
	}
	if err := s.resolvePending(h, name); err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.nameByH[h] = name
	s.mu.Unlock()
	return h, nil
}

func (s *Store) Close(h backend.PoolHandle) error {
	s.mu.Lock()
	delete(s.nameByH, h)
	s.mu.Unlock()
	return s.Store.Close(h)
}

func (s *Store) Delete(name string) error {
	_ = s.clearLedger(name)
	return s.Store.Delete(name)
}

// Rename records the intended swap to the ledger before delegating to
// hstore's batched rename, and clears the ledger once it commits. Lookup
// of the pool's name rather than taking it as a parameter keeps this
// method's signature identical to backend.Backend's.
func (s *Store) Rename(h backend.PoolHandle, from, to string) error {
	s.mu.Lock()
	name, ok := s.nameByH[h]
	s.mu.Unlock()
	if !ok {
		return errs.New(errs.PoolError, "unknown pool handle")
	}

	if err := s.writeLedger(name, pendingRename{From: from, To: to}); err != nil {
		return err
	}
	if err := s.Store.Rename(h, from, to); err != nil {
		return err
	}
	return s.clearLedger(name)
}
