// Package poolmgr tracks, per session, which pools a connection has open
// and how many times. It plays the role the teacher's lib/store plays atop
// lib/db — a thin bookkeeping layer over the backend's own pool handles —
// generalized from "one store per process" to "one refcounted table per
// connection", since a single mapstore/hstore Backend instance is shared
// across every session on the shard.
package poolmgr

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/internal/errs"
)

// record is what the pool manager keeps per open pool on one session.
type record struct {
	Handle           backend.PoolHandle
	Name             string
	ExpectedObjCount uint64
	SizeBytes        uint64
	Flags            backend.CreateFlags
	RefCount         int
}

// Manager is the per-session open-pool table: a name↔handle index plus
// refcounts, as specified in spec.md §4.3.
type Manager struct {
	byHandle *xsync.MapOf[backend.PoolHandle, *record]
	byName   *xsync.MapOf[string, *record]
}

// New creates an empty pool manager for one session.
func New() *Manager {
	return &Manager{
		byHandle: xsync.NewMapOf[backend.PoolHandle, *record](),
		byName:   xsync.NewMapOf[string, *record](),
	}
}

// CheckForOpenPool reports whether name is already open on this session.
func (m *Manager) CheckForOpenPool(name string) (bool, backend.PoolHandle) {
	r, ok := m.byName.Load(name)
	if !ok {
		return false, 0
	}
	return true, r.Handle
}

// RegisterPool adds a freshly opened/created pool to the table with an
// initial refcount of 1.
func (m *Manager) RegisterPool(name string, h backend.PoolHandle, expectedObjCount, sizeBytes uint64, flags backend.CreateFlags) {
	r := &record{
		Handle:           h,
		Name:             name,
		ExpectedObjCount: expectedObjCount,
		SizeBytes:        sizeBytes,
		Flags:            flags,
		RefCount:         1,
	}
	m.byHandle.Store(h, r)
	m.byName.Store(name, r)
}

// AddReference increments the refcount for an already-open pool, the
// re-open case.
func (m *Manager) AddReference(h backend.PoolHandle) error {
	r, ok := m.byHandle.Load(h)
	if !ok {
		return errs.New(errs.Inval, "add-reference on unknown pool handle")
	}
	r.RefCount++
	return nil
}

// ReleasePoolReference decrements the refcount and reports whether it hit
// zero — the signal that a real backend.Close is warranted.
func (m *Manager) ReleasePoolReference(h backend.PoolHandle) (bool, error) {
	r, ok := m.byHandle.Load(h)
	if !ok {
		return false, errs.New(errs.Inval, "release-reference on unknown pool handle")
	}
	if r.RefCount <= 0 {
		return false, errs.New(errs.Fail, "pool refcount already zero")
	}
	r.RefCount--
	if r.RefCount == 0 {
		m.byHandle.Delete(h)
		m.byName.Delete(r.Name)
		return true, nil
	}
	return false, nil
}

// PoolReferenceCount returns the current refcount for h.
func (m *Manager) PoolReferenceCount(h backend.PoolHandle) (int, error) {
	r, ok := m.byHandle.Load(h)
	if !ok {
		return 0, errs.New(errs.Inval, "unknown pool handle")
	}
	return r.RefCount, nil
}

// PoolName returns the name a handle was registered under.
func (m *Manager) PoolName(h backend.PoolHandle) (string, error) {
	r, ok := m.byHandle.Load(h)
	if !ok {
		return "", errs.New(errs.Inval, "unknown pool handle")
	}
	return r.Name, nil
}

// PoolInfo returns the expected object count, size and creation flags
// recorded at RegisterPool time.
func (m *Manager) PoolInfo(h backend.PoolHandle) (expectedObjCount, sizeBytes uint64, flags backend.CreateFlags, err error) {
	r, ok := m.byHandle.Load(h)
	if !ok {
		return 0, 0, 0, errs.New(errs.Inval, "unknown pool handle")
	}
	return r.ExpectedObjCount, r.SizeBytes, r.Flags, nil
}

// OpenHandle is one entry of OpenPoolSet's result.
type OpenHandle struct {
	Handle backend.PoolHandle
	Name   string
	RefCount int
}

// OpenPoolSet returns a snapshot of every pool this session currently has
// open, for session-close cleanup (close all open pools) and for the
// INFO/stats surface.
func (m *Manager) OpenPoolSet() []OpenHandle {
	var out []OpenHandle
	m.byHandle.Range(func(h backend.PoolHandle, r *record) bool {
		out = append(out, OpenHandle{Handle: h, Name: r.Name, RefCount: r.RefCount})
		return true
	})
	return out
}
