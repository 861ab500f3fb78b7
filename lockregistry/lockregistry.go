// Package lockregistry tracks locked-value and reserved-space records,
// keyed by target address rather than by key, the way the ADO work-request
// table keys by its own address ("work-request key") rather than by a
// caller-visible handle. The per-address refcounting and disjoint-registry
// invariant follow the same shape as xiaonanln-goverse's KeyLock: a shared
// map guards a per-address entry, and the entry itself tracks a refcount
// that gates cleanup — generalized here to three disjoint registries
// instead of one, and to explicit register/lookup/release calls instead of
// an RAII unlock closure, since the shard's event loop releases locks from
// deferred actions and ADO completions, not from the call frame that
// acquired them.
package lockregistry

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/internal/errs"
)

// Addr is a target address: the raw virtual address of a locked value's
// storage, or of a reserved byte range's start.
type Addr = uint64

// SharedEntry is the locked-value record held while one or more readers
// share a backend lock on a single target address.
type SharedEntry struct {
	Pool     backend.PoolHandle
	Key      backend.KeyHandle
	Length   uint64
	RemoteKey uint64 // transport-issued registration token
	RefCount int
}

// ExclusiveEntry is the locked-value record held by a single writer. A
// writer may be re-referenced by the ADO path (ADO re-locking the same
// target while a work request is outstanding), hence RefCount rather than
// a bare bool.
type ExclusiveEntry struct {
	Pool      backend.PoolHandle
	Key       backend.KeyHandle
	Length    uint64
	RemoteKey uint64
	RefCount  int
}

// PendingRename is created under a sentinel key during PUT_LOCATE/
// PUT_ADVANCE and consumed when the matching exclusive lock finally
// releases (spec §3, §4.5).
type PendingRename struct {
	Pool backend.PoolHandle
	From string
	To   string
}

// ReservedSpace is the record for an offset-based LOCATE/RELEASE against
// raw pool memory, not tied to any key.
type ReservedSpace struct {
	Pool      backend.PoolHandle
	Lo, Hi    uint64
	RemoteKey uint64
	RefCount  int
}

// Registry owns the three disjoint, address-keyed maps plus the
// pending-rename map. One Registry per shard.
type Registry struct {
	mu sync.Mutex // guards cross-registry invariants (membership exclusivity)

	shared    *xsync.MapOf[Addr, *SharedEntry]
	exclusive *xsync.MapOf[Addr, *ExclusiveEntry]
	reserved  *xsync.MapOf[Addr, *ReservedSpace]
	renames   *xsync.MapOf[Addr, *PendingRename]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		shared:    xsync.NewMapOf[Addr, *SharedEntry](),
		exclusive: xsync.NewMapOf[Addr, *ExclusiveEntry](),
		reserved:  xsync.NewMapOf[Addr, *ReservedSpace](),
		renames:   xsync.NewMapOf[Addr, *PendingRename](),
	}
}

func (r *Registry) occupied(addr Addr) bool {
	if _, ok := r.shared.Load(addr); ok {
		return true
	}
	if _, ok := r.exclusive.Load(addr); ok {
		return true
	}
	if _, ok := r.reserved.Load(addr); ok {
		return true
	}
	return false
}

// AcquireShared registers a new shared-reader entry at addr, or adds a
// reference to an existing one — consolidating concurrent readers of the
// same target address onto one backend lock (spec §4.5).
func (r *Registry) AcquireShared(addr Addr, pool backend.PoolHandle, key backend.KeyHandle, length uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.shared.Load(addr); ok {
		existing.RefCount++
		return nil
	}
	if r.occupied(addr) {
		return errs.New(errs.Locked, "target address already locked exclusively or reserved")
	}
	r.shared.Store(addr, &SharedEntry{Pool: pool, Key: key, Length: length, RefCount: 1})
	return nil
}

// SetSharedRemoteKey records the transport registration token for addr,
// separated from AcquireShared since registration happens after the
// backend lock is taken (spec §4.5 step 3-4).
func (r *Registry) SetSharedRemoteKey(addr Addr, remoteKey uint64) {
	if e, ok := r.shared.Load(addr); ok {
		e.RemoteKey = remoteKey
	}
}

// ReleaseShared drops one reference; returns true when the last reference
// was removed (the caller must then release the backend lock).
func (r *Registry) ReleaseShared(addr Addr) (bool, *SharedEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.shared.Load(addr)
	if !ok {
		return false, nil, errs.New(errs.Inval, "release of unknown shared target address")
	}
	e.RefCount--
	if e.RefCount <= 0 {
		r.shared.Delete(addr)
		return true, e, nil
	}
	return false, e, nil
}

// AcquireExclusive registers a new exclusive-writer entry. A second call
// for the same address (the ADO re-lock case) increments RefCount instead
// of failing.
func (r *Registry) AcquireExclusive(addr Addr, pool backend.PoolHandle, key backend.KeyHandle, length uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.exclusive.Load(addr); ok {
		existing.RefCount++
		return nil
	}
	if r.occupied(addr) {
		return errs.New(errs.Locked, "target address already locked or reserved")
	}
	r.exclusive.Store(addr, &ExclusiveEntry{Pool: pool, Key: key, Length: length, RefCount: 1})
	return nil
}

func (r *Registry) SetExclusiveRemoteKey(addr Addr, remoteKey uint64) {
	if e, ok := r.exclusive.Load(addr); ok {
		e.RemoteKey = remoteKey
	}
}

// ReleaseExclusive decrements the refcount on addr; when it reaches zero,
// the entry is removed and ok is true, signalling the caller to release
// the backend lock and resolve any pending rename at addr (spec §4.5's
// ordering rule: rename resolves only once refcount hits zero).
func (r *Registry) ReleaseExclusive(addr Addr) (ok bool, entry *ExclusiveEntry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.exclusive.Load(addr)
	if !found {
		return false, nil, errs.New(errs.Inval, "release of unknown exclusive target address")
	}
	e.RefCount--
	if e.RefCount <= 0 {
		r.exclusive.Delete(addr)
		return true, e, nil
	}
	return false, e, nil
}

// PeekExclusive returns the current exclusive entry at addr without
// mutating its refcount, for handlers that need to inspect it (e.g. the
// deferred RELEASE_VALUE_LOCK_EXCLUSIVE action).
func (r *Registry) PeekExclusive(addr Addr) (*ExclusiveEntry, bool) {
	return r.exclusive.Load(addr)
}

// ReserveSpace registers a raw byte-range reservation used by the
// offset-based LOCATE/RELEASE path.
func (r *Registry) ReserveSpace(addr Addr, pool backend.PoolHandle, lo, hi uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.reserved.Load(addr); ok {
		existing.RefCount++
		return nil
	}
	if r.occupied(addr) {
		return errs.New(errs.Locked, "target address already locked or reserved")
	}
	r.reserved.Store(addr, &ReservedSpace{Pool: pool, Lo: lo, Hi: hi, RefCount: 1})
	return nil
}

func (r *Registry) SetReservedRemoteKey(addr Addr, remoteKey uint64) {
	if e, ok := r.reserved.Load(addr); ok {
		e.RemoteKey = remoteKey
	}
}

func (r *Registry) ReleaseSpace(addr Addr) (bool, *ReservedSpace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.reserved.Load(addr)
	if !ok {
		return false, nil, errs.New(errs.Inval, "release of unknown reserved address")
	}
	e.RefCount--
	if e.RefCount <= 0 {
		r.reserved.Delete(addr)
		return true, e, nil
	}
	return false, e, nil
}

// AddPendingRename records a rename keyed by the sentinel slot's target
// address, consumed by TakePendingRename when the matching exclusive
// lock is finally released.
func (r *Registry) AddPendingRename(addr Addr, pool backend.PoolHandle, from, to string) error {
	if _, ok := r.exclusive.Load(addr); !ok {
		return errs.New(errs.Inval, "pending rename requires a matching exclusive lock")
	}
	r.renames.Store(addr, &PendingRename{Pool: pool, From: from, To: to})
	return nil
}

// TakePendingRename removes and returns the pending rename at addr, if
// any. ok is false when no rename was pending (the common case for plain
// PUT_RELEASE on an already-named key).
func (r *Registry) TakePendingRename(addr Addr) (*PendingRename, bool) {
	return r.renames.LoadAndDelete(addr)
}

// Counts reports the current size of each registry, read once per event
// loop tick and passed to internal/metrics.ShardMetrics.SetLockCounts.
func (r *Registry) Counts() (shared, exclusive, reserved int) {
	r.shared.Range(func(Addr, *SharedEntry) bool { shared++; return true })
	r.exclusive.Range(func(Addr, *ExclusiveEntry) bool { exclusive++; return true })
	r.reserved.Range(func(Addr, *ReservedSpace) bool { reserved++; return true })
	return
}
