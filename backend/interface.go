// Package backend defines the pluggable key-value engine the shard drives.
// It is layered the way the teacher layers lib/store over lib/db: a small
// capability interface that every concrete engine implements, with the
// engine's own locking/persistence details hidden behind opaque handles.
// Unlike lib/db.KVDB (pure map semantics, no locking), Backend also owns
// pool lifecycle and the lock/alloc primitives the two-stage value path and
// the ADO coordinator build on.
package backend

import (
	"time"

	"github.com/mcas-project/shard/internal/errs"
)

// PoolHandle is an opaque identifier for an open pool, unique per backend
// instance. The zero value never names a real pool.
type PoolHandle uint64

// KeyHandle is an opaque token returned by Lock; it names one locked
// key-value pair and is invalid after Unlock.
type KeyHandle uint64

// LockKind selects shared (reader) or exclusive (writer) semantics.
type LockKind uint8

const (
	LockShared LockKind = iota
	LockExclusive
)

// CreateFlags / flags on Create and Put mirror the bit flags spec.md names.
type CreateFlags uint32

const (
	FlagCreateOnly CreateFlags = 1 << 0
	FlagDontStomp  CreateFlags = 1 << 1
)

// Region is one contiguous {base, len} span of a pool's virtual address
// space, as enumerated for scatter-gather resolution (see twostage.SG).
type Region struct {
	Base uint64
	Len  uint64
}

// KeyInfo is one entry produced by key enumeration.
type KeyInfo struct {
	Key       string
	Length    uint64
	WriteTime time.Time
}

// Attributes is the aggregate set of per-pool facts the ADO pool-info
// callback and the INFO attribute query both read.
type Attributes struct {
	SizeBytes    uint64
	MemoryType   string
	PercentUsed  float64
	ObjectCount  uint64
	Flags        uint32
}

// LockedValue describes the memory a successful Lock hands back: a pointer
// (as a target address, see twostage/sg.go's consumer, the lock registry)
// plus its length.
type LockedValue struct {
	Key     KeyHandle
	Addr    uint64
	Length  uint64
}

// Backend is the capability interface every storage engine variant
// implements. Sealed to {mapstore, hstore, hstorecc} (spec §9); callers
// select one by name at startup, never by type-switching on a wider type.
type Backend interface {
	// Create makes a new pool. FlagCreateOnly fails with errs.AlreadyOpen if
	// a pool of that name is already open in this backend instance.
	Create(name string, sizeBytes, expectedObjCount uint64, flags CreateFlags) (PoolHandle, error)
	// Open attaches to an existing pool by name. Every backend here creates
	// the pool if it is absent (mapstore with default size; hstore and
	// hstorecc by opening a fresh pebble database).
	Open(name string) (PoolHandle, error)
	// Close releases the in-process handle. The pool's data is untouched.
	Close(h PoolHandle) error
	// Delete removes a pool's data permanently. The pool must not be open
	// elsewhere (callers are expected to have refcounted via poolmgr).
	Delete(name string) error

	// Put copies value into the pool under key, creating or overwriting it.
	// FlagDontStomp makes an existing key fail with errs.AlreadyExists.
	Put(h PoolHandle, key string, value []byte, flags CreateFlags) error

	// Lock acquires a shared or exclusive lock on key, creating a
	// zero-filled slot of size newLen if the key does not exist and newLen
	// is nonzero. It returns the locked value's handle, target address and
	// length.
	Lock(h PoolHandle, key string, kind LockKind, newLen uint64) (LockedValue, error)
	// Unlock releases a previously acquired lock. withFlush additionally
	// flushes the value region to persistent media before releasing.
	Unlock(h PoolHandle, kh KeyHandle, withFlush bool) error

	// Erase removes a key's value entirely. The key must not be locked.
	Erase(h PoolHandle, key string) error

	// Resize changes the length of a locked value, preserving its
	// key-handle; the value moves to a new address. Used by the ADO
	// VALUE_RESIZE callback, which resizes under its own lock and then
	// unlocks and relocks the key.
	Resize(h PoolHandle, kh KeyHandle, newLen uint64) (LockedValue, error)

	// Alloc/Free manage pool memory not bound to any key, used by ADO's
	// ALLOCATE_POOL_MEMORY/FREE_POOL_MEMORY callbacks and DETACHED PUT_ADO.
	Alloc(h PoolHandle, sizeBytes uint64) (addr uint64, err error)
	Free(h PoolHandle, addr uint64) error

	// ReadAt copies up to length bytes of whatever value currently lives at
	// addr in pool h's address space: a locked key's value (the inline GET
	// path and ADO's vector-materialize callback) or an Alloc'd anonymous
	// buffer. Callers are responsible for holding a lock over a keyed addr.
	ReadAt(h PoolHandle, addr uint64, length uint64) ([]byte, error)
	// WriteAt overwrites the value at addr with value, used to land a
	// DETACHED PUT_ADO payload into its Alloc'd buffer before the ADO
	// invocation runs.
	WriteAt(h PoolHandle, addr uint64, value []byte) error

	// Regions enumerates the pool's backing virtual-memory regions in a
	// stable order, the input to scatter-gather offset resolution.
	Regions(h PoolHandle) ([]Region, error)

	// Keys enumerates keys in the pool. If !since.IsZero(), only keys
	// written at or after since are returned (the ADO iterate time window).
	Keys(h PoolHandle, since time.Time) ([]KeyInfo, error)

	// Attributes aggregates pool-level facts for INFO/pool-info queries.
	Attributes(h PoolHandle) (Attributes, error)

	// Name returns the pool's name given its handle.
	Name(h PoolHandle) (string, error)

	// Rename atomically swaps a sentinel pending key into its actual name,
	// the final step of PUT_RELEASE's rename resolution (spec §4.5). The
	// destination key is created if absent. from must not be locked by
	// anyone other than the caller resolving the rename.
	Rename(h PoolHandle, from, to string) error

	// Flush persists the byte range [addr, addr+length) to the backing
	// medium, used by RELEASE_WITH_FLUSH before releasing a reserved
	// space (spec §4.5).
	Flush(h PoolHandle, addr, length uint64) error
}

// ErrOf wraps status+context into the shared error type every Backend
// implementation returns, so dispatch can unwrap a single error shape
// regardless of which engine produced it.
func ErrOf(status errs.Status, format string, args ...interface{}) error {
	return errs.Newf(status, format, args...)
}
