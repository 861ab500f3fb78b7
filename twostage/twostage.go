package twostage

import (
	"time"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/index"
	"github.com/mcas-project/shard/internal/errs"
	"github.com/mcas-project/shard/lockregistry"
	"github.com/mcas-project/shard/transport"
)

const pendingPrefix = "___pending_"

// PendingKeyName builds the sentinel key name a PUT_LOCATE/PUT_ADVANCE
// reserves under, per spec §3's sentinel pending-key prefix.
func PendingKeyName(actual string) string {
	return pendingPrefix + actual
}

// Coordinator drives the large-value two-stage protocols for one backend
// pool set, sharing the shard's lock registry and (optionally) its
// secondary index.
type Coordinator struct {
	backend  backend.Backend
	registry *lockregistry.Registry
}

// New creates a Coordinator over the given backend and lock registry.
func New(b backend.Backend, reg *lockregistry.Registry) *Coordinator {
	return &Coordinator{backend: b, registry: reg}
}

// LocateResult is what PutLocate/GetLocate hand back to the dispatcher for
// the IO_RESPONSE wire reply.
type LocateResult struct {
	Addr      uint64
	Length    uint64
	RemoteKey transport.RemoteKey
}

// PutLocate implements PUT_ADVANCE/PUT_LOCATE (spec §4.5): reserve a
// sentinel slot, register its memory, and record an exclusive lock plus a
// pending rename so PUT_RELEASE can finish the job once the client's RDMA
// write lands.
func (c *Coordinator) PutLocate(h backend.PoolHandle, conn transport.Connection, actualKey string, valueLen uint64) (LocateResult, error) {
	sentinel := PendingKeyName(actualKey)

	locked, err := c.backend.Lock(h, sentinel, backend.LockExclusive, valueLen)
	if err != nil {
		return LocateResult{}, err
	}
	if locked.Length != valueLen {
		_ = c.backend.Unlock(h, locked.Key, false)
		return LocateResult{}, errs.Newf(errs.Inval, "pending slot length mismatch: have %d, want %d", locked.Length, valueLen)
	}

	remoteKey, err := conn.Register(locked.Addr, locked.Length)
	if err != nil {
		// Registration failed: release the lock we already hold before
		// reporting failure (spec §4.5's rollback edge case).
		_ = c.backend.Unlock(h, locked.Key, false)
		return LocateResult{}, err
	}

	if err := c.registry.AcquireExclusive(locked.Addr, h, locked.Key, locked.Length); err != nil {
		_ = conn.Deregister(remoteKey)
		_ = c.backend.Unlock(h, locked.Key, false)
		return LocateResult{}, err
	}
	c.registry.SetExclusiveRemoteKey(locked.Addr, uint64(remoteKey))

	if err := c.registry.AddPendingRename(locked.Addr, h, sentinel, actualKey); err != nil {
		// Should not happen: we just registered the exclusive entry above.
		return LocateResult{}, err
	}

	return LocateResult{Addr: locked.Addr, Length: locked.Length, RemoteKey: remoteKey}, nil
}

// PutRelease implements the PUT_RELEASE half of the protocol: release the
// exclusive lock, and — once its refcount truly reaches zero — resolve any
// pending rename and (if idx is non-nil) index the now-visible key.
func (c *Coordinator) PutRelease(h backend.PoolHandle, addr uint64, idx *index.Index) error {
	ok, entry, err := c.registry.ReleaseExclusive(addr)
	if err != nil {
		return err
	}
	if !ok {
		// Refcount hasn't reached zero yet (ADO re-lock outstanding);
		// nothing more to do until the final release.
		return nil
	}

	if err := c.backend.Unlock(h, entry.Key, false); err != nil {
		return err
	}

	pending, has := c.registry.TakePendingRename(addr)
	if !has {
		return nil
	}

	if err := c.backend.Rename(pending.Pool, pending.From, pending.To); err != nil {
		return err
	}

	if idx != nil {
		info, err := c.keyLength(pending.Pool, pending.To)
		if err == nil {
			idx.Put(index.Entry{Key: pending.To, Length: info})
		}
	}
	return nil
}

func (c *Coordinator) keyLength(h backend.PoolHandle, key string) (uint64, error) {
	keys, err := c.backend.Keys(h, time.Time{})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if k.Key == key {
			return k.Length, nil
		}
	}
	return 0, errs.New(errs.KeyNotFound, key)
}

// GetLocate implements GET_LOCATE: take a read lock, register its memory,
// and consolidate concurrent readers of the same target address onto one
// shared registry entry (spec §4.5).
func (c *Coordinator) GetLocate(h backend.PoolHandle, conn transport.Connection, key string) (LocateResult, error) {
	locked, err := c.backend.Lock(h, key, backend.LockShared, 0)
	if err != nil {
		return LocateResult{}, err
	}

	remoteKey, err := conn.Register(locked.Addr, locked.Length)
	if err != nil {
		_ = c.backend.Unlock(h, locked.Key, false)
		return LocateResult{}, err
	}

	sharedBefore, _, _ := c.registry.Counts()
	if err := c.registry.AcquireShared(locked.Addr, h, locked.Key, locked.Length); err != nil {
		_ = conn.Deregister(remoteKey)
		_ = c.backend.Unlock(h, locked.Key, false)
		return LocateResult{}, err
	}
	c.registry.SetSharedRemoteKey(locked.Addr, uint64(remoteKey))
	if sharedAfter, _, _ := c.registry.Counts(); sharedAfter == sharedBefore {
		// The registry already had a reader at this address and only added
		// a reference: its backend lock covers this reader too, so the one
		// just taken is dropped and GetRelease's final release balances it.
		_ = c.backend.Unlock(h, locked.Key, false)
	}

	return LocateResult{Addr: locked.Addr, Length: locked.Length, RemoteKey: remoteKey}, nil
}

// GetRelease implements GET_RELEASE: drop one shared reference, releasing
// the backend lock only once the last reader has released.
func (c *Coordinator) GetRelease(h backend.PoolHandle, addr uint64) error {
	ok, entry, err := c.registry.ReleaseShared(addr)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return c.backend.Unlock(h, entry.Key, false)
}

// LocateRange implements the offset-based LOCATE path: resolve the
// requested byte range against the pool's region list, register the
// minimal enclosing range, and reserve it.
func (c *Coordinator) LocateRange(h backend.PoolHandle, conn transport.Connection, offset, size uint64) ([]Iovec, transport.RemoteKey, uint64, error) {
	regions, err := c.backend.Regions(h)
	if err != nil {
		return nil, 0, 0, err
	}

	sg, lo, hi, excess := ResolveSG(regions, offset, offset+size)
	if len(sg) == 0 {
		return nil, 0, 0, errs.Newf(errs.OutOfBounds, "offset %d out of range", offset)
	}

	remoteKey, err := conn.Register(lo, hi-lo)
	if err != nil {
		return nil, 0, 0, err
	}

	if err := c.registry.ReserveSpace(lo, h, lo, hi); err != nil {
		_ = conn.Deregister(remoteKey)
		return nil, 0, 0, err
	}
	c.registry.SetReservedRemoteKey(lo, uint64(remoteKey))

	return sg, remoteKey, excess, nil
}

// ReleaseRange implements RELEASE / RELEASE_WITH_FLUSH for the
// offset-based path.
func (c *Coordinator) ReleaseRange(h backend.PoolHandle, addr uint64, withFlush bool) error {
	ok, entry, err := c.registry.ReleaseSpace(addr)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if withFlush {
		if err := c.backend.Flush(h, entry.Lo, entry.Hi-entry.Lo); err != nil {
			return err
		}
	}
	return nil
}
