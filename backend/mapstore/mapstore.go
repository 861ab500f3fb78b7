// Package mapstore implements an in-memory Backend, the DRAM-only engine
// named "mapstore" in the sealed backend set (spec §9). It plays the role
// the teacher's maple engine plays for lib/db: a sharded, xsync-backed map
// that every other engine is measured against, except mapstore layers pool
// handles, addressed locking and raw-region enumeration on top, which
// lib/db.KVDB never needed because dKV's stores never expose RDMA-style
// addresses to clients.
package mapstore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/internal/errs"
)

const regionSize = 1 << 20 // 1 MiB, the chunk size pools grow by

// slot is one key's storage plus its lock state. Locking here is
// non-blocking by design (the shard's event loop never blocks): a
// conflicting Lock call fails fast with errs.Locked rather than waiting.
type slot struct {
	mu sync.Mutex

	key       string
	value     []byte
	addr      uint64
	writeTime time.Time

	lockKind  backend.LockKind
	refCount  int // 0 = unlocked
	keyHandle backend.KeyHandle
}

type pool struct {
	handle   backend.PoolHandle
	name     string
	sizeBytes uint64
	expectedObjCount uint64
	flags    backend.CreateFlags

	nextAddr    atomic.Uint64
	nextKeyH    atomic.Uint64
	regionCount atomic.Int64

	byKey  *xsync.MapOf[string, *slot]
	byAddr *xsync.MapOf[uint64, *slot]
	byKeyH *xsync.MapOf[backend.KeyHandle, *slot]
}

// Store is the mapstore Backend implementation. One Store instance serves
// every pool a shard opens against this backend.
type Store struct {
	mu        sync.RWMutex
	byName    map[string]*pool
	byHandle  map[backend.PoolHandle]*pool
	nextHandle atomic.Uint64
}

// New creates an empty mapstore instance.
func New() *Store {
	return &Store{
		byName:   make(map[string]*pool),
		byHandle: make(map[backend.PoolHandle]*pool),
	}
}

func (s *Store) pool(h backend.PoolHandle) (*pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byHandle[h]
	if !ok {
		return nil, errs.New(errs.PoolError, "unknown pool handle")
	}
	return p, nil
}

func (s *Store) Create(name string, sizeBytes, expectedObjCount uint64, flags backend.CreateFlags) (backend.PoolHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byName[name]; exists {
		if flags&backend.FlagCreateOnly != 0 {
			return 0, errs.New(errs.AlreadyOpen, "pool already open: "+name)
		}
	}

	h := backend.PoolHandle(s.nextHandle.Add(1))
	p := &pool{
		handle:           h,
		name:             name,
		sizeBytes:        sizeBytes,
		expectedObjCount: expectedObjCount,
		flags:            flags,
		byKey:            xsync.NewMapOf[string, *slot](),
		byAddr:           xsync.NewMapOf[uint64, *slot](),
		byKeyH:           xsync.NewMapOf[backend.KeyHandle, *slot](),
	}
	p.nextAddr.Store(1 << 32) // keep mapstore addresses out of low address space, purely cosmetic
	regions := (sizeBytes + regionSize - 1) / regionSize
	if regions == 0 {
		regions = 1
	}
	p.regionCount.Store(int64(regions))

	s.byName[name] = p
	s.byHandle[h] = p
	return h, nil
}

func (s *Store) Open(name string) (backend.PoolHandle, error) {
	s.mu.RLock()
	p, ok := s.byName[name]
	s.mu.RUnlock()
	if ok {
		return p.handle, nil
	}
	// mapstore auto-creates on open, matching an all-DRAM test backend that
	// has no on-disk state to be missing.
	return s.Create(name, regionSize, 0, 0)
}

func (s *Store) Close(_ backend.PoolHandle) error {
	// mapstore pools have no OS-level resource tied to a particular
	// in-process handle beyond the map entries themselves; Close is a
	// no-op here, the way lib/store/lstore never closes its maple db.
	return nil
}

func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byName[name]
	if !ok {
		return errs.New(errs.PoolError, "unknown pool: "+name)
	}
	delete(s.byName, name)
	delete(s.byHandle, p.handle)
	return nil
}

func (s *Store) Put(h backend.PoolHandle, key string, value []byte, flags backend.CreateFlags) error {
	p, err := s.pool(h)
	if err != nil {
		return err
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	var putErr error
	p.byKey.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		if loaded {
			if flags&backend.FlagDontStomp != 0 {
				putErr = errs.New(errs.AlreadyExists, key)
				return old, false
			}
			old.mu.Lock()
			old.value = valueCopy
			old.writeTime = time.Now()
			old.mu.Unlock()
			return old, false
		}
		ns := &slot{
			key:       key,
			value:     valueCopy,
			addr:      p.nextAddr.Add(uint64(alignedLen(len(valueCopy)))),
			writeTime: time.Now(),
		}
		p.byAddr.Store(ns.addr, ns)
		return ns, false
	})
	return putErr
}

func alignedLen(n int) int {
	if n == 0 {
		return 8
	}
	return (n + 7) &^ 7
}

func (s *Store) Lock(h backend.PoolHandle, key string, kind backend.LockKind, newLen uint64) (backend.LockedValue, error) {
	p, err := s.pool(h)
	if err != nil {
		return backend.LockedValue{}, err
	}

	var (
		out    backend.LockedValue
		lockErr error
	)
	p.byKey.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		sl := old
		if !loaded {
			if newLen == 0 {
				lockErr = errs.New(errs.KeyNotFound, key)
				return nil, true
			}
			sl = &slot{
				key:       key,
				value:     make([]byte, newLen),
				addr:      p.nextAddr.Add(uint64(alignedLen(int(newLen)))),
				writeTime: time.Now(),
			}
			p.byAddr.Store(sl.addr, sl)
		}

		sl.mu.Lock()
		defer sl.mu.Unlock()

		switch {
		case sl.refCount == 0:
			sl.lockKind = kind
			sl.refCount = 1
			sl.keyHandle = backend.KeyHandle(p.nextKeyH.Add(1))
			p.byKeyH.Store(sl.keyHandle, sl)
		case kind == backend.LockShared && sl.lockKind == backend.LockShared:
			sl.refCount++
		default:
			lockErr = errs.New(errs.Locked, key)
			return sl, false
		}

		out = backend.LockedValue{Key: sl.keyHandle, Addr: sl.addr, Length: uint64(len(sl.value))}
		return sl, false
	})

	if lockErr != nil {
		return backend.LockedValue{}, lockErr
	}
	return out, nil
}

func (s *Store) Unlock(h backend.PoolHandle, kh backend.KeyHandle, withFlush bool) error {
	p, err := s.pool(h)
	if err != nil {
		return err
	}
	sl, ok := p.byKeyH.Load(kh)
	if !ok {
		return errs.New(errs.Fail, "unknown key handle")
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.refCount == 0 {
		return errs.New(errs.Fail, "double unlock")
	}
	sl.refCount--
	if sl.refCount == 0 {
		p.byKeyH.Delete(kh)
	}
	// withFlush is a no-op for DRAM; real persistent backends call their
	// equivalent of msync/pmem_persist here.
	_ = withFlush
	return nil
}

func (s *Store) Erase(h backend.PoolHandle, key string) error {
	p, err := s.pool(h)
	if err != nil {
		return err
	}
	sl, ok := p.byKey.LoadAndDelete(key)
	if !ok {
		return errs.New(errs.KeyNotFound, key)
	}
	sl.mu.Lock()
	locked := sl.refCount > 0
	sl.mu.Unlock()
	if locked {
		p.byKey.Store(key, sl) // put it back, erase must not remove a locked value
		return errs.New(errs.Locked, key)
	}
	p.byAddr.Delete(sl.addr)
	return nil
}

func (s *Store) Resize(h backend.PoolHandle, kh backend.KeyHandle, newLen uint64) (backend.LockedValue, error) {
	p, err := s.pool(h)
	if err != nil {
		return backend.LockedValue{}, err
	}
	sl, ok := p.byKeyH.Load(kh)
	if !ok {
		return backend.LockedValue{}, errs.New(errs.Fail, "unknown key handle")
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	p.byAddr.Delete(sl.addr)
	nv := make([]byte, newLen)
	copy(nv, sl.value)
	sl.value = nv
	sl.addr = p.nextAddr.Add(uint64(alignedLen(int(newLen))))
	p.byAddr.Store(sl.addr, sl)

	return backend.LockedValue{Key: sl.keyHandle, Addr: sl.addr, Length: newLen}, nil
}

func (s *Store) Alloc(h backend.PoolHandle, sizeBytes uint64) (uint64, error) {
	p, err := s.pool(h)
	if err != nil {
		return 0, err
	}
	sl := &slot{
		key:       fmt.Sprintf("___anon_%d", p.nextAddr.Load()),
		value:     make([]byte, sizeBytes),
		writeTime: time.Now(),
	}
	sl.addr = p.nextAddr.Add(uint64(alignedLen(int(sizeBytes))))
	p.byAddr.Store(sl.addr, sl)
	return sl.addr, nil
}

func (s *Store) Free(h backend.PoolHandle, addr uint64) error {
	p, err := s.pool(h)
	if err != nil {
		return err
	}
	if _, ok := p.byAddr.LoadAndDelete(addr); !ok {
		return errs.New(errs.Fail, "unknown address")
	}
	return nil
}

func (s *Store) ReadAt(h backend.PoolHandle, addr uint64, length uint64) ([]byte, error) {
	p, err := s.pool(h)
	if err != nil {
		return nil, err
	}
	sl, ok := p.byAddr.Load(addr)
	if !ok {
		return nil, errs.New(errs.Fail, "unknown address")
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	out := make([]byte, length)
	copy(out, sl.value)
	return out, nil
}

func (s *Store) WriteAt(h backend.PoolHandle, addr uint64, value []byte) error {
	p, err := s.pool(h)
	if err != nil {
		return err
	}
	sl, ok := p.byAddr.Load(addr)
	if !ok {
		return errs.New(errs.Fail, "unknown address")
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.value = append([]byte(nil), value...)
	sl.writeTime = time.Now()
	return nil
}

func (s *Store) Regions(h backend.PoolHandle) ([]backend.Region, error) {
	p, err := s.pool(h)
	if err != nil {
		return nil, err
	}
	n := p.regionCount.Load()
	out := make([]backend.Region, n)
	for i := range out {
		out[i] = backend.Region{Base: uint64(i) * regionSize, Len: regionSize}
	}
	return out, nil
}

func (s *Store) Keys(h backend.PoolHandle, since time.Time) ([]backend.KeyInfo, error) {
	p, err := s.pool(h)
	if err != nil {
		return nil, err
	}
	var out []backend.KeyInfo
	p.byKey.Range(func(key string, sl *slot) bool {
		sl.mu.Lock()
		wt := sl.writeTime
		ln := uint64(len(sl.value))
		sl.mu.Unlock()
		if !since.IsZero() && wt.Before(since) {
			return true
		}
		out = append(out, backend.KeyInfo{Key: key, Length: ln, WriteTime: wt})
		return true
	})
	return out, nil
}

func (s *Store) Attributes(h backend.PoolHandle) (backend.Attributes, error) {
	p, err := s.pool(h)
	if err != nil {
		return backend.Attributes{}, err
	}
	var objCount uint64
	var used uint64
	p.byKey.Range(func(_ string, sl *slot) bool {
		objCount++
		sl.mu.Lock()
		used += uint64(len(sl.value))
		sl.mu.Unlock()
		return true
	})
	pct := 0.0
	if p.sizeBytes > 0 {
		pct = float64(used) / float64(p.sizeBytes) * 100
	}
	return backend.Attributes{
		SizeBytes:   p.sizeBytes,
		MemoryType:  "DRAM",
		PercentUsed: pct,
		ObjectCount: objCount,
		Flags:       uint32(p.flags),
	}, nil
}

func (s *Store) Name(h backend.PoolHandle) (string, error) {
	p, err := s.pool(h)
	if err != nil {
		return "", err
	}
	return p.name, nil
}

func (s *Store) Rename(h backend.PoolHandle, from, to string) error {
	p, err := s.pool(h)
	if err != nil {
		return err
	}
	sl, ok := p.byKey.LoadAndDelete(from)
	if !ok {
		return errs.New(errs.KeyNotFound, from)
	}
	sl.mu.Lock()
	sl.key = to
	sl.mu.Unlock()
	p.byKey.Store(to, sl)
	return nil
}

// Flush is a no-op for mapstore: DRAM has nothing to persist. Real
// persistent backends (hstore, hstorecc) call their allocator's flush
// primitive here.
func (s *Store) Flush(h backend.PoolHandle, addr, length uint64) error {
	if _, err := s.pool(h); err != nil {
		return err
	}
	return nil
}
