// Package hstore implements a persistent Backend backed by a pebble LSM
// tree per pool, standing in for the persistent-memory hash-table engine
// spec.md names "hstore": puts are durable once pebble's WAL has them,
// GET/LOCATE hand back an in-process address the same way mapstore does
// (pebble has no notion of a stable memory address), and Flush forces a
// pebble memtable flush so RELEASE_WITH_FLUSH means something beyond "the
// write syscall returned". Pool metadata and key bookkeeping are rebuilt
// from the LSM on Open, the way the teacher's dstore rebuilds its state
// machine from a raft snapshot rather than trusting in-memory structures
// across a restart.
package hstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/internal/errs"
)

const regionSize = 1 << 20

// manifestKey and the byte layout of its value (sizeBytes, expectedObjCount,
// flags, all little-endian uint64/uint32) let a reopened pool recover the
// metadata Create first recorded, without a separate metadata store.
var manifestKey = []byte("___manifest")

// slot mirrors mapstore's slot: the lock/address bookkeeping a pool keeps
// in memory regardless of which engine backs it durably.
type slot struct {
	mu sync.Mutex

	key       string
	value     []byte
	addr      uint64
	writeTime time.Time

	lockKind  backend.LockKind
	refCount  int
	keyHandle backend.KeyHandle
}

type pool struct {
	handle           backend.PoolHandle
	name             string
	dir              string
	db               *pebble.DB
	sizeBytes        uint64
	expectedObjCount uint64
	flags            backend.CreateFlags

	nextAddr    atomic.Uint64
	nextKeyH    atomic.Uint64
	regionCount atomic.Int64

	byKey  *xsync.MapOf[string, *slot]
	byAddr *xsync.MapOf[uint64, *slot]
	byKeyH *xsync.MapOf[backend.KeyHandle, *slot]
}

// Store is the hstore Backend implementation. Each pool is one pebble
// database rooted at baseDir/<name>.
type Store struct {
	baseDir string

	mu         sync.RWMutex
	byName     map[string]*pool
	byHandle   map[backend.PoolHandle]*pool
	nextHandle atomic.Uint64
}

// New creates an hstore instance rooted at baseDir, creating it if absent.
// baseDir plays the role spec.md's DAX path plays for the real engine:
// where the persistent pool image lives.
func New(baseDir string) (*Store, error) {
	if baseDir == "" {
		baseDir = "hstore-data"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("hstore: %w", err)
	}
	return &Store{
		baseDir:  baseDir,
		byName:   make(map[string]*pool),
		byHandle: make(map[backend.PoolHandle]*pool),
	}, nil
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

func encodeManifest(sizeBytes, expectedObjCount uint64, flags backend.CreateFlags) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint64(buf[0:8], sizeBytes)
	binary.LittleEndian.PutUint64(buf[8:16], expectedObjCount)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(flags))
	return buf
}

func decodeManifest(buf []byte) (sizeBytes, expectedObjCount uint64, flags backend.CreateFlags) {
	if len(buf) < 20 {
		return regionSize, 0, 0
	}
	return binary.LittleEndian.Uint64(buf[0:8]), binary.LittleEndian.Uint64(buf[8:16]), backend.CreateFlags(binary.LittleEndian.Uint32(buf[16:20]))
}

// openPebble opens (creating if absent) the pebble database for name and
// rebuilds the in-memory key index from whatever it already contains.
func (s *Store) openPebble(name string, sizeBytes, expectedObjCount uint64, flags backend.CreateFlags, creating bool) (*pool, error) {
	dir := filepath.Join(s.baseDir, name)
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("hstore: open %s: %w", name, err)
	}

	if creating {
		if err := db.Set(manifestKey, encodeManifest(sizeBytes, expectedObjCount, flags), pebble.Sync); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else if v, closer, err := db.Get(manifestKey); err == nil {
		sizeBytes, expectedObjCount, flags = decodeManifest(v)
		_ = closer.Close()
	} else if sizeBytes == 0 {
		sizeBytes = regionSize
	}

	h := backend.PoolHandle(s.nextHandle.Add(1))
	p := &pool{
		handle:           h,
		name:             name,
		dir:              dir,
		db:               db,
		sizeBytes:        sizeBytes,
		expectedObjCount: expectedObjCount,
		flags:            flags,
		byKey:            xsync.NewMapOf[string, *slot](),
		byAddr:           xsync.NewMapOf[uint64, *slot](),
		byKeyH:           xsync.NewMapOf[backend.KeyHandle, *slot](),
	}
	p.nextAddr.Store(1 << 32)

	iter := db.NewIter(&pebble.IterOptions{})
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if key == string(manifestKey) {
			continue
		}
		value := append([]byte(nil), iter.Value()...)
		sl := &slot{
			key:       key,
			value:     value,
			addr:      p.nextAddr.Add(uint64(alignedLen(len(value)))),
			writeTime: time.Now(),
		}
		p.byKey.Store(key, sl)
		p.byAddr.Store(sl.addr, sl)
	}
	if err := iter.Close(); err != nil {
		_ = db.Close()
		return nil, err
	}

	regions := (sizeBytes + regionSize - 1) / regionSize
	if regions == 0 {
		regions = 1
	}
	p.regionCount.Store(int64(regions))

	s.mu.Lock()
	s.byName[name] = p
	s.byHandle[h] = p
	s.mu.Unlock()
	return p, nil
}

func alignedLen(n int) int {
	if n == 0 {
		return 8
	}
	return (n + 7) &^ 7
}

func (s *Store) Create(name string, sizeBytes, expectedObjCount uint64, flags backend.CreateFlags) (backend.PoolHandle, error) {
	s.mu.RLock()
	_, exists := s.byName[name]
	s.mu.RUnlock()
	if exists && flags&backend.FlagCreateOnly != 0 {
		return 0, errs.New(errs.AlreadyOpen, "pool already open: "+name)
	}
	if exists {
		s.mu.RLock()
		p := s.byName[name]
		s.mu.RUnlock()
		return p.handle, nil
	}
	p, err := s.openPebble(name, sizeBytes, expectedObjCount, flags, true)
	if err != nil {
		return 0, err
	}
	return p.handle, nil
}

func (s *Store) Open(name string) (backend.PoolHandle, error) {
	s.mu.RLock()
	p, ok := s.byName[name]
	s.mu.RUnlock()
	if ok {
		return p.handle, nil
	}
	creating := !poolDirExists(filepath.Join(s.baseDir, name))
	np, err := s.openPebble(name, regionSize, 0, 0, creating)
	if err != nil {
		return 0, err
	}
	return np.handle, nil
}

func poolDirExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "CURRENT"))
	return err == nil
}

func (s *Store) Close(h backend.PoolHandle) error {
	s.mu.Lock()
	p, ok := s.byHandle[h]
	if ok {
		delete(s.byHandle, h)
		if s.byName[p.name] == p {
			delete(s.byName, p.name)
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return p.db.Close()
}

func (s *Store) Delete(name string) error {
	s.mu.Lock()
	p, open := s.byName[name]
	s.mu.Unlock()
	if open {
		return errs.New(errs.PoolError, "pool open, close before delete: "+name)
	}
	_ = p
	return os.RemoveAll(filepath.Join(s.baseDir, name))
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
		sl := &slot{key: key, value: valueCopy, addr: p.nextAddr.Add(uint64(alignedLen(len(valueCopy)))), writeTime: time.Now()}
		p.byAddr.Store(sl.addr, sl)
		return sl, false
	})
	if putErr != nil {
		return putErr
	}
	return p.db.Set([]byte(key), valueCopy, pebble.Sync)
}

func (s *Store) Lock(h backend.PoolHandle, key string, kind backend.LockKind, newLen uint64) (backend.LockedValue, error) {
	p, err := s.pool(h)
	if err != nil {
		return backend.LockedValue{}, err
	}

	var (
		out     backend.LockedValue
		lockErr error
	)
	p.byKey.Compute(key, func(old *slot, loaded bool) (*slot, bool) {
		sl := old
		if !loaded {
			if newLen == 0 {
				lockErr = errs.New(errs.KeyNotFound, key)
				return nil, true
			}
			sl = &slot{key: key, value: make([]byte, newLen), addr: p.nextAddr.Add(uint64(alignedLen(int(newLen)))), writeTime: time.Now()}
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
	if sl.refCount == 0 {
		sl.mu.Unlock()
		return errs.New(errs.Fail, "double unlock")
	}
	sl.refCount--
	wasExclusive := sl.lockKind == backend.LockExclusive
	if sl.refCount == 0 {
		p.byKeyH.Delete(kh)
	}
	key, value := sl.key, append([]byte(nil), sl.value...)
	sl.mu.Unlock()

	// An exclusive holder may have mutated the value in place via the
	// RDMA-style two-stage path; persist it to pebble on release so a
	// crash after unlock never loses a completed write.
	if wasExclusive {
		if err := p.db.Set([]byte(key), value, pebble.Sync); err != nil {
			return err
		}
	}
	if withFlush {
		return p.db.Flush()
	}
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
		p.byKey.Store(key, sl)
		return errs.New(errs.Locked, key)
	}
	p.byAddr.Delete(sl.addr)
	return p.db.Delete([]byte(key), pebble.Sync)
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

	if err := p.db.Set([]byte(sl.key), nv, pebble.Sync); err != nil {
		return backend.LockedValue{}, err
	}
	return backend.LockedValue{Key: sl.keyHandle, Addr: sl.addr, Length: newLen}, nil
}

func (s *Store) Alloc(h backend.PoolHandle, sizeBytes uint64) (uint64, error) {
	p, err := s.pool(h)
	if err != nil {
		return 0, err
	}
	sl := &slot{key: fmt.Sprintf("___anon_%d", p.nextAddr.Load()), value: make([]byte, sizeBytes), writeTime: time.Now()}
	sl.addr = p.nextAddr.Add(uint64(alignedLen(int(sizeBytes))))
	p.byAddr.Store(sl.addr, sl)
	// Anonymous pool memory is not key-addressable, so it is kept out of
	// pebble entirely; it never needs to survive a restart on its own.
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

// WriteAt overwrites the value at addr and, when it names a real key
// rather than an anonymous Alloc'd buffer, persists it to pebble the same
// way Unlock's exclusive-release path does, so a crash after a DETACHED
// write doesn't silently drop it.
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
	sl.value = append([]byte(nil), value...)
	sl.writeTime = time.Now()
	key := sl.key
	sl.mu.Unlock()

	if strings.HasPrefix(key, "___anon_") {
		return nil
	}
	return p.db.Set([]byte(key), value, pebble.Sync)
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
	var objCount, used uint64
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
		MemoryType:  "pmem(hstore/pebble)",
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

	batch := p.db.NewBatch()
	if err := batch.Set([]byte(to), sl.value, nil); err != nil {
		_ = batch.Close()
		p.byKey.Store(from, sl)
		return err
	}
	if err := batch.Delete([]byte(from), nil); err != nil {
		_ = batch.Close()
		p.byKey.Store(from, sl)
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		p.byKey.Store(from, sl)
		return err
	}

	sl.mu.Lock()
	sl.key = to
	sl.mu.Unlock()
	p.byKey.Store(to, sl)
	return nil
}

// Flush forces pebble's memtable to stable storage, the hstore analogue of
// pmem_persist over [addr, addr+length).
func (s *Store) Flush(h backend.PoolHandle, addr, length uint64) error {
	p, err := s.pool(h)
	if err != nil {
		return err
	}
	_, _ = addr, length
	return p.db.Flush()
}
