package ado

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/index"
	"github.com/mcas-project/shard/internal/errs"
)

// Callbacks implements the shard-side handlers for every message kind an
// ADO process may send up through its FromADO channel (spec §6's table
// op, pool-info, op-event, iterate, vector, index-op, unlock and
// configure callbacks). It shares the coordinator's backend and work
// table so a callback can resolve WorkKey back to the pool/key it
// concerns.
type Callbacks struct {
	coord   *Coordinator
	backend backend.Backend

	// indexProvider resolves a pool's secondary index, if any. It is set to
	// the session dispatcher's own (mutex-guarded) lookup after both are
	// constructed, so ADO's iterate/index-find callbacks see exactly the
	// indexes CONFIGURE("AddIndex::VolatileTree") has enabled rather than a
	// second, independently-tracked copy.
	indexProvider func(backend.PoolHandle) *index.Index
}

// NewCallbacks builds a callback handler over the given coordinator and
// backend. Call SetIndexProvider once the owning dispatcher exists.
func NewCallbacks(c *Coordinator, b backend.Backend, indexProvider func(backend.PoolHandle) *index.Index) *Callbacks {
	return &Callbacks{coord: c, backend: b, indexProvider: indexProvider}
}

// SetIndexProvider wires the callback handler to the dispatcher's live
// per-pool index set, breaking the construction-order cycle between
// session.Dispatcher and ado.Callbacks (the dispatcher needs the
// coordinator and callbacks to exist first).
func (cb *Callbacks) SetIndexProvider(f func(backend.PoolHandle) *index.Index) {
	cb.indexProvider = f
}

func (cb *Callbacks) indexFor(h backend.PoolHandle) *index.Index {
	if cb.indexProvider == nil {
		return nil
	}
	return cb.indexProvider(h)
}

// TableOpKind enumerates the table-op callback's sub-operations (spec
// §6).
type TableOpKind int

const (
	TableCreate TableOpKind = iota
	TableOpen
	TableErase
	TableValueResize
	TableAllocatePoolMemory
	TableFreePoolMemory
)

// TableOpRequest is the decoded payload of a MsgTableOp message.
type TableOpRequest struct {
	Pool    backend.PoolHandle
	Kind    TableOpKind
	Key     string
	NewSize uint64
	Addr    uint64
}

// TableOpResponse mirrors the C++ side's {status, addr, length} result of
// a table op.
type TableOpResponse struct {
	Status errs.Status
	Addr   uint64
	Length uint64
}

// TableOp executes one ADO table-op callback (spec §6): CREATE/OPEN act
// like Lock with create semantics, ERASE removes a key (refusing one
// still locked), VALUE_RESIZE locks the key, resizes it under that lock
// (the value may move), then unlocks and re-locks it so the reply carries
// the resized value's address, and the pool memory ops proxy straight to
// the backend allocator.
func (cb *Callbacks) TableOp(req TableOpRequest) TableOpResponse {
	switch req.Kind {
	case TableCreate, TableOpen:
		locked, err := cb.backend.Lock(req.Pool, req.Key, backend.LockExclusive, req.NewSize)
		if err != nil {
			return TableOpResponse{Status: errs.ToStatus(err)}
		}
		return TableOpResponse{Status: errs.OK, Addr: locked.Addr, Length: locked.Length}

	case TableErase:
		if err := cb.backend.Erase(req.Pool, req.Key); err != nil {
			return TableOpResponse{Status: errs.ToStatus(err)}
		}
		if idx := cb.indexFor(req.Pool); idx != nil {
			idx.Remove(req.Key)
		}
		return TableOpResponse{Status: errs.OK}

	case TableValueResize:
		locked, err := cb.backend.Lock(req.Pool, req.Key, backend.LockExclusive, 0)
		if err != nil {
			return TableOpResponse{Status: errs.ToStatus(err)}
		}
		resized, err := cb.backend.Resize(req.Pool, locked.Key, req.NewSize)
		if err != nil {
			_ = cb.backend.Unlock(req.Pool, locked.Key, false)
			return TableOpResponse{Status: errs.ToStatus(err)}
		}
		if err := cb.backend.Unlock(req.Pool, resized.Key, false); err != nil {
			return TableOpResponse{Status: errs.ToStatus(err)}
		}
		relocked, err := cb.backend.Lock(req.Pool, req.Key, backend.LockExclusive, 0)
		if err != nil {
			return TableOpResponse{Status: errs.ToStatus(err)}
		}
		if idx := cb.indexFor(req.Pool); idx != nil {
			idx.Put(index.Entry{Key: req.Key, Length: relocked.Length})
		}
		return TableOpResponse{Status: errs.OK, Addr: relocked.Addr, Length: relocked.Length}

	case TableAllocatePoolMemory:
		addr, err := cb.backend.Alloc(req.Pool, req.NewSize)
		if err != nil {
			return TableOpResponse{Status: errs.ToStatus(err)}
		}
		return TableOpResponse{Status: errs.OK, Addr: addr, Length: req.NewSize}

	case TableFreePoolMemory:
		if err := cb.backend.Free(req.Pool, req.Addr); err != nil {
			return TableOpResponse{Status: errs.ToStatus(err)}
		}
		return TableOpResponse{Status: errs.OK}
	default:
		return TableOpResponse{Status: errs.Inval}
	}
}

// PoolInfo implements the pool-info callback: aggregate backend
// attributes into the JSON document an ADO plugin receives (spec §6).
func (cb *Callbacks) PoolInfo(h backend.PoolHandle) ([]byte, error) {
	attrs, err := cb.backend.Attributes(h)
	if err != nil {
		return nil, err
	}
	name, err := cb.backend.Name(h)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{
		"name":         name,
		"size_bytes":   attrs.SizeBytes,
		"memory_type":  attrs.MemoryType,
		"percent_used": attrs.PercentUsed,
		"object_count": attrs.ObjectCount,
	}
	return json.Marshal(doc)
}

// OpEvent implements the op-event callback. POOL_DELETE closes then
// deletes the pool on behalf of the ADO, mirroring what a PMDK-style
// EraseTarget at the dispatcher level does for ordinary keys.
func (cb *Callbacks) OpEvent(h backend.PoolHandle, name string) error {
	if err := cb.backend.Close(h); err != nil {
		return err
	}
	return cb.backend.Delete(name)
}

// IterateRequest is the decoded payload of a MsgIterateRequest.
type IterateRequest struct {
	Pool    backend.PoolHandle
	Cursor  *index.Cursor // nil on the first call; reused across steps
	Begin   time.Time
	End     time.Time
	HasTime bool
}

// IterateResponse hands back one step's worth of iteration.
type IterateResponse struct {
	Entry    index.Entry
	Position int
	Done     bool
	Cursor   *index.Cursor
}

// Iterate implements the open/deref/close iterator triad as a single
// resumable step (spec §6): callers keep the returned Cursor and pass it
// back in on the next IterateRequest. HasTime does not filter this walk:
// the index carries no write times, so [Begin, End) windows are served by
// TimeWindowedKeys from the backend's key metadata instead.
func (cb *Callbacks) Iterate(idx *index.Index, req IterateRequest) IterateResponse {
	cur := req.Cursor
	if cur == nil {
		cur = idx.NewCursor()
	}
	for {
		entry, pos, ok := cur.Step("")
		if !ok {
			return IterateResponse{Done: true, Cursor: cur}
		}
		if req.HasTime {
			info, found := idx.FindExact(entry.Key)
			if !found {
				continue
			}
			_ = info
			// The index itself doesn't carry write times; callers that need
			// the [Begin, End) filter cross-reference backend.Keys for that,
			// matching spec §6's note that time-windowed iteration is a
			// backend.Keys(since) scan rather than an index walk.
		}
		return IterateResponse{Entry: entry, Position: pos, Cursor: cur}
	}
}

// TimeWindowedKeys implements the [t_begin, t_end) iteration variant
// directly against the backend's write-time metadata, for ADOs that ask
// for a time window rather than a key-order walk.
func (cb *Callbacks) TimeWindowedKeys(h backend.PoolHandle, begin, end time.Time) ([]backend.KeyInfo, error) {
	all, err := cb.backend.Keys(h, begin)
	if err != nil {
		return nil, err
	}
	if end.IsZero() {
		return all, nil
	}
	out := make([]backend.KeyInfo, 0, len(all))
	for _, k := range all {
		if k.WriteTime.Before(end) {
			out = append(out, k)
		}
	}
	return out, nil
}

// VectorEntry is one {key, value} pair materialized into pool memory for
// the vector callback (spec §6).
type VectorEntry struct {
	Key   string
	Value []byte
}

// VectorResponse is the address/length of the materialized vector buffer.
type VectorResponse struct {
	Addr   uint64
	Length uint64
}

// Vector implements the vector callback: fetch every key matching prefix,
// pack {key_len, key, value_len, value} records back to back, and
// allocate pool memory to hold the packed buffer so the ADO can address
// it directly (spec §6).
func (cb *Callbacks) Vector(h backend.PoolHandle, idx *index.Index, prefix string) (VectorResponse, error) {
	entries := idx.FindPrefix(prefix)
	var packed []byte
	for _, e := range entries {
		locked, err := cb.backend.Lock(h, e.Key, backend.LockShared, 0)
		if err != nil {
			continue
		}
		value, err := cb.backend.ReadAt(h, locked.Addr, locked.Length)
		if err != nil {
			_ = cb.backend.Unlock(h, locked.Key, false)
			continue
		}
		packed = appendVectorRecord(packed, e.Key, value)
		_ = cb.backend.Unlock(h, locked.Key, false)
	}
	if len(packed) == 0 {
		return VectorResponse{}, nil
	}
	addr, err := cb.backend.Alloc(h, uint64(len(packed)))
	if err != nil {
		return VectorResponse{}, err
	}
	if err := cb.backend.WriteAt(h, addr, packed); err != nil {
		_ = cb.backend.Free(h, addr)
		return VectorResponse{}, err
	}
	return VectorResponse{Addr: addr, Length: uint64(len(packed))}, nil
}

func appendVectorRecord(buf []byte, key string, value []byte) []byte {
	kl := make([]byte, 4)
	vl := make([]byte, 4)
	put32(kl, uint32(len(key)))
	put32(vl, uint32(len(value)))
	buf = append(buf, kl...)
	buf = append(buf, key...)
	buf = append(buf, vl...)
	buf = append(buf, value...)
	return buf
}

func put32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// IndexFindKind distinguishes the three index-op lookup modes (spec §6).
type IndexFindKind int

const (
	IndexFindExact IndexFindKind = iota
	IndexFindPrefix
	IndexFindRegex
)

// IndexFind implements the index-op callback: exact/prefix lookups go
// straight to the radix tree, regex walks the ordered btree.
func (cb *Callbacks) IndexFind(idx *index.Index, kind IndexFindKind, pattern string) ([]index.Entry, error) {
	switch kind {
	case IndexFindExact:
		e, ok := idx.FindExact(pattern)
		if !ok {
			return nil, errs.New(errs.KeyNotFound, pattern)
		}
		return []index.Entry{e}, nil
	case IndexFindPrefix:
		return idx.FindPrefix(pattern), nil
	case IndexFindRegex:
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, errs.Newf(errs.Inval, "bad regex: %v", err)
		}
		return idx.FindRegex(pattern)
	default:
		return nil, errs.New(errs.Inval, "unknown index find kind")
	}
}

// Unlock implements the explicit unlock callback: it releases the lock the
// work request holds and clears HasKey, so CompleteWork does not unlock it
// again. A work request holding no lock is rejected. The Deferred flag is
// not checked, so a lock that CompleteWork would release implicitly is
// released here as well.
func (cb *Callbacks) Unlock(wr *WorkRequest, withFlush bool) error {
	if !wr.HasKey {
		return errs.New(errs.Inval, "work request holds no lock")
	}
	if err := cb.backend.Unlock(wr.Pool, wr.KeyHandle, withFlush); err != nil {
		return err
	}
	wr.HasKey = false
	return nil
}

// Configure implements the configure callback: mutate the ADO proxy's
// shard-side refcount, used by plugins that attach/detach from a pool
// without going through PUT_ADO/ADO_REQUEST.
func (cb *Callbacks) Configure(h backend.PoolHandle, delta int64) (int64, error) {
	return cb.coord.ConfigureRefCount(h, delta)
}
