// Package session implements the request dispatcher that sits between a
// transport.Connection and the backend/twostage/ado/index subsystems
// (spec §4.2, §4.3). One Session exists per accepted connection; one
// Dispatcher is shared across every session on a shard, mirroring how the
// teacher's rpc/server keeps one connection-scoped handler talking to a
// shared lib/store.IStore.
package session

import (
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/mcas-project/shard/ado"
	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/index"
	"github.com/mcas-project/shard/internal/errs"
	"github.com/mcas-project/shard/internal/metrics"
	"github.com/mcas-project/shard/internal/wire"
	"github.com/mcas-project/shard/lockregistry"
	"github.com/mcas-project/shard/poolmgr"
	"github.com/mcas-project/shard/transport"
	"github.com/mcas-project/shard/twostage"
)

var log = logger.GetLogger("session")

// DeferredAction is an action the dispatcher queues for the event loop to
// run after the current tick's dispatch returns, e.g.
// RELEASE_VALUE_LOCK_EXCLUSIVE deferred past an ADO work completion (spec
// §4.1 step 5).
type DeferredAction struct {
	Pool backend.PoolHandle
	Addr uint64
	Kind DeferredKind
}

// DeferredKind enumerates the deferred-action shapes the dispatcher can
// queue.
type DeferredKind int

const (
	DeferredReleaseExclusive DeferredKind = iota
	DeferredReleaseShared
)

// Session is the per-connection state: its open-pool table and any
// deferred actions queued against it.
type Session struct {
	Conn   transport.Connection
	AuthID uint64

	Pools *poolmgr.Manager

	mu       sync.Mutex
	deferred []DeferredAction

	findCursors map[findCursorKey]*index.Cursor
}

// findCursorKey identifies one resumable find-key walk: a session can have
// several in flight at once, one per (pool, pattern) pair it has queried.
type findCursorKey struct {
	pool    backend.PoolHandle
	pattern string
}

// NewSession creates per-connection state for a freshly accepted
// connection.
func NewSession(conn transport.Connection, authID uint64) *Session {
	return &Session{Conn: conn, AuthID: authID, Pools: poolmgr.New(), findCursors: make(map[findCursorKey]*index.Cursor)}
}

// findCursor returns this session's cursor for (h, pattern), creating one
// over idx on first use. Later InfoFindKey calls against the same pool and
// pattern resume the same walk instead of restarting it (spec §4.8's
// scenario where repeated find-key calls advance one entry at a time).
// Cursors are never evicted: a session that queries many distinct patterns
// accumulates one cursor apiece for its lifetime, a simplification the
// session's own lifetime (one per connection) keeps bounded in practice.
func (s *Session) findCursor(h backend.PoolHandle, pattern string, idx *index.Index) *index.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := findCursorKey{pool: h, pattern: pattern}
	cur, ok := s.findCursors[key]
	if !ok {
		cur = idx.NewCursor()
		s.findCursors[key] = cur
	}
	return cur
}

// QueueDeferred appends a deferred action, drained by the event loop on
// its next tick (spec §4.1 step 5).
func (s *Session) QueueDeferred(a DeferredAction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, a)
}

// DrainDeferred removes and returns every queued deferred action.
func (s *Session) DrainDeferred() []DeferredAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.deferred
	s.deferred = nil
	return out
}

// Close releases every pool this session still has open, the same
// all-or-nothing cleanup the teacher's rpc/server does when a client
// connection drops.
func (s *Session) Close(d *Dispatcher) {
	for _, open := range s.Pools.OpenPoolSet() {
		for i := 0; i < open.RefCount; i++ {
			_ = d.backend.Close(open.Handle)
		}
		if shouldShutdown, proxy := d.ado.Release(open.Handle); shouldShutdown && proxy != nil {
			d.ado.Retire(proxy)
		}
	}
}

// defaultIPCCapacity is the SPSC ring slot count Bootstrap hands every new
// ADO proxy, large enough to cover a full tick's worth of queued work
// requests without the shard ever blocking on a full queue.
const defaultIPCCapacity = 256

// Dispatcher wires every shard subsystem together and turns one decoded
// wire.Frame into a response frame (spec §4.2's opcode-routing table).
type Dispatcher struct {
	backend  backend.Backend
	registry *lockregistry.Registry
	twostage *twostage.Coordinator
	ado      *ado.Coordinator
	callbacks *ado.Callbacks
	metrics  *metrics.ShardMetrics

	adoEnabled bool

	idxMu   sync.RWMutex
	indexes map[backend.PoolHandle]*index.Index

	// taskQueue steps background tasks (spec §4.8), e.g. find-key, one per
	// tick. Set post-construction via SetTaskQueue once the event loop
	// exists, the same construction-order workaround ado.Callbacks'
	// indexProvider uses.
	taskQueue TaskQueue
}

// SetTaskQueue wires the dispatcher to whatever steps background tasks
// once per tick (the event loop), breaking the construction-order cycle
// between session.Dispatcher and eventloop.Loop (the loop needs a
// Dispatcher to exist first).
func (d *Dispatcher) SetTaskQueue(q TaskQueue) {
	d.taskQueue = q
}

// New creates a Dispatcher over the given shard-wide subsystems. adoEnabled
// mirrors ShardConfig.HasADO(): when true, every pool a session creates or
// opens is bootstrapped against the ADO coordinator (spec §4.7).
func New(b backend.Backend, reg *lockregistry.Registry, ts *twostage.Coordinator, adoCoord *ado.Coordinator, cb *ado.Callbacks, m *metrics.ShardMetrics, adoEnabled bool) *Dispatcher {
	return &Dispatcher{
		backend:    b,
		registry:   reg,
		twostage:   ts,
		ado:        adoCoord,
		callbacks:  cb,
		metrics:    m,
		adoEnabled: adoEnabled,
		indexes:    make(map[backend.PoolHandle]*index.Index),
	}
}

// bootstrapADO attaches an ADO proxy to h if the shard is configured to run
// one, logging rather than failing the pool operation on error: a pool
// with no working ADO process still serves plain PUT/GET.
func (d *Dispatcher) bootstrapADO(h backend.PoolHandle, name string) {
	if !d.adoEnabled {
		return
	}
	if _, _, err := d.ado.Bootstrap(h, name, defaultIPCCapacity); err != nil {
		log.Errorf("ado bootstrap failed for pool %q: %v", name, err)
	}
}

// Backend exposes the shared backend instance to the event loop's
// deferred-action drain.
func (d *Dispatcher) Backend() backend.Backend { return d.backend }

// Registry exposes the shared lock registry to the event loop's
// deferred-action drain and per-tick metrics snapshot.
func (d *Dispatcher) Registry() *lockregistry.Registry { return d.registry }

// ADO exposes the shard's ADO coordinator to the event loop's
// work-completion drain.
func (d *Dispatcher) ADO() *ado.Coordinator { return d.ado }

// TwoStage exposes the shard's two-stage value-transfer coordinator.
func (d *Dispatcher) TwoStage() *twostage.Coordinator { return d.twostage }

// Callbacks exposes the shard's ADO callback handler to the event loop's
// work-completion drain.
func (d *Dispatcher) Callbacks() *ado.Callbacks { return d.callbacks }

// Index exposes the per-pool secondary index, if any, for callers outside
// this package (e.g. the background find-key task).
func (d *Dispatcher) Index(h backend.PoolHandle) *index.Index { return d.indexFor(h) }

// EnableIndex attaches a fresh secondary index to a pool, the effect of
// CONFIGURE("AddIndex::VolatileTree") (spec §4.9).
func (d *Dispatcher) EnableIndex(h backend.PoolHandle) error {
	keys, err := d.backend.Keys(h, time.Time{})
	if err != nil {
		return err
	}
	entries := make([]index.Entry, len(keys))
	for i, k := range keys {
		entries[i] = index.Entry{Key: k.Key, Length: k.Length}
	}
	d.idxMu.Lock()
	d.indexes[h] = index.Rebuild(entries)
	d.idxMu.Unlock()
	return nil
}

func (d *Dispatcher) indexFor(h backend.PoolHandle) *index.Index {
	d.idxMu.RLock()
	defer d.idxMu.RUnlock()
	return d.indexes[h]
}

// Dispatch routes one decoded frame to the appropriate handler and builds
// the response frame. err is non-nil only for conditions the event loop
// itself must react to (e.g. a connection it should close); ordinary
// request failures are carried in the response frame's Header.Status.
func (d *Dispatcher) Dispatch(sess *Session, req wire.Frame) (wire.Frame, error) {
	start := time.Now()
	resp, handlerErr := d.route(sess, req)
	if d.metrics != nil {
		d.metrics.RecordDispatch(handlerErr == nil, time.Since(start))
	}
	status := errs.ToStatus(handlerErr)
	resp.Header = wire.Header{
		Version:   1,
		Type:      resp.Header.Type,
		AuthID:    sess.AuthID,
		RequestID: req.Header.RequestID,
		Status:    int32(status),
	}
	return resp, nil
}

func (d *Dispatcher) route(sess *Session, req wire.Frame) (wire.Frame, error) {
	switch req.Header.Type {
	case wire.TypePoolRequest:
		return d.handlePool(sess, req)
	case wire.TypeIORequest:
		return d.handleIO(sess, req)
	case wire.TypeADORequest:
		return d.handleADORequest(sess, req)
	case wire.TypePutADORequest:
		return d.handlePutADO(sess, req)
	case wire.TypeInfoRequest:
		return d.handleInfo(sess, req)
	default:
		return wire.Frame{Header: wire.Header{Type: wire.TypeErrorResponse}}, errs.New(errs.Inval, "unknown request type")
	}
}

func (d *Dispatcher) handlePool(sess *Session, req wire.Frame) (wire.Frame, error) {
	pr, err := wire.DecodePoolRequest(req.Body)
	if err != nil {
		return wire.Frame{Header: wire.Header{Type: wire.TypePoolResponse}}, errs.New(errs.Inval, "bad pool request")
	}

	switch pr.Op {
	case wire.PoolCreate:
		if open, h := sess.Pools.CheckForOpenPool(pr.PoolName); open {
			return respondPool(h), errs.New(errs.AlreadyOpen, pr.PoolName)
		}
		flags := backend.CreateFlags(0)
		if pr.Flags&wire.PoolFlagCreateOnly != 0 {
			flags = backend.FlagCreateOnly
		}
		h, err := d.backend.Create(pr.PoolName, pr.PoolSize, pr.ExpectedObjCount, flags)
		if err != nil {
			return respondPool(0), err
		}
		sess.Pools.RegisterPool(pr.PoolName, h, pr.ExpectedObjCount, pr.PoolSize, flags)
		d.bootstrapADO(h, pr.PoolName)
		return respondPool(h), nil

	case wire.PoolOpen:
		if open, h := sess.Pools.CheckForOpenPool(pr.PoolName); open {
			_ = sess.Pools.AddReference(h)
			return respondPool(h), nil
		}
		h, err := d.backend.Open(pr.PoolName)
		if err != nil {
			return respondPool(0), err
		}
		sess.Pools.RegisterPool(pr.PoolName, h, pr.ExpectedObjCount, pr.PoolSize, 0)
		d.bootstrapADO(h, pr.PoolName)
		return respondPool(h), nil

	case wire.PoolClose:
		h := backend.PoolHandle(pr.PoolID)
		zero, err := sess.Pools.ReleasePoolReference(h)
		if err != nil {
			return respondPool(0), err
		}
		if zero {
			if err := d.backend.Close(h); err != nil {
				return respondPool(0), err
			}
			if d.adoEnabled {
				if shouldShutdown, proxy := d.ado.Release(h); shouldShutdown && proxy != nil {
					d.ado.Retire(proxy)
				}
			}
		}
		return respondPool(h), nil

	case wire.PoolDelete:
		if err := d.backend.Delete(pr.PoolName); err != nil {
			return respondPool(0), err
		}
		return respondPool(0), nil

	default:
		return respondPool(0), errs.New(errs.Inval, "unknown pool op")
	}
}

func respondPool(h backend.PoolHandle) wire.Frame {
	return wire.Frame{Header: wire.Header{Type: wire.TypePoolResponse}, Body: wire.PoolResponse{PoolID: uint64(h)}.Encode()}
}

func (d *Dispatcher) handleIO(sess *Session, req wire.Frame) (wire.Frame, error) {
	ir, err := wire.DecodeIORequest(req.Body)
	if err != nil {
		return wire.Frame{Header: wire.Header{Type: wire.TypeIOResponse}}, errs.New(errs.Inval, "bad io request")
	}
	h := backend.PoolHandle(ir.PoolID)
	key := string(ir.KeyBytes)

	switch ir.Op {
	case wire.IOPut:
		if uint64(len(ir.Value)) >= wire.TwoStageThreshold {
			return d.ioPutLocate(h, sess.Conn, key, ir.Size)
		}
		flags := backend.CreateFlags(0)
		if ir.Flags&wire.IOFlagDontStomp != 0 {
			flags = backend.FlagDontStomp
		}
		if err := d.backend.Put(h, key, ir.Value, flags); err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		if idx := d.indexFor(h); idx != nil {
			idx.Put(index.Entry{Key: key, Length: uint64(len(ir.Value))})
		}
		return respondIO(wire.IOResponse{}), nil

	case wire.IOGet:
		locked, err := d.backend.Lock(h, key, backend.LockShared, 0)
		if err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		if locked.Length >= wire.TwoStageThreshold {
			_ = d.backend.Unlock(h, locked.Key, false)
			return d.ioGetLocate(h, sess.Conn, key)
		}
		value, err := d.backend.ReadAt(h, locked.Addr, locked.Length)
		if err != nil {
			_ = d.backend.Unlock(h, locked.Key, false)
			return respondIO(wire.IOResponse{}), err
		}
		if err := d.backend.Unlock(h, locked.Key, false); err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		return respondIO(wire.IOResponse{Data: value}), nil

	case wire.IOErase:
		if err := d.backend.Erase(h, key); err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		if idx := d.indexFor(h); idx != nil {
			idx.Remove(key)
		}
		return respondIO(wire.IOResponse{}), nil

	case wire.IOPutLocate:
		return d.ioPutLocate(h, sess.Conn, key, ir.Size)

	case wire.IOPutRelease:
		idx := d.indexFor(h)
		if err := d.twostage.PutRelease(h, ir.Addr, idx); err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		return respondIO(wire.IOResponse{}), nil

	case wire.IOGetLocate:
		return d.ioGetLocate(h, sess.Conn, key)

	case wire.IOGetRelease:
		if err := d.twostage.GetRelease(h, ir.Addr); err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		return respondIO(wire.IOResponse{}), nil

	case wire.IOLocate:
		sg, rkey, excess, err := d.twostage.LocateRange(h, sess.Conn, ir.Offset, ir.Size)
		if err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		sgList := make([]wire.SGElement, len(sg))
		for i, iv := range sg {
			sgList[i] = wire.SGElement{Addr: iv.Addr, Len: iv.Len}
		}
		return respondIO(wire.IOResponse{Addr: sg[0].Addr, Key: uint64(rkey), SGList: sgList, Data: encodeU64LE(excess)}), nil

	case wire.IORelease:
		if err := d.twostage.ReleaseRange(h, ir.Addr, false); err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		return respondIO(wire.IOResponse{}), nil

	case wire.IOReleaseWithFlush:
		if err := d.twostage.ReleaseRange(h, ir.Addr, true); err != nil {
			return respondIO(wire.IOResponse{}), err
		}
		return respondIO(wire.IOResponse{}), nil

	case wire.IOConfigure:
		if string(ir.Value) == "AddIndex::VolatileTree" {
			if err := d.EnableIndex(h); err != nil {
				return respondIO(wire.IOResponse{}), err
			}
			return respondIO(wire.IOResponse{}), nil
		}
		return respondIO(wire.IOResponse{}), errs.New(errs.NotSupported, "unknown configure directive")

	default:
		return respondIO(wire.IOResponse{}), errs.New(errs.Inval, "unknown io op")
	}
}

func encodeU64LE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func (d *Dispatcher) ioPutLocate(h backend.PoolHandle, conn transport.Connection, key string, size uint64) (wire.Frame, error) {
	res, err := d.twostage.PutLocate(h, conn, key, size)
	if err != nil {
		return respondIO(wire.IOResponse{}), err
	}
	return respondIO(wire.IOResponse{Addr: res.Addr, Key: uint64(res.RemoteKey)}), nil
}

func (d *Dispatcher) ioGetLocate(h backend.PoolHandle, conn transport.Connection, key string) (wire.Frame, error) {
	res, err := d.twostage.GetLocate(h, conn, key)
	if err != nil {
		return respondIO(wire.IOResponse{}), err
	}
	return respondIO(wire.IOResponse{Addr: res.Addr, Key: uint64(res.RemoteKey), Data: make([]byte, 0)}), nil
}

func respondIO(r wire.IOResponse) wire.Frame {
	return wire.Frame{Header: wire.Header{Type: wire.TypeIOResponse}, Body: r.Encode()}
}

func (d *Dispatcher) handleADORequest(sess *Session, req wire.Frame) (wire.Frame, error) {
	ar, err := wire.DecodeADORequest(req.Body)
	if err != nil {
		return wire.Frame{Header: wire.Header{Type: wire.TypeADOResponse}}, errs.New(errs.Inval, "bad ado request")
	}
	h := backend.PoolHandle(ar.PoolID)
	key := string(ar.Key)
	hasKey := len(ar.Key) > 0

	wk, zeroFilled, err := d.ado.ADORequest(sess.Conn, h, key, hasKey, ar.Request, ar.OnDemandLen, ar.Flags, req.Header.RequestID)
	if err != nil {
		return respondADO(wire.ADOResponse{Status: wire.Status32(errs.ToStatus(err))}), err
	}
	if d.metrics != nil {
		d.metrics.ADOWorkQueued()
	}
	_ = zeroFilled
	log.Debugf("ado request queued as work %d", wk)
	// The actual response layers arrive asynchronously via work completion
	// (spec §4.7); the immediate reply here only acknowledges enqueue.
	return respondADO(wire.ADOResponse{Status: wire.Status32(errs.OK)}), nil
}

func (d *Dispatcher) handlePutADO(sess *Session, req wire.Frame) (wire.Frame, error) {
	pr, err := wire.DecodePutADORequest(req.Body)
	if err != nil {
		return wire.Frame{Header: wire.Header{Type: wire.TypeADOResponse}}, errs.New(errs.Inval, "bad put-ado request")
	}
	h := backend.PoolHandle(pr.PoolID)
	key := string(pr.Key)

	wk, detachedAddr, err := d.ado.PutADO(sess.Conn, h, key, pr.Value, pr.Request, pr.Flags, req.Header.RequestID)
	if err != nil {
		return respondADO(wire.ADOResponse{Status: wire.Status32(errs.ToStatus(err))}), err
	}
	if d.metrics != nil {
		d.metrics.ADOWorkQueued()
	}
	log.Debugf("put-ado queued as work %d", wk)
	resp := wire.ADOResponse{Status: wire.Status32(errs.OK)}
	if pr.Flags&wire.ADOFlagDetached != 0 {
		resp.Layers = []wire.ADOResponseLayer{{LayerID: 0, Bytes: encodeU64LE(detachedAddr)}}
	}
	return respondADO(resp), nil
}

func respondADO(r wire.ADOResponse) wire.Frame {
	return wire.Frame{Header: wire.Header{Type: wire.TypeADOResponse}, Body: r.Encode()}
}

func (d *Dispatcher) handleInfo(sess *Session, req wire.Frame) (wire.Frame, error) {
	ir, err := wire.DecodeInfoRequest(req.Body)
	if err != nil {
		return wire.Frame{Header: wire.Header{Type: wire.TypeInfoResponse}}, errs.New(errs.Inval, "bad info request")
	}
	h := backend.PoolHandle(ir.PoolID)

	switch ir.Type {
	case wire.InfoAttribute:
		attrs, err := d.backend.Attributes(h)
		if err != nil {
			return respondInfo(wire.InfoResponse{}), err
		}
		return respondInfo(wire.InfoResponse{Value: attrs.SizeBytes}), nil

	case wire.InfoStats:
		if d.metrics == nil {
			return respondInfo(wire.InfoResponse{}), nil
		}
		p50 := d.metrics.DispatchPercentile(50)
		return respondInfo(wire.InfoResponse{Value: uint64(p50)}), nil

	case wire.InfoFindKey:
		idx := d.indexFor(h)
		if idx == nil {
			return respondInfo(wire.InfoResponse{}), errs.New(errs.NotSupported, "pool has no secondary index")
		}
		if d.taskQueue == nil {
			return respondInfo(wire.InfoResponse{}), errs.New(errs.NotSupported, "no background task queue wired")
		}
		pattern := string(ir.Key)
		cursor := sess.findCursor(h, pattern, idx)
		d.taskQueue.QueueTask(NewFindKeyTask(cursor, pattern), sess, req.Header.RequestID)
		// The response is posted by the task queue once the background step
		// completes (spec §4.8); TypeUnknown's zero value tells the event
		// loop not to post a response for this request now.
		return wire.Frame{}, nil

	default:
		return respondInfo(wire.InfoResponse{}), errs.New(errs.Inval, "unknown info type")
	}
}

func respondInfo(r wire.InfoResponse) wire.Frame {
	return wire.Frame{Header: wire.Header{Type: wire.TypeInfoResponse}, Body: r.Encode()}
}
