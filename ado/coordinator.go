package ado

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/internal/errs"
	"github.com/mcas-project/shard/internal/wire"
	"github.com/mcas-project/shard/lockregistry"
	"github.com/mcas-project/shard/transport"
)

// RegionMapping is one {token, length, base} triple exchanged at bootstrap
// (spec §4.7): token is either an XPMEM segment id or an MCAS-module
// exposed id in the original system; here it is whatever opaque handle
// the backend assigns a region.
type RegionMapping struct {
	Token  uint64
	Base   uint64
	Length uint64
}

// heartbeatMissLimit is how many consecutive silent ticks mark an ADO
// proxy "disconnected" (SPEC_FULL.md §4.7 liveness supplement). This adds
// observability the original scope never covered; it never triggers
// restart or crash-recovery logic.
const heartbeatMissLimit = 200

// Proxy is the shard-side handle to one running ADO process, refcounted by
// every pool-map entry that references it (spec §9's cyclic-ownership
// note).
type Proxy struct {
	Name     string
	Pool     backend.PoolHandle
	RefCount atomic.Int64
	IPC      *Pair
	// Params is the plugin parameter document bootstrap handed the proxy at
	// creation time (spec §6's ADO plugin params), one raw JSON value per
	// plugin name; see internal/adoparams.
	Params map[string]json.RawMessage

	missedHeartbeats atomic.Int64
	disconnected     atomic.Bool
	lastSeen         atomic.Int64
}

// Disconnected reports whether this proxy has missed heartbeatMissLimit
// consecutive ticks, surfaced via the INFO attribute query.
func (p *Proxy) Disconnected() bool { return p.disconnected.Load() }

// WorkRequest is the ADO-side in-flight operation record (spec §3).
// WorkKey is the request's own identity, standing in for "address cast to
// u64" in an environment without a real work-request struct address.
type WorkRequest struct {
	WorkKey   uint64
	Conn      transport.Connection
	Pool      backend.PoolHandle
	KeyHandle backend.KeyHandle
	HasKey    bool
	KeyName   string
	LockKind  backend.LockKind
	RequestID uint64
	Flags     wire.ADOFlags
	// Deferred is true when NO_IMPLICIT_UNLOCK was set on the OPEN that
	// produced KeyHandle: completion must not auto-unlock it.
	Deferred bool
	// DetachedAddr is the pool-memory address a DETACHED PUT_ADO's payload
	// was written to; zero for every other work request, since a keyed
	// request has no buffer of its own outside the key's value.
	DetachedAddr uint64
}

// Coordinator owns every ADO proxy and outstanding work request on one
// shard (spec §4.7).
type Coordinator struct {
	backend  backend.Backend
	registry *lockregistry.Registry

	byName *xsync.MapOf[string, *Proxy]
	byPool *xsync.MapOf[backend.PoolHandle, *Proxy]
	work   *xsync.MapOf[uint64, *WorkRequest]

	nextWorkKey atomic.Uint64

	// failedAsync records asynchronous-flagged ADO requests that failed,
	// reported on the next sync request or shutdown (spec §7).
	failedAsync []FailedAsyncRequest

	params map[string]json.RawMessage
}

// SetParams installs the plugin parameter document every proxy bootstrapped
// afterward receives. Called once at startup after internal/adoparams.Parse
// decodes ShardConfig.ADO.Params.
func (c *Coordinator) SetParams(params map[string]json.RawMessage) {
	c.params = params
}

// FailedAsyncRequest is one entry of the failed_async_requests list (spec
// §7).
type FailedAsyncRequest struct {
	RequestID uint64
	Status    errs.Status
	Detail    string
}

// New creates an ADO coordinator sharing the shard's backend and lock
// registry.
func New(b backend.Backend, reg *lockregistry.Registry) *Coordinator {
	return &Coordinator{
		backend:  b,
		registry: reg,
		byName:   xsync.NewMapOf[string, *Proxy](),
		byPool:   xsync.NewMapOf[backend.PoolHandle, *Proxy](),
		work:     xsync.NewMapOf[uint64, *WorkRequest](),
	}
}

// Bootstrap spawns (conceptually — process launch itself is outside this
// package's scope per spec §1) a proxy for pool/name and exchanges its
// region mappings, assigning each backend.Region an opaque token.
func (c *Coordinator) Bootstrap(pool backend.PoolHandle, name string, ipcCapacity int) (*Proxy, []RegionMapping, error) {
	if existing, ok := c.byPool.Load(pool); ok {
		existing.RefCount.Add(1)
		return existing, nil, nil
	}

	regions, err := c.backend.Regions(pool)
	if err != nil {
		return nil, nil, err
	}

	p := &Proxy{Name: name, Pool: pool, IPC: NewPair(ipcCapacity), Params: c.params}
	p.RefCount.Store(1)
	p.lastSeen.Store(time.Now().UnixNano())

	mappings := make([]RegionMapping, len(regions))
	for i, r := range regions {
		mappings[i] = RegionMapping{Token: uint64(i) + 1, Base: r.Base, Length: r.Len}
	}

	c.byName.Store(name, p)
	c.byPool.Store(pool, p)
	return p, mappings, nil
}

// ConfigureRefCount mutates the ADO-side refcount from the shard (the
// Configure callback, spec §4.7). delta may be negative.
func (c *Coordinator) ConfigureRefCount(pool backend.PoolHandle, delta int64) (int64, error) {
	p, ok := c.byPool.Load(pool)
	if !ok {
		return 0, errs.New(errs.Inval, "no ado proxy for pool")
	}
	return p.RefCount.Add(delta), nil
}

// Release drops one reference from the pool's proxy (called on pool
// close); when it reaches zero, the caller is expected to shut the ADO
// down and call Retire.
func (c *Coordinator) Release(pool backend.PoolHandle) (shouldShutdown bool, proxy *Proxy) {
	p, ok := c.byPool.Load(pool)
	if !ok {
		return false, nil
	}
	if p.RefCount.Add(-1) <= 0 {
		return true, p
	}
	return false, p
}

// Retire removes a proxy entirely, e.g. after its process has been signaled
// to shut down.
func (c *Coordinator) Retire(p *Proxy) {
	c.byName.Delete(p.Name)
	c.byPool.Delete(p.Pool)
	p.IPC.Close()
}

func (c *Coordinator) newWorkKey() uint64 {
	return c.nextWorkKey.Add(1)
}

// PutADO implements PUT_ADO (spec §4.7): write the payload per the
// DETACHED/NO_OVERWRITE/normal flag rules, take a write lock on the key
// (for a non-DETACHED request; a key that is already locked fails the
// request with errs.Locked after the payload has been written), record a
// work request, and hand it to the ADO process.
func (c *Coordinator) PutADO(conn transport.Connection, pool backend.PoolHandle, key string, payload []byte, invocation []byte, flags wire.ADOFlags, requestID uint64) (workKey uint64, detachedAddr uint64, err error) {
	proxy, ok := c.byPool.Load(pool)
	if !ok {
		return 0, 0, errs.New(errs.Inval, "no ado proxy bound to pool")
	}

	var (
		kh     backend.KeyHandle
		hasKey bool
	)

	switch {
	case flags&wire.ADOFlagDetached != 0:
		addr, err := c.backend.Alloc(pool, uint64(len(payload)))
		if err != nil {
			return 0, 0, err
		}
		if err := c.backend.WriteAt(pool, addr, payload); err != nil {
			_ = c.backend.Free(pool, addr)
			return 0, 0, err
		}
		detachedAddr = addr
	case flags&wire.ADOFlagNoOverwrite != 0:
		if err := c.backend.Put(pool, key, payload, backend.FlagDontStomp); err != nil && errs.ToStatus(err) != errs.AlreadyExists {
			return 0, 0, err
		}
		// AlreadyExists means the key was already there: skip the write but
		// still proceed to lock+dispatch below, per NO_OVERWRITE semantics.
	default:
		if err := c.backend.Put(pool, key, payload, 0); err != nil {
			return 0, 0, err
		}
	}

	if flags&wire.ADOFlagDetached == 0 {
		locked, err := c.backend.Lock(pool, key, backend.LockExclusive, 0)
		if err != nil {
			return 0, 0, err
		}
		kh = locked.Key
		hasKey = true
	}

	wk := c.newWorkKey()
	wr := &WorkRequest{
		WorkKey:      wk,
		Conn:         conn,
		Pool:         pool,
		KeyHandle:    kh,
		HasKey:       hasKey,
		KeyName:      key,
		LockKind:     backend.LockExclusive,
		RequestID:    requestID,
		Flags:        flags,
		DetachedAddr: detachedAddr,
	}
	c.work.Store(wk, wr)

	// DETACHED invocations carry their buffer's address up front so the ADO
	// plugin can address it directly, the same way Bootstrap's region
	// mappings give it the pool's other regions.
	invokePayload := invocation
	if flags&wire.ADOFlagDetached != 0 {
		invokePayload = append(encodeDetachedAddr(detachedAddr), invocation...)
	}

	if err := proxy.IPC.ToADO.Send(Message{Kind: MsgWorkRequest, WorkKey: wk, Payload: invokePayload}); err != nil {
		c.work.Delete(wk)
		if hasKey {
			_ = c.backend.Unlock(pool, kh, false)
		}
		return 0, 0, err
	}
	return wk, detachedAddr, nil
}

// encodeDetachedAddr packs a little-endian uint64 address prefix onto a
// DETACHED work request's invocation payload.
func encodeDetachedAddr(addr uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(addr >> (8 * i))
	}
	return b
}

// ADORequest implements ADO_REQUEST (spec §4.7). CREATE_ONLY is handled
// entirely in-shard with no ADO round trip; READ_ONLY takes a shared
// lock; the default takes a write lock; a key-less invocation takes none.
func (c *Coordinator) ADORequest(conn transport.Connection, pool backend.PoolHandle, key string, hasKey bool, invocation []byte, ondemandLen uint64, flags wire.ADOFlags, requestID uint64) (workKey uint64, createdZeroFill bool, err error) {
	if flags&wire.ADOFlagCreateOnly != 0 {
		if !hasKey {
			return 0, false, errs.New(errs.Inval, "create_only requires a key")
		}
		// DONT_STOMP makes an existing key fail with errs.AlreadyExists; a
		// new key is created zero-filled at ondemandLen.
		if err := c.backend.Put(pool, key, make([]byte, ondemandLen), backend.FlagDontStomp); err != nil {
			return 0, false, err
		}
		return 0, true, nil
	}

	proxy, ok := c.byPool.Load(pool)
	if !ok {
		return 0, false, errs.New(errs.Inval, "no ado proxy bound to pool")
	}

	var (
		kh          backend.KeyHandle
		lockAcquired bool
		kind        backend.LockKind
	)
	if hasKey {
		kind = backend.LockExclusive
		if flags&wire.ADOFlagReadOnly != 0 {
			kind = backend.LockShared
		}
		locked, lockErr := c.backend.Lock(pool, key, kind, 0)
		if lockErr != nil {
			return 0, false, lockErr
		}
		kh = locked.Key
		lockAcquired = true
	}

	wk := c.newWorkKey()
	wr := &WorkRequest{
		WorkKey:   wk,
		Conn:      conn,
		Pool:      pool,
		KeyHandle: kh,
		HasKey:    lockAcquired,
		KeyName:   key,
		LockKind:  kind,
		RequestID: requestID,
		Flags:     flags,
	}
	c.work.Store(wk, wr)

	if err := proxy.IPC.ToADO.Send(Message{Kind: MsgWorkRequest, WorkKey: wk, Payload: invocation}); err != nil {
		c.work.Delete(wk)
		if lockAcquired {
			_ = c.backend.Unlock(pool, kh, false)
		}
		return 0, false, err
	}
	return wk, false, nil
}

// Completion is the decoded {work_key, status, response_buffers} the ADO
// sends back (spec §4.7's work completion).
type Completion struct {
	WorkKey        uint64
	Status         errs.Status
	ResponseLayers []wire.ADOResponseLayer
	EraseTarget    bool
	Async          bool
}

// CompleteWork processes one work completion: unlock the key (unless
// deferred), erase the target if requested, and retire the request.
// Returns the retired work request so the caller can post the response to
// the client.
func (c *Coordinator) CompleteWork(comp Completion) (*WorkRequest, error) {
	wr, ok := c.work.LoadAndDelete(comp.WorkKey)
	if !ok {
		return nil, errs.New(errs.Fail, "unknown work key in completion")
	}

	if wr.HasKey && !wr.Deferred {
		if err := c.backend.Unlock(wr.Pool, wr.KeyHandle, false); err != nil {
			return wr, err
		}
	}

	if comp.EraseTarget {
		if err := c.backend.Erase(wr.Pool, wr.KeyName); err != nil {
			return wr, err
		}
	}

	if comp.Status != errs.OK && wr.Flags&wire.ADOFlagAsync != 0 {
		c.failedAsync = append(c.failedAsync, FailedAsyncRequest{
			RequestID: wr.RequestID,
			Status:    comp.Status,
			Detail:    fmt.Sprintf("work %d failed", wr.WorkKey),
		})
	}

	return wr, nil
}

// DrainFailedAsync returns and clears the failed_async_requests list
// (spec §7), reported on the next sync request or shutdown.
func (c *Coordinator) DrainFailedAsync() []FailedAsyncRequest {
	out := c.failedAsync
	c.failedAsync = nil
	return out
}

// PollCompletions drains at most one completion from each live proxy's
// ado→shard channel, for the event loop's per-tick drain (spec §4.1 step
// 6). Callers decode Message.Payload into a Completion themselves; this
// just surfaces the raw message.
func (c *Coordinator) PollCompletions() []Message {
	var out []Message
	c.byPool.Range(func(_ backend.PoolHandle, p *Proxy) bool {
		if m, ok := p.IPC.FromADO.TryRecv(); ok {
			out = append(out, m)
			p.lastSeen.Store(time.Now().UnixNano())
			p.missedHeartbeats.Store(0)
			p.disconnected.Store(false)
		} else {
			if p.missedHeartbeats.Add(1) >= heartbeatMissLimit {
				p.disconnected.Store(true)
			}
		}
		return true
	})
	return out
}

// Proxies returns a snapshot of every live ADO proxy, for INFO queries and
// shutdown.
func (c *Coordinator) Proxies() []*Proxy {
	var out []*Proxy
	c.byPool.Range(func(_ backend.PoolHandle, p *Proxy) bool {
		out = append(out, p)
		return true
	})
	return out
}

// ForwardClusterSignal delivers a cluster-signal event to every live ADO
// proxy (spec §4.1 step 4). payload is opaque to this package.
func (c *Coordinator) ForwardClusterSignal(payload []byte) {
	c.byPool.Range(func(_ backend.PoolHandle, p *Proxy) bool {
		_ = p.IPC.ToADO.Send(Message{Kind: MsgConfigureRequest, Payload: payload})
		return true
	})
}
