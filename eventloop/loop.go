// Package eventloop implements the shard's cooperative single-threaded
// scheduler (spec §4.1): one goroutine, locked to one OS thread (no CPU
// affinity is set), that never blocks — every suspension point is a non-blocking poll. The
// teacher's own server loop (rpc/transport/base/server.go) spawns a
// worker goroutine per request; this loop can't, since MCAS requires the
// entire dispatch-and-reply path for one shard to run on a single thread
// so ADO co-processes can address shard memory without synchronization.
package eventloop

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/mcas-project/shard/ado"
	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/index"
	"github.com/mcas-project/shard/internal/errs"
	"github.com/mcas-project/shard/internal/metrics"
	"github.com/mcas-project/shard/internal/wire"
	"github.com/mcas-project/shard/lockregistry"
	"github.com/mcas-project/shard/session"
	"github.com/mcas-project/shard/transport"
	"github.com/mcas-project/shard/twostage"
)

var log = logger.GetLogger("eventloop")

// ConnectionCheckInterval and ClusterSignalInterval are the tick counts
// between polling for new connections and draining the cluster-signal
// queue respectively (spec §4.1 steps 3-4).
const (
	ConnectionCheckInterval = 8
	ClusterSignalInterval   = 64

	idleSleep = 50 * time.Millisecond
)

// pendingTask pairs a session.Task with the session/request it must
// eventually reply to.
type pendingTask struct {
	task      session.Task
	sess      *session.Session
	requestID uint64
}

// Loop owns every session, the accept-side transport, and the background
// task queue for one shard.
type Loop struct {
	core       uint
	srv        transport.ServerTransport
	dispatcher Dispatcher

	sessions   map[*session.Session]struct{}
	toShutdown []*session.Session

	tasks []pendingTask

	clusterSignals chan []byte

	tick uint64

	metrics *metrics.ShardMetrics

	forcedExit bool
}

// Dispatcher is the subset of session.Dispatcher's surface the loop drives
// directly, kept as an interface so eventloop doesn't import session for
// its own dispatch call, only for session.Session/session.DeferredAction
// values it passes through.
type Dispatcher interface {
	Dispatch(sess *session.Session, req wire.Frame) (wire.Frame, error)
	Backend() backend.Backend
	Registry() *lockregistry.Registry
	ADO() *ado.Coordinator
	Callbacks() *ado.Callbacks
	Index(h backend.PoolHandle) *index.Index
	TwoStage() *twostage.Coordinator
}

// New creates an event loop bound to srv, driving requests through
// dispatcher. core is recorded on the Loop; Run locks its goroutine to one
// OS thread with runtime.LockOSThread but sets no CPU affinity, so that
// thread is not bound to core.
func New(core uint, srv transport.ServerTransport, dispatcher Dispatcher, m *metrics.ShardMetrics, forcedExit bool) *Loop {
	return &Loop{
		core:           core,
		srv:            srv,
		dispatcher:     dispatcher,
		sessions:       make(map[*session.Session]struct{}),
		clusterSignals: make(chan []byte, 256),
		metrics:        m,
		forcedExit:     forcedExit,
	}
}

// PostClusterSignal enqueues a cluster-signal event for the next
// ClusterSignalInterval-tick drain. Non-blocking; drops the signal if the
// queue is full rather than backing up the caller.
func (l *Loop) PostClusterSignal(payload []byte) {
	select {
	case l.clusterSignals <- payload:
	default:
		log.Warningf("cluster signal queue full, dropping signal")
	}
}

// QueueTask enqueues a background task (spec §4.8), e.g. a resumable
// find-key walk, to be stepped once per tick until it completes. It
// satisfies session.TaskQueue, letting a Dispatcher hand it tasks without
// eventloop importing session's Dispatcher (which would create a cycle:
// eventloop already imports session for Session/DeferredAction).
func (l *Loop) QueueTask(t session.Task, sess *session.Session, requestID uint64) {
	l.tasks = append(l.tasks, pendingTask{task: t, sess: sess, requestID: requestID})
}

// Run pins the calling goroutine to an OS thread (spec's "pinned to a
// configured CPU") and runs the tick loop until ctx is cancelled or
// SIGINT arrives.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	exiting := false

	for {
		select {
		case <-sigCh:
			exiting = true
		case <-ctx.Done():
			exiting = true
		default:
		}

		if exiting {
			l.shutdownAll()
			return nil
		}

		l.tick++

		if len(l.sessions) == 0 {
			l.pollAccept()
			time.Sleep(idleSleep)
			continue
		}

		if l.tick%ConnectionCheckInterval == 0 {
			l.pollAccept()
		}

		if l.tick%ClusterSignalInterval == 0 {
			l.drainClusterSignals()
		}

		for sess := range l.sessions {
			l.tickSession(sess)
		}

		l.drainADO()
		l.stepTasks()
		l.reapShutdownSessions()

		if l.metrics != nil {
			shared, exclusive, reserved := l.dispatcher.Registry().Counts()
			l.metrics.SetLockCounts(shared, exclusive, reserved)
		}
	}
}

func (l *Loop) pollAccept() {
	conn, ok := l.srv.Accept()
	if !ok {
		return
	}
	sess := session.NewSession(conn, 0)
	l.sessions[sess] = struct{}{}
	log.Infof("accepted connection from %s", conn.RemoteAddr())
}

func (l *Loop) drainClusterSignals() {
	for {
		select {
		case payload := <-l.clusterSignals:
			l.dispatcher.ADO().ForwardClusterSignal(payload)
		default:
			return
		}
	}
}

// tickSession runs one session's share of step 5: transport tick, deferred
// action drain, and a single inbound-message dispatch.
func (l *Loop) tickSession(sess *session.Session) {
	verdict, _ := sess.Conn.Tick()
	if verdict == transport.TickClose {
		l.closeSession(sess)
		return
	}

	for _, action := range sess.DrainDeferred() {
		l.runDeferred(sess, action)
	}

	if verdict != transport.TickReadable {
		return
	}

	body, ok := sess.Conn.Peek()
	if !ok {
		return
	}
	frame, err := wire.Decode(body)
	if err != nil {
		log.Errorf("malformed frame from %s: %v", sess.Conn.RemoteAddr(), err)
		sess.Conn.Consume()
		return
	}

	resp, dispatchErr := l.dispatcher.Dispatch(sess, frame)
	if dispatchErr != nil && errs.Retryable(dispatchErr) {
		// Resource unavailable: leave the message on the queue for the next
		// tick rather than consuming it (spec §4.1 step 5's backpressure
		// rule).
		return
	}
	sess.Conn.Consume()

	if resp.Header.Type == wire.TypeUnknown {
		// The handler queued a background task (spec §4.8) and will reply
		// once it completes; nothing to post this tick.
		return
	}

	if err := sess.Conn.PostResponse(wire.Encode(resp)); err != nil {
		log.Errorf("failed to post response: %v", err)
		l.closeSession(sess)
	}
}

// runDeferred resolves one queued deferred action (spec §4.1 step 5):
// RELEASE_VALUE_LOCK_EXCLUSIVE both releases the exclusive lock-registry
// entry and, once its refcount hits zero, resolves any pending rename and
// reindexes the now-visible key.
func (l *Loop) runDeferred(sess *session.Session, action session.DeferredAction) {
	switch action.Kind {
	case session.DeferredReleaseExclusive:
		idx := l.dispatcher.Index(action.Pool)
		if err := l.dispatcher.TwoStage().PutRelease(action.Pool, action.Addr, idx); err != nil {
			log.Errorf("deferred exclusive release failed for pool %d addr %d: %v", action.Pool, action.Addr, err)
		}
	case session.DeferredReleaseShared:
		if err := l.dispatcher.TwoStage().GetRelease(action.Pool, action.Addr); err != nil {
			log.Errorf("deferred shared release failed for pool %d addr %d: %v", action.Pool, action.Addr, err)
		}
	}
	_ = sess
}

func (l *Loop) closeSession(sess *session.Session) {
	l.toShutdown = append(l.toShutdown, sess)
}

func (l *Loop) reapShutdownSessions() {
	if len(l.toShutdown) == 0 {
		return
	}
	for _, sess := range l.toShutdown {
		for _, open := range sess.Pools.OpenPoolSet() {
			for i := 0; i < open.RefCount; i++ {
				_ = l.dispatcher.Backend().Close(open.Handle)
			}
			if shouldShutdown, proxy := l.dispatcher.ADO().Release(open.Handle); shouldShutdown && proxy != nil {
				l.dispatcher.ADO().Retire(proxy)
			}
		}
		_ = sess.Conn.Close()
		delete(l.sessions, sess)
	}
	l.toShutdown = nil
}

func (l *Loop) shutdownAll() {
	log.Infof("shutting down: closing %d session(s)", len(l.sessions))
	for sess := range l.sessions {
		l.toShutdown = append(l.toShutdown, sess)
	}
	l.reapShutdownSessions()
}

// drainADO implements step 6: drain every ADO proxy's completion channel
// and route each message to the matching callback handler.
func (l *Loop) drainADO() {
	for _, msg := range l.dispatcher.ADO().PollCompletions() {
		switch msg.Kind {
		case ado.MsgWorkCompletion:
			l.handleWorkCompletion(msg)
		case ado.MsgUnblock:
			// wake-up sentinel only; nothing to do over a Go-channel ring.
		default:
			log.Debugf("unhandled ado callback kind %v for work %d", msg.Kind, msg.WorkKey)
		}
	}
}

// handleWorkCompletion decodes the ADO's packed {status, layers} payload and turns it into the coordinator's Completion shape before
// unlocking and replying (spec §4.7).
func (l *Loop) handleWorkCompletion(msg ado.Message) {
	decoded, err := wire.DecodeADOResponse(msg.Payload)
	if err != nil {
		log.Errorf("malformed work completion %d: %v", msg.WorkKey, err)
		decoded = wire.ADOResponse{Status: wire.Status32(errs.Fail)}
	}

	comp := ado.Completion{WorkKey: msg.WorkKey, Status: errs.Status(decoded.Status)}
	wr, err := l.dispatcher.ADO().CompleteWork(comp)
	if err != nil {
		log.Errorf("work completion %d failed: %v", msg.WorkKey, err)
		return
	}
	if l.metrics != nil {
		l.metrics.ADOWorkComplete()
	}

	layers := make([]wire.ADOResponseLayer, len(decoded.Layers))
	copy(layers, decoded.Layers)
	resp := wire.ADOResponse{Status: decoded.Status, Layers: layers}
	frame := wire.Frame{
		Header: wire.Header{Version: 1, Type: wire.TypeADOResponse, RequestID: wr.RequestID, Status: int32(comp.Status)},
		Body:   resp.Encode(),
	}
	if err := wr.Conn.PostResponse(wire.Encode(frame)); err != nil {
		log.Errorf("failed to post ado completion response: %v", err)
	}
}

// stepTasks implements step 7 (spec §4.8): each queued task runs one
// bounded step; completed ones are retired with a single INFO response.
func (l *Loop) stepTasks() {
	if len(l.tasks) == 0 {
		return
	}
	remaining := l.tasks[:0]
	for _, pt := range l.tasks {
		done, result := pt.task.Step()
		if l.metrics != nil {
			l.metrics.TaskStep()
		}
		if !done {
			remaining = append(remaining, pt)
			continue
		}
		l.replyTask(pt, result)
	}
	l.tasks = remaining
}

func (l *Loop) replyTask(pt pendingTask, result session.TaskResult) {
	resp := wire.InfoResponse{MatchedKey: []byte(result.MatchedKey), MatchPos: result.Position}
	frame := wire.Frame{
		Header: wire.Header{Version: 1, Type: wire.TypeInfoResponse, RequestID: pt.requestID, Status: int32(result.Status)},
		Body:   resp.Encode(),
	}
	if err := pt.sess.Conn.PostResponse(wire.Encode(frame)); err != nil {
		log.Errorf("failed to post background task response: %v", err)
	}
}
