package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/ado"
	"github.com/mcas-project/shard/backend"
	"github.com/mcas-project/shard/backend/mapstore"
	"github.com/mcas-project/shard/internal/errs"
	"github.com/mcas-project/shard/internal/wire"
	"github.com/mcas-project/shard/lockregistry"
	"github.com/mcas-project/shard/transport/loopback"
	"github.com/mcas-project/shard/twostage"
)

func newTestDispatcher(t *testing.T, adoEnabled bool) (*Dispatcher, *Session) {
	b := mapstore.New()
	reg := lockregistry.New()
	ts := twostage.New(b, reg)
	adoCoord := ado.New(b, reg)
	cb := ado.NewCallbacks(adoCoord, b, nil)
	d := New(b, reg, ts, adoCoord, cb, nil, adoEnabled)

	srv := loopback.NewServer()
	_, server := srv.Dial()
	sess := NewSession(server, 1)
	return d, sess
}

func poolFrame(pr wire.PoolRequest) wire.Frame {
	return wire.Frame{Header: wire.Header{Type: wire.TypePoolRequest}, Body: pr.Encode()}
}

func ioFrame(ir wire.IORequest) wire.Frame {
	return wire.Frame{Header: wire.Header{Type: wire.TypeIORequest}, Body: ir.Encode()}
}

func TestPoolCreateThenOpenTracksRefcount(t *testing.T) {
	d, sess := newTestDispatcher(t, false)

	resp, err := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolCreate, PoolName: "p1", PoolSize: 1 << 20}))
	require.NoError(t, err)
	created, derr := wire.DecodePoolResponse(resp.Body)
	require.NoError(t, derr)
	require.NotZero(t, created.PoolID)

	resp, err = d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolOpen, PoolName: "p1"}))
	require.NoError(t, err)
	opened, derr := wire.DecodePoolResponse(resp.Body)
	require.NoError(t, derr)
	require.Equal(t, created.PoolID, opened.PoolID)

	count, err := sess.Pools.PoolReferenceCount(backend.PoolHandle(opened.PoolID))
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestPoolCreateRejectsDuplicateOnSameSession(t *testing.T) {
	d, sess := newTestDispatcher(t, false)
	_, err := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolCreate, PoolName: "p1", PoolSize: 1 << 20}))
	require.NoError(t, err)

	resp, err := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolCreate, PoolName: "p1", PoolSize: 1 << 20}))
	require.NoError(t, err)
	require.Equal(t, int32(errs.AlreadyOpen), resp.Header.Status)
}

func TestIOPutThenGetRoundtrips(t *testing.T) {
	d, sess := newTestDispatcher(t, false)
	resp, err := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolCreate, PoolName: "p1", PoolSize: 1 << 20}))
	require.NoError(t, err)
	created, _ := wire.DecodePoolResponse(resp.Body)

	resp, err = d.Dispatch(sess, ioFrame(wire.IORequest{Op: wire.IOPut, PoolID: created.PoolID, KeyBytes: []byte("k1"), Value: []byte("hello")}))
	require.NoError(t, err)
	require.Equal(t, int32(errs.OK), resp.Header.Status)

	resp, err = d.Dispatch(sess, ioFrame(wire.IORequest{Op: wire.IOGet, PoolID: created.PoolID, KeyBytes: []byte("k1")}))
	require.NoError(t, err)
	got, derr := wire.DecodeIOResponse(resp.Body)
	require.NoError(t, derr)
	require.Equal(t, "hello", string(got.Data))
}

// fakeTaskQueue steps a queued task to completion immediately, standing
// in for the event loop's tick-stepping in a session-package test that
// can't import eventloop (eventloop already imports session).
type fakeTaskQueue struct {
	lastResult TaskResult
}

func (f *fakeTaskQueue) QueueTask(t Task, sess *Session, requestID uint64) {
	for {
		done, result := t.Step()
		if done {
			f.lastResult = result
			return
		}
	}
}

func infoFindKeyFrame(poolID uint64, prefix string) wire.Frame {
	ir := wire.InfoRequest{Type: wire.InfoFindKey, PoolID: poolID, Key: []byte(prefix)}
	return wire.Frame{Header: wire.Header{Type: wire.TypeInfoRequest}, Body: ir.Encode()}
}

func TestInfoFindKeyAdvancesAcrossCalls(t *testing.T) {
	d, sess := newTestDispatcher(t, false)
	resp, _ := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolCreate, PoolName: "p1", PoolSize: 1 << 20}))
	created, _ := wire.DecodePoolResponse(resp.Body)

	_, err := d.Dispatch(sess, ioFrame(wire.IORequest{Op: wire.IOPut, PoolID: created.PoolID, KeyBytes: []byte("cat/1"), Value: []byte("a")}))
	require.NoError(t, err)
	_, err = d.Dispatch(sess, ioFrame(wire.IORequest{Op: wire.IOPut, PoolID: created.PoolID, KeyBytes: []byte("cat/2"), Value: []byte("b")}))
	require.NoError(t, err)
	_, err = d.Dispatch(sess, ioFrame(wire.IORequest{Op: wire.IOConfigure, PoolID: created.PoolID, Value: []byte("AddIndex::VolatileTree")}))
	require.NoError(t, err)

	q := &fakeTaskQueue{}
	d.SetTaskQueue(q)

	resp, err = d.Dispatch(sess, infoFindKeyFrame(created.PoolID, "cat/"))
	require.NoError(t, err)
	require.Equal(t, wire.TypeUnknown, resp.Header.Type, "the reply is deferred to the task queue, not posted inline")
	require.Equal(t, errs.OK, q.lastResult.Status)
	require.Equal(t, "cat/1", q.lastResult.MatchedKey)

	_, err = d.Dispatch(sess, infoFindKeyFrame(created.PoolID, "cat/"))
	require.NoError(t, err)
	require.Equal(t, errs.OK, q.lastResult.Status)
	require.Equal(t, "cat/2", q.lastResult.MatchedKey, "a second call against the same prefix must advance, not restart")

	_, err = d.Dispatch(sess, infoFindKeyFrame(created.PoolID, "cat/"))
	require.NoError(t, err)
	require.Equal(t, errs.KeyNotFound, q.lastResult.Status, "a third call has nothing left to find")
}

func TestIOConfigureEnablesFindKey(t *testing.T) {
	d, sess := newTestDispatcher(t, false)
	resp, _ := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolCreate, PoolName: "p1", PoolSize: 1 << 20}))
	created, _ := wire.DecodePoolResponse(resp.Body)

	_, err := d.Dispatch(sess, ioFrame(wire.IORequest{Op: wire.IOPut, PoolID: created.PoolID, KeyBytes: []byte("users/1"), Value: []byte("v")}))
	require.NoError(t, err)

	resp, err = d.Dispatch(sess, ioFrame(wire.IORequest{Op: wire.IOConfigure, PoolID: created.PoolID, Value: []byte("AddIndex::VolatileTree")}))
	require.NoError(t, err)
	require.Equal(t, int32(errs.OK), resp.Header.Status)

	require.NotNil(t, d.Index(backend.PoolHandle(created.PoolID)))
}

func TestPoolCloseAtZeroRefcountClosesBackend(t *testing.T) {
	d, sess := newTestDispatcher(t, false)
	resp, _ := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolCreate, PoolName: "p1", PoolSize: 1 << 20}))
	created, _ := wire.DecodePoolResponse(resp.Body)

	resp, err := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolClose, PoolID: created.PoolID}))
	require.NoError(t, err)
	require.Equal(t, int32(errs.OK), resp.Header.Status)

	_, err = sess.Pools.PoolReferenceCount(backend.PoolHandle(created.PoolID))
	require.Error(t, err, "closing the last reference must drop the session's bookkeeping entry")
}

func TestSessionCloseReleasesEveryOpenPool(t *testing.T) {
	d, sess := newTestDispatcher(t, false)
	resp, _ := d.Dispatch(sess, poolFrame(wire.PoolRequest{Op: wire.PoolCreate, PoolName: "p1", PoolSize: 1 << 20}))
	_, _ = wire.DecodePoolResponse(resp.Body)

	sess.Close(d)

	h, err := d.backend.Open("p1")
	require.NoError(t, err)
	require.NotZero(t, h)
}
