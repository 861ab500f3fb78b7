// Package metrics wires the shard's counters into VictoriaMetrics' global
// registry (as the teacher pulls in for its own server process) plus a
// rcrowley/go-metrics histogram for dispatch latency, since dragonboat's own
// stack already depends on rcrowley for the same kind of rolling windows.
package metrics

import (
	"fmt"
	"sync/atomic"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
	rcmetrics "github.com/rcrowley/go-metrics"
)

// ShardMetrics holds every counter/histogram a single shard instance
// updates over its lifetime. One instance is created per shard so that
// multiple shards in the same process don't clobber each other's series.
type ShardMetrics struct {
	shardID uint64

	requestsTotal  *vm.Counter
	requestsFailed *vm.Counter
	dispatchHist   rcmetrics.Histogram

	sharedLocks    atomic.Int64
	exclusiveLocks atomic.Int64
	reservedSpaces atomic.Int64

	adoWorkQueued *vm.Counter
	adoWorkDone   *vm.Counter
	taskSteps     *vm.Counter
}

// New creates and registers all series for one shard ID. Calling it twice
// for the same shardID does not panic: the VictoriaMetrics GetOrCreate calls
// return the series already registered under that id, and the second
// dispatch-latency histogram is not registered because rcrowley's Register
// rejects the duplicate name (the error is ignored).
func New(shardID uint64) *ShardMetrics {
	m := &ShardMetrics{
		shardID:      shardID,
		dispatchHist: rcmetrics.NewHistogram(rcmetrics.NewUniformSample(1024)),
	}

	m.requestsTotal = vm.GetOrCreateCounter(m.name("requests_total"))
	m.requestsFailed = vm.GetOrCreateCounter(m.name("requests_failed_total"))

	vm.GetOrCreateGauge(m.name("locks_held_shared"), func() float64 { return float64(m.sharedLocks.Load()) })
	vm.GetOrCreateGauge(m.name("locks_held_exclusive"), func() float64 { return float64(m.exclusiveLocks.Load()) })
	vm.GetOrCreateGauge(m.name("reserved_spaces"), func() float64 { return float64(m.reservedSpaces.Load()) })

	m.adoWorkQueued = vm.GetOrCreateCounter(m.name("ado_work_queued_total"))
	m.adoWorkDone = vm.GetOrCreateCounter(m.name("ado_work_completed_total"))
	m.taskSteps = vm.GetOrCreateCounter(m.name("background_task_steps_total"))

	rcmetrics.Register(m.name("dispatch_latency_ns"), m.dispatchHist)

	return m
}

// SetLockCounts updates the lock-registry gauges; called once per tick by
// the event loop rather than on every acquire/release to keep the hot path
// free of metrics overhead.
func (m *ShardMetrics) SetLockCounts(shared, exclusive, reserved int) {
	m.sharedLocks.Store(int64(shared))
	m.exclusiveLocks.Store(int64(exclusive))
	m.reservedSpaces.Store(int64(reserved))
}

func (m *ShardMetrics) name(metric string) string {
	return fmt.Sprintf(`%s{shard="%d"}`, metric, m.shardID)
}

// RecordDispatch records the wall-clock duration of one request dispatch.
func (m *ShardMetrics) RecordDispatch(ok bool, d time.Duration) {
	m.requestsTotal.Inc()
	if !ok {
		m.requestsFailed.Inc()
	}
	m.dispatchHist.Update(d.Nanoseconds())
}

// DispatchPercentile returns the given percentile (0-100) of observed
// dispatch latencies in nanoseconds, for the INFO stats query.
func (m *ShardMetrics) DispatchPercentile(p float64) int64 {
	return int64(m.dispatchHist.Percentile(p / 100))
}

func (m *ShardMetrics) ADOWorkQueued()   { m.adoWorkQueued.Inc() }
func (m *ShardMetrics) ADOWorkComplete() { m.adoWorkDone.Inc() }
func (m *ShardMetrics) TaskStep()        { m.taskSteps.Inc() }
