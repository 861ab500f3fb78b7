package session

import "github.com/mcas-project/shard/internal/errs"

// Task is one long-running background operation the event loop steps once
// per tick (spec §4.8): find-key, currently the only kind, but the
// interface is generic so a future task type slots in without the loop
// changing. Defined here rather than in eventloop so a Dispatcher can queue
// one through TaskQueue without creating an import cycle back from session
// to eventloop (eventloop already imports session for Dispatcher/Session).
type Task interface {
	// Step runs one bounded unit of work and reports whether more work
	// remains. It must never hold a backend lock across the call boundary.
	Step() (done bool, result TaskResult)
}

// TaskResult is what a finished task hands back for the loop to turn into
// an INFO response.
type TaskResult struct {
	Status     errs.Status
	MatchedKey string
	Position   int64
}

// TaskQueue lets a Dispatcher hand a background task to whatever actually
// steps it once per tick (the event loop), without the Dispatcher importing
// eventloop directly. Wired via SetTaskQueue once both exist, the same
// construction-order workaround ado.Callbacks.SetIndexProvider uses.
type TaskQueue interface {
	QueueTask(t Task, sess *Session, requestID uint64)
}
