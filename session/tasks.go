package session

import (
	"github.com/mcas-project/shard/index"
	"github.com/mcas-project/shard/internal/errs"
)

// FindKeyTask implements the background find-key task (spec §4.8): each
// Step call asks cursor for the next matching key past the last one it
// returned. The cursor's own walk is bounded by the index size rather than
// by one comparison — find-key over a pool with millions of keys and a
// sparse pattern is therefore not perfectly tick-bounded, a known
// simplification versus a token-bucketed cursor.
type FindKeyTask struct {
	cursor  *index.Cursor
	pattern string
}

// NewFindKeyTask wraps a resumable prefix search over cursor. The caller
// supplies the cursor (rather than this constructor opening a fresh one)
// so repeated find-key calls against the same pool/pattern advance the
// same walk instead of restarting it every time.
func NewFindKeyTask(cursor *index.Cursor, pattern string) *FindKeyTask {
	return &FindKeyTask{cursor: cursor, pattern: pattern}
}

// Step runs the cursor's next search pass. It always finishes in one call
// here (errs.OK on match, errs.KeyNotFound on exhaustion); the Task interface still
// models S_MORE for task kinds whose unit of work is naturally smaller.
func (t *FindKeyTask) Step() (done bool, result TaskResult) {
	entry, pos, ok := t.cursor.Step(t.pattern)
	if ok {
		return true, TaskResult{Status: errs.OK, MatchedKey: entry.Key, Position: int64(pos)}
	}
	return true, TaskResult{Status: errs.KeyNotFound, Position: -1}
}
