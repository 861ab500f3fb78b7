// Package index implements the optional per-pool secondary index (spec
// §4.9): exact/prefix lookup via an immutable radix tree, plus a
// resumable ordered cursor via a B-tree for the preemptible background
// find-key task and the ADO iterate time-window walk. The teacher has no
// direct analogue (lib/db.KVDB exposes no range queries), so this package
// is grounded on the pack's general-purpose ordered-structure libraries
// rather than on a teacher file: hashicorp/go-immutable-radix for
// prefix/exact matching, google/btree for the resumable cursor.
package index

import (
	"regexp"
	"sync"

	"github.com/google/btree"
	iradix "github.com/hashicorp/go-immutable-radix"
)

// Entry is one indexed key plus the metadata ADO table-op CREATE and the
// PUT/ERASE/PUT_RELEASE mutation points attach to it.
type Entry struct {
	Key    string
	Length uint64
}

// btreeItem adapts Entry to btree.Item, ordered lexically by key so the
// cursor walks keys in a stable, resumable order.
type btreeItem struct {
	Entry
}

func (a btreeItem) Less(than btree.Item) bool {
	return a.Entry.Key < than.(btreeItem).Entry.Key
}

// Index is one pool's secondary index. Present only for pools that issued
// CONFIGURE("AddIndex::VolatileTree"); absent otherwise (spec §4.9).
type Index struct {
	mu    sync.RWMutex
	radix *iradix.Tree
	order *btree.BTree
}

// New creates an empty index, e.g. right after CONFIGURE adds one.
func New() *Index {
	return &Index{
		radix: iradix.New(),
		order: btree.New(32),
	}
}

// Rebuild replaces the index contents wholesale from a backend key
// enumeration, as CONFIGURE("AddIndex::VolatileTree") does on creation.
func Rebuild(entries []Entry) *Index {
	idx := New()
	txn := idx.radix.Txn()
	for _, e := range entries {
		txn.Insert([]byte(e.Key), e)
		idx.order.ReplaceOrInsert(btreeItem{e})
	}
	idx.radix = txn.Commit()
	return idx
}

// Put inserts or updates one entry — called after PUT success, PUT_RELEASE
// rename resolution, and ADO table-op CREATE.
func (idx *Index) Put(e Entry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.radix, _, _ = idx.radix.Insert([]byte(e.Key), e)
	idx.order.ReplaceOrInsert(btreeItem{e})
}

// Remove deletes one entry — called after ERASE success.
func (idx *Index) Remove(key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if old, ok := idx.radix.Get([]byte(key)); ok {
		idx.order.Delete(btreeItem{old.(Entry)})
	}
	idx.radix, _, _ = idx.radix.Delete([]byte(key))
}

// FindExact reports whether key is indexed, for the round-trip property
// "after PUT/PUT_RELEASE, find(exact_key) yields that key".
func (idx *Index) FindExact(key string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.radix.Get([]byte(key))
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// FindPrefix returns every indexed key sharing prefix, in lexical order.
func (idx *Index) FindPrefix(prefix string) []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []Entry
	idx.radix.Root().WalkPrefix([]byte(prefix), func(_ []byte, v interface{}) bool {
		out = append(out, v.(Entry))
		return false
	})
	return out
}

// FindRegex returns every indexed key the pattern matches, in lexical
// order, for the ADO index-find callback's regex mode.
func (idx *Index) FindRegex(pattern string) ([]Entry, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []Entry
	idx.order.Ascend(func(item btree.Item) bool {
		e := item.(btreeItem).Entry
		if re.MatchString(e.Key) {
			out = append(out, e)
		}
		return true
	})
	return out, nil
}

// Cursor is a resumable position in the ordered key space, used by the
// background find-key task (spec §4.8): one step advances past the last
// key returned and yields at most one match. The index read lock is held
// only for the duration of a step, so the task never holds the index
// across a tick boundary; a single step may still compare many keys
// before it finds a match.
type Cursor struct {
	idx      *Index
	lastKey  string
	started  bool
	walked   int
}

// NewCursor opens a cursor over idx starting before the first key.
func (idx *Index) NewCursor() *Cursor {
	return &Cursor{idx: idx}
}

// Step advances the cursor by one matching key (by prefix, empty prefix
// matches everything) and returns it plus its ordinal position since the
// cursor was opened. ok is false once the walk is exhausted.
func (c *Cursor) Step(prefix string) (entry Entry, position int, ok bool) {
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()

	pos := -1
	var found Entry
	foundOk := false

	pivot := btreeItem{Entry{Key: c.lastKey}}
	ascendFn := func(item btree.Item) bool {
		e := item.(btreeItem).Entry
		if c.started && e.Key <= c.lastKey {
			return true
		}
		pos++
		if len(prefix) == 0 || hasPrefix(e.Key, prefix) {
			found = e
			foundOk = true
			return false
		}
		return true
	}

	if c.started {
		c.idx.order.AscendGreaterOrEqual(pivot, ascendFn)
	} else {
		c.idx.order.Ascend(ascendFn)
	}

	if !foundOk {
		return Entry{}, -1, false
	}
	c.lastKey = found.Key
	c.started = true
	c.walked += pos + 1
	return found, c.walked - 1, true
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
