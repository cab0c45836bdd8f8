// Package track implements the mutation tracker: per-record version
// counters with compare-and-swap commit semantics plus a dirty flag.
//
// The version counters are the only cross-cutting mutable state touched by
// every worker, so they use atomics rather than a coarse lock: updates to
// unrelated records never serialize against each other.
package track

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gantryproj/gantry/pkg/store"
)

// state is one record's concurrency cell.
type state struct {
	version atomic.Uint64
	dirty   atomic.Bool
}

// Tracker holds a version+dirty cell per record UID.
type Tracker struct {
	records sync.Map // uid -> *state
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) cell(uid string) *state {
	if v, ok := t.records.Load(uid); ok {
		return v.(*state)
	}
	v, _ := t.records.LoadOrStore(uid, &state{})
	return v.(*state)
}

// Register seeds a record's version, typically at load time. Registering an
// already-known record is a no-op so concurrent loaders cannot regress a
// version that has since advanced.
func (t *Tracker) Register(uid string, version uint64) {
	if _, ok := t.records.Load(uid); ok {
		return
	}
	c := &state{}
	c.version.Store(version)
	if actual, loaded := t.records.LoadOrStore(uid, c); loaded {
		_ = actual
	}
}

// Version returns the record's current version (0 for unknown records).
func (t *Tracker) Version(uid string) uint64 {
	return t.cell(uid).version.Load()
}

// Dirty reports whether the record has committed changes not yet flushed to
// durable metadata storage.
func (t *Tracker) Dirty(uid string) bool {
	return t.cell(uid).dirty.Load()
}

// Commit advances the record's version from expected to expected+1 and marks
// it dirty. A stale expected version fails with ErrConflict: the caller must
// re-read and retry rather than silently losing a concurrent update.
func (t *Tracker) Commit(uid string, expected uint64) (uint64, error) {
	c := t.cell(uid)
	if !c.version.CompareAndSwap(expected, expected+1) {
		return 0, fmt.Errorf("%w: %s at version %d, expected %d",
			store.ErrConflict, uid, c.version.Load(), expected)
	}
	c.dirty.Store(true)
	return expected + 1, nil
}

// MarkFlushed clears the dirty flag after the record's row write has been
// durably acknowledged, but only when no further commit landed in between.
func (t *Tracker) MarkFlushed(uid string, flushedVersion uint64) {
	c := t.cell(uid)
	if c.version.Load() == flushedVersion {
		c.dirty.Store(false)
	}
}

// MarkDirty flags a record without advancing its version. Used for
// attribute-only edits routed outside the CAS payload path.
func (t *Tracker) MarkDirty(uid string) {
	t.cell(uid).dirty.Store(true)
}

// DirtyUIDs returns a snapshot of every dirty record UID.
func (t *Tracker) DirtyUIDs() []string {
	var out []string
	t.records.Range(func(k, v interface{}) bool {
		if v.(*state).dirty.Load() {
			out = append(out, k.(string))
		}
		return true
	})
	return out
}

// Len returns the number of tracked records.
func (t *Tracker) Len() int {
	n := 0
	t.records.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}
