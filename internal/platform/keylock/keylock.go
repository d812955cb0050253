// Package keylock provides one mutex per key, acquired in a fixed global
// order so multi-key critical sections cannot deadlock each other.
package keylock

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Table hands out per-key mutexes. Entries are reference counted and dropped
// once no goroutine holds or waits on them.
type Table struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*entry
}

// New creates an empty lock table.
func New() *Table {
	return &Table{locks: make(map[uuid.UUID]*entry)}
}

// Lock acquires the locks for all ids in ascending byte order, ignoring
// duplicates and uuid.Nil, and returns a function that releases them.
func (t *Table) Lock(ids ...uuid.UUID) (unlock func()) {
	keys := Ordered(ids...)

	held := make([]*entry, 0, len(keys))
	for _, k := range keys {
		e := t.acquire(k)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				t.release(keys[i])
			}
		})
	}
}

// Len returns the number of keys currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

func (t *Table) acquire(k uuid.UUID) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[k]
	if !ok {
		e = &entry{}
		t.locks[k] = e
	}
	e.refs++
	return e
}

func (t *Table) release(k uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[k]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(t.locks, k)
	}
}

// Ordered returns ids deduplicated, without uuid.Nil, in ascending byte order.
func Ordered(ids ...uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}
