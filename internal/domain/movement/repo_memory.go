package movement

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/platform/apperr"
	"github.com/dataclinica/bedflow/internal/platform/db"
)

// NewMemoryRepos returns process-local stores for use with
// db.MemoryTransactor.
func NewMemoryRepos() Repos {
	return Repos{
		Admissions: &memAdmissions{newTable(func(a *Admission) *Admission { return a.Clone() }, "admission")},
		Transfers:  &memTransfers{newTable(func(t *Transfer) *Transfer { return t.Clone() }, "transfer")},
		Discharges: &memDischarges{newTable(func(d *Discharge) *Discharge { return d.Clone() }, "discharge")},
	}
}

type record interface {
	key() uuid.UUID
	created() time.Time
}

func (a *Admission) key() uuid.UUID     { return a.ID }
func (a *Admission) created() time.Time { return a.CreatedAt }
func (t *Transfer) key() uuid.UUID      { return t.ID }
func (t *Transfer) created() time.Time  { return t.CreatedAt }
func (d *Discharge) key() uuid.UUID     { return d.ID }
func (d *Discharge) created() time.Time { return d.CreatedAt }

type table[T record] struct {
	mu    sync.RWMutex
	rows  map[uuid.UUID]T
	clone func(T) T
	noun  string
}

func newTable[T record](clone func(T) T, noun string) *table[T] {
	return &table[T]{rows: make(map[uuid.UUID]T), clone: clone, noun: noun}
}

func (t *table[T]) create(ctx context.Context, v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := v.key()
	if _, exists := t.rows[id]; exists {
		return apperr.Validation("create_"+t.noun, "%s %s already exists", t.noun, id)
	}
	t.rows[id] = t.clone(v)
	db.OnRollback(ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.rows, id)
	})
	return nil
}

func (t *table[T]) get(id uuid.UUID) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.rows[id]
	if !ok {
		var zero T
		return zero, apperr.NotFound("get_"+t.noun, "%s %s not found", t.noun, id)
	}
	return t.clone(v), nil
}

func (t *table[T]) update(ctx context.Context, v T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := v.key()
	prev, ok := t.rows[id]
	if !ok {
		return apperr.NotFound("update_"+t.noun, "%s %s not found", t.noun, id)
	}
	t.rows[id] = t.clone(v)
	db.OnRollback(ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.rows[id] = prev
	})
	return nil
}

func (t *table[T]) list(match func(T) bool) []T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []T
	for _, v := range t.rows {
		if match(v) {
			out = append(out, t.clone(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].created(), out[j].created()
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		ki, kj := out[i].key(), out[j].key()
		return bytes.Compare(ki[:], kj[:]) < 0
	})
	return out
}

type memAdmissions struct{ t *table[*Admission] }

func (m *memAdmissions) Create(ctx context.Context, a *Admission) error { return m.t.create(ctx, a) }
func (m *memAdmissions) Get(_ context.Context, id uuid.UUID) (*Admission, error) {
	return m.t.get(id)
}
func (m *memAdmissions) Update(ctx context.Context, a *Admission) error { return m.t.update(ctx, a) }
func (m *memAdmissions) List(_ context.Context, f AdmissionFilter) ([]*Admission, error) {
	return m.t.list(f.Match), nil
}

type memTransfers struct{ t *table[*Transfer] }

func (m *memTransfers) Create(ctx context.Context, t *Transfer) error { return m.t.create(ctx, t) }
func (m *memTransfers) Get(_ context.Context, id uuid.UUID) (*Transfer, error) {
	return m.t.get(id)
}
func (m *memTransfers) Update(ctx context.Context, t *Transfer) error { return m.t.update(ctx, t) }
func (m *memTransfers) List(_ context.Context, f TransferFilter) ([]*Transfer, error) {
	return m.t.list(f.Match), nil
}

type memDischarges struct{ t *table[*Discharge] }

func (m *memDischarges) Create(ctx context.Context, d *Discharge) error { return m.t.create(ctx, d) }
func (m *memDischarges) Get(_ context.Context, id uuid.UUID) (*Discharge, error) {
	return m.t.get(id)
}
func (m *memDischarges) Update(ctx context.Context, d *Discharge) error { return m.t.update(ctx, d) }
func (m *memDischarges) List(_ context.Context, f DischargeFilter) ([]*Discharge, error) {
	return m.t.list(f.Match), nil
}
