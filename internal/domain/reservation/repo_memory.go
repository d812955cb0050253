package reservation

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

type memoryRepo struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Reservation
}

func NewMemoryRepo() Repository {
	return &memoryRepo{byID: make(map[uuid.UUID]*Reservation)}
}

func (m *memoryRepo) Create(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[r.ID]; exists {
		return apperr.Validation("create_reservation", "reservation %s already exists", r.ID)
	}
	m.byID[r.ID] = r.Clone()
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.byID, r.ID)
	})
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("get_reservation", "reservation %s not found", id)
	}
	return r.Clone(), nil
}

func (m *memoryRepo) Update(ctx context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.byID[r.ID]
	if !ok {
		return apperr.NotFound("update_reservation", "reservation %s not found", r.ID)
	}
	m.byID[r.ID] = r.Clone()
	db.OnRollback(ctx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.byID[r.ID] = prev
	})
	return nil
}

func (m *memoryRepo) List(_ context.Context, f Filter) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Reservation
	for _, r := range m.byID {
		if f.Match(r) {
			out = append(out, r.Clone())
		}
	}
	sortReservations(out)
	return out, nil
}

func (m *memoryRepo) ListDue(_ context.Context, now time.Time) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Reservation
	for _, r := range m.byID {
		if r.Status.Pending() && r.Elapsed(now) {
			out = append(out, r.Clone())
		}
	}
	sortReservations(out)
	return out, nil
}

func sortReservations(rs []*Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].ReservedFrom.Equal(rs[j].ReservedFrom) {
			return rs[i].ReservedFrom.Before(rs[j].ReservedFrom)
		}
		return bytes.Compare(rs[i].ID[:], rs[j].ID[:]) < 0
	})
}
