package alerting

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

type memoryRepo struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Alert
}

func NewMemoryRepo() Repository {
	return &memoryRepo{byID: make(map[uuid.UUID]*Alert)}
}

func (m *memoryRepo) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byID[a.ID]; exists {
		return apperr.Validation("create_alert", "alert %s already exists", a.ID)
	}
	m.byID[a.ID] = a.Clone()
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, apperr.NotFound("get_alert", "alert %s not found", id)
	}
	return a.Clone(), nil
}

func (m *memoryRepo) Update(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[a.ID]; !ok {
		return apperr.NotFound("update_alert", "alert %s not found", a.ID)
	}
	m.byID[a.ID] = a.Clone()
	return nil
}

func (m *memoryRepo) List(_ context.Context, f Filter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Alert
	for _, a := range m.byID {
		if f.Match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return bytes.Compare(out[i].ID[:], out[j].ID[:]) < 0
	})
	return out, nil
}
