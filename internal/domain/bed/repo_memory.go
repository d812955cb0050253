package bed

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/platform/apperr"
	"github.com/dataclinica/bedflow/internal/platform/db"
)

type memoryRepo struct {
	mu   sync.RWMutex
	beds map[uuid.UUID]*Bed
}

// NewMemoryRepo returns a process-local Repository. Pair it with
// db.MemoryTransactor so SaveAll is undone when the surrounding command fails.
func NewMemoryRepo() Repository {
	return &memoryRepo{beds: make(map[uuid.UUID]*Bed)}
}

func (r *memoryRepo) Create(_ context.Context, b *Bed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.beds[b.ID]; exists {
		return apperr.Validation("register_bed", "bed %s already registered", b.ID)
	}
	for _, other := range r.beds {
		if other.Code == b.Code {
			return apperr.Validation("register_bed", "bed code %q already in use", b.Code)
		}
	}
	r.beds[b.ID] = b.Clone()
	return nil
}

func (r *memoryRepo) Get(_ context.Context, id uuid.UUID) (*Bed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.beds[id]
	if !ok {
		return nil, apperr.NotFound("get_bed", "bed %s not found", id)
	}
	return b.Clone(), nil
}

func (r *memoryRepo) List(_ context.Context, f Filter) ([]*Bed, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bed, 0, len(r.beds))
	for _, b := range r.beds {
		if f.Match(b) {
			out = append(out, b.Clone())
		}
	}
	sortByID(out)
	return out, nil
}

func (r *memoryRepo) SaveAll(ctx context.Context, beds []*Bed) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range beds {
		cur, ok := r.beds[b.ID]
		if !ok {
			return apperr.NotFound("save_beds", "bed %s not found", b.ID)
		}
		if cur.Version != b.Version {
			return apperr.BedUnavailable("save_beds", "bed %s was modified concurrently", b.ID)
		}
	}

	prev := make([]*Bed, 0, len(beds))
	for _, b := range beds {
		prev = append(prev, r.beds[b.ID])
		b.Version++
		r.beds[b.ID] = b.Clone()
	}

	db.OnRollback(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, p := range prev {
			r.beds[p.ID] = p
			beds[i].Version--
		}
	})
	return nil
}

func sortByID(beds []*Bed) {
	sort.Slice(beds, func(i, j int) bool {
		return bytes.Compare(beds[i].ID[:], beds[j].ID[:]) < 0
	})
}
