package bed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/platform/apperr"
	"github.com/dataclinica/bedflow/internal/platform/db"
	"github.com/dataclinica/bedflow/internal/platform/keylock"
)

// Observer is told about every committed status change. It is called after
// commit once the bed locks are released, so a slow observer never holds up
// writers. Deliveries from concurrent updates may interleave; Change.Seq
// gives the commit order.
type Observer interface {
	BedChanged(ctx context.Context, ch Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ch Change)

func (f ObserverFunc) BedChanged(ctx context.Context, ch Change) { f(ctx, ch) }

// Registry is the only writer of bed occupancy state. Writes to a bed are
// serialized by its lock; multi-bed writes take the locks in ascending id
// order.
type Registry struct {
	repo   Repository
	txr    db.Transactor
	locks  *keylock.Table
	logger zerolog.Logger

	seq atomic.Uint64

	mu        sync.RWMutex
	observers []Observer
	now       func() time.Time
}

func NewRegistry(repo Repository, txr db.Transactor, logger zerolog.Logger) *Registry {
	return &Registry{
		repo:   repo,
		txr:    txr,
		locks:  keylock.New(),
		logger: logger.With().Str("component", "bed_registry").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the time source; used by tests to drive expiry.
func (r *Registry) SetClock(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = fn
}

func (r *Registry) Now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now().UTC().Truncate(time.Microsecond)
}

func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Register adds a bed. New beds start AVAILABLE unless registered directly
// into MAINTENANCE, BLOCKED or OUT_OF_ORDER.
func (r *Registry) Register(ctx context.Context, b *Bed) (*Bed, error) {
	if b.Code == "" || b.BedType == "" || b.DepartmentID == "" {
		return nil, apperr.Validation("register_bed", "code, bed_type and department_id are required")
	}
	switch b.Status {
	case "":
		b.Status = StatusAvailable
	case StatusAvailable, StatusMaintenance, StatusBlocked, StatusOutOfOrder:
	default:
		return nil, apperr.Validation("register_bed", "bed cannot be registered as %s", b.Status)
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	now := r.Now()
	b.Occupant = nil
	b.Version = 0
	b.CreatedAt = now
	b.LastUpdated = now
	if err := r.repo.Create(ctx, b); err != nil {
		return nil, err
	}
	r.logger.Info().Str("bed_id", b.ID.String()).Str("code", b.Code).
		Str("department_id", b.DepartmentID).Msg("bed registered")
	return b.Clone(), nil
}

// GetBed returns the committed state of a bed without taking its lock.
func (r *Registry) GetBed(ctx context.Context, id uuid.UUID) (*Bed, error) {
	return r.repo.Get(ctx, id)
}

// ListByFilter returns committed beds in ascending id order.
func (r *Registry) ListByFilter(ctx context.Context, f Filter) ([]*Bed, error) {
	return r.repo.List(ctx, f)
}

// SetStatus moves a single bed to status. A repeat of the last applied call
// (same status, actor, timestamp and occupant) is a no-op. A zero at means
// now.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, status OccupancyStatus, actor string, occupant *OccupantRef, at time.Time) (*Bed, error) {
	err := r.Update(ctx, []uuid.UUID{id}, func(tx *Tx) error {
		if at.IsZero() {
			at = tx.Now()
		}
		return tx.setStatus("set_bed_status", id, status, actor, occupant, at.UTC().Truncate(time.Microsecond))
	})
	if err != nil {
		return nil, err
	}
	return r.repo.Get(ctx, id)
}

// Update locks ids, loads them into a Tx and runs fn. Staged bed changes and
// any repository writes made through tx.Context() commit together; on error
// nothing is kept. Observers are notified after the locks are released.
func (r *Registry) Update(ctx context.Context, ids []uuid.UUID, fn func(tx *Tx) error) error {
	changes, err := r.commit(ctx, ids, fn)
	if err != nil {
		return err
	}
	r.notify(ctx, changes)
	return nil
}

func (r *Registry) commit(ctx context.Context, ids []uuid.UUID, fn func(tx *Tx) error) ([]Change, error) {
	keys := keylock.Ordered(ids...)
	unlock := r.locks.Lock(keys...)
	defer unlock()

	var changes []Change
	err := r.txr.WithinTx(ctx, func(ctx context.Context) error {
		tx := &Tx{ctx: ctx, now: r.Now(), beds: make(map[uuid.UUID]*Bed, len(keys))}
		for _, id := range keys {
			b, err := r.repo.Get(ctx, id)
			if err != nil {
				return err
			}
			tx.beds[id] = b
			tx.order = append(tx.order, id)
		}

		if err := fn(tx); err != nil {
			return err
		}

		dirty := tx.dirtyBeds()
		if len(dirty) == 0 {
			return nil
		}
		if err := r.repo.SaveAll(ctx, dirty); err != nil {
			return err
		}
		changes = tx.changes
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i := range changes {
		changes[i].Seq = r.seq.Add(1)
	}
	return changes, nil
}

func (r *Registry) notify(ctx context.Context, changes []Change) {
	if len(changes) == 0 {
		return
	}
	r.mu.RLock()
	observers := make([]Observer, len(r.observers))
	copy(observers, r.observers)
	r.mu.RUnlock()

	for _, ch := range changes {
		r.logger.Debug().
			Str("bed_id", ch.BedID.String()).
			Str("from", string(ch.From)).
			Str("to", string(ch.To)).
			Str("actor", ch.Actor).
			Msg("bed status changed")
		for _, o := range observers {
			o.BedChanged(ctx, ch)
		}
	}
}

// Tx is a locked view of a set of beds. Changes are staged and only become
// visible when the enclosing Update commits.
type Tx struct {
	ctx     context.Context
	now     time.Time
	beds    map[uuid.UUID]*Bed
	order   []uuid.UUID
	dirty   map[uuid.UUID]bool
	changes []Change
}

// Context carries the storage transaction; repositories writing as part of
// this update must use it.
func (t *Tx) Context() context.Context { return t.ctx }

// Now is the timestamp applied to every change in this Tx.
func (t *Tx) Now() time.Time { return t.now }

// Holds reports whether id is locked by this Tx.
func (t *Tx) Holds(id uuid.UUID) bool {
	_, ok := t.beds[id]
	return ok
}

// Get returns a copy of the staged state of a locked bed.
func (t *Tx) Get(id uuid.UUID) (*Bed, error) {
	b, ok := t.beds[id]
	if !ok {
		return nil, fmt.Errorf("bed %s is not locked by this update", id)
	}
	return b.Clone(), nil
}

// SetStatus stages a transition on a locked bed, stamped with Now.
func (t *Tx) SetStatus(id uuid.UUID, status OccupancyStatus, actor string, occupant *OccupantRef) error {
	return t.setStatus("set_bed_status", id, status, actor, occupant, t.now)
}

func (t *Tx) setStatus(op string, id uuid.UUID, status OccupancyStatus, actor string, occupant *OccupantRef, at time.Time) error {
	b, ok := t.beds[id]
	if !ok {
		return fmt.Errorf("bed %s is not locked by this update", id)
	}
	if b.Status == status && b.UpdatedBy == actor && b.LastUpdated.Equal(at) && b.Occupant.Equal(occupant) {
		return nil
	}
	if err := ValidateTransition(op, b.Status, status, occupant); err != nil {
		return err
	}

	from := b.Status
	b.Status = status
	b.UpdatedBy = actor
	b.LastUpdated = at
	b.Occupant = nil
	if occupant != nil {
		occ := *occupant
		b.Occupant = &occ
	}

	if t.dirty == nil {
		t.dirty = make(map[uuid.UUID]bool)
	}
	t.dirty[id] = true
	t.changes = append(t.changes, Change{
		BedID:        id,
		DepartmentID: b.DepartmentID,
		BedType:      b.BedType,
		From:         from,
		To:           status,
		Occupant:     b.Occupant.clone(),
		Actor:        actor,
		At:           at,
	})
	return nil
}

func (t *Tx) dirtyBeds() []*Bed {
	var out []*Bed
	for _, id := range t.order {
		if t.dirty[id] {
			out = append(out, t.beds[id])
		}
	}
	return out
}

func (o *OccupantRef) clone() *OccupantRef {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}
