package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists reservations. Writes that must be atomic with a bed
// change go through the bed.Tx context.
type Repository interface {
	Create(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	Update(ctx context.Context, r *Reservation) error
	// List returns matches ordered by reserved_from, then id.
	List(ctx context.Context, f Filter) ([]*Reservation, error)
	// ListDue returns pending reservations whose reserved_until is before now.
	ListDue(ctx context.Context, now time.Time) ([]*Reservation, error)
}
