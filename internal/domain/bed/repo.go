package bed

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists beds. SaveAll writes every bed or none; each bed's
// Version must equal the stored version and is incremented on success.
type Repository interface {
	Create(ctx context.Context, b *Bed) error
	Get(ctx context.Context, id uuid.UUID) (*Bed, error)
	List(ctx context.Context, f Filter) ([]*Bed, error)
	SaveAll(ctx context.Context, beds []*Bed) error
}
