package alerting

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists alerts. List orders by triggered_at descending, then id.
type Repository interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id uuid.UUID) (*Alert, error)
	Update(ctx context.Context, a *Alert) error
	List(ctx context.Context, f Filter) ([]*Alert, error)
}
