package movement

import (
	"context"

	"github.com/google/uuid"
)

type AdmissionRepository interface {
	Create(ctx context.Context, a *Admission) error
	Get(ctx context.Context, id uuid.UUID) (*Admission, error)
	Update(ctx context.Context, a *Admission) error
	// List returns matches ordered by created_at, then id.
	List(ctx context.Context, f AdmissionFilter) ([]*Admission, error)
}

type TransferRepository interface {
	Create(ctx context.Context, t *Transfer) error
	Get(ctx context.Context, id uuid.UUID) (*Transfer, error)
	Update(ctx context.Context, t *Transfer) error
	List(ctx context.Context, f TransferFilter) ([]*Transfer, error)
}

type DischargeRepository interface {
	Create(ctx context.Context, d *Discharge) error
	Get(ctx context.Context, id uuid.UUID) (*Discharge, error)
	Update(ctx context.Context, d *Discharge) error
	List(ctx context.Context, f DischargeFilter) ([]*Discharge, error)
}

// Repos groups the movement stores. Writes made through a bed.Tx context
// commit together with the bed changes.
type Repos struct {
	Admissions AdmissionRepository
	Transfers  TransferRepository
	Discharges DischargeRepository
}
