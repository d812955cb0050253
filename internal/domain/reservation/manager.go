package reservation

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

// Manager is the only writer of reservation status. Every operation runs
// under the reserved bed's lock; the *Locked variants let the movement
// engine compose them with its own writes inside one bed.Update.
type Manager struct {
	beds   *bed.Registry
	repo   Repository
	logger zerolog.Logger
}

func NewManager(beds *bed.Registry, repo Repository, logger zerolog.Logger) *Manager {
	return &Manager{
		beds:   beds,
		repo:   repo,
		logger: logger.With().Str("component", "reservation_manager").Logger(),
	}
}

func (m *Manager) Now() time.Time { return m.beds.Now() }

type CreateRequest struct {
	BedID      uuid.UUID
	Window     Window
	Type       Type
	Priority   Priority
	PatientID  *uuid.UUID
	MovementID *uuid.UUID
	Notes      string
	Actor      string
}

func (m *Manager) CreateReservation(ctx context.Context, req CreateRequest) (*Reservation, error) {
	var out *Reservation
	err := m.beds.Update(ctx, []uuid.UUID{req.BedID}, func(tx *bed.Tx) error {
		var err error
		out, err = m.CreateLocked(tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateLocked places a hold on a bed already locked by tx. An AVAILABLE bed
// moves to RESERVED; a RESERVED bed accepts further holds whose windows do
// not overlap a pending one; any other status is BedUnavailable.
func (m *Manager) CreateLocked(tx *bed.Tx, req CreateRequest) (*Reservation, error) {
	const op = "create_reservation"
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	if !req.Type.Valid() {
		return nil, apperr.Validation(op, "unknown reservation type %q", req.Type)
	}
	if !req.Priority.Valid() {
		return nil, apperr.Validation(op, "unknown priority %q", req.Priority)
	}
	if req.Window.Empty() {
		return nil, apperr.Validation(op, "reserved_until must be after reserved_from")
	}
	now := tx.Now()
	if !req.Window.Until.After(now) {
		return nil, apperr.Validation(op, "reserved_until must be in the future")
	}

	if err := m.expireElapsedLocked(tx, req.BedID, req.Actor); err != nil {
		return nil, err
	}
	b, err := tx.Get(req.BedID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case bed.StatusAvailable, bed.StatusReserved:
	default:
		return nil, apperr.BedUnavailable(op, "bed %s is %s", b.Code, b.Status)
	}

	pending, err := m.pendingOnBed(tx, req.BedID)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if p.Window().Overlaps(req.Window) {
			return nil, apperr.WindowConflict(op, "window overlaps reservation %s on bed %s", p.ID, b.Code)
		}
	}

	res := &Reservation{
		ID:            uuid.New(),
		BedID:         req.BedID,
		PatientID:     req.PatientID,
		MovementID:    req.MovementID,
		ReservedFrom:  req.Window.From.UTC(),
		ReservedUntil: req.Window.Until.UTC(),
		Type:          req.Type,
		Priority:      req.Priority,
		Status:        StatusActive,
		Notes:         req.Notes,
		CreatedBy:     req.Actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.repo.Create(tx.Context(), res); err != nil {
		return nil, err
	}
	if b.Status == bed.StatusAvailable {
		if err := tx.SetStatus(req.BedID, bed.StatusReserved, req.Actor, nil); err != nil {
			return nil, err
		}
	}

	m.logger.Debug().Str("reservation_id", res.ID.String()).Str("bed_id", res.BedID.String()).
		Str("type", string(res.Type)).Msg("reservation created")
	return res, nil
}

func (m *Manager) CancelReservation(ctx context.Context, id uuid.UUID, reason, actor string) (*Reservation, error) {
	return m.withReservation(ctx, id, func(tx *bed.Tx) (*Reservation, error) {
		return m.CancelLocked(tx, id, reason, actor)
	})
}

// CancelLocked cancels a pending reservation and returns the bed to
// AVAILABLE when nothing else holds it. Cancelling a cancelled reservation
// is a no-op.
func (m *Manager) CancelLocked(tx *bed.Tx, id uuid.UUID, reason, actor string) (*Reservation, error) {
	res, err := m.loadLocked(tx, id)
	if err != nil {
		return nil, err
	}
	if res.Status == StatusCancelled {
		return res, nil
	}
	if !res.Status.Pending() {
		return nil, apperr.InvalidTransition("cancel_reservation", "reservation %s is %s", id, res.Status)
	}
	if err := m.close(tx, res, StatusCancelled, reason); err != nil {
		return nil, err
	}
	if err := m.releaseIfIdle(tx, res.BedID, actor); err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Manager) ConfirmReservation(ctx context.Context, id uuid.UUID, actor string) (*Reservation, error) {
	return m.withReservation(ctx, id, func(tx *bed.Tx) (*Reservation, error) {
		return m.ConfirmLocked(tx, id, actor)
	})
}

// ConfirmLocked moves ACTIVE to CONFIRMED. Confirmed holds still expire.
func (m *Manager) ConfirmLocked(tx *bed.Tx, id uuid.UUID, actor string) (*Reservation, error) {
	if err := m.expireElapsedLocked(tx, m.bedOf(tx, id), actor); err != nil {
		return nil, err
	}
	res, err := m.loadLocked(tx, id)
	if err != nil {
		return nil, err
	}
	switch res.Status {
	case StatusConfirmed:
		return res, nil
	case StatusExpired:
		return nil, apperr.ReservationExpired("confirm_reservation", "reservation %s expired at %s", id, res.ReservedUntil.Format(time.RFC3339))
	case StatusActive:
	default:
		return nil, apperr.InvalidTransition("confirm_reservation", "reservation %s is %s", id, res.Status)
	}
	now := tx.Now()
	res.Status = StatusConfirmed
	res.ConfirmedAt = &now
	res.UpdatedAt = now
	if err := m.repo.Update(tx.Context(), res); err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Manager) ExtendReservation(ctx context.Context, id uuid.UUID, until time.Time, actor string) (*Reservation, error) {
	return m.withReservation(ctx, id, func(tx *bed.Tx) (*Reservation, error) {
		return m.ExtendLocked(tx, id, until, actor)
	})
}

// ExtendLocked moves reserved_until. The new window must stay clear of
// every other pending hold on the bed.
func (m *Manager) ExtendLocked(tx *bed.Tx, id uuid.UUID, until time.Time, actor string) (*Reservation, error) {
	const op = "extend_reservation"
	if err := m.expireElapsedLocked(tx, m.bedOf(tx, id), actor); err != nil {
		return nil, err
	}
	res, err := m.loadLocked(tx, id)
	if err != nil {
		return nil, err
	}
	if res.Status == StatusExpired {
		return nil, apperr.ReservationExpired(op, "reservation %s already expired", id)
	}
	if !res.Status.Pending() {
		return nil, apperr.InvalidTransition(op, "reservation %s is %s", id, res.Status)
	}
	until = until.UTC()
	if !until.After(res.ReservedFrom) || !until.After(tx.Now()) {
		return nil, apperr.Validation(op, "reserved_until must be after reserved_from and in the future")
	}
	if until.Equal(res.ReservedUntil) {
		return res, nil
	}

	w := Window{From: res.ReservedFrom, Until: until}
	pending, err := m.pendingOnBed(tx, res.BedID)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		if p.ID != res.ID && p.Window().Overlaps(w) {
			return nil, apperr.WindowConflict(op, "extended window overlaps reservation %s", p.ID)
		}
	}

	res.ReservedUntil = until
	res.UpdatedAt = tx.Now()
	if err := m.repo.Update(tx.Context(), res); err != nil {
		return nil, err
	}
	return res, nil
}

// FulfillLocked consumes a pending hold. The bed stays RESERVED; the caller
// moves it to OCCUPIED in the same Tx.
func (m *Manager) FulfillLocked(tx *bed.Tx, id uuid.UUID) (*Reservation, error) {
	res, err := m.ValidateLocked(tx, id, nil)
	if err != nil {
		return nil, err
	}
	if err := m.close(tx, res, StatusFulfilled, ""); err != nil {
		return nil, err
	}
	return res, nil
}

func (m *Manager) FulfillReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return m.withReservation(ctx, id, func(tx *bed.Tx) (*Reservation, error) {
		return m.FulfillLocked(tx, id)
	})
}

// ValidateLocked checks that id is still a live hold on a bed locked by tx
// and, when movementID is given, that it belongs to that movement.
func (m *Manager) ValidateLocked(tx *bed.Tx, id uuid.UUID, movementID *uuid.UUID) (*Reservation, error) {
	const op = "validate_reservation"
	res, err := m.loadLocked(tx, id)
	if err != nil {
		return nil, err
	}
	if res.Status == StatusExpired || (res.Status.Pending() && res.Elapsed(tx.Now())) {
		return nil, apperr.ReservationExpired(op, "reservation %s expired at %s", id, res.ReservedUntil.Format(time.RFC3339))
	}
	if !res.Status.Pending() {
		return nil, apperr.InvalidTransition(op, "reservation %s is %s", id, res.Status)
	}
	if movementID != nil && res.MovementID != nil && *res.MovementID != *movementID {
		return nil, apperr.ConflictingWorkflow(op, "reservation %s belongs to another movement", id)
	}
	return res, nil
}

// ExpireDueReservations expires every pending hold whose reserved_until is
// before now. The scan takes no lock; each bed is then locked on its own so
// interactive requests are not starved. Failures on one bed do not stop the
// sweep.
func (m *Manager) ExpireDueReservations(ctx context.Context, now time.Time) ([]*Reservation, error) {
	due, err := m.repo.ListDue(ctx, now)
	if err != nil {
		return nil, err
	}

	byBed := make(map[uuid.UUID][]uuid.UUID)
	for _, r := range due {
		byBed[r.BedID] = append(byBed[r.BedID], r.ID)
	}
	bedIDs := make([]uuid.UUID, 0, len(byBed))
	for id := range byBed {
		bedIDs = append(bedIDs, id)
	}
	sort.Slice(bedIDs, func(i, j int) bool { return bytes.Compare(bedIDs[i][:], bedIDs[j][:]) < 0 })

	var expired []*Reservation
	var errs []error
	for _, bedID := range bedIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		var batch []*Reservation
		err := m.beds.Update(ctx, []uuid.UUID{bedID}, func(tx *bed.Tx) error {
			batch = batch[:0]
			for _, id := range byBed[bedID] {
				res, err := m.repo.Get(tx.Context(), id)
				if err != nil {
					return err
				}
				// Re-check under the lock; it may have been fulfilled or extended.
				if !res.Status.Pending() || !res.Elapsed(now) {
					continue
				}
				if err := m.expire(tx, res, now); err != nil {
					return err
				}
				batch = append(batch, res)
			}
			if len(batch) == 0 {
				return nil
			}
			return m.releaseIfIdle(tx, bedID, "system")
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("bed_id", bedID.String()).Msg("expiry sweep failed for bed")
			errs = append(errs, err)
			continue
		}
		expired = append(expired, batch...)
	}
	return expired, errors.Join(errs...)
}

// ReturnToService puts a bed back in use after housekeeping or an
// administrative block: it becomes AVAILABLE, or RESERVED straight away when
// future holds are waiting for it.
func (m *Manager) ReturnToService(ctx context.Context, bedID uuid.UUID, actor string) (*bed.Bed, error) {
	err := m.beds.Update(ctx, []uuid.UUID{bedID}, func(tx *bed.Tx) error {
		b, err := tx.Get(bedID)
		if err != nil {
			return err
		}
		switch b.Status {
		case bed.StatusCleaning, bed.StatusMaintenance, bed.StatusBlocked, bed.StatusOutOfOrder:
		default:
			return apperr.InvalidTransition("return_to_service", "bed %s is %s", b.Code, b.Status)
		}
		if err := m.expireElapsedLocked(tx, bedID, actor); err != nil {
			return err
		}
		if err := tx.SetStatus(bedID, bed.StatusAvailable, actor, nil); err != nil {
			return err
		}
		pending, err := m.pendingOnBed(tx, bedID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return tx.SetStatus(bedID, bed.StatusReserved, actor, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.beds.GetBed(ctx, bedID)
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, f Filter) ([]*Reservation, error) {
	return m.repo.List(ctx, f)
}

// PendingOnBed lists the live holds on a bed, outside any lock.
func (m *Manager) PendingOnBed(ctx context.Context, bedID uuid.UUID) ([]*Reservation, error) {
	return m.repo.List(ctx, Filter{BedID: &bedID, Statuses: PendingStatuses})
}

// PendingLocked lists the live holds on a bed already locked by tx, after
// expiring any that ran out.
func (m *Manager) PendingLocked(tx *bed.Tx, bedID uuid.UUID, actor string) ([]*Reservation, error) {
	if err := m.expireElapsedLocked(tx, bedID, actor); err != nil {
		return nil, err
	}
	return m.pendingOnBed(tx, bedID)
}

func (m *Manager) withReservation(ctx context.Context, id uuid.UUID, fn func(tx *bed.Tx) (*Reservation, error)) (*Reservation, error) {
	res, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *Reservation
	err = m.beds.Update(ctx, []uuid.UUID{res.BedID}, func(tx *bed.Tx) error {
		var err error
		out, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// loadLocked reads a reservation whose bed must be held by tx.
func (m *Manager) loadLocked(tx *bed.Tx, id uuid.UUID) (*Reservation, error) {
	res, err := m.repo.Get(tx.Context(), id)
	if err != nil {
		return nil, err
	}
	if !tx.Holds(res.BedID) {
		return nil, apperr.New(apperr.KindValidation, "load_reservation", "bed %s of reservation %s is not locked", res.BedID, id)
	}
	return res, nil
}

func (m *Manager) bedOf(tx *bed.Tx, id uuid.UUID) uuid.UUID {
	res, err := m.repo.Get(tx.Context(), id)
	if err != nil {
		return uuid.Nil
	}
	return res.BedID
}

func (m *Manager) pendingOnBed(tx *bed.Tx, bedID uuid.UUID) ([]*Reservation, error) {
	return m.repo.List(tx.Context(), Filter{BedID: &bedID, Statuses: PendingStatuses})
}

// expireElapsedLocked expires holds on bedID that ran out before tx.Now, so
// decisions made under the lock never count a stale hold.
func (m *Manager) expireElapsedLocked(tx *bed.Tx, bedID uuid.UUID, actor string) error {
	if bedID == uuid.Nil || !tx.Holds(bedID) {
		return nil
	}
	pending, err := m.pendingOnBed(tx, bedID)
	if err != nil {
		return err
	}
	now := tx.Now()
	n := 0
	for _, p := range pending {
		if p.Elapsed(now) {
			if err := m.expire(tx, p, now); err != nil {
				return err
			}
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return m.releaseIfIdle(tx, bedID, actor)
}

func (m *Manager) expire(tx *bed.Tx, res *Reservation, now time.Time) error {
	res.Status = StatusExpired
	res.ClosedAt = &now
	res.UpdatedAt = now
	if err := m.repo.Update(tx.Context(), res); err != nil {
		return err
	}
	m.logger.Debug().Str("reservation_id", res.ID.String()).Str("bed_id", res.BedID.String()).Msg("reservation expired")
	return nil
}

func (m *Manager) close(tx *bed.Tx, res *Reservation, status Status, reason string) error {
	now := tx.Now()
	res.Status = status
	res.CancelReason = reason
	res.ClosedAt = &now
	res.UpdatedAt = now
	return m.repo.Update(tx.Context(), res)
}

// releaseIfIdle returns a RESERVED bed to AVAILABLE once no pending hold is
// left on it.
func (m *Manager) releaseIfIdle(tx *bed.Tx, bedID uuid.UUID, actor string) error {
	b, err := tx.Get(bedID)
	if err != nil {
		return err
	}
	if b.Status != bed.StatusReserved {
		return nil
	}
	pending, err := m.pendingOnBed(tx, bedID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}
	return tx.SetStatus(bedID, bed.StatusAvailable, actor, nil)
}
