package movement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/capacity"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
	"github.com/dataclinica/bedflow/internal/platform/keylock"
)

const DefaultHold = 4 * time.Hour

type Option func(*Engine)

// WithHoldDuration sets how long reservations made by the engine last.
func WithHoldDuration(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.hold = d
		}
	}
}

func WithClearanceChecker(c ClearanceChecker) Option {
	return func(e *Engine) { e.clearance = c }
}

func WithBillingPublisher(p BillingPublisher) Option {
	return func(e *Engine) { e.billing = p }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// Engine drives the admission, transfer and discharge state machines. It
// owns its own records and changes beds and reservations only through the
// registry and the reservation manager.
//
// Locks are taken patient, then admission, then beds (ascending id, inside
// bed.Registry.Update). Every command is one bed-lock-guarded update.
type Engine struct {
	beds  *bed.Registry
	res   *reservation.Manager
	repos Repos
	eval  *capacity.Evaluator

	patientLocks   *keylock.Table
	admissionLocks *keylock.Table

	hold      time.Duration
	clearance ClearanceChecker
	billing   BillingPublisher
	notifier  Notifier
	logger    zerolog.Logger
}

func NewEngine(beds *bed.Registry, res *reservation.Manager, repos Repos, eval *capacity.Evaluator, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		beds:           beds,
		res:            res,
		repos:          repos,
		eval:           eval,
		patientLocks:   keylock.New(),
		admissionLocks: keylock.New(),
		hold:           DefaultHold,
		clearance:      alwaysCleared{},
		billing:        nopBilling{},
		notifier:       nopNotifier{},
		logger:         logger.With().Str("component", "movement_engine").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// effects are published after commit. Failures are logged and never undo
// the command.
type effects struct {
	billing []BillingEvent
	notes   []NotificationEvent
}

func (f *effects) bill(ev BillingEvent) { f.billing = append(f.billing, ev) }

func (f *effects) notify(ev NotificationEvent) { f.notes = append(f.notes, ev) }

func (e *Engine) publish(ctx context.Context, f *effects) {
	for _, ev := range f.billing {
		if err := e.billing.PublishBilling(ctx, ev); err != nil {
			e.logger.Warn().Err(err).Str("type", string(ev.Type)).
				Str("admission_id", ev.AdmissionID.String()).Msg("billing event not delivered")
		}
	}
	for _, ev := range f.notes {
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.logger.Warn().Err(err).Str("type", string(ev.NotificationType)).
				Str("admission_id", ev.AdmissionID.String()).Msg("notification not delivered")
		}
	}
}

// update runs fn under the locks of bedIDs and publishes effects once it
// commits.
func (e *Engine) update(ctx context.Context, bedIDs []uuid.UUID, fn func(tx *bed.Tx, fx *effects) error) error {
	var fx effects
	if err := e.beds.Update(ctx, bedIDs, func(tx *bed.Tx) error {
		fx = effects{}
		return fn(tx, &fx)
	}); err != nil {
		return err
	}
	e.publish(ctx, &fx)
	return nil
}

// lockAdmission loads an admission under its lock, and the patient lock too
// when withPatient is set.
func (e *Engine) lockAdmission(ctx context.Context, id uuid.UUID, withPatient bool) (*Admission, func(), error) {
	adm, err := e.repos.Admissions.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var unlockPatient func()
	if withPatient {
		unlockPatient = e.patientLocks.Lock(adm.PatientID)
	}
	unlockAdm := e.admissionLocks.Lock(id)
	unlock := func() {
		unlockAdm()
		if unlockPatient != nil {
			unlockPatient()
		}
	}
	// Reload; it may have changed while we waited.
	adm, err = e.repos.Admissions.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return adm, unlock, nil
}

func actorOr(actor string) string {
	if actor == "" {
		return "system"
	}
	return actor
}

// translateBedErr turns contention on a bed the caller picked into a
// message that tells them to pick again. The error kind is kept.
func translateBedErr(op, msg string, err error) error {
	if apperr.Retryable(err) {
		return apperr.Wrap(apperr.KindBedUnavailable, op, msg, err)
	}
	return err
}

// ensureNoOtherHolds fails with BedUnavailable when bedID carries a live
// hold other than keep. A patient must never occupy a bed promised to
// someone else.
func (e *Engine) ensureNoOtherHolds(tx *bed.Tx, op, msg string, bedID uuid.UUID, keep *uuid.UUID, actor string) error {
	pending, err := e.res.PendingLocked(tx, bedID, actor)
	if err != nil {
		return err
	}
	for _, p := range pending {
		if keep != nil && p.ID == *keep {
			continue
		}
		return apperr.BedUnavailable(op, "%s: bed is held by reservation %s (%s)", msg, p.ID, p.Type)
	}
	return nil
}

// -- Admissions --

type AdmitRequest struct {
	PatientID uuid.UUID
	BedID     uuid.UUID
	// ReservationID admits into a bed already held for the patient.
	ReservationID *uuid.UUID
	// Deferred leaves the admission REQUESTED, holding the bed from
	// ExpectedAt until ActivateAdmission.
	Deferred      bool
	ExpectedAt    *time.Time
	AdmissionType string
	Priority      reservation.Priority
	Reason        string
	Actor         string
}

// Admit opens an admission. The bed must be AVAILABLE with no pending holds,
// or RESERVED by a hold the caller names in ReservationID.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (*Admission, error) {
	const op = "admit"
	if req.PatientID == uuid.Nil || req.BedID == uuid.Nil {
		return nil, apperr.Validation(op, "patient_id and bed_id are required")
	}
	if req.Priority == "" {
		req.Priority = reservation.PriorityNormal
	}
	actor := actorOr(req.Actor)

	unlock := e.patientLocks.Lock(req.PatientID)
	defer unlock()

	open, err := e.repos.Admissions.List(ctx, AdmissionFilter{
		PatientID: &req.PatientID,
		Statuses:  []AdmissionStatus{AdmissionRequested, AdmissionActive},
	})
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return nil, apperr.ConflictingWorkflow(op, "patient %s already has admission %s (%s)", req.PatientID, open[0].ID, open[0].Status)
	}

	if req.ReservationID != nil {
		held, err := e.res.Get(ctx, *req.ReservationID)
		if err != nil {
			return nil, err
		}
		if held.BedID != req.BedID {
			return nil, apperr.Validation(op, "reservation %s is for another bed", held.ID)
		}
		if held.PatientID != nil && *held.PatientID != req.PatientID {
			return nil, apperr.Validation(op, "reservation %s is for another patient", held.ID)
		}
	}

	var adm *Admission
	err = e.update(ctx, []uuid.UUID{req.BedID}, func(tx *bed.Tx, fx *effects) error {
		now := tx.Now()
		adm = &Admission{
			ID:            uuid.New(),
			PatientID:     req.PatientID,
			BedID:         req.BedID,
			Status:        AdmissionRequested,
			AdmissionType: req.AdmissionType,
			Priority:      req.Priority,
			Reason:        req.Reason,
			CreatedBy:     actor,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		var res *reservation.Reservation
		var err error
		if req.ReservationID != nil {
			res, err = e.res.ValidateLocked(tx, *req.ReservationID, &adm.ID)
		} else {
			if err := e.ensureNoOtherHolds(tx, op, "bed is not available for admission, choose another", req.BedID, nil, actor); err != nil {
				return err
			}
			from := now
			if req.Deferred && req.ExpectedAt != nil && req.ExpectedAt.After(now) {
				from = req.ExpectedAt.UTC()
			}
			res, err = e.res.CreateLocked(tx, reservation.CreateRequest{
				BedID:      req.BedID,
				Window:     reservation.Window{From: from, Until: from.Add(e.hold)},
				Type:       reservation.TypeAdmission,
				Priority:   req.Priority,
				PatientID:  &req.PatientID,
				MovementID: &adm.ID,
				Actor:      actor,
			})
			err = translateBedErr(op, "bed is not available for admission, choose another", err)
		}
		if err != nil {
			return err
		}
		resID := res.ID
		adm.ReservationID = &resID

		if !req.Deferred {
			if err := e.activateLocked(tx, adm, actor, fx); err != nil {
				return err
			}
		}
		return e.repos.Admissions.Create(tx.Context(), adm)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("admission_id", adm.ID.String()).Str("bed_id", adm.BedID.String()).
		Str("status", string(adm.Status)).Msg("admission created")
	return adm, nil
}

// ActivateAdmission consumes the hold of a REQUESTED admission and puts the
// patient in the bed.
func (e *Engine) ActivateAdmission(ctx context.Context, id uuid.UUID, actor string) (*Admission, error) {
	actor = actorOr(actor)
	adm, unlock, err := e.lockAdmission(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := admissionMachine.check("activate_admission", adm.Status, AdmissionActive); err != nil {
		return nil, err
	}

	err = e.update(ctx, []uuid.UUID{adm.BedID}, func(tx *bed.Tx, fx *effects) error {
		if err := e.activateLocked(tx, adm, actor, fx); err != nil {
			return err
		}
		return e.repos.Admissions.Update(tx.Context(), adm)
	})
	if err != nil {
		return nil, err
	}
	return adm, nil
}

func (e *Engine) activateLocked(tx *bed.Tx, adm *Admission, actor string, fx *effects) error {
	if adm.ReservationID == nil {
		return apperr.InvalidTransition("activate_admission", "admission %s holds no reservation", adm.ID)
	}
	if _, err := e.res.ValidateLocked(tx, *adm.ReservationID, &adm.ID); err != nil {
		return err
	}
	if err := e.ensureNoOtherHolds(tx, "activate_admission", "bed is reserved for another patient", adm.BedID, adm.ReservationID, actor); err != nil {
		return err
	}
	if _, err := e.res.FulfillLocked(tx, *adm.ReservationID); err != nil {
		return err
	}
	occ := &bed.OccupantRef{PatientID: adm.PatientID, AdmissionID: adm.ID}
	if err := tx.SetStatus(adm.BedID, bed.StatusOccupied, actor, occ); err != nil {
		return err
	}
	b, err := tx.Get(adm.BedID)
	if err != nil {
		return err
	}

	now := tx.Now()
	adm.Status = AdmissionActive
	adm.AdmittedAt = timePtr(now)
	adm.BedAssignedAt = timePtr(now)
	adm.UpdatedAt = now

	fx.bill(BillingEvent{
		Type:         BillingAdmissionStarted,
		AdmissionID:  adm.ID,
		PatientID:    adm.PatientID,
		BedID:        b.ID,
		BedType:      b.BedType,
		DepartmentID: b.DepartmentID,
		StayFrom:     now,
		OccurredAt:   now,
	})
	fx.notify(NotificationEvent{
		RecipientType:    RecipientCareTeam,
		NotificationType: NotifyAdmissionActivated,
		AdmissionID:      adm.ID,
		PatientID:        adm.PatientID,
		Actor:            actor,
		Detail:           b.Code,
		OccurredAt:       now,
	})
	return nil
}

// CancelAdmission withdraws a REQUESTED admission and releases its hold.
func (e *Engine) CancelAdmission(ctx context.Context, id uuid.UUID, reason, actor string) (*Admission, error) {
	actor = actorOr(actor)
	adm, unlock, err := e.lockAdmission(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := admissionMachine.check("cancel_admission", adm.Status, AdmissionCancelled); err != nil {
		return nil, err
	}

	err = e.update(ctx, []uuid.UUID{adm.BedID}, func(tx *bed.Tx, fx *effects) error {
		if adm.ReservationID != nil {
			if err := e.releaseHold(tx, *adm.ReservationID, "admission cancelled", actor); err != nil {
				return err
			}
		}
		now := tx.Now()
		adm.Status = AdmissionCancelled
		adm.EndedAt = timePtr(now)
		adm.EndReason = reason
		adm.UpdatedAt = now
		fx.notify(NotificationEvent{
			RecipientType:    RecipientBedManager,
			NotificationType: NotifyAdmissionCancelled,
			AdmissionID:      adm.ID,
			PatientID:        adm.PatientID,
			Actor:            actor,
			Detail:           reason,
			OccurredAt:       now,
		})
		return e.repos.Admissions.Update(tx.Context(), adm)
	})
	if err != nil {
		return nil, err
	}
	return adm, nil
}

// EndAdmission closes an ACTIVE admission outside the discharge workflow:
// TRANSFERRED for a move to another facility, DECEASED for a death in the
// bed. A death cancels any open transfer or discharge; a transfer out
// requires none to be open.
func (e *Engine) EndAdmission(ctx context.Context, id uuid.UUID, outcome AdmissionStatus, reason, actor string) (*Admission, error) {
	const op = "end_admission"
	actor = actorOr(actor)
	if outcome != AdmissionTransferred && outcome != AdmissionDeceased {
		return nil, apperr.Validation(op, "outcome must be TRANSFERRED or DECEASED; use a discharge otherwise")
	}
	adm, unlock, err := e.lockAdmission(ctx, id, true)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := admissionMachine.check(op, adm.Status, outcome); err != nil {
		return nil, err
	}

	transfers, err := e.repos.Transfers.List(ctx, TransferFilter{AdmissionID: &adm.ID, Statuses: openTransferStatuses})
	if err != nil {
		return nil, err
	}
	discharges, err := e.repos.Discharges.List(ctx, DischargeFilter{AdmissionID: &adm.ID, Statuses: openDischargeStatuses})
	if err != nil {
		return nil, err
	}
	if outcome == AdmissionTransferred {
		if err := e.eval.EnsureNoOpenWorkflow(ctx, adm.ID); err != nil {
			return nil, err
		}
	}

	ids := []uuid.UUID{adm.BedID}
	for _, t := range transfers {
		ids = append(ids, t.ToBedID)
	}
	err = e.update(ctx, ids, func(tx *bed.Tx, fx *effects) error {
		now := tx.Now()
		cancelReason := "admission ended: " + string(outcome)
		for _, t := range transfers {
			if err := e.cancelTransferLocked(tx, t, cancelReason, actor, fx); err != nil {
				return err
			}
		}
		for _, d := range discharges {
			d.Status = DischargeCancelled
			d.CancelReason = cancelReason
			d.UpdatedAt = now
			if err := e.repos.Discharges.Update(tx.Context(), d); err != nil {
				return err
			}
		}

		b, err := e.vacateLocked(tx, adm, actor)
		if err != nil {
			return err
		}
		fx.bill(stayEvent(BillingAdmissionEnded, adm, b, nil, now))

		adm.Status = outcome
		adm.EndedAt = timePtr(now)
		adm.EndReason = reason
		adm.UpdatedAt = now
		fx.notify(NotificationEvent{
			RecipientType:    RecipientCareTeam,
			NotificationType: NotifyAdmissionEnded,
			AdmissionID:      adm.ID,
			PatientID:        adm.PatientID,
			Actor:            actor,
			Detail:           string(outcome),
			OccurredAt:       now,
		})
		return e.repos.Admissions.Update(tx.Context(), adm)
	})
	if err != nil {
		return nil, err
	}
	return adm, nil
}

// vacateLocked moves the admission's bed from OCCUPIED to CLEANING after
// checking that this admission is the occupant.
func (e *Engine) vacateLocked(tx *bed.Tx, adm *Admission, actor string) (*bed.Bed, error) {
	b, err := tx.Get(adm.BedID)
	if err != nil {
		return nil, err
	}
	if b.Status != bed.StatusOccupied || b.Occupant == nil || b.Occupant.AdmissionID != adm.ID {
		return nil, apperr.InvalidTransition("vacate_bed", "bed %s is not occupied by admission %s", b.Code, adm.ID)
	}
	if err := tx.SetStatus(adm.BedID, bed.StatusCleaning, actor, nil); err != nil {
		return nil, err
	}
	return b, nil
}

// releaseHold cancels a reservation if it still holds its bed.
func (e *Engine) releaseHold(tx *bed.Tx, id uuid.UUID, reason, actor string) error {
	res, err := e.res.Get(tx.Context(), id)
	if err != nil {
		return err
	}
	if !res.Status.Pending() {
		return nil
	}
	_, err = e.res.CancelLocked(tx, id, reason, actor)
	return err
}

func stayEvent(typ BillingEventType, adm *Admission, b *bed.Bed, movementID *uuid.UUID, now time.Time) BillingEvent {
	from := now
	if adm.BedAssignedAt != nil {
		from = *adm.BedAssignedAt
	}
	return BillingEvent{
		Type:         typ,
		AdmissionID:  adm.ID,
		PatientID:    adm.PatientID,
		MovementID:   movementID,
		BedID:        b.ID,
		BedType:      b.BedType,
		DepartmentID: b.DepartmentID,
		StayFrom:     from,
		StayUntil:    timePtr(now),
		StaySeconds:  int64(now.Sub(from) / time.Second),
		OccurredAt:   now,
	}
}

func (e *Engine) GetAdmission(ctx context.Context, id uuid.UUID) (*Admission, error) {
	return e.repos.Admissions.Get(ctx, id)
}

func (e *Engine) ListAdmissions(ctx context.Context, f AdmissionFilter) ([]*Admission, error) {
	return e.repos.Admissions.List(ctx, f)
}
