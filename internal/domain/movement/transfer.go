package movement

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

const destinationGone = "destination bed no longer available, choose another"

type TransferRequest struct {
	AdmissionID  uuid.UUID
	ToBedID      uuid.UUID
	Priority     reservation.Priority
	Reason       string
	ScheduledFor *time.Time
	Actor        string
}

// RequestTransfer opens a transfer for an ACTIVE admission. It fails with
// ConflictingWorkflow while another transfer or a discharge is open.
func (e *Engine) RequestTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	const op = "request_transfer"
	actor := actorOr(req.Actor)
	if req.Priority == "" {
		req.Priority = reservation.PriorityNormal
	}
	if !req.Priority.Valid() {
		return nil, apperr.Validation(op, "unknown priority %q", req.Priority)
	}

	adm, unlock, err := e.lockAdmission(ctx, req.AdmissionID, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if adm.Status != AdmissionActive {
		return nil, apperr.InvalidTransition(op, "admission %s is %s", adm.ID, adm.Status)
	}
	if req.ToBedID == adm.BedID {
		return nil, apperr.Validation(op, "destination bed is the current bed")
	}
	if _, err := e.beds.GetBed(ctx, req.ToBedID); err != nil {
		return nil, err
	}
	if err := e.eval.EnsureNoOpenWorkflow(ctx, adm.ID); err != nil {
		return nil, err
	}

	var t *Transfer
	err = e.update(ctx, nil, func(tx *bed.Tx, fx *effects) error {
		now := tx.Now()
		t = &Transfer{
			ID:          uuid.New(),
			AdmissionID: adm.ID,
			PatientID:   adm.PatientID,
			FromBedID:   adm.BedID,
			ToBedID:     req.ToBedID,
			Status:      TransferRequested,
			Priority:    req.Priority,
			Reason:      req.Reason,
			RequestedBy: actor,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if req.ScheduledFor != nil {
			t.ScheduledFor = timePtr(req.ScheduledFor.UTC())
		}
		fx.notify(transferNote(t, RecipientBedManager, NotifyTransferRequested, actor, req.Reason, now))
		return e.repos.Transfers.Create(tx.Context(), t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SubmitTransfer sends a REQUESTED transfer for approval.
func (e *Engine) SubmitTransfer(ctx context.Context, id uuid.UUID, actor string) (*Transfer, error) {
	actor = actorOr(actor)
	return e.transferStep(ctx, "submit_transfer", id, TransferPendingApproval, nil, func(tx *bed.Tx, t *Transfer, fx *effects) error {
		fx.notify(transferNote(t, RecipientBedManager, NotifyTransferRequested, actor, "awaiting approval", tx.Now()))
		return nil
	})
}

// ApproveTransfer approves and reserves the destination bed in one step, so
// an APPROVED transfer always holds a live reservation. A destination
// already held for another patient or movement is refused.
func (e *Engine) ApproveTransfer(ctx context.Context, id uuid.UUID, note, actor string) (*Transfer, error) {
	actor = actorOr(actor)
	return e.transferStep(ctx, "approve_transfer", id, TransferApproved, destBed, func(tx *bed.Tx, t *Transfer, fx *effects) error {
		now := tx.Now()
		from := now
		if t.ScheduledFor != nil && t.ScheduledFor.After(now) {
			from = *t.ScheduledFor
		}
		if err := e.ensureNoOtherHolds(tx, "approve_transfer", destinationGone, t.ToBedID, nil, actor); err != nil {
			return err
		}
		res, err := e.res.CreateLocked(tx, reservation.CreateRequest{
			BedID:      t.ToBedID,
			Window:     reservation.Window{From: from, Until: from.Add(e.hold)},
			Type:       reservation.TypeTransfer,
			Priority:   t.Priority,
			PatientID:  &t.PatientID,
			MovementID: &t.ID,
			Actor:      actor,
		})
		if err != nil {
			return translateBedErr("approve_transfer", destinationGone, err)
		}
		resID := res.ID
		t.ReservationID = &resID
		t.ApprovedBy = actor
		t.DecisionNote = note
		fx.notify(transferNote(t, RecipientCareTeam, NotifyTransferApproved, actor, note, now))
		return nil
	})
}

func (e *Engine) RejectTransfer(ctx context.Context, id uuid.UUID, note, actor string) (*Transfer, error) {
	actor = actorOr(actor)
	return e.transferStep(ctx, "reject_transfer", id, TransferRejected, nil, func(tx *bed.Tx, t *Transfer, fx *effects) error {
		t.ApprovedBy = actor
		t.DecisionNote = note
		fx.notify(transferNote(t, RecipientCareTeam, NotifyTransferRejected, actor, note, tx.Now()))
		return nil
	})
}

// ScheduleTransfer fixes the move time and confirms the destination hold,
// extending it when at falls past its end. A zero at means now.
func (e *Engine) ScheduleTransfer(ctx context.Context, id uuid.UUID, at time.Time, actor string) (*Transfer, error) {
	const op = "schedule_transfer"
	actor = actorOr(actor)
	return e.transferStep(ctx, op, id, TransferScheduled, destBed, func(tx *bed.Tx, t *Transfer, fx *effects) error {
		res, err := e.liveHold(tx, t)
		if err != nil {
			return err
		}
		now := tx.Now()
		if at.IsZero() {
			at = now
			if res.ReservedFrom.After(now) {
				at = res.ReservedFrom
			}
		}
		at = at.UTC().Truncate(time.Microsecond)
		if at.Before(now) {
			return apperr.Validation(op, "scheduled time is in the past")
		}
		if at.Before(res.ReservedFrom) {
			return apperr.Validation(op, "scheduled time precedes the destination reservation")
		}
		if !at.Before(res.ReservedUntil) {
			if _, err := e.res.ExtendLocked(tx, res.ID, at.Add(e.hold), actor); err != nil {
				return translateBedErr(op, destinationGone, err)
			}
		}
		if _, err := e.res.ConfirmLocked(tx, res.ID, actor); err != nil {
			return err
		}
		t.ScheduledFor = timePtr(at)
		fx.notify(transferNote(t, RecipientCareTeam, NotifyTransferScheduled, actor, at.Format(time.RFC3339), now))
		return nil
	})
}

// StartTransfer marks the patient as on the way. The source bed stays
// OCCUPIED until completion so it cannot be double-booked.
func (e *Engine) StartTransfer(ctx context.Context, id uuid.UUID, actor string) (*Transfer, error) {
	return e.transferStep(ctx, "start_transfer", id, TransferInProgress, destBed, func(tx *bed.Tx, t *Transfer, _ *effects) error {
		if _, err := e.liveHold(tx, t); err != nil {
			return err
		}
		t.StartedAt = timePtr(tx.Now())
		return nil
	})
}

// CompleteTransfer moves the patient in one update over both beds: the
// destination becomes OCCUPIED, the source CLEANING, and the admission
// points at the destination.
func (e *Engine) CompleteTransfer(ctx context.Context, id uuid.UUID, actor string) (*Transfer, error) {
	const op = "complete_transfer"
	actor = actorOr(actor)
	return e.transferStep(ctx, op, id, TransferCompleted, bothBeds, func(tx *bed.Tx, t *Transfer, fx *effects) error {
		adm, err := e.repos.Admissions.Get(tx.Context(), t.AdmissionID)
		if err != nil {
			return err
		}
		if adm.Status != AdmissionActive || adm.BedID != t.FromBedID {
			return apperr.InvalidTransition(op, "admission %s is %s in another bed", adm.ID, adm.Status)
		}
		res, err := e.liveHold(tx, t)
		if err != nil {
			return err
		}
		if err := e.ensureNoOtherHolds(tx, op, "destination is reserved for another patient", t.ToBedID, &res.ID, actor); err != nil {
			return err
		}
		if _, err := e.res.FulfillLocked(tx, res.ID); err != nil {
			return err
		}
		src, err := e.vacateLocked(tx, adm, actor)
		if err != nil {
			return err
		}
		occ := &bed.OccupantRef{PatientID: adm.PatientID, AdmissionID: adm.ID}
		if err := tx.SetStatus(t.ToBedID, bed.StatusOccupied, actor, occ); err != nil {
			return err
		}

		now := tx.Now()
		fx.bill(stayEvent(BillingTransferCompleted, adm, src, &t.ID, now))

		adm.BedID = t.ToBedID
		adm.BedAssignedAt = timePtr(now)
		adm.UpdatedAt = now
		if err := e.repos.Admissions.Update(tx.Context(), adm); err != nil {
			return err
		}
		t.CompletedAt = timePtr(now)
		fx.notify(transferNote(t, RecipientCareTeam, NotifyTransferCompleted, actor, "", now))
		return nil
	})
}

// CancelTransfer stops a transfer before completion and releases any
// destination hold.
func (e *Engine) CancelTransfer(ctx context.Context, id uuid.UUID, reason, actor string) (*Transfer, error) {
	actor = actorOr(actor)
	return e.transferStep(ctx, "cancel_transfer", id, TransferCancelled, destBed, func(tx *bed.Tx, t *Transfer, fx *effects) error {
		if t.ReservationID != nil {
			if err := e.releaseHold(tx, *t.ReservationID, "transfer cancelled", actor); err != nil {
				return err
			}
		}
		t.CancelReason = reason
		fx.notify(transferNote(t, RecipientCareTeam, NotifyTransferCancelled, actor, reason, tx.Now()))
		return nil
	})
}

// cancelTransferLocked is CancelTransfer for callers already holding the
// admission and destination locks.
func (e *Engine) cancelTransferLocked(tx *bed.Tx, t *Transfer, reason, actor string, fx *effects) error {
	if err := transferMachine.check("cancel_transfer", t.Status, TransferCancelled); err != nil {
		return err
	}
	if t.ReservationID != nil {
		if err := e.releaseHold(tx, *t.ReservationID, reason, actor); err != nil {
			return err
		}
	}
	now := tx.Now()
	t.Status = TransferCancelled
	t.CancelReason = reason
	t.UpdatedAt = now
	fx.notify(transferNote(t, RecipientCareTeam, NotifyTransferCancelled, actor, reason, now))
	return e.repos.Transfers.Update(tx.Context(), t)
}

func (e *Engine) GetTransfer(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	return e.repos.Transfers.Get(ctx, id)
}

func (e *Engine) ListTransfers(ctx context.Context, f TransferFilter) ([]*Transfer, error) {
	return e.repos.Transfers.List(ctx, f)
}

// bedsFor picks which beds a transfer step locks.
type bedsFor func(t *Transfer) []uuid.UUID

func destBed(t *Transfer) []uuid.UUID { return []uuid.UUID{t.ToBedID} }

func bothBeds(t *Transfer) []uuid.UUID { return []uuid.UUID{t.FromBedID, t.ToBedID} }

// transferStep loads the transfer under its admission lock, checks the
// transition, runs fn inside a bed update over the beds picked by lock and
// saves the transfer in the same update.
func (e *Engine) transferStep(ctx context.Context, op string, id uuid.UUID, to TransferStatus, lock bedsFor,
	fn func(tx *bed.Tx, t *Transfer, fx *effects) error) (*Transfer, error) {
	t, err := e.repos.Transfers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := e.admissionLocks.Lock(t.AdmissionID)
	defer unlock()
	if t, err = e.repos.Transfers.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := transferMachine.check(op, t.Status, to); err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	if lock != nil {
		ids = lock(t)
	}
	err = e.update(ctx, ids, func(tx *bed.Tx, fx *effects) error {
		if err := fn(tx, t, fx); err != nil {
			return err
		}
		t.Status = to
		t.UpdatedAt = tx.Now()
		return e.repos.Transfers.Update(tx.Context(), t)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("transfer_id", t.ID.String()).Str("status", string(t.Status)).Msg("transfer updated")
	return t, nil
}

// liveHold returns the transfer's destination reservation if it still holds
// the bed for this transfer.
func (e *Engine) liveHold(tx *bed.Tx, t *Transfer) (*reservation.Reservation, error) {
	if t.ReservationID == nil {
		return nil, apperr.InvalidTransition("transfer_reservation", "transfer %s holds no destination reservation", t.ID)
	}
	res, err := e.res.ValidateLocked(tx, *t.ReservationID, &t.ID)
	if err != nil && apperr.KindOf(err) == apperr.KindReservationExpired {
		return nil, apperr.Wrap(apperr.KindReservationExpired, "transfer_reservation",
			"destination reservation expired; cancel and request the transfer again", err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func transferNote(t *Transfer, to RecipientType, typ NotificationType, actor, detail string, at time.Time) NotificationEvent {
	id := t.ID
	return NotificationEvent{
		RecipientType:    to,
		NotificationType: typ,
		AdmissionID:      t.AdmissionID,
		PatientID:        t.PatientID,
		TransferID:       &id,
		Actor:            actor,
		Detail:           detail,
		OccurredAt:       at,
	}
}
