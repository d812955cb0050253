package movement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

type DischargeRequest struct {
	AdmissionID uuid.UUID
	Disposition string
	ExpectedAt  *time.Time
	Actor       string
}

// RequestDischarge opens a PENDING discharge for an ACTIVE admission.
func (e *Engine) RequestDischarge(ctx context.Context, req DischargeRequest) (*Discharge, error) {
	const op = "request_discharge"
	actor := actorOr(req.Actor)
	adm, unlock, err := e.lockAdmission(ctx, req.AdmissionID, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if adm.Status != AdmissionActive {
		return nil, apperr.InvalidTransition(op, "admission %s is %s", adm.ID, adm.Status)
	}
	if err := e.eval.EnsureNoOpenWorkflow(ctx, adm.ID); err != nil {
		return nil, err
	}

	var d *Discharge
	err = e.update(ctx, nil, func(tx *bed.Tx, fx *effects) error {
		now := tx.Now()
		d = &Discharge{
			ID:          uuid.New(),
			AdmissionID: adm.ID,
			PatientID:   adm.PatientID,
			BedID:       adm.BedID,
			Status:      DischargePending,
			Disposition: req.Disposition,
			RequestedBy: actor,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if req.ExpectedAt != nil {
			d.ExpectedAt = timePtr(req.ExpectedAt.UTC())
		}
		fx.notify(dischargeNote(d, RecipientCareTeam, NotifyDischargeRequested, actor, req.Disposition, now))
		return e.repos.Discharges.Create(tx.Context(), d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ApproveDischarge requires the clearance checklist to be complete.
func (e *Engine) ApproveDischarge(ctx context.Context, id uuid.UUID, actor string) (*Discharge, error) {
	const op = "approve_discharge"
	actor = actorOr(actor)
	return e.dischargeStep(ctx, op, id, DischargeApproved, false, func(tx *bed.Tx, d *Discharge, _ *Admission, fx *effects) error {
		if err := e.checkClearance(tx.Context(), op, d.AdmissionID); err != nil {
			return err
		}
		d.ApprovedBy = actor
		fx.notify(dischargeNote(d, RecipientBedManager, NotifyDischargeApproved, actor, "", tx.Now()))
		return nil
	})
}

// CompleteDischarge ends the admission and sends its bed to CLEANING.
// Clearance is checked again since items can be reopened after approval.
func (e *Engine) CompleteDischarge(ctx context.Context, id uuid.UUID, actor string) (*Discharge, error) {
	const op = "complete_discharge"
	actor = actorOr(actor)
	return e.dischargeStep(ctx, op, id, DischargeCompleted, true, func(tx *bed.Tx, d *Discharge, adm *Admission, fx *effects) error {
		if adm.Status != AdmissionActive {
			return apperr.InvalidTransition(op, "admission %s is %s", adm.ID, adm.Status)
		}
		if err := e.checkClearance(tx.Context(), op, d.AdmissionID); err != nil {
			return err
		}
		b, err := e.vacateLocked(tx, adm, actor)
		if err != nil {
			return err
		}
		now := tx.Now()
		fx.bill(stayEvent(BillingDischargeComplete, adm, b, &d.ID, now))

		adm.Status = AdmissionDischarged
		adm.EndedAt = timePtr(now)
		adm.EndReason = d.Disposition
		adm.UpdatedAt = now
		if err := e.repos.Admissions.Update(tx.Context(), adm); err != nil {
			return err
		}
		d.CompletedAt = timePtr(now)
		fx.notify(dischargeNote(d, RecipientBedManager, NotifyDischargeCompleted, actor, b.Code, now))
		return nil
	})
}

func (e *Engine) CancelDischarge(ctx context.Context, id uuid.UUID, reason, actor string) (*Discharge, error) {
	actor = actorOr(actor)
	return e.dischargeStep(ctx, "cancel_discharge", id, DischargeCancelled, false, func(tx *bed.Tx, d *Discharge, _ *Admission, fx *effects) error {
		d.CancelReason = reason
		fx.notify(dischargeNote(d, RecipientCareTeam, NotifyDischargeCancelled, actor, reason, tx.Now()))
		return nil
	})
}

func (e *Engine) GetDischarge(ctx context.Context, id uuid.UUID) (*Discharge, error) {
	return e.repos.Discharges.Get(ctx, id)
}

func (e *Engine) ListDischarges(ctx context.Context, f DischargeFilter) ([]*Discharge, error) {
	return e.repos.Discharges.List(ctx, f)
}

// dischargeStep mirrors transferStep. With lockBed set the admission's
// current bed is locked for the update.
func (e *Engine) dischargeStep(ctx context.Context, op string, id uuid.UUID, to DischargeStatus, lockBed bool,
	fn func(tx *bed.Tx, d *Discharge, adm *Admission, fx *effects) error) (*Discharge, error) {
	d, err := e.repos.Discharges.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	adm, unlock, err := e.lockAdmission(ctx, d.AdmissionID, lockBed)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if d, err = e.repos.Discharges.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := dischargeMachine.check(op, d.Status, to); err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	if lockBed {
		ids = []uuid.UUID{adm.BedID}
	}
	err = e.update(ctx, ids, func(tx *bed.Tx, fx *effects) error {
		if err := fn(tx, d, adm, fx); err != nil {
			return err
		}
		d.Status = to
		d.UpdatedAt = tx.Now()
		return e.repos.Discharges.Update(tx.Context(), d)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("discharge_id", d.ID.String()).Str("status", string(d.Status)).Msg("discharge updated")
	return d, nil
}

func (e *Engine) checkClearance(ctx context.Context, op string, admissionID uuid.UUID) error {
	ok, err := e.clearance.Cleared(ctx, admissionID)
	if err != nil {
		return fmt.Errorf("%s: clearance check: %w", op, err)
	}
	if !ok {
		return apperr.InvalidTransition(op, "discharge checklist is not complete")
	}
	return nil
}

func dischargeNote(d *Discharge, to RecipientType, typ NotificationType, actor, detail string, at time.Time) NotificationEvent {
	id := d.ID
	return NotificationEvent{
		RecipientType:    to,
		NotificationType: typ,
		AdmissionID:      d.AdmissionID,
		PatientID:        d.PatientID,
		DischargeID:      &id,
		Actor:            actor,
		Detail:           detail,
		OccurredAt:       at,
	}
}
