package movement

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/capacity"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
)

// WorkflowIndex answers the capacity evaluator's questions about open
// movements from the movement repositories.
type WorkflowIndex struct {
	repos Repos
	beds  *bed.Registry
}

func NewWorkflowIndex(repos Repos, beds *bed.Registry) *WorkflowIndex {
	return &WorkflowIndex{repos: repos, beds: beds}
}

var _ capacity.WorkflowIndex = (*WorkflowIndex)(nil)

func (x *WorkflowIndex) OpenWorkflows(ctx context.Context, admissionID uuid.UUID) ([]capacity.WorkflowRef, error) {
	transfers, err := x.repos.Transfers.List(ctx, TransferFilter{AdmissionID: &admissionID, Statuses: openTransferStatuses})
	if err != nil {
		return nil, err
	}
	discharges, err := x.repos.Discharges.List(ctx, DischargeFilter{AdmissionID: &admissionID, Statuses: openDischargeStatuses})
	if err != nil {
		return nil, err
	}
	out := make([]capacity.WorkflowRef, 0, len(transfers)+len(discharges))
	for _, t := range transfers {
		out = append(out, transferRef(t))
	}
	for _, d := range discharges {
		out = append(out, dischargeRef(d))
	}
	return out, nil
}

// PatientMovements lists open transfers and discharges of the patient whose
// planned time falls in w, or that have none yet.
func (x *WorkflowIndex) PatientMovements(ctx context.Context, patientID uuid.UUID, w reservation.Window) ([]capacity.WorkflowRef, error) {
	transfers, err := x.repos.Transfers.List(ctx, TransferFilter{PatientID: &patientID, Statuses: openTransferStatuses})
	if err != nil {
		return nil, err
	}
	discharges, err := x.repos.Discharges.List(ctx, DischargeFilter{PatientID: &patientID, Statuses: openDischargeStatuses})
	if err != nil {
		return nil, err
	}
	var out []capacity.WorkflowRef
	for _, t := range transfers {
		if t.ScheduledFor == nil || w.Contains(*t.ScheduledFor) {
			out = append(out, transferRef(t))
		}
	}
	for _, d := range discharges {
		if d.ExpectedAt == nil || w.Contains(*d.ExpectedAt) {
			out = append(out, dischargeRef(d))
		}
	}
	return out, nil
}

// PlannedDischarges lists open discharges expected no later than until,
// earliest first. Discharges with no expected time are left out.
func (x *WorkflowIndex) PlannedDischarges(ctx context.Context, until time.Time) ([]capacity.PlannedDischarge, error) {
	discharges, err := x.repos.Discharges.List(ctx, DischargeFilter{Statuses: openDischargeStatuses})
	if err != nil {
		return nil, err
	}
	var out []capacity.PlannedDischarge
	for _, d := range discharges {
		if d.ExpectedAt == nil || d.ExpectedAt.After(until) {
			continue
		}
		b, err := x.beds.GetBed(ctx, d.BedID)
		if err != nil {
			return nil, err
		}
		out = append(out, capacity.PlannedDischarge{
			DischargeID:  d.ID,
			AdmissionID:  d.AdmissionID,
			BedID:        d.BedID,
			DepartmentID: b.DepartmentID,
			ExpectedAt:   *d.ExpectedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpectedAt.Before(out[j].ExpectedAt) })
	return out, nil
}

func transferRef(t *Transfer) capacity.WorkflowRef {
	return capacity.WorkflowRef{
		Kind:        capacity.WorkflowTransfer,
		ID:          t.ID,
		AdmissionID: t.AdmissionID,
		PatientID:   t.PatientID,
		Status:      string(t.Status),
		BedID:       t.ToBedID,
		At:          cloneTime(t.ScheduledFor),
	}
}

func dischargeRef(d *Discharge) capacity.WorkflowRef {
	return capacity.WorkflowRef{
		Kind:        capacity.WorkflowDischarge,
		ID:          d.ID,
		AdmissionID: d.AdmissionID,
		PatientID:   d.PatientID,
		Status:      string(d.Status),
		BedID:       d.BedID,
		At:          cloneTime(d.ExpectedAt),
	}
}
