package movement

import (
	"time"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/domain/reservation"
)

type AdmissionStatus string

const (
	AdmissionRequested   AdmissionStatus = "REQUESTED"
	AdmissionActive      AdmissionStatus = "ACTIVE"
	AdmissionDischarged  AdmissionStatus = "DISCHARGED"
	AdmissionTransferred AdmissionStatus = "TRANSFERRED"
	AdmissionDeceased    AdmissionStatus = "DECEASED"
	AdmissionCancelled   AdmissionStatus = "CANCELLED"
)

type TransferStatus string

const (
	TransferRequested       TransferStatus = "REQUESTED"
	TransferPendingApproval TransferStatus = "PENDING_APPROVAL"
	TransferApproved        TransferStatus = "APPROVED"
	TransferScheduled       TransferStatus = "SCHEDULED"
	TransferInProgress      TransferStatus = "IN_PROGRESS"
	TransferCompleted       TransferStatus = "COMPLETED"
	TransferCancelled       TransferStatus = "CANCELLED"
	TransferRejected        TransferStatus = "REJECTED"
)

type DischargeStatus string

const (
	DischargePending   DischargeStatus = "PENDING"
	DischargeApproved  DischargeStatus = "APPROVED"
	DischargeCompleted DischargeStatus = "COMPLETED"
	DischargeCancelled DischargeStatus = "CANCELLED"
)

type Admission struct {
	ID            uuid.UUID            `json:"id"`
	PatientID     uuid.UUID            `json:"patient_id"`
	BedID         uuid.UUID            `json:"bed_id"`
	ReservationID *uuid.UUID           `json:"reservation_id,omitempty"`
	Status        AdmissionStatus      `json:"status"`
	AdmissionType string               `json:"admission_type,omitempty"`
	Priority      reservation.Priority `json:"priority"`
	Reason        string               `json:"reason,omitempty"`
	AdmittedAt    *time.Time           `json:"admitted_at,omitempty"`
	// BedAssignedAt is when the patient entered the current bed; it moves on
	// every completed transfer.
	BedAssignedAt *time.Time `json:"bed_assigned_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	EndReason     string     `json:"end_reason,omitempty"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Transfer struct {
	ID            uuid.UUID            `json:"id"`
	AdmissionID   uuid.UUID            `json:"admission_id"`
	PatientID     uuid.UUID            `json:"patient_id"`
	FromBedID     uuid.UUID            `json:"from_bed_id"`
	ToBedID       uuid.UUID            `json:"to_bed_id"`
	ReservationID *uuid.UUID           `json:"reservation_id,omitempty"`
	Status        TransferStatus       `json:"status"`
	Priority      reservation.Priority `json:"priority"`
	Reason        string               `json:"reason,omitempty"`
	ScheduledFor  *time.Time           `json:"scheduled_for,omitempty"`
	RequestedBy   string               `json:"requested_by"`
	ApprovedBy    string               `json:"approved_by,omitempty"`
	DecisionNote  string               `json:"decision_note,omitempty"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
	CompletedAt   *time.Time           `json:"completed_at,omitempty"`
	CancelReason  string               `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

type Discharge struct {
	ID           uuid.UUID       `json:"id"`
	AdmissionID  uuid.UUID       `json:"admission_id"`
	PatientID    uuid.UUID       `json:"patient_id"`
	BedID        uuid.UUID       `json:"bed_id"`
	Status       DischargeStatus `json:"status"`
	Disposition  string          `json:"disposition,omitempty"`
	ExpectedAt   *time.Time      `json:"expected_at,omitempty"`
	RequestedBy  string          `json:"requested_by"`
	ApprovedBy   string          `json:"approved_by,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (a *Admission) Clone() *Admission {
	c := *a
	c.ReservationID = cloneID(a.ReservationID)
	c.AdmittedAt = cloneTime(a.AdmittedAt)
	c.BedAssignedAt = cloneTime(a.BedAssignedAt)
	c.EndedAt = cloneTime(a.EndedAt)
	return &c
}

func (t *Transfer) Clone() *Transfer {
	c := *t
	c.ReservationID = cloneID(t.ReservationID)
	c.ScheduledFor = cloneTime(t.ScheduledFor)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func (d *Discharge) Clone() *Discharge {
	c := *d
	c.ExpectedAt = cloneTime(d.ExpectedAt)
	c.CompletedAt = cloneTime(d.CompletedAt)
	return &c
}

// Open reports whether the transfer still competes for the admission.
func (s TransferStatus) Open() bool {
	switch s {
	case TransferCompleted, TransferCancelled, TransferRejected:
		return false
	}
	return true
}

func (s DischargeStatus) Open() bool {
	return s == DischargePending || s == DischargeApproved
}

var (
	openTransferStatuses  = []TransferStatus{TransferRequested, TransferPendingApproval, TransferApproved, TransferScheduled, TransferInProgress}
	openDischargeStatuses = []DischargeStatus{DischargePending, DischargeApproved}
)

type AdmissionFilter struct {
	PatientID *uuid.UUID
	BedID     *uuid.UUID
	Statuses  []AdmissionStatus
}

func (f AdmissionFilter) Match(a *Admission) bool {
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.BedID != nil && a.BedID != *f.BedID {
		return false
	}
	return matchStatus(a.Status, f.Statuses)
}

type TransferFilter struct {
	AdmissionID *uuid.UUID
	PatientID   *uuid.UUID
	BedID       *uuid.UUID // matches either end
	Statuses    []TransferStatus
}

func (f TransferFilter) Match(t *Transfer) bool {
	if f.AdmissionID != nil && t.AdmissionID != *f.AdmissionID {
		return false
	}
	if f.PatientID != nil && t.PatientID != *f.PatientID {
		return false
	}
	if f.BedID != nil && t.FromBedID != *f.BedID && t.ToBedID != *f.BedID {
		return false
	}
	return matchStatus(t.Status, f.Statuses)
}

type DischargeFilter struct {
	AdmissionID *uuid.UUID
	PatientID   *uuid.UUID
	Statuses    []DischargeStatus
}

func (f DischargeFilter) Match(d *Discharge) bool {
	if f.AdmissionID != nil && d.AdmissionID != *f.AdmissionID {
		return false
	}
	if f.PatientID != nil && d.PatientID != *f.PatientID {
		return false
	}
	return matchStatus(d.Status, f.Statuses)
}

func matchStatus[S comparable](s S, in []S) bool {
	if len(in) == 0 {
		return true
	}
	for _, x := range in {
		if x == s {
			return true
		}
	}
	return false
}

func cloneID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	c := *id
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }
