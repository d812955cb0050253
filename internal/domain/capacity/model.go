package capacity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
)

type ConflictKind string

const (
	ConflictBedCommitted         ConflictKind = "BED_COMMITTED"
	ConflictBedOutOfService      ConflictKind = "BED_OUT_OF_SERVICE"
	ConflictPatientScheduled     ConflictKind = "PATIENT_SCHEDULED"
	ConflictEquipmentUnavailable ConflictKind = "EQUIPMENT_UNAVAILABLE"
	ConflictStaffUnavailable     ConflictKind = "STAFF_UNAVAILABLE"
)

type Conflict struct {
	Kind        ConflictKind `json:"kind"`
	Message     string       `json:"message"`
	ReferenceID *uuid.UUID   `json:"reference_id,omitempty"`
}

// Alternative is a bed of the same type that could host the proposed window.
type Alternative struct {
	BedID          uuid.UUID           `json:"bed_id"`
	Code           string              `json:"code"`
	BedType        string              `json:"bed_type"`
	DepartmentID   string              `json:"department_id"`
	Room           string              `json:"room,omitempty"`
	Status         bed.OccupancyStatus `json:"status"`
	AvailableFrom  time.Time           `json:"available_from"`
	SameDepartment bool                `json:"same_department"`
}

type ConflictReport struct {
	HasConflicts bool          `json:"has_conflicts"`
	Conflicts    []Conflict    `json:"conflicts"`
	Alternatives []Alternative `json:"alternatives"`
	Warnings     []string      `json:"warnings,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

type ConflictQuery struct {
	PatientID         uuid.UUID
	Window            reservation.Window
	DestinationBedID  uuid.UUID
	RequiredEquipment []string
	// Ignore lets a movement re-check itself without tripping over its own
	// reservation or workflow record.
	IgnoreReservationID *uuid.UUID
	IgnoreMovementID    *uuid.UUID
}

// Snapshot counts beds by status. OccupancyRate is occupied over in-service
// beds, where MAINTENANCE, BLOCKED and OUT_OF_ORDER are out of service.
type Snapshot struct {
	DepartmentID  string    `json:"department_id,omitempty"`
	Total         int       `json:"total"`
	InService     int       `json:"in_service"`
	Occupied      int       `json:"occupied"`
	Available     int       `json:"available"`
	Reserved      int       `json:"reserved"`
	Cleaning      int       `json:"cleaning"`
	Maintenance   int       `json:"maintenance"`
	Blocked       int       `json:"blocked"`
	OutOfOrder    int       `json:"out_of_order"`
	OccupancyRate float64   `json:"occupancy_rate"`
	AsOf          time.Time `json:"as_of"`
}

func (s *Snapshot) add(b *bed.Bed) {
	s.Total++
	switch b.Status {
	case bed.StatusOccupied:
		s.Occupied++
	case bed.StatusAvailable:
		s.Available++
	case bed.StatusReserved:
		s.Reserved++
	case bed.StatusCleaning:
		s.Cleaning++
	case bed.StatusMaintenance:
		s.Maintenance++
	case bed.StatusBlocked:
		s.Blocked++
	case bed.StatusOutOfOrder:
		s.OutOfOrder++
	}
	switch b.Status {
	case bed.StatusMaintenance, bed.StatusBlocked, bed.StatusOutOfOrder:
	default:
		s.InService++
	}
}

func (s *Snapshot) finish(asOf time.Time) {
	s.AsOf = asOf
	if s.InService > 0 {
		s.OccupancyRate = float64(s.Occupied) / float64(s.InService)
	}
}

type WorkflowKind string

const (
	WorkflowAdmission WorkflowKind = "ADMISSION"
	WorkflowTransfer  WorkflowKind = "TRANSFER"
	WorkflowDischarge WorkflowKind = "DISCHARGE"
)

// WorkflowRef is a non-terminal movement as seen by the evaluator. At is the
// movement's planned time when one is known.
type WorkflowRef struct {
	Kind        WorkflowKind `json:"kind"`
	ID          uuid.UUID    `json:"id"`
	AdmissionID uuid.UUID    `json:"admission_id"`
	PatientID   uuid.UUID    `json:"patient_id"`
	Status      string       `json:"status"`
	BedID       uuid.UUID    `json:"bed_id"`
	At          *time.Time   `json:"at,omitempty"`
}

type PlannedDischarge struct {
	DischargeID  uuid.UUID `json:"discharge_id"`
	AdmissionID  uuid.UUID `json:"admission_id"`
	BedID        uuid.UUID `json:"bed_id"`
	DepartmentID string    `json:"department_id"`
	ExpectedAt   time.Time `json:"expected_at"`
}

// WorkflowIndex exposes the movement engine's open workflows without the
// evaluator depending on it.
type WorkflowIndex interface {
	OpenWorkflows(ctx context.Context, admissionID uuid.UUID) ([]WorkflowRef, error)
	// PatientMovements returns the patient's open movements planned inside w
	// or not yet given a time.
	PatientMovements(ctx context.Context, patientID uuid.UUID, w reservation.Window) ([]WorkflowRef, error)
	PlannedDischarges(ctx context.Context, until time.Time) ([]PlannedDischarge, error)
}

type EquipmentQuery struct {
	BedID        uuid.UUID          `json:"bed_id"`
	DepartmentID string             `json:"department_id"`
	Items        []string           `json:"items"`
	Window       reservation.Window `json:"window"`
}

type EquipmentAnswer struct {
	Missing []string `json:"missing"`
}

// EquipmentChecker asks the equipment inventory whether the items can be at
// the bed for the window.
type EquipmentChecker interface {
	CheckEquipment(ctx context.Context, q EquipmentQuery) (*EquipmentAnswer, error)
}

type StaffQuery struct {
	DepartmentID string             `json:"department_id"`
	BedType      string             `json:"bed_type"`
	Window       reservation.Window `json:"window"`
}

type StaffAnswer struct {
	Available bool   `json:"available"`
	OnDuty    int    `json:"on_duty"`
	Required  int    `json:"required"`
	Detail    string `json:"detail,omitempty"`
}

type StaffChecker interface {
	CheckStaff(ctx context.Context, q StaffQuery) (*StaffAnswer, error)
}
