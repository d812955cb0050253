package movement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type BillingEventType string

const (
	BillingAdmissionStarted  BillingEventType = "ADMISSION_STARTED"
	BillingTransferCompleted BillingEventType = "TRANSFER_COMPLETED"
	BillingDischargeComplete BillingEventType = "DISCHARGE_COMPLETED"
	BillingAdmissionEnded    BillingEventType = "ADMISSION_ENDED"
)

// BillingEvent carries what billing needs to price a stay segment. StayFrom
// and StayUntil bound the time spent in BedID; StayUntil is nil for a
// segment that has just begun.
type BillingEvent struct {
	Type         BillingEventType `json:"type"`
	AdmissionID  uuid.UUID        `json:"admission_id"`
	PatientID    uuid.UUID        `json:"patient_id"`
	MovementID   *uuid.UUID       `json:"movement_id,omitempty"`
	BedID        uuid.UUID        `json:"bed_id"`
	BedType      string           `json:"bed_type"`
	DepartmentID string           `json:"department_id"`
	StayFrom     time.Time        `json:"stay_from"`
	StayUntil    *time.Time       `json:"stay_until,omitempty"`
	StaySeconds  int64            `json:"stay_seconds"`
	OccurredAt   time.Time        `json:"occurred_at"`
}

type BillingPublisher interface {
	PublishBilling(ctx context.Context, ev BillingEvent) error
}

type RecipientType string

const (
	RecipientCareTeam   RecipientType = "CARE_TEAM"
	RecipientBedManager RecipientType = "BED_MANAGER"
	RecipientPatient    RecipientType = "PATIENT"
)

// NotificationType names the template a notifier renders.
type NotificationType string

const (
	NotifyAdmissionActivated NotificationType = "admission.activated"
	NotifyAdmissionCancelled NotificationType = "admission.cancelled"
	NotifyAdmissionEnded     NotificationType = "admission.ended"
	NotifyTransferRequested  NotificationType = "transfer.requested"
	NotifyTransferApproved   NotificationType = "transfer.approved"
	NotifyTransferRejected   NotificationType = "transfer.rejected"
	NotifyTransferScheduled  NotificationType = "transfer.scheduled"
	NotifyTransferCompleted  NotificationType = "transfer.completed"
	NotifyTransferCancelled  NotificationType = "transfer.cancelled"
	NotifyDischargeRequested NotificationType = "discharge.requested"
	NotifyDischargeApproved  NotificationType = "discharge.approved"
	NotifyDischargeCompleted NotificationType = "discharge.completed"
	NotifyDischargeCancelled NotificationType = "discharge.cancelled"
)

type NotificationEvent struct {
	RecipientType    RecipientType    `json:"recipient_type"`
	NotificationType NotificationType `json:"notification_type"`
	AdmissionID      uuid.UUID        `json:"admission_id"`
	PatientID        uuid.UUID        `json:"patient_id"`
	TransferID       *uuid.UUID       `json:"transfer_id,omitempty"`
	DischargeID      *uuid.UUID       `json:"discharge_id,omitempty"`
	Actor            string           `json:"actor"`
	Detail           string           `json:"detail,omitempty"`
	OccurredAt       time.Time        `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, ev NotificationEvent) error
}

// ClearanceChecker answers whether every discharge checklist item for the
// admission is satisfied.
type ClearanceChecker interface {
	Cleared(ctx context.Context, admissionID uuid.UUID) (bool, error)
}

type alwaysCleared struct{}

func (alwaysCleared) Cleared(context.Context, uuid.UUID) (bool, error) { return true, nil }

type nopBilling struct{}

func (nopBilling) PublishBilling(context.Context, BillingEvent) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, NotificationEvent) error { return nil }
