package reservation

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
	StatusFulfilled Status = "FULFILLED"
)

// Pending reports whether the reservation still holds its bed.
func (s Status) Pending() bool {
	return s == StatusActive || s == StatusConfirmed
}

var PendingStatuses = []Status{StatusActive, StatusConfirmed}

type Type string

const (
	TypeAdmission   Type = "ADMISSION"
	TypeTransfer    Type = "TRANSFER"
	TypeSurgery     Type = "SURGERY"
	TypeEmergency   Type = "EMERGENCY"
	TypeMaintenance Type = "MAINTENANCE"
	TypeCleaning    Type = "CLEANING"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAdmission, TypeTransfer, TypeSurgery, TypeEmergency, TypeMaintenance, TypeCleaning:
		return true
	}
	return false
}

// Priority is advisory. It orders alerts and alternatives but never
// preempts an existing reservation.
type Priority string

const (
	PriorityLow       Priority = "LOW"
	PriorityNormal    Priority = "NORMAL"
	PriorityHigh      Priority = "HIGH"
	PriorityUrgent    Priority = "URGENT"
	PriorityEmergency Priority = "EMERGENCY"
)

var priorityRank = map[Priority]int{
	PriorityLow:       1,
	PriorityNormal:    2,
	PriorityHigh:      3,
	PriorityUrgent:    4,
	PriorityEmergency: 5,
}

// Rank orders priorities from LOW (1) to EMERGENCY (5); unknown is 0.
func (p Priority) Rank() int { return priorityRank[p] }

func (p Priority) Valid() bool { return p.Rank() > 0 }

// Window is the half-open interval [From, Until).
type Window struct {
	From  time.Time `json:"from"`
	Until time.Time `json:"until"`
}

func (w Window) Empty() bool { return !w.Until.After(w.From) }

// Overlaps reports whether two half-open windows share any instant;
// back-to-back windows do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.From.Before(o.Until) && o.From.Before(w.Until)
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.Until)
}

type Reservation struct {
	ID            uuid.UUID  `json:"id"`
	BedID         uuid.UUID  `json:"bed_id"`
	PatientID     *uuid.UUID `json:"patient_id,omitempty"`
	MovementID    *uuid.UUID `json:"movement_id,omitempty"`
	ReservedFrom  time.Time  `json:"reserved_from"`
	ReservedUntil time.Time  `json:"reserved_until"`
	Type          Type       `json:"type"`
	Priority      Priority   `json:"priority"`
	Status        Status     `json:"status"`
	Notes         string     `json:"notes,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CreatedBy     string     `json:"created_by"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

func (r *Reservation) Window() Window {
	return Window{From: r.ReservedFrom, Until: r.ReservedUntil}
}

// Elapsed reports whether the hold ran out unconsumed at now.
func (r *Reservation) Elapsed(now time.Time) bool {
	return r.ReservedUntil.Before(now)
}

func (r *Reservation) Clone() *Reservation {
	c := *r
	c.PatientID = cloneID(r.PatientID)
	c.MovementID = cloneID(r.MovementID)
	c.ConfirmedAt = cloneTime(r.ConfirmedAt)
	c.ClosedAt = cloneTime(r.ClosedAt)
	return &c
}

// Filter narrows List. Zero fields match everything; Overlapping keeps
// reservations whose window intersects it.
type Filter struct {
	BedID       *uuid.UUID
	PatientID   *uuid.UUID
	MovementID  *uuid.UUID
	Type        Type
	Statuses    []Status
	Overlapping *Window
}

func (f Filter) Match(r *Reservation) bool {
	if f.BedID != nil && r.BedID != *f.BedID {
		return false
	}
	if f.PatientID != nil && (r.PatientID == nil || *r.PatientID != *f.PatientID) {
		return false
	}
	if f.MovementID != nil && (r.MovementID == nil || *r.MovementID != *f.MovementID) {
		return false
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if f.Overlapping != nil && !r.Window().Overlaps(*f.Overlapping) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
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
