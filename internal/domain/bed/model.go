package bed

import (
	"time"

	"github.com/google/uuid"
)

// OccupancyStatus is the single status a bed holds at any instant.
type OccupancyStatus string

const (
	StatusAvailable   OccupancyStatus = "AVAILABLE"
	StatusOccupied    OccupancyStatus = "OCCUPIED"
	StatusReserved    OccupancyStatus = "RESERVED"
	StatusCleaning    OccupancyStatus = "CLEANING"
	StatusMaintenance OccupancyStatus = "MAINTENANCE"
	StatusOutOfOrder  OccupancyStatus = "OUT_OF_ORDER"
	StatusBlocked     OccupancyStatus = "BLOCKED"
)

// AllStatuses lists every status in display order.
var AllStatuses = []OccupancyStatus{
	StatusAvailable, StatusOccupied, StatusReserved, StatusCleaning,
	StatusMaintenance, StatusOutOfOrder, StatusBlocked,
}

func (s OccupancyStatus) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// InService reports whether the bed can be used for patients without an
// administrative or housekeeping step first.
func (s OccupancyStatus) InService() bool {
	return s == StatusAvailable || s == StatusReserved || s == StatusOccupied
}

// OccupantRef identifies who is in an OCCUPIED bed.
type OccupantRef struct {
	PatientID   uuid.UUID `json:"patient_id"`
	AdmissionID uuid.UUID `json:"admission_id"`
}

func (o *OccupantRef) Equal(other *OccupantRef) bool {
	if o == nil || other == nil {
		return o == nil && other == nil
	}
	return *o == *other
}

// Bed is the canonical occupancy record for one physical bed.
type Bed struct {
	ID           uuid.UUID       `json:"id"`
	Code         string          `json:"code"`
	BedType      string          `json:"bed_type"`
	DepartmentID string          `json:"department_id"`
	Room         string          `json:"room,omitempty"`
	Status       OccupancyStatus `json:"status"`
	Occupant     *OccupantRef    `json:"occupant,omitempty"`
	LastUpdated  time.Time       `json:"last_updated"`
	UpdatedBy    string          `json:"updated_by,omitempty"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Clone returns a deep copy.
func (b *Bed) Clone() *Bed {
	if b == nil {
		return nil
	}
	c := *b
	if b.Occupant != nil {
		occ := *b.Occupant
		c.Occupant = &occ
	}
	return &c
}

// Filter narrows ListByFilter. Zero fields match everything.
type Filter struct {
	DepartmentID string
	BedType      string
	Statuses     []OccupancyStatus
}

func (f Filter) Match(b *Bed) bool {
	if f.DepartmentID != "" && b.DepartmentID != f.DepartmentID {
		return false
	}
	if f.BedType != "" && b.BedType != f.BedType {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if b.Status == s {
			return true
		}
	}
	return false
}

// Change describes one committed status transition.
type Change struct {
	BedID        uuid.UUID       `json:"bed_id"`
	DepartmentID string          `json:"department_id"`
	BedType      string          `json:"bed_type"`
	From         OccupancyStatus `json:"from"`
	To           OccupancyStatus `json:"to"`
	Occupant     *OccupantRef    `json:"occupant,omitempty"`
	Actor        string          `json:"actor"`
	At           time.Time       `json:"at"`
	// Seq increases with every committed change in this process.
	Seq          uint64          `json:"seq"`
}
