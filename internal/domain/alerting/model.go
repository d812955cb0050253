package alerting

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeHighOccupancy       Type = "HIGH_OCCUPANCY"
	TypeCapacityShortage    Type = "CAPACITY_SHORTAGE"
	TypeReservationConflict Type = "RESERVATION_CONFLICT"
)

func (t Type) Valid() bool {
	switch t {
	case TypeHighOccupancy, TypeCapacityShortage, TypeReservationConflict:
		return true
	}
	return false
}

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is an append-only fact. Only ResolvedAt and the acknowledgement
// fields are ever set after creation. An empty DepartmentID means
// hospital-wide.
type Alert struct {
	ID             uuid.UUID  `json:"id"`
	Type           Type       `json:"type"`
	Severity       Severity   `json:"severity"`
	DepartmentID   string     `json:"department_id,omitempty"`
	ReservationID  *uuid.UUID `json:"reservation_id,omitempty"`
	BedID          *uuid.UUID `json:"bed_id,omitempty"`
	Message        string     `json:"message"`
	Value          float64    `json:"value"`
	Threshold      float64    `json:"threshold"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

func (a *Alert) Open() bool { return a.ResolvedAt == nil }

func (a *Alert) Clone() *Alert {
	c := *a
	c.ReservationID = cloneID(a.ReservationID)
	c.BedID = cloneID(a.BedID)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	return &c
}

// key identifies the condition an alert tracks. At most one open alert
// exists per key.
func (a *Alert) key() conditionKey {
	k := conditionKey{typ: a.Type, dept: a.DepartmentID}
	if a.ReservationID != nil {
		k.res = *a.ReservationID
	}
	return k
}

type conditionKey struct {
	typ  Type
	dept string
	res  uuid.UUID
}

type Filter struct {
	Type         Type
	DepartmentID *string
	// Open selects unresolved (true) or resolved (false) alerts; nil keeps both.
	Open         *bool
	Acknowledged *bool
}

func (f Filter) Match(a *Alert) bool {
	if f.Type != "" && a.Type != f.Type {
		return false
	}
	if f.DepartmentID != nil && a.DepartmentID != *f.DepartmentID {
		return false
	}
	if f.Open != nil && a.Open() != *f.Open {
		return false
	}
	if f.Acknowledged != nil && (a.AcknowledgedAt != nil) != *f.Acknowledged {
		return false
	}
	return true
}

// Sample is one occupancy observation for a scope.
type Sample struct {
	At           time.Time `json:"at"`
	DepartmentID string    `json:"department_id,omitempty"`
	Occupied     int       `json:"occupied"`
	InService    int       `json:"in_service"`
	Rate         float64   `json:"rate"`
}

type ForecastPoint struct {
	At                time.Time `json:"at"`
	ProjectedOccupied int       `json:"projected_occupied"`
	ProjectedRate     float64   `json:"projected_rate"`
	Arrivals          int       `json:"arrivals"`
	Departures        int       `json:"departures"`
	Confidence        float64   `json:"confidence"`
}

type Forecast struct {
	DepartmentID string          `json:"department_id,omitempty"`
	AsOf         time.Time       `json:"as_of"`
	Occupied     int             `json:"occupied"`
	InService    int             `json:"in_service"`
	Horizon      string          `json:"horizon"`
	Step         string          `json:"step"`
	Points       []ForecastPoint `json:"points"`
	Warnings     []string        `json:"warnings,omitempty"`
}

type Stats struct {
	DepartmentID string     `json:"department_id,omitempty"`
	From         time.Time  `json:"from"`
	Until        time.Time  `json:"until"`
	Samples      int        `json:"samples"`
	AverageRate  float64    `json:"average_rate"`
	PeakRate     float64    `json:"peak_rate"`
	PeakAt       *time.Time `json:"peak_at,omitempty"`
	MinRate      float64    `json:"min_rate"`
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
