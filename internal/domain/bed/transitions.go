package bed

import (
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

var transitions = map[OccupancyStatus][]OccupancyStatus{
	StatusAvailable:   {StatusReserved, StatusOutOfOrder, StatusBlocked},
	StatusReserved:    {StatusOccupied, StatusAvailable},
	StatusOccupied:    {StatusCleaning},
	StatusCleaning:    {StatusAvailable, StatusMaintenance},
	StatusMaintenance: {StatusAvailable, StatusBlocked, StatusOutOfOrder},
	StatusBlocked:     {StatusAvailable},
	StatusOutOfOrder:  {StatusAvailable},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to OccupancyStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Targets returns the statuses reachable from s.
func Targets(s OccupancyStatus) []OccupancyStatus {
	out := make([]OccupancyStatus, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// ValidateTransition checks the table and the occupant rule: OCCUPIED needs
// an occupant, every other status must have none.
func ValidateTransition(op string, from, to OccupancyStatus, occupant *OccupantRef) error {
	if !to.Valid() {
		return apperr.Validation(op, "unknown bed status %q", to)
	}
	if !CanTransition(from, to) {
		return apperr.InvalidTransition(op, "bed cannot move from %s to %s", from, to)
	}
	if to == StatusOccupied && occupant == nil {
		return apperr.InvalidTransition(op, "OCCUPIED requires an occupant")
	}
	if to != StatusOccupied && occupant != nil {
		return apperr.InvalidTransition(op, "%s must not carry an occupant", to)
	}
	return nil
}
