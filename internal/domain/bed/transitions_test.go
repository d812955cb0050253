package bed

import (
	"testing"

	"github.com/google/uuid"

	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

func TestCanTransition_Table(t *testing.T) {
	allowed := map[OccupancyStatus][]OccupancyStatus{
		StatusAvailable:   {StatusReserved, StatusOutOfOrder, StatusBlocked},
		StatusReserved:    {StatusOccupied, StatusAvailable},
		StatusOccupied:    {StatusCleaning},
		StatusCleaning:    {StatusAvailable, StatusMaintenance},
		StatusMaintenance: {StatusAvailable, StatusBlocked, StatusOutOfOrder},
		StatusBlocked:     {StatusAvailable},
		StatusOutOfOrder:  {StatusAvailable},
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestValidateTransition_OccupantRule(t *testing.T) {
	occ := &OccupantRef{PatientID: uuid.New(), AdmissionID: uuid.New()}
	tests := []struct {
		name     string
		from, to OccupancyStatus
		occupant *OccupantRef
		kind     apperr.Kind
	}{
		{"occupied with occupant", StatusReserved, StatusOccupied, occ, ""},
		{"occupied without occupant", StatusReserved, StatusOccupied, nil, apperr.KindInvalidTransition},
		{"cleaning with occupant", StatusOccupied, StatusCleaning, occ, apperr.KindInvalidTransition},
		{"not in table", StatusOccupied, StatusAvailable, nil, apperr.KindInvalidTransition},
		{"unknown target", StatusAvailable, OccupancyStatus("LOST"), nil, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition("test", tt.from, tt.to, tt.occupant)
			if got := apperr.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (err=%v)", got, tt.kind, err)
			}
		})
	}
}

func TestTargets_ReturnsCopy(t *testing.T) {
	ts := Targets(StatusAvailable)
	ts[0] = StatusOccupied
	if CanTransition(StatusAvailable, StatusOccupied) {
		t.Error("mutating Targets result must not change the table")
	}
}
