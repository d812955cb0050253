package capacity

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

const (
	DefaultMaxAlternatives  = 5
	DefaultCleaningEstimate = 45 * time.Minute
)

type Option func(*Evaluator)

func WithEquipmentChecker(c EquipmentChecker) Option {
	return func(e *Evaluator) { e.equipment = c }
}

func WithStaffChecker(c StaffChecker) Option {
	return func(e *Evaluator) { e.staff = c }
}

// WithCleaningEstimate sets how long a CLEANING bed is expected to stay out
// of use when ranking alternatives.
func WithCleaningEstimate(d time.Duration) Option {
	return func(e *Evaluator) { e.cleaningEstimate = d }
}

// Evaluator is read-only. Its answers are advisory; commit decisions are
// re-checked under the bed lock by the reservation manager.
type Evaluator struct {
	beds  *bed.Registry
	res   *reservation.Manager
	index WorkflowIndex

	equipment        EquipmentChecker
	staff            StaffChecker
	cleaningEstimate time.Duration
	maxAlternatives  int
	logger           zerolog.Logger
}

func NewEvaluator(beds *bed.Registry, res *reservation.Manager, index WorkflowIndex, logger zerolog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		beds:             beds,
		res:              res,
		index:            index,
		cleaningEstimate: DefaultCleaningEstimate,
		maxAlternatives:  DefaultMaxAlternatives,
		logger:           logger.With().Str("component", "capacity_evaluator").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CheckConflicts lists everything standing in the way of moving the patient
// into the destination bed for the window. Having conflicts is not an error;
// only unknown ids and malformed windows are.
func (e *Evaluator) CheckConflicts(ctx context.Context, q ConflictQuery) (*ConflictReport, error) {
	const op = "check_conflicts"
	if q.Window.Empty() {
		return nil, apperr.Validation(op, "window must end after it starts")
	}
	dest, err := e.beds.GetBed(ctx, q.DestinationBedID)
	if err != nil {
		return nil, err
	}

	now := e.beds.Now()
	report := &ConflictReport{CheckedAt: now, Conflicts: []Conflict{}, Alternatives: []Alternative{}}

	bedConflicts, err := e.bedConflicts(ctx, dest, q, now)
	if err != nil {
		return nil, err
	}
	report.Conflicts = append(report.Conflicts, bedConflicts...)

	if q.PatientID != uuid.Nil {
		pc, err := e.patientConflicts(ctx, q)
		if err != nil {
			return nil, err
		}
		report.Conflicts = append(report.Conflicts, pc...)
	}

	ext, warnings := e.collaboratorConflicts(ctx, dest, q)
	report.Conflicts = append(report.Conflicts, ext...)
	report.Warnings = append(report.Warnings, warnings...)

	report.HasConflicts = len(report.Conflicts) > 0
	if report.HasConflicts {
		alts, err := e.alternatives(ctx, dest, q, now)
		if err != nil {
			// Alternatives are a courtesy; the report stands without them.
			e.logger.Warn().Err(err).Msg("failed to compute alternative beds")
			report.Warnings = append(report.Warnings, "alternative beds unavailable")
		} else {
			report.Alternatives = alts
		}
	}
	return report, nil
}

func (e *Evaluator) bedConflicts(ctx context.Context, dest *bed.Bed, q ConflictQuery, now time.Time) ([]Conflict, error) {
	var out []Conflict
	switch dest.Status {
	case bed.StatusMaintenance, bed.StatusBlocked, bed.StatusOutOfOrder:
		out = append(out, Conflict{
			Kind:    ConflictBedOutOfService,
			Message: fmt.Sprintf("bed %s is %s", dest.Code, dest.Status),
		})
	case bed.StatusOccupied:
		if dest.Occupant == nil || dest.Occupant.PatientID != q.PatientID {
			msg := fmt.Sprintf("bed %s is occupied", dest.Code)
			var ref *uuid.UUID
			if dest.Occupant != nil {
				id := dest.Occupant.AdmissionID
				ref = &id
			}
			out = append(out, Conflict{Kind: ConflictBedCommitted, Message: msg, ReferenceID: ref})
		}
	case bed.StatusCleaning:
		ready := e.readyAt(dest, now)
		if q.Window.From.Before(ready) {
			out = append(out, Conflict{
				Kind:    ConflictBedCommitted,
				Message: fmt.Sprintf("bed %s is being cleaned until about %s", dest.Code, ready.Format(time.RFC3339)),
			})
		}
	}

	pending, err := e.res.List(ctx, reservation.Filter{
		BedID:       &dest.ID,
		Statuses:    reservation.PendingStatuses,
		Overlapping: &q.Window,
	})
	if err != nil {
		return nil, err
	}
	for _, r := range pending {
		if ignored(r.ID, q.IgnoreReservationID) || (r.MovementID != nil && ignored(*r.MovementID, q.IgnoreMovementID)) {
			continue
		}
		if r.Elapsed(now) {
			continue
		}
		id := r.ID
		out = append(out, Conflict{
			Kind:        ConflictBedCommitted,
			Message:     fmt.Sprintf("bed %s is held by a %s reservation until %s", dest.Code, r.Type, r.ReservedUntil.Format(time.RFC3339)),
			ReferenceID: &id,
		})
	}
	return out, nil
}

func (e *Evaluator) patientConflicts(ctx context.Context, q ConflictQuery) ([]Conflict, error) {
	var out []Conflict
	seen := make(map[uuid.UUID]bool)

	holds, err := e.res.List(ctx, reservation.Filter{
		PatientID:   &q.PatientID,
		Statuses:    reservation.PendingStatuses,
		Overlapping: &q.Window,
	})
	if err != nil {
		return nil, err
	}
	for _, r := range holds {
		if ignored(r.ID, q.IgnoreReservationID) || r.BedID == q.DestinationBedID {
			continue
		}
		if r.MovementID != nil {
			if ignored(*r.MovementID, q.IgnoreMovementID) {
				continue
			}
			seen[*r.MovementID] = true
		}
		id := r.ID
		out = append(out, Conflict{
			Kind:        ConflictPatientScheduled,
			Message:     fmt.Sprintf("patient already holds a %s reservation in this window", r.Type),
			ReferenceID: &id,
		})
	}

	if e.index == nil {
		return out, nil
	}
	moves, err := e.index.PatientMovements(ctx, q.PatientID, q.Window)
	if err != nil {
		return nil, err
	}
	for _, m := range moves {
		if seen[m.ID] || ignored(m.ID, q.IgnoreMovementID) {
			continue
		}
		id := m.ID
		out = append(out, Conflict{
			Kind:        ConflictPatientScheduled,
			Message:     fmt.Sprintf("patient has an open %s (%s)", strings.ToLower(string(m.Kind)), m.Status),
			ReferenceID: &id,
		})
	}
	return out, nil
}

// collaboratorConflicts queries equipment and staff concurrently. A failing
// collaborator becomes a warning, never an error.
func (e *Evaluator) collaboratorConflicts(ctx context.Context, dest *bed.Bed, q ConflictQuery) ([]Conflict, []string) {
	var (
		mu        sync.Mutex
		conflicts []Conflict
		warnings  []string
	)
	warn := func(msg string, err error) {
		e.logger.Warn().Err(err).Str("bed_id", dest.ID.String()).Msg(msg)
		mu.Lock()
		warnings = append(warnings, msg)
		mu.Unlock()
	}

	// A failing collaborator becomes a warning and must not cancel the
	// other check, so the goroutines never return an error.
	var g errgroup.Group
	if e.equipment != nil && len(q.RequiredEquipment) > 0 {
		g.Go(func() error {
			ans, err := e.equipment.CheckEquipment(ctx, EquipmentQuery{
				BedID:        dest.ID,
				DepartmentID: dest.DepartmentID,
				Items:        q.RequiredEquipment,
				Window:       q.Window,
			})
			if err != nil {
				warn("equipment availability unknown", err)
				return nil
			}
			if len(ans.Missing) > 0 {
				mu.Lock()
				conflicts = append(conflicts, Conflict{
					Kind:    ConflictEquipmentUnavailable,
					Message: "unavailable equipment: " + strings.Join(ans.Missing, ", "),
				})
				mu.Unlock()
			}
			return nil
		})
	}
	if e.staff != nil {
		g.Go(func() error {
			ans, err := e.staff.CheckStaff(ctx, StaffQuery{
				DepartmentID: dest.DepartmentID,
				BedType:      dest.BedType,
				Window:       q.Window,
			})
			if err != nil {
				warn("staff availability unknown", err)
				return nil
			}
			if !ans.Available {
				msg := fmt.Sprintf("%d of %d required staff on duty", ans.OnDuty, ans.Required)
				if ans.Detail != "" {
					msg += ": " + ans.Detail
				}
				mu.Lock()
				conflicts = append(conflicts, Conflict{Kind: ConflictStaffUnavailable, Message: msg})
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	sort.SliceStable(conflicts, func(i, j int) bool { return conflicts[i].Kind < conflicts[j].Kind })
	sort.Strings(warnings)
	return conflicts, warnings
}

// alternatives ranks same-type beds that can host the window: department
// match first, then soonest availability, then bed id.
func (e *Evaluator) alternatives(ctx context.Context, dest *bed.Bed, q ConflictQuery, now time.Time) ([]Alternative, error) {
	candidates, err := e.beds.ListByFilter(ctx, bed.Filter{
		BedType:  dest.BedType,
		Statuses: []bed.OccupancyStatus{bed.StatusAvailable, bed.StatusReserved, bed.StatusCleaning},
	})
	if err != nil {
		return nil, err
	}

	out := make([]Alternative, 0, len(candidates))
	for _, b := range candidates {
		if b.ID == dest.ID {
			continue
		}
		from := q.Window.From
		if from.Before(now) {
			from = now
		}
		if b.Status == bed.StatusCleaning {
			if ready := e.readyAt(b, now); ready.After(from) {
				from = ready
			}
		}
		if b.Status != bed.StatusAvailable {
			busy, err := e.res.List(ctx, reservation.Filter{
				BedID:       &b.ID,
				Statuses:    reservation.PendingStatuses,
				Overlapping: &q.Window,
			})
			if err != nil {
				return nil, err
			}
			if len(busy) > 0 {
				continue
			}
		}
		out = append(out, Alternative{
			BedID:          b.ID,
			Code:           b.Code,
			BedType:        b.BedType,
			DepartmentID:   b.DepartmentID,
			Room:           b.Room,
			Status:         b.Status,
			AvailableFrom:  from,
			SameDepartment: b.DepartmentID == dest.DepartmentID,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.SameDepartment != b.SameDepartment {
			return a.SameDepartment
		}
		if !a.AvailableFrom.Equal(b.AvailableFrom) {
			return a.AvailableFrom.Before(b.AvailableFrom)
		}
		return bytes.Compare(a.BedID[:], b.BedID[:]) < 0
	})
	if len(out) > e.maxAlternatives {
		out = out[:e.maxAlternatives]
	}
	return out, nil
}

func (e *Evaluator) readyAt(b *bed.Bed, now time.Time) time.Time {
	ready := b.LastUpdated.Add(e.cleaningEstimate)
	if ready.Before(now) {
		return now
	}
	return ready
}

// CapacitySnapshot aggregates the committed bed states of one department, or
// of the whole hospital when departmentID is empty.
func (e *Evaluator) CapacitySnapshot(ctx context.Context, departmentID string) (*Snapshot, error) {
	beds, err := e.beds.ListByFilter(ctx, bed.Filter{DepartmentID: departmentID})
	if err != nil {
		return nil, err
	}
	s := &Snapshot{DepartmentID: departmentID}
	for _, b := range beds {
		s.add(b)
	}
	s.finish(e.beds.Now())
	return s, nil
}

// CapacityByDepartment returns the hospital-wide snapshot and one per
// department from a single listing.
func (e *Evaluator) CapacityByDepartment(ctx context.Context) (*Snapshot, map[string]*Snapshot, error) {
	beds, err := e.beds.ListByFilter(ctx, bed.Filter{})
	if err != nil {
		return nil, nil, err
	}
	now := e.beds.Now()
	total := &Snapshot{}
	depts := make(map[string]*Snapshot)
	for _, b := range beds {
		total.add(b)
		s, ok := depts[b.DepartmentID]
		if !ok {
			s = &Snapshot{DepartmentID: b.DepartmentID}
			depts[b.DepartmentID] = s
		}
		s.add(b)
	}
	total.finish(now)
	for _, s := range depts {
		s.finish(now)
	}
	return total, depts, nil
}

// EnsureNoOpenWorkflow fails with ConflictingWorkflow while a transfer or
// discharge of the admission is still in flight.
func (e *Evaluator) EnsureNoOpenWorkflow(ctx context.Context, admissionID uuid.UUID) error {
	if e.index == nil {
		return nil
	}
	open, err := e.index.OpenWorkflows(ctx, admissionID)
	if err != nil {
		return err
	}
	for _, w := range open {
		if w.Kind == WorkflowTransfer || w.Kind == WorkflowDischarge {
			return apperr.ConflictingWorkflow("ensure_no_open_workflow",
				"admission %s already has a %s %s (%s)", admissionID, strings.ToLower(string(w.Kind)), w.ID, w.Status)
		}
	}
	return nil
}

// Index exposes the workflow index to read-side consumers such as the
// forecast.
func (e *Evaluator) Index() WorkflowIndex { return e.index }

func ignored(id uuid.UUID, skip *uuid.UUID) bool {
	return skip != nil && *skip == id
}
