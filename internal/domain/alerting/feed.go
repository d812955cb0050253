// Package alerting derives capacity alerts from the bed registry and the
// reservation book, and keeps the occupancy history behind the forecast and
// stats endpoints. Nothing here writes bed or reservation state.
package alerting

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/capacity"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
)

const (
	DefaultHighOccupancy    = 0.85
	DefaultCapacityShortage = 0.95
	DefaultGrace            = 30 * time.Minute

	DefaultHorizon = 24 * time.Hour
	DefaultStep    = time.Hour
	minStep        = 15 * time.Minute
	maxPoints      = 168
	// Samples per day under which forecast confidence is reduced.
	denseHistory = 12
)

// AlertHook observes alerts as they open or resolve.
type AlertHook func(ctx context.Context, a *Alert)

type Option func(*Feed)

// WithThresholds sets the occupancy rates that open HIGH_OCCUPANCY and
// CAPACITY_SHORTAGE alerts.
func WithThresholds(high, shortage float64) Option {
	return func(f *Feed) {
		if high > 0 {
			f.high = high
		}
		if shortage > 0 {
			f.shortage = shortage
		}
	}
}

// WithGrace sets how long an ACTIVE hold may sit past its start before it
// is reported stale.
func WithGrace(d time.Duration) Option {
	return func(f *Feed) {
		if d > 0 {
			f.grace = d
		}
	}
}

func WithHistory(h *History) Option {
	return func(f *Feed) { f.history = h }
}

type Feed struct {
	beds  *bed.Registry
	res   *reservation.Manager
	eval  *capacity.Evaluator
	repo  Repository
	index capacity.WorkflowIndex

	high, shortage float64
	grace          time.Duration
	history        *History

	evalMu sync.Mutex
	hookMu sync.RWMutex
	hooks  []AlertHook
	logger zerolog.Logger
}

func NewFeed(beds *bed.Registry, res *reservation.Manager, eval *capacity.Evaluator, repo Repository, logger zerolog.Logger, opts ...Option) *Feed {
	f := &Feed{
		beds:     beds,
		res:      res,
		eval:     eval,
		repo:     repo,
		index:    eval.Index(),
		high:     DefaultHighOccupancy,
		shortage: DefaultCapacityShortage,
		grace:    DefaultGrace,
		logger:   logger.With().Str("component", "alerting").Logger(),
	}
	for _, o := range opts {
		o(f)
	}
	if f.history == nil {
		f.history = NewHistory(DefaultHistorySize)
	}
	return f
}

func (f *Feed) OnAlert(h AlertHook) {
	f.hookMu.Lock()
	defer f.hookMu.Unlock()
	f.hooks = append(f.hooks, h)
}

func (f *Feed) emit(ctx context.Context, a *Alert) {
	f.hookMu.RLock()
	hooks := make([]AlertHook, len(f.hooks))
	copy(hooks, f.hooks)
	f.hookMu.RUnlock()
	for _, h := range hooks {
		h(ctx, a.Clone())
	}
}

// Evaluate opens alerts for every condition that holds now and resolves
// open alerts whose condition cleared. It returns the newly opened alerts.
// Failures are logged; a condition that could not be evaluated leaves its
// alerts untouched.
func (f *Feed) Evaluate(ctx context.Context) []*Alert {
	f.evalMu.Lock()
	defer f.evalMu.Unlock()
	now := f.beds.Now()

	want := make(map[conditionKey]*Alert)
	evaluated := make(map[Type]bool)

	if total, depts, err := f.eval.CapacityByDepartment(ctx); err != nil {
		f.logger.Warn().Err(err).Msg("occupancy evaluation skipped")
	} else {
		evaluated[TypeHighOccupancy] = true
		evaluated[TypeCapacityShortage] = true
		total.DepartmentID = ""
		for _, s := range append([]*capacity.Snapshot{total}, sortedSnapshots(depts)...) {
			f.history.Record(sampleOf(s, now))
			if a := f.occupancyAlert(s, now); a != nil {
				want[a.key()] = a
			}
		}
	}

	if stale, err := f.staleReservations(ctx, now); err != nil {
		f.logger.Warn().Err(err).Msg("stale reservation evaluation skipped")
	} else {
		evaluated[TypeReservationConflict] = true
		for _, a := range stale {
			want[a.key()] = a
		}
	}

	open := true
	current, err := f.repo.List(ctx, Filter{Open: &open})
	if err != nil {
		f.logger.Warn().Err(err).Msg("listing open alerts failed")
		return nil
	}

	for _, a := range current {
		if _, still := want[a.key()]; still {
			delete(want, a.key())
			continue
		}
		if !evaluated[a.Type] {
			continue
		}
		a.ResolvedAt = &now
		if err := f.repo.Update(ctx, a); err != nil {
			f.logger.Warn().Err(err).Str("alert_id", a.ID.String()).Msg("resolving alert failed")
			continue
		}
		f.logger.Info().Str("alert_id", a.ID.String()).Str("type", string(a.Type)).Msg("alert resolved")
		f.emit(ctx, a)
	}

	opened := make([]*Alert, 0, len(want))
	for _, a := range want {
		opened = append(opened, a)
	}
	sort.Slice(opened, func(i, j int) bool {
		if opened[i].Type != opened[j].Type {
			return opened[i].Type < opened[j].Type
		}
		return opened[i].DepartmentID < opened[j].DepartmentID
	})
	created := opened[:0]
	for _, a := range opened {
		if err := f.repo.Create(ctx, a); err != nil {
			f.logger.Warn().Err(err).Str("type", string(a.Type)).Msg("opening alert failed")
			continue
		}
		f.logger.Info().Str("alert_id", a.ID.String()).Str("type", string(a.Type)).
			Str("department_id", a.DepartmentID).Msg("alert opened")
		f.emit(ctx, a)
		created = append(created, a)
	}
	return created
}

func (f *Feed) occupancyAlert(s *capacity.Snapshot, now time.Time) *Alert {
	if s.InService == 0 {
		return nil
	}
	scope := "hospital"
	if s.DepartmentID != "" {
		scope = "department " + s.DepartmentID
	}
	a := &Alert{
		ID:           uuid.New(),
		DepartmentID: s.DepartmentID,
		Value:        s.OccupancyRate,
		TriggeredAt:  now,
	}
	switch {
	case s.OccupancyRate >= f.shortage:
		a.Type, a.Severity, a.Threshold = TypeCapacityShortage, SeverityCritical, f.shortage
		a.Message = fmt.Sprintf("%s at %.0f%% occupancy, %d of %d beds free", scope, s.OccupancyRate*100, s.Available, s.InService)
	case s.OccupancyRate >= f.high:
		a.Type, a.Severity, a.Threshold = TypeHighOccupancy, SeverityWarning, f.high
		a.Message = fmt.Sprintf("%s at %.0f%% occupancy", scope, s.OccupancyRate*100)
	default:
		return nil
	}
	return a
}

// staleReservations reports ACTIVE holds whose start passed more than grace
// ago without being confirmed or fulfilled.
func (f *Feed) staleReservations(ctx context.Context, now time.Time) ([]*Alert, error) {
	holds, err := f.res.List(ctx, reservation.Filter{Statuses: []reservation.Status{reservation.StatusActive}})
	if err != nil {
		return nil, err
	}
	var out []*Alert
	for _, r := range holds {
		if !now.After(r.ReservedFrom.Add(f.grace)) || r.Elapsed(now) {
			continue
		}
		b, err := f.beds.GetBed(ctx, r.BedID)
		if err != nil {
			return nil, err
		}
		resID, bedID := r.ID, r.BedID
		late := now.Sub(r.ReservedFrom)
		out = append(out, &Alert{
			ID:            uuid.New(),
			Type:          TypeReservationConflict,
			Severity:      severityFor(r.Priority),
			DepartmentID:  b.DepartmentID,
			ReservationID: &resID,
			BedID:         &bedID,
			Message:       fmt.Sprintf("%s reservation on bed %s unfulfilled %s after start", r.Type, b.Code, late.Truncate(time.Minute)),
			Value:         late.Minutes(),
			Threshold:     f.grace.Minutes(),
			TriggeredAt:   now,
		})
	}
	return out, nil
}

func severityFor(p reservation.Priority) Severity {
	switch {
	case p.Rank() >= reservation.PriorityUrgent.Rank():
		return SeverityCritical
	case p == reservation.PriorityHigh:
		return SeverityWarning
	}
	return SeverityInfo
}

// Acknowledge records who saw the alert. It never changes bed or
// reservation state; a repeat acknowledgement keeps the first one.
func (f *Feed) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*Alert, error) {
	if actor == "" {
		return nil, apperr.Validation("acknowledge_alert", "actor is required")
	}
	a, err := f.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.AcknowledgedAt != nil {
		return a, nil
	}
	now := f.beds.Now()
	a.AcknowledgedBy = actor
	a.AcknowledgedAt = &now
	if err := f.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (f *Feed) Get(ctx context.Context, id uuid.UUID) (*Alert, error) {
	return f.repo.Get(ctx, id)
}

func (f *Feed) List(ctx context.Context, filter Filter) ([]*Alert, error) {
	return f.repo.List(ctx, filter)
}

// BedChanged records occupancy samples for the bed's department and the
// hospital after every committed status change.
func (f *Feed) BedChanged(ctx context.Context, ch bed.Change) {
	for _, dept := range []string{ch.DepartmentID, ""} {
		s, err := f.eval.CapacitySnapshot(ctx, dept)
		if err != nil {
			f.logger.Warn().Err(err).Str("department_id", dept).Msg("occupancy sample skipped")
			continue
		}
		f.history.Record(sampleOf(s, ch.At))
	}
}

// Forecast projects occupancy from now to now+horizon in steps: current
// occupants, plus beds with a pending patient hold starting by then, minus
// beds with a planned discharge by then. It never fails; missing inputs
// are reported as warnings and lower the confidence.
func (f *Feed) Forecast(ctx context.Context, dept string, horizon, step time.Duration) *Forecast {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	if step <= 0 {
		step = DefaultStep
	}
	if step < minStep {
		step = minStep
	}
	if int(horizon/step) > maxPoints {
		step = horizon / maxPoints
	}
	now := f.beds.Now()
	out := &Forecast{DepartmentID: dept, AsOf: now, Horizon: horizon.String(), Step: step.String()}

	snap, err := f.eval.CapacitySnapshot(ctx, dept)
	if err != nil {
		f.logger.Warn().Err(err).Msg("forecast without current occupancy")
		out.Warnings = append(out.Warnings, "current occupancy unavailable")
		return out
	}
	out.Occupied, out.InService = snap.Occupied, snap.InService

	arrivals, err := f.arrivals(ctx, dept)
	if err != nil {
		f.logger.Warn().Err(err).Msg("forecast without arrivals")
		out.Warnings = append(out.Warnings, "pending arrivals unavailable")
	}
	departures, err := f.departures(ctx, dept, now.Add(horizon))
	if err != nil {
		f.logger.Warn().Err(err).Msg("forecast without departures")
		out.Warnings = append(out.Warnings, "planned discharges unavailable")
	}

	historyFactor := 0.5 + 0.5*math.Min(1, float64(len(f.history.Range(dept, now.Add(-24*time.Hour), now.Add(time.Nanosecond))))/denseHistory)
	if len(out.Warnings) > 0 {
		historyFactor *= 0.5
	}

	for at := now.Add(step); !at.After(now.Add(horizon)); at = at.Add(step) {
		in := countBefore(arrivals, at)
		gone := countBefore(departures, at)
		projected := snap.Occupied + in - gone
		if projected < 0 {
			projected = 0
		}
		if projected > snap.InService {
			projected = snap.InService
		}
		p := ForecastPoint{
			At:                at,
			ProjectedOccupied: projected,
			Arrivals:          in,
			Departures:        gone,
			Confidence:        round(historyFactor / (1 + at.Sub(now).Hours()/24)),
		}
		if snap.InService > 0 {
			p.ProjectedRate = round(float64(projected) / float64(snap.InService))
		}
		out.Points = append(out.Points, p)
	}
	return out
}

// arrivals returns, per bed in scope that is not occupied, the start of its
// earliest pending patient hold.
func (f *Feed) arrivals(ctx context.Context, dept string) ([]time.Time, error) {
	beds, err := f.beds.ListByFilter(ctx, bed.Filter{DepartmentID: dept})
	if err != nil {
		return nil, err
	}
	inScope := make(map[uuid.UUID]bool, len(beds))
	for _, b := range beds {
		if b.Status != bed.StatusOccupied {
			inScope[b.ID] = true
		}
	}
	holds, err := f.res.List(ctx, reservation.Filter{Statuses: reservation.PendingStatuses})
	if err != nil {
		return nil, err
	}
	first := make(map[uuid.UUID]time.Time)
	for _, r := range holds {
		if !inScope[r.BedID] || r.Type == reservation.TypeMaintenance || r.Type == reservation.TypeCleaning {
			continue
		}
		if t, ok := first[r.BedID]; !ok || r.ReservedFrom.Before(t) {
			first[r.BedID] = r.ReservedFrom
		}
	}
	out := make([]time.Time, 0, len(first))
	for _, t := range first {
		out = append(out, t)
	}
	return out, nil
}

func (f *Feed) departures(ctx context.Context, dept string, until time.Time) ([]time.Time, error) {
	if f.index == nil {
		return nil, nil
	}
	planned, err := f.index.PlannedDischarges(ctx, until)
	if err != nil {
		return nil, err
	}
	var out []time.Time
	for _, p := range planned {
		if dept == "" || p.DepartmentID == dept {
			out = append(out, p.ExpectedAt)
		}
	}
	return out, nil
}

// Stats summarises the recorded occupancy rate of a scope over
// [from, until). An empty range yields zero samples.
func (f *Feed) Stats(dept string, from, until time.Time) *Stats {
	out := &Stats{DepartmentID: dept, From: from, Until: until}
	samples := f.history.Range(dept, from, until)
	if len(samples) == 0 {
		return out
	}
	out.Samples = len(samples)
	out.MinRate = samples[0].Rate
	var sum float64
	for i, s := range samples {
		sum += s.Rate
		if i == 0 || s.Rate > out.PeakRate {
			out.PeakRate = s.Rate
			at := s.At
			out.PeakAt = &at
		}
		if s.Rate < out.MinRate {
			out.MinRate = s.Rate
		}
	}
	out.AverageRate = round(sum / float64(len(samples)))
	return out
}

func sampleOf(s *capacity.Snapshot, at time.Time) Sample {
	return Sample{At: at, DepartmentID: s.DepartmentID, Occupied: s.Occupied, InService: s.InService, Rate: s.OccupancyRate}
}

func sortedSnapshots(m map[string]*capacity.Snapshot) []*capacity.Snapshot {
	out := make([]*capacity.Snapshot, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DepartmentID < out[j].DepartmentID })
	return out
}

func countBefore(ts []time.Time, at time.Time) int {
	n := 0
	for _, t := range ts {
		if !t.After(at) {
			n++
		}
	}
	return n
}

func round(v float64) float64 { return math.Round(v*1000) / 1000 }
