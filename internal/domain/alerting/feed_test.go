package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataclinica/bedflow/internal/domain/bed"
	"github.com/dataclinica/bedflow/internal/domain/capacity"
	"github.com/dataclinica/bedflow/internal/domain/reservation"
	"github.com/dataclinica/bedflow/internal/platform/apperr"
	"github.com/dataclinica/bedflow/internal/platform/db"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeIndex struct {
	planned []capacity.PlannedDischarge
	err     error
}

func (f *fakeIndex) OpenWorkflows(context.Context, uuid.UUID) ([]capacity.WorkflowRef, error) {
	return nil, nil
}

func (f *fakeIndex) PatientMovements(context.Context, uuid.UUID, reservation.Window) ([]capacity.WorkflowRef, error) {
	return nil, nil
}

func (f *fakeIndex) PlannedDischarges(_ context.Context, until time.Time) ([]capacity.PlannedDischarge, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []capacity.PlannedDischarge
	for _, p := range f.planned {
		if !p.ExpectedAt.After(until) {
			out = append(out, p)
		}
	}
	return out, nil
}

type fixture struct {
	reg   *bed.Registry
	res   *reservation.Manager
	feed  *Feed
	index *fakeIndex
	clock *testClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := bed.NewRegistry(bed.NewMemoryRepo(), db.MemoryTransactor{}, zerolog.Nop())
	clock := &testClock{now: t0}
	reg.SetClock(clock.Now)
	res := reservation.NewManager(reg, reservation.NewMemoryRepo(), zerolog.Nop())
	idx := &fakeIndex{}
	eval := capacity.NewEvaluator(reg, res, idx, zerolog.Nop())
	feed := NewFeed(reg, res, eval, NewMemoryRepo(), zerolog.Nop(), opts...)
	return &fixture{reg: reg, res: res, feed: feed, index: idx, clock: clock}
}

func (f *fixture) beds(t *testing.T, dept string, n int) []*bed.Bed {
	t.Helper()
	out := make([]*bed.Bed, n)
	for i := range out {
		b, err := f.reg.Register(context.Background(), &bed.Bed{Code: fmt.Sprintf("%s-%d", dept, i), BedType: "WARD", DepartmentID: dept})
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

// occupy puts a patient in the bed through a fulfilled reservation.
func (f *fixture) occupy(t *testing.T, b *bed.Bed) {
	t.Helper()
	err := f.reg.Update(context.Background(), []uuid.UUID{b.ID}, func(tx *bed.Tx) error {
		now := tx.Now()
		r, err := f.res.CreateLocked(tx, reservation.CreateRequest{
			BedID:  b.ID,
			Window: reservation.Window{From: now, Until: now.Add(time.Hour)},
			Type:   reservation.TypeAdmission,
		})
		if err != nil {
			return err
		}
		if _, err := f.res.FulfillLocked(tx, r.ID); err != nil {
			return err
		}
		return tx.SetStatus(b.ID, bed.StatusOccupied, "nurse", &bed.OccupantRef{PatientID: uuid.New(), AdmissionID: uuid.New()})
	})
	require.NoError(t, err)
}

func (f *fixture) openAlerts(t *testing.T) []*Alert {
	t.Helper()
	open := true
	list, err := f.feed.List(context.Background(), Filter{Open: &open})
	require.NoError(t, err)
	return list
}

func TestEvaluate_HighOccupancyOpensAndResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	beds := f.beds(t, "icu", 10)
	for _, b := range beds[:9] {
		f.occupy(t, b)
	}

	opened := f.feed.Evaluate(ctx)
	require.Len(t, opened, 2, "department and hospital-wide")
	for _, a := range opened {
		assert.Equal(t, TypeHighOccupancy, a.Type)
		assert.Equal(t, SeverityWarning, a.Severity)
		assert.InDelta(t, 0.9, a.Value, 1e-9)
		assert.Equal(t, DefaultHighOccupancy, a.Threshold)
	}

	assert.Empty(t, f.feed.Evaluate(ctx), "an open alert is not raised twice")
	assert.Len(t, f.openAlerts(t), 2)

	f.clock.Advance(time.Minute)
	_, err := f.reg.SetStatus(ctx, beds[0].ID, bed.StatusCleaning, "nurse", nil, time.Time{})
	require.NoError(t, err)

	assert.Empty(t, f.feed.Evaluate(ctx))
	assert.Empty(t, f.openAlerts(t))

	resolved := false
	list, err := f.feed.List(ctx, Filter{Open: &resolved})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, t0.Add(time.Minute), *list[0].ResolvedAt)
}

func TestEvaluate_ShortageSupersedesHighOccupancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	beds := f.beds(t, "icu", 4)
	f.beds(t, "ward", 16)
	for _, b := range beds {
		f.occupy(t, b)
	}

	opened := f.feed.Evaluate(ctx)
	require.Len(t, opened, 1, "hospital-wide rate is 0.2")
	a := opened[0]
	assert.Equal(t, TypeCapacityShortage, a.Type)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, "icu", a.DepartmentID)
	assert.Contains(t, a.Message, "0 of 4 beds free")
}

func TestEvaluate_OutOfServiceBedsLeaveRateUndefined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.beds(t, "lab", 1)[0]
	_, err := f.reg.SetStatus(ctx, b.ID, bed.StatusOutOfOrder, "eng", nil, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, f.feed.Evaluate(ctx))
}

func TestEvaluate_StaleReservation(t *testing.T) {
	f := newFixture(t, WithGrace(30*time.Minute))
	ctx := context.Background()
	b := f.beds(t, "ward", 1)[0]
	r, err := f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:    b.ID,
		Window:   reservation.Window{From: t0, Until: t0.Add(4 * time.Hour)},
		Type:     reservation.TypeTransfer,
		Priority: reservation.PriorityUrgent,
	})
	require.NoError(t, err)

	f.clock.Advance(29 * time.Minute)
	assert.Empty(t, f.feed.Evaluate(ctx))

	f.clock.Advance(2 * time.Minute)
	opened := f.feed.Evaluate(ctx)
	require.Len(t, opened, 1)
	a := opened[0]
	assert.Equal(t, TypeReservationConflict, a.Type)
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.Equal(t, r.ID, *a.ReservationID)
	assert.Equal(t, b.ID, *a.BedID)
	assert.Equal(t, "ward", a.DepartmentID)

	_, err = f.res.ConfirmReservation(ctx, r.ID, "nurse")
	require.NoError(t, err)
	assert.Empty(t, f.feed.Evaluate(ctx))
	assert.Empty(t, f.openAlerts(t), "confirmed hold is no longer stale")
}

func TestEvaluate_HooksSeeOpenAndResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.beds(t, "icu", 1)[0]

	var mu sync.Mutex
	var seen []bool
	f.feed.OnAlert(func(_ context.Context, a *Alert) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, a.Open())
	})

	f.occupy(t, b)
	f.feed.Evaluate(ctx)
	_, err := f.reg.SetStatus(ctx, b.ID, bed.StatusCleaning, "nurse", nil, time.Time{})
	require.NoError(t, err)
	f.feed.Evaluate(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, true, false, false}, seen)
}

func TestAcknowledge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.occupy(t, f.beds(t, "icu", 1)[0])
	opened := f.feed.Evaluate(ctx)
	require.NotEmpty(t, opened)
	id := opened[0].ID

	f.clock.Advance(time.Minute)
	a, err := f.feed.Acknowledge(ctx, id, "charge-nurse")
	require.NoError(t, err)
	assert.Equal(t, "charge-nurse", a.AcknowledgedBy)
	assert.Equal(t, t0.Add(time.Minute), *a.AcknowledgedAt)
	assert.True(t, a.Open(), "acknowledging does not resolve")

	a, err = f.feed.Acknowledge(ctx, id, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "charge-nurse", a.AcknowledgedBy)

	_, err = f.feed.Acknowledge(ctx, uuid.New(), "x")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	_, err = f.feed.Acknowledge(ctx, id, "")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestStats_FromObservedChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reg.AddObserver(f.feed)
	beds := f.beds(t, "icu", 4)

	f.occupy(t, beds[0])
	f.clock.Advance(time.Hour)
	f.occupy(t, beds[1])
	f.clock.Advance(time.Hour)
	_, err := f.reg.SetStatus(ctx, beds[0].ID, bed.StatusCleaning, "nurse", nil, time.Time{})
	require.NoError(t, err)

	st := f.feed.Stats("icu", t0, t0.Add(3*time.Hour))
	// Each occupy commits two changes, both sampled after commit:
	// 0.25, 0.25, 0.5, 0.5, then 0.25 after cleaning.
	require.Equal(t, 5, st.Samples)
	assert.Equal(t, 0.5, st.PeakRate)
	assert.Equal(t, t0.Add(time.Hour), *st.PeakAt)
	assert.Equal(t, 0.25, st.MinRate)
	assert.InDelta(t, 0.35, st.AverageRate, 1e-9)

	empty := f.feed.Stats("icu", t0.Add(-48*time.Hour), t0.Add(-24*time.Hour))
	assert.Zero(t, empty.Samples)
	assert.Nil(t, empty.PeakAt)

	assert.Zero(t, f.feed.Stats("nowhere", t0, t0.Add(time.Hour)).Samples)
}

func TestForecast_ArrivalsAndDischarges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	beds := f.beds(t, "med", 4)
	f.occupy(t, beds[0])
	f.occupy(t, beds[1])

	_, err := f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:  beds[2].ID,
		Window: reservation.Window{From: t0.Add(2 * time.Hour), Until: t0.Add(4 * time.Hour)},
		Type:   reservation.TypeAdmission,
	})
	require.NoError(t, err)
	_, err = f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:  beds[3].ID,
		Window: reservation.Window{From: t0.Add(time.Hour), Until: t0.Add(2 * time.Hour)},
		Type:   reservation.TypeMaintenance,
	})
	require.NoError(t, err)
	f.index.planned = []capacity.PlannedDischarge{
		{BedID: beds[0].ID, DepartmentID: "med", ExpectedAt: t0.Add(5 * time.Hour)},
		{BedID: uuid.New(), DepartmentID: "surgery", ExpectedAt: t0.Add(time.Hour)},
	}

	fc := f.feed.Forecast(ctx, "med", 6*time.Hour, time.Hour)
	assert.Empty(t, fc.Warnings)
	assert.Equal(t, 2, fc.Occupied)
	assert.Equal(t, 4, fc.InService)
	require.Len(t, fc.Points, 6)

	want := []int{2, 3, 3, 3, 2, 2}
	for i, p := range fc.Points {
		assert.Equal(t, t0.Add(time.Duration(i+1)*time.Hour), p.At)
		assert.Equal(t, want[i], p.ProjectedOccupied, "point %d", i)
	}
	assert.Equal(t, 0.75, fc.Points[1].ProjectedRate)
	for i := 1; i < len(fc.Points); i++ {
		assert.Less(t, fc.Points[i].Confidence, fc.Points[i-1].Confidence)
	}
}

func TestForecast_DegradesWithoutDischarges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.occupy(t, f.beds(t, "med", 2)[0])
	healthy := f.feed.Forecast(ctx, "med", 2*time.Hour, time.Hour)

	f.index.err = errors.New("movement store down")
	fc := f.feed.Forecast(ctx, "med", 2*time.Hour, time.Hour)
	assert.Equal(t, []string{"planned discharges unavailable"}, fc.Warnings)
	require.Len(t, fc.Points, 2)
	assert.Less(t, fc.Points[0].Confidence, healthy.Points[0].Confidence)
}

func TestForecast_ClampsStep(t *testing.T) {
	f := newFixture(t)
	fc := f.feed.Forecast(context.Background(), "", 2*time.Hour, time.Minute)
	assert.Equal(t, "15m0s", fc.Step)
	assert.Len(t, fc.Points, 8)

	fc = f.feed.Forecast(context.Background(), "", 0, 0)
	assert.Len(t, fc.Points, 24)
}

func TestHistory_RingOverwritesOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Record(Sample{At: t0.Add(time.Duration(i) * time.Minute), Rate: float64(i)})
	}
	got := h.Range("", t0, t0.Add(time.Hour))
	require.Len(t, got, 3)
	assert.Equal(t, []float64{2, 3, 4}, []float64{got[0].Rate, got[1].Rate, got[2].Rate})
}
