package movement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
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

type recorder struct {
	mu      sync.Mutex
	billing []BillingEvent
	notes   []NotificationEvent
	fail    bool
}

func (r *recorder) PublishBilling(_ context.Context, ev BillingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("billing down")
	}
	r.billing = append(r.billing, ev)
	return nil
}

func (r *recorder) Notify(_ context.Context, ev NotificationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, ev)
	return nil
}

func (r *recorder) billingTypes() []BillingEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []BillingEventType
	for _, ev := range r.billing {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) noteTypes() []NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NotificationType
	for _, ev := range r.notes {
		out = append(out, ev.NotificationType)
	}
	return out
}

type fakeClearance struct {
	cleared bool
	err     error
}

func (f *fakeClearance) Cleared(context.Context, uuid.UUID) (bool, error) { return f.cleared, f.err }

type fixture struct {
	reg       *bed.Registry
	res       *reservation.Manager
	eng       *Engine
	clock     *testClock
	rec       *recorder
	clearance *fakeClearance
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := bed.NewRegistry(bed.NewMemoryRepo(), db.MemoryTransactor{}, zerolog.Nop())
	clock := &testClock{now: t0}
	reg.SetClock(clock.Now)
	res := reservation.NewManager(reg, reservation.NewMemoryRepo(), zerolog.Nop())
	repos := NewMemoryRepos()
	eval := capacity.NewEvaluator(reg, res, NewWorkflowIndex(repos, reg), zerolog.Nop())
	rec := &recorder{}
	clr := &fakeClearance{cleared: true}
	eng := NewEngine(reg, res, repos, eval, zerolog.Nop(),
		WithBillingPublisher(rec), WithNotifier(rec), WithClearanceChecker(clr))
	return &fixture{reg: reg, res: res, eng: eng, clock: clock, rec: rec, clearance: clr}
}

func (f *fixture) bed(t *testing.T, code string) *bed.Bed {
	t.Helper()
	b, err := f.reg.Register(context.Background(), &bed.Bed{Code: code, BedType: "WARD", DepartmentID: "med"})
	require.NoError(t, err)
	return b
}

func (f *fixture) bedState(t *testing.T, id uuid.UUID) *bed.Bed {
	t.Helper()
	b, err := f.reg.GetBed(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) admit(t *testing.T, bedID uuid.UUID) *Admission {
	t.Helper()
	adm, err := f.eng.Admit(context.Background(), AdmitRequest{PatientID: uuid.New(), BedID: bedID, Actor: "registrar"})
	require.NoError(t, err)
	return adm
}

// approvedTransfer walks a transfer to APPROVED.
func (f *fixture) approvedTransfer(t *testing.T, adm *Admission, to uuid.UUID) *Transfer {
	t.Helper()
	ctx := context.Background()
	tr, err := f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: to, Actor: "nurse"})
	require.NoError(t, err)
	_, err = f.eng.SubmitTransfer(ctx, tr.ID, "nurse")
	require.NoError(t, err)
	tr, err = f.eng.ApproveTransfer(ctx, tr.ID, "ok", "dr")
	require.NoError(t, err)
	return tr
}

func TestAdmit_OccupiesBed(t *testing.T) {
	f := newFixture(t)
	b := f.bed(t, "B1")

	adm := f.admit(t, b.ID)
	assert.Equal(t, AdmissionActive, adm.Status)
	require.NotNil(t, adm.ReservationID)

	got := f.bedState(t, b.ID)
	assert.Equal(t, bed.StatusOccupied, got.Status)
	require.NotNil(t, got.Occupant)
	assert.Equal(t, adm.ID, got.Occupant.AdmissionID)

	res, err := f.res.Get(context.Background(), *adm.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusFulfilled, res.Status)
	assert.Equal(t, []BillingEventType{BillingAdmissionStarted}, f.rec.billingTypes())
	assert.Contains(t, f.rec.noteTypes(), NotifyAdmissionActivated)
}

func TestScenarioA_AdmitWithExistingReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	patient := uuid.New()

	held, err := f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:     b.ID,
		Window:    reservation.Window{From: t0, Until: t0.Add(2 * time.Hour)},
		Type:      reservation.TypeAdmission,
		PatientID: &patient,
	})
	require.NoError(t, err)
	assert.Equal(t, bed.StatusReserved, f.bedState(t, b.ID).Status)

	adm, err := f.eng.Admit(ctx, AdmitRequest{PatientID: patient, BedID: b.ID, ReservationID: &held.ID})
	require.NoError(t, err)
	assert.Equal(t, held.ID, *adm.ReservationID)
	assert.Equal(t, bed.StatusOccupied, f.bedState(t, b.ID).Status)

	held, err = f.res.Get(ctx, held.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusFulfilled, held.Status)
}

func TestAdmit_RejectsReservationForOtherPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	other := uuid.New()
	held, err := f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:     b.ID,
		Window:    reservation.Window{From: t0, Until: t0.Add(time.Hour)},
		Type:      reservation.TypeAdmission,
		PatientID: &other,
	})
	require.NoError(t, err)

	_, err = f.eng.Admit(ctx, AdmitRequest{PatientID: uuid.New(), BedID: b.ID, ReservationID: &held.ID})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestAdmit_UnavailableBedIsRetryable(t *testing.T) {
	f := newFixture(t)
	b := f.bed(t, "B1")
	f.admit(t, b.ID)

	_, err := f.eng.Admit(context.Background(), AdmitRequest{PatientID: uuid.New(), BedID: b.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBedUnavailable))
	assert.True(t, apperr.Retryable(err))
	assert.Contains(t, err.Error(), "choose another")
}

func TestAdmit_RefusesBedHeldForAnotherPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	other := uuid.New()
	held, err := f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:     b.ID,
		Window:    reservation.Window{From: t0.Add(24 * time.Hour), Until: t0.Add(28 * time.Hour)},
		Type:      reservation.TypeAdmission,
		PatientID: &other,
	})
	require.NoError(t, err)

	_, err = f.eng.Admit(ctx, AdmitRequest{PatientID: uuid.New(), BedID: b.ID})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBedUnavailable))
	assert.True(t, apperr.Retryable(err))

	assert.Equal(t, bed.StatusReserved, f.bedState(t, b.ID).Status)
	pending, err := f.res.PendingOnBed(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, held.ID, pending[0].ID)

	_, err = f.eng.Admit(ctx, AdmitRequest{PatientID: uuid.New(), BedID: b.ID, Deferred: true})
	assert.True(t, errors.Is(err, apperr.ErrBedUnavailable), "a deferred admit must not stack on another patient's hold")
}

func TestAdmit_ExpiredHoldDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	_, err := f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:  b.ID,
		Window: reservation.Window{From: t0, Until: t0.Add(time.Hour)},
		Type:   reservation.TypeAdmission,
	})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	adm := f.admit(t, b.ID)
	assert.Equal(t, AdmissionActive, adm.Status)
	assert.Equal(t, bed.StatusOccupied, f.bedState(t, b.ID).Status)
}

func TestAdmit_OneOpenAdmissionPerPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b1, b2 := f.bed(t, "B1"), f.bed(t, "B2")
	adm := f.admit(t, b1.ID)

	_, err := f.eng.Admit(ctx, AdmitRequest{PatientID: adm.PatientID, BedID: b2.ID})
	assert.True(t, errors.Is(err, apperr.ErrConflictingWorkflow))
	assert.Equal(t, bed.StatusAvailable, f.bedState(t, b2.ID).Status, "failed admit must leave no hold")
}

func TestAdmit_DeferredThenActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	expected := t0.Add(time.Hour)

	adm, err := f.eng.Admit(ctx, AdmitRequest{PatientID: uuid.New(), BedID: b.ID, Deferred: true, ExpectedAt: &expected})
	require.NoError(t, err)
	assert.Equal(t, AdmissionRequested, adm.Status)
	assert.Equal(t, bed.StatusReserved, f.bedState(t, b.ID).Status)
	assert.Empty(t, f.rec.billingTypes())

	f.clock.Advance(time.Hour)
	adm, err = f.eng.ActivateAdmission(ctx, adm.ID, "nurse")
	require.NoError(t, err)
	assert.Equal(t, AdmissionActive, adm.Status)
	assert.Equal(t, bed.StatusOccupied, f.bedState(t, b.ID).Status)
}

func TestActivateAdmission_ExpiredHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")

	adm, err := f.eng.Admit(ctx, AdmitRequest{PatientID: uuid.New(), BedID: b.ID, Deferred: true})
	require.NoError(t, err)

	f.clock.Advance(DefaultHold + time.Minute)
	_, err = f.eng.ActivateAdmission(ctx, adm.ID, "nurse")
	assert.True(t, errors.Is(err, apperr.ErrReservationExpired))
}

func TestCancelAdmission_ReleasesBed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	adm, err := f.eng.Admit(ctx, AdmitRequest{PatientID: uuid.New(), BedID: b.ID, Deferred: true})
	require.NoError(t, err)

	adm, err = f.eng.CancelAdmission(ctx, adm.ID, "patient declined", "registrar")
	require.NoError(t, err)
	assert.Equal(t, AdmissionCancelled, adm.Status)
	assert.Equal(t, bed.StatusAvailable, f.bedState(t, b.ID).Status)

	_, err = f.eng.CancelAdmission(ctx, adm.ID, "again", "registrar")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestTransfer_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)

	tr, err := f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: dst.ID, Actor: "nurse"})
	require.NoError(t, err)
	assert.Equal(t, TransferRequested, tr.Status)
	assert.Equal(t, src.ID, tr.FromBedID)
	assert.Equal(t, bed.StatusAvailable, f.bedState(t, dst.ID).Status, "no hold before approval")

	tr, err = f.eng.SubmitTransfer(ctx, tr.ID, "nurse")
	require.NoError(t, err)
	assert.Equal(t, TransferPendingApproval, tr.Status)

	tr, err = f.eng.ApproveTransfer(ctx, tr.ID, "bed ready", "dr")
	require.NoError(t, err)
	assert.Equal(t, TransferApproved, tr.Status)
	require.NotNil(t, tr.ReservationID)
	assert.Equal(t, bed.StatusReserved, f.bedState(t, dst.ID).Status)

	at := t0.Add(30 * time.Minute)
	tr, err = f.eng.ScheduleTransfer(ctx, tr.ID, at, "nurse")
	require.NoError(t, err)
	assert.Equal(t, TransferScheduled, tr.Status)
	assert.Equal(t, at, *tr.ScheduledFor)
	held, err := f.res.Get(ctx, *tr.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusConfirmed, held.Status)

	f.clock.Advance(30 * time.Minute)
	tr, err = f.eng.StartTransfer(ctx, tr.ID, "porter")
	require.NoError(t, err)
	assert.Equal(t, TransferInProgress, tr.Status)
	assert.Equal(t, bed.StatusOccupied, f.bedState(t, src.ID).Status)

	tr, err = f.eng.CompleteTransfer(ctx, tr.ID, "nurse")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, tr.Status)

	assert.Equal(t, bed.StatusCleaning, f.bedState(t, src.ID).Status)
	dstBed := f.bedState(t, dst.ID)
	assert.Equal(t, bed.StatusOccupied, dstBed.Status)
	assert.Equal(t, adm.ID, dstBed.Occupant.AdmissionID)

	adm, err = f.eng.GetAdmission(ctx, adm.ID)
	require.NoError(t, err)
	assert.Equal(t, dst.ID, adm.BedID)
	assert.Equal(t, f.clock.Now(), *adm.BedAssignedAt)

	assert.Equal(t, []BillingEventType{BillingAdmissionStarted, BillingTransferCompleted}, f.rec.billingTypes())
	f.rec.mu.Lock()
	stay := f.rec.billing[1]
	f.rec.mu.Unlock()
	assert.Equal(t, src.ID, stay.BedID)
	assert.Equal(t, int64(3600), stay.StaySeconds)
}

func TestTransfer_RequiresActiveAdmissionAndOtherBed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "A1")
	adm := f.admit(t, b.ID)

	_, err := f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: b.ID})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: uuid.New()})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestTransfer_ApproveFailsWhenDestinationTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)

	tr, err := f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: dst.ID})
	require.NoError(t, err)
	_, err = f.eng.SubmitTransfer(ctx, tr.ID, "nurse")
	require.NoError(t, err)

	f.admit(t, dst.ID)

	_, err = f.eng.ApproveTransfer(ctx, tr.ID, "", "dr")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBedUnavailable))
	assert.Contains(t, err.Error(), "choose another")

	tr, err = f.eng.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferPendingApproval, tr.Status, "failed approval leaves the transfer unchanged")
}

func TestTransfer_ApproveRefusesDestinationHeldForAnotherPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	other := uuid.New()
	_, err := f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:     dst.ID,
		Window:    reservation.Window{From: t0.Add(24 * time.Hour), Until: t0.Add(28 * time.Hour)},
		Type:      reservation.TypeSurgery,
		PatientID: &other,
	})
	require.NoError(t, err)

	tr, err := f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: dst.ID})
	require.NoError(t, err)
	_, err = f.eng.SubmitTransfer(ctx, tr.ID, "nurse")
	require.NoError(t, err)

	_, err = f.eng.ApproveTransfer(ctx, tr.ID, "", "dr")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBedUnavailable))
	assert.Contains(t, err.Error(), "choose another")

	tr, err = f.eng.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferPendingApproval, tr.Status)
	assert.Nil(t, tr.ReservationID)
	pending, err := f.res.PendingOnBed(ctx, dst.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "only the other patient's hold remains")
}

func TestTransfer_CompleteRefusesDestinationHeldForAnotherPatient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)

	other := uuid.New()
	_, err := f.res.CreateReservation(ctx, reservation.CreateRequest{
		BedID:     dst.ID,
		Window:    reservation.Window{From: t0.Add(24 * time.Hour), Until: t0.Add(28 * time.Hour)},
		Type:      reservation.TypeSurgery,
		PatientID: &other,
	})
	require.NoError(t, err)

	_, err = f.eng.StartTransfer(ctx, tr.ID, "porter")
	require.NoError(t, err)
	_, err = f.eng.CompleteTransfer(ctx, tr.ID, "nurse")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrBedUnavailable))

	assert.Equal(t, bed.StatusOccupied, f.bedState(t, src.ID).Status)
	assert.Equal(t, bed.StatusReserved, f.bedState(t, dst.ID).Status)
	adm, err = f.eng.GetAdmission(ctx, adm.ID)
	require.NoError(t, err)
	assert.Equal(t, src.ID, adm.BedID)
}

func TestTransfer_CancelReleasesDestination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)

	tr, err := f.eng.CancelTransfer(ctx, tr.ID, "patient unstable", "dr")
	require.NoError(t, err)
	assert.Equal(t, TransferCancelled, tr.Status)
	assert.Equal(t, bed.StatusAvailable, f.bedState(t, dst.ID).Status)
	assert.Equal(t, bed.StatusOccupied, f.bedState(t, src.ID).Status)

	_, err = f.eng.CancelTransfer(ctx, tr.ID, "again", "dr")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
}

func TestTransfer_ScheduleExtendsHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)

	at := t0.Add(DefaultHold + time.Hour)
	tr, err := f.eng.ScheduleTransfer(ctx, tr.ID, at, "nurse")
	require.NoError(t, err)
	held, err := f.res.Get(ctx, *tr.ReservationID)
	require.NoError(t, err)
	assert.Equal(t, at.Add(DefaultHold), held.ReservedUntil)
}

func TestTransfer_StartAfterHoldExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)
	_, err := f.eng.ScheduleTransfer(ctx, tr.ID, time.Time{}, "nurse")
	require.NoError(t, err)

	f.clock.Advance(DefaultHold + time.Minute)
	_, err = f.eng.StartTransfer(ctx, tr.ID, "porter")
	assert.True(t, errors.Is(err, apperr.ErrReservationExpired))
}

func TestScenarioD_DischargeDuringTransferConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)
	_, err := f.eng.ScheduleTransfer(ctx, tr.ID, t0.Add(time.Hour), "nurse")
	require.NoError(t, err)

	_, err = f.eng.RequestDischarge(ctx, DischargeRequest{AdmissionID: adm.ID, Disposition: "HOME"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflictingWorkflow))
	assert.True(t, apperr.Retryable(err))

	// A second transfer is refused the same way.
	other := f.bed(t, "A3")
	_, err = f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: other.ID})
	assert.True(t, errors.Is(err, apperr.ErrConflictingWorkflow))
}

func TestScenarioE_CompleteTransferIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)
	_, err := f.eng.ScheduleTransfer(ctx, tr.ID, time.Time{}, "nurse")
	require.NoError(t, err)
	_, err = f.eng.StartTransfer(ctx, tr.ID, "porter")
	require.NoError(t, err)

	var stop atomic.Bool
	var torn atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for !stop.Load() {
			beds, err := f.reg.ListByFilter(ctx, bed.Filter{DepartmentID: "med"})
			if err != nil {
				continue
			}
			var s, d bed.OccupancyStatus
			for _, b := range beds {
				switch b.ID {
				case src.ID:
					s = b.Status
				case dst.ID:
					d = b.Status
				}
			}
			if (s == bed.StatusCleaning && d == bed.StatusReserved) || (s == bed.StatusOccupied && d == bed.StatusOccupied) {
				torn.Add(1)
			}
		}
	}()

	_, err = f.eng.CompleteTransfer(ctx, tr.ID, "nurse")
	stop.Store(true)
	wg.Wait()
	require.NoError(t, err)

	assert.Zero(t, torn.Load(), "reader observed a half-applied transfer")
	assert.Equal(t, bed.StatusCleaning, f.bedState(t, src.ID).Status)
	assert.Equal(t, bed.StatusOccupied, f.bedState(t, dst.ID).Status)
	adm, err = f.eng.GetAdmission(ctx, adm.ID)
	require.NoError(t, err)
	assert.Equal(t, dst.ID, adm.BedID)
}

func TestCompleteTransfer_ConcurrentCallsSucceedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)
	_, err := f.eng.ScheduleTransfer(ctx, tr.ID, time.Time{}, "nurse")
	require.NoError(t, err)
	_, err = f.eng.StartTransfer(ctx, tr.ID, "porter")
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.eng.CompleteTransfer(ctx, tr.ID, "nurse"); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
}

func TestDischarge_Lifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	adm := f.admit(t, b.ID)
	expected := t0.Add(6 * time.Hour)

	d, err := f.eng.RequestDischarge(ctx, DischargeRequest{AdmissionID: adm.ID, Disposition: "HOME", ExpectedAt: &expected})
	require.NoError(t, err)
	assert.Equal(t, DischargePending, d.Status)
	assert.Equal(t, b.ID, d.BedID)

	d, err = f.eng.ApproveDischarge(ctx, d.ID, "dr")
	require.NoError(t, err)
	assert.Equal(t, DischargeApproved, d.Status)

	f.clock.Advance(2 * time.Hour)
	d, err = f.eng.CompleteDischarge(ctx, d.ID, "nurse")
	require.NoError(t, err)
	assert.Equal(t, DischargeCompleted, d.Status)

	got := f.bedState(t, b.ID)
	assert.Equal(t, bed.StatusCleaning, got.Status)
	assert.Nil(t, got.Occupant)

	adm, err = f.eng.GetAdmission(ctx, adm.ID)
	require.NoError(t, err)
	assert.Equal(t, AdmissionDischarged, adm.Status)
	assert.Equal(t, "HOME", adm.EndReason)
	assert.Equal(t, []BillingEventType{BillingAdmissionStarted, BillingDischargeComplete}, f.rec.billingTypes())

	// The patient can be admitted again once discharged.
	b2 := f.bed(t, "B2")
	_, err = f.eng.Admit(ctx, AdmitRequest{PatientID: adm.PatientID, BedID: b2.ID})
	assert.NoError(t, err)
}

func TestDischarge_ClearanceRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	adm := f.admit(t, b.ID)
	d, err := f.eng.RequestDischarge(ctx, DischargeRequest{AdmissionID: adm.ID})
	require.NoError(t, err)

	f.clearance.cleared = false
	_, err = f.eng.ApproveDischarge(ctx, d.ID, "dr")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))

	f.clearance.err = errors.New("checklist service down")
	_, err = f.eng.ApproveDischarge(ctx, d.ID, "dr")
	require.Error(t, err)
	assert.Equal(t, apperr.Kind(""), apperr.KindOf(err))

	f.clearance.cleared, f.clearance.err = true, nil
	_, err = f.eng.ApproveDischarge(ctx, d.ID, "dr")
	require.NoError(t, err)

	f.clearance.cleared = false
	_, err = f.eng.CompleteDischarge(ctx, d.ID, "nurse")
	assert.True(t, errors.Is(err, apperr.ErrInvalidTransition))
	assert.Equal(t, bed.StatusOccupied, f.bedState(t, b.ID).Status)
}

func TestDischarge_CancelAllowsTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	d, err := f.eng.RequestDischarge(ctx, DischargeRequest{AdmissionID: adm.ID})
	require.NoError(t, err)

	_, err = f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: dst.ID})
	assert.True(t, errors.Is(err, apperr.ErrConflictingWorkflow))

	_, err = f.eng.CancelDischarge(ctx, d.ID, "plan changed", "dr")
	require.NoError(t, err)
	_, err = f.eng.RequestTransfer(ctx, TransferRequest{AdmissionID: adm.ID, ToBedID: dst.ID})
	assert.NoError(t, err)
}

func TestEndAdmission_DeceasedCancelsOpenWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)

	adm, err := f.eng.EndAdmission(ctx, adm.ID, AdmissionDeceased, "", "dr")
	require.NoError(t, err)
	assert.Equal(t, AdmissionDeceased, adm.Status)
	assert.Equal(t, bed.StatusCleaning, f.bedState(t, src.ID).Status)
	assert.Equal(t, bed.StatusAvailable, f.bedState(t, dst.ID).Status)

	tr, err = f.eng.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, TransferCancelled, tr.Status)
	assert.Contains(t, f.rec.billingTypes(), BillingAdmissionEnded)
}

func TestEndAdmission_TransferredOutRequiresNoOpenWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.bed(t, "B1")
	adm := f.admit(t, b.ID)
	d, err := f.eng.RequestDischarge(ctx, DischargeRequest{AdmissionID: adm.ID})
	require.NoError(t, err)

	_, err = f.eng.EndAdmission(ctx, adm.ID, AdmissionTransferred, "to county hospital", "dr")
	assert.True(t, errors.Is(err, apperr.ErrConflictingWorkflow))

	_, err = f.eng.CancelDischarge(ctx, d.ID, "", "dr")
	require.NoError(t, err)
	adm, err = f.eng.EndAdmission(ctx, adm.ID, AdmissionTransferred, "to county hospital", "dr")
	require.NoError(t, err)
	assert.Equal(t, AdmissionTransferred, adm.Status)

	_, err = f.eng.EndAdmission(ctx, adm.ID, AdmissionDischarged, "", "dr")
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}

func TestPublishFailureDoesNotUndoCommand(t *testing.T) {
	f := newFixture(t)
	f.rec.fail = true
	b := f.bed(t, "B1")
	adm := f.admit(t, b.ID)
	assert.Equal(t, AdmissionActive, adm.Status)
	assert.Equal(t, bed.StatusOccupied, f.bedState(t, b.ID).Status)
}

func TestWorkflowIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src, dst := f.bed(t, "A1"), f.bed(t, "A2")
	adm := f.admit(t, src.ID)
	tr := f.approvedTransfer(t, adm, dst.ID)
	idx := NewWorkflowIndex(f.eng.repos, f.reg)

	open, err := idx.OpenWorkflows(ctx, adm.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, capacity.WorkflowTransfer, open[0].Kind)
	assert.Equal(t, tr.ID, open[0].ID)

	moves, err := idx.PatientMovements(ctx, adm.PatientID, reservation.Window{From: t0, Until: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, moves, 1, "unscheduled transfers count in every window")

	other := f.bed(t, "B1")
	adm2 := f.admit(t, other.ID)
	at := t0.Add(3 * time.Hour)
	_, err = f.eng.RequestDischarge(ctx, DischargeRequest{AdmissionID: adm2.ID, ExpectedAt: &at})
	require.NoError(t, err)

	planned, err := idx.PlannedDischarges(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, planned)
	planned, err = idx.PlannedDischarges(ctx, t0.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, planned, 1)
	assert.Equal(t, "med", planned[0].DepartmentID)
}
