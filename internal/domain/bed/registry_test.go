package bed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataclinica/bedflow/internal/platform/apperr"
	"github.com/dataclinica/bedflow/internal/platform/db"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) BedChanged(_ context.Context, ch Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, ch)
}

func newTestRegistry(t *testing.T) (*Registry, *recorder) {
	t.Helper()
	reg := NewRegistry(NewMemoryRepo(), db.MemoryTransactor{}, zerolog.Nop())
	reg.SetClock(func() time.Time { return t0 })
	rec := &recorder{}
	reg.AddObserver(rec)
	return reg, rec
}

func registerBed(t *testing.T, reg *Registry, code, dept string) *Bed {
	t.Helper()
	b, err := reg.Register(context.Background(), &Bed{Code: code, BedType: "ICU", DepartmentID: dept})
	require.NoError(t, err)
	return b
}

func TestRegister_Defaults(t *testing.T) {
	reg, _ := newTestRegistry(t)
	b := registerBed(t, reg, "ICU-1", "icu")

	assert.NotEqual(t, uuid.Nil, b.ID)
	assert.Equal(t, StatusAvailable, b.Status)
	assert.Nil(t, b.Occupant)
	assert.Equal(t, t0, b.CreatedAt)
}

func TestRegister_Rejects(t *testing.T) {
	reg, _ := newTestRegistry(t)
	registerBed(t, reg, "ICU-1", "icu")

	_, err := reg.Register(context.Background(), &Bed{Code: "ICU-1", BedType: "ICU", DepartmentID: "icu"})
	assert.ErrorIs(t, err, apperr.ErrValidation, "duplicate code")

	_, err = reg.Register(context.Background(), &Bed{Code: "ICU-2", BedType: "ICU", DepartmentID: "icu", Status: StatusOccupied})
	assert.ErrorIs(t, err, apperr.ErrValidation, "cannot register occupied")

	_, err = reg.Register(context.Background(), &Bed{Code: "ICU-3"})
	assert.ErrorIs(t, err, apperr.ErrValidation, "missing fields")
}

func TestGetBed_NotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.GetBed(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSetStatus_EnforcesTable(t *testing.T) {
	reg, rec := newTestRegistry(t)
	b := registerBed(t, reg, "ICU-1", "icu")
	ctx := context.Background()

	_, err := reg.SetStatus(ctx, b.ID, StatusOccupied, "nurse-1", &OccupantRef{PatientID: uuid.New(), AdmissionID: uuid.New()}, time.Time{})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "AVAILABLE -> OCCUPIED skips RESERVED")

	got, err := reg.SetStatus(ctx, b.ID, StatusOutOfOrder, "ops", nil, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StatusOutOfOrder, got.Status)
	assert.Equal(t, "ops", got.UpdatedBy)
	assert.Equal(t, int64(1), got.Version)

	require.Len(t, rec.changes, 1)
	assert.Equal(t, StatusAvailable, rec.changes[0].From)
	assert.Equal(t, StatusOutOfOrder, rec.changes[0].To)
}

func TestSetStatus_IdempotentOnSameArguments(t *testing.T) {
	reg, rec := newTestRegistry(t)
	b := registerBed(t, reg, "ICU-1", "icu")
	ctx := context.Background()
	at := t0.Add(time.Minute)

	first, err := reg.SetStatus(ctx, b.ID, StatusBlocked, "ops", nil, at)
	require.NoError(t, err)
	second, err := reg.SetStatus(ctx, b.ID, StatusBlocked, "ops", nil, at)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, rec.changes, 1, "retry must not emit a second change")

	_, err = reg.SetStatus(ctx, b.ID, StatusBlocked, "ops", nil, at.Add(time.Second))
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "a new request for the same status is not a retry")
}

func TestUpdate_AllOrNothing(t *testing.T) {
	reg, rec := newTestRegistry(t)
	a := registerBed(t, reg, "A", "icu")
	b := registerBed(t, reg, "B", "icu")
	ctx := context.Background()

	boom := errors.New("boom")
	err := reg.Update(ctx, []uuid.UUID{a.ID, b.ID}, func(tx *Tx) error {
		require.NoError(t, tx.SetStatus(a.ID, StatusReserved, "x", nil))
		require.NoError(t, tx.SetStatus(b.ID, StatusBlocked, "x", nil))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	gotA, _ := reg.GetBed(ctx, a.ID)
	gotB, _ := reg.GetBed(ctx, b.ID)
	assert.Equal(t, StatusAvailable, gotA.Status)
	assert.Equal(t, StatusAvailable, gotB.Status)
	assert.Empty(t, rec.changes)
}

// blockingObserver parks the first delivery until release is closed.
type blockingObserver struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (o *blockingObserver) BedChanged(context.Context, Change) {
	first := false
	o.once.Do(func() { first = true })
	if !first {
		return
	}
	close(o.entered)
	<-o.release
}

func TestUpdate_SlowObserverDoesNotHoldBedLock(t *testing.T) {
	reg, rec := newTestRegistry(t)
	b := registerBed(t, reg, "ICU-1", "icu")
	ctx := context.Background()
	obs := &blockingObserver{entered: make(chan struct{}), release: make(chan struct{})}
	reg.AddObserver(obs)

	firstDone := make(chan error, 1)
	go func() {
		_, err := reg.SetStatus(ctx, b.ID, StatusBlocked, "ops", nil, time.Time{})
		firstDone <- err
	}()

	select {
	case <-obs.entered:
	case <-time.After(2 * time.Second):
		close(obs.release)
		t.Fatal("observer never called")
	}

	secondDone := make(chan error, 1)
	go func() {
		_, err := reg.SetStatus(ctx, b.ID, StatusAvailable, "ops", nil, time.Time{})
		secondDone <- err
	}()

	select {
	case err := <-secondDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		close(obs.release)
		t.Fatal("second write waited on a blocked observer")
	}

	close(obs.release)
	require.NoError(t, <-firstDone)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.changes, 2)
	assert.Equal(t, StatusBlocked, rec.changes[0].To)
	assert.Equal(t, StatusAvailable, rec.changes[1].To)
	assert.Less(t, rec.changes[0].Seq, rec.changes[1].Seq)
}

func TestUpdate_UnknownBed(t *testing.T) {
	reg, _ := newTestRegistry(t)
	err := reg.Update(context.Background(), []uuid.UUID{uuid.New()}, func(tx *Tx) error { return nil })
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdate_ChainedTransitionsInOneTx(t *testing.T) {
	reg, rec := newTestRegistry(t)
	b := registerBed(t, reg, "A", "icu")
	occ := &OccupantRef{PatientID: uuid.New(), AdmissionID: uuid.New()}

	err := reg.Update(context.Background(), []uuid.UUID{b.ID}, func(tx *Tx) error {
		if err := tx.SetStatus(b.ID, StatusReserved, "x", nil); err != nil {
			return err
		}
		return tx.SetStatus(b.ID, StatusOccupied, "x", occ)
	})
	require.NoError(t, err)

	got, _ := reg.GetBed(context.Background(), b.ID)
	assert.Equal(t, StatusOccupied, got.Status)
	assert.Equal(t, occ, got.Occupant)
	assert.Equal(t, int64(1), got.Version, "one commit, one version bump")
	require.Len(t, rec.changes, 2)
	assert.Equal(t, StatusReserved, rec.changes[1].From)
}

func TestTx_GetUnlockedBed(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a := registerBed(t, reg, "A", "icu")
	other := registerBed(t, reg, "B", "icu")

	err := reg.Update(context.Background(), []uuid.UUID{a.ID}, func(tx *Tx) error {
		assert.True(t, tx.Holds(a.ID))
		assert.False(t, tx.Holds(other.ID))
		_, err := tx.Get(other.ID)
		return err
	})
	assert.Error(t, err)
}

func TestListByFilter_OrderedAndFiltered(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	for _, code := range []string{"A", "B", "C", "D"} {
		registerBed(t, reg, code, "icu")
	}
	registerBed(t, reg, "W1", "ward")

	icu, err := reg.ListByFilter(ctx, Filter{DepartmentID: "icu"})
	require.NoError(t, err)
	require.Len(t, icu, 4)
	for i := 1; i < len(icu); i++ {
		assert.Negative(t, compareIDs(icu[i-1].ID, icu[i].ID), "beds must be in ascending id order")
	}

	_, err = reg.SetStatus(ctx, icu[0].ID, StatusBlocked, "ops", nil, time.Time{})
	require.NoError(t, err)
	blocked, err := reg.ListByFilter(ctx, Filter{Statuses: []OccupancyStatus{StatusBlocked}})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, icu[0].ID, blocked[0].ID)
}

func TestConcurrentSetStatus_SingleWinner(t *testing.T) {
	reg, _ := newTestRegistry(t)
	b := registerBed(t, reg, "A", "icu")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := reg.Update(context.Background(), []uuid.UUID{b.ID}, func(tx *Tx) error {
				return tx.SetStatus(b.ID, StatusReserved, "racer", nil)
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one AVAILABLE -> RESERVED may succeed")
	got, _ := reg.GetBed(context.Background(), b.ID)
	assert.Equal(t, int64(1), got.Version)
}

func compareIDs(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
