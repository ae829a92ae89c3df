package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"countdown-clock/internal/adapter/memory"
	"countdown-clock/internal/domain"
	"countdown-clock/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type fixture struct {
	clock *fakeClock
	store *memory.Store
	svc   *ClockService
	rec   *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := newFakeClock()
	store := memory.NewStore(clk)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.Nop()
	return &fixture{
		clock: clk,
		store: store,
		svc: &ClockService{
			Log:           log,
			Clocks:        store,
			Pauses:        store,
			Notifications: store,
			Time:          clk,
			Metrics:       m,
			DefaultOwner:  "Keyholder",
		},
		rec: &Reconciler{
			Log:           log,
			Clocks:        store,
			Pauses:        store,
			Notifications: store,
			Time:          clk,
			Metrics:       m,
		},
	}
}

func (f *fixture) create(t *testing.T, d time.Duration) domain.Clock {
	t.Helper()
	c, err := f.svc.CreateClock(context.Background(), NewClock{Description: "test", EndTime: f.clock.Now().Add(d)})
	require.NoError(t, err)
	return c
}

func TestCreateClock(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, time.Minute)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Keyholder", c.Owner)
	assert.Equal(t, time.Minute, c.RemainingTime)
	assert.False(t, c.Paused)
	assert.Equal(t, int64(1), c.Version)
}

func TestCreateClock_RequiresEndTime(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateClock(context.Background(), NewClock{Description: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetClock_ReconcilesRemainingTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)

	f.clock.Advance(20 * time.Second)
	got, err := f.svc.GetClock(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, got.RemainingTime)

	stored, err := f.store.GetClock(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 40*time.Second, stored.RemainingTime)

	f.clock.Advance(time.Hour)
	got, err = f.svc.GetClock(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), got.RemainingTime)
}

func TestGetClock_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetClock(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListClocks_ReconcilesRunningOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	running := f.create(t, time.Minute)
	paused := f.create(t, time.Minute)
	_, err := f.svc.Pause(ctx, paused.ID)
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	clocks, err := f.svc.ListClocks(ctx)
	require.NoError(t, err)
	require.Len(t, clocks, 2)

	byID := map[string]domain.Clock{}
	for _, c := range clocks {
		byID[c.ID] = c
	}
	assert.Equal(t, 30*time.Second, byID[running.ID].RemainingTime)
	assert.Equal(t, time.Minute, byID[paused.ID].RemainingTime)
}

func TestAddTime_ThenRevertRestoresExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)

	added, err := f.svc.AddTime(ctx, c.ID, 45*time.Second)
	require.NoError(t, err)
	assert.Equal(t, c.EndTime.Add(45*time.Second), added.EndTime)
	assert.Equal(t, 105*time.Second, added.RemainingTime)

	res, err := f.svc.RevertLastActivity(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, res.Reverted)
	assert.Equal(t, domain.ActivityAdded, res.Activity.Kind)
	assert.Equal(t, 45*time.Second, res.Activity.Amount)
	assert.Equal(t, c.EndTime, res.Clock.EndTime)
	assert.Equal(t, time.Minute, res.Clock.RemainingTime)
	assert.Equal(t, 0, res.Clock.TimeActivities.Len())
}

func TestAddTime_Validation(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, time.Minute)

	for _, amount := range []time.Duration{0, -time.Second} {
		_, err := f.svc.AddTime(context.Background(), c.ID, amount)
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = f.svc.SubtractTime(context.Background(), c.ID, amount)
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
}

func TestAddTime_OnExpiredClockCountsFromNow(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, time.Second)
	f.clock.Advance(time.Hour)

	got, err := f.svc.AddTime(context.Background(), c.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got.RemainingTime)
}

func TestSubtractTime_ClampsAtNow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)

	got, err := f.svc.SubtractTime(ctx, c.ID, 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), got.EndTime)
	assert.Equal(t, time.Duration(0), got.RemainingTime)

	top, ok := got.TimeActivities.Peek()
	require.True(t, ok)
	assert.Equal(t, domain.ActivitySubtracted, top.Kind)
	assert.Equal(t, 90*time.Second, top.Amount, "requested amount is recorded, not the clamped one")
}

// Reverting a clamped subtraction restores the nominal amount, so the
// clock ends up with more time than before the subtraction.
func TestRevert_ClampedSubtractionRestoresNominalAmount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)

	_, err := f.svc.SubtractTime(ctx, c.ID, 90*time.Second)
	require.NoError(t, err)

	res, err := f.svc.RevertLastActivity(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, res.Reverted)
	assert.Equal(t, 90*time.Second, res.Clock.RemainingTime)
	assert.NotEqual(t, time.Minute, res.Clock.RemainingTime)
}

func TestRevert_EmptyLogIsNoop(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, time.Minute)

	res, err := f.svc.RevertLastActivity(context.Background(), c.ID)
	require.NoError(t, err)
	assert.False(t, res.Reverted)
	assert.Equal(t, c.Version, res.Clock.Version, "no write for an empty log")
}

func TestRevert_PopsInLIFOOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Hour)

	_, err := f.svc.AddTime(ctx, c.ID, time.Minute)
	require.NoError(t, err)
	_, err = f.svc.SubtractTime(ctx, c.ID, 10*time.Second)
	require.NoError(t, err)

	res, err := f.svc.RevertLastActivity(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivitySubtracted, res.Activity.Kind)

	res, err = f.svc.RevertLastActivity(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActivityAdded, res.Activity.Kind)
	assert.Equal(t, c.EndTime, res.Clock.EndTime)
}

func TestPauseResume_PreservesRemainingTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)
	f.clock.Advance(10 * time.Second)

	paused, err := f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, paused.Paused)
	assert.Equal(t, 50*time.Second, paused.RemainingTime)

	p, err := f.store.GetPause(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), p.PauseStartTime)

	f.clock.Advance(5 * time.Minute)
	resumed, err := f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, resumed.Paused)
	assert.Equal(t, 50*time.Second, resumed.RemainingTime)
	assert.Equal(t, c.EndTime.Add(5*time.Minute), resumed.EndTime)

	_, err = f.store.GetPause(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPause_AlreadyPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)

	_, err := f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestResume_NeverPaused(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, time.Minute)

	_, err := f.svc.Resume(context.Background(), c.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestResume_MissingPauseRecordResumesWithoutCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)

	_, err := f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	f.store.DropPause(c.ID)

	f.clock.Advance(10 * time.Second)
	got, err := f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.Paused)
	assert.Equal(t, c.EndTime, got.EndTime)
	assert.Equal(t, 50*time.Second, got.RemainingTime)
}

func TestAddTime_WhilePausedMeasuresFromPauseStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, 10*time.Second)

	_, err := f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	got, err := f.svc.SubtractTime(ctx, c.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got.RemainingTime)

	got, err = f.svc.AddTime(ctx, c.ID, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Second, got.RemainingTime)

	got, err = f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 25*time.Second, got.RemainingTime)
}

func TestActivityLog_RecordsOperationsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)

	_, err := f.svc.AddTime(ctx, c.ID, 5*time.Second)
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.svc.Resume(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.svc.RevertLastActivity(ctx, c.ID)
	require.NoError(t, err)

	entries, err := f.svc.ActivityLog(ctx, c.ID)
	require.NoError(t, err)
	msgs := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = e.Message
	}
	assert.Equal(t, []string{
		"Keyholder has added 5 seconds to the timer.",
		"Keyholder has paused the timer.",
		"Keyholder has resumed the timer.",
		"Keyholder has reverted the timer by removing 5 seconds",
	}, msgs)
}

func TestDeleteClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, 0)

	_, err := f.rec.Sweep(ctx)
	require.NoError(t, err)
	_, err = f.svc.Pause(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteClock(ctx, c.ID))

	_, err = f.store.GetClock(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.store.GetPause(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	notes, err := f.svc.ListNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes)

	assert.ErrorIs(t, f.svc.DeleteClock(ctx, c.ID), domain.ErrNotFound)
}

// slowStore delays every single-record write so concurrent writers
// overlap the way they do against a real database.
type slowStore struct {
	*memory.Store
	delay time.Duration
}

func (s slowStore) UpdateClock(ctx context.Context, u domain.ClockUpdate) (domain.Clock, error) {
	time.Sleep(s.delay)
	return s.Store.UpdateClock(ctx, u)
}

func TestAddTime_ConcurrentCallsAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)
	f.svc.Clocks = slowStore{Store: f.store, delay: time.Millisecond}
	require.Zero(t, f.svc.MaxRetries, "runs with the default retry budget")

	const (
		n      = 20
		amount = time.Second
	)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.AddTime(ctx, c.ID, amount); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("AddTime: %v", err)
	}

	got, err := f.store.GetClock(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.EndTime.Add(n*amount), got.EndTime)
	assert.Equal(t, n, got.TimeActivities.Len())
	assert.Equal(t, int64(n+1), got.Version)
}

// racingStore simulates another writer: before the first write of the
// listed kind it runs race, which changes the record underneath.
type racingStore struct {
	*memory.Store
	race    func()
	once    sync.Once
	updates atomic.Int32
}

func (s *racingStore) UpdateClock(ctx context.Context, u domain.ClockUpdate) (domain.Clock, error) {
	s.once.Do(s.race)
	s.updates.Add(1)
	return s.Store.UpdateClock(ctx, u)
}

func (s *racingStore) DeleteClock(ctx context.Context, id string, version int64) error {
	s.once.Do(s.race)
	return s.Store.DeleteClock(ctx, id, version)
}

func TestAddTime_RetriesAfterConcurrentWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)
	rs := &racingStore{Store: f.store}
	rs.race = func() {
		rem := 30 * time.Second
		_, err := f.store.UpdateClock(ctx, domain.ClockUpdate{ID: c.ID, Version: c.Version, Patch: domain.ClockPatch{RemainingTime: &rem}})
		require.NoError(t, err)
	}
	f.svc.Clocks = rs

	got, err := f.svc.AddTime(ctx, c.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int32(2), rs.updates.Load())
	assert.Equal(t, c.EndTime.Add(time.Second), got.EndTime)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.Metrics.Conflicts.WithLabelValues("add_time")))
}

func TestDeleteClock_SweepBetweenReadAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, 0)
	rs := &racingStore{Store: f.store}
	rs.race = func() {
		rep, err := f.rec.Sweep(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, rep.Created)
	}
	f.svc.Clocks = rs

	require.NoError(t, f.svc.DeleteClock(ctx, c.ID))

	_, err := f.store.GetClock(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	notes, err := f.store.ListNotifications(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes, "notification attached by the sweep is removed with the clock")
}

func TestDeleteClock_PauseBetweenReadAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)
	rs := &racingStore{Store: f.store}
	rs.race = func() {
		_, err := f.store.UpdateClock(ctx, domain.ClockUpdate{ID: c.ID, Version: c.Version, Patch: domain.ClockPatch{
			Paused:     domain.Ptr(true),
			Pause:      domain.PauseStart,
			PauseStart: f.clock.Now(),
		}})
		require.NoError(t, err)
	}
	f.svc.Clocks = rs

	require.NoError(t, f.svc.DeleteClock(ctx, c.ID))

	pauses, err := f.store.ListPauses(ctx)
	require.NoError(t, err)
	assert.Empty(t, pauses)
}

func TestTimeActivities(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.create(t, time.Minute)

	acts, err := f.svc.TimeActivities(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, acts.Len())

	_, err = f.svc.AddTime(ctx, c.ID, 5*time.Second)
	require.NoError(t, err)
	_, err = f.svc.SubtractTime(ctx, c.ID, 2*time.Second)
	require.NoError(t, err)

	acts, err = f.svc.TimeActivities(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 2, acts.Len())
	assert.Equal(t, domain.ActivityAdded, acts[0].Kind)
	assert.Equal(t, 5*time.Second, acts[0].Amount)
	assert.Equal(t, domain.ActivitySubtracted, acts[1].Kind)
	assert.Equal(t, 2*time.Second, acts[1].Amount)

	_, err = f.svc.TimeActivities(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// conflictingStore reports a version conflict on every single-record write.
type conflictingStore struct {
	*memory.Store
}

func (conflictingStore) UpdateClock(ctx context.Context, u domain.ClockUpdate) (domain.Clock, error) {
	return domain.Clock{}, domain.ErrConflict
}

func TestMutate_GivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, time.Minute)
	f.svc.Clocks = conflictingStore{f.store}
	f.svc.MaxRetries = 3

	_, err := f.svc.AddTime(context.Background(), c.ID, time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStorage))
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.svc.Metrics.Conflicts.WithLabelValues("add_time")))
}

func TestMutate_StopsRetryingWhenContextEnds(t *testing.T) {
	f := newFixture(t)
	c := f.create(t, time.Minute)
	f.svc.Clocks = conflictingStore{f.store}
	f.svc.MaxRetries = 1000

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.svc.AddTime(ctx, c.ID, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClockService_MissingDependencies(t *testing.T) {
	svc := &ClockService{}
	_, err := svc.GetClock(context.Background(), "x")
	assert.Error(t, err)
}
