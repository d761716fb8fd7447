package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-service/internal/config"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/memory"
)

func newTestTracker(t *testing.T) (*Tracker, *memory.Store, *time.Time) {
	t.Helper()
	store := memory.NewStore()
	tracker := NewTracker(store, config.SweepConfig{
		Interval:            time.Minute,
		InactivityThreshold: 10 * time.Minute,
	}, zap.NewNop())

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	tracker.now = func() time.Time { return now }
	return tracker, store, &now
}

func TestTouchCreatesAndAdvancesRecord(t *testing.T) {
	tracker, _, now := newTestTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Touch(ctx, "u-1", *now))

	record, err := tracker.Get(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.True(t, record.IsActive)
	assert.True(t, record.LastActivity.Equal(*now))

	later := now.Add(5 * time.Minute)
	require.NoError(t, tracker.Touch(ctx, "u-1", later))

	record, err = tracker.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, record.LastActivity.Equal(later))
}

func TestTouchRejectsEmptyUserID(t *testing.T) {
	tracker, _, now := newTestTracker(t)

	err := tracker.Touch(context.Background(), "", *now)
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestSweepDeactivatesOnlyStaleUsers(t *testing.T) {
	tracker, _, now := newTestTracker(t)
	ctx := context.Background()
	start := *now

	// u-1 active at t=0 then idle; u-2 keeps touching.
	require.NoError(t, tracker.Touch(ctx, "u-1", start))
	require.NoError(t, tracker.Touch(ctx, "u-2", start))
	require.NoError(t, tracker.Touch(ctx, "u-2", start.Add(5*time.Minute)))

	// At t=10m u-1 is exactly at the threshold, not beyond it.
	*now = start.Add(10 * time.Minute)
	deactivated, err := tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deactivated)

	// At t=10m10s u-1 has crossed the threshold.
	*now = start.Add(10*time.Minute + 10*time.Second)
	deactivated, err = tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deactivated)

	u1, err := tracker.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, u1.IsActive)

	u2, err := tracker.Get(ctx, "u-2")
	require.NoError(t, err)
	assert.True(t, u2.IsActive)
}

func TestSweepIsIdempotent(t *testing.T) {
	tracker, _, now := newTestTracker(t)
	ctx := context.Background()
	start := *now

	require.NoError(t, tracker.Touch(ctx, "u-1", start))

	*now = start.Add(time.Hour)
	deactivated, err := tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deactivated)

	// Same state again: nothing left to deactivate.
	deactivated, err = tracker.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, deactivated)
}

func TestTouchReactivatesSweptUser(t *testing.T) {
	tracker, _, now := newTestTracker(t)
	ctx := context.Background()
	start := *now

	require.NoError(t, tracker.Touch(ctx, "u-1", start))

	*now = start.Add(time.Hour)
	_, err := tracker.Sweep(ctx)
	require.NoError(t, err)

	require.NoError(t, tracker.Touch(ctx, "u-1", *now))

	record, err := tracker.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, record.IsActive)

	count, err := tracker.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestActiveCountUsesThresholdWindow(t *testing.T) {
	tracker, _, now := newTestTracker(t)
	ctx := context.Background()
	start := *now

	require.NoError(t, tracker.Touch(ctx, "fresh", start))
	require.NoError(t, tracker.Touch(ctx, "idle", start.Add(-30*time.Minute)))

	// idle is still marked active until a sweep runs, but falls outside the
	// activity window.
	count, err := tracker.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	active, err := tracker.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].UserID)
}

func TestSweepLoopStartStop(t *testing.T) {
	store := memory.NewStore()
	tracker := NewTracker(store, config.SweepConfig{
		Interval:            10 * time.Millisecond,
		InactivityThreshold: time.Millisecond,
	}, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, tracker.Touch(ctx, "u-1", time.Now().UTC().Add(-time.Minute)))

	tracker.Start()
	require.Eventually(t, func() bool {
		record, err := tracker.Get(ctx, "u-1")
		return err == nil && record != nil && !record.IsActive
	}, time.Second, 5*time.Millisecond)
	tracker.Stop()
}
