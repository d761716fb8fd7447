package anomaly_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-service/internal/anomaly"
	"telemetry-service/internal/config"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/memory"
)

func newTestDetector(t *testing.T, threshold int64) (*anomaly.Detector, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	detector := anomaly.NewDetector(store, nil, config.AnomalyConfig{
		Window:    10 * time.Minute,
		Threshold: threshold,
	}, zap.NewNop())
	return detector, store
}

func seedAttempts(t *testing.T, store *memory.Store, ip, username string, at time.Time, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		require.NoError(t, store.AppendFailedLogin(context.Background(), &model.FailedLoginAttemptMetric{
			MetricID:  fmt.Sprintf("%s-%s-%d", ip, username, i),
			Timestamp: at.Add(time.Duration(i) * time.Second),
			IPAddress: ip,
			Username:  username,
			Reason:    "bad_password",
		}))
	}
}

func TestSuspiciousSinceThresholdBoundary(t *testing.T) {
	detector, store := newTestDetector(t, 3)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Three failed logins from one IP within five minutes.
	seedAttempts(t, store, "10.0.0.5", "", now.Add(-5*time.Minute), 3)
	windowStart := now.Add(-10 * time.Minute)

	// Threshold 3: exactly at the threshold is included.
	reports, err := detector.SuspiciousSince(ctx, windowStart, 3)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "10.0.0.5", reports[0].Key)
	assert.Equal(t, model.ByIPAddress, reports[0].Dimension)
	assert.Equal(t, int64(3), reports[0].Attempts)

	// Threshold 4: not included.
	reports, err = detector.SuspiciousSince(ctx, windowStart, 4)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestSuspiciousSinceIncludesAllTiesAtThreshold(t *testing.T) {
	detector, store := newTestDetector(t, 2)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	seedAttempts(t, store, "10.0.0.1", "", now.Add(-5*time.Minute), 2)
	seedAttempts(t, store, "10.0.0.2", "", now.Add(-4*time.Minute), 2)
	seedAttempts(t, store, "10.0.0.3", "", now.Add(-3*time.Minute), 1)

	reports, err := detector.SuspiciousSince(ctx, now.Add(-10*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	keys := []string{reports[0].Key, reports[1].Key}
	assert.ElementsMatch(t, []string{"10.0.0.1", "10.0.0.2"}, keys)
}

func TestIsSuspiciousIPUsesDefaultThreshold(t *testing.T) {
	detector, store := newTestDetector(t, 3)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	seedAttempts(t, store, "10.0.0.1", "alice", now.Add(-5*time.Minute), 2)

	suspicious, err := detector.IsSuspiciousIP(ctx, "10.0.0.1", now)
	require.NoError(t, err)
	assert.False(t, suspicious)

	seedAttempts(t, store, "10.0.0.1", "alice", now.Add(-time.Minute), 1)

	suspicious, err = detector.IsSuspiciousIP(ctx, "10.0.0.1", now)
	require.NoError(t, err)
	assert.True(t, suspicious)
}

func TestAttemptCountIgnoresAttemptsOutsideWindow(t *testing.T) {
	detector, store := newTestDetector(t, 3)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	seedAttempts(t, store, "10.0.0.1", "alice", now.Add(-time.Hour), 10)
	seedAttempts(t, store, "10.0.0.1", "alice", now.Add(-2*time.Minute), 2)

	count, err := detector.AttemptCount(ctx, "10.0.0.1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestAttemptCountReflectsNewestAttempt(t *testing.T) {
	detector, store := newTestDetector(t, 5)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	seedAttempts(t, store, "10.0.0.1", "", now.Add(-time.Minute), 4)

	before, err := detector.AttemptCount(ctx, "10.0.0.1", now)
	require.NoError(t, err)

	require.NoError(t, store.AppendFailedLogin(ctx, &model.FailedLoginAttemptMetric{
		MetricID:  "latest",
		Timestamp: now,
		IPAddress: "10.0.0.1",
		Reason:    "bad_password",
	}))

	after, err := detector.AttemptCount(ctx, "10.0.0.1", now)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)
}

func TestSuspiciousSinceGroupsBothDimensions(t *testing.T) {
	detector, store := newTestDetector(t, 3)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// One IP hammers several usernames; one username is hit from several IPs.
	seedAttempts(t, store, "10.0.0.1", "alice", now.Add(-5*time.Minute), 2)
	seedAttempts(t, store, "10.0.0.1", "bob", now.Add(-4*time.Minute), 2)
	seedAttempts(t, store, "10.0.0.2", "admin", now.Add(-3*time.Minute), 2)
	seedAttempts(t, store, "10.0.0.3", "admin", now.Add(-2*time.Minute), 2)

	reports, err := detector.SuspiciousSince(ctx, now.Add(-10*time.Minute), 4)
	require.NoError(t, err)
	require.Len(t, reports, 2)

	flagged := make(map[model.FailedLoginDimension]string)
	for _, r := range reports {
		flagged[r.Dimension] = r.Key
		assert.Equal(t, int64(4), r.Attempts)
	}
	assert.Equal(t, "10.0.0.1", flagged[model.ByIPAddress])
	assert.Equal(t, "admin", flagged[model.ByUsername])
}

func TestSuspiciousSinceIgnoresEmptyUsernames(t *testing.T) {
	detector, store := newTestDetector(t, 2)
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// Unknown-account attempts from distinct IPs: no username accumulates.
	seedAttempts(t, store, "10.0.0.1", "", now.Add(-5*time.Minute), 1)
	seedAttempts(t, store, "10.0.0.2", "", now.Add(-4*time.Minute), 1)
	seedAttempts(t, store, "10.0.0.3", "", now.Add(-3*time.Minute), 1)

	reports, err := detector.SuspiciousSince(ctx, now.Add(-10*time.Minute), 2)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestRecentAttemptCountFallsBackToStore(t *testing.T) {
	detector, store := newTestDetector(t, 3)
	ctx := context.Background()

	seedAttempts(t, store, "10.0.0.1", "alice", time.Now().UTC().Add(-time.Minute), 2)

	// No attempt cache wired: served from the store.
	count, err := detector.RecentAttemptCount(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
