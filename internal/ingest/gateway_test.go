package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-service/internal/config"
	"telemetry-service/internal/ingest"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/memory"
)

func testConfig(capacity int) config.IngestConfig {
	return config.IngestConfig{
		QueueCapacity:        capacity,
		MaxRetries:           5,
		RetryBackoff:         time.Millisecond,
		MaxRetryBackoff:      10 * time.Millisecond,
		AppendTimeout:        time.Second,
		SlowQueryThresholdMs: 500,
	}
}

func networkMetric(i int) *model.NetworkUsageMetric {
	return &model.NetworkUsageMetric{
		Timestamp: time.Now().UTC(),
		BytesIn:   int64(i),
		BytesOut:  int64(i),
		Route:     "/api/v1/orders",
	}
}

// orderedStore records the append order of failed-login IDs.
type orderedStore struct {
	*memory.Store
	mu  sync.Mutex
	ids []string
}

func (s *orderedStore) AppendFailedLogin(ctx context.Context, m *model.FailedLoginAttemptMetric) error {
	s.mu.Lock()
	s.ids = append(s.ids, m.MetricID)
	s.mu.Unlock()
	return s.Store.AppendFailedLogin(ctx, m)
}

// flakyStore fails the first failures appends, then delegates.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) AppendNetworkUsage(ctx context.Context, m *model.NetworkUsageMetric) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return model.StoreError("append network usage", errors.New("connection refused"))
	}
	s.mu.Unlock()
	return s.Store.AppendNetworkUsage(ctx, m)
}

func TestRecordRejectsInvalidMetrics(t *testing.T) {
	g := ingest.NewGateway(memory.NewStore(), testConfig(8), zap.NewNop())

	err := g.Record(&model.NetworkUsageMetric{Timestamp: time.Now().UTC(), BytesIn: -1})
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrInvalidRecord)

	err = g.Record(&model.FailedLoginAttemptMetric{Timestamp: time.Now().UTC()})
	assert.ErrorIs(t, err, model.ErrInvalidRecord)

	assert.Zero(t, g.Stats().Persisted)
	assert.Zero(t, g.DroppedTotal())
}

func TestRecordRejectsQueriesAtOrBelowThreshold(t *testing.T) {
	g := ingest.NewGateway(memory.NewStore(), testConfig(8), zap.NewNop())

	atThreshold := &model.SlowQueryMetric{Timestamp: time.Now().UTC(), TableName: "orders", DurationMs: 500}
	assert.ErrorIs(t, g.Record(atThreshold), model.ErrInvalidRecord)

	aboveThreshold := &model.SlowQueryMetric{Timestamp: time.Now().UTC(), TableName: "orders", DurationMs: 501}
	assert.NoError(t, g.Record(aboveThreshold))
}

func TestRecordDropsNewestWhenQueueFull(t *testing.T) {
	// Workers never started, so the queue only fills.
	g := ingest.NewGateway(memory.NewStore(), testConfig(100), zap.NewNop())

	for i := 0; i < 150; i++ {
		require.NoError(t, g.Record(networkMetric(i)))
	}

	stats := g.Stats()
	assert.Equal(t, 100, stats.QueueDepth[model.StreamNetworkUsage])
	assert.Equal(t, int64(50), stats.Dropped[model.StreamNetworkUsage])
	assert.Equal(t, int64(50), g.DroppedTotal())
}

func TestRecordNeverBlocksOnSaturation(t *testing.T) {
	g := ingest.NewGateway(memory.NewStore(), testConfig(10), zap.NewNop())

	start := time.Now()
	for i := 0; i < 10_000; i++ {
		require.NoError(t, g.Record(networkMetric(i)))
	}
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(9_990), g.DroppedTotal())
}

func TestQueuesAreIndependentPerStream(t *testing.T) {
	g := ingest.NewGateway(memory.NewStore(), testConfig(2), zap.NewNop())

	for i := 0; i < 5; i++ {
		require.NoError(t, g.Record(networkMetric(i)))
	}
	// The saturated network queue must not affect failed logins.
	require.NoError(t, g.Record(&model.FailedLoginAttemptMetric{
		Timestamp: time.Now().UTC(),
		IPAddress: "10.0.0.1",
	}))

	stats := g.Stats()
	assert.Equal(t, int64(3), stats.Dropped[model.StreamNetworkUsage])
	assert.Zero(t, stats.Dropped[model.StreamFailedLogin])
	assert.Equal(t, 1, stats.QueueDepth[model.StreamFailedLogin])
}

func TestDeliveryPreservesArrivalOrder(t *testing.T) {
	store := &orderedStore{Store: memory.NewStore()}
	g := ingest.NewGateway(store, testConfig(100), zap.NewNop())
	g.Start()

	const count = 50
	for i := 0; i < count; i++ {
		require.NoError(t, g.Record(&model.FailedLoginAttemptMetric{
			MetricID:  fmt.Sprintf("attempt-%03d", i),
			Timestamp: time.Now().UTC(),
			IPAddress: "10.0.0.1",
		}))
	}
	g.Stop()

	require.Len(t, store.ids, count)
	for i, id := range store.ids {
		assert.Equal(t, fmt.Sprintf("attempt-%03d", i), id)
	}
	assert.Equal(t, int64(count), g.Stats().Persisted)
}

func TestDeliveryAssignsMetricIDs(t *testing.T) {
	store := memory.NewStore()
	g := ingest.NewGateway(store, testConfig(8), zap.NewNop())
	g.Start()

	m := networkMetric(1)
	require.NoError(t, g.Record(m))
	g.Stop()

	tr := model.TimeRange{From: time.Now().UTC().Add(-time.Hour), To: time.Now().UTC().Add(time.Hour)}
	got, err := store.QueryNetworkUsage(context.Background(), model.NetworkUsageFilter{}, tr, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].MetricID)
}

func TestDeliveryRetriesUnavailableStore(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failures: 2}
	g := ingest.NewGateway(store, testConfig(8), zap.NewNop())
	g.Start()
	defer g.Stop()

	require.NoError(t, g.Record(networkMetric(1)))

	require.Eventually(t, func() bool {
		return g.Stats().Persisted == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := g.Stats()
	assert.Equal(t, int64(2), stats.Retried)
	assert.Zero(t, g.DroppedTotal())
}

func TestDeliveryDropsAfterRetriesExhausted(t *testing.T) {
	cfg := testConfig(8)
	cfg.MaxRetries = 2

	store := &flakyStore{Store: memory.NewStore(), failures: 100}
	g := ingest.NewGateway(store, cfg, zap.NewNop())
	g.Start()
	defer g.Stop()

	require.NoError(t, g.Record(networkMetric(1)))

	require.Eventually(t, func() bool {
		return g.DroppedTotal() == 1
	}, 2*time.Second, 5*time.Millisecond)

	stats := g.Stats()
	assert.Zero(t, stats.Persisted)
	assert.Equal(t, int64(2), stats.Retried)
}

func TestStopDrainsQueuedMetrics(t *testing.T) {
	store := memory.NewStore()
	g := ingest.NewGateway(store, testConfig(100), zap.NewNop())

	// Enqueue before the workers exist, then start and stop immediately.
	for i := 0; i < 25; i++ {
		require.NoError(t, g.Record(networkMetric(i)))
	}
	g.Start()
	g.Stop()

	assert.Equal(t, int64(25), g.Stats().Persisted)
	assert.Zero(t, g.Stats().QueueDepth[model.StreamNetworkUsage])
}
