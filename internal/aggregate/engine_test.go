package aggregate_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"telemetry-service/internal/aggregate"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/memory"
)

var base = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*aggregate.Engine, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	engine := aggregate.NewEngine(store, store, 5*time.Second, zap.NewNop())
	return engine, store
}

func TestCountTransactionsByType(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	txs := []*model.TransactionMetric{
		{MetricID: "t1", Timestamp: base, Type: model.TransactionSale, Amount: decimal.NewFromInt(10)},
		{MetricID: "t2", Timestamp: base.Add(time.Minute), Type: model.TransactionSale, Amount: decimal.NewFromInt(20)},
		{MetricID: "t3", Timestamp: base.Add(2 * time.Minute), Type: model.TransactionPurchase, Amount: decimal.NewFromInt(5)},
		{MetricID: "t4", Timestamp: base.Add(2 * time.Hour), Type: model.TransactionReturn, Amount: decimal.NewFromInt(1)},
	}
	for _, m := range txs {
		require.NoError(t, store.AppendTransaction(ctx, m))
	}

	counts, err := engine.CountTransactionsByType(ctx, model.TimeRange{From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.TransactionSale])
	assert.Equal(t, int64(1), counts[model.TransactionPurchase])
	// The return falls outside the period.
	assert.NotContains(t, counts, model.TransactionReturn)
}

func TestTotalAmountByTypeEmptyPeriodIsZero(t *testing.T) {
	engine, _ := newTestEngine(t)

	total, err := engine.TotalAmountByType(context.Background(), model.TransactionSale,
		model.TimeRange{From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestTotalAmountByTypeRejectsUnknownType(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.TotalAmountByType(context.Background(), "refund",
		model.TimeRange{From: base, To: base.Add(time.Hour)})
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestTotalAmountByTypePreservesDecimalPrecision(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	amounts := []string{"0.10", "0.20", "0.30"}
	for i, a := range amounts {
		require.NoError(t, store.AppendTransaction(ctx, &model.TransactionMetric{
			MetricID:  string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Type:      model.TransactionSale,
			Amount:    decimal.RequireFromString(a),
		}))
	}

	total, err := engine.TotalAmountByType(ctx, model.TransactionSale,
		model.TimeRange{From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.RequireFromString("0.60")), "got %s", total)
}

func TestSlowestLimitsAndRanges(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	queries := []*model.SlowQueryMetric{
		{MetricID: "q1", Timestamp: base, TableName: "orders", DurationMs: 2000},
		{MetricID: "q2", Timestamp: base.Add(time.Minute), TableName: "orders", DurationMs: 800},
		{MetricID: "q3", Timestamp: base.Add(2 * time.Hour), TableName: "users", DurationMs: 3000},
	}
	for _, m := range queries {
		require.NoError(t, store.AppendSlowQuery(ctx, m))
	}

	// All time.
	top, err := engine.Slowest(ctx, 2, nil)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "q3", top[0].MetricID)
	assert.Equal(t, "q1", top[1].MetricID)

	// Constrained to the first hour.
	tr := model.TimeRange{From: base, To: base.Add(time.Hour)}
	top, err = engine.Slowest(ctx, 5, &tr)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "q1", top[0].MetricID)

	// Non-positive n yields nothing.
	top, err = engine.Slowest(ctx, 0, nil)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestTotalBytesByPeriodNilMeansNoData(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()
	tr := model.TimeRange{From: base, To: base.Add(time.Hour)}

	total, err := engine.TotalBytesByPeriod(ctx, tr)
	require.NoError(t, err)
	assert.Nil(t, total)

	require.NoError(t, store.AppendNetworkUsage(ctx, &model.NetworkUsageMetric{
		MetricID: "n1", Timestamp: base.Add(time.Minute), BytesIn: 10, BytesOut: 20, Route: "/api",
	}))

	total, err = engine.TotalBytesByPeriod(ctx, tr)
	require.NoError(t, err)
	require.NotNil(t, total)
	assert.Equal(t, int64(30), total.Total())
}

func TestFailedLoginsBy(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendFailedLogin(ctx, &model.FailedLoginAttemptMetric{
			MetricID:  string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			IPAddress: "10.0.0.1",
			Username:  "alice",
		}))
	}

	counts, err := engine.FailedLoginsBy(ctx, model.ByIPAddress, model.TimeRange{From: base, To: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"10.0.0.1": 3}, counts)
}

func TestQueryTimeoutSurfacesAsTimeout(t *testing.T) {
	store := memory.NewStore()
	engine := aggregate.NewEngine(store, store, time.Nanosecond, zap.NewNop())

	// The deadline expires before the store is consulted.
	time.Sleep(time.Millisecond)
	_, err := engine.TotalBytesByPeriod(context.Background(), model.TimeRange{From: base, To: base.Add(time.Hour)})
	require.Error(t, err)
	assert.True(t, model.IsTimeout(err))
}
