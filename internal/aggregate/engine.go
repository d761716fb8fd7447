package aggregate

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"telemetry-service/internal/model"
)

// Engine answers the reporting queries over the persisted streams. All
// aggregation is pushed down to the store, which computes counts, sums and
// top-N server side; the engine owns timeouts and result shaping.
type Engine struct {
	store        model.MetricStore
	sessions     model.SessionStore
	queryTimeout time.Duration
	logger       *zap.Logger
}

func NewEngine(store model.MetricStore, sessions model.SessionStore, queryTimeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		store:        store,
		sessions:     sessions,
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// Store exposes the underlying metric store for raw stream queries.
func (e *Engine) Store() model.MetricStore {
	return e.store
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.queryTimeout)
}

// CountTransactionsByType returns per-type transaction counts for the period.
// Types with no transactions are absent from the map.
func (e *Engine) CountTransactionsByType(ctx context.Context, tr model.TimeRange) (map[model.TransactionType]int64, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.CountTransactionsByType(ctx, tr)
}

// TotalAmountByType sums transaction amounts of one type over the period.
// An empty period yields exactly zero, not an error.
func (e *Engine) TotalAmountByType(ctx context.Context, t model.TransactionType, tr model.TimeRange) (decimal.Decimal, error) {
	if !model.ValidTransactionType(t) {
		return decimal.Zero, model.ErrInvalidRecord
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.TotalAmountByType(ctx, t, tr)
}

// Slowest returns the n slowest queries, duration descending with ties broken
// by earliest timestamp. A nil range means all time; fewer than n records
// yields all of them.
func (e *Engine) Slowest(ctx context.Context, n int, tr *model.TimeRange) ([]*model.SlowQueryMetric, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.SlowestQueries(ctx, n, tr)
}

// TotalBytesByPeriod sums network bytes over the period. Nil means no
// network-usage record fell in the range; a zero-valued total means records
// existed but carried zero bytes.
func (e *Engine) TotalBytesByPeriod(ctx context.Context, tr model.TimeRange) (*model.BytesTotal, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.TotalBytes(ctx, tr)
}

// FailedLoginsBy groups failed-login counts over the period by IP address or
// username. Empty usernames are excluded from the username grouping.
func (e *Engine) FailedLoginsBy(ctx context.Context, by model.FailedLoginDimension, tr model.TimeRange) (map[string]int64, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.store.GroupFailedLogins(ctx, by, tr)
}

// ActiveUserCount counts users active within the window ending at now.
func (e *Engine) ActiveUserCount(ctx context.Context, window time.Duration) (int64, error) {
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.sessions.CountActive(ctx, time.Now().UTC().Add(-window))
}
