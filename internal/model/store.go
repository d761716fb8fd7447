package model

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MetricStore is the append/query contract for the four append-only streams.
// Appends never depend on each other; there is no cross-record locking.
// Queries apply their limit server-side and honor the context deadline.
type MetricStore interface {
	AppendNetworkUsage(ctx context.Context, m *NetworkUsageMetric) error
	AppendFailedLogin(ctx context.Context, m *FailedLoginAttemptMetric) error
	AppendSlowQuery(ctx context.Context, m *SlowQueryMetric) error
	AppendTransaction(ctx context.Context, m *TransactionMetric) error

	QueryNetworkUsage(ctx context.Context, f NetworkUsageFilter, r TimeRange, limit int) ([]*NetworkUsageMetric, error)
	QueryFailedLogins(ctx context.Context, f FailedLoginFilter, r TimeRange, limit int) ([]*FailedLoginAttemptMetric, error)
	QuerySlowQueries(ctx context.Context, f SlowQueryFilter, r TimeRange, limit int) ([]*SlowQueryMetric, error)
	QueryTransactions(ctx context.Context, f TransactionFilter, r TimeRange, limit int) ([]*TransactionMetric, error)

	// CountFailedLogins counts attempts from one IP with timestamp >= since.
	CountFailedLogins(ctx context.Context, ipAddress string, since time.Time) (int64, error)

	// GroupFailedLogins counts attempts per key (IP or username) within the
	// range. Records with an empty key for the chosen dimension are skipped.
	GroupFailedLogins(ctx context.Context, by FailedLoginDimension, r TimeRange) (map[string]int64, error)

	// Aggregations consumed by the aggregation engine.
	CountTransactionsByType(ctx context.Context, r TimeRange) (map[TransactionType]int64, error)
	TotalAmountByType(ctx context.Context, t TransactionType, r TimeRange) (decimal.Decimal, error)
	SlowestQueries(ctx context.Context, n int, r *TimeRange) ([]*SlowQueryMetric, error)
	TotalBytes(ctx context.Context, r TimeRange) (*BytesTotal, error)

	HealthCheck(ctx context.Context) error
}

// FailedLoginDimension selects the grouping key for GroupFailedLogins.
type FailedLoginDimension string

const (
	ByIPAddress FailedLoginDimension = "ip_address"
	ByUsername  FailedLoginDimension = "username"
)

// SessionStore persists the one mutable entity, ActiveUserMetric. The upsert
// is a conditional write-if-newer on LastActivity so concurrent touches for
// the same user converge on max(lastActivity) regardless of arrival order,
// across process instances.
type SessionStore interface {
	// UpsertActiveUser applies m if no record exists for m.UserID or if
	// m.LastActivity is newer than the stored one. It reports whether the
	// write was applied; an older write is a no-op, not an error.
	UpsertActiveUser(ctx context.Context, m *ActiveUserMetric) (bool, error)

	GetActiveUser(ctx context.Context, userID string) (*ActiveUserMetric, error)

	// ListStale returns active records with LastActivity before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*ActiveUserMetric, error)

	// Deactivate flips one record to inactive, conditional on LastActivity
	// still being the observed value so a concurrent touch wins over the
	// sweep. Reports whether the flip was applied.
	Deactivate(ctx context.Context, userID string, observedLastActivity time.Time) (bool, error)

	ListActive(ctx context.Context, since time.Time) ([]*ActiveUserMetric, error)
	CountActive(ctx context.Context, since time.Time) (int64, error)

	HealthCheck(ctx context.Context) error
}
