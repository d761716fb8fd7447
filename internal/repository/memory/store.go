package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"telemetry-service/internal/model"
)

// Store is an in-memory implementation of model.MetricStore and
// model.SessionStore. It backs unit tests and single-node development where
// running ClickHouse and ScyllaDB would be overkill. All operations are safe
// for concurrent use; the per-user upsert is atomic under the store lock,
// matching the write-if-newer contract of the Scylla backend.
type Store struct {
	mu sync.RWMutex

	networkUsage []*model.NetworkUsageMetric
	failedLogins []*model.FailedLoginAttemptMetric
	slowQueries  []*model.SlowQueryMetric
	transactions []*model.TransactionMetric

	sessions map[string]*model.ActiveUserMetric
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*model.ActiveUserMetric),
	}
}

// -------------------- APPENDS --------------------

func (s *Store) AppendNetworkUsage(ctx context.Context, m *model.NetworkUsageMetric) error {
	if err := ctx.Err(); err != nil {
		return model.StoreError("append network usage", err)
	}
	record := *m
	s.mu.Lock()
	s.networkUsage = append(s.networkUsage, &record)
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendFailedLogin(ctx context.Context, m *model.FailedLoginAttemptMetric) error {
	if err := ctx.Err(); err != nil {
		return model.StoreError("append failed login", err)
	}
	record := *m
	s.mu.Lock()
	s.failedLogins = append(s.failedLogins, &record)
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendSlowQuery(ctx context.Context, m *model.SlowQueryMetric) error {
	if err := ctx.Err(); err != nil {
		return model.StoreError("append slow query", err)
	}
	record := *m
	s.mu.Lock()
	s.slowQueries = append(s.slowQueries, &record)
	s.mu.Unlock()
	return nil
}

func (s *Store) AppendTransaction(ctx context.Context, m *model.TransactionMetric) error {
	if err := ctx.Err(); err != nil {
		return model.StoreError("append transaction", err)
	}
	record := *m
	s.mu.Lock()
	s.transactions = append(s.transactions, &record)
	s.mu.Unlock()
	return nil
}

// -------------------- QUERIES --------------------

func (s *Store) QueryNetworkUsage(ctx context.Context, f model.NetworkUsageFilter, tr model.TimeRange, limit int) ([]*model.NetworkUsageMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("query network usage", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.NetworkUsageMetric
	for _, m := range s.networkUsage {
		if !tr.Contains(m.Timestamp) {
			continue
		}
		if f.Route != "" && m.Route != f.Route {
			continue
		}
		record := *m
		out = append(out, &record)
	}
	sortNewestFirst(out, func(m *model.NetworkUsageMetric) time.Time { return m.Timestamp })
	return truncate(out, limit), nil
}

func (s *Store) QueryFailedLogins(ctx context.Context, f model.FailedLoginFilter, tr model.TimeRange, limit int) ([]*model.FailedLoginAttemptMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("query failed logins", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.FailedLoginAttemptMetric
	for _, m := range s.failedLogins {
		if !tr.Contains(m.Timestamp) {
			continue
		}
		if f.IPAddress != "" && m.IPAddress != f.IPAddress {
			continue
		}
		if f.Username != "" && m.Username != f.Username {
			continue
		}
		if f.Reason != "" && m.Reason != f.Reason {
			continue
		}
		record := *m
		out = append(out, &record)
	}
	sortNewestFirst(out, func(m *model.FailedLoginAttemptMetric) time.Time { return m.Timestamp })
	return truncate(out, limit), nil
}

func (s *Store) QuerySlowQueries(ctx context.Context, f model.SlowQueryFilter, tr model.TimeRange, limit int) ([]*model.SlowQueryMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("query slow queries", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SlowQueryMetric
	for _, m := range s.slowQueries {
		if !tr.Contains(m.Timestamp) {
			continue
		}
		if f.TableName != "" && m.TableName != f.TableName {
			continue
		}
		record := *m
		out = append(out, &record)
	}
	sortNewestFirst(out, func(m *model.SlowQueryMetric) time.Time { return m.Timestamp })
	return truncate(out, limit), nil
}

func (s *Store) QueryTransactions(ctx context.Context, f model.TransactionFilter, tr model.TimeRange, limit int) ([]*model.TransactionMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("query transactions", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.TransactionMetric
	for _, m := range s.transactions {
		if !tr.Contains(m.Timestamp) {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		record := *m
		out = append(out, &record)
	}
	sortNewestFirst(out, func(m *model.TransactionMetric) time.Time { return m.Timestamp })
	return truncate(out, limit), nil
}

// -------------------- SIGNALS & AGGREGATIONS --------------------

func (s *Store) CountFailedLogins(ctx context.Context, ipAddress string, since time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, model.StoreError("count failed logins", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, m := range s.failedLogins {
		if m.IPAddress == ipAddress && !m.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) GroupFailedLogins(ctx context.Context, by model.FailedLoginDimension, tr model.TimeRange) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("group failed logins", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, m := range s.failedLogins {
		if !tr.Contains(m.Timestamp) {
			continue
		}
		key := m.IPAddress
		if by == model.ByUsername {
			key = m.Username
		}
		if key == "" {
			continue
		}
		counts[key]++
	}
	return counts, nil
}

func (s *Store) CountTransactionsByType(ctx context.Context, tr model.TimeRange) (map[model.TransactionType]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("count transactions", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.TransactionType]int64)
	for _, m := range s.transactions {
		if tr.Contains(m.Timestamp) {
			counts[m.Type]++
		}
	}
	return counts, nil
}

func (s *Store) TotalAmountByType(ctx context.Context, t model.TransactionType, tr model.TimeRange) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, model.StoreError("total amount", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := decimal.Zero
	for _, m := range s.transactions {
		if m.Type == t && tr.Contains(m.Timestamp) {
			total = total.Add(m.Amount)
		}
	}
	return total, nil
}

func (s *Store) SlowestQueries(ctx context.Context, n int, tr *model.TimeRange) ([]*model.SlowQueryMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("slowest queries", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.SlowQueryMetric
	for _, m := range s.slowQueries {
		if tr != nil && !tr.Contains(m.Timestamp) {
			continue
		}
		record := *m
		out = append(out, &record)
	}

	// Duration descending, ties broken by earliest timestamp.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DurationMs != out[j].DurationMs {
			return out[i].DurationMs > out[j].DurationMs
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return truncate(out, n), nil
}

func (s *Store) TotalBytes(ctx context.Context, tr model.TimeRange) (*model.BytesTotal, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("total bytes", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total model.BytesTotal
	matched := false
	for _, m := range s.networkUsage {
		if tr.Contains(m.Timestamp) {
			total.BytesIn += m.BytesIn
			total.BytesOut += m.BytesOut
			matched = true
		}
	}
	if !matched {
		return nil, nil
	}
	return &total, nil
}

// -------------------- SESSIONS --------------------

func (s *Store) UpsertActiveUser(ctx context.Context, m *model.ActiveUserMetric) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, model.StoreError("upsert active user", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[m.UserID]
	if ok && !existing.LastActivity.Before(m.LastActivity) {
		// Out-of-order delivery: an equal or newer activity is already
		// recorded, so this write is a no-op.
		return false, nil
	}

	s.sessions[m.UserID] = &model.ActiveUserMetric{
		UserID:       m.UserID,
		LastActivity: m.LastActivity,
		IsActive:     true,
	}
	return true, nil
}

func (s *Store) GetActiveUser(ctx context.Context, userID string) (*model.ActiveUserMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("get active user", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	record := *m
	return &record, nil
}

func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*model.ActiveUserMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("list stale", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*model.ActiveUserMetric
	for _, m := range s.sessions {
		if m.IsActive && m.LastActivity.Before(cutoff) {
			record := *m
			stale = append(stale, &record)
		}
	}
	return stale, nil
}

func (s *Store) Deactivate(ctx context.Context, userID string, observedLastActivity time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.sessions[userID]
	if !ok || !m.IsActive {
		return false, nil
	}
	if !m.LastActivity.Equal(observedLastActivity) {
		// A touch won the race; leave the record active.
		return false, nil
	}
	m.IsActive = false
	return true, nil
}

func (s *Store) ListActive(ctx context.Context, since time.Time) ([]*model.ActiveUserMetric, error) {
	if err := ctx.Err(); err != nil {
		return nil, model.StoreError("list active", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*model.ActiveUserMetric
	for _, m := range s.sessions {
		if m.IsActive && !m.LastActivity.Before(since) {
			record := *m
			active = append(active, &record)
		}
	}
	return active, nil
}

func (s *Store) CountActive(ctx context.Context, since time.Time) (int64, error) {
	active, err := s.ListActive(ctx, since)
	if err != nil {
		return 0, err
	}
	return int64(len(active)), nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

// -------------------- HELPERS --------------------

func sortNewestFirst[T any](records []T, at func(T) time.Time) {
	sort.SliceStable(records, func(i, j int) bool {
		return at(records[i]).After(at(records[j]))
	})
}

func truncate[T any](records []T, limit int) []T {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
