package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/model"
	"telemetry-service/internal/util"
)

// MetricRepository implements model.MetricStore on ClickHouse. Each stream
// has its own MergeTree table partitioned by day; appends go through the
// driver's prepared batch, queries push filters and limits into SQL so
// unbounded result sets are never materialized client-side.
type MetricRepository struct {
	client *client.ClickHouseClient
}

func NewMetricRepository(client *client.ClickHouseClient, logger *zap.Logger) *MetricRepository {
	return &MetricRepository{client: client}
}

// EnsureSchema creates the stream tables if they do not exist.
func (r *MetricRepository) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS network_usage (
			metric_id String,
			timestamp DateTime64(3, 'UTC'),
			bytes_in  Int64,
			bytes_out Int64,
			route     String
		) ENGINE = MergeTree
		PARTITION BY toDate(timestamp)
		ORDER BY (timestamp, metric_id)`,

		`CREATE TABLE IF NOT EXISTS failed_logins (
			metric_id  String,
			timestamp  DateTime64(3, 'UTC'),
			ip_address String,
			username   String,
			reason     String
		) ENGINE = MergeTree
		PARTITION BY toDate(timestamp)
		ORDER BY (timestamp, ip_address)`,

		`CREATE TABLE IF NOT EXISTS slow_queries (
			metric_id   String,
			timestamp   DateTime64(3, 'UTC'),
			table_name  String,
			duration_ms Int64,
			query_shape String
		) ENGINE = MergeTree
		PARTITION BY toDate(timestamp)
		ORDER BY (timestamp, table_name)`,

		`CREATE TABLE IF NOT EXISTS transactions (
			metric_id        String,
			timestamp        DateTime64(3, 'UTC'),
			transaction_type LowCardinality(String),
			amount           Decimal(18, 4)
		) ENGINE = MergeTree
		PARTITION BY toDate(timestamp)
		ORDER BY (timestamp, transaction_type)`,
	}

	for _, stmt := range ddl {
		if err := r.client.Exec(ctx, stmt); err != nil {
			return model.StoreError("ensure schema", err)
		}
	}

	util.Info("ClickHouse metric schema ensured")
	return nil
}

// -------------------- APPENDS --------------------

func (r *MetricRepository) AppendNetworkUsage(ctx context.Context, m *model.NetworkUsageMetric) error {
	err := r.client.BatchInsert(ctx, `INSERT INTO network_usage`, [][]interface{}{
		{m.MetricID, m.Timestamp.UTC(), m.BytesIn, m.BytesOut, m.Route},
	})
	return model.StoreError("append network usage", err)
}

func (r *MetricRepository) AppendFailedLogin(ctx context.Context, m *model.FailedLoginAttemptMetric) error {
	err := r.client.BatchInsert(ctx, `INSERT INTO failed_logins`, [][]interface{}{
		{m.MetricID, m.Timestamp.UTC(), m.IPAddress, m.Username, m.Reason},
	})
	return model.StoreError("append failed login", err)
}

func (r *MetricRepository) AppendSlowQuery(ctx context.Context, m *model.SlowQueryMetric) error {
	err := r.client.BatchInsert(ctx, `INSERT INTO slow_queries`, [][]interface{}{
		{m.MetricID, m.Timestamp.UTC(), m.TableName, m.DurationMs, m.QueryShape},
	})
	return model.StoreError("append slow query", err)
}

func (r *MetricRepository) AppendTransaction(ctx context.Context, m *model.TransactionMetric) error {
	err := r.client.BatchInsert(ctx, `INSERT INTO transactions`, [][]interface{}{
		{m.MetricID, m.Timestamp.UTC(), string(m.Type), m.Amount},
	})
	return model.StoreError("append transaction", err)
}

// -------------------- QUERIES --------------------

func (r *MetricRepository) QueryNetworkUsage(ctx context.Context, f model.NetworkUsageFilter, tr model.TimeRange, limit int) ([]*model.NetworkUsageMetric, error) {
	where, args := rangeClause(tr)
	if f.Route != "" {
		where = append(where, "route = ?")
		args = append(args, f.Route)
	}

	query := fmt.Sprintf(`
		SELECT metric_id, timestamp, bytes_in, bytes_out, route
		FROM network_usage WHERE %s
		ORDER BY timestamp DESC LIMIT %d`, strings.Join(where, " AND "), limit)

	rows, err := r.client.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, model.StoreError("query network usage", err)
	}
	defer rows.Close()

	var out []*model.NetworkUsageMetric
	for rows.Next() {
		m := &model.NetworkUsageMetric{}
		if err := rows.Scan(&m.MetricID, &m.Timestamp, &m.BytesIn, &m.BytesOut, &m.Route); err != nil {
			return nil, model.StoreError("scan network usage", err)
		}
		out = append(out, m)
	}
	return out, model.StoreError("query network usage", rows.Err())
}

func (r *MetricRepository) QueryFailedLogins(ctx context.Context, f model.FailedLoginFilter, tr model.TimeRange, limit int) ([]*model.FailedLoginAttemptMetric, error) {
	where, args := rangeClause(tr)
	if f.IPAddress != "" {
		where = append(where, "ip_address = ?")
		args = append(args, f.IPAddress)
	}
	if f.Username != "" {
		where = append(where, "username = ?")
		args = append(args, f.Username)
	}
	if f.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, f.Reason)
	}

	query := fmt.Sprintf(`
		SELECT metric_id, timestamp, ip_address, username, reason
		FROM failed_logins WHERE %s
		ORDER BY timestamp DESC LIMIT %d`, strings.Join(where, " AND "), limit)

	rows, err := r.client.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, model.StoreError("query failed logins", err)
	}
	defer rows.Close()

	var out []*model.FailedLoginAttemptMetric
	for rows.Next() {
		m := &model.FailedLoginAttemptMetric{}
		if err := rows.Scan(&m.MetricID, &m.Timestamp, &m.IPAddress, &m.Username, &m.Reason); err != nil {
			return nil, model.StoreError("scan failed login", err)
		}
		out = append(out, m)
	}
	return out, model.StoreError("query failed logins", rows.Err())
}

func (r *MetricRepository) QuerySlowQueries(ctx context.Context, f model.SlowQueryFilter, tr model.TimeRange, limit int) ([]*model.SlowQueryMetric, error) {
	where, args := rangeClause(tr)
	if f.TableName != "" {
		where = append(where, "table_name = ?")
		args = append(args, f.TableName)
	}

	query := fmt.Sprintf(`
		SELECT metric_id, timestamp, table_name, duration_ms, query_shape
		FROM slow_queries WHERE %s
		ORDER BY timestamp DESC LIMIT %d`, strings.Join(where, " AND "), limit)

	rows, err := r.client.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, model.StoreError("query slow queries", err)
	}
	defer rows.Close()

	var out []*model.SlowQueryMetric
	for rows.Next() {
		m := &model.SlowQueryMetric{}
		if err := rows.Scan(&m.MetricID, &m.Timestamp, &m.TableName, &m.DurationMs, &m.QueryShape); err != nil {
			return nil, model.StoreError("scan slow query", err)
		}
		out = append(out, m)
	}
	return out, model.StoreError("query slow queries", rows.Err())
}

func (r *MetricRepository) QueryTransactions(ctx context.Context, f model.TransactionFilter, tr model.TimeRange, limit int) ([]*model.TransactionMetric, error) {
	where, args := rangeClause(tr)
	if f.Type != "" {
		where = append(where, "transaction_type = ?")
		args = append(args, string(f.Type))
	}

	query := fmt.Sprintf(`
		SELECT metric_id, timestamp, transaction_type, amount
		FROM transactions WHERE %s
		ORDER BY timestamp DESC LIMIT %d`, strings.Join(where, " AND "), limit)

	rows, err := r.client.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, model.StoreError("query transactions", err)
	}
	defer rows.Close()

	var out []*model.TransactionMetric
	for rows.Next() {
		m := &model.TransactionMetric{}
		var txType string
		if err := rows.Scan(&m.MetricID, &m.Timestamp, &txType, &m.Amount); err != nil {
			return nil, model.StoreError("scan transaction", err)
		}
		m.Type = model.TransactionType(txType)
		out = append(out, m)
	}
	return out, model.StoreError("query transactions", rows.Err())
}

// -------------------- SIGNALS & AGGREGATIONS --------------------

func (r *MetricRepository) CountFailedLogins(ctx context.Context, ipAddress string, since time.Time) (int64, error) {
	var count uint64
	err := r.client.QueryRow(ctx, `
		SELECT count() FROM failed_logins
		WHERE ip_address = ? AND timestamp >= ?`, ipAddress, since.UTC()).Scan(&count)
	if err != nil {
		return 0, model.StoreError("count failed logins", err)
	}
	return int64(count), nil
}

func (r *MetricRepository) GroupFailedLogins(ctx context.Context, by model.FailedLoginDimension, tr model.TimeRange) (map[string]int64, error) {
	column := "ip_address"
	if by == model.ByUsername {
		column = "username"
	}

	query := fmt.Sprintf(`
		SELECT %s, count() FROM failed_logins
		WHERE timestamp >= ? AND timestamp <= ? AND %s != ''
		GROUP BY %s`, column, column, column)

	rows, err := r.client.QueryRows(ctx, query, tr.From.UTC(), tr.To.UTC())
	if err != nil {
		return nil, model.StoreError("group failed logins", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var count uint64
		if err := rows.Scan(&key, &count); err != nil {
			return nil, model.StoreError("scan failed login group", err)
		}
		counts[key] = int64(count)
	}
	return counts, model.StoreError("group failed logins", rows.Err())
}

func (r *MetricRepository) CountTransactionsByType(ctx context.Context, tr model.TimeRange) (map[model.TransactionType]int64, error) {
	rows, err := r.client.QueryRows(ctx, `
		SELECT transaction_type, count() FROM transactions
		WHERE timestamp >= ? AND timestamp <= ?
		GROUP BY transaction_type`, tr.From.UTC(), tr.To.UTC())
	if err != nil {
		return nil, model.StoreError("count transactions by type", err)
	}
	defer rows.Close()

	counts := make(map[model.TransactionType]int64)
	for rows.Next() {
		var txType string
		var count uint64
		if err := rows.Scan(&txType, &count); err != nil {
			return nil, model.StoreError("scan transaction count", err)
		}
		counts[model.TransactionType(txType)] = int64(count)
	}
	return counts, model.StoreError("count transactions by type", rows.Err())
}

// TotalAmountByType returns the decimal sum for the type; an empty range sums
// to zero, never an error.
func (r *MetricRepository) TotalAmountByType(ctx context.Context, t model.TransactionType, tr model.TimeRange) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.client.QueryRow(ctx, `
		SELECT sum(amount) FROM transactions
		WHERE transaction_type = ? AND timestamp >= ? AND timestamp <= ?`,
		string(t), tr.From.UTC(), tr.To.UTC()).Scan(&total)
	if err != nil {
		return decimal.Zero, model.StoreError("total amount by type", err)
	}
	return total, nil
}

func (r *MetricRepository) SlowestQueries(ctx context.Context, n int, tr *model.TimeRange) ([]*model.SlowQueryMetric, error) {
	where := "1 = 1"
	args := []interface{}{}
	if tr != nil {
		where = "timestamp >= ? AND timestamp <= ?"
		args = append(args, tr.From.UTC(), tr.To.UTC())
	}

	// Ties on duration break toward the earliest record for a stable order.
	query := fmt.Sprintf(`
		SELECT metric_id, timestamp, table_name, duration_ms, query_shape
		FROM slow_queries WHERE %s
		ORDER BY duration_ms DESC, timestamp ASC LIMIT %d`, where, n)

	rows, err := r.client.QueryRows(ctx, query, args...)
	if err != nil {
		return nil, model.StoreError("slowest queries", err)
	}
	defer rows.Close()

	var out []*model.SlowQueryMetric
	for rows.Next() {
		m := &model.SlowQueryMetric{}
		if err := rows.Scan(&m.MetricID, &m.Timestamp, &m.TableName, &m.DurationMs, &m.QueryShape); err != nil {
			return nil, model.StoreError("scan slowest query", err)
		}
		out = append(out, m)
	}
	return out, model.StoreError("slowest queries", rows.Err())
}

// TotalBytes returns nil when the range holds no records at all, so callers
// can tell "no data recorded" apart from "zero traffic measured".
func (r *MetricRepository) TotalBytes(ctx context.Context, tr model.TimeRange) (*model.BytesTotal, error) {
	var count uint64
	var bytesIn, bytesOut int64
	err := r.client.QueryRow(ctx, `
		SELECT count(), sum(bytes_in), sum(bytes_out) FROM network_usage
		WHERE timestamp >= ? AND timestamp <= ?`,
		tr.From.UTC(), tr.To.UTC()).Scan(&count, &bytesIn, &bytesOut)
	if err != nil {
		return nil, model.StoreError("total bytes", err)
	}
	if count == 0 {
		return nil, nil
	}
	return &model.BytesTotal{BytesIn: bytesIn, BytesOut: bytesOut}, nil
}

func (r *MetricRepository) HealthCheck(ctx context.Context) error {
	if err := r.client.HealthCheck(ctx); err != nil {
		return model.StoreError("metric store health check", err)
	}
	return nil
}

func rangeClause(tr model.TimeRange) ([]string, []interface{}) {
	return []string{"timestamp >= ?", "timestamp <= ?"},
		[]interface{}{tr.From.UTC(), tr.To.UTC()}
}
