package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StreamType identifies one of the persisted metric streams.
type StreamType string

const (
	StreamNetworkUsage StreamType = "network_usage"
	StreamFailedLogin  StreamType = "failed_login"
	StreamSlowQuery    StreamType = "slow_query"
	StreamTransaction  StreamType = "transaction"
	StreamActiveUser   StreamType = "active_user"
)

// TransactionType is the closed set of transaction kinds carried by
// TransactionMetric. Anything outside this set is rejected at ingestion.
type TransactionType string

const (
	TransactionSale     TransactionType = "sale"
	TransactionPurchase TransactionType = "purchase"
	TransactionReturn   TransactionType = "return"
)

// ValidTransactionType reports whether t belongs to the closed enumeration.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TransactionSale, TransactionPurchase, TransactionReturn:
		return true
	}
	return false
}

// Metric is implemented by every record that can cross the ingestion gateway.
type Metric interface {
	Stream() StreamType
	OccurredAt() time.Time
	Validate() error
}

// -------------------- NETWORK USAGE --------------------

type NetworkUsageMetric struct {
	MetricID  string    `json:"metric_id" db:"metric_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"` // UTC
	BytesIn   int64     `json:"bytes_in" db:"bytes_in"`
	BytesOut  int64     `json:"bytes_out" db:"bytes_out"`
	Route     string    `json:"route" db:"route"`
}

func (m *NetworkUsageMetric) Stream() StreamType    { return StreamNetworkUsage }
func (m *NetworkUsageMetric) OccurredAt() time.Time { return m.Timestamp }

func (m *NetworkUsageMetric) Validate() error {
	if m.BytesIn < 0 || m.BytesOut < 0 {
		return fmt.Errorf("%w: negative byte count (in=%d, out=%d)", ErrInvalidRecord, m.BytesIn, m.BytesOut)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	return nil
}

// -------------------- FAILED LOGIN --------------------

// FailedLoginAttemptMetric records one rejected credential check.
// Username may be empty: attempts against unknown accounts are still recorded.
type FailedLoginAttemptMetric struct {
	MetricID  string    `json:"metric_id" db:"metric_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	IPAddress string    `json:"ip_address" db:"ip_address"`
	Username  string    `json:"username,omitempty" db:"username"`
	Reason    string    `json:"reason" db:"reason"`
}

func (m *FailedLoginAttemptMetric) Stream() StreamType    { return StreamFailedLogin }
func (m *FailedLoginAttemptMetric) OccurredAt() time.Time { return m.Timestamp }

func (m *FailedLoginAttemptMetric) Validate() error {
	if m.IPAddress == "" {
		return fmt.Errorf("%w: ip_address is required", ErrInvalidRecord)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	return nil
}

// -------------------- SLOW QUERY --------------------

type SlowQueryMetric struct {
	MetricID   string    `json:"metric_id" db:"metric_id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	TableName  string    `json:"table_name" db:"table_name"`
	DurationMs int64     `json:"duration_ms" db:"duration_ms"`
	QueryShape string    `json:"query_shape" db:"query_shape"`
}

func (m *SlowQueryMetric) Stream() StreamType    { return StreamSlowQuery }
func (m *SlowQueryMetric) OccurredAt() time.Time { return m.Timestamp }

func (m *SlowQueryMetric) Validate() error {
	if m.DurationMs <= 0 {
		return fmt.Errorf("%w: duration_ms must be positive, got %d", ErrInvalidRecord, m.DurationMs)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	return nil
}

// -------------------- ACTIVE USER --------------------

// ActiveUserMetric is the single mutable entity: exactly one live record per
// user, upserted with write-if-newer semantics on LastActivity.
type ActiveUserMetric struct {
	UserID       string    `json:"user_id" db:"user_id"`
	LastActivity time.Time `json:"last_activity" db:"last_activity"`
	IsActive     bool      `json:"is_active" db:"is_active"`
}

func (m *ActiveUserMetric) Stream() StreamType    { return StreamActiveUser }
func (m *ActiveUserMetric) OccurredAt() time.Time { return m.LastActivity }

func (m *ActiveUserMetric) Validate() error {
	if m.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRecord)
	}
	if m.LastActivity.IsZero() {
		return fmt.Errorf("%w: missing last_activity", ErrInvalidRecord)
	}
	return nil
}

// -------------------- TRANSACTION --------------------

type TransactionMetric struct {
	MetricID  string          `json:"metric_id" db:"metric_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Type      TransactionType `json:"transaction_type" db:"transaction_type"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
}

func (m *TransactionMetric) Stream() StreamType    { return StreamTransaction }
func (m *TransactionMetric) OccurredAt() time.Time { return m.Timestamp }

func (m *TransactionMetric) Validate() error {
	if !ValidTransactionType(m.Type) {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidRecord, m.Type)
	}
	if m.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrInvalidRecord, m.Amount)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidRecord)
	}
	return nil
}

// -------------------- QUERY TYPES --------------------

// TimeRange is inclusive on both ends.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// Filters are conjunctive: every non-zero field must match.

type NetworkUsageFilter struct {
	Route string
}

type FailedLoginFilter struct {
	IPAddress string
	Username  string
	Reason    string
}

type SlowQueryFilter struct {
	TableName string
}

type TransactionFilter struct {
	Type TransactionType
}

// BytesTotal is the network rollup for a period. A nil *BytesTotal from the
// store means no NetworkUsageMetric fell in the range, which is distinct from
// a measured total of zero bytes.
type BytesTotal struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
}

func (b *BytesTotal) Total() int64 {
	return b.BytesIn + b.BytesOut
}
