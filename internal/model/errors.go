package model

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStoreUnavailable means the backing store could not be reached or
	// timed out. It is retried by the ingestion workers and surfaced as-is
	// on the query path; it never propagates into a request handler as a
	// panic or an unhandled fault.
	ErrStoreUnavailable = errors.New("metric store unavailable")

	// ErrTimeout means a caller-supplied deadline expired before the store
	// answered. Partial results are never returned alongside it.
	ErrTimeout = errors.New("query deadline exceeded")

	// ErrInvalidRecord means a record violated a model invariant. Such
	// records are rejected at ingestion and never persisted.
	ErrInvalidRecord = errors.New("invalid metric record")
)

// StoreError wraps a backend failure as ErrStoreUnavailable, mapping context
// expiry to ErrTimeout so callers can tell the two apart with errors.Is.
func StoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
func IsTimeout(err error) bool          { return errors.Is(err, ErrTimeout) }
func IsInvalidRecord(err error) bool    { return errors.Is(err, ErrInvalidRecord) }
