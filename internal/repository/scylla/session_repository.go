package scylla

import (
	"context"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"telemetry-service/internal/bucketing"
	"telemetry-service/internal/model"
	"telemetry-service/internal/util"
)

// SessionRepository implements model.SessionStore on ScyllaDB. The write-if-
// newer upsert is a pair of lightweight transactions so it stays correct when
// several service instances touch the same user concurrently.
type SessionRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.Manager
}

func NewSessionRepository(client *ScyllaClient, bucketing *bucketing.Manager, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		client:    client,
		bucketing: bucketing,
	}
}

// UpsertActiveUser inserts the record if the user is unseen, otherwise bumps
// last_activity only when the incoming timestamp is newer. A stale write is a
// no-op, reported as applied=false.
func (r *SessionRepository) UpsertActiveUser(ctx context.Context, m *model.ActiveUserMetric) (bool, error) {
	bucket := r.bucketing.UserBucket(m.UserID)
	ts := m.LastActivity.UTC()

	q := r.client.Prepared.InsertActiveUser.WithContext(ctx).
		Bind(bucket, m.UserID, ts)

	applied, err := q.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, model.StoreError("upsert active user", err)
	}
	if applied {
		return true, nil
	}

	// Row exists: conditional bump. Not-applied means a concurrent touch
	// already recorded a newer activity, which is the desired outcome.
	q = r.client.Prepared.TouchActiveUser.WithContext(ctx).
		Bind(ts, bucket, m.UserID, ts)

	applied, err = q.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, model.StoreError("touch active user", err)
	}
	return applied, nil
}

func (r *SessionRepository) GetActiveUser(ctx context.Context, userID string) (*model.ActiveUserMetric, error) {
	bucket := r.bucketing.UserBucket(userID)

	m := &model.ActiveUserMetric{}
	err := r.client.Prepared.GetActiveUser.WithContext(ctx).
		Bind(bucket, userID).
		Scan(&m.UserID, &m.LastActivity, &m.IsActive)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, model.StoreError("get active user", err)
	}
	return m, nil
}

// ListStale walks every bucket and collects active records whose
// last_activity predates the cutoff.
func (r *SessionRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*model.ActiveUserMetric, error) {
	var stale []*model.ActiveUserMetric

	for bucket := 0; bucket < r.bucketing.UserBuckets(); bucket++ {
		iter := r.client.Prepared.ListActiveInBucket.WithContext(ctx).
			Bind(bucket).
			Iter()

		var m model.ActiveUserMetric
		for iter.Scan(&m.UserID, &m.LastActivity, &m.IsActive) {
			if m.IsActive && m.LastActivity.Before(cutoff) {
				record := m
				stale = append(stale, &record)
			}
		}

		if err := iter.Close(); err != nil {
			util.Error("Failed to scan bucket for stale sessions",
				zap.Int("bucket", bucket),
				zap.Error(err))
			return nil, model.StoreError("list stale sessions", err)
		}
	}

	return stale, nil
}

// Deactivate flips one record to inactive only while last_activity still
// matches the value the sweep observed; a concurrent touch wins.
func (r *SessionRepository) Deactivate(ctx context.Context, userID string, observedLastActivity time.Time) (bool, error) {
	bucket := r.bucketing.UserBucket(userID)

	q := r.client.Prepared.DeactivateUser.WithContext(ctx).
		Bind(bucket, userID, observedLastActivity.UTC())

	applied, err := q.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, model.StoreError("deactivate user", err)
	}
	return applied, nil
}

func (r *SessionRepository) ListActive(ctx context.Context, since time.Time) ([]*model.ActiveUserMetric, error) {
	var active []*model.ActiveUserMetric

	for bucket := 0; bucket < r.bucketing.UserBuckets(); bucket++ {
		iter := r.client.Prepared.ListActiveInBucket.WithContext(ctx).
			Bind(bucket).
			Iter()

		var m model.ActiveUserMetric
		for iter.Scan(&m.UserID, &m.LastActivity, &m.IsActive) {
			if m.IsActive && !m.LastActivity.Before(since) {
				record := m
				active = append(active, &record)
			}
		}

		if err := iter.Close(); err != nil {
			return nil, model.StoreError("list active sessions", err)
		}
	}

	return active, nil
}

func (r *SessionRepository) CountActive(ctx context.Context, since time.Time) (int64, error) {
	active, err := r.ListActive(ctx, since)
	if err != nil {
		return 0, err
	}
	return int64(len(active)), nil
}

func (r *SessionRepository) HealthCheck(ctx context.Context) error {
	if err := r.client.HealthCheck(); err != nil {
		return model.StoreError("session store health check", err)
	}
	return nil
}
