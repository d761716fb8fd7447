package anomaly

import (
	"context"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/config"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/redis"
)

// Report summarizes the failed-login activity behind one flagged source.
type Report struct {
	Dimension model.FailedLoginDimension `json:"dimension"`
	Key       string                     `json:"key"`
	Attempts  int64                      `json:"attempts"`
	Threshold int64                      `json:"threshold"`
}

// Detector evaluates failed-login pressure against a time window. A source is
// suspicious when its attempt count within the window meets or exceeds the
// threshold; every key sitting exactly at the threshold is included. Counts
// come from the metric store; the Redis counters are only a fast path for the
// per-request check and never widen the result.
//
// The config carries the service defaults; SuspiciousSince takes the threshold
// per call so policy can change without redeploying the detector.
type Detector struct {
	store    model.MetricStore
	attempts *redis.AttemptCache
	cfg      config.AnomalyConfig
	logger   *zap.Logger
}

func NewDetector(store model.MetricStore, attempts *redis.AttemptCache, cfg config.AnomalyConfig, logger *zap.Logger) *Detector {
	return &Detector{
		store:    store,
		attempts: attempts,
		cfg:      cfg,
		logger:   logger,
	}
}

// Window returns the default detection window length.
func (d *Detector) Window() time.Duration {
	return d.cfg.Window
}

// Threshold returns the default suspicion threshold.
func (d *Detector) Threshold() int64 {
	return d.cfg.Threshold
}

// IsSuspiciousIP reports whether an IP meets the default threshold within the
// default window ending at now.
func (d *Detector) IsSuspiciousIP(ctx context.Context, ipAddress string, now time.Time) (bool, error) {
	count, err := d.AttemptCount(ctx, ipAddress, now)
	if err != nil {
		return false, err
	}
	return count >= d.cfg.Threshold, nil
}

// AttemptCount returns the exact number of failed attempts from the IP within
// the window ending at now. The count a caller sees after an attempt has been
// persisted includes that attempt.
func (d *Detector) AttemptCount(ctx context.Context, ipAddress string, now time.Time) (int64, error) {
	since := now.Add(-d.cfg.Window)
	count, err := d.store.CountFailedLogins(ctx, ipAddress, since)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecentAttemptCount is the cached approximation of AttemptCount, served from
// the Redis counters. It trades exactness for latency: the counter TTL equals
// the window, so entries age out wholesale rather than sliding. Falls back to
// the store when no cache is wired.
func (d *Detector) RecentAttemptCount(ctx context.Context, ipAddress string) (int64, error) {
	if d.attempts == nil {
		return d.AttemptCount(ctx, ipAddress, time.Now().UTC())
	}
	count, err := d.attempts.IPAttempts(ctx, ipAddress)
	if err != nil {
		d.logger.Warn("Attempt cache unavailable, falling back to store",
			zap.String("ip_address", ipAddress),
			zap.Error(err))
		return d.AttemptCount(ctx, ipAddress, time.Now().UTC())
	}
	return count, nil
}

// SuspiciousSince scans [windowStart, now] and returns every IP and username
// whose attempt count meets or exceeds threshold. Attempts with an empty
// username count toward their IP but toward no username.
func (d *Detector) SuspiciousSince(ctx context.Context, windowStart time.Time, threshold int64) ([]Report, error) {
	tr := model.TimeRange{From: windowStart, To: time.Now().UTC()}

	var reports []Report
	for _, dim := range []model.FailedLoginDimension{model.ByIPAddress, model.ByUsername} {
		counts, err := d.store.GroupFailedLogins(ctx, dim, tr)
		if err != nil {
			return nil, err
		}
		for key, attempts := range counts {
			if attempts >= threshold {
				reports = append(reports, Report{
					Dimension: dim,
					Key:       key,
					Attempts:  attempts,
					Threshold: threshold,
				})
			}
		}
	}

	if len(reports) > 0 {
		d.logger.Info("Suspicious login sources detected",
			zap.Int("sources", len(reports)),
			zap.Int64("threshold", threshold),
			zap.Time("window_start", windowStart),
		)
	}
	return reports, nil
}
