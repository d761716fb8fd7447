package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/config"
	"telemetry-service/internal/model"
)

// Tracker maintains the single live activity record per user and runs the
// periodic inactivity sweep. Touch is called from the request path (via the
// session middleware) and must stay cheap; the sweep runs on its own ticker
// and deactivates users whose last activity is older than the threshold.
type Tracker struct {
	store  model.SessionStore
	cfg    config.SweepConfig
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time

	sweeping  atomic.Bool
	sweeps    atomic.Int64
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewTracker(store model.SessionStore, cfg config.SweepConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Touch records activity for a user at ts. It reactivates deactivated users
// and ignores out-of-order activity older than what is already recorded.
func (t *Tracker) Touch(ctx context.Context, userID string, ts time.Time) error {
	m := &model.ActiveUserMetric{
		UserID:       userID,
		LastActivity: ts.UTC(),
		IsActive:     true,
	}
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := t.store.UpsertActiveUser(ctx, m)
	return err
}

// Get returns the live record for a user, nil when the user has never been
// seen.
func (t *Tracker) Get(ctx context.Context, userID string) (*model.ActiveUserMetric, error) {
	return t.store.GetActiveUser(ctx, userID)
}

// ActiveCount returns the number of users active within the inactivity
// threshold ending at now.
func (t *Tracker) ActiveCount(ctx context.Context) (int64, error) {
	return t.store.CountActive(ctx, t.now().Add(-t.cfg.InactivityThreshold))
}

// ListActive returns the users active within the inactivity threshold.
func (t *Tracker) ListActive(ctx context.Context) ([]*model.ActiveUserMetric, error) {
	return t.store.ListActive(ctx, t.now().Add(-t.cfg.InactivityThreshold))
}

// Sweep deactivates every user whose last activity is strictly older than the
// inactivity threshold. Each user is handled independently, so one failed
// write never blocks the rest, and re-running over the same state is a no-op.
// A concurrent Touch wins: the store declines the deactivation when the
// observed last-activity timestamp no longer matches.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	if !t.sweeping.CompareAndSwap(false, true) {
		// A sweep is already in flight; skip rather than stack.
		return 0, nil
	}
	defer t.sweeping.Store(false)

	cutoff := t.now().Add(-t.cfg.InactivityThreshold)
	stale, err := t.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	deactivated := 0
	var lastErr error
	for _, m := range stale {
		applied, err := t.store.Deactivate(ctx, m.UserID, m.LastActivity)
		if err != nil {
			t.logger.Warn("Failed to deactivate stale user",
				zap.String("user_id", m.UserID),
				zap.Error(err))
			lastErr = err
			continue
		}
		if applied {
			deactivated++
		}
	}

	t.sweeps.Add(1)
	if deactivated > 0 {
		t.logger.Info("Inactivity sweep completed",
			zap.Int("deactivated", deactivated),
			zap.Int("stale_candidates", len(stale)),
			zap.Time("cutoff", cutoff),
		)
	}
	return deactivated, lastErr
}

// Start launches the sweep loop on the configured interval.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		t.done = make(chan struct{})

		go t.loop(ctx)

		t.logger.Info("Session tracker started",
			zap.Duration("sweep_interval", t.cfg.Interval),
			zap.Duration("inactivity_threshold", t.cfg.InactivityThreshold),
		)
	})
}

// Stop halts the sweep loop and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel == nil {
			return
		}
		t.cancel()
		<-t.done
		t.logger.Info("Session tracker stopped", zap.Int64("sweeps", t.sweeps.Load()))
	})
}

func (t *Tracker) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.Sweep(ctx); err != nil {
				t.logger.Error("Inactivity sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
