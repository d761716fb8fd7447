package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"telemetry-service/internal/client"
	"telemetry-service/internal/util"
)

const (
	ipAttemptPrefix   = "failed_login:ip:"
	userAttemptPrefix = "failed_login:user:"
)

// AttemptCache keeps hot failed-login counters in Redis, keyed per IP and per
// username with a TTL equal to the detection window. It is a signal cache for
// the per-request fast path; the metric store remains the source of truth and
// the cache is rebuilt naturally as new attempts arrive.
type AttemptCache struct {
	client *client.RedisClient
	window time.Duration
}

func NewAttemptCache(client *client.RedisClient, window time.Duration) *AttemptCache {
	return &AttemptCache{client: client, window: window}
}

// Window returns the TTL applied to the counters.
func (c *AttemptCache) Window() time.Duration {
	return c.window
}

// RecordAttempt bumps the IP counter and, when the username is known, the
// username counter. Called by the ingestion workers after a failed-login
// record is persisted.
func (c *AttemptCache) RecordAttempt(ctx context.Context, ipAddress, username string) error {
	if _, err := c.client.IncrWithExpire(ctx, ipAttemptPrefix+ipAddress, c.window); err != nil {
		util.Error("Failed to increment IP attempt counter",
			zap.String("ip_address", ipAddress),
			zap.Error(err))
		return fmt.Errorf("failed to increment ip attempt counter: %w", err)
	}

	if username != "" {
		if _, err := c.client.IncrWithExpire(ctx, userAttemptPrefix+username, c.window); err != nil {
			util.Error("Failed to increment username attempt counter",
				zap.String("username", username),
				zap.Error(err))
			return fmt.Errorf("failed to increment username attempt counter: %w", err)
		}
	}

	return nil
}

// IPAttempts returns the cached counter for an IP; zero when no counter is
// set.
func (c *AttemptCache) IPAttempts(ctx context.Context, ipAddress string) (int64, error) {
	return c.counter(ctx, ipAttemptPrefix+ipAddress)
}

// UserAttempts returns the cached counter for a username.
func (c *AttemptCache) UserAttempts(ctx context.Context, username string) (int64, error) {
	return c.counter(ctx, userAttemptPrefix+username)
}

// Reset clears the counters for a key, e.g. after a successful login.
func (c *AttemptCache) Reset(ctx context.Context, ipAddress, username string) error {
	keys := []string{ipAttemptPrefix + ipAddress}
	if username != "" {
		keys = append(keys, userAttemptPrefix+username)
	}
	if err := c.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("failed to reset attempt counters: %w", err)
	}
	return nil
}

func (c *AttemptCache) counter(ctx context.Context, key string) (int64, error) {
	countStr, err := c.client.Get(ctx, key)
	if err != nil {
		if err.Error() == fmt.Sprintf("key not found: %s", key) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get attempt counter: %w", err)
	}

	count, err := strconv.ParseInt(countStr, 10, 64)
	if err != nil {
		util.Error("Invalid attempt counter format",
			zap.String("key", key),
			zap.String("count_str", countStr),
			zap.Error(err))
		return 0, fmt.Errorf("invalid attempt counter format: %w", err)
	}

	return count, nil
}
