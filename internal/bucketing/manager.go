package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"telemetry-service/internal/config"
)

// Manager assigns stable partition buckets for store keys. Sessions hash by
// userID so one user always lands on the same Scylla partition; event buckets
// spread high-cardinality keys (IPs, routes) across smaller partitions.
type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool hashers to avoid per-call allocation on the hot write path.
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// UserBucket returns the partition bucket for a user (0 to userBuckets-1).
func (m *Manager) UserBucket(userID string) int {
	return m.bucket(userID, m.userBuckets)
}

// EventBucket returns the partition bucket for an event key.
func (m *Manager) EventBucket(key string) int {
	return m.bucket(key, m.eventBuckets)
}

// TimeBucket aligns a timestamp down to a window boundary, in unix seconds.
func (m *Manager) TimeBucket(t time.Time, window time.Duration) int64 {
	seconds := int64(window.Seconds())
	return t.Unix() / seconds * seconds
}

// DateBucket returns the UTC date partition for a timestamp.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) UserBuckets() int {
	return m.userBuckets
}

func (m *Manager) EventBuckets() int {
	return m.eventBuckets
}

func (m *Manager) bucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(m.sum(key) % uint64(numBuckets))
}

func (m *Manager) sum(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
