package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"telemetry-service/internal/client"
	"telemetry-service/internal/config"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/elastic"
	"telemetry-service/internal/repository/redis"
)

// Gateway decouples metric production on the request path from persistence.
// Record validates, assigns an ID and enqueues; it never blocks and never
// surfaces an operational failure to the caller. Each stream has its own
// bounded queue drained by a dedicated worker, so delivery to the store is
// FIFO per stream absent drops.
//
// Drop policy: drop-newest. A record arriving at a full queue is discarded
// and counted; records already queued are never evicted.
type Gateway struct {
	store   model.MetricStore
	cfg     config.IngestConfig
	logger  *zap.Logger
	queues  map[model.StreamType]chan model.Metric
	dropped map[model.StreamType]*atomic.Int64

	persisted atomic.Int64
	retried   atomic.Int64

	// Optional side channels fed after a successful append.
	attempts      *redis.AttemptCache
	slowIndex     *elastic.SlowQueryIndex
	producer      *client.KafkaProducer
	securityTopic string

	cancel    context.CancelFunc
	group     *errgroup.Group
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures optional gateway collaborators.
type Option func(*Gateway)

// WithAttemptCache enables hot failed-login counters.
func WithAttemptCache(cache *redis.AttemptCache) Option {
	return func(g *Gateway) { g.attempts = cache }
}

// WithSlowQueryIndex enables forensic indexing of slow queries.
func WithSlowQueryIndex(index *elastic.SlowQueryIndex) Option {
	return func(g *Gateway) { g.slowIndex = index }
}

// WithSecurityProducer mirrors failed-login events onto a Kafka topic.
func WithSecurityProducer(producer *client.KafkaProducer, topic string) Option {
	return func(g *Gateway) {
		g.producer = producer
		g.securityTopic = topic
	}
}

var appendStreams = []model.StreamType{
	model.StreamNetworkUsage,
	model.StreamFailedLogin,
	model.StreamSlowQuery,
	model.StreamTransaction,
}

func NewGateway(store model.MetricStore, cfg config.IngestConfig, logger *zap.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		queues:  make(map[model.StreamType]chan model.Metric, len(appendStreams)),
		dropped: make(map[model.StreamType]*atomic.Int64, len(appendStreams)),
	}
	for _, stream := range appendStreams {
		g.queues[stream] = make(chan model.Metric, cfg.QueueCapacity)
		g.dropped[stream] = &atomic.Int64{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start launches one drain worker per stream queue.
func (g *Gateway) Start() {
	g.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		g.cancel = cancel
		g.group = &errgroup.Group{}

		for _, stream := range appendStreams {
			queue := g.queues[stream]
			g.group.Go(func() error {
				g.drain(ctx, queue)
				return nil
			})
		}

		g.logger.Info("Ingestion gateway started",
			zap.Int("queue_capacity", g.cfg.QueueCapacity),
			zap.Int("streams", len(appendStreams)),
		)
	})
}

// Stop cancels the workers, lets them drain what is already queued, and
// waits for them to exit.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		if g.cancel == nil {
			return
		}
		g.cancel()
		_ = g.group.Wait()
		g.logger.Info("Ingestion gateway stopped",
			zap.Int64("persisted", g.persisted.Load()),
			zap.Int64("dropped", g.DroppedTotal()),
		)
	})
}

// Record validates and enqueues a metric. The only error it ever returns is
// ErrInvalidRecord; queue saturation and store failures are absorbed here and
// never reach the originating request.
func (g *Gateway) Record(m model.Metric) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if sq, ok := m.(*model.SlowQueryMetric); ok && sq.DurationMs <= g.cfg.SlowQueryThresholdMs {
		return fmt.Errorf("%w: duration %dms at or below threshold %dms",
			model.ErrInvalidRecord, sq.DurationMs, g.cfg.SlowQueryThresholdMs)
	}

	g.assignID(m)

	queue, ok := g.queues[m.Stream()]
	if !ok {
		return fmt.Errorf("%w: stream %q does not accept appends", model.ErrInvalidRecord, m.Stream())
	}

	select {
	case queue <- m:
	default:
		dropped := g.dropped[m.Stream()].Add(1)
		if dropped == 1 || dropped%1000 == 0 {
			g.logger.Warn("Metric dropped: ingest queue full",
				zap.String("stream", string(m.Stream())),
				zap.Int64("dropped_total", dropped),
			)
		}
	}
	return nil
}

func (g *Gateway) assignID(m model.Metric) {
	switch r := m.(type) {
	case *model.NetworkUsageMetric:
		if r.MetricID == "" {
			r.MetricID = uuid.New().String()
		}
	case *model.FailedLoginAttemptMetric:
		if r.MetricID == "" {
			r.MetricID = uuid.New().String()
		}
	case *model.SlowQueryMetric:
		if r.MetricID == "" {
			r.MetricID = uuid.New().String()
		}
	case *model.TransactionMetric:
		if r.MetricID == "" {
			r.MetricID = uuid.New().String()
		}
	}
}

// drain delivers queued records one at a time. Delivery deliberately ignores
// the shutdown signal: a record accepted into the queue gets its full retry
// budget even mid-shutdown, and the budget is bounded so Stop cannot hang.
func (g *Gateway) drain(ctx context.Context, queue chan model.Metric) {
	for {
		select {
		case m := <-queue:
			g.deliver(m)
		case <-ctx.Done():
			// Shutdown: flush what is already queued, then exit.
			for {
				select {
				case m := <-queue:
					g.deliver(m)
				default:
					return
				}
			}
		}
	}
}

// deliver appends one record, retrying ErrStoreUnavailable with exponential
// backoff up to the configured attempt bound, then dropping.
func (g *Gateway) deliver(m model.Metric) {
	var lastErr error

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			g.retried.Add(1)
			time.Sleep(g.backoff(attempt))
		}

		appendCtx, cancel := context.WithTimeout(context.Background(), g.cfg.AppendTimeout)
		err := g.append(appendCtx, m)
		cancel()

		if err == nil {
			g.persisted.Add(1)
			g.afterPersist(m)
			return
		}
		lastErr = err

		if model.IsInvalidRecord(err) {
			break
		}
	}

	g.dropped[m.Stream()].Add(1)
	g.logger.Error("Metric dropped after retries exhausted",
		zap.String("stream", string(m.Stream())),
		zap.Int("max_retries", g.cfg.MaxRetries),
		zap.Error(lastErr),
	)
}

func (g *Gateway) append(ctx context.Context, m model.Metric) error {
	switch r := m.(type) {
	case *model.NetworkUsageMetric:
		return g.store.AppendNetworkUsage(ctx, r)
	case *model.FailedLoginAttemptMetric:
		return g.store.AppendFailedLogin(ctx, r)
	case *model.SlowQueryMetric:
		return g.store.AppendSlowQuery(ctx, r)
	case *model.TransactionMetric:
		return g.store.AppendTransaction(ctx, r)
	default:
		return fmt.Errorf("%w: unsupported stream %q", model.ErrInvalidRecord, m.Stream())
	}
}

// afterPersist feeds the optional side channels. All of it is best effort:
// failures are logged and never retried.
func (g *Gateway) afterPersist(m model.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.AppendTimeout)
	defer cancel()

	switch r := m.(type) {
	case *model.FailedLoginAttemptMetric:
		if g.attempts != nil {
			if err := g.attempts.RecordAttempt(ctx, r.IPAddress, r.Username); err != nil {
				g.logger.Warn("Failed to bump attempt counters", zap.Error(err))
			}
		}
		if g.producer != nil {
			payload, err := json.Marshal(r)
			if err == nil {
				err = g.producer.ProduceMessage(ctx, g.securityTopic, []byte(r.IPAddress), payload, nil)
			}
			if err != nil {
				g.logger.Warn("Failed to mirror failed login to Kafka", zap.Error(err))
			}
		}
	case *model.SlowQueryMetric:
		if g.slowIndex != nil {
			if err := g.slowIndex.Index(ctx, r); err != nil {
				g.logger.Warn("Failed to index slow query", zap.Error(err))
			}
		}
	}
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := g.cfg.RetryBackoff << (attempt - 1)
	if d > g.cfg.MaxRetryBackoff {
		d = g.cfg.MaxRetryBackoff
	}
	return d
}

// Stats is a point-in-time snapshot of the gateway's observable state.
type Stats struct {
	QueueCapacity int                        `json:"queue_capacity"`
	QueueDepth    map[model.StreamType]int   `json:"queue_depth"`
	Dropped       map[model.StreamType]int64 `json:"dropped"`
	DroppedTotal  int64                      `json:"dropped_total"`
	Persisted     int64                      `json:"persisted"`
	Retried       int64                      `json:"retried"`
}

func (g *Gateway) Stats() Stats {
	s := Stats{
		QueueCapacity: g.cfg.QueueCapacity,
		QueueDepth:    make(map[model.StreamType]int, len(appendStreams)),
		Dropped:       make(map[model.StreamType]int64, len(appendStreams)),
		Persisted:     g.persisted.Load(),
		Retried:       g.retried.Load(),
	}
	for _, stream := range appendStreams {
		s.QueueDepth[stream] = len(g.queues[stream])
		dropped := g.dropped[stream].Load()
		s.Dropped[stream] = dropped
		s.DroppedTotal += dropped
	}
	return s
}

// DroppedTotal returns the MetricDropped counter summed across streams.
func (g *Gateway) DroppedTotal() int64 {
	var total int64
	for _, counter := range g.dropped {
		total += counter.Load()
	}
	return total
}
