package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telemetry-service/internal/aggregate"
	"telemetry-service/internal/anomaly"
	"telemetry-service/internal/bucketing"
	"telemetry-service/internal/client"
	"telemetry-service/internal/config"
	"telemetry-service/internal/ingest"
	"telemetry-service/internal/model"
	"telemetry-service/internal/repository/clickhouse"
	"telemetry-service/internal/repository/elastic"
	"telemetry-service/internal/repository/memory"
	"telemetry-service/internal/repository/redis"
	"telemetry-service/internal/repository/scylla"
	"telemetry-service/internal/session"
	"telemetry-service/internal/tls"
	"telemetry-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	bucketingManager *bucketing.Manager

	// Stores
	metricStore  model.MetricStore
	sessionStore model.SessionStore
	memoryStore  *memory.Store

	// Components
	attemptCache *redis.AttemptCache
	slowIndex    *elastic.SlowQueryIndex
	gateway      *ingest.Gateway
	detector     *anomaly.Detector
	tracker      *session.Tracker
	engine       *aggregate.Engine

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsConfig := &tls.TLSConfig{
			EnableTLS:   cfg.Server.EnableTLS,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.Email,
			Environment: cfg.Environment,
		}
		factory.tlsManager = tls.NewTLSManager(tlsConfig)
	}

	factory.bucketingManager = bucketing.NewManager(cfg)

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeStores(); err != nil {
		return nil, fmt.Errorf("failed to initialize stores: %w", err)
	}

	factory.initializeComponents()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("metric_driver", cfg.Store.MetricDriver),
		util.String("session_driver", cfg.Store.SessionDriver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	}

	// ScyllaDB
	if f.config.Store.SessionDriver == "scylla" {
		if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	// ClickHouse
	if f.config.Store.MetricDriver == "clickhouse" {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	// Kafka is optional: a missing broker degrades to no security mirroring.
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch is optional as well.
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			util.Warn("Elasticsearch initialization failed - proceeding without search", util.ErrorField(err))
		} else {
			f.esClient = c
			if err := f.esClient.HealthCheck(); err != nil {
				util.Warn("Elasticsearch health check failed", util.ErrorField(err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeStores wires the configured drivers. The memory driver implements
// both store interfaces, so a single instance is shared when both fall back.
func (f *Factory) initializeStores() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch f.config.Store.MetricDriver {
	case "clickhouse":
		if f.clickhouseClient == nil {
			if f.config.IsProduction() {
				return fmt.Errorf("metric driver is clickhouse but client is unavailable")
			}
			util.Warn("ClickHouse unavailable, falling back to memory metric store")
			f.metricStore = f.memory()
		} else {
			repo := clickhouse.NewMetricRepository(f.clickhouseClient, util.Get())
			if err := repo.EnsureSchema(ctx); err != nil {
				if f.config.IsProduction() {
					return fmt.Errorf("clickhouse schema: %w", err)
				}
				util.Warn("ClickHouse schema setup failed, falling back to memory metric store", util.ErrorField(err))
				f.metricStore = f.memory()
			} else {
				f.metricStore = repo
			}
		}
	case "memory":
		f.metricStore = f.memory()
	default:
		return fmt.Errorf("unknown metric store driver %q", f.config.Store.MetricDriver)
	}

	switch f.config.Store.SessionDriver {
	case "scylla":
		if f.scyllaClient == nil {
			if f.config.IsProduction() {
				return fmt.Errorf("session driver is scylla but client is unavailable")
			}
			util.Warn("ScyllaDB unavailable, falling back to memory session store")
			f.sessionStore = f.memory()
		} else {
			f.sessionStore = scylla.NewSessionRepository(f.scyllaClient, f.bucketingManager, util.Get())
		}
	case "memory":
		f.sessionStore = f.memory()
	default:
		return fmt.Errorf("unknown session store driver %q", f.config.Store.SessionDriver)
	}

	return nil
}

func (f *Factory) memory() *memory.Store {
	if f.memoryStore == nil {
		f.memoryStore = memory.NewStore()
	}
	return f.memoryStore
}

func (f *Factory) initializeComponents() {
	if f.redisClient != nil {
		f.attemptCache = redis.NewAttemptCache(f.redisClient, f.config.Anomaly.Window)
	}
	if f.esClient != nil {
		f.slowIndex = elastic.NewSlowQueryIndex(f.esClient, f.config.Elasticsearch.SlowQueryIndex)
	}

	var opts []ingest.Option
	if f.attemptCache != nil {
		opts = append(opts, ingest.WithAttemptCache(f.attemptCache))
	}
	if f.slowIndex != nil {
		opts = append(opts, ingest.WithSlowQueryIndex(f.slowIndex))
	}
	if f.kafkaProducer != nil {
		opts = append(opts, ingest.WithSecurityProducer(f.kafkaProducer, f.config.Kafka.SecurityTopic))
	}

	f.gateway = ingest.NewGateway(f.metricStore, f.config.Ingest, util.Get(), opts...)
	f.detector = anomaly.NewDetector(f.metricStore, f.attemptCache, f.config.Anomaly, util.Get())
	f.tracker = session.NewTracker(f.sessionStore, f.config.Sweep, util.Get())
	f.engine = aggregate.NewEngine(f.metricStore, f.sessionStore, f.config.Server.QueryTimeout, util.Get())

	util.Info("Components initialized successfully",
		util.Bool("attempt_cache", f.attemptCache != nil),
		util.Bool("slow_query_index", f.slowIndex != nil),
		util.Bool("security_mirror", f.kafkaProducer != nil),
	)
}

// Start launches the background components: ingestion workers and the
// inactivity sweep loop.
func (f *Factory) Start() {
	f.gateway.Start()
	f.tracker.Start()
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.metricStore != nil {
		if err := f.metricStore.HealthCheck(ctx); err != nil {
			healthErrors["metric_store"] = err
		}
	} else {
		healthErrors["metric_store"] = fmt.Errorf("metric store not initialized")
	}

	if f.sessionStore != nil {
		if err := f.sessionStore.HealthCheck(ctx); err != nil {
			healthErrors["session_store"] = err
		}
	} else {
		healthErrors["session_store"] = fmt.Errorf("session store not initialized")
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	// Side channels are best effort and never gate readiness.
	delete(healthErrors, "kafka")
	delete(healthErrors, "elasticsearch")
	delete(healthErrors, "redis")
	return len(healthErrors) == 0
}

// ==============================
// Shutdown
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		// Stop producers of store traffic before the clients underneath.
		if f.tracker != nil {
			f.tracker.Stop()
			util.Info("Session tracker stopped")
		}

		if f.gateway != nil {
			f.gateway.Stop()
			util.Info("Ingestion gateway drained and stopped")
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
			util.Info("Elasticsearch client closed")
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// ==============================
// Accessors
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) Gateway() *ingest.Gateway {
	return f.gateway
}

func (f *Factory) Detector() *anomaly.Detector {
	return f.detector
}

func (f *Factory) Tracker() *session.Tracker {
	return f.tracker
}

func (f *Factory) Engine() *aggregate.Engine {
	return f.engine
}

func (f *Factory) SlowQueryIndex() *elastic.SlowQueryIndex {
	return f.slowIndex
}

func (f *Factory) BucketingManager() *bucketing.Manager {
	return f.bucketingManager
}
