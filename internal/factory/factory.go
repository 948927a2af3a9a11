package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"seat-service/internal/analytics"
	"seat-service/internal/audit"
	"seat-service/internal/bucketing"
	"seat-service/internal/client"
	"seat-service/internal/config"
	"seat-service/internal/events"
	"seat-service/internal/handler"
	"seat-service/internal/license"
	"seat-service/internal/reconcile"
	redisrepo "seat-service/internal/repository/redis"
	"seat-service/internal/repository/scylla"
	"seat-service/internal/seat"
	"seat-service/internal/session"
	"seat-service/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	bucketingManager *bucketing.BucketingManager
	ledger           seat.Ledger
	authority        license.Authority

	// Repositories
	sessionRepo  *scylla.SessionRepository
	checkoutRepo *scylla.CheckoutRepository
	limitRepo    *scylla.SessionLimitRepository
	snapshotRepo *scylla.SnapshotRepository
	sessionCache *redisrepo.SessionCache

	// Services
	emitter        events.Emitter
	recorder       audit.Recorder
	sink           analytics.Sink
	limiter        *session.Limiter
	sessionManager *session.Manager
	sweeper        *session.Sweeper
	reconciler     *reconcile.Reconciler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("ledger_backend", cfg.Pool.Backend),
		util.Int("total_seats", cfg.Pool.TotalSeats),
		util.Int("admin_reserved", cfg.Pool.AdminReserved),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// ScyllaDB
	if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
	} else {
		f.scyllaClient = scyllaClient
		if err := f.scyllaClient.HealthCheck(); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
		} else {
			util.Info("ScyllaDB client initialized and healthy")
		}
	}

	// Kafka
	if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Elasticsearch
	if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
		util.Warn("Elasticsearch initialization failed - proceeding without audit indexing", util.ErrorField(err))
	} else {
		f.esClient = esClient
		util.Info("Elasticsearch client initialized and healthy")
	}

	// ClickHouse
	if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
		util.Warn("ClickHouse initialization failed - proceeding without analytics", util.ErrorField(err))
	} else {
		f.clickhouseClient = chClient
		util.Info("ClickHouse client initialized and healthy")
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

// initializeServices wires repositories, the seat ledger, the license client
// and the session manager together.
func (f *Factory) initializeServices() error {
	cfg := f.config

	f.bucketingManager = bucketing.NewBucketingManager(cfg)

	f.sessionRepo = scylla.NewSessionRepository(f.scyllaClient, f.bucketingManager)
	f.checkoutRepo = scylla.NewCheckoutRepository(f.scyllaClient, f.bucketingManager)
	f.limitRepo = scylla.NewSessionLimitRepository(f.scyllaClient)
	f.snapshotRepo = scylla.NewSnapshotRepository(f.scyllaClient, f.bucketingManager)
	f.sessionCache = redisrepo.NewSessionCache(f.redisClient)

	switch cfg.Pool.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ledger, err := seat.NewRedisLedger(ctx, f.redisClient.Client, "seat:",
			cfg.Pool.TotalSeats, cfg.Pool.AdminReserved)
		if err != nil {
			return err
		}
		f.ledger = ledger
	default:
		f.ledger = seat.NewMemoryLedger(cfg.Pool.TotalSeats, cfg.Pool.AdminReserved)
	}

	f.authority = license.NewHTTPAuthority(cfg.License.BaseURL,
		cfg.License.RequestTimeout, cfg.License.MaxRetries, cfg.License.RetryBackoff)

	f.emitter = events.NopEmitter{}
	if f.kafkaProducer != nil {
		f.emitter = events.NewKafkaEmitter(f.kafkaProducer, cfg.Kafka.Topic)
	}
	f.recorder = audit.NopRecorder{}
	if f.esClient != nil {
		f.recorder = audit.NewESRecorder(f.esClient, cfg.Elastic.AuditIndex)
	}
	f.sink = analytics.NopSink{}
	if f.clickhouseClient != nil {
		f.sink = analytics.NewClickHouseSink(f.clickhouseClient)
	}

	f.limiter = session.NewLimiter(f.limitRepo, f.sessionRepo, cfg.Session.DefaultMaxSessions)

	f.sessionManager = session.NewManager(
		f.sessionRepo,
		f.checkoutRepo,
		f.ledger,
		f.authority,
		f.limiter,
		f.sessionCache,
		f.emitter,
		f.recorder,
		session.Config{
			FeatureName: cfg.License.FeatureName,
			TTL:         cfg.Session.TTL,
			IdleTimeout: cfg.Session.IdleTimeout,
		},
	)

	f.sweeper = session.NewSweeper(f.sessionManager, cfg.Session.SweepInterval, cfg.Session.IdleTimeout)

	f.reconciler = reconcile.NewReconciler(
		f.ledger,
		f.authority,
		f.checkoutRepo,
		f.sessionRepo,
		f.snapshotRepo,
		f.sink,
		f.emitter,
		f.recorder,
		cfg.Reconcile.Interval,
		cfg.Reconcile.Source,
	)

	util.Info("Services initialized successfully")
	return nil
}

// Router builds the HTTP router with all handlers.
func (f *Factory) Router() chi.Router {
	sessionHandler := handler.NewSessionHandler(f.sessionManager)
	adminHandler := handler.NewAdminHandler(f.sessionManager, f.ledger, f.reconciler, f.recorder)
	healthHandler := handler.NewHealthHandler(f.scyllaClient, f.redisClient, f.kafkaProducer, f.clickhouseClient, f.esClient)
	return handler.NewRouter(sessionHandler, adminHandler, healthHandler, util.Get())
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			}
		}

		if f.esClient != nil {
			f.esClient.Close()
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			}
		}

		if f.scyllaClient != nil {
			f.scyllaClient.Close()
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
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

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) ScyllaClient() *scylla.ScyllaClient {
	return f.scyllaClient
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}

func (f *Factory) Ledger() seat.Ledger {
	return f.ledger
}

func (f *Factory) SessionManager() *session.Manager {
	return f.sessionManager
}

func (f *Factory) Sweeper() *session.Sweeper {
	return f.sweeper
}

func (f *Factory) Reconciler() *reconcile.Reconciler {
	return f.reconciler
}
