package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"passwordless-auth/internal/bucketing"
	"passwordless-auth/internal/client"
	"passwordless-auth/internal/config"
	"passwordless-auth/internal/encryption"
	"passwordless-auth/internal/events"
	"passwordless-auth/internal/hashing"
	"passwordless-auth/internal/repository"
	"passwordless-auth/internal/repository/memory"
	"passwordless-auth/internal/repository/postgres"
	redisrepo "passwordless-auth/internal/repository/redis"
	"passwordless-auth/internal/repository/scylla"
	"passwordless-auth/internal/service"
	"passwordless-auth/internal/tls"
	"passwordless-auth/internal/token"
	"passwordless-auth/internal/util"
)

const eventPublishTimeout = 2 * time.Second

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher           *hashing.Hasher
	secretManager    *encryption.SecretManager
	bucketingManager *bucketing.BucketingManager
	signer           *token.HMACSigner

	store          repository.Store
	blacklistCache *redisrepo.BlacklistCache
	runLock        *redisrepo.RunLock
	ipThrottle     *redisrepo.IPThrottle
	publisher      *events.MultiPublisher
	delivery       events.CodeDelivery
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes all application dependencies
func NewFactory(ctx context.Context) (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return NewFactoryWithConfig(ctx, cfg)
}

// NewFactoryWithConfig initializes dependencies from an already loaded config.
func NewFactoryWithConfig(ctx context.Context, cfg *config.Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg.Server, cfg.IsProduction())
	}

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := factory.initializeStore(initCtx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := factory.initializeClients(initCtx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeManagers(initCtx); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	factory.initializeEvents(initCtx)

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_driver", cfg.Store.Driver),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis_enabled", factory.redisClient != nil),
		util.Int("event_sinks", factory.publisher.Len()),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
	)

	return factory, nil
}

// initializeStore connects the configured Contact Store backend
func (f *Factory) initializeStore(ctx context.Context) error {
	switch f.config.Store.Driver {
	case "scylla":
		f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)
		sc, err := scylla.NewScyllaClient(f.config)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		if f.config.Scylla.CreateSchema {
			if err := sc.EnsureSchema(ctx); err != nil {
				sc.Close()
				return fmt.Errorf("scylla schema: %w", err)
			}
		}
		f.store = scylla.NewStore(sc, f.bucketingManager)

	case "postgres":
		pool, err := postgres.NewPool(ctx, f.config.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		if f.config.Postgres.CreateSchema {
			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				pool.Close()
				return fmt.Errorf("postgres schema: %w", err)
			}
		}
		f.store = postgres.NewStore(pool)

	case "memory":
		util.Warn("Using the in-memory store; data is lost on restart")
		f.store = memory.NewStore()

	default:
		return fmt.Errorf("unknown store driver %q", f.config.Store.Driver)
	}

	if err := f.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s health check: %w", f.config.Store.Driver, err)
	}
	util.Info("Contact store initialized and healthy", util.String("driver", f.config.Store.Driver))
	return nil
}

// initializeClients initializes the optional external service clients
func (f *Factory) initializeClients(ctx context.Context) error {
	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if rc, err := client.NewRedisClient(f.config.Redis); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := rc.HealthCheck(ctx); err != nil {
			_ = rc.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = rc
			f.blacklistCache = redisrepo.NewBlacklistCache(rc, f.config.Redis.BlacklistCacheTTL)
			f.runLock = redisrepo.NewRunLock(rc)
			f.ipThrottle = redisrepo.NewIPThrottle(rc, f.config.Server.IPRequestsPerMinute, time.Minute)
			util.Info("Redis client initialized and healthy")
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config.Kafka); err != nil {
			initErrors = append(initErrors, fmt.Errorf("kafka: %w", err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if es, err := client.NewElasticsearchClient(f.config.Elasticsearch, f.config.IsDevelopment()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else if err := es.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
		} else {
			f.esClient = es
			util.Info("Elasticsearch client initialized and healthy")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config.Clickhouse, f.config.IsProduction()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := ch.HealthCheck(ctx); err != nil {
			_ = ch.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = ch
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeManagers resolves the signing secret and builds hashing and signing
func (f *Factory) initializeManagers(ctx context.Context) error {
	var decrypter encryption.KMSDecrypter
	if f.config.KMS.Enabled {
		kmsClient, err := encryption.NewKMSClient(ctx, f.config.KMS)
		if err != nil {
			return fmt.Errorf("kms: %w", err)
		}
		decrypter = kmsClient
	}
	f.secretManager = encryption.NewSecretManager(decrypter, f.config.KMS.KeyID)

	secret, err := f.secretManager.ResolveSigningSecret(ctx, f.config.Session, f.config.IsProduction())
	if err != nil {
		return fmt.Errorf("signing secret: %w", err)
	}
	signer, err := token.NewHMACSigner(secret, f.config.Session.Issuer, f.config.Session.SessionTTL, nil)
	if err != nil {
		return fmt.Errorf("session signer: %w", err)
	}
	f.signer = signer
	f.hasher = hashing.NewHasher(f.config.Hashing)

	util.Info("Managers initialized successfully",
		util.Bool("kms_secret", f.config.Session.SigningSecretKMS != ""),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
	return nil
}

// initializeEvents wires security event sinks and OTP delivery
func (f *Factory) initializeEvents(ctx context.Context) {
	var sinks []events.Publisher
	if f.kafkaProducer != nil {
		sinks = append(sinks, events.NewKafkaPublisher(f.kafkaProducer, f.config.Kafka.SecurityEventsTopic))
	}
	if f.clickhouseClient != nil {
		ch := events.NewClickHousePublisher(f.clickhouseClient)
		if err := ch.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse security_events table unavailable, skipping sink", util.ErrorField(err))
		} else {
			sinks = append(sinks, ch)
		}
	}
	if f.esClient != nil {
		sinks = append(sinks, events.NewElasticsearchPublisher(f.esClient, f.config.Elasticsearch.IndexPrefix))
	}
	f.publisher = events.NewMultiPublisher(sinks...)

	if f.kafkaProducer != nil {
		f.delivery = events.NewKafkaCodeDelivery(f.kafkaProducer, f.config.Kafka.OTPDeliveryTopic)
	} else {
		f.delivery = events.NewLogCodeDelivery(util.Get(), f.config.IsDevelopment())
	}
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		// typed nils must not leak into the service interfaces
		var cache service.BlacklistCache
		if f.blacklistCache != nil {
			cache = f.blacklistCache
		}
		var lock service.RunLocker
		if f.runLock != nil {
			lock = f.runLock
		}

		logger := util.Get()
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.store,
			f.hasher,
			f.signer,
			cache,
			lock,
			f.delivery,
			service.Options{
				Emitter: events.NewEmitter(f.publisher, eventPublishTimeout, logger),
				Logger:  logger,
			},
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthChecks returns one probe per dependency that is in use.
func (f *Factory) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{
		"store": f.store.HealthCheck,
	}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient.HealthCheck
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer.HealthCheck
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient.HealthCheck
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient.HealthCheck
	}
	return checks
}

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)
	for name, check := range f.HealthChecks() {
		if err := check(ctx); err != nil {
			healthErrors[name] = err
		}
	}
	return healthErrors
}

// IsHealthy ignores the event sinks; they never gate authentication.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	delete(healthErrors, "elasticsearch")
	return len(healthErrors) == 0
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

		if f.store != nil {
			f.store.Close()
			util.Info("Contact store closed")
		}

		if f.redisClient != nil {
			_ = f.redisClient.Close()
		}

		if f.secretManager != nil {
			f.secretManager.ClearCache()
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

func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

// IPThrottle is nil when Redis is disabled.
func (f *Factory) IPThrottle() *redisrepo.IPThrottle {
	return f.ipThrottle
}
