package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"exchange-service/internal/auth"
	"exchange-service/internal/bucketing"
	"exchange-service/internal/client"
	"exchange-service/internal/config"
	"exchange-service/internal/encryption"
	"exchange-service/internal/events"
	"exchange-service/internal/hashing"
	"exchange-service/internal/notify"
	"exchange-service/internal/repository"
	"exchange-service/internal/repository/memory"
	redisrepo "exchange-service/internal/repository/redis"
	"exchange-service/internal/repository/scylla"
	"exchange-service/internal/service"
	"exchange-service/internal/tls"
	"exchange-service/internal/util"
)

const (
	eventTimeout       = 2 * time.Second
	eventBatchSize     = 200
	eventFlushInterval = 2 * time.Second
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager
	tokenManager      *auth.TokenManager

	// Repositories
	exchangeStore repository.ExchangeStore
	shareTokens   repository.ShareTokenRepository
	profiles      repository.ProfileRepository
	rateLimiter   *redisrepo.RateLimitCache

	// Fan-out
	notifier   notify.Notifier
	recorder   *events.ClickHouseRecorder
	dispatcher *events.Dispatcher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration from the environment and builds every
// dependency from it.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(cfg)
}

// New creates and initializes all application dependencies for cfg.
func New(cfg *config.Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg)
	}

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}
	factory.initializeRepositories()
	factory.initializeEvents()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Exchange.StoreBackend),
		util.String("qr_claim_scope", cfg.Exchange.QRClaimScope),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.Bool("scylla_enabled", factory.scyllaClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("clickhouse_enabled", factory.clickhouseClient != nil),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks.
// Outside production a failing optional client is logged and skipped.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis backs the exchange store, pub/sub and rate limiting.
	if f.config.Exchange.StoreBackend == config.StoreRedis {
		if c, err := client.NewRedisClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			util.Info("ScyllaDB client initialized")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized", util.String("topic", f.config.Kafka.Topic))
		}
	}

	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else if err := c.HealthCheck(ctx); err != nil {
			_ = c.Close()
			initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
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

// initializeManagers initializes hashing, encryption, bucketing and token managers
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config)
	f.bucketingManager = bucketing.NewBucketingManager(f.config)
	f.tokenManager = auth.NewTokenManager(f.config.Auth)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}
	f.encryptionManager = encryption.NewEncryptionManager(f.config, kmsClient)

	util.Info("Managers initialized successfully",
		util.Bool("kms_enabled", kmsClient != nil),
		util.Int("proximity_buckets", f.config.Bucketing.ProximityBuckets),
	)
	return nil
}

// initializeRepositories picks a backend per repository from the clients
// that came up.
func (f *Factory) initializeRepositories() {
	opts := repository.StoreOptions{
		SessionRetention: f.config.Exchange.SessionRetention,
		MatchTTL:         f.config.Exchange.MatchTTL,
	}

	if f.redisClient != nil {
		f.exchangeStore = redisrepo.NewExchangeStore(f.redisClient, opts)
		f.rateLimiter = redisrepo.NewRateLimitCache(f.redisClient)
	} else {
		if f.config.Exchange.StoreBackend == config.StoreRedis {
			util.Warn("Redis unavailable - falling back to the in-memory exchange store")
		}
		f.exchangeStore = memory.NewExchangeStore(opts)
	}

	switch {
	case f.scyllaClient != nil:
		f.shareTokens = scylla.NewShareTokenRepository(f.scyllaClient, f.encryptionManager)
		f.profiles = scylla.NewProfileRepository(f.scyllaClient, f.bucketingManager, f.encryptionManager)
	case f.redisClient != nil:
		f.shareTokens = redisrepo.NewShareTokenCache(f.redisClient, f.encryptionManager)
		f.profiles = memory.NewProfileRepository()
	default:
		f.shareTokens = memory.NewShareTokenRepository()
		f.profiles = memory.NewProfileRepository()
	}
}

func (f *Factory) initializeEvents() {
	if f.redisClient != nil {
		f.notifier = notify.NewRedisNotifier(f.redisClient)
	} else {
		f.notifier = notify.NewHub()
	}

	var publishers []events.Publisher
	if f.kafkaProducer != nil {
		publishers = append(publishers, events.NewKafkaPublisher(f.kafkaProducer))
	}
	if f.clickhouseClient != nil {
		recorder := events.NewClickHouseRecorder(f.clickhouseClient, eventBatchSize, eventFlushInterval)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.EnsureSchema(ctx); err != nil {
			util.Warn("ClickHouse event schema unavailable - not recording events", util.ErrorField(err))
		} else {
			f.recorder = recorder
			publishers = append(publishers, recorder)
		}
	}
	f.dispatcher = events.NewDispatcher(eventTimeout, publishers...)
}

// ServiceFactory returns the exchange services (singleton)
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.exchangeStore,
			f.shareTokens,
			f.profiles,
			f.hasher,
			f.bucketingManager,
			f.notifier,
			f.dispatcher,
			f.config.Exchange,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// HealthCheck reports every wired component; a nil value is healthy.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	health := map[string]error{
		"exchange_store": f.exchangeStore.HealthCheck(ctx),
		"profiles":       f.profiles.HealthCheck(ctx),
	}

	if f.redisClient != nil {
		health["redis"] = f.redisClient.HealthCheck(ctx)
	} else if f.config.Exchange.StoreBackend == config.StoreRedis {
		health["redis"] = fmt.Errorf("redis client not initialized")
	}
	if f.scyllaClient != nil {
		health["scylla"] = f.scyllaClient.HealthCheck(ctx)
	} else if f.config.Scylla.Enabled {
		health["scylla"] = fmt.Errorf("scylla client not initialized")
	}
	if f.clickhouseClient != nil {
		health["clickhouse"] = f.clickhouseClient.HealthCheck(ctx)
	} else if f.config.Clickhouse.Enabled {
		health["clickhouse"] = fmt.Errorf("clickhouse client not initialized")
	}
	if f.kafkaProducer != nil {
		health["kafka"] = f.kafkaProducer.HealthCheck(ctx)
	}

	return health
}

// IsHealthy ignores Kafka: events are best effort.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	for name, err := range f.HealthCheck(ctx) {
		if name != "kafka" && err != nil {
			return false
		}
	}
	return true
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.dispatcher != nil {
			if err := f.dispatcher.Close(); err != nil {
				util.Error("Failed to close event publishers", util.ErrorField(err))
			}
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
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

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Info("Factory shutdown completed")
		util.Sync()
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

func (f *Factory) TokenManager() *auth.TokenManager {
	return f.tokenManager
}

// RateLimiter is nil without Redis.
func (f *Factory) RateLimiter() *redisrepo.RateLimitCache {
	return f.rateLimiter
}

// EventDispatcher delivers exchange events; its Run loop belongs in the
// server's worker group.
func (f *Factory) EventDispatcher() *events.Dispatcher {
	return f.dispatcher
}

// EventRecorder is nil unless ClickHouse is wired.
func (f *Factory) EventRecorder() *events.ClickHouseRecorder {
	return f.recorder
}
