package factory

import (
	"context"
	"fmt"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"

	"luki-gateway/internal/breaker"
	"luki-gateway/internal/cache"
	"luki-gateway/internal/client"
	"luki-gateway/internal/config"
	"luki-gateway/internal/encryption"
	"luki-gateway/internal/events"
	"luki-gateway/internal/health"
	"luki-gateway/internal/quota"
	"luki-gateway/internal/ratelimit"
	redisrepo "luki-gateway/internal/repository/redis"
	"luki-gateway/internal/repository/scylla"
	"luki-gateway/internal/tls"
	"luki-gateway/internal/util"
)

// Factory wires and owns the lifecycle of every gateway dependency.
// Optional backends (Kafka, ClickHouse, Elasticsearch, Scylla) are only
// created when enabled; the gateway degrades rather than refuses to start.
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	encryptionManager *encryption.Manager
	limiter           *ratelimit.Limiter
	tracker           *quota.Tracker
	breakers          *breaker.Manager
	monitor           *health.Monitor
	responseCache     *cache.ResponseCache
	recorder          *events.Recorder
	services          *client.Services
	convRepo          *scylla.ConversationRepository

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes every dependency in order:
// clients first, then the policy components built on top of them.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(cfg)
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	f.initializeComponents()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("redis_available", f.redisClient != nil),
		util.Bool("scylla_available", f.scyllaClient != nil),
	)

	return f, nil
}

// initializeClients connects the external backends. In production a failed
// required backend aborts startup; in development the gateway logs and
// continues on local fallbacks.
func (f *Factory) initializeClients() error {
	var initErrors []error

	if redisClient, err := client.NewRedisClient(f.config, util.Get()); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = redisClient
		util.Info("Redis client initialized and healthy")
	}

	if f.config.Scylla.Enabled {
		if scyllaClient, err := scylla.NewScyllaClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = scyllaClient
			util.Info("ScyllaDB client initialized")
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	if f.config.Elasticsearch.Enabled {
		if esClient, err := client.NewElasticsearchClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = esClient
		}
	}

	if f.config.Clickhouse.Enabled {
		if chClient, err := client.NewClickHouseClient(f.config, util.Get()); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = chClient
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

// initializeComponents builds the policy layer. The rate limiter and quota
// tracker use Redis-backed stores when Redis came up, local ones otherwise.
func (f *Factory) initializeComponents() {
	logger := util.Get()

	var limiterStore ratelimit.Store
	var quotaStore quota.Store
	if f.redisClient != nil {
		limiterStore = redisrepo.NewRateLimitStore(f.redisClient)
		quotaStore = redisrepo.NewQuotaStore(f.redisClient)
	} else {
		limiterStore = ratelimit.NewLocalStore()
		util.Warn("Redis unavailable, rate limiting is process-local")
	}

	f.limiter = ratelimit.NewLimiter(f.config.RateLimit, limiterStore, logger)
	f.tracker = quota.NewTracker(f.config.Quota, quotaStore, logger)
	f.breakers = breaker.NewManager(f.config.Breaker, logger)

	if f.config.Cache.Enabled {
		f.responseCache = cache.New(f.config.Cache, logger)
	}

	f.recorder = events.NewRecorder(f.kafkaProducer, f.clickhouseClient, f.esClient, logger)
	f.breakers.OnTransition(func(service string, from, to breaker.State) {
		f.recorder.Record(events.Event{
			Type:     events.TypeBreakerTransition,
			Identity: service,
			Detail:   fmt.Sprintf("%s -> %s", from, to),
		})
	})
	f.services = client.NewServices(f.config.Services, logger)

	f.monitor = health.NewMonitor(logger)
	for name, url := range f.services.All() {
		f.monitor.Register(name, url, f.config.Health.CheckTimeout, f.config.Health.CheckInterval)
	}

	var kmsClient *kms.Client
	if f.config.KMS.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			util.Warn("Failed to load AWS config, KMS disabled", util.ErrorField(err))
		} else {
			kmsClient = kms.NewFromConfig(awsCfg)
		}
	}
	f.encryptionManager = encryption.NewManager(f.config, kmsClient)

	if f.scyllaClient != nil {
		f.convRepo = scylla.NewConversationRepository(f.scyllaClient)
	}
}

// HealthCheck probes every initialized backend.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}
	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(); err != nil {
			healthErrors["scylla"] = err
		}
	}
	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
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
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.monitor != nil {
			f.monitor.Stop()
		}
		if f.recorder != nil {
			f.recorder.Close()
		}
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
		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config                          { return f.config }
func (f *Factory) TLSManager() *tls.Manager                        { return f.tlsManager }
func (f *Factory) Limiter() *ratelimit.Limiter                     { return f.limiter }
func (f *Factory) QuotaTracker() *quota.Tracker                    { return f.tracker }
func (f *Factory) Breakers() *breaker.Manager                      { return f.breakers }
func (f *Factory) HealthMonitor() *health.Monitor                  { return f.monitor }
func (f *Factory) ResponseCache() *cache.ResponseCache             { return f.responseCache }
func (f *Factory) EventRecorder() *events.Recorder                 { return f.recorder }
func (f *Factory) Services() *client.Services                      { return f.services }
func (f *Factory) EncryptionManager() *encryption.Manager          { return f.encryptionManager }
func (f *Factory) ConversationRepo() *scylla.ConversationRepository { return f.convRepo }
