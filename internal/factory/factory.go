package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"outbound-rate-limiter/internal/client"
	"outbound-rate-limiter/internal/config"
	"outbound-rate-limiter/internal/events"
	"outbound-rate-limiter/internal/metrics"
	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/repository/dynamo"
	"outbound-rate-limiter/internal/repository/memory"
	redisrepo "outbound-rate-limiter/internal/repository/redis"
	"outbound-rate-limiter/internal/service"
	"outbound-rate-limiter/internal/telephony"
	"outbound-rate-limiter/internal/tls"
	"outbound-rate-limiter/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient   *client.RedisClient
	kafkaProducer *client.KafkaProducer

	// Adapters
	store      model.CounterStore
	terminator model.CallTerminator
	sink       model.DecisionSink

	registry       *prometheus.Registry
	metrics        *metrics.Metrics
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration and initializes all application dependencies.
// Invalid configuration is returned as an error and must stop the process.
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewFactoryFromConfig(cfg)
}

// NewFactoryFromConfig initializes dependencies from an already loaded configuration.
func NewFactoryFromConfig(cfg *config.Config) (*Factory, error) {
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		tlsManager, err := tls.NewTLSManager(tls.TLSConfig{
			CertFile:    cfg.Server.CertFile,
			KeyFile:     cfg.Server.KeyFile,
			AutoCert:    cfg.Server.AutoCert,
			Domain:      cfg.Server.Domain,
			AutoCertDir: cfg.Server.AutoCertDir,
			Email:       cfg.Server.AutoCertEmail,
			Production:  cfg.IsProduction(),
		}, util.Get())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		factory.tlsManager = tlsManager
	}

	factory.initializeMetrics()

	if err := factory.initializeClients(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_backend", cfg.Store.Backend),
		util.String("failure_mode", cfg.RateLimit.FailureMode),
		util.Int64("customer_rate_limit", cfg.RateLimit.CustomerRateLimit),
		util.Int64("system_rate_limit", cfg.RateLimit.SystemRateLimit),
		util.Bool("connect_dry_run", cfg.Connect.DryRun),
		util.Bool("kafka_enabled", cfg.Kafka.Enabled),
	)

	return factory, nil
}

func (f *Factory) initializeMetrics() {
	f.registry = prometheus.NewRegistry()
	f.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f.metrics = metrics.New()
	f.metrics.MustRegister(f.registry)
}

// initializeClients builds the counter store, terminator and optional event sink
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var awsCfg aws.Config
	needAWS := f.config.Store.Backend == config.StoreBackendDynamoDB || !f.config.Connect.DryRun
	if needAWS {
		var err error
		if awsCfg, err = client.LoadAWSConfig(ctx, f.config, util.Get()); err != nil {
			return err
		}
	}

	// Counter store
	switch f.config.Store.Backend {
	case config.StoreBackendDynamoDB:
		f.store = dynamo.NewCounterStore(client.NewDynamoDBClient(awsCfg, f.config), f.config.DynamoDB.TableName, f.config.Store.Timeout)
		util.Info("DynamoDB counter store initialized", util.String("table", f.config.DynamoDB.TableName))
	case config.StoreBackendRedis:
		redisClient, err := client.NewRedisClient(f.config, util.Get())
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		f.redisClient = redisClient
		f.store = redisrepo.NewCounterStore(redisClient, f.config.Store.Timeout)
		util.Info("Redis counter store initialized")
	case config.StoreBackendMemory:
		f.store = memory.NewCounterStore()
		util.Warn("Using in-memory counter store; counters are not shared between instances")
	default:
		return fmt.Errorf("unknown store backend %q", f.config.Store.Backend)
	}

	if err := f.store.HealthCheck(ctx); err != nil {
		if f.config.IsProduction() {
			return fmt.Errorf("counter store health check: %w", err)
		}
		util.Warn("Counter store health check failed", util.ErrorField(err))
	} else {
		util.Info("Counter store healthy")
	}

	// Terminator
	if f.config.Connect.DryRun {
		f.terminator = telephony.NewNoopTerminator(util.Get())
		util.Warn("Connect dry run enabled - denied calls will not be stopped")
	} else {
		f.terminator = telephony.NewConnectTerminator(
			client.NewConnectClient(awsCfg),
			f.config.Connect.InstanceID(),
			f.config.Connect.Timeout,
			util.Get(),
		)
		util.Info("Connect terminator initialized", util.String("instance_id", f.config.Connect.InstanceID()))
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config, util.Get()); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without decision events", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			f.sink = events.NewKafkaSink(producer, f.config.Kafka.PublishTimeout)
		}
	}

	return nil
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.store,
			f.terminator,
			f.sink,
			f.metrics,
			util.Get(),
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.store != nil {
		if err := f.store.HealthCheck(ctx); err != nil {
			healthErrors["counter_store"] = err
		}
	} else {
		healthErrors["counter_store"] = fmt.Errorf("counter store not initialized")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	return healthErrors
}

// IsHealthy reports whether the dependencies needed for decisions are reachable.
// Kafka is optional and ignored.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
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

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}

func (f *Factory) Registry() *prometheus.Registry {
	return f.registry
}
