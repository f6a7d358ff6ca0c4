package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreBackendDynamoDB = "dynamodb"
	StoreBackendRedis    = "redis"
	StoreBackendMemory   = "memory"

	FailureModeOpen   = "open"
	FailureModeClosed = "closed"
)

type Config struct {
	Environment string
	Server      ServerConfig
	RateLimit   RateLimitConfig
	Store       StoreConfig
	DynamoDB    DynamoDBConfig
	Redis       RedisConfig
	Connect     ConnectConfig
	Kafka       KafkaConfig
	AWS         AWSConfig
	Logging     LoggingConfig
}

type ServerConfig struct {
	Port          int
	EnableTLS     bool
	CertFile      string
	KeyFile       string
	AutoCert      bool
	Domain        string
	AutoCertDir   string
	AutoCertEmail string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration
}

// RateLimitConfig holds the per-class calls-per-minute limits and the decision budget.
type RateLimitConfig struct {
	CustomerRateLimit int64
	SystemRateLimit   int64
	DecisionTimeout   time.Duration
	FailureMode       string
}

type StoreConfig struct {
	Backend string
	Timeout time.Duration
}

type DynamoDBConfig struct {
	TableName string
	Endpoint  string
}

type RedisConfig struct {
	URL       string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

type ConnectConfig struct {
	InstanceARN       string
	DryRun            bool
	Timeout           time.Duration
	TerminateRetries  int
	TerminateInterval time.Duration
}

type KafkaConfig struct {
	Enabled        bool
	Brokers        []string
	Topic          string
	PublishTimeout time.Duration
}

type AWSConfig struct {
	Region string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// LoadConfig reads configuration from a local .env file (if any) and the environment.
// Missing or malformed required variables are reported together and are fatal.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:          p.int("SERVER_PORT", 8080),
			EnableTLS:     p.bool("SERVER_ENABLE_TLS", false),
			CertFile:      getEnv("SERVER_CERT_FILE", ""),
			KeyFile:       getEnv("SERVER_KEY_FILE", ""),
			AutoCert:      p.bool("SERVER_AUTO_CERT", false),
			Domain:        getEnv("SERVER_DOMAIN", ""),
			AutoCertDir:   getEnv("SERVER_AUTO_CERT_DIR", "./certs"),
			AutoCertEmail: getEnv("SERVER_AUTO_CERT_EMAIL", ""),
			ReadTimeout:   p.duration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:  p.duration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:   p.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		RateLimit: RateLimitConfig{
			CustomerRateLimit: p.requiredInt64("CUSTOMER_RATE_LIMIT"),
			SystemRateLimit:   p.requiredInt64("SYSTEM_RATE_LIMIT"),
			DecisionTimeout:   p.duration("DECISION_TIMEOUT", 8*time.Second),
			FailureMode:       strings.ToLower(getEnv("STORE_FAILURE_MODE", FailureModeOpen)),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", StoreBackendDynamoDB)),
			Timeout: p.duration("STORE_TIMEOUT", 2*time.Second),
		},
		DynamoDB: DynamoDBConfig{
			TableName: getEnv("RATELIMIT_TABLE_NAME", ""),
			Endpoint:  getEnv("DYNAMODB_ENDPOINT", ""),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", ""),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        p.int("REDIS_DB", 0),
			PoolSize:  p.int("REDIS_POOL_SIZE", 20),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "call_rate_limit:"),
		},
		Connect: ConnectConfig{
			InstanceARN:       getEnv("CONNECT_INSTANCE_ARN", ""),
			DryRun:            p.bool("CONNECT_DRY_RUN", false),
			Timeout:           p.duration("CONNECT_TIMEOUT", 3*time.Second),
			TerminateRetries:  p.int("CONNECT_TERMINATE_RETRIES", 1),
			TerminateInterval: p.duration("CONNECT_TERMINATE_RETRY_INTERVAL", 200*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Enabled:        p.bool("KAFKA_ENABLED", false),
			Brokers:        splitList(getEnv("KAFKA_BROKERS", "")),
			Topic:          getEnv("KAFKA_DECISION_TOPIC", "call-admission-decisions"),
			PublishTimeout: p.duration("KAFKA_PUBLISH_TIMEOUT", time.Second),
		},
		AWS: AWSConfig{
			Region: getEnv("AWS_REGION", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := errors.Join(append(p.errs, cfg.Validate())...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	var errs []error

	if c.RateLimit.CustomerRateLimit < 1 {
		errs = append(errs, errors.New("CUSTOMER_RATE_LIMIT must be at least 1"))
	}
	if c.RateLimit.SystemRateLimit < 1 {
		errs = append(errs, errors.New("SYSTEM_RATE_LIMIT must be at least 1"))
	}
	if c.RateLimit.DecisionTimeout <= 0 {
		errs = append(errs, errors.New("DECISION_TIMEOUT must be positive"))
	}
	switch c.RateLimit.FailureMode {
	case FailureModeOpen, FailureModeClosed:
	default:
		errs = append(errs, fmt.Errorf("STORE_FAILURE_MODE must be %q or %q, got %q",
			FailureModeOpen, FailureModeClosed, c.RateLimit.FailureMode))
	}

	switch c.Store.Backend {
	case StoreBackendDynamoDB:
		if c.DynamoDB.TableName == "" {
			errs = append(errs, errors.New("RATELIMIT_TABLE_NAME is not set"))
		}
	case StoreBackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("REDIS_URL is not set"))
		}
	case StoreBackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND=memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT must be positive"))
	}

	if !c.Connect.DryRun {
		if c.Connect.InstanceARN == "" {
			errs = append(errs, errors.New("CONNECT_INSTANCE_ARN is not set"))
		} else if c.Connect.InstanceID() == "" {
			errs = append(errs, fmt.Errorf("CONNECT_INSTANCE_ARN %q has no instance ID", c.Connect.InstanceARN))
		}
		if c.Connect.Timeout <= 0 {
			errs = append(errs, errors.New("CONNECT_TIMEOUT must be positive"))
		}
	}
	if c.Connect.TerminateRetries < 0 {
		errs = append(errs, errors.New("CONNECT_TERMINATE_RETRIES must not be negative"))
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is not set while KAFKA_ENABLED=true"))
	}

	if c.Server.EnableTLS {
		switch {
		case c.Server.AutoCert:
			if c.Server.Domain == "" {
				errs = append(errs, errors.New("SERVER_DOMAIN is required when SERVER_AUTO_CERT=true"))
			}
		case c.Server.CertFile == "" || c.Server.KeyFile == "":
			if c.IsProduction() {
				errs = append(errs, errors.New("SERVER_CERT_FILE and SERVER_KEY_FILE are required when TLS is enabled"))
			}
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// FailOpen reports whether a store failure lets the affected side through.
func (c *Config) FailOpen() bool {
	return c.RateLimit.FailureMode != FailureModeClosed
}

// InstanceID extracts the Connect instance ID, the last path segment of the instance ARN.
func (c ConnectConfig) InstanceID() string {
	parts := strings.Split(c.InstanceARN, "/")
	return parts[len(parts)-1]
}

// ==============================
// Environment helpers
// ==============================

type parser struct {
	errs []error
}

func (p *parser) requiredInt64(key string) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		p.errs = append(p.errs, fmt.Errorf("environment variable %s is not set", key))
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("environment variable %s: %w", key, err))
	}
	return v
}

func (p *parser) int(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("environment variable %s: %w", key, err))
		return defaultValue
	}
	return v
}

func (p *parser) bool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("environment variable %s: %w", key, err))
		return defaultValue
	}
	return v
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("environment variable %s: %w", key, err))
		return defaultValue
	}
	return v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
