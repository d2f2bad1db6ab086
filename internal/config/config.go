package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Store backends
const (
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// QR claim scopes
const (
	ClaimScopePresentation = "presentation"
	ClaimScopeToken        = "token"
)

type Config struct {
	Environment string
	ServiceName string

	Server     ServerConfig
	Logging    LoggingConfig
	Redis      RedisConfig
	Scylla     ScyllaConfig
	Kafka      KafkaConfig
	Clickhouse ClickhouseConfig
	KMS        KMSConfig
	Bucketing  BucketingConfig
	Hashing    HashingConfig
	Auth       AuthConfig
	Exchange   ExchangeConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	Email        string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// AllowedOrigins feeds the CORS middleware.
	AllowedOrigins []string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

type ScyllaConfig struct {
	Enabled  bool
	Nodes    []string
	Keyspace string
	Username string
	Password string
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type ClickhouseConfig struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Database string
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
	// LocalKey wraps data keys when KMS is disabled.
	LocalKey string
}

type BucketingConfig struct {
	ProximityBuckets int
	UserBuckets      int
}

type HashingConfig struct {
	// Pepper keys the share-token digest. Rotating it invalidates every
	// printed QR code, so previous values stay listed in OldPeppers.
	Pepper     string
	OldPeppers []string
}

type AuthConfig struct {
	JWTSecret      string
	Issuer         string
	AccessTokenTTL time.Duration
}

type ExchangeConfig struct {
	StoreBackend     string
	SessionTTL       time.Duration
	MatchWindow      time.Duration
	MaxClockSkew     time.Duration
	SweepInterval    time.Duration
	SessionRetention time.Duration
	MatchTTL         time.Duration
	QRGraceWindow    time.Duration
	QRClaimScope     string
	// RateLimitPerMinute bounds open/hit/redeem calls per client IP; 0 disables.
	RateLimitPerMinute int
}

var (
	current *Config
	mu      sync.RWMutex
)

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("config: could not load .env: %v", err)
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServiceName: getEnv("SERVICE_NAME", "exchange-service"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			TLSPort:        getEnvAsInt("SERVER_TLS_PORT", 8443),
			EnableTLS:      getEnvAsBool("SERVER_ENABLE_TLS", false),
			AutoCert:       getEnvAsBool("SERVER_AUTO_CERT", false),
			Domain:         getEnv("SERVER_DOMAIN", "localhost"),
			Email:          getEnv("SERVER_ACME_EMAIL", ""),
			CertFile:       getEnv("SERVER_CERT_FILE", ""),
			KeyFile:        getEnv("SERVER_KEY_FILE", ""),
			AutoCertDir:    getEnv("SERVER_AUTOCERT_DIR", "./certs"),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvAsSlice("SERVER_ALLOWED_ORIGINS", []string{"https://*", "http://localhost:*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 50),
		},
		Scylla: ScyllaConfig{
			Enabled:  getEnvAsBool("SCYLLA_ENABLED", false),
			Nodes:    getEnvAsSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "exchange"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvAsBool("KAFKA_ENABLED", false),
			Brokers: getEnvAsSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:   getEnv("KAFKA_EXCHANGE_TOPIC", "exchange-events"),
		},
		Clickhouse: ClickhouseConfig{
			Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
			URL:      getEnv("CLICKHOUSE_URL", "tcp://localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "exchange"),
		},
		KMS: KMSConfig{
			Enabled:  getEnvAsBool("KMS_ENABLED", false),
			KeyID:    getEnv("KMS_KEY_ID", ""),
			Region:   getEnv("AWS_REGION", "us-east-1"),
			LocalKey: getEnv("LOCAL_ENCRYPTION_KEY", "dev-local-encryption-key"),
		},
		Bucketing: BucketingConfig{
			ProximityBuckets: getEnvAsInt("PROXIMITY_BUCKETS", 4096),
			UserBuckets:      getEnvAsInt("USER_BUCKETS", 1024),
		},
		Hashing: HashingConfig{
			Pepper:     getEnv("SHARE_TOKEN_PEPPER", "dev-share-token-pepper"),
			OldPeppers: getEnvAsSlice("SHARE_TOKEN_OLD_PEPPERS", nil),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
			Issuer:         getEnv("JWT_ISSUER", "exchange-service"),
			AccessTokenTTL: getEnvAsDuration("JWT_ACCESS_TOKEN_TTL", 24*time.Hour),
		},
		Exchange: ExchangeConfig{
			StoreBackend:       getEnv("EXCHANGE_STORE", StoreRedis),
			SessionTTL:         getEnvAsDuration("EXCHANGE_SESSION_TTL", 45*time.Second),
			MatchWindow:        getEnvAsDuration("EXCHANGE_MATCH_WINDOW", 1500*time.Millisecond),
			MaxClockSkew:       getEnvAsDuration("EXCHANGE_MAX_CLOCK_SKEW", 5*time.Second),
			SweepInterval:      getEnvAsDuration("EXCHANGE_SWEEP_INTERVAL", time.Second),
			SessionRetention:   getEnvAsDuration("EXCHANGE_SESSION_RETENTION", 2*time.Minute),
			MatchTTL:           getEnvAsDuration("EXCHANGE_MATCH_TTL", 24*time.Hour),
			QRGraceWindow:      getEnvAsDuration("EXCHANGE_QR_GRACE_WINDOW", 2*time.Minute),
			QRClaimScope:       getEnv("EXCHANGE_QR_CLAIM_SCOPE", ClaimScopePresentation),
			RateLimitPerMinute: getEnvAsInt("EXCHANGE_RATE_LIMIT_PER_MINUTE", 120),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the last loaded configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

// Validate rejects configurations the exchange protocol cannot run with.
func (c *Config) Validate() error {
	ex := c.Exchange
	if ex.MatchWindow <= 0 {
		return fmt.Errorf("exchange match window must be positive, got %s", ex.MatchWindow)
	}
	if ex.SessionTTL <= ex.MatchWindow {
		return fmt.Errorf("exchange session TTL (%s) must exceed the match window (%s)", ex.SessionTTL, ex.MatchWindow)
	}
	if ex.SweepInterval <= 0 {
		return fmt.Errorf("exchange sweep interval must be positive")
	}
	if ex.MatchTTL <= 0 || ex.QRGraceWindow <= 0 {
		return fmt.Errorf("exchange match TTL and QR grace window must be positive")
	}
	switch ex.StoreBackend {
	case StoreRedis, StoreMemory:
	default:
		return fmt.Errorf("unknown exchange store backend %q", ex.StoreBackend)
	}
	switch ex.QRClaimScope {
	case ClaimScopePresentation, ClaimScopeToken:
	default:
		return fmt.Errorf("unknown QR claim scope %q", ex.QRClaimScope)
	}
	if c.Bucketing.ProximityBuckets <= 0 || c.Bucketing.UserBuckets <= 0 {
		return fmt.Errorf("bucket counts must be positive")
	}
	if c.IsProduction() && c.Auth.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		return fmt.Errorf("KMS_KEY_ID is required when KMS is enabled")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("config: invalid integer for %s: %q, using default %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("config: invalid boolean for %s: %q, using default %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("config: invalid duration for %s: %q, using default %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
