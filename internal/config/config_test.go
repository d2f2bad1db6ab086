package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-service/internal/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("EXCHANGE_STORE", "")
	t.Setenv("EXCHANGE_MATCH_WINDOW", "")
	t.Setenv("EXCHANGE_SESSION_TTL", "")
	t.Setenv("EXCHANGE_QR_CLAIM_SCOPE", "")
	t.Setenv("KMS_ENABLED", "")

	cfg := config.LoadConfig()
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, config.StoreRedis, cfg.Exchange.StoreBackend)
	assert.Equal(t, 1500*time.Millisecond, cfg.Exchange.MatchWindow)
	assert.Equal(t, 45*time.Second, cfg.Exchange.SessionTTL)
	assert.Equal(t, config.ClaimScopePresentation, cfg.Exchange.QRClaimScope)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("EXCHANGE_STORE", config.StoreMemory)
	t.Setenv("EXCHANGE_MATCH_WINDOW", "800ms")
	t.Setenv("EXCHANGE_QR_CLAIM_SCOPE", config.ClaimScopeToken)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("SERVER_PORT", "not-a-port")

	cfg := config.LoadConfig()
	assert.Equal(t, config.StoreMemory, cfg.Exchange.StoreBackend)
	assert.Equal(t, 800*time.Millisecond, cfg.Exchange.MatchWindow)
	assert.Equal(t, config.ClaimScopeToken, cfg.Exchange.QRClaimScope)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Same(t, cfg, config.Get())
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			Environment: "development",
			Bucketing:   config.BucketingConfig{ProximityBuckets: 16, UserBuckets: 16},
			Auth:        config.AuthConfig{JWTSecret: "change-me-in-production"},
			Exchange: config.ExchangeConfig{
				StoreBackend:  config.StoreMemory,
				SessionTTL:    45 * time.Second,
				MatchWindow:   1500 * time.Millisecond,
				SweepInterval: time.Second,
				MatchTTL:      time.Hour,
				QRGraceWindow: 2 * time.Minute,
				QRClaimScope:  config.ClaimScopePresentation,
			},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero window", func(c *config.Config) { c.Exchange.MatchWindow = 0 }},
		{"ttl within window", func(c *config.Config) { c.Exchange.SessionTTL = time.Second }},
		{"unknown backend", func(c *config.Config) { c.Exchange.StoreBackend = "etcd" }},
		{"unknown claim scope", func(c *config.Config) { c.Exchange.QRClaimScope = "forever" }},
		{"no buckets", func(c *config.Config) { c.Bucketing.ProximityBuckets = 0 }},
		{"default secret in production", func(c *config.Config) { c.Environment = "production" }},
		{"kms without key", func(c *config.Config) { c.KMS.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetServerAddress(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 9090}}
	assert.Equal(t, "127.0.0.1:9090", cfg.GetServerAddress())
}
