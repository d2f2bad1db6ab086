package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"exchange-service/internal/config"
	"exchange-service/internal/util"
)

// Statements holds the CQL used by the repositories. gocql prepares each
// statement on first execution and caches it per host.
type Statements struct {
	UpsertProfile         string
	GetProfile            string
	InsertShareToken      string
	GetShareTokenByDigest string
	UpsertOwnerShareToken string
	GetOwnerShareToken    string
}

var statements = Statements{
	UpsertProfile: `
		INSERT INTO profiles (user_bucket, user_id, payload, encrypted_dek, key_id, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	GetProfile: `
		SELECT payload, encrypted_dek, key_id, version, updated_at
		FROM profiles WHERE user_bucket = ? AND user_id = ?`,
	InsertShareToken: `
		INSERT INTO qr_share_tokens (digest, owner_user_id, sharing_category, created_at)
		VALUES (?, ?, ?, ?)`,
	GetShareTokenByDigest: `
		SELECT owner_user_id, sharing_category, created_at
		FROM qr_share_tokens WHERE digest = ?`,
	UpsertOwnerShareToken: `
		INSERT INTO qr_share_tokens_by_owner (owner_user_id, digest, token_encrypted, token_dek, token_key_id, sharing_category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
	GetOwnerShareToken: `
		SELECT digest, token_encrypted, token_dek, token_key_id, sharing_category, created_at
		FROM qr_share_tokens_by_owner WHERE owner_user_id = ?`,
}

// Schema is applied in development so a fresh keyspace is usable.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
		user_bucket int, user_id text, payload text, encrypted_dek text, key_id text,
		version text, updated_at timestamp,
		PRIMARY KEY ((user_bucket, user_id)))`,
	`CREATE TABLE IF NOT EXISTS qr_share_tokens (
		digest text PRIMARY KEY, owner_user_id text, sharing_category text, created_at timestamp)`,
	`CREATE TABLE IF NOT EXISTS qr_share_tokens_by_owner (
		owner_user_id text PRIMARY KEY, digest text, token_encrypted text, token_dek text,
		token_key_id text, sharing_category text, created_at timestamp)`,
}

type ScyllaClient struct {
	Session    *gocql.Session
	Statements Statements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 util.GetEnv("SCYLLA_TLS_CA_FILE", "/app/certs/scylla-ca.pem"),
			CertPath:               util.GetEnv("SCYLLA_TLS_CERT_FILE", "/app/certs/scylla.pem"),
			KeyPath:                util.GetEnv("SCYLLA_TLS_KEY_FILE", "/app/certs/scylla.key"),
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{Session: session, Statements: statements}

	if cfg.IsDevelopment() {
		if err := client.EnsureSchema(context.Background()); err != nil {
			session.Close()
			return nil, err
		}
	}

	logger.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range Schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply scylla schema: %w", err)
		}
	}
	util.Info("ScyllaDB schema ensured", zap.Int("tables", len(Schema)))
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ExecuteWithRetry retries transient write failures with linear backoff.
func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if lastErr = query.Exec(); lastErr == nil {
			return nil
		}
		if i < maxRetries {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}

// ScanWithRetry retries reads, but never a definitive not-found.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		lastErr = query.Scan(dest...)
		if lastErr == nil || lastErr == gocql.ErrNotFound {
			return lastErr
		}
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
