package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"exchange-service/internal/config"
	"exchange-service/internal/util"
)

const (
	clickhouseNativePort       = "9000"
	clickhouseNativeSecurePort = "9440"
)

// ClickHouseClient is the audit sink connection used by the event recorder.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
	mu       sync.RWMutex
}

// NewClickHouseClient opens a native-protocol connection, with TLS in
// production or for https:// URLs.
func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chCfg := cfg.Clickhouse
	secure := cfg.IsProduction() || strings.HasPrefix(chCfg.URL, "https://")

	opts := &ch.Options{
		Addr: []string{clickhouseAddr(chCfg.URL)},
		Auth: ch.Auth{
			Username: chCfg.Username,
			Password: chCfg.Password,
			Database: chCfg.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     8,
		MaxIdleConns:     4,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}
	if secure {
		tlsConfig, err := clickhouseTLS(chCfg.URL)
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("ClickHouse audit sink connected",
		zap.String("addr", opts.Addr[0]),
		zap.String("database", chCfg.Database),
		zap.Bool("tls_enabled", secure),
	)
	return &ClickHouseClient{conn: conn, database: chCfg.Database}, nil
}

// clickhouseTLS trusts CLICKHOUSE_CA_FILE in addition to the system roots.
func clickhouseTLS(rawURL string) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(clickhouseAddr(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid ClickHouse URL %q: %w", rawURL, err)
	}
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}

	caFile := util.GetEnv("CLICKHOUSE_CA_FILE", "")
	if caFile == "" {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// clickhouseAddr turns a configured URL into host:port for the native
// protocol, defaulting the port by scheme.
func clickhouseAddr(rawURL string) string {
	hostPort := rawURL
	if i := strings.Index(hostPort, "://"); i >= 0 {
		hostPort = hostPort[i+3:]
	}
	hostPort = strings.TrimSuffix(hostPort, "/")
	if _, _, err := net.SplitHostPort(hostPort); err == nil {
		return hostPort
	}
	port := clickhouseNativePort
	if strings.HasPrefix(rawURL, "https://") {
		port = clickhouseNativeSecurePort
	}
	return net.JoinHostPort(hostPort, port)
}

func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

// BatchInsert sends rows as one native batch.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, rows [][]interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for i, row := range rows {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row %d: %w", i, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch of %d rows: %w", len(rows), err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed", zap.String("database", c.database))
	return nil
}
