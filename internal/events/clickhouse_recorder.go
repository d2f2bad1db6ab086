package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"exchange-service/internal/util"
)

const (
	createEventsTable = `
		CREATE TABLE IF NOT EXISTS exchange_events (
			id String,
			type LowCardinality(String),
			session_id String,
			user_id String,
			counterpart_id String,
			match_kind LowCardinality(String),
			sharing_category LowCardinality(String),
			occurred_at DateTime64(3, 'UTC')
		) ENGINE = MergeTree
		ORDER BY (type, occurred_at)
		TTL toDateTime(occurred_at) + INTERVAL 180 DAY`

	insertEvents = `INSERT INTO exchange_events
		(id, type, session_id, user_id, counterpart_id, match_kind, sharing_category, occurred_at)`
)

// BatchWriter is satisfied by client.ClickHouseClient.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, data [][]interface{}) error
}

// ClickHouseRecorder buffers events and writes them in batches, either when
// the buffer fills or on every flush interval tick of Run.
type ClickHouseRecorder struct {
	writer        BatchWriter
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	pending [][]interface{}
	full    chan struct{}
}

func NewClickHouseRecorder(writer BatchWriter, batchSize int, flushInterval time.Duration) *ClickHouseRecorder {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &ClickHouseRecorder{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		full:          make(chan struct{}, 1),
	}
}

func (r *ClickHouseRecorder) EnsureSchema(ctx context.Context) error {
	if err := r.writer.Exec(ctx, createEventsTable); err != nil {
		return fmt.Errorf("failed to create exchange_events table: %w", err)
	}
	return nil
}

func (r *ClickHouseRecorder) Publish(_ context.Context, event Event) error {
	row := []interface{}{
		event.ID,
		string(event.Type),
		event.SessionID,
		event.UserID,
		event.CounterpartID,
		string(event.MatchKind),
		string(event.SharingCategory),
		event.OccurredAt,
	}

	r.mu.Lock()
	r.pending = append(r.pending, row)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		select {
		case r.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes until ctx is cancelled, then flushes what is left.
func (r *ClickHouseRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Flush(flushCtx); err != nil {
				util.Error("Failed to flush exchange events on shutdown", zap.Error(err))
			}
			return nil
		case <-ticker.C:
		case <-r.full:
		}
		if err := r.Flush(ctx); err != nil {
			util.Error("Failed to flush exchange events", zap.Error(err))
		}
	}
}

// Flush writes all buffered rows. Rows are dropped when the write fails so
// that a ClickHouse outage cannot grow the buffer without bound.
func (r *ClickHouseRecorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	rows := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := r.writer.BatchInsert(ctx, insertEvents, rows); err != nil {
		return fmt.Errorf("failed to insert %d exchange events: %w", len(rows), err)
	}
	util.Debug("Flushed exchange events", zap.Int("rows", len(rows)))
	return nil
}

func (r *ClickHouseRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *ClickHouseRecorder) Close() error {
	return nil
}
