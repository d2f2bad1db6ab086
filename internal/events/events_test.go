package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-service/internal/events"
	"exchange-service/internal/model"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

type fakeProducer struct {
	key, value []byte
	headers    map[string]string
}

func (f *fakeProducer) ProduceMessage(_ context.Context, key, value []byte, headers map[string]string) error {
	f.key, f.value, f.headers = key, value, headers
	return nil
}

func (f *fakeProducer) Close() error { return nil }

type fakeBatchWriter struct {
	mu      sync.Mutex
	batches [][][]interface{}
	err     error
}

func (f *fakeBatchWriter) Exec(context.Context, string, ...interface{}) error { return nil }

func (f *fakeBatchWriter) BatchInsert(_ context.Context, _ string, rows [][]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, rows)
	return nil
}

func (f *fakeBatchWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// blockingPublisher holds every publish until release is closed or the
// publish context ends.
type blockingPublisher struct {
	release chan struct{}
}

func (p *blockingPublisher) Publish(ctx context.Context, _ events.Event) error {
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *blockingPublisher) Close() error { return nil }

func runDispatcher(t *testing.T, d *events.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcher_DeliversToEveryPublisherDespiteFailures(t *testing.T) {
	failing := &recordingPublisher{err: errors.New("broker down")}
	ok := &recordingPublisher{}
	d := events.NewDispatcher(time.Second, failing, ok)
	runDispatcher(t, d)

	d.Emit(context.Background(), events.Event{Type: events.EventSessionOpened, SessionID: "session-1"})

	require.Eventually(t, func() bool { return ok.count() == 1 }, time.Second, 5*time.Millisecond)
	ok.mu.Lock()
	got := ok.events[0]
	ok.mu.Unlock()
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.OccurredAt.IsZero())
	assert.Equal(t, events.EventSessionOpened, got.Type)
}

func TestDispatcher_PreservesEmitOrder(t *testing.T) {
	ok := &recordingPublisher{}
	d := events.NewDispatcher(time.Second, ok)
	runDispatcher(t, d)

	for _, typ := range []events.EventType{events.EventSessionOpened, events.EventMatchCreated, events.EventSessionTimeout} {
		d.Emit(context.Background(), events.Event{Type: typ, SessionID: "session-1"})
	}

	require.Eventually(t, func() bool { return ok.count() == 3 }, time.Second, 5*time.Millisecond)
	ok.mu.Lock()
	defer ok.mu.Unlock()
	assert.Equal(t, events.EventSessionOpened, ok.events[0].Type)
	assert.Equal(t, events.EventMatchCreated, ok.events[1].Type)
	assert.Equal(t, events.EventSessionTimeout, ok.events[2].Type)
}

func TestDispatcher_EmitDoesNotWaitOnStuckPublisher(t *testing.T) {
	stuck := &blockingPublisher{release: make(chan struct{})}
	d := events.NewDispatcherWithQueue(time.Minute, 4, stuck)
	runDispatcher(t, d)
	t.Cleanup(func() { close(stuck.release) })

	start := time.Now()
	for i := 0; i < 20; i++ {
		d.Emit(context.Background(), events.Event{Type: events.EventSessionTimeout, SessionID: "session-1"})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	// One event is held by the worker, four wait in the queue.
	assert.GreaterOrEqual(t, d.Dropped(), int64(15))
}

func TestDispatcher_DrainsQueueOnShutdown(t *testing.T) {
	ok := &recordingPublisher{}
	d := events.NewDispatcher(time.Second, ok)
	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), events.Event{Type: events.EventSessionOpened})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 5, ok.count())
}

func TestDispatcher_NilIsNoop(t *testing.T) {
	var d *events.Dispatcher
	d.Emit(context.Background(), events.Event{Type: events.EventSessionTimeout})
	require.NoError(t, d.Close())
}

func TestKafkaPublisher_KeysBySession(t *testing.T) {
	producer := &fakeProducer{}
	p := events.NewKafkaPublisher(producer)

	event := events.Event{
		ID:         "evt-1",
		Type:       events.EventMatchCreated,
		SessionID:  "session-a",
		MatchKind:  model.MatchKindBump,
		OccurredAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Publish(context.Background(), event))

	assert.Equal(t, "session-a", string(producer.key))
	assert.Equal(t, "match_created", producer.headers["event_type"])

	var decoded events.Event
	require.NoError(t, json.Unmarshal(producer.value, &decoded))
	assert.Equal(t, event, decoded)
}

func TestClickHouseRecorder_FlushesOnBatchSize(t *testing.T) {
	writer := &fakeBatchWriter{}
	rec := events.NewClickHouseRecorder(writer, 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	require.NoError(t, rec.Publish(ctx, events.Event{ID: "1", Type: events.EventSessionOpened}))
	require.NoError(t, rec.Publish(ctx, events.Event{ID: "2", Type: events.EventSessionTimeout}))

	require.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, rec.Publish(ctx, events.Event{ID: "3", Type: events.EventSessionAbandoned}))
	cancel()
	<-done

	require.Equal(t, 2, writer.count())
	require.Zero(t, rec.Pending())
}

func TestClickHouseRecorder_DropsRowsOnFailure(t *testing.T) {
	writer := &fakeBatchWriter{err: errors.New("clickhouse unavailable")}
	rec := events.NewClickHouseRecorder(writer, 10, time.Hour)

	require.NoError(t, rec.Publish(context.Background(), events.Event{ID: "1"}))
	require.Error(t, rec.Flush(context.Background()))
	require.Zero(t, rec.Pending())
}
