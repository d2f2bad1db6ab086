package events

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"exchange-service/internal/model"
	"exchange-service/internal/util"
)

type EventType string

const (
	EventSessionOpened    EventType = "session_opened"
	EventMatchCreated     EventType = "match_created"
	EventSessionTimeout   EventType = "session_timeout"
	EventSessionAbandoned EventType = "session_abandoned"
	EventQRAlreadyScanned EventType = "qr_already_scanned"
)

// Event is the record emitted for downstream consumers (notifications,
// calendar) and the audit store. Match tokens are never included.
type Event struct {
	ID              string                `json:"id"`
	Type            EventType             `json:"type"`
	SessionID       string                `json:"session_id,omitempty"`
	UserID          string                `json:"user_id,omitempty"`
	CounterpartID   string                `json:"counterpart_id,omitempty"`
	MatchKind       model.MatchKind       `json:"match_kind,omitempty"`
	SharingCategory model.SharingCategory `json:"sharing_category,omitempty"`
	OccurredAt      time.Time             `json:"occurred_at"`
}

// Key partitions events so that one session's events stay ordered.
func (e Event) Key() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.UserID
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

const (
	defaultQueueSize = 1024
	drainTimeout     = 5 * time.Second
)

// Dispatcher queues events and fans each one out to every publisher from
// a single worker, so emitting never waits on a broker. Failures are logged
// and never surface to the caller.
type Dispatcher struct {
	publishers []Publisher
	timeout    time.Duration
	queue      chan Event
	dropped    atomic.Int64
}

func NewDispatcher(timeout time.Duration, publishers ...Publisher) *Dispatcher {
	return NewDispatcherWithQueue(timeout, defaultQueueSize, publishers...)
}

func NewDispatcherWithQueue(timeout time.Duration, queueSize int, publishers ...Publisher) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		publishers: publishers,
		timeout:    timeout,
		queue:      make(chan Event, queueSize),
	}
}

// Emit stamps the event id and time when missing and queues it. A full
// queue drops the event.
func (d *Dispatcher) Emit(_ context.Context, event Event) {
	if d == nil || len(d.publishers) == 0 {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	select {
	case d.queue <- event:
	default:
		n := d.dropped.Add(1)
		util.Warn("Exchange event queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Int64("dropped_total", n))
	}
}

// Dropped reports how many events were discarded on a full queue.
func (d *Dispatcher) Dropped() int64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Run delivers queued events in order until ctx is cancelled, then drains
// the queue for at most drainTimeout.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil {
		return nil
	}
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
	if left := len(d.queue); left > 0 {
		util.Warn("Exchange events left undelivered at shutdown", zap.Int("events", left))
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range d.publishers {
		g.Go(func() error {
			return p.Publish(gctx, event)
		})
	}
	if err := g.Wait(); err != nil {
		util.Warn("Failed to publish exchange event",
			zap.String("type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}

func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, p := range d.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
