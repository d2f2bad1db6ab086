package notify

import (
	"context"
	"sync"

	"exchange-service/internal/model"
)

// Notifier delivers session views to whoever watches a session id.
type Notifier interface {
	Publish(ctx context.Context, view model.SessionView) error
	// Subscribe returns a channel of views for sessionID and a cancel
	// function that closes it. The channel holds the most recent views;
	// a slow reader loses intermediate ones, never the latest.
	Subscribe(ctx context.Context, sessionID string) (<-chan model.SessionView, func(), error)
}

const subscriberBuffer = 8

type subscriber struct {
	ch   chan model.SessionView
	once sync.Once
}

// offer enqueues v, dropping the oldest queued view when the buffer is full.
func (s *subscriber) offer(v model.SessionView) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// Hub fans views out to subscribers inside one process.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

var _ Notifier = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *Hub) Publish(_ context.Context, view model.SessionView) error {
	h.Broadcast(view)
	return nil
}

// Broadcast delivers view to the current subscribers of its session.
func (h *Hub) Broadcast(view model.SessionView) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[view.SessionID] {
		s.offer(view)
	}
}

func (h *Hub) Subscribe(_ context.Context, sessionID string) (<-chan model.SessionView, func(), error) {
	s := &subscriber{ch: make(chan model.SessionView, subscriberBuffer)}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sessionID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		s.once.Do(func() {
			h.mu.Lock()
			delete(h.subs[sessionID], s)
			if len(h.subs[sessionID]) == 0 {
				delete(h.subs, sessionID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel, nil
}

// Subscribers reports the number of watchers of sessionID.
func (h *Hub) Subscribers(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}
