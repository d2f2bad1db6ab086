package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"exchange-service/internal/client"
	"exchange-service/internal/model"
	"exchange-service/internal/util"
)

const sessionChannelPrefix = "exchange:session_events:"

// RedisNotifier carries session views across server instances over Redis
// pub/sub, one channel per session.
type RedisNotifier struct {
	client *client.RedisClient
}

var _ Notifier = (*RedisNotifier)(nil)

func NewRedisNotifier(client *client.RedisClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Publish(ctx context.Context, view model.SessionView) error {
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode session view: %w", err)
	}
	if err := n.client.Publish(ctx, sessionChannelPrefix+view.SessionID, payload); err != nil {
		return fmt.Errorf("failed to publish session view: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Subscribe(ctx context.Context, sessionID string) (<-chan model.SessionView, func(), error) {
	pubsub := n.client.Subscribe(ctx, sessionChannelPrefix+sessionID)
	// Wait for the subscription confirmation so no publish is missed after
	// Subscribe returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to session %s: %w", sessionID, err)
	}

	s := &subscriber{ch: make(chan model.SessionView, subscriberBuffer)}
	done := make(chan struct{})
	go func() {
		defer close(s.ch)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var view model.SessionView
				if err := json.Unmarshal([]byte(msg.Payload), &view); err != nil {
					util.Warn("Dropping malformed session view",
						util.SessionID(sessionID), zap.Error(err))
					continue
				}
				s.offer(view)
			}
		}
	}()

	cancel := func() {
		s.once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return s.ch, cancel, nil
}
