package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, key, value []byte, headers map[string]string) error
	Close() error
}

type KafkaPublisher struct {
	producer MessageProducer
}

func NewKafkaPublisher(producer MessageProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	headers := map[string]string{
		"event_type": string(event.Type),
		"event_id":   event.ID,
	}
	if err := p.producer.ProduceMessage(ctx, []byte(event.Key()), value, headers); err != nil {
		return fmt.Errorf("failed to publish %s to kafka: %w", event.Type, err)
	}
	return nil
}

// Close leaves the producer to the factory, which owns its lifecycle.
func (p *KafkaPublisher) Close() error {
	return nil
}
