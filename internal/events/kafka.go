package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"passwordless-auth/internal/model"
)

// MessageProducer is satisfied by client.KafkaProducer.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type KafkaPublisher struct {
	producer MessageProducer
	topic    string
}

func NewKafkaPublisher(producer MessageProducer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *SecurityEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}
	return p.producer.ProduceMessage(ctx, p.topic, []byte(event.PartitionKey()), value, map[string]string{
		"event_type": string(event.Type),
		"event_id":   event.ID,
	})
}

// CodeDelivery hands an issued code to whatever sends the email or SMS.
type CodeDelivery interface {
	Deliver(ctx context.Context, contact model.Contact, code string, expiresAt time.Time) error
}

type deliveryMessage struct {
	ContactType  string    `json:"contact_type"`
	ContactValue string    `json:"contact_value"`
	Code         string    `json:"code"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// KafkaCodeDelivery publishes codes to the topic consumed by the email and
// SMS senders.
type KafkaCodeDelivery struct {
	producer MessageProducer
	topic    string
}

func NewKafkaCodeDelivery(producer MessageProducer, topic string) *KafkaCodeDelivery {
	return &KafkaCodeDelivery{producer: producer, topic: topic}
}

func (d *KafkaCodeDelivery) Deliver(ctx context.Context, contact model.Contact, code string, expiresAt time.Time) error {
	value, err := json.Marshal(deliveryMessage{
		ContactType:  string(contact.Type),
		ContactValue: contact.Value,
		Code:         code,
		ExpiresAt:    expiresAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode delivery message: %w", err)
	}
	return d.producer.ProduceMessage(ctx, d.topic, []byte(contact.Hash()), value, map[string]string{
		"channel": string(contact.Type),
	})
}
