package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/plankworks/api/internal/services"
)

// PubSubJobPublisher publishes pipeline retry jobs to a Pub/Sub topic.
type PubSubJobPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.JobPublisher = (*PubSubJobPublisher)(nil)

// NewPubSubJobPublisher constructs a Pub/Sub backed job publisher.
func NewPubSubJobPublisher(topic *pubsub.Topic) (*PubSubJobPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub job publisher: topic is required")
	}
	return &PubSubJobPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishJob enqueues a job message on the configured topic and returns the server message id.
func (p *PubSubJobPublisher) PublishJob(ctx context.Context, message services.JobMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub job publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "jobId", message.ID)
	setAttr(attrs, "kind", string(message.Kind))
	setAttr(attrs, "orderId", message.OrderID)
	setAttr(attrs, "idempotencyKey", message.IdempotencyKey)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	return id, nil
}

// PubSubOrderEventPublisher fans order domain events out to downstream consumers.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	// Events for one order keep their relative order.
	topic.EnableMessageOrdering = true
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

type orderEventPayload struct {
	Type            string         `json:"type"`
	OrderID         string         `json:"orderId"`
	UserID          string         `json:"userId,omitempty"`
	TransactionHash string         `json:"transactionHash,omitempty"`
	PreviousStatus  string         `json:"previousStatus,omitempty"`
	CurrentStatus   string         `json:"currentStatus,omitempty"`
	ActorID         string         `json:"actorId,omitempty"`
	OccurredAt      time.Time      `json:"occurredAt"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// PublishOrderEvent publishes event keyed by order id.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}
	data, err := p.marshal(orderEventPayload{
		Type:            event.Type,
		OrderID:         event.OrderID,
		UserID:          event.UserID,
		TransactionHash: event.TransactionHash,
		PreviousStatus:  event.PreviousStatus,
		CurrentStatus:   event.CurrentStatus,
		ActorID:         event.ActorID,
		OccurredAt:      event.OccurredAt.UTC(),
		Metadata:        event.Metadata,
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: strings.TrimSpace(event.OrderID),
	})
	if _, err := result.Get(ctx); err != nil {
		if key := strings.TrimSpace(event.OrderID); key != "" {
			p.topic.ResumePublish(key)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// DecodeJobMessage parses a job message delivered by a push subscription.
func DecodeJobMessage(data []byte) (services.JobMessage, error) {
	var msg services.JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return services.JobMessage{}, fmt.Errorf("decode job: %w", err)
	}
	return msg, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
