// Package events publishes domain events on redis pub/sub. A nil publisher or
// nil redis client turns publishing off.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "core:events:"

const (
	OrderCreated       = "order.created"
	OrderStatusChanged = "order.status_changed"
	SaleCreated        = "sale.created"
	SaleStatusChanged  = "sale.status_changed"
	PaymentCompleted   = "payment.completed"
	PaymentFailed      = "payment.failed"
	PaymentTimeout     = "payment.timeout"
)

type Event struct {
	EventType     string          `json:"event_type"`
	Reference     string          `json:"reference"`
	EntityID      int64           `json:"entity_id"`
	PrevStatus    string          `json:"prev_status,omitempty"`
	Status        string          `json:"status,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID int64           `json:"transaction_id,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

type Publisher struct {
	redis *redis.Client
	log   logrus.FieldLogger
}

func NewPublisher(rdb *redis.Client, log logrus.FieldLogger) *Publisher {
	return &Publisher{redis: rdb, log: log}
}

// Publish sends the event to its own channel and to the catch-all channel.
// Publishing happens after commit and never fails the caller.
func (p *Publisher) Publish(ctx context.Context, event Event) {
	if p == nil || p.redis == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := p.publish(ctx, event); err != nil {
		p.log.WithFields(logrus.Fields{
			"event_type": event.EventType,
			"reference":  event.Reference,
		}).WithError(err).Warn("failed to publish event")
	}
}

func (p *Publisher) publish(ctx context.Context, event Event) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	channel := channelPrefix + event.EventType
	if err := p.redis.Publish(ctx, channel, eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	if err := p.redis.Publish(ctx, channelPrefix+"all", eventJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish to all channel: %w", err)
	}

	return nil
}
