package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// PurchaseEvent is published after a purchase has committed and its
// idempotency key is stored. Consumers get a snapshot, never a reference.
type PurchaseEvent struct {
	TransactionID string    `json:"transactionId"`
	BuyerID       string    `json:"buyerId"`
	SellerID      *string   `json:"sellerId"`
	TargetID      string    `json:"targetId"`
	Price         int64     `json:"price"`
	NewPrice      int64     `json:"newPrice"`
	TargetBonus   int64     `json:"targetBonus"`
	CommittedAt   time.Time `json:"committedAt"`
}

// Publisher emits purchase events to interested consumers.
type Publisher interface {
	PublishPurchase(ctx context.Context, event PurchaseEvent) error
	Close() error
}

// RabbitPublisher publishes purchase events to a durable RabbitMQ queue.
type RabbitPublisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitPublisher dials url and declares the queue.
func NewRabbitPublisher(url, queue string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return &RabbitPublisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *RabbitPublisher) PublishPurchase(ctx context.Context, event PurchaseEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (p *RabbitPublisher) Close() error {
	if p.ch != nil {
		p.ch.Close()
	}
	return p.conn.Close()
}

// NoopPublisher discards events; used when no broker is configured and in
// tests.
type NoopPublisher struct{}

func (NoopPublisher) PublishPurchase(ctx context.Context, event PurchaseEvent) error { return nil }
func (NoopPublisher) Close() error                                                   { return nil }
