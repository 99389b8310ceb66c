// Package events publishes the match audit feed consumed by the moderation store.
// Failures are logged by callers and never interrupt matching or chat.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// DefaultQueue is the durable queue the audit feed is written to.
const DefaultQueue = "anonchat.audit"

type Kind string

const (
	KindMatchMade  Kind = "match.made"
	KindRoomClosed Kind = "room.closed"
)

// Event is one audit record. Handles are session-scoped display names; fingerprints
// never leave the service.
type Event struct {
	Kind     Kind      `json:"kind"`
	RoomID   string    `json:"room_id"`
	Handle   string    `json:"handle"`
	Peer     string    `json:"peer,omitempty"`
	Role     string    `json:"role,omitempty"`
	Strategy string    `json:"strategy,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// NopPublisher discards every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// AMQPPublisher writes events as persistent JSON messages to a durable RabbitMQ queue
// through the default exchange.
type AMQPPublisher struct {
	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	queue  string
	logger logrus.FieldLogger
}

// DialAMQP connects to the broker and declares queue.
func DialAMQP(url, queue string, logger logrus.FieldLogger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: channel open failed: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq: queue declare failed: %w", err)
	}
	logger.WithField("queue", queue).Info("audit feed connected")
	return &AMQPPublisher{conn: conn, ch: ch, queue: queue, logger: logger}, nil
}

// publishing builds the broker message for evt.
func publishing(evt Event) (amqp.Publishing, error) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         string(evt.Kind),
		Timestamp:    evt.At,
		Body:         body,
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	msg, err := publishing(evt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		msg,
	); err != nil {
		return fmt.Errorf("rabbitmq: publish failed: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}
