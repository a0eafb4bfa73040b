// Package events consumes user-created events from RabbitMQ and provisions a
// free entitlement for each new user.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/entitlement"
)

// DefaultQueue is the queue user-created events are read from.
const DefaultQueue = "user.created"

// UserCreated is the payload of a user-created event.
type UserCreated struct {
	UID string `json:"uid"`
}

// Provisioner creates the free entitlement of a new user.
type Provisioner interface {
	CreateFreeEntitlement(ctx context.Context, userID string) (*entitlement.Entitlement, error)
}

// ErrMalformed marks an event that can never be processed.
var ErrMalformed = errors.New("events: malformed event")

// Consumer reads UserCreated events and provisions entitlements.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	target   Provisioner
	logger   *slog.Logger
	newBack  func() *backoff.ExponentialBackOff
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithQueue overrides the queue name.
func WithQueue(name string) Option {
	return func(c *Consumer) {
		if name != "" {
			c.queue = name
		}
	}
}

// WithPrefetch sets the channel QoS prefetch count.
func WithPrefetch(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a Consumer for the broker at url.
func NewConsumer(url string, target Provisioner, opts ...Option) *Consumer {
	c := &Consumer{
		url:      url,
		queue:    DefaultQueue,
		prefetch: 50,
		target:   target,
		logger:   slog.Default(),
		newBack: func() *backoff.ExponentialBackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle processes one event body. A duplicate event is not an error.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var ev UserCreated
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	uid := strings.TrimSpace(ev.UID)
	if uid == "" {
		return fmt.Errorf("%w: missing uid", ErrMalformed)
	}

	_, err := c.target.CreateFreeEntitlement(ctx, uid)
	if errors.Is(err, entitle.ErrAlreadyExists) {
		c.logger.Debug("user already provisioned", "user_id", uid)
		return nil
	}
	return err
}

// Run consumes until ctx is cancelled, reconnecting with exponential backoff
// whenever the broker connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	b := c.newBack()
	for {
		conn, err := amqp.Dial(c.url)
		if err == nil {
			b.Reset()
			err = c.consume(ctx, conn)
			_ = conn.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := b.NextBackOff()
		c.logger.Warn("event consumer disconnected", "queue", c.queue, "retry_in", wait, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("events: open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("events: set qos: %w", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("events: declare %s: %w", c.queue, err)
	}
	msgs, err := ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume %s: %w", c.queue, err)
	}
	c.logger.Info("event consumer started", "queue", c.queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("events: delivery channel closed")
			}
			c.deliver(ctx, d)
		}
	}
}

// deliver acks handled events, requeues retryable failures and drops the rest.
func (c *Consumer) deliver(ctx context.Context, d amqp.Delivery) {
	err := c.Handle(ctx, d.Body)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case entitle.IsRetryable(err) && !d.Redelivered:
		c.logger.Warn("event requeued", "queue", c.queue, "error", err)
		_ = d.Nack(false, true)
	default:
		c.logger.Error("event rejected", "queue", c.queue, "error", err)
		_ = d.Nack(false, false)
	}
}

// Publish sends a UserCreated event for uid to queue on ch.
func Publish(ctx context.Context, ch *amqp.Channel, queue, uid string) error {
	body, err := json.Marshal(UserCreated{UID: uid})
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}
