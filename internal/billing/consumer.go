package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"tollgate.dev/internal/obs"
	"tollgate.dev/internal/tenant"
)

// PlanChangesQueue is the durable queue the billing provider publishes to.
const PlanChangesQueue = "tollgate.plan_changes"

type disposition int

const (
	ack disposition = iota
	reject
	requeue
)

// Consumer feeds AMQP deliveries into an Applier.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	applier *Applier
	queue   string
}

// Dial connects to url and opens the channel the consumer reads from.
func Dial(url string, applier *Applier) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, applier: applier, queue: PlanChangesQueue}, nil
}

// Run consumes until ctx ends or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	if _, err := c.ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := c.ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	obs.Info("billing_consumer_started", map[string]any{"queue": c.queue})

	for {
		select {
		case <-ctx.Done():
			obs.Info("billing_consumer_stopped", nil)
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("billing: delivery channel closed")
			}
			c.settle(msg, c.handle(ctx, msg.Body))
		}
	}
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Consumer) handle(ctx context.Context, body []byte) disposition {
	var change tenant.PlanChange
	if err := json.Unmarshal(body, &change); err != nil {
		obs.Warn("billing_event_malformed", map[string]any{"err": err})
		return reject
	}
	res, err := c.applier.Apply(ctx, change)
	switch {
	case errors.Is(err, ErrInvalidChange):
		return reject
	case err != nil:
		return requeue
	}
	obs.Info("billing_event_processed", map[string]any{"event_id": res.EventID, "duplicate": res.Duplicate})
	return ack
}

func (c *Consumer) settle(msg amqp.Delivery, d disposition) {
	var err error
	switch d {
	case ack:
		err = msg.Ack(false)
	case reject:
		err = msg.Nack(false, false)
	case requeue:
		err = msg.Nack(false, true)
	}
	if err != nil {
		obs.Error("billing_settle_failed", map[string]any{"err": err})
	}
}
