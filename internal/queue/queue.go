// Package queue is the per-account bracket-leg bus: the relay's submit
// path publishes one message per dispatched bracket leg to that
// account's queue, and a per-account consumer reads them serially.
// cmd/relay uses it as an audit trail, recording each consumed leg into
// telemetry; CRITICAL-op serialization is enforced in-process by
// internal/session, not by this queue. Grounded
// on the teacher's internal/amqp publisher/consumer: retry-dial loop,
// confirm mode, per-queue handler registration, QoS(1,0,false).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	dialRetryAttempts = 10
	dialRetryDelay    = 2 * time.Second
)

// BracketLeg is one command dispatched to an account's queue: a
// single entry, take-profit, or stop-loss order submission.
type BracketLeg struct {
	SignalID   string `json:"signal_id"`
	AccountID  string `json:"account_id"`
	Leg        string `json:"leg"` // ENTRY | TAKE_PROFIT | STOP_LOSS
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"order_type"`
	Price      float64 `json:"price,omitempty"`
}

func queueName(accountID string) string { return fmt.Sprintf("relay.account.%s", accountID) }

// Bus wraps a single AMQP connection shared by a Publisher and
// Consumer for every account queue.
type Bus struct {
	url  string
	log  zerolog.Logger
	conn *amqp.Connection
}

// Connect dials url, retrying dialRetryAttempts times with
// dialRetryDelay between attempts, exactly as the teacher's
// publisher/consumer each do independently (here shared, since both
// sides of this bus live in the same process).
func Connect(url string, log zerolog.Logger) (*Bus, error) {
	var lastErr error
	for attempt := 1; attempt <= dialRetryAttempts; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return &Bus{url: url, log: log.With().Str("component", "queue").Logger(), conn: conn}, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("amqp dial failed, retrying")
		time.Sleep(dialRetryDelay)
	}
	return nil, fmt.Errorf("queue: dial %s after %d attempts: %w", url, dialRetryAttempts, lastErr)
}

// Close closes the underlying AMQP connection.
func (b *Bus) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

// Publisher publishes bracket legs to per-account queues.
type Publisher struct {
	bus *Bus
	ch  *amqp.Channel
}

// NewPublisher opens a confirm-mode channel on bus, matching the
// teacher's ch.Confirm(false).
func NewPublisher(bus *Bus) (*Publisher, error) {
	ch, err := bus.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open publisher channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("queue: enable confirm mode: %w", err)
	}
	return &Publisher{bus: bus, ch: ch}, nil
}

// PublishLeg declares (idempotently) and publishes leg to its
// account's queue.
func (p *Publisher) PublishLeg(ctx context.Context, leg BracketLeg) error {
	q, err := p.ch.QueueDeclare(queueName(leg.AccountID), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: declare %s: %w", queueName(leg.AccountID), err)
	}
	body, err := json.Marshal(leg)
	if err != nil {
		return fmt.Errorf("queue: marshal leg: %w", err)
	}
	return p.ch.PublishWithContext(ctx, "", q.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error { return p.ch.Close() }

// LegHandler processes one dequeued BracketLeg.
type LegHandler func(ctx context.Context, leg BracketLeg) error

// Consumer consumes per-account queues and dispatches to a registered
// handler, mirroring the teacher's per-queue handler registration with
// QoS(1,0,false).
type Consumer struct {
	bus      *Bus
	ch       *amqp.Channel
	log      zerolog.Logger
	handlers map[string]LegHandler
}

// NewConsumer opens a channel with QoS(1,0,false): a worker only ever
// holds one unacked message at a time, so a crashed worker never
// silently drops a bracket leg that was delivered but not processed.
func NewConsumer(bus *Bus, log zerolog.Logger) (*Consumer, error) {
	ch, err := bus.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open consumer channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("queue: set QoS: %w", err)
	}
	return &Consumer{bus: bus, ch: ch, log: log.With().Str("component", "queue.consumer").Logger(), handlers: make(map[string]LegHandler)}, nil
}

// ConsumeAccount registers handler for accountID's queue and starts
// consuming in a background goroutine.
func (c *Consumer) ConsumeAccount(ctx context.Context, accountID string, handler LegHandler) error {
	q, err := c.ch.QueueDeclare(queueName(accountID), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: declare %s: %w", q.Name, err)
	}
	deliveries, err := c.ch.Consume(q.Name, "relay-"+accountID, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume %s: %w", q.Name, err)
	}
	go c.dispatch(ctx, accountID, deliveries, handler)
	return nil
}

func (c *Consumer) dispatch(ctx context.Context, accountID string, deliveries <-chan amqp.Delivery, handler LegHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var leg BracketLeg
			if err := json.Unmarshal(d.Body, &leg); err != nil {
				c.log.Error().Err(err).Str("account", accountID).Msg("malformed bracket leg, nacking")
				_ = d.Nack(false, false)
				continue
			}
			if err := handler(ctx, leg); err != nil {
				c.log.Error().Err(err).Str("account", accountID).Str("leg", leg.Leg).Msg("bracket leg handler failed")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Close closes the consumer's channel.
func (c *Consumer) Close() error { return c.ch.Close() }
