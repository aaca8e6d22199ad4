package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Fanout publishes JSON documents to external subscribers over NATS.
// cmd/relay publishes every recorded telemetry.Event through it;
// ExecutionReports are not recorded as events and are not published.
// It is separate from internal/queue's per-account AMQP bracket-leg bus.
type Fanout struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewFanout connects to url and returns a Fanout that publishes under
// subject.
func NewFanout(url, subject string, log zerolog.Logger) (*Fanout, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("telemetry: connect nats %s: %w", url, err)
	}
	return &Fanout{conn: conn, subject: subject, log: log.With().Str("component", "telemetry.fanout").Logger()}, nil
}

// Publish marshals payload as JSON and publishes it under f.subject.
func (f *Fanout) Publish(payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telemetry: marshal fanout payload: %w", err)
	}
	if err := f.conn.Publish(f.subject, body); err != nil {
		f.log.Warn().Err(err).Msg("nats publish failed")
		return fmt.Errorf("telemetry: publish: %w", err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (f *Fanout) Close() {
	_ = f.conn.Drain()
}
