package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog is an append-only structured event log backed by Postgres,
// the direct descendant of the teacher's internal/db.Logger
// (ensureSchema + Log*/Query* methods), retargeted from trade-ledger
// tables to relay operational events.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog connects to dsn and ensures the schema exists.
func NewAuditLog(ctx context.Context, dsn string) (*AuditLog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: connect postgres: %w", err)
	}
	l := &AuditLog{pool: pool}
	if err := l.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return l, nil
}

func (l *AuditLog) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS relay_events (
			id BIGSERIAL PRIMARY KEY,
			occurred_at TIMESTAMPTZ NOT NULL,
			account_id TEXT,
			event_type TEXT NOT NULL,
			detail JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS relay_orders (
			id BIGSERIAL PRIMARY KEY,
			submitted_at TIMESTAMPTZ NOT NULL,
			account_id TEXT NOT NULL,
			signal_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_events_account ON relay_events(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_relay_orders_signal ON relay_orders(signal_id)`,
	}
	for _, s := range stmts {
		if _, err := l.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("persistence: ensure schema: %w", err)
		}
	}
	return nil
}

// LogEvent appends a structured operational event: circuit trips,
// restarts, startup phase transitions.
func (l *AuditLog) LogEvent(ctx context.Context, accountID, eventType string, detail []byte) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO relay_events (occurred_at, account_id, event_type, detail) VALUES ($1, $2, $3, $4)`,
		time.Now(), accountID, eventType, detail)
	if err != nil {
		return fmt.Errorf("persistence: log event: %w", err)
	}
	return nil
}

// LogOrderSubmitted appends a submitted-order audit record.
func (l *AuditLog) LogOrderSubmitted(ctx context.Context, accountID, signalID, symbol, side, orderType, status string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO relay_orders (submitted_at, account_id, signal_id, symbol, side, order_type, status) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		time.Now(), accountID, signalID, symbol, side, orderType, status)
	if err != nil {
		return fmt.Errorf("persistence: log order submitted: %w", err)
	}
	return nil
}

// EventCount returns the number of logged events of eventType,
// feeding the derived counters the control surface exposes.
func (l *AuditLog) EventCount(ctx context.Context, eventType string) (int64, error) {
	var n int64
	err := l.pool.QueryRow(ctx, `SELECT count(*) FROM relay_events WHERE event_type = $1`, eventType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("persistence: count events: %w", err)
	}
	return n, nil
}

// Close closes the underlying connection pool.
func (l *AuditLog) Close() { l.pool.Close() }
