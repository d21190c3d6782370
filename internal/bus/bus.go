// Package bus implements the durable notification bus.
//
// Notifications are written to a SQLite outbox inside Publish and delivered
// asynchronously by a dispatcher goroutine, so a crash between publish and
// delivery loses nothing. Delivery is at-least-once: subscribers must treat
// MessageID as the deduplication key. Before any message reaches the outbox
// it is written to the audit log; an audit failure fails the publish.
//
// Undeliverable messages move to the dead-letter table after MaxAttempts
// failed deliveries or once they outlive MessageTTL. Delivered messages move
// to the history table keyed by event ID.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"riskwatch/pkg/types"
)

const dispatchBatch = 32

const schema = `
CREATE TABLE IF NOT EXISTS notification_outbox (
	event_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id      TEXT NOT NULL UNIQUE,
	kind            TEXT NOT NULL,
	client_id       TEXT NOT NULL,
	priority        TEXT NOT NULL,
	payload         TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_history (
	event_id     INTEGER PRIMARY KEY,
	message_id   TEXT NOT NULL,
	kind         TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	priority     TEXT NOT NULL,
	payload      TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	delivered_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS notification_dlq (
	event_id   INTEGER PRIMARY KEY,
	message_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	client_id  TEXT NOT NULL,
	priority   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	attempts   INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	failed_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_due ON notification_outbox(next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_history_client ON notification_history(client_id, event_id);
`

// Handler consumes one notification. A non-nil error schedules redelivery.
type Handler func(ctx context.Context, n types.Notification) error

// Options tune delivery behavior.
type Options struct {
	MessageTTL       time.Duration
	MaxAttempts      int
	DispatchInterval time.Duration
}

// Bus is the durable notification bus.
type Bus struct {
	db   *sql.DB
	opts Options

	mu       sync.RWMutex
	handlers []Handler

	audit  *slog.Logger
	logger *slog.Logger
}

// New creates a Bus over an existing database handle, creating its tables if
// needed. audit receives the mandatory pre-publish audit records.
func New(db *sql.DB, opts Options, audit, logger *slog.Logger) (*Bus, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create bus schema: %w", err)
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.DispatchInterval <= 0 {
		opts.DispatchInterval = 500 * time.Millisecond
	}
	return &Bus{
		db:     db,
		opts:   opts,
		audit:  audit.With("component", "audit"),
		logger: logger.With("component", "bus"),
	}, nil
}

// Subscribe registers a delivery handler. All handlers must succeed for a
// message to count as delivered.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish audits and persists a notification, returning its event ID.
// Delivery happens asynchronously from the dispatcher.
func (b *Bus) Publish(ctx context.Context, n types.Notification) (int64, error) {
	if n.MessageID == "" {
		n.MessageID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	// Audit precedes persistence: an event that cannot be audited is not
	// allowed onto the bus.
	b.audit.Info("notification",
		"message_id", n.MessageID,
		"kind", n.Kind,
		"client_id", n.ClientID,
		"priority", n.Priority,
		"payload", string(payload),
	)

	now := n.Timestamp.UnixMilli()
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO notification_outbox (message_id, kind, client_id, priority, payload, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.MessageID, string(n.Kind), n.ClientID, string(n.Priority), string(payload), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue notification: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return eventID, nil
}

// Run drives delivery until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				b.logger.Error("dispatch failed", "error", err)
			}
		}
	}
}

// DispatchOnce delivers one batch of due messages. Exported so tests and the
// shutdown path can drain synchronously.
func (b *Bus) DispatchOnce(ctx context.Context) error {
	now := time.Now()
	rows, err := b.db.QueryContext(ctx, `
		SELECT event_id, message_id, kind, client_id, priority, payload, created_at, attempts
		FROM notification_outbox
		WHERE next_attempt_at <= ?
		ORDER BY event_id
		LIMIT ?`,
		now.UnixMilli(), dispatchBatch)
	if err != nil {
		return fmt.Errorf("scan outbox: %w", err)
	}

	type pending struct {
		n        types.Notification
		attempts int
	}
	var batch []pending
	for rows.Next() {
		var (
			p          pending
			kind       string
			priority   string
			payloadRaw string
			createdAt  int64
		)
		if err := rows.Scan(&p.n.EventID, &p.n.MessageID, &kind, &p.n.ClientID,
			&priority, &payloadRaw, &createdAt, &p.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("scan outbox row: %w", err)
		}
		p.n.Kind = types.EventKind(kind)
		p.n.Priority = types.Priority(priority)
		p.n.Timestamp = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(payloadRaw), &p.n.Payload); err != nil {
			rows.Close()
			return fmt.Errorf("decode payload %s: %w", p.n.MessageID, err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range batch {
		age := now.Sub(p.n.Timestamp)
		if b.opts.MessageTTL > 0 && age > b.opts.MessageTTL {
			if err := b.deadLetter(ctx, p.n, p.attempts, "expired"); err != nil {
				return err
			}
			continue
		}

		if err := b.deliver(ctx, p.n); err != nil {
			b.logger.Warn("delivery failed",
				"message_id", p.n.MessageID,
				"attempt", p.attempts+1,
				"error", err,
			)
			if p.attempts+1 >= b.opts.MaxAttempts {
				if err := b.deadLetter(ctx, p.n, p.attempts+1, "max attempts"); err != nil {
					return err
				}
				continue
			}
			if err := b.reschedule(ctx, p.n.EventID, p.attempts+1); err != nil {
				return err
			}
			continue
		}

		if err := b.markDelivered(ctx, p.n); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, n types.Notification) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) reschedule(ctx context.Context, eventID int64, attempts int) error {
	backoff := b.opts.DispatchInterval << uint(attempts)
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	_, err := b.db.ExecContext(ctx, `
		UPDATE notification_outbox SET attempts = ?, next_attempt_at = ?
		WHERE event_id = ?`,
		attempts, time.Now().Add(backoff).UnixMilli(), eventID)
	if err != nil {
		return fmt.Errorf("reschedule %d: %w", eventID, err)
	}
	return nil
}

func (b *Bus) markDelivered(ctx context.Context, n types.Notification) error {
	payload, _ := json.Marshal(n.Payload)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delivered: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_history (event_id, message_id, kind, client_id, priority, payload, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.EventID, n.MessageID, string(n.Kind), n.ClientID, string(n.Priority),
		string(payload), n.Timestamp.UnixMilli(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record history %d: %w", n.EventID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM notification_outbox WHERE event_id = ?", n.EventID); err != nil {
		return fmt.Errorf("dequeue %d: %w", n.EventID, err)
	}
	return tx.Commit()
}

func (b *Bus) deadLetter(ctx context.Context, n types.Notification, attempts int, reason string) error {
	payload, _ := json.Marshal(n.Payload)

	b.logger.Error("notification dead-lettered",
		"message_id", n.MessageID,
		"kind", n.Kind,
		"client_id", n.ClientID,
		"reason", reason,
	)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notification_dlq (event_id, message_id, kind, client_id, priority, payload, created_at, attempts, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.EventID, n.MessageID, string(n.Kind), n.ClientID, string(n.Priority),
		string(payload), n.Timestamp.UnixMilli(), attempts, reason, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record dead-letter %d: %w", n.EventID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM notification_outbox WHERE event_id = ?", n.EventID); err != nil {
		return fmt.Errorf("dequeue %d: %w", n.EventID, err)
	}
	return tx.Commit()
}

// History returns the most recent delivered notifications for a client,
// newest first.
func (b *Bus) History(ctx context.Context, clientID string, limit int) ([]types.Notification, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT event_id, message_id, kind, client_id, priority, payload, created_at
		FROM notification_history
		WHERE client_id = ?
		ORDER BY event_id DESC
		LIMIT ?`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// DeadLetterCount returns the number of dead-lettered messages.
func (b *Bus) DeadLetterCount(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notification_dlq").Scan(&n); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// PendingCount returns the number of undelivered messages in the outbox.
func (b *Bus) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM notification_outbox").Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func scanNotifications(rows *sql.Rows) ([]types.Notification, error) {
	var out []types.Notification
	for rows.Next() {
		var (
			n          types.Notification
			kind       string
			priority   string
			payloadRaw string
			createdAt  int64
		)
		if err := rows.Scan(&n.EventID, &n.MessageID, &kind, &n.ClientID, &priority, &payloadRaw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Kind = types.EventKind(kind)
		n.Priority = types.Priority(priority)
		n.Timestamp = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(payloadRaw), &n.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
