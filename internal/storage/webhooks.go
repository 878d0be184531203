package storage

import (
	"context"
	"database/sql"
	"time"
)

// WebhookEvent is one payment-provider webhook whose processing failed and
// is awaiting re-delivery.
type WebhookEvent struct {
	ID       string
	Provider string
	Payload  []byte
	Attempts int
	State    string
}

const (
	WebhookPending   = "pending"
	WebhookDelivered = "delivered"
	// WebhookParked: attempts exhausted; kept for manual inspection.
	WebhookParked = "parked"
)

func (s *Store) AddWebhookEvent(ctx context.Context, ev WebhookEvent) error {
	now := time.Now().UnixMilli()
	if ev.State == "" {
		ev.State = WebhookPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_events (id, provider, payload, state, attempts, received_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.Provider, string(ev.Payload), ev.State, ev.Attempts, now, now)
	return err
}

// PendingWebhooks returns the oldest pending events, bounded.
func (s *Store) PendingWebhooks(ctx context.Context, limit int) ([]WebhookEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, payload, attempts
		 FROM webhook_events WHERE state = ? ORDER BY received_at LIMIT ?`,
		WebhookPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WebhookEvent
	for rows.Next() {
		var ev WebhookEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Provider, &payload, &ev.Attempts); err != nil {
			return nil, err
		}
		ev.Payload = []byte(payload)
		ev.State = WebhookPending
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) MarkWebhookDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET state = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		WebhookDelivered, time.Now().UnixMilli(), id)
	return err
}

// MarkWebhookFailed bumps the attempt counter and parks the event once
// maxAttempts is reached.
func (s *Store) MarkWebhookFailed(ctx context.Context, id, cause string, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET attempts = attempts + 1,
		     last_error = ?,
		     state = CASE WHEN attempts + 1 >= ? THEN ? ELSE state END,
		     updated_at = ?
		 WHERE id = ?`,
		cause, maxAttempts, WebhookParked, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
