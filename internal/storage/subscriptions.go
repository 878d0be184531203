package storage

import (
	"context"
	"time"
)

// Subscription is one paid entitlement row. Business semantics of the plan
// are opaque to the core; the sweep only cares about state and expiry.
type Subscription struct {
	ID         string
	Subscriber string
	Plan       string
	State      string
	ExpiresAt  time.Time
}

const (
	SubscriptionActive  = "active"
	SubscriptionExpired = "expired"
)

// UpsertSubscription writes the row the CRUD backend owns; the core only
// needs it for tests and local tooling.
func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	if sub.State == "" {
		sub.State = SubscriptionActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, subscriber_id, plan, state, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   subscriber_id = excluded.subscriber_id,
		   plan          = excluded.plan,
		   state         = excluded.state,
		   expires_at    = excluded.expires_at,
		   updated_at    = excluded.updated_at`,
		sub.ID, sub.Subscriber, sub.Plan, sub.State, sub.ExpiresAt.UnixMilli(), time.Now().UnixMilli())
	return err
}

// ExpireDueSubscriptions flips every active subscription past its expiry to
// expired and returns the flipped rows, all in one transaction so a crash
// mid-sweep never leaves a row half-processed.
func (s *Store) ExpireDueSubscriptions(ctx context.Context, now time.Time) ([]Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, subscriber_id, plan, expires_at
		 FROM subscriptions WHERE state = ? AND expires_at <= ?
		 ORDER BY expires_at`,
		SubscriptionActive, now.UnixMilli())
	if err != nil {
		return nil, err
	}

	var due []Subscription
	for rows.Next() {
		var sub Subscription
		var exp int64
		if err := rows.Scan(&sub.ID, &sub.Subscriber, &sub.Plan, &exp); err != nil {
			rows.Close()
			return nil, err
		}
		sub.State = SubscriptionExpired
		sub.ExpiresAt = time.UnixMilli(exp)
		due = append(due, sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, tx.Commit()
	}

	nowMs := now.UnixMilli()
	for _, sub := range due {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET state = ?, updated_at = ? WHERE id = ?`,
			SubscriptionExpired, nowMs, sub.ID); err != nil {
			return nil, err
		}
	}
	return due, tx.Commit()
}
