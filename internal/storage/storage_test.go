package storage

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"matchpulse/internal/scheduler"
	logx "matchpulse/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordAndListRuns(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Millisecond)
	runs := []scheduler.JobRun{
		{Started: base, Ended: base.Add(time.Second), Outcome: scheduler.OutcomeSuccess, Cause: scheduler.CauseStartup},
		{Started: base.Add(time.Minute), Ended: base.Add(time.Minute + time.Second), Outcome: scheduler.OutcomeFailure, Error: "boom", Cause: scheduler.CauseScheduled},
	}
	for _, run := range runs {
		if err := st.RecordRun(ctx, "expiry-sweep", run); err != nil {
			t.Fatalf("RecordRun error: %v", err)
		}
	}

	got, err := st.ListRuns(ctx, "expiry-sweep", 10)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("runs = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Outcome != scheduler.OutcomeFailure || got[0].Error != "boom" {
		t.Fatalf("unexpected first run: %+v", got[0])
	}
	if !got[1].Started.Equal(base) {
		t.Fatalf("started = %v, want %v", got[1].Started, base)
	}

	other, err := st.ListRuns(ctx, "other-job", 10)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("runs for other job = %d, want 0", len(other))
	}
}

func TestExpireDueSubscriptions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	subs := []Subscription{
		{ID: "s1", Subscriber: "alice", Plan: "pro", ExpiresAt: now.Add(-time.Hour)},
		{ID: "s2", Subscriber: "bob", Plan: "basic", ExpiresAt: now.Add(-time.Minute)},
		{ID: "s3", Subscriber: "carol", Plan: "pro", ExpiresAt: now.Add(time.Hour)},
	}
	for _, sub := range subs {
		if err := st.UpsertSubscription(ctx, sub); err != nil {
			t.Fatalf("UpsertSubscription error: %v", err)
		}
	}

	due, err := st.ExpireDueSubscriptions(ctx, now)
	if err != nil {
		t.Fatalf("ExpireDueSubscriptions error: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	// Ordered by expiry, oldest first.
	if due[0].ID != "s1" || due[1].ID != "s2" {
		t.Fatalf("unexpected order: %s, %s", due[0].ID, due[1].ID)
	}
	for _, sub := range due {
		if sub.State != SubscriptionExpired {
			t.Fatalf("sub %s state = %s, want expired", sub.ID, sub.State)
		}
	}

	// The sweep is idempotent: a second pass finds nothing.
	again, err := st.ExpireDueSubscriptions(ctx, now)
	if err != nil {
		t.Fatalf("second sweep error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second sweep flipped %d rows, want 0", len(again))
	}
}

func TestWebhookQueueLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	evs := []WebhookEvent{
		{ID: "w1", Provider: "stripe", Payload: []byte(`{"n":1}`)},
		{ID: "w2", Provider: "stripe", Payload: []byte(`{"n":2}`)},
	}
	for _, ev := range evs {
		if err := st.AddWebhookEvent(ctx, ev); err != nil {
			t.Fatalf("AddWebhookEvent error: %v", err)
		}
	}
	// Duplicate IDs are absorbed, not duplicated.
	if err := st.AddWebhookEvent(ctx, evs[0]); err != nil {
		t.Fatalf("duplicate AddWebhookEvent error: %v", err)
	}

	pending, err := st.PendingWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("PendingWebhooks error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}

	if err := st.MarkWebhookDelivered(ctx, "w1"); err != nil {
		t.Fatalf("MarkWebhookDelivered error: %v", err)
	}
	pending, err = st.PendingWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("PendingWebhooks error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "w2" {
		t.Fatalf("pending after delivery = %+v", pending)
	}
}

func TestWebhookParksAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.AddWebhookEvent(ctx, WebhookEvent{ID: "w", Provider: "stripe", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("AddWebhookEvent error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := st.MarkWebhookFailed(ctx, "w", "endpoint returned 502", 3); err != nil {
			t.Fatalf("MarkWebhookFailed %d error: %v", i, err)
		}
	}

	pending, err := st.PendingWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("PendingWebhooks error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatal("parked event still pending")
	}

	if err := st.MarkWebhookFailed(ctx, "ghost", "x", 3); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
}
