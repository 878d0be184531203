package jobs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"matchpulse/internal/hub"
	"matchpulse/internal/pipeline"
	"matchpulse/internal/storage"
	logx "matchpulse/pkg/logx"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type frameCollector struct {
	mu     sync.Mutex
	frames []string
}

func (f *frameCollector) sink() hub.SinkFunc {
	return func(p []byte) error {
		f.mu.Lock()
		f.frames = append(f.frames, string(p))
		f.mu.Unlock()
		return nil
	}
}

func (f *frameCollector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestExpirySweepPublishesPerSubscriber(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	subs := []storage.Subscription{
		{ID: "s1", Subscriber: "alice", Plan: "pro", ExpiresAt: now.Add(-time.Hour)},
		{ID: "s2", Subscriber: "bob", Plan: "basic", ExpiresAt: now.Add(-time.Minute)},
		{ID: "s3", Subscriber: "alice", Plan: "basic", ExpiresAt: now.Add(time.Hour)},
	}
	for _, sub := range subs {
		if err := st.UpsertSubscription(ctx, sub); err != nil {
			t.Fatalf("UpsertSubscription error: %v", err)
		}
	}

	reg := hub.NewRegistry(hub.Config{KeepaliveInterval: time.Hour}, logx.Nop())
	h := hub.New(reg, logx.Nop())
	alice := &frameCollector{}
	reg.Add("alice", alice.sink())

	sweep := NewExpirySweep(st, h, logx.Nop())
	if err := sweep.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	// Only alice's lapsed subscription reached her; bob has no connection.
	if alice.count() != 1 {
		t.Fatalf("alice frames = %d, want 1", alice.count())
	}
	alice.mu.Lock()
	frame := alice.frames[0]
	alice.mu.Unlock()
	if !strings.Contains(frame, "subscription.expired") || !strings.Contains(frame, "s1") {
		t.Fatalf("unexpected frame: %q", frame)
	}

	// Second sweep finds nothing and publishes nothing.
	if err := sweep.Run(ctx); err != nil {
		t.Fatalf("second Run error: %v", err)
	}
	if alice.count() != 1 {
		t.Fatalf("frames after idle sweep = %d, want 1", alice.count())
	}
}

func TestDailyPipelinePublishesRefreshNotice(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := hub.NewRegistry(hub.Config{KeepaliveInterval: time.Hour}, logx.Nop())
	h := hub.New(reg, logx.Nop())
	alice := &frameCollector{}
	reg.Add("alice", alice.sink())

	daily := NewDailyPipeline(pipeline.NewRunner(logx.Nop()), pipeline.Spec{
		Source: "test",
		Steps:  []pipeline.Step{{Name: "a", URL: srv.URL}},
	}, h, logx.Nop())

	if err := daily.Run(context.Background()); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if alice.count() != 1 {
		t.Fatalf("frames = %d, want 1", alice.count())
	}
	alice.mu.Lock()
	frame := alice.frames[0]
	alice.mu.Unlock()
	if !strings.Contains(frame, "predictions.refreshed") {
		t.Fatalf("unexpected frame: %q", frame)
	}
}

func TestDailyPipelineFailureNamesStep(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := hub.NewRegistry(hub.Config{KeepaliveInterval: time.Hour}, logx.Nop())
	h := hub.New(reg, logx.Nop())
	alice := &frameCollector{}
	reg.Add("alice", alice.sink())

	daily := NewDailyPipeline(pipeline.NewRunner(logx.Nop()), pipeline.Spec{
		Source: "test",
		Steps:  []pipeline.Step{{Name: "broken", URL: srv.URL}},
	}, h, logx.Nop())

	err := daily.Run(context.Background())
	var sf *pipeline.StepFailure
	if !errors.As(err, &sf) || sf.Step != "broken" {
		t.Fatalf("err = %v, want StepFailure for broken", err)
	}
	// No notice goes out for a failed refresh.
	if alice.count() != 0 {
		t.Fatalf("frames = %d, want 0", alice.count())
	}
}

func TestWebhookReplayDeliversAll(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2"} {
		if err := st.AddWebhookEvent(ctx, storage.WebhookEvent{ID: id, Provider: "stripe", Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("AddWebhookEvent error: %v", err)
		}
	}

	var mu sync.Mutex
	seen := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("X-Webhook-Replay-Id")] = r.Header.Get("X-Webhook-Provider")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	replay := NewWebhookReplay(st, WebhookReplayOptions{Endpoint: srv.URL, RatePerSec: 1000}, logx.Nop())
	if err := replay.Run(ctx); err != nil {
		t.Fatalf("Run error: %v", err)
	}

	mu.Lock()
	if len(seen) != 2 || seen["w1"] != "stripe" {
		t.Fatalf("unexpected deliveries: %v", seen)
	}
	mu.Unlock()

	pending, err := st.PendingWebhooks(ctx, 10)
	if err != nil {
		t.Fatalf("PendingWebhooks error: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after replay = %d, want 0", len(pending))
	}
}

func TestWebhookReplayPartialFailure(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"good", "bad"} {
		if err := st.AddWebhookEvent(ctx, storage.WebhookEvent{ID: id, Provider: "stripe", Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("AddWebhookEvent error: %v", err)
		}
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Replay-Id") == "bad" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	replay := NewWebhookReplay(st, WebhookReplayOptions{Endpoint: srv.URL, RatePerSec: 1000}, logx.Nop())
	err := replay.Run(ctx)
	if err == nil || !strings.HasPrefix(err.Error(), "partial:") {
		t.Fatalf("err = %v, want partial", err)
	}

	pending, perr := st.PendingWebhooks(ctx, 10)
	if perr != nil {
		t.Fatalf("PendingWebhooks error: %v", perr)
	}
	if len(pending) != 1 || pending[0].ID != "bad" || pending[0].Attempts != 1 {
		t.Fatalf("unexpected pending: %+v", pending)
	}
}

func TestWebhookReplayAllFailed(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.AddWebhookEvent(ctx, storage.WebhookEvent{ID: "w", Provider: "stripe", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("AddWebhookEvent error: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	replay := NewWebhookReplay(st, WebhookReplayOptions{Endpoint: srv.URL, RatePerSec: 1000}, logx.Nop())
	err := replay.Run(ctx)
	if err == nil || strings.HasPrefix(err.Error(), "partial:") {
		t.Fatalf("err = %v, want hard failure", err)
	}
}
