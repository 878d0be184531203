package jobs

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"matchpulse/internal/scheduler"
	"matchpulse/internal/storage"
	logx "matchpulse/pkg/logx"
)

// WebhookReplay re-delivers parked payment-provider webhooks to the CRUD
// backend. Deliveries are paced so a large backlog never hammers the
// endpoint.
type WebhookReplay struct {
	store       *storage.Store
	client      *http.Client
	limiter     *rate.Limiter
	endpoint    string
	maxAttempts int
	timeout     time.Duration
	batch       int
	log         logx.Logger
}

type WebhookReplayOptions struct {
	Endpoint    string
	MaxAttempts int
	RatePerSec  float64
	Timeout     time.Duration
	Batch       int
}

func NewWebhookReplay(store *storage.Store, opts WebhookReplayOptions, log logx.Logger) *WebhookReplay {
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 50
	}
	return &WebhookReplay{
		store:       store,
		client:      &http.Client{},
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		endpoint:    opts.Endpoint,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		batch:       opts.Batch,
		log:         log,
	}
}

func (j *WebhookReplay) Run(ctx context.Context) error {
	pending, err := j.store.PendingWebhooks(ctx, j.batch)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		j.log.Debug("webhook replay: queue empty")
		return nil
	}

	delivered, failed := 0, 0
	for _, ev := range pending {
		if err := j.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := j.deliver(ctx, ev); err != nil {
			failed++
			j.log.Warn("webhook re-delivery failed",
				logx.String("id", ev.ID),
				logx.String("provider", ev.Provider),
				logx.Int("attempts", ev.Attempts+1),
				logx.Err(err))
			if err := j.store.MarkWebhookFailed(ctx, ev.ID, err.Error(), j.maxAttempts); err != nil {
				j.log.Error("webhook state update failed", logx.String("id", ev.ID), logx.Err(err))
			}
			continue
		}
		delivered++
		if err := j.store.MarkWebhookDelivered(ctx, ev.ID); err != nil {
			j.log.Error("webhook state update failed", logx.String("id", ev.ID), logx.Err(err))
		}
	}

	j.log.Info("webhook replay done",
		logx.Int("delivered", delivered),
		logx.Int("failed", failed))

	switch {
	case failed == 0:
		return nil
	case delivered == 0:
		return fmt.Errorf("all %d re-deliveries failed", failed)
	default:
		return scheduler.Partial(fmt.Errorf("%d of %d re-deliveries failed", failed, len(pending)))
	}
}

func (j *WebhookReplay) deliver(ctx context.Context, ev storage.WebhookEvent) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(ev.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Provider", ev.Provider)
	req.Header.Set("X-Webhook-Replay-Id", ev.ID)

	resp, err := j.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %s", resp.Status)
	}
	return nil
}
