// Package jobs holds the product's recurring job bodies: the subscription
// expiry sweep, payment webhook replay, and the daily prediction pipeline
// trigger. Each body is registered with the scheduler under a stable name.
package jobs

import (
	"context"
	"time"

	"matchpulse/internal/hub"
	"matchpulse/internal/storage"
	logx "matchpulse/pkg/logx"
)

// ExpirySweep flips lapsed subscriptions to expired and tells each affected
// subscriber's live connections about it.
type ExpirySweep struct {
	store *storage.Store
	hub   *hub.Hub
	log   logx.Logger
}

func NewExpirySweep(store *storage.Store, h *hub.Hub, log logx.Logger) *ExpirySweep {
	return &ExpirySweep{store: store, hub: h, log: log}
}

type expiredPayload struct {
	SubscriptionID string    `json:"subscriptionId"`
	Plan           string    `json:"plan,omitempty"`
	ExpiredAt      time.Time `json:"expiredAt"`
}

func (j *ExpirySweep) Run(ctx context.Context) error {
	now := time.Now()
	due, err := j.store.ExpireDueSubscriptions(ctx, now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		j.log.Debug("expiry sweep: nothing due")
		return nil
	}

	delivered := 0
	for _, sub := range due {
		ev, err := hub.NewEvent("subscription.expired", expiredPayload{
			SubscriptionID: sub.ID,
			Plan:           sub.Plan,
			ExpiredAt:      now.UTC(),
		})
		if err != nil {
			continue
		}
		delivered += j.hub.Publish(sub.Subscriber, ev)
	}

	j.log.Info("expiry sweep done",
		logx.Int("expired", len(due)),
		logx.Int("events_delivered", delivered))
	return nil
}
