package jobs

import (
	"context"
	"time"

	"matchpulse/internal/hub"
	"matchpulse/internal/pipeline"
	"matchpulse/internal/scheduler"
	logx "matchpulse/pkg/logx"
)

// DailyPipeline triggers the prediction refresh chain and, on success, pushes
// a refresh notice to every connected client.
type DailyPipeline struct {
	runner *pipeline.Runner
	spec   pipeline.Spec
	hub    *hub.Hub
	log    logx.Logger
}

func NewDailyPipeline(runner *pipeline.Runner, spec pipeline.Spec, h *hub.Hub, log logx.Logger) *DailyPipeline {
	return &DailyPipeline{runner: runner, spec: spec, hub: h, log: log}
}

type refreshedPayload struct {
	Source      string    `json:"source"`
	CompletedAt time.Time `json:"completedAt"`
	Steps       int       `json:"steps"`
	Elapsed     string    `json:"elapsed"`
}

func (j *DailyPipeline) Run(ctx context.Context) error {
	res := j.runner.Run(ctx, j.spec)
	if !res.OK {
		return res.Failed
	}

	ev, err := hub.NewEvent("predictions.refreshed", refreshedPayload{
		Source:      j.spec.Source,
		CompletedAt: time.Now().UTC(),
		Steps:       len(res.Steps),
		Elapsed:     res.Elapsed.Round(time.Millisecond).String(),
	})
	if err != nil {
		// The pipeline itself succeeded; only the notice was lost.
		j.log.Error("refresh notice not published", logx.Err(err))
		return scheduler.Partial(err)
	}
	n := j.hub.PublishAll(ev)
	j.log.Info("daily pipeline done",
		logx.Int("steps", len(res.Steps)),
		logx.Duration("elapsed", res.Elapsed),
		logx.Int("events_delivered", n))
	return nil
}
