// Package core assembles the daemon: config, logging, storage, the
// scheduler with its product jobs, the event hub, and the ops server.
package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"matchpulse/internal/config"
	"matchpulse/internal/hub"
	"matchpulse/internal/jobs"
	"matchpulse/internal/pipeline"
	"matchpulse/internal/scheduler"
	"matchpulse/internal/server"
	"matchpulse/internal/storage"
	logx "matchpulse/pkg/logx"
)

// Job names are the stable handles the ops API and run records key on.
const (
	JobExpirySweep   = "expiry-sweep"
	JobWebhookReplay = "webhook-replay"
	JobDailyPipeline = "daily-pipeline"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	store *storage.Store
	sched *scheduler.Service
	reg   *hub.Registry
	hub   *hub.Hub
	srv   *server.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(loggingConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))

	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	sched, err := scheduler.New(scheduler.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Timezone:    cfg.Timezone,
		HistorySize: cfg.Scheduler.HistorySize,
	}, log.With(logx.String("comp", "scheduler")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sched.SetRecorder(store)

	keepalive, err := config.ParseDurationOrDefault("hub.keepalive_interval", cfg.Hub.KeepaliveInterval, 25*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	reg := hub.NewRegistry(hub.Config{KeepaliveInterval: keepalive}, log.With(logx.String("comp", "hub")))
	h := hub.New(reg, log.With(logx.String("comp", "hub")))

	if err := registerJobs(cfg, sched, store, h, log); err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		store:   store,
		sched:   sched,
		reg:     reg,
		hub:     h,
	}

	if cfg.Server.Enabled {
		readTO, err := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		idleTO, err := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, 120*time.Second)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.srv = server.New(server.Config{
			Addr:        cfg.Server.Addr,
			ReadTimeout: readTO,
			IdleTimeout: idleTO,
		}, sched, reg, log.With(logx.String("comp", "server")))
	}

	return a, nil
}

func loggingConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    lc.Telegram.Enabled,
			Token:      lc.Telegram.Token,
			ChatID:     lc.Telegram.ChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func registerJobs(cfg *config.Config, sched *scheduler.Service, store *storage.Store, h *hub.Hub, log logx.Logger) error {
	jc := cfg.Jobs

	sweep := jobs.NewExpirySweep(store, h, log.With(logx.String("job", JobExpirySweep)))
	if err := sched.Register(scheduler.JobDescriptor{
		Name:     JobExpirySweep,
		Schedule: scheduleOr(jc.ExpirySweep.Schedule, "0 * * * *"),
		Enabled:  jc.ExpirySweep.Enabled,
	}, sweep.Run); err != nil {
		return err
	}

	replayTO, err := config.ParseDurationOrDefault("jobs.webhook_replay.timeout", jc.WebhookReplay.Timeout, 10*time.Second)
	if err != nil {
		return err
	}
	replay := jobs.NewWebhookReplay(store, jobs.WebhookReplayOptions{
		Endpoint:    jc.WebhookReplay.Endpoint,
		MaxAttempts: jc.WebhookReplay.MaxAttempts,
		RatePerSec:  float64(jc.WebhookReplay.RatePerSec),
		Timeout:     replayTO,
	}, log.With(logx.String("job", JobWebhookReplay)))
	if err := sched.Register(scheduler.JobDescriptor{
		Name:     JobWebhookReplay,
		Schedule: scheduleOr(jc.WebhookReplay.Schedule, "*/15 * * * *"),
		Enabled:  jc.WebhookReplay.Enabled && strings.TrimSpace(jc.WebhookReplay.Endpoint) != "",
	}, replay.Run); err != nil {
		return err
	}

	steps, err := pipelineSteps(jc.DailyPipeline.Steps)
	if err != nil {
		return err
	}
	runner := pipeline.NewRunner(log.With(logx.String("comp", "pipeline")))
	daily := jobs.NewDailyPipeline(runner, pipeline.Spec{
		Source: "matchpulse-core",
		Steps:  steps,
	}, h, log.With(logx.String("job", JobDailyPipeline)))
	if err := sched.Register(scheduler.JobDescriptor{
		Name:     JobDailyPipeline,
		Schedule: scheduleOr(jc.DailyPipeline.Schedule, "0 6 * * *"),
		Enabled:  jc.DailyPipeline.Enabled && len(steps) > 0,
	}, daily.Run); err != nil {
		return err
	}

	return nil
}

func scheduleOr(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func pipelineSteps(steps []config.PipelineStep) ([]pipeline.Step, error) {
	out := make([]pipeline.Step, 0, len(steps))
	for i, st := range steps {
		if strings.TrimSpace(st.URL) == "" {
			return nil, fmt.Errorf("jobs.daily_pipeline.steps[%d]: url is required", i)
		}
		timeout, err := config.ParseDurationOrDefault(
			fmt.Sprintf("jobs.daily_pipeline.steps[%d].timeout", i), st.Timeout, 2*time.Minute)
		if err != nil {
			return nil, err
		}
		delay, err := config.ParseDurationField(
			fmt.Sprintf("jobs.daily_pipeline.steps[%d].delay", i), st.Delay)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSpace(st.Name)
		if name == "" {
			name = fmt.Sprintf("step-%d", i+1)
		}
		out = append(out, pipeline.Step{Name: name, URL: st.URL, Timeout: timeout, Delay: delay})
	}
	return out, nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}

	if a.srv != nil {
		if err := a.srv.Start(); err != nil {
			cancel()
			return err
		}
	}

	// Hot reload fan-out. Logging applies live; scheduler, storage, and job
	// wiring are start-time concerns and take effect on restart.
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, fields := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg

			a.logs.Apply(loggingConfig(newCfg.Logging))

			if len(sections) > 0 {
				a.log.Info("config reloaded",
					append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, fields...)...)
			} else {
				a.log.Info("config reloaded (no changes)")
			}
		}
	}
}

// validate rejects a hot-reloaded config before it is committed, so a bad
// edit never replaces the running snapshot.
func validate(cfg *config.Config) error {
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := config.ParseDurationField("hub.keepalive_interval", cfg.Hub.KeepaliveInterval); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("server.read_timeout", cfg.Server.ReadTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("server.idle_timeout", cfg.Server.IdleTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("jobs.webhook_replay.timeout", cfg.Jobs.WebhookReplay.Timeout); err != nil {
		return err
	}
	if _, err := pipelineSteps(cfg.Jobs.DailyPipeline.Steps); err != nil {
		return err
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.cancel != nil {
		a.cancel()
	}

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	if a.srv != nil {
		step("server", 3*time.Second, a.srv.Stop)
	}
	step("scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("watchers", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
