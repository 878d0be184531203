package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Timezone is the fixed IANA zone all cron expressions are evaluated in,
	// independent of the deployment host's local zone (e.g. "Europe/Berlin").
	Timezone string `json:"timezone"`

	Scheduler SchedulerConfig `json:"scheduler"`
	Hub       HubConfig       `json:"hub"`
	Storage   StorageConfig   `json:"storage"`
	Server    ServerConfig    `json:"server"`
	Jobs      JobsConfig      `json:"jobs"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram configures the ops-alert sink (see pkg/logx).
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// HistorySize bounds the per-job in-memory run history (default 50).
	HistorySize int `json:"history_size,omitempty"`
}

type HubConfig struct {
	// KeepaliveInterval is a Go duration string; how often each connection
	// receives a keepalive frame (default "25s").
	KeepaliveInterval string `json:"keepalive_interval,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8085"
	// Server timeouts (Go duration strings). WriteTimeout stays 0 (disabled)
	// because the SSE stream holds response writers open indefinitely.
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type JobsConfig struct {
	ExpirySweep   ExpirySweepConfig   `json:"expiry_sweep"`
	WebhookReplay WebhookReplayConfig `json:"webhook_replay"`
	DailyPipeline DailyPipelineConfig `json:"daily_pipeline"`
}

type ExpirySweepConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"` // cron expression, e.g. "0 * * * *"
}

type WebhookReplayConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	// Endpoint receives re-delivered payment webhook payloads.
	Endpoint string `json:"endpoint"`
	// MaxAttempts per stored event before it is parked (default 5).
	MaxAttempts int `json:"max_attempts,omitempty"`
	// RatePerSec paces re-deliveries (default 5).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Timeout per delivery attempt, Go duration string (default "10s").
	Timeout string `json:"timeout,omitempty"`
}

type DailyPipelineConfig struct {
	Enabled  bool           `json:"enabled"`
	Schedule string         `json:"schedule"` // e.g. "0 6 * * *"
	Steps    []PipelineStep `json:"steps"`
}

// PipelineStep is one remote trigger in the daily prediction pipeline.
// Steps run strictly in config order; Delay elapses after a successful step
// so the upstream service can settle before the next stage reads its output.
type PipelineStep struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Timeout string `json:"timeout,omitempty"` // Go duration string (default "2m")
	Delay   string `json:"delay,omitempty"`   // Go duration string (default "0s")
}
