package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	// Dispatch controls the async delivery pipeline. Omitted fields fall
	// back to runtime defaults.
	Dispatch *DispatchConfig `json:"dispatch,omitempty"`

	// Reminders controls the maintenance loops of the reminder service.
	Reminders *RemindersConfig `json:"reminders,omitempty"`

	Bot *BotConfig `json:"bot,omitempty"`

	// Pprof controls the optional debug HTTP server.
	Pprof PprofConfig `json:"pprof,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback bind requires a token or explicit allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). No write timeout is applied so
	// long CPU profiles work reliably.
	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// DispatchConfig controls delivery workers and retry.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - rate_per_sec: 5
//   - retry_max: 3
//   - retry_base: "500ms"
//   - retry_max_delay: "10s"
//   - send_timeout: "10s"
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// RemindersConfig controls the reconcile and prune maintenance loops.
//
// All durations are Go duration strings.
type RemindersConfig struct {
	ReconcileEvery string `json:"reconcile_every,omitempty"` // default "5m"
	PruneEvery     string `json:"prune_every,omitempty"`     // default "1h"
	PruneAfter     string `json:"prune_after,omitempty"`     // default "168h"
}

type BotConfig struct {
	InboxSize int `json:"inbox_size,omitempty"`
	// HandleTimeout is a Go duration string bounding one message's handling.
	HandleTimeout string `json:"handle_timeout,omitempty"`
}
