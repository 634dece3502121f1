package app

import (
	"fmt"
	"strings"
	"time"

	"remindbot/internal/bot"
	"remindbot/internal/dispatch"
	"remindbot/internal/observability/pprof"
	"remindbot/internal/reminder"
	"remindbot/internal/store"
	logx "remindbot/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *Config) (store.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = "./reminders.db"
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 1*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

// mapDispatchConfig leaves omitted fields at zero; dispatch applies its own
// runtime defaults.
func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	if d == nil {
		return dispatch.Config{}, nil
	}
	if d.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if d.QueueSize < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.queue_size must be >= 0")
	}
	if d.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	if d.RetryMax < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.retry_max must be >= 0")
	}
	base, err := parseDurationField("dispatch.retry_base", d.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	maxDelay, err := parseDurationField("dispatch.retry_max_delay", d.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	sendTimeout, err := parseDurationField("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Workers:       d.Workers,
		QueueSize:     d.QueueSize,
		RatePerSec:    d.RatePerSec,
		RetryMax:      d.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   sendTimeout,
	}, nil
}

func mapReminderConfig(cfg *Config) (reminder.Config, error) {
	r := cfg.Reminders
	if r == nil {
		return reminder.Config{}, nil
	}
	reconcile, err := parseDurationField("reminders.reconcile_every", r.ReconcileEvery)
	if err != nil {
		return reminder.Config{}, err
	}
	pruneEvery, err := parseDurationField("reminders.prune_every", r.PruneEvery)
	if err != nil {
		return reminder.Config{}, err
	}
	pruneAfter, err := parseDurationField("reminders.prune_after", r.PruneAfter)
	if err != nil {
		return reminder.Config{}, err
	}
	return reminder.Config{
		ReconcileEvery: reconcile,
		PruneEvery:     pruneEvery,
		PruneAfter:     pruneAfter,
	}, nil
}

func mapBotConfig(cfg *Config) (bot.Config, error) {
	b := cfg.Bot
	if b == nil {
		return bot.Config{}, nil
	}
	if b.InboxSize < 0 {
		return bot.Config{}, fmt.Errorf("bot.inbox_size must be >= 0")
	}
	handleTimeout, err := parseDurationField("bot.handle_timeout", b.HandleTimeout)
	if err != nil {
		return bot.Config{}, err
	}
	return bot.Config{InboxSize: b.InboxSize, HandleTimeout: handleTimeout}, nil
}

func mapPprofConfig(cfg *Config) (pprof.Config, error) {
	p := cfg.Pprof
	readTimeout, err := parseDurationOrDefault("pprof.read_timeout", p.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	idleTimeout, err := parseDurationOrDefault("pprof.idle_timeout", p.IdleTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          strings.TrimSpace(p.Addr),
		Token:         p.Token,
		AllowInsecure: p.AllowInsecure,
		ReadTimeout:   readTimeout,
		IdleTimeout:   idleTimeout,
	}, nil
}
