package config

import (
	"reflect"
	"sort"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (the bot token) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Telegram (never log token)
	if strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Dispatch. Nil means runtime defaults; compare against them so a section
	// appearing with default values does not register as a change.
	defD := &DispatchConfig{
		Workers:       2,
		QueueSize:     256,
		RatePerSec:    5,
		RetryMax:      3,
		RetryBase:     "500ms",
		RetryMaxDelay: "10s",
		SendTimeout:   "10s",
	}
	oldD, newD := oldCfg.Dispatch, newCfg.Dispatch
	if oldD == nil {
		oldD = defD
	}
	if newD == nil {
		newD = defD
	}
	if !reflect.DeepEqual(*oldD, *newD) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.workers", newD.Workers),
			logx.Int("dispatch.queue_size", newD.QueueSize),
			logx.Int("dispatch.rate_per_sec", newD.RatePerSec),
			logx.Int("dispatch.retry_max", newD.RetryMax),
		)
	}

	defR := &RemindersConfig{ReconcileEvery: "5m", PruneEvery: "1h", PruneAfter: "168h"}
	oldR, newR := oldCfg.Reminders, newCfg.Reminders
	if oldR == nil {
		oldR = defR
	}
	if newR == nil {
		newR = defR
	}
	if *oldR != *newR {
		changed = append(changed, "reminders")
		attrs = append(attrs,
			logx.String("reminders.reconcile_every", newR.ReconcileEvery),
			logx.String("reminders.prune_every", newR.PruneEvery),
			logx.String("reminders.prune_after", newR.PruneAfter),
		)
	}

	defB := &BotConfig{InboxSize: 64, HandleTimeout: "10s"}
	oldB, newB := oldCfg.Bot, newCfg.Bot
	if oldB == nil {
		oldB = defB
	}
	if newB == nil {
		newB = defB
	}
	if *oldB != *newB {
		changed = append(changed, "bot")
		attrs = append(attrs,
			logx.Int("bot.inbox_size", newB.InboxSize),
			logx.String("bot.handle_timeout", newB.HandleTimeout),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
