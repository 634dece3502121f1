package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/bot"
	"remindbot/internal/dispatch"
	"remindbot/internal/eventbus"
	"remindbot/internal/observability/pprof"
	"remindbot/internal/reminder"
	"remindbot/internal/store"
	kit "remindbot/internal/transport"
	telegram "remindbot/internal/transport/telegram"
	"remindbot/internal/trigger"
	logx "remindbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     store.Store
	adapter   kit.Adapter
	dispatch  *dispatch.Service
	engine    *trigger.Engine
	reminders *reminder.Service
	router    *bot.Router
	pprof     *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Adapter config mapping
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatchSvc := dispatch.New(dc, ad, log.With(logx.String("comp", "dispatch")), bus)

	engineSvc := trigger.New(log.With(logx.String("comp", "trigger")))

	rc, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	reminderSvc := reminder.New(rc, st, engineSvc, dispatchSvc, log.With(logx.String("comp", "reminders")), bus)

	bc, err := mapBotConfig(cfg)
	if err != nil {
		return nil, err
	}
	routerSvc := bot.New(bc, reminderSvc, ad, nil, log.With(logx.String("comp", "bot")))

	// pprof service mapping (optional)
	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     st,
		adapter:   ad,
		dispatch:  dispatchSvc,
		engine:    engineSvc,
		reminders: reminderSvc,
		router:    routerSvc,
		pprof:     pprofSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
			if strings.TrimSpace(cfg.Telegram.Token) == "" {
				return fmt.Errorf("telegram.token is required")
			}
			if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
				return err
			}
			if _, err := mapStoreConfig(cfg); err != nil {
				return err
			}
			if _, err := mapDispatchConfig(cfg); err != nil {
				return err
			}
			if _, err := mapReminderConfig(cfg); err != nil {
				return err
			}
			if _, err := mapBotConfig(cfg); err != nil {
				return err
			}
			// pprof validation (safe even when disabled)
			if _, err := mapPprofConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	// Inbound updates flow straight into the router's inbox.
	if err := a.adapter.Start(a.sup.Context(), a.router.Inbox()); err != nil {
		return err
	}

	a.dispatch.Start(a.sup.Context())
	a.engine.Start()
	if err := a.reminders.Start(a.sup.Context()); err != nil {
		return err
	}
	a.router.Start(a.sup.Context())
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise on busy days.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
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
				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				lastApplied = newCfg

				for _, s := range sections {
					switch s {
					case "storage", "telegram", "reminders", "bot":
						a.log.Warn("config section requires restart to take effect", logx.String("section", s))
					}
				}

				// apply logging updates
				a.logs.Apply(mapLogConfig(newCfg))

				// apply dispatch updates (live; new settings affect future sends)
				if dc, err := mapDispatchConfig(newCfg); err != nil {
					a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
				} else {
					a.dispatch.Apply(dc)
				}

				// apply pprof updates (live)
				if a.pprof != nil {
					if ppc, err := mapPprofConfig(newCfg); err != nil {
						a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
					} else {
						a.pprof.Reconfigure(c, ppc)
					}
				}

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop intake first (adapter/router), then producers (reminders/engine),
	// then the delivery pipeline, so queued sends get a chance to drain.
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("router", 2*time.Second, func(c context.Context) error { a.router.Stop(c); return nil })
	step("reminders", 2*time.Second, func(c context.Context) error { a.reminders.Stop(c); return nil })
	step("trigger", 1*time.Second, func(c context.Context) error { a.engine.Stop(); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { a.dispatch.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("store", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
