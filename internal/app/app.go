package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"settlebot/internal/clock"
	"settlebot/internal/commands"
	"settlebot/internal/config"
	"settlebot/internal/dispatch"
	"settlebot/internal/eventbus"
	"settlebot/internal/poller"
	rtsup "settlebot/internal/runtime/supervisor"
	"settlebot/internal/scheduler"
	"settlebot/internal/storage"
	kit "settlebot/internal/transport"
	"settlebot/internal/transport/telegram"
	logx "settlebot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter // nil in console mode
	sink    kit.Sink

	disp  *dispatch.Dispatcher
	sched *scheduler.Service
	cmdm  *commands.Manager
	sd    sdNotifier

	inbound chan kit.Message
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	var (
		ad   kit.Adapter
		sink kit.Sink
	)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
		if err != nil {
			return nil, err
		}
		ad, sink = tg, tg
	} else {
		sink = kit.NewConsoleSink(os.Stdout)
		bootLog.Warn("telegram.token is empty; notifications are printed to stdout")
	}

	// Bootstrap with Telegram mirroring off so Apply doesn't warn about a
	// missing target, then set the target and apply the real config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, sink)
	if chatID, ok := logTarget(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return nil, err
	}
	var audit dispatch.Auditor
	if store != nil {
		audit = store
	}
	disp := dispatch.New(dcfg, sink, mapTarget(cfg), log.With(logx.String("comp", "dispatch")), bus, audit)

	scfg, err := mapSchedulerConfig(cfg, log.With(logx.String("comp", "settlement")))
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(scfg, clock.New(scfg.Location), disp, store, log.With(logx.String("comp", "scheduler")), bus)
	if err != nil {
		return nil, err
	}

	cmdm := commands.NewManager(log.With(logx.String("comp", "commands")), sink, cfg.Telegram.OwnerUserIDs)
	cmdm.Register(commandSet(sched, disp)...)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		sink:    sink,
		disp:    disp,
		sched:   sched,
		cmdm:    cmdm,
		sd:      sdNotifier{enabled: cfg.Systemd.Notify, watchdog: cfg.Systemd.Watchdog, log: log.With(logx.String("comp", "systemd"))},
		inbound: make(chan kit.Message, 64),
	}, nil
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validateConfig(cfg) })

	if a.disp.Enabled() {
		a.disp.Start(runCtx)
	} else {
		a.log.Warn("delivery disabled; due notifications are dropped")
	}
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}

	if a.adapter != nil {
		if err := a.adapter.Start(runCtx, a.inbound); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmdm.DispatchLoop(c, a.inbound)
		})
		if mu, ok := a.adapter.(kit.CommandMenuUpdater); ok {
			a.sup.Go0("commands.menu", func(c context.Context) {
				mctx, cancel := context.WithTimeout(c, 15*time.Second)
				defer cancel()
				if err := mu.UpdateMenuCommands(mctx, a.cmdm.Menu()); err != nil {
					a.log.Warn("command menu not updated", logx.Err(err))
				}
			})
		}
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.watchdogLoop(c, a.pollerAlive)
	})
	a.sd.ready()
	a.sd.status(fmt.Sprintf("%d notifications pending", a.sched.Registry().Len()))
	a.log.Info("app started", logx.Bool("console_mode", a.adapter == nil))
	return nil
}

// pollerAlive reports false when a running poller has not ticked for a
// while.
func (a *App) pollerAlive() bool {
	st := a.sched.Status()
	if !st.Running || st.PollerState != poller.Running || st.Poller.LastTick.IsZero() {
		return true
	}
	return time.Since(st.Poller.LastTick) < 30*time.Second
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if oldCfg != nil && oldCfg.Telegram.Token != newCfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	if chatID, ok := logTarget(newCfg); ok {
		a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLogConfig(newCfg))
	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if dcfg, err := mapDeliveryConfig(newCfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.disp.Enabled()
		a.disp.Apply(dcfg)
		a.disp.SetTarget(mapTarget(newCfg))
		switch {
		case wasEnabled && !dcfg.Enabled:
			a.log.Info("delivery disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.disp.Stop(stopCtx)
			cancel()
		case !wasEnabled && dcfg.Enabled:
			a.log.Info("delivery enabled via config")
			a.disp.Start(ctx)
		}
	}

	if scfg, err := mapSchedulerConfig(newCfg, a.log.With(logx.String("comp", "settlement"))); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(ctx, scfg); err != nil {
		a.log.Warn("scheduler reload incomplete", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.sd.status("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component can't stall
	// the rest.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < limit {
				limit = rem
			}
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	if a.adapter != nil {
		step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
