package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pricewatch/internal/catalog"
	"pricewatch/internal/config"
	"pricewatch/internal/decision"
	"pricewatch/internal/eventbus"
	"pricewatch/internal/extractor"
	"pricewatch/internal/httpapi"
	"pricewatch/internal/maintenance"
	"pricewatch/internal/monitor"
	"pricewatch/internal/notifier"
	rtsup "pricewatch/internal/runtime/supervisor"
	"pricewatch/internal/storage"
	"pricewatch/internal/tracker"
	"pricewatch/internal/transport/telegram"
	logx "pricewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	gw    *storage.Gateway

	notif *notifier.Service
	reg   *tracker.Registry
	mon   *monitor.Service
	maint *maintenance.Service

	// chat sends notifications and log lines; bot serves commands. They are
	// the same instance when both use one token.
	chat   *telegram.Bot
	bot    *telegram.Bot
	router *telegram.Router
	api    *httpapi.Server

	started time.Time
}

// New loads the config and the stored documents and wires every component.
// Errors are fatal for the process.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", cfgPath, err)
	}

	// Telegram logging is enabled only after the target chat is set, so
	// Apply does not warn about a missing target.
	baseLog := mapLogging(cfg)
	baseLog.Telegram.Enabled = false
	logSvc, log := logx.New(baseLog)
	appLog := log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: appLog, logs: logSvc, bus: eventbus.New()}

	if tok := cfg.Notify.Telegram.Token; tok != "" {
		a.chat, err = telegram.New(telegram.Config{Token: tok, APIURL: cfg.Notify.Telegram.APIURL}, log)
		if err != nil {
			return nil, err
		}
	}
	if cfg.Bot.Enabled {
		if a.chat != nil && cfg.Bot.Token == cfg.Notify.Telegram.Token {
			a.bot = a.chat
		} else if a.bot, err = telegram.New(mapBot(cfg), log); err != nil {
			return nil, err
		}
	}
	a.setLogTarget(cfg)
	logSvc.Apply(mapLogging(cfg))

	store, err := storage.Open(mapStorage(cfg), log)
	switch {
	case errors.Is(err, storage.ErrDisabled):
		appLog.Warn("storage disabled; documents are kept in memory only")
		store = storage.NewMemory()
	case err != nil:
		return nil, err
	}
	a.store = store

	items, history, recipients := catalog.New(), catalog.NewHistory(), catalog.NewRecipients()
	a.gw = storage.NewGateway(store, items, history, recipients, log)
	if err := a.gw.LoadAll(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	appLog.Info("documents loaded",
		logx.String("driver", cfg.Storage.Driver),
		logx.Int("items", items.Len()),
		logx.Int("recipients", len(recipients.List())),
	)

	a.notif = notifier.New(mapNotifier(cfg), mapNotifyDefaults(cfg), log.With(logx.String("comp", "notifier")), a.bus, store)
	if cfg.Notify.IsEnabled() {
		email, err := notifier.NewEmail(mapEmail(cfg))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("%s: notify: %w", cfgPath, err)
		}
		a.notif.Register(email)
	}
	if a.chat != nil {
		a.notif.Register(notifier.NewTelegram(a.chat))
	}

	fetch := extractor.New(mapExtractor(cfg), log)
	a.reg = tracker.New(context.Background(), mapTracker(cfg), tracker.Deps{
		Catalog:   items,
		History:   history,
		Fetcher:   fetch,
		Decider:   decision.New(a.notif, log),
		Persister: a.gw,
		Log:       log,
		Bus:       a.bus,
	})
	a.mon = monitor.New(monitor.Deps{
		Catalog:    items,
		History:    history,
		Recipients: recipients,
		Registry:   a.reg,
		Fetcher:    fetch,
		Gateway:    a.gw,
		Log:        log,
		Bus:        a.bus,
	})
	a.maint = maintenance.New(mapMaintenance(cfg), a.mon, a.gw, log, a.bus)

	if a.bot != nil {
		a.router = telegram.NewRouter(cfg.Bot.OwnerIDs, log)
		telegram.RegisterCommands(a.router, a.mon)
	}
	if cfg.HTTP.Enabled {
		a.api = httpapi.New(a.mon, a.status, log, httpapi.WithProfiler(cfg.HTTP.Pprof))
	}
	return a, nil
}

// Monitor exposes the item operations.
func (a *App) Monitor() *monitor.Service { return a.mon }

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if err := a.mon.Start(); err != nil {
		return err
	}
	if a.bot != nil {
		if err := a.bot.Start(a.sup.Context(), a.router); err != nil {
			return err
		}
	}
	if a.api != nil {
		addr := a.cfgm.Get().HTTP.Addr
		a.sup.Go("http.serve", func(c context.Context) error { return a.api.Serve(c, addr) })
	}
	if err := a.maint.Start(a.sup.Context()); err != nil {
		return err
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
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.sdNotify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.Int("tasks", len(a.reg.Running())))
	return nil
}

func (a *App) setLogTarget(cfg *config.Config) {
	if a.chat == nil || cfg.Notify.Telegram.ChatID == 0 {
		a.logs.SetTelegramTarget(nil, 0)
		return
	}
	a.logs.SetTelegramTarget(a.chat, int64(cfg.Notify.Telegram.ChatID))
}

func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	sections := config.SummarizeChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "bot", "http", "extractor":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.setLogTarget(cfg)
	a.logs.Apply(mapLogging(cfg))

	a.reg.SetJoinTimeout(cfg.Tracker.JoinTimeout.Or(tracker.DefaultJoinTimeout))

	wasEnabled := a.notif.Enabled()
	ncfg := mapNotifier(cfg)
	a.notif.Apply(ncfg, mapNotifyDefaults(cfg))
	if ncfg.Enabled {
		if email, err := notifier.NewEmail(mapEmail(cfg)); err == nil {
			a.notif.Register(email)
		} else {
			a.log.Warn("invalid email channel; keeping previous", logx.Err(err))
		}
	}
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	if err := a.maint.Apply(mapMaintenance(cfg)); err != nil {
		a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
	}
	a.log.Info("config applied", logx.String("changed", strings.Join(sections, ",")))
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	// Cancel first so config watch, HTTP and the other loops start unwinding.
	a.sup.Cancel()

	a.step(ctx, "maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	a.step(ctx, "bot", 2*time.Second, func(c context.Context) error {
		if a.bot == nil {
			return nil
		}
		return a.bot.Stop(c)
	})
	a.step(ctx, "tracker", 3*time.Second, func(c context.Context) error { return a.reg.Shutdown(c) })
	a.step(ctx, "snapshot", 3*time.Second, func(c context.Context) error { return a.gw.SaveAll(c) })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.started)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is logged and left running.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
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
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
