// Package app wires configuration, storage, scheduling, the change
// detector and the Telegram surface into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pagewatch/internal/bot"
	"pagewatch/internal/config"
	"pagewatch/internal/fetch"
	"pagewatch/internal/notifier"
	"pagewatch/internal/page"
	"pagewatch/internal/scheduler"
	"pagewatch/internal/storage"
	kit "pagewatch/internal/transport"
	"pagewatch/internal/transport/telegram"
	"pagewatch/internal/watch"
	"pagewatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter kit.Adapter
	sched   *scheduler.Service
	notif   *notifier.Service
	watch   *watch.Service
	bot     *bot.Service

	updates chan kit.Update

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, logSvc.Logger().With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	fetchTimeout, _ := config.ParseDurationOrDefault("fetch.timeout", cfg.Fetch.Timeout, 15*time.Second)
	ssrfGuard := true
	if cfg.Fetch.SSRFGuard != nil {
		ssrfGuard = *cfg.Fetch.SSRFGuard
	}
	fetcher := fetch.New(fetch.Config{
		Timeout:     fetchTimeout,
		MaxBodySize: cfg.Fetch.MaxBodySize,
		SSRFGuard:   ssrfGuard,
	})
	detector := page.NewDetector(fetcher, logSvc.Logger().With(logx.String("comp", "detector")))

	settleDelay, _ := config.ParseDurationOrDefault("monitor.settle_delay", cfg.Monitor.SettleDelay, 10*time.Second)
	checkTimeout, _ := config.ParseDurationOrDefault("monitor.check_timeout", cfg.Monitor.CheckTimeout, 30*time.Second)
	sched := scheduler.New(scheduler.Config{
		Workers:     cfg.Monitor.Workers,
		SettleDelay: settleDelay,
		JobTimeout:  checkTimeout,
	}, logSvc.Logger().With(logx.String("comp", "scheduler")))

	notif := notifier.New(notifier.Config{
		RatePerSec: cfg.Notifier.RatePerSec,
	}, adapter, logSvc.Logger().With(logx.String("comp", "notifier")))

	watchSvc := watch.New(watch.Config{
		AdminChatID: cfg.Telegram.AdminChatID,
		ReportAt:    cfg.Monitor.ReportAt,
	}, store, sched, detector, notif, logSvc.Logger().With(logx.String("comp", "watch")))

	botSvc := bot.New(adapter, watchSvc, fetcher, logSvc.Logger().With(logx.String("comp", "bot")))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: adapter,
		sched:   sched,
		notif:   notif,
		watch:   watchSvc,
		bot:     botSvc,
		updates: make(chan kit.Update, 256),
	}, nil
}

func validate(ctx context.Context, cfg *config.Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"fetch.timeout", cfg.Fetch.Timeout},
		{"monitor.settle_delay", cfg.Monitor.SettleDelay},
		{"monitor.check_timeout", cfg.Monitor.CheckTimeout},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	// Timers are rebuilt from the store before anything can issue new
	// scheduling requests.
	if _, err := a.watch.Rehydrate(runCtx); err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	a.sched.Start(runCtx)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	if err := a.adapter.SetCommands(runCtx, bot.Commands()); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.bot.DispatchLoop(runCtx, a.updates)
	}()

	// Config hot reload: only the logging section applies live; the
	// rest requires a restart.
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)
	sub := a.cfgm.Subscribe(4)
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				if last != nil && (newCfg.Telegram != last.Telegram || newCfg.Storage != last.Storage ||
					newCfg.Fetch != last.Fetch || newCfg.Monitor != last.Monitor) {
					a.log.Warn("telegram/storage/fetch/monitor config changed; restart required for changes to take effect")
				}
				last = newCfg
			}
		}
	}()
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.runCancel != nil {
		a.runCancel()
	}

	// Run each shutdown phase with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("watch", 1*time.Second, func(c context.Context) error { a.watch.Shutdown(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("loops", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
