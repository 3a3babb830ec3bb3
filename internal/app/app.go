// Package app wires the service together: config, logging, storage,
// the tracker registry, the notification pipeline, the access workflow
// and the Telegram command surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"trackerbot/internal/access"
	"trackerbot/internal/config"
	"trackerbot/internal/dispatch"
	"trackerbot/internal/eventbus"
	"trackerbot/internal/obs"
	"trackerbot/internal/params"
	rtsup "trackerbot/internal/runtime/supervisor"
	"trackerbot/internal/storage"
	"trackerbot/internal/tracker"
	kit "trackerbot/internal/transport"
	telegram "trackerbot/internal/transport/telegram/adapter"
	logx "trackerbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	state tracker.StateStore

	adapter kit.Adapter
	params  *params.Store
	disp    *dispatch.Dispatcher
	reg     *tracker.Registry
	access  *access.Manager
	obs     *obs.Server
	cmds    *Commands

	updates  chan kit.Update
	shutdown chan time.Duration
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
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

	pollTimeout, err := cfg.Telegram.PollTimeoutDuration()
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	busyTimeout, err := cfg.Storage.BusyTimeoutDuration()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(context.Background(), storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	ps, err := params.New(store, log.With(logx.String("comp", "params")))
	if err != nil {
		return nil, err
	}

	var state tracker.StateStore
	if p := strings.TrimSpace(cfg.PollState.Path); p != "" {
		state, err = tracker.OpenBoltState(p)
		if err != nil {
			return nil, fmt.Errorf("poll state: %w", err)
		}
		log.Info("poll state persisted", logx.String("path", p))
	} else {
		state = tracker.NewMemState()
		log.Info("poll state in memory, restarts re-baseline")
	}

	disp := dispatch.New(dispatch.Config{
		Workers:    cfg.Dispatch.Workers,
		QueueSize:  cfg.Dispatch.QueueSize,
		RatePerSec: cfg.Dispatch.RatePerSec,
	}, store, ps, ad, bus, log.With(logx.String("comp", "dispatch")))

	reg := tracker.NewRegistry(store, state, ps, disp, bus, log.With(logx.String("comp", "tracker")))

	acc := access.NewManager(store, ps, &accessUI{
		adapter: ad,
		params:  ps,
		log:     log.With(logx.String("comp", "access")),
	}, log.With(logx.String("comp", "access")))

	obsSrv, err := obs.NewServer(obs.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    cfg.Metrics.Addr,
	}, bus, log.With(logx.String("comp", "obs")))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		state:    state,
		adapter:  ad,
		params:   ps,
		disp:     disp,
		reg:      reg,
		access:   acc,
		obs:      obsSrv,
		updates:  make(chan kit.Update, 256),
		shutdown: make(chan time.Duration, 1),
	}
	a.cmds = NewCommands(log.With(logx.String("comp", "commands")),
		ad, store, ps, reg, disp, acc, cfgm, a.requestShutdown)
	return a, nil
}

// requestShutdown schedules a stop after the given delay. Duplicate requests
// while one is in flight are dropped.
func (a *App) requestShutdown(delay time.Duration) {
	select {
	case a.shutdown <- delay:
	default:
	}
}

// Done is closed when the run context unwinds (fatal error, /shutdown, or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := cfg.Telegram.PollTimeoutDuration(); err != nil {
			return err
		}
		_, err := cfg.Storage.BusyTimeoutDuration()
		return err
	})

	if err := a.params.Reload(ctx); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.disp.Start(runCtx)
	a.access.Start(runCtx)
	if err := a.reg.Start(runCtx); err != nil {
		return err
	}
	if err := a.obs.Start(runCtx); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	// Best-effort platform menu update.
	if up, ok := a.adapter.(kit.CommandMenuUpdater); ok {
		menu := a.cmds.MenuCommands()
		a.sup.Go("telegram.menu.update", func(c context.Context) error {
			mctx, cancel := context.WithTimeout(c, 5*time.Second)
			defer cancel()
			if err := up.UpdateMenuCommands(mctx, menu); err != nil {
				a.log.Warn("menu update failed", logx.Err(err))
			}
			return nil
		})
	}

	// Config hot reload: only the logging section applies live; the rest
	// needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
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
				a.log.Info("config reloaded")
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// Delayed stop on /shutdown.
	a.sup.Go0("shutdown.delay", func(c context.Context) {
		select {
		case <-c.Done():
			return
		case delay := <-a.shutdown:
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-c.Done():
			case <-timer.C:
				a.sup.Cancel()
			}
		}
	})

	a.log.Info("started", logx.String("version", Version), logx.Int("channels", a.reg.Count()))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
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
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("name", name))
		}
	}

	step("tracker", 5*time.Second, func(c context.Context) error { return a.reg.Stop(c) })
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("access", 2*time.Second, func(c context.Context) error { a.access.Stop(c); return nil })
	step("obs", 2*time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	step("poll_state", 1*time.Second, func(context.Context) error { return a.state.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
