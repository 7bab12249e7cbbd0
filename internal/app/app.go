package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"alarmd/internal/clock"
	"alarmd/internal/config"
	"alarmd/internal/durable"
	"alarmd/internal/errreport"
	"alarmd/internal/eventbus"
	"alarmd/internal/httpapi"
	"alarmd/internal/lifecycle"
	"alarmd/internal/notify"
	"alarmd/internal/notify/render"
	"alarmd/internal/notify/telegram"
	"alarmd/internal/platform/audio"
	"alarmd/internal/platform/foreground"
	"alarmd/internal/platform/permission"
	"alarmd/internal/reconcile"
	"alarmd/internal/router"
	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/storage"
	"alarmd/internal/task/engine"
	"alarmd/internal/task/scheduler"
	logx "alarmd/pkg/logx"
	"alarmd/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log      logx.Logger
	logs     *logx.Service
	bus      eventbus.Bus
	store    storage.Store
	clk      clock.Clock
	perm     *permission.Static
	player   audio.Player
	fg       foreground.Holder
	reporter *errreport.Service

	engine  *engine.Service
	sched   *scheduler.Service
	tray    *notify.MemoryTray
	orch    *notify.Orchestrator
	tg      *telegram.Mirror
	mirror  *notify.Mirror
	work    durable.Queue
	machine *lifecycle.Machine
	router  *router.Router
	http    *httpapi.Service

	repMu  sync.Mutex
	report reconcile.Report
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(ctx, cfg); err != nil {
		return nil, err
	}
	return build(ctx, cfgm, cfg, clock.Real{})
}

func build(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config, clk clock.Clock) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app")), clk: clk}
	a.bus = eventbus.New()

	eng, err := config.ResolveEngine(cfg)
	if err != nil {
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = storage.NewObserved(st, a.bus)
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	// From here on, a failed build must release the store.
	ok := false
	defer func() {
		if !ok {
			_ = a.store.Close()
		}
	}()

	a.reporter = errreport.New(log.With(logx.String("comp", "errors")), a.bus)
	a.perm = permission.NewStatic(eng.NotificationsGranted, eng.ExactSchedulingGranted)
	a.player = newPlayer(cfg, log)
	who := strings.TrimSpace(cfg.Foreground.Who)
	if who == "" {
		who = "alarmd"
	}
	a.fg = foreground.New(cfg.Foreground.Inhibit, who, log.With(logx.String("comp", "foreground")))

	ecfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(ecfg, log.With(logx.String("comp", "taskengine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(eng), nil, a.perm, clk, log.With(logx.String("comp", "scheduler")), a.bus)

	a.tray = notify.NewMemoryTray()
	var tray notify.Tray = a.tray
	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		mcfg, err := mapMirrorConfig(cfg)
		if err != nil {
			return nil, err
		}
		if a.tg, err = telegram.New(tcfg, log.With(logx.String("comp", "telegram"))); err != nil {
			return nil, err
		}
		a.mirror = notify.NewMirror("telegram", mcfg, a.tg, log.With(logx.String("comp", "mirror")), a.bus)
		tray = notify.NewMultiTray(a.tray, log.With(logx.String("comp", "tray")), a.mirror)
		logSvc.SetAlertSender(a.tg)
	}
	a.orch = notify.New(tray, render.NewTable(eng.Location), a.perm, log.With(logx.String("comp", "notify")), a.bus)

	driver, dcfg, err := mapDurableConfig(cfg)
	if err != nil {
		return nil, err
	}
	if a.work, err = durable.Open(driver, dcfg, a.store, a.engine, log.With(logx.String("comp", "durable")), a.bus); err != nil {
		return nil, err
	}

	a.machine = lifecycle.New(mapLifecycleConfig(eng), lifecycle.Deps{
		Store:     a.store,
		Scheduler: a.sched,
		Notifier:  a.orch,
		Player:    a.player,
		Reporter:  a.reporter,
		Bus:       a.bus,
		Clock:     clk,
		Log:       log.With(logx.String("comp", "lifecycle")),
	})
	a.router = router.New(router.Deps{
		Machine:    a.machine,
		Executor:   a.engine,
		Durable:    a.work,
		Foreground: a.fg,
		Reporter:   a.reporter,
		Log:        log.With(logx.String("comp", "router")),
	})
	a.sched.SetDeliverer(a.router.OnTriggerDelivered)
	if a.tg != nil {
		a.tg.SetCommandHandler(a.router.Command)
	}

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	api := httpapi.New(httpapi.Deps{
		Entities:      a.machine,
		Commands:      a.router,
		Notifications: a.orch,
		Diagnostics:   a.Diagnostics,
		Log:           log.With(logx.String("comp", "http")),
	})
	a.http = httpapi.NewService(hcfg, api, log.With(logx.String("comp", "http")))

	ok = true
	return a, nil
}

func newPlayer(cfg *config.Config, log logx.Logger) audio.Player {
	if !cfg.Audio.Enabled {
		return audio.Nop{}
	}
	return audio.NewExec(cfg.Audio.Command, cfg.Audio.VibrateCommand, log.With(logx.String("comp", "audio")))
}

// Machine exposes the lifecycle machine (used by embedding tests).
func (a *App) Machine() *lifecycle.Machine { return a.machine }

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

// Start brings components up in dependency order. Reconciliation runs
// after the executors are up and before the scheduler starts delivering
// wakes.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := config.Validate(c, cfg); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(cfg); err != nil {
			return err
		}
		_, err := mapMirrorConfig(cfg)
		return err
	})

	a.engine.Start(run)
	if err := a.work.Start(run); err != nil {
		return fmt.Errorf("durable: %w", err)
	}
	if a.mirror != nil {
		a.mirror.Start(run)
		if err := a.tg.Start(run); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}

	rep, err := reconcile.New(a.machine, a.router.OnTriggerDelivered, a.work, a.log.With(logx.String("comp", "reconcile"))).Run(run)
	if err != nil {
		// Per-entity failures stay visible in the report; the rest resumed.
		a.log.Warn("reconcile incomplete", logx.Int("failed", rep.Failed), logx.Err(err))
		a.reporter.Report(run, "reconcile", err)
	}
	a.repMu.Lock()
	a.report = rep
	a.repMu.Unlock()

	a.sched.Start(run)
	a.http.Start(run)

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, "lifecycle.", "trigger.", "notification.", "work.", "error.")
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
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", systemd.Watchdog)

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.Int("entities", rep.Entities))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.stopStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	// Intake first: no new wakes or commands while executors drain.
	step("http", time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("durable", 2*time.Second, func(c context.Context) error { a.work.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	if a.mirror != nil {
		step("mirror", 2*time.Second, func(c context.Context) error { a.mirror.Stop(c); return nil })
		step("telegram", 2*time.Second, a.tg.Stop)
	}
	step("audio", time.Second, func(context.Context) error { return a.player.Stop() })
	if l, ok := a.fg.(*foreground.Login1); ok {
		step("foreground", time.Second, func(context.Context) error { l.Close(); return nil })
	}
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// stopStep runs fn with an upper bound so one component can't stall the
// whole stop. It never extends the caller's deadline.
func (a *App) stopStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
		max = time.Until(dl)
	}
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		} else if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		// fn must honor stepCtx; if it doesn't, log the leak.
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}
