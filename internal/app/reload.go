package app

import (
	"context"
	"slices"
	"strings"

	"alarmd/internal/config"
	"alarmd/internal/durable"
	"alarmd/internal/platform/audio"
	logx "alarmd/pkg/logx"
	"alarmd/pkg/systemd"
)

// Sections whose components are built once; edits apply on restart.
var restartSections = []string{"storage", "telegram", "foreground"}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a validated config into the running components. Bad
// sections are logged and keep their previous values.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(next))

	if eng, err := config.ResolveEngine(next); err != nil {
		a.log.Warn("invalid lifecycle/scheduler config; keeping previous", logx.Err(err))
	} else {
		a.perm.Apply(eng.NotificationsGranted, eng.ExactSchedulingGranted)
		a.machine.Reconfigure(mapLifecycleConfig(eng))
		a.sched.Apply(mapSchedulerConfig(eng))
	}

	if ecfg, err := mapTaskEngineConfig(next); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, ecfg)
	}

	if a.mirror != nil {
		if mcfg, err := mapMirrorConfig(next); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.mirror.Apply(mcfg)
		}
	}

	if driver, dcfg, err := mapDurableConfig(next); err != nil {
		a.log.Warn("invalid durable config; keeping previous", logx.Err(err))
	} else if sq, ok := a.work.(*durable.StoreQueue); ok && driver == "store" {
		sq.Apply(dcfg)
	} else if slices.Contains(sections, "durable") {
		a.log.Warn("durable backend changed; restart required", logx.String("driver", driver))
	}

	if hcfg, err := mapHTTPConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(ctx, hcfg)
	}

	switch p := a.player.(type) {
	case *audio.Exec:
		if next.Audio.Enabled {
			p.Apply(next.Audio.Command, next.Audio.VibrateCommand)
		} else {
			p.Apply(nil, nil)
		}
	default:
		if next.Audio.Enabled {
			a.log.Warn("audio enabled via config; restart required")
		}
	}

	a.log.Info("config reloaded", fields...)
}
