package app

import (
	"fmt"
	"strings"
	"time"

	"alarmd/internal/config"
	"alarmd/internal/durable"
	"alarmd/internal/httpapi"
	"alarmd/internal/lifecycle"
	"alarmd/internal/notify"
	"alarmd/internal/notify/telegram"
	"alarmd/internal/storage"
	"alarmd/internal/task/engine"
	"alarmd/internal/task/scheduler"
	logx "alarmd/pkg/logx"
)

const defaultReplayInterval = time.Minute

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled && cfg.Telegram.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapLifecycleConfig(eng config.Engine) lifecycle.Config {
	return lifecycle.Config{
		Location:           eng.Location,
		SnoozeMinutes:      eng.SnoozeMinutes,
		TimeoutWindow:      eng.TimeoutWindow,
		TimerTimeoutWindow: eng.TimerTimeoutWindow,
		MissedGroupKey:     eng.MissedGroupKey,
		Ringtone:           eng.Ringtone,
		Vibrate:            eng.Vibrate,
	}
}

func mapSchedulerConfig(eng config.Engine) scheduler.Config {
	return scheduler.Config{
		InexactWindow: eng.InexactWindow,
		SweepInterval: eng.SweepInterval,
	}
}

// mapTaskEngineConfig applies the engine defaults. The engine is always
// enabled: the router and the store-backed durable queue both run on it.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{
		Enabled:     true,
		Workers:     4,
		QueueSize:   256,
		HistorySize: 200,
		RetryMax:    3,
	}
	te := cfg.TaskEngine
	if te == nil {
		out.DefaultTimeout = 30 * time.Second
		return out, nil
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	if te.RetryMax > 0 {
		out.RetryMax = te.RetryMax
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, 30*time.Second); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// mapMirrorConfig returns the Telegram mirror pipeline settings. A missing
// notifier section keeps rate_per_sec at 3.
func mapMirrorConfig(cfg *config.Config) (notify.MirrorConfig, error) {
	out := notify.MirrorConfig{RatePerSec: 3}
	nc := cfg.Notifier
	if nc == nil {
		return out, nil
	}
	if nc.RatePerSec < 0 || nc.Burst < 0 || nc.Workers < 0 || nc.QueueSize < 0 || nc.RetryMax < 0 {
		return notify.MirrorConfig{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	out = notify.MirrorConfig{
		Workers:    nc.Workers,
		QueueSize:  nc.QueueSize,
		RatePerSec: nc.RatePerSec,
		Burst:      nc.Burst,
		RetryMax:   nc.RetryMax,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notify.MirrorConfig{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notify.MirrorConfig{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "none", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		return storage.Config{Driver: "file", Path: strings.TrimSpace(sc.Path)}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "redis":
		return storage.Config{Driver: "redis", RedisURL: strings.TrimSpace(sc.RedisURL), RedisPrefix: strings.TrimSpace(sc.RedisPrefix)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapDurableConfig returns the backend driver name and its settings.
func mapDurableConfig(cfg *config.Config) (string, durable.Config, error) {
	dc := cfg.Durable
	if dc == nil {
		return "store", durable.Config{ReplayInterval: defaultReplayInterval}, nil
	}
	out := durable.Config{
		RetryMax:    dc.RetryMax,
		MaxAttempts: dc.MaxAttempts,
		RedisURL:    strings.TrimSpace(dc.RedisURL),
		Queue:       strings.TrimSpace(dc.Queue),
		Concurrency: dc.Concurrency,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("durable.retry_base", dc.RetryBase); err != nil {
		return "", durable.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("durable.retry_max_delay", dc.RetryMaxDelay); err != nil {
		return "", durable.Config{}, err
	}
	if strings.TrimSpace(dc.ReplayInterval) == "" {
		out.ReplayInterval = defaultReplayInterval
	} else if out.ReplayInterval, err = config.ParseDurationField("durable.replay_interval", dc.ReplayInterval); err != nil {
		return "", durable.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(dc.Driver))
	if driver == "" {
		driver = "store"
	}
	return driver, out, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          config.HTTPAddr(hc),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Profiler:      hc.Profiler,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// pprof CPU profiles stream for 30s by default.
	writeDef := 15 * time.Second
	if hc.Profiler {
		writeDef = 60 * time.Second
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, writeDef); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:        cfg.Telegram.Token,
		ChatID:       cfg.Telegram.ChatID,
		ThreadID:     cfg.Telegram.ThreadID,
		OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
		PollTimeout:  poll,
	}, nil
}
