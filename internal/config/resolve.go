package config

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Engine holds the typed lifecycle/scheduler settings derived from Config.
// Every field has its default applied.
type Engine struct {
	Location           *time.Location
	SnoozeMinutes      int
	TimeoutWindow      time.Duration
	TimerTimeoutWindow time.Duration
	MissedGroupKey     string
	Ringtone           string
	Vibrate            bool

	InexactWindow time.Duration
	SweepInterval time.Duration

	NotificationsGranted   bool
	ExactSchedulingGranted bool
}

const (
	DefaultSnoozeMinutes  = 10
	DefaultTimeoutWindow  = 10 * time.Minute
	DefaultInexactWindow  = time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultMissedGroupKey = "missed_alarms"
)

// ResolveEngine parses and defaults the lifecycle, scheduler and permission
// sections.
func ResolveEngine(cfg *Config) (Engine, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var out Engine
	var err error

	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	out.Location = time.Local
	if tz != "" {
		if out.Location, err = time.LoadLocation(tz); err != nil {
			return Engine{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}

	out.SnoozeMinutes = cfg.Lifecycle.SnoozeMinutes
	if out.SnoozeMinutes < 0 {
		return Engine{}, errors.New("lifecycle.snooze_minutes: must be >= 0")
	}
	if out.SnoozeMinutes == 0 {
		out.SnoozeMinutes = DefaultSnoozeMinutes
	}

	if out.TimeoutWindow, err = ParseDurationOrDefault("lifecycle.timeout_window", cfg.Lifecycle.TimeoutWindow, DefaultTimeoutWindow); err != nil {
		return Engine{}, err
	}
	if out.TimerTimeoutWindow, err = ParseDurationOrDefault("lifecycle.timer_timeout_window", cfg.Lifecycle.TimerTimeoutWindow, out.TimeoutWindow); err != nil {
		return Engine{}, err
	}
	out.MissedGroupKey = strings.TrimSpace(cfg.Lifecycle.MissedGroupKey)
	if out.MissedGroupKey == "" {
		out.MissedGroupKey = DefaultMissedGroupKey
	}
	out.Ringtone = strings.TrimSpace(cfg.Lifecycle.Ringtone)
	out.Vibrate = cfg.Lifecycle.Vibrate

	if out.InexactWindow, err = ParseDurationOrDefault("scheduler.inexact_window", cfg.Scheduler.InexactWindow, DefaultInexactWindow); err != nil {
		return Engine{}, err
	}
	if strings.TrimSpace(cfg.Scheduler.SweepInterval) == "" {
		out.SweepInterval = DefaultSweepInterval
	} else if out.SweepInterval, err = ParseDurationField("scheduler.sweep_interval", cfg.Scheduler.SweepInterval); err != nil {
		return Engine{}, err
	}

	out.NotificationsGranted = boolOr(cfg.Permissions.Notifications, true)
	out.ExactSchedulingGranted = boolOr(cfg.Permissions.ExactScheduling, true)
	return out, nil
}

// Validate checks a parsed config. It is installed as the ConfigManager
// validator so a bad edit never replaces a good running config.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := ResolveEngine(cfg); err != nil {
		errs = append(errs, err)
	}

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 || te.QueueSize < 0 || te.RetryMax < 0 || te.HistorySize < 0 {
			errs = append(errs, errors.New("task_engine: numeric fields must be >= 0"))
		}
		if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
			errs = append(errs, err)
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory", "none":
		case "file", "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", st.Driver))
			}
		case "redis":
			if strings.TrimSpace(st.RedisURL) == "" {
				errs = append(errs, errors.New("storage.redis_url: required for driver redis"))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if d := cfg.Durable; d != nil {
		switch strings.ToLower(strings.TrimSpace(d.Driver)) {
		case "", "store":
		case "asynq":
			if strings.TrimSpace(d.RedisURL) == "" {
				errs = append(errs, errors.New("durable.redis_url: required for driver asynq"))
			}
		default:
			errs = append(errs, fmt.Errorf("durable.driver: unknown driver %q", d.Driver))
		}
		if _, err := ParseDurationField("durable.retry_base", d.RetryBase); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("durable.retry_max_delay", d.RetryMaxDelay); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("durable.replay_interval", d.ReplayInterval); err != nil {
			errs = append(errs, err)
		}
		if d.Concurrency < 0 || d.RetryMax < 0 || d.MaxAttempts < 0 {
			errs = append(errs, errors.New("durable: numeric fields must be >= 0"))
		}
	}

	if cfg.HTTP.Enabled {
		if err := validateHTTPAddr(cfg.HTTP); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			errs = append(errs, errors.New("telegram.token: required when telegram is enabled"))
		}
		if cfg.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("telegram.chat_id: required when telegram is enabled"))
		}
		if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Audio.Enabled && len(cfg.Audio.Command) == 0 {
		errs = append(errs, errors.New("audio.command: required when audio is enabled"))
	}
	return errors.Join(errs...)
}

// HTTPAddr returns the configured listen address or the loopback default.
func HTTPAddr(c HTTPConfig) string {
	addr := strings.TrimSpace(c.Addr)
	if addr == "" {
		return "127.0.0.1:8080"
	}
	return addr
}

func validateHTTPAddr(c HTTPConfig) error {
	addr := HTTPAddr(c)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("http.addr: %w", err)
	}
	if isLoopbackHost(host) || c.Token != "" || c.AllowInsecure {
		return nil
	}
	return fmt.Errorf("http.addr: %q is not loopback; set http.token or http.allow_insecure", addr)
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
