package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Lifecycle holds the alarm/timer state machine knobs (snooze length,
	// ringing timeout window).
	Lifecycle LifecycleConfig `json:"lifecycle"`

	// Scheduler controls the trigger scheduler (timezone, inexact fallback,
	// wall-clock sweep).
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the background executor used by the action router
	// and the store-backed durable queue.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Notifier    *NotifierConfig   `json:"notifier,omitempty"`
	Permissions PermissionsConfig `json:"permissions"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Durable     *DurableConfig    `json:"durable,omitempty"`
	HTTP        HTTPConfig        `json:"http"`
	Telegram    TelegramConfig    `json:"telegram"`
	Audio       AudioConfig       `json:"audio"`
	Foreground  ForegroundConfig  `json:"foreground"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors WARN+ log lines to the Telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// LifecycleConfig controls stage transitions.
//
// All durations are Go duration strings (e.g. "10m", "1h").
//
// Defaults:
//   - snooze_minutes: 10
//   - timeout_window: "10m"
//   - timer_timeout_window: timeout_window
//   - missed_group_key: "missed_alarms"
//   - ringtone: "" (audio collaborator default)
type LifecycleConfig struct {
	SnoozeMinutes      int    `json:"snooze_minutes,omitempty"`
	TimeoutWindow      string `json:"timeout_window,omitempty"`
	TimerTimeoutWindow string `json:"timer_timeout_window,omitempty"`
	MissedGroupKey     string `json:"missed_group_key,omitempty"`
	Ringtone           string `json:"ringtone,omitempty"`
	Vibrate            bool   `json:"vibrate,omitempty"`
}

// SchedulerConfig controls the trigger scheduler.
//
//   - timezone: IANA name used for recurrence (default: Local)
//   - inexact_window: alignment window used when exact scheduling is denied
//     (default "1m")
//   - sweep_interval: how often overdue wakes are re-checked against the wall
//     clock (default "30s", "0s" disables)
type SchedulerConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	InexactWindow string `json:"inexact_window,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// TaskEngineConfig controls the task execution engine.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - default_timeout: "30s"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`
}

// NotifierConfig controls notification mirrors (Telegram).
//
// If the whole section is omitted, mirrors use rate_per_sec=3.
type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec"`
	Burst      int `json:"burst,omitempty"`
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RetryMax   int `json:"retry_max,omitempty"`
	// RetryBase and RetryMaxDelay are Go duration strings.
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// PermissionsConfig is the static permission provider. It can be flipped at
// runtime through a config reload.
type PermissionsConfig struct {
	Notifications   *bool `json:"notifications,omitempty"`    // default true
	ExactScheduling *bool `json:"exact_scheduling,omitempty"` // default true
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/alarmd.db" }
//
// Drivers: memory (default), file, sqlite, redis.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	RedisURL    string `json:"redis_url,omitempty"`
	RedisPrefix string `json:"redis_prefix,omitempty"`
}

// DurableConfig selects the durable work backend.
//
//   - driver "store" (default): work items persisted in the storage driver and
//     executed by the task engine.
//   - driver "asynq": redis-backed queue (redis_url required).
//
// replay_interval (store driver, default "1m") re-submits work items that
// failed every engine retry.
type DurableConfig struct {
	Driver         string `json:"driver"`
	RedisURL       string `json:"redis_url,omitempty"`
	Queue          string `json:"queue,omitempty"`
	Concurrency    int    `json:"concurrency,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
	RetryBase      string `json:"retry_base,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	ReplayInterval string `json:"replay_interval,omitempty"`
}

// HTTPConfig controls the control/diagnostics API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - A non-loopback address requires token or allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Profiler      bool   `json:"profiler,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// TelegramConfig enables the Telegram notification mirror.
type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token"`
	ChatID       int64   `json:"chat_id"`
	ThreadID     int     `json:"thread_id,omitempty"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// AudioConfig controls the ringing player. Command is an argv template;
// "{uri}" is replaced with the ringtone.
type AudioConfig struct {
	Enabled        bool     `json:"enabled"`
	Command        []string `json:"command,omitempty"`
	VibrateCommand []string `json:"vibrate_command,omitempty"`
}

// ForegroundConfig controls the sleep inhibitor held while an alarm starts
// ringing. Who is the name logind lists for the lock (default "alarmd").
type ForegroundConfig struct {
	Inhibit bool   `json:"inhibit"`
	Who     string `json:"who,omitempty"`
}
