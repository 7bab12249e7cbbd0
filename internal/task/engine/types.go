package engine

import (
	"context"
	"time"
)

// Config is mapped from the task_engine config section.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies to tasks with Timeout 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer in the queue. 0 keeps them.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	c.RetryMax = max(c.RetryMax, 0)
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// TaskOptions tune retries for one task. Zero values take engine defaults.
type TaskOptions struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // fraction, 0.2 = ±20%

	NoRetry bool

	// Ordered tasks sharing a ConcurrencyKey run one at a time, in submission
	// order. Tasks with different keys still run concurrently.
	Ordered bool
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.NoRetry:
		o.RetryMax = 0
	case o.RetryMax <= 0:
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Task is a unit of work. ConcurrencyKey names the lane of an ordered task;
// alarmd uses one lane per entity.
type Task struct {
	ID             string
	Name           string
	Timeout        time.Duration
	Run            func(ctx context.Context) error
	Opt            TaskOptions
	ConcurrencyKey string

	// OnDone is called exactly once with the final error, including when the
	// task is dropped or abandoned on stop.
	OnDone func(err error)
}

// Record describes one task execution. It is kept in the history ring and
// published on the bus.
type Record struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

func recordOf(t Task, started time.Time) Record {
	return Record{ID: t.ID, Name: t.Name, Key: t.ConcurrencyKey, Started: started}
}

type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	// Ordered lanes currently holding work, and the backlog across them.
	ActiveLanes int `json:"active_lanes"`
	LaneBacklog int `json:"lane_backlog"`

	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	History []Record `json:"history,omitempty"`
}
