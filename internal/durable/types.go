// Package durable runs work that must eventually complete, even when the
// process dies between enqueue and execution. Two backends exist: work items
// kept in the storage driver and executed by the task engine, and an asynq
// queue on redis.
package durable

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"alarmd/internal/eventbus"
	"alarmd/internal/task/engine"
	logx "alarmd/pkg/logx"
)

// Handler executes one unit of work. Returning an error marked with
// Permanent drops the work instead of retrying it.
type Handler func(ctx context.Context, input map[string]string) error

// Work is what callers enqueue. Work sharing a non-empty Key runs one at a
// time in enqueue order.
type Work struct {
	Kind  string
	Key   string
	Input map[string]string
}

type Queue interface {
	Handle(kind string, h Handler)
	Enqueue(ctx context.Context, w Work) (string, error)
	// Replay resubmits work that has not completed and returns how much.
	Replay(ctx context.Context) (int, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context)
}

type Config struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// MaxAttempts bounds rounds of execution (each round includes its own
	// retries). 0 means unlimited.
	MaxAttempts int

	// ReplayInterval re-submits pending work items (store backend).
	// 0 disables the loop; Replay can still be called explicitly.
	ReplayInterval time.Duration

	// asynq backend
	RedisURL    string
	Queue       string
	Concurrency int
}

var (
	ErrUnknownKind = errors.New("durable: no handler for kind")
	ErrNoKind      = errors.New("durable: kind is required")
)

// Permanent marks err so the work is dropped instead of retried.
func Permanent(err error) error { return engine.NoRetry(err) }

func IsPermanent(err error) bool { return engine.IsNoRetry(err) }

// Event is the payload of the eventbus work events.
type Event struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Key      string    `json:"key,omitempty"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type registry struct {
	mu sync.RWMutex
	m  map[string]Handler
}

func (r *registry) Handle(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = map[string]Handler{}
	}
	r.m[kind] = h
}

func (r *registry) handler(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.m[kind]
	return h, ok
}

// Open builds the backend named by driver: "store" (default) or "asynq".
func Open(driver string, cfg Config, store WorkStore, exec Executor, log logx.Logger, bus eventbus.Bus) (Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "store":
		return NewStore(cfg, store, exec, log, bus), nil
	case "asynq":
		q, err := NewAsynq(cfg, log, bus)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("durable: unknown driver %q", driver)
	}
}
