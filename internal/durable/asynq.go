package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"alarmd/internal/eventbus"
	"alarmd/internal/metrics"
	logx "alarmd/pkg/logx"
)

const defaultAsynqQueue = "alarmd"

// AsynqQueue keeps work in redis through asynq. Work survives restarts of
// this process without Replay; Key only travels in the payload since asynq
// has no per-key ordering.
type AsynqQueue struct {
	registry

	log    logx.Logger
	bus    eventbus.Bus
	cfg    Config
	opt    asynq.RedisClientOpt
	client *asynq.Client

	mu  sync.Mutex
	srv *asynq.Server
}

type asynqPayload struct {
	ID    string            `json:"id"`
	Key   string            `json:"key,omitempty"`
	Input map[string]string `json:"input,omitempty"`
}

func NewAsynq(cfg Config, log logx.Logger, bus eventbus.Bus) (*AsynqQueue, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, errors.New("durable: redis url not configured")
	}
	opt, err := redisClientOpt(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("durable: %w", err)
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = defaultAsynqQueue
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	return &AsynqQueue{
		log:    log,
		bus:    bus,
		cfg:    cfg,
		opt:    opt,
		client: asynq.NewClient(opt),
	}, nil
}

func redisClientOpt(redisURL string) (asynq.RedisClientOpt, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}
	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Username:  opt.Username,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: opt.TLSConfig,
	}, nil
}

func (q *AsynqQueue) Enqueue(ctx context.Context, w Work) (string, error) {
	kind := strings.TrimSpace(w.Kind)
	if kind == "" {
		return "", ErrNoKind
	}
	if _, ok := q.handler(kind); !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	p := asynqPayload{ID: uuid.NewString(), Key: w.Key, Input: maps.Clone(w.Input)}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("durable: encode %s: %w", kind, err)
	}
	opts := []asynq.Option{asynq.Queue(q.cfg.Queue), asynq.TaskID(p.ID)}
	if q.cfg.MaxAttempts > 0 {
		opts = append(opts, asynq.MaxRetry(q.cfg.MaxAttempts-1))
	}
	if _, err := q.client.EnqueueContext(ctx, asynq.NewTask(kind, data), opts...); err != nil {
		return "", fmt.Errorf("durable: enqueue %s: %w", kind, err)
	}
	metrics.RecordWorkItem(kind, "enqueued")
	q.publish(eventbus.TypeWorkEnqueued, Event{ID: p.ID, Kind: kind, Key: p.Key, At: time.Now()})
	return p.ID, nil
}

// Replay is a no-op: the asynq server picks up pending tasks by itself.
func (q *AsynqQueue) Replay(context.Context) (int, error) { return 0, nil }

func (q *AsynqQueue) Start(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.srv != nil {
		return nil
	}
	srv := asynq.NewServer(q.opt, asynq.Config{
		Concurrency:     q.cfg.Concurrency,
		Queues:          map[string]int{q.cfg.Queue: 1},
		RetryDelayFunc:  q.retryDelay,
		ErrorHandler:    asynq.ErrorHandlerFunc(q.onError),
		Logger:          asynqLogger{log: q.log},
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: 10 * time.Second,
	})
	if err := srv.Start(q.mux()); err != nil {
		return fmt.Errorf("durable: start asynq server: %w", err)
	}
	q.srv = srv
	q.log.Info("durable queue started", logx.String("backend", "asynq"), logx.String("queue", q.cfg.Queue), logx.Int("concurrency", q.cfg.Concurrency))
	return nil
}

func (q *AsynqQueue) Stop(context.Context) {
	q.mu.Lock()
	srv := q.srv
	q.srv = nil
	q.mu.Unlock()
	if srv != nil {
		srv.Shutdown()
	}
	if err := q.client.Close(); err != nil {
		q.log.Debug("asynq client close", logx.Err(err))
	}
	q.log.Info("durable queue stopped")
}

func (q *AsynqQueue) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	q.registry.mu.RLock()
	defer q.registry.mu.RUnlock()
	for kind := range q.registry.m {
		mux.HandleFunc(kind, q.process)
	}
	return mux
}

// process adapts a registered Handler to asynq. Permanent errors skip
// asynq's retries.
func (q *AsynqQueue) process(ctx context.Context, t *asynq.Task) error {
	var p asynqPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("durable: decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	h, ok := q.handler(t.Type())
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKind, t.Type())
	}
	err := h(ctx, p.Input)
	switch {
	case err == nil:
		metrics.RecordWorkItem(t.Type(), "done")
		q.publish(eventbus.TypeWorkDone, Event{ID: p.ID, Kind: t.Type(), Key: p.Key, At: time.Now()})
		return nil
	case IsPermanent(err):
		metrics.RecordWorkItem(t.Type(), "dropped")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		metrics.RecordWorkItem(t.Type(), "failed")
		return err
	}
}

func (q *AsynqQueue) onError(ctx context.Context, t *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	id, _ := asynq.GetTaskID(ctx)
	q.publish(eventbus.TypeWorkFailed, Event{ID: id, Kind: t.Type(), Attempts: retried + 1, Error: err.Error(), At: time.Now()})
	q.log.Warn("work failed", logx.String("id", id), logx.String("kind", t.Type()), logx.Int("retried", retried), logx.Err(err))
}

func (q *AsynqQueue) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return backoff(q.cfg.RetryBase, q.cfg.RetryMaxDelay, n)
}

// backoff doubles base per retry, bounded by maxDelay.
func backoff(base, maxDelay time.Duration, n int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Minute
	}
	d := base
	for i := 0; i < n && d < maxDelay; i++ {
		d *= 2
	}
	return min(d, maxDelay)
}

func (q *AsynqQueue) publish(typ string, ev Event) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// asynqLogger routes asynq's own logging into logx.
type asynqLogger struct{ log logx.Logger }

func (l asynqLogger) emit(fn func(string, ...logx.Field), args []any) {
	fn(fmt.Sprint(args...), logx.String("comp", "asynq"))
}

func (l asynqLogger) Debug(args ...any) { l.emit(l.log.Debug, args) }
func (l asynqLogger) Info(args ...any)  { l.emit(l.log.Info, args) }
func (l asynqLogger) Warn(args ...any)  { l.emit(l.log.Warn, args) }
func (l asynqLogger) Error(args ...any) { l.emit(l.log.Error, args) }
func (l asynqLogger) Fatal(args ...any) { l.emit(l.log.Error, args) }
