package durable

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"alarmd/internal/eventbus"
	"alarmd/internal/metrics"
	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/storage"
	"alarmd/internal/task/engine"
	logx "alarmd/pkg/logx"
)

// WorkStore is the part of storage.Store the store backend needs.
type WorkStore interface {
	PutWork(ctx context.Context, w storage.WorkItem) error
	DeleteWork(ctx context.Context, id string) error
	ListWork(ctx context.Context) ([]storage.WorkItem, error)
}

// Executor runs tasks; *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

const storeOpTimeout = 5 * time.Second

// StoreQueue persists every work item before running it on the task engine.
// An item is deleted only after its handler succeeds or fails permanently,
// so a crash at any point leaves it for Replay.
type StoreQueue struct {
	registry

	log   logx.Logger
	bus   eventbus.Bus
	store WorkStore
	exec  Executor

	mu       sync.Mutex
	cfg      Config
	inflight map[string]struct{}
	sup      *rtsup.Supervisor
}

func NewStore(cfg Config, store WorkStore, exec Executor, log logx.Logger, bus eventbus.Bus) *StoreQueue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &StoreQueue{
		log:      log,
		bus:      bus,
		store:    store,
		exec:     exec,
		cfg:      cfg,
		inflight: map[string]struct{}{},
	}
}

// Apply swaps retry settings for work submitted from now on. A changed
// replay interval takes effect on the next Start.
func (q *StoreQueue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

func (q *StoreQueue) Enqueue(ctx context.Context, w Work) (string, error) {
	kind := strings.TrimSpace(w.Kind)
	if kind == "" {
		return "", ErrNoKind
	}
	if _, ok := q.handler(kind); !ok {
		return "", fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	now := time.Now()
	item := storage.WorkItem{
		ID:        uuid.NewString(),
		Kind:      kind,
		Key:       w.Key,
		Input:     maps.Clone(w.Input),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.store.PutWork(ctx, item); err != nil {
		return "", fmt.Errorf("durable: persist %s: %w", kind, err)
	}
	metrics.RecordWorkItem(kind, "enqueued")
	q.publish(eventbus.TypeWorkEnqueued, item, "")
	q.log.Debug("work enqueued", logx.String("id", item.ID), logx.String("kind", kind), logx.String("key", item.Key))

	q.submit(item)
	return item.ID, nil
}

func (q *StoreQueue) Replay(ctx context.Context) (int, error) {
	items, err := q.store.ListWork(ctx)
	if err != nil {
		return 0, fmt.Errorf("durable: list work: %w", err)
	}
	n := 0
	for _, item := range items {
		if q.submit(item) {
			n++
		}
	}
	if n > 0 {
		q.log.Info("work replayed", logx.Int("count", n), logx.Int("pending", len(items)))
	}
	return n, nil
}

func (q *StoreQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil {
		return nil
	}
	interval := q.cfg.ReplayInterval
	q.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(q.log),
		rtsup.WithCancelOnError(false),
	)
	if interval > 0 {
		q.sup.GoRestart("durable.replay", func(c context.Context) error {
			return q.replayLoop(c, interval)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}
	q.log.Info("durable queue started", logx.String("backend", "store"), logx.Duration("replay_interval", interval))
	return nil
}

func (q *StoreQueue) Stop(ctx context.Context) {
	q.mu.Lock()
	sup := q.sup
	q.sup = nil
	q.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.log.Warn("durable queue stop", logx.Err(err))
	}
	q.log.Info("durable queue stopped")
}

func (q *StoreQueue) replayLoop(ctx context.Context, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := q.Replay(ctx); err != nil {
				q.log.Warn("replay failed", logx.Err(err))
			}
		}
	}
}

// submit hands item to the executor unless it is already running. It
// reports whether the item was submitted.
func (q *StoreQueue) submit(item storage.WorkItem) bool {
	h, ok := q.handler(item.Kind)
	if !ok {
		q.log.Warn("work kept: no handler", logx.String("id", item.ID), logx.String("kind", item.Kind))
		return false
	}

	q.mu.Lock()
	if _, busy := q.inflight[item.ID]; busy {
		q.mu.Unlock()
		return false
	}
	q.inflight[item.ID] = struct{}{}
	cfg := q.cfg
	q.mu.Unlock()

	var permanent atomic.Bool
	task := engine.Task{
		ID:             item.ID,
		Name:           "durable." + item.Kind,
		ConcurrencyKey: item.Key,
		Opt: engine.TaskOptions{
			RetryMax:      cfg.RetryMax,
			RetryBase:     cfg.RetryBase,
			RetryMaxDelay: cfg.RetryMaxDelay,
			Ordered:       item.Key != "",
		},
		Run: func(ctx context.Context) error {
			err := h(ctx, maps.Clone(item.Input))
			if IsPermanent(err) {
				permanent.Store(true)
			}
			return err
		},
		OnDone: func(err error) { q.finish(item, err, permanent.Load()) },
	}
	if err := q.exec.Enqueue(task); err != nil {
		q.release(item.ID)
		q.log.Warn("work deferred", logx.String("id", item.ID), logx.String("kind", item.Kind), logx.Err(err))
		return false
	}
	return true
}

func (q *StoreQueue) finish(item storage.WorkItem, err error, permanent bool) {
	defer q.release(item.ID)

	// Not a real attempt: the engine shut down under it.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()

	q.mu.Lock()
	maxAttempts := q.cfg.MaxAttempts
	q.mu.Unlock()

	item.Attempts++
	item.UpdatedAt = time.Now()

	if err == nil {
		if derr := q.store.DeleteWork(ctx, item.ID); derr != nil {
			q.log.Warn("work done but not removed; it will run again", logx.String("id", item.ID), logx.Err(derr))
		}
		metrics.RecordWorkItem(item.Kind, "done")
		q.publish(eventbus.TypeWorkDone, item, "")
		q.log.Debug("work done", logx.String("id", item.ID), logx.String("kind", item.Kind), logx.Int("attempts", item.Attempts))
		return
	}

	item.LastError = err.Error()
	if permanent || (maxAttempts > 0 && item.Attempts >= maxAttempts) {
		if derr := q.store.DeleteWork(ctx, item.ID); derr != nil {
			q.log.Warn("work drop failed", logx.String("id", item.ID), logx.Err(derr))
		}
		metrics.RecordWorkItem(item.Kind, "dropped")
		q.publish(eventbus.TypeWorkFailed, item, item.LastError)
		q.log.Warn("work dropped", logx.String("id", item.ID), logx.String("kind", item.Kind), logx.Int("attempts", item.Attempts), logx.Bool("permanent", permanent), logx.Err(err))
		return
	}

	if perr := q.store.PutWork(ctx, item); perr != nil {
		q.log.Warn("work attempt not recorded", logx.String("id", item.ID), logx.Err(perr))
	}
	metrics.RecordWorkItem(item.Kind, "failed")
	q.publish(eventbus.TypeWorkFailed, item, item.LastError)
	q.log.Warn("work failed; kept for replay", logx.String("id", item.ID), logx.String("kind", item.Kind), logx.Int("attempts", item.Attempts), logx.Err(err))
}

func (q *StoreQueue) release(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

func (q *StoreQueue) publish(typ string, item storage.WorkItem, errText string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: Event{
		ID:       item.ID,
		Kind:     item.Kind,
		Key:      item.Key,
		Attempts: item.Attempts,
		Error:    errText,
		At:       item.UpdatedAt,
	}})
}
