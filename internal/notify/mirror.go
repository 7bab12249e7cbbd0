package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"alarmd/internal/eventbus"
	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"

	"golang.org/x/time/rate"
)

// MirrorConfig controls the async mirror pipeline.
type MirrorConfig struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

type mirrorOp struct {
	cancel bool
	n      Notification
	id     int64
}

// Mirror forwards tray changes to a slow remote Sink (a chat, a push
// service) without blocking the orchestrator: queue + workers + rate limit
// + retry. Operations for one id always land on the same worker, so an
// update never overtakes the cancel that follows it.
type Mirror struct {
	mu sync.Mutex

	name string
	log  logx.Logger
	sink Sink
	bus  eventbus.Bus

	cfg     MirrorConfig
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queues    []chan mirrorOp
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
}

func NewMirror(name string, cfg MirrorConfig, sink Sink, log logx.Logger, bus eventbus.Bus) *Mirror {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Mirror{name: name, sink: sink, log: log, bus: bus}
	m.applyLocked(cfg)
	return m
}

func (m *Mirror) Apply(cfg MirrorConfig) {
	m.mu.Lock()
	m.applyLocked(cfg)
	m.mu.Unlock()
}

func (m *Mirror) applyLocked(cfg MirrorConfig) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	// Worker count and queue size take effect on the next Start.
	m.cfg = cfg
	if m.limiter == nil {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
		return
	}
	m.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	m.limiter.SetBurst(cfg.Burst)
}

// Start is idempotent.
func (m *Mirror) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	if m.stopDone != nil {
		done := m.stopDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		m.mu.Lock()
	}
	if m.queues != nil {
		m.mu.Unlock()
		return
	}
	workers := m.cfg.Workers
	m.queues = make([]chan mirrorOp, workers)
	for i := range m.queues {
		m.queues[i] = make(chan mirrorOp, max(m.cfg.QueueSize/workers, 1))
	}
	m.accepting = true
	m.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "mirror."+m.name))),
		rtsup.WithCancelOnError(false),
	)
	sup := m.sup
	queues := m.queues
	m.mu.Unlock()

	for i, q := range queues {
		q := q
		sup.GoRestart("worker."+strconv.Itoa(i), func(c context.Context) error {
			m.workerLoop(c, q)
			m.mu.Lock()
			stopping := m.stopDone != nil
			m.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("mirror worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains queued operations until ctx is done.
func (m *Mirror) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	queues := m.queues
	sup := m.sup
	if queues == nil {
		m.mu.Unlock()
		return
	}
	if m.stopDone != nil {
		done := m.stopDone
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	m.stopDone = done
	m.accepting = false
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.sendWG.Wait()
		for _, q := range queues {
			close(q)
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
			sup.Cancel()
		}
		m.mu.Lock()
		m.queues = nil
		m.sup = nil
		m.stopDone = nil
		m.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

func (m *Mirror) Notify(ctx context.Context, n Notification) error {
	return m.enqueue(ctx, mirrorOp{n: clone(n), id: n.ID})
}

func (m *Mirror) Cancel(ctx context.Context, id int64) error {
	return m.enqueue(ctx, mirrorOp{cancel: true, id: id})
}

func (m *Mirror) enqueue(ctx context.Context, op mirrorOp) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if !m.accepting || m.queues == nil {
		m.mu.Unlock()
		return ErrStopped
	}
	q := m.queues[shard(op.id, len(m.queues))]
	m.sendWG.Add(1)
	m.mu.Unlock()
	defer m.sendWG.Done()

	select {
	case q <- op:
		return nil
	default:
		m.publish(eventbus.TypeMirrorDropped, op, ErrQueueFull)
		return ErrQueueFull
	}
}

func (m *Mirror) workerLoop(ctx context.Context, q <-chan mirrorOp) {
	for {
		select {
		case <-ctx.Done():
			return
		case op, ok := <-q:
			if !ok {
				return
			}
			m.sendWithRetry(ctx, op)
		}
	}
}

func (m *Mirror) sendWithRetry(ctx context.Context, op mirrorOp) {
	m.mu.Lock()
	cfg := m.cfg
	lim := m.limiter
	m.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		var err error
		if op.cancel {
			err = m.sink.Cancel(callCtx, op.id)
		} else {
			err = m.sink.Notify(callCtx, op.n)
		}
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		m.log.Debug("mirror send failed", logx.Int64("id", op.id), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	m.log.Warn("mirror gave up", logx.Int64("id", op.id), logx.Bool("cancel", op.cancel), logx.Err(lastErr))
	m.publish(eventbus.TypeMirrorFailed, op, lastErr)
}

func (m *Mirror) publish(typ string, op mirrorOp, err error) {
	if m.bus == nil {
		return
	}
	now := time.Now()
	ev := Event{ID: op.id, Kind: op.n.Kind, GroupKey: op.n.GroupKey, At: now}
	if err != nil {
		ev.Reason = fmt.Sprintf("%s: %v", m.name, err)
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func shard(id int64, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(id, 10)))
	return int(h.Sum32() % uint32(n))
}

// retryDelay is the delay before attempt+1: exponential with 0.7..1.3 jitter.
func retryDelay(cfg MirrorConfig, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
