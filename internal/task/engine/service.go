package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"alarmd/internal/eventbus"
	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool with retries and ordered lanes. It is
// restartable: every Start begins a new generation with a fresh queue.
type Service struct {
	mu  sync.Mutex
	cfg Config
	gen *generation

	log logx.Logger
	bus eventbus.Bus

	lanes laneSet

	hmu     sync.Mutex
	history []Record

	idSeq    atomic.Uint64
	inFlight atomic.Int32

	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64
	queueFullWarn    rate.Sometimes
	staleWarn        rate.Sometimes
}

// generation is the state of one Start..Stop cycle.
type generation struct {
	queue chan queuedTask
	stop  chan struct{} // closed when Stop begins
	done  chan struct{} // closed when Stop has finished; nil while running
	sup   *rtsup.Supervisor
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	ordered bool
	key     string
	seq     uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:           cfg.withDefaults(),
		log:           log,
		bus:           bus,
		queueFullWarn: rate.Sometimes{Interval: warnThrottleEvery},
		staleWarn:     rate.Sometimes{Interval: warnThrottleEvery},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Supervisor returns the worker supervisor of the running generation, or nil.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == nil {
		return nil
	}
	return s.gen.sup
}

// Apply swaps the config. A worker count, queue size or enable change
// starts a new generation; work queued in the old one is abandoned with
// ErrStopped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.gen != nil && s.gen.done == nil
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || !cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent. If a Stop is in progress it is waited for first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		if s.gen == nil {
			break
		}
		done := s.gen.done
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}

	cfg := s.cfg
	g := &generation{
		queue: make(chan queuedTask, cfg.QueueSize),
		stop:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.gen = g
	s.mu.Unlock()

	for i := range cfg.Workers {
		g.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, g.stop, g.queue, i)
			select {
			case <-g.stop:
				return nil
			default:
			}
			if c.Err() != nil {
				return nil
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels the workers and reports every queued or parked task to its
// OnDone with ErrStopped. It returns when that is done or ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	g := s.gen
	if g == nil {
		s.mu.Unlock()
		return
	}
	if g.done != nil {
		s.mu.Unlock()
		select {
		case <-g.done:
		case <-ctx.Done():
		}
		return
	}
	g.done = make(chan struct{})
	close(g.stop)
	s.mu.Unlock()

	g.sup.Cancel()
	go func() {
		_ = g.sup.Wait(context.Background())
		s.abandon(g.queue)
		s.mu.Lock()
		if s.gen == g {
			s.gen = nil
		}
		s.mu.Unlock()
		close(g.done)
	}()

	select {
	case <-g.done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) abandon(q chan queuedTask) {
	for {
		select {
		case qt := <-q:
			qt.done(ErrStopped)
		default:
			for _, qt := range s.lanes.reset() {
				qt.done(ErrStopped)
			}
			return
		}
	}
}

// Enqueue adds t without blocking; a full queue drops it with ErrQueueFull.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is queued, ctx ends or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, g := s.cfg, s.gen
	stopping := g != nil && g.done != nil
	s.mu.Unlock()
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case g == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.withDefaults(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if t.Opt.Ordered {
		qt.ordered = true
		qt.key = laneKey(t)
		qt.seq = s.lanes.reserve(qt.key)
	}

	var err error
	if block {
		select {
		case g.queue <- qt:
			return nil
		case <-ctx.Done():
			err = ctx.Err()
		case <-g.stop:
			err = ErrStopping
		}
	} else {
		select {
		case g.queue <- qt:
			return nil
		default:
			s.dropQueueFull(now, t, cap(g.queue))
			err = ErrQueueFull
		}
	}

	// The reserved lane slot will never run; let successors through.
	if qt.ordered {
		if next, ok := s.lanes.skip(qt.key, qt.seq); ok {
			s.runDetached(next)
		}
	}
	return err
}

// runDetached continues a lane whose head was unblocked outside a worker.
func (s *Service) runDetached(qt queuedTask) {
	s.mu.Lock()
	g := s.gen
	live := g != nil && g.done == nil
	s.mu.Unlock()
	if !live {
		qt.done(ErrStopped)
		return
	}
	g.sup.Go0("lane."+qt.key, func(ctx context.Context) {
		s.runLane(ctx, g.stop, qt, newRNG(0))
	})
}

func laneKey(t Task) string {
	if k := strings.TrimSpace(t.ConcurrencyKey); k != "" {
		return k
	}
	return t.Name
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, g := s.cfg, s.gen
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
	}
	if g != nil {
		snap.QueueLen, snap.QueueCap = len(g.queue), cap(g.queue)
	}
	snap.ActiveLanes, snap.LaneBacklog = s.lanes.stats()

	s.hmu.Lock()
	snap.History = append([]Record(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(r Record) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, r)
	if over := len(s.history) - size; over > 0 {
		s.history = s.history[over:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, r Record) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: r})
	}
}

func (s *Service) dropQueueFull(now time.Time, t Task, capacity int) {
	n := s.droppedQueueFull.Add(1)
	r := recordOf(t, now)
	r.Error = "queue_full"
	s.publish(eventbus.TypeTaskDropped, r)
	s.queueFullWarn.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("key", t.ConcurrencyKey),
			logx.Int("queue_cap", capacity),
			logx.Uint64("dropped_queue_full", n),
		)
	})
}

func (s *Service) dropStale(now time.Time, t Task, queueDelay time.Duration) {
	n := s.droppedStale.Add(1)
	r := recordOf(t, now)
	r.QueueDelay, r.Error = queueDelay, "stale_queue_delay"
	s.publish(eventbus.TypeTaskDropped, r)
	s.record(r)
	s.staleWarn.Do(func() {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("key", t.ConcurrencyKey),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", n),
		)
	})
}

func (qt queuedTask) done(err error) {
	if qt.task.OnDone != nil {
		qt.task.OnDone(err)
	}
}
