package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"alarmd/internal/clock"
	"alarmd/internal/entity"
	"alarmd/internal/errreport"
	"alarmd/internal/eventbus"
	"alarmd/internal/metrics"
	"alarmd/internal/platform/audio"
	"alarmd/internal/runtime/keylock"
	"alarmd/internal/task/scheduler"
	logx "alarmd/pkg/logx"
)

// Deps are the collaborators of a Machine. Player, Reporter, Bus and Clock
// are optional.
type Deps struct {
	Store     Store
	Scheduler Scheduler
	Notifier  Notifier
	Player    audio.Player
	Reporter  errreport.Reporter
	Bus       eventbus.Bus
	Clock     clock.Clock
	Log       logx.Logger
}

// Machine is the single owner of entity stages. It caches entities and
// writes through to the store after every transition.
type Machine struct {
	mu  sync.RWMutex
	cfg Config

	log      logx.Logger
	store    Store
	sched    Scheduler
	notif    Notifier
	player   audio.Player
	reporter errreport.Reporter
	bus      eventbus.Bus
	clk      clock.Clock

	locks *keylock.Locks[int64]

	cmu   sync.Mutex
	cache map[int64]entity.Entity
}

func New(cfg Config, d Deps) *Machine {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Player == nil {
		d.Player = audio.Nop{}
	}
	if d.Reporter == nil {
		d.Reporter = errreport.Nop{}
	}
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	return &Machine{
		cfg:      normalize(cfg),
		log:      d.Log,
		store:    d.Store,
		sched:    d.Scheduler,
		notif:    d.Notifier,
		player:   d.Player,
		reporter: d.Reporter,
		bus:      d.Bus,
		clk:      d.Clock,
		locks:    keylock.New[int64](),
		cache:    map[int64]entity.Entity{},
	}
}

func normalize(cfg Config) Config {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.SnoozeMinutes <= 0 {
		cfg.SnoozeMinutes = 10
	}
	if cfg.TimeoutWindow <= 0 {
		cfg.TimeoutWindow = 10 * time.Minute
	}
	if cfg.MissedGroupKey == "" {
		cfg.MissedGroupKey = "missed_alarms"
	}
	return cfg
}

// Reconfigure swaps the config. In-flight deadlines keep their values.
func (m *Machine) Reconfigure(cfg Config) {
	m.mu.Lock()
	m.cfg = normalize(cfg)
	m.mu.Unlock()
}

func (m *Machine) config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Deliver applies a raw action name. It matches scheduler.Deliverer.
func (m *Machine) Deliver(ctx context.Context, id int64, action string, payload map[string]string) error {
	a, ok := entity.ParseAction(action)
	if !ok {
		return fmt.Errorf("lifecycle: unknown action %q", action)
	}
	_, err := m.Apply(ctx, id, a, payload)
	return err
}

// Apply runs action against entity id. Undefined (stage, action) pairs and
// stale deliveries are no-ops reported through Result.
func (m *Machine) Apply(ctx context.Context, id int64, action entity.Action, payload map[string]string) (Result, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	cfg := m.config()
	now := m.clk.Now()
	res := Result{ID: id, Action: action}

	cur, err := m.load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			res.Reason = ReasonNotFound
			m.ignore(res)
		}
		return res, err
	}
	res.From, res.To, res.Entity = cur.Stage, cur.Stage, cur

	fn := lookup(cur.Stage, action)
	if fn == nil {
		res.Reason = ReasonUndefined
		m.ignore(res)
		return res, nil
	}
	if reason := staleness(cur, action, payload, now); reason != "" {
		res.Reason = reason
		m.ignore(res)
		m.publish(eventbus.TypeTransitionStale, Transition{ID: id, Action: action, From: cur.Stage, To: cur.Stage, At: now})
		return res, nil
	}

	s := &step{now: now, cfg: cfg, prev: cur, next: cur.Clone()}
	if err := run(fn, s); err != nil {
		var n noop
		if errors.As(err, &n) {
			res.Reason = n.reason
			m.ignore(res)
			return res, nil
		}
		err = fmt.Errorf("%w: %d %s: %w", ErrCompute, id, action, err)
		m.reporter.Report(ctx, "lifecycle", err, logx.Int64("id", id), logx.String("stage", string(cur.Stage)))
		return res, err
	}

	next, err := m.commit(ctx, cur, s.next, now)
	if err != nil {
		m.publish(eventbus.TypePersistFailed, Transition{ID: id, Action: action, From: cur.Stage, To: s.next.Stage, At: now})
		return res, err
	}
	m.applyEffects(ctx, cfg, next, s.effects)

	metrics.RecordTransition(string(cur.Stage), string(action), string(next.Stage))
	m.publish(eventbus.TypeTransition, Transition{ID: id, Action: action, From: cur.Stage, To: next.Stage, At: now})
	m.log.Info("transition",
		logx.Int64("id", id),
		logx.String("action", string(action)),
		logx.String("from", string(cur.Stage)),
		logx.String("to", string(next.Stage)),
		logx.Millis("trigger_at", next.TriggerAt),
		logx.Millis("timeout_at", next.TimeoutAt),
		logx.Millis("snooze_until", next.SnoozeUntil),
	)

	res.To, res.Applied, res.Entity = next.Stage, true, next
	return res, nil
}

// commit saves next. On failure the cache keeps prev and the error is
// reported.
func (m *Machine) commit(ctx context.Context, prev, next entity.Entity, now time.Time) (entity.Entity, error) {
	next.Version = prev.Version + 1
	next.UpdatedAt = millis(now)
	if err := m.store.SaveEntity(ctx, next); err != nil {
		if prev.ID != 0 {
			m.put(prev)
		}
		metrics.RecordPersistFailure()
		err = fmt.Errorf("%w: entity %d: %w", ErrPersist, next.ID, err)
		m.reporter.Report(ctx, "lifecycle", err, logx.Int64("id", next.ID))
		return prev, err
	}
	m.put(next)
	return next, nil
}

// Upsert creates or reconfigures an entity. Its lifecycle restarts at
// UPCOMING: a recurring alarm waits for its next occurrence, an alarm
// without trigger_at for the next hour:minute, a timer for now plus
// remaining_millis.
func (m *Machine) Upsert(ctx context.Context, e entity.Entity) (entity.Entity, error) {
	if err := e.Validate(); err != nil {
		return e, err
	}
	unlock := m.locks.Lock(e.ID)
	defer unlock()

	cfg := m.config()
	now := m.clk.Now()

	prev, err := m.load(ctx, e.ID)
	had := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return e, err
	}

	next := e.Clone()
	next.Recurrence = scheduler.NormalizeWeekdays(next.Recurrence)
	next.Stage = entity.StageUpcoming
	next.TimeoutAt, next.SnoozeUntil, next.RangAt = 0, 0, 0
	next.PausedFrom = ""
	switch {
	case next.Recurring():
		at, err := scheduler.NextOccurrence(next.Recurrence, next.Hour, next.Minute, now, cfg.Location)
		if err != nil {
			return e, fmt.Errorf("%w: %w", entity.ErrInvalid, err)
		}
		next.TriggerAt = millis(at)
	case next.TriggerAt > 0:
	case next.Kind == entity.KindTimer && next.RemainingMillis > 0:
		next.TriggerAt = millis(now) + next.RemainingMillis
	case next.Kind == entity.KindAlarm:
		at, err := scheduler.NextDaily(next.Hour, next.Minute, now, cfg.Location)
		if err != nil {
			return e, fmt.Errorf("%w: %w", entity.ErrInvalid, err)
		}
		next.TriggerAt = millis(at)
	default:
		return e, fmt.Errorf("%w: timer needs trigger_at or remaining_millis", entity.ErrInvalid)
	}
	next.RemainingMillis = 0

	if !had {
		prev = entity.Entity{}
	}
	s := &step{now: now, cfg: cfg, prev: prev, next: next}
	if had {
		s.disarm()
	}
	s.arm()

	saved, err := m.commit(ctx, prev, next, now)
	if err != nil {
		return e, err
	}
	m.applyEffects(ctx, cfg, saved, s.effects)
	m.log.Info("entity upserted", logx.Int64("id", saved.ID), logx.String("kind", string(saved.Kind)), logx.Millis("trigger_at", saved.TriggerAt))
	return saved, nil
}

// Rearm re-issues the wake, notification and audio the entity's current
// stage waits on. It changes no state.
func (m *Machine) Rearm(ctx context.Context, id int64) (entity.Entity, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.load(ctx, id)
	if err != nil {
		return e, err
	}
	cfg := m.config()
	s := &step{now: m.clk.Now(), cfg: cfg, prev: e, next: e}
	s.arm()
	m.applyEffects(ctx, cfg, e, s.effects)
	return e, nil
}

// Delete removes an entity and withdraws its wakes and notification.
func (m *Machine) Delete(ctx context.Context, id int64) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	e, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.DeleteEntity(ctx, id); err != nil {
		err = fmt.Errorf("%w: delete %d: %w", ErrPersist, id, err)
		m.reporter.Report(ctx, "lifecycle", err, logx.Int64("id", id))
		return err
	}
	m.cmu.Lock()
	delete(m.cache, id)
	m.cmu.Unlock()

	cfg := m.config()
	s := &step{now: m.clk.Now(), cfg: cfg, prev: e, next: e}
	s.disarm()
	m.applyEffects(ctx, cfg, e, s.effects)
	m.log.Info("entity deleted", logx.Int64("id", id))
	return nil
}

func (m *Machine) Get(ctx context.Context, id int64) (entity.Entity, error) {
	return m.load(ctx, id)
}

func (m *Machine) List(ctx context.Context) ([]entity.Entity, error) {
	return m.store.ListEntities(ctx)
}

// Load warms the cache from the store and returns every entity.
func (m *Machine) Load(ctx context.Context) ([]entity.Entity, error) {
	all, err := m.store.ListEntities(ctx)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load: %w", err)
	}
	m.cmu.Lock()
	m.cache = make(map[int64]entity.Entity, len(all))
	for _, e := range all {
		m.cache[e.ID] = e.Clone()
	}
	m.cmu.Unlock()
	return all, nil
}

// Now is the machine's clock reading.
func (m *Machine) Now() time.Time { return m.clk.Now() }

func (m *Machine) load(ctx context.Context, id int64) (entity.Entity, error) {
	m.cmu.Lock()
	e, ok := m.cache[id]
	m.cmu.Unlock()
	if ok {
		return e.Clone(), nil
	}
	e, err := m.store.GetEntity(ctx, id)
	if err != nil {
		return e, err
	}
	m.put(e)
	return e, nil
}

func (m *Machine) put(e entity.Entity) {
	m.cmu.Lock()
	m.cache[e.ID] = e.Clone()
	m.cmu.Unlock()
}

func (m *Machine) ignore(res Result) {
	metrics.RecordIgnored(string(res.Action), res.Reason)
	m.log.Debug("delivery ignored",
		logx.Int64("id", res.ID),
		logx.String("action", string(res.Action)),
		logx.String("stage", string(res.From)),
		logx.String("reason", res.Reason),
	)
}

func (m *Machine) publish(typ string, t Transition) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: t.At, Data: t})
}

// staleness checks scheduler deliveries against the deadline the current
// stage waits for. A delivery without scheduled_for is accepted only once
// that deadline has passed.
func staleness(e entity.Entity, action entity.Action, payload map[string]string, now time.Time) string {
	if action != entity.ActionTrigger && action != entity.ActionTimeout {
		return ""
	}
	deadline := e.Deadline()
	raw, ok := payload[scheduler.PayloadScheduledFor]
	if !ok {
		if deadline > millis(now) {
			return ReasonNotDue
		}
		return ""
	}
	at, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || at != deadline {
		return ReasonStale
	}
	return ""
}

func run(fn transitionFn, s *step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s)
}
