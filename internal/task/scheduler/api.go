package scheduler

import (
	"fmt"
	"maps"
	"sort"
	"strconv"
	"time"

	"alarmd/internal/eventbus"
	"alarmd/internal/metrics"
	logx "alarmd/pkg/logx"
)

func wakeKey(id int64, action string) string {
	return fmt.Sprintf("%d:%s", id, action)
}

// Schedule arranges for action to be delivered for id at at. Scheduling the
// same (id, action) again replaces the previous wake. It never fails: without
// exact-scheduling permission the wake is aligned up to the next inexact
// window boundary.
func (s *Service) Schedule(id int64, action string, at time.Time, payload map[string]string) {
	exact := s.exactGranted()

	s.mu.Lock()
	window := s.cfg.InexactWindow
	s.mu.Unlock()

	fireAt := at
	if !exact {
		fireAt = alignUp(at, window)
	}

	p := make(map[string]string, len(payload)+1)
	maps.Copy(p, payload)
	p[PayloadScheduledFor] = strconv.FormatInt(at.UnixMilli(), 10)

	key := wakeKey(id, action)

	s.tmu.Lock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
	// bump version to ignore stale callbacks from replaced timers
	s.seq++
	w := &Wake{ID: id, Action: action, At: at, FireAt: fireAt, Exact: exact, Payload: p, ver: s.seq}
	s.pending[key] = w
	if s.armed {
		s.armLocked(key, w)
	}
	n := len(s.pending)
	s.tmu.Unlock()

	metrics.SetTriggersPending(n)
	s.log.Debug("wake scheduled", logx.Int64("id", id), logx.String("action", action), logx.Time("at", at), logx.Time("fire_at", fireAt), logx.Bool("exact", exact))
	s.publish(eventbus.TypeTriggerScheduled, *w)
}

// Cancel removes a pending wake. A wake already being delivered may still
// arrive once.
func (s *Service) Cancel(id int64, action string) {
	key := wakeKey(id, action)

	s.tmu.Lock()
	w, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
		if t, ok := s.timers[key]; ok {
			t.Stop()
			delete(s.timers, key)
		}
	}
	n := len(s.pending)
	s.tmu.Unlock()

	if !ok {
		return
	}
	metrics.SetTriggersPending(n)
	s.log.Debug("wake cancelled", logx.Int64("id", id), logx.String("action", action))
	s.publish(eventbus.TypeTriggerCancelled, *w)
}

// Pending returns the pending wakes ordered by fire time.
func (s *Service) Pending() []Wake {
	s.tmu.Lock()
	out := make([]Wake, 0, len(s.pending))
	for _, w := range s.pending {
		c := *w
		c.Payload = maps.Clone(w.Payload)
		out = append(out, c)
	}
	s.tmu.Unlock()
	sortWakes(out)
	return out
}

// Lookup returns the pending wake for (id, action).
func (s *Service) Lookup(id int64, action string) (Wake, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	w, ok := s.pending[wakeKey(id, action)]
	if !ok {
		return Wake{}, false
	}
	c := *w
	c.Payload = maps.Clone(w.Payload)
	return c, true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:       s.c != nil,
		Degraded:      s.degraded,
		InexactWindow: s.cfg.InexactWindow,
		SweepInterval: s.cfg.SweepInterval,
	}
	if s.c != nil && s.sweepID != 0 {
		snap.NextSweep = s.c.Entry(s.sweepID).Next
	}
	s.mu.Unlock()
	snap.Pending = s.Pending()
	return snap
}

// rearmTimers arms a timer for every pending wake and returns how many there
// are.
func (s *Service) rearmTimers() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	s.armed = true
	for key, w := range s.pending {
		s.armLocked(key, w)
	}
	return len(s.pending)
}

func (s *Service) disarmTimers() {
	s.tmu.Lock()
	s.armed = false
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
	s.tmu.Unlock()
}

// armLocked starts the runtime timer for w. Call with s.tmu held.
func (s *Service) armLocked(key string, w *Wake) {
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	ver := w.ver
	delay := max(w.FireAt.Sub(s.clk.Now()), 0)
	s.timers[key] = s.clk.AfterFunc(delay, func() { s.fire(key, ver) })
}

// fire runs from a timer. Replaced or cancelled wakes are ignored.
func (s *Service) fire(key string, ver uint64) {
	s.tmu.Lock()
	w, ok := s.pending[key]
	if !ok || w.ver != ver {
		s.tmu.Unlock()
		return
	}
	// drop the definition first so a concurrent sweep cannot deliver it twice
	delete(s.pending, key)
	delete(s.timers, key)
	n := len(s.pending)
	s.tmu.Unlock()

	metrics.SetTriggersPending(n)
	s.deliverWake(*w, "timer")
}

// Sweep delivers every pending wake whose fire time has passed on the wall
// clock. It returns the number delivered.
func (s *Service) Sweep() int {
	now := s.clk.Now()

	s.tmu.Lock()
	var due []Wake
	for key, w := range s.pending {
		if w.FireAt.After(now) {
			continue
		}
		due = append(due, *w)
		delete(s.pending, key)
		if t, ok := s.timers[key]; ok {
			t.Stop()
			delete(s.timers, key)
		}
	}
	n := len(s.pending)
	s.tmu.Unlock()

	if len(due) == 0 {
		return 0
	}
	metrics.SetTriggersPending(n)
	sortWakes(due)
	s.log.Info("sweep delivering overdue wakes", logx.Int("count", len(due)))
	for _, w := range due {
		s.deliverWake(w, "sweep")
	}
	return len(due)
}

func (s *Service) deliverWake(w Wake, source string) {
	s.mu.Lock()
	d := s.deliver
	s.mu.Unlock()

	lateness := s.clk.Now().Sub(w.At)
	metrics.RecordTriggerFired(w.Action, source, lateness)
	s.publish(eventbus.TypeTriggerFired, w)

	if d == nil {
		s.log.Warn("wake dropped: no deliverer", logx.Int64("id", w.ID), logx.String("action", w.Action))
		return
	}
	s.log.Debug("wake delivered", logx.Int64("id", w.ID), logx.String("action", w.Action), logx.String("source", source), logx.Duration("late", lateness))
	err := d(s.runCtx(), w.ID, w.Action, w.Payload)
	s.reportDeliverError(wakeKey(w.ID, w.Action), err)
}

func (s *Service) exactGranted() bool {
	exact := s.perm == nil || s.perm.ExactSchedulingGranted()

	s.mu.Lock()
	changed := s.degraded == exact
	s.degraded = !exact
	s.mu.Unlock()

	if changed {
		if exact {
			s.log.Info("exact scheduling granted; wakes are exact again")
		} else {
			s.log.Warn("exact scheduling denied; wakes fall back to inexact alignment")
		}
	}
	return exact
}

// alignUp rounds at up to the next multiple of window.
func alignUp(at time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return at
	}
	t := at.Truncate(window)
	if t.Before(at) {
		t = t.Add(window)
	}
	return t
}

func sortWakes(ws []Wake) {
	sort.Slice(ws, func(i, j int) bool {
		if !ws[i].FireAt.Equal(ws[j].FireAt) {
			return ws[i].FireAt.Before(ws[j].FireAt)
		}
		if ws[i].ID != ws[j].ID {
			return ws[i].ID < ws[j].ID
		}
		return ws[i].Action < ws[j].Action
	})
}
