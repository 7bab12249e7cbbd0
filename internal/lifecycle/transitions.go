package lifecycle

import (
	"errors"
	"time"

	"alarmd/internal/entity"
	"alarmd/internal/notify/render"
	"alarmd/internal/task/scheduler"
)

// step carries one transition in flight. fn mutates next and appends the
// effects to apply once next is saved.
type step struct {
	now     time.Time
	cfg     Config
	prev    entity.Entity
	next    entity.Entity
	effects []effect
}

type transitionFn func(s *step) error

// noop is returned by a transition that declines to act.
type noop struct{ reason string }

func (n noop) Error() string { return "no-op: " + n.reason }

var transitions = map[entity.Stage]map[entity.Action]transitionFn{
	entity.StageUpcoming: {
		entity.ActionTrigger: ring,
		entity.ActionPause:   pause,
	},
	entity.StageRinging: {
		entity.ActionSnooze:  snooze,
		entity.ActionTimeout: timeout,
		entity.ActionDismiss: stop,
		entity.ActionStop:    stop,
	},
	entity.StageSnoozed: {
		entity.ActionTrigger: ring,
		entity.ActionSnooze:  snooze,
		entity.ActionDismiss: stop,
		entity.ActionStop:    stop,
	},
	entity.StagePaused: {
		entity.ActionResume:  resume,
		entity.ActionDismiss: stop,
		entity.ActionStop:    stop,
	},
	entity.StageMissed: {
		entity.ActionTrigger:   ringNextOccurrence,
		entity.ActionRetrigger: ring,
		entity.ActionDismiss:   stop,
		entity.ActionStop:      stop,
	},
}

func lookup(stage entity.Stage, action entity.Action) transitionFn {
	return transitions[stage][action]
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func (s *step) timeoutWindow() time.Duration {
	if s.next.Kind == entity.KindTimer && s.cfg.TimerTimeoutWindow > 0 {
		return s.cfg.TimerTimeoutWindow
	}
	return s.cfg.TimeoutWindow
}

// nextOccurrence is the first recurrence instant strictly after now.
func (s *step) nextOccurrence() (int64, error) {
	at, err := scheduler.NextOccurrence(s.next.Recurrence, s.next.Hour, s.next.Minute, s.now, s.cfg.Location)
	if err != nil {
		return 0, err
	}
	return millis(at), nil
}

// ring enters RINGING. A missed member leaves its group when the ringing
// notification replaces it.
func ring(s *step) error {
	e := &s.next
	e.Stage = entity.StageRinging
	e.RangAt = millis(s.now)
	e.TimeoutAt = millis(s.now.Add(s.timeoutWindow()))
	e.SnoozeUntil = 0

	s.cancelWake(entity.ActionTrigger)
	s.schedule(entity.ActionTimeout, e.TimeoutAt)
	s.post(render.KindRinging, postRinging)
	s.play()
	return nil
}

// ringNextOccurrence handles the wake a recurring missed alarm armed for
// its next occurrence.
func ringNextOccurrence(s *step) error {
	if !s.prev.Recurring() {
		return noop{ReasonOneShot}
	}
	return ring(s)
}

func snooze(s *step) error {
	e := &s.next
	until := s.now.Add(time.Duration(s.cfg.SnoozeMinutes) * time.Minute).Truncate(time.Minute)
	e.Stage = entity.StageSnoozed
	e.SnoozeUntil = millis(until)
	e.TimeoutAt = 0

	s.cancelWake(entity.ActionTimeout)
	s.schedule(entity.ActionTrigger, e.SnoozeUntil)
	s.stopAudio()
	s.post(render.KindSnoozed, postOngoing)
	return nil
}

func timeout(s *step) error {
	e := &s.next
	e.Stage = entity.StageMissed
	e.TimeoutAt = 0

	s.cancelWake(entity.ActionTimeout)
	s.stopAudio()
	if e.Recurring() {
		at, err := s.nextOccurrence()
		if err != nil {
			return err
		}
		e.TriggerAt = at
		s.schedule(entity.ActionTrigger, at)
	}
	s.postGrouped(render.KindMissed, s.cfg.MissedGroupKey)
	return nil
}

func stop(s *step) error {
	e := &s.next
	e.TimeoutAt = 0
	e.SnoozeUntil = 0
	e.PausedFrom = ""
	e.RemainingMillis = 0

	s.cancelWake(entity.ActionTimeout)
	s.cancelWake(entity.ActionTrigger)
	if s.prev.Stage == entity.StageRinging {
		s.stopAudio()
	}
	s.cancel()

	switch {
	case e.Recurring():
		at, err := s.nextOccurrence()
		if err != nil {
			return err
		}
		e.Stage = entity.StageUpcoming
		e.TriggerAt = at
		s.schedule(entity.ActionTrigger, at)
	case e.Kind == entity.KindTimer:
		e.Stage = entity.StageExpired
	default:
		e.Stage = entity.StageStopped
	}
	return nil
}

func pause(s *step) error {
	if s.prev.Kind != entity.KindTimer {
		return noop{ReasonNotTimer}
	}
	e := &s.next
	e.PausedFrom = s.prev.Stage
	e.RemainingMillis = max(e.TriggerAt-millis(s.now), 0)
	e.Stage = entity.StagePaused

	s.cancelWake(entity.ActionTrigger)
	s.post(render.KindPaused, postOngoing)
	return nil
}

func resume(s *step) error {
	e := &s.next
	to := e.PausedFrom
	if to == "" {
		to = entity.StageUpcoming
	}
	if to != entity.StageUpcoming {
		return errors.New("resume target must be UPCOMING, got " + string(to))
	}
	e.Stage = to
	e.TriggerAt = millis(s.now) + e.RemainingMillis
	e.RemainingMillis = 0
	e.PausedFrom = ""

	s.schedule(entity.ActionTrigger, e.TriggerAt)
	s.post(render.KindUpcoming, postOngoing)
	return nil
}
