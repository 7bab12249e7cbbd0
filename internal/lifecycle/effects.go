package lifecycle

import (
	"context"
	"time"

	"alarmd/internal/entity"
	"alarmd/internal/notify"
	"alarmd/internal/notify/render"
	logx "alarmd/pkg/logx"
)

type effectKind uint8

const (
	effSchedule effectKind = iota
	effCancelWake
	effPost
	effPostGrouped
	effCancel
	effPlay
	effStopAudio
)

type postStyle uint8

const (
	postPlain postStyle = iota
	postRinging
	postOngoing
)

// effect is one side effect of a saved transition.
type effect struct {
	kind   effectKind
	action entity.Action
	at     int64
	notif  render.Kind
	style  postStyle
	group  string
}

func (s *step) add(ef effect) { s.effects = append(s.effects, ef) }

func (s *step) schedule(a entity.Action, at int64) {
	s.add(effect{kind: effSchedule, action: a, at: at})
}

func (s *step) cancelWake(a entity.Action) { s.add(effect{kind: effCancelWake, action: a}) }

func (s *step) post(k render.Kind, style postStyle) {
	s.add(effect{kind: effPost, notif: k, style: style})
}

func (s *step) postGrouped(k render.Kind, group string) {
	s.add(effect{kind: effPostGrouped, notif: k, group: group})
}

func (s *step) cancel()    { s.add(effect{kind: effCancel}) }
func (s *step) play()      { s.add(effect{kind: effPlay}) }
func (s *step) stopAudio() { s.add(effect{kind: effStopAudio}) }

// arm adds the effects that restore what next's stage waits for: its wake,
// its notification and, while ringing, audio.
func (s *step) arm() {
	e := s.next
	switch e.Stage {
	case entity.StageUpcoming:
		s.schedule(entity.ActionTrigger, e.TriggerAt)
		if e.Kind == entity.KindTimer {
			s.post(render.KindUpcoming, postOngoing)
		}
	case entity.StageSnoozed:
		s.schedule(entity.ActionTrigger, e.SnoozeUntil)
		s.post(render.KindSnoozed, postOngoing)
	case entity.StageRinging:
		s.schedule(entity.ActionTimeout, e.TimeoutAt)
		s.post(render.KindRinging, postRinging)
		s.play()
	case entity.StagePaused:
		s.post(render.KindPaused, postOngoing)
	case entity.StageMissed:
		if e.Recurring() {
			s.schedule(entity.ActionTrigger, e.TriggerAt)
		}
		s.postGrouped(render.KindMissed, s.cfg.MissedGroupKey)
	}
}

// disarm adds the effects that withdraw everything prev may have armed.
func (s *step) disarm() {
	s.cancelWake(entity.ActionTrigger)
	s.cancelWake(entity.ActionTimeout)
	if s.prev.Stage == entity.StageRinging {
		s.stopAudio()
	}
	s.cancel()
}

func buildNotification(e entity.Entity, ef effect) notify.Notification {
	n := notify.Notification{
		Kind:     ef.notif,
		EntityID: e.ID,
		When:     e.TriggerAt,
		View:     render.ViewOf(e),
	}
	switch ef.style {
	case postRinging:
		n.Priority = notify.PriorityMax
		n.Ongoing = true
		n.When = e.RangAt
	case postOngoing:
		n.Ongoing = true
		n.Silent = true
	default:
		n.Priority = notify.PriorityHigh
		if e.RangAt > 0 {
			n.When = e.RangAt
		}
	}
	return n
}

// applyEffects runs after a successful save. Failures are reported, never
// returned: the stage is already committed.
func (m *Machine) applyEffects(ctx context.Context, cfg Config, e entity.Entity, effects []effect) {
	for _, ef := range effects {
		var err error
		switch ef.kind {
		case effSchedule:
			m.sched.Schedule(e.ID, string(ef.action), time.UnixMilli(ef.at), nil)
		case effCancelWake:
			m.sched.Cancel(e.ID, string(ef.action))
		case effPost:
			err = m.notif.Post(ctx, e.ID, buildNotification(e, ef))
		case effPostGrouped:
			err = m.notif.PostGrouped(ctx, e.ID, buildNotification(e, ef), ef.group)
		case effCancel:
			err = m.notif.Cancel(ctx, e.ID)
		case effPlay:
			if perr := m.player.Play(ctx, cfg.Ringtone); perr != nil {
				m.log.Warn("audio play failed", logx.Int64("id", e.ID), logx.Err(perr))
			}
			if cfg.Vibrate {
				if verr := m.player.Vibrate(ctx); verr != nil {
					m.log.Warn("vibrate failed", logx.Int64("id", e.ID), logx.Err(verr))
				}
			}
		case effStopAudio:
			if other, ok := m.ringingOther(e.ID); ok {
				m.log.Debug("audio kept for ringing entity", logx.Int64("id", e.ID), logx.Int64("ringing", other))
				break
			}
			if serr := m.player.Stop(); serr != nil {
				m.log.Warn("audio stop failed", logx.Int64("id", e.ID), logx.Err(serr))
			}
		}
		if err != nil {
			m.reporter.Report(ctx, "notify", err, logx.Int64("id", e.ID), logx.String("kind", string(ef.notif)))
		}
	}
}

// ringingOther returns a cached entity other than id that is RINGING. The
// player is shared, so it keeps playing while one exists.
func (m *Machine) ringingOther(id int64) (int64, bool) {
	m.cmu.Lock()
	defer m.cmu.Unlock()
	for other, e := range m.cache {
		if other != id && e.Stage == entity.StageRinging {
			return other, true
		}
	}
	return 0, false
}
