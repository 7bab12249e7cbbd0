// Package entity holds the scheduled entity record shared by the lifecycle
// machine, storage drivers and the notification layer.
package entity

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

type Kind string

const (
	KindAlarm Kind = "alarm"
	KindTimer Kind = "timer"
)

func (k Kind) Valid() bool { return k == KindAlarm || k == KindTimer }

type Stage string

const (
	StageUpcoming Stage = "UPCOMING"
	StageRinging  Stage = "RINGING"
	StagePaused   Stage = "PAUSED"
	StageSnoozed  Stage = "SNOOZED"
	StageMissed   Stage = "MISSED"
	StageStopped  Stage = "STOPPED"
	StageExpired  Stage = "EXPIRED"
)

var stages = []Stage{StageUpcoming, StageRinging, StagePaused, StageSnoozed, StageMissed, StageStopped, StageExpired}

func (s Stage) Valid() bool { return slices.Contains(stages, s) }

// Terminal stages have no outgoing transitions.
func (s Stage) Terminal() bool { return s == StageStopped || s == StageExpired }

type Action string

const (
	ActionTrigger   Action = "TRIGGER"
	ActionPause     Action = "PAUSE"
	ActionResume    Action = "RESUME"
	ActionSnooze    Action = "SNOOZE"
	ActionRetrigger Action = "RETRIGGER"
	ActionTimeout   Action = "TIMEOUT"
	ActionDismiss   Action = "DISMISS"
	ActionStop      Action = "STOP"
)

var actions = []Action{ActionTrigger, ActionPause, ActionResume, ActionSnooze, ActionRetrigger, ActionTimeout, ActionDismiss, ActionStop}

// Actions lists every known action.
func Actions() []Action { return slices.Clone(actions) }

// ParseAction resolves a case-insensitive action name.
func ParseAction(raw string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(raw)))
	return a, slices.Contains(actions, a)
}

// Entity is an alarm or timer and its lifecycle state. All instants are
// epoch milliseconds; 0 means unset.
type Entity struct {
	ID    int64  `json:"id"`
	Kind  Kind   `json:"kind"`
	Label string `json:"label,omitempty"`

	TriggerAt int64 `json:"trigger_at"`
	Stage     Stage `json:"stage"`

	Recurrence []time.Weekday `json:"recurrence,omitempty"`
	Hour       int            `json:"hour"`
	Minute     int            `json:"minute"`

	TimeoutAt   int64 `json:"timeout_at,omitempty"`
	SnoozeUntil int64 `json:"snooze_until,omitempty"`

	PausedFrom      Stage `json:"paused_from,omitempty"`
	RemainingMillis int64 `json:"remaining_millis,omitempty"`

	RangAt    int64 `json:"rang_at,omitempty"`
	UpdatedAt int64 `json:"updated_at,omitempty"`
	Version   int64 `json:"version"`
}

var ErrInvalid = errors.New("invalid entity")

func (e Entity) Recurring() bool { return len(e.Recurrence) > 0 }

func (e Entity) Clone() Entity {
	e.Recurrence = slices.Clone(e.Recurrence)
	return e
}

// Validate checks the fields a caller controls.
func (e Entity) Validate() error {
	var errs []error
	if e.ID <= 0 {
		errs = append(errs, fmt.Errorf("id must be > 0"))
	}
	if !e.Kind.Valid() {
		errs = append(errs, fmt.Errorf("kind must be alarm or timer"))
	}
	if e.Stage != "" && !e.Stage.Valid() {
		errs = append(errs, fmt.Errorf("unknown stage %q", e.Stage))
	}
	if e.Hour < 0 || e.Hour > 23 || e.Minute < 0 || e.Minute > 59 {
		errs = append(errs, fmt.Errorf("invalid time of day %02d:%02d", e.Hour, e.Minute))
	}
	for _, d := range e.Recurrence {
		if d < time.Sunday || d > time.Saturday {
			errs = append(errs, fmt.Errorf("invalid weekday %d", d))
		}
	}
	if e.Recurring() && e.Kind == KindTimer {
		errs = append(errs, fmt.Errorf("timers cannot recur"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Deadline is the instant the current stage waits for, or 0 if it waits for
// nothing.
func (e Entity) Deadline() int64 {
	switch e.Stage {
	case StageUpcoming, StageMissed:
		return e.TriggerAt
	case StageSnoozed:
		return e.SnoozeUntil
	case StageRinging:
		return e.TimeoutAt
	default:
		return 0
	}
}
