// Package render turns a notification kind and an entity view into visible
// content. Builders are looked up in a fixed table keyed by Kind.
package render

import (
	"errors"
	"fmt"
	"time"

	"alarmd/internal/entity"
)

type Kind string

const (
	KindUpcoming Kind = "upcoming"
	KindRinging  Kind = "ringing"
	KindSnoozed  Kind = "snoozed"
	KindPaused   Kind = "paused"
	KindMissed   Kind = "missed"
	KindSummary  Kind = "summary"
)

// Button is an action offered on a notification. Action is the entity
// action the tap delivers.
type Button struct {
	Label  string        `json:"label"`
	Action entity.Action `json:"action"`
}

type Content struct {
	Title   string   `json:"title"`
	Body    string   `json:"body,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// View is what the engine hands to the renderer: identity, stage and
// timestamps. Count and GroupKey are set for summaries.
type View struct {
	EntityID        int64
	EntityKind      entity.Kind
	Label           string
	Stage           entity.Stage
	TriggerAt       int64
	SnoozeUntil     int64
	TimeoutAt       int64
	RangAt          int64
	RemainingMillis int64

	Count    int
	GroupKey string
}

func ViewOf(e entity.Entity) View {
	return View{
		EntityID:        e.ID,
		EntityKind:      e.Kind,
		Label:           e.Label,
		Stage:           e.Stage,
		TriggerAt:       e.TriggerAt,
		SnoozeUntil:     e.SnoozeUntil,
		TimeoutAt:       e.TimeoutAt,
		RangAt:          e.RangAt,
		RemainingMillis: e.RemainingMillis,
	}
}

type Renderer interface {
	Render(kind Kind, v View) (Content, error)
}

var ErrUnknownKind = errors.New("render: unknown notification kind")

type builder func(v View, loc *time.Location) Content

var builders = map[Kind]builder{
	KindUpcoming: upcoming,
	KindRinging:  ringing,
	KindSnoozed:  snoozed,
	KindPaused:   paused,
	KindMissed:   missed,
	KindSummary:  summary,
}

// Table renders with the built-in English builders.
type Table struct {
	loc *time.Location
}

func NewTable(loc *time.Location) *Table {
	if loc == nil {
		loc = time.Local
	}
	return &Table{loc: loc}
}

func (t *Table) Render(kind Kind, v View) (Content, error) {
	b, ok := builders[kind]
	if !ok {
		return Content{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return b(v, t.loc), nil
}

func title(v View) string {
	if v.Label != "" {
		return v.Label
	}
	if v.EntityKind == entity.KindTimer {
		return "Timer"
	}
	return "Alarm"
}

func clock(ms int64, loc *time.Location) string {
	if ms <= 0 {
		return "--:--"
	}
	return time.UnixMilli(ms).In(loc).Format("15:04")
}

func upcoming(v View, loc *time.Location) Content {
	c := Content{Title: title(v), Body: "Upcoming at " + clock(v.TriggerAt, loc)}
	if v.EntityKind == entity.KindTimer {
		c.Body = "Runs until " + clock(v.TriggerAt, loc)
		c.Buttons = []Button{{Label: "Pause", Action: entity.ActionPause}}
	}
	return c
}

func ringing(v View, loc *time.Location) Content {
	c := Content{Title: title(v), Body: "Ringing since " + clock(v.TriggerAt, loc)}
	if v.EntityKind == entity.KindTimer {
		c.Body = "Time's up"
		c.Buttons = []Button{{Label: "Stop", Action: entity.ActionStop}}
		return c
	}
	c.Buttons = []Button{
		{Label: "Snooze", Action: entity.ActionSnooze},
		{Label: "Dismiss", Action: entity.ActionDismiss},
	}
	return c
}

func snoozed(v View, loc *time.Location) Content {
	return Content{
		Title:   title(v),
		Body:    "Snoozed until " + clock(v.SnoozeUntil, loc),
		Buttons: []Button{{Label: "Dismiss", Action: entity.ActionDismiss}},
	}
}

func paused(v View, _ *time.Location) Content {
	left := time.Duration(v.RemainingMillis) * time.Millisecond
	return Content{
		Title: title(v),
		Body:  "Paused, " + left.Round(time.Second).String() + " left",
		Buttons: []Button{
			{Label: "Resume", Action: entity.ActionResume},
			{Label: "Stop", Action: entity.ActionStop},
		},
	}
}

func missed(v View, loc *time.Location) Content {
	at := v.RangAt
	if at == 0 {
		at = v.TriggerAt
	}
	return Content{
		Title: "Missed " + title(v),
		Body:  "Rang at " + clock(at, loc),
		Buttons: []Button{
			{Label: "Ring again", Action: entity.ActionRetrigger},
			{Label: "Dismiss", Action: entity.ActionDismiss},
		},
	}
}

func summary(v View, _ *time.Location) Content {
	return Content{Title: fmt.Sprintf("%d missed alarms", v.Count)}
}
