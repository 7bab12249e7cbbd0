// Package lifecycle owns entity stage transitions. A transition is computed
// on a copy, saved, and only then are its effects (wakes, notifications,
// audio) applied. Transitions for one entity id are serialized.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"alarmd/internal/entity"
	"alarmd/internal/notify"
	"alarmd/internal/storage"
)

type Config struct {
	Location           *time.Location
	SnoozeMinutes      int
	TimeoutWindow      time.Duration
	TimerTimeoutWindow time.Duration
	MissedGroupKey     string
	Ringtone           string
	Vibrate            bool
}

// Store is the persistence the machine needs.
type Store interface {
	GetEntity(ctx context.Context, id int64) (entity.Entity, error)
	SaveEntity(ctx context.Context, e entity.Entity) error
	DeleteEntity(ctx context.Context, id int64) error
	ListEntities(ctx context.Context) ([]entity.Entity, error)
}

// Scheduler arms and cancels wakes. Both calls are fire-and-forget.
type Scheduler interface {
	Schedule(id int64, action string, at time.Time, payload map[string]string)
	Cancel(id int64, action string)
}

type Notifier interface {
	Post(ctx context.Context, id int64, n notify.Notification) error
	Cancel(ctx context.Context, id int64) error
	PostGrouped(ctx context.Context, id int64, n notify.Notification, groupKey string) error
	CancelGrouped(ctx context.Context, id int64, groupKey string) error
}

var (
	ErrNotFound = storage.ErrNotFound
	ErrPersist  = errors.New("lifecycle: persist failed")
	ErrCompute  = errors.New("lifecycle: transition failed")
)

// Reasons a delivery was not applied.
const (
	ReasonUndefined = "undefined"
	ReasonStale     = "stale"
	ReasonNotDue    = "not_due"
	ReasonNotFound  = "not_found"
	ReasonNotTimer  = "not_timer"
	ReasonOneShot   = "not_recurring"
)

// Result describes the outcome of Apply. Applied is false for no-ops, with
// Reason set.
type Result struct {
	ID      int64         `json:"id"`
	Action  entity.Action `json:"action"`
	From    entity.Stage  `json:"from,omitempty"`
	To      entity.Stage  `json:"to,omitempty"`
	Applied bool          `json:"applied"`
	Reason  string        `json:"reason,omitempty"`
	Entity  entity.Entity `json:"entity"`
}

// Transition is the payload of eventbus.TypeTransition.
type Transition struct {
	ID     int64         `json:"id"`
	Action entity.Action `json:"action"`
	From   entity.Stage  `json:"from"`
	To     entity.Stage  `json:"to"`
	At     time.Time     `json:"at"`
}
