// Package notify owns the visible notification surface. It posts, updates
// and cancels per-entity notifications and keeps group summaries consistent
// with their members.
package notify

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"alarmd/internal/notify/render"
)

type Priority int

const (
	PriorityLow     Priority = -1
	PriorityDefault Priority = 0
	PriorityHigh    Priority = 1
	PriorityMax     Priority = 2
)

// Notification is one entry on the tray. IDs of entity notifications equal
// the entity id; summaries use SummaryID(GroupKey).
type Notification struct {
	ID       int64       `json:"id"`
	Kind     render.Kind `json:"kind"`
	EntityID int64       `json:"entity_id,omitempty"`
	GroupKey string      `json:"group_key,omitempty"`

	IsSummary bool `json:"is_summary,omitempty"`
	// Standalone is set on the only member of a group: it is shown without
	// group affiliation but still counts as a member.
	Standalone bool `json:"standalone,omitempty"`

	Priority          Priority `json:"priority"`
	Silent            bool     `json:"silent,omitempty"`
	AlertChildrenOnly bool     `json:"alert_children_only,omitempty"`
	Ongoing           bool     `json:"ongoing,omitempty"`
	When              int64    `json:"when"`
	MemberCount       int      `json:"member_count,omitempty"`

	Content render.Content `json:"content"`
	// View is rendered into Content when Content is empty.
	View render.View `json:"-"`
}

// Sink receives posts and cancels. Mirrors implement only this.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
	Cancel(ctx context.Context, id int64) error
}

// Tray is the authoritative notification service.
type Tray interface {
	Sink
	Active(ctx context.Context) ([]Notification, error)
}

type Permissions interface {
	NotificationsGranted() bool
}

var (
	ErrNoGroup   = errors.New("notify: group key is required")
	ErrStopped   = errors.New("notify: mirror stopped")
	ErrQueueFull = errors.New("notify: mirror queue full")
)

// SummaryID maps a group key to a negative id, disjoint from entity ids.
func SummaryID(groupKey string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(groupKey))
	return -(int64(h.Sum32()) + 1)
}

// Event is the payload of the notification bus events.
type Event struct {
	ID       int64       `json:"id"`
	Kind     render.Kind `json:"kind,omitempty"`
	GroupKey string      `json:"group_key,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	At       time.Time   `json:"at"`
}
