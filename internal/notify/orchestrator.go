package notify

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"time"

	"alarmd/internal/eventbus"
	"alarmd/internal/metrics"
	"alarmd/internal/notify/render"
	"alarmd/internal/runtime/keylock"
	logx "alarmd/pkg/logx"
)

// Orchestrator posts and cancels notifications on a Tray. Grouped posts and
// cancels reconcile the group summary under a per-group lock:
//
//   - 0 members: no summary.
//   - 1 member: no summary, the member is standalone.
//   - 2+ members: every member is affiliated and a silent, low priority
//     summary counts them.
//
// Entries whose visible state is unchanged are never re-posted.
type Orchestrator struct {
	log    logx.Logger
	tray   Tray
	render render.Renderer
	perm   Permissions
	bus    eventbus.Bus
	groups *keylock.Locks[string]
}

func New(tray Tray, r render.Renderer, perm Permissions, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		log:    log,
		tray:   tray,
		render: r,
		perm:   perm,
		bus:    bus,
		groups: keylock.New[string](),
	}
}

func (o *Orchestrator) Active(ctx context.Context) ([]Notification, error) {
	return o.tray.Active(ctx)
}

// Post shows n as an ungrouped notification under id. If id was a member of
// a group, the replacement and the reconcile of that group run under its
// lock. A post denied by permission withdraws the current entry instead.
func (o *Orchestrator) Post(ctx context.Context, id int64, n Notification) error {
	if !o.granted(id, n) {
		return o.Cancel(ctx, id)
	}
	n, err := o.prepare(id, n)
	if err != nil {
		return err
	}
	n.GroupKey, n.Standalone = "", false

	prev, had, unlock, err := o.lockMembership(ctx, id)
	defer unlock()
	if err != nil {
		return err
	}
	if had {
		n.Silent = true
	}
	if !had || !same(prev, n) {
		if err := o.notify(ctx, n); err != nil {
			return err
		}
	}
	if had && prev.GroupKey != "" && !prev.IsSummary {
		return o.reconcile(ctx, prev.GroupKey, nil, 0)
	}
	return nil
}

// PostGrouped shows n under id as a member of groupKey.
func (o *Orchestrator) PostGrouped(ctx context.Context, id int64, n Notification, groupKey string) error {
	if groupKey == "" {
		return ErrNoGroup
	}
	if !o.granted(id, n) {
		return o.Cancel(ctx, id)
	}
	prev, had, err := o.find(ctx, id)
	if err != nil {
		return err
	}
	if n, err = o.prepare(id, n); err != nil {
		return err
	}
	n.GroupKey = groupKey

	unlock := o.groups.Lock(groupKey)
	err = o.reconcile(ctx, groupKey, &n, 0)
	unlock()
	if err != nil {
		return err
	}

	if had && prev.GroupKey != "" && prev.GroupKey != groupKey {
		unlock := o.groups.Lock(prev.GroupKey)
		defer unlock()
		return o.reconcile(ctx, prev.GroupKey, nil, 0)
	}
	return nil
}

// Cancel removes id. Cancelling a group member reconciles its group.
func (o *Orchestrator) Cancel(ctx context.Context, id int64) error {
	prev, had, unlock, err := o.lockMembership(ctx, id)
	defer unlock()
	if err != nil || !had {
		return err
	}
	if prev.GroupKey != "" && !prev.IsSummary {
		return o.reconcile(ctx, prev.GroupKey, nil, id)
	}
	return o.cancel(ctx, prev)
}

// lockMembership finds id. When it is a group member the group lock is held
// on return and the entry was re-read under it. unlock is never nil.
func (o *Orchestrator) lockMembership(ctx context.Context, id int64) (Notification, bool, func(), error) {
	for {
		prev, had, err := o.find(ctx, id)
		if err != nil || !had || prev.GroupKey == "" || prev.IsSummary {
			return prev, had, func() {}, err
		}
		unlock := o.groups.Lock(prev.GroupKey)
		cur, had, err := o.find(ctx, id)
		switch {
		case err != nil:
			unlock()
			return Notification{}, false, func() {}, err
		case had && cur.GroupKey == prev.GroupKey:
			return cur, true, unlock, nil
		}
		// Moved or withdrawn while we waited.
		unlock()
	}
}

// CancelGrouped removes id from groupKey and reconciles the group. It is
// safe to call when id is not active.
func (o *Orchestrator) CancelGrouped(ctx context.Context, id int64, groupKey string) error {
	if groupKey == "" {
		return o.Cancel(ctx, id)
	}
	unlock := o.groups.Lock(groupKey)
	err := o.reconcile(ctx, groupKey, nil, id)
	unlock()
	if err != nil {
		return err
	}
	// id may still be shown outside groupKey.
	return o.Cancel(ctx, id)
}

// Reconcile re-applies the group rules to groupKey as it stands.
func (o *Orchestrator) Reconcile(ctx context.Context, groupKey string) error {
	if groupKey == "" {
		return ErrNoGroup
	}
	unlock := o.groups.Lock(groupKey)
	defer unlock()
	return o.reconcile(ctx, groupKey, nil, 0)
}

// reconcile must run under the group lock. add is posted as a member,
// remove (when non-zero) is cancelled.
func (o *Orchestrator) reconcile(ctx context.Context, key string, add *Notification, remove int64) error {
	active, err := o.tray.Active(ctx)
	if err != nil {
		return fmt.Errorf("notify: list active: %w", err)
	}
	current := make(map[int64]Notification, len(active))
	var members []Notification
	for _, n := range active {
		current[n.ID] = n
		if n.GroupKey != key || n.IsSummary || n.ID == remove {
			continue
		}
		if add != nil && n.ID == add.ID {
			continue
		}
		members = append(members, n)
	}
	if add != nil {
		m := *add
		if _, ok := current[m.ID]; ok {
			m.Silent = true
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	if remove != 0 {
		if n, ok := current[remove]; ok && n.GroupKey == key {
			if err := o.cancel(ctx, n); err != nil {
				return err
			}
		}
	}

	sid := SummaryID(key)
	summary, hasSummary := current[sid]

	switch len(members) {
	case 0:
		if hasSummary {
			return o.cancel(ctx, summary)
		}
		return nil
	case 1:
		if hasSummary {
			if err := o.cancel(ctx, summary); err != nil {
				return err
			}
		}
		return o.put(ctx, current, affiliate(members[0], true, add))
	}

	when := int64(0)
	for _, m := range members {
		if err := o.put(ctx, current, affiliate(m, false, add)); err != nil {
			return err
		}
		when = max(when, m.When)
	}
	content, err := o.render.Render(render.KindSummary, render.View{Count: len(members), GroupKey: key})
	if err != nil {
		return fmt.Errorf("notify: render summary %q: %w", key, err)
	}
	return o.put(ctx, current, Notification{
		ID:                sid,
		Kind:              render.KindSummary,
		GroupKey:          key,
		IsSummary:         true,
		Priority:          PriorityLow,
		Silent:            true,
		AlertChildrenOnly: true,
		When:              when,
		MemberCount:       len(members),
		Content:           content,
	})
}

// affiliate sets m's standalone flag. Existing members whose flag changes
// are re-posted silently.
func affiliate(m Notification, standalone bool, add *Notification) Notification {
	if m.Standalone != standalone && (add == nil || add.ID != m.ID) {
		m.Silent = true
	}
	m.Standalone = standalone
	return m
}

func (o *Orchestrator) put(ctx context.Context, current map[int64]Notification, n Notification) error {
	if cur, ok := current[n.ID]; ok && same(cur, n) {
		return nil
	}
	return o.notify(ctx, n)
}

func (o *Orchestrator) notify(ctx context.Context, n Notification) error {
	if err := o.tray.Notify(ctx, n); err != nil {
		return fmt.Errorf("notify: post %d: %w", n.ID, err)
	}
	metrics.RecordNotification("post", string(n.Kind))
	o.publish(eventbus.TypeNotificationPosted, Event{ID: n.ID, Kind: n.Kind, GroupKey: n.GroupKey})
	o.log.Debug("notification posted",
		logx.Int64("id", n.ID),
		logx.String("kind", string(n.Kind)),
		logx.String("group", n.GroupKey),
		logx.Bool("standalone", n.Standalone),
		logx.Bool("silent", n.Silent),
	)
	return nil
}

func (o *Orchestrator) cancel(ctx context.Context, n Notification) error {
	if err := o.tray.Cancel(ctx, n.ID); err != nil {
		return fmt.Errorf("notify: cancel %d: %w", n.ID, err)
	}
	metrics.RecordNotification("cancel", string(n.Kind))
	o.publish(eventbus.TypeNotificationCancelled, Event{ID: n.ID, Kind: n.Kind, GroupKey: n.GroupKey})
	return nil
}

func (o *Orchestrator) granted(id int64, n Notification) bool {
	if o.perm == nil || o.perm.NotificationsGranted() {
		return true
	}
	metrics.RecordNotification("suppress", string(n.Kind))
	o.publish(eventbus.TypeNotificationSuppressed, Event{ID: id, Kind: n.Kind, Reason: "permission"})
	o.log.Debug("notification suppressed: permission denied", logx.Int64("id", id))
	return false
}

func (o *Orchestrator) prepare(id int64, n Notification) (Notification, error) {
	n.ID = id
	n.IsSummary = false
	if n.EntityID == 0 {
		n.EntityID = id
	}
	if n.Content.Title == "" && o.render != nil {
		c, err := o.render.Render(n.Kind, n.View)
		if err != nil {
			return n, fmt.Errorf("notify: render %d: %w", id, err)
		}
		n.Content = c
	}
	n.View = render.View{}
	return clone(n), nil
}

func (o *Orchestrator) find(ctx context.Context, id int64) (Notification, bool, error) {
	active, err := o.tray.Active(ctx)
	if err != nil {
		return Notification{}, false, fmt.Errorf("notify: list active: %w", err)
	}
	for _, n := range active {
		if n.ID == id {
			return n, true, nil
		}
	}
	return Notification{}, false, nil
}

func (o *Orchestrator) publish(typ string, ev Event) {
	if o.bus == nil {
		return
	}
	ev.At = time.Now()
	o.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// same compares the visible state; alerting flags are ignored.
func same(a, b Notification) bool {
	a.Silent, b.Silent = false, false
	a.View, b.View = render.View{}, render.View{}
	return reflect.DeepEqual(a, b)
}
