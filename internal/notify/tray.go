package notify

import (
	"context"
	"sort"
	"sync"

	logx "alarmd/pkg/logx"
)

// MemoryTray keeps the active notifications in memory. It counts posts per
// id so callers can tell an update from a no-op.
type MemoryTray struct {
	mu     sync.Mutex
	active map[int64]Notification
	posts  map[int64]int
}

func NewMemoryTray() *MemoryTray {
	return &MemoryTray{active: map[int64]Notification{}, posts: map[int64]int{}}
}

func (t *MemoryTray) Notify(_ context.Context, n Notification) error {
	t.mu.Lock()
	t.active[n.ID] = clone(n)
	t.posts[n.ID]++
	t.mu.Unlock()
	return nil
}

func (t *MemoryTray) Cancel(_ context.Context, id int64) error {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTray) Active(context.Context) ([]Notification, error) {
	t.mu.Lock()
	out := make([]Notification, 0, len(t.active))
	for _, n := range t.active {
		out = append(out, clone(n))
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Posts reports how many times id was posted, updates included.
func (t *MemoryTray) Posts(id int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.posts[id]
}

// MultiTray forwards every change to a primary tray and then to mirrors.
// Only the primary answers Active; mirror failures are logged.
type MultiTray struct {
	primary Tray
	mirrors []Sink
	log     logx.Logger
}

func NewMultiTray(primary Tray, log logx.Logger, mirrors ...Sink) *MultiTray {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MultiTray{primary: primary, mirrors: mirrors, log: log}
}

func (m *MultiTray) Notify(ctx context.Context, n Notification) error {
	if err := m.primary.Notify(ctx, n); err != nil {
		return err
	}
	for _, s := range m.mirrors {
		if err := s.Notify(ctx, n); err != nil {
			m.log.Warn("mirror notify failed", logx.Int64("id", n.ID), logx.Err(err))
		}
	}
	return nil
}

func (m *MultiTray) Cancel(ctx context.Context, id int64) error {
	if err := m.primary.Cancel(ctx, id); err != nil {
		return err
	}
	for _, s := range m.mirrors {
		if err := s.Cancel(ctx, id); err != nil {
			m.log.Warn("mirror cancel failed", logx.Int64("id", id), logx.Err(err))
		}
	}
	return nil
}

func (m *MultiTray) Active(ctx context.Context) ([]Notification, error) {
	return m.primary.Active(ctx)
}

func clone(n Notification) Notification {
	if n.Content.Buttons != nil {
		n.Content.Buttons = append(n.Content.Buttons[:0:0], n.Content.Buttons...)
	}
	return n
}
