// Package permission answers the two capability questions the engine asks:
// may it post notifications, and may it schedule exact-time wakes.
package permission

import "sync/atomic"

type Provider interface {
	NotificationsGranted() bool
	ExactSchedulingGranted() bool
}

// Static is a provider backed by config. Apply flips grants at runtime.
type Static struct {
	notifications atomic.Bool
	exact         atomic.Bool
}

func NewStatic(notifications, exact bool) *Static {
	s := &Static{}
	s.Apply(notifications, exact)
	return s
}

func (s *Static) Apply(notifications, exact bool) {
	s.notifications.Store(notifications)
	s.exact.Store(exact)
}

func (s *Static) NotificationsGranted() bool   { return s.notifications.Load() }
func (s *Static) ExactSchedulingGranted() bool { return s.exact.Load() }
