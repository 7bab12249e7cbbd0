// Package scheduler is the trigger scheduler: it arranges for an action to be
// delivered for an entity at (or as close as allowed to) a wall-clock time.
//
// Wakes are keyed by "<entity id>:<action>"; scheduling the same key again
// replaces the previous wake. Runtime timers use the monotonic clock, which
// stops while the host is suspended, so a cron-driven sweep re-checks pending
// wakes against the wall clock and delivers anything overdue.
//
// Wakes are not persisted. After a restart the reconcile path re-arms them
// from entity state.
package scheduler
