package app

import (
	"context"
	"time"

	"alarmd/internal/reconcile"
	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/task/engine"
	"alarmd/internal/task/scheduler"
)

// Diagnostics is the runtime snapshot served at /v1/diagnostics.
type Diagnostics struct {
	Now           time.Time                 `json:"now"`
	Entities      int                       `json:"entities"`
	Notifications int                       `json:"notifications"`
	Reconcile     reconcile.Report          `json:"reconcile"`
	Scheduler     scheduler.Snapshot        `json:"scheduler"`
	Engine        engine.Snapshot           `json:"engine"`
	Supervisors   map[string]rtsup.Snapshot `json:"supervisors"`
	EventsDropped uint64                    `json:"events_dropped"`
	Errors        []string                  `json:"errors,omitempty"`
}

func (a *App) Diagnostics(ctx context.Context) any {
	d := Diagnostics{
		Now:         a.clk.Now(),
		Scheduler:   a.sched.Snapshot(),
		Engine:      a.engine.Snapshot(),
		Supervisors: map[string]rtsup.Snapshot{},
	}
	if a.bus != nil {
		d.EventsDropped = a.bus.Dropped()
	}
	a.repMu.Lock()
	d.Reconcile = a.report
	a.repMu.Unlock()

	if list, err := a.machine.List(ctx); err != nil {
		d.Errors = append(d.Errors, "entities: "+err.Error())
	} else {
		d.Entities = len(list)
	}
	if active, err := a.orch.Active(ctx); err != nil {
		d.Errors = append(d.Errors, "notifications: "+err.Error())
	} else {
		d.Notifications = len(active)
	}

	if a.sup != nil {
		d.Supervisors["app"] = a.sup.Snapshot()
	}
	if sup := a.engine.Supervisor(); sup != nil {
		d.Supervisors["task.engine"] = sup.Snapshot()
	}
	return d
}
