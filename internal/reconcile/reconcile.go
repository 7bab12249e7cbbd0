// Package reconcile re-derives what every persisted entity should be doing
// after a restart or a long suspend: overdue deadlines are delivered now,
// future ones are re-armed, and pending durable work is replayed.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"alarmd/internal/entity"
	"alarmd/internal/task/scheduler"
	logx "alarmd/pkg/logx"
)

// Machine is the lifecycle surface reconciliation needs.
type Machine interface {
	Load(ctx context.Context) ([]entity.Entity, error)
	Rearm(ctx context.Context, id int64) (entity.Entity, error)
	Now() time.Time
}

// Deliverer receives overdue actions; the action router in alarmd.
type Deliverer func(ctx context.Context, id int64, action string, payload map[string]string) error

// Replayer resubmits durable work left from a previous run.
type Replayer interface {
	Replay(ctx context.Context) (int, error)
}

// Report counts what Run did per outcome.
type Report struct {
	Entities     int `json:"entities"`
	Triggered    int `json:"triggered"`
	TimedOut     int `json:"timed_out"`
	Rearmed      int `json:"rearmed"`
	Terminal     int `json:"terminal"`
	Failed       int `json:"failed"`
	WorkReplayed int `json:"work_replayed"`
}

type Resumer struct {
	log     logx.Logger
	machine Machine
	deliver Deliverer
	work    Replayer
}

func New(m Machine, deliver Deliverer, work Replayer, log logx.Logger) *Resumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resumer{log: log, machine: m, deliver: deliver, work: work}
}

// Run must complete before the trigger scheduler starts delivering. A
// failure for one entity is counted and logged; Run continues with the rest
// and returns the joined errors.
func (r *Resumer) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	var rep Report

	all, err := r.machine.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	rep.Entities = len(all)
	now := r.machine.Now().UnixMilli()

	var errs []error
	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := r.resume(ctx, e, now, &rep); err != nil {
			rep.Failed++
			errs = append(errs, fmt.Errorf("entity %d: %w", e.ID, err))
			r.log.Warn("resume failed", logx.Int64("id", e.ID), logx.String("stage", string(e.Stage)), logx.Err(err))
		}
	}

	if r.work != nil {
		n, err := r.work.Replay(ctx)
		rep.WorkReplayed = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	r.log.Info("reconciled",
		logx.Int("entities", rep.Entities),
		logx.Int("triggered", rep.Triggered),
		logx.Int("timed_out", rep.TimedOut),
		logx.Int("rearmed", rep.Rearmed),
		logx.Int("terminal", rep.Terminal),
		logx.Int("failed", rep.Failed),
		logx.Int("work_replayed", rep.WorkReplayed),
		logx.Duration("took", time.Since(start)),
	)
	return rep, errors.Join(errs...)
}

func (r *Resumer) resume(ctx context.Context, e entity.Entity, now int64, rep *Report) error {
	deadline := e.Deadline()
	switch e.Stage {
	case entity.StageStopped, entity.StageExpired:
		rep.Terminal++
		return nil
	case entity.StageRinging:
		// A ring whose window closed while we were down is missed; it
		// never rings again.
		if deadline > 0 && deadline <= now {
			rep.TimedOut++
			return r.fire(ctx, e.ID, entity.ActionTimeout, deadline)
		}
	case entity.StageUpcoming, entity.StageSnoozed:
		if deadline > 0 && deadline <= now {
			rep.Triggered++
			return r.fire(ctx, e.ID, entity.ActionTrigger, deadline)
		}
	case entity.StageMissed:
		if e.Recurring() && deadline > 0 && deadline <= now {
			rep.Triggered++
			return r.fire(ctx, e.ID, entity.ActionTrigger, deadline)
		}
	}
	if _, err := r.machine.Rearm(ctx, e.ID); err != nil {
		return err
	}
	rep.Rearmed++
	return nil
}

func (r *Resumer) fire(ctx context.Context, id int64, a entity.Action, deadline int64) error {
	return r.deliver(ctx, id, string(a), map[string]string{
		scheduler.PayloadScheduledFor: strconv.FormatInt(deadline, 10),
	})
}
