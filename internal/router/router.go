// Package router turns delivered wakes and user commands into lifecycle
// actions and picks the execution context for each: TRIGGER runs inline
// under the foreground context, DISMISS goes through durable work, and
// everything else runs on the task engine in per-entity order.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"alarmd/internal/durable"
	"alarmd/internal/entity"
	"alarmd/internal/errreport"
	"alarmd/internal/lifecycle"
	"alarmd/internal/metrics"
	"alarmd/internal/platform/foreground"
	"alarmd/internal/task/engine"
	logx "alarmd/pkg/logx"
)

// WorkAction is the durable work kind carrying a deferred lifecycle action.
const WorkAction = "lifecycle.action"

const taskTimeout = 30 * time.Second

// Machine is the lifecycle surface the router drives.
type Machine interface {
	Apply(ctx context.Context, id int64, action entity.Action, payload map[string]string) (lifecycle.Result, error)
	Get(ctx context.Context, id int64) (entity.Entity, error)
}

// Executor runs ordered background tasks; *engine.Service satisfies it.
type Executor interface {
	Submit(ctx context.Context, t engine.Task) error
}

var (
	ErrNotCommand = errors.New("router: action is not a user command")
	ErrPanic      = errors.New("router: action panicked")
)

type Deps struct {
	Machine    Machine
	Executor   Executor
	Durable    durable.Queue
	Foreground foreground.Holder
	Reporter   errreport.Reporter
	Log        logx.Logger
}

type Router struct {
	log      logx.Logger
	machine  Machine
	exec     Executor
	queue    durable.Queue
	fg       foreground.Holder
	reporter errreport.Reporter
}

// New builds a Router and registers its durable handler on d.Durable.
func New(d Deps) *Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Foreground == nil {
		d.Foreground = &foreground.Noop{}
	}
	if d.Reporter == nil {
		d.Reporter = errreport.Nop{}
	}
	r := &Router{
		log:      d.Log,
		machine:  d.Machine,
		exec:     d.Executor,
		queue:    d.Durable,
		fg:       d.Foreground,
		reporter: d.Reporter,
	}
	if r.queue != nil {
		r.queue.Handle(WorkAction, r.runWork)
	}
	return r
}

// OnTriggerDelivered handles a wake from the trigger scheduler. Unknown
// action names are logged, counted and dropped.
func (r *Router) OnTriggerDelivered(ctx context.Context, id int64, action string, extras map[string]string) error {
	a, ok := entity.ParseAction(action)
	if !ok {
		metrics.RecordIgnored(strings.ToUpper(strings.TrimSpace(action)), "unknown_action")
		r.log.Warn("unknown action dropped", logx.Int64("id", id), logx.String("action", action))
		return nil
	}
	return r.dispatch(ctx, id, a, extras)
}

func (r *Router) Pause(ctx context.Context, id int64) error {
	return r.Command(ctx, id, entity.ActionPause)
}

func (r *Router) Resume(ctx context.Context, id int64) error {
	return r.Command(ctx, id, entity.ActionResume)
}

func (r *Router) Snooze(ctx context.Context, id int64) error {
	return r.Command(ctx, id, entity.ActionSnooze)
}

func (r *Router) Dismiss(ctx context.Context, id int64) error {
	return r.Command(ctx, id, entity.ActionDismiss)
}

func (r *Router) Stop(ctx context.Context, id int64) error {
	return r.Command(ctx, id, entity.ActionStop)
}

func (r *Router) Retrigger(ctx context.Context, id int64) error {
	return r.Command(ctx, id, entity.ActionRetrigger)
}

// Command routes a user command. The entity must exist; the transition
// itself runs asynchronously.
func (r *Router) Command(ctx context.Context, id int64, action entity.Action) error {
	if !IsCommand(action) {
		return fmt.Errorf("%w: %s", ErrNotCommand, action)
	}
	if _, err := r.machine.Get(ctx, id); err != nil {
		return err
	}
	return r.dispatch(ctx, id, action, nil)
}

// IsCommand reports whether a user may issue action directly.
func IsCommand(a entity.Action) bool {
	switch a {
	case entity.ActionPause, entity.ActionResume, entity.ActionSnooze,
		entity.ActionDismiss, entity.ActionStop, entity.ActionRetrigger:
		return true
	}
	return false
}

func (r *Router) dispatch(ctx context.Context, id int64, a entity.Action, payload map[string]string) error {
	switch a {
	case entity.ActionTrigger:
		return r.trigger(ctx, id, payload)
	case entity.ActionDismiss:
		if r.queue != nil {
			return r.enqueueWork(ctx, id, a)
		}
	}
	return r.submit(ctx, id, a, payload)
}

// trigger holds the foreground context from before the first blocking call
// until the ringing notification has been posted.
func (r *Router) trigger(ctx context.Context, id int64, payload map[string]string) error {
	release, err := r.fg.Acquire(ctx, "alarm "+strconv.FormatInt(id, 10)+" ringing")
	if err != nil {
		r.log.Warn("foreground context unavailable", logx.Int64("id", id), logx.Err(err))
		release = func() {}
	}
	defer release()
	return r.apply(ctx, id, entity.ActionTrigger, payload)
}

func (r *Router) submit(ctx context.Context, id int64, a entity.Action, payload map[string]string) error {
	if r.exec == nil {
		return r.apply(ctx, id, a, payload)
	}
	err := r.exec.Submit(ctx, engine.Task{
		Name:           "lifecycle." + strings.ToLower(string(a)),
		ConcurrencyKey: laneKey(id),
		Timeout:        taskTimeout,
		Opt:            engine.TaskOptions{Ordered: true},
		Run: func(ctx context.Context) error {
			return r.apply(ctx, id, a, payload)
		},
	})
	if errors.Is(err, engine.ErrDisabled) {
		return r.apply(ctx, id, a, payload)
	}
	return err
}

// enqueueWork records the action as durable work; the transition runs when the
// work executes, possibly after a restart.
func (r *Router) enqueueWork(ctx context.Context, id int64, a entity.Action) error {
	wid, err := r.queue.Enqueue(ctx, durable.Work{
		Kind: WorkAction,
		Key:  laneKey(id),
		Input: map[string]string{
			"id":     strconv.FormatInt(id, 10),
			"action": string(a),
		},
	})
	if err != nil {
		r.reporter.Report(ctx, "router", err, logx.Int64("id", id), logx.String("action", string(a)))
		return err
	}
	r.log.Debug("action deferred", logx.Int64("id", id), logx.String("action", string(a)), logx.String("work", wid))
	return nil
}

func (r *Router) runWork(ctx context.Context, input map[string]string) error {
	id, err := strconv.ParseInt(input["id"], 10, 64)
	if err != nil {
		return durable.Permanent(fmt.Errorf("router: bad work id %q", input["id"]))
	}
	a, ok := entity.ParseAction(input["action"])
	if !ok {
		return durable.Permanent(fmt.Errorf("router: bad work action %q", input["action"]))
	}
	return r.apply(ctx, id, a, nil)
}

// apply is the error boundary. Panics become errors; every failure is
// logged and returned so the caller's retry can re-attempt. Missing
// entities are never retried.
func (r *Router) apply(ctx context.Context, id int64, a entity.Action, payload map[string]string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %d %s: %v", ErrPanic, id, a, rec)
			r.log.Error("action panic", logx.Int64("id", id), logx.String("action", string(a)), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			r.reporter.Report(ctx, "router", err, logx.Int64("id", id))
		}
	}()

	res, err := r.machine.Apply(ctx, id, a, payload)
	switch {
	case err == nil:
		if !res.Applied {
			r.log.Debug("action no-op", logx.Int64("id", id), logx.String("action", string(a)), logx.String("reason", res.Reason))
		}
		return nil
	case errors.Is(err, lifecycle.ErrNotFound):
		r.log.Info("action for unknown entity dropped", logx.Int64("id", id), logx.String("action", string(a)))
		return engine.NoRetry(err)
	case errors.Is(err, lifecycle.ErrPersist), errors.Is(err, lifecycle.ErrCompute):
		// already reported by the machine
		return err
	default:
		r.reporter.Report(ctx, "router", err, logx.Int64("id", id), logx.String("action", string(a)))
		return err
	}
}

func laneKey(id int64) string { return "entity:" + strconv.FormatInt(id, 10) }
