package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

func newRNG(idx int) *rand.Rand {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	return rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	rng := newRNG(idx)
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt, ok := <-queue:
			if !ok {
				return
			}
			if qt.ordered && !s.lanes.arrive(qt) {
				// Parked until its predecessors in the lane are done.
				continue
			}
			s.runLane(ctx, stopCh, qt, rng)
		}
	}
}

// runLane executes qt and, for ordered tasks, keeps draining the lane while
// successors are ready.
func (s *Service) runLane(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	for {
		s.execOne(ctx, stopCh, qt, rng)
		if !qt.ordered {
			return
		}
		next, ok := s.lanes.finish(qt.key, qt.seq)
		if !ok {
			return
		}
		qt = next
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	t := qt.task

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.dropStale(start, t, queueDelay)
		qt.done(errors.New("dropped: stale queue delay"))
		return
	}

	if ctx.Err() != nil {
		qt.done(ErrStopped)
		return
	}

	r := recordOf(t, start)
	r.QueueDelay = queueDelay
	s.log.Debug("task.started", logx.String("task", t.Name), logx.String("key", t.ConcurrencyKey), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TypeTaskStarted, r)

	s.inFlight.Add(1)
	attempts, err := s.attempt(ctx, stopCh, qt, rng)
	s.inFlight.Add(-1)

	r.Duration, r.Attempts = time.Since(start), attempts
	if err != nil {
		r.Error = err.Error()
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.String("key", t.ConcurrencyKey), logx.Err(err), logx.Duration("dur", r.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TypeTaskFailed, r)
	} else {
		s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("dur", r.Duration), logx.Int("attempts", attempts))
		s.publish(eventbus.TypeTaskFinished, r)
	}
	s.record(r)
	qt.done(err)
}

// attempt runs the task with retries. It returns the number of attempts
// made and the final error with any NoRetry wrapper removed.
func (s *Service) attempt(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (int, error) {
	maxAttempts := 1 + max(qt.opt.RetryMax, 0)
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			return attempt, nil
		}
		if cause, ok := permanentCause(err); ok {
			return attempt, cause
		}
		if attempt >= maxAttempts {
			return attempt, err
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempt, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempt, ErrStopping
		case <-tmr.C:
		}
	}
	return maxAttempts, err
}

// runOnce converts a task panic to an error so one bad task cannot kill a
// worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	if after, ok := retryDelayHint(err); ok {
		return jitter(min(after, opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
		d *= 2
	}
	return jitter(min(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
