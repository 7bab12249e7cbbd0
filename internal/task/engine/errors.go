package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled  = errors.New("engine: disabled")
	ErrStopped   = errors.New("engine: stopped")
	ErrStopping  = errors.New("engine: stopping")
	ErrQueueFull = errors.New("engine: queue full")
)

// retryHint wraps a task error with advice for the retry loop: either give
// up now, or wait at least after before the next attempt.
type retryHint struct {
	err       error
	permanent bool
	after     time.Duration
}

func (h *retryHint) Error() string {
	if h.permanent {
		return "permanent: " + h.err.Error()
	}
	return fmt.Sprintf("retry after %s: %v", h.after, h.err)
}

func (h *retryHint) Unwrap() error { return h.err }

// NoRetry marks err as permanent; the engine finishes the task with the
// unwrapped error after this attempt.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, permanent: true}
}

// IsNoRetry reports whether err carries a NoRetry mark.
func IsNoRetry(err error) bool {
	_, ok := permanentCause(err)
	return ok
}

// RetryAfter asks for the next attempt no sooner than after. The delay is
// still capped at RetryMaxDelay and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, after: max(after, 0)}
}

func permanentCause(err error) (error, bool) {
	for err != nil {
		var h *retryHint
		if !errors.As(err, &h) {
			return nil, false
		}
		if h.permanent {
			return h.err, true
		}
		err = h.err
	}
	return nil, false
}

func retryDelayHint(err error) (time.Duration, bool) {
	var h *retryHint
	if errors.As(err, &h) && !h.permanent {
		return h.after, true
	}
	return 0, false
}
