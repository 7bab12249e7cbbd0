package scheduler

import (
	"errors"
	"time"

	"alarmd/internal/task/engine"
	logx "alarmd/pkg/logx"
)

const deliverWarnThrottle = 5 * time.Second

func (s *Service) reportDeliverError(key string, err error) {
	if err == nil {
		return
	}
	// The engine rejecting work while shutting down is expected.
	if errors.Is(err, engine.ErrStopping) || errors.Is(err, engine.ErrStopped) {
		s.log.Debug("wake delivery skipped", logx.String("wake", key), logx.Err(err))
		return
	}

	now := time.Now()
	s.repMu.Lock()
	last := s.lastRepWarn[key]
	if !last.IsZero() && now.Sub(last) < deliverWarnThrottle {
		s.repMu.Unlock()
		return
	}
	s.lastRepWarn[key] = now
	// keep the map bounded; wake keys are per entity so old ones go stale
	for k, at := range s.lastRepWarn {
		if now.Sub(at) > deliverWarnThrottle {
			delete(s.lastRepWarn, k)
		}
	}
	s.repMu.Unlock()

	s.log.Warn("wake delivery failed", logx.String("wake", key), logx.Err(err))
}
