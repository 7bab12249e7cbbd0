package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"alarmd/internal/clock"
	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

func New(cfg Config, deliver Deliverer, perm ExactPermission, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		clk:     clk,
		perm:    perm,
		deliver: deliver,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		pending:     map[string]*Wake{},
		timers:      map[string]clock.Timer{},
		lastRepWarn: map[string]time.Time{},
	}
}

// SetDeliverer replaces the delivery sink. The app wires the router after
// both are constructed.
func (s *Service) SetDeliverer(d Deliverer) {
	s.mu.Lock()
	s.deliver = d
	s.mu.Unlock()
}

// Apply swaps the config. A sweep interval change re-registers the sweep.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg
	if s.c != nil && prev.SweepInterval != cfg.SweepInterval {
		s.registerSweepLocked()
	}
}

// Start starts the sweep and re-arms timers for pending wakes.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser))
	s.registerSweepLocked()
	s.c.Start()

	n := s.rearmTimers()
	s.log.Info("service started", logx.Duration("sweep", s.cfg.SweepInterval), logx.Int("pending", n))
}

// Stop stops the sweep and the runtime timers. Pending wakes are kept so a
// later Start re-arms them.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.sweepID = 0
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if cancel != nil {
		cancel()
	}

	s.disarmTimers()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// registerSweepLocked (re)adds the @every sweep entry. Call with s.mu held.
func (s *Service) registerSweepLocked() {
	if s.sweepID != 0 {
		s.c.Remove(s.sweepID)
		s.sweepID = 0
	}
	if s.cfg.SweepInterval <= 0 {
		return
	}
	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	id, err := s.c.AddFunc(spec, func() { s.Sweep() })
	if err != nil {
		s.log.Error("sweep register failed", logx.String("spec", spec), logx.Err(err))
		return
	}
	s.sweepID = id
}

func (s *Service) runCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Service) publish(typ string, w Wake) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.clk.Now(), Data: w})
	}
}
