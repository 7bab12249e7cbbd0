package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"
)

const (
	defaultAddr     = "127.0.0.1:8080"
	shutdownGrace   = 2 * time.Second
	restartMinDelay = 500 * time.Millisecond
	restartMaxDelay = 10 * time.Second
)

var errInsecureBind = errors.New("httpapi: insecure bind")

// Config of the control API listener. A non-loopback Addr needs a Token
// unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Profiler      bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Service keeps the API listening: the serve loop runs under a supervisor
// that restarts it with backoff after listen or serve failures.
type Service struct {
	api *API
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	cur *serving
}

// serving is one Start..Stop cycle.
type serving struct {
	sup     *rtsup.Supervisor
	stopped chan struct{} // non-nil once Stop began; closed when it is done

	srv *http.Server
	ln  net.Listener
}

func NewService(cfg Config, api *API, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, api: api, log: log.With(logx.String("comp", "httpapi"))}
}

// Addr is the bound address, or "" while not listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.ln == nil {
		return ""
	}
	return s.cur.ln.Addr().String()
}

// Reconfigure applies cfg on config reload, starting, stopping or
// restarting the listener when needed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.cur != nil
	s.mu.Unlock()

	if running && (!cfg.Enabled || needsRestart(prev, cfg)) {
		s.Stop(ctx)
	}
	s.Start(ctx)
}

// needsRestart: every listener-level field is baked into the http.Server
// or the router.
func needsRestart(a, b Config) bool {
	return a != b
}

// Start is idempotent and waits out a Stop in progress.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		cur := s.cur
		if cur != nil && cur.stopped != nil {
			s.mu.Unlock()
			select {
			case <-cur.stopped:
				continue
			case <-ctx.Done():
				return
			}
		}
		if cur != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		run := &serving{sup: rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))}
		s.cur = run
		s.mu.Unlock()

		run.sup.GoRestart("http.serve", func(c context.Context) error { return s.serve(c, run) },
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(restartMinDelay, restartMaxDelay),
		)
		return
	}
}

// Stop shuts the server down gracefully within ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	run := s.cur
	if run == nil {
		s.mu.Unlock()
		return
	}
	if run.stopped != nil {
		s.mu.Unlock()
		select {
		case <-run.stopped:
		case <-ctx.Done():
		}
		return
	}
	run.stopped = make(chan struct{})
	srv := run.srv
	s.mu.Unlock()

	go func() {
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		run.sup.Cancel()
		_ = run.sup.Wait(context.Background())
		s.mu.Lock()
		if s.cur == run {
			s.cur = nil
		}
		s.mu.Unlock()
		close(run.stopped)
		s.log.Info("http api stopped")
	}()

	select {
	case <-run.stopped:
	case <-ctx.Done():
		run.sup.Cancel()
	}
}

// bindAddr resolves the listen address and enforces the token rule.
func bindAddr(cfg Config) (addr string, insecure bool, err error) {
	addr = strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Token != "" || isLoopbackAddr(addr) {
		return addr, false, nil
	}
	if !cfg.AllowInsecure {
		return addr, false, errInsecureBind
	}
	return addr, true, nil
}

func (s *Service) serve(ctx context.Context, run *serving) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return context.Canceled
	}

	addr, insecure, err := bindAddr(cfg)
	if err != nil {
		s.log.Error("http api refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
		return err
	}
	if insecure {
		s.log.Warn("http api serving without token on a non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		s.log.Error("http api listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.api.Router(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	run.srv, run.ln = srv, ln
	s.mu.Unlock()
	stopWatch := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stopWatch()

	s.log.Info("http api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("profiler", cfg.Profiler),
	)
	err = srv.Serve(ln)
	_ = srv.Close()

	s.mu.Lock()
	if run.srv == srv {
		run.srv, run.ln = nil, nil
	}
	stopping := run.stopped != nil
	s.mu.Unlock()

	switch {
	case stopping || ctx.Err() != nil:
		return context.Canceled
	case err == nil || errors.Is(err, http.ErrServerClosed):
		return errors.New("httpapi: server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
