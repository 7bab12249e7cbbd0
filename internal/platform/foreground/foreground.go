// Package foreground provides the privileged execution context held while an
// alarm starts ringing: a logind sleep inhibitor, so the host does not
// suspend between the wake and the ringing notification.
package foreground

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coreos/go-systemd/v22/login1"

	logx "alarmd/pkg/logx"
)

// Holder acquires the foreground context. The returned release func is safe
// to call more than once.
type Holder interface {
	Acquire(ctx context.Context, why string) (release func(), err error)
}

// Noop grants the context without doing anything. It counts acquisitions so
// tests can assert the ordering around it.
type Noop struct {
	held     atomic.Int32
	acquired atomic.Int64
}

func (n *Noop) Acquire(context.Context, string) (func(), error) {
	n.held.Add(1)
	n.acquired.Add(1)
	var once sync.Once
	return func() { once.Do(func() { n.held.Add(-1) }) }, nil
}

// Held reports how many contexts are currently held.
func (n *Noop) Held() int { return int(n.held.Load()) }

// Acquired reports how many contexts were ever acquired.
func (n *Noop) Acquired() int64 { return n.acquired.Load() }

// Login1 takes a "sleep" block inhibitor lock from systemd-logind.
type Login1 struct {
	conn *login1.Conn
	who  string
	log  logx.Logger
}

// NewLogin1 connects to logind over the system bus.
func NewLogin1(who string, log logx.Logger) (*Login1, error) {
	conn, err := login1.New()
	if err != nil {
		return nil, fmt.Errorf("connect logind: %w", err)
	}
	return &Login1{conn: conn, who: who, log: log}, nil
}

func (l *Login1) Acquire(_ context.Context, why string) (func(), error) {
	f, err := l.conn.Inhibit("sleep", l.who, why, "block")
	if err != nil {
		return func() {}, fmt.Errorf("inhibit sleep: %w", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := f.Close(); err != nil {
				l.log.Debug("inhibitor release failed", logx.Err(err))
			}
		})
	}, nil
}

func (l *Login1) Close() { l.conn.Close() }

// New returns a logind holder when enabled and reachable, otherwise Noop.
func New(enabled bool, who string, log logx.Logger) Holder {
	if !enabled {
		return &Noop{}
	}
	h, err := NewLogin1(who, log)
	if err != nil {
		log.Warn("logind unavailable; foreground context is a no-op", logx.Err(err))
		return &Noop{}
	}
	return h
}
