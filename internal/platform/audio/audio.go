// Package audio plays the ringtone and drives haptics through external
// commands. Failures are returned to the caller, which treats them as
// non-fatal.
package audio

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"

	logx "alarmd/pkg/logx"
)

type Player interface {
	Play(ctx context.Context, uri string) error
	Stop() error
	Vibrate(ctx context.Context) error
}

// Nop does nothing.
type Nop struct{}

func (Nop) Play(context.Context, string) error { return nil }
func (Nop) Stop() error                        { return nil }
func (Nop) Vibrate(context.Context) error      { return nil }

var ErrNoCommand = errors.New("audio command not configured")

// Exec runs Command with "{uri}" substituted to play, and kills it on Stop.
// Only one playback runs at a time; Play replaces the current one.
type Exec struct {
	log logx.Logger

	mu      sync.Mutex
	command []string
	vibrate []string
	cur     *exec.Cmd
	done    chan struct{}
}

func NewExec(command, vibrate []string, log logx.Logger) *Exec {
	p := &Exec{log: log}
	p.Apply(command, vibrate)
	return p
}

func (p *Exec) Apply(command, vibrate []string) {
	p.mu.Lock()
	p.command = append([]string(nil), command...)
	p.vibrate = append([]string(nil), vibrate...)
	p.mu.Unlock()
}

func (p *Exec) Play(ctx context.Context, uri string) error {
	_ = p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	argv := expand(p.command, uri)
	if len(argv) == 0 {
		return ErrNoCommand
	}
	// Playback outlives the request ctx; Stop ends it.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan struct{})
	p.cur, p.done = cmd, done
	go func() {
		err := cmd.Wait()
		close(done)
		if err != nil {
			p.log.Debug("player exited", logx.Err(err))
		}
	}()
	p.log.Debug("playback started", logx.String("uri", uri), logx.Int("pid", cmd.Process.Pid))
	return nil
}

func (p *Exec) Stop() error {
	p.mu.Lock()
	cmd, done := p.cur, p.done
	p.cur, p.done = nil, nil
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}
	if err := cmd.Process.Kill(); err != nil {
		return err
	}
	<-done
	return nil
}

func (p *Exec) Vibrate(ctx context.Context) error {
	p.mu.Lock()
	argv := expand(p.vibrate, "")
	p.mu.Unlock()
	if len(argv) == 0 {
		return nil
	}
	return exec.CommandContext(ctx, argv[0], argv[1:]...).Run()
}

func expand(tmpl []string, uri string) []string {
	out := make([]string, 0, len(tmpl))
	for _, a := range tmpl {
		out = append(out, strings.ReplaceAll(a, "{uri}", uri))
	}
	return out
}
