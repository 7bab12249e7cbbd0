package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "alarmd/pkg/logx"
)

const (
	rewatchMin = 250 * time.Millisecond
	rewatchMax = 5 * time.Second
)

const watchedOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the config when its file changes, until ctx is done. The
// parent directory is watched so editors that replace the file by rename
// are seen. Bursts of events within the debounce delay cause one reload.
// A broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	wait := rewatchMin

	for ctx.Err() == nil {
		w, err := openWatcher(dir)
		if err == nil {
			wait = rewatchMin
			m.logger().Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
			err = m.pump(ctx, w, file)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			break
		}

		d := wait + rand.N(wait/2+1)
		wait = min(wait*2, rewatchMax)
		m.logger().Warn("config watcher down; retrying", logx.String("dir", dir), logx.Duration("backoff", d), logx.Err(err))
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	return nil
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

var errWatcherClosed = errors.New("config: watcher closed")

// pump runs until ctx is done (nil) or the watcher breaks (error). Reloads
// run on this goroutine, so they never overlap.
func (m *ConfigManager) pump(ctx context.Context, w *fsnotify.Watcher, file string) error {
	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(m.debounce)
		} else {
			timer.Reset(m.debounce)
		}
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-fire:
			fire = nil
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&watchedOps != 0 {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.logger().Warn("config watch overflow; reloading", logx.Err(err))
				arm()
				continue
			}
			if err != nil {
				m.logger().Warn("config watch error", logx.Err(err))
			}
		}
	}
}
