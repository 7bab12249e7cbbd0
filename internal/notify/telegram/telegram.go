// Package telegram mirrors tray notifications into a Telegram chat. Each
// notification maps to one message that is edited in place and deleted on
// cancel. Inline buttons call back into the user command entry points.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"alarmd/internal/entity"
	"alarmd/internal/notify"
	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"
)

type Config struct {
	Token        string
	ChatID       int64
	ThreadID     int
	OwnerUserIDs []int64
	PollTimeout  time.Duration
}

// CommandFunc runs a user command tapped on a notification button.
type CommandFunc func(ctx context.Context, id int64, action entity.Action) error

// api is the part of *tele.Bot the mirror calls.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

type Mirror struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	api api

	mu   sync.Mutex
	msgs map[int64]*tele.Message

	cmdMu     sync.RWMutex
	onCommand CommandFunc

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, log logx.Logger) (*Mirror, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	m := newMirror(cfg, b, log)
	m.bot = b
	m.registerHandlers()
	return m, nil
}

func newMirror(cfg Config, a api, log logx.Logger) *Mirror {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mirror{cfg: cfg, log: log, api: a, msgs: map[int64]*tele.Message{}}
}

// SetCommandHandler routes button taps. Taps are answered with an error
// until a handler is set.
func (m *Mirror) SetCommandHandler(fn CommandFunc) {
	m.cmdMu.Lock()
	m.onCommand = fn
	m.cmdMu.Unlock()
}

func (m *Mirror) registerHandlers() {
	m.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || cb.Sender == nil {
			return nil
		}
		reply := m.handleCallback(m.runCtx(), cb.Sender.ID, cb.Data)
		return m.bot.Respond(cb, &tele.CallbackResponse{Text: reply})
	})
}

func (m *Mirror) runCtx() context.Context {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sup != nil {
		return m.sup.Context()
	}
	return context.Background()
}

// handleCallback returns the short text shown to the user who tapped.
func (m *Mirror) handleCallback(ctx context.Context, fromID int64, data string) string {
	if len(m.cfg.OwnerUserIDs) > 0 && !slices.Contains(m.cfg.OwnerUserIDs, fromID) {
		m.log.Warn("callback from non-owner ignored", logx.Int64("from", fromID))
		return "Not allowed"
	}
	id, action, err := parseCallback(data)
	if err != nil {
		return callbackReply(err)
	}

	m.cmdMu.RLock()
	fn := m.onCommand
	m.cmdMu.RUnlock()
	if fn == nil {
		return "Not ready"
	}
	if err := fn(ctx, id, action); err != nil {
		m.log.Warn("callback command failed", logx.Int64("id", id), logx.String("action", string(action)), logx.Err(err))
		return "Failed"
	}
	return "OK"
}

func (m *Mirror) chat() *tele.Chat { return &tele.Chat{ID: m.cfg.ChatID} }

func (m *Mirror) Notify(ctx context.Context, n notify.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := formatText(n)
	opt := &tele.SendOptions{
		ParseMode:           tele.ModeHTML,
		ThreadID:            m.cfg.ThreadID,
		DisableNotification: n.Silent,
	}
	if rm := markup(n); rm != nil {
		opt.ReplyMarkup = rm
	}

	m.mu.Lock()
	prev := m.msgs[n.ID]
	m.mu.Unlock()

	if prev != nil {
		_, err := m.api.Edit(prev, text, opt)
		if err == nil || notModified(err) {
			return nil
		}
		// The message may have been deleted in the chat; post a new one.
		m.log.Debug("edit failed, re-sending", logx.Int64("id", n.ID), logx.Err(err))
	}

	msg, err := m.api.Send(m.chat(), text, opt)
	if err != nil {
		return fmt.Errorf("telegram send %d: %w", n.ID, err)
	}
	m.mu.Lock()
	m.msgs[n.ID] = &tele.Message{ID: msg.ID, Chat: m.chat()}
	m.mu.Unlock()
	return nil
}

func (m *Mirror) Cancel(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	prev := m.msgs[id]
	delete(m.msgs, id)
	m.mu.Unlock()
	if prev == nil {
		return nil
	}
	if err := m.api.Delete(prev); err != nil {
		return fmt.Errorf("telegram delete %d: %w", id, err)
	}
	return nil
}

// SendAlert posts a log alert to the chat. It satisfies logx.AlertSender.
func (m *Mirror) SendAlert(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.api.Send(m.chat(), chunk, &tele.SendOptions{ThreadID: m.cfg.ThreadID}); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the callback poller. It is a no-op without a bot.
func (m *Mirror) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.runMu.Lock()
	if m.running || m.bot == nil {
		m.runMu.Unlock()
		return nil
	}
	m.running = true
	m.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(m.log.With(logx.String("comp", "telegram.mirror"))),
		rtsup.WithCancelOnError(false),
	)
	sup := m.sup
	m.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		m.bot.Stop()
	})
	// Start blocks until Stop; restart it if it returns on its own.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		m.log.Info("polling started")
		m.bot.Start()
		m.log.Info("polling stopped")
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("telegram poller exited")
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	return nil
}

func (m *Mirror) Stop(ctx context.Context) error {
	m.runMu.Lock()
	sup := m.sup
	m.sup = nil
	wasRunning := m.running
	m.running = false
	m.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go m.bot.Stop()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = min(grace, max(time.Until(dl), 0))
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		m.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func notModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

const textLimit = 4000

// splitText splits long text into chunks Telegram accepts, preferring
// newline boundaries.
func splitText(s string, limit int) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
