package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"alarmd/internal/entity"
	"alarmd/internal/notify"
	"alarmd/internal/notify/render"
	logx "alarmd/pkg/logx"
)

type fakeAPI struct {
	mu      sync.Mutex
	nextID  int
	sent    []string
	edits   []int
	deletes []int
	editErr error
}

func (f *fakeAPI) Send(to tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, what.(string))
	return &tele.Message{ID: f.nextID}, nil
}

func (f *fakeAPI) Edit(msg tele.Editable, _ interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return nil, f.editErr
	}
	id, _ := msg.MessageSig()
	f.edits = append(f.edits, atoi(id))
	return nil, nil
}

func (f *fakeAPI) Delete(msg tele.Editable) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := msg.MessageSig()
	f.deletes = append(f.deletes, atoi(id))
	return nil
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func ringing(id int64) notify.Notification {
	return notify.Notification{
		ID:       id,
		EntityID: id,
		Kind:     render.KindRinging,
		Content: render.Content{
			Title: "Wake <up>",
			Body:  "Ringing since 07:30",
			Buttons: []render.Button{
				{Label: "Snooze", Action: entity.ActionSnooze},
				{Label: "Dismiss", Action: entity.ActionDismiss},
			},
		},
	}
}

func TestNotifyEditsThenCancelDeletes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &fakeAPI{}
	m := newMirror(Config{ChatID: 42}, f, logx.Nop())

	require.NoError(t, m.Notify(ctx, ringing(7)))
	require.NoError(t, m.Notify(ctx, ringing(7)))
	require.NoError(t, m.Cancel(ctx, 7))
	require.NoError(t, m.Cancel(ctx, 7))

	require.Len(t, f.sent, 1)
	assert.Equal(t, "<b>Wake &lt;up&gt;</b>\nRinging since 07:30", f.sent[0])
	assert.Equal(t, []int{1}, f.edits)
	assert.Equal(t, []int{1}, f.deletes)
}

func TestNotifyResendsWhenEditFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &fakeAPI{}
	m := newMirror(Config{ChatID: 42}, f, logx.Nop())

	require.NoError(t, m.Notify(ctx, ringing(7)))
	f.editErr = errors.New("telegram: message to edit not found (400)")
	require.NoError(t, m.Notify(ctx, ringing(7)))
	assert.Len(t, f.sent, 2)

	f.editErr = errors.New("telegram: Bad Request: message is not modified (400)")
	require.NoError(t, m.Notify(ctx, ringing(7)))
	assert.Len(t, f.sent, 2)
}

func TestCallbackRoutesToCommandHandler(t *testing.T) {
	t.Parallel()

	m := newMirror(Config{ChatID: 42, OwnerUserIDs: []int64{100}}, &fakeAPI{}, logx.Nop())

	var gotID int64
	var gotAction entity.Action
	m.SetCommandHandler(func(_ context.Context, id int64, action entity.Action) error {
		gotID, gotAction = id, action
		if id == 13 {
			return errors.New("boom")
		}
		return nil
	})

	ctx := context.Background()
	cases := []struct {
		name string
		from int64
		data string
		want string
	}{
		{"snooze", 100, "alarm:SNOOZE:7", "OK"},
		{"lowercase action", 100, "alarm:dismiss:7", "OK"},
		{"non owner", 5, "alarm:SNOOZE:7", "Not allowed"},
		{"other scope", 100, "menu:open:1", "Unknown button"},
		{"bad action", 100, "alarm:EXPLODE:7", "Unknown action"},
		{"bad id", 100, "alarm:STOP:x", "Unknown alarm"},
		{"scheduler action", 100, "alarm:TRIGGER:7", "Unknown action"},
		{"missing id", 100, "alarm:STOP", "Unknown button"},
		{"handler error", 100, "alarm:STOP:13", "Failed"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, m.handleCallback(ctx, tc.from, tc.data), tc.name)
	}
	assert.Equal(t, int64(13), gotID)
	assert.Equal(t, entity.ActionStop, gotAction)
}

func TestMarkupCarriesEntityActions(t *testing.T) {
	t.Parallel()

	rm := markup(ringing(7))
	require.NotNil(t, rm)
	require.Len(t, rm.InlineKeyboard, 1)
	row := rm.InlineKeyboard[0]
	require.Len(t, row, 2)
	assert.Equal(t, "alarm:SNOOZE:7", row[0].Data)
	assert.Equal(t, "alarm:DISMISS:7", row[1].Data)

	summary := notify.Notification{ID: notify.SummaryID("g"), IsSummary: true, Content: render.Content{Title: "2 missed alarms"}}
	assert.Nil(t, markup(summary))
}

func TestFormatText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "<b>Wake &lt;up&gt;</b>\nRinging since 07:30", formatText(ringing(7)))

	summary := notify.Notification{IsSummary: true, Content: render.Content{Title: "2 missed & more"}}
	assert.Equal(t, "<i>2 missed &amp; more</i>", formatText(summary))
}

func TestCallbackDataLimit(t *testing.T) {
	t.Parallel()

	data, ok := callbackData(entity.ActionSnooze, 7)
	assert.True(t, ok)
	id, action, err := parseCallback(data)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, entity.ActionSnooze, action)

	_, ok = callbackData(entity.Action(strings.Repeat("X", 60)), 7)
	assert.False(t, ok)
}

func TestSplitText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	parts := splitText(long, 10)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, parts)

	for _, p := range splitText(strings.Repeat("x", 25), 10) {
		assert.LessOrEqual(t, len(p), 10)
	}
}

func TestSendAlertChunksLongText(t *testing.T) {
	t.Parallel()

	f := &fakeAPI{}
	m := newMirror(Config{ChatID: 1}, f, logx.Nop())
	require.NoError(t, m.SendAlert(context.Background(), strings.Repeat("y", textLimit+10)))
	assert.Len(t, f.sent, 2)

	var _ logx.AlertSender = m
}
