package telegram

import (
	"errors"
	"html"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"alarmd/internal/entity"
	"alarmd/internal/notify"
)

// Button callback data is "alarm:<ACTION>:<entity id>".
const (
	callbackScope   = "alarm"
	maxCallbackData = 64
)

var (
	errCallbackScope  = errors.New("telegram: foreign callback")
	errCallbackAction = errors.New("telegram: unknown callback action")
	errCallbackID     = errors.New("telegram: bad callback entity id")
)

func callbackData(action entity.Action, id int64) (string, bool) {
	s := callbackScope + ":" + string(action) + ":" + strconv.FormatInt(id, 10)
	return s, len(s) <= maxCallbackData
}

func parseCallback(data string) (int64, entity.Action, error) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != callbackScope {
		return 0, "", errCallbackScope
	}
	action, ok := entity.ParseAction(parts[1])
	if !ok || !isButtonAction(action) {
		return 0, "", errCallbackAction
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || id <= 0 {
		return 0, "", errCallbackID
	}
	return id, action, nil
}

// Scheduler-only actions are never accepted from a chat button.
func isButtonAction(a entity.Action) bool {
	return a != entity.ActionTrigger && a != entity.ActionTimeout
}

func callbackReply(err error) string {
	switch {
	case errors.Is(err, errCallbackAction):
		return "Unknown action"
	case errors.Is(err, errCallbackID):
		return "Unknown alarm"
	default:
		return "Unknown button"
	}
}

// formatText renders n for ParseMode HTML: bold title (italic for group
// summaries) over the escaped body.
func formatText(n notify.Notification) string {
	tag := "b"
	if n.IsSummary {
		tag = "i"
	}
	lines := []string{"<" + tag + ">" + html.EscapeString(n.Content.Title) + "</" + tag + ">"}
	if body := strings.TrimSpace(n.Content.Body); body != "" {
		lines = append(lines, html.EscapeString(body))
	}
	return strings.Join(lines, "\n")
}

// markup puts the entity's actions on one inline row. Summaries and
// button-less notifications get no keyboard.
func markup(n notify.Notification) *tele.ReplyMarkup {
	if len(n.Content.Buttons) == 0 || n.EntityID <= 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	row := make([]tele.Btn, 0, len(n.Content.Buttons))
	for _, b := range n.Content.Buttons {
		data, ok := callbackData(b.Action, n.EntityID)
		if !ok {
			continue
		}
		row = append(row, rm.Data(b.Label, "", data))
	}
	if len(row) == 0 {
		return nil
	}
	rm.Inline(rm.Row(row...))
	return rm
}
