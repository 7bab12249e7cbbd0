package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/entity"
)

func TestTableCoversEveryKind(t *testing.T) {
	t.Parallel()

	tbl := NewTable(time.UTC)
	at := time.Date(2024, 1, 1, 7, 30, 0, 0, time.UTC).UnixMilli()
	v := View{EntityID: 7, EntityKind: entity.KindAlarm, TriggerAt: at, SnoozeUntil: at + 600_000, RemainingMillis: 90_000, Count: 3}

	cases := []struct {
		kind Kind
		body string
	}{
		{KindUpcoming, "Upcoming at 07:30"},
		{KindRinging, "Ringing since 07:30"},
		{KindSnoozed, "Snoozed until 07:40"},
		{KindPaused, "Paused, 1m30s left"},
		{KindMissed, "Rang at 07:30"},
		{KindSummary, ""},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			c, err := tbl.Render(tc.kind, v)
			require.NoError(t, err)
			assert.NotEmpty(t, c.Title)
			assert.Equal(t, tc.body, c.Body)
		})
	}

	_, err := tbl.Render("toast", v)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestRingingButtonsDependOnKind(t *testing.T) {
	t.Parallel()

	tbl := NewTable(time.UTC)
	c, err := tbl.Render(KindRinging, View{EntityKind: entity.KindTimer, Label: "Tea"})
	require.NoError(t, err)
	assert.Equal(t, "Tea", c.Title)
	require.Len(t, c.Buttons, 1)
	assert.Equal(t, entity.ActionStop, c.Buttons[0].Action)

	c, err = tbl.Render(KindRinging, View{EntityKind: entity.KindAlarm})
	require.NoError(t, err)
	assert.Equal(t, "Alarm", c.Title)
	assert.Len(t, c.Buttons, 2)
}

func TestSummaryTitleCountsMembers(t *testing.T) {
	t.Parallel()

	c, err := NewTable(nil).Render(KindSummary, View{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, "2 missed alarms", c.Title)
}
