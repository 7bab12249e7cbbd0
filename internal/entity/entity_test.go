package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	t.Parallel()

	a, ok := ParseAction(" snooze ")
	require.True(t, ok)
	assert.Equal(t, ActionSnooze, a)

	_, ok = ParseAction("explode")
	assert.False(t, ok)
	assert.Len(t, Actions(), 8)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		e    Entity
		ok   bool
	}{
		{"alarm", Entity{ID: 1, Kind: KindAlarm, Hour: 7, Recurrence: []time.Weekday{time.Monday}}, true},
		{"timer", Entity{ID: 2, Kind: KindTimer, TriggerAt: 5000}, true},
		{"zero id", Entity{Kind: KindAlarm}, false},
		{"bad kind", Entity{ID: 1, Kind: "stopwatch"}, false},
		{"bad hour", Entity{ID: 1, Kind: KindAlarm, Hour: 24}, false},
		{"recurring timer", Entity{ID: 1, Kind: KindTimer, Recurrence: []time.Weekday{time.Monday}}, false},
		{"bad stage", Entity{ID: 1, Kind: KindAlarm, Stage: "LOST"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.e.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func TestDeadlinePerStage(t *testing.T) {
	t.Parallel()

	e := Entity{TriggerAt: 1, SnoozeUntil: 2, TimeoutAt: 3}
	for stage, want := range map[Stage]int64{
		StageUpcoming: 1, StageMissed: 1, StageSnoozed: 2, StageRinging: 3, StagePaused: 0, StageStopped: 0,
	} {
		e.Stage = stage
		assert.Equal(t, want, e.Deadline(), string(stage))
	}
}

func TestCloneCopiesRecurrence(t *testing.T) {
	t.Parallel()

	e := Entity{Recurrence: []time.Weekday{time.Monday}}
	c := e.Clone()
	c.Recurrence[0] = time.Friday
	assert.Equal(t, time.Monday, e.Recurrence[0])
}
