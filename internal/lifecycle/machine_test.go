package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/clock"
	"alarmd/internal/entity"
	"alarmd/internal/notify"
	"alarmd/internal/notify/render"
	"alarmd/internal/platform/permission"
	"alarmd/internal/storage"
	"alarmd/internal/task/scheduler"
	logx "alarmd/pkg/logx"
)

const window = 5 * time.Minute

type recPlayer struct {
	plays, stops atomic.Int32
}

func (p *recPlayer) Play(context.Context, string) error { p.plays.Add(1); return nil }
func (p *recPlayer) Stop() error                        { p.stops.Add(1); return nil }
func (p *recPlayer) Vibrate(context.Context) error      { return nil }

type recReporter struct {
	mu   sync.Mutex
	errs []error
}

func (r *recReporter) Report(_ context.Context, _ string, err error, _ ...logx.Field) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

// flakyStore fails saves while failing is set.
type flakyStore struct {
	storage.Store
	failing atomic.Bool
}

func (f *flakyStore) SaveEntity(ctx context.Context, e entity.Entity) error {
	if f.failing.Load() {
		return errors.New("disk full")
	}
	return f.Store.SaveEntity(ctx, e)
}

type harness struct {
	m        *Machine
	clk      *clock.Fake
	sched    *scheduler.Service
	tray     *notify.MemoryTray
	perm     *permission.Static
	store    *flakyStore
	player   *recPlayer
	reporter *recReporter
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	h := &harness{
		clk:      clock.NewFake(now),
		tray:     notify.NewMemoryTray(),
		perm:     permission.NewStatic(true, true),
		store:    &flakyStore{Store: storage.NewMemory()},
		player:   &recPlayer{},
		reporter: &recReporter{},
	}
	h.sched = scheduler.New(scheduler.Config{}, nil, nil, h.clk, logx.Nop(), nil)
	orch := notify.New(h.tray, render.NewTable(time.UTC), h.perm, logx.Nop(), nil)
	h.m = New(Config{
		Location:      time.UTC,
		SnoozeMinutes: 10,
		TimeoutWindow: window,
	}, Deps{
		Store:     h.store,
		Scheduler: h.sched,
		Notifier:  orch,
		Player:    h.player,
		Reporter:  h.reporter,
		Clock:     h.clk,
	})
	h.sched.SetDeliverer(h.m.Deliver)
	h.sched.Start(context.Background())
	t.Cleanup(func() { h.sched.Stop(context.Background()) })
	return h
}

func (h *harness) seed(t *testing.T, e entity.Entity) {
	t.Helper()
	require.NoError(t, h.store.SaveEntity(context.Background(), e))
	_, err := h.m.Load(context.Background())
	require.NoError(t, err)
}

func (h *harness) stage(t *testing.T, id int64) entity.Stage {
	t.Helper()
	e, err := h.m.Get(context.Background(), id)
	require.NoError(t, err)
	return e.Stage
}

func (h *harness) active(t *testing.T) map[int64]notify.Notification {
	t.Helper()
	list, err := h.tray.Active(context.Background())
	require.NoError(t, err)
	out := map[int64]notify.Notification{}
	for _, n := range list {
		out[n.ID] = n
	}
	return out
}

func TestTriggerScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, time.UnixMilli(1000))
	h.seed(t, entity.Entity{ID: 7, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 1000})

	res, err := h.m.Apply(ctx, 7, entity.ActionTrigger, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, entity.StageRinging, res.To)

	wake, ok := h.sched.Lookup(7, string(entity.ActionTimeout))
	require.True(t, ok)
	assert.Equal(t, int64(1000)+window.Milliseconds(), wake.At.UnixMilli())

	n, ok := h.active(t)[7]
	require.True(t, ok, "ringing notification id 7")
	assert.Equal(t, render.KindRinging, n.Kind)
	assert.Equal(t, notify.PriorityMax, n.Priority)
	assert.Equal(t, int32(1), h.player.plays.Load())
}

func TestTimeoutBound(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.UnixMilli(1000))
	h.seed(t, entity.Entity{ID: 1, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 1000})

	_, err := h.m.Apply(context.Background(), 1, entity.ActionTrigger, nil)
	require.NoError(t, err)

	h.clk.Advance(window - time.Millisecond)
	assert.Equal(t, entity.StageRinging, h.stage(t, 1))

	h.clk.Advance(time.Millisecond)
	assert.Equal(t, entity.StageMissed, h.stage(t, 1))
	assert.Equal(t, int32(1), h.player.stops.Load())
	n := h.active(t)[1]
	assert.Equal(t, render.KindMissed, n.Kind)
	assert.Equal(t, "missed_alarms", n.GroupKey)
}

func TestRevokedPermissionWithdrawsRinging(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.UnixMilli(1000))
	h.seed(t, entity.Entity{ID: 7, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 1000})

	_, err := h.m.Apply(context.Background(), 7, entity.ActionTrigger, nil)
	require.NoError(t, err)
	require.Contains(t, h.active(t), int64(7))

	h.perm.Apply(false, true)
	h.clk.Advance(window)
	assert.Equal(t, entity.StageMissed, h.stage(t, 7))
	assert.NotContains(t, h.active(t), int64(7), "ringing entry left behind")
}

func TestStopAudioWaitsForLastRinging(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, time.UnixMilli(1000))
	h.seed(t, entity.Entity{ID: 1, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 1000})
	h.seed(t, entity.Entity{ID: 2, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 1000})

	for _, id := range []int64{1, 2} {
		_, err := h.m.Apply(ctx, id, entity.ActionTrigger, nil)
		require.NoError(t, err)
	}

	_, err := h.m.Apply(ctx, 1, entity.ActionSnooze, nil)
	require.NoError(t, err)
	assert.Equal(t, entity.StageRinging, h.stage(t, 2))
	assert.Zero(t, h.player.stops.Load(), "2 still rings")

	_, err = h.m.Apply(ctx, 2, entity.ActionSnooze, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.player.stops.Load())
}

func TestIdempotentRedelivery(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	ringing := entity.Entity{ID: 1, Kind: entity.KindAlarm, Stage: entity.StageRinging, TriggerAt: now.UnixMilli(), TimeoutAt: now.UnixMilli()}

	cases := []struct {
		name   string
		seed   entity.Entity
		action entity.Action
		want   entity.Stage
	}{
		{"trigger upcoming", entity.Entity{ID: 1, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: now.UnixMilli()}, entity.ActionTrigger, entity.StageRinging},
		{"snooze ringing", ringing, entity.ActionSnooze, entity.StageSnoozed},
		{"timeout ringing", ringing, entity.ActionTimeout, entity.StageMissed},
		{"dismiss ringing", ringing, entity.ActionDismiss, entity.StageStopped},
		{"stop timer", entity.Entity{ID: 1, Kind: entity.KindTimer, Stage: entity.StageRinging, TriggerAt: now.UnixMilli(), TimeoutAt: now.UnixMilli()}, entity.ActionStop, entity.StageExpired},
		{"retrigger missed", entity.Entity{ID: 1, Kind: entity.KindAlarm, Stage: entity.StageMissed, TriggerAt: now.UnixMilli()}, entity.ActionRetrigger, entity.StageRinging},
		{"resume paused", entity.Entity{ID: 1, Kind: entity.KindTimer, Stage: entity.StagePaused, PausedFrom: entity.StageUpcoming, RemainingMillis: 60_000}, entity.ActionResume, entity.StageUpcoming},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			once := newHarness(t, now)
			once.seed(t, tc.seed)
			_, err := once.m.Apply(ctx, 1, tc.action, nil)
			require.NoError(t, err)

			twice := newHarness(t, now)
			twice.seed(t, tc.seed)
			_, err = twice.m.Apply(ctx, 1, tc.action, nil)
			require.NoError(t, err)
			_, err = twice.m.Apply(ctx, 1, tc.action, nil)
			require.NoError(t, err)

			assert.Equal(t, tc.want, once.stage(t, 1))
			assert.Equal(t, once.stage(t, 1), twice.stage(t, 1))
		})
	}
}

func TestRecurrenceRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	// Monday 2024-01-01 07:00 UTC.
	monday := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	h := newHarness(t, monday)
	h.seed(t, entity.Entity{
		ID:         3,
		Kind:       entity.KindAlarm,
		Stage:      entity.StageUpcoming,
		TriggerAt:  monday.UnixMilli(),
		Recurrence: []time.Weekday{time.Monday, time.Wednesday},
		Hour:       7,
	})

	_, err := h.m.Apply(ctx, 3, entity.ActionTrigger, nil)
	require.NoError(t, err)
	h.clk.Advance(time.Minute)
	res, err := h.m.Apply(ctx, 3, entity.ActionStop, nil)
	require.NoError(t, err)

	assert.Equal(t, entity.StageUpcoming, res.To)
	wednesday := time.Date(2024, 1, 3, 7, 0, 0, 0, time.UTC)
	assert.Equal(t, wednesday.UnixMilli(), res.Entity.TriggerAt)
	wake, ok := h.sched.Lookup(3, string(entity.ActionTrigger))
	require.True(t, ok)
	assert.True(t, wake.At.Equal(wednesday))
	_, ok = h.sched.Lookup(3, string(entity.ActionTimeout))
	assert.False(t, ok)
	assert.NotContains(t, h.active(t), int64(3))
}

func TestMissedRecurringSchedulesNextOccurrence(t *testing.T) {
	t.Parallel()

	monday := time.Date(2024, 1, 1, 7, 0, 0, 0, time.UTC)
	h := newHarness(t, monday)
	h.seed(t, entity.Entity{ID: 4, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: monday.UnixMilli(), Recurrence: []time.Weekday{time.Monday}, Hour: 7})

	_, err := h.m.Apply(context.Background(), 4, entity.ActionTrigger, nil)
	require.NoError(t, err)
	h.clk.Advance(window)

	e, err := h.m.Get(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, entity.StageMissed, e.Stage)
	assert.Equal(t, monday.AddDate(0, 0, 7).UnixMilli(), e.TriggerAt)

	// A week later the armed wake rings the missed alarm again.
	h.clk.Set(monday.AddDate(0, 0, 7))
	assert.Equal(t, entity.StageRinging, h.stage(t, 4))
	assert.Empty(t, h.active(t)[4].GroupKey)
}

func TestStaleDeliveriesAreIgnored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, time.UnixMilli(5000))
	h.seed(t, entity.Entity{ID: 2, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 9000})

	cases := []struct {
		name    string
		payload map[string]string
		reason  string
	}{
		{"old deadline", map[string]string{scheduler.PayloadScheduledFor: "4000"}, ReasonStale},
		{"garbage", map[string]string{scheduler.PayloadScheduledFor: "soon"}, ReasonStale},
		{"no payload before deadline", nil, ReasonNotDue},
	}
	for _, tc := range cases {
		res, err := h.m.Apply(ctx, 2, entity.ActionTrigger, tc.payload)
		require.NoError(t, err, tc.name)
		assert.False(t, res.Applied, tc.name)
		assert.Equal(t, tc.reason, res.Reason, tc.name)
	}

	res, err := h.m.Apply(ctx, 2, entity.ActionTrigger, map[string]string{scheduler.PayloadScheduledFor: strconv.Itoa(9000)})
	require.NoError(t, err)
	assert.True(t, res.Applied)
}

func TestUndefinedPairsAreNoOps(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, time.UnixMilli(1000))
	h.seed(t, entity.Entity{ID: 5, Kind: entity.KindAlarm, Stage: entity.StageStopped, TriggerAt: 1000})

	for _, a := range entity.Actions() {
		res, err := h.m.Apply(ctx, 5, a, nil)
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, ReasonUndefined, res.Reason)
	}

	_, err := h.m.Apply(ctx, 99, entity.ActionTrigger, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSnoozeTruncatesToWholeMinutes(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 8, 0, 30, 500_000_000, time.UTC)
	h := newHarness(t, now)
	h.seed(t, entity.Entity{ID: 6, Kind: entity.KindAlarm, Stage: entity.StageRinging, TriggerAt: now.UnixMilli(), TimeoutAt: now.Add(window).UnixMilli()})

	res, err := h.m.Apply(context.Background(), 6, entity.ActionSnooze, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 8, 10, 0, 0, time.UTC).UnixMilli(), res.Entity.SnoozeUntil)
	_, ok := h.sched.Lookup(6, string(entity.ActionTimeout))
	assert.False(t, ok)
	assert.Equal(t, render.KindSnoozed, h.active(t)[6].Kind)

	h.clk.Set(time.UnixMilli(res.Entity.SnoozeUntil))
	assert.Equal(t, entity.StageRinging, h.stage(t, 6))
}

func TestPersistFailureRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, time.UnixMilli(1000))
	h.seed(t, entity.Entity{ID: 7, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 1000, Version: 3})

	h.store.failing.Store(true)
	res, err := h.m.Apply(ctx, 7, entity.ActionTrigger, nil)
	require.ErrorIs(t, err, ErrPersist)
	assert.False(t, res.Applied)

	e, err := h.m.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, entity.StageUpcoming, e.Stage)
	assert.Equal(t, int64(3), e.Version)
	assert.Empty(t, h.active(t))
	_, ok := h.sched.Lookup(7, string(entity.ActionTimeout))
	assert.False(t, ok)
	assert.Zero(t, h.player.plays.Load())
	assert.Equal(t, 1, h.reporter.count())

	h.store.failing.Store(false)
	res, err = h.m.Apply(ctx, 7, entity.ActionTrigger, nil)
	require.NoError(t, err)
	assert.Equal(t, entity.StageRinging, res.To)
	assert.Equal(t, int64(4), res.Entity.Version)
}

func TestTimerPauseResume(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, time.UnixMilli(10_000))
	e, err := h.m.Upsert(ctx, entity.Entity{ID: 8, Kind: entity.KindTimer, RemainingMillis: 60_000})
	require.NoError(t, err)
	assert.Equal(t, int64(70_000), e.TriggerAt)
	assert.Equal(t, render.KindUpcoming, h.active(t)[8].Kind)

	h.clk.Advance(20 * time.Second)
	res, err := h.m.Apply(ctx, 8, entity.ActionPause, nil)
	require.NoError(t, err)
	assert.Equal(t, entity.StagePaused, res.To)
	assert.Equal(t, int64(40_000), res.Entity.RemainingMillis)
	_, ok := h.sched.Lookup(8, string(entity.ActionTrigger))
	assert.False(t, ok)

	h.clk.Advance(time.Hour)
	res, err = h.m.Apply(ctx, 8, entity.ActionResume, nil)
	require.NoError(t, err)
	assert.Equal(t, entity.StageUpcoming, res.To)
	assert.Equal(t, h.clk.Now().UnixMilli()+40_000, res.Entity.TriggerAt)

	h.clk.Advance(40 * time.Second)
	assert.Equal(t, entity.StageRinging, h.stage(t, 8))

	res, err = h.m.Apply(ctx, 8, entity.ActionStop, nil)
	require.NoError(t, err)
	assert.Equal(t, entity.StageExpired, res.To)
	assert.Empty(t, h.active(t))
}

func TestAlarmsCannotPause(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.UnixMilli(0))
	h.seed(t, entity.Entity{ID: 9, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 5000})
	res, err := h.m.Apply(context.Background(), 9, entity.ActionPause, nil)
	require.NoError(t, err)
	assert.Equal(t, ReasonNotTimer, res.Reason)
}

func TestMissedAlarmsShareAGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, time.UnixMilli(1000))
	for _, id := range []int64{11, 12} {
		h.seed(t, entity.Entity{ID: id, Kind: entity.KindAlarm, Stage: entity.StageRinging, TriggerAt: 1000, TimeoutAt: 1000})
		_, err := h.m.Apply(ctx, id, entity.ActionTimeout, nil)
		require.NoError(t, err)
	}
	active := h.active(t)
	summary, ok := active[notify.SummaryID("missed_alarms")]
	require.True(t, ok)
	assert.Equal(t, 2, summary.MemberCount)

	_, err := h.m.Apply(ctx, 11, entity.ActionDismiss, nil)
	require.NoError(t, err)
	active = h.active(t)
	assert.NotContains(t, active, notify.SummaryID("missed_alarms"))
	assert.True(t, active[12].Standalone)
}

func TestUpsertAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	// Tuesday 2024-01-02 09:00 UTC.
	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, now)

	e, err := h.m.Upsert(ctx, entity.Entity{ID: 20, Kind: entity.KindAlarm, Hour: 8, Minute: 30})
	require.NoError(t, err)
	assert.Equal(t, entity.StageUpcoming, e.Stage)
	assert.Equal(t, time.Date(2024, 1, 3, 8, 30, 0, 0, time.UTC).UnixMilli(), e.TriggerAt)
	assert.Equal(t, int64(1), e.Version)

	e, err = h.m.Upsert(ctx, entity.Entity{ID: 20, Kind: entity.KindAlarm, Hour: 10, Minute: 0, Recurrence: []time.Weekday{time.Wednesday, time.Tuesday}})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC).UnixMilli(), e.TriggerAt)
	assert.Equal(t, []time.Weekday{time.Tuesday, time.Wednesday}, e.Recurrence)
	assert.Equal(t, int64(2), e.Version)

	_, err = h.m.Upsert(ctx, entity.Entity{ID: 21, Kind: entity.KindTimer})
	assert.ErrorIs(t, err, entity.ErrInvalid)

	require.NoError(t, h.m.Delete(ctx, 20))
	_, ok := h.sched.Lookup(20, string(entity.ActionTrigger))
	assert.False(t, ok)
	_, err = h.m.Get(ctx, 20)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.m.Delete(ctx, 20), ErrNotFound)
}

func TestConcurrentDeliveriesForOneEntity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, time.UnixMilli(1000))
	h.seed(t, entity.Entity{ID: 30, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 1000})

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.m.Apply(ctx, 30, entity.ActionTrigger, nil)
			assert.NoError(t, err)
			if res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int32(1), h.player.plays.Load())
}
