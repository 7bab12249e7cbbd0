package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/entity"
	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

func openRedisTest(t *testing.T) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedis(rdb, "test:", logx.Nop())
}

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			s, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "alarmd.db")}, logx.Nop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "alarmd.db"), BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			return s
		},
		"redis": openRedisTest,
	}
}

func sample(id int64) entity.Entity {
	return entity.Entity{
		ID:         id,
		Kind:       entity.KindAlarm,
		Label:      "wake up",
		TriggerAt:  1000 * id,
		Stage:      entity.StageUpcoming,
		Recurrence: []time.Weekday{time.Monday, time.Wednesday},
		Hour:       7,
		Minute:     30,
		Version:    1,
	}
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()

	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })

			_, err := s.GetEntity(ctx, 1)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.SaveEntity(ctx, sample(2)))
			require.NoError(t, s.SaveEntity(ctx, sample(1)))

			upd := sample(1)
			upd.Stage = entity.StageRinging
			upd.TimeoutAt = 5000
			upd.Version = 2
			require.NoError(t, s.SaveEntity(ctx, upd))

			got, err := s.GetEntity(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, upd, got)

			list, err := s.ListEntities(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, int64(1), list[0].ID)
			assert.Equal(t, int64(2), list[1].ID)

			require.NoError(t, s.DeleteEntity(ctx, 2))
			require.NoError(t, s.DeleteEntity(ctx, 2))
			list, err = s.ListEntities(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			w1 := WorkItem{ID: "b", Kind: "dismiss", Input: map[string]string{"id": "1"}, CreatedAt: base, UpdatedAt: base}
			w2 := WorkItem{ID: "a", Kind: "dismiss", Input: map[string]string{"id": "2"}, CreatedAt: base.Add(time.Second), UpdatedAt: base}
			require.NoError(t, s.PutWork(ctx, w2))
			require.NoError(t, s.PutWork(ctx, w1))
			w1.Attempts = 2
			w1.LastError = "boom"
			require.NoError(t, s.PutWork(ctx, w1))

			work, err := s.ListWork(ctx)
			require.NoError(t, err)
			require.Len(t, work, 2)
			assert.Equal(t, "b", work[0].ID)
			assert.Equal(t, 2, work[0].Attempts)
			assert.Equal(t, "boom", work[0].LastError)
			assert.Equal(t, "1", work[0].Input["id"])

			require.NoError(t, s.DeleteWork(ctx, "b"))
			work, err = s.ListWork(ctx)
			require.NoError(t, err)
			require.Len(t, work, 1)
			assert.Equal(t, "a", work[0].ID)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state", "alarmd.json")}

	s, err := Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.SaveEntity(ctx, sample(7)))
	require.NoError(t, s.SaveEntity(ctx, sample(8)))
	require.NoError(t, s.DeleteEntity(ctx, 8))
	require.NoError(t, s.PutWork(ctx, WorkItem{ID: "w", Kind: "dismiss"}))
	require.NoError(t, s.Close())

	_, err = s.GetEntity(ctx, 7)
	assert.ErrorIs(t, err, ErrClosed)

	s, err = Open(ctx, cfg, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetEntity(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, sample(7), got)
	_, err = s.GetEntity(ctx, 8)
	assert.ErrorIs(t, err, ErrNotFound)
	work, err := s.ListWork(ctx)
	require.NoError(t, err)
	assert.Len(t, work, 1)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
}

func TestObservedPublishesChanges(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	o := NewObserved(NewMemory(), bus)
	ctx := context.Background()
	require.NoError(t, o.SaveEntity(ctx, sample(3)))
	require.NoError(t, o.DeleteEntity(ctx, 3))

	ev := <-ch
	assert.Equal(t, eventbus.TypeEntitySaved, ev.Type)
	assert.Equal(t, int64(3), ev.Data.(entity.Entity).ID)
	ev = <-ch
	assert.Equal(t, eventbus.TypeEntityDeleted, ev.Type)
	assert.Equal(t, EntityDeleted{ID: 3}, ev.Data)

	require.NoError(t, o.Close())
	assert.Error(t, o.SaveEntity(ctx, sample(4)))
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after failed save: %v", ev.Type)
	default:
	}
}
