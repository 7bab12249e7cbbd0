package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alarmd/internal/entity"
	"alarmd/internal/lifecycle"
	"alarmd/internal/notify"
	"alarmd/internal/router"
	logx "alarmd/pkg/logx"
)

type fakeEntities struct {
	mu   sync.Mutex
	byID map[int64]entity.Entity
	err  error
}

func (f *fakeEntities) Get(_ context.Context, id int64) (entity.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return e, lifecycle.ErrNotFound
	}
	return e, nil
}

func (f *fakeEntities) List(context.Context) ([]entity.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]entity.Entity, 0, len(f.byID))
	for _, e := range f.byID {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeEntities) Upsert(_ context.Context, e entity.Entity) (entity.Entity, error) {
	if err := e.Validate(); err != nil {
		return e, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return e, f.err
	}
	e.Stage = entity.StageUpcoming
	f.byID[e.ID] = e
	return e, nil
}

func (f *fakeEntities) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return lifecycle.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

type fakeCommands struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeCommands) Command(_ context.Context, id int64, a entity.Action) error {
	if !router.IsCommand(a) {
		return fmt.Errorf("%w: %s", router.ErrNotCommand, a)
	}
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%d:%s", id, a))
	f.mu.Unlock()
	return nil
}

func (f *fakeCommands) OnTriggerDelivered(_ context.Context, id int64, action string, extras map[string]string) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%d:%s:%s", id, action, extras["scheduled_for"]))
	f.mu.Unlock()
	return nil
}

type fixture struct {
	h        http.Handler
	entities *fakeEntities
	commands *fakeCommands
	tray     *notify.MemoryTray
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		entities: &fakeEntities{byID: map[int64]entity.Entity{
			1: {ID: 1, Kind: entity.KindAlarm, Stage: entity.StageUpcoming, TriggerAt: 1000},
		}},
		commands: &fakeCommands{},
		tray:     notify.NewMemoryTray(),
	}
	api := New(Deps{
		Entities:      f.entities,
		Commands:      f.commands,
		Notifications: f.tray,
		Diagnostics:   func(context.Context) any { return map[string]int{"pending": 2} },
		Log:           logx.Nop(),
	})
	f.h = api.Router(cfg)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func problem(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	return p
}

func TestEntityCRUD(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/v1/entities/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got entity.Entity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(1000), got.TriggerAt)

	rec = f.do(t, http.MethodPut, "/v1/entities/2", `{"kind":"timer","remaining_millis":60000}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(2), got.ID)
	assert.Equal(t, entity.StageUpcoming, got.Stage)

	rec = f.do(t, http.MethodGet, "/v1/entities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []entity.Entity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Len(t, list, 2)

	rec = f.do(t, http.MethodDelete, "/v1/entities/2", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/entities/2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", problem(t, rec).Type)
}

func TestRequestErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad id", http.MethodGet, "/v1/entities/abc", "", http.StatusBadRequest},
		{"negative id", http.MethodGet, "/v1/entities/-4", "", http.StatusBadRequest},
		{"malformed body", http.MethodPut, "/v1/entities/3", `{"kind":`, http.StatusBadRequest},
		{"unknown field", http.MethodPut, "/v1/entities/3", `{"kind":"alarm","color":"red"}`, http.StatusBadRequest},
		{"id mismatch", http.MethodPut, "/v1/entities/3", `{"id":4,"kind":"alarm"}`, http.StatusBadRequest},
		{"invalid entity", http.MethodPut, "/v1/entities/3", `{"kind":"sundial"}`, http.StatusBadRequest},
		{"unknown command", http.MethodPost, "/v1/entities/1/explode", "", http.StatusBadRequest},
		{"not a command", http.MethodPost, "/v1/entities/1/trigger", "", http.StatusBadRequest},
		{"delete missing", http.MethodDelete, "/v1/entities/42", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{})
			rec := f.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.status, problem(t, rec).Status)
		})
	}
}

func TestStorageErrorsHideDetails(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: disk full", lifecycle.ErrPersist), http.StatusServiceUnavailable},
		{errors.New("sqlite: driver exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture(t, Config{})
		f.entities.err = tc.err
		rec := f.do(t, http.MethodGet, "/v1/entities", "")
		require.Equal(t, tc.status, rec.Code)
		assert.NotContains(t, problem(t, rec).Detail, "exploded")
	}
}

func TestCommandsAndTriggers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/v1/entities/1/snooze", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/triggers/1/TRIGGER", `{"scheduled_for":"1000"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/triggers/1/timeout", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/triggers/1/trigger", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, []string{"1:SNOOZE", "1:TRIGGER:1000", "1:timeout:"}, f.commands.calls)
}

func TestNotificationsAndDiagnostics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodGet, "/v1/notifications", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.NoError(t, f.tray.Notify(context.Background(), notify.Notification{ID: 1, EntityID: 1}))
	rec = f.do(t, http.MethodGet, "/v1/notifications", "")
	var list []notify.Notification
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(1), list[0].EntityID)

	rec = f.do(t, http.MethodGet, "/v1/diagnostics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":2}`, rec.Body.String())
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{Token: "s3cret"})
	cases := []struct {
		name   string
		path   string
		hdr    []string
		status int
	}{
		{"health is open", "/healthz", nil, http.StatusOK},
		{"missing token", "/v1/entities", nil, http.StatusUnauthorized},
		{"wrong bearer", "/v1/entities", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"bearer", "/v1/entities", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"query", "/v1/entities?token=s3cret", nil, http.StatusOK},
		{"wrong query wins over header", "/v1/entities?token=x", []string{"Authorization", "Bearer s3cret"}, http.StatusUnauthorized},
		{"metrics guarded", "/metrics", nil, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		rec := f.do(t, http.MethodGet, tc.path, "", tc.hdr...)
		assert.Equal(t, tc.status, rec.Code, tc.name)
		if tc.status == http.StatusUnauthorized {
			assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"), tc.name)
		}
	}
}

func TestProfilerIsOptIn(t *testing.T) {
	t.Parallel()

	off := newFixture(t, Config{})
	assert.Equal(t, http.StatusNotFound, off.do(t, http.MethodGet, "/debug/pprof/", "").Code)

	on := newFixture(t, Config{Profiler: true})
	assert.Equal(t, http.StatusOK, on.do(t, http.MethodGet, "/debug/pprof/", "").Code)
}
