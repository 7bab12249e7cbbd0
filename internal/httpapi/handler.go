// Package httpapi is the local control plane: entity CRUD, user commands,
// injected trigger deliveries, the live notification tray and diagnostics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"alarmd/internal/entity"
	"alarmd/internal/lifecycle"
	"alarmd/internal/metrics"
	"alarmd/internal/notify"
	"alarmd/internal/router"
	logx "alarmd/pkg/logx"
)

const maxBody = 64 << 10

// Entities is the entity store surface; *lifecycle.Machine satisfies it.
type Entities interface {
	Get(ctx context.Context, id int64) (entity.Entity, error)
	List(ctx context.Context) ([]entity.Entity, error)
	Upsert(ctx context.Context, e entity.Entity) (entity.Entity, error)
	Delete(ctx context.Context, id int64) error
}

// Commands routes user commands and injected wakes; *router.Router
// satisfies it.
type Commands interface {
	Command(ctx context.Context, id int64, action entity.Action) error
	OnTriggerDelivered(ctx context.Context, id int64, action string, extras map[string]string) error
}

type Notifications interface {
	Active(ctx context.Context) ([]notify.Notification, error)
}

type Deps struct {
	Entities      Entities
	Commands      Commands
	Notifications Notifications
	// Diagnostics returns a JSON-encodable runtime snapshot.
	Diagnostics func(ctx context.Context) any
	Log         logx.Logger
}

// ErrorResponse is an RFC 7807 problem document.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type API struct {
	d   Deps
	log logx.Logger
}

func New(d Deps) *API {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &API{d: d, log: d.Log}
}

// Router builds the handler tree for one server generation.
func (a *API) Router(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(a.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.Token))

		r.Handle("/metrics", metrics.Handler())
		if cfg.Profiler {
			r.Mount("/debug", middleware.Profiler())
		}

		r.Route("/v1", func(r chi.Router) {
			r.Get("/entities", a.listEntities)
			r.Route("/entities/{id}", func(r chi.Router) {
				r.Get("/", a.getEntity)
				r.Put("/", a.putEntity)
				r.Delete("/", a.deleteEntity)
				r.Post("/{command}", a.command)
			})
			r.Post("/triggers/{id}/{action}", a.trigger)
			r.Get("/notifications", a.notifications)
			r.Get("/diagnostics", a.diagnostics)
		})
	})
	return r
}

func (a *API) listEntities(w http.ResponseWriter, r *http.Request) {
	list, err := a.d.Entities.List(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []entity.Entity{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) getEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	e, err := a.d.Entities.Get(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *API) putEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var e entity.Entity
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if e.ID != 0 && e.ID != id {
		writeError(w, http.StatusBadRequest, "invalid_request", "ID mismatch", "body id must match the path")
		return
	}
	e.ID = id

	saved, err := a.d.Entities.Upsert(r.Context(), e)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) deleteEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	if err := a.d.Entities.Delete(r.Context(), id); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) command(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	raw := chi.URLParam(r, "command")
	act, known := entity.ParseAction(raw)
	if !known {
		writeError(w, http.StatusBadRequest, "invalid_request", "Unknown command", raw)
		return
	}
	if err := a.d.Commands.Command(r.Context(), id, act); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "action": act})
}

// trigger injects a wake as if the platform scheduler had delivered it.
func (a *API) trigger(w http.ResponseWriter, r *http.Request) {
	id, ok := a.pathID(w, r)
	if !ok {
		return
	}
	var extras map[string]string
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&extras); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}
	action := chi.URLParam(r, "action")
	if err := a.d.Commands.OnTriggerDelivered(r.Context(), id, action, extras); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "action": strings.ToUpper(action)})
}

func (a *API) notifications(w http.ResponseWriter, r *http.Request) {
	list, err := a.d.Notifications.Active(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []notify.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) diagnostics(w http.ResponseWriter, r *http.Request) {
	if a.d.Diagnostics == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, a.d.Diagnostics(r.Context()))
}

func (a *API) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid entity id", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// fail maps domain errors onto problem responses. Internal details are
// logged, never returned.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Entity not found", "")
	case errors.Is(err, entity.ErrInvalid), errors.Is(err, router.ErrNotCommand):
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request", err.Error())
	case errors.Is(err, lifecycle.ErrPersist):
		a.log.Warn("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Storage unavailable", "retry later")
	default:
		a.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal error", "")
	}
}

func (a *API) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
// An empty token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				got = strings.TrimSpace(got)
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
