package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_transitions_total",
			Help: "Lifecycle transitions applied by from-stage, action and to-stage",
		},
		[]string{"from", "action", "to"},
	)

	deliveriesIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_deliveries_ignored_total",
			Help: "Action deliveries that did not change state, by reason",
		},
		[]string{"action", "reason"},
	)

	persistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alarmd_persist_failures_total",
			Help: "Transitions aborted because the store rejected the save",
		},
	)

	triggersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_triggers_fired_total",
			Help: "Trigger wakes delivered by action and source (timer or sweep)",
		},
		[]string{"action", "source"},
	)

	triggerLateness = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alarmd_trigger_lateness_seconds",
			Help:    "Delay between the requested fire time and delivery",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 30, 60, 300, 3600},
		},
	)

	triggersPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alarmd_triggers_pending",
			Help: "Wakes currently scheduled",
		},
	)

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_notifications_total",
			Help: "Notification tray operations by op (post, cancel, suppressed, skipped)",
		},
		[]string{"op", "kind"},
	)

	workItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_work_items_total",
			Help: "Durable work outcomes by kind and status",
		},
		[]string{"kind", "status"},
	)

	errorsReported = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_errors_reported_total",
			Help: "Errors sent to the error reporter by component",
		},
		[]string{"comp"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alarmd_http_requests_total",
			Help: "Total HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alarmd_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordTransition(from, action, to string) {
	transitionsTotal.WithLabelValues(from, action, to).Inc()
}

func RecordIgnored(action, reason string) {
	deliveriesIgnored.WithLabelValues(action, reason).Inc()
}

func RecordPersistFailure() {
	persistFailures.Inc()
}

// RecordTriggerFired records a delivered wake and how late it was.
func RecordTriggerFired(action, source string, lateness time.Duration) {
	triggersFired.WithLabelValues(action, source).Inc()
	triggerLateness.Observe(max(lateness, 0).Seconds())
}

func SetTriggersPending(n int) {
	triggersPending.Set(float64(n))
}

func RecordNotification(op, kind string) {
	notifications.WithLabelValues(op, kind).Inc()
}

func RecordWorkItem(kind, status string) {
	workItems.WithLabelValues(kind, status).Inc()
}

func RecordError(comp string) {
	errorsReported.WithLabelValues(comp).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern so
// entity ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
