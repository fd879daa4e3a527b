// Package metrics holds the runner's prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deployment lifecycle metrics
var (
	DeploymentsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcprunner_deployments",
			Help: "Number of deployment records by status",
		},
		[]string{"status"},
	)

	DeploymentCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mcprunner_deployment_create_duration_seconds",
			Help:    "Time to provision a deployment, including image pull",
			Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0, 120.0},
		},
	)

	DeploymentCreatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprunner_deployment_creates_total",
			Help: "Total deployment creations",
		},
		[]string{"transport", "result"},
	)

	LifecycleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprunner_lifecycle_transitions_total",
			Help: "Pause, restart and delete transitions",
		},
		[]string{"transition", "result"},
	)

	RuntimeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcprunner_runtime_op_duration_seconds",
			Help:    "Time for container engine operations",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
		},
		[]string{"operation"},
	)
)

// Proxy metrics
var (
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcprunner_sessions_active",
			Help: "Number of open proxy sessions",
		},
		[]string{"external", "internal"},
	)

	MessagesRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprunner_messages_relayed_total",
			Help: "JSON-RPC messages relayed through proxy sessions",
		},
		[]string{"direction"},
	)

	MessagesDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprunner_messages_dropped_total",
			Help: "Messages not forwarded, by reason",
		},
		[]string{"reason"},
	)

	SchedulerSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcprunner_scheduler_sweep_duration_seconds",
			Help:    "Duration of scheduler sweeps",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"sweep"},
	)
)

// HTTP metrics
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprunner_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcprunner_http_request_duration_seconds",
			Help:    "HTTP request latency; streaming routes measure stream lifetime",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	AuthAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprunner_auth_attempts_total",
			Help: "API key checks",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		DeploymentsActive,
		DeploymentCreateDuration,
		DeploymentCreatesTotal,
		LifecycleTransitionsTotal,
		RuntimeOpDuration,
		SessionsActive,
		MessagesRelayedTotal,
		MessagesDroppedTotal,
		SchedulerSweepDuration,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AuthAttemptsTotal,
	)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRuntimeOp records the duration of a container engine call started at start.
func ObserveRuntimeOp(op string, start time.Time) {
	RuntimeOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Transition counts one lifecycle transition.
func Transition(transition string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LifecycleTransitionsTotal.WithLabelValues(transition, result).Inc()
}

// Middleware instruments requests by chi route pattern so ids do not explode
// label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
