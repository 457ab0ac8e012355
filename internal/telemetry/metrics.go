package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// ---- Group membership core ----
	ConfchgTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "confchg_total",
			Help:      "Configuration changes processed, by channel kind.",
		},
		[]string{"channel"}, // "control" | "group" | "unknown"
	)

	EventsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "events_queued_total",
			Help:      "Membership events queued for the recovery consumer.",
		},
		[]string{"state"},
	)

	EventsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "events_purged_total",
			Help:      "Begin-phase events dropped because their node failed.",
		},
	)

	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "messages_delivered_total",
			Help:      "Messages queued to a group.",
		},
	)

	MessagesDiscarded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "messages_discarded_total",
			Help:      "Delivered messages dropped before reaching a group.",
		},
		[]string{"reason"},
	)

	TransportRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "transport_retries_total",
			Help:      "Transport operations retried after a try-again condition.",
		},
		[]string{"op"},
	)

	ListsClamped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "lists_clamped_total",
			Help:      "Oversized configuration change lists truncated.",
		},
		[]string{"list"},
	)

	FlowControl = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "groupd",
			Name:      "flow_control_enabled",
			Help:      "1 while the transport reports flow control on.",
		},
	)

	Groups = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "groupd",
			Name:      "groups",
			Help:      "Groups in the local registry.",
		},
	)

	RecoverySets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "groupd",
			Name:      "recovery_sets",
			Help:      "Recovery sets not yet consumed.",
		},
	)

	Fences = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "fence_total",
			Help:      "Nodes forced down after a daemon-only failure.",
		},
	)

	// ---- Admin HTTP ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "groupd",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "groupd",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// Joins block on transport retries, so reach out to ~30s.
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "groupd",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "groupd",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "groupd",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		ConfchgTotal, EventsQueued, EventsPurged, MessagesDelivered, MessagesDiscarded,
		TransportRetries, ListsClamped, FlowControl, Groups, RecoverySets, Fences,
		RequestsTotal, RequestDuration, InFlight, buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/groups", telemetry.Instrument("groups", http.HandlerFunc(n.Groups)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
