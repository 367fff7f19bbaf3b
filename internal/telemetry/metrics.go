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

	// ---- Bootstrap ----
	DiscoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchpeer",
			Name:      "discovery_attempts_total",
			Help:      "Peer discovery attempts by outcome (ok, not_found, mismatch, error).",
		},
		[]string{"outcome"},
	)

	JoinRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchpeer",
			Name:      "join_requests_total",
			Help:      "Node join calls by HTTP status, or \"transport\" when the admin endpoint was unreachable.",
		},
		[]string{"status"},
	)

	// ---- Membership monitor ----
	MembershipChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchpeer",
			Name:      "membership_checks_total",
			Help:      "Membership poll cycles by result (ok, failed).",
		},
		[]string{"result"},
	)

	MembershipFindings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchpeer",
			Name:      "membership_findings_total",
			Help:      "Problems reported by the membership monitor, by kind.",
		},
		[]string{"kind"},
	)

	ClusterNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "couchpeer",
			Name:      "cluster_nodes",
			Help:      "Number of cluster_nodes in the last decoded _membership response.",
		},
	)

	AllNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "couchpeer",
			Name:      "all_nodes",
			Help:      "Number of all_nodes in the last decoded _membership response.",
		},
	)

	// ---- Status server ----
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchpeer",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests to the status server.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "couchpeer",
			Name:      "request_duration_seconds",
			Help:      "Latency of status server requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "couchpeer",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "couchpeer",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		DiscoveryAttempts, JoinRequests,
		MembershipChecks, MembershipFindings, ClusterNodes, AllNodes,
		RequestsTotal, RequestDuration,
		buildInfo, uptime,
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
//
//	mux.Handle("/healthz", telemetry.Instrument("healthz", http.HandlerFunc(n.Healthz)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
