// Package metrics exposes Prometheus collectors for the NodeInfo crawler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerOutcomesTotal          *prometheus.CounterVec
	crawlerRequestsTotal          *prometheus.CounterVec
	crawlerRateLimitedTotal       prometheus.Counter
	crawlerRobotsDecisionsTotal   *prometheus.CounterVec
	crawlerRequeuesTotal          prometheus.Counter
	crawlerQueuedHosts            prometheus.Gauge
	crawlerInFlight               prometheus.Gauge
	crawlerPendingDNS             prometheus.Gauge
	crawlerElevatedKeys           prometheus.Gauge
	crawlerRateLimitDelaysSeconds prometheus.Histogram
	crawlerDNSLookupsTotal        *prometheus.CounterVec
	crawlerGlobalWaitSeconds      prometheus.Histogram
	apiRequestsTotal              *prometheus.CounterVec
	apiRequestDuration            *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeinfo_outcomes_total",
				Help: "Completed host visits, labeled by NodeInfo status.",
			},
			[]string{"status"},
		)

		crawlerRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeinfo_http_requests_total",
				Help: "HTTP requests sent to remote origins, labeled by document kind and status class.",
			},
			[]string{"kind", "class"},
		)

		crawlerRateLimitedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nodeinfo_rate_limited_total",
				Help: "Visits that ended in an HTTP 429 response.",
			},
		)

		crawlerRobotsDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeinfo_robots_decisions_total",
				Help: "robots.txt decisions, labeled by result and whether they came from state.",
			},
			[]string{"result", "source"},
		)

		crawlerRequeuesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nodeinfo_requeues_total",
				Help: "Hosts put back on their key queue after a 429.",
			},
		)

		crawlerQueuedHosts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nodeinfo_queued_hosts",
				Help: "Hosts waiting in per-key queues.",
			},
		)

		crawlerInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nodeinfo_inflight_visits",
				Help: "Host visits currently running.",
			},
		)

		crawlerPendingDNS = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nodeinfo_pending_dns",
				Help: "Candidates still waiting for a rate key.",
			},
		)

		crawlerElevatedKeys = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nodeinfo_elevated_keys",
				Help: "Rate keys whose interval is above its floor.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nodeinfo_dispatch_wait_seconds",
				Help:    "Time workers spent waiting for a ready rate key.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		crawlerGlobalWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nodeinfo_global_limit_wait_seconds",
				Help:    "Delay introduced by the global request cap.",
				Buckets: prometheus.DefBuckets,
			},
		)

		crawlerDNSLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeinfo_dns_lookups_total",
				Help: "DNS keyer resolutions, labeled by result.",
			},
			[]string{"result"},
		)

		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodeinfo_api_requests_total",
				Help: "Requests served by the status endpoint.",
			},
			[]string{"method", "route", "code"},
		)
		apiRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nodeinfo_api_request_duration_seconds",
				Help:    "Latency of status endpoint requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass groups HTTP status codes ("2xx", "4xx", ...); zero means a
// transport error.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveOutcome increments the outcome counter for status.
func ObserveOutcome(status string, rateLimited bool) {
	Init()
	crawlerOutcomesTotal.WithLabelValues(status).Inc()
	if rateLimited {
		crawlerRateLimitedTotal.Inc()
	}
}

// ObserveRequest records one HTTP request for the given document kind.
func ObserveRequest(kind string, code int) {
	Init()
	crawlerRequestsTotal.WithLabelValues(kind, StatusClass(code)).Inc()
}

// ObserveRobotsDecision records a robots.txt decision.
func ObserveRobotsDecision(allowed bool, cached bool) {
	Init()
	result := "allowed"
	if !allowed {
		result = "disallowed"
	}
	source := "fetch"
	if cached {
		source = "state"
	}
	crawlerRobotsDecisionsTotal.WithLabelValues(result, source).Inc()
}

// ObserveRequeue counts a 429 retry.
func ObserveRequeue() {
	Init()
	crawlerRequeuesTotal.Inc()
}

// ObserveDNSLookup records a keyer resolution result ("ok", "fallback").
func ObserveDNSLookup(result string) {
	Init()
	crawlerDNSLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveDispatchWait records how long a worker waited for a ready key.
func ObserveDispatchWait(d time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.Observe(d.Seconds())
}

// ObserveGlobalWait records a delay introduced by the global limiter.
func ObserveGlobalWait(d time.Duration) {
	Init()
	crawlerGlobalWaitSeconds.Observe(d.Seconds())
}

// SetQueueState publishes the dispatcher gauges.
func SetQueueState(queued, inFlight, pendingDNS, elevatedKeys int) {
	Init()
	crawlerQueuedHosts.Set(float64(queued))
	crawlerInFlight.Set(float64(inFlight))
	crawlerPendingDNS.Set(float64(pendingDNS))
	crawlerElevatedKeys.Set(float64(elevatedKeys))
}

// ObserveAPIRequest records one request served by the status endpoint.
func ObserveAPIRequest(method, route string, code int, d time.Duration) {
	Init()
	apiRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	apiRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
