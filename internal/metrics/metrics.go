// Package metrics collects session and proxy counters for Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records session lifecycle and proxy traffic. It satisfies
// authsdk.Recorder.
type Collector struct {
	logins         *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	refreshShared  prometheus.Counter
	sessionInvalid prometheus.Counter
	proxyRequests  *prometheus.CounterVec
	proxyLatency   prometheus.Histogram
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sunga_logins_total",
			Help: "Credential exchanges by outcome (success, challenge, failure).",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sunga_refreshes_total",
			Help: "Network token refreshes by outcome (success, failure, discarded).",
		}, []string{"outcome"}),
		refreshShared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sunga_refresh_shared_total",
			Help: "Callers that received the result of a refresh shared with other callers.",
		}),
		sessionInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sunga_session_invalid_total",
			Help: "Sessions signed out after an unrecoverable refresh failure.",
		}),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sunga_proxy_requests_total",
			Help: "Requests forwarded by the local proxy by upstream status code.",
		}, []string{"status_code"}),
		proxyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sunga_proxy_upstream_latency_seconds",
			Help:    "Upstream latency of proxied requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.refreshShared,
		c.sessionInvalid,
		c.proxyRequests,
		c.proxyLatency,
	)

	return c
}

func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordRefreshShared() {
	c.refreshShared.Inc()
}

func (c *Collector) RecordSessionInvalid() {
	c.sessionInvalid.Inc()
}

// RecordProxyRequest counts one proxied request. A status of 0 means the
// upstream could not be reached.
func (c *Collector) RecordProxyRequest(statusCode int, latency time.Duration) {
	c.proxyRequests.WithLabelValues(strconv.Itoa(statusCode)).Inc()
	c.proxyLatency.Observe(latency.Seconds())
}

// Handler serves the registry for a Prometheus scrape.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
