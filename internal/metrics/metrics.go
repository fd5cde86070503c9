// Package metrics holds the Prometheus collectors for portal traffic.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process registry served on /metrics. A dedicated registry
// keeps tests free of default-registry collisions.
var Registry = prometheus.NewRegistry()

var (
	// Requests counts transport hops by HTTP status class ("2xx", "3xx", ...)
	// or "error" for I/O failures.
	Requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stbroker",
		Name:      "portal_requests_total",
		Help:      "Portal HTTP requests by status class.",
	}, []string{"class"})

	// Redirects counts followed redirect hops.
	Redirects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stbroker",
		Name:      "portal_redirects_total",
		Help:      "Redirect hops followed by the transport.",
	})

	// Actions counts portal actions by action name and outcome.
	Actions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stbroker",
		Name:      "portal_actions_total",
		Help:      "Portal actions by name and outcome.",
	}, []string{"action", "outcome"})

	// TokenFetches counts handshakes by result ("ok" or "error").
	TokenFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stbroker",
		Name:      "token_fetches_total",
		Help:      "Handshake token fetches by result.",
	}, []string{"result"})

	// AuthRetries counts actions retried after an authorization failure.
	AuthRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "stbroker",
		Name:      "auth_retries_total",
		Help:      "Actions retried with a fresh token after an authorization failure.",
	})

	// ResolveSeconds observes portal resolution latency.
	ResolveSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stbroker",
		Name:      "portal_resolve_seconds",
		Help:      "Time to resolve the portal URL.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	Registry.MustRegister(
		Requests, Redirects, Actions, TokenFetches, AuthRetries, ResolveSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// StatusClass maps an HTTP status code to "1xx".."5xx".
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
