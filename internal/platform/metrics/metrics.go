// Package metrics expone los contadores del servicio en /metrics.
//
// Cada Registry tiene su propio prometheus.Registry: los tests levantan
// varios routers en el mismo proceso y el registry global haría panic por
// registro duplicado. Todos los métodos aceptan receptor nil.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "patient_access"

type Registry struct {
	reg *prometheus.Registry

	grantTransitions *prometheus.CounterVec
	accessDecisions  *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	sweepRuns       *prometheus.CounterVec
	sweepRemoved    *prometheus.CounterVec
	tokensByState   *prometheus.GaugeVec
	lastSweepUnixTS prometheus.Gauge
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		grantTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grant_transitions_total",
			Help:      "Grant lifecycle transitions by action.",
		}, []string{"action"}),

		accessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Access evaluations by capability and outcome.",
		}, []string{"capability", "outcome"}),

		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"method", "route"}),

		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_runs_total",
			Help:      "Housekeeping sweeps by result.",
		}, []string{"result"}),

		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "housekeeping_items_total",
			Help:      "Items cleaned by housekeeping, by kind.",
		}, []string{"kind"}),

		tokensByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tokens",
			Help:      "Stored tokens by state at the last sweep.",
		}, []string{"state"}),

		lastSweepUnixTS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "housekeeping_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.grantTransitions,
		r.accessDecisions,
		r.rateLimited,
		r.httpRequests,
		r.httpDuration,
		r.sweepRuns,
		r.sweepRemoved,
		r.tokensByState,
		r.lastSweepUnixTS,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) GrantTransition(action string) {
	if r == nil {
		return
	}
	r.grantTransitions.WithLabelValues(action).Inc()
}

func (r *Registry) AccessDecision(capability, outcome string) {
	if r == nil {
		return
	}
	if capability == "" {
		capability = "none"
	}
	r.accessDecisions.WithLabelValues(capability, outcome).Inc()
}

func (r *Registry) RateLimited(route string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(route).Inc()
}

func (r *Registry) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (r *Registry) SweepCompleted(ok bool, tokensRemoved, grantsExpired int, at time.Time) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.sweepRuns.WithLabelValues(result).Inc()
	r.sweepRemoved.WithLabelValues("tokens").Add(float64(tokensRemoved))
	r.sweepRemoved.WithLabelValues("grants").Add(float64(grantsExpired))
	r.lastSweepUnixTS.Set(float64(at.Unix()))
}

func (r *Registry) TokenGauge(active, revoked, expired int) {
	if r == nil {
		return
	}
	r.tokensByState.WithLabelValues("active").Set(float64(active))
	r.tokensByState.WithLabelValues("revoked").Set(float64(revoked))
	r.tokensByState.WithLabelValues("expired").Set(float64(expired))
}
