/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Exposes operational counters and latency histograms at /metrics.
  Business mutations (payments, reversals, bill generation) and view
  rebuilds are counted; HTTP request durations are observed per route.

METRICS:
  waterbill_payments_total{outcome}     Payments by outcome (ok, rejected, error)
  waterbill_reversals_total{outcome}    Reversals by outcome
  waterbill_bills_generated_total       Bills created from meter readings
  waterbill_view_rebuilds_total         Full aggregated-view rebuilds
  waterbill_http_request_duration_seconds{method,route,status}

SEE ALSO:
  - server.go: middleware wiring, /metrics route
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and instruments for one server instance.
type Metrics struct {
	registry *prometheus.Registry

	Payments       *prometheus.CounterVec
	Reversals      *prometheus.CounterVec
	BillsGenerated prometheus.Counter
	ViewRebuilds   prometheus.Counter

	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all instruments on a fresh registry.
// A per-instance registry keeps tests independent of global state.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterbill_payments_total",
			Help: "Payments recorded, by outcome.",
		}, []string{"outcome"}),
		Reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waterbill_reversals_total",
			Help: "Reversals processed, by outcome.",
		}, []string{"outcome"}),
		BillsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waterbill_bills_generated_total",
			Help: "Bills created from meter readings.",
		}),
		ViewRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waterbill_view_rebuilds_total",
			Help: "Full aggregated view rebuilds.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waterbill_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(m.Payments, m.Reversals, m.BillsGenerated, m.ViewRebuilds, m.httpDuration)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware observes request duration per chi route pattern. Using the
// route pattern, not the raw path, keeps label cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		m.httpDuration.WithLabelValues(
			r.Method, route, strconv.Itoa(ww.Status()),
		).Observe(time.Since(start).Seconds())
	})
}
