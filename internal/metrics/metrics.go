// Package metrics holds the Prometheus collectors of the outcome worker and
// the history API.
package metrics

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Results of one consumed outcome message.
const (
	ResultIndexed   = "indexed"
	ResultDuplicate = "duplicate"
	ResultDLQ       = "dlq"
	ResultLost      = "lost"
)

// Worker counts what the worker did with each message.
type Worker struct {
	Messages     *prometheus.CounterVec
	IndexLatency prometheus.Histogram
}

// NewWorker registers the worker collectors on reg.
func NewWorker(reg prometheus.Registerer) *Worker {
	return &Worker{
		Messages: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "smoke_worker_messages_total",
			Help: "Outcome messages consumed, by result.",
		}, []string{"result"}),
		IndexLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "smoke_worker_index_duration_seconds",
			Help:    "Time spent writing one outcome to OpenSearch.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

// Observe records one message result.
func (w *Worker) Observe(result string) {
	w.Messages.WithLabelValues(result).Inc()
}

// Middleware instruments HTTP handlers mounted on a chi router.
type Middleware struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMiddleware registers the HTTP collectors on reg.
func NewMiddleware(reg prometheus.Registerer) *Middleware {
	labels := []string{"method", "code", "route"}
	return &Middleware{
		requests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Tracks the number of HTTP requests.",
		}, labels),
		duration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Tracks the latencies for HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, labels),
	}
}

// Handler wraps next. The route label is the matched chi pattern, read after
// routing so path parameters do not blow up cardinality.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	route := promhttp.WithLabelFromCtx("route", routePattern)
	return promhttp.InstrumentHandlerCounter(m.requests,
		promhttp.InstrumentHandlerDuration(m.duration, next, route),
		route,
	)
}

func routePattern(ctx context.Context) string {
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
