package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UnmatchedRoute labels requests no chi route matched.
const UnmatchedRoute = "unmatched"

const (
	OutcomeSuccess           = "success"
	OutcomeInvalid           = "invalid"
	OutcomeProductNotFound   = "product_not_found"
	OutcomeInsufficientStock = "insufficient_stock"
	OutcomeDuplicate         = "duplicate"
	OutcomeError             = "error"
)

var (
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservations_total",
			Help: "Total number of reservation attempts by outcome",
		},
		[]string{"outcome"},
	)
	ReserveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reservation_transaction_duration_seconds",
			Help:    "Duration of the reservation transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	StatusLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reservation_status_lookups_total",
			Help: "Total number of reservation status lookups by source and result",
		},
		[]string{"source", "result"},
	)
	RequestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

func ObserveReserve(outcome string, elapsed time.Duration) {
	ReservationsTotal.WithLabelValues(outcome).Inc()
	ReserveDuration.Observe(elapsed.Seconds())
}

func ObserveStatusLookup(source string, found bool) {
	result := "found"
	if !found {
		result = "not_found"
	}
	StatusLookupsTotal.WithLabelValues(source, result).Inc()
}

// Middleware records request count and latency labelled by the matched chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := UnmatchedRoute
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
