package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/rl1809/stock-reservation/internal/tracing"
)

const RequestIDHeader = "X-Request-ID"

// requestLogger attaches a request-scoped logger carrying request_id to the
// context (with trace_id when the caller sent a trace), continues any incoming
// trace and turns panics into a JSON 500.
func requestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			logCtx := base.With().Str("request_id", requestID)
			if traceID := tracing.TraceID(ctx); traceID != "" {
				logCtx = logCtx.Str("trace_id", traceID)
			}
			log := logCtx.Logger()
			ctx = log.WithContext(ctx)

			log.Info().Str("method", r.Method).Str("path", r.URL.Path).Msg("incoming request")

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					log.Error().Interface("panic", rec).Str("method", r.Method).Str("path", r.URL.Path).
						Msg("unhandled panic")
					writeJSON(ww, http.StatusInternalServerError, errorResponse{
						Status:  statusError,
						Message: "Internal server error",
					})
				}
				log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("duration", time.Since(start)).
					Msg("completed request")
			}()

			next.ServeHTTP(ww, r.WithContext(ctx))
		})
	}
}
