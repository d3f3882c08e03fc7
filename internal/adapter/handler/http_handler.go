package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/metrics"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	IdempotencyKeyHeader = "Idempotency-Key"

	msgReserved          = "Reservation completed successfully."
	msgInvalidProduct    = "Invalid product ID."
	msgNotEnoughStock    = "Not enough stock available."
	msgDuplicateRequest  = "Duplicate request."
	msgRequestTimeout    = "Request timed out."
	msgRequestCanceled   = "Request canceled."
	msgInternalError     = "Internal server error"
	msgReservationAbsent = "reservation_id does not exist"

	maxBodyBytes = 1 << 20

	// nginx convention for a client that went away before the response.
	statusClientClosedRequest = 499
)

type HTTPHandler struct {
	service        ReservationService
	seeder         Seeder
	checks         map[string]HealthChecker
	log            zerolog.Logger
	validate       *validator.Validate
	tracer         trace.Tracer
	requestTimeout time.Duration
}

type HTTPOption func(*HTTPHandler)

// WithSeeder mounts POST /seed-data.
func WithSeeder(seeder Seeder) HTTPOption {
	return func(h *HTTPHandler) { h.seeder = seeder }
}

func WithHealthCheck(name string, checker HealthChecker) HTTPOption {
	return func(h *HTTPHandler) { h.checks[name] = checker }
}

func WithRequestTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPHandler) { h.requestTimeout = d }
}

type ReserveHTTPRequest struct {
	ProductID int64      `json:"product_id" validate:"gt=0"`
	Quantity  int        `json:"quantity" validate:"gt=0"`
	Timestamp *time.Time `json:"timestamp" validate:"required"`
}

type ReserveHTTPResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	ReservationID *int64 `json:"reservation_id"`
	Shortfall     *int   `json:"shortfall,omitempty"`
}

type StatusHTTPResponse struct {
	Status string `json:"status"`
}

type SeedHTTPResponse struct {
	Message           string `json:"message"`
	ProductsAdded     int    `json:"products_added"`
	ReservationsAdded int    `json:"reservations_added"`
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func NewHTTPHandler(service ReservationService, log zerolog.Logger, opts ...HTTPOption) *HTTPHandler {
	h := &HTTPHandler{
		service:  service,
		checks:   make(map[string]HealthChecker),
		log:      log,
		validate: newValidator(),
		tracer:   otel.Tracer("reservation-http"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(h.log))
	r.Use(metrics.Middleware)

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if h.requestTimeout > 0 {
			r.Use(middleware.Timeout(h.requestTimeout))
		}
		r.Post("/reservation/reserve", h.Reserve)
		r.Get("/reservation/{reservationID}", h.GetStatus)
		if h.seeder != nil {
			r.Post("/seed-data", h.SeedData)
		}
	})
	return r
}

func (h *HTTPHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "POST /reservation/reserve")
	defer span.End()

	var req ReserveHTTPRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, reserveFailure("invalid request body: "+err.Error()))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, reserveFailure(validationMessage(err)))
		return
	}
	span.SetAttributes(
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("reservation.quantity", req.Quantity),
	)

	id, err := h.service.Reserve(ctx, domain.ReservationRequest{
		RequestID: r.Header.Get(IdempotencyKeyHeader),
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Timestamp: *req.Timestamp,
	})
	if err != nil {
		status, message := reserveErrorStatus(err)
		if status == http.StatusInternalServerError {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		resp := reserveFailure(message)
		var stockErr *domain.InsufficientStockError
		if errors.As(err, &stockErr) {
			shortfall := stockErr.Shortfall()
			resp.Shortfall = &shortfall
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, ReserveHTTPResponse{
		Status:        statusSuccess,
		Message:       msgReserved,
		ReservationID: &id,
	})
}

func (h *HTTPHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GET /reservation/{reservationID}")
	defer span.End()

	raw := chi.URLParam(r, "reservationID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Status:  statusError,
			Message: fmt.Sprintf("reservation_id must be an integer, got %q", raw),
		})
		return
	}

	status, found, err := h.service.GetStatus(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		zerolog.Ctx(ctx).Error().Err(err).Int64("reservation_id", id).Msg("status lookup failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Status: statusError, Message: msgInternalError})
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, StatusHTTPResponse{Status: msgReservationAbsent})
		return
	}
	writeJSON(w, http.StatusOK, StatusHTTPResponse{Status: string(status)})
}

func (h *HTTPHandler) SeedData(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := zerolog.Ctx(ctx)
	log.Info().Msg("seeding demo data")

	products, reservations, err := h.seeder.SeedDemoData(ctx)
	if errors.Is(err, domain.ErrAlreadySeeded) {
		log.Warn().Msg("database already contains data")
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Status:  statusError,
			Message: "Database already contains data. Clear the tables before seeding.",
		})
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("seeding failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Status:  statusError,
			Message: "Failed to seed database.",
		})
		return
	}

	log.Info().Int("products", products).Int("reservations", reservations).Msg("database seeded")
	writeJSON(w, http.StatusOK, SeedHTTPResponse{
		Message:           "Database seeded with demo data.",
		ProductsAdded:     products,
		ReservationsAdded: reservations,
	})
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := make(map[string]string)
	for name, checker := range h.checks {
		if err := checker.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		zerolog.Ctx(r.Context()).Warn().Interface("failed", failed).Msg("health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "errors": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func reserveErrorStatus(err error) (int, string) {
	switch {
	case domain.IsProductNotFound(err):
		return http.StatusNotFound, msgInvalidProduct
	case domain.IsInsufficientStock(err):
		return http.StatusBadRequest, msgNotEnoughStock
	case errors.Is(err, domain.ErrDuplicateRequest):
		return http.StatusConflict, msgDuplicateRequest
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, msgRequestTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, msgRequestCanceled
	default:
		return http.StatusInternalServerError, msgInternalError
	}
}

func reserveFailure(message string) ReserveHTTPResponse {
	return ReserveHTTPResponse{Status: statusError, Message: message}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
