package service

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

const idempotencyKeyPrefix = "idempotency:reserve:"

type ReservationService struct {
	db     port.DatabaseRepository
	cache  port.CacheRepository
	events port.EventPublisher
	log    zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*ReservationService)

// WithCache enables idempotency keys and the status cache.
func WithCache(cache port.CacheRepository) Option {
	return func(s *ReservationService) { s.cache = cache }
}

func WithEventPublisher(events port.EventPublisher) Option {
	return func(s *ReservationService) { s.events = events }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *ReservationService) { s.log = log }
}

func NewReservationService(db port.DatabaseRepository, opts ...Option) *ReservationService {
	s := &ReservationService{
		db:     db,
		log:    zerolog.Nop(),
		tracer: otel.Tracer("reservation-service"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve checks and decrements stock and records a completed reservation in
// one transaction. Business failures are *domain.ProductNotFoundError and
// *domain.InsufficientStockError; nothing is persisted on any failure.
func (s *ReservationService) Reserve(ctx context.Context, req domain.ReservationRequest) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationService.Reserve", trace.WithAttributes(
		attribute.Int64("product.id", req.ProductID),
		attribute.Int("reservation.quantity", req.Quantity),
	))
	defer span.End()

	start := time.Now()
	id, err := s.reserve(ctx, req)
	metrics.ObserveReserve(outcome(err), time.Since(start))

	log := s.logger(ctx)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int64("reservation.id", id))
		log.Info().Int64("reservation_id", id).Int64("product_id", req.ProductID).Int("quantity", req.Quantity).
			Msg("reservation successful")
	case domain.IsProductNotFound(err):
		log.Error().Int64("product_id", req.ProductID).Msg("product not found")
	case domain.IsInsufficientStock(err):
		log.Warn().Err(err).Int64("product_id", req.ProductID).Msg("insufficient stock")
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrDuplicateRequest):
		log.Warn().Err(err).Int64("product_id", req.ProductID).Msg("reservation rejected")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Int64("product_id", req.ProductID).Int("quantity", req.Quantity).
			Msg("reservation failed")
	}
	return id, err
}

func (s *ReservationService) reserve(ctx context.Context, req domain.ReservationRequest) (id int64, err error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	if req.RequestID != "" && s.cache != nil {
		key := idempotencyKeyPrefix + req.RequestID
		ok, claimErr := s.cache.SetIdempotency(ctx, key)
		if claimErr != nil {
			return 0, errors.Wrap(claimErr, "idempotency check failed")
		}
		if !ok {
			return 0, domain.ErrDuplicateRequest
		}
		defer func() {
			if err == nil {
				return
			}
			if releaseErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), key); releaseErr != nil {
				s.logger(ctx).Warn().Err(releaseErr).Str("key", key).Msg("failed to release idempotency key")
			}
		}()
	}

	timestamp := req.Timestamp
	if timestamp.IsZero() {
		timestamp = s.now()
	}
	reservation := domain.Reservation{
		ProductID: req.ProductID,
		Quantity:  req.Quantity,
		Status:    domain.ReservationStatusCompleted,
		Timestamp: timestamp.UTC(),
	}

	err = s.db.WithinTx(ctx, func(ctx context.Context, tx port.ReservationTx) error {
		product, err := tx.GetProduct(ctx, req.ProductID)
		if err != nil {
			return errors.Wrap(err, "get product")
		}
		if product == nil {
			return &domain.ProductNotFoundError{ProductID: req.ProductID}
		}

		available, err := tx.LockAvailableQuantity(ctx, req.ProductID)
		if err != nil {
			return errors.Wrap(err, "lock available quantity")
		}
		if available < req.Quantity {
			return &domain.InsufficientStockError{
				ProductID: req.ProductID,
				Requested: req.Quantity,
				Available: available,
			}
		}

		if err := tx.SetAvailableQuantity(ctx, req.ProductID, available-req.Quantity); err != nil {
			return errors.Wrap(err, "decrement stock")
		}

		reservation.ID, err = tx.CreateReservation(ctx, reservation)
		if err != nil {
			return errors.Wrap(err, "create reservation")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.afterCommit(ctx, reservation)
	return reservation.ID, nil
}

// afterCommit runs best-effort side effects; their failures never undo a committed reservation.
func (s *ReservationService) afterCommit(ctx context.Context, reservation domain.Reservation) {
	ctx = context.WithoutCancel(ctx)
	log := s.logger(ctx)

	if s.cache != nil {
		if err := s.cache.SetStatus(ctx, reservation.ID, reservation.Status); err != nil {
			log.Warn().Err(err).Int64("reservation_id", reservation.ID).Msg("failed to cache reservation status")
		}
	}
	if s.events != nil {
		if err := s.events.PublishReservationCompleted(ctx, reservation); err != nil {
			log.Warn().Err(err).Int64("reservation_id", reservation.ID).Msg("failed to publish reservation event")
		}
	}
}

// GetStatus returns the status of a reservation. found is false when the
// reservation was never issued, which is not an error.
func (s *ReservationService) GetStatus(ctx context.Context, reservationID int64) (domain.ReservationStatus, bool, error) {
	ctx, span := s.tracer.Start(ctx, "ReservationService.GetStatus", trace.WithAttributes(
		attribute.Int64("reservation.id", reservationID),
	))
	defer span.End()

	log := s.logger(ctx)

	if s.cache != nil {
		status, found, err := s.cache.GetStatus(ctx, reservationID)
		if err != nil {
			log.Warn().Err(err).Int64("reservation_id", reservationID).Msg("status cache read failed")
		} else if found {
			metrics.ObserveStatusLookup("cache", true)
			return status, true, nil
		}
	}

	status, found, err := s.db.GetReservationStatus(ctx, reservationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", false, errors.Wrapf(err, "get status of reservation %d", reservationID)
	}
	metrics.ObserveStatusLookup("db", found)
	if !found {
		return "", false, nil
	}

	if s.cache != nil {
		if err := s.cache.SetStatus(ctx, reservationID, status); err != nil {
			log.Warn().Err(err).Int64("reservation_id", reservationID).Msg("failed to cache reservation status")
		}
	}
	return status, true, nil
}

func (s *ReservationService) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.log
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case domain.IsProductNotFound(err):
		return metrics.OutcomeProductNotFound
	case domain.IsInsufficientStock(err):
		return metrics.OutcomeInsufficientStock
	case errors.Is(err, domain.ErrInvalidRequest):
		return metrics.OutcomeInvalid
	case errors.Is(err, domain.ErrDuplicateRequest):
		return metrics.OutcomeDuplicate
	default:
		return metrics.OutcomeError
	}
}
