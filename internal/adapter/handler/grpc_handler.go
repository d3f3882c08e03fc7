package handler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rl1809/stock-reservation/internal/adapter/handler/rpc"
	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type GRPCHandler struct {
	rpc.UnimplementedReservationServiceServer
	service ReservationService
}

func NewGRPCHandler(service ReservationService) *GRPCHandler {
	return &GRPCHandler{service: service}
}

func (h *GRPCHandler) Reserve(ctx context.Context, req *rpc.ReserveRequest) (*rpc.ReserveResponse, error) {
	id, err := h.service.Reserve(ctx, domain.ReservationRequest{
		RequestID: req.RequestID,
		ProductID: req.ProductID,
		Quantity:  int(req.Quantity),
		Timestamp: req.Timestamp,
	})
	if err != nil {
		return nil, reserveStatusError(err)
	}

	return &rpc.ReserveResponse{
		ReservationID: id,
		Message:       msgReserved,
	}, nil
}

func (h *GRPCHandler) GetStatus(ctx context.Context, req *rpc.GetStatusRequest) (*rpc.GetStatusResponse, error) {
	s, found, err := h.service.GetStatus(ctx, req.ReservationID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Int64("reservation_id", req.ReservationID).Msg("status lookup failed")
		return nil, status.Error(codes.Internal, "internal error")
	}
	if !found {
		return &rpc.GetStatusResponse{Found: false}, nil
	}
	return &rpc.GetStatusResponse{Status: string(s), Found: true}, nil
}

func reserveStatusError(err error) error {
	switch {
	case domain.IsProductNotFound(err):
		return status.Error(codes.NotFound, msgInvalidProduct)
	case domain.IsInsufficientStock(err):
		return status.Error(codes.FailedPrecondition, msgNotEnoughStock)
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, msgDuplicateRequest)
	case errors.Is(err, domain.ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// UnaryLoggingInterceptor gives every call a request-scoped logger keyed by the
// x-request-id metadata value and logs the resulting status code.
func UnaryLoggingInterceptor(base zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		requestID := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("x-request-id"); len(vals) > 0 {
				requestID = vals[0]
			}
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		log := base.With().Str("request_id", requestID).Str("method", info.FullMethod).Logger()
		ctx = log.WithContext(ctx)

		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)

		event := log.Info()
		if code == codes.Internal || code == codes.Unknown {
			event = log.Error().Err(err)
		}
		event.Str("code", code.String()).Dur("duration", time.Since(start)).Msg("completed call")
		return resp, err
	}
}
