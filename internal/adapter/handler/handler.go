package handler

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// ReservationService is the use case both transports drive.
type ReservationService interface {
	Reserve(ctx context.Context, req domain.ReservationRequest) (int64, error)
	GetStatus(ctx context.Context, reservationID int64) (domain.ReservationStatus, bool, error)
}

type Seeder interface {
	SeedDemoData(ctx context.Context) (products int, reservations int, err error)
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}
