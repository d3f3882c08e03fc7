package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type EventPublisher interface {
	// PublishReservationCompleted announces a committed reservation
	PublishReservationCompleted(ctx context.Context, reservation domain.Reservation) error
}
