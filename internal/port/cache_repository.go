package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type CacheRepository interface {
	// SetIdempotency claims a key for idempotency check, returns false if already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency frees a claimed key so the request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error

	// GetStatus returns a cached reservation status, found is false on cache miss
	GetStatus(ctx context.Context, reservationID int64) (status domain.ReservationStatus, found bool, err error)

	// SetStatus caches the status of an existing reservation
	SetStatus(ctx context.Context, reservationID int64, status domain.ReservationStatus) error
}
