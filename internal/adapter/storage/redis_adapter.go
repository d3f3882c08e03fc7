package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const (
	statusKeyPrefix          = "reservation:status:"
	defaultIdempotencyKeyTTL = 24 * time.Hour
	defaultStatusTTL         = time.Hour
)

type RedisAdapter struct {
	client         *redis.Client
	idempotencyTTL time.Duration
	statusTTL      time.Duration
}

func NewRedisAdapter(client *redis.Client, idempotencyTTL, statusTTL time.Duration) *RedisAdapter {
	if idempotencyTTL <= 0 {
		idempotencyTTL = defaultIdempotencyKeyTTL
	}
	if statusTTL <= 0 {
		statusTTL = defaultStatusTTL
	}
	return &RedisAdapter{
		client:         client,
		idempotencyTTL: idempotencyTTL,
		statusTTL:      statusTTL,
	}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, r.idempotencyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ReleaseIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) GetStatus(ctx context.Context, reservationID int64) (domain.ReservationStatus, bool, error) {
	raw, err := r.client.Get(ctx, statusKey(reservationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	status, err := domain.ParseReservationStatus(raw)
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

func (r *RedisAdapter) SetStatus(ctx context.Context, reservationID int64, status domain.ReservationStatus) error {
	return r.client.Set(ctx, statusKey(reservationID), string(status), r.statusTTL).Err()
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func statusKey(reservationID int64) string {
	return statusKeyPrefix + strconv.FormatInt(reservationID, 10)
}
