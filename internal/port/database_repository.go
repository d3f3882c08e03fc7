package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// ReservationTx is the set of operations available inside one database transaction.
type ReservationTx interface {
	// GetProduct reads a product without locking, returns nil if it does not exist
	GetProduct(ctx context.Context, productID int64) (*domain.Product, error)

	// LockAvailableQuantity reads the available quantity holding an exclusive row lock until the transaction ends
	LockAvailableQuantity(ctx context.Context, productID int64) (int, error)

	// SetAvailableQuantity overwrites the available quantity of a locked product
	SetAvailableQuantity(ctx context.Context, productID int64, quantity int) error

	// CreateReservation inserts a reservation row and returns its generated ID
	CreateReservation(ctx context.Context, reservation domain.Reservation) (int64, error)
}

type DatabaseRepository interface {
	// WithinTx runs fn in a transaction, committing if fn returns nil and rolling back otherwise
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx ReservationTx) error) error

	// GetReservationStatus reads a reservation status, found is false if the reservation does not exist
	GetReservationStatus(ctx context.Context, reservationID int64) (status domain.ReservationStatus, found bool, err error)
}
