package domain

import "time"

type ReservationStatus string

// Only ReservationStatusCompleted is produced by the reservation path.
// Pending and failed exist in the schema and are only written by seed data.
const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusCompleted ReservationStatus = "completed"
	ReservationStatusFailed    ReservationStatus = "failed"
)

func (s ReservationStatus) Valid() bool {
	switch s {
	case ReservationStatusPending, ReservationStatusCompleted, ReservationStatusFailed:
		return true
	}
	return false
}

func ParseReservationStatus(raw string) (ReservationStatus, error) {
	s := ReservationStatus(raw)
	if !s.Valid() {
		return "", &UnknownStatusError{Value: raw}
	}
	return s, nil
}

type Reservation struct {
	ID        int64
	ProductID int64
	Quantity  int
	Status    ReservationStatus
	Timestamp time.Time
}

// ReservationRequest is the validated input of a reservation attempt.
// RequestID is optional and used as the idempotency key when set.
type ReservationRequest struct {
	RequestID string
	ProductID int64
	Quantity  int
	Timestamp time.Time
}

func (r ReservationRequest) Validate() error {
	if r.ProductID <= 0 {
		return ErrInvalidRequest
	}
	if r.Quantity <= 0 {
		return ErrInvalidRequest
	}
	return nil
}
