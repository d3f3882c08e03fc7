package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidRequest   = errors.New("invalid reservation request")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrAlreadySeeded    = errors.New("database already contains data")
)

type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// Shortfall is how many more units would have been needed.
func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

type UnknownStatusError struct {
	Value string
}

func (e *UnknownStatusError) Error() string {
	return fmt.Sprintf("unknown reservation status %q", e.Value)
}

func IsProductNotFound(err error) bool {
	var target *ProductNotFoundError
	return errors.As(err, &target)
}

func IsInsufficientStock(err error) bool {
	var target *InsufficientStockError
	return errors.As(err, &target)
}
