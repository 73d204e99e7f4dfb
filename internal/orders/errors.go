package orders

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrOrderNotFound          = errors.New("order not found")
	ErrCartNotFound           = errors.New("cart not found")
	ErrEmptyCart              = errors.New("cart is empty")
	ErrProductNotFound        = errors.New("product not found")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrConcurrentUpdate       = errors.New("order was modified concurrently")
)

// InsufficientStockError names the product that could not be reserved.
// errors.Is(err, ErrInsufficientStock) holds for it.
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }
