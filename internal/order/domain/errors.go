package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors classify every failure the order core can raise. Callers
// match with errors.Is and, where they need the offending entity, errors.As
// against the concrete types below. The transport layers map these to
// response codes; nothing in here knows about HTTP or Kafka.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrConflict          = errors.New("conflict")
)

// NotFoundError names the entity kind and id that could not be resolved.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func NewNotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// InsufficientStockError reports the product whose available stock cannot
// cover the requested quantity.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

func NewInsufficientStock(productID string, requested, available int) error {
	return &InsufficientStockError{ProductID: productID, Requested: requested, Available: available}
}

func NewInvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// NewConflict marks a concurrent-update race detected inside a transaction,
// after the optimistic service-level checks already passed.
func NewConflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
