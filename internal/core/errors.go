package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the ledger wraps exactly one of them.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrStorage    = errors.New("storage error")
)

var (
	ErrInvalidAmount      = fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	ErrInvalidPresupuesto = fmt.Errorf("%w: presupuesto must be a non-negative number", ErrValidation)
	ErrAmountOutOfRange   = fmt.Errorf("%w: amount out of range (must be below 100000000000000)", ErrValidation)
	ErrEmptyProject       = fmt.Errorf("%w: project is required", ErrValidation)
	ErrEmptyCode          = fmt.Errorf("%w: partida is required", ErrValidation)
	ErrInvalidID          = fmt.Errorf("%w: invalid id", ErrValidation)
	ErrLineItemNotFound   = fmt.Errorf("%w: partida", ErrNotFound)
	ErrExpenseNotFound    = fmt.Errorf("%w: gasto", ErrNotFound)
	ErrLockTimeout        = fmt.Errorf("%w: lock wait timed out", ErrConflict)
)

// Kind returns a short machine name for the error's category.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}

// StorageError wraps a backend failure as ErrStorage unless it already
// carries one of the ledger kinds.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if Kind(err) != "internal" {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// ConflictError wraps a lock or serialization failure as ErrConflict.
func ConflictError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrConflict, err)
}
