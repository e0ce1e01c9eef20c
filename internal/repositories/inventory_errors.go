package repositories

import "fmt"

// InventoryErrorCode enumerates repository error causes for inventory operations.
type InventoryErrorCode string

const (
	// InventoryErrorUnknown represents an unspecified failure.
	InventoryErrorUnknown InventoryErrorCode = "inventory_unknown"
	// InventoryErrorInvalidInput indicates the decrement request was malformed.
	InventoryErrorInvalidInput InventoryErrorCode = "inventory_invalid_input"
	// InventoryErrorInsufficientStock indicates requested quantity exceeds availability.
	InventoryErrorInsufficientStock InventoryErrorCode = "inventory_insufficient_stock"
	// InventoryErrorItemNotFound indicates the item does not exist.
	InventoryErrorItemNotFound InventoryErrorCode = "inventory_item_not_found"
	// InventoryErrorLineNotFound indicates the bound order or order line does not exist.
	InventoryErrorLineNotFound InventoryErrorCode = "inventory_line_not_found"
)

// InventoryError wraps inventory-specific failures with machine readable codes.
type InventoryError struct {
	Op        string
	Code      InventoryErrorCode
	Message   string
	Available int
	Err       error
}

// Error implements the error interface.
func (e *InventoryError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *InventoryError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewInventoryError constructs a typed inventory error.
func NewInventoryError(code InventoryErrorCode, message string, err error) *InventoryError {
	if message == "" {
		message = string(code)
	}
	return &InventoryError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// InsufficientStock builds the error returned when a conditional decrement cannot be satisfied.
func InsufficientStock(itemID string, requested, available int) *InventoryError {
	err := NewInventoryError(InventoryErrorInsufficientStock,
		fmt.Sprintf("insufficient stock for %s: requested %d, available %d", itemID, requested, available), nil)
	err.Available = available
	return err
}
