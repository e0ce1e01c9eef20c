package services

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories. Every sentinel returned by this package matches exactly one of them through
// errors.Is so transports can map failures without knowing each operation's specific errors.
var (
	// ErrValidation marks bad input that caused no side effect. Safe to retry after fixing the input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks idempotency or optimistic-concurrency collisions.
	ErrConflict = errors.New("conflict")
	// ErrExternalDependency marks an unreachable or slow provider, store, or queue.
	ErrExternalDependency = errors.New("external dependency unavailable")
	// ErrInvariantViolation marks a state that needs a human decision, such as stock oversold after commit.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrForbidden marks a principal acting outside its role.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound marks a missing resource.
	ErrNotFound = errors.New("not found")
)

type categoryError struct {
	category error
	msg      string
}

func (e *categoryError) Error() string { return e.msg }

func (e *categoryError) Unwrap() error { return e.category }

func categorised(category error, msg string) error {
	return &categoryError{category: category, msg: msg}
}

var (
	// ErrPricingInvalidInput signals malformed pricing requests.
	ErrPricingInvalidInput = categorised(ErrValidation, "pricing: invalid input")
	// ErrPricingInvalidDimensions signals a dimension outside its allowed range.
	ErrPricingInvalidDimensions = categorised(ErrValidation, "pricing: invalid dimensions")
	// ErrPricingUnknownMaterial signals a material name the item does not offer.
	ErrPricingUnknownMaterial = categorised(ErrValidation, "pricing: unknown material")
	// ErrPricingNotCustomizable signals a quote request for a standard catalog item.
	ErrPricingNotCustomizable = categorised(ErrValidation, "pricing: item is not customizable")
	// ErrPricingItemNotFound signals the item to price does not exist.
	ErrPricingItemNotFound = categorised(ErrNotFound, "pricing: item not found")

	ErrOrderInvalidInput         = categorised(ErrValidation, "order: invalid input")
	ErrOrderNotFound             = categorised(ErrNotFound, "order: not found")
	ErrOrderInvalidTransition    = categorised(ErrValidation, "order: invalid status transition")
	ErrOrderMissingDeliveryProof = categorised(ErrValidation, "order: delivery proof is required")
	ErrOrderRefundNotEligible    = categorised(ErrValidation, "order: refund not eligible")
	ErrOrderConflict             = categorised(ErrConflict, "order: conflict")
	ErrOrderForbidden            = categorised(ErrForbidden, "order: forbidden")
	ErrOrderUnavailable          = categorised(ErrExternalDependency, "order: repository unavailable")
	ErrOrderProofStoreFailed     = categorised(ErrExternalDependency, "order: delivery proof upload failed")

	ErrInventoryInvalidInput       = categorised(ErrValidation, "inventory: invalid input")
	ErrInventoryItemNotFound       = categorised(ErrNotFound, "inventory: item not found")
	ErrInventoryInsufficientStock  = categorised(ErrValidation, "inventory: insufficient stock")
	ErrInventoryUnavailable        = categorised(ErrExternalDependency, "inventory: repository unavailable")
	ErrCartInvalidInput            = categorised(ErrValidation, "cart: invalid input")
	ErrCartUnavailable             = categorised(ErrExternalDependency, "cart: repository unavailable")
	ErrCheckoutInvalidInput        = categorised(ErrValidation, "checkout: invalid input")
	ErrCheckoutItemNotFound        = categorised(ErrValidation, "checkout: item not found")
	ErrCheckoutInsufficientStock   = categorised(ErrInventoryInsufficientStock, "checkout: insufficient stock")
	ErrCheckoutPriceMismatch       = categorised(ErrValidation, "checkout: price mismatch")
	ErrCheckoutConflict            = categorised(ErrConflict, "checkout: conflict")
	ErrCheckoutForbidden           = categorised(ErrForbidden, "checkout: forbidden")
	ErrCheckoutUnavailable         = categorised(ErrExternalDependency, "checkout: dependency unavailable")
	ErrCheckoutPaymentUnavailable  = categorised(ErrExternalDependency, "checkout: payment provider unavailable")
	ErrCheckoutStockOversold       = categorised(ErrInvariantViolation, "checkout: stock oversold after commit")
	ErrJobInvalidPayload           = categorised(ErrValidation, "jobs: invalid payload")
	ErrJobUnsupportedKind          = categorised(ErrValidation, "jobs: unsupported job kind")
	ErrJobPublisherUnavailable     = categorised(ErrExternalDependency, "jobs: publisher unavailable")
	errCheckoutPaymentsUnavailable = errors.New("checkout: payment provider not configured")
)

// DimensionError names the bound a customized dimension violated.
type DimensionError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("pricing: %s %.2f ft is outside [%.2f, %.2f]", e.Field, e.Value, e.Min, e.Max)
}

// Is lets callers match the error with ErrPricingInvalidDimensions or the validation category.
func (e *DimensionError) Is(target error) bool {
	return target == ErrPricingInvalidDimensions || target == ErrValidation
}

// RefundIneligibilityReason distinguishes why a refund request was refused.
type RefundIneligibilityReason string

const (
	RefundReasonWrongStatus     RefundIneligibilityReason = "wrong_status"
	RefundReasonCustomizedItems RefundIneligibilityReason = "contains_customized_items"
)

// RefundIneligibleError lists every eligibility condition the order failed.
type RefundIneligibleError struct {
	Reasons []RefundIneligibilityReason
}

func (e *RefundIneligibleError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, reason := range e.Reasons {
		parts[i] = string(reason)
	}
	return "order: refund not eligible: " + strings.Join(parts, ", ")
}

func (e *RefundIneligibleError) Is(target error) bool {
	return target == ErrOrderRefundNotEligible || target == ErrValidation
}

// StockShortfallLine is one order line that could not be decremented after the order was committed.
type StockShortfallLine struct {
	LineIndex int
	ItemID    string
	Requested int
	Available int
}

// StockShortfallError is returned alongside a committed order when one or more lines oversold.
type StockShortfallError struct {
	OrderID         string
	TransactionHash string
	Lines           []StockShortfallLine
}

func (e *StockShortfallError) Error() string {
	items := make([]string, len(e.Lines))
	for i, line := range e.Lines {
		items[i] = fmt.Sprintf("%s (line %d: requested %d, available %d)", line.ItemID, line.LineIndex, line.Requested, line.Available)
	}
	return fmt.Sprintf("checkout: order %s oversold: %s", e.OrderID, strings.Join(items, "; "))
}

func (e *StockShortfallError) Is(target error) bool {
	switch target {
	case ErrCheckoutStockOversold, ErrInventoryInsufficientStock, ErrInvariantViolation:
		return true
	}
	return false
}
