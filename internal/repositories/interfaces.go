package repositories

import (
	"context"
	"time"

	domain "github.com/plankworks/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	Orders() OrderRepository
	Items() ItemRepository
	Inventory() InventoryRepository
	Carts() CartRepository
	Checkouts() CheckoutRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderRepository persists orders. Amount and Lines are written once by Create; no other method
// rewrites them.
type OrderRepository interface {
	// Create inserts the order. It fails with a conflict when the transaction hash is already taken.
	Create(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByTransactionHash(ctx context.Context, transactionHash string) (domain.Order, error)
	// UpdateStatus persists the status fields of order only if the stored status still equals expected.
	UpdateStatus(ctx context.Context, order domain.Order, expected domain.OrderStatus) (domain.Order, error)
	RecordPayment(ctx context.Context, orderID string, update OrderPaymentUpdate) (domain.Order, error)
	// FlagForReview appends issues and marks the order for manual reconciliation. Stock issues that
	// carry a line index also mark that line oversold.
	FlagForReview(ctx context.Context, orderID string, issues []domain.ReviewIssue, at time.Time) (domain.Order, error)
	UpdateCartStatus(ctx context.Context, orderID string, status domain.CartSyncStatus, at time.Time) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderPaymentUpdate carries the payment confirmation outcome.
type OrderPaymentUpdate struct {
	Status    domain.PaymentStatus
	Reference *string
	CheckedAt time.Time
}

// OrderListFilter narrows order listings. Results are ordered newest first.
type OrderListFilter struct {
	UserID         string
	Statuses       []domain.OrderStatus
	ReviewRequired *bool
	Pagination     domain.Pagination
}

// ItemRepository reads catalog items.
type ItemRepository interface {
	FindByID(ctx context.Context, itemID string) (domain.Item, error)
	// FindByIDs returns the items that exist, keyed by id.
	FindByIDs(ctx context.Context, itemIDs []string) (map[string]domain.Item, error)
	Save(ctx context.Context, item domain.Item) error
}

// InventoryRepository applies stock decrements atomically.
type InventoryRepository interface {
	Decrement(ctx context.Context, req StockDecrement) (StockDecrementResult, error)
}

// StockDecrement requests a conditional decrement of Quantity units. When OrderID is set the
// decrement is bound to that order line and applied at most once.
type StockDecrement struct {
	ItemID    string
	Quantity  int
	OrderID   string
	LineIndex int
	Now       time.Time
}

// StockDecrementResult reports how the decrement resolved.
type StockDecrementResult struct {
	Applied        bool
	AlreadyApplied bool
	Remaining      int
}

// CartRepository stores cart entries per user.
type CartRepository interface {
	Upsert(ctx context.Context, entry domain.CartEntry) error
	List(ctx context.Context, userID string) ([]domain.CartEntry, error)
	// RemoveItems deletes the given items and returns how many were present.
	RemoveItems(ctx context.Context, userID string, itemIDs []string) (int, error)
}

// CheckoutRepository persists checkout payloads between session creation and finalization.
type CheckoutRepository interface {
	Save(ctx context.Context, checkout domain.PendingCheckout) error
	FindByTransactionHash(ctx context.Context, transactionHash string) (domain.PendingCheckout, error)
}

// HealthRepository probes backing dependencies for readiness reporting.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
