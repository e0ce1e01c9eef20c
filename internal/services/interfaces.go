package services

import (
	"context"
	"io"
	"time"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination        = domain.Pagination
	Order             = domain.Order
	OrderLine         = domain.OrderLine
	OrderStatus       = domain.OrderStatus
	Item              = domain.Item
	CartEntry         = domain.CartEntry
	CheckoutLine      = domain.CheckoutLine
	CheckoutPayload   = domain.CheckoutPayload
	PendingCheckout   = domain.PendingCheckout
	PriceQuote        = domain.PriceQuote
	Dimensions        = domain.Dimensions
	LineCustomization = domain.LineCustomization
	ReviewIssue       = domain.ReviewIssue
)

// Role is the authorisation level of the caller.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	// RoleSystem is used by webhooks and background jobs acting on behalf of the platform.
	RoleSystem Role = "system"
)

// Principal is the authenticated caller every core operation receives explicitly.
type Principal struct {
	ID   string
	Role Role
}

// IsPrivileged reports whether the principal may act on any order.
func (p Principal) IsPrivileged() bool {
	return p.Role == RoleAdmin || p.Role == RoleSystem
}

// PricingService quotes customized items without persisting anything.
type PricingService interface {
	CalculatePrice(ctx context.Context, itemID string, req PriceQuoteRequest) (PriceQuote, error)
}

// PriceQuoteRequest carries the customer's build choices for a customizable item.
type PriceQuoteRequest struct {
	Dimensions       Dimensions
	LaborDays        int
	FrameMaterial    string
	TabletopMaterial string
}

// InventoryService applies conditional stock decrements.
type InventoryService interface {
	Reserve(ctx context.Context, cmd InventoryReserveCommand) (InventoryReservation, error)
	CheckAvailability(ctx context.Context, lines []InventoryCheckLine) ([]InventoryShortage, error)
}

// InventoryReserveCommand decrements Quantity units of ItemID. When OrderID is set the decrement is
// bound to that order line and applied at most once.
type InventoryReserveCommand struct {
	ItemID    string
	Quantity  int
	OrderID   string
	LineIndex int
}

// InventoryReservation reports the outcome of a successful reserve call.
type InventoryReservation struct {
	ItemID         string
	Quantity       int
	Remaining      int
	AlreadyApplied bool
}

// InventoryCheckLine is a read-only availability probe.
type InventoryCheckLine struct {
	ItemID   string
	Quantity int
}

// InventoryShortage describes an item without enough stock for the requested quantity.
type InventoryShortage struct {
	ItemID    string
	Requested int
	Available int
}

// CartService removes purchased items from a customer's cart.
type CartService interface {
	RemoveItems(ctx context.Context, userID string, itemIDs []string) (int, error)
}

// OrderService governs the order status state machine and read paths.
type OrderService interface {
	GetOrder(ctx context.Context, caller Principal, orderID string) (Order, error)
	ListOrders(ctx context.Context, caller Principal, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	RequestRefund(ctx context.Context, cmd RequestRefundCommand) (Order, error)
	AttachDeliveryProof(ctx context.Context, cmd AttachDeliveryProofCommand) (Order, error)
	CheckRefundEligibility(order Order) error
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	UserID         string
	Statuses       []OrderStatus
	ReviewRequired *bool
	Pagination     Pagination
}

// OrderStatusTransitionCommand requests a guarded transition.
type OrderStatusTransitionCommand struct {
	Caller         Principal
	OrderID        string
	TargetStatus   OrderStatus
	ExpectedStatus *OrderStatus
	DeliveryProof  string
	Reason         string
}

// RequestRefundCommand moves an on-process order into the refund queue.
type RequestRefundCommand struct {
	Caller         Principal
	OrderID        string
	Reason         string
	ExpectedStatus *OrderStatus
}

// AttachDeliveryProofCommand uploads a proof image and transitions the order into delivered.
type AttachDeliveryProofCommand struct {
	Caller         Principal
	OrderID        string
	FileName       string
	ContentType    string
	Size           int64
	Body           io.Reader
	ExpectedStatus *OrderStatus
}

// ProofStore persists delivery-proof images and returns a durable reference.
type ProofStore interface {
	Upload(ctx context.Context, obj ProofObject) (string, error)
	Delete(ctx context.Context, ref string) error
}

// ProofObject describes a proof upload.
type ProofObject struct {
	OrderID     string
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// CheckoutService starts hosted checkouts and finalizes them into orders.
type CheckoutService interface {
	StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSessionResult, error)
	FinalizeCheckout(ctx context.Context, cmd FinalizeCheckoutCommand) (FinalizeResult, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	RetryCartReconciliation(ctx context.Context, orderID string) (Order, error)
}

// StartCheckoutCommand validates and prices a cart snapshot before handing off to the provider.
type StartCheckoutCommand struct {
	Caller          Principal
	TransactionHash string
	Payload         CheckoutPayload
}

// CheckoutSessionResult is returned to the client so it can redirect to the hosted checkout.
type CheckoutSessionResult struct {
	TransactionHash string
	SessionID       string
	RedirectURL     string
	Amount          int64
	Currency        string
	ExpiresAt       time.Time
}

// FinalizeCheckoutCommand turns a paid checkout into an order. Payload is ignored when the server
// already holds a pending checkout for the transaction hash.
type FinalizeCheckoutCommand struct {
	Caller           Principal
	TransactionHash  string
	PaymentSessionID string
	Payload          *CheckoutPayload
}

// FinalizeResult carries the order and whether it already existed.
type FinalizeResult struct {
	Order    Order
	Replayed bool
}

// ConfirmPaymentCommand re-runs payment confirmation for an order located by id or transaction hash.
type ConfirmPaymentCommand struct {
	Caller          Principal
	OrderID         string
	TransactionHash string
	// Background is set by job runners: an unconfirmed payment is returned as an error for the
	// queue to redeliver instead of scheduling another job.
	Background bool
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type            string
	OrderID         string
	UserID          string
	TransactionHash string
	PreviousStatus  string
	CurrentStatus   string
	ActorID         string
	OccurredAt      time.Time
	Metadata        map[string]any
}

// JobScheduler enqueues asynchronous retries of pipeline steps.
type JobScheduler interface {
	EnqueueCartReconcile(ctx context.Context, orderID string) error
	EnqueuePaymentConfirm(ctx context.Context, orderID string) error
}

// JobRunner executes a delivered job message.
type JobRunner interface {
	Run(ctx context.Context, msg JobMessage) error
}

// PaymentProvider is the subset of the payments package the checkout pipeline consumes.
type PaymentProvider = payments.Provider
