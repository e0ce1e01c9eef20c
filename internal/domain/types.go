package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderStatus enumerates the lifecycle states of a placed order.
type OrderStatus string

const (
	// OrderStatusOnProcess is the initial state after checkout finalization.
	OrderStatusOnProcess OrderStatus = "on_process"
	// OrderStatusDelivered indicates the goods reached the customer and proof was recorded.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusRequestingForRefund indicates the customer asked for a refund.
	OrderStatusRequestingForRefund OrderStatus = "requesting_for_refund"
	// OrderStatusRefunded is terminal.
	OrderStatusRefunded OrderStatus = "refunded"
	// OrderStatusCancelled is terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// DeliveryOption selects how the goods reach the customer.
type DeliveryOption string

const (
	DeliveryOptionShipping DeliveryOption = "shipping"
	DeliveryOptionPickup   DeliveryOption = "pickup"
)

// PaymentStatus tracks what the payment provider last reported for the order.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusUnpaid  PaymentStatus = "unpaid"
	// PaymentStatusUnknown means the provider could not be reached or had no verdict yet.
	PaymentStatusUnknown PaymentStatus = "unknown"
)

// LineStockStatus records whether the inventory decrement for a line was applied.
type LineStockStatus string

const (
	LineStockPending   LineStockStatus = "pending"
	LineStockCommitted LineStockStatus = "committed"
	LineStockOversold  LineStockStatus = "oversold"
)

// CartSyncStatus records whether purchased items were removed from the customer's cart.
type CartSyncStatus string

const (
	CartSyncPending    CartSyncStatus = "pending"
	CartSyncReconciled CartSyncStatus = "reconciled"
	CartSyncRetrying   CartSyncStatus = "retrying"
)

// ReviewIssueCode classifies why an order entered the manual reconciliation queue.
type ReviewIssueCode string

const (
	ReviewIssueStockOversold         ReviewIssueCode = "stock_oversold"
	ReviewIssuePaymentUnconfirmed    ReviewIssueCode = "payment_unconfirmed"
	ReviewIssuePaymentAmountMismatch ReviewIssueCode = "payment_amount_mismatch"
)

// Order is the durable record created exactly once per transaction hash.
type Order struct {
	ID                string
	UserID            string
	Lines             []OrderLine
	Amount            int64
	Currency          string
	ShippingFee       int64
	DeliveryOption    DeliveryOption
	ScheduledDate     *time.Time
	Status            OrderStatus
	TransactionHash   string
	PaymentSessionID  string
	PaymentReference  *string
	PaymentStatus     PaymentStatus
	PaymentCheckedAt  *time.Time
	DeliveryProof     *string
	CartStatus        CartSyncStatus
	Review            OrderReview
	History           []StatusTransition
	RefundReason      *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	DeliveredAt       *time.Time
	RefundRequestedAt *time.Time
	RefundedAt        *time.Time
	CancelledAt       *time.Time
}

// HasCustomizedLines reports whether any line was built to the customer's dimensions.
func (o Order) HasCustomizedLines() bool {
	for _, line := range o.Lines {
		if line.Customizable {
			return true
		}
	}
	return false
}

// PendingLineIndexes lists the lines whose stock decrement has not been applied yet.
func (o Order) PendingLineIndexes() []int {
	var out []int
	for i, line := range o.Lines {
		if line.StockStatus == "" || line.StockStatus == LineStockPending {
			out = append(out, i)
		}
	}
	return out
}

// ItemIDs returns the distinct item ids referenced by the order lines in order of appearance.
func (o Order) ItemIDs() []string {
	seen := make(map[string]struct{}, len(o.Lines))
	out := make([]string, 0, len(o.Lines))
	for _, line := range o.Lines {
		if _, ok := seen[line.ItemID]; ok {
			continue
		}
		seen[line.ItemID] = struct{}{}
		out = append(out, line.ItemID)
	}
	return out
}

// OrderLine is a snapshot of the purchased item at the time of checkout.
type OrderLine struct {
	ItemID        string
	ItemName      string
	Quantity      int
	UnitPrice     int64
	Customizable  bool
	Customization *LineCustomization
	StockStatus   LineStockStatus
}

// Total returns the line amount in minor units.
func (l OrderLine) Total() int64 {
	return l.UnitPrice * int64(l.Quantity)
}

// LineCustomization captures the build parameters a customized line was priced with.
type LineCustomization struct {
	Dimensions Dimensions
	Materials  MaterialSelection
	LaborDays  int
}

// OrderReview marks an order for manual reconciliation.
type OrderReview struct {
	Required bool
	Issues   []ReviewIssue
}

// ReviewIssue is one reason an order needs manual attention.
type ReviewIssue struct {
	Code      ReviewIssueCode
	ItemID    string
	LineIndex *int
	Message   string
	At        time.Time
}

// StatusTransition is an append-only history entry.
type StatusTransition struct {
	From      OrderStatus
	To        OrderStatus
	ActorID   string
	ActorRole string
	Reason    string
	At        time.Time
}

// Item is a catalog entry that can be purchased.
type Item struct {
	ID            string
	Name          string
	Price         int64
	Currency      string
	Stock         int
	Customizable  bool
	Customization *CustomizationOptions
	UpdatedAt     time.Time
}

// CartEntry is a single item in a customer's cart.
type CartEntry struct {
	UserID        string
	ItemID        string
	Quantity      int
	Customization *LineCustomization
	AddedAt       time.Time
}

// CheckoutLine is a client-submitted line of a checkout payload.
type CheckoutLine struct {
	ItemID        string
	Quantity      int
	UnitPrice     int64
	Customization *LineCustomization
}

// CheckoutPayload is the cart snapshot a checkout was started with.
type CheckoutPayload struct {
	Lines          []CheckoutLine
	DeliveryOption DeliveryOption
	ScheduledDate  *time.Time
}

// PendingCheckout persists the checkout payload server-side between session creation and finalization.
type PendingCheckout struct {
	TransactionHash string
	UserID          string
	Payload         CheckoutPayload
	SessionID       string
	RedirectURL     string
	Amount          int64
	Currency        string
	CreatedAt       time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the pending checkout can no longer be used as the source of truth.
func (p PendingCheckout) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}
