package payments

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProviderUnavailable indicates the provider could not be reached or timed out.
	ErrProviderUnavailable = errors.New("payments: provider unavailable")
	// ErrSessionNotFound indicates the provider has no session with the given id.
	ErrSessionNotFound = errors.New("payments: session not found")
	// ErrInvalidSignature indicates a webhook payload failed signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
)

// SessionState is the provider's verdict on a checkout session.
type SessionState string

const (
	SessionPaid    SessionState = "paid"
	SessionUnpaid  SessionState = "unpaid"
	SessionUnknown SessionState = "unknown"
)

// CheckoutLineItem describes a single line item to include in a checkout session.
type CheckoutLineItem struct {
	Name     string
	ItemID   string
	Quantity int64
	Amount   int64
}

// CheckoutSessionRequest captures the payload required to create a hosted checkout session.
type CheckoutSessionRequest struct {
	Currency       string
	CustomerRef    string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []CheckoutLineItem
	ExpiresAt      time.Time
}

// CheckoutSession represents the hosted session returned to the client.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	AmountTotal int64
	ExpiresAt   time.Time
}

// SessionStatus is the result of looking up a session after the customer returns.
type SessionStatus struct {
	SessionID   string
	State       SessionState
	Reference   string
	AmountTotal int64
	Currency    string
	Metadata    map[string]string
}

// Provider defines the contract for hosted checkout adapters.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error)
}
