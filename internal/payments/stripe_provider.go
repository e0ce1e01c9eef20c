package payments

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const (
	stripeMinSessionTTL = 30 * time.Minute
	stripeMaxSessionTTL = 24 * time.Hour
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	sessions stripeSessionAPI
}

// StripeProvider implements Provider on top of Stripe Checkout.
type StripeProvider struct {
	sessions stripeSessionAPI
	clock    func() time.Time
	logger   StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	sessions := cfg.sessions
	if sessions == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		sessions = client.New(apiKey, cfg.Backends).CheckoutSessions
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		sessions: sessions,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateCheckoutSession creates a Stripe Checkout session in payment mode.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error) {
	if len(req.Items) == 0 {
		return CheckoutSession{}, errors.New("stripe: at least one line item is required")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if ref := strings.TrimSpace(req.CustomerRef); ref != "" {
		params.ClientReferenceID = stripe.String(ref)
	}
	if expires := p.sessionExpiry(req.ExpiresAt); !expires.IsZero() {
		params.ExpiresAt = stripe.Int64(expires.Unix())
	}
	if len(req.Metadata) > 0 {
		params.Metadata = maps.Clone(req.Metadata)
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: maps.Clone(req.Metadata),
		}
	}

	params.LineItems = make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if item.ItemID != "" {
			product.Metadata = map[string]string{"item_id": item.ItemID}
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				UnitAmount:  stripe.Int64(item.Amount),
				ProductData: product,
			},
		})
	}

	session, err := p.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, mapStripeError("create checkout session", err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"amount":    session.AmountTotal,
		"currency":  session.Currency,
	})

	out := CheckoutSession{
		ID:          session.ID,
		RedirectURL: session.URL,
		AmountTotal: session.AmountTotal,
	}
	if session.ExpiresAt != 0 {
		out.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return out, nil
}

// GetSessionStatus reads the session and normalises its payment state.
func (p *StripeProvider) GetSessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionStatus{}, fmt.Errorf("%w: session id is required", ErrSessionNotFound)
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent")

	session, err := p.sessions.Get(sessionID, params)
	if err != nil {
		return SessionStatus{}, mapStripeError("get checkout session", err)
	}
	status := stripeSessionStatus(session)
	p.logger(ctx, "payments.stripe.session.checked", map[string]any{
		"sessionId": session.ID,
		"state":     string(status.State),
	})
	return status, nil
}

func stripeSessionStatus(session *stripe.CheckoutSession) SessionStatus {
	out := SessionStatus{
		SessionID:   session.ID,
		State:       SessionUnknown,
		Reference:   session.ID,
		AmountTotal: session.AmountTotal,
		Currency:    strings.ToUpper(string(session.Currency)),
		Metadata:    maps.Clone(session.Metadata),
	}
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		out.Reference = session.PaymentIntent.ID
	}

	switch session.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid, stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		out.State = SessionPaid
		return out
	}
	switch session.Status {
	case stripe.CheckoutSessionStatusExpired, stripe.CheckoutSessionStatusOpen:
		out.State = SessionUnpaid
	default:
		// Completed but unpaid sessions are waiting on an asynchronous payment method.
		out.State = SessionUnknown
	}
	return out
}

func (p *StripeProvider) sessionExpiry(requested time.Time) time.Time {
	if requested.IsZero() {
		return time.Time{}
	}
	now := p.clock()
	switch ttl := requested.Sub(now); {
	case ttl < stripeMinSessionTTL:
		return now.Add(stripeMinSessionTTL)
	case ttl > stripeMaxSessionTTL:
		return now.Add(stripeMaxSessionTTL - time.Minute)
	default:
		return requested
	}
}

func mapStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Code == stripe.ErrorCodeResourceMissing:
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrSessionNotFound, err)
		case stripeErr.HTTPStatusCode >= http.StatusInternalServerError, stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrProviderUnavailable, err)
		}
		return fmt.Errorf("stripe: %s: %w", op, err)
	}
	return fmt.Errorf("stripe: %s: %w: %v", op, ErrProviderUnavailable, err)
}
