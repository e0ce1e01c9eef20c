package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// WebhookEventKind classifies the provider events the checkout flow reacts to.
type WebhookEventKind string

const (
	WebhookSessionCompleted WebhookEventKind = "session_completed"
	WebhookSessionExpired   WebhookEventKind = "session_expired"
	WebhookIgnored          WebhookEventKind = "ignored"
)

// WebhookEvent is the provider-neutral view of a verified webhook delivery.
type WebhookEvent struct {
	ID      string
	Kind    WebhookEventKind
	Type    string
	Session SessionStatus
}

// TransactionHash returns the checkout transaction hash recorded on the session metadata.
func (e WebhookEvent) TransactionHash() string {
	return strings.TrimSpace(e.Session.Metadata[MetadataTransactionHash])
}

// Metadata keys written onto checkout sessions.
const (
	MetadataTransactionHash = "transaction_hash"
	MetadataUserID          = "user_id"
)

// StripeWebhookVerifier validates Stripe webhook signatures and decodes session events.
type StripeWebhookVerifier struct {
	secret string
}

// NewStripeWebhookVerifier constructs a verifier for the given endpoint secret.
func NewStripeWebhookVerifier(secret string) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	return &StripeWebhookVerifier{secret: secret}, nil
}

// Parse verifies the signature header and decodes the event payload.
func (v *StripeWebhookVerifier) Parse(payload []byte, signature string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := WebhookEvent{ID: event.ID, Type: string(event.Type), Kind: WebhookIgnored}
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded", "checkout.session.async_payment_failed":
		out.Kind = WebhookSessionCompleted
	case "checkout.session.expired":
		out.Kind = WebhookSessionExpired
	default:
		return out, nil
	}

	var session stripe.CheckoutSession
	if event.Data == nil {
		return WebhookEvent{}, errors.New("stripe: webhook event has no data")
	}
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode checkout session: %w", err)
	}
	out.Session = stripeSessionStatus(&session)
	return out, nil
}
