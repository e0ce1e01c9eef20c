package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/plankworks/api/internal/payments"
	"github.com/plankworks/api/internal/platform/httpx"
	"github.com/plankworks/api/internal/platform/requestctx"
	"github.com/plankworks/api/internal/services"
)

const (
	maxWebhookBody         = 256 * 1024
	stripeSignatureHeader  = "Stripe-Signature"
	webhookPrincipalStripe = "stripe-webhook"
)

// WebhookParser verifies and decodes a provider webhook delivery.
type WebhookParser interface {
	Parse(payload []byte, signature string) (payments.WebhookEvent, error)
}

// PaymentWebhookHandlers finalizes orders from provider callbacks. It is the second caller of the
// same idempotent finalization entry point the client uses.
type PaymentWebhookHandlers struct {
	parser   WebhookParser
	checkout services.CheckoutService
}

// NewPaymentWebhookHandlers constructs webhook handlers.
func NewPaymentWebhookHandlers(parser WebhookParser, checkout services.CheckoutService) *PaymentWebhookHandlers {
	return &PaymentWebhookHandlers{parser: parser, checkout: checkout}
}

// Routes registers the /webhooks endpoints.
func (h *PaymentWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/stripe", h.handleStripe)
}

type webhookAckResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	OrderID  string `json:"order_id,omitempty"`
	Outcome  string `json:"outcome"`
}

// handleStripe answers 2xx for everything the provider should not redeliver, and 5xx only when a
// dependency failed so the provider retries later.
func (h *PaymentWebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "payment webhooks are not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read body", http.StatusBadRequest))
		return
	}
	if len(body) > maxWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "webhook body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.parser.Parse(body, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		code := "invalid_payload"
		if errors.Is(err, payments.ErrInvalidSignature) {
			code = "invalid_signature"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, "webhook could not be verified", http.StatusBadRequest))
		return
	}

	logger := requestctx.Logger(ctx).With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	ack := webhookAckResponse{Received: true, EventID: event.ID}

	switch event.Kind {
	case payments.WebhookSessionCompleted:
	case payments.WebhookSessionExpired:
		logger.Info("checkout session expired", zap.String("transaction_hash", event.TransactionHash()))
		ack.Outcome = "expired"
		writeJSONResponse(w, http.StatusOK, ack)
		return
	default:
		ack.Outcome = "ignored"
		writeJSONResponse(w, http.StatusOK, ack)
		return
	}

	hash := event.TransactionHash()
	if hash == "" {
		logger.Warn("completed session without transaction hash", zap.String("session_id", event.Session.SessionID))
		ack.Outcome = "ignored"
		writeJSONResponse(w, http.StatusOK, ack)
		return
	}

	result, err := h.checkout.FinalizeCheckout(ctx, services.FinalizeCheckoutCommand{
		Caller:           services.Principal{ID: webhookPrincipalStripe, Role: services.RoleSystem},
		TransactionHash:  hash,
		PaymentSessionID: event.Session.SessionID,
	})
	ack.OrderID = result.Order.ID
	var shortfall *services.StockShortfallError
	switch {
	case err == nil:
		ack.Outcome = "finalized"
		if result.Replayed {
			ack.Outcome = "replayed"
		}
	case errors.As(err, &shortfall):
		logger.Error("order committed with stock shortfall",
			zap.String("order_id", shortfall.OrderID),
			zap.String("transaction_hash", hash),
			zap.String("payment_reference", event.Session.Reference),
		)
		ack.Outcome = "flagged_for_review"
	case errors.Is(err, services.ErrExternalDependency):
		logger.Warn("webhook finalization failed, provider will retry", zap.String("transaction_hash", hash), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("finalization_unavailable", "order could not be finalized yet", http.StatusServiceUnavailable))
		return
	default:
		// Redelivery cannot change a validation verdict, so the delivery is acknowledged.
		logger.Error("webhook finalization rejected",
			zap.String("transaction_hash", hash),
			zap.String("session_id", event.Session.SessionID),
			zap.String("payment_reference", event.Session.Reference),
			zap.Error(err),
		)
		ack.Outcome = "rejected"
	}
	writeJSONResponse(w, http.StatusOK, ack)
}
