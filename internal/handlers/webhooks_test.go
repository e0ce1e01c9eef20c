package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/payments"
	"github.com/plankworks/api/internal/services"
)

type stubWebhookParser struct {
	event     payments.WebhookEvent
	err       error
	signature string
}

func (s *stubWebhookParser) Parse(_ []byte, signature string) (payments.WebhookEvent, error) {
	s.signature = signature
	return s.event, s.err
}

func completedEvent(hash string) payments.WebhookEvent {
	return payments.WebhookEvent{
		ID:   "evt_1",
		Kind: payments.WebhookSessionCompleted,
		Type: "checkout.session.completed",
		Session: payments.SessionStatus{
			SessionID: "cs_test_1",
			State:     payments.SessionPaid,
			Reference: "pi_1",
			Metadata:  map[string]string{payments.MetadataTransactionHash: hash},
		},
	}
}

func serveWebhook(t *testing.T, parser WebhookParser, checkout services.CheckoutService) (*httptest.ResponseRecorder, webhookAckResponse) {
	t.Helper()
	router := chi.NewRouter()
	router.Route("/webhooks", NewPaymentWebhookHandlers(parser, checkout).Routes)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	var ack webhookAckResponse
	_ = json.Unmarshal(rr.Body.Bytes(), &ack)
	return rr, ack
}

func TestPaymentWebhookFinalizesAsSystem(t *testing.T) {
	var captured services.FinalizeCheckoutCommand
	checkout := &stubCheckoutService{
		finalizeFn: func(_ context.Context, cmd services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
			captured = cmd
			return services.FinalizeResult{Order: sampleOrder(domain.OrderStatusOnProcess)}, nil
		},
	}
	parser := &stubWebhookParser{event: completedEvent("u1-1")}
	rr, ack := serveWebhook(t, parser, checkout)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if parser.signature != "t=1,v1=abc" {
		t.Fatalf("expected signature header forwarded, got %q", parser.signature)
	}
	if captured.Caller.Role != services.RoleSystem || captured.TransactionHash != "u1-1" || captured.PaymentSessionID != "cs_test_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Payload != nil {
		t.Fatalf("webhook must rely on the stored checkout payload")
	}
	if ack.Outcome != "finalized" || ack.OrderID != "ord_123" {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestPaymentWebhookOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		replay  bool
		status  int
		outcome string
	}{
		{"replayed", nil, true, http.StatusOK, "replayed"},
		{"shortfall", &services.StockShortfallError{OrderID: "ord_123"}, false, http.StatusOK, "flagged_for_review"},
		{"rejected payload", fmt.Errorf("%w: no pending checkout", services.ErrCheckoutInvalidInput), false, http.StatusOK, "rejected"},
		{"store down", services.ErrCheckoutUnavailable, false, http.StatusServiceUnavailable, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkout := &stubCheckoutService{
				finalizeFn: func(context.Context, services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
					return services.FinalizeResult{Order: sampleOrder(domain.OrderStatusOnProcess), Replayed: tc.replay}, tc.err
				},
			}
			rr, ack := serveWebhook(t, &stubWebhookParser{event: completedEvent("u1-1")}, checkout)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			if tc.outcome != "" && ack.Outcome != tc.outcome {
				t.Fatalf("expected outcome %s, got %s", tc.outcome, ack.Outcome)
			}
		})
	}
}

func TestPaymentWebhookRejectsBadSignature(t *testing.T) {
	checkout := &stubCheckoutService{
		finalizeFn: func(context.Context, services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
			t.Fatalf("finalize must not run for unverified deliveries")
			return services.FinalizeResult{}, nil
		},
	}
	rr, _ := serveWebhook(t, &stubWebhookParser{err: payments.ErrInvalidSignature}, checkout)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "invalid_signature") {
		t.Fatalf("expected invalid_signature code, got %s", rr.Body.String())
	}
}

func TestPaymentWebhookIgnoresOtherEvents(t *testing.T) {
	event := completedEvent("")
	rr, ack := serveWebhook(t, &stubWebhookParser{event: event}, &stubCheckoutService{})
	if rr.Code != http.StatusOK || ack.Outcome != "ignored" {
		t.Fatalf("expected ignored completed event without hash, got %d %+v", rr.Code, ack)
	}

	event = payments.WebhookEvent{ID: "evt_2", Kind: payments.WebhookIgnored, Type: "charge.refunded"}
	rr, ack = serveWebhook(t, &stubWebhookParser{event: event}, &stubCheckoutService{})
	if rr.Code != http.StatusOK || ack.Outcome != "ignored" {
		t.Fatalf("expected ignored event, got %d %+v", rr.Code, ack)
	}
}
