package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/services"
)

func newCheckoutRouter(svc services.CheckoutService) chi.Router {
	h := NewCheckoutHandlers(nil, svc, nil)
	router := chi.NewRouter()
	router.Route("/orders", h.OrderRoutes)
	router.Route("/checkout", h.Routes)
	return router
}

const finalizeBody = `{
	"transaction_hash": "u1-1",
	"payment_session_id": "cs_test_1",
	"payload": {
		"delivery_option": "shipping",
		"scheduled_date": "2026-11-02",
		"lines": [{
			"item_id": "table-1",
			"quantity": 1,
			"unit_price": 874500,
			"customization": {
				"dimensions": {"length_ft": 5, "width_ft": 3, "height_ft": 4},
				"materials": {"frame": "oak", "tabletop": "oak"},
				"labor_days": 3
			}
		}]
	}
}`

func TestCheckoutHandlersFinalizeCreatesOrder(t *testing.T) {
	var captured services.FinalizeCheckoutCommand
	svc := &stubCheckoutService{
		finalizeFn: func(_ context.Context, cmd services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
			captured = cmd
			return services.FinalizeResult{Order: sampleOrder(domain.OrderStatusOnProcess)}, nil
		},
	}

	req := asActor(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(finalizeBody)), "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newCheckoutRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TransactionHash != "u1-1" || captured.PaymentSessionID != "cs_test_1" || captured.Caller.ID != "u1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.Payload == nil || len(captured.Payload.Lines) != 1 {
		t.Fatalf("expected payload with one line, got %+v", captured.Payload)
	}
	line := captured.Payload.Lines[0]
	if line.Customization == nil || line.Customization.Dimensions.HeightFt != 4 || line.Customization.LaborDays != 3 {
		t.Fatalf("unexpected customization %+v", line.Customization)
	}
	want := time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)
	if captured.Payload.ScheduledDate == nil || !captured.Payload.ScheduledDate.Equal(want) {
		t.Fatalf("expected scheduled date %s, got %v", want, captured.Payload.ScheduledDate)
	}

	var resp finalizeOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Replayed || resp.Reconciliation != nil || resp.Order.ID != "ord_123" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCheckoutHandlersFinalizeReplayReturns200(t *testing.T) {
	svc := &stubCheckoutService{
		finalizeFn: func(context.Context, services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
			return services.FinalizeResult{Order: sampleOrder(domain.OrderStatusOnProcess), Replayed: true}, nil
		},
	}
	req := asActor(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"transaction_hash":"u1-1"}`)), "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newCheckoutRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp finalizeOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !resp.Replayed {
		t.Fatalf("expected replayed flag")
	}
}

func TestCheckoutHandlersFinalizeSurfacesShortfall(t *testing.T) {
	svc := &stubCheckoutService{
		finalizeFn: func(context.Context, services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
			order := sampleOrder(domain.OrderStatusOnProcess)
			order.Lines[0].StockStatus = domain.LineStockOversold
			order.Review.Required = true
			return services.FinalizeResult{Order: order}, &services.StockShortfallError{
				OrderID:         order.ID,
				TransactionHash: order.TransactionHash,
				Lines:           []services.StockShortfallLine{{LineIndex: 0, ItemID: "table-1", Requested: 1, Available: 0}},
			}
		},
	}
	req := asActor(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(finalizeBody)), "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newCheckoutRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	var resp finalizeOrderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Reconciliation == nil || !resp.Reconciliation.Required || resp.Reconciliation.Code != "stock_oversold" {
		t.Fatalf("expected reconciliation block, got %+v", resp.Reconciliation)
	}
	if len(resp.Reconciliation.Lines) != 1 || resp.Reconciliation.Lines[0].ItemID != "table-1" {
		t.Fatalf("unexpected reconciliation lines %+v", resp.Reconciliation.Lines)
	}
	if resp.Order.Review == nil || !resp.Order.Review.Required {
		t.Fatalf("expected order to carry the review flag")
	}
}

func TestCheckoutHandlersFinalizeMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"insufficient stock", fmt.Errorf("%w: table-1", services.ErrCheckoutInsufficientStock), http.StatusConflict, "insufficient_stock"},
		{"price mismatch", services.ErrCheckoutPriceMismatch, http.StatusUnprocessableEntity, "price_mismatch"},
		{"dimensions", &services.DimensionError{Field: "length", Value: 11, Min: 2, Max: 10}, http.StatusUnprocessableEntity, "invalid_dimensions"},
		{"invalid input", services.ErrCheckoutInvalidInput, http.StatusBadRequest, "invalid_request"},
		{"forbidden", services.ErrCheckoutForbidden, http.StatusForbidden, "forbidden"},
		{"unavailable", services.ErrCheckoutUnavailable, http.StatusServiceUnavailable, "checkout_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				finalizeFn: func(context.Context, services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
					return services.FinalizeResult{}, tc.err
				},
			}
			req := asActor(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(finalizeBody)), "u1", services.RoleCustomer)
			rr := httptest.NewRecorder()
			newCheckoutRouter(svc).ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, rr.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body["error"] != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, body["error"])
			}
		})
	}
}

func TestCheckoutHandlersFinalizeRejectsBadBodies(t *testing.T) {
	for name, body := range map[string]string{
		"unknown field": `{"transaction_hash":"u1-1","total":1}`,
		"bad date":      `{"transaction_hash":"u1-1","payload":{"scheduled_date":"next week","lines":[]}}`,
		"trailing data": `{"transaction_hash":"u1-1"} {}`,
		"not json":      `transaction_hash=u1-1`,
	} {
		t.Run(name, func(t *testing.T) {
			req := asActor(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body)), "u1", services.RoleCustomer)
			rr := httptest.NewRecorder()
			newCheckoutRouter(&stubCheckoutService{}).ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rr.Code)
			}
		})
	}
}

func TestCheckoutHandlersConfirmPayment(t *testing.T) {
	var captured services.ConfirmPaymentCommand
	svc := &stubCheckoutService{
		confirmFn: func(_ context.Context, cmd services.ConfirmPaymentCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(domain.OrderStatusOnProcess), nil
		},
	}
	req := asActor(httptest.NewRequest(http.MethodPost, "/orders/confirm-payment", strings.NewReader(`{"transaction_hash":"u1-1"}`)), "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newCheckoutRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.TransactionHash != "u1-1" || captured.Background {
		t.Fatalf("unexpected command %+v", captured)
	}

	req = asActor(httptest.NewRequest(http.MethodPost, "/orders/confirm-payment", strings.NewReader(`{}`)), "u1", services.RoleCustomer)
	rr = httptest.NewRecorder()
	newCheckoutRouter(svc).ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 without locator, got %d", rr.Code)
	}
}

func TestCheckoutHandlersCreateSession(t *testing.T) {
	expires := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	svc := &stubCheckoutService{
		startFn: func(_ context.Context, cmd services.StartCheckoutCommand) (services.CheckoutSessionResult, error) {
			if cmd.TransactionHash != "u1-2" || cmd.Payload.DeliveryOption != domain.DeliveryOptionPickup {
				return services.CheckoutSessionResult{}, services.ErrCheckoutInvalidInput
			}
			return services.CheckoutSessionResult{
				TransactionHash: cmd.TransactionHash,
				SessionID:       "cs_test_2",
				RedirectURL:     "https://checkout.example/pay/cs_test_2",
				Amount:          120000,
				Currency:        "PHP",
				ExpiresAt:       expires,
			}, nil
		},
	}
	body := `{"transaction_hash":"u1-2","delivery_option":"Pickup","lines":[{"item_id":"stool-1","quantity":2,"unit_price":60000}]}`
	req := asActor(httptest.NewRequest(http.MethodPost, "/checkout/session", strings.NewReader(body)), "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newCheckoutRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp checkoutSessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.SessionID != "cs_test_2" || resp.Amount != 120000 || resp.ExpiresAt == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCheckoutHandlersRequireActor(t *testing.T) {
	rr := httptest.NewRecorder()
	newCheckoutRouter(&stubCheckoutService{}).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(finalizeBody)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
