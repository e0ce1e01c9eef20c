package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/services"
)

func TestNewRouterServesHealthEndpoints(t *testing.T) {
	router := NewRouter()
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200, got %d", path, rr.Code)
		}
	}
}

func TestNewRouterUnconfiguredGroupsAnswerNotImplemented(t *testing.T) {
	router := NewRouter()
	cases := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/orders"},
		{http.MethodPut, "/api/v1/orders/ord_1/status"},
		{http.MethodPost, "/api/v1/items/table-1/calculate-price"},
		{http.MethodPost, "/api/v1/webhooks/payments/stripe"},
		{http.MethodPost, "/api/v1/internal/jobs/pubsub"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, nil))
		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("%s %s: expected status 501, got %d", tc.method, tc.path, rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if body["error"] != "not_implemented" {
			t.Fatalf("expected not_implemented code, got %v", body["error"])
		}
	}
}

func TestNewRouterUnknownRoute(t *testing.T) {
	rr := httptest.NewRecorder()
	NewRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), errorNotFoundCode) {
		t.Fatalf("expected %s code, got %s", errorNotFoundCode, rr.Body.String())
	}
}

func TestNewRouterComposesOrderRegistrars(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, _ services.Principal, id string) (services.Order, error) {
			order := sampleOrder(domain.OrderStatusOnProcess)
			order.ID = id
			return order, nil
		},
	}
	checkout := &stubCheckoutService{
		finalizeFn: func(context.Context, services.FinalizeCheckoutCommand) (services.FinalizeResult, error) {
			return services.FinalizeResult{Order: sampleOrder(domain.OrderStatusOnProcess)}, nil
		},
	}
	router := NewRouter(
		WithOrderRoutes(Compose(
			NewOrderHandlers(nil, orders).Routes,
			NewCheckoutHandlers(nil, checkout, nil).OrderRoutes,
		)),
	)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, asActor(httptest.NewRequest(http.MethodGet, "/api/v1/orders/ord_9", nil), "u1", services.RoleCustomer))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected order read to succeed, got %d: %s", rr.Code, rr.Body.String())
	}

	body := `{"transaction_hash":"u1-1","payment_session_id":"cs_1"}`
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, asActor(httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body)), "u1", services.RoleCustomer))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected finalization to succeed, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNewRouterAppliesGroupMiddlewares(t *testing.T) {
	var webhookHits, internalHits int
	counting := func(counter *int) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				*counter++
				next.ServeHTTP(w, r)
			})
		}
	}
	noop := func(r chi.Router) {
		r.Post("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}
	router := NewRouter(
		WithWebhookRoutes(noop),
		WithWebhookMiddlewares(counting(&webhookHits)),
		WithInternalRoutes(noop),
		WithInternalMiddlewares(counting(&internalHits)),
	)

	for _, path := range []string{"/api/v1/webhooks/ping", "/api/v1/internal/ping", "/api/v1/internal/ping"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s: expected status 204, got %d", path, rr.Code)
		}
	}
	if webhookHits != 1 || internalHits != 2 {
		t.Fatalf("expected group middleware hits 1/2, got %d/%d", webhookHits, internalHits)
	}
}
