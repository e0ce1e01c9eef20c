package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/services"
)

func newOrderRouter(svc services.OrderService, opts ...OrderHandlersOption) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", NewOrderHandlers(nil, svc, opts...).Routes)
	return router
}

func sampleOrder(status domain.OrderStatus) services.Order {
	created := time.Date(2026, 3, 15, 9, 30, 0, 0, time.UTC)
	return services.Order{
		ID:              "ord_123",
		UserID:          "u1",
		Status:          status,
		TransactionHash: "u1-1",
		Currency:        "PHP",
		Amount:          874500 + 15000,
		ShippingFee:     15000,
		DeliveryOption:  domain.DeliveryOptionShipping,
		Lines: []services.OrderLine{{
			ItemID:       "table-1",
			ItemName:     "Oak Dining Table",
			Quantity:     1,
			UnitPrice:    874500,
			Customizable: true,
			Customization: &services.LineCustomization{
				Dimensions: services.Dimensions{LengthFt: 5, WidthFt: 3, HeightFt: 4},
				Materials:  domain.MaterialSelection{Frame: "oak", Tabletop: "oak"},
				LaborDays:  3,
			},
			StockStatus: domain.LineStockCommitted,
		}},
		PaymentStatus: domain.PaymentStatusPaid,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestOrderHandlersListOrdersScopesCustomers(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{
		listFn: func(_ context.Context, caller services.Principal, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder(domain.OrderStatusOnProcess)},
				NextPageToken: "tok-next",
			}, nil
		},
	}

	req := httptest.NewRequest(http.MethodGet, "/orders?status=on_process,delivered&review_required=true&page_size=500&page_token=tok123&user_id=someone-else", nil)
	req = asActor(req, "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "u1" {
		t.Fatalf("expected customer scoped to own orders, got %q", captured.UserID)
	}
	if len(captured.Statuses) != 2 || captured.Statuses[1] != domain.OrderStatusDelivered {
		t.Fatalf("unexpected statuses %v", captured.Statuses)
	}
	if captured.ReviewRequired == nil || !*captured.ReviewRequired {
		t.Fatalf("expected review_required filter")
	}
	if captured.Pagination.PageSize != maxOrderPageSize || captured.Pagination.PageToken != "tok123" {
		t.Fatalf("unexpected pagination %+v", captured.Pagination)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Amount != 889500 || resp.NextPageToken != "tok-next" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOrderHandlersListOrdersAdminMayFilterByUser(t *testing.T) {
	var captured services.OrderListFilter
	svc := &stubOrderService{
		listFn: func(_ context.Context, _ services.Principal, filter services.OrderListFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{}, nil
		},
	}
	req := asActor(httptest.NewRequest(http.MethodGet, "/orders?user_id=u9", nil), "admin-1", services.RoleAdmin)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.UserID != "u9" {
		t.Fatalf("expected admin user filter, got %q", captured.UserID)
	}
}

func TestOrderHandlersListOrdersRejectsBadFilters(t *testing.T) {
	cases := map[string]string{
		"unknown status":  "/orders?status=shipped",
		"bad page size":   "/orders?page_size=ten",
		"bad review flag": "/orders?review_required=maybe",
	}
	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			req := asActor(httptest.NewRequest(http.MethodGet, target, nil), "u1", services.RoleCustomer)
			rr := httptest.NewRecorder()
			newOrderRouter(&stubOrderService{}).ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rr.Code)
			}
		})
	}
}

func TestOrderHandlersRequireActor(t *testing.T) {
	rr := httptest.NewRecorder()
	newOrderRouter(&stubOrderService{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(_ context.Context, caller services.Principal, id string) (services.Order, error) {
			if id != "ord_123" {
				return services.Order{}, services.ErrOrderNotFound
			}
			return sampleOrder(domain.OrderStatusOnProcess), nil
		},
	}

	req := asActor(httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil), "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Order.TransactionHash != "u1-1" || len(resp.Order.Lines) != 1 {
		t.Fatalf("unexpected order payload %+v", resp.Order)
	}
	line := resp.Order.Lines[0]
	if line.Total != 874500 || line.Customization == nil || line.Customization.Materials.Frame != "oak" {
		t.Fatalf("unexpected line payload %+v", line)
	}

	req = asActor(httptest.NewRequest(http.MethodGet, "/orders/ord_missing", nil), "u1", services.RoleCustomer)
	rr = httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersTransitionStatus(t *testing.T) {
	var captured services.OrderStatusTransitionCommand
	svc := &stubOrderService{
		transitionFn: func(_ context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder(cmd.TargetStatus)
			proof := cmd.DeliveryProof
			order.DeliveryProof = &proof
			return order, nil
		},
	}

	body := `{"status":"delivered","expected_status":"on_process","delivery_proof":"gs://proofs/ord_123/a.jpg","reason":"<b>left at</b> door"}`
	req := asActor(httptest.NewRequest(http.MethodPut, "/orders/ord_123/status", strings.NewReader(body)), "admin-1", services.RoleAdmin)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Caller.Role != services.RoleAdmin || captured.OrderID != "ord_123" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusOnProcess {
		t.Fatalf("expected expected_status on_process, got %v", captured.ExpectedStatus)
	}
	if captured.Reason != "left at door" {
		t.Fatalf("expected sanitised reason, got %q", captured.Reason)
	}
}

func TestOrderHandlersTransitionStatusMapsErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid transition", fmt.Errorf("%w: refunded -> delivered", services.ErrOrderInvalidTransition), http.StatusConflict, "invalid_transition"},
		{"missing proof", services.ErrOrderMissingDeliveryProof, http.StatusUnprocessableEntity, "delivery_proof_required"},
		{"forbidden", services.ErrOrderForbidden, http.StatusForbidden, "forbidden"},
		{"cas conflict", services.ErrOrderConflict, http.StatusConflict, "order_conflict"},
		{"unavailable", services.ErrOrderUnavailable, http.StatusServiceUnavailable, "order_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrderService{
				transitionFn: func(context.Context, services.OrderStatusTransitionCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			req := asActor(httptest.NewRequest(http.MethodPut, "/orders/ord_123/status", strings.NewReader(`{"status":"delivered"}`)), "admin-1", services.RoleAdmin)
			rr := httptest.NewRecorder()
			newOrderRouter(svc).ServeHTTP(rr, req)
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

func TestOrderHandlersTransitionStatusRejectsUnknownStatus(t *testing.T) {
	req := asActor(httptest.NewRequest(http.MethodPut, "/orders/ord_123/status", strings.NewReader(`{"status":"shipped"}`)), "admin-1", services.RoleAdmin)
	rr := httptest.NewRecorder()
	newOrderRouter(&stubOrderService{}).ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersRequestRefund(t *testing.T) {
	var captured services.RequestRefundCommand
	svc := &stubOrderService{
		refundFn: func(_ context.Context, cmd services.RequestRefundCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(domain.OrderStatusRequestingForRefund), nil
		},
	}
	req := asActor(httptest.NewRequest(http.MethodPut, "/orders/ord_123/request-refund", strings.NewReader(`{"reason":"wrong  colour"}`)), "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Caller.ID != "u1" || captured.Reason != "wrong colour" || captured.ExpectedStatus != nil {
		t.Fatalf("unexpected command %+v", captured)
	}
}

func TestOrderHandlersRequestRefundIneligible(t *testing.T) {
	svc := &stubOrderService{
		refundFn: func(context.Context, services.RequestRefundCommand) (services.Order, error) {
			return services.Order{}, &services.RefundIneligibleError{Reasons: []services.RefundIneligibilityReason{
				services.RefundReasonWrongStatus,
				services.RefundReasonCustomizedItems,
			}}
		},
	}
	req := asActor(httptest.NewRequest(http.MethodPut, "/orders/ord_123/request-refund", nil), "u1", services.RoleCustomer)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}
	var body struct {
		Error   string   `json:"error"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Error != "refund_not_eligible" || len(body.Reasons) != 2 {
		t.Fatalf("unexpected body %+v", body)
	}
}

func multipartProof(t *testing.T, contentType string, payload []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="proof.jpg"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestOrderHandlersAttachDeliveryProof(t *testing.T) {
	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0}, bytes.Repeat([]byte{0x01}, 64)...)
	var captured services.AttachDeliveryProofCommand
	var uploaded []byte
	svc := &stubOrderService{
		proofFn: func(_ context.Context, cmd services.AttachDeliveryProofCommand) (services.Order, error) {
			captured = cmd
			data, err := io.ReadAll(cmd.Body)
			if err != nil {
				return services.Order{}, err
			}
			uploaded = data
			return sampleOrder(domain.OrderStatusDelivered), nil
		},
	}

	body, contentType := multipartProof(t, "image/jpeg", jpeg, map[string]string{"expected_status": "on_process"})
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123/delivery-proof", body)
	req.Header.Set("Content-Type", contentType)
	req = asActor(req, "admin-1", services.RoleAdmin)
	rr := httptest.NewRecorder()
	newOrderRouter(svc).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.FileName != "proof.jpg" || captured.ContentType != "image/jpeg" || captured.Size != int64(len(jpeg)) {
		t.Fatalf("unexpected command %+v", captured)
	}
	if !bytes.Equal(uploaded, jpeg) {
		t.Fatalf("expected uploaded bytes to round trip")
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusOnProcess {
		t.Fatalf("expected expected_status from form")
	}
}

func TestOrderHandlersAttachDeliveryProofRejectsOversizedAndNonMultipart(t *testing.T) {
	svc := &stubOrderService{
		proofFn: func(context.Context, services.AttachDeliveryProofCommand) (services.Order, error) {
			t.Fatalf("service must not be called")
			return services.Order{}, nil
		},
	}
	router := newOrderRouter(svc, WithMaxProofBytes(16))

	body, contentType := multipartProof(t, "image/png", bytes.Repeat([]byte{0x89}, 64), nil)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_123/delivery-proof", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, asActor(req, "admin-1", services.RoleAdmin))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status 413, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/orders/ord_123/delivery-proof", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, asActor(req, "admin-1", services.RoleAdmin))
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status 415, got %d", rr.Code)
	}
}
