package handlers

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/platform/auth"
	"github.com/plankworks/api/internal/platform/httpx"
	"github.com/plankworks/api/internal/platform/textutil"
	"github.com/plankworks/api/internal/services"
)

const (
	defaultOrderPageSize    = 20
	maxOrderPageSize        = 100
	maxOrderMutationBody    = 8 * 1024
	maxReasonRunes          = 500
	defaultMaxProofBytes    = 10 << 20
	multipartMemoryLimit    = 1 << 20
	deliveryProofFormField  = "file"
	expectedStatusFormField = "expected_status"
)

var validOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusOnProcess:           {},
	domain.OrderStatusDelivered:           {},
	domain.OrderStatusRequestingForRefund: {},
	domain.OrderStatusRefunded:            {},
	domain.OrderStatusCancelled:           {},
}

type transitionStatusRequest struct {
	Status         string `json:"status"`
	ExpectedStatus string `json:"expected_status"`
	DeliveryProof  string `json:"delivery_proof"`
	Reason         string `json:"reason"`
}

type requestRefundRequest struct {
	Reason         string `json:"reason"`
	ExpectedStatus string `json:"expected_status"`
}

// OrderHandlers exposes order reads and status transitions for authenticated callers.
type OrderHandlers struct {
	authn         *auth.Authenticator
	orders        services.OrderService
	idempotency   func(http.Handler) http.Handler
	maxProofBytes int64
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderIdempotency guards mutating order routes with the given middleware.
func WithOrderIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

// WithMaxProofBytes caps delivery-proof uploads.
func WithMaxProofBytes(limit int64) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if limit > 0 {
			h.maxProofBytes = limit
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:         authn,
		orders:        orders,
		maxProofBytes: defaultMaxProofBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders read and lifecycle endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	reads := authedGroup(r, h.authn, nil, false)
	reads.Get("/", h.listOrders)
	reads.Get("/{orderID}", h.getOrder)

	writes := authedGroup(r, h.authn, h.idempotency, true)
	writes.Put("/{orderID}/status", h.transitionStatus)
	writes.Put("/{orderID}/request-refund", h.requestRefund)
	writes.Post("/{orderID}/delivery-proof", h.attachDeliveryProof)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	caller, ok := principalFrom(r)
	if !ok {
		writeUnauthenticated(w, r)
		return
	}

	query := r.URL.Query()
	var statuses []services.OrderStatus
	for _, raw := range parseFilterValues(query["status"]) {
		status, ok := parseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("unknown status %q", raw), http.StatusBadRequest))
			return
		}
		statuses = append(statuses, status)
	}

	var reviewRequired *bool
	if raw := strings.TrimSpace(query.Get("review_required")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "review_required must be a boolean", http.StatusBadRequest))
			return
		}
		reviewRequired = &value
	}

	pageSize := defaultOrderPageSize
	if sizeRaw := strings.TrimSpace(query.Get("page_size")); sizeRaw != "" {
		size, err := strconv.Atoi(sizeRaw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "page_size must be an integer", http.StatusBadRequest))
			return
		}
		switch {
		case size <= 0:
			pageSize = defaultOrderPageSize
		case size > maxOrderPageSize:
			pageSize = maxOrderPageSize
		default:
			pageSize = size
		}
	}

	filter := services.OrderListFilter{
		Statuses:       statuses,
		ReviewRequired: reviewRequired,
		Pagination: services.Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(query.Get("page_token")),
		},
	}
	if !caller.IsPrivileged() {
		filter.UserID = caller.ID
	} else if userID := strings.TrimSpace(query.Get("user_id")); userID != "" {
		filter.UserID = userID
	}

	page, err := h.orders.ListOrders(ctx, caller, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, caller, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}

	var req transitionStatusRequest
	if !decodeOrderBody(w, r, &req) {
		return
	}
	target, ok := parseOrderStatus(req.Status)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a valid order status", http.StatusBadRequest))
		return
	}
	expected, ok := parseExpectedStatus(ctx, w, req.ExpectedStatus)
	if !ok {
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		Caller:         caller,
		OrderID:        orderID,
		TargetStatus:   target,
		ExpectedStatus: expected,
		DeliveryProof:  strings.TrimSpace(req.DeliveryProof),
		Reason:         textutil.PlainText(req.Reason, maxReasonRunes),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requestRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}

	var req requestRefundRequest
	if r.ContentLength != 0 {
		if !decodeOrderBody(w, r, &req) {
			return
		}
	}
	expected, ok := parseExpectedStatus(ctx, w, req.ExpectedStatus)
	if !ok {
		return
	}

	order, err := h.orders.RequestRefund(ctx, services.RequestRefundCommand{
		Caller:         caller,
		OrderID:        orderID,
		Reason:         textutil.PlainText(req.Reason, maxReasonRunes),
		ExpectedStatus: expected,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) attachDeliveryProof(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, orderID, ok := h.orderRequest(w, r)
	if !ok {
		return
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "multipart/form-data body is required", http.StatusUnsupportedMediaType))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxProofBytes+multipartMemoryLimit)
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "delivery proof exceeds allowed size", http.StatusRequestEntityTooLarge))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid multipart body", http.StatusBadRequest))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(deliveryProofFormField)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "file field is required", http.StatusBadRequest))
		return
	}
	defer file.Close()
	if header.Size > h.maxProofBytes {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "delivery proof exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	expected, ok := parseExpectedStatus(ctx, w, r.FormValue(expectedStatusFormField))
	if !ok {
		return
	}

	order, err := h.orders.AttachDeliveryProof(ctx, services.AttachDeliveryProofCommand{
		Caller:         caller,
		OrderID:        orderID,
		FileName:       header.Filename,
		ContentType:    header.Header.Get("Content-Type"),
		Size:           header.Size,
		Body:           file,
		ExpectedStatus: expected,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

// orderRequest resolves the caller and order id shared by every single-order route.
func (h *OrderHandlers) orderRequest(w http.ResponseWriter, r *http.Request) (services.Principal, string, bool) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return services.Principal{}, "", false
	}
	caller, ok := principalFrom(r)
	if !ok {
		writeUnauthenticated(w, r)
		return services.Principal{}, "", false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return services.Principal{}, "", false
	}
	return caller, orderID, true
}

func decodeOrderBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst, maxOrderMutationBody); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	return true
}

func parseExpectedStatus(ctx context.Context, w http.ResponseWriter, raw string) (*services.OrderStatus, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, true
	}
	status, ok := parseOrderStatus(raw)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expected_status must be a valid order status", http.StatusBadRequest))
		return nil, false
	}
	return &status, true
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID             string `json:"id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	Amount         int64  `json:"amount"`
	ReviewRequired bool   `json:"review_required,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                string                   `json:"id"`
	UserID            string                   `json:"user_id"`
	Status            string                   `json:"status"`
	TransactionHash   string                   `json:"transaction_hash"`
	Currency          string                   `json:"currency"`
	Amount            int64                    `json:"amount"`
	ShippingFee       int64                    `json:"shipping_fee"`
	DeliveryOption    string                   `json:"delivery_option"`
	ScheduledDate     string                   `json:"scheduled_date,omitempty"`
	Lines             []orderLinePayload       `json:"lines"`
	Payment           orderPaymentPayload      `json:"payment"`
	CartStatus        string                   `json:"cart_status,omitempty"`
	DeliveryProof     *string                  `json:"delivery_proof,omitempty"`
	RefundReason      *string                  `json:"refund_reason,omitempty"`
	Review            *orderReviewPayload      `json:"review,omitempty"`
	History           []orderTransitionPayload `json:"history,omitempty"`
	CreatedAt         string                   `json:"created_at"`
	UpdatedAt         string                   `json:"updated_at,omitempty"`
	DeliveredAt       string                   `json:"delivered_at,omitempty"`
	RefundRequestedAt string                   `json:"refund_requested_at,omitempty"`
	RefundedAt        string                   `json:"refunded_at,omitempty"`
	CancelledAt       string                   `json:"cancelled_at,omitempty"`
}

type orderLinePayload struct {
	ItemID        string                `json:"item_id"`
	ItemName      string                `json:"item_name,omitempty"`
	Quantity      int                   `json:"quantity"`
	UnitPrice     int64                 `json:"unit_price"`
	Total         int64                 `json:"total"`
	Customizable  bool                  `json:"customizable"`
	Customization *customizationPayload `json:"customization,omitempty"`
	StockStatus   string                `json:"stock_status,omitempty"`
}

type customizationPayload struct {
	Dimensions dimensionsPayload `json:"dimensions"`
	Materials  materialsPayload  `json:"materials"`
	LaborDays  int               `json:"labor_days,omitempty"`
}

type dimensionsPayload struct {
	LengthFt float64 `json:"length_ft"`
	WidthFt  float64 `json:"width_ft"`
	HeightFt float64 `json:"height_ft"`
}

type materialsPayload struct {
	Frame    string `json:"frame"`
	Tabletop string `json:"tabletop"`
}

type orderPaymentPayload struct {
	SessionID string  `json:"session_id,omitempty"`
	Status    string  `json:"status,omitempty"`
	Reference *string `json:"reference,omitempty"`
	CheckedAt string  `json:"checked_at,omitempty"`
}

type orderReviewPayload struct {
	Required bool                 `json:"required"`
	Issues   []reviewIssuePayload `json:"issues,omitempty"`
}

type reviewIssuePayload struct {
	Code      string `json:"code"`
	ItemID    string `json:"item_id,omitempty"`
	LineIndex *int   `json:"line_index,omitempty"`
	Message   string `json:"message,omitempty"`
	At        string `json:"at,omitempty"`
}

type orderTransitionPayload struct {
	From      string `json:"from,omitempty"`
	To        string `json:"to"`
	ActorID   string `json:"actor_id,omitempty"`
	ActorRole string `json:"actor_role,omitempty"`
	Reason    string `json:"reason,omitempty"`
	At        string `json:"at"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:             order.ID,
		UserID:         order.UserID,
		Status:         string(order.Status),
		Currency:       order.Currency,
		Amount:         order.Amount,
		ReviewRequired: order.Review.Required,
		CreatedAt:      formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		UserID:          order.UserID,
		Status:          string(order.Status),
		TransactionHash: order.TransactionHash,
		Currency:        order.Currency,
		Amount:          order.Amount,
		ShippingFee:     order.ShippingFee,
		DeliveryOption:  string(order.DeliveryOption),
		ScheduledDate:   formatTimePtr(order.ScheduledDate),
		Lines:           make([]orderLinePayload, 0, len(order.Lines)),
		Payment: orderPaymentPayload{
			SessionID: order.PaymentSessionID,
			Status:    string(order.PaymentStatus),
			Reference: cloneStringPointer(order.PaymentReference),
			CheckedAt: formatTimePtr(order.PaymentCheckedAt),
		},
		CartStatus:        string(order.CartStatus),
		DeliveryProof:     cloneStringPointer(order.DeliveryProof),
		RefundReason:      cloneStringPointer(order.RefundReason),
		CreatedAt:         formatTime(order.CreatedAt),
		UpdatedAt:         formatTime(order.UpdatedAt),
		DeliveredAt:       formatTimePtr(order.DeliveredAt),
		RefundRequestedAt: formatTimePtr(order.RefundRequestedAt),
		RefundedAt:        formatTimePtr(order.RefundedAt),
		CancelledAt:       formatTimePtr(order.CancelledAt),
	}
	for _, line := range order.Lines {
		payload.Lines = append(payload.Lines, orderLinePayload{
			ItemID:        line.ItemID,
			ItemName:      line.ItemName,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			Total:         line.Total(),
			Customizable:  line.Customizable,
			Customization: buildCustomizationPayload(line.Customization),
			StockStatus:   string(line.StockStatus),
		})
	}
	if order.Review.Required || len(order.Review.Issues) > 0 {
		review := &orderReviewPayload{Required: order.Review.Required}
		for _, issue := range order.Review.Issues {
			review.Issues = append(review.Issues, reviewIssuePayload{
				Code:      string(issue.Code),
				ItemID:    issue.ItemID,
				LineIndex: issue.LineIndex,
				Message:   issue.Message,
				At:        formatTime(issue.At),
			})
		}
		payload.Review = review
	}
	for _, entry := range order.History {
		payload.History = append(payload.History, orderTransitionPayload{
			From:      string(entry.From),
			To:        string(entry.To),
			ActorID:   entry.ActorID,
			ActorRole: entry.ActorRole,
			Reason:    entry.Reason,
			At:        formatTime(entry.At),
		})
	}
	return payload
}

func buildCustomizationPayload(c *domain.LineCustomization) *customizationPayload {
	if c == nil {
		return nil
	}
	return &customizationPayload{
		Dimensions: dimensionsPayload{LengthFt: c.Dimensions.LengthFt, WidthFt: c.Dimensions.WidthFt, HeightFt: c.Dimensions.HeightFt},
		Materials:  materialsPayload{Frame: c.Materials.Frame, Tabletop: c.Materials.Tabletop},
		LaborDays:  c.LaborDays,
	}
}

// writeOrderError maps order service failures onto the API error envelope. Specific sentinels are
// checked before their categories.
func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var ineligible *services.RefundIneligibleError
	switch {
	case errors.As(err, &ineligible):
		reasons := make([]string, len(ineligible.Reasons))
		for i, reason := range ineligible.Reasons {
			reasons[i] = string(reason)
		}
		httpx.WriteError(ctx, w, httpx.NewError("refund_not_eligible", err.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"reasons": reasons}))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderMissingDeliveryProof):
		httpx.WriteError(ctx, w, httpx.NewError("delivery_proof_required", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderNotFound), errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderProofStoreFailed):
		httpx.WriteError(ctx, w, httpx.NewError("proof_upload_failed", "delivery proof could not be stored", http.StatusBadGateway))
	case errors.Is(err, services.ErrExternalDependency):
		httpx.WriteError(ctx, w, httpx.NewError("order_unavailable", "order service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func parseOrderStatus(raw string) (services.OrderStatus, bool) {
	status := domain.OrderStatus(strings.TrimSpace(strings.ToLower(raw)))
	if _, ok := validOrderStatuses[status]; !ok {
		return "", false
	}
	return status, true
}

func parseFilterValues(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}
