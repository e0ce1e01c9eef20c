package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/platform/auth"
	"github.com/plankworks/api/internal/platform/httpx"
	"github.com/plankworks/api/internal/platform/requestctx"
	"github.com/plankworks/api/internal/services"
)

const maxCheckoutRequestBody = 64 * 1024

// CheckoutHandlers exposes hosted-checkout start and order finalization for authenticated users.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication. idempotency
// may be nil.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, idempotency func(http.Handler) http.Handler) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:       authn,
		checkout:    checkout,
		idempotency: idempotency,
	}
}

// Routes registers the /checkout endpoints.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	authedGroup(r, h.authn, h.idempotency, true).Post("/session", h.createSession)
}

// OrderRoutes registers the finalization endpoints that live under /orders.
func (h *CheckoutHandlers) OrderRoutes(r chi.Router) {
	if r == nil {
		return
	}
	group := authedGroup(r, h.authn, h.idempotency, true)
	group.Post("/", h.finalizeOrder)
	group.Post("/confirm-payment", h.confirmPayment)
}

type checkoutLineRequest struct {
	ItemID        string                `json:"item_id"`
	Quantity      int                   `json:"quantity"`
	UnitPrice     int64                 `json:"unit_price"`
	Customization *customizationPayload `json:"customization,omitempty"`
}

type checkoutPayloadRequest struct {
	Lines          []checkoutLineRequest `json:"lines"`
	DeliveryOption string                `json:"delivery_option"`
	ScheduledDate  string                `json:"scheduled_date,omitempty"`
}

type checkoutSessionRequest struct {
	TransactionHash string `json:"transaction_hash"`
	checkoutPayloadRequest
}

type checkoutSessionResponse struct {
	TransactionHash string `json:"transaction_hash"`
	SessionID       string `json:"session_id"`
	RedirectURL     string `json:"redirect_url"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	ExpiresAt       string `json:"expires_at,omitempty"`
}

type finalizeOrderRequest struct {
	TransactionHash  string                  `json:"transaction_hash"`
	PaymentSessionID string                  `json:"payment_session_id"`
	Payload          *checkoutPayloadRequest `json:"payload,omitempty"`
}

type finalizeOrderResponse struct {
	Order          orderPayload           `json:"order"`
	Replayed       bool                   `json:"replayed"`
	Reconciliation *reconciliationPayload `json:"reconciliation,omitempty"`
}

type reconciliationPayload struct {
	Required bool                        `json:"required"`
	Code     string                      `json:"code"`
	Lines    []reconciliationLinePayload `json:"lines"`
}

type reconciliationLinePayload struct {
	LineIndex int    `json:"line_index"`
	ItemID    string `json:"item_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type confirmPaymentRequest struct {
	OrderID         string `json:"order_id"`
	TransactionHash string `json:"transaction_hash"`
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	caller, ok := principalFrom(r)
	if !ok {
		writeUnauthenticated(w, r)
		return
	}

	var req checkoutSessionRequest
	if !decodeCheckoutBody(w, r, &req) {
		return
	}
	payload, err := req.checkoutPayloadRequest.toDomain()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.checkout.StartCheckout(ctx, services.StartCheckoutCommand{
		Caller:          caller,
		TransactionHash: strings.TrimSpace(req.TransactionHash),
		Payload:         payload,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, checkoutSessionResponse{
		TransactionHash: result.TransactionHash,
		SessionID:       result.SessionID,
		RedirectURL:     result.RedirectURL,
		Amount:          result.Amount,
		Currency:        result.Currency,
		ExpiresAt:       formatTime(result.ExpiresAt),
	})
}

// finalizeOrder creates the order for a paid checkout. 201 on create, 200 when the transaction hash
// already produced an order. A stock shortfall still answers 201 with a reconciliation block.
func (h *CheckoutHandlers) finalizeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	caller, ok := principalFrom(r)
	if !ok {
		writeUnauthenticated(w, r)
		return
	}

	var req finalizeOrderRequest
	if !decodeCheckoutBody(w, r, &req) {
		return
	}
	cmd := services.FinalizeCheckoutCommand{
		Caller:           caller,
		TransactionHash:  strings.TrimSpace(req.TransactionHash),
		PaymentSessionID: strings.TrimSpace(req.PaymentSessionID),
	}
	if req.Payload != nil {
		payload, err := req.Payload.toDomain()
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		cmd.Payload = &payload
	}

	result, err := h.checkout.FinalizeCheckout(ctx, cmd)
	var shortfall *services.StockShortfallError
	switch {
	case err == nil:
	case errors.As(err, &shortfall) && result.Order.ID != "":
		requestctx.Logger(ctx).Error("order committed with stock shortfall",
			zap.String("order_id", shortfall.OrderID),
			zap.String("transaction_hash", shortfall.TransactionHash),
			zap.Int("lines", len(shortfall.Lines)),
		)
	default:
		writeCheckoutError(ctx, w, err)
		return
	}

	resp := finalizeOrderResponse{
		Order:    buildOrderPayload(result.Order),
		Replayed: result.Replayed,
	}
	if shortfall != nil {
		resp.Reconciliation = buildReconciliationPayload(shortfall)
	}
	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSONResponse(w, status, resp)
}

func (h *CheckoutHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	caller, ok := principalFrom(r)
	if !ok {
		writeUnauthenticated(w, r)
		return
	}

	var req confirmPaymentRequest
	if !decodeCheckoutBody(w, r, &req) {
		return
	}
	orderID := strings.TrimSpace(req.OrderID)
	hash := strings.TrimSpace(req.TransactionHash)
	if orderID == "" && hash == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order_id or transaction_hash is required", http.StatusBadRequest))
		return
	}

	order, err := h.checkout.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		Caller:          caller,
		OrderID:         orderID,
		TransactionHash: hash,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (p checkoutPayloadRequest) toDomain() (services.CheckoutPayload, error) {
	payload := services.CheckoutPayload{
		DeliveryOption: domain.DeliveryOption(strings.ToLower(strings.TrimSpace(p.DeliveryOption))),
		Lines:          make([]services.CheckoutLine, 0, len(p.Lines)),
	}
	if raw := strings.TrimSpace(p.ScheduledDate); raw != "" {
		scheduled, err := parseScheduledDate(raw)
		if err != nil {
			return services.CheckoutPayload{}, err
		}
		payload.ScheduledDate = &scheduled
	}
	for _, line := range p.Lines {
		out := services.CheckoutLine{
			ItemID:    strings.TrimSpace(line.ItemID),
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		}
		if c := line.Customization; c != nil {
			out.Customization = &services.LineCustomization{
				Dimensions: services.Dimensions{
					LengthFt: c.Dimensions.LengthFt,
					WidthFt:  c.Dimensions.WidthFt,
					HeightFt: c.Dimensions.HeightFt,
				},
				Materials: domain.MaterialSelection{Frame: c.Materials.Frame, Tabletop: c.Materials.Tabletop},
				LaborDays: c.LaborDays,
			}
		}
		payload.Lines = append(payload.Lines, out)
	}
	return payload, nil
}

var errInvalidScheduledDate = errors.New("scheduled_date must be YYYY-MM-DD or RFC3339")

func parseScheduledDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, errInvalidScheduledDate
}

func buildReconciliationPayload(shortfall *services.StockShortfallError) *reconciliationPayload {
	out := &reconciliationPayload{
		Required: true,
		Code:     string(domain.ReviewIssueStockOversold),
		Lines:    make([]reconciliationLinePayload, 0, len(shortfall.Lines)),
	}
	for _, line := range shortfall.Lines {
		out.Lines = append(out.Lines, reconciliationLinePayload{
			LineIndex: line.LineIndex,
			ItemID:    line.ItemID,
			Requested: line.Requested,
			Available: line.Available,
		})
	}
	return out
}

func decodeCheckoutBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst, maxCheckoutRequestBody); err != nil {
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			httpx.WriteError(r.Context(), w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
			return false
		}
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}
	return true
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var dim *services.DimensionError
	switch {
	case errors.As(err, &dim):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_dimensions", err.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"field": dim.Field, "min": dim.Min, "max": dim.Max}))
	case errors.Is(err, services.ErrCheckoutInsufficientStock), errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPriceMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("price_mismatch", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("item_not_found", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", err.Error(), http.StatusForbidden))
	case errors.Is(err, services.ErrConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_unavailable", "payment provider unavailable", http.StatusBadGateway))
	case errors.Is(err, services.ErrExternalDependency):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
