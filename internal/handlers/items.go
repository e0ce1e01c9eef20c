package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/plankworks/api/internal/platform/httpx"
	"github.com/plankworks/api/internal/services"
)

const maxPriceRequestBody = 4 * 1024

// ItemHandlers exposes public item endpoints. Quotes are computed, never stored.
type ItemHandlers struct {
	pricing services.PricingService
}

// NewItemHandlers constructs item handlers backed by the pricing service.
func NewItemHandlers(pricing services.PricingService) *ItemHandlers {
	return &ItemHandlers{pricing: pricing}
}

// Routes registers the /items endpoints.
func (h *ItemHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{itemID}/calculate-price", h.calculatePrice)
}

type calculatePriceRequest struct {
	LengthFt         float64 `json:"length_ft"`
	WidthFt          float64 `json:"width_ft"`
	HeightFt         float64 `json:"height_ft"`
	LaborDays        int     `json:"labor_days"`
	FrameMaterial    string  `json:"frame_material"`
	TabletopMaterial string  `json:"tabletop_material"`
}

type priceQuoteResponse struct {
	Quote priceQuotePayload `json:"quote"`
}

type priceQuotePayload struct {
	ItemID            string            `json:"item_id"`
	Currency          string            `json:"currency"`
	Dimensions        dimensionsPayload `json:"dimensions"`
	Materials         materialsPayload  `json:"materials"`
	LaborDays         int               `json:"labor_days"`
	FramePlanks       int               `json:"frame_planks"`
	TabletopPlanks    int               `json:"tabletop_planks"`
	MaterialCost      int64             `json:"material_cost"`
	LaborCost         int64             `json:"labor_cost"`
	OverheadCost      int64             `json:"overhead_cost"`
	BaseCost          int64             `json:"base_cost"`
	ProfitMargin      float64           `json:"profit_margin"`
	FinalSellingPrice int64             `json:"final_selling_price"`
}

func (h *ItemHandlers) calculatePrice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.pricing == nil {
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
		return
	}
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	if itemID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "item id is required", http.StatusBadRequest))
		return
	}

	var req calculatePriceRequest
	if err := httpx.DecodeJSON(r, &req, maxPriceRequestBody); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	quote, err := h.pricing.CalculatePrice(ctx, itemID, services.PriceQuoteRequest{
		Dimensions: services.Dimensions{
			LengthFt: req.LengthFt,
			WidthFt:  req.WidthFt,
			HeightFt: req.HeightFt,
		},
		LaborDays:        req.LaborDays,
		FrameMaterial:    req.FrameMaterial,
		TabletopMaterial: req.TabletopMaterial,
	})
	if err != nil {
		writePricingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, priceQuoteResponse{Quote: priceQuotePayload{
		ItemID:   quote.ItemID,
		Currency: quote.Currency,
		Dimensions: dimensionsPayload{
			LengthFt: quote.Dimensions.LengthFt,
			WidthFt:  quote.Dimensions.WidthFt,
			HeightFt: quote.Dimensions.HeightFt,
		},
		Materials:         materialsPayload{Frame: quote.Materials.Frame, Tabletop: quote.Materials.Tabletop},
		LaborDays:         quote.LaborDays,
		FramePlanks:       quote.FramePlanks,
		TabletopPlanks:    quote.TabletopPlanks,
		MaterialCost:      quote.MaterialCost,
		LaborCost:         quote.LaborCost,
		OverheadCost:      quote.OverheadCost,
		BaseCost:          quote.BaseCost,
		ProfitMargin:      quote.ProfitMargin,
		FinalSellingPrice: quote.FinalSellingPrice,
	}})
}

func writePricingError(ctx context.Context, w http.ResponseWriter, err error) {
	var dim *services.DimensionError
	switch {
	case errors.As(err, &dim):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_dimensions", err.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"field": dim.Field, "min": dim.Min, "max": dim.Max}))
	case errors.Is(err, services.ErrPricingUnknownMaterial):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_material", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPricingNotCustomizable):
		httpx.WriteError(ctx, w, httpx.NewError("not_customizable", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("item_not_found", "item not found", http.StatusNotFound))
	case errors.Is(err, services.ErrValidation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrExternalDependency):
		httpx.WriteError(ctx, w, httpx.NewError("pricing_unavailable", "pricing service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("pricing_error", "failed to calculate price", http.StatusInternalServerError))
	}
}
