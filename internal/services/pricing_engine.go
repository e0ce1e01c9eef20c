package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories"
)

const (
	// PlankLengthFt is the stock length of a single plank.
	PlankLengthFt = 8.0
	// TabletopBoardWidthFt is the face width of a tabletop board.
	TabletopBoardWidthFt = 0.5

	// planks are counted with a small epsilon so 32.0000001/8 does not round up to 5.
	plankEpsilon = 1e-9
)

type dimensionBound struct {
	field    string
	min, max float64
}

var (
	lengthBound = dimensionBound{field: "length", min: 2, max: 10}
	widthBound  = dimensionBound{field: "width", min: 2, max: 6}
	heightBound = dimensionBound{field: "height", min: 2.5, max: 5}
)

// FurniturePricingEngine prices made-to-order furniture from its dimensions and materials.
// It holds no state and performs no I/O, so identical inputs always produce identical quotes.
type FurniturePricingEngine struct {
	fold cases.Caser
}

// NewFurniturePricingEngine constructs the pricing engine.
func NewFurniturePricingEngine() *FurniturePricingEngine {
	return &FurniturePricingEngine{fold: cases.Fold()}
}

// Quote computes the itemised price of a customized item.
func (e *FurniturePricingEngine) Quote(item Item, req PriceQuoteRequest) (PriceQuote, error) {
	if !item.Customizable || item.Customization == nil {
		return PriceQuote{}, fmt.Errorf("%w: %s", ErrPricingNotCustomizable, item.ID)
	}
	opts := item.Customization
	if err := validateDimensions(req.Dimensions); err != nil {
		return PriceQuote{}, err
	}
	if opts.ProfitMargin < 0 || opts.LaborCostPerDay < 0 || opts.OverheadCost < 0 {
		return PriceQuote{}, fmt.Errorf("%w: item %s has negative cost inputs", ErrPricingInvalidInput, item.ID)
	}

	laborDays := req.LaborDays
	if laborDays <= 0 {
		laborDays = opts.EstimatedDays
	}
	if laborDays <= 0 {
		return PriceQuote{}, fmt.Errorf("%w: labor days must be positive", ErrPricingInvalidInput)
	}

	frame, err := e.unitCost(opts.Materials, req.FrameMaterial, domain.PlankFrame)
	if err != nil {
		return PriceQuote{}, err
	}
	tabletop, err := e.unitCost(opts.Materials, req.TabletopMaterial, domain.PlankTabletop)
	if err != nil {
		return PriceQuote{}, err
	}

	dims := req.Dimensions
	framePlanks := planksFor(4*dims.HeightFt+2*(dims.LengthFt+dims.WidthFt), PlankLengthFt)
	tabletopPlanks := planksFor(dims.LengthFt*dims.WidthFt, PlankLengthFt*TabletopBoardWidthFt)

	materialCost := int64(framePlanks)*frame.cost + int64(tabletopPlanks)*tabletop.cost
	laborCost := opts.LaborCostPerDay * int64(laborDays)
	baseCost := materialCost + laborCost + opts.OverheadCost
	final := int64(math.Round(float64(baseCost) * (1 + opts.ProfitMargin)))

	return PriceQuote{
		ItemID:     item.ID,
		Currency:   item.Currency,
		Dimensions: dims,
		Materials: domain.MaterialSelection{
			Frame:    frame.name,
			Tabletop: tabletop.name,
		},
		LaborDays:         laborDays,
		FramePlanks:       framePlanks,
		TabletopPlanks:    tabletopPlanks,
		MaterialCost:      materialCost,
		LaborCost:         laborCost,
		OverheadCost:      opts.OverheadCost,
		BaseCost:          baseCost,
		ProfitMargin:      opts.ProfitMargin,
		FinalSellingPrice: final,
	}, nil
}

// Verify reports whether a client-submitted price is within tolerance minor units of the quote.
func (e *FurniturePricingEngine) Verify(submitted int64, quote PriceQuote, tolerance int64) bool {
	return withinTolerance(submitted, quote.FinalSellingPrice, tolerance)
}

type resolvedMaterial struct {
	name string
	cost int64
}

func (e *FurniturePricingEngine) unitCost(materials []domain.Material, name string, plank domain.PlankType) (resolvedMaterial, error) {
	key := e.normaliseMaterial(name)
	if key == "" {
		return resolvedMaterial{}, fmt.Errorf("%w: %s material is required", ErrPricingUnknownMaterial, plank)
	}
	for _, material := range materials {
		if e.normaliseMaterial(material.Name) != key {
			continue
		}
		cost, ok := material.UnitCosts[plank]
		if !ok || cost < 0 {
			return resolvedMaterial{}, fmt.Errorf("%w: %q is not offered for %s planks", ErrPricingUnknownMaterial, name, plank)
		}
		return resolvedMaterial{name: material.Name, cost: cost}, nil
	}
	return resolvedMaterial{}, fmt.Errorf("%w: %q", ErrPricingUnknownMaterial, name)
}

func (e *FurniturePricingEngine) normaliseMaterial(name string) string {
	return e.fold.String(norm.NFKC.String(strings.TrimSpace(name)))
}

func validateDimensions(d Dimensions) error {
	for _, check := range []struct {
		bound dimensionBound
		value float64
	}{
		{lengthBound, d.LengthFt},
		{widthBound, d.WidthFt},
		{heightBound, d.HeightFt},
	} {
		v := check.value
		if math.IsNaN(v) || v < check.bound.min || v > check.bound.max {
			return &DimensionError{Field: check.bound.field, Value: v, Min: check.bound.min, Max: check.bound.max}
		}
	}
	return nil
}

func planksFor(required, perPlank float64) int {
	return int(math.Ceil(required/perPlank - plankEpsilon))
}

func withinTolerance(submitted, expected, tolerance int64) bool {
	if tolerance < 0 {
		tolerance = 0
	}
	diff := submitted - expected
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// PricingServiceDeps bundles collaborators for the quote endpoint.
type PricingServiceDeps struct {
	Items  repositories.ItemRepository
	Engine *FurniturePricingEngine
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type pricingService struct {
	items  repositories.ItemRepository
	engine *FurniturePricingEngine
	logger func(context.Context, string, map[string]any)
}

// NewPricingService wires the item repository to the pricing engine.
func NewPricingService(deps PricingServiceDeps) (PricingService, error) {
	if deps.Items == nil {
		return nil, errors.New("pricing service: item repository is required")
	}
	engine := deps.Engine
	if engine == nil {
		engine = NewFurniturePricingEngine()
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &pricingService{items: deps.Items, engine: engine, logger: logger}, nil
}

func (s *pricingService) CalculatePrice(ctx context.Context, itemID string, req PriceQuoteRequest) (PriceQuote, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return PriceQuote{}, fmt.Errorf("%w: item id is required", ErrPricingInvalidInput)
	}
	item, err := s.items.FindByID(ctx, itemID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return PriceQuote{}, fmt.Errorf("%w: %s", ErrPricingItemNotFound, itemID)
		}
		return PriceQuote{}, fmt.Errorf("pricing: load item: %w: %w", ErrExternalDependency, err)
	}
	quote, err := s.engine.Quote(item, req)
	if err != nil {
		return PriceQuote{}, err
	}
	s.logger(ctx, "pricing.quote.calculated", map[string]any{
		"itemId": itemID,
		"price":  quote.FinalSellingPrice,
	})
	return quote, nil
}
