package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories/memory"
)

func oakTable() Item {
	return Item{
		ID:           "table_oak",
		Name:         "Oak Dining Table",
		Price:        874500,
		Currency:     "PHP",
		Stock:        3,
		Customizable: true,
		Customization: &domain.CustomizationOptions{
			LaborCostPerDay: 35000,
			ProfitMargin:    0.5,
			OverheadCost:    50000,
			EstimatedDays:   3,
			Materials: []domain.Material{
				{Name: "Oak", UnitCosts: map[domain.PlankType]int64{domain.PlankFrame: 42000, domain.PlankTabletop: 65000}},
				{Name: "Narra", UnitCosts: map[domain.PlankType]int64{domain.PlankFrame: 55000}},
			},
		},
	}
}

func goldenRequest() PriceQuoteRequest {
	return PriceQuoteRequest{
		Dimensions:       Dimensions{LengthFt: 5, WidthFt: 3, HeightFt: 4},
		LaborDays:        3,
		FrameMaterial:    "oak",
		TabletopMaterial: "OAK",
	}
}

func TestFurniturePricingEngine_GoldenQuote(t *testing.T) {
	engine := NewFurniturePricingEngine()

	quote, err := engine.Quote(oakTable(), goldenRequest())
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}
	if quote.FramePlanks != 4 || quote.TabletopPlanks != 4 {
		t.Fatalf("expected 4 frame and 4 tabletop planks, got %d and %d", quote.FramePlanks, quote.TabletopPlanks)
	}
	if quote.MaterialCost != 428000 {
		t.Fatalf("expected material cost 428000, got %d", quote.MaterialCost)
	}
	if quote.LaborCost != 105000 {
		t.Fatalf("expected labor cost 105000, got %d", quote.LaborCost)
	}
	if quote.BaseCost != 583000 {
		t.Fatalf("expected base cost 583000, got %d", quote.BaseCost)
	}
	if quote.FinalSellingPrice != 874500 {
		t.Fatalf("expected final price 874500, got %d", quote.FinalSellingPrice)
	}
	if quote.Materials.Frame != "Oak" || quote.Materials.Tabletop != "Oak" {
		t.Fatalf("expected canonical material names, got %+v", quote.Materials)
	}
}

func TestFurniturePricingEngine_IsDeterministic(t *testing.T) {
	engine := NewFurniturePricingEngine()
	req := goldenRequest()
	req.Dimensions = Dimensions{LengthFt: 7.3, WidthFt: 2.9, HeightFt: 3.1}

	first, err := engine.Quote(oakTable(), req)
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}
	for i := 0; i < 50; i++ {
		again, err := NewFurniturePricingEngine().Quote(oakTable(), req)
		if err != nil {
			t.Fatalf("Quote error: %v", err)
		}
		if again != first {
			t.Fatalf("quote drifted on attempt %d: %+v vs %+v", i, again, first)
		}
	}
}

func TestFurniturePricingEngine_RejectsOutOfRangeDimensions(t *testing.T) {
	engine := NewFurniturePricingEngine()
	cases := []struct {
		name  string
		dims  Dimensions
		field string
	}{
		{name: "length low", dims: Dimensions{LengthFt: 1.99, WidthFt: 3, HeightFt: 3}, field: "length"},
		{name: "length high", dims: Dimensions{LengthFt: 10.01, WidthFt: 3, HeightFt: 3}, field: "length"},
		{name: "width low", dims: Dimensions{LengthFt: 5, WidthFt: 1, HeightFt: 3}, field: "width"},
		{name: "width high", dims: Dimensions{LengthFt: 5, WidthFt: 6.5, HeightFt: 3}, field: "width"},
		{name: "height low", dims: Dimensions{LengthFt: 5, WidthFt: 3, HeightFt: 2.4}, field: "height"},
		{name: "height high", dims: Dimensions{LengthFt: 5, WidthFt: 3, HeightFt: 5.1}, field: "height"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := goldenRequest()
			req.Dimensions = tc.dims
			_, err := engine.Quote(oakTable(), req)
			if !errors.Is(err, ErrPricingInvalidDimensions) || !errors.Is(err, ErrValidation) {
				t.Fatalf("expected invalid dimensions, got %v", err)
			}
			var dimErr *DimensionError
			if !errors.As(err, &dimErr) || dimErr.Field != tc.field {
				t.Fatalf("expected bound on %s, got %v", tc.field, err)
			}
		})
	}
}

func TestFurniturePricingEngine_BoundsAreInclusive(t *testing.T) {
	engine := NewFurniturePricingEngine()
	req := goldenRequest()
	for _, dims := range []Dimensions{
		{LengthFt: 2, WidthFt: 2, HeightFt: 2.5},
		{LengthFt: 10, WidthFt: 6, HeightFt: 5},
	} {
		req.Dimensions = dims
		if _, err := engine.Quote(oakTable(), req); err != nil {
			t.Fatalf("expected %+v to be accepted, got %v", dims, err)
		}
	}
}

func TestFurniturePricingEngine_MaterialErrors(t *testing.T) {
	engine := NewFurniturePricingEngine()

	req := goldenRequest()
	req.FrameMaterial = "mahogany"
	if _, err := engine.Quote(oakTable(), req); !errors.Is(err, ErrPricingUnknownMaterial) {
		t.Fatalf("expected unknown material, got %v", err)
	}

	req = goldenRequest()
	req.TabletopMaterial = "Narra"
	if _, err := engine.Quote(oakTable(), req); !errors.Is(err, ErrPricingUnknownMaterial) {
		t.Fatalf("expected narra tabletop to be rejected, got %v", err)
	}

	req = goldenRequest()
	req.FrameMaterial = "  ＯＡＫ "
	if _, err := engine.Quote(oakTable(), req); err != nil {
		t.Fatalf("expected full-width material name to normalise, got %v", err)
	}
}

func TestFurniturePricingEngine_LaborDaysFallback(t *testing.T) {
	engine := NewFurniturePricingEngine()
	req := goldenRequest()
	req.LaborDays = 0

	quote, err := engine.Quote(oakTable(), req)
	if err != nil {
		t.Fatalf("Quote error: %v", err)
	}
	if quote.LaborDays != 3 || quote.FinalSellingPrice != 874500 {
		t.Fatalf("expected estimated days fallback, got %+v", quote)
	}

	item := oakTable()
	item.Customization.EstimatedDays = 0
	if _, err := engine.Quote(item, req); !errors.Is(err, ErrPricingInvalidInput) {
		t.Fatalf("expected invalid input without labor days, got %v", err)
	}
}

func TestFurniturePricingEngine_RejectsStandardItems(t *testing.T) {
	engine := NewFurniturePricingEngine()
	item := oakTable()
	item.Customizable = false
	if _, err := engine.Quote(item, goldenRequest()); !errors.Is(err, ErrPricingNotCustomizable) {
		t.Fatalf("expected not customizable, got %v", err)
	}
}

func TestFurniturePricingEngine_Verify(t *testing.T) {
	engine := NewFurniturePricingEngine()
	quote := PriceQuote{FinalSellingPrice: 874500}
	if !engine.Verify(874501, quote, 1) {
		t.Fatal("expected submitted price within tolerance")
	}
	if engine.Verify(874400, quote, 1) {
		t.Fatal("expected submitted price outside tolerance")
	}
}

func TestPricingService_CalculatePrice(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	if err := store.Items().Save(ctx, oakTable()); err != nil {
		t.Fatalf("save item: %v", err)
	}

	svc, err := NewPricingService(PricingServiceDeps{Items: store.Items()})
	if err != nil {
		t.Fatalf("NewPricingService error: %v", err)
	}

	quote, err := svc.CalculatePrice(ctx, "table_oak", goldenRequest())
	if err != nil {
		t.Fatalf("CalculatePrice error: %v", err)
	}
	if quote.FinalSellingPrice != 874500 || quote.Currency != "PHP" {
		t.Fatalf("unexpected quote %+v", quote)
	}

	item, _ := store.Items().FindByID(ctx, "table_oak")
	if item.Stock != 3 {
		t.Fatalf("quote must not touch stock, got %d", item.Stock)
	}

	if _, err := svc.CalculatePrice(ctx, "missing", goldenRequest()); !errors.Is(err, ErrPricingItemNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}
}
