package domain

// PlankType identifies which part of a furniture piece a plank is used for.
type PlankType string

const (
	PlankFrame    PlankType = "frame"
	PlankTabletop PlankType = "tabletop"
)

// Dimensions of a customized piece, in feet.
type Dimensions struct {
	LengthFt float64
	WidthFt  float64
	HeightFt float64
}

// MaterialSelection names the material chosen for each plank type.
type MaterialSelection struct {
	Frame    string
	Tabletop string
}

// Material lists the per-plank cost of a wood species for each plank type, in minor units.
type Material struct {
	Name      string
	UnitCosts map[PlankType]int64
}

// CustomizationOptions carries the cost inputs of a made-to-order item.
type CustomizationOptions struct {
	LaborCostPerDay int64
	ProfitMargin    float64
	OverheadCost    int64
	EstimatedDays   int
	Materials       []Material
}

// PriceQuote is the itemised result of pricing a customized piece.
type PriceQuote struct {
	ItemID            string
	Currency          string
	Dimensions        Dimensions
	Materials         MaterialSelection
	LaborDays         int
	FramePlanks       int
	TabletopPlanks    int
	MaterialCost      int64
	LaborCost         int64
	OverheadCost      int64
	BaseCost          int64
	ProfitMargin      float64
	FinalSellingPrice int64
}
