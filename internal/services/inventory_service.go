package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/plankworks/api/internal/repositories"
)

const (
	eventInventoryReserved       = "inventory.reserved"
	eventInventoryAlreadyApplied = "inventory.reserve.already_applied"
	eventInventoryShortfall      = "inventory.reserve.insufficient"
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Items     repositories.ItemRepository
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.InventoryRepository
	items  repositories.ItemRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}
	if deps.Items == nil {
		return nil, errors.New("inventory service: item repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		repo:  deps.Inventory,
		items: deps.Items,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Reserve applies an atomic conditional decrement. The repository guards stock >= quantity so
// concurrent callers can never drive stock negative.
func (s *inventoryService) Reserve(ctx context.Context, cmd InventoryReserveCommand) (InventoryReservation, error) {
	itemID := strings.TrimSpace(cmd.ItemID)
	if itemID == "" {
		return InventoryReservation{}, fmt.Errorf("%w: item id is required", ErrInventoryInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return InventoryReservation{}, fmt.Errorf("%w: quantity must be positive", ErrInventoryInvalidInput)
	}
	if cmd.LineIndex < 0 {
		return InventoryReservation{}, fmt.Errorf("%w: line index must not be negative", ErrInventoryInvalidInput)
	}

	result, err := s.repo.Decrement(ctx, repositories.StockDecrement{
		ItemID:    itemID,
		Quantity:  cmd.Quantity,
		OrderID:   strings.TrimSpace(cmd.OrderID),
		LineIndex: cmd.LineIndex,
		Now:       s.clock(),
	})
	if err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrInventoryInsufficientStock) {
			s.logger(ctx, eventInventoryShortfall, map[string]any{
				"itemId":    itemID,
				"quantity":  cmd.Quantity,
				"orderId":   cmd.OrderID,
				"lineIndex": cmd.LineIndex,
			})
		}
		return InventoryReservation{}, mapped
	}

	event := eventInventoryReserved
	if result.AlreadyApplied {
		event = eventInventoryAlreadyApplied
	}
	s.logger(ctx, event, map[string]any{
		"itemId":    itemID,
		"quantity":  cmd.Quantity,
		"remaining": result.Remaining,
		"orderId":   cmd.OrderID,
		"lineIndex": cmd.LineIndex,
	})

	return InventoryReservation{
		ItemID:         itemID,
		Quantity:       cmd.Quantity,
		Remaining:      result.Remaining,
		AlreadyApplied: result.AlreadyApplied,
	}, nil
}

// CheckAvailability is a read-only probe. Quantities for the same item are summed before comparing.
func (s *inventoryService) CheckAvailability(ctx context.Context, lines []InventoryCheckLine) ([]InventoryShortage, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	requested := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		id := strings.TrimSpace(line.ItemID)
		if id == "" || line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item id and positive quantity are required", ErrInventoryInvalidInput)
		}
		if _, ok := requested[id]; !ok {
			order = append(order, id)
		}
		requested[id] += line.Quantity
	}

	items, err := s.items.FindByIDs(ctx, order)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}

	var shortages []InventoryShortage
	for _, id := range order {
		item, ok := items[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInventoryItemNotFound, id)
		}
		if item.Stock < requested[id] {
			shortages = append(shortages, InventoryShortage{ItemID: id, Requested: requested[id], Available: item.Stock})
		}
	}
	return shortages, nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		switch invErr.Code {
		case repositories.InventoryErrorInsufficientStock:
			return fmt.Errorf("%w: %w", ErrInventoryInsufficientStock, invErr)
		case repositories.InventoryErrorItemNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryItemNotFound, invErr.Message)
		case repositories.InventoryErrorInvalidInput, repositories.InventoryErrorLineNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidInput, invErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrInventoryItemNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %w", ErrInventoryUnavailable, err)
		}
	}

	return fmt.Errorf("%w: %w", ErrInventoryUnavailable, err)
}
