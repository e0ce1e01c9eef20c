package postgres

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories"
)

type inventoryRepository struct {
	db *gorm.DB
}

// Decrement locks the bound order and its line, then the item row, so concurrent decrements
// serialise. The order row is locked first, matching the order repository's lock order.
func (r inventoryRepository) Decrement(ctx context.Context, req repositories.StockDecrement) (repositories.StockDecrementResult, error) {
	if strings.TrimSpace(req.ItemID) == "" || req.Quantity <= 0 {
		return repositories.StockDecrementResult{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory.decrement: item id and positive quantity are required", nil)
	}
	now := req.Now.UTC()

	var result repositories.StockDecrementResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked := tx.Clauses(clause.Locking{Strength: "UPDATE"})

		var line orderLineRow
		if req.OrderID != "" {
			var order orderRow
			if err := locked.Select("id").First(&order, "id = ?", req.OrderID).Error; err != nil {
				if isRecordNotFound(err) {
					return repositories.NewInventoryError(repositories.InventoryErrorLineNotFound, "inventory.decrement: order not found", nil)
				}
				return err
			}
			if err := locked.First(&line, "order_id = ? AND line_index = ?", req.OrderID, req.LineIndex).Error; err != nil {
				if isRecordNotFound(err) {
					return repositories.NewInventoryError(repositories.InventoryErrorLineNotFound, "inventory.decrement: order line not found", nil)
				}
				return err
			}
		}

		var item itemRow
		if err := locked.First(&item, "id = ?", req.ItemID).Error; err != nil {
			if isRecordNotFound(err) {
				return repositories.NewInventoryError(repositories.InventoryErrorItemNotFound, "inventory.decrement: item "+req.ItemID+" not found", nil)
			}
			return err
		}

		if req.OrderID != "" && line.StockStatus == string(domain.LineStockCommitted) {
			result = repositories.StockDecrementResult{AlreadyApplied: true, Remaining: item.Stock}
			return nil
		}
		if item.Stock < req.Quantity {
			result = repositories.StockDecrementResult{Remaining: item.Stock}
			return repositories.InsufficientStock(req.ItemID, req.Quantity, item.Stock)
		}

		if err := tx.Model(&itemRow{}).Where("id = ?", req.ItemID).Updates(map[string]any{
			"stock":      gorm.Expr("stock - ?", req.Quantity),
			"updated_at": now,
		}).Error; err != nil {
			return err
		}
		if req.OrderID != "" {
			if err := tx.Model(&orderLineRow{}).
				Where("order_id = ? AND line_index = ?", req.OrderID, req.LineIndex).
				Update("stock_status", string(domain.LineStockCommitted)).Error; err != nil {
				return err
			}
			if err := tx.Model(&orderRow{}).Where("id = ?", req.OrderID).Update("updated_at", now).Error; err != nil {
				return err
			}
		}
		result = repositories.StockDecrementResult{Applied: true, Remaining: item.Stock - req.Quantity}
		return nil
	})
	if err != nil {
		return result, wrapError("inventory.decrement", err)
	}
	return result, nil
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
