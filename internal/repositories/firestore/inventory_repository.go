package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/plankworks/api/internal/domain"
	pfirestore "github.com/plankworks/api/internal/platform/firestore"
	"github.com/plankworks/api/internal/repositories"
)

// InventoryRepository applies conditional stock decrements. A decrement bound to an order line
// reads the item and the order in one transaction, so the check, the stock write and the line
// commit land together or not at all.
type InventoryRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.InventoryRepository = (*InventoryRepository)(nil)

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository: firestore provider is required")
	}
	return &InventoryRepository{provider: provider}, nil
}

func (r *InventoryRepository) Decrement(ctx context.Context, req repositories.StockDecrement) (repositories.StockDecrementResult, error) {
	if strings.TrimSpace(req.ItemID) == "" || req.Quantity <= 0 {
		return repositories.StockDecrementResult{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory.decrement: item id and positive quantity are required", nil)
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return repositories.StockDecrementResult{}, pfirestore.WrapError("inventory.decrement", err)
	}
	itemRef := client.Collection(itemsCollection).Doc(req.ItemID)
	var orderRef *firestore.DocumentRef
	if req.OrderID != "" {
		orderRef = client.Collection(ordersCollection).Doc(req.OrderID)
	}
	now := req.Now.UTC()

	var result repositories.StockDecrementResult
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.StockDecrementResult{}

		itemSnap, err := tx.Get(itemRef)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return repositories.NewInventoryError(repositories.InventoryErrorItemNotFound, "inventory.decrement: item "+req.ItemID+" not found", nil)
			}
			return err
		}
		var item itemDocument
		if err := itemSnap.DataTo(&item); err != nil {
			return err
		}

		var order orderDocument
		if orderRef != nil {
			orderSnap, err := tx.Get(orderRef)
			if err != nil {
				if pfirestore.IsNotFound(err) {
					return repositories.NewInventoryError(repositories.InventoryErrorLineNotFound, "inventory.decrement: order line not found", nil)
				}
				return err
			}
			if err := orderSnap.DataTo(&order); err != nil {
				return err
			}
			if req.LineIndex < 0 || req.LineIndex >= len(order.Lines) {
				return repositories.NewInventoryError(repositories.InventoryErrorLineNotFound, "inventory.decrement: order line not found", nil)
			}
			if order.Lines[req.LineIndex].StockStatus == string(domain.LineStockCommitted) {
				result = repositories.StockDecrementResult{AlreadyApplied: true, Remaining: item.Stock}
				return nil
			}
		}

		if item.Stock < req.Quantity {
			result.Remaining = item.Stock
			return repositories.InsufficientStock(req.ItemID, req.Quantity, item.Stock)
		}
		remaining := item.Stock - req.Quantity
		if err := tx.Update(itemRef, []firestore.Update{
			{Path: "stock", Value: remaining},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		if orderRef != nil {
			order.Lines[req.LineIndex].StockStatus = string(domain.LineStockCommitted)
			if err := tx.Update(orderRef, []firestore.Update{
				{Path: "lines", Value: order.Lines},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
		}
		result = repositories.StockDecrementResult{Applied: true, Remaining: remaining}
		return nil
	})
	if err != nil {
		return result, pfirestore.WrapError("inventory.decrement", err)
	}
	return result, nil
}
