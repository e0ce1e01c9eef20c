// Package memory implements the repository contracts in process. It backs local runs and tests and
// honours the same atomicity guarantees as the durable backends by serialising writes on one mutex.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/platform/pagination"
	"github.com/plankworks/api/internal/repositories"
)

// Store holds every collection behind a single lock.
type Store struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	byHash    map[string]string
	items     map[string]domain.Item
	carts     map[string]map[string]domain.CartEntry
	checkouts map[string]domain.PendingCheckout
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		orders:    make(map[string]domain.Order),
		byHash:    make(map[string]string),
		items:     make(map[string]domain.Item),
		carts:     make(map[string]map[string]domain.CartEntry),
		checkouts: make(map[string]domain.PendingCheckout),
	}
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository { return orderRepository{s} }

func (s *Store) Items() repositories.ItemRepository { return itemRepository{s} }

func (s *Store) Inventory() repositories.InventoryRepository { return inventoryRepository{s} }

func (s *Store) Carts() repositories.CartRepository { return cartRepository{s} }

func (s *Store) Checkouts() repositories.CheckoutRepository { return checkoutRepository{s} }

type orderRepository struct{ s *Store }

func (r orderRepository) Create(_ context.Context, order domain.Order) (domain.Order, error) {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.TransactionHash) == "" {
		return domain.Order{}, repositories.NewStoreError("orders.create", repositories.StoreErrorInternal, "order id and transaction hash are required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.byHash[order.TransactionHash]; ok {
		return domain.Order{}, repositories.NewStoreError("orders.create", repositories.StoreErrorConflict, "transaction hash already used")
	}
	if _, ok := r.s.orders[order.ID]; ok {
		return domain.Order{}, repositories.NewStoreError("orders.create", repositories.StoreErrorConflict, "order id already exists")
	}
	stored := cloneOrder(order)
	r.s.orders[order.ID] = stored
	r.s.byHash[order.TransactionHash] = order.ID
	return cloneOrder(stored), nil
}

func (r orderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewStoreError("orders.get", repositories.StoreErrorNotFound, "order not found")
	}
	return cloneOrder(order), nil
}

func (r orderRepository) FindByTransactionHash(_ context.Context, transactionHash string) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	id, ok := r.s.byHash[transactionHash]
	if !ok {
		return domain.Order{}, repositories.NewStoreError("orders.getByHash", repositories.StoreErrorNotFound, "order not found")
	}
	return cloneOrder(r.s.orders[id]), nil
}

func (r orderRepository) UpdateStatus(_ context.Context, order domain.Order, expected domain.OrderStatus) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.orders[order.ID]
	if !ok {
		return domain.Order{}, repositories.NewStoreError("orders.updateStatus", repositories.StoreErrorNotFound, "order not found")
	}
	if current.Status != expected {
		return domain.Order{}, repositories.NewStoreError("orders.updateStatus", repositories.StoreErrorConflict, "status changed concurrently")
	}
	current.Status = order.Status
	current.History = cloneHistory(order.History)
	current.DeliveryProof = cloneString(order.DeliveryProof)
	current.RefundReason = cloneString(order.RefundReason)
	current.DeliveredAt = cloneTime(order.DeliveredAt)
	current.RefundRequestedAt = cloneTime(order.RefundRequestedAt)
	current.RefundedAt = cloneTime(order.RefundedAt)
	current.CancelledAt = cloneTime(order.CancelledAt)
	current.UpdatedAt = order.UpdatedAt
	r.s.orders[order.ID] = current
	return cloneOrder(current), nil
}

func (r orderRepository) RecordPayment(_ context.Context, orderID string, update repositories.OrderPaymentUpdate) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewStoreError("orders.recordPayment", repositories.StoreErrorNotFound, "order not found")
	}
	current.PaymentStatus = update.Status
	if update.Reference != nil {
		current.PaymentReference = cloneString(update.Reference)
	}
	checked := update.CheckedAt
	current.PaymentCheckedAt = &checked
	current.UpdatedAt = update.CheckedAt
	r.s.orders[orderID] = current
	return cloneOrder(current), nil
}

func (r orderRepository) FlagForReview(_ context.Context, orderID string, issues []domain.ReviewIssue, at time.Time) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewStoreError("orders.flagForReview", repositories.StoreErrorNotFound, "order not found")
	}
	current = repositories.ApplyReviewIssues(current, issues, at)
	r.s.orders[orderID] = current
	return cloneOrder(current), nil
}

func (r orderRepository) UpdateCartStatus(_ context.Context, orderID string, status domain.CartSyncStatus, at time.Time) (domain.Order, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	current, ok := r.s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewStoreError("orders.updateCartStatus", repositories.StoreErrorNotFound, "order not found")
	}
	current.CartStatus = status
	current.UpdatedAt = at
	r.s.orders[orderID] = current
	return cloneOrder(current), nil
}

func (r orderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.WrapStoreError("orders.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.PageSize(filter.Pagination.PageSize)

	r.s.mu.Lock()
	matches := make([]domain.Order, 0, len(r.s.orders))
	for _, order := range r.s.orders {
		if matchesFilter(order, filter) && cursor.After(order.CreatedAt, order.ID) {
			matches = append(matches, cloneOrder(order))
		}
	}
	r.s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].ID > matches[j].ID
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	page := domain.CursorPage[domain.Order]{}
	if len(matches) > size {
		last := matches[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
		matches = matches[:size]
	}
	page.Items = matches
	return page, nil
}

func matchesFilter(order domain.Order, filter repositories.OrderListFilter) bool {
	if filter.UserID != "" && order.UserID != filter.UserID {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, status := range filter.Statuses {
			if order.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.ReviewRequired != nil && order.Review.Required != *filter.ReviewRequired {
		return false
	}
	return true
}

type itemRepository struct{ s *Store }

func (r itemRepository) FindByID(_ context.Context, itemID string) (domain.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	item, ok := r.s.items[itemID]
	if !ok {
		return domain.Item{}, repositories.NewStoreError("items.get", repositories.StoreErrorNotFound, "item not found")
	}
	return cloneItem(item), nil
}

func (r itemRepository) FindByIDs(_ context.Context, itemIDs []string) (map[string]domain.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]domain.Item, len(itemIDs))
	for _, id := range itemIDs {
		if item, ok := r.s.items[id]; ok {
			out[id] = cloneItem(item)
		}
	}
	return out, nil
}

func (r itemRepository) Save(_ context.Context, item domain.Item) error {
	if strings.TrimSpace(item.ID) == "" {
		return repositories.NewStoreError("items.save", repositories.StoreErrorInternal, "item id is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.items[item.ID] = cloneItem(item)
	return nil
}

type inventoryRepository struct{ s *Store }

func (r inventoryRepository) Decrement(_ context.Context, req repositories.StockDecrement) (repositories.StockDecrementResult, error) {
	if strings.TrimSpace(req.ItemID) == "" || req.Quantity <= 0 {
		return repositories.StockDecrementResult{}, repositories.NewInventoryError(repositories.InventoryErrorInvalidInput, "inventory.decrement: item id and positive quantity are required", nil)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	item, ok := r.s.items[req.ItemID]
	if !ok {
		return repositories.StockDecrementResult{}, repositories.NewInventoryError(repositories.InventoryErrorItemNotFound, "inventory.decrement: item "+req.ItemID+" not found", nil)
	}

	var order domain.Order
	if req.OrderID != "" {
		order, ok = r.s.orders[req.OrderID]
		if !ok || req.LineIndex < 0 || req.LineIndex >= len(order.Lines) {
			return repositories.StockDecrementResult{}, repositories.NewInventoryError(repositories.InventoryErrorLineNotFound, "inventory.decrement: order line not found", nil)
		}
		if order.Lines[req.LineIndex].StockStatus == domain.LineStockCommitted {
			return repositories.StockDecrementResult{AlreadyApplied: true, Remaining: item.Stock}, nil
		}
	}

	if item.Stock < req.Quantity {
		return repositories.StockDecrementResult{Remaining: item.Stock}, repositories.InsufficientStock(req.ItemID, req.Quantity, item.Stock)
	}
	item.Stock -= req.Quantity
	item.UpdatedAt = req.Now
	r.s.items[req.ItemID] = item

	if req.OrderID != "" {
		lines := cloneLines(order.Lines)
		lines[req.LineIndex].StockStatus = domain.LineStockCommitted
		order.Lines = lines
		order.UpdatedAt = req.Now
		r.s.orders[req.OrderID] = order
	}
	return repositories.StockDecrementResult{Applied: true, Remaining: item.Stock}, nil
}

type cartRepository struct{ s *Store }

func (r cartRepository) Upsert(_ context.Context, entry domain.CartEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cart, ok := r.s.carts[entry.UserID]
	if !ok {
		cart = make(map[string]domain.CartEntry)
		r.s.carts[entry.UserID] = cart
	}
	cart[entry.ItemID] = entry
	return nil
}

func (r cartRepository) List(_ context.Context, userID string) ([]domain.CartEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cart := r.s.carts[userID]
	out := make([]domain.CartEntry, 0, len(cart))
	for _, entry := range cart {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func (r cartRepository) RemoveItems(_ context.Context, userID string, itemIDs []string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cart := r.s.carts[userID]
	removed := 0
	for _, id := range itemIDs {
		if _, ok := cart[id]; ok {
			delete(cart, id)
			removed++
		}
	}
	return removed, nil
}

type checkoutRepository struct{ s *Store }

func (r checkoutRepository) Save(_ context.Context, checkout domain.PendingCheckout) error {
	if strings.TrimSpace(checkout.TransactionHash) == "" {
		return repositories.NewStoreError("checkouts.save", repositories.StoreErrorInternal, "transaction hash is required")
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.checkouts[checkout.TransactionHash] = clonePendingCheckout(checkout)
	return nil
}

func (r checkoutRepository) FindByTransactionHash(_ context.Context, transactionHash string) (domain.PendingCheckout, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	checkout, ok := r.s.checkouts[transactionHash]
	if !ok {
		return domain.PendingCheckout{}, repositories.NewStoreError("checkouts.get", repositories.StoreErrorNotFound, "pending checkout not found")
	}
	return clonePendingCheckout(checkout), nil
}
