package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories"
)

func seedOrder(id, hash string, created time.Time) domain.Order {
	return domain.Order{
		ID:              id,
		UserID:          "u1",
		TransactionHash: hash,
		Status:          domain.OrderStatusOnProcess,
		Amount:          1000,
		Lines:           []domain.OrderLine{{ItemID: "chair", Quantity: 2, UnitPrice: 500, StockStatus: domain.LineStockPending}},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestCreateRejectsDuplicateTransactionHash(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now().UTC()

	if _, err := store.Orders().Create(ctx, seedOrder("ord_1", "u1-1", now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := store.Orders().Create(ctx, seedOrder("ord_2", "u1-1", now))
	if !repositories.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	found, err := store.Orders().FindByTransactionHash(ctx, "u1-1")
	if err != nil {
		t.Fatalf("find by hash: %v", err)
	}
	if found.ID != "ord_1" {
		t.Fatalf("expected ord_1, got %s", found.ID)
	}
}

func TestReturnedOrdersDoNotAliasStoredState(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	created, err := store.Orders().Create(ctx, seedOrder("ord_1", "u1-1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.Lines[0].Quantity = 99

	found, err := store.Orders().FindByID(ctx, "ord_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found.Lines[0].Quantity != 2 {
		t.Fatalf("stored order was mutated through returned value")
	}
}

func TestUpdateStatusCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	order, _ := store.Orders().Create(ctx, seedOrder("ord_1", "u1-1", time.Now().UTC()))

	order.Status = domain.OrderStatusCancelled
	order.Amount = 1
	updated, err := store.Orders().UpdateStatus(ctx, order, domain.OrderStatusOnProcess)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
	if updated.Amount != 1000 {
		t.Fatalf("amount must never be rewritten, got %d", updated.Amount)
	}

	order.Status = domain.OrderStatusDelivered
	if _, err := store.Orders().UpdateStatus(ctx, order, domain.OrderStatusOnProcess); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict on stale expected status, got %v", err)
	}
}

func TestDecrementBoundToLineAppliesOnce(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.Items().Save(ctx, domain.Item{ID: "chair", Stock: 3})
	_, _ = store.Orders().Create(ctx, seedOrder("ord_1", "u1-1", time.Now().UTC()))

	req := repositories.StockDecrement{ItemID: "chair", Quantity: 2, OrderID: "ord_1", LineIndex: 0}
	first, err := store.Inventory().Decrement(ctx, req)
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if !first.Applied || first.Remaining != 1 {
		t.Fatalf("unexpected first result %+v", first)
	}
	second, err := store.Inventory().Decrement(ctx, req)
	if err != nil {
		t.Fatalf("repeat decrement: %v", err)
	}
	if !second.AlreadyApplied || second.Applied {
		t.Fatalf("expected already applied, got %+v", second)
	}

	item, _ := store.Items().FindByID(ctx, "chair")
	if item.Stock != 1 {
		t.Fatalf("expected stock 1, got %d", item.Stock)
	}
	order, _ := store.Orders().FindByID(ctx, "ord_1")
	if order.Lines[0].StockStatus != domain.LineStockCommitted {
		t.Fatalf("expected committed line, got %s", order.Lines[0].StockStatus)
	}
}

func TestDecrementInsufficientStockLeavesStockUntouched(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.Items().Save(ctx, domain.Item{ID: "chair", Stock: 1})

	_, err := store.Inventory().Decrement(ctx, repositories.StockDecrement{ItemID: "chair", Quantity: 2})
	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if invErr.Available != 1 {
		t.Fatalf("expected available 1, got %d", invErr.Available)
	}
	item, _ := store.Items().FindByID(ctx, "chair")
	if item.Stock != 1 {
		t.Fatalf("expected stock unchanged, got %d", item.Stock)
	}
}

func TestConcurrentDecrementNeverOversells(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.Items().Save(ctx, domain.Item{ID: "stool", Stock: 5})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Inventory().Decrement(ctx, repositories.StockDecrement{ItemID: "stool", Quantity: 1})
			if err == nil && res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	item, _ := store.Items().FindByID(ctx, "stool")
	if applied != 5 || item.Stock != 0 {
		t.Fatalf("expected 5 applied and stock 0, got %d applied and stock %d", applied, item.Stock)
	}
}

func TestListPaginatesNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		order := seedOrder(fmt.Sprintf("ord_%d", i), fmt.Sprintf("u1-%d", i), base.Add(time.Duration(i)*time.Hour))
		if i == 4 {
			order.UserID = "u2"
		}
		if _, err := store.Orders().Create(ctx, order); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	filter := repositories.OrderListFilter{UserID: "u1", Pagination: domain.Pagination{PageSize: 3}}
	page, err := store.Orders().List(ctx, filter)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 3 || page.Items[0].ID != "ord_3" || page.NextPageToken == "" {
		t.Fatalf("unexpected first page %+v", page)
	}

	filter.Pagination.PageToken = page.NextPageToken
	page, err = store.Orders().List(ctx, filter)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "ord_0" || page.NextPageToken != "" {
		t.Fatalf("unexpected second page %+v", page)
	}
}

func TestListFiltersByStatusAndReview(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now().UTC()
	_, _ = store.Orders().Create(ctx, seedOrder("ord_a", "u1-1", now))
	b := seedOrder("ord_b", "u1-2", now.Add(time.Second))
	b.Status = domain.OrderStatusDelivered
	_, _ = store.Orders().Create(ctx, b)
	_, _ = store.Orders().FlagForReview(ctx, "ord_a", []domain.ReviewIssue{{Code: domain.ReviewIssuePaymentUnconfirmed}}, now)

	page, _ := store.Orders().List(ctx, repositories.OrderListFilter{Statuses: []domain.OrderStatus{domain.OrderStatusDelivered}})
	if len(page.Items) != 1 || page.Items[0].ID != "ord_b" {
		t.Fatalf("unexpected status filter result %+v", page.Items)
	}
	required := true
	page, _ = store.Orders().List(ctx, repositories.OrderListFilter{ReviewRequired: &required})
	if len(page.Items) != 1 || page.Items[0].ID != "ord_a" {
		t.Fatalf("unexpected review filter result %+v", page.Items)
	}
}

func TestRemoveItemsToleratesMissingEntries(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.Carts().Upsert(ctx, domain.CartEntry{UserID: "u1", ItemID: "chair", Quantity: 1})

	removed, err := store.Carts().RemoveItems(ctx, "u1", []string{"chair", "table"})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	removed, err = store.Carts().RemoveItems(ctx, "u1", []string{"chair"})
	if err != nil || removed != 0 {
		t.Fatalf("expected idempotent removal, got %d %v", removed, err)
	}
}
