//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories"
	"github.com/plankworks/api/internal/repositories/postgres"
)

func openTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	store, err := postgres.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

func TestStoreOrderLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	now := time.Now().UTC().Truncate(time.Microsecond)

	itemID := "lamp" + suffix
	if err := store.Items().Save(ctx, domain.Item{ID: itemID, Name: "Lamp", Price: 4500, Currency: "PHP", Stock: 1, UpdatedAt: now}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	order := domain.Order{
		ID:              "ord_" + suffix,
		UserID:          "user-1",
		Lines:           []domain.OrderLine{{ItemID: itemID, ItemName: "Lamp", Quantity: 1, UnitPrice: 4500, StockStatus: domain.LineStockPending}},
		Amount:          4500,
		Currency:        "PHP",
		DeliveryOption:  domain.DeliveryOptionPickup,
		Status:          domain.OrderStatusOnProcess,
		TransactionHash: "user-1-" + suffix,
		PaymentStatus:   domain.PaymentStatusPending,
		CartStatus:      domain.CartSyncPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := store.Orders().Create(ctx, order); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dup := order
	dup.ID = "ord_dup" + suffix
	if _, err := store.Orders().Create(ctx, dup); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Inventory().Decrement(ctx, repositories.StockDecrement{ItemID: itemID, Quantity: 1, OrderID: order.ID, Now: now})
			if err != nil {
				t.Errorf("Decrement: %v", err)
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if applied != 1 {
		t.Fatalf("expected exactly one application, got %d", applied)
	}
	_, err := store.Inventory().Decrement(ctx, repositories.StockDecrement{ItemID: itemID, Quantity: 1, Now: now})
	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	idx := 0
	flagged, err := store.Orders().FlagForReview(ctx, order.ID, []domain.ReviewIssue{{Code: domain.ReviewIssuePaymentUnconfirmed}}, now)
	if err != nil || !flagged.Review.Required || flagged.Lines[idx].StockStatus != domain.LineStockCommitted {
		t.Fatalf("FlagForReview: %+v %v", flagged, err)
	}

	delivered := flagged
	delivered.Status = domain.OrderStatusDelivered
	delivered.UpdatedAt = now.Add(time.Minute)
	if _, err := store.Orders().UpdateStatus(ctx, delivered, domain.OrderStatusOnProcess); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := store.Orders().UpdateStatus(ctx, delivered, domain.OrderStatusOnProcess); !repositories.IsConflict(err) {
		t.Fatalf("expected stale status conflict, got %v", err)
	}

	page, err := store.Orders().List(ctx, repositories.OrderListFilter{UserID: "user-1", Pagination: domain.Pagination{PageSize: 1}})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("List: %+v %v", page, err)
	}
}

func TestStoreDecrementRacesOrderUpdates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())
	now := time.Now().UTC().Truncate(time.Microsecond)

	itemID := "chair" + suffix
	if err := store.Items().Save(ctx, domain.Item{ID: itemID, Name: "Chair", Price: 12000, Currency: "PHP", Stock: 100, UpdatedAt: now}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	const orders = 20
	for i := 0; i < orders; i++ {
		id := fmt.Sprintf("ord_race%d_%s", i, suffix)
		if _, err := store.Orders().Create(ctx, domain.Order{
			ID:     id,
			UserID: "user-1",
			Lines: []domain.OrderLine{
				{ItemID: itemID, ItemName: "Chair", Quantity: 1, UnitPrice: 12000, StockStatus: domain.LineStockPending},
				{ItemID: itemID, ItemName: "Chair", Quantity: 1, UnitPrice: 12000, StockStatus: domain.LineStockPending},
			},
			Amount:          24000,
			Currency:        "PHP",
			DeliveryOption:  domain.DeliveryOptionPickup,
			Status:          domain.OrderStatusOnProcess,
			TransactionHash: fmt.Sprintf("user-1-%s%d", suffix, i),
			PaymentStatus:   domain.PaymentStatusPending,
			CartStatus:      domain.CartSyncPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}); err != nil {
			t.Fatalf("Create: %v", err)
		}

		// Stock commits and payment or cart updates for the same order run side by side during
		// finalization; neither may abort the other.
		var wg sync.WaitGroup
		for line := 0; line < 2; line++ {
			wg.Add(1)
			go func(line int) {
				defer wg.Done()
				if _, err := store.Inventory().Decrement(ctx, repositories.StockDecrement{ItemID: itemID, Quantity: 1, OrderID: id, LineIndex: line, Now: now}); err != nil {
					t.Errorf("Decrement %s/%d: %v", id, line, err)
				}
			}(line)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			ref := "pi_" + id
			if _, err := store.Orders().RecordPayment(ctx, id, repositories.OrderPaymentUpdate{Status: domain.PaymentStatusPaid, Reference: &ref, CheckedAt: now}); err != nil {
				t.Errorf("RecordPayment %s: %v", id, err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := store.Orders().UpdateCartStatus(ctx, id, domain.CartSyncReconciled, now); err != nil {
				t.Errorf("UpdateCartStatus %s: %v", id, err)
			}
		}()
		wg.Wait()

		got, err := store.Orders().FindByID(ctx, id)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if got.PaymentStatus != domain.PaymentStatusPaid || got.CartStatus != domain.CartSyncReconciled {
			t.Fatalf("lost order update: %+v", got)
		}
		for _, line := range got.Lines {
			if line.StockStatus != domain.LineStockCommitted {
				t.Fatalf("payment update overwrote a committed line: %+v", got.Lines)
			}
		}
	}

	item, err := store.Items().FindByID(ctx, itemID)
	if err != nil || item.Stock != 100-2*orders {
		t.Fatalf("expected stock %d, got %d (%v)", 100-2*orders, item.Stock, err)
	}
}
