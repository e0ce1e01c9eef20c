package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories"
	"github.com/plankworks/api/internal/repositories/memory"
)

func newInventoryFixture(t *testing.T, items ...domain.Item) (*memory.Store, InventoryService) {
	t.Helper()
	store := memory.NewStore()
	for _, item := range items {
		if err := store.Items().Save(context.Background(), item); err != nil {
			t.Fatalf("save item: %v", err)
		}
	}
	svc, err := NewInventoryService(InventoryServiceDeps{Inventory: store.Inventory(), Items: store.Items()})
	if err != nil {
		t.Fatalf("NewInventoryService error: %v", err)
	}
	return store, svc
}

func TestInventoryService_ReserveDecrementsStock(t *testing.T) {
	ctx := context.Background()
	store, svc := newInventoryFixture(t, domain.Item{ID: "chair", Stock: 4})

	res, err := svc.Reserve(ctx, InventoryReserveCommand{ItemID: "chair", Quantity: 3})
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if res.Remaining != 1 {
		t.Fatalf("expected 1 remaining, got %d", res.Remaining)
	}

	_, err = svc.Reserve(ctx, InventoryReserveCommand{ItemID: "chair", Quantity: 2})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) || invErr.Available != 1 {
		t.Fatalf("expected available count to be preserved, got %v", err)
	}

	item, _ := store.Items().FindByID(ctx, "chair")
	if item.Stock != 1 {
		t.Fatalf("failed reserve must not change stock, got %d", item.Stock)
	}
}

func TestInventoryService_ReserveValidatesInput(t *testing.T) {
	_, svc := newInventoryFixture(t)
	for _, cmd := range []InventoryReserveCommand{
		{ItemID: "", Quantity: 1},
		{ItemID: "chair", Quantity: 0},
		{ItemID: "chair", Quantity: 1, LineIndex: -1},
	} {
		if _, err := svc.Reserve(context.Background(), cmd); !errors.Is(err, ErrInventoryInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", cmd, err)
		}
	}
	if _, err := svc.Reserve(context.Background(), InventoryReserveCommand{ItemID: "ghost", Quantity: 1}); !errors.Is(err, ErrInventoryItemNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}
}

func TestInventoryService_ConcurrentReserveNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	store, svc := newInventoryFixture(t, domain.Item{ID: "bench", Stock: 3})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, InventoryReserveCommand{ItemID: "bench", Quantity: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrInventoryInsufficientStock):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	item, _ := store.Items().FindByID(ctx, "bench")
	if succeeded != 3 || rejected != 7 || item.Stock != 0 {
		t.Fatalf("expected 3 successes, 7 rejections and stock 0; got %d, %d, %d", succeeded, rejected, item.Stock)
	}
}

func TestInventoryService_CheckAvailabilitySumsQuantities(t *testing.T) {
	_, svc := newInventoryFixture(t,
		domain.Item{ID: "chair", Stock: 3},
		domain.Item{ID: "table", Stock: 1},
	)

	shortages, err := svc.CheckAvailability(context.Background(), []InventoryCheckLine{
		{ItemID: "chair", Quantity: 2},
		{ItemID: "table", Quantity: 1},
		{ItemID: "chair", Quantity: 2},
	})
	if err != nil {
		t.Fatalf("CheckAvailability error: %v", err)
	}
	if len(shortages) != 1 || shortages[0].ItemID != "chair" || shortages[0].Requested != 4 || shortages[0].Available != 3 {
		t.Fatalf("unexpected shortages %+v", shortages)
	}

	_, err = svc.CheckAvailability(context.Background(), []InventoryCheckLine{{ItemID: "ghost", Quantity: 1}})
	if !errors.Is(err, ErrInventoryItemNotFound) {
		t.Fatalf("expected item not found, got %v", err)
	}
}
