package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"

	"github.com/plankworks/api/internal/repositories"
)

func TestWrapErrorCategorises(t *testing.T) {
	if err := wrapError("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if !repositories.IsNotFound(wrapError("orders.get", gorm.ErrRecordNotFound)) {
		t.Fatalf("expected record not found to be not found")
	}
	if !repositories.IsConflict(wrapError("orders.create", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey))) {
		t.Fatalf("expected duplicate key to be a conflict")
	}
	var storeErr *repositories.StoreError
	if err := wrapError("orders.list", errors.New("connection refused")); !errors.As(err, &storeErr) || !storeErr.IsUnavailable() {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := wrapError("orders.list", context.DeadlineExceeded); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline to pass through, got %v", err)
	}
	inv := repositories.InsufficientStock("lamp", 2, 1)
	var invErr *repositories.InventoryError
	if err := wrapError("inventory.decrement", inv); !errors.As(err, &invErr) || invErr.Available != 1 {
		t.Fatalf("expected inventory error to pass through, got %v", err)
	}
}
