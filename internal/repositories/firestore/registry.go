// Package firestore implements the repository contracts on Cloud Firestore.
package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/plankworks/api/internal/platform/firestore"
	"github.com/plankworks/api/internal/repositories"
)

// Registry bundles the Firestore repositories over one shared provider.
type Registry struct {
	provider  *pfirestore.Provider
	orders    *OrderRepository
	items     *ItemRepository
	inventory *InventoryRepository
	carts     *CartRepository
	checkouts *CheckoutRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository to provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	reg := &Registry{provider: provider}
	var err error
	if reg.orders, err = NewOrderRepository(provider); err != nil {
		return nil, err
	}
	if reg.items, err = NewItemRepository(provider); err != nil {
		return nil, err
	}
	if reg.inventory, err = NewInventoryRepository(provider); err != nil {
		return nil, err
	}
	if reg.carts, err = NewCartRepository(provider); err != nil {
		return nil, err
	}
	if reg.checkouts, err = NewCheckoutRepository(provider); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Ping(ctx context.Context) error { return r.provider.Ping(ctx) }

func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

func (r *Registry) Items() repositories.ItemRepository { return r.items }

func (r *Registry) Inventory() repositories.InventoryRepository { return r.inventory }

func (r *Registry) Carts() repositories.CartRepository { return r.carts }

func (r *Registry) Checkouts() repositories.CheckoutRepository { return r.checkouts }
