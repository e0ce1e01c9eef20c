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

const itemsCollection = "items"

// ItemRepository reads catalog items stored under items/{itemId}, stock included.
type ItemRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.ItemRepository = (*ItemRepository)(nil)

// NewItemRepository constructs a Firestore-backed item repository.
func NewItemRepository(provider *pfirestore.Provider) (*ItemRepository, error) {
	if provider == nil {
		return nil, errors.New("item repository: firestore provider is required")
	}
	return &ItemRepository{provider: provider}, nil
}

func (r *ItemRepository) FindByID(ctx context.Context, itemID string) (domain.Item, error) {
	if strings.TrimSpace(itemID) == "" {
		return domain.Item{}, repositories.NewStoreError("items.get", repositories.StoreErrorNotFound, "item not found")
	}
	coll, err := r.provider.Collection(ctx, itemsCollection)
	if err != nil {
		return domain.Item{}, pfirestore.WrapError("items.get", err)
	}
	snap, err := coll.Doc(itemID).Get(ctx)
	if err != nil {
		return domain.Item{}, pfirestore.WrapError("items.get", err)
	}
	return decodeItem(snap)
}

// FindByIDs batches the lookups into one GetAll round trip and skips missing documents.
func (r *ItemRepository) FindByIDs(ctx context.Context, itemIDs []string) (map[string]domain.Item, error) {
	out := make(map[string]domain.Item, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("items.getAll", err)
	}
	coll := client.Collection(itemsCollection)
	seen := make(map[string]struct{}, len(itemIDs))
	refs := make([]*firestore.DocumentRef, 0, len(itemIDs))
	for _, id := range itemIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, coll.Doc(id))
	}
	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("items.getAll", err)
	}
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		item, err := decodeItem(snap)
		if err != nil {
			return nil, err
		}
		out[item.ID] = item
	}
	return out, nil
}

func (r *ItemRepository) Save(ctx context.Context, item domain.Item) error {
	if strings.TrimSpace(item.ID) == "" {
		return repositories.NewStoreError("items.save", repositories.StoreErrorInternal, "item id is required")
	}
	coll, err := r.provider.Collection(ctx, itemsCollection)
	if err != nil {
		return pfirestore.WrapError("items.save", err)
	}
	if _, err := coll.Doc(item.ID).Set(ctx, newItemDocument(item)); err != nil {
		return pfirestore.WrapError("items.save", err)
	}
	return nil
}

func decodeItem(snap *firestore.DocumentSnapshot) (domain.Item, error) {
	var doc itemDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Item{}, pfirestore.WrapError("items.decode", err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}
