package firestore

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/plankworks/api/internal/domain"
	pfirestore "github.com/plankworks/api/internal/platform/firestore"
	"github.com/plankworks/api/internal/repositories"
)

const (
	cartsCollection       = "carts"
	cartEntriesCollection = "entries"
)

// CartRepository stores cart entries under carts/{userId}/entries/{itemId}.
type CartRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository: firestore provider is required")
	}
	return &CartRepository{provider: provider}, nil
}

func (r *CartRepository) Upsert(ctx context.Context, entry domain.CartEntry) error {
	if strings.TrimSpace(entry.UserID) == "" || strings.TrimSpace(entry.ItemID) == "" {
		return repositories.NewStoreError("carts.upsert", repositories.StoreErrorInternal, "user id and item id are required")
	}
	entries, err := r.entries(ctx, entry.UserID)
	if err != nil {
		return pfirestore.WrapError("carts.upsert", err)
	}
	doc := cartEntryDocument{
		ItemID:        entry.ItemID,
		Quantity:      entry.Quantity,
		Customization: newCustomizationDocument(entry.Customization),
		AddedAt:       entry.AddedAt.UTC(),
	}
	if _, err := entries.Doc(entry.ItemID).Set(ctx, doc); err != nil {
		return pfirestore.WrapError("carts.upsert", err)
	}
	return nil
}

func (r *CartRepository) List(ctx context.Context, userID string) ([]domain.CartEntry, error) {
	entries, err := r.entries(ctx, userID)
	if err != nil {
		return nil, pfirestore.WrapError("carts.list", err)
	}
	iter := entries.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var out []domain.CartEntry
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("carts.list", err)
		}
		var doc cartEntryDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("carts.list", err)
		}
		out = append(out, domain.CartEntry{
			UserID:        userID,
			ItemID:        snap.Ref.ID,
			Quantity:      doc.Quantity,
			Customization: doc.Customization.toDomain(),
			AddedAt:       doc.AddedAt,
		})
	}
	return out, nil
}

// RemoveItems deletes the purchased entries in one transaction so a retry observes either all or
// none of them removed.
func (r *CartRepository) RemoveItems(ctx context.Context, userID string, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	entries, err := r.entries(ctx, userID)
	if err != nil {
		return 0, pfirestore.WrapError("carts.remove", err)
	}
	var removed int
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		removed = 0
		refs := make([]*firestore.DocumentRef, 0, len(itemIDs))
		for _, id := range itemIDs {
			if strings.TrimSpace(id) != "" {
				refs = append(refs, entries.Doc(id))
			}
		}
		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if !snap.Exists() {
				continue
			}
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, pfirestore.WrapError("carts.remove", err)
	}
	return removed, nil
}

func (r *CartRepository) entries(ctx context.Context, userID string) (*firestore.CollectionRef, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("user id is required")
	}
	carts, err := r.provider.Collection(ctx, cartsCollection)
	if err != nil {
		return nil, err
	}
	return carts.Doc(userID).Collection(cartEntriesCollection), nil
}
