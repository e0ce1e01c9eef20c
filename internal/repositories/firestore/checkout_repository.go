package firestore

import (
	"context"
	"errors"
	"strings"

	domain "github.com/plankworks/api/internal/domain"
	pfirestore "github.com/plankworks/api/internal/platform/firestore"
	"github.com/plankworks/api/internal/repositories"
)

const pendingCheckoutsCollection = "pendingCheckouts"

// CheckoutRepository keeps checkout payloads under pendingCheckouts/{sha256(transactionHash)}.
type CheckoutRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.CheckoutRepository = (*CheckoutRepository)(nil)

// NewCheckoutRepository constructs a Firestore-backed pending checkout repository.
func NewCheckoutRepository(provider *pfirestore.Provider) (*CheckoutRepository, error) {
	if provider == nil {
		return nil, errors.New("checkout repository: firestore provider is required")
	}
	return &CheckoutRepository{provider: provider}, nil
}

func (r *CheckoutRepository) Save(ctx context.Context, checkout domain.PendingCheckout) error {
	if strings.TrimSpace(checkout.TransactionHash) == "" {
		return repositories.NewStoreError("checkouts.save", repositories.StoreErrorInternal, "transaction hash is required")
	}
	coll, err := r.provider.Collection(ctx, pendingCheckoutsCollection)
	if err != nil {
		return pfirestore.WrapError("checkouts.save", err)
	}
	if _, err := coll.Doc(transactionDocID(checkout.TransactionHash)).Set(ctx, newPendingCheckoutDocument(checkout)); err != nil {
		return pfirestore.WrapError("checkouts.save", err)
	}
	return nil
}

func (r *CheckoutRepository) FindByTransactionHash(ctx context.Context, transactionHash string) (domain.PendingCheckout, error) {
	if strings.TrimSpace(transactionHash) == "" {
		return domain.PendingCheckout{}, repositories.NewStoreError("checkouts.get", repositories.StoreErrorNotFound, "pending checkout not found")
	}
	coll, err := r.provider.Collection(ctx, pendingCheckoutsCollection)
	if err != nil {
		return domain.PendingCheckout{}, pfirestore.WrapError("checkouts.get", err)
	}
	snap, err := coll.Doc(transactionDocID(transactionHash)).Get(ctx)
	if err != nil {
		return domain.PendingCheckout{}, pfirestore.WrapError("checkouts.get", err)
	}
	var doc pendingCheckoutDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.PendingCheckout{}, pfirestore.WrapError("checkouts.get", err)
	}
	return doc.toDomain(transactionHash), nil
}
