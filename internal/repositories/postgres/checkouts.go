package postgres

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories"
)

type checkoutRepository struct {
	db *gorm.DB
}

func (r checkoutRepository) Save(ctx context.Context, checkout domain.PendingCheckout) error {
	if strings.TrimSpace(checkout.TransactionHash) == "" {
		return repositories.NewStoreError("checkouts.save", repositories.StoreErrorInternal, "transaction hash is required")
	}
	row := pendingCheckoutRow{
		TransactionHash: checkout.TransactionHash,
		UserID:          checkout.UserID,
		Payload:         checkout.Payload,
		SessionID:       checkout.SessionID,
		RedirectURL:     checkout.RedirectURL,
		Amount:          checkout.Amount,
		Currency:        checkout.Currency,
		CreatedAt:       checkout.CreatedAt.UTC(),
		ExpiresAt:       checkout.ExpiresAt.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return wrapError("checkouts.save", err)
}

func (r checkoutRepository) FindByTransactionHash(ctx context.Context, transactionHash string) (domain.PendingCheckout, error) {
	var row pendingCheckoutRow
	if err := r.db.WithContext(ctx).First(&row, "transaction_hash = ?", transactionHash).Error; err != nil {
		return domain.PendingCheckout{}, wrapError("checkouts.get", err)
	}
	return domain.PendingCheckout{
		TransactionHash: row.TransactionHash,
		UserID:          row.UserID,
		Payload:         row.Payload,
		SessionID:       row.SessionID,
		RedirectURL:     row.RedirectURL,
		Amount:          row.Amount,
		Currency:        row.Currency,
		CreatedAt:       row.CreatedAt.UTC(),
		ExpiresAt:       row.ExpiresAt.UTC(),
	}, nil
}
