package postgres

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories"
)

type cartRepository struct {
	db *gorm.DB
}

func (r cartRepository) Upsert(ctx context.Context, entry domain.CartEntry) error {
	if strings.TrimSpace(entry.UserID) == "" || strings.TrimSpace(entry.ItemID) == "" {
		return repositories.NewStoreError("carts.upsert", repositories.StoreErrorInternal, "user id and item id are required")
	}
	row := cartEntryRow{
		UserID:        entry.UserID,
		ItemID:        entry.ItemID,
		Quantity:      entry.Quantity,
		Customization: entry.Customization,
		AddedAt:       entry.AddedAt.UTC(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return wrapError("carts.upsert", err)
}

func (r cartRepository) List(ctx context.Context, userID string) ([]domain.CartEntry, error) {
	var rows []cartEntryRow
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("item_id").Find(&rows).Error; err != nil {
		return nil, wrapError("carts.list", err)
	}
	out := make([]domain.CartEntry, len(rows))
	for i, row := range rows {
		out[i] = domain.CartEntry{
			UserID:        row.UserID,
			ItemID:        row.ItemID,
			Quantity:      row.Quantity,
			Customization: row.Customization,
			AddedAt:       row.AddedAt.UTC(),
		}
	}
	return out, nil
}

func (r cartRepository) RemoveItems(ctx context.Context, userID string, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("user_id = ? AND item_id IN ?", userID, itemIDs).Delete(&cartEntryRow{})
	if res.Error != nil {
		return 0, wrapError("carts.remove", res.Error)
	}
	return int(res.RowsAffected), nil
}
