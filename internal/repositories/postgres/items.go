package postgres

import (
	"context"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/repositories"
)

type itemRepository struct {
	db *gorm.DB
}

func (r itemRepository) FindByID(ctx context.Context, itemID string) (domain.Item, error) {
	var row itemRow
	if err := r.db.WithContext(ctx).First(&row, "id = ?", itemID).Error; err != nil {
		return domain.Item{}, wrapError("items.get", err)
	}
	return row.toDomain(), nil
}

func (r itemRepository) FindByIDs(ctx context.Context, itemIDs []string) (map[string]domain.Item, error) {
	out := make(map[string]domain.Item, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	var rows []itemRow
	if err := r.db.WithContext(ctx).Where("id IN ?", itemIDs).Find(&rows).Error; err != nil {
		return nil, wrapError("items.getAll", err)
	}
	for _, row := range rows {
		out[row.ID] = row.toDomain()
	}
	return out, nil
}

func (r itemRepository) Save(ctx context.Context, item domain.Item) error {
	if strings.TrimSpace(item.ID) == "" {
		return repositories.NewStoreError("items.save", repositories.StoreErrorInternal, "item id is required")
	}
	row := newItemRow(item)
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	return wrapError("items.save", err)
}
