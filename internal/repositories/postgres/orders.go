package postgres

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/plankworks/api/internal/domain"
	"github.com/plankworks/api/internal/platform/pagination"
	"github.com/plankworks/api/internal/repositories"
)

type orderRepository struct {
	db *gorm.DB
}

// Create relies on the unique index on transaction_hash; a second insert for the same hash fails
// with a conflict and leaves no partial rows behind.
func (r orderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.TransactionHash) == "" {
		return domain.Order{}, repositories.NewStoreError("orders.create", repositories.StoreErrorInternal, "order id and transaction hash are required")
	}
	row := newOrderRow(order)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return domain.Order{}, wrapError("orders.create", err)
	}
	return row.toDomain(), nil
}

func (r orderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	var row orderRow
	if err := r.db.WithContext(ctx).Preload("Lines").First(&row, "id = ?", orderID).Error; err != nil {
		return domain.Order{}, wrapError("orders.get", err)
	}
	return row.toDomain(), nil
}

func (r orderRepository) FindByTransactionHash(ctx context.Context, transactionHash string) (domain.Order, error) {
	var row orderRow
	if err := r.db.WithContext(ctx).Preload("Lines").First(&row, "transaction_hash = ?", transactionHash).Error; err != nil {
		return domain.Order{}, wrapError("orders.getByHash", err)
	}
	return row.toDomain(), nil
}

func (r orderRepository) UpdateStatus(ctx context.Context, order domain.Order, expected domain.OrderStatus) (domain.Order, error) {
	return r.mutate(ctx, "orders.updateStatus", false, order.ID, func(current *orderRow) error {
		if current.Status != string(expected) {
			return repositories.NewStoreError("orders.updateStatus", repositories.StoreErrorConflict, "status changed concurrently")
		}
		current.setStatusFields(order)
		return nil
	})
}

func (r orderRepository) RecordPayment(ctx context.Context, orderID string, update repositories.OrderPaymentUpdate) (domain.Order, error) {
	return r.mutate(ctx, "orders.recordPayment", false, orderID, func(current *orderRow) error {
		checked := update.CheckedAt.UTC()
		current.PaymentStatus = string(update.Status)
		if update.Reference != nil {
			ref := *update.Reference
			current.PaymentReference = &ref
		}
		current.PaymentCheckedAt = &checked
		current.UpdatedAt = checked
		return nil
	})
}

func (r orderRepository) FlagForReview(ctx context.Context, orderID string, issues []domain.ReviewIssue, at time.Time) (domain.Order, error) {
	return r.mutate(ctx, "orders.flagForReview", true, orderID, func(current *orderRow) error {
		merged := repositories.ApplyReviewIssues(current.toDomain(), issues, at.UTC())
		current.ReviewRequired = merged.Review.Required
		current.ReviewIssues = merged.Review.Issues
		current.UpdatedAt = merged.UpdatedAt
		for i := range current.Lines {
			idx := current.Lines[i].LineIndex
			if idx >= 0 && idx < len(merged.Lines) {
				current.Lines[i].StockStatus = string(merged.Lines[idx].StockStatus)
			}
		}
		return nil
	})
}

func (r orderRepository) UpdateCartStatus(ctx context.Context, orderID string, status domain.CartSyncStatus, at time.Time) (domain.Order, error) {
	return r.mutate(ctx, "orders.updateCartStatus", false, orderID, func(current *orderRow) error {
		current.CartStatus = string(status)
		current.UpdatedAt = at.UTC()
		return nil
	})
}

func (r orderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, repositories.WrapStoreError("orders.list", repositories.StoreErrorInternal, err)
	}
	size := pagination.PageSize(filter.Pagination.PageSize)

	query := r.db.WithContext(ctx).Model(&orderRow{}).Preload("Lines")
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		query = query.Where("status IN ?", statuses)
	}
	if filter.ReviewRequired != nil {
		query = query.Where("review_required = ?", *filter.ReviewRequired)
	}
	if !cursor.IsZero() {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}

	var rows []orderRow
	if err := query.Order("created_at DESC").Order("id DESC").Limit(size + 1).Find(&rows).Error; err != nil {
		return domain.CursorPage[domain.Order]{}, wrapError("orders.list", err)
	}

	page := domain.CursorPage[domain.Order]{}
	if len(rows) > size {
		last := rows[size-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
		rows = rows[:size]
	}
	page.Items = make([]domain.Order, len(rows))
	for i, row := range rows {
		page.Items[i] = row.toDomain()
	}
	return page, nil
}

// mutate locks the order row, lets apply edit it and saves it. Line rows are written only when
// saveLines is set. Every transaction touching an order locks the order row before its lines.
func (r orderRepository) mutate(ctx context.Context, op string, saveLines bool, orderID string, apply func(*orderRow) error) (domain.Order, error) {
	var row orderRow
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", orderID).Error; err != nil {
			return err
		}
		if err := tx.Order("line_index").Find(&row.Lines, "order_id = ?", orderID).Error; err != nil {
			return err
		}
		if err := apply(&row); err != nil {
			return err
		}
		if saveLines {
			return tx.Session(&gorm.Session{FullSaveAssociations: true}).Save(&row).Error
		}
		return tx.Omit(clause.Associations).Save(&row).Error
	})
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	return row.toDomain(), nil
}
