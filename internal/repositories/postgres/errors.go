package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/plankworks/api/internal/repositories"
)

// wrapError categorises gorm failures. TranslateError is enabled on the connection so unique
// violations surface as gorm.ErrDuplicatedKey.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return repositories.WrapStoreError(op, repositories.StoreErrorNotFound, err)
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated):
		return repositories.WrapStoreError(op, repositories.StoreErrorConflict, err)
	case errors.Is(err, gorm.ErrInvalidData), errors.Is(err, gorm.ErrInvalidValue), errors.Is(err, gorm.ErrMissingWhereClause):
		return repositories.WrapStoreError(op, repositories.StoreErrorInternal, err)
	}
	return repositories.WrapStoreError(op, repositories.StoreErrorUnavailable, err)
}
