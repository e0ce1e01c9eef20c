package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// keyRow is the idempotency_keys table used with the Postgres backend.
type keyRow struct {
	ID             string              `gorm:"primaryKey;size:64"`
	Fingerprint    string              `gorm:"size:64;not null"`
	Completed      bool                `gorm:"not null;default:false"`
	ResponseStatus int                 `gorm:"not null;default:0"`
	ResponseHeader map[string][]string `gorm:"serializer:json"`
	ResponseBody   []byte              `gorm:"type:bytea"`
	CreatedAt      time.Time           `gorm:"not null"`
	ExpiresAt      time.Time           `gorm:"not null;index"`
}

func (keyRow) TableName() string { return "idempotency_keys" }

func (r keyRow) toRecord() Record {
	return Record{
		ID:             r.ID,
		Fingerprint:    r.Fingerprint,
		Completed:      r.Completed,
		ResponseStatus: r.ResponseStatus,
		ResponseHeader: r.ResponseHeader,
		ResponseBody:   r.ResponseBody,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
	}
}

func newKeyRow(rec Record) keyRow {
	return keyRow{
		ID:             rec.ID,
		Fingerprint:    rec.Fingerprint,
		Completed:      rec.Completed,
		ResponseStatus: rec.ResponseStatus,
		ResponseHeader: rec.ResponseHeader,
		ResponseBody:   rec.ResponseBody,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
	}
}

// GormStore keeps records in Postgres through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the idempotency_keys table and returns a store over db.
func NewGormStore(ctx context.Context, db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: gorm db is required")
	}
	if err := db.WithContext(ctx).AutoMigrate(&keyRow{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Reserve(ctx context.Context, id, fingerprint string, now time.Time, ttl time.Duration) (State, Record, error) {
	var (
		state State
		rec   Record
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fresh := newKeyRow(newPending(id, fingerprint, now.UTC(), ttl))
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fresh)
		if inserted.Error != nil {
			return inserted.Error
		}
		if inserted.RowsAffected == 1 {
			state, rec = StateNew, fresh.toRecord()
			return nil
		}
		var row keyRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return err
		}
		existing := row.toRecord()
		if existing.expired(now) {
			if err := tx.Save(&fresh).Error; err != nil {
				return err
			}
			state, rec = StateNew, fresh.toRecord()
			return nil
		}
		rec = existing
		var err error
		state, err = classify(existing, fingerprint)
		return err
	})
	return state, rec, err
}

func (s *GormStore) Complete(ctx context.Context, id, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row keyRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
		rec := newPending(id, fingerprint, now.UTC(), ttl)
		switch {
		case err == nil:
			if row.Fingerprint != fingerprint {
				return ErrFingerprintMismatch
			}
			rec = row.toRecord()
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		done := newKeyRow(complete(rec, resp, now.UTC(), ttl))
		return tx.Save(&done).Error
	})
}

func (s *GormStore) Release(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&keyRow{}, "id = ?", id).Error
}

func (s *GormStore) Purge(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	expired := s.db.Model(&keyRow{}).Select("id").Where("expires_at <= ?", now.UTC()).Order("expires_at").Limit(limit)
	res := s.db.WithContext(ctx).Where("id IN (?)", expired).Delete(&keyRow{})
	return int(res.RowsAffected), res.Error
}
