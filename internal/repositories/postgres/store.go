// Package postgres implements the repository contracts on PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/plankworks/api/internal/repositories"
)

const (
	defaultMaxOpenConns    = 20
	defaultConnMaxLifetime = 30 * time.Minute
)

// Store is a repositories.Registry over one gorm connection pool.
type Store struct {
	db *gorm.DB
}

var _ repositories.Registry = (*Store)(nil)

// Option customises the gorm configuration used by Open.
type Option func(*gorm.Config)

// WithLogger replaces the gorm logger, which is silent by default.
func WithLogger(l logger.Interface) Option {
	return func(cfg *gorm.Config) {
		if l != nil {
			cfg.Logger = l
		}
	}
}

// Open connects to dsn and migrates the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	db, err := gorm.Open(postgres.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(defaultMaxOpenConns)
	sqlDB.SetConnMaxLifetime(defaultConnMaxLifetime)

	store := NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing gorm handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the connection pool so other gorm-backed stores can share it.
func (s *Store) DB() *gorm.DB { return s.db }

// Migrate creates or updates the tables backing the repositories.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&itemRow{}, &orderRow{}, &orderLineRow{}, &cartEntryRow{}, &pendingCheckoutRow{}); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close(context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return wrapError("postgres.ping", sqlDB.PingContext(ctx))
}

func (s *Store) Orders() repositories.OrderRepository { return orderRepository{db: s.db} }

func (s *Store) Items() repositories.ItemRepository { return itemRepository{db: s.db} }

func (s *Store) Inventory() repositories.InventoryRepository { return inventoryRepository{db: s.db} }

func (s *Store) Carts() repositories.CartRepository { return cartRepository{db: s.db} }

func (s *Store) Checkouts() repositories.CheckoutRepository { return checkoutRepository{db: s.db} }
