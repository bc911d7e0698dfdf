package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dropwatch/internal/config"
	"dropwatch/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned by keyed catalog lookups.
	ErrNotFound = errors.New("storage: not found")
)

// SignalStore is the append-only signal log.
type SignalStore interface {
	RecordSignal(ctx context.Context, ev domain.SignalEvent) (domain.SignalEvent, error)
	ListSignals(ctx context.Context, filter SignalFilter) ([]domain.SignalEvent, error)
	CountSignals(ctx context.Context, filter SignalFilter) (map[domain.SignalType]int, error)
}

// OutcomeStore maintains drop outcomes. Both record operations are idempotent and
// commutative for one occurrence; timestamps only move earlier.
type OutcomeStore interface {
	RecordFirstSeen(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, error)
	RecordFirstInStock(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, error)
	GetOutcome(ctx context.Context, productID, retailerID string, at time.Time) (domain.DropOutcome, bool, error)
	ListRecentOutcomes(ctx context.Context, limit int) ([]domain.DropOutcome, error)
}

// SnapshotStore keeps the per-observation availability history.
type SnapshotStore interface {
	RecordSnapshot(ctx context.Context, snap domain.AvailabilitySnapshot) error
	ListInStockTimes(ctx context.Context, productID, retailerID string, since time.Time, limit int) ([]time.Time, error)
	AvailabilityRatio(ctx context.Context, productID, retailerID string, since time.Time) (AvailabilityRatio, error)
}

// CatalogStore is the keyed retailer/product reference lookup.
type CatalogStore interface {
	Retailer(ctx context.Context, slug string) (domain.Retailer, error)
	ActiveRetailers(ctx context.Context) ([]domain.Retailer, error)
	TopProducts(ctx context.Context, n int) ([]domain.Product, error)
	UpsertRetailer(ctx context.Context, r domain.Retailer) error
	UpsertProduct(ctx context.Context, p domain.Product) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the application needs from persistence.
type Repository interface {
	SignalStore
	OutcomeStore
	SnapshotStore
	CatalogStore
	AdvisoryLocker
	Close()
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*Memory)(nil)
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Open returns the postgres store when a DSN is configured and the in-memory store otherwise.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, error) {
	if cfg.DSN == "" {
		return NewMemory(), nil
	}
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := NewStore(pool)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}
