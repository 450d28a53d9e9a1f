package cache

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Entry is one durable-cache record. Payload is the gzip-compressed response
// body; Hash is the SHA-256 of the uncompressed payload and drives
// stale-while-revalidate refresh decisions.
type Entry struct {
	Key        string    `gorm:"primaryKey;size:512"`
	Payload    []byte    `gorm:"not null"`
	Hash       string    `gorm:"size:64;not null"`
	Compressed bool      `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
}

// TableName keeps the table name stable across dialects.
func (Entry) TableName() string { return "cache_entries" }

// Store is the durable cache backend consumed by TwoTier.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error) // nil, nil when absent
	Put(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key string) error
}

// StoreConfig selects the durable-cache database.
type StoreConfig struct {
	Dialect string // "sqlite" (default) or "postgres"
	DSN     string
}

// GormStore persists cache entries through GORM.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the configured database and migrates the entries table.
func NewGormStore(cfg StoreConfig) (*GormStore, error) {
	var dialector gorm.Dialector
	switch cfg.Dialect {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "modelmux-cache.db"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported cache store dialect: %s", cfg.Dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache store: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate cache store: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e Entry
	err := s.db.WithContext(ctx).First(&e, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache store get: %w", err)
	}
	return &e, nil
}

func (s *GormStore) Put(ctx context.Context, e *Entry) error {
	if err := s.db.WithContext(ctx).Save(e).Error; err != nil {
		return fmt.Errorf("cache store put: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).Delete(&Entry{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("cache store delete: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
