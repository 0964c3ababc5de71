package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	maxDatabaseKeyLength = 255
)

// CacheItem is the row backing one cache key.
type CacheItem struct {
	Key       string  `gorm:"column:cache_key;primaryKey;size:255"`
	Payload   []byte  `gorm:"not null"`
	ExpiresAt int64   `gorm:"not null;default:0;index"`
	Tags      TagList `gorm:"type:text"`
	UpdatedAt time.Time
}

func (CacheItem) TableName() string {
	return "cache_items"
}

type DatabaseConfig struct {
	AutoMigrate bool
	Logger      logger.Interface
}

type DatabaseOption func(*DatabaseConfig)

func WithDatabaseAutoMigrate(enabled bool) DatabaseOption {
	return func(cfg *DatabaseConfig) {
		cfg.AutoMigrate = enabled
	}
}

func WithDatabaseLogger(l logger.Interface) DatabaseOption {
	return func(cfg *DatabaseConfig) {
		cfg.Logger = l
	}
}

// Database keeps the cache in a SQL table through gorm. Postgres lets several
// bouncers share it; SQLite gives a single-host file cache.
type Database struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenDatabase connects with the named driver and prepares the cache table.
func OpenDatabase(driver, dsn string, opts ...DatabaseOption) (*Database, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres, "":
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unknown database driver %q", driver)
	}

	cfg := DatabaseConfig{AutoMigrate: true, Logger: silentLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: cfg.Logger})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s connection: %w", driver, err)
	}
	return NewDatabase(db, opts...)
}

// NewDatabase wraps an existing connection.
func NewDatabase(db *gorm.DB, opts ...DatabaseOption) (*Database, error) {
	if db == nil {
		return nil, errors.New("storage: database connection is nil")
	}

	cfg := DatabaseConfig{AutoMigrate: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(&CacheItem{}); err != nil {
			return nil, fmt.Errorf("storage: auto migrate cache table: %w", err)
		}
		log.Debug("Cache table migration completed.")
	}

	return &Database{db: db, now: time.Now}, nil
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

func (d *Database) Get(ctx context.Context, key string) (Item, bool, error) {
	var row CacheItem
	err := d.db.WithContext(ctx).Where("cache_key = ?", key).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("storage: database get %q: %w", key, err)
	}

	item := Item{ExpiresAt: row.ExpiresAt, Tags: []string(row.Tags)}
	if item.Expired(d.now()) {
		return Item{}, false, nil
	}
	records, err := decodeRecords(row.Payload)
	if err != nil {
		return Item{}, false, err
	}
	item.Records = records
	return item, true, nil
}

// SaveDeferred rejects keys that do not fit the cache_key column.
func (d *Database) SaveDeferred(_ context.Context, batch *Batch, key string, item Item) error {
	if len(key) > maxDatabaseKeyLength {
		return fmt.Errorf("%w: %d bytes", ErrKeyTooLong, len(key))
	}
	batch.put(key, item)
	return nil
}

// Commit upserts every write of the batch in one transaction.
func (d *Database) Commit(ctx context.Context, batch *Batch) error {
	writes := batch.take()
	if len(writes) == 0 {
		return nil
	}

	rows := make([]CacheItem, 0, len(writes))
	for _, w := range writes {
		payload, err := encodeRecords(w.item.Records)
		if err != nil {
			return err
		}
		rows = append(rows, CacheItem{
			Key:       w.key,
			Payload:   payload,
			ExpiresAt: w.item.ExpiresAt,
			Tags:      TagList(w.item.Tags),
			UpdatedAt: d.now(),
		})
	}

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "cache_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "expires_at", "tags", "updated_at"}),
		}).Create(&rows).Error
	})
	if err != nil {
		return fmt.Errorf("storage: database commit of %d items: %w", len(rows), err)
	}
	return nil
}

func (d *Database) Delete(ctx context.Context, key string) error {
	if err := d.db.WithContext(ctx).Where("cache_key = ?", key).Delete(&CacheItem{}).Error; err != nil {
		return fmt.Errorf("storage: database delete %q: %w", key, err)
	}
	return nil
}

func (d *Database) Clear(ctx context.Context) error {
	err := d.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&CacheItem{}).Error
	if err != nil {
		return fmt.Errorf("storage: database clear: %w", err)
	}
	return nil
}

// Prune deletes rows whose expiration has passed.
func (d *Database) Prune(ctx context.Context) error {
	res := d.db.WithContext(ctx).
		Where("expires_at > 0 AND expires_at <= ?", d.now().Unix()).
		Delete(&CacheItem{})
	if res.Error != nil {
		return fmt.Errorf("storage: database prune: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Debug("Pruned expired cache items", "count", res.RowsAffected)
	}
	return nil
}

func (d *Database) InvalidateTags(ctx context.Context, tags ...string) error {
	for _, tag := range tags {
		err := d.db.WithContext(ctx).Where("tags LIKE ?", tagPattern(tag)).Delete(&CacheItem{}).Error
		if err != nil {
			return fmt.Errorf("storage: database invalidate tag %q: %w", tag, err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
