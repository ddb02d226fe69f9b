package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"purchasekit/internal/models"
	"purchasekit/pkg/logging"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// GormStore persists key-value entries through gorm. Postgres is used when
// a database URL is configured, SQLite otherwise.
type GormStore struct {
	db *gorm.DB
}

// OpenGormStore opens the store and migrates its schema. An empty
// databaseURL falls back to a local SQLite file; "sqlite://<path>" selects
// an explicit SQLite file, anything else is treated as a Postgres DSN.
func OpenGormStore(databaseURL string) (*GormStore, error) {
	var db *gorm.DB
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}

	switch {
	case databaseURL == "":
		logging.Infof("Database URL not set, using SQLite")
		db, err = gorm.Open(sqlite.Open("purchasekit.db"), gormConfig)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		db, err = gorm.Open(sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://")), gormConfig)
	default:
		db, err = gorm.Open(postgres.Open(databaseURL), gormConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&models.CacheRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &GormStore{db: db}, nil
}

func (s *GormStore) Get(ctx context.Context, key string) ([]byte, error) {
	var record models.CacheRecord
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return record.Value, nil
}

func (s *GormStore) Set(ctx context.Context, key string, value []byte) error {
	record := models.CacheRecord{Key: key, Value: value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&record).Error
}

func (s *GormStore) Delete(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.CacheRecord{}).Error
}
