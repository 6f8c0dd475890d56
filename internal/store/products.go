// Package store persists the instrument catalog and serves as the
// product-list provider when a database is configured.
package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Instrument is one tracked product. Only enabled instruments are
// included in sync cycles.
type Instrument struct {
	Code      string    `gorm:"primaryKey;size:16" json:"code"`
	Name      string    `gorm:"size:128" json:"name"`
	Enabled   bool      `gorm:"index;default:true" json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProductStore implements provider.ProductLister on top of postgres.
type ProductStore struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewProductStore opens the database and migrates the instruments table.
func NewProductStore(dsn string, log *zap.Logger) (*ProductStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&Instrument{}); err != nil {
		return nil, fmt.Errorf("store: migrate instruments: %w", err)
	}
	return &ProductStore{db: db, log: log}, nil
}

// Codes returns every enabled instrument code.
func (s *ProductStore) Codes(ctx context.Context) ([]string, error) {
	var codes []string
	err := s.db.WithContext(ctx).
		Model(&Instrument{}).
		Where("enabled = ?", true).
		Order("code").
		Pluck("code", &codes).Error
	if err != nil {
		return nil, fmt.Errorf("store: list instrument codes: %w", err)
	}
	return codes, nil
}

// Upsert inserts or updates one instrument.
func (s *ProductStore) Upsert(ctx context.Context, inst Instrument) error {
	err := s.db.WithContext(ctx).Save(&inst).Error
	if err != nil {
		return fmt.Errorf("store: upsert instrument %s: %w", inst.Code, err)
	}
	return nil
}
