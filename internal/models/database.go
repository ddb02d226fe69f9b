package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// CacheRecord is one persisted key-value entry. Customer-info snapshots,
// the product-entitlement mapping and purchase history are all stored as
// opaque JSON values under deterministic keys.
type CacheRecord struct {
	BaseModel

	Key   string `json:"key" gorm:"not null;size:255;uniqueIndex"`
	Value []byte `json:"value" gorm:"type:blob"`
}

// TableName sets the table name
func (CacheRecord) TableName() string {
	return "cache_records"
}
