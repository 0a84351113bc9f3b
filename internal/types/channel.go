package types

import (
	"time"
	"gorm.io/datatypes"
)

// StorageStrategy selects where a channel's final videos are persisted.
type StorageStrategy string

const (
	StorageFilesystem StorageStrategy = "filesystem"
	StorageObjectStore StorageStrategy = "object_store"
	StoragePlanningDB StorageStrategy = "planning_db"
)

func (s StorageStrategy) Valid() bool {
	switch s {
	case StorageFilesystem, StorageObjectStore, StoragePlanningDB:
		return true
	}
	return false
}

// Channel is a logical content lane with isolated credentials and capacity.
// Rows mirror the YAML channel configuration so the claim query can join
// against max_concurrent and active without consulting process memory.
type Channel struct {
	ID                   string          `gorm:"column:id;primaryKey" json:"id"`
	Name                 string          `gorm:"column:name;not null" json:"name"`
	Active               bool            `gorm:"column:active;not null;default:true" json:"active"`
	MaxConcurrent        int             `gorm:"column:max_concurrent;not null;default:1" json:"max_concurrent"`
	MaxConcurrentVideo   int             `gorm:"column:max_concurrent_video;not null;default:0" json:"max_concurrent_video"`
	VoiceID              string          `gorm:"column:voice_id" json:"voice_id"`
	StorageStrategy      StorageStrategy `gorm:"column:storage_strategy;not null;default:filesystem" json:"storage_strategy"`
	IntroPath            string          `gorm:"column:intro_path" json:"intro_path,omitempty"`
	OutroPath            string          `gorm:"column:outro_path" json:"outro_path,omitempty"`
	WatermarkPath        string          `gorm:"column:watermark_path" json:"watermark_path,omitempty"`
	CredentialsEncrypted datatypes.JSON  `gorm:"column:credentials_encrypted;type:jsonb" json:"-"`
	CreatedAt            time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"not null" json:"updated_at"`
}

func (Channel) TableName() string { return "channel" }
