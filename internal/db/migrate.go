package db

import (
	"fmt"

	"github.com/chorusbot/chorus/internal/models"
	"gorm.io/gorm"
)

// AllModels returns the list of all GORM models for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Assistant{},
		&models.ChatBinding{},
		&models.AutoLeaveSettings{},
	}
}

// AutoMigrate creates or updates all tables. Idempotent: safe on every boot.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
