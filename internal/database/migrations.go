package database

import (
	"gorm.io/gorm"

	"github.com/sentryview/sentryview/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.RecordedSession{},
		&models.SessionLog{},
		&models.BackgroundConfig{},
		&models.CacheEntry{},
	)
}

// SeedData inserts the default background configuration used until a user
// saves an explicit preference.
func SeedData(db *gorm.DB) error {
	defaults := models.BackgroundConfig{
		BaseModel:  models.BaseModel{ID: "default"},
		ResourceID: "default",
		Mode:       models.BackgroundModeNone,
		BlurRadius: 10,
		SourceType: models.BackgroundSourceDefault,
	}

	return db.Where(models.BackgroundConfig{ResourceID: defaults.ResourceID}).
		Attrs(defaults).
		FirstOrCreate(&models.BackgroundConfig{}).Error
}
