package storage

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/sentryview/sentryview/internal/models"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
)

// BackgroundStore persists per-resource virtual background preferences.
type BackgroundStore struct {
	db *gorm.DB
}

// NewBackgroundStore wires the store to a database handle.
func NewBackgroundStore(db *gorm.DB) *BackgroundStore {
	return &BackgroundStore{db: db}
}

// GetOrDefault returns the resource's preference, falling back to mode "none"
// when nothing has been saved yet.
func (s *BackgroundStore) GetOrDefault(ctx context.Context, resourceID string) (models.BackgroundConfig, error) {
	if s == nil || s.db == nil {
		return models.BackgroundConfig{}, appErrors.ErrInternalServer
	}

	var config models.BackgroundConfig
	err := s.db.WithContext(ctx).First(&config, "resource_id = ?", resourceID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.BackgroundConfig{
				ResourceID: resourceID,
				Mode:       models.BackgroundModeNone,
				BlurRadius: 10,
				SourceType: models.BackgroundSourceDefault,
			}, nil
		}
		return models.BackgroundConfig{}, appErrors.Wrap(err, "failed to load background config")
	}
	return config, nil
}

// Update validates and upserts the resource's preference.
func (s *BackgroundStore) Update(ctx context.Context, config models.BackgroundConfig) (models.BackgroundConfig, error) {
	if s == nil || s.db == nil {
		return models.BackgroundConfig{}, appErrors.ErrInternalServer
	}
	if strings.TrimSpace(config.ResourceID) == "" {
		return models.BackgroundConfig{}, appErrors.NewBadRequest("resource id required")
	}

	switch config.Mode {
	case models.BackgroundModeImage, models.BackgroundModeBlur, models.BackgroundModeNone:
	default:
		return models.BackgroundConfig{}, appErrors.NewBadRequest("unknown background mode")
	}
	if config.Mode == models.BackgroundModeImage && strings.TrimSpace(config.ImagePath) == "" {
		return models.BackgroundConfig{}, appErrors.NewBadRequest("image mode requires an image path")
	}
	if config.BlurRadius <= 0 {
		config.BlurRadius = 10
	}
	if config.SourceType == "" {
		config.SourceType = models.BackgroundSourceDefault
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.BackgroundConfig
		err := tx.First(&existing, "resource_id = ?", config.ResourceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&config).Error
		}
		if err != nil {
			return err
		}
		config.ID = existing.ID
		config.CreatedAt = existing.CreatedAt
		return tx.Model(&existing).Updates(map[string]any{
			"mode":        config.Mode,
			"blur_radius": config.BlurRadius,
			"source_type": config.SourceType,
			"image_path":  config.ImagePath,
		}).Error
	})
	if err != nil {
		return models.BackgroundConfig{}, appErrors.Wrap(err, "failed to save background config")
	}
	return config, nil
}
