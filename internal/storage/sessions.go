package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/sentryview/sentryview/internal/models"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
)

// SessionStore persists session records and their log timelines.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore wires the store to a database handle.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// SessionFilter narrows vault listings.
type SessionFilter struct {
	ResourceID string
	Status     string
	Limit      int
	Offset     int
}

// SaveCompleted writes the finished session and its log timeline in one
// transaction. Logs are stamped with the session and resource identifiers so
// callers can hand over sampler output untouched.
func (s *SessionStore) SaveCompleted(ctx context.Context, session *models.RecordedSession, logs []models.SessionLog) error {
	if s == nil || s.db == nil {
		return appErrors.ErrInternalServer
	}
	if session == nil || strings.TrimSpace(session.ID) == "" {
		return appErrors.NewBadRequest("session record required")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return appErrors.Wrap(err, "failed to persist session")
		}
		for i := range logs {
			logs[i].SessionID = session.ID
			logs[i].ResourceID = session.ResourceID
		}
		if len(logs) > 0 {
			if err := tx.CreateInBatches(logs, 100).Error; err != nil {
				return appErrors.Wrap(err, "failed to persist session logs")
			}
		}
		return nil
	})
}

// List returns vault entries newest first, without their log timelines.
func (s *SessionStore) List(ctx context.Context, filter SessionFilter) ([]models.RecordedSession, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, appErrors.ErrInternalServer
	}

	query := s.db.WithContext(ctx).Model(&models.RecordedSession{})
	if filter.ResourceID != "" {
		query = query.Where("resource_id = ?", filter.ResourceID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, appErrors.Wrap(err, "failed to count sessions")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var sessions []models.RecordedSession
	err := query.Order("started_at DESC").Limit(limit).Offset(filter.Offset).Find(&sessions).Error
	if err != nil {
		return nil, 0, appErrors.Wrap(err, "failed to list sessions")
	}
	return sessions, total, nil
}

// Get loads one session with its log timeline ordered by capture time.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.RecordedSession, error) {
	if s == nil || s.db == nil {
		return nil, appErrors.ErrInternalServer
	}

	var session models.RecordedSession
	err := s.db.WithContext(ctx).
		Preload("Logs", func(db *gorm.DB) *gorm.DB { return db.Order("timestamp ASC") }).
		First(&session, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, "failed to load session")
	}
	return &session, nil
}

// Delete removes a session record and its logs. The caller is responsible
// for deleting the video artifact first.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return appErrors.ErrInternalServer
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&models.SessionLog{}).Error; err != nil {
			return appErrors.Wrap(err, "failed to delete session logs")
		}
		result := tx.Where("id = ?", id).Delete(&models.RecordedSession{})
		if result.Error != nil {
			return appErrors.Wrap(result.Error, "failed to delete session")
		}
		if result.RowsAffected == 0 {
			return appErrors.ErrNotFound
		}
		return nil
	})
}

// MarkSecure flips a processing session to secure once its artifact is
// durably stored.
func (s *SessionStore) MarkSecure(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return appErrors.ErrInternalServer
	}

	result := s.db.WithContext(ctx).Model(&models.RecordedSession{}).
		Where("id = ? AND status = ?", id, models.SessionStatusProcessing).
		Update("status", models.SessionStatusSecure)
	if result.Error != nil {
		return appErrors.Wrap(result.Error, "failed to mark session secure")
	}
	if result.RowsAffected == 0 {
		return appErrors.ErrNotFound
	}
	return nil
}

// DueForExpiry returns non-expired sessions whose retention deadline has
// passed.
func (s *SessionStore) DueForExpiry(ctx context.Context, now time.Time) ([]models.RecordedSession, error) {
	if s == nil || s.db == nil {
		return nil, appErrors.ErrInternalServer
	}

	var sessions []models.RecordedSession
	err := s.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND status <> ?", now, models.SessionStatusExpired).
		Find(&sessions).Error
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to query expiring sessions")
	}
	return sessions, nil
}

// MarkExpired flips a session to expired and clears its video path after the
// artifact has been purged.
func (s *SessionStore) MarkExpired(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return appErrors.ErrInternalServer
	}

	err := s.db.WithContext(ctx).Model(&models.RecordedSession{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     models.SessionStatusExpired,
			"video_path": "",
		}).Error
	if err != nil {
		return appErrors.Wrap(err, "failed to mark session expired")
	}
	return nil
}
