package models

import (
	"time"

	"gorm.io/datatypes"
)

// Session status values. A session is "processing" while finalisation is in
// flight, "secure" once the video and logs are durably stored, and "expired"
// after its retention deadline passes.
const (
	SessionStatusProcessing = "processing"
	SessionStatusSecure     = "secure"
	SessionStatusExpired    = "expired"
)

// RecordedSession is the persisted record of a finished or in-progress
// capture session. The ID is minted once when recording starts and is reused
// across pause/resume and crash recovery, so incrementally checkpointed logs
// and chunks remain discoverable under the same key afterwards.
type RecordedSession struct {
	BaseModel

	ResourceID      string         `gorm:"not null;index" json:"resource_id"`
	Status          string         `gorm:"type:varchar(32);not null;index" json:"status"`
	StartedAt       time.Time      `gorm:"not null;index" json:"started_at"`
	DurationSeconds int64          `gorm:"not null;default:0" json:"duration_seconds"`
	FileSizeBytes   int64          `gorm:"not null;default:0" json:"file_size_bytes"`
	ExpiresAt       *time.Time     `gorm:"index" json:"expires_at,omitempty"`
	VideoPath       string         `json:"video_path,omitempty"`
	Metadata        datatypes.JSON `gorm:"type:json" json:"metadata,omitempty"`

	Logs []SessionLog `gorm:"foreignKey:SessionID" json:"logs,omitempty"`
}
