package models

import "time"

// SessionLog entry types.
const (
	LogTypeCompliance = "compliance"
	LogTypeActivity   = "activity"
	LogTypeMeeting    = "meeting"
)

// Risk/verbosity tiers attached to log entries.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// SessionLog is a single observation captured during a session, produced by
// the analysis sampler or the idle detector. Entries are immutable once
// created; consumers that need a particular display order must sort by
// Timestamp rather than rely on insertion order.
type SessionLog struct {
	BaseModel

	SessionID  string    `gorm:"type:uuid;not null;index" json:"session_id"`
	ResourceID string    `gorm:"index" json:"resource_id,omitempty"`
	Timestamp  time.Time `gorm:"not null;index" json:"timestamp"`
	Type       string    `gorm:"type:varchar(16);not null;index" json:"type"`
	Category   string    `gorm:"type:varchar(64)" json:"category"`
	IsCameraOn bool      `gorm:"not null;default:false" json:"is_camera_on"`
	Message    string    `gorm:"type:text" json:"message"`
	Confidence string    `gorm:"type:varchar(8);not null;default:'low'" json:"confidence"`
	Thumbnail  string    `gorm:"type:text" json:"thumbnail,omitempty"`
}

// WithoutThumbnail returns a copy suitable for lightweight write-ahead
// snapshots, with the encoded thumbnail stripped to bound snapshot size.
func (l SessionLog) WithoutThumbnail() SessionLog {
	cpy := l
	cpy.Thumbnail = ""
	return cpy
}
