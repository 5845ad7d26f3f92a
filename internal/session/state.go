package session

import (
	"time"

	"github.com/sentryview/sentryview/internal/models"
)

// Engine lifecycle states.
const (
	StateIdle      = "idle"
	StateRecording = "recording"
	StatePaused    = "paused"
	StateUploading = "uploading"
)

// StateSnapshot is a read-only view of the engine handed to API consumers
// and realtime subscribers. Logs is the timestamp-ordered timeline with
// thumbnails stripped; LatestLog is the most recent classification result in
// full.
type StateSnapshot struct {
	State          string              `json:"state"`
	SessionID      string              `json:"session_id,omitempty"`
	ResourceID     string              `json:"resource_id,omitempty"`
	StartedAt      time.Time           `json:"started_at,omitempty"`
	ElapsedSeconds int64               `json:"elapsed_seconds"`
	LogCount       int                 `json:"log_count"`
	CameraOn       bool                `json:"camera_on"`
	Idle           bool                `json:"idle"`
	LatestLog      *models.SessionLog  `json:"latest_log,omitempty"`
	Logs           []models.SessionLog `json:"logs,omitempty"`
}

func stateGauge(state string) float64 {
	switch state {
	case StateRecording:
		return 1
	case StatePaused:
		return 2
	case StateUploading:
		return 3
	default:
		return 0
	}
}
