package models

// Background replacement modes.
const (
	BackgroundModeImage = "image"
	BackgroundModeBlur  = "blur"
	BackgroundModeNone  = "none"
)

// Background image source types.
const (
	BackgroundSourceDefault = "default"
	BackgroundSourceCustom  = "custom"
)

// BackgroundConfig stores the user's virtual background preference. It is
// mutated only through explicit settings actions and read by the background
// pipeline on every render tick.
type BackgroundConfig struct {
	BaseModel

	ResourceID string `gorm:"uniqueIndex;not null" json:"resource_id"`
	Mode       string `gorm:"type:varchar(8);not null;default:'none'" json:"mode"`
	BlurRadius int    `gorm:"not null;default:10" json:"blur_radius"`
	SourceType string `gorm:"type:varchar(8);not null;default:'default'" json:"source_type"`
	ImagePath  string `json:"image_path,omitempty"`
}
