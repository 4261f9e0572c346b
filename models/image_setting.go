package models

import "time"

// ImageSetting is the resize configuration. At most one row is honored as
// active at a time; when none is active the pipeline uploads originals
// unchanged.
type ImageSetting struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	// ScalePercent is applied uniformly to both axes, e.g. 50 halves
	// width and height.
	ScalePercent int    `gorm:"not null"`
	Status       string `gorm:"size:16;default:inactive;index"` // "active" or "inactive"
}

const ImageSettingActive = "active"
