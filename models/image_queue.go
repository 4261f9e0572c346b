package models

import "time"

// ImageQueue statuses.
const (
	ImageQueuePending    = "pending"
	ImageQueueProcessing = "processing"
	ImageQueueCompleted  = "completed"
	ImageQueueFailed     = "failed"
)

// Failure kinds recorded alongside a failed status. Permanent failures are
// excluded from automatic retry; transient ones stay eligible up to the cap.
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
)

// MaxRetryCount is the number of attempts after which an entry is no longer
// eligible for automatic retry and needs operator intervention.
const MaxRetryCount = 3

// ImageQueue is one pending document transfer: resize (if applicable) and
// upload to Drive, then write the resulting URL back onto the owning
// application row. Rows are created by the upload intake and mutated only by
// the queue processor.
type ImageQueue struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"index"` // FIFO processing order
	UpdatedAt time.Time

	ApplicationID    uint   `gorm:"index;not null"`
	FieldName        string `gorm:"size:64;not null"` // application column receiving the URL
	LocalPath        string `gorm:"size:512;not null"`
	OriginalFilename string `gorm:"size:255"`

	RemoteURL    string `gorm:"size:512"` // set only on completion
	Status       string `gorm:"size:20;default:pending;index"`
	ErrorMessage string `gorm:"size:512"`
	FailureKind  string `gorm:"size:16"`
	RetryCount   int    `gorm:"default:0"`

	ClaimedAt   *time.Time // set when a processor run claims the row
	ProcessedAt *time.Time `gorm:"index"` // set on completion, drives retention
}
