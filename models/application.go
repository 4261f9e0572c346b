package models

import (
	"strings"
	"time"
)

// Application review statuses.
const (
	ApplicationPendingReview = "pending_review"
	ApplicationApproved      = "approved"
	ApplicationRejected      = "rejected"
)

// SubscriberApplication is one onboarding form submission. Document URL
// columns start empty and are filled one at a time by the queue processor
// once the corresponding file has been uploaded to Drive.
type SubscriberApplication struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FirstName string `gorm:"size:128;not null"`
	LastName  string `gorm:"size:128;not null"`
	Email     string `gorm:"size:255"`
	Mobile    string `gorm:"size:32;not null"`
	Address   string `gorm:"size:512;not null"`
	Plan      string `gorm:"size:64"`
	Status    string `gorm:"size:32;default:pending_review;index"`

	ProofOfBillingURL    string `gorm:"column:proof_of_billing_url;size:512"`
	HouseFrontPictureURL string `gorm:"column:house_front_picture_url;size:512"`
	PrimaryIDFrontURL    string `gorm:"column:primary_id_front_url;size:512"`
	PrimaryIDBackURL     string `gorm:"column:primary_id_back_url;size:512"`
	SignatureURL         string `gorm:"column:signature_url;size:512"`
}

// FullName is the applicant display name and the Drive folder key.
func (a SubscriberApplication) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}
