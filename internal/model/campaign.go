// internal/model/campaign.go
package model

import (
	"time"

	"github.com/lib/pq"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignDone      CampaignStatus = "done"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign is one message blast. TargetCategories nil (or empty) means every
// active contact in the organization.
type Campaign struct {
	ID               string         `db:"id" json:"id"`
	OrgID            string         `db:"org_id" json:"org_id"`
	Name             string         `db:"name" json:"name"`
	Message          string         `db:"message" json:"message"`
	TemplateID       *string        `db:"template_id" json:"template_id,omitempty"`
	TargetCategories pq.StringArray `db:"target_categories" json:"target_categories"`
	Status           CampaignStatus `db:"status" json:"status"`
	ScheduleAt       *time.Time     `db:"schedule_at" json:"schedule_at,omitempty"`
	StartedAt        *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	TotalRecipients  int            `db:"total_recipients" json:"total_recipients"`
	SentCount        int            `db:"sent_count" json:"sent_count"`
	DeliveredCount   int            `db:"delivered_count" json:"delivered_count"`
	FailedCount      int            `db:"failed_count" json:"failed_count"`
	RepliedCount     int            `db:"replied_count" json:"replied_count"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt        *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// TargetsAll reports whether the campaign goes to every active contact.
func (c *Campaign) TargetsAll() bool {
	return len(c.TargetCategories) == 0
}
