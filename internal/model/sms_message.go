// internal/model/sms_message.go
package model

import "time"

const (
	DirectionOutbound = "outbound"

	MessageStatusQueued = "queued"
	MessageStatusSent   = "sent"
	MessageStatusFailed = "failed"
)

// SMSMessage is written once per terminal send outcome. Status may later be
// moved by delivery receipts, which this service does not handle.
type SMSMessage struct {
	ID             string     `db:"id" json:"id"`
	OrgID          string     `db:"org_id" json:"org_id"`
	ContactID      *string    `db:"contact_id" json:"contact_id,omitempty"`
	CampaignID     *string    `db:"campaign_id" json:"campaign_id,omitempty"`
	TemplateID     *string    `db:"template_id" json:"template_id,omitempty"`
	JobID          *string    `db:"job_id" json:"job_id,omitempty"`
	To             string     `db:"to_number" json:"to"`
	From           *string    `db:"from_number" json:"from,omitempty"`
	Body           string     `db:"body" json:"body"`
	Direction      string     `db:"direction" json:"direction"`
	Status         string     `db:"status" json:"status"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	Segments       int        `db:"segments" json:"segments"`
	PriceCents     int        `db:"price_cents" json:"price_cents"`
	ProviderSID    *string    `db:"provider_sid" json:"provider_sid,omitempty"`
	ProviderStatus *string    `db:"provider_status" json:"provider_status,omitempty"`
	CreatedBy      *string    `db:"created_by" json:"created_by,omitempty"`
	SentAt         *time.Time `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}
