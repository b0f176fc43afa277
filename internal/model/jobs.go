// internal/model/jobs.go
package model

// Queue job payloads. JSON field names are the wire contract between the
// API, the fan-out worker and the send worker.

// ContactImportJob is the payload of a contact-import job.
type ContactImportJob struct {
	OrgID    string            `json:"orgId"`
	UserID   string            `json:"userId"`
	CSVData  string            `json:"csvData"`
	Category []string          `json:"category"`
	Mapping  map[string]string `json:"mapping,omitempty"`
}

// CampaignJob is the payload of a campaigns job.
type CampaignJob struct {
	CampaignID string `json:"campaignId"`
	OrgID      string `json:"orgId"`
	UserID     string `json:"userId"`
}

// SMSJob is the payload of an sms job.
type SMSJob struct {
	To         string `json:"to"`
	Message    string `json:"message"`
	OrgID      string `json:"orgId"`
	UserID     string `json:"userId"`
	ContactID  string `json:"contactId,omitempty"`
	CampaignID string `json:"campaignId,omitempty"`
	TemplateID string `json:"templateId,omitempty"`
	FromNumber string `json:"fromNumber,omitempty"`
}

// ImportProgress is polled by the dashboard while an import runs.
type ImportProgress struct {
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors"`
}

// SendResult is what an sms job reports on completion.
type SendResult struct {
	Status      string `json:"status"`
	To          string `json:"to"`
	ProviderSID string `json:"providerSid,omitempty"`
	Degraded    bool   `json:"degraded,omitempty"`
	Warning     string `json:"warning,omitempty"`
}
