package model

import "github.com/shopspring/decimal"

// Organization owns the credit balance. SMSBalance is only changed through
// the ledger.
type Organization struct {
	ID                        string              `db:"id" json:"id"`
	Name                      string              `db:"name" json:"name"`
	SMSBalance                decimal.Decimal     `db:"sms_balance" json:"sms_balance"`
	CustomRateOutboundMessage decimal.NullDecimal `db:"custom_rate_outbound_message" json:"custom_rate_outbound_message"`
	TwilioAccountSID          *string             `db:"twilio_account_sid" json:"-"`
	TwilioAuthToken           *string             `db:"twilio_auth_token" json:"-"`
}

const (
	ServiceOutboundMessage      = "outbound_message"
	ServiceInvalidNumberAttempt = "invalid_number_attempt"
)

// Ledger transaction types.
const (
	TxSMSSend        = "sms_send"
	TxInvalidAttempt = "invalid_attempt"
	TxTopUp          = "top_up"
)

// LedgerEntry describes one debit or credit against an organization balance.
type LedgerEntry struct {
	OrgID        string
	Amount       decimal.Decimal
	Type         string
	Description  string
	Segments     int
	PricePerUnit decimal.Decimal
	CampaignID   *string
	ActorUserID  *string
}
