// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrCampaignNotFound is returned when a campaign does not exist for the
// organization or has been soft-deleted.
type ErrCampaignNotFound struct {
	CampaignID string
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %s not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id string) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ErrCampaignNotSendable is returned when a send is requested for a campaign
// that already started or finished.
type ErrCampaignNotSendable struct {
	CampaignID string
	Status     string
}

func (e *ErrCampaignNotSendable) Error() string {
	return fmt.Sprintf("campaign %s cannot be sent from status %q", e.CampaignID, e.Status)
}

// ErrInsufficientBalance is returned when an organization cannot cover the
// cost of a send at check time.
type ErrInsufficientBalance struct {
	OrgID   string
	Balance decimal.Decimal
	Needed  decimal.Decimal
}

func (e *ErrInsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient balance for org %s: $%s (need $%s)",
		e.OrgID, e.Balance.StringFixed(4), e.Needed.StringFixed(4))
}

// ErrRateLimited is returned when a sending number has used up its window.
type ErrRateLimited struct {
	Phone   string
	ResetAt *time.Time
}

func (e *ErrRateLimited) Error() string {
	if e.ResetAt == nil {
		return fmt.Sprintf("rate limit reached for %s", e.Phone)
	}
	return fmt.Sprintf("rate limit reached for %s. Window resets at %s", e.Phone, e.ResetAt.UTC().Format(time.RFC3339))
}

var (
	// ErrPricingNotConfigured means neither a custom org rate nor an active
	// pricing row exists. Sends must never assume a price.
	ErrPricingNotConfigured = errors.New("pricing not configured: add an active outbound_message row to the pricing table")

	// ErrProviderNotConfigured means there are no credentials or no sender
	// (from number / messaging service) to send with.
	ErrProviderNotConfigured = errors.New("sms provider not configured")

	// ErrInvalidRequest marks caller mistakes the API reports as 400.
	ErrInvalidRequest = errors.New("invalid request")

	ErrOrganizationNotFound = errors.New("organization not found")
	ErrPhoneNumberNotFound  = errors.New("phone number not found")
)

// IsNotFound reports whether err is one of the not-found errors.
func IsNotFound(err error) bool {
	var cnf *ErrCampaignNotFound
	return errors.As(err, &cnf) || errors.Is(err, ErrOrganizationNotFound) || errors.Is(err, ErrPhoneNumberNotFound)
}
