// Package provider adapts the SMS carrier. Carrier failures are classified
// here, once, into a closed set of kinds the send worker switches on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type SendRequest struct {
	To             string
	Body           string
	From           string
	StatusCallback string
}

type Result struct {
	SID string
	// Status is the carrier status normalized to our message statuses.
	Status string
	// RawStatus is what the carrier reported.
	RawStatus string
}

// Sender delivers one message to the carrier.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (*Result, error)
}

// CredentialedSender can send on behalf of an organization's own carrier
// account.
type CredentialedSender interface {
	Sender
	WithCredentials(accountSID, authToken string) Sender
}

// Error is a carrier rejection with its machine-readable code.
type Error struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error %d (HTTP %d): %s", e.Code, e.Status, e.Message)
}

type FailureKind int

const (
	// Transient failures are retried by the queue.
	Transient FailureKind = iota
	InvalidNumber
	UnsupportedRegion
	Unsubscribed
)

func (k FailureKind) String() string {
	switch k {
	case InvalidNumber:
		return "invalid_number"
	case UnsupportedRegion:
		return "unsupported_region"
	case Unsubscribed:
		return "unsubscribed"
	default:
		return "transient"
	}
}

// Terminal reports whether retrying the send could never succeed.
func (k FailureKind) Terminal() bool {
	return k != Transient
}

// Carrier error codes.
const (
	CodeInvalidToNumber  = 21211
	CodeRegionNotEnabled = 21408
	CodeUnsubscribed     = 21610
	CodeNotMobileNumber  = 21614
)

// Classify maps a Send error to its FailureKind. Anything it does not
// recognize is Transient.
func Classify(err error) FailureKind {
	var perr *Error
	if !errors.As(err, &perr) {
		return Transient
	}

	switch perr.Code {
	case CodeInvalidToNumber, CodeNotMobileNumber:
		return InvalidNumber
	case CodeRegionNotEnabled:
		return UnsupportedRegion
	case CodeUnsubscribed:
		return Unsubscribed
	}

	// Some carrier responses arrive without a code.
	msg := strings.ToLower(perr.Message)
	switch {
	case strings.Contains(msg, "invalid 'to' phone number"):
		return InvalidNumber
	case strings.Contains(msg, "permission to send an sms has not been enabled for the region"):
		return UnsupportedRegion
	case strings.Contains(msg, "attempt to send to unsubscribed recipient"):
		return Unsubscribed
	}
	return Transient
}

// NormalizeStatus folds the carrier's in-flight statuses into "sent".
func NormalizeStatus(status string) string {
	switch status {
	case "", "accepted", "queued", "sending":
		return "sent"
	}
	return status
}
