package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
)

const DefaultTwilioBaseURL = "https://api.twilio.com"

// TwilioClient sends through the Twilio Messages REST API.
type TwilioClient struct {
	httpClient          *resty.Client
	baseURL             string
	accountSID          string
	authToken           string
	messagingServiceSID string
}

type TwilioConfig struct {
	BaseURL             string
	AccountSID          string
	AuthToken           string
	MessagingServiceSID string
	Timeout             time.Duration
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// NewTwilioClient builds a client. Credentials may be empty when every
// organization brings its own; Send fails with ErrProviderNotConfigured then.
func NewTwilioClient(cfg TwilioConfig) *TwilioClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTwilioBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	// No resty retries: a send is not idempotent, retrying is the queue's job.
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0)

	log.Info().Str("baseURL", cfg.BaseURL).Bool("messagingService", cfg.MessagingServiceSID != "").Msg("Twilio client configured")

	return &TwilioClient{
		httpClient:          client,
		baseURL:             cfg.BaseURL,
		accountSID:          cfg.AccountSID,
		authToken:           cfg.AuthToken,
		messagingServiceSID: cfg.MessagingServiceSID,
	}
}

// WithCredentials returns a client that sends from another account.
func (c *TwilioClient) WithCredentials(accountSID, authToken string) Sender {
	cp := *c
	cp.accountSID = accountSID
	cp.authToken = authToken
	return &cp
}

func (c *TwilioClient) Send(ctx context.Context, req SendRequest) (*Result, error) {
	if c.accountSID == "" || c.authToken == "" {
		return nil, fmt.Errorf("%w: missing Twilio credentials", appErrors.ErrProviderNotConfigured)
	}

	form := map[string]string{
		"To":   req.To,
		"Body": req.Body,
	}
	switch {
	case req.From != "":
		form["From"] = req.From
	case c.messagingServiceSID != "":
		form["MessagingServiceSid"] = c.messagingServiceSID
	default:
		return nil, fmt.Errorf("%w: either a from number or a messaging service SID is required", appErrors.ErrProviderNotConfigured)
	}
	if req.StatusCallback != "" {
		form["StatusCallback"] = req.StatusCallback
	}

	url := fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", c.accountSID)
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBasicAuth(c.accountSID, c.authToken).
		SetFormData(form).
		SetResult(&twilioMessage{}).
		SetError(&Error{}).
		Post(url)
	if err != nil {
		return nil, fmt.Errorf("twilio send request failed: %w", err)
	}

	if resp.IsError() {
		perr, _ := resp.Error().(*Error)
		if perr == nil || (perr.Code == 0 && perr.Message == "") {
			perr = &Error{Message: resp.String()}
		}
		if perr.Status == 0 {
			perr.Status = resp.StatusCode()
		}
		return nil, perr
	}

	msg := resp.Result().(*twilioMessage)
	return &Result{SID: msg.SID, Status: NormalizeStatus(msg.Status), RawStatus: msg.Status}, nil
}

var _ CredentialedSender = (*TwilioClient)(nil)
