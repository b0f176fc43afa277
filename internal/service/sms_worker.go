package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/ledger"
	"github.com/unclebandit/smsblast/internal/model"
	"github.com/unclebandit/smsblast/internal/provider"
	"github.com/unclebandit/smsblast/internal/queue"
	"github.com/unclebandit/smsblast/internal/ratelimit"
	"github.com/unclebandit/smsblast/internal/repository"
)

// SMSWorker prices, rate-limits, sends, bills and records one message.
//
// Once the carrier accepted a message the handler never returns an error:
// a retry would send it again. Bookkeeping failures after that point are
// logged and reported as a degraded result instead.
type SMSWorker struct {
	ContactRepo  repository.ContactRepositoryInterface
	CampaignRepo repository.CampaignRepositoryInterface
	MessageRepo  repository.MessageRepositoryInterface
	BillingRepo  repository.BillingRepositoryInterface
	OrgRepo      repository.OrganizationRepositoryInterface
	PricingRepo  repository.PricingRepositoryInterface
	Ledger       ledger.LedgerInterface
	Limiter      ratelimit.Limiter
	Sender       provider.Sender

	StatusCallbackURL string
}

// smsSend carries one job through the handler.
type smsSend struct {
	job      *queue.Job
	payload  model.SMSJob
	body     string
	segments int
	pricing  *Pricing
	logger   zerolog.Logger
}

func (w *SMSWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	s := &smsSend{job: job}
	if err := job.Decode(&s.payload); err != nil {
		return nil, err
	}
	p := s.payload
	if p.To == "" || p.OrgID == "" {
		return nil, queue.Permanent(fmt.Errorf("sms job %s: to and orgId are required", job.ID))
	}
	s.logger = log.With().Str("job_id", job.ID).Str("org_id", p.OrgID).Str("to", p.To).
		Str("campaign_id", p.CampaignID).Str("contact_id", p.ContactID).Logger()

	recorded, err := w.MessageRepo.ExistsForJob(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if recorded {
		s.logger.Info().Msg("Message already recorded for this job, skipping send")
		return &model.SendResult{Status: "duplicate", To: p.To}, nil
	}

	// First outbound to a contact carries the opt-out notice. The claim is
	// released again if we give up before the carrier accepts the message.
	s.body = p.Message
	var claimedAt *time.Time
	if p.ContactID != "" {
		at, err := w.ContactRepo.ClaimOptOutNotice(ctx, p.ContactID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to check first-outbound status; sending original message")
		} else if at != nil {
			claimedAt = at
			s.body = AppendOptOutNotice(s.body)
		}
	}
	fail := func(err error) (any, error) {
		if claimedAt != nil {
			if rerr := w.ContactRepo.ReleaseOptOutNotice(ctx, p.ContactID, *claimedAt); rerr != nil {
				s.logger.Warn().Err(rerr).Msg("failed to release opt-out notice claim")
			}
		}
		return nil, err
	}

	s.segments = CountSegments(s.body)

	org, err := w.OrgRepo.GetByID(ctx, p.OrgID)
	if err != nil {
		if errors.Is(err, appErrors.ErrOrganizationNotFound) {
			return fail(queue.Permanent(err))
		}
		return fail(err)
	}

	s.pricing, err = ResolvePricing(ctx, org, w.PricingRepo)
	if err != nil {
		if errors.Is(err, appErrors.ErrPricingNotConfigured) {
			return fail(queue.Permanent(err))
		}
		return fail(fmt.Errorf("failed to fetch pricing: %w", err))
	}
	cost := s.pricing.Cost(s.segments)
	s.logger.Debug().Int("segments", s.segments).Str("cost", cost.StringFixed(4)).Msg("Priced message")

	balance, err := w.Ledger.Balance(ctx, p.OrgID)
	if err != nil {
		return fail(err)
	}
	if balance.LessThan(cost) {
		return fail(&appErrors.ErrInsufficientBalance{OrgID: p.OrgID, Balance: balance, Needed: cost})
	}

	if p.FromNumber != "" {
		if err := w.checkRateLimit(ctx, p.FromNumber); err != nil {
			return fail(err)
		}
	}

	res, err := w.senderFor(org).Send(ctx, provider.SendRequest{
		To:             p.To,
		Body:           s.body,
		From:           p.FromNumber,
		StatusCallback: w.StatusCallbackURL,
	})
	if err != nil {
		if errors.Is(err, appErrors.ErrProviderNotConfigured) {
			return fail(queue.Permanent(err))
		}
		switch kind := provider.Classify(err); kind {
		case provider.InvalidNumber, provider.UnsupportedRegion:
			s.logger.Info().Err(err).Str("kind", kind.String()).Msg("🗑️ Undeliverable number")
			return w.compensateUndeliverable(ctx, s, kind), nil
		case provider.Unsubscribed:
			s.logger.Info().Err(err).Msg("🛑 Contact opted out at the carrier")
			return w.compensateUnsubscribed(ctx, s), nil
		}
		return fail(fmt.Errorf("provider send failed: %w", err))
	}

	// The message is out. Nothing below may return an error.
	s.logger = s.logger.With().Str("provider_sid", res.SID).Logger()
	s.logger.Info().Str("status", res.RawStatus).Msg("✅ SMS sent")

	if p.FromNumber != "" {
		if _, err := w.Limiter.Increment(ctx, p.FromNumber, 1); err != nil {
			s.logger.Error().Err(err).Msg("❌ Failed to increment rate limit")
		}
	}

	now := time.Now()
	msg := s.message(res.Status, cost)
	msg.ProviderSID = &res.SID
	msg.ProviderStatus = optional(res.RawStatus)
	msg.SentAt = &now

	entry := model.LedgerEntry{
		OrgID:        p.OrgID,
		Amount:       cost,
		Type:         model.TxSMSSend,
		Description:  fmt.Sprintf("SMS to %s (%d segment(s) @ $%s/seg)", p.To, s.segments, s.pricing.PerSegment.StringFixed(4)),
		Segments:     s.segments,
		PricePerUnit: s.pricing.PerSegment,
		CampaignID:   optional(p.CampaignID),
		ActorUserID:  optional(p.UserID),
	}

	result := &model.SendResult{Status: res.Status, To: p.To, ProviderSID: res.SID}
	ok, err := w.BillingRepo.BillAndRecord(ctx, entry, msg)
	if err != nil {
		// No message row is written, so the campaign's completion count
		// stays one short and it needs to be finished by hand.
		s.logger.Error().Err(err).Str("campaign_id", p.CampaignID).Str("contact_id", p.ContactID).
			Msg("❌ DB save failed but SMS was sent; campaign will not complete on its own")
		result.Degraded = true
		result.Warning = "DB save failed but SMS sent"
		return result, nil
	}
	if !ok {
		s.logger.Warn().Msg("Message row already existed for this job; not billed again")
	}

	w.checkCompletion(ctx, p.CampaignID)
	return result, nil
}

// HandleExhausted records the final failure of a job the queue gave up on,
// so campaign completion still converges.
func (w *SMSWorker) HandleExhausted(ctx context.Context, job *queue.Job, cause error) {
	s := &smsSend{job: job}
	if err := job.Decode(&s.payload); err != nil || s.payload.To == "" || s.payload.OrgID == "" {
		return
	}
	s.body = s.payload.Message
	s.segments = CountSegments(s.body)
	s.logger = log.With().Str("job_id", job.ID).Str("to", s.payload.To).Str("campaign_id", s.payload.CampaignID).Logger()

	msg := s.message(model.MessageStatusFailed, decimal.Zero)
	msg.ErrorMessage = optional(cause.Error())
	if _, err := w.MessageRepo.RecordFailed(ctx, msg); err != nil {
		s.logger.Error().Err(err).Msg("failed to record exhausted message")
		return
	}
	w.checkCompletion(ctx, s.payload.CampaignID)
}

func (w *SMSWorker) checkRateLimit(ctx context.Context, from string) error {
	allowed, err := w.Limiter.Check(ctx, from)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}
	limited := &appErrors.ErrRateLimited{Phone: from}
	if info, err := w.Limiter.Remaining(ctx, from); err == nil {
		limited.ResetAt = info.ResetAt
	}
	return limited
}

func (w *SMSWorker) senderFor(org *model.Organization) provider.Sender {
	cs, ok := w.Sender.(provider.CredentialedSender)
	if ok && deref(org.TwilioAccountSID) != "" && deref(org.TwilioAuthToken) != "" {
		return cs.WithCredentials(*org.TwilioAccountSID, *org.TwilioAuthToken)
	}
	return w.Sender
}

// compensateUndeliverable charges the invalid-attempt fee, retires the
// contact and records the failure. Errors are logged, not returned: the
// outcome is final either way.
func (w *SMSWorker) compensateUndeliverable(ctx context.Context, s *smsSend, kind provider.FailureKind) *model.SendResult {
	p := s.payload
	reason := "Invalid phone number"
	if kind == provider.UnsupportedRegion {
		reason = "Region not enabled"
	}

	if _, err := w.ContactRepo.SoftDeleteByPhone(ctx, p.OrgID, p.To); err != nil {
		s.logger.Error().Err(err).Msg("❌ Failed to soft delete contact")
	}
	w.refreshCategoryCounts(ctx, s.logger)

	fee := s.pricing.InvalidAttempt
	msg := s.message(model.MessageStatusFailed, fee)
	msg.ErrorMessage = &reason
	entry := model.LedgerEntry{
		OrgID:        p.OrgID,
		Amount:       fee,
		Type:         model.TxInvalidAttempt,
		Description:  "Invalid attempt to " + p.To,
		Segments:     1,
		PricePerUnit: fee,
		CampaignID:   optional(p.CampaignID),
		ActorUserID:  optional(p.UserID),
	}
	if _, err := w.BillingRepo.BillAndRecord(ctx, entry, msg); err != nil {
		s.logger.Warn().Err(err).Msg("⚠️ Could not charge invalid attempt fee, recording failure without it")
		msg = s.message(model.MessageStatusFailed, decimal.Zero)
		msg.ErrorMessage = &reason
		if _, err := w.MessageRepo.RecordFailed(ctx, msg); err != nil {
			s.logger.Error().Err(err).Msg("❌ Failed to record failed message")
		}
	}

	w.checkCompletion(ctx, p.CampaignID)
	return &model.SendResult{Status: model.MessageStatusFailed, To: p.To, Warning: reason}
}

func (w *SMSWorker) compensateUnsubscribed(ctx context.Context, s *smsSend) *model.SendResult {
	p := s.payload
	reason := "Contact opted out via carrier"

	if _, err := w.ContactRepo.MarkOptedOutByPhone(ctx, p.OrgID, p.To); err != nil {
		s.logger.Error().Err(err).Msg("❌ Failed to mark contact opted out")
	}
	w.refreshCategoryCounts(ctx, s.logger)

	msg := s.message(model.MessageStatusFailed, decimal.Zero)
	msg.ErrorMessage = &reason
	if _, err := w.MessageRepo.RecordFailed(ctx, msg); err != nil {
		s.logger.Error().Err(err).Msg("❌ Failed to record failed message")
	}

	w.checkCompletion(ctx, p.CampaignID)
	return &model.SendResult{Status: model.MessageStatusFailed, To: p.To, Warning: reason}
}

func (w *SMSWorker) refreshCategoryCounts(ctx context.Context, logger zerolog.Logger) {
	if err := w.ContactRepo.RefreshCategoryCounts(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to refresh category counts")
	}
}

func (w *SMSWorker) checkCompletion(ctx context.Context, campaignID string) {
	if campaignID == "" {
		return
	}
	done, err := w.CampaignRepo.CompleteIfFinished(ctx, campaignID)
	if err != nil {
		log.Warn().Err(err).Str("campaign_id", campaignID).Msg("completion check failed")
		return
	}
	if done {
		log.Info().Str("campaign_id", campaignID).Msg("🎉 Campaign complete!")
	}
}

// message builds the row for this send with the given status and price.
func (s *smsSend) message(status string, price decimal.Decimal) *model.SMSMessage {
	p := s.payload
	return &model.SMSMessage{
		OrgID:      p.OrgID,
		ContactID:  optional(p.ContactID),
		CampaignID: optional(p.CampaignID),
		TemplateID: optional(p.TemplateID),
		JobID:      &s.job.ID,
		To:         p.To,
		From:       optional(p.FromNumber),
		Body:       s.body,
		Direction:  model.DirectionOutbound,
		Status:     status,
		Segments:   s.segments,
		PriceCents: toCents(price),
		CreatedBy:  optional(p.UserID),
	}
}
