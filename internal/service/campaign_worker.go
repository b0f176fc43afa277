package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/model"
	"github.com/unclebandit/smsblast/internal/queue"
	"github.com/unclebandit/smsblast/internal/repository"
)

// CampaignWorker fans one campaign out into sms jobs.
type CampaignWorker struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ContactRepo  repository.ContactRepositoryInterface
	Queue        queue.Enqueuer
	BatchSize    int
	BatchPause   time.Duration
}

// FanoutResult is recorded as the campaigns job result.
type FanoutResult struct {
	CampaignID string `json:"campaignId"`
	Status     string `json:"status"`
	Recipients int    `json:"recipients"`
	Queued     int    `json:"queued"`
}

// SMSJobID is the job id of the sms job for one campaign recipient. It is
// stable so a redelivered or re-fanned job maps to the same message row.
func SMSJobID(campaignID, contactID string) string {
	return "sms:" + campaignID + ":" + contactID
}

func (w *CampaignWorker) Handle(ctx context.Context, job *queue.Job) (any, error) {
	var payload model.CampaignJob
	if err := job.Decode(&payload); err != nil {
		return nil, err
	}

	logger := log.With().Str("campaign_id", payload.CampaignID).Str("org_id", payload.OrgID).Logger()
	logger.Info().Str("job_id", job.ID).Msg("📣 Processing campaign")

	campaign, err := w.CampaignRepo.GetForOrg(ctx, payload.OrgID, payload.CampaignID)
	if err != nil {
		if appErrors.IsNotFound(err) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	result, err := w.fanOut(ctx, campaign, payload)
	if err != nil {
		logger.Error().Err(err).Msg("❌ Campaign fan-out failed")
		if markErr := w.CampaignRepo.MarkFailed(ctx, campaign.ID); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to update campaign status")
		}
		return nil, err
	}
	return result, nil
}

func (w *CampaignWorker) fanOut(ctx context.Context, c *model.Campaign, payload model.CampaignJob) (*FanoutResult, error) {
	logger := log.With().Str("campaign_id", c.ID).Logger()
	result := &FanoutResult{CampaignID: c.ID}

	switch c.Status {
	case model.CampaignPaused, model.CampaignDone:
		logger.Info().Str("status", string(c.Status)).Msg("Campaign not runnable, skipping fan-out")
		result.Status = string(c.Status)
		return result, nil
	case model.CampaignRunning:
	default:
		if _, err := w.CampaignRepo.MarkRunning(ctx, c.ID); err != nil {
			return nil, err
		}
		logger.Info().Msg("Campaign status updated to 'running'")
	}
	result.Status = string(model.CampaignRunning)

	contacts, err := w.ContactRepo.ListRecipients(ctx, c.OrgID, c.TargetCategories)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("recipients", len(contacts)).Strs("categories", c.TargetCategories).Msg("Resolved recipients")

	if len(contacts) == 0 {
		if _, err := w.CampaignRepo.MarkDone(ctx, c.ID); err != nil {
			return nil, err
		}
		logger.Warn().Msg("⚠️ No contacts to send to, campaign done")
		result.Status = string(model.CampaignDone)
		return result, nil
	}

	byID := make(map[string]*model.Contact, len(contacts))
	ids := make([]string, len(contacts))
	for i := range contacts {
		ids[i] = contacts[i].ID
		byID[contacts[i].ID] = &contacts[i]
	}

	pending, err := w.CampaignRepo.ClaimRecipients(ctx, c.ID, ids)
	if err != nil {
		return nil, err
	}
	total, err := w.CampaignRepo.SetTotalRecipients(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	result.Recipients = total
	if skipped := len(ids) - len(pending); skipped > 0 {
		logger.Info().Int("already_queued", skipped).Msg("Resuming earlier fan-out")
	}

	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	for start := 0; start < len(pending); start += batchSize {
		end := start + batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		for _, contactID := range batch {
			contact := byID[contactID]
			sms := model.SMSJob{
				To:         contact.Phone,
				Message:    RenderTemplate(c.Message, ContactTemplateData(contact)),
				OrgID:      c.OrgID,
				UserID:     payload.UserID,
				ContactID:  contact.ID,
				CampaignID: c.ID,
				TemplateID: deref(c.TemplateID),
			}
			if _, err := w.Queue.Enqueue(ctx, queue.SMSQueue, sms, queue.WithJobID(SMSJobID(c.ID, contact.ID))); err != nil {
				return nil, fmt.Errorf("enqueue sms for contact %s: %w", contact.ID, err)
			}
		}
		if err := w.CampaignRepo.MarkRecipientsQueued(ctx, c.ID, batch); err != nil {
			return nil, err
		}
		result.Queued += len(batch)
		logger.Info().Msgf("Queued %d/%d messages", result.Queued, len(pending))

		if end < len(pending) && w.BatchPause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(w.BatchPause):
			}
		}
	}

	// Every recipient may already have a message row if this is a late retry.
	if done, err := w.CampaignRepo.CompleteIfFinished(ctx, c.ID); err != nil {
		logger.Warn().Err(err).Msg("completion check failed")
	} else if done {
		result.Status = string(model.CampaignDone)
	}

	logger.Info().Int("queued", result.Queued).Msg("✅ Campaign fan-out complete")
	return result, nil
}
