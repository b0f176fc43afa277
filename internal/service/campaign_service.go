// internal/service/campaign_service.go
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/model"
	"github.com/unclebandit/smsblast/internal/queue"
	"github.com/unclebandit/smsblast/internal/repository"
)

// CampaignService is what the dashboard API calls to start campaigns.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	Queue        queue.Enqueuer
	Now          func() time.Time
}

// SendCampaignResult is returned by Send.
type SendCampaignResult struct {
	CampaignID string               `json:"campaignId"`
	JobID      string               `json:"jobId"`
	Status     model.CampaignStatus `json:"status"`
	ScheduleAt time.Time            `json:"scheduleAt"`
}

// CampaignDetails is the campaign status view.
type CampaignDetails struct {
	ID               string               `json:"id"`
	Name             string               `json:"name"`
	Status           model.CampaignStatus `json:"status"`
	TargetCategories []string             `json:"targetCategories"`
	ScheduleAt       *time.Time           `json:"scheduleAt,omitempty"`
	StartedAt        *time.Time           `json:"startedAt,omitempty"`
	CompletedAt      *time.Time           `json:"completedAt,omitempty"`
	Stats            map[string]int       `json:"stats"`
}

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Send schedules the campaign and enqueues its fan-out. A nil or past
// scheduleAt sends now. Only draft and scheduled campaigns can be sent.
func (s *CampaignService) Send(ctx context.Context, orgID, userID, campaignID string, scheduleAt *time.Time) (*SendCampaignResult, error) {
	now := s.now()
	at := now
	if scheduleAt != nil && scheduleAt.After(now) {
		at = *scheduleAt
	}

	campaign, err := s.CampaignRepo.Schedule(ctx, orgID, campaignID, at)
	if err != nil {
		return nil, err
	}

	var opts []queue.EnqueueOption
	if delay := at.Sub(now); delay > 0 {
		opts = append(opts, queue.WithDelay(delay))
	}
	jobID, err := s.Queue.Enqueue(ctx, queue.CampaignsQueue, model.CampaignJob{
		CampaignID: campaign.ID,
		OrgID:      orgID,
		UserID:     userID,
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueue campaign %s: %w", campaign.ID, err)
	}

	log.Info().Str("campaign_id", campaign.ID).Str("job_id", jobID).Time("schedule_at", at).Msg("📤 Campaign queued")
	return &SendCampaignResult{
		CampaignID: campaign.ID,
		JobID:      jobID,
		Status:     campaign.Status,
		ScheduleAt: at,
	}, nil
}

// Status returns the campaign with its delivery counters.
func (s *CampaignService) Status(ctx context.Context, orgID, campaignID string) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetForOrg(ctx, orgID, campaignID)
	if err != nil {
		return nil, err
	}
	categories := []string(c.TargetCategories)
	if categories == nil {
		categories = []string{}
	}
	return &CampaignDetails{
		ID:               c.ID,
		Name:             c.Name,
		Status:           c.Status,
		TargetCategories: categories,
		ScheduleAt:       c.ScheduleAt,
		StartedAt:        c.StartedAt,
		CompletedAt:      c.CompletedAt,
		Stats: map[string]int{
			"recipients": c.TotalRecipients,
			"sent":       c.SentCount,
			"delivered":  c.DeliveredCount,
			"failed":     c.FailedCount,
			"replied":    c.RepliedCount,
		},
	}, nil
}

// ImportService enqueues contact imports and reports their progress.
type ImportService struct {
	Queue queue.Enqueuer
	Store queue.StatusStore
}

// ImportStatus is the import job view polled by the dashboard.
type ImportStatus struct {
	JobID        string                `json:"jobId"`
	State        queue.State           `json:"state"`
	Progress     *model.ImportProgress `json:"progress,omitempty"`
	FailedReason string                `json:"failedReason,omitempty"`
}

func (s *ImportService) Enqueue(ctx context.Context, job model.ContactImportJob) (string, error) {
	if strings.TrimSpace(job.CSVData) == "" {
		return "", fmt.Errorf("%w: csv data is empty", appErrors.ErrInvalidRequest)
	}
	if len(job.Category) == 0 {
		return "", fmt.Errorf("%w: at least one category is required", appErrors.ErrInvalidRequest)
	}
	id, err := s.Queue.Enqueue(ctx, queue.ContactImportQueue, job)
	if err != nil {
		return "", fmt.Errorf("enqueue import: %w", err)
	}
	log.Info().Str("job_id", id).Str("org_id", job.OrgID).Msg("📥 Import queued")
	return id, nil
}

func (s *ImportService) Status(ctx context.Context, jobID string) (*ImportStatus, error) {
	st, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := &ImportStatus{JobID: jobID, State: st.State, FailedReason: st.FailedReason}

	// The final result carries the same shape as progress.
	raw := st.Result
	if len(raw) == 0 {
		raw = st.Progress
	}
	if len(raw) > 0 {
		var p model.ImportProgress
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode import progress: %w", err)
		}
		out.Progress = &p
	}
	return out, nil
}
