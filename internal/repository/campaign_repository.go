package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign lifecycle
	GetForOrg(ctx context.Context, orgID, id string) (*model.Campaign, error)
	Schedule(ctx context.Context, orgID, id string, at time.Time) (*model.Campaign, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	MarkDone(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string) error
	CompleteIfFinished(ctx context.Context, id string) (bool, error)

	// Fan-out bookkeeping
	ClaimRecipients(ctx context.Context, campaignID string, contactIDs []string) ([]string, error)
	MarkRecipientsQueued(ctx context.Context, campaignID string, contactIDs []string) error
	SetTotalRecipients(ctx context.Context, id string) (int, error)
}

type CampaignRepository struct {
	DB *sqlx.DB
}

const campaignColumns = `id, org_id, name, message, template_id, target_categories, status,
	schedule_at, started_at, completed_at, total_recipients, sent_count, delivered_count,
	failed_count, replied_count, created_at, updated_at`

// ====================== Campaign lifecycle ======================

func (r *CampaignRepository) GetForOrg(ctx context.Context, orgID, id string) (*model.Campaign, error) {
	var c model.Campaign
	err := r.DB.GetContext(ctx, &c, `
		SELECT `+campaignColumns+`
		FROM sms_campaigns
		WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL`, id, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign %s: %w", id, err)
	}
	return &c, nil
}

// Schedule moves a draft or scheduled campaign to scheduled at the given
// time. It returns ErrCampaignNotFound if the campaign does not exist and
// ErrCampaignNotSendable if it is past that stage.
func (r *CampaignRepository) Schedule(ctx context.Context, orgID, id string, at time.Time) (*model.Campaign, error) {
	var c model.Campaign
	err := r.DB.GetContext(ctx, &c, `
		UPDATE sms_campaigns
		SET status = 'scheduled', schedule_at = $3, updated_at = NOW()
		WHERE id = $1 AND org_id = $2 AND deleted_at IS NULL
		  AND status IN ('draft', 'scheduled')
		RETURNING `+campaignColumns, id, orgID, at)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.GetForOrg(ctx, orgID, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &appErrors.ErrCampaignNotSendable{CampaignID: id, Status: string(existing.Status)}
	}
	if err != nil {
		return nil, fmt.Errorf("schedule campaign %s: %w", id, err)
	}
	return &c, nil
}

// MarkRunning starts the campaign. A campaign left failed by an earlier
// fan-out attempt is resumed.
func (r *CampaignRepository) MarkRunning(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE sms_campaigns
		SET status = 'running', started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled', 'failed')`, id)
	if err != nil {
		return false, fmt.Errorf("mark campaign %s running: %w", id, err)
	}
	return affected(res)
}

func (r *CampaignRepository) MarkDone(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE sms_campaigns
		SET status = 'done', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return false, fmt.Errorf("mark campaign %s done: %w", id, err)
	}
	return affected(res)
}

func (r *CampaignRepository) MarkFailed(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE sms_campaigns
		SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status IN ('scheduled', 'running')`, id)
	if err != nil {
		return fmt.Errorf("mark campaign %s failed: %w", id, err)
	}
	return nil
}

// CompleteIfFinished flips a running campaign to done once it has a message
// row for every recipient. The status guard makes the flip happen once no
// matter how many workers race here.
func (r *CampaignRepository) CompleteIfFinished(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE sms_campaigns c
		SET status = 'done', completed_at = NOW(), updated_at = NOW()
		WHERE c.id = $1
		  AND c.status = 'running'
		  AND (SELECT COUNT(*) FROM sms_messages m WHERE m.campaign_id = c.id) >= c.total_recipients`, id)
	if err != nil {
		return false, fmt.Errorf("complete campaign %s: %w", id, err)
	}
	return affected(res)
}

// ====================== Fan-out bookkeeping ======================

// ClaimRecipients records the recipient set and returns the contacts that
// still have to be enqueued, in id order. Recipients claimed and queued by
// an earlier attempt are not returned again; claims an earlier attempt never
// queued are dropped if the contact is no longer a recipient.
func (r *CampaignRepository) ClaimRecipients(ctx context.Context, campaignID string, contactIDs []string) ([]string, error) {
	if _, err := r.DB.ExecContext(ctx, `
		DELETE FROM campaign_recipients
		WHERE campaign_id = $1 AND queued_at IS NULL AND NOT (contact_id = ANY($2::uuid[]))`,
		campaignID, pq.Array(contactIDs)); err != nil {
		return nil, fmt.Errorf("drop stale recipients for campaign %s: %w", campaignID, err)
	}

	if _, err := r.DB.ExecContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, contact_id)
		SELECT $1, unnest($2::uuid[])
		ON CONFLICT DO NOTHING`, campaignID, pq.Array(contactIDs)); err != nil {
		return nil, fmt.Errorf("claim recipients for campaign %s: %w", campaignID, err)
	}

	var pending []string
	err := r.DB.SelectContext(ctx, &pending, `
		SELECT contact_id
		FROM campaign_recipients
		WHERE campaign_id = $1 AND contact_id = ANY($2::uuid[]) AND queued_at IS NULL
		ORDER BY contact_id`, campaignID, pq.Array(contactIDs))
	if err != nil {
		return nil, fmt.Errorf("list pending recipients for campaign %s: %w", campaignID, err)
	}
	return pending, nil
}

func (r *CampaignRepository) MarkRecipientsQueued(ctx context.Context, campaignID string, contactIDs []string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET queued_at = NOW()
		WHERE campaign_id = $1 AND contact_id = ANY($2::uuid[]) AND queued_at IS NULL`,
		campaignID, pq.Array(contactIDs))
	if err != nil {
		return fmt.Errorf("mark recipients queued for campaign %s: %w", campaignID, err)
	}
	return nil
}

// SetTotalRecipients sets total_recipients to the size of the claimed set.
func (r *CampaignRepository) SetTotalRecipients(ctx context.Context, id string) (int, error) {
	var total int
	err := r.DB.GetContext(ctx, &total, `
		UPDATE sms_campaigns
		SET total_recipients = (SELECT COUNT(*) FROM campaign_recipients WHERE campaign_id = $1),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING total_recipients`, id)
	if err != nil {
		return 0, fmt.Errorf("set total recipients for campaign %s: %w", id, err)
	}
	return total, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
