package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/smsblast/internal/db"
	"github.com/unclebandit/smsblast/internal/model"
)

type MessageRepositoryInterface interface {
	ExistsForJob(ctx context.Context, jobID string) (bool, error)
	RecordFailed(ctx context.Context, msg *model.SMSMessage) (bool, error)
}

type MessageRepository struct {
	DB *sqlx.DB
}

// ExistsForJob reports whether a job already produced its message row.
func (r *MessageRepository) ExistsForJob(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := r.DB.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM sms_messages WHERE job_id = $1)`, jobID)
	if err != nil {
		return false, fmt.Errorf("check message for job %s: %w", jobID, err)
	}
	return exists, nil
}

// RecordFailed stores a failed message row and bumps the campaign's
// failed_count. It reports false if the job had already recorded a row.
func (r *MessageRepository) RecordFailed(ctx context.Context, msg *model.SMSMessage) (bool, error) {
	msg.Status = model.MessageStatusFailed
	msg.Direction = model.DirectionOutbound

	var recorded bool
	err := db.WithTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		ok, err := insertMessage(ctx, tx, msg)
		if err != nil || !ok {
			return err
		}
		recorded = true
		if msg.CampaignID == nil {
			return nil
		}
		return bumpCampaignCounter(ctx, tx, *msg.CampaignID, msg.Status)
	})
	return recorded, err
}

// insertMessage writes msg unless a row for the same job exists. It fills
// msg.ID and reports whether a row was written.
func insertMessage(ctx context.Context, tx sqlx.ExtContext, msg *model.SMSMessage) (bool, error) {
	err := sqlx.GetContext(ctx, tx, &msg.ID, `
		INSERT INTO sms_messages (
			org_id, contact_id, campaign_id, template_id, job_id, to_number, from_number, body,
			direction, status, error_message, segments, price_cents, provider_sid, provider_status,
			created_by, sent_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW())
		ON CONFLICT (job_id) DO NOTHING
		RETURNING id`,
		msg.OrgID, msg.ContactID, msg.CampaignID, msg.TemplateID, msg.JobID, msg.To, msg.From, msg.Body,
		msg.Direction, msg.Status, msg.ErrorMessage, msg.Segments, msg.PriceCents, msg.ProviderSID, msg.ProviderStatus,
		msg.CreatedBy, msg.SentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert message to %s: %w", msg.To, err)
	}
	return true, nil
}

var _ MessageRepositoryInterface = (*MessageRepository)(nil)
