package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/unclebandit/smsblast/internal/db"
	"github.com/unclebandit/smsblast/internal/ledger"
	"github.com/unclebandit/smsblast/internal/model"
)

// BillingRepositoryInterface pairs a ledger debit with the message row it
// pays for.
type BillingRepositoryInterface interface {
	BillAndRecord(ctx context.Context, entry model.LedgerEntry, msg *model.SMSMessage) (bool, error)
}

type BillingRepository struct {
	DB     *sqlx.DB
	Ledger ledger.LedgerInterface
}

// BillAndRecord inserts msg, debits entry and bumps the campaign's sent or
// failed counter in one transaction. If the job already has a message row
// nothing is written and it reports false, so a redelivered job is never
// billed twice.
func (r *BillingRepository) BillAndRecord(ctx context.Context, entry model.LedgerEntry, msg *model.SMSMessage) (bool, error) {
	msg.Direction = model.DirectionOutbound

	var recorded bool
	err := db.WithTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		ok, err := insertMessage(ctx, tx, msg)
		if err != nil || !ok {
			return err
		}

		if entry.Amount.IsPositive() {
			if _, err := r.Ledger.Debit(ctx, tx, entry); err != nil {
				return err
			}
		}

		if msg.CampaignID != nil {
			if err := bumpCampaignCounter(ctx, tx, *msg.CampaignID, msg.Status); err != nil {
				return err
			}
		}
		recorded = true
		return nil
	})
	return recorded, err
}

func bumpCampaignCounter(ctx context.Context, tx *sqlx.Tx, campaignID, status string) error {
	query := `UPDATE sms_campaigns SET sent_count = sent_count + 1, updated_at = NOW() WHERE id = $1`
	if status == model.MessageStatusFailed {
		query = `UPDATE sms_campaigns SET failed_count = failed_count + 1, updated_at = NOW() WHERE id = $1`
	}
	if _, err := tx.ExecContext(ctx, query, campaignID); err != nil {
		return fmt.Errorf("update counters for campaign %s: %w", campaignID, err)
	}
	return nil
}

var _ BillingRepositoryInterface = (*BillingRepository)(nil)
