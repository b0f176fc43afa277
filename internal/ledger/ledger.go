// Package ledger is the only writer of organization balances. Every change
// is a row-locked update plus a credit_transactions record in one
// transaction.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/unclebandit/smsblast/internal/db"
	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/model"
)

// LedgerInterface is what workers use to move credit.
type LedgerInterface interface {
	Balance(ctx context.Context, orgID string) (decimal.Decimal, error)
	Debit(ctx context.Context, tx sqlx.ExtContext, e model.LedgerEntry) (string, error)
	Charge(ctx context.Context, e model.LedgerEntry) (string, error)
	Credit(ctx context.Context, e model.LedgerEntry) (string, error)
}

type Ledger struct {
	DB *sqlx.DB
}

func (l *Ledger) Balance(ctx context.Context, orgID string) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := l.DB.GetContext(ctx, &balance, `SELECT sms_balance FROM organizations WHERE id = $1`, orgID)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, appErrors.ErrOrganizationNotFound
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read balance for org %s: %w", orgID, err)
	}
	return balance, nil
}

// Debit subtracts e.Amount inside the caller's transaction. The guarded
// UPDATE takes the row lock, so two concurrent debits can never both pass
// the balance check.
func (l *Ledger) Debit(ctx context.Context, tx sqlx.ExtContext, e model.LedgerEntry) (string, error) {
	if !e.Amount.IsPositive() {
		return "", fmt.Errorf("debit amount must be positive, got %s", e.Amount)
	}

	var after decimal.Decimal
	err := sqlx.GetContext(ctx, tx, &after, `
		UPDATE organizations
		SET sms_balance = sms_balance - $2, updated_at = NOW()
		WHERE id = $1 AND sms_balance >= $2
		RETURNING sms_balance`, e.OrgID, e.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return "", l.debitRejected(ctx, tx, e)
	}
	if err != nil {
		return "", fmt.Errorf("debit org %s: %w", e.OrgID, err)
	}

	return record(ctx, tx, e, e.Amount.Neg(), after)
}

func (l *Ledger) debitRejected(ctx context.Context, tx sqlx.ExtContext, e model.LedgerEntry) error {
	var balance decimal.Decimal
	err := sqlx.GetContext(ctx, tx, &balance, `SELECT sms_balance FROM organizations WHERE id = $1`, e.OrgID)
	if errors.Is(err, sql.ErrNoRows) {
		return appErrors.ErrOrganizationNotFound
	}
	if err != nil {
		return fmt.Errorf("read balance for org %s: %w", e.OrgID, err)
	}
	return &appErrors.ErrInsufficientBalance{OrgID: e.OrgID, Balance: balance, Needed: e.Amount}
}

// Charge is a standalone Debit in its own transaction.
func (l *Ledger) Charge(ctx context.Context, e model.LedgerEntry) (string, error) {
	var txID string
	err := db.WithTx(ctx, l.DB, func(tx *sqlx.Tx) error {
		var err error
		txID, err = l.Debit(ctx, tx, e)
		return err
	})
	return txID, err
}

// Credit adds e.Amount to the balance.
func (l *Ledger) Credit(ctx context.Context, e model.LedgerEntry) (string, error) {
	if !e.Amount.IsPositive() {
		return "", fmt.Errorf("credit amount must be positive, got %s", e.Amount)
	}

	var txID string
	err := db.WithTx(ctx, l.DB, func(tx *sqlx.Tx) error {
		var after decimal.Decimal
		err := sqlx.GetContext(ctx, tx, &after, `
			UPDATE organizations
			SET sms_balance = sms_balance + $2, updated_at = NOW()
			WHERE id = $1
			RETURNING sms_balance`, e.OrgID, e.Amount)
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrOrganizationNotFound
		}
		if err != nil {
			return fmt.Errorf("credit org %s: %w", e.OrgID, err)
		}
		txID, err = record(ctx, tx, e, e.Amount, after)
		return err
	})
	if err == nil {
		log.Info().Str("org_id", e.OrgID).Str("amount", e.Amount.StringFixed(4)).Msg("💰 Credited balance")
	}
	return txID, err
}

func record(ctx context.Context, tx sqlx.ExtContext, e model.LedgerEntry, signed, after decimal.Decimal) (string, error) {
	var segments sql.NullInt64
	if e.Segments > 0 {
		segments = sql.NullInt64{Int64: int64(e.Segments), Valid: true}
	}
	var price decimal.NullDecimal
	if !e.PricePerUnit.IsZero() {
		price = decimal.NullDecimal{Decimal: e.PricePerUnit, Valid: true}
	}

	var id string
	err := sqlx.GetContext(ctx, tx, &id, `
		INSERT INTO credit_transactions
			(org_id, type, amount, balance_after, segments, price_per_unit, campaign_id, actor_user_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.OrgID, e.Type, signed, after, segments, price, e.CampaignID, e.ActorUserID, e.Description)
	if err != nil {
		return "", fmt.Errorf("record %s transaction for org %s: %w", e.Type, e.OrgID, err)
	}
	return id, nil
}

var _ LedgerInterface = (*Ledger)(nil)
