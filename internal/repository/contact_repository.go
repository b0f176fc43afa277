package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/unclebandit/smsblast/internal/model"
)

// ContactRepositoryInterface defines methods used by the workers.
type ContactRepositoryInterface interface {
	ListRecipients(ctx context.Context, orgID string, categories []string) ([]model.Contact, error)

	ClaimOptOutNotice(ctx context.Context, contactID string) (*time.Time, error)
	ReleaseOptOutNotice(ctx context.Context, contactID string, claimedAt time.Time) error
	SoftDeleteByPhone(ctx context.Context, orgID, phone string) (int64, error)
	MarkOptedOutByPhone(ctx context.Context, orgID, phone string) (int64, error)

	FindByPhones(ctx context.Context, orgID string, phones []string) ([]model.Contact, error)
	UpsertBatch(ctx context.Context, orgID string, rows []model.ImportRow, categories []string) (created, updated int, err error)
	RefreshCategoryCounts(ctx context.Context) error
}

// ContactRepository is the concrete implementation
type ContactRepository struct {
	DB *sqlx.DB
}

const contactColumns = `id, org_id, phone, first_name, last_name, email, category,
	opted_out_at, deleted_at, opt_out_notice_sent_at, created_at, updated_at`

// ListRecipients returns every active contact of the organization, narrowed
// to those sharing at least one of categories when categories is non-empty.
// Rows come back in primary key order.
func (r *ContactRepository) ListRecipients(ctx context.Context, orgID string, categories []string) ([]model.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE org_id = $1 AND deleted_at IS NULL AND opted_out_at IS NULL`
	args := []interface{}{orgID}
	if len(categories) > 0 {
		query += ` AND category && $2`
		args = append(args, pq.Array(categories))
	}
	query += ` ORDER BY id`

	contacts := []model.Contact{}
	if err := r.DB.SelectContext(ctx, &contacts, query, args...); err != nil {
		return nil, fmt.Errorf("list recipients for org %s: %w", orgID, err)
	}
	return contacts, nil
}

// ClaimOptOutNotice stamps the first-outbound marker if nobody has yet and
// returns the stamp. A nil time means another send already claimed it.
func (r *ContactRepository) ClaimOptOutNotice(ctx context.Context, contactID string) (*time.Time, error) {
	var at time.Time
	err := r.DB.GetContext(ctx, &at, `
		UPDATE contacts
		SET opt_out_notice_sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND opt_out_notice_sent_at IS NULL
		RETURNING opt_out_notice_sent_at`, contactID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim opt-out notice for contact %s: %w", contactID, err)
	}
	return &at, nil
}

// ReleaseOptOutNotice undoes a claim whose message never went out. It only
// clears the marker if it still carries this claim's stamp.
func (r *ContactRepository) ReleaseOptOutNotice(ctx context.Context, contactID string, claimedAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE contacts
		SET opt_out_notice_sent_at = NULL
		WHERE id = $1 AND opt_out_notice_sent_at = $2`, contactID, claimedAt)
	if err != nil {
		return fmt.Errorf("release opt-out notice for contact %s: %w", contactID, err)
	}
	return nil
}

// phoneVariants matches contacts stored with or without the +1 prefix.
func phoneVariants(phone string) []string {
	if bare := strings.TrimPrefix(phone, "+1"); bare != phone {
		return []string{phone, bare}
	}
	return []string{phone}
}

func (r *ContactRepository) SoftDeleteByPhone(ctx context.Context, orgID, phone string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE contacts
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE org_id = $1 AND phone = ANY($2) AND deleted_at IS NULL`, orgID, pq.Array(phoneVariants(phone)))
	if err != nil {
		return 0, fmt.Errorf("soft delete contact %s: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		log.Warn().Str("org_id", orgID).Str("to", phone).Msg("⚠️ No contact found to mark as deleted")
	}
	return n, nil
}

func (r *ContactRepository) MarkOptedOutByPhone(ctx context.Context, orgID, phone string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE contacts
		SET opted_out_at = NOW(), updated_at = NOW()
		WHERE org_id = $1 AND phone = ANY($2) AND opted_out_at IS NULL`, orgID, pq.Array(phoneVariants(phone)))
	if err != nil {
		return 0, fmt.Errorf("mark contact %s opted out: %w", phone, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		log.Warn().Str("org_id", orgID).Str("to", phone).Msg("⚠️ No contact found to mark as opted out")
	}
	return n, nil
}

// FindByPhones returns every contact with one of phones, soft-deleted rows
// included, so the importer can refuse to resurrect them.
func (r *ContactRepository) FindByPhones(ctx context.Context, orgID string, phones []string) ([]model.Contact, error) {
	contacts := []model.Contact{}
	err := r.DB.SelectContext(ctx, &contacts, `
		SELECT `+contactColumns+`
		FROM contacts
		WHERE org_id = $1 AND phone = ANY($2)`, orgID, pq.Array(phones))
	if err != nil {
		return nil, fmt.Errorf("find contacts by phone: %w", err)
	}
	return contacts, nil
}

// UpsertBatch inserts rows or merges them into the active contact with the
// same phone: categories are unioned, identity fields are only filled where
// still empty.
func (r *ContactRepository) UpsertBatch(ctx context.Context, orgID string, rows []model.ImportRow, categories []string) (int, int, error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	phones := make([]string, len(rows))
	firstNames := make([]sql.NullString, len(rows))
	lastNames := make([]sql.NullString, len(rows))
	emails := make([]sql.NullString, len(rows))
	for i, row := range rows {
		phones[i] = row.Phone
		firstNames[i] = nullString(row.FirstName)
		lastNames[i] = nullString(row.LastName)
		emails[i] = nullString(row.Email)
	}

	var inserted []bool
	err := r.DB.SelectContext(ctx, &inserted, `
		INSERT INTO contacts (org_id, phone, first_name, last_name, email, category)
		SELECT $1, t.phone, t.first_name, t.last_name, t.email, $6::text[]
		FROM unnest($2::text[], $3::text[], $4::text[], $5::text[]) AS t(phone, first_name, last_name, email)
		ON CONFLICT (org_id, phone) WHERE deleted_at IS NULL
		DO UPDATE SET
			first_name = COALESCE(contacts.first_name, EXCLUDED.first_name),
			last_name  = COALESCE(contacts.last_name, EXCLUDED.last_name),
			email      = COALESCE(contacts.email, EXCLUDED.email),
			category   = ARRAY(SELECT DISTINCT unnest(contacts.category || EXCLUDED.category)),
			updated_at = NOW()
		RETURNING (xmax = 0) AS inserted`,
		orgID, pq.Array(phones), pq.Array(firstNames), pq.Array(lastNames), pq.Array(emails), pq.Array(categories))
	if err != nil {
		return 0, 0, fmt.Errorf("upsert contacts: %w", err)
	}

	created, updated := 0, 0
	for _, ins := range inserted {
		if ins {
			created++
		} else {
			updated++
		}
	}
	return created, updated, nil
}

func (r *ContactRepository) RefreshCategoryCounts(ctx context.Context) error {
	if _, err := r.DB.ExecContext(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY contact_category_counts`); err != nil {
		return fmt.Errorf("refresh contact_category_counts: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

var _ ContactRepositoryInterface = (*ContactRepository)(nil)
