package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	appErrors "github.com/unclebandit/smsblast/internal/errors"
)

// Postgres keeps windows on the phone_numbers row. Window expiry is judged
// by the database clock so every worker process agrees on it.
type Postgres struct {
	DB *sqlx.DB
}

type windowRow struct {
	Max   int          `db:"rate_limit_max"`
	Hours int          `db:"rate_limit_window_hours"`
	Count int          `db:"rate_limit_current_count"`
	Start sql.NullTime `db:"rate_limit_window_start"`
	Now   time.Time    `db:"now"`
}

func (r windowRow) window() Window {
	w := Window{Max: r.Max, Hours: r.Hours, Count: r.Count}
	if r.Start.Valid {
		t := r.Start.Time
		w.Start = &t
	}
	return w
}

func (p *Postgres) load(ctx context.Context, phone string) (*windowRow, error) {
	var row windowRow
	err := p.DB.GetContext(ctx, &row, `
		SELECT rate_limit_max, rate_limit_window_hours, rate_limit_current_count,
		       rate_limit_window_start, NOW() AS now
		FROM phone_numbers
		WHERE phone_number = $1`, phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrPhoneNumberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load rate limit for %s: %w", phone, err)
	}
	return &row, nil
}

func (p *Postgres) Check(ctx context.Context, phone string) (bool, error) {
	row, err := p.load(ctx, phone)
	if errors.Is(err, appErrors.ErrPhoneNumberNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return row.window().Allows(row.Now, 1), nil
}

// Increment resets and bumps the window in one statement; the CASE arms see
// the pre-update row, so concurrent workers never lose an increment.
func (p *Postgres) Increment(ctx context.Context, phone string, by int) (bool, error) {
	var withinLimit bool
	err := p.DB.QueryRowxContext(ctx, `
		UPDATE phone_numbers SET
			rate_limit_current_count = CASE
				WHEN rate_limit_window_start IS NULL
				  OR rate_limit_window_start + make_interval(hours => rate_limit_window_hours) <= NOW()
				THEN $2
				ELSE rate_limit_current_count + $2
			END,
			rate_limit_window_start = CASE
				WHEN rate_limit_window_start IS NULL
				  OR rate_limit_window_start + make_interval(hours => rate_limit_window_hours) <= NOW()
				THEN NOW()
				ELSE rate_limit_window_start
			END
		WHERE phone_number = $1
		RETURNING rate_limit_current_count <= rate_limit_max`, phone, by).Scan(&withinLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("increment rate limit for %s: %w", phone, err)
	}
	if !withinLimit {
		log.Warn().Str("phone_number", phone).Msg("rate limit window overrun by concurrent sends")
	}
	return true, nil
}

func (p *Postgres) Remaining(ctx context.Context, phone string) (*Info, error) {
	row, err := p.load(ctx, phone)
	if err != nil {
		return nil, err
	}
	return row.window().Info(phone, row.Now), nil
}

var _ Limiter = (*Postgres)(nil)
