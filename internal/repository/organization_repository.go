package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/model"
)

type OrganizationRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Organization, error)
}

type OrganizationRepository struct {
	DB *sqlx.DB
}

func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*model.Organization, error) {
	var org model.Organization
	err := r.DB.GetContext(ctx, &org, `
		SELECT id, name, sms_balance, custom_rate_outbound_message, twilio_account_sid, twilio_auth_token
		FROM organizations
		WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrOrganizationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization %s: %w", id, err)
	}
	return &org, nil
}

// PricingRepositoryInterface reads the active platform rates.
type PricingRepositoryInterface interface {
	ActiveRate(ctx context.Context, serviceType string) (decimal.Decimal, bool, error)
}

// PricingRepository caches the active pricing table; rates change rarely and
// every send reads them.
type PricingRepository struct {
	DB    *sqlx.DB
	cache *cache.Cache
}

const pricingCacheKey = "active_pricing"

func NewPricingRepository(conn *sqlx.DB, ttl time.Duration) *PricingRepository {
	return &PricingRepository{DB: conn, cache: cache.New(ttl, 2*ttl)}
}

// ActiveRate returns the active per-unit price for serviceType, and false if
// there is none.
func (r *PricingRepository) ActiveRate(ctx context.Context, serviceType string) (decimal.Decimal, bool, error) {
	rates, err := r.rates(ctx)
	if err != nil {
		return decimal.Zero, false, err
	}
	rate, ok := rates[serviceType]
	return rate, ok, nil
}

func (r *PricingRepository) rates(ctx context.Context) (map[string]decimal.Decimal, error) {
	if v, ok := r.cache.Get(pricingCacheKey); ok {
		return v.(map[string]decimal.Decimal), nil
	}

	var rows []struct {
		ServiceType  string          `db:"service_type"`
		PricePerUnit decimal.Decimal `db:"price_per_unit"`
	}
	if err := r.DB.SelectContext(ctx, &rows, `
		SELECT service_type, price_per_unit
		FROM pricing
		WHERE is_active`); err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}

	rates := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		rates[row.ServiceType] = row.PricePerUnit
	}
	r.cache.SetDefault(pricingCacheKey, rates)
	return rates, nil
}

var (
	_ OrganizationRepositoryInterface = (*OrganizationRepository)(nil)
	_ PricingRepositoryInterface      = (*PricingRepository)(nil)
)
