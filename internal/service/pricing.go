package service

import (
	"context"

	"github.com/shopspring/decimal"

	appErrors "github.com/unclebandit/smsblast/internal/errors"
	"github.com/unclebandit/smsblast/internal/model"
	"github.com/unclebandit/smsblast/internal/repository"
)

// DefaultInvalidAttemptFee applies when no invalid_number_attempt rate is active.
var DefaultInvalidAttemptFee = decimal.RequireFromString("0.0015")

// Pricing is what one send costs an organization.
type Pricing struct {
	PerSegment     decimal.Decimal
	InvalidAttempt decimal.Decimal
}

// Cost is the price of a message of the given segment count.
func (p *Pricing) Cost(segments int) decimal.Decimal {
	return p.PerSegment.Mul(decimal.NewFromInt(int64(segments)))
}

// ResolvePricing picks the org's custom rate, then the active platform rate.
// There is no fallback price for outbound messages.
func ResolvePricing(ctx context.Context, org *model.Organization, rates repository.PricingRepositoryInterface) (*Pricing, error) {
	p := &Pricing{InvalidAttempt: DefaultInvalidAttemptFee}

	if org.CustomRateOutboundMessage.Valid && org.CustomRateOutboundMessage.Decimal.IsPositive() {
		p.PerSegment = org.CustomRateOutboundMessage.Decimal
	} else {
		rate, ok, err := rates.ActiveRate(ctx, model.ServiceOutboundMessage)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, appErrors.ErrPricingNotConfigured
		}
		p.PerSegment = rate
	}

	fee, ok, err := rates.ActiveRate(ctx, model.ServiceInvalidNumberAttempt)
	if err != nil {
		return nil, err
	}
	if ok && fee.IsPositive() {
		p.InvalidAttempt = fee
	}
	return p, nil
}

// toCents rounds a dollar amount to whole cents for price_cents.
func toCents(d decimal.Decimal) int {
	return int(d.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}
