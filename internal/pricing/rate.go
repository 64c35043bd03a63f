// Package pricing supplies the currency-to-native conversion rate.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmynk/splitpay/internal/money"
)

// RateProvider returns native coins per currency unit.
type RateProvider interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// FixedRate returns a configured rate.
type FixedRate struct {
	rate decimal.Decimal
}

// NewFixedRate parses raw as a positive rate.
func NewFixedRate(raw string) (*FixedRate, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", money.ErrInvalidRate, raw)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: rate must be positive, got %s", money.ErrInvalidRate, raw)
	}
	return &FixedRate{rate: d}, nil
}

// Rate returns the configured rate.
func (p *FixedRate) Rate(_ context.Context) (decimal.Decimal, error) {
	return p.rate, nil
}
