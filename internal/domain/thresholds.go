package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Thresholds encapsulates the trade sizing and signal thresholds.
type Thresholds struct {
	// TradeSize quote amount spent on every buy.
	TradeSize decimal.Decimal
	// BuyRatio buy fires when ask <= BuyRatio * reference price.
	BuyRatio decimal.Decimal
	// SellRatio sell fires when bid >= SellRatio * buy price.
	SellRatio decimal.Decimal
	// Cooldown minimum time between two buys of the same pair.
	Cooldown time.Duration
}

// NewThresholds creates validated thresholds.
func NewThresholds(tradeSize, buyRatio, sellRatio decimal.Decimal, cooldown time.Duration) (Thresholds, error) {
	if !tradeSize.IsPositive() {
		return Thresholds{}, errors.Errorf("trade size must be positive, got %s", tradeSize.String())
	}
	if !buyRatio.IsPositive() || buyRatio.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Thresholds{}, errors.Errorf("buy ratio must be in (0, 1), got %s", buyRatio.String())
	}
	if sellRatio.LessThanOrEqual(decimal.NewFromInt(1)) {
		return Thresholds{}, errors.Errorf("sell ratio must be greater than 1, got %s", sellRatio.String())
	}
	if cooldown < 0 {
		return Thresholds{}, errors.Errorf("cooldown must not be negative, got %s", cooldown)
	}

	return Thresholds{
		TradeSize: tradeSize,
		BuyRatio:  buyRatio,
		SellRatio: sellRatio,
		Cooldown:  cooldown,
	}, nil
}

// BuyTrigger returns the highest ask that still fires a buy for the reference price.
func (t Thresholds) BuyTrigger(reference decimal.Decimal) decimal.Decimal {
	return reference.Mul(t.BuyRatio)
}

// SellTrigger returns the lowest bid that fires a sell of a buy made at buyPrice.
func (t Thresholds) SellTrigger(buyPrice decimal.Decimal) decimal.Decimal {
	return buyPrice.Mul(t.SellRatio)
}
