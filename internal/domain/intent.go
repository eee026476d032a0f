package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// OrderIntent order proposed by the decision engine.
type OrderIntent struct {
	Pair TradingPair
	Side Side
	// QuoteAmount amount to spend, set for buys.
	QuoteAmount decimal.Decimal
	// BaseAmount amount to sell, set for sells.
	BaseAmount decimal.Decimal
	// Price ask for buys, bid for sells at decision time.
	Price decimal.Decimal
	// MatchedBuyID buy trade the sell closes.
	MatchedBuyID string
	Reason       string
}

// String returns a human-readable string representation.
func (i OrderIntent) String() string {
	if i.Side == SideBuy {
		return fmt.Sprintf("%s buy quote: %s at %s", i.Pair.String(), i.QuoteAmount.String(), i.Price.String())
	}
	return fmt.Sprintf("%s sell base: %s at %s (buy %s)", i.Pair.String(), i.BaseAmount.String(), i.Price.String(), i.MatchedBuyID)
}
