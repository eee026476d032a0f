package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Side direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether the side is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// String returns the string representation of the side.
func (s Side) String() string {
	return string(s)
}

// Trade executed fill recorded in the ledger. Never mutated once recorded.
type Trade struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Pair          TradingPair     `json:"pair"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	BaseAmount    decimal.Decimal `json:"base_amount"`
	QuoteAmount   decimal.Decimal `json:"quote_amount"`
	Time          time.Time       `json:"time"`
}

// Validate checks that the trade is well-formed.
func (t Trade) Validate() error {
	if t.ID == "" {
		return errors.New("trade id is required")
	}
	if t.Pair.IsZero() {
		return errors.New("trade pair is required")
	}
	if !t.Side.Valid() {
		return errors.Errorf("invalid trade side %q", t.Side)
	}
	if !t.Price.IsPositive() {
		return errors.Errorf("price must be positive, got %s", t.Price.String())
	}
	if !t.BaseAmount.IsPositive() {
		return errors.Errorf("base amount must be positive, got %s", t.BaseAmount.String())
	}
	if !t.QuoteAmount.IsPositive() {
		return errors.Errorf("quote amount must be positive, got %s", t.QuoteAmount.String())
	}
	if t.Time.IsZero() {
		return errors.New("trade time is required")
	}
	return nil
}

// String returns a human-readable string representation.
func (t Trade) String() string {
	return fmt.Sprintf("%s %s base: %s quote: %s price: %s", t.Pair.String(), t.Side, t.BaseAmount.String(),
		t.QuoteAmount.String(), t.Price.String())
}
