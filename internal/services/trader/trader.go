// Package trader submits order intents to an exchange and reports confirmed fills.
package trader

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
	"github.com/vadiminshakov/algotrader/internal/services/market"
)

var (
	// ErrRejected exchange refused or cancelled the order, nothing was executed.
	ErrRejected = errors.New("order rejected")
	// ErrNotFilled order was accepted but is not executed yet.
	ErrNotFilled = errors.New("order not filled")
	// ErrNotVisible exchange has no record of the order yet; it may still appear.
	ErrNotVisible = errors.New("order not visible")
)

// Dispatcher order-dispatch collaborator.
type Dispatcher interface {
	// Dispatch submits the intent and returns the trade once the exchange confirms the fill.
	Dispatch(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.Trade, error)
	// Lookup reports the fill of a previously dispatched order, false if it never executed.
	Lookup(ctx context.Context, pair domain.TradingPair, clientOrderID string) (domain.Trade, bool, error)
}

// Quotes source of the latest accepted snapshots.
type Quotes interface {
	Latest(pair domain.TradingPair) (market.Entry, bool)
}

const defaultPollInterval = 200 * time.Millisecond

// buyBaseAmount converts the quote amount of a buy into a base amount at the given price,
// rounded down to precision decimals.
func buyBaseAmount(intent domain.OrderIntent, precision int32) (decimal.Decimal, error) {
	if !intent.Price.IsPositive() {
		return decimal.Zero, errors.Wrapf(ErrRejected, "no price for %s", intent.Pair.String())
	}
	amount := intent.QuoteAmount.Div(intent.Price).RoundFloor(precision)
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrapf(ErrRejected, "buy of %s %s is below precision",
			intent.QuoteAmount.String(), intent.Pair.Quote.String())
	}
	return amount, nil
}

// sellBaseAmount rounds the sell amount down to precision decimals.
func sellBaseAmount(intent domain.OrderIntent, precision int32) (decimal.Decimal, error) {
	amount := intent.BaseAmount.RoundFloor(precision)
	if !amount.IsPositive() {
		return decimal.Zero, errors.Wrapf(ErrRejected, "sell of %s %s is below precision",
			intent.BaseAmount.String(), intent.Pair.Base.String())
	}
	return amount, nil
}

// newTrade assembles a confirmed trade; the price is derived from the executed amounts.
func newTrade(id, clientOrderID string, pair domain.TradingPair, side domain.Side,
	base, quote decimal.Decimal, at time.Time) (domain.Trade, error) {
	if !base.IsPositive() || !quote.IsPositive() {
		return domain.Trade{}, errors.Wrapf(ErrNotFilled, "order %s executed %s for %s", clientOrderID,
			base.String(), quote.String())
	}

	trade := domain.Trade{
		ID:            id,
		ClientOrderID: clientOrderID,
		Pair:          pair,
		Side:          side,
		Price:         quote.Div(base),
		BaseAmount:    base,
		QuoteAmount:   quote,
		Time:          at.UTC(),
	}
	return trade, trade.Validate()
}
