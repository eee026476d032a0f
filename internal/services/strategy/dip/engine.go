// Package dip implements the dip-buying decision: buy when the ask drops below the trailing
// reference, sell every unmatched buy whose price the bid has cleared by the sell ratio.
package dip

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
	"github.com/vadiminshakov/algotrader/internal/portfolio"
)

// Input view of one pair at decision time.
type Input struct {
	Pair     domain.TradingPair
	Snapshot *domain.MarketSnapshot
	// Stale snapshot is past the staleness bound.
	Stale bool
	// Reference trailing reference price, valid only when HasReference.
	Reference    decimal.Decimal
	HasReference bool
	// QuoteAvailable quote balance minus funds reserved by in-flight buys.
	QuoteAvailable decimal.Decimal
	Book           *portfolio.Book
	Now            time.Time
}

// Decision intents proposed for one pair. Sells are ordered cheapest buy first.
type Decision struct {
	Buy   *domain.OrderIntent
	Sells []domain.OrderIntent
	// Skip why nothing was proposed, empty when an intent exists.
	Skip string
}

// Empty reports whether no intent was proposed.
func (d Decision) Empty() bool {
	return d.Buy == nil && len(d.Sells) == 0
}

// Engine stateless decision engine.
type Engine struct {
	thresholds domain.Thresholds
}

func NewEngine(thresholds domain.Thresholds) *Engine {
	return &Engine{thresholds: thresholds}
}

func (e *Engine) Thresholds() domain.Thresholds {
	return e.thresholds
}

// Decide never mutates the book; it returns ErrInsufficientData when no snapshot exists.
func (e *Engine) Decide(in Input) (Decision, error) {
	if in.Snapshot == nil {
		return Decision{}, errors.Wrapf(domain.ErrInsufficientData, "no snapshot for %s", in.Pair.String())
	}
	if in.Book == nil {
		return Decision{}, errors.Errorf("no book for %s", in.Pair.String())
	}
	if in.Snapshot.Pair != in.Pair || in.Book.Pair() != in.Pair {
		return Decision{}, errors.Errorf("decision input mixes pairs: %s, snapshot %s, book %s",
			in.Pair.String(), in.Snapshot.Pair.String(), in.Book.Pair().String())
	}

	switch {
	case in.Stale:
		return Decision{Skip: "stale snapshot"}, nil
	case !in.Snapshot.Tradable():
		return Decision{Skip: "instrument is not tradable"}, nil
	}

	var d Decision
	d.Sells = e.sells(in)

	buy, skip := e.buy(in)
	d.Buy = buy
	if d.Empty() {
		d.Skip = skip
	}
	return d, nil
}

func (e *Engine) buy(in Input) (*domain.OrderIntent, string) {
	if !in.Book.CanBuy(in.Now, in.QuoteAvailable, e.thresholds) {
		if last := in.Book.LastBuyTime(); !last.IsZero() && in.Now.Sub(last) <= e.thresholds.Cooldown {
			return nil, "buy cooldown"
		}
		return nil, "not enough quote funds"
	}
	if !in.HasReference {
		return nil, "no reference price"
	}

	ask := in.Snapshot.BestAsk
	trigger := e.thresholds.BuyTrigger(in.Reference)
	if ask.GreaterThan(trigger) {
		return nil, "no buy signal"
	}

	return &domain.OrderIntent{
		Pair:        in.Pair,
		Side:        domain.SideBuy,
		QuoteAmount: e.thresholds.TradeSize,
		Price:       ask,
		Reason: fmt.Sprintf("ask %s <= %s (%s x reference %s)",
			ask.String(), trigger.String(), e.thresholds.BuyRatio.String(), in.Reference.String()),
	}, ""
}

func (e *Engine) sells(in Input) []domain.OrderIntent {
	bid := in.Snapshot.BestBid

	var out []domain.OrderIntent
	for _, open := range in.Book.Unmatched() {
		trigger := e.thresholds.SellTrigger(open.Price)
		if bid.LessThan(trigger) {
			break
		}
		out = append(out, domain.OrderIntent{
			Pair:         in.Pair,
			Side:         domain.SideSell,
			BaseAmount:   open.Remaining,
			Price:        bid,
			MatchedBuyID: open.TradeID,
			Reason: fmt.Sprintf("bid %s >= %s (%s x buy %s)",
				bid.String(), trigger.String(), e.thresholds.SellRatio.String(), open.Price.String()),
		})
	}
	return out
}
