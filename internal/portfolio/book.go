package portfolio

import (
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// OpenBuy buy whose acquired amount is not yet fully sold.
type OpenBuy struct {
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Remaining decimal.Decimal `json:"remaining"`
	Time      time.Time       `json:"time"`
}

// Book unmatched buys of one pair ordered by price ascending.
type Book struct {
	pair    domain.TradingPair
	open    []OpenBuy
	lastBuy time.Time
}

// NewBook creates an empty book for the pair.
func NewBook(pair domain.TradingPair) *Book {
	return &Book{pair: pair, open: make([]OpenBuy, 0)}
}

// Pair returns the pair the book belongs to.
func (b *Book) Pair() domain.TradingPair {
	return b.pair
}

// Apply folds a trade of the book's pair into the queue.
// Buys are inserted keeping price order, sells consume the cheapest buys first.
// A sell exceeding the unmatched amount empties the queue and returns ErrOverdraftedSell.
func (b *Book) Apply(t domain.Trade) error {
	if t.Pair != b.pair {
		return errors.Errorf("trade %s of pair %s applied to book %s", t.ID, t.Pair.String(), b.pair.String())
	}

	switch t.Side {
	case domain.SideBuy:
		b.insert(OpenBuy{
			TradeID:   t.ID,
			Price:     t.Price,
			Remaining: t.BaseAmount,
			Time:      t.Time,
		})
		if t.Time.After(b.lastBuy) {
			b.lastBuy = t.Time
		}
	case domain.SideSell:
		holding := b.Holding()
		b.consume(t.BaseAmount)
		if t.BaseAmount.GreaterThan(holding) {
			return errors.Wrapf(domain.ErrOverdraftedSell, "sell %s of %s exceeds unmatched %s",
				t.ID, t.BaseAmount.String(), holding.String())
		}
	default:
		return errors.Errorf("invalid trade side %q", t.Side)
	}

	return nil
}

// insert places the buy after every entry with a lower or equal price, so ties keep ledger order.
func (b *Book) insert(buy OpenBuy) {
	i := sort.Search(len(b.open), func(i int) bool {
		return b.open[i].Price.GreaterThan(buy.Price)
	})
	b.open = append(b.open, OpenBuy{})
	copy(b.open[i+1:], b.open[i:])
	b.open[i] = buy
}

func (b *Book) consume(amount decimal.Decimal) {
	remaining := amount

	for len(b.open) > 0 && remaining.IsPositive() {
		front := b.open[0]

		if front.Remaining.LessThanOrEqual(remaining) {
			remaining = remaining.Sub(front.Remaining)
			b.open = b.open[1:]
			continue
		}

		front.Remaining = front.Remaining.Sub(remaining)
		b.open[0] = front
		remaining = decimal.Zero
	}
}

// Unmatched returns a copy of the queue, cheapest first.
func (b *Book) Unmatched() []OpenBuy {
	out := make([]OpenBuy, len(b.open))
	copy(out, b.open)
	return out
}

// CanSell returns the number of unmatched buys.
func (b *Book) CanSell() int {
	return len(b.open)
}

// Holding returns the total unmatched base amount.
func (b *Book) Holding() decimal.Decimal {
	total := decimal.Zero
	for _, buy := range b.open {
		total = total.Add(buy.Remaining)
	}
	return total
}

// LastBuyTime returns the time of the most recent buy, zero if none.
func (b *Book) LastBuyTime() time.Time {
	return b.lastBuy
}

// CanBuy reports whether the cooldown elapsed and the quote balance covers one trade.
func (b *Book) CanBuy(now time.Time, quoteBalance decimal.Decimal, th domain.Thresholds) bool {
	if !b.lastBuy.IsZero() && now.Sub(b.lastBuy) <= th.Cooldown {
		return false
	}
	return quoteBalance.GreaterThanOrEqual(th.TradeSize)
}

// Clone returns an independent copy of the book.
func (b *Book) Clone() *Book {
	return &Book{
		pair:    b.pair,
		open:    b.Unmatched(),
		lastBuy: b.lastBuy,
	}
}

// Equal compares queues and last buy time by value.
func (b *Book) Equal(other *Book) bool {
	if b.pair != other.pair || !b.lastBuy.Equal(other.lastBuy) || len(b.open) != len(other.open) {
		return false
	}
	for i := range b.open {
		x, y := b.open[i], other.open[i]
		if x.TradeID != y.TradeID || !x.Price.Equal(y.Price) || !x.Remaining.Equal(y.Remaining) {
			return false
		}
	}
	return true
}
