package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// Wallet virtual balance per currency.
type Wallet struct {
	balances map[domain.Currency]decimal.Decimal
}

// NewWallet creates a wallet holding the initial balances.
func NewWallet(initial map[domain.Currency]decimal.Decimal) *Wallet {
	w := &Wallet{balances: make(map[domain.Currency]decimal.Decimal, len(initial))}
	for c, amount := range initial {
		w.balances[c] = amount
	}
	return w
}

// Apply folds one trade into the balances.
func (w *Wallet) Apply(t domain.Trade) {
	switch t.Side {
	case domain.SideBuy:
		w.balances[t.Pair.Quote] = w.balances[t.Pair.Quote].Sub(t.QuoteAmount)
		w.balances[t.Pair.Base] = w.balances[t.Pair.Base].Add(t.BaseAmount)
	case domain.SideSell:
		w.balances[t.Pair.Base] = w.balances[t.Pair.Base].Sub(t.BaseAmount)
		w.balances[t.Pair.Quote] = w.balances[t.Pair.Quote].Add(t.QuoteAmount)
	}
}

// Balance returns the amount held in the currency.
func (w *Wallet) Balance(c domain.Currency) decimal.Decimal {
	return w.balances[c]
}

// Balances returns a copy of all balances.
func (w *Wallet) Balances() map[domain.Currency]decimal.Decimal {
	out := make(map[domain.Currency]decimal.Decimal, len(w.balances))
	for c, amount := range w.balances {
		out[c] = amount
	}
	return out
}

// Equal compares balances by value; a missing currency equals zero.
func (w *Wallet) Equal(other *Wallet) bool {
	return balancesEqual(w.balances, other.balances)
}

func balancesEqual(a, b map[domain.Currency]decimal.Decimal) bool {
	for c, amount := range a {
		if !amount.Equal(b[c]) {
			return false
		}
	}
	for c, amount := range b {
		if !amount.Equal(a[c]) {
			return false
		}
	}
	return true
}
