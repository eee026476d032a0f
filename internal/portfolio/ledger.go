// Package portfolio keeps the trade ledger and the virtual wallet and books derived from it.
package portfolio

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// Store durable ledger backend.
type Store interface {
	Append(trade domain.Trade) error
}

// Ledger append-only list of executed trades.
type Ledger struct {
	mu     sync.RWMutex
	store  Store
	trades []domain.Trade
	ids    map[string]struct{}
}

// NewLedger creates a ledger seeded with previously persisted trades.
// A nil store keeps the ledger in memory only.
func NewLedger(store Store, trades []domain.Trade) *Ledger {
	l := &Ledger{
		store:  store,
		trades: make([]domain.Trade, 0, len(trades)),
		ids:    make(map[string]struct{}, len(trades)),
	}
	for _, t := range trades {
		l.trades = append(l.trades, t)
		l.ids[t.ID] = struct{}{}
	}
	return l
}

// Append validates and durably appends the trade.
func (l *Ledger) Append(trade domain.Trade) error {
	if err := trade.Validate(); err != nil {
		return errors.Wrap(err, "invalid trade")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ids[trade.ID]; ok {
		return errors.Errorf("trade %s already recorded", trade.ID)
	}

	if l.store != nil {
		if err := l.store.Append(trade); err != nil {
			return errors.Wrapf(domain.ErrTradingHalted, "persist trade %s: %s", trade.ID, err)
		}
	}

	l.trades = append(l.trades, trade)
	l.ids[trade.ID] = struct{}{}
	return nil
}

// Trades returns a consistent copy of the ledger in append order.
func (l *Ledger) Trades() []domain.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]domain.Trade, len(l.trades))
	copy(out, l.trades)
	return out
}

// HasClientOrder reports whether a trade produced by the given client order id is recorded.
func (l *Ledger) HasClientOrder(clientOrderID string) bool {
	if clientOrderID == "" {
		return false
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, t := range l.trades {
		if t.ClientOrderID == clientOrderID {
			return true
		}
	}
	return false
}

// Len returns the number of recorded trades.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.trades)
}
