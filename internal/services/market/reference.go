package market

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// DefaultReferenceWindow number of accepted snapshots averaged into the reference price.
const DefaultReferenceWindow = 3600

// ReferenceWindow trailing average of last prices per pair.
type ReferenceWindow struct {
	mu      sync.RWMutex
	size    int
	windows map[domain.TradingPair]*window
}

type window struct {
	prices []decimal.Decimal
	next   int
	count  int
	sum    decimal.Decimal
}

// NewReferenceWindow averages over the most recent size prices.
func NewReferenceWindow(size int) *ReferenceWindow {
	if size <= 0 {
		size = DefaultReferenceWindow
	}
	return &ReferenceWindow{
		size:    size,
		windows: make(map[domain.TradingPair]*window),
	}
}

// Add pushes the last price of an accepted snapshot.
func (r *ReferenceWindow) Add(pair domain.TradingPair, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[pair]
	if !ok {
		w = &window{prices: make([]decimal.Decimal, r.size), sum: decimal.Zero}
		r.windows[pair] = w
	}

	if w.count == r.size {
		w.sum = w.sum.Sub(w.prices[w.next])
	} else {
		w.count++
	}
	w.prices[w.next] = price
	w.sum = w.sum.Add(price)
	w.next = (w.next + 1) % r.size
}

// Reference returns the trailing average and false when no price was seen yet.
func (r *ReferenceWindow) Reference(pair domain.TradingPair) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.windows[pair]
	if !ok || w.count == 0 {
		return decimal.Zero, false
	}
	return w.sum.Div(decimal.NewFromInt(int64(w.count))), true
}

// Len returns the number of prices currently averaged for the pair.
func (r *ReferenceWindow) Len(pair domain.TradingPair) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if w, ok := r.windows[pair]; ok {
		return w.count
	}
	return 0
}
