package events

import (
	"sync"
	"time"
)

// PortfolioSnapshot is the state of the virtual portfolio after a tick.
// Amounts are decimal strings so web/UI layers never see float rounding.
type PortfolioSnapshot struct {
	Timestamp time.Time         `json:"ts"`
	Tick      uint64            `json:"tick"`
	Balances  map[string]string `json:"balances"`
	Reserved  map[string]string `json:"reserved,omitempty"`
	Books     []BookView        `json:"books"`
	Prices    []PriceView       `json:"prices"`
	Halted    []string          `json:"halted,omitempty"`
}

// BookView unmatched buys of a pair, cheapest first.
type BookView struct {
	Pair    string        `json:"pair"`
	Holding string        `json:"holding"`
	LastBuy *time.Time    `json:"last_buy,omitempty"`
	Open    []OpenBuyView `json:"open"`
}

type OpenBuyView struct {
	TradeID   string    `json:"trade_id"`
	Price     string    `json:"price"`
	Remaining string    `json:"remaining"`
	Time      time.Time `json:"time"`
}

// PriceView last accepted snapshot of a pair.
type PriceView struct {
	Pair      string    `json:"pair"`
	Sequence  uint64    `json:"sequence"`
	Bid       string    `json:"bid"`
	Ask       string    `json:"ask"`
	Last      string    `json:"last"`
	Reference string    `json:"reference,omitempty"`
	Frozen    bool      `json:"frozen"`
	Stale     bool      `json:"stale"`
	SeenAt    time.Time `json:"seen_at"`
}

// PortfolioBroadcaster fans out snapshots to all subscribers via buffered channels
// and remembers the latest one for new readers.
type PortfolioBroadcaster struct {
	mu     sync.RWMutex
	subs   map[chan PortfolioSnapshot]struct{}
	buffer int
	latest *PortfolioSnapshot
}

// NewPortfolioBroadcaster creates a broadcaster with the given per-subscriber buffer.
func NewPortfolioBroadcaster(buffer int) *PortfolioBroadcaster {
	if buffer < 1 {
		buffer = 16
	}
	return &PortfolioBroadcaster{
		subs:   make(map[chan PortfolioSnapshot]struct{}),
		buffer: buffer,
	}
}

// Publish sends the snapshot to all subscribers, dropping if a reader is slow.
func (b *PortfolioBroadcaster) Publish(s PortfolioSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest = &s
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
			// drop slow consumer
		}
	}
}

// Latest returns the last published snapshot.
func (b *PortfolioBroadcaster) Latest() (PortfolioSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.latest == nil {
		return PortfolioSnapshot{}, false
	}
	return *b.latest, true
}

// Subscribe returns a channel that receives snapshots until Unsubscribe is called.
func (b *PortfolioBroadcaster) Subscribe() chan PortfolioSnapshot {
	ch := make(chan PortfolioSnapshot, b.buffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the channel and closes it.
func (b *PortfolioBroadcaster) Unsubscribe(ch chan PortfolioSnapshot) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
