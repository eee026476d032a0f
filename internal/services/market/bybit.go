package market

import (
	"context"
	"sync"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// BybitSource reads v5 spot tickers. The API has no ticker sequence,
// so every changed ticker gets a local monotonic one.
type BybitSource struct {
	client *bybit.Client

	mu   sync.Mutex
	seq  map[domain.TradingPair]uint64
	last map[domain.TradingPair]domain.MarketSnapshot
	now  func() time.Time
}

func NewBybitSource(client *bybit.Client) *BybitSource {
	return &BybitSource{
		client: client,
		seq:    make(map[domain.TradingPair]uint64),
		last:   make(map[domain.TradingPair]domain.MarketSnapshot),
		now:    time.Now,
	}
}

// Ticker fetches one spot ticker. The bybit client takes no context; its HTTP timeout bounds the call.
func (s *BybitSource) Ticker(ctx context.Context, pair domain.TradingPair) (domain.MarketSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.MarketSnapshot{}, err
	}
	symbol := bybit.SymbolV5(pair.Symbol())

	result, err := s.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybit.CategoryV5Spot,
		Symbol:   &symbol,
	})
	if err != nil {
		return domain.MarketSnapshot{}, errors.Wrapf(err, "fetch %s ticker", pair.String())
	}
	if result.Result.Spot == nil || len(result.Result.Spot.List) == 0 {
		return domain.MarketSnapshot{}, errors.Wrapf(domain.ErrInsufficientData, "bybit returned no ticker for %s", pair.String())
	}
	item := result.Result.Spot.List[0]

	p := &decimalParser{}
	snapshot := domain.MarketSnapshot{
		Pair:                  pair,
		State:                 "ACTIVE",
		BestBid:               p.parse("bid", item.Bid1Price),
		BestAsk:               p.parse("ask", item.Ask1Price),
		LastPrice:             p.parse("last price", item.LastPrice),
		BaseVolume:            p.parse("volume", item.Volume24H),
		QuoteVolume:           p.parse("turnover", item.Turnover24H),
		High:                  p.parse("high", item.HighPrice24H),
		Low:                   p.parse("low", item.LowPrice24H),
		PriceChangePercentage: p.parse("price change percent", item.Price24HPcnt),
	}
	if p.err != nil {
		return domain.MarketSnapshot{}, errors.Wrapf(p.err, "bybit %s", pair.String())
	}
	snapshot.PriceChange = snapshot.LastPrice.Sub(p.parse("prev price", item.PrevPrice24H))
	if p.err != nil {
		return domain.MarketSnapshot{}, errors.Wrapf(p.err, "bybit %s", pair.String())
	}

	return s.sequence(snapshot), nil
}

// sequence keeps the previous sequence for an unchanged ticker and bumps it otherwise.
func (s *BybitSource) sequence(snapshot domain.MarketSnapshot) domain.MarketSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	snapshot.Time = now

	prev, ok := s.last[snapshot.Pair]
	if ok && sameQuote(prev, snapshot) {
		snapshot.Sequence = prev.Sequence
		return snapshot
	}

	next := uint64(now.UnixNano())
	if next <= s.seq[snapshot.Pair] {
		next = s.seq[snapshot.Pair] + 1
	}
	s.seq[snapshot.Pair] = next
	snapshot.Sequence = next
	s.last[snapshot.Pair] = snapshot
	return snapshot
}

func sameQuote(a, b domain.MarketSnapshot) bool {
	return a.BestBid.Equal(b.BestBid) && a.BestAsk.Equal(b.BestAsk) &&
		a.LastPrice.Equal(b.LastPrice) && a.BaseVolume.Equal(b.BaseVolume)
}
