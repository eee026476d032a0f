package market

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// BinanceSource reads 24h rolling ticker statistics; the last trade id is the sequence.
type BinanceSource struct {
	client *binance.Client
}

func NewBinanceSource(client *binance.Client) *BinanceSource {
	return &BinanceSource{client: client}
}

func (s *BinanceSource) Ticker(ctx context.Context, pair domain.TradingPair) (domain.MarketSnapshot, error) {
	stats, err := s.client.NewListPriceChangeStatsService().Symbol(pair.Symbol()).Do(ctx)
	if err != nil {
		return domain.MarketSnapshot{}, errors.Wrapf(err, "fetch %s ticker", pair.String())
	}
	if len(stats) == 0 || stats[0] == nil {
		return domain.MarketSnapshot{}, errors.Wrapf(domain.ErrInsufficientData, "binance returned no ticker for %s", pair.String())
	}
	st := stats[0]

	if st.LastID < 0 {
		return domain.MarketSnapshot{}, errors.Wrapf(domain.ErrMalformedSnapshot, "%s has no trades", pair.String())
	}

	p := &decimalParser{}
	snapshot := domain.MarketSnapshot{
		Pair:                  pair,
		Sequence:              uint64(st.LastID),
		State:                 "ACTIVE",
		Time:                  time.UnixMilli(st.CloseTime).UTC(),
		BestBid:               p.parse("bid", st.BidPrice),
		BestAsk:               p.parse("ask", st.AskPrice),
		LastPrice:             p.parse("last price", st.LastPrice),
		BaseVolume:            p.parse("volume", st.Volume),
		QuoteVolume:           p.parse("quote volume", st.QuoteVolume),
		High:                  p.parse("high", st.HighPrice),
		Low:                   p.parse("low", st.LowPrice),
		PriceChange:           p.parse("price change", st.PriceChange),
		PriceChangePercentage: p.parse("price change percent", st.PriceChangePercent),
	}
	if p.err != nil {
		return domain.MarketSnapshot{}, errors.Wrapf(p.err, "binance %s", pair.String())
	}
	return snapshot, nil
}

// decimalParser parses a series of exchange fields keeping the first failure.
type decimalParser struct {
	err error
}

func (p *decimalParser) parse(field, value string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.err = errors.Wrapf(domain.ErrMalformedSnapshot, "%s %q", field, value)
		return decimal.Zero
	}
	return d
}
