package market

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/algotrader/internal/clients"
	"github.com/vadiminshakov/algotrader/internal/domain"
)

// BitpandaSource reads Bitpanda Pro public market tickers.
type BitpandaSource struct {
	l      *zap.Logger
	client *clients.BitpandaClient
}

func NewBitpandaSource(l *zap.Logger, client *clients.BitpandaClient) *BitpandaSource {
	return &BitpandaSource{l: l, client: client}
}

// Ticker fetches the ticker of one instrument.
func (s *BitpandaSource) Ticker(ctx context.Context, pair domain.TradingPair) (domain.MarketSnapshot, error) {
	raw, err := s.client.MarketTicker(ctx, pair.String())
	if err != nil {
		return domain.MarketSnapshot{}, errors.Wrapf(err, "fetch %s ticker", pair.String())
	}

	snapshot, err := domain.DecodeMarketSnapshot(raw)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	if snapshot.Pair != pair {
		return domain.MarketSnapshot{}, errors.Wrapf(domain.ErrMalformedSnapshot, "requested %s, got %s",
			pair.String(), snapshot.Pair.String())
	}
	return snapshot, nil
}

// Tickers fetches all instruments. Records that fail to decode are skipped, unknown currencies included.
func (s *BitpandaSource) Tickers(ctx context.Context) ([]domain.MarketSnapshot, error) {
	raws, err := s.client.MarketTickers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "fetch tickers")
	}

	out := make([]domain.MarketSnapshot, 0, len(raws))
	for _, raw := range raws {
		snapshot, err := domain.DecodeMarketSnapshot(raw)
		if err != nil {
			s.l.Debug("skip ticker record", zap.Error(err))
			continue
		}
		out = append(out, snapshot)
	}
	return out, nil
}
