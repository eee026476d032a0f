// Package market fetches ticker snapshots and keeps the latest accepted one per pair.
package market

import (
	"context"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// Source fetches the current ticker of a pair.
type Source interface {
	Ticker(ctx context.Context, pair domain.TradingPair) (domain.MarketSnapshot, error)
}

// BulkSource fetches the tickers of every listed instrument in one call.
type BulkSource interface {
	Source
	Tickers(ctx context.Context) ([]domain.MarketSnapshot, error)
}
