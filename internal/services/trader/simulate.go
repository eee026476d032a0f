package trader

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

// SimulateTrader fills every order immediately at the cached ask (buys) or bid (sells).
type SimulateTrader struct {
	mu     sync.RWMutex
	logger *zap.Logger
	quotes Quotes
	orders map[string]domain.Trade
	now    func() time.Time
}

// NewSimulateTrader creates a new SimulateTrader.
func NewSimulateTrader(logger *zap.Logger, quotes Quotes) (*SimulateTrader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if quotes == nil {
		return nil, errors.New("quotes are required for SimulateTrader")
	}
	return &SimulateTrader{
		logger: logger,
		quotes: quotes,
		orders: make(map[string]domain.Trade),
		now:    time.Now,
	}, nil
}

func (t *SimulateTrader) Dispatch(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.Trade, error) {
	if err := ctx.Err(); err != nil {
		return domain.Trade{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if trade, ok := t.orders[clientOrderID]; ok {
		return trade, nil
	}

	entry, ok := t.quotes.Latest(intent.Pair)
	if !ok {
		return domain.Trade{}, errors.Wrapf(domain.ErrInsufficientData, "no quote for %s", intent.Pair.String())
	}
	quote := entry.Snapshot
	if !quote.Tradable() {
		return domain.Trade{}, errors.Wrapf(ErrRejected, "%s is not tradable", intent.Pair.String())
	}

	trade := domain.Trade{
		ID:            "sim-" + clientOrderID,
		ClientOrderID: clientOrderID,
		Pair:          intent.Pair,
		Side:          intent.Side,
		Time:          t.now().UTC(),
	}

	switch intent.Side {
	case domain.SideBuy:
		// the whole quote amount is spent, no lot size rounding
		trade.Price = quote.BestAsk
		trade.BaseAmount = intent.QuoteAmount.Div(quote.BestAsk)
		trade.QuoteAmount = intent.QuoteAmount
	case domain.SideSell:
		trade.Price = quote.BestBid
		trade.BaseAmount = intent.BaseAmount
		trade.QuoteAmount = intent.BaseAmount.Mul(quote.BestBid)
	default:
		return domain.Trade{}, errors.Wrapf(ErrRejected, "unknown side %q", intent.Side)
	}

	if err := trade.Validate(); err != nil {
		return domain.Trade{}, errors.Wrapf(ErrRejected, "simulated fill: %s", err)
	}

	t.orders[clientOrderID] = trade
	t.logger.Info("simulated fill",
		zap.String("pair", trade.Pair.String()),
		zap.String("side", trade.Side.String()),
		zap.String("price", trade.Price.String()),
		zap.String("base", trade.BaseAmount.String()),
		zap.String("quote", trade.QuoteAmount.String()))

	return trade, nil
}

func (t *SimulateTrader) Lookup(_ context.Context, _ domain.TradingPair, clientOrderID string) (domain.Trade, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	trade, ok := t.orders[clientOrderID]
	return trade, ok, nil
}
