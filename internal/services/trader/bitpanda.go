package trader

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/algotrader/internal/clients"
	"github.com/vadiminshakov/algotrader/internal/domain"
	"github.com/vadiminshakov/algotrader/pkg/retrier"
)

const bitpandaDefaultPrecision = 8

// BitpandaTrader places market orders on Bitpanda Pro and polls them until filled.
type BitpandaTrader struct {
	l            *zap.Logger
	client       *clients.BitpandaClient
	pollInterval time.Duration

	mu        sync.Mutex
	precision map[domain.TradingPair]int32
}

func NewBitpandaTrader(l *zap.Logger, client *clients.BitpandaClient) (*BitpandaTrader, error) {
	if !client.HasCredentials() {
		return nil, errors.New("bitpanda trader requires BITPANDA_API_KEY")
	}
	return &BitpandaTrader{
		l:            l,
		client:       client,
		pollInterval: defaultPollInterval,
	}, nil
}

func (t *BitpandaTrader) Dispatch(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.Trade, error) {
	precision := t.amountPrecision(ctx, intent.Pair)

	var (
		amount decimal.Decimal
		err    error
	)
	if intent.Side == domain.SideBuy {
		amount, err = buyBaseAmount(intent, precision)
	} else {
		amount, err = sellBaseAmount(intent, precision)
	}
	if err != nil {
		return domain.Trade{}, err
	}

	_, err = t.client.CreateOrder(ctx, clients.BitpandaOrderRequest{
		InstrumentCode: intent.Pair.String(),
		Side:           strings.ToUpper(intent.Side.String()),
		Type:           "MARKET",
		Amount:         amount.String(),
		ClientID:       clientOrderID,
	})
	if err != nil {
		var apiErr *clients.BitpandaAPIError
		if errors.As(err, &apiErr) && apiErr.Rejected() {
			return domain.Trade{}, errors.Wrap(ErrRejected, apiErr.Error())
		}
		return domain.Trade{}, errors.Wrap(err, "create bitpanda order")
	}

	poll := retrier.New(
		retrier.WithMaxRetries(-1),
		retrier.WithInitialInterval(t.pollInterval),
		retrier.WithMaxInterval(4*t.pollInterval),
	)
	return retrier.DoWithData(poll, ctx, func(ctx context.Context) (domain.Trade, error) {
		trade, found, err := t.Lookup(ctx, intent.Pair, clientOrderID)
		switch {
		case err != nil:
			return domain.Trade{}, err
		case !found:
			return domain.Trade{}, retrier.Permanent(errors.Wrapf(ErrRejected, "order %s ended unfilled", clientOrderID))
		}
		return trade, nil
	})
}

// Lookup returns the fill of the order. An open order or one not yet visible yields ErrNotFilled.
func (t *BitpandaTrader) Lookup(ctx context.Context, pair domain.TradingPair, clientOrderID string) (domain.Trade, bool, error) {
	details, err := t.client.OrderByClientID(ctx, clientOrderID)
	if err != nil {
		if errors.Is(err, clients.ErrBitpandaNotFound) {
			return domain.Trade{}, false, errors.Wrapf(ErrNotFilled, "order %s not visible", clientOrderID)
		}
		return domain.Trade{}, false, errors.Wrap(err, "query bitpanda order")
	}

	if details.Dead() {
		return domain.Trade{}, false, nil
	}
	if !details.Filled() {
		return domain.Trade{}, false, errors.Wrapf(ErrNotFilled, "order %s is %s", clientOrderID, details.Order.Status)
	}

	base, quote := decimal.Zero, decimal.Zero
	at := details.Order.Time
	for _, fill := range details.Trades {
		base = base.Add(fill.Trade.Amount)
		quote = quote.Add(fill.Trade.Amount.Mul(fill.Trade.Price))
		if fill.Trade.Time.After(at) {
			at = fill.Trade.Time
		}
	}

	side := domain.SideBuy
	if strings.EqualFold(details.Order.Side, "SELL") {
		side = domain.SideSell
	}

	trade, err := newTrade(details.Order.OrderID, clientOrderID, pair, side, base, quote, at)
	if err != nil {
		return domain.Trade{}, false, err
	}
	return trade, true, nil
}

// amountPrecision returns the instrument amount precision, loading the instrument list once.
func (t *BitpandaTrader) amountPrecision(ctx context.Context, pair domain.TradingPair) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.precision == nil {
		instruments, err := t.client.Instruments(ctx)
		if err != nil {
			t.l.Warn("failed to load bitpanda instruments, using default precision", zap.Error(err))
			return bitpandaDefaultPrecision
		}
		t.precision = make(map[domain.TradingPair]int32, len(instruments))
		for _, in := range instruments {
			p, err := domain.ParsePair(in.Base.Code + "_" + in.Quote.Code)
			if err != nil {
				continue
			}
			t.precision[p] = in.AmountPrecision
		}
	}

	if p, ok := t.precision[pair]; ok {
		return p
	}
	return bitpandaDefaultPrecision
}
