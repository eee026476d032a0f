package trader

import (
	"context"
	"strconv"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
	"github.com/vadiminshakov/algotrader/pkg/retrier"
)

const (
	bybitQuantityPrecision = 4
	bybitQuotePrecision    = 2
)

// BybitTrader places v5 spot market orders tagged with the client order id as orderLinkId.
type BybitTrader struct {
	client       *bybit.Client
	pollInterval time.Duration
}

func NewBybitTrader(client *bybit.Client) *BybitTrader {
	return &BybitTrader{client: client, pollInterval: defaultPollInterval}
}

func (t *BybitTrader) Dispatch(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.Trade, error) {
	param := bybit.V5CreateOrderParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      bybit.SymbolV5(intent.Pair.Symbol()),
		OrderType:   bybit.OrderTypeMarket,
		OrderLinkID: &clientOrderID,
	}

	// spot market buys are sized in quote coin, sells in base coin
	if intent.Side == domain.SideBuy {
		quote := intent.QuoteAmount.RoundFloor(bybitQuotePrecision)
		if !quote.IsPositive() {
			return domain.Trade{}, errors.Wrapf(ErrRejected, "buy of %s is below precision", intent.QuoteAmount.String())
		}
		param.Side = bybit.SideBuy
		param.Qty = quote.String()
	} else {
		amount, err := sellBaseAmount(intent, bybitQuantityPrecision)
		if err != nil {
			return domain.Trade{}, err
		}
		param.Side = bybit.SideSell
		param.Qty = amount.String()
	}

	// a failed create is not treated as a rejection: the order may exist, Lookup settles it
	if _, err := t.client.V5().Order().CreateOrder(param); err != nil {
		return domain.Trade{}, errors.Wrap(err, "failed to create bybit order")
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

func (t *BybitTrader) Lookup(ctx context.Context, pair domain.TradingPair, clientOrderID string) (domain.Trade, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Trade{}, false, err
	}

	symbol := bybit.SymbolV5(pair.Symbol())
	res, err := t.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
		Category:    bybit.CategoryV5Spot,
		Symbol:      &symbol,
		OrderLinkID: &clientOrderID,
	})
	if err != nil {
		return domain.Trade{}, false, errors.Wrap(err, "failed to query bybit order history")
	}
	if len(res.Result.List) == 0 {
		return domain.Trade{}, false, errors.Wrapf(ErrNotVisible, "order %s", clientOrderID)
	}
	order := res.Result.List[0]

	switch string(order.OrderStatus) {
	case "Filled":
	case "Cancelled", "Rejected", "Deactivated":
		return domain.Trade{}, false, nil
	case "PartiallyFilledCanceled":
		// a market order cancelled after a partial execution still moved funds
	default:
		return domain.Trade{}, false, errors.Wrapf(ErrNotFilled, "order %s is %s", clientOrderID, order.OrderStatus)
	}

	base, err := decimal.NewFromString(order.CumExecQty)
	if err != nil {
		return domain.Trade{}, false, errors.Wrap(err, "failed to parse executed quantity")
	}
	quote, err := decimal.NewFromString(order.CumExecValue)
	if err != nil {
		return domain.Trade{}, false, errors.Wrap(err, "failed to parse executed value")
	}

	at := time.Now()
	if ms, err := strconv.ParseInt(order.UpdatedTime, 10, 64); err == nil {
		at = time.UnixMilli(ms)
	}

	side := domain.SideBuy
	if string(order.Side) == string(bybit.SideSell) {
		side = domain.SideSell
	}

	trade, err := newTrade("bybit-"+order.OrderID, clientOrderID, pair, side, base, quote, at)
	if err != nil {
		return domain.Trade{}, false, err
	}
	return trade, true, nil
}
