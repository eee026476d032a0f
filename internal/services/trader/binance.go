package trader

import (
	"context"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/algotrader/internal/domain"
	"github.com/vadiminshakov/algotrader/pkg/retrier"
)

const (
	binanceQuantityPrecision = 4
	binanceQuotePrecision    = 2

	binanceOrderNotFound = -2013
)

// BinanceTrader places spot market orders. Buys spend a quote amount, sells a base quantity.
type BinanceTrader struct {
	client       *binance.Client
	pollInterval time.Duration
}

func NewBinanceTrader(client *binance.Client) *BinanceTrader {
	return &BinanceTrader{client: client, pollInterval: defaultPollInterval}
}

func (t *BinanceTrader) Dispatch(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.Trade, error) {
	svc := t.client.NewCreateOrderService().Symbol(intent.Pair.Symbol()).
		Type(binance.OrderTypeMarket).
		NewClientOrderID(clientOrderID)

	if intent.Side == domain.SideBuy {
		quote := intent.QuoteAmount.RoundFloor(binanceQuotePrecision)
		if !quote.IsPositive() {
			return domain.Trade{}, errors.Wrapf(ErrRejected, "buy of %s is below precision", intent.QuoteAmount.String())
		}
		svc = svc.Side(binance.SideTypeBuy).QuoteOrderQty(quote.String())
	} else {
		amount, err := sellBaseAmount(intent, binanceQuantityPrecision)
		if err != nil {
			return domain.Trade{}, err
		}
		svc = svc.Side(binance.SideTypeSell).Quantity(amount.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) {
			return domain.Trade{}, errors.Wrap(ErrRejected, apiErr.Error())
		}
		return domain.Trade{}, errors.Wrap(err, "create binance order")
	}

	if resp.Status == binance.OrderStatusTypeFilled {
		return t.fill(strconv.FormatInt(resp.OrderID, 10), clientOrderID, intent.Pair, intent.Side,
			resp.ExecutedQuantity, resp.CummulativeQuoteQuantity, time.UnixMilli(resp.TransactTime))
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

func (t *BinanceTrader) Lookup(ctx context.Context, pair domain.TradingPair, clientOrderID string) (domain.Trade, bool, error) {
	order, err := t.client.NewGetOrderService().
		Symbol(pair.Symbol()).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == binanceOrderNotFound {
			return domain.Trade{}, false, nil
		}
		return domain.Trade{}, false, errors.Wrap(err, "failed to query binance order status")
	}

	switch order.Status {
	case binance.OrderStatusTypeFilled:
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeRejected, binance.OrderStatusTypeExpired:
		return domain.Trade{}, false, nil
	default:
		return domain.Trade{}, false, errors.Wrapf(ErrNotFilled, "order %s is %s", clientOrderID, order.Status)
	}

	side := domain.SideBuy
	if order.Side == binance.SideTypeSell {
		side = domain.SideSell
	}

	trade, err := t.fill(strconv.FormatInt(order.OrderID, 10), clientOrderID, pair, side,
		order.ExecutedQuantity, order.CummulativeQuoteQuantity, time.UnixMilli(order.UpdateTime))
	if err != nil {
		return domain.Trade{}, false, err
	}
	return trade, true, nil
}

func (t *BinanceTrader) fill(orderID, clientOrderID string, pair domain.TradingPair, side domain.Side,
	executed, cumulativeQuote string, at time.Time) (domain.Trade, error) {
	base, err := decimal.NewFromString(executed)
	if err != nil {
		return domain.Trade{}, errors.Wrap(err, "failed to parse executed quantity")
	}
	quote, err := decimal.NewFromString(cumulativeQuote)
	if err != nil {
		return domain.Trade{}, errors.Wrap(err, "failed to parse executed quote quantity")
	}
	return newTrade("binance-"+orderID, clientOrderID, pair, side, base, quote, at)
}
