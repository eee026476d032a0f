package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hirokisan/bybit/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/algotrader/internal/clients"
	"github.com/vadiminshakov/algotrader/internal/domain"
)

// fakeBybit serves v5 order create and order history. Orders show up in the
// history after hiddenPolls queries, then report status.
type fakeBybit struct {
	mu          sync.Mutex
	status      string
	hiddenPolls int32
	created     map[string]bybit.V5CreateOrderParam
	polls       atomic.Int32
}

func (f *fakeBybit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-BAPI-API-KEY") != "key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v5/order/create":
		var param bybit.V5CreateOrderParam
		if err := json.NewDecoder(r.Body).Decode(&param); err != nil || param.OrderLinkID == nil {
			fmt.Fprint(w, `{"retCode":10001,"retMsg":"params error","result":{},"time":1}`)
			return
		}
		if f.created == nil {
			f.created = make(map[string]bybit.V5CreateOrderParam)
		}
		f.created[*param.OrderLinkID] = param
		fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"o1","orderLinkId":%q},"time":1}`, *param.OrderLinkID)

	case r.Method == http.MethodGet && r.URL.Path == "/v5/order/history":
		link := r.URL.Query().Get("orderLinkId")
		param, ok := f.created[link]
		if !ok || f.polls.Add(1) <= f.hiddenPolls {
			fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[]},"time":1}`)
			return
		}
		qty, value := "0", "0"
		if f.status == "Filled" || f.status == "PartiallyFilledCanceled" {
			qty, value = "0.0016", "48"
		}
		fmt.Fprintf(w, `{"retCode":0,"retMsg":"OK","result":{"category":"spot","list":[{"symbol":"BTCEUR",
"orderId":"o1","orderLinkId":%q,"orderStatus":%q,"side":%q,"cumExecQty":%q,"cumExecValue":%q,
"updatedTime":"1704067260000"}]},"time":1}`, link, f.status, param.Side, qty, value)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeBybit) setStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeBybit) order(link string) bybit.V5CreateOrderParam {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[link]
}

func (f *fakeBybit) add(link string, side bybit.Side) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created == nil {
		f.created = make(map[string]bybit.V5CreateOrderParam)
	}
	f.created[link] = bybit.V5CreateOrderParam{Side: side}
}

func newBybitTrader(t *testing.T, fake *fakeBybit) *BybitTrader {
	t.Helper()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	trader := NewBybitTrader(clients.NewBybitClient("key", "secret", time.Second).WithBaseURL(server.URL))
	trader.pollInterval = time.Millisecond
	return trader
}

func TestBybitTrader_DispatchWaitsUntilVisible(t *testing.T) {
	fake := &fakeBybit{status: "Filled", hiddenPolls: 2}
	trader := newBybitTrader(t, fake)

	trade, err := trader.Dispatch(context.Background(), domain.OrderIntent{
		Pair:        btcEur,
		Side:        domain.SideBuy,
		QuoteAmount: dec("48.009"),
		Price:       dec("30000"),
	}, "cid-1")
	require.NoError(t, err)

	assert.Equal(t, "bybit-o1", trade.ID)
	assert.Equal(t, "cid-1", trade.ClientOrderID)
	assert.Equal(t, domain.SideBuy, trade.Side)
	assert.Equal(t, "0.0016", trade.BaseAmount.String())
	assert.Equal(t, "48", trade.QuoteAmount.String())
	assert.True(t, trade.Time.Equal(time.UnixMilli(1704067260000)))
	assert.Equal(t, int32(3), fake.polls.Load())

	created := fake.order("cid-1")
	assert.Equal(t, "48", created.Qty, "spot market buys are sized in quote coin")
	assert.Equal(t, bybit.OrderTypeMarket, created.OrderType)
}

func TestBybitTrader_SellSizedInBase(t *testing.T) {
	fake := &fakeBybit{status: "PartiallyFilledCanceled"}
	trader := newBybitTrader(t, fake)

	trade, err := trader.Dispatch(context.Background(), domain.OrderIntent{
		Pair:       btcEur,
		Side:       domain.SideSell,
		BaseAmount: dec("0.00169"),
	}, "cid-2")
	require.NoError(t, err)

	assert.Equal(t, domain.SideSell, trade.Side)
	assert.Equal(t, "0.0016", fake.order("cid-2").Qty)
}

func TestBybitTrader_CancelledIsRejected(t *testing.T) {
	fake := &fakeBybit{status: "Cancelled"}
	trader := newBybitTrader(t, fake)

	_, err := trader.Dispatch(context.Background(), domain.OrderIntent{
		Pair:        btcEur,
		Side:        domain.SideBuy,
		QuoteAmount: dec("50"),
	}, "cid-3")
	require.ErrorIs(t, err, ErrRejected)
}

func TestBybitTrader_DispatchNeverVisible(t *testing.T) {
	fake := &fakeBybit{status: "Filled", hiddenPolls: 1 << 30}
	trader := newBybitTrader(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := trader.Dispatch(ctx, domain.OrderIntent{
		Pair:        btcEur,
		Side:        domain.SideBuy,
		QuoteAmount: dec("50"),
	}, "cid-4")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRejected, "an order that may exist is not a rejection")
}

func TestBybitTrader_Lookup(t *testing.T) {
	fake := &fakeBybit{status: "New"}
	trader := newBybitTrader(t, fake)
	ctx := context.Background()

	_, found, err := trader.Lookup(ctx, btcEur, "unknown")
	require.ErrorIs(t, err, ErrNotVisible)
	assert.False(t, found)

	fake.add("cid-5", bybit.SideSell)
	_, found, err = trader.Lookup(ctx, btcEur, "cid-5")
	require.ErrorIs(t, err, ErrNotFilled)
	assert.False(t, found)

	fake.setStatus("Rejected")
	_, found, err = trader.Lookup(ctx, btcEur, "cid-5")
	require.NoError(t, err)
	assert.False(t, found)

	fake.setStatus("Filled")
	trade, found, err := trader.Lookup(ctx, btcEur, "cid-5")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.SideSell, trade.Side)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, _, err = trader.Lookup(canceled, btcEur, "cid-5")
	require.ErrorIs(t, err, context.Canceled)
}
