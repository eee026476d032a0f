package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/algotrader/internal/domain"
	"github.com/vadiminshakov/algotrader/internal/events"
	"github.com/vadiminshakov/algotrader/internal/portfolio"
	"github.com/vadiminshakov/algotrader/internal/services/market"
	"github.com/vadiminshakov/algotrader/internal/services/strategy/dip"
	"github.com/vadiminshakov/algotrader/internal/services/trader"
	"github.com/vadiminshakov/algotrader/internal/storage/intents"
)

var (
	dogeEur = domain.MustParsePair("DOGE_EUR")
	xrpEur  = domain.MustParsePair("XRP_EUR")
)

type scriptedSource struct {
	mu        sync.Mutex
	snapshots map[domain.TradingPair]domain.MarketSnapshot
	err       error
}

func (s *scriptedSource) set(snapshot domain.MarketSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots == nil {
		s.snapshots = make(map[domain.TradingPair]domain.MarketSnapshot)
	}
	s.snapshots[snapshot.Pair] = snapshot
	s.err = nil
}

func (s *scriptedSource) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *scriptedSource) Ticker(_ context.Context, pair domain.TradingPair) (domain.MarketSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.MarketSnapshot{}, s.err
	}
	snapshot, ok := s.snapshots[pair]
	if !ok {
		return domain.MarketSnapshot{}, errors.New("unknown instrument")
	}
	return snapshot, nil
}

type dispatcherMock struct {
	mock.Mock
}

func (m *dispatcherMock) Dispatch(ctx context.Context, intent domain.OrderIntent, clientOrderID string) (domain.Trade, error) {
	args := m.Called(ctx, intent, clientOrderID)
	return args.Get(0).(domain.Trade), args.Error(1)
}

func (m *dispatcherMock) Lookup(ctx context.Context, pair domain.TradingPair, clientOrderID string) (domain.Trade, bool, error) {
	args := m.Called(ctx, pair, clientOrderID)
	return args.Get(0).(domain.Trade), args.Bool(1), args.Error(2)
}

type memStore struct {
	mu     sync.Mutex
	trades []domain.Trade
	err    error
}

func (s *memStore) Append(trade domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.trades = append(s.trades, trade)
	return nil
}

type testEnv struct {
	bot         *TradingBot
	source      *scriptedSource
	store       *memStore
	portfolio   *portfolio.Portfolio
	journal     *intents.WALStore
	cache       *market.SnapshotCache
	broadcaster *events.PortfolioBroadcaster
	now         time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func snapshot(pair domain.TradingPair, seq uint64, bid, ask, last string) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Pair:      pair,
		Sequence:  seq,
		Time:      time.Now().UTC(),
		BestBid:   dec(bid),
		BestAsk:   dec(ask),
		LastPrice: dec(last),
	}
}

// newEnv wires a bot over in-memory collaborators. A nil dispatcher fills orders from the cache.
func newEnv(t *testing.T, dispatcher trader.Dispatcher, eur string, pairs ...domain.TradingPair) *testEnv {
	t.Helper()

	store := &memStore{}
	pf, err := portfolio.New(portfolio.NewLedger(store, nil), map[domain.Currency]decimal.Decimal{domain.EUR: dec(eur)})
	require.NoError(t, err)

	journal, err := intents.NewWALStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	cache := market.NewSnapshotCache(30 * time.Second)
	if dispatcher == nil {
		dispatcher, err = trader.NewSimulateTrader(zap.NewNop(), cache)
		require.NoError(t, err)
	}

	th, err := domain.NewThresholds(dec("50"), dec("0.975"), dec("1.05"), time.Hour)
	require.NoError(t, err)

	env := &testEnv{
		source:      &scriptedSource{},
		store:       store,
		portfolio:   pf,
		journal:     journal,
		cache:       cache,
		broadcaster: events.NewPortfolioBroadcaster(4),
		now:         time.Now(),
	}

	bot, err := NewTradingBot(zap.NewNop(), Options{
		Pairs:           pairs,
		Interval:        time.Second,
		FetchTimeout:    time.Second,
		DispatchTimeout: time.Second,
		MaxConcurrency:  4,
	}, Deps{
		Source:      env.source,
		Dispatcher:  dispatcher,
		Portfolio:   pf,
		Journal:     journal,
		Engine:      dip.NewEngine(th),
		Cache:       cache,
		Reference:   market.NewReferenceWindow(100),
		Broadcaster: env.broadcaster,
	})
	require.NoError(t, err)
	bot.now = func() time.Time { return env.now }
	env.bot = bot

	return env
}

func TestNewTradingBot(t *testing.T) {
	deps := Deps{
		Source:     &scriptedSource{},
		Dispatcher: &dispatcherMock{},
		Portfolio:  &portfolio.Portfolio{},
		Journal:    &intents.WALStore{},
		Engine:     &dip.Engine{},
		Cache:      market.NewSnapshotCache(time.Second),
		Reference:  market.NewReferenceWindow(10),
	}
	valid := Options{
		Pairs:           []domain.TradingPair{dogeEur},
		Interval:        time.Second,
		FetchTimeout:    time.Second,
		DispatchTimeout: time.Second,
	}

	tests := []struct {
		name    string
		modify  func(*Options, *Deps)
		wantErr string
	}{
		{name: "valid"},
		{name: "no pairs", modify: func(o *Options, _ *Deps) { o.Pairs = nil }, wantErr: "at least one pair"},
		{name: "duplicate pair", modify: func(o *Options, _ *Deps) { o.Pairs = []domain.TradingPair{dogeEur, dogeEur} }, wantErr: "configured twice"},
		{name: "zero interval", modify: func(o *Options, _ *Deps) { o.Interval = 0 }, wantErr: "interval"},
		{name: "zero timeout", modify: func(o *Options, _ *Deps) { o.DispatchTimeout = 0 }, wantErr: "timeouts"},
		{name: "no source", modify: func(_ *Options, d *Deps) { d.Source = nil }, wantErr: "required"},
		{name: "no cache", modify: func(_ *Options, d *Deps) { d.Cache = nil }, wantErr: "required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, d := valid, deps
			if tt.modify != nil {
				tt.modify(&opts, &d)
			}

			bot, err := NewTradingBot(zap.NewNop(), opts, d)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, bot)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, bot.opts.MaxConcurrency)
		})
	}
}

func TestTradingBot_BuyThenSell(t *testing.T) {
	env := newEnv(t, nil, "100", dogeEur)
	ctx := context.Background()

	env.source.set(snapshot(dogeEur, 1, "0.97", "0.974", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))

	trades := env.portfolio.Trades()
	require.Len(t, trades, 1)
	bought := trades[0]
	assert.Equal(t, domain.SideBuy, bought.Side)
	assert.Equal(t, "0.974", bought.Price.String())
	assert.Equal(t, "50", bought.QuoteAmount.String())
	assert.Equal(t, "50", env.portfolio.Balance(domain.EUR).String())
	assert.True(t, env.portfolio.Balance(domain.DOGE).Equal(bought.BaseAmount))

	env.advance(10 * time.Minute)
	env.source.set(snapshot(dogeEur, 2, "1.03", "1.04", "1.03"))
	require.NoError(t, env.bot.Tick(ctx))

	trades = env.portfolio.Trades()
	require.Len(t, trades, 2)
	sold := trades[1]
	assert.Equal(t, domain.SideSell, sold.Side)
	assert.Equal(t, "1.03", sold.Price.String())
	assert.True(t, sold.BaseAmount.Equal(bought.BaseAmount), "the whole acquired amount is sold")
	assert.True(t, env.portfolio.Balance(domain.DOGE).IsZero())
	assert.True(t, env.portfolio.Balance(domain.EUR).Equal(dec("50").Add(sold.QuoteAmount)))

	assert.Empty(t, env.journal.Pending())
	require.NoError(t, env.portfolio.Verify())
	assert.Len(t, env.store.trades, 2)

	published, ok := env.broadcaster.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(2), published.Tick)
	require.Len(t, published.Books, 1)
	assert.Empty(t, published.Books[0].Open)
	require.Len(t, published.Prices, 1)
	assert.Equal(t, uint64(2), published.Prices[0].Sequence)
	assert.False(t, published.Prices[0].Stale)
}

func TestTradingBot_OldSequenceIgnored(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur)
	ctx := context.Background()

	env.source.set(snapshot(dogeEur, 5, "0.99", "1.0", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))

	// a deep dip carried by an older sequence must not trigger a buy
	env.source.set(snapshot(dogeEur, 4, "0.5", "0.5", "0.5"))
	require.NoError(t, env.bot.Tick(ctx))

	entry, ok := env.cache.Latest(dogeEur)
	require.True(t, ok)
	assert.Equal(t, uint64(5), entry.Snapshot.Sequence)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestTradingBot_StaleSnapshotNotTraded(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur)
	ctx := context.Background()

	env.source.set(snapshot(dogeEur, 1, "0.99", "1.0", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))

	// dip accepted, then the feed goes silent past the staleness bound
	env.cache.Offer(snapshot(dogeEur, 2, "0.9", "0.9", "1.0"), env.now)
	env.source.fail(errors.New("connection refused"))
	env.advance(time.Minute)
	require.NoError(t, env.bot.Tick(ctx))

	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)

	published, ok := env.broadcaster.Latest()
	require.True(t, ok)
	require.Len(t, published.Prices, 1)
	assert.True(t, published.Prices[0].Stale)
	assert.Equal(t, uint64(2), published.Prices[0].Sequence, "stale snapshot kept for display")
}

func TestTradingBot_RejectedOrderIsRetriedNextTick(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur)
	ctx := context.Background()

	dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
		Return(domain.Trade{}, errors.Wrap(trader.ErrRejected, "insufficient funds")).Twice()

	env.source.set(snapshot(dogeEur, 1, "0.97", "0.974", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))
	assert.Empty(t, env.journal.Pending())

	env.advance(time.Second)
	require.NoError(t, env.bot.Tick(ctx))

	dispatcher.AssertExpectations(t)
	assert.Empty(t, env.portfolio.Trades())
	assert.Empty(t, env.portfolio.Reserved())
}

func TestTradingBot_UnknownOutcomeReconciledByLookup(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur)
	ctx := context.Background()

	var clientOrderID string
	dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { clientOrderID = args.String(2) }).
		Return(domain.Trade{}, context.DeadlineExceeded).Once()

	env.source.set(snapshot(dogeEur, 1, "0.97", "0.974", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))

	pending := env.journal.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, clientOrderID, pending[0].ID)

	// exchange still unsure: the pair is skipped
	dispatcher.On("Lookup", mock.Anything, dogeEur, clientOrderID).
		Return(domain.Trade{}, false, trader.ErrNotFilled).Once()
	env.advance(time.Second)
	require.NoError(t, env.bot.Tick(ctx))
	assert.Len(t, env.journal.Pending(), 1)

	filled := domain.Trade{
		ID:            "ex-1",
		ClientOrderID: clientOrderID,
		Pair:          dogeEur,
		Side:          domain.SideBuy,
		Price:         dec("0.974"),
		BaseAmount:    dec("50").Div(dec("0.974")),
		QuoteAmount:   dec("50"),
		Time:          env.now,
	}
	dispatcher.On("Lookup", mock.Anything, dogeEur, clientOrderID).Return(filled, true, nil).Once()
	env.advance(time.Second)
	require.NoError(t, env.bot.Tick(ctx))

	assert.Empty(t, env.journal.Pending())
	require.Len(t, env.portfolio.Trades(), 1)
	assert.Equal(t, "ex-1", env.portfolio.Trades()[0].ID)

	rec, ok := env.journal.Get(clientOrderID)
	require.True(t, ok)
	assert.Equal(t, intents.StatusDone, rec.Status)
	assert.Equal(t, "ex-1", rec.TradeID)

	// cooldown holds further buys, so Dispatch ran exactly once
	dispatcher.AssertExpectations(t)
}

func TestTradingBot_RunRecoversPendingIntents(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur)
	env.source.set(snapshot(dogeEur, 1, "0.99", "1.0", "1.0"))

	lost, err := env.journal.Prepare(domain.OrderIntent{
		Pair: dogeEur, Side: domain.SideBuy, QuoteAmount: dec("50"), Price: dec("0.974"),
	}, env.now)
	require.NoError(t, err)
	never, err := env.journal.Prepare(domain.OrderIntent{
		Pair: dogeEur, Side: domain.SideBuy, QuoteAmount: dec("50"), Price: dec("0.96"),
	}, env.now)
	require.NoError(t, err)

	dispatcher.On("Lookup", mock.Anything, dogeEur, lost.ID).Return(domain.Trade{
		ID:            "ex-7",
		ClientOrderID: lost.ID,
		Pair:          dogeEur,
		Side:          domain.SideBuy,
		Price:         dec("0.974"),
		BaseAmount:    dec("50").Div(dec("0.974")),
		QuoteAmount:   dec("50"),
		Time:          env.now,
	}, true, nil).Once()
	dispatcher.On("Lookup", mock.Anything, dogeEur, never.ID).Return(domain.Trade{}, false, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, env.bot.Run(ctx), context.Canceled)

	dispatcher.AssertExpectations(t)
	assert.Empty(t, env.journal.Pending())
	require.Len(t, env.portfolio.Trades(), 1)
	assert.Equal(t, "50", env.portfolio.Balance(domain.EUR).String())

	rec, ok := env.journal.Get(never.ID)
	require.True(t, ok)
	assert.Equal(t, intents.StatusFailed, rec.Status)
}

func TestTradingBot_SharedQuoteFunds(t *testing.T) {
	env := newEnv(t, nil, "60", dogeEur, xrpEur)

	env.source.set(snapshot(dogeEur, 1, "0.97", "0.974", "1.0"))
	env.source.set(snapshot(xrpEur, 1, "0.48", "0.485", "0.5"))
	require.NoError(t, env.bot.Tick(context.Background()))

	require.Len(t, env.portfolio.Trades(), 1, "60 EUR cover a single 50 EUR buy")
	assert.Equal(t, "10", env.portfolio.Balance(domain.EUR).String())
	assert.Empty(t, env.portfolio.Reserved())
}

func TestTradingBot_LedgerFailureHaltsTrading(t *testing.T) {
	env := newEnv(t, nil, "100", dogeEur)
	env.store.err = errors.New("disk full")

	env.source.set(snapshot(dogeEur, 1, "0.97", "0.974", "1.0"))
	err := env.bot.Tick(context.Background())
	require.ErrorIs(t, err, domain.ErrTradingHalted)

	assert.Empty(t, env.portfolio.Trades())
	assert.Len(t, env.journal.Pending(), 1, "the fill stays pending for the next start")
}

func TestTradingBot_OverdraftedSellHaltsPair(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur)
	ctx := context.Background()

	require.NoError(t, env.portfolio.Record(domain.Trade{
		ID:          "b1",
		Pair:        dogeEur,
		Side:        domain.SideBuy,
		Price:       dec("1"),
		BaseAmount:  dec("10"),
		QuoteAmount: dec("10"),
		Time:        env.now.Add(-2 * time.Hour),
	}))

	// the exchange reports a sell of more than the book holds
	overdraft := domain.Trade{
		ID:          "ex-9",
		Pair:        dogeEur,
		Side:        domain.SideSell,
		Price:       dec("1.1"),
		BaseAmount:  dec("20"),
		QuoteAmount: dec("22"),
		Time:        env.now,
	}
	dispatcher.On("Dispatch", mock.Anything, mock.Anything, mock.Anything).Return(overdraft, nil).Once()

	env.source.set(snapshot(dogeEur, 1, "1.1", "1.11", "1.1"))
	require.NoError(t, env.bot.Tick(ctx))

	// the confirmed fill is booked and its intent closed, the pair stops trading
	assert.Equal(t, []domain.TradingPair{dogeEur}, env.bot.Halted())
	require.Len(t, env.portfolio.Trades(), 2)
	assert.Empty(t, env.journal.Pending())
	assert.Equal(t, "112", env.portfolio.Balance(domain.EUR).String())

	env.advance(2 * time.Hour)
	env.source.set(snapshot(dogeEur, 2, "0.5", "0.5", "1.1"))
	require.NoError(t, env.bot.Tick(ctx))

	dispatcher.AssertExpectations(t)
	dispatcher.AssertNumberOfCalls(t, "Dispatch", 1)
	assert.Len(t, env.portfolio.Trades(), 2)

	published, ok := env.broadcaster.Latest()
	require.True(t, ok)
	assert.Equal(t, []string{"DOGE_EUR"}, published.Halted)
}

func TestTradingBot_RestartKeepsBrokenPairsHalted(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur, xrpEur)

	err := env.portfolio.Record(domain.Trade{
		ID:          "ex-1",
		Pair:        dogeEur,
		Side:        domain.SideSell,
		Price:       dec("1"),
		BaseAmount:  dec("5"),
		QuoteAmount: dec("5"),
		Time:        env.now,
	})
	require.ErrorIs(t, err, domain.ErrOverdraftedSell)

	pending, err := env.journal.Prepare(domain.OrderIntent{
		Pair: dogeEur, Side: domain.SideBuy, QuoteAmount: dec("50"), Price: dec("0.974"),
	}, env.now)
	require.NoError(t, err)

	restarted, err := NewTradingBot(zap.NewNop(), env.bot.opts, env.bot.deps)
	require.NoError(t, err)
	restarted.now = func() time.Time { return env.now }
	assert.Equal(t, []domain.TradingPair{dogeEur}, restarted.Halted())

	env.source.set(snapshot(dogeEur, 1, "0.5", "0.5", "1.0"))
	env.source.set(snapshot(xrpEur, 1, "0.5", "0.51", "0.51"))
	require.NoError(t, restarted.Tick(context.Background()))

	// the halted pair is neither looked up nor traded
	dispatcher.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything, mock.Anything)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
	require.Len(t, env.journal.Pending(), 1)
	assert.Equal(t, pending.ID, env.journal.Pending()[0].ID)
}

func TestTradingBot_BaseHeldByBooksDoesNotFundOtherPairs(t *testing.T) {
	btcEur := domain.MustParsePair("BTC_EUR")
	bestBtc := domain.MustParsePair("BEST_BTC")
	env := newEnv(t, nil, "100", btcEur, bestBtc)
	ctx := context.Background()

	env.source.set(snapshot(btcEur, 1, "0.97", "0.974", "1.0"))
	env.source.set(snapshot(bestBtc, 1, "0.97", "0.974", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))

	require.Len(t, env.portfolio.Trades(), 1)
	bought := env.portfolio.Trades()[0]
	assert.Equal(t, btcEur, bought.Pair)
	assert.True(t, bought.BaseAmount.GreaterThan(dec("50")), "enough BTC for one BEST_BTC trade")

	// the BEST_BTC dip persists, but the BTC backs the BTC_EUR buy
	env.advance(time.Second)
	env.source.set(snapshot(btcEur, 2, "0.97", "0.974", "1.0"))
	env.source.set(snapshot(bestBtc, 2, "0.97", "0.974", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))

	assert.Len(t, env.portfolio.Trades(), 1)
	assert.Equal(t, 0, env.portfolio.Book(bestBtc).CanSell())
	assert.True(t, env.portfolio.Available(domain.BTC).IsZero())
	assert.Empty(t, env.bot.Halted())
	require.NoError(t, env.portfolio.Verify())
}

func TestTradingBot_ForeignFillSpendingHeldBaseHaltsHolders(t *testing.T) {
	btcEur := domain.MustParsePair("BTC_EUR")
	bestBtc := domain.MustParsePair("BEST_BTC")
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", btcEur, bestBtc)

	require.NoError(t, env.portfolio.Record(domain.Trade{
		ID:          "b1",
		Pair:        btcEur,
		Side:        domain.SideBuy,
		Price:       dec("0.5"),
		BaseAmount:  dec("100"),
		QuoteAmount: dec("50"),
		Time:        env.now.Add(-2 * time.Hour),
	}))
	pending, err := env.journal.Prepare(domain.OrderIntent{
		Pair: bestBtc, Side: domain.SideBuy, QuoteAmount: dec("50"), Price: dec("0.5"),
	}, env.now)
	require.NoError(t, err)

	// the exchange reports a BEST_BTC fill paid with the BTC held by the BTC_EUR book
	dispatcher.On("Lookup", mock.Anything, bestBtc, pending.ID).Return(domain.Trade{
		ID:            "ex-2",
		ClientOrderID: pending.ID,
		Pair:          bestBtc,
		Side:          domain.SideBuy,
		Price:         dec("0.5"),
		BaseAmount:    dec("100"),
		QuoteAmount:   dec("50"),
		Time:          env.now,
	}, true, nil).Once()

	env.source.set(snapshot(btcEur, 1, "0.6", "0.61", "0.6"))
	env.source.set(snapshot(bestBtc, 1, "0.5", "0.51", "0.5"))
	require.NoError(t, env.bot.Tick(context.Background()))

	dispatcher.AssertExpectations(t)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, env.journal.Pending())
	assert.Len(t, env.portfolio.Trades(), 2)
	assert.Equal(t, []domain.TradingPair{btcEur}, env.bot.Halted())
}

func TestTradingBot_PairFailureDoesNotStopOthers(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur, xrpEur)

	forPair := func(pair domain.TradingPair) interface{} {
		return mock.MatchedBy(func(intent domain.OrderIntent) bool { return intent.Pair == pair })
	}
	dispatcher.On("Dispatch", mock.Anything, forPair(dogeEur), mock.Anything).
		Return(domain.Trade{}, errors.New("connection reset by peer")).Once()
	dispatcher.On("Dispatch", mock.Anything, forPair(xrpEur), mock.Anything).
		Return(domain.Trade{
			ID:          "ex-xrp",
			Pair:        xrpEur,
			Side:        domain.SideBuy,
			Price:       dec("0.485"),
			BaseAmount:  dec("50").Div(dec("0.485")),
			QuoteAmount: dec("50"),
			Time:        env.now,
		}, nil).Once()

	env.source.set(snapshot(dogeEur, 1, "0.97", "0.974", "1.0"))
	env.source.set(snapshot(xrpEur, 1, "0.48", "0.485", "0.5"))
	require.NoError(t, env.bot.Tick(context.Background()))

	dispatcher.AssertExpectations(t)

	// XRP_EUR traded in the same tick while DOGE_EUR waits for its lookup
	trades := env.portfolio.Trades()
	require.Len(t, trades, 1)
	assert.Equal(t, xrpEur, trades[0].Pair)
	pending := env.journal.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, dogeEur, pending[0].Pair)
	assert.Empty(t, env.bot.Halted())
	assert.Empty(t, env.portfolio.Reserved())
	assert.Equal(t, "50", env.portfolio.Balance(domain.EUR).String())
}

func TestTradingBot_InvisibleOrderSettledAfterBound(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur)
	ctx := context.Background()

	rec, err := env.journal.Prepare(domain.OrderIntent{
		Pair: dogeEur, Side: domain.SideBuy, QuoteAmount: dec("50"), Price: dec("0.974"),
	}, env.now)
	require.NoError(t, err)

	notVisible := errors.Wrapf(trader.ErrNotVisible, "order %s", rec.ID)
	dispatcher.On("Lookup", mock.Anything, dogeEur, rec.ID).Return(domain.Trade{}, false, notVisible).Twice()

	// a fresh order may still show up: the pair waits
	env.source.set(snapshot(dogeEur, 1, "0.99", "1.0", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))
	require.Len(t, env.journal.Pending(), 1)

	env.advance(notVisibleAfter + time.Second)
	env.source.set(snapshot(dogeEur, 2, "0.99", "1.0", "1.0"))
	require.NoError(t, env.bot.Tick(ctx))

	dispatcher.AssertExpectations(t)
	assert.Empty(t, env.journal.Pending())
	settled, ok := env.journal.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, intents.StatusFailed, settled.Status)
}

func TestTradingBot_ReconcileLooksUpPairsConcurrently(t *testing.T) {
	dispatcher := &dispatcherMock{}
	env := newEnv(t, dispatcher, "100", dogeEur, xrpEur)

	var (
		arrived  sync.WaitGroup
		timedOut atomic.Bool
	)
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()
	// each lookup waits until the other one started
	meet := func(mock.Arguments) {
		arrived.Done()
		select {
		case <-both:
		case <-time.After(500 * time.Millisecond):
			timedOut.Store(true)
		}
	}

	for _, pair := range []domain.TradingPair{dogeEur, xrpEur} {
		rec, err := env.journal.Prepare(domain.OrderIntent{
			Pair: pair, Side: domain.SideBuy, QuoteAmount: dec("50"), Price: dec("1"),
		}, env.now)
		require.NoError(t, err)
		dispatcher.On("Lookup", mock.Anything, pair, rec.ID).Run(meet).Return(domain.Trade{}, false, nil).Once()
	}

	env.source.set(snapshot(dogeEur, 1, "0.99", "1.0", "1.0"))
	env.source.set(snapshot(xrpEur, 1, "0.99", "1.0", "1.0"))
	require.NoError(t, env.bot.Tick(context.Background()))

	dispatcher.AssertExpectations(t)
	assert.False(t, timedOut.Load(), "lookups ran one after another")
	assert.Empty(t, env.journal.Pending())
}
