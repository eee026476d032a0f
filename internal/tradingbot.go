package internal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/algotrader/internal/domain"
	"github.com/vadiminshakov/algotrader/internal/events"
	"github.com/vadiminshakov/algotrader/internal/portfolio"
	"github.com/vadiminshakov/algotrader/internal/services/market"
	"github.com/vadiminshakov/algotrader/internal/services/strategy/dip"
	"github.com/vadiminshakov/algotrader/internal/services/trader"
	"github.com/vadiminshakov/algotrader/internal/storage/intents"
	"github.com/vadiminshakov/algotrader/pkg/retrier"
)

const (
	warmupAttempts = 5
	// notVisibleAfter a pending order the exchange still has no record of after this long never executed.
	notVisibleAfter = 5 * time.Minute
)

// IntentJournal durable record of every dispatch attempt.
type IntentJournal interface {
	Prepare(intent domain.OrderIntent, now time.Time) (intents.Record, error)
	MarkDone(id, tradeID string) error
	MarkFailed(id string, cause error) error
	Pending() []intents.Record
}

// Options scheduling parameters of the bot.
type Options struct {
	Pairs           []domain.TradingPair
	Interval        time.Duration
	FetchTimeout    time.Duration
	DispatchTimeout time.Duration
	MaxConcurrency  int
}

// Deps collaborators of the bot.
type Deps struct {
	Source      market.Source
	Dispatcher  trader.Dispatcher
	Portfolio   *portfolio.Portfolio
	Journal     IntentJournal
	Engine      *dip.Engine
	Cache       *market.SnapshotCache
	Reference   *market.ReferenceWindow
	Broadcaster *events.PortfolioBroadcaster
}

// TradingBot runs the fetch-decide-dispatch cycle over all configured pairs.
type TradingBot struct {
	l    *zap.Logger
	opts Options
	deps Deps
	now  func() time.Time

	locks map[domain.TradingPair]*sync.Mutex

	mu     sync.Mutex
	halted map[domain.TradingPair]error

	ticks atomic.Uint64
}

// NewTradingBot creates the scheduler.
func NewTradingBot(l *zap.Logger, opts Options, deps Deps) (*TradingBot, error) {
	switch {
	case len(opts.Pairs) == 0:
		return nil, errors.New("at least one pair is required")
	case opts.Interval <= 0:
		return nil, errors.New("tick interval must be positive")
	case opts.FetchTimeout <= 0 || opts.DispatchTimeout <= 0:
		return nil, errors.New("timeouts must be positive")
	case deps.Source == nil || deps.Dispatcher == nil || deps.Portfolio == nil || deps.Journal == nil:
		return nil, errors.New("source, dispatcher, portfolio and journal are required")
	case deps.Engine == nil || deps.Cache == nil || deps.Reference == nil:
		return nil, errors.New("engine, cache and reference window are required")
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}
	if l == nil {
		l = zap.NewNop()
	}

	locks := make(map[domain.TradingPair]*sync.Mutex, len(opts.Pairs))
	for _, pair := range opts.Pairs {
		if _, ok := locks[pair]; ok {
			return nil, errors.Errorf("pair %s configured twice", pair.String())
		}
		locks[pair] = &sync.Mutex{}
	}

	halted := make(map[domain.TradingPair]error)
	for pair, err := range deps.Portfolio.Issues() {
		l.Error("ledger history breaks the books, pair halted", zap.String("pair", pair.String()), zap.Error(err))
		halted[pair] = err
	}

	return &TradingBot{
		l:      l,
		opts:   opts,
		deps:   deps,
		now:    time.Now,
		locks:  locks,
		halted: halted,
	}, nil
}

// Run reconciles intents left pending by a previous run, then ticks until ctx is done.
// It returns an ErrTradingHalted-wrapped error when the ledger or the journal can not be written.
func (b *TradingBot) Run(ctx context.Context) error {
	if _, err := b.reconcile(ctx); err != nil {
		return err
	}

	b.warmup(ctx)

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	b.l.Info("starting trading loop",
		zap.Int("pairs", len(b.opts.Pairs)),
		zap.Duration("interval", b.opts.Interval))

	for {
		select {
		case <-ctx.Done():
			b.l.Info("context done, stopping trading loop")
			return ctx.Err()
		case <-ticker.C:
			if err := b.Tick(ctx); err != nil {
				b.l.Error("trading halted", zap.Error(err))
				return err
			}
		}
	}
}

// warmup fills the cache before the first tick so the first decisions have data.
func (b *TradingBot) warmup(ctx context.Context) {
	r := retrier.New(
		retrier.WithMaxRetries(warmupAttempts),
		retrier.WithInitialInterval(b.opts.Interval),
		retrier.WithMaxInterval(4*b.opts.Interval),
		retrier.WithOnRetry(func(attempt int, err error) {
			b.l.Warn("warm-up fetch failed", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)
	err := r.Do(ctx, func(ctx context.Context) error {
		if received := b.fetch(ctx, b.now()); received == 0 {
			return errors.New("no ticker received")
		}
		return nil
	})
	if err != nil {
		b.l.Warn("starting without market data", zap.Error(err))
	}
}

// Tick runs one cycle: fetch, reconcile pending intents, decide and dispatch per pair, publish.
func (b *TradingBot) Tick(ctx context.Context) error {
	tick := b.ticks.Add(1)
	now := b.now()

	if received := b.fetch(ctx, now); received == 0 {
		b.l.Warn("fetch cycle failed, keeping previous snapshots", zap.Uint64("tick", tick))
	}

	blocked, err := b.reconcile(ctx)
	if err != nil {
		return err
	}

	g := errgroup.Group{}
	g.SetLimit(b.opts.MaxConcurrency)
	for _, pair := range b.opts.Pairs {
		if blocked[pair] {
			b.l.Debug("pair has an unresolved order, skipping", zap.String("pair", pair.String()))
			continue
		}
		g.Go(func() error {
			return b.evaluate(ctx, pair, now)
		})
	}
	err = g.Wait()

	b.publish(tick, now)
	return err
}

// fetch requests a snapshot of every pair and offers it to the cache.
// It returns the number of snapshots received, accepted or not.
func (b *TradingBot) fetch(ctx context.Context, now time.Time) int {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.FetchTimeout)
	defer cancel()

	if bulk, ok := b.deps.Source.(market.BulkSource); ok {
		snapshots, err := bulk.Tickers(fctx)
		if err == nil {
			received := 0
			for _, s := range snapshots {
				if _, wanted := b.locks[s.Pair]; wanted {
					b.offer(s, now)
					received++
				}
			}
			return received
		}
		b.l.Warn("bulk ticker fetch failed, falling back to per-pair requests", zap.Error(err))
	}

	var (
		mu       sync.Mutex
		received int
	)
	g := errgroup.Group{}
	g.SetLimit(b.opts.MaxConcurrency)
	for _, pair := range b.opts.Pairs {
		g.Go(func() error {
			s, err := b.deps.Source.Ticker(fctx, pair)
			if err != nil {
				b.l.Warn("failed to fetch ticker", zap.String("pair", pair.String()), zap.Error(err))
				return nil
			}
			if s.Pair != pair {
				b.l.Warn("ticker for another pair ignored",
					zap.String("pair", pair.String()), zap.String("got", s.Pair.String()))
				return nil
			}
			b.offer(s, now)
			mu.Lock()
			received++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return received
}

// offer caches the snapshot; only accepted snapshots feed the reference window.
func (b *TradingBot) offer(s domain.MarketSnapshot, now time.Time) {
	if !b.deps.Cache.Offer(s, now) {
		b.l.Debug("snapshot with old sequence ignored",
			zap.String("pair", s.Pair.String()), zap.Uint64("sequence", s.Sequence))
		return
	}
	b.deps.Reference.Add(s.Pair, s.LastPrice)
}

// evaluate holds the pair lock through read book, decide, dispatch and record.
func (b *TradingBot) evaluate(ctx context.Context, pair domain.TradingPair, now time.Time) error {
	lock := b.locks[pair]
	lock.Lock()
	defer lock.Unlock()

	logger := b.l.With(zap.String("pair", pair.String()))

	if err := b.haltedErr(pair); err != nil {
		logger.Debug("pair is halted", zap.Error(err))
		return nil
	}

	in := dip.Input{
		Pair:           pair,
		Stale:          b.deps.Cache.IsStale(pair, now),
		QuoteAvailable: b.deps.Portfolio.Available(pair.Quote),
		Book:           b.deps.Portfolio.Book(pair),
		Now:            now,
	}
	if entry, ok := b.deps.Cache.Latest(pair); ok {
		snapshot := entry.Snapshot
		in.Snapshot = &snapshot
	}
	in.Reference, in.HasReference = b.deps.Reference.Reference(pair)

	decision, err := b.deps.Engine.Decide(in)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientData) {
			logger.Debug("no market data yet")
			return nil
		}
		logger.Error("decision failed", zap.Error(err))
		return nil
	}
	if decision.Empty() {
		if in.Stale {
			logger.Warn("market data is stale, not trading", zap.Time("seen_at", b.seenAt(pair)))
		} else {
			logger.Debug("no order proposed", zap.String("reason", decision.Skip))
		}
		return nil
	}

	for _, sell := range decision.Sells {
		res, err := b.dispatch(ctx, sell, logger)
		if err != nil {
			return err
		}
		if res == outcomeUnknown || b.haltedErr(pair) != nil {
			return nil
		}
		if res != outcomeRecorded {
			break
		}
	}

	if decision.Buy == nil || b.haltedErr(pair) != nil {
		return nil
	}

	buy := *decision.Buy
	if !b.deps.Portfolio.TryReserve(pair.Quote, buy.QuoteAmount) {
		logger.Debug("quote funds reserved by other pairs", zap.String("amount", buy.QuoteAmount.String()))
		return nil
	}
	defer b.deps.Portfolio.Release(pair.Quote, buy.QuoteAmount)

	_, err = b.dispatch(ctx, buy, logger)
	return err
}

type outcome int

const (
	outcomeRecorded outcome = iota
	outcomeRejected
	// outcomeUnknown the order may have executed, its intent stays pending.
	outcomeUnknown
)

// dispatch journals the intent, submits it and records the confirmed trade.
// The error is set only when trading must stop.
func (b *TradingBot) dispatch(ctx context.Context, intent domain.OrderIntent, logger *zap.Logger) (outcome, error) {
	rec, err := b.deps.Journal.Prepare(intent, b.now())
	if err != nil {
		return outcomeRejected, errors.Wrapf(domain.ErrTradingHalted, "journal intent: %s", err)
	}
	logger = logger.With(zap.String("client_order_id", rec.ID))
	logger.Info("dispatching order", zap.String("intent", intent.String()), zap.String("reason", intent.Reason))

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.DispatchTimeout)
	defer cancel()

	trade, err := b.deps.Dispatcher.Dispatch(dctx, intent, rec.ID)
	if err != nil {
		if errors.Is(err, trader.ErrRejected) {
			logger.Error("order rejected", zap.Error(err))
			if jerr := b.deps.Journal.MarkFailed(rec.ID, err); jerr != nil {
				return outcomeRejected, errors.Wrapf(domain.ErrTradingHalted, "journal failure: %s", jerr)
			}
			return outcomeRejected, nil
		}
		// the order may still execute; the pending intent is settled by Lookup next tick
		logger.Error("dispatch failed, order outcome unknown", zap.Error(err))
		return outcomeUnknown, nil
	}

	recorded, err := b.record(rec.ID, trade, logger)
	if err != nil || !recorded {
		return outcomeUnknown, err
	}
	return outcomeRecorded, nil
}

// record appends a confirmed trade and closes its intent.
func (b *TradingBot) record(intentID string, trade domain.Trade, logger *zap.Logger) (bool, error) {
	if err := b.deps.Portfolio.Record(trade); err != nil {
		switch {
		case errors.Is(err, domain.ErrTradingHalted):
			return false, err
		case errors.Is(err, domain.ErrOverdraftedSell), errors.Is(err, domain.ErrHoldingExceeded):
			// booked, but the pairs whose books it broke stop trading
			for pair, cause := range b.deps.Portfolio.Issues() {
				b.halt(pair, cause)
			}
			logger.Error("recorded trade breaks the books, pairs halted",
				zap.String("trade_id", trade.ID), zap.Error(err))
		default:
			// the fill happened but can not be booked; its intent stays pending until an operator steps in
			b.halt(trade.Pair, err)
			logger.Error("confirmed trade rejected by the ledger, pair halted", zap.Error(err))
			return false, nil
		}
	}

	if err := b.deps.Journal.MarkDone(intentID, trade.ID); err != nil {
		return false, errors.Wrapf(domain.ErrTradingHalted, "journal completion: %s", err)
	}

	logger.Info("trade recorded",
		zap.String("trade_id", trade.ID),
		zap.String("side", trade.Side.String()),
		zap.String("price", trade.Price.String()),
		zap.String("base", trade.BaseAmount.String()),
		zap.String("quote", trade.QuoteAmount.String()))
	return true, nil
}

// reconcile settles intents whose outcome is unknown. It returns the pairs that still
// have an unresolved intent; no new order is dispatched for them.
// Lookups of different pairs run concurrently, intents of halted pairs are left alone.
func (b *TradingBot) reconcile(ctx context.Context) (map[domain.TradingPair]bool, error) {
	var (
		mu      sync.Mutex
		blocked = make(map[domain.TradingPair]bool)
	)
	block := func(pair domain.TradingPair) {
		mu.Lock()
		blocked[pair] = true
		mu.Unlock()
	}

	g := errgroup.Group{}
	g.SetLimit(b.opts.MaxConcurrency)
	for _, rec := range b.deps.Journal.Pending() {
		g.Go(func() error {
			logger := b.l.With(zap.String("pair", rec.Pair.String()), zap.String("client_order_id", rec.ID))

			if tradeID, ok := b.recordedTrade(rec.ID); ok {
				if err := b.deps.Journal.MarkDone(rec.ID, tradeID); err != nil {
					return errors.Wrapf(domain.ErrTradingHalted, "journal completion: %s", err)
				}
				return nil
			}

			if err := b.haltedErr(rec.Pair); err != nil {
				logger.Debug("pair is halted, pending order left unresolved", zap.Error(err))
				block(rec.Pair)
				return nil
			}

			if err := b.reconcileOne(ctx, rec, logger); err != nil {
				if errors.Is(err, domain.ErrTradingHalted) {
					return err
				}
				logger.Warn("order outcome still unknown", zap.Error(err))
				block(rec.Pair)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return blocked, nil
}

func (b *TradingBot) reconcileOne(ctx context.Context, rec intents.Record, logger *zap.Logger) error {
	lock, ok := b.locks[rec.Pair]
	if ok {
		lock.Lock()
		defer lock.Unlock()
	}

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.opts.DispatchTimeout)
	defer cancel()

	trade, found, err := b.deps.Dispatcher.Lookup(lctx, rec.Pair, rec.ID)
	if errors.Is(err, trader.ErrNotVisible) && b.now().Sub(rec.Time) > notVisibleAfter {
		logger.Warn("exchange has no record of the pending order", zap.Time("prepared_at", rec.Time))
		found, err = false, nil
	}
	if err != nil {
		return err
	}
	if !found {
		logger.Info("pending order never executed")
		if err := b.deps.Journal.MarkFailed(rec.ID, errors.New("order not executed")); err != nil {
			return errors.Wrapf(domain.ErrTradingHalted, "journal failure: %s", err)
		}
		return nil
	}

	recorded, err := b.record(rec.ID, trade, logger)
	if err != nil {
		return err
	}
	if !recorded {
		return errors.Errorf("trade %s of pending order not recorded", trade.ID)
	}
	return nil
}

func (b *TradingBot) recordedTrade(clientOrderID string) (string, bool) {
	if !b.deps.Portfolio.HasClientOrder(clientOrderID) {
		return "", false
	}
	for _, t := range b.deps.Portfolio.Trades() {
		if t.ClientOrderID == clientOrderID {
			return t.ID, true
		}
	}
	return "", false
}

func (b *TradingBot) seenAt(pair domain.TradingPair) time.Time {
	entry, _ := b.deps.Cache.Latest(pair)
	return entry.SeenAt
}

func (b *TradingBot) halt(pair domain.TradingPair, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted[pair] = err
}

func (b *TradingBot) haltedErr(pair domain.TradingPair) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halted[pair]
}

// Halted returns the pairs excluded from trading.
func (b *TradingBot) Halted() []domain.TradingPair {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.TradingPair, 0, len(b.halted))
	for _, pair := range b.opts.Pairs {
		if _, ok := b.halted[pair]; ok {
			out = append(out, pair)
		}
	}
	return out
}

func (b *TradingBot) publish(tick uint64, now time.Time) {
	if b.deps.Broadcaster == nil {
		return
	}

	snapshot := events.PortfolioSnapshot{
		Timestamp: now.UTC(),
		Tick:      tick,
		Balances:  make(map[string]string),
		Reserved:  make(map[string]string),
	}
	for c, amount := range b.deps.Portfolio.WalletBalances() {
		snapshot.Balances[c.String()] = amount.String()
	}
	for c, amount := range b.deps.Portfolio.Reserved() {
		snapshot.Reserved[c.String()] = amount.String()
	}

	for _, pair := range b.opts.Pairs {
		book := b.deps.Portfolio.Book(pair)
		view := events.BookView{
			Pair:    pair.String(),
			Holding: book.Holding().String(),
			Open:    make([]events.OpenBuyView, 0, book.CanSell()),
		}
		if last := book.LastBuyTime(); !last.IsZero() {
			view.LastBuy = &last
		}
		for _, open := range book.Unmatched() {
			view.Open = append(view.Open, events.OpenBuyView{
				TradeID:   open.TradeID,
				Price:     open.Price.String(),
				Remaining: open.Remaining.String(),
				Time:      open.Time,
			})
		}
		snapshot.Books = append(snapshot.Books, view)

		entry, ok := b.deps.Cache.Latest(pair)
		if !ok {
			continue
		}
		price := events.PriceView{
			Pair:     pair.String(),
			Sequence: entry.Snapshot.Sequence,
			Bid:      entry.Snapshot.BestBid.String(),
			Ask:      entry.Snapshot.BestAsk.String(),
			Last:     entry.Snapshot.LastPrice.String(),
			Frozen:   entry.Snapshot.Frozen,
			Stale:    b.deps.Cache.IsStale(pair, now),
			SeenAt:   entry.SeenAt,
		}
		if ref, ok := b.deps.Reference.Reference(pair); ok {
			price.Reference = ref.String()
		}
		snapshot.Prices = append(snapshot.Prices, price)
	}

	for _, pair := range b.Halted() {
		snapshot.Halted = append(snapshot.Halted, pair.String())
	}

	b.deps.Broadcaster.Publish(snapshot)
}
