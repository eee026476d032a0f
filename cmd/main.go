// Command algotrader runs the dip-buying spot trading bot.
// It trades on Bitpanda, Binance or Bybit, or simulates fills against
// Bitpanda market data, and is configured via a YAML file, command-line
// flags or the interactive setup wizard.
//
// Usage:
//
//	algotrader --config config.yaml
//	algotrader --pairs DOGE_EUR,BTC_EUR --balances EUR:100
//	algotrader --setup
//
// Required environment variables:
//
//	For Bitpanda: BITPANDA_API_KEY
//	For Binance: BINANCE_API_KEY, BINANCE_API_SECRET
//	For Bybit: BYBIT_API_KEY, BYBIT_API_SECRET
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/algotrader/config"
	"github.com/vadiminshakov/algotrader/internal"
	"github.com/vadiminshakov/algotrader/internal/clients"
	"github.com/vadiminshakov/algotrader/internal/events"
	"github.com/vadiminshakov/algotrader/internal/portfolio"
	"github.com/vadiminshakov/algotrader/internal/services/market"
	"github.com/vadiminshakov/algotrader/internal/services/strategy/dip"
	"github.com/vadiminshakov/algotrader/internal/services/trader"
	"github.com/vadiminshakov/algotrader/internal/setup"
	"github.com/vadiminshakov/algotrader/internal/storage/intents"
	"github.com/vadiminshakov/algotrader/internal/storage/ledger"
	"github.com/vadiminshakov/algotrader/internal/web"
)

func main() {
	cfg, err := config.Get()
	if errors.Is(err, config.ErrSetupRequested) {
		if err := setup.RunTUI(config.GeneratedPath); err != nil {
			log.Fatalf("setup failed: %v", err)
		}
		cfg, err = config.Load(config.GeneratedPath)
	}
	if err != nil {
		log.Fatal(err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("bot stopped", zap.Error(err))
	}
	logger.Info("bot stopped")
}

func run(ctx context.Context, logger *zap.Logger, cfg config.Config) error {
	ledgerStore, err := ledger.NewWALStore(cfg.LedgerDir)
	if err != nil {
		return errors.Wrap(err, "failed to open ledger")
	}
	defer ledgerStore.Close()

	trades, err := ledgerStore.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load ledger")
	}
	pf, err := portfolio.New(portfolio.NewLedger(ledgerStore, trades), cfg.InitialBalances)
	if err != nil {
		return errors.Wrap(err, "failed to restore portfolio")
	}

	journal, err := intents.NewWALStore(cfg.IntentsDir)
	if err != nil {
		return errors.Wrap(err, "failed to open intent journal")
	}
	defer journal.Close()

	cache := market.NewSnapshotCache(cfg.StaleAfter)
	source, dispatcher, err := platform(logger, cfg, cache)
	if err != nil {
		return err
	}

	broadcaster := events.NewPortfolioBroadcaster(0)
	bot, err := internal.NewTradingBot(logger, internal.Options{
		Pairs:           cfg.Pairs,
		Interval:        cfg.TickInterval,
		FetchTimeout:    cfg.FetchTimeout,
		DispatchTimeout: cfg.DispatchTimeout,
		MaxConcurrency:  cfg.MaxConcurrency,
	}, internal.Deps{
		Source:      source,
		Dispatcher:  dispatcher,
		Portfolio:   pf,
		Journal:     journal,
		Engine:      dip.NewEngine(cfg.Thresholds),
		Cache:       cache,
		Reference:   market.NewReferenceWindow(cfg.ReferenceWindow),
		Broadcaster: broadcaster,
	})
	if err != nil {
		return err
	}

	logger.Info("starting bot",
		zap.String("platform", cfg.Platform),
		zap.Int("pairs", len(cfg.Pairs)),
		zap.Int("ledger_trades", len(trades)),
		zap.Int("pending_intents", len(journal.Pending())),
		zap.Duration("interval", cfg.TickInterval))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.DashboardAddr != "" {
		srv := web.NewServer(logger, cfg.DashboardAddr, cfg.DashboardDomain, broadcaster)
		g.Go(func() error {
			if err := srv.Start(gctx); err != nil {
				return errors.Wrap(err, "dashboard failed")
			}
			return nil
		})
	}
	g.Go(func() error {
		return bot.Run(gctx)
	})

	return g.Wait()
}

// platform builds the market data source and order dispatcher for the configured exchange.
func platform(logger *zap.Logger, cfg config.Config, cache *market.SnapshotCache) (market.Source, trader.Dispatcher, error) {
	creds := clients.CredentialsFromEnv()

	switch cfg.Platform {
	case config.PlatformSimulate:
		source := market.NewBitpandaSource(logger, clients.NewBitpandaClient(cfg.BitpandaBaseURL, "", cfg.FetchTimeout))
		dispatcher, err := trader.NewSimulateTrader(logger, cache)
		if err != nil {
			return nil, nil, err
		}
		return source, dispatcher, nil

	case config.PlatformBitpanda:
		if creds.BitpandaAPIKey == "" {
			return nil, nil, errors.New("BITPANDA_API_KEY environment variable must be set")
		}
		client := clients.NewBitpandaClient(cfg.BitpandaBaseURL, creds.BitpandaAPIKey, cfg.DispatchTimeout)
		dispatcher, err := trader.NewBitpandaTrader(logger, client)
		if err != nil {
			return nil, nil, err
		}
		return market.NewBitpandaSource(logger, client), dispatcher, nil

	case config.PlatformBinance:
		if creds.BinanceAPIKey == "" || creds.BinanceSecret == "" {
			return nil, nil, errors.New("BINANCE_API_KEY and BINANCE_API_SECRET environment variables must be set")
		}
		source := market.NewBinanceSource(clients.NewBinanceClient(creds.BinanceAPIKey, creds.BinanceSecret, cfg.FetchTimeout))
		dispatcher := trader.NewBinanceTrader(clients.NewBinanceClient(creds.BinanceAPIKey, creds.BinanceSecret, cfg.DispatchTimeout))
		return source, dispatcher, nil

	case config.PlatformBybit:
		if creds.BybitAPIKey == "" || creds.BybitAPISecret == "" {
			return nil, nil, errors.New("BYBIT_API_KEY and BYBIT_API_SECRET environment variables must be set")
		}
		source := market.NewBybitSource(clients.NewBybitClient(creds.BybitAPIKey, creds.BybitAPISecret, cfg.FetchTimeout))
		dispatcher := trader.NewBybitTrader(clients.NewBybitClient(creds.BybitAPIKey, creds.BybitAPISecret, cfg.DispatchTimeout))
		return source, dispatcher, nil
	}

	return nil, nil, errors.Errorf("unsupported platform: %s", cfg.Platform)
}

