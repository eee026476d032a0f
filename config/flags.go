package config

import (
	"flag"
	"strings"

	"github.com/pkg/errors"
)

// Parse handles --config and --setup, falling back to the remaining flags.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("algotrader", flag.ContinueOnError)

	path := fs.String("config", "", "path to yaml config")
	setup := fs.Bool("setup", false, "run the configuration wizard")
	platform := fs.String("platform", PlatformSimulate, "exchange platform: simulate, bitpanda, binance, bybit")
	pairs := fs.String("pairs", "", "comma separated trade pairs, example: DOGE_EUR,BTC_EUR (default: all instruments)")
	tradeSize := fs.String("trade-size", DefaultTradeSize.String(), "quote amount spent on every buy")
	buyRatio := fs.String("buy-ratio", DefaultBuyRatio.String(), "buy when ask <= ratio * reference price")
	sellRatio := fs.String("sell-ratio", DefaultSellRatio.String(), "sell when bid >= ratio * buy price")
	cooldown := fs.Duration("cooldown", DefaultCooldown, "minimum time between two buys of a pair")
	interval := fs.Duration("interval", DefaultTickInterval, "tick interval")
	balances := fs.String("balances", "EUR:100", "initial balances, example: EUR:100,USDT:50")
	dashboard := fs.String("dashboard", DefaultDashboardAddr, "dashboard listen address, empty disables it")
	logLevel := fs.String("log-level", "info", "log level")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *setup {
		return Config{}, ErrSetupRequested
	}
	if *path != "" {
		return Load(*path)
	}

	tmp := ConfigTmp{
		Platform:        *platform,
		TradeSize:       *tradeSize,
		BuyRatio:        *buyRatio,
		SellRatio:       *sellRatio,
		Cooldown:        *cooldown,
		TickInterval:    *interval,
		DashboardAddr:   dashboard,
		LogLevel:        *logLevel,
		InitialBalances: make(map[string]string),
	}
	// timeouts follow the interval when it is changed from the command line
	if *interval != DefaultTickInterval {
		tmp.FetchTimeout = *interval * 7 / 10
		tmp.DispatchTimeout = *interval * 9 / 10
	}

	tmp.Pairs = splitList(*pairs)
	for _, entry := range splitList(*balances) {
		currency, amount, ok := strings.Cut(entry, ":")
		if !ok {
			return Config{}, errors.Errorf("invalid --balances entry %q, expected CURRENCY:AMOUNT", entry)
		}
		tmp.InitialBalances[strings.TrimSpace(currency)] = strings.TrimSpace(amount)
	}

	return tmp.Build()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
