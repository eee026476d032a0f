// Package config loads the bot configuration from YAML or command-line flags.
package config

import (
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/algotrader/internal/domain"
)

const (
	PlatformSimulate = "simulate"
	PlatformBitpanda = "bitpanda"
	PlatformBinance  = "binance"
	PlatformBybit    = "bybit"

	// GeneratedPath file written by the setup wizard.
	GeneratedPath = "config.gen.yaml"
)

// ErrSetupRequested the wizard must produce a config before the bot starts.
var ErrSetupRequested = errors.New("setup requested")

// Defaults.
var (
	DefaultTradeSize       = decimal.NewFromInt(50)
	DefaultBuyRatio        = decimal.RequireFromString("0.975")
	DefaultSellRatio       = decimal.RequireFromString("1.05")
	DefaultCooldown        = time.Hour
	DefaultTickInterval    = time.Second
	DefaultFetchTimeout    = 700 * time.Millisecond
	DefaultDispatchTimeout = 900 * time.Millisecond
	DefaultStaleAfter      = 10 * time.Second
	DefaultReferenceWindow = 3600
	DefaultMaxConcurrency  = 8
	DefaultLedgerDir       = "./wal/ledger"
	DefaultIntentsDir      = "./wal/intents"
	DefaultDashboardAddr   = ":8080"
)

type Config struct {
	Platform        string
	Pairs           []domain.TradingPair
	Thresholds      domain.Thresholds
	TickInterval    time.Duration
	FetchTimeout    time.Duration
	DispatchTimeout time.Duration
	// StaleAfter snapshots not confirmed within this bound are not traded on.
	StaleAfter      time.Duration
	ReferenceWindow int
	MaxConcurrency  int
	InitialBalances map[domain.Currency]decimal.Decimal
	LedgerDir       string
	IntentsDir      string
	BitpandaBaseURL string
	// DashboardAddr empty disables the dashboard.
	DashboardAddr string
	// DashboardDomain enables TLS via Let's Encrypt for the domain.
	DashboardDomain string
	LogLevel        zapcore.Level
}

// ConfigTmp YAML form of Config. Decimals are strings to keep them exact.
type ConfigTmp struct {
	Platform        string            `yaml:"platform"`
	Pairs           []string          `yaml:"pairs,omitempty"`
	TradeSize       string            `yaml:"trade_size,omitempty"`
	BuyRatio        string            `yaml:"buy_ratio,omitempty"`
	SellRatio       string            `yaml:"sell_ratio,omitempty"`
	Cooldown        time.Duration     `yaml:"cooldown,omitempty"`
	TickInterval    time.Duration     `yaml:"tick_interval,omitempty"`
	FetchTimeout    time.Duration     `yaml:"fetch_timeout,omitempty"`
	DispatchTimeout time.Duration     `yaml:"dispatch_timeout,omitempty"`
	StaleAfter      time.Duration     `yaml:"stale_after,omitempty"`
	ReferenceWindow int               `yaml:"reference_window,omitempty"`
	MaxConcurrency  int               `yaml:"max_concurrency,omitempty"`
	InitialBalances map[string]string `yaml:"initial_balances"`
	LedgerDir       string            `yaml:"ledger_dir,omitempty"`
	IntentsDir      string            `yaml:"intents_dir,omitempty"`
	BitpandaBaseURL string            `yaml:"bitpanda_base_url,omitempty"`
	DashboardAddr   *string           `yaml:"dashboard_addr,omitempty"`
	DashboardDomain string            `yaml:"dashboard_domain,omitempty"`
	LogLevel        string            `yaml:"log_level,omitempty"`
}

// Get reads --config when given, otherwise builds the config from flags.
// It returns ErrSetupRequested for --setup.
func Get() (Config, error) {
	return Parse(os.Args[1:])
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %s", path)
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %s", path)
	}

	return tmp.Build()
}

// Build applies defaults to the YAML form and validates it.
func (c ConfigTmp) Build() (Config, error) {
	cfg := Config{
		Platform:        c.Platform,
		TickInterval:    orDuration(c.TickInterval, DefaultTickInterval),
		FetchTimeout:    orDuration(c.FetchTimeout, DefaultFetchTimeout),
		DispatchTimeout: orDuration(c.DispatchTimeout, DefaultDispatchTimeout),
		StaleAfter:      orDuration(c.StaleAfter, DefaultStaleAfter),
		ReferenceWindow: c.ReferenceWindow,
		MaxConcurrency:  c.MaxConcurrency,
		LedgerDir:       orString(c.LedgerDir, DefaultLedgerDir),
		IntentsDir:      orString(c.IntentsDir, DefaultIntentsDir),
		BitpandaBaseURL: c.BitpandaBaseURL,
		DashboardAddr:   DefaultDashboardAddr,
		DashboardDomain: c.DashboardDomain,
		InitialBalances: make(map[domain.Currency]decimal.Decimal, len(c.InitialBalances)),
	}
	if cfg.Platform == "" {
		cfg.Platform = PlatformSimulate
	}
	if cfg.ReferenceWindow == 0 {
		cfg.ReferenceWindow = DefaultReferenceWindow
	}
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.DashboardAddr != nil {
		cfg.DashboardAddr = *c.DashboardAddr
	}

	if len(c.Pairs) == 0 {
		cfg.Pairs = append(cfg.Pairs, domain.Instruments...)
	}
	for _, code := range c.Pairs {
		pair, err := domain.ParsePair(code)
		if err != nil {
			return Config{}, errors.Wrapf(err, "incorrect 'pairs' entry %q", code)
		}
		cfg.Pairs = append(cfg.Pairs, pair)
	}

	tradeSize, err := decimalOr(c.TradeSize, DefaultTradeSize, "trade_size")
	if err != nil {
		return Config{}, err
	}
	buyRatio, err := decimalOr(c.BuyRatio, DefaultBuyRatio, "buy_ratio")
	if err != nil {
		return Config{}, err
	}
	sellRatio, err := decimalOr(c.SellRatio, DefaultSellRatio, "sell_ratio")
	if err != nil {
		return Config{}, err
	}
	cfg.Thresholds, err = domain.NewThresholds(tradeSize, buyRatio, sellRatio, orDuration(c.Cooldown, DefaultCooldown))
	if err != nil {
		return Config{}, errors.Wrap(err, "invalid thresholds")
	}

	for code, amount := range c.InitialBalances {
		currency, err := domain.ParseCurrency(code)
		if err != nil {
			return Config{}, errors.Wrapf(err, "incorrect 'initial_balances' currency %q", code)
		}
		value, err := decimal.NewFromString(amount)
		if err != nil {
			return Config{}, errors.Wrapf(err, "incorrect 'initial_balances' amount for %s", code)
		}
		cfg.InitialBalances[currency] = value
	}

	if c.LogLevel != "" {
		cfg.LogLevel, err = zapcore.ParseLevel(c.LogLevel)
		if err != nil {
			return Config{}, errors.Wrap(err, "incorrect 'log_level'")
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	switch c.Platform {
	case PlatformSimulate, PlatformBitpanda, PlatformBinance, PlatformBybit:
	default:
		return errors.Errorf("unsupported platform: %s", c.Platform)
	}

	if len(c.Pairs) == 0 {
		return errors.New("at least one pair is required")
	}
	seen := make(map[domain.TradingPair]struct{}, len(c.Pairs))
	for _, p := range c.Pairs {
		if _, ok := seen[p]; ok {
			return errors.Errorf("pair %s listed twice", p.String())
		}
		seen[p] = struct{}{}
	}

	if c.TickInterval <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if c.FetchTimeout <= 0 || c.FetchTimeout >= c.TickInterval {
		return errors.Errorf("fetch_timeout must be positive and below tick_interval %s", c.TickInterval)
	}
	if c.DispatchTimeout <= 0 || c.DispatchTimeout >= c.TickInterval {
		return errors.Errorf("dispatch_timeout must be positive and below tick_interval %s", c.TickInterval)
	}
	if c.StaleAfter <= 0 {
		return errors.New("stale_after must be positive")
	}
	if c.ReferenceWindow < 1 {
		return errors.New("reference_window must be at least 1")
	}
	if c.MaxConcurrency < 1 {
		return errors.New("max_concurrency must be at least 1")
	}

	if len(c.InitialBalances) == 0 {
		return errors.New("initial_balances must hold at least one currency")
	}
	for currency, amount := range c.InitialBalances {
		if amount.IsNegative() {
			return errors.Errorf("initial balance of %s is negative", currency.String())
		}
	}

	if c.DashboardDomain != "" && c.DashboardAddr == "" {
		return errors.New("dashboard_domain requires the dashboard to be enabled")
	}
	return nil
}

// Tmp converts the config back to its YAML form.
func (c Config) Tmp() ConfigTmp {
	tmp := ConfigTmp{
		Platform:        c.Platform,
		TradeSize:       c.Thresholds.TradeSize.String(),
		BuyRatio:        c.Thresholds.BuyRatio.String(),
		SellRatio:       c.Thresholds.SellRatio.String(),
		Cooldown:        c.Thresholds.Cooldown,
		TickInterval:    c.TickInterval,
		FetchTimeout:    c.FetchTimeout,
		DispatchTimeout: c.DispatchTimeout,
		StaleAfter:      c.StaleAfter,
		ReferenceWindow: c.ReferenceWindow,
		MaxConcurrency:  c.MaxConcurrency,
		InitialBalances: make(map[string]string, len(c.InitialBalances)),
		LedgerDir:       c.LedgerDir,
		IntentsDir:      c.IntentsDir,
		BitpandaBaseURL: c.BitpandaBaseURL,
		DashboardDomain: c.DashboardDomain,
		LogLevel:        c.LogLevel.String(),
	}
	addr := c.DashboardAddr
	tmp.DashboardAddr = &addr

	for _, p := range c.Pairs {
		tmp.Pairs = append(tmp.Pairs, p.String())
	}
	for currency, amount := range c.InitialBalances {
		tmp.InitialBalances[currency.String()] = amount.String()
	}
	return tmp
}

// Currencies returns the currencies with an initial balance, sorted.
func (c Config) Currencies() []domain.Currency {
	out := make([]domain.Currency, 0, len(c.InitialBalances))
	for currency := range c.InitialBalances {
		out = append(out, currency)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func decimalOr(raw string, def decimal.Decimal, field string) (decimal.Decimal, error) {
	if raw == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "incorrect '%s' param in yaml config (must be a decimal)", field)
	}
	return d, nil
}

func orDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
