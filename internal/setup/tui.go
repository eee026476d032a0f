package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/algotrader/config"
	"github.com/vadiminshakov/algotrader/internal/domain"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

// answers raw wizard input.
type answers struct {
	platform        string
	pairs           string
	tradeSize       string
	buyRatio        string
	sellRatio       string
	cooldown        string
	tickInterval    string
	balances        string
	dashboardAddr   string
	dashboardDomain string
}

func defaultAnswers() answers {
	return answers{
		platform:      config.PlatformSimulate,
		tradeSize:     config.DefaultTradeSize.String(),
		buyRatio:      config.DefaultBuyRatio.String(),
		sellRatio:     config.DefaultSellRatio.String(),
		cooldown:      config.DefaultCooldown.String(),
		tickInterval:  config.DefaultTickInterval.String(),
		balances:      "EUR:100",
		dashboardAddr: config.DefaultDashboardAddr,
	}
}

// RunTUI launches the terminal configuration wizard and writes the result to path.
func RunTUI(path string) error {
	a := defaultAnswers()
	var confirm bool

	step := func(title string) {
		fmt.Print("\033[H\033[2J") // clear screen
		fmt.Println(headerStyle.Render("ALGOTRADER CONFIG WIZARD"))
		fmt.Println(stepStyle.Render(title))
	}

	step("STEP 1: PLATFORM")
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Credentials are read from the environment, never stored.\n"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select Exchange Platform").
				Options(
					huh.NewOption("Simulation (Bitpanda market data)", config.PlatformSimulate),
					huh.NewOption("Bitpanda Pro", config.PlatformBitpanda),
					huh.NewOption("Binance", config.PlatformBinance),
					huh.NewOption("Bybit", config.PlatformBybit),
				).
				Value(&a.platform),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 2: MARKETS")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Trading Pairs").
				Description("Comma separated BASE_QUOTE codes, empty for all supported instruments").
				Value(&a.pairs).
				Validate(validatePairs),
			huh.NewInput().
				Title("Initial Balances").
				Description("CURRENCY:AMOUNT list, e.g. EUR:100,USDT:50").
				Value(&a.balances).
				Validate(validateBalances),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 3: STRATEGY")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Trade Size").
				Description("Quote amount spent on every buy").
				Value(&a.tradeSize).
				Validate(validatePositive),
			huh.NewInput().
				Title("Buy Ratio").
				Description("Buy when ask <= ratio x trailing average (0..1)").
				Value(&a.buyRatio).
				Validate(validatePositive),
			huh.NewInput().
				Title("Sell Ratio").
				Description("Sell when bid >= ratio x buy price (> 1)").
				Value(&a.sellRatio).
				Validate(validatePositive),
			huh.NewInput().
				Title("Buy Cooldown").
				Description("Minimum time between two buys of a pair (e.g. 1h)").
				Value(&a.cooldown).
				Validate(validateDuration),
			huh.NewInput().
				Title("Tick Interval").
				Description("Duration string (e.g. 1s, 5s)").
				Value(&a.tickInterval).
				Validate(validateDuration),
		),
	).Run()
	if err != nil {
		return err
	}

	step("STEP 4: DASHBOARD")
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen Address").
				Description("Empty disables the dashboard").
				Value(&a.dashboardAddr),
			huh.NewInput().
				Title("Domain").
				Description("Optional, enables HTTPS via Let's Encrypt").
				Value(&a.dashboardDomain),
		),
	).Run()
	if err != nil {
		return err
	}

	tmp, err := a.configTmp()
	if err != nil {
		return err
	}
	if _, err := tmp.Build(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	step("FINAL CONFIRMATION")
	pairs := a.pairs
	if pairs == "" {
		pairs = fmt.Sprintf("all %d instruments", len(domain.Instruments))
	}
	summary := fmt.Sprintf(
		"Platform: %s\nPairs: %s\nBalances: %s\nTrade size: %s\nBuy/Sell ratio: %s / %s\nInterval: %s\n",
		a.platform, pairs, a.balances, a.tradeSize, a.buyRatio, a.sellRatio, a.tickInterval,
	)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	if err := write(path, tmp); err != nil {
		return err
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting bot...", path)))
	time.Sleep(1500 * time.Millisecond) // small pause to read success message
	return nil
}

func (a answers) configTmp() (config.ConfigTmp, error) {
	cooldown, err := time.ParseDuration(a.cooldown)
	if err != nil {
		return config.ConfigTmp{}, err
	}
	interval, err := time.ParseDuration(a.tickInterval)
	if err != nil {
		return config.ConfigTmp{}, err
	}
	balances, err := parseBalances(a.balances)
	if err != nil {
		return config.ConfigTmp{}, err
	}

	addr := a.dashboardAddr
	tmp := config.ConfigTmp{
		Platform:        a.platform,
		Pairs:           splitList(a.pairs),
		TradeSize:       a.tradeSize,
		BuyRatio:        a.buyRatio,
		SellRatio:       a.sellRatio,
		Cooldown:        cooldown,
		TickInterval:    interval,
		InitialBalances: balances,
		DashboardAddr:   &addr,
		DashboardDomain: a.dashboardDomain,
	}
	if interval != config.DefaultTickInterval {
		tmp.FetchTimeout = interval * 7 / 10
		tmp.DispatchTimeout = interval * 9 / 10
	}
	return tmp, nil
}

func write(path string, tmp config.ConfigTmp) error {
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

func validatePairs(s string) error {
	for _, code := range splitList(s) {
		if _, err := domain.ParsePair(code); err != nil {
			return err
		}
	}
	return nil
}

func validateBalances(s string) error {
	balances, err := parseBalances(s)
	if err != nil {
		return err
	}
	if len(balances) == 0 {
		return fmt.Errorf("at least one balance is required")
	}
	return nil
}

func validatePositive(s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("must be a valid number")
	}
	if !d.IsPositive() {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func validateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func parseBalances(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range splitList(s) {
		code, amount, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("invalid entry %q, expected CURRENCY:AMOUNT", entry)
		}
		code, amount = strings.ToUpper(strings.TrimSpace(code)), strings.TrimSpace(amount)
		if _, err := domain.ParseCurrency(code); err != nil {
			return nil, err
		}
		if _, err := decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount for %s: %w", code, err)
		}
		out[code] = amount
	}
	return out, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
