// Package domain defines core data structures used throughout the trading bot.
package domain

import (
	"strings"

	"github.com/pkg/errors"
)

// Currency asset symbol from the closed set the bot can trade.
type Currency string

const (
	AAVE  Currency = "AAVE"
	ADA   Currency = "ADA"
	BCH   Currency = "BCH"
	BEST  Currency = "BEST"
	BTC   Currency = "BTC"
	CHF   Currency = "CHF"
	CHZ   Currency = "CHZ"
	DOGE  Currency = "DOGE"
	DOT   Currency = "DOT"
	EOS   Currency = "EOS"
	ETH   Currency = "ETH"
	EUR   Currency = "EUR"
	GBP   Currency = "GBP"
	LINK  Currency = "LINK"
	LTC   Currency = "LTC"
	MIOTA Currency = "MIOTA"
	PAN   Currency = "PAN"
	TRX   Currency = "TRX"
	TRY   Currency = "TRY"
	UNI   Currency = "UNI"
	USDT  Currency = "USDT"
	XLM   Currency = "XLM"
	XRP   Currency = "XRP"
	XTZ   Currency = "XTZ"
)

var currencies = map[Currency]struct{}{
	AAVE: {}, ADA: {}, BCH: {}, BEST: {}, BTC: {},
	CHF: {}, CHZ: {}, DOGE: {}, DOT: {}, EOS: {},
	ETH: {}, EUR: {}, GBP: {}, LINK: {}, LTC: {},
	MIOTA: {}, PAN: {}, TRX: {}, TRY: {}, UNI: {},
	USDT: {}, XLM: {}, XRP: {}, XTZ: {},
}

// ParseCurrency returns the currency for the given code.
// Codes are case-sensitive, the catalog uses upper case only.
func ParseCurrency(code string) (Currency, error) {
	c := Currency(code)
	if _, ok := currencies[c]; !ok {
		return "", errors.Wrapf(ErrUnknownCurrency, "%q", code)
	}
	return c, nil
}

// Valid reports whether the currency belongs to the catalog.
func (c Currency) Valid() bool {
	_, ok := currencies[c]
	return ok
}

// String returns the currency code.
func (c Currency) String() string {
	return string(c)
}

// Currencies returns all known currencies.
func Currencies() []Currency {
	out := make([]Currency, 0, len(currencies))
	for c := range currencies {
		out = append(out, c)
	}
	return out
}

// UnmarshalText implements encoding.TextUnmarshaler, so currencies can be used as YAML/JSON map keys.
func (c *Currency) UnmarshalText(text []byte) error {
	parsed, err := ParseCurrency(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Currency) MarshalText() ([]byte, error) {
	return []byte(c), nil
}
