package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

const pairSeparator = "_"

// TradingPair cryptocurrency trading pair.
type TradingPair struct {
	// Base currency being bought or sold.
	Base Currency
	// Quote currency the base is priced in.
	Quote Currency
}

// NewTradingPair creates a validated pair.
func NewTradingPair(base, quote Currency) (TradingPair, error) {
	if !base.Valid() || !quote.Valid() {
		return TradingPair{}, errors.Wrapf(ErrInvalidPairFormat, "%s%s%s", base, pairSeparator, quote)
	}
	if base == quote {
		return TradingPair{}, errors.Wrapf(ErrInvalidPairFormat, "base equals quote: %s", base)
	}
	return TradingPair{Base: base, Quote: quote}, nil
}

// ParsePair parses the canonical BASE_QUOTE form.
func ParsePair(code string) (TradingPair, error) {
	parts := strings.Split(code, pairSeparator)
	if len(parts) != 2 {
		return TradingPair{}, errors.Wrapf(ErrInvalidPairFormat, "%q", code)
	}

	base, err := ParseCurrency(parts[0])
	if err != nil {
		return TradingPair{}, errors.Wrapf(ErrInvalidPairFormat, "%q: %s", code, err)
	}
	quote, err := ParseCurrency(parts[1])
	if err != nil {
		return TradingPair{}, errors.Wrapf(ErrInvalidPairFormat, "%q: %s", code, err)
	}

	return NewTradingPair(base, quote)
}

// MustParsePair is ParsePair for constants; it panics on invalid input.
func MustParsePair(code string) TradingPair {
	p, err := ParsePair(code)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the canonical BASE_QUOTE representation.
func (p TradingPair) String() string {
	return fmt.Sprintf("%s%s%s", p.Base, pairSeparator, p.Quote)
}

// Symbol returns the concatenated symbol used by Binance and Bybit.
func (p TradingPair) Symbol() string {
	return fmt.Sprintf("%s%s", p.Base, p.Quote)
}

// IsZero reports whether the pair is unset.
func (p TradingPair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// MarshalText implements encoding.TextMarshaler.
func (p TradingPair) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *TradingPair) UnmarshalText(text []byte) error {
	parsed, err := ParsePair(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalJSON encodes the pair as a JSON string.
func (p TradingPair) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes the pair from a JSON string.
func (p *TradingPair) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrapf(ErrInvalidPairFormat, "pair must be a string: %s", err)
	}
	return p.UnmarshalText([]byte(s))
}
