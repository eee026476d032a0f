package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MarketSnapshot point-in-time ticker observation for a single pair.
type MarketSnapshot struct {
	Pair TradingPair `json:"instrument_code"`
	// Sequence grows with every market update; stale snapshots carry a lower or equal value.
	Sequence uint64    `json:"sequence"`
	State    string    `json:"state,omitempty"`
	Time     time.Time `json:"time"`
	// Frozen trading suspended for the instrument.
	Frozen                bool            `json:"is_frozen"`
	BestBid               decimal.Decimal `json:"best_bid"`
	BestAsk               decimal.Decimal `json:"best_ask"`
	LastPrice             decimal.Decimal `json:"last_price"`
	BaseVolume            decimal.Decimal `json:"base_volume"`
	QuoteVolume           decimal.Decimal `json:"quote_volume"`
	High                  decimal.Decimal `json:"high"`
	Low                   decimal.Decimal `json:"low"`
	PriceChange           decimal.Decimal `json:"price_change"`
	PriceChangePercentage decimal.Decimal `json:"price_change_percentage"`
}

// tickerRecord wire form of an exchange ticker. Numeric fields stay raw so that
// both quoted and bare JSON numbers are parsed as exact decimals.
type tickerRecord struct {
	InstrumentCode        string          `json:"instrument_code"`
	Sequence              json.RawMessage `json:"sequence"`
	State                 string          `json:"state"`
	Time                  string          `json:"time"`
	IsFrozen              json.RawMessage `json:"is_frozen"`
	QuoteVolume           json.RawMessage `json:"quote_volume"`
	BaseVolume            json.RawMessage `json:"base_volume"`
	LastPrice             json.RawMessage `json:"last_price"`
	BestBid               json.RawMessage `json:"best_bid"`
	BestAsk               json.RawMessage `json:"best_ask"`
	PriceChange           json.RawMessage `json:"price_change"`
	PriceChangePercentage json.RawMessage `json:"price_change_percentage"`
	High                  json.RawMessage `json:"high"`
	Low                   json.RawMessage `json:"low"`
}

// DecodeMarketSnapshot decodes one exchange ticker record.
func DecodeMarketSnapshot(data []byte) (MarketSnapshot, error) {
	var s MarketSnapshot
	if err := s.UnmarshalJSON(data); err != nil {
		return MarketSnapshot{}, err
	}
	return s, nil
}

// UnmarshalJSON decodes a ticker record, failing with ErrMalformedSnapshot on any invalid field.
func (s *MarketSnapshot) UnmarshalJSON(data []byte) error {
	var rec tickerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return errors.Wrapf(ErrMalformedSnapshot, "decode ticker: %s", err)
	}

	pair, err := ParsePair(rec.InstrumentCode)
	if err != nil {
		return errors.Wrapf(ErrMalformedSnapshot, "instrument_code: %s", err)
	}

	seq, err := strconv.ParseUint(string(unquote(rec.Sequence)), 10, 64)
	if err != nil {
		return errors.Wrapf(ErrMalformedSnapshot, "sequence %s", string(rec.Sequence))
	}

	ts, err := time.Parse(time.RFC3339Nano, rec.Time)
	if err != nil {
		return errors.Wrapf(ErrMalformedSnapshot, "time %q", rec.Time)
	}

	frozen, err := decodeFrozen(rec.IsFrozen)
	if err != nil {
		return err
	}

	out := MarketSnapshot{
		Pair:     pair,
		Sequence: seq,
		State:    rec.State,
		Time:     ts,
		Frozen:   frozen,
	}

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *decimal.Decimal
	}{
		{"best_bid", rec.BestBid, &out.BestBid},
		{"best_ask", rec.BestAsk, &out.BestAsk},
		{"last_price", rec.LastPrice, &out.LastPrice},
		{"base_volume", rec.BaseVolume, &out.BaseVolume},
		{"quote_volume", rec.QuoteVolume, &out.QuoteVolume},
		{"high", rec.High, &out.High},
		{"low", rec.Low, &out.Low},
		{"price_change", rec.PriceChange, &out.PriceChange},
		{"price_change_percentage", rec.PriceChangePercentage, &out.PriceChangePercentage},
	}
	for _, f := range fields {
		d, err := decodeDecimal(f.raw)
		if err != nil {
			return errors.Wrapf(ErrMalformedSnapshot, "%s: %s", f.name, err)
		}
		*f.dst = d
	}

	*s = out
	return nil
}

// MarshalJSON encodes the snapshot in the same wire form it is decoded from.
func (s MarketSnapshot) MarshalJSON() ([]byte, error) {
	frozen := "0"
	if s.Frozen {
		frozen = "1"
	}
	rec := map[string]any{
		"instrument_code":         s.Pair.String(),
		"sequence":                s.Sequence,
		"state":                   s.State,
		"time":                    s.Time.Format(time.RFC3339Nano),
		"is_frozen":               json.RawMessage(frozen),
		"best_bid":                s.BestBid.String(),
		"best_ask":                s.BestAsk.String(),
		"last_price":              s.LastPrice.String(),
		"base_volume":             s.BaseVolume.String(),
		"quote_volume":            s.QuoteVolume.String(),
		"high":                    s.High.String(),
		"low":                     s.Low.String(),
		"price_change":            s.PriceChange.String(),
		"price_change_percentage": s.PriceChangePercentage.String(),
	}
	return json.Marshal(rec)
}

// Tradable reports whether the snapshot allows proposing orders.
func (s MarketSnapshot) Tradable() bool {
	return !s.Frozen && s.BestAsk.IsPositive() && s.BestBid.IsPositive()
}

func decodeFrozen(raw json.RawMessage) (bool, error) {
	switch string(bytes.TrimSpace(raw)) {
	case "0", "false", `"0"`:
		return false, nil
	case "1", "true", `"1"`:
		return true, nil
	default:
		return false, errors.Wrapf(ErrMalformedSnapshot, "is_frozen %s", string(raw))
	}
}

func decodeDecimal(raw json.RawMessage) (decimal.Decimal, error) {
	v := unquote(raw)
	if len(v) == 0 {
		return decimal.Decimal{}, errors.New("missing value")
	}
	return decimal.NewFromString(string(v))
}

func unquote(raw json.RawMessage) []byte {
	v := bytes.TrimSpace(raw)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
