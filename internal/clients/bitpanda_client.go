package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	BitpandaBaseURL = "https://api.exchange.bitpanda.com/public/v1"

	bitpandaMaxBody = 4 << 20
)

// ErrBitpandaNotFound resource does not exist.
var ErrBitpandaNotFound = errors.New("bitpanda: not found")

// BitpandaClient minimal Bitpanda Pro REST client.
type BitpandaClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewBitpandaClient creates a client. An empty apiKey allows public endpoints only.
func NewBitpandaClient(baseURL, apiKey string, timeout time.Duration) *BitpandaClient {
	if baseURL == "" {
		baseURL = BitpandaBaseURL
	}
	return &BitpandaClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// HasCredentials reports whether private endpoints can be called.
func (c *BitpandaClient) HasCredentials() bool {
	return c.apiKey != ""
}

// MarketTicker returns the raw ticker record of one instrument.
func (c *BitpandaClient) MarketTicker(ctx context.Context, instrument string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/market-ticker/"+url.PathEscape(instrument), nil, false, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// MarketTickers returns the raw ticker records of every instrument.
func (c *BitpandaClient) MarketTickers(ctx context.Context) ([]json.RawMessage, error) {
	var raw []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/market-ticker", nil, false, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// BitpandaInstrument trading rules of an instrument.
type BitpandaInstrument struct {
	Base struct {
		Code string `json:"code"`
	} `json:"base"`
	Quote struct {
		Code string `json:"code"`
	} `json:"quote"`
	AmountPrecision int32           `json:"amount_precision"`
	MinSize         decimal.Decimal `json:"min_size"`
	State           string          `json:"state"`
}

// Instruments lists tradable instruments.
func (c *BitpandaClient) Instruments(ctx context.Context) ([]BitpandaInstrument, error) {
	var out []BitpandaInstrument
	if err := c.do(ctx, http.MethodGet, "/instruments", nil, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BitpandaOrderRequest market order payload.
type BitpandaOrderRequest struct {
	InstrumentCode string `json:"instrument_code"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Amount         string `json:"amount"`
	ClientID       string `json:"client_id"`
}

// BitpandaOrder order as reported by the exchange.
type BitpandaOrder struct {
	OrderID        string          `json:"order_id"`
	ClientID       string          `json:"client_id"`
	InstrumentCode string          `json:"instrument_code"`
	Side           string          `json:"side"`
	Amount         decimal.Decimal `json:"amount"`
	FilledAmount   decimal.Decimal `json:"filled_amount"`
	Status         string          `json:"status"`
	Time           time.Time       `json:"time"`
}

// BitpandaFill single execution of an order.
type BitpandaFill struct {
	TradeID string          `json:"trade_id"`
	Amount  decimal.Decimal `json:"amount"`
	Price   decimal.Decimal `json:"price"`
	Time    time.Time       `json:"time"`
}

// BitpandaOrderDetails order with its executions.
type BitpandaOrderDetails struct {
	Order  BitpandaOrder `json:"order"`
	Trades []struct {
		Trade BitpandaFill `json:"trade"`
	} `json:"trades"`
}

// Filled reports whether the order is fully executed.
func (d BitpandaOrderDetails) Filled() bool {
	switch d.Order.Status {
	case "FILLED_FULLY", "FILLED_CLOSED":
		return true
	case "FILLED":
		return d.Order.FilledAmount.GreaterThanOrEqual(d.Order.Amount)
	}
	return false
}

// Dead reports whether the order ended without a full execution.
func (d BitpandaOrderDetails) Dead() bool {
	switch d.Order.Status {
	case "REJECTED", "FAILED", "CLOSED", "CANCELLED", "FILLED_REJECTED", "STOP_TRIGGERED_REJECTED":
		return true
	}
	return false
}

// CreateOrder submits an order.
func (c *BitpandaClient) CreateOrder(ctx context.Context, req BitpandaOrderRequest) (BitpandaOrder, error) {
	var out BitpandaOrder
	if err := c.do(ctx, http.MethodPost, "/account/orders", req, true, &out); err != nil {
		return BitpandaOrder{}, err
	}
	return out, nil
}

// OrderByClientID returns the order submitted with the client id.
func (c *BitpandaClient) OrderByClientID(ctx context.Context, clientID string) (BitpandaOrderDetails, error) {
	var out BitpandaOrderDetails
	if err := c.do(ctx, http.MethodGet, "/account/orders/client/"+url.PathEscape(clientID), nil, true, &out); err != nil {
		return BitpandaOrderDetails{}, err
	}
	return out, nil
}

// BitpandaAPIError non-2xx answer of the exchange.
type BitpandaAPIError struct {
	Status int    `json:"-"`
	Code   string `json:"error"`
	Path   string `json:"-"`
}

func (e *BitpandaAPIError) Error() string {
	return fmt.Sprintf("bitpanda %s: status %d: %s", e.Path, e.Status, e.Code)
}

// Rejected reports whether the request was refused for good and must not be retried as is.
func (e *BitpandaAPIError) Rejected() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout
}

func (c *BitpandaClient) do(ctx context.Context, method, path string, body any, private bool, out any) error {
	if private && !c.HasCredentials() {
		return errors.New("bitpanda: api key is required")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if private {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, bitpandaMaxBody))
	if err != nil {
		return errors.Wrapf(err, "read %s response", path)
	}

	if resp.StatusCode == http.StatusNotFound {
		return errors.Wrap(ErrBitpandaNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &BitpandaAPIError{Status: resp.StatusCode, Path: path}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "decode %s response", path)
	}
	return nil
}
