// Package clients builds exchange API clients.
package clients

import (
	"net/http"
	"os"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/hirokisan/bybit/v2"
)

// Credentials exchange API keys. Read from the environment only, never from config files.
type Credentials struct {
	BitpandaAPIKey string
	BinanceAPIKey  string
	BinanceSecret  string
	BybitAPIKey    string
	BybitAPISecret string
}

// CredentialsFromEnv reads the keys of every supported exchange.
func CredentialsFromEnv() Credentials {
	return Credentials{
		BitpandaAPIKey: os.Getenv("BITPANDA_API_KEY"),
		BinanceAPIKey:  os.Getenv("BINANCE_API_KEY"),
		BinanceSecret:  os.Getenv("BINANCE_API_SECRET"),
		BybitAPIKey:    os.Getenv("BYBIT_API_KEY"),
		BybitAPISecret: os.Getenv("BYBIT_API_SECRET"),
	}
}

func NewBinanceClient(apiKey, apiSecret string, timeout time.Duration) *binance.Client {
	client := binance.NewClient(apiKey, apiSecret)
	client.HTTPClient = &http.Client{Timeout: timeout}
	return client
}

// NewBybitClient bybit calls take no context, so every request is bounded by timeout.
func NewBybitClient(apiKey, apiSecret string, timeout time.Duration) *bybit.Client {
	client := bybit.NewClient().WithHTTPClient(&http.Client{Timeout: timeout})
	if apiKey == "" {
		return client
	}
	return client.WithAuth(apiKey, apiSecret)
}

// NewPublicBitpandaClient client for market data only.
func NewPublicBitpandaClient(timeout time.Duration) *BitpandaClient {
	return NewBitpandaClient(BitpandaBaseURL, "", timeout)
}
