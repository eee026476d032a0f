package domain

import "github.com/pkg/errors"

var (
	// ErrUnknownCurrency currency code is not in the catalog.
	ErrUnknownCurrency = errors.New("unknown currency")
	// ErrInvalidPairFormat pair code is not BASE_QUOTE of two distinct known currencies.
	ErrInvalidPairFormat = errors.New("invalid pair format")
	// ErrMalformedSnapshot ticker record can not be decoded.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrInsufficientData no market snapshot is available for the pair yet.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrOverdraftedSell sell amount exceeds the unmatched buys of the pair.
	ErrOverdraftedSell = errors.New("overdrafted sell")
	// ErrHoldingExceeded unmatched buys of a currency exceed its wallet balance.
	ErrHoldingExceeded = errors.New("holding exceeded")
	// ErrTradingHalted unrecoverable failure, trading must stop.
	ErrTradingHalted = errors.New("trading halted")
)
