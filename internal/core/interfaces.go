// Package core defines the domain types and the contracts between the funding arbitrage components
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IMarketData is the read-only side of a venue
type IMarketData interface {
	GetName() string

	// FetchSnapshot returns the current funding observation for symbol.
	FetchSnapshot(ctx context.Context, symbol string) (*FundingObservation, error)
	// FetchAll returns every observation the venue publishes in one call, keyed by symbol.
	FetchAll(ctx context.Context) (map[string]*FundingObservation, error)

	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)
}

// IVenue is a tradeable venue
type IVenue interface {
	IMarketData

	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error)
	GetPositions(ctx context.Context) ([]*VenuePosition, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	// SetLeverage sets the leverage used for new exposure on symbol
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// ITradeLogStore persists trade log entries
type ITradeLogStore interface {
	Append(ctx context.Context, entries ...*TradeLogEntry) error
	LoadAll(ctx context.Context) ([]*TradeLogEntry, error)
	Close() error
}

// IEventSink receives structured events from the core
type IEventSink interface {
	Publish(ctx context.Context, ev *Event)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
