// Package exchange implements the per-exchange market data and trading
// clients.
//
// Each concrete exchange (Coinbase, Kraken) supplies only the wire-specific
// pieces: message parsing, subscription payloads, request signing, and
// symbol mapping. The shared behavior lives in composed values rather than
// a base type:
//
//   - ManagedConn (conn.go):  WebSocket lifecycle with backoff, circuit
//     breaking, heartbeat, and idle detection
//   - books (book.go):        L2 reconstruction, delta merging, crossed-book
//     detection, and per-pair snapshot publication
//   - RateLimiter (ratelimit.go): token buckets per endpoint category
//
// All outputs are normalized to the canonical domain types in pkg/types.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Credentials carries API authentication material. Extra carries
// exchange-specific auxiliary values such as the Coinbase passphrase.
type Credentials struct {
	APIKey    string
	APISecret string
	Extra     map[string]string
}

// Health describes the connection state exposed through the status surface.
type Health struct {
	Connected         bool
	CircuitOpen       bool
	LastMessageAge    int64 // milliseconds since the last inbound message
	LastError         string
	MessagesIn        uint64
	MessagesOut       uint64
	ReconnectAttempts uint64
}

// BookStreamer provides resilient per-pair order book streams.
type BookStreamer interface {
	Connect(ctx context.Context) error
	Close() error
	SubscribeOrderBook(ctx context.Context, pair types.TradingPair) error
	UnsubscribeOrderBook(ctx context.Context, pair types.TradingPair) error
	// OrderBookUpdates returns the book stream for a subscribed pair.
	// The channel is closed when the client stops and is not restartable.
	OrderBookUpdates(pair types.TradingPair) <-chan types.OrderBook
	// OrderBookSnapshot returns the current local book, or performs a
	// fresh fetch when no local book exists.
	OrderBookSnapshot(ctx context.Context, pair types.TradingPair, depth int) (types.OrderBook, error)
	Health() Health
}

// OrderPlacer places, queries, and cancels orders.
type OrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, pair types.TradingPair, side types.Side, qty decimal.Decimal) (types.Order, error)
	PlaceLimitOrder(ctx context.Context, pair types.TradingPair, side types.Side, price, qty decimal.Decimal, orderType types.OrderType) (types.Order, error)
	// OrderStatus fetches the current state of a placed order, including
	// the filled quantity and average fill price reported by the venue.
	OrderStatus(ctx context.Context, pair types.TradingPair, orderID string) (types.Order, error)
	CancelOrder(ctx context.Context, pair types.TradingPair, orderID string) error
}

// BalanceReader reads account balances.
type BalanceReader interface {
	Balances(ctx context.Context) ([]types.Balance, error)
}

// FeeReader reads the account fee schedule.
type FeeReader interface {
	FeeSchedule(ctx context.Context) (types.FeeSchedule, error)
}

// Client is the full per-exchange capability set.
type Client interface {
	ID() types.ExchangeID
	Authenticate(creds Credentials) error
	BookStreamer
	OrderPlacer
	BalanceReader
	FeeReader
}
