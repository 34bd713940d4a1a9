// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: trading pairs,
// order books, opportunities, orders, executions, balances, and risk
// profiles. It has no dependencies on internal packages, so it can be
// imported by any layer. All monetary values are arbitrary-precision
// decimals; floating point is never used for prices or quantities.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ExchangeID identifies a connected exchange, e.g. "coinbase" or "kraken".
type ExchangeID string

const (
	ExchangeCoinbase ExchangeID = "coinbase"
	ExchangeKraken   ExchangeID = "kraken"
)

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the flattening direction for a filled leg.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order. An order is created New
// and ends in one of the terminal states; PartiallyFilled is non-terminal.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status ends the order lifecycle.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// OpportunityStatus tracks an opportunity from detection to outcome.
type OpportunityStatus string

const (
	OpportunityDetected  OpportunityStatus = "DETECTED"
	OpportunityExecuting OpportunityStatus = "EXECUTING"
	OpportunityExecuted  OpportunityStatus = "EXECUTED"
	OpportunityFailed    OpportunityStatus = "FAILED"
	OpportunityMissed    OpportunityStatus = "MISSED"
)

// TradingPair is a base/quote currency pair. Codes are normalized to
// uppercase at construction so equality and map keys are case-insensitive.
type TradingPair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// NewTradingPair builds a pair with normalized currency codes.
func NewTradingPair(base, quote string) TradingPair {
	return TradingPair{
		Base:  strings.ToUpper(strings.TrimSpace(base)),
		Quote: strings.ToUpper(strings.TrimSpace(quote)),
	}
}

// ParsePair parses "BTC/USDT" into a TradingPair.
func ParsePair(s string) (TradingPair, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return TradingPair{}, fmt.Errorf("invalid trading pair %q", s)
	}
	return NewTradingPair(parts[0], parts[1]), nil
}

func (p TradingPair) String() string {
	return p.Base + "/" + p.Quote
}

// IsZero reports whether the pair is unset.
func (p TradingPair) IsZero() bool {
	return p.Base == "" && p.Quote == ""
}

// OrderBookLevel is a single price level with resting quantity.
type OrderBookLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// OrderBook is a point-in-time L2 view for one pair on one exchange.
// Bids are sorted descending by price, asks ascending.
type OrderBook struct {
	Exchange  ExchangeID       `json:"exchange"`
	Pair      TradingPair      `json:"pair"`
	Timestamp time.Time        `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// BestBid returns the top bid level, if any.
func (b *OrderBook) BestBid() (OrderBookLevel, bool) {
	if len(b.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (b *OrderBook) BestAsk() (OrderBookLevel, bool) {
	if len(b.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Asks[0], true
}

// Crossed reports whether best_bid >= best_ask while both sides are
// populated. A crossed book is invalid and must be resynced.
func (b *OrderBook) Crossed() bool {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return false
	}
	return bid.Price.GreaterThanOrEqual(ask.Price)
}

// Clone returns a deep copy so readers never share level slices with the
// owning goroutine.
func (b *OrderBook) Clone() OrderBook {
	out := OrderBook{
		Exchange:  b.Exchange,
		Pair:      b.Pair,
		Timestamp: b.Timestamp,
		Bids:      make([]OrderBookLevel, len(b.Bids)),
		Asks:      make([]OrderBookLevel, len(b.Asks)),
	}
	copy(out.Bids, b.Bids)
	copy(out.Asks, b.Asks)
	return out
}

// Quote projects the book to a top-of-book quote. Produced only when both
// sides are non-empty with positive prices and quantities.
func (b *OrderBook) Quote() (PriceQuote, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return PriceQuote{}, false
	}
	if !bid.Price.IsPositive() || !bid.Quantity.IsPositive() ||
		!ask.Price.IsPositive() || !ask.Quantity.IsPositive() {
		return PriceQuote{}, false
	}
	return PriceQuote{
		Exchange:   b.Exchange,
		Pair:       b.Pair,
		Timestamp:  b.Timestamp,
		BestBid:    bid.Price,
		BestBidQty: bid.Quantity,
		BestAsk:    ask.Price,
		BestAskQty: ask.Quantity,
	}, true
}

// PriceQuote is the top-of-book projection of an OrderBook.
type PriceQuote struct {
	Exchange   ExchangeID      `json:"exchange"`
	Pair       TradingPair     `json:"pair"`
	Timestamp  time.Time       `json:"timestamp"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestBidQty decimal.Decimal `json:"best_bid_qty"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	BestAskQty decimal.Decimal `json:"best_ask_qty"`
}

// ArbitrageOpportunity is a qualified cross-exchange price dislocation.
// Immutable once emitted by the detector; it flows through the pipeline
// by value.
type ArbitrageOpportunity struct {
	ID             string            `json:"id"` // UUID
	Pair           TradingPair       `json:"pair"`
	BuyExchange    ExchangeID        `json:"buy_exchange"`  // where the ask is low
	SellExchange   ExchangeID        `json:"sell_exchange"` // where the bid is high
	BuyPrice       decimal.Decimal   `json:"buy_price"`     // best ask on BuyExchange
	SellPrice      decimal.Decimal   `json:"sell_price"`    // best bid on SellExchange
	EffectiveQty   decimal.Decimal   `json:"effective_quantity"`
	SpreadAbs      decimal.Decimal   `json:"spread_abs"`
	SpreadPct      decimal.Decimal   `json:"spread_pct"`
	EstProfitQuote decimal.Decimal   `json:"est_profit_quote"` // net of fees
	EstFeesQuote   decimal.Decimal   `json:"est_fees_quote"`
	DetectedAt     time.Time         `json:"detected_at"`
	Status         OpportunityStatus `json:"status"`
}

// Validate enforces the emission invariants.
func (o *ArbitrageOpportunity) Validate() error {
	if o.BuyExchange == o.SellExchange {
		return fmt.Errorf("opportunity %s: buy and sell exchange are both %s", o.ID, o.BuyExchange)
	}
	if !o.SellPrice.GreaterThan(o.BuyPrice) {
		return fmt.Errorf("opportunity %s: sell price %s not above buy price %s", o.ID, o.SellPrice, o.BuyPrice)
	}
	if !o.EffectiveQty.IsPositive() {
		return fmt.Errorf("opportunity %s: non-positive quantity %s", o.ID, o.EffectiveQty)
	}
	if o.EstProfitQuote.IsNegative() {
		return fmt.Errorf("opportunity %s: negative estimated profit %s", o.ID, o.EstProfitQuote)
	}
	return nil
}

// Order is an exchange order in the canonical domain shape.
type Order struct {
	ID           string          `json:"id"`
	Exchange     ExchangeID      `json:"exchange"`
	Pair         TradingPair     `json:"pair"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Status       OrderStatus     `json:"status"`
	Price        decimal.Decimal `json:"price"` // zero for market orders
	Quantity     decimal.Decimal `json:"quantity"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUpdated  time.Time       `json:"last_updated"`
}

// TradeExecution is an atomic fill record for one leg.
type TradeExecution struct {
	TradeID       string          `json:"trade_id"`
	Exchange      ExchangeID      `json:"exchange"`
	Pair          TradingPair     `json:"pair"`
	Side          Side            `json:"side"`
	OrderType     OrderType       `json:"order_type"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Fee           decimal.Decimal `json:"fee"`
	FeeCurrency   string          `json:"fee_currency"`
	Timestamp     time.Time       `json:"timestamp"`
	OpportunityID string          `json:"opportunity_id,omitempty"`
}

// Notional is price * quantity in quote units.
func (e *TradeExecution) Notional() decimal.Decimal {
	return e.Price.Mul(e.Quantity)
}

// TradeResult is the single record produced by every execution attempt,
// success or failure. Exactly one is emitted per approved opportunity.
type TradeResult struct {
	ID              string          `json:"id"`
	OpportunityID   string          `json:"opportunity_id"`
	IsSuccess       bool            `json:"is_success"`
	BuyExecution    *TradeExecution `json:"buy_execution,omitempty"`
	SellExecution   *TradeExecution `json:"sell_execution,omitempty"`
	ProfitAbs       decimal.Decimal `json:"profit_abs"`
	ProfitPct       decimal.Decimal `json:"profit_pct"`
	Error           string          `json:"error,omitempty"`
	ExecutionTimeMS int64           `json:"execution_time_ms"`
	Timestamp       time.Time       `json:"timestamp"`
}

// balanceEpsilon is the tolerated drift between total and
// available+reserved, in quote units.
var balanceEpsilon = decimal.New(1, -7)

// Balance is the holding of one currency on one exchange.
type Balance struct {
	Exchange  ExchangeID      `json:"exchange"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewBalance is the only way callers should build a Balance. Total is
// re-derived from available+reserved when the caller's total drifts beyond
// epsilon, so argument-order mistakes cannot produce an inconsistent value.
func NewBalance(exchange ExchangeID, currency string, total, available, reserved decimal.Decimal) Balance {
	sum := available.Add(reserved)
	if total.Sub(sum).Abs().GreaterThan(balanceEpsilon) {
		total = sum
	}
	return Balance{
		Exchange:  exchange,
		Currency:  strings.ToUpper(currency),
		Total:     total,
		Available: available,
		Reserved:  reserved,
		Timestamp: time.Now().UTC(),
	}
}

// Validate enforces the balance invariants.
func (b *Balance) Validate() error {
	if b.Total.IsNegative() || b.Available.IsNegative() || b.Reserved.IsNegative() {
		return fmt.Errorf("balance %s/%s: negative component", b.Exchange, b.Currency)
	}
	if b.Total.Sub(b.Available.Add(b.Reserved)).Abs().GreaterThan(balanceEpsilon) {
		return fmt.Errorf("balance %s/%s: total %s != available %s + reserved %s",
			b.Exchange, b.Currency, b.Total, b.Available, b.Reserved)
	}
	return nil
}

// FeeSchedule holds an exchange's trading fee rates as fractions in [0, 1).
type FeeSchedule struct {
	Exchange   ExchangeID      `json:"exchange"`
	MakerRate  decimal.Decimal `json:"maker_rate"`
	TakerRate  decimal.Decimal `json:"taker_rate"`
	Withdrawal decimal.Decimal `json:"withdrawal_rate,omitempty"`
}

// RiskProfile sets the limits the risk manager enforces. Capital and loss
// limits are fractions (0.05 = 5%); MinProfitPct and MaxSlippagePct are
// percentage points to match the detector's spread_pct.
type RiskProfile struct {
	MaxCapitalPerTradePct decimal.Decimal `json:"max_capital_per_trade_pct"`
	MaxCapitalPerAssetPct decimal.Decimal `json:"max_capital_per_asset_pct"`
	MinProfitPct          decimal.Decimal `json:"min_profit_pct"`
	MaxSlippagePct        decimal.Decimal `json:"max_slippage_pct"`
	StopLossPct           decimal.Decimal `json:"stop_loss_pct"`
	DailyLossLimitPct     decimal.Decimal `json:"daily_loss_limit_pct"`
	MaxConcurrentTrades   int             `json:"max_concurrent_trades"`
	UsePriceProtection    bool            `json:"use_price_protection"`
}

// ConservativeProfile trades small and rarely.
func ConservativeProfile() RiskProfile {
	return RiskProfile{
		MaxCapitalPerTradePct: decimal.NewFromFloat(0.05),
		MaxCapitalPerAssetPct: decimal.NewFromFloat(0.10),
		MinProfitPct:          decimal.NewFromFloat(0.5),
		MaxSlippagePct:        decimal.NewFromFloat(0.1),
		StopLossPct:           decimal.NewFromFloat(1.0),
		DailyLossLimitPct:     decimal.NewFromFloat(0.01),
		MaxConcurrentTrades:   1,
		UsePriceProtection:    true,
	}
}

// BalancedProfile is the default preset.
func BalancedProfile() RiskProfile {
	return RiskProfile{
		MaxCapitalPerTradePct: decimal.NewFromFloat(0.10),
		MaxCapitalPerAssetPct: decimal.NewFromFloat(0.25),
		MinProfitPct:          decimal.NewFromFloat(0.2),
		MaxSlippagePct:        decimal.NewFromFloat(0.25),
		StopLossPct:           decimal.NewFromFloat(2.0),
		DailyLossLimitPct:     decimal.NewFromFloat(0.03),
		MaxConcurrentTrades:   3,
		UsePriceProtection:    true,
	}
}

// AggressiveProfile trades larger with looser guards.
func AggressiveProfile() RiskProfile {
	return RiskProfile{
		MaxCapitalPerTradePct: decimal.NewFromFloat(0.25),
		MaxCapitalPerAssetPct: decimal.NewFromFloat(0.50),
		MinProfitPct:          decimal.NewFromFloat(0.1),
		MaxSlippagePct:        decimal.NewFromFloat(0.5),
		StopLossPct:           decimal.NewFromFloat(5.0),
		DailyLossLimitPct:     decimal.NewFromFloat(0.10),
		MaxConcurrentTrades:   10,
		UsePriceProtection:    false,
	}
}

// ProfileByName resolves a preset name, defaulting to Balanced.
func ProfileByName(name string) RiskProfile {
	switch strings.ToLower(name) {
	case "conservative":
		return ConservativeProfile()
	case "aggressive":
		return AggressiveProfile()
	default:
		return BalancedProfile()
	}
}
