// paper.go implements the simulated trading backend.
//
// Paper keeps per-(exchange, currency) balances in memory and fills market
// orders against the best opposing level of the aggregator's latest book,
// so simulated fills track real liquidity. Configured taker fees are
// charged in the quote currency. Every fill is appended to an in-memory
// trade history.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// BookSource yields the latest book for one (exchange, pair).
type BookSource interface {
	Latest(exchange types.ExchangeID, pair types.TradingPair) (types.OrderBook, bool)
}

type acctKey struct {
	Exchange types.ExchangeID
	Currency string
}

// account is one (exchange, currency) balance with its own lock.
type account struct {
	mu        sync.Mutex
	available decimal.Decimal
	reserved  decimal.Decimal
}

// Paper is the simulated execution backend.
type Paper struct {
	source BookSource

	mu       sync.RWMutex // guards the accounts map, not the balances
	accounts map[acctKey]*account

	feeMu sync.RWMutex
	fees  map[types.ExchangeID]decimal.Decimal // taker rate per exchange

	histMu  sync.Mutex
	history []types.TradeExecution

	// failHook, when set, can veto a leg before it fills. Used to exercise
	// reconciliation paths.
	hookMu   sync.Mutex
	failHook func(exchange types.ExchangeID, pair types.TradingPair, side types.Side) error

	logger *slog.Logger
}

// NewPaper creates an empty simulator. Seed balances with Deposit.
func NewPaper(source BookSource, logger *slog.Logger) *Paper {
	return &Paper{
		source:   source,
		accounts: make(map[acctKey]*account),
		fees:     make(map[types.ExchangeID]decimal.Decimal),
		logger:   logger.With("component", "paper"),
	}
}

// SetTakerFee sets the simulated taker rate for one exchange.
func (p *Paper) SetTakerFee(exchange types.ExchangeID, rate decimal.Decimal) {
	p.feeMu.Lock()
	p.fees[exchange] = rate
	p.feeMu.Unlock()
}

// SetFailHook installs a per-leg veto. Pass nil to clear.
func (p *Paper) SetFailHook(hook func(exchange types.ExchangeID, pair types.TradingPair, side types.Side) error) {
	p.hookMu.Lock()
	p.failHook = hook
	p.hookMu.Unlock()
}

// Deposit credits available funds.
func (p *Paper) Deposit(exchange types.ExchangeID, currency string, amount decimal.Decimal) {
	a := p.account(exchange, currency)
	a.mu.Lock()
	a.available = a.available.Add(amount)
	a.mu.Unlock()
}

// Reserve implements Backend: moves available funds into the hold.
func (p *Paper) Reserve(exchange types.ExchangeID, currency string, amount decimal.Decimal) error {
	a := p.account(exchange, currency)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.available.LessThan(amount) {
		return fmt.Errorf("%w: %s %s on %s, have %s",
			types.ErrInsufficientBalance, amount, currency, exchange, a.available)
	}
	a.available = a.available.Sub(amount)
	a.reserved = a.reserved.Add(amount)
	return nil
}

// Release implements Backend: returns unspent held funds, clamped to what
// is still on hold.
func (p *Paper) Release(exchange types.ExchangeID, currency string, amount decimal.Decimal) {
	a := p.account(exchange, currency)
	a.mu.Lock()
	defer a.mu.Unlock()
	back := decimal.Min(amount, a.reserved)
	a.reserved = a.reserved.Sub(back)
	a.available = a.available.Add(back)
}

// ExecuteMarket implements Backend: fills at the best opposing level of the
// latest book, charging the taker fee in quote currency.
func (p *Paper) ExecuteMarket(ctx context.Context, exchange types.ExchangeID, pair types.TradingPair, side types.Side, qty decimal.Decimal) (types.TradeExecution, error) {
	return p.fill(ctx, exchange, pair, side, qty, types.Market, decimal.Zero)
}

// ExecuteLimit fills a marketable limit order at the best opposing level.
// A non-marketable limit (buy below the ask, sell above the bid) sits open
// with nothing executed: the returned execution has zero quantity and no
// balances move.
func (p *Paper) ExecuteLimit(ctx context.Context, exchange types.ExchangeID, pair types.TradingPair, side types.Side, price, qty decimal.Decimal) (types.TradeExecution, error) {
	return p.fill(ctx, exchange, pair, side, qty, types.Limit, price)
}

func (p *Paper) fill(ctx context.Context, exchange types.ExchangeID, pair types.TradingPair, side types.Side, qty decimal.Decimal, orderType types.OrderType, limit decimal.Decimal) (types.TradeExecution, error) {
	if err := ctx.Err(); err != nil {
		return types.TradeExecution{}, err
	}
	if err := p.vetoed(exchange, pair, side); err != nil {
		return types.TradeExecution{}, err
	}

	book, ok := p.source.Latest(exchange, pair)
	if !ok {
		return types.TradeExecution{}, fmt.Errorf("no book for %s on %s", pair.String(), exchange)
	}

	var level types.OrderBookLevel
	if side == types.Buy {
		level, ok = book.BestAsk()
	} else {
		level, ok = book.BestBid()
	}
	if !ok {
		return types.TradeExecution{}, fmt.Errorf("empty %s side for %s on %s", side.Opposite(), pair.String(), exchange)
	}
	if orderType == types.Limit {
		marketable := (side == types.Buy && !level.Price.GreaterThan(limit)) ||
			(side == types.Sell && !level.Price.LessThan(limit))
		if !marketable {
			p.logger.Debug("paper limit resting",
				"exchange", exchange,
				"pair", pair.String(),
				"side", side,
				"limit", limit,
				"best", level.Price,
			)
			return types.TradeExecution{
				TradeID:     uuid.NewString(),
				Exchange:    exchange,
				Pair:        pair,
				Side:        side,
				OrderType:   types.Limit,
				Price:       limit,
				Quantity:    decimal.Zero,
				FeeCurrency: pair.Quote,
				Timestamp:   time.Now().UTC(),
			}, nil
		}
	}

	fillQty := decimal.Min(qty, level.Quantity)
	notional := level.Price.Mul(fillQty)
	fee := notional.Mul(p.takerFee(exchange))

	if side == types.Buy {
		if err := p.spend(exchange, pair.Quote, notional.Add(fee)); err != nil {
			return types.TradeExecution{}, err
		}
		p.credit(exchange, pair.Base, fillQty)
	} else {
		if err := p.spend(exchange, pair.Base, fillQty); err != nil {
			return types.TradeExecution{}, err
		}
		p.credit(exchange, pair.Quote, notional.Sub(fee))
	}

	exec := types.TradeExecution{
		TradeID:     uuid.NewString(),
		Exchange:    exchange,
		Pair:        pair,
		Side:        side,
		OrderType:   orderType,
		Price:       level.Price,
		Quantity:    fillQty,
		Fee:         fee,
		FeeCurrency: pair.Quote,
		Timestamp:   time.Now().UTC(),
	}

	p.histMu.Lock()
	p.history = append(p.history, exec)
	p.histMu.Unlock()

	p.logger.Debug("paper fill",
		"exchange", exchange,
		"pair", pair.String(),
		"side", side,
		"price", level.Price,
		"qty", fillQty,
	)
	return exec, nil
}

// Balances returns a snapshot of all simulated balances.
func (p *Paper) Balances() []types.Balance {
	p.mu.RLock()
	keys := make([]acctKey, 0, len(p.accounts))
	accts := make([]*account, 0, len(p.accounts))
	for k, a := range p.accounts {
		keys = append(keys, k)
		accts = append(accts, a)
	}
	p.mu.RUnlock()

	out := make([]types.Balance, 0, len(keys))
	for i, a := range accts {
		a.mu.Lock()
		avail, res := a.available, a.reserved
		a.mu.Unlock()
		out = append(out, types.NewBalance(keys[i].Exchange, keys[i].Currency, avail.Add(res), avail, res))
	}
	return out
}

// Trades returns a copy of the fill history, oldest first.
func (p *Paper) Trades() []types.TradeExecution {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	out := make([]types.TradeExecution, len(p.history))
	copy(out, p.history)
	return out
}

func (p *Paper) account(exchange types.ExchangeID, currency string) *account {
	key := acctKey{Exchange: exchange, Currency: currency}
	p.mu.RLock()
	a, ok := p.accounts[key]
	p.mu.RUnlock()
	if ok {
		return a
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.accounts[key]; ok {
		return a
	}
	a = &account{}
	p.accounts[key] = a
	return a
}

// spend draws funds from the hold first, then from available.
func (p *Paper) spend(exchange types.ExchangeID, currency string, amount decimal.Decimal) error {
	a := p.account(exchange, currency)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reserved.Add(a.available).LessThan(amount) {
		return fmt.Errorf("%w: %s %s on %s, have %s",
			types.ErrInsufficientBalance, amount, currency, exchange, a.reserved.Add(a.available))
	}
	fromReserved := decimal.Min(amount, a.reserved)
	a.reserved = a.reserved.Sub(fromReserved)
	a.available = a.available.Sub(amount.Sub(fromReserved))
	return nil
}

func (p *Paper) credit(exchange types.ExchangeID, currency string, amount decimal.Decimal) {
	a := p.account(exchange, currency)
	a.mu.Lock()
	a.available = a.available.Add(amount)
	a.mu.Unlock()
}

func (p *Paper) takerFee(exchange types.ExchangeID) decimal.Decimal {
	p.feeMu.RLock()
	defer p.feeMu.RUnlock()
	return p.fees[exchange]
}

func (p *Paper) vetoed(exchange types.ExchangeID, pair types.TradingPair, side types.Side) error {
	p.hookMu.Lock()
	hook := p.failHook
	p.hookMu.Unlock()
	if hook == nil {
		return nil
	}
	return hook(exchange, pair, side)
}
