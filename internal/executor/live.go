// live.go adapts the real exchange clients to the executor Backend.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/pkg/types"
)

// fillPollInterval paces order status queries while waiting for a venue
// to report the fill; cancelGrace bounds the cleanup calls made after the
// execution deadline has already expired.
const (
	fillPollInterval = 200 * time.Millisecond
	cancelGrace      = 5 * time.Second
)

// Live routes executor legs to the real exchange clients. Exchanges hold
// funds themselves once an order is placed, so Reserve only verifies that
// the balance exists and Release is a no-op.
type Live struct {
	mu      sync.RWMutex
	clients map[types.ExchangeID]exchange.Client
	fees    map[types.ExchangeID]decimal.Decimal

	logger *slog.Logger
}

// NewLive creates a live backend over the given clients.
func NewLive(clients map[types.ExchangeID]exchange.Client, logger *slog.Logger) *Live {
	return &Live{
		clients: clients,
		fees:    make(map[types.ExchangeID]decimal.Decimal),
		logger:  logger.With("component", "live"),
	}
}

// SetTakerFee caches the taker rate used for fee estimates on fills that
// do not report fees.
func (l *Live) SetTakerFee(exchange types.ExchangeID, rate decimal.Decimal) {
	l.mu.Lock()
	l.fees[exchange] = rate
	l.mu.Unlock()
}

// Reserve implements Backend by verifying available funds on the exchange.
func (l *Live) Reserve(exchangeID types.ExchangeID, currency string, amount decimal.Decimal) error {
	client, err := l.client(exchangeID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	balances, err := client.Balances(ctx)
	if err != nil {
		return fmt.Errorf("balance check on %s: %w", exchangeID, err)
	}
	for _, b := range balances {
		if b.Currency == currency {
			if b.Available.LessThan(amount) {
				return fmt.Errorf("%w: %s %s on %s, have %s",
					types.ErrInsufficientBalance, amount, currency, exchangeID, b.Available)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: no %s balance on %s", types.ErrInsufficientBalance, currency, exchangeID)
}

// Release implements Backend. The exchange releases its own holds when
// orders settle or cancel.
func (l *Live) Release(types.ExchangeID, string, decimal.Decimal) {}

// ExecuteMarket implements Backend. Venues that acknowledge asynchronously
// report no fill detail on placement, so the order is polled to a terminal
// state within ctx; when the deadline expires first the remainder is
// cancelled and whatever actually executed is reported.
func (l *Live) ExecuteMarket(ctx context.Context, exchangeID types.ExchangeID, pair types.TradingPair, side types.Side, qty decimal.Decimal) (types.TradeExecution, error) {
	client, err := l.client(exchangeID)
	if err != nil {
		return types.TradeExecution{}, err
	}

	order, err := client.PlaceMarketOrder(ctx, pair, side, qty)
	if err != nil {
		return types.TradeExecution{}, &types.ExecutionError{Exchange: exchangeID, Side: side, Err: err}
	}
	if order.Status == types.OrderRejected {
		return types.TradeExecution{}, &types.ExecutionError{
			Exchange: exchangeID, Side: side,
			Err: fmt.Errorf("order %s rejected", order.ID),
		}
	}

	if order.Status != types.OrderFilled || !order.FilledQty.IsPositive() {
		order = l.awaitFill(ctx, client, order)
	}
	if !order.FilledQty.IsPositive() {
		return types.TradeExecution{}, &types.ExecutionError{
			Exchange: exchangeID, Side: side,
			Err: fmt.Errorf("order %s ended %s with nothing executed", order.ID, order.Status),
		}
	}

	fillQty := order.FilledQty
	fillPrice := order.AvgFillPrice

	// Executed volume confirmed but no average price reported; price the
	// fill off the current top of book.
	if !fillPrice.IsPositive() {
		snapCtx, cancel := context.WithTimeout(context.Background(), cancelGrace)
		defer cancel()
		book, err := client.OrderBookSnapshot(snapCtx, pair, 1)
		if err != nil {
			return types.TradeExecution{}, &types.ExecutionError{Exchange: exchangeID, Side: side, Err: err}
		}
		var level types.OrderBookLevel
		var ok bool
		if side == types.Buy {
			level, ok = book.BestAsk()
		} else {
			level, ok = book.BestBid()
		}
		if !ok {
			return types.TradeExecution{}, &types.ExecutionError{
				Exchange: exchangeID, Side: side,
				Err: fmt.Errorf("no book level to price fill for %s", pair.String()),
			}
		}
		fillPrice = level.Price
	}

	notional := fillPrice.Mul(fillQty)
	l.mu.RLock()
	fee := notional.Mul(l.fees[exchangeID])
	l.mu.RUnlock()

	return types.TradeExecution{
		TradeID:     order.ID,
		Exchange:    exchangeID,
		Pair:        pair,
		Side:        side,
		OrderType:   types.Market,
		Price:       fillPrice,
		Quantity:    fillQty,
		Fee:         fee,
		FeeCurrency: pair.Quote,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// awaitFill polls the venue until the order reaches a terminal state. On
// ctx expiry it cancels the remainder and returns the final venue state so
// partial fills are never dropped.
func (l *Live) awaitFill(ctx context.Context, client exchange.Client, order types.Order) types.Order {
	for {
		latest, err := client.OrderStatus(ctx, order.Pair, order.ID)
		if err == nil {
			order = mergeOrder(order, latest)
			if order.Status.Terminal() {
				return order
			}
		} else if ctx.Err() == nil {
			l.logger.Warn("order status poll failed", "order_id", order.ID, "error", err)
		}

		select {
		case <-ctx.Done():
			return l.cancelRemainder(client, order)
		case <-time.After(fillPollInterval):
		}
	}
}

// cancelRemainder cancels an order that outlived its execution deadline
// and fetches its final state.
func (l *Live) cancelRemainder(client exchange.Client, order types.Order) types.Order {
	ctx, cancel := context.WithTimeout(context.Background(), cancelGrace)
	defer cancel()

	if err := client.CancelOrder(ctx, order.Pair, order.ID); err != nil {
		l.logger.Warn("cancel after deadline failed", "order_id", order.ID, "error", err)
	}
	latest, err := client.OrderStatus(ctx, order.Pair, order.ID)
	if err != nil {
		l.logger.Warn("final order status unavailable", "order_id", order.ID, "error", err)
		return order
	}
	return mergeOrder(order, latest)
}

// mergeOrder folds a status query into the locally known order, keeping
// the placement fields the venue does not echo back.
func mergeOrder(order, latest types.Order) types.Order {
	order.Status = latest.Status
	order.FilledQty = latest.FilledQty
	if latest.AvgFillPrice.IsPositive() {
		order.AvgFillPrice = latest.AvgFillPrice
	}
	order.LastUpdated = latest.LastUpdated
	return order
}

func (l *Live) client(id types.ExchangeID) (exchange.Client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.clients[id]
	if !ok {
		return nil, fmt.Errorf("no client for exchange %s", id)
	}
	return c, nil
}
