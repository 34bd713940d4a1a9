// Package executor turns approved opportunities into paired trades.
//
// A fixed worker pool drains the opportunity channel. Each execution
// reserves balances, launches the buy and sell legs concurrently, awaits
// both within the execution deadline, and reconciles the outcome: matched
// fills are a success, anything else is flattened back to a neutral
// position with an opposite market order. Every attempt produces exactly
// one TradeResult, including failures.
//
// The Backend abstraction keeps the protocol identical for live exchanges
// and the paper simulator.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// flattenTimeout bounds the opposite market order used to unwind a
// one-sided position.
const flattenTimeout = 5 * time.Second

// Backend places orders and manages balances for one trading venue set.
//
// ExecuteMarket returns the fill record; a partial fill is a nil error with
// Quantity below the requested amount, a rejection is a non-nil error with
// nothing filled.
type Backend interface {
	Reserve(exchange types.ExchangeID, currency string, amount decimal.Decimal) error
	Release(exchange types.ExchangeID, currency string, amount decimal.Decimal)
	ExecuteMarket(ctx context.Context, exchange types.ExchangeID, pair types.TradingPair, side types.Side, qty decimal.Decimal) (types.TradeExecution, error)
}

// Executor runs the paired-trade protocol over a worker pool.
type Executor struct {
	backend Backend
	workers int
	timeout time.Duration

	out    chan types.TradeResult
	logger *slog.Logger
}

// New creates an executor. workers bounds concurrent executions; timeout is
// the per-attempt execution deadline.
func New(backend Backend, workers int, timeout time.Duration, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Executor{
		backend: backend,
		workers: workers,
		timeout: timeout,
		out:     make(chan types.TradeResult, workers*2),
		logger:  logger.With("component", "executor"),
	}
}

// Results returns the trade result stream. Closed when Run returns.
func (e *Executor) Results() <-chan types.TradeResult { return e.out }

// Run drains the opportunity channel with the worker pool until ctx is
// cancelled or the channel closes, then closes the result stream.
func (e *Executor) Run(ctx context.Context, opportunities <-chan types.ArbitrageOpportunity) {
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case opp, ok := <-opportunities:
					if !ok {
						return
					}
					result := e.Execute(ctx, opp)
					select {
					case e.out <- result:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	close(e.out)
}

type legOutcome struct {
	exec types.TradeExecution
	err  error
}

// Execute runs one paired trade and always returns a result.
func (e *Executor) Execute(ctx context.Context, opp types.ArbitrageOpportunity) types.TradeResult {
	start := time.Now()
	result := types.TradeResult{
		ID:            uuid.NewString(),
		OpportunityID: opp.ID,
		Timestamp:     start.UTC(),
	}
	defer func() {
		result.ExecutionTimeMS = time.Since(start).Milliseconds()
	}()

	quoteAmount := opp.BuyPrice.Mul(opp.EffectiveQty)
	if err := e.backend.Reserve(opp.BuyExchange, opp.Pair.Quote, quoteAmount); err != nil {
		result.Error = fmt.Sprintf("reserve %s %s on %s: %v", quoteAmount, opp.Pair.Quote, opp.BuyExchange, err)
		return result
	}
	if err := e.backend.Reserve(opp.SellExchange, opp.Pair.Base, opp.EffectiveQty); err != nil {
		e.backend.Release(opp.BuyExchange, opp.Pair.Quote, quoteAmount)
		result.Error = fmt.Sprintf("reserve %s %s on %s: %v", opp.EffectiveQty, opp.Pair.Base, opp.SellExchange, err)
		return result
	}
	defer e.backend.Release(opp.BuyExchange, opp.Pair.Quote, quoteAmount)
	defer e.backend.Release(opp.SellExchange, opp.Pair.Base, opp.EffectiveQty)

	legCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Both legs start together; neither waits on the other.
	buyCh := make(chan legOutcome, 1)
	sellCh := make(chan legOutcome, 1)
	go func() {
		exec, err := e.backend.ExecuteMarket(legCtx, opp.BuyExchange, opp.Pair, types.Buy, opp.EffectiveQty)
		buyCh <- legOutcome{exec: exec, err: err}
	}()
	go func() {
		exec, err := e.backend.ExecuteMarket(legCtx, opp.SellExchange, opp.Pair, types.Sell, opp.EffectiveQty)
		sellCh <- legOutcome{exec: exec, err: err}
	}()
	buy := <-buyCh
	sell := <-sellCh

	return e.reconcile(opp, buy, sell, result)
}

// reconcile settles the two leg outcomes into one result, unwinding any
// one-sided exposure.
func (e *Executor) reconcile(opp types.ArbitrageOpportunity, buy, sell legOutcome, result types.TradeResult) types.TradeResult {
	var problems []string
	if buy.err != nil {
		problems = append(problems, fmt.Sprintf("buy leg on %s: %v", opp.BuyExchange, buy.err))
	}
	if sell.err != nil {
		problems = append(problems, fmt.Sprintf("sell leg on %s: %v", opp.SellExchange, sell.err))
	}

	boughtQty := decimal.Zero
	soldQty := decimal.Zero
	if buy.err == nil {
		boughtQty = buy.exec.Quantity
		buy.exec.OpportunityID = opp.ID
		result.BuyExecution = &buy.exec
	}
	if sell.err == nil {
		soldQty = sell.exec.Quantity
		sell.exec.OpportunityID = opp.ID
		result.SellExecution = &sell.exec
	}

	matched := decimal.Min(boughtQty, soldQty)

	// Flatten any excess so the attempt ends position-neutral.
	sells := []types.TradeExecution{}
	buys := []types.TradeExecution{}
	if sell.err == nil {
		sells = append(sells, sell.exec)
	}
	if buy.err == nil {
		buys = append(buys, buy.exec)
	}

	if excess := boughtQty.Sub(matched); excess.IsPositive() {
		flat, err := e.flatten(opp.BuyExchange, opp.Pair, types.Sell, excess)
		if err != nil {
			problems = append(problems, fmt.Sprintf("flatten %s %s on %s failed, residual exposure: %v",
				excess, opp.Pair.Base, opp.BuyExchange, err))
		} else {
			flat.OpportunityID = opp.ID
			sells = append(sells, flat)
		}
	}
	if excess := soldQty.Sub(matched); excess.IsPositive() {
		flat, err := e.flatten(opp.SellExchange, opp.Pair, types.Buy, excess)
		if err != nil {
			problems = append(problems, fmt.Sprintf("buy back %s %s on %s failed, residual exposure: %v",
				excess, opp.Pair.Base, opp.SellExchange, err))
		} else {
			flat.OpportunityID = opp.ID
			buys = append(buys, flat)
		}
	}

	var buyNotional, sellNotional, fees decimal.Decimal
	for _, x := range buys {
		buyNotional = buyNotional.Add(x.Notional())
		fees = fees.Add(x.Fee)
	}
	for _, x := range sells {
		sellNotional = sellNotional.Add(x.Notional())
		fees = fees.Add(x.Fee)
	}

	result.ProfitAbs = sellNotional.Sub(buyNotional).Sub(fees)
	if buyNotional.IsPositive() {
		result.ProfitPct = result.ProfitAbs.Div(buyNotional).Mul(decimal.NewFromInt(100))
	}

	fullyMatched := matched.Equal(opp.EffectiveQty)
	result.IsSuccess = buy.err == nil && sell.err == nil && fullyMatched && len(problems) == 0
	if !fullyMatched && buy.err == nil && sell.err == nil {
		problems = append(problems, fmt.Sprintf("matched %s of requested %s", matched, opp.EffectiveQty))
	}
	if len(problems) > 0 {
		result.Error = strings.Join(problems, "; ")
	}

	if result.IsSuccess {
		e.logger.Info("trade executed",
			"opportunity", opp.ID,
			"pair", opp.Pair.String(),
			"qty", matched,
			"profit", result.ProfitAbs,
		)
	} else {
		e.logger.Warn("trade failed",
			"opportunity", opp.ID,
			"pair", opp.Pair.String(),
			"error", result.Error,
			"profit", result.ProfitAbs,
		)
	}
	return result
}

// flatten places the opposite market order that unwinds a one-sided fill.
// Runs on its own deadline: the execution timeout has usually expired by
// the time it is needed.
func (e *Executor) flatten(exchange types.ExchangeID, pair types.TradingPair, side types.Side, qty decimal.Decimal) (types.TradeExecution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), flattenTimeout)
	defer cancel()
	return e.backend.ExecuteMarket(ctx, exchange, pair, side, qty)
}
