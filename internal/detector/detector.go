// Package detector computes cross-exchange arbitrage opportunities from
// consolidated order books.
//
// Detection is a pure function of the input books, the fee schedules, and
// the thresholds: the same inputs always produce the same candidate. The
// streaming wrapper re-evaluates a pair whenever any exchange's book for it
// changes, and emits qualified opportunities on a bounded channel. When the
// consumer lags, the oldest queued opportunity is marked Missed and handed
// to the miss callback so it still reaches persistence.
package detector

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// Params are the detection thresholds. CapitalCap limits the sized notional
// in quote units; zero means uncapped.
type Params struct {
	MinProfitPct decimal.Decimal
	MinTradeQty  decimal.Decimal
	TickInterval time.Duration
	CapitalCap   decimal.Decimal
}

// BookSource yields the latest book per exchange for a pair.
type BookSource interface {
	LatestForPair(pair types.TradingPair) map[types.ExchangeID]types.OrderBook
}

// Detector turns book updates into arbitrage opportunities.
type Detector struct {
	mu     sync.RWMutex
	params Params
	fees   map[types.ExchangeID]types.FeeSchedule

	out      chan types.ArbitrageOpportunity
	missed   atomic.Uint64
	onMissed func(types.ArbitrageOpportunity)

	logger *slog.Logger
}

// New creates a detector. outBuffer bounds the opportunity channel;
// onMissed receives opportunities dropped on overflow and may be nil.
func New(params Params, outBuffer int, onMissed func(types.ArbitrageOpportunity), logger *slog.Logger) *Detector {
	if outBuffer <= 0 {
		outBuffer = 12
	}
	return &Detector{
		params:   params,
		fees:     make(map[types.ExchangeID]types.FeeSchedule),
		out:      make(chan types.ArbitrageOpportunity, outBuffer),
		onMissed: onMissed,
		logger:   logger.With("component", "detector"),
	}
}

// Opportunities returns the output stream. Closed when Run returns.
func (d *Detector) Opportunities() <-chan types.ArbitrageOpportunity { return d.out }

// Missed returns how many opportunities were dropped on overflow.
func (d *Detector) Missed() uint64 { return d.missed.Load() }

// SetFees installs the fee schedule used to net one exchange's legs.
func (d *Detector) SetFees(schedule types.FeeSchedule) {
	d.mu.Lock()
	d.fees[schedule.Exchange] = schedule
	d.mu.Unlock()
}

// SetParams swaps the thresholds. Takes effect on the next evaluation.
func (d *Detector) SetParams(params Params) {
	d.mu.Lock()
	d.params = params
	d.mu.Unlock()
}

// Run evaluates every book update until ctx is cancelled or the update
// stream closes, then closes the output channel.
func (d *Detector) Run(ctx context.Context, updates <-chan types.OrderBook, source BookSource) {
	defer close(d.out)

	for {
		select {
		case <-ctx.Done():
			return
		case book, ok := <-updates:
			if !ok {
				return
			}
			books := source.LatestForPair(book.Pair)
			d.mu.RLock()
			params := d.params
			fees := make(map[types.ExchangeID]types.FeeSchedule, len(d.fees))
			for id, f := range d.fees {
				fees[id] = f
			}
			d.mu.RUnlock()

			opp, ok := Detect(books, fees, params, time.Now().UTC())
			if !ok {
				continue
			}
			d.emit(opp)
		}
	}
}

// emit queues an opportunity, displacing the oldest one as Missed when the
// consumer has fallen behind.
func (d *Detector) emit(opp types.ArbitrageOpportunity) {
	select {
	case d.out <- opp:
		return
	default:
	}

	select {
	case stale := <-d.out:
		stale.Status = types.OpportunityMissed
		d.missed.Add(1)
		d.logger.Warn("opportunity missed, consumer lagging",
			"id", stale.ID,
			"pair", stale.Pair.String(),
		)
		if d.onMissed != nil {
			d.onMissed(stale)
		}
	default:
	}

	select {
	case d.out <- opp:
	default:
	}
}

// Detect computes the best qualified opportunity across all ordered
// exchange pairs, or reports none. Pure: no randomness, no clock reads
// beyond the supplied now.
func Detect(books map[types.ExchangeID]types.OrderBook, fees map[types.ExchangeID]types.FeeSchedule, params Params, now time.Time) (types.ArbitrageOpportunity, bool) {
	exchanges := make([]types.ExchangeID, 0, len(books))
	for id := range books {
		exchanges = append(exchanges, id)
	}
	sort.Slice(exchanges, func(i, j int) bool { return exchanges[i] < exchanges[j] })

	maxAge := 2 * params.TickInterval

	var best types.ArbitrageOpportunity
	var bestNet decimal.Decimal
	found := false

	for _, buyEx := range exchanges {
		for _, sellEx := range exchanges {
			if buyEx == sellEx {
				continue
			}
			buyBook, sellBook := books[buyEx], books[sellEx]
			if maxAge > 0 {
				if now.Sub(buyBook.Timestamp) > maxAge || now.Sub(sellBook.Timestamp) > maxAge {
					continue
				}
			}

			ask, ok := buyBook.BestAsk()
			if !ok {
				continue
			}
			bid, ok := sellBook.BestBid()
			if !ok {
				continue
			}
			if !bid.Price.GreaterThan(ask.Price) {
				continue
			}

			qty := decimal.Min(ask.Quantity, bid.Quantity)
			if params.CapitalCap.IsPositive() {
				qty = decimal.Min(qty, params.CapitalCap.Div(ask.Price))
			}
			if !qty.IsPositive() || qty.LessThan(params.MinTradeQty) {
				continue
			}

			gross := bid.Price.Sub(ask.Price).Mul(qty)
			feeTotal := qty.Mul(ask.Price).Mul(takerRate(fees, buyEx)).
				Add(qty.Mul(bid.Price).Mul(takerRate(fees, sellEx)))
			net := gross.Sub(feeTotal)
			if !net.IsPositive() {
				continue
			}

			spreadPct := bid.Price.Div(ask.Price).Sub(decimal.NewFromInt(1)).Mul(hundred)
			if spreadPct.LessThan(params.MinProfitPct) {
				continue
			}

			if found {
				switch net.Cmp(bestNet) {
				case -1:
					continue
				case 0:
					if qty.LessThan(best.EffectiveQty) {
						continue
					}
					if qty.Equal(best.EffectiveQty) &&
						!lexBefore(buyEx, sellEx, best.BuyExchange, best.SellExchange) {
						continue
					}
				}
			}

			detectedAt := buyBook.Timestamp
			if sellBook.Timestamp.After(detectedAt) {
				detectedAt = sellBook.Timestamp
			}

			best = types.ArbitrageOpportunity{
				ID:             uuid.NewString(),
				Pair:           buyBook.Pair,
				BuyExchange:    buyEx,
				SellExchange:   sellEx,
				BuyPrice:       ask.Price,
				SellPrice:      bid.Price,
				EffectiveQty:   qty,
				SpreadAbs:      bid.Price.Sub(ask.Price),
				SpreadPct:      spreadPct,
				EstProfitQuote: net,
				EstFeesQuote:   feeTotal,
				DetectedAt:     detectedAt,
				Status:         types.OpportunityDetected,
			}
			bestNet = net
			found = true
		}
	}

	return best, found
}

func takerRate(fees map[types.ExchangeID]types.FeeSchedule, exchange types.ExchangeID) decimal.Decimal {
	if f, ok := fees[exchange]; ok {
		return f.TakerRate
	}
	return decimal.Zero
}

// lexBefore orders exchange pairs for the final tie-break.
func lexBefore(buyA, sellA, buyB, sellB types.ExchangeID) bool {
	if buyA != buyB {
		return buyA < buyB
	}
	return sellA < sellB
}
