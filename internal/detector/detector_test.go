package detector

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

var (
	testPair = types.NewTradingPair("BTC", "USDT")
	takerFee = decimal.NewFromFloat(0.001)
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func book(t *testing.T, exchange types.ExchangeID, bid, bidQty, ask, askQty string, ts time.Time) types.OrderBook {
	t.Helper()
	return types.OrderBook{
		Exchange:  exchange,
		Pair:      testPair,
		Timestamp: ts,
		Bids:      []types.OrderBookLevel{{Price: dec(t, bid), Quantity: dec(t, bidQty)}},
		Asks:      []types.OrderBookLevel{{Price: dec(t, ask), Quantity: dec(t, askQty)}},
	}
}

func testFees() map[types.ExchangeID]types.FeeSchedule {
	return map[types.ExchangeID]types.FeeSchedule{
		types.ExchangeCoinbase: {Exchange: types.ExchangeCoinbase, TakerRate: takerFee, MakerRate: takerFee},
		types.ExchangeKraken:   {Exchange: types.ExchangeKraken, TakerRate: takerFee, MakerRate: takerFee},
	}
}

func testParams() Params {
	return Params{
		MinProfitPct: decimal.NewFromFloat(0.1),
		MinTradeQty:  decimal.NewFromFloat(0.0001),
		TickInterval: 500 * time.Millisecond,
	}
}

func TestDetectFeesEatThinSpread(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	books := map[types.ExchangeID]types.OrderBook{
		types.ExchangeCoinbase: book(t, types.ExchangeCoinbase, "49990", "1.0", "50000", "1.0", now),
		types.ExchangeKraken:   book(t, types.ExchangeKraken, "50100", "0.5", "50120", "0.5", now),
	}

	// Gross 50 on 0.5 BTC, but taker fees total ~50.05: net negative.
	if opp, ok := Detect(books, testFees(), testParams(), now); ok {
		t.Fatalf("emitted unprofitable opportunity: net=%s", opp.EstProfitQuote)
	}
}

func TestDetectProfitableSpread(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	books := map[types.ExchangeID]types.OrderBook{
		types.ExchangeCoinbase: book(t, types.ExchangeCoinbase, "49990", "1.0", "50000", "1.0", now.Add(-time.Millisecond)),
		types.ExchangeKraken:   book(t, types.ExchangeKraken, "50200", "0.5", "50220", "0.5", now),
	}

	opp, ok := Detect(books, testFees(), testParams(), now)
	if !ok {
		t.Fatal("no opportunity detected")
	}
	if opp.BuyExchange != types.ExchangeCoinbase || opp.SellExchange != types.ExchangeKraken {
		t.Errorf("direction = buy %s sell %s", opp.BuyExchange, opp.SellExchange)
	}
	if opp.BuyPrice.String() != "50000" || opp.SellPrice.String() != "50200" {
		t.Errorf("prices = %s/%s", opp.BuyPrice, opp.SellPrice)
	}
	if opp.EffectiveQty.String() != "0.5" {
		t.Errorf("qty = %s, want 0.5", opp.EffectiveQty)
	}
	if opp.EstProfitQuote.String() != "49.9" {
		t.Errorf("net = %s, want 49.9", opp.EstProfitQuote)
	}
	if opp.SpreadPct.String() != "0.4" {
		t.Errorf("spread pct = %s, want 0.4", opp.SpreadPct)
	}
	if opp.Status != types.OpportunityDetected {
		t.Errorf("status = %v", opp.Status)
	}
	// Timestamp of the newer book.
	if !opp.DetectedAt.Equal(now) {
		t.Errorf("detected at = %v, want newer book time %v", opp.DetectedAt, now)
	}
	if err := opp.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDetectStalenessGuard(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	books := map[types.ExchangeID]types.OrderBook{
		// Large spread, but the coinbase book is 10s old with a 0.5s tick.
		types.ExchangeCoinbase: book(t, types.ExchangeCoinbase, "49990", "1.0", "50000", "1.0", now.Add(-10*time.Second)),
		types.ExchangeKraken:   book(t, types.ExchangeKraken, "51000", "0.5", "51020", "0.5", now),
	}

	if opp, ok := Detect(books, testFees(), testParams(), now); ok {
		t.Fatalf("used a stale book: %+v", opp)
	}
}

func TestDetectMinTradeQty(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	books := map[types.ExchangeID]types.OrderBook{
		types.ExchangeCoinbase: book(t, types.ExchangeCoinbase, "49990", "1.0", "50000", "0.00001", now),
		types.ExchangeKraken:   book(t, types.ExchangeKraken, "50500", "0.5", "50520", "0.5", now),
	}

	if _, ok := Detect(books, testFees(), testParams(), now); ok {
		t.Fatal("emitted opportunity below min trade qty")
	}
}

func TestDetectCapitalCapLimitsQty(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	books := map[types.ExchangeID]types.OrderBook{
		types.ExchangeCoinbase: book(t, types.ExchangeCoinbase, "49990", "1.0", "50000", "1.0", now),
		types.ExchangeKraken:   book(t, types.ExchangeKraken, "50500", "1.0", "50520", "1.0", now),
	}

	params := testParams()
	params.CapitalCap = dec(t, "5000") // 0.1 BTC at 50000

	opp, ok := Detect(books, testFees(), params, now)
	if !ok {
		t.Fatal("no opportunity detected")
	}
	if opp.EffectiveQty.String() != "0.1" {
		t.Errorf("qty = %s, want 0.1", opp.EffectiveQty)
	}
}

func TestDetectDeterministic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	books := map[types.ExchangeID]types.OrderBook{
		types.ExchangeCoinbase: book(t, types.ExchangeCoinbase, "49990", "1.0", "50000", "1.0", now),
		types.ExchangeKraken:   book(t, types.ExchangeKraken, "50200", "0.5", "50220", "0.5", now),
	}

	first, ok := Detect(books, testFees(), testParams(), now)
	if !ok {
		t.Fatal("no opportunity detected")
	}
	for i := 0; i < 5; i++ {
		again, ok := Detect(books, testFees(), testParams(), now)
		if !ok {
			t.Fatal("detection became flaky")
		}
		if again.BuyExchange != first.BuyExchange ||
			again.SellExchange != first.SellExchange ||
			!again.EstProfitQuote.Equal(first.EstProfitQuote) ||
			!again.EffectiveQty.Equal(first.EffectiveQty) {
			t.Fatalf("run %d differed: %+v vs %+v", i, again, first)
		}
	}
}

func TestDetectorMissedOnOverflow(t *testing.T) {
	t.Parallel()

	var missed []types.ArbitrageOpportunity
	d := New(testParams(), 2, func(o types.ArbitrageOpportunity) {
		missed = append(missed, o)
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		d.emit(types.ArbitrageOpportunity{
			ID:           string(rune('a' + i)),
			Pair:         testPair,
			BuyExchange:  types.ExchangeCoinbase,
			SellExchange: types.ExchangeKraken,
			DetectedAt:   now,
			Status:       types.OpportunityDetected,
		})
	}

	if d.Missed() != 2 {
		t.Fatalf("missed = %d, want 2", d.Missed())
	}
	if len(missed) != 2 {
		t.Fatalf("miss callback fired %d times, want 2", len(missed))
	}
	for _, m := range missed {
		if m.Status != types.OpportunityMissed {
			t.Errorf("missed opportunity status = %v", m.Status)
		}
	}

	// The newest opportunities survive.
	got := map[string]bool{}
	for len(d.Opportunities()) > 0 {
		got[(<-d.Opportunities()).ID] = true
	}
	if !got["c"] || !got["d"] {
		t.Errorf("surviving ids = %v, want newest c and d", got)
	}
}

type staticSource map[types.ExchangeID]types.OrderBook

func (s staticSource) LatestForPair(types.TradingPair) map[types.ExchangeID]types.OrderBook {
	return s
}

func TestDetectorRun(t *testing.T) {
	t.Parallel()

	d := New(testParams(), 4, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	for _, f := range testFees() {
		d.SetFees(f)
	}

	now := time.Now().UTC()
	source := staticSource{
		types.ExchangeCoinbase: book(t, types.ExchangeCoinbase, "49990", "1.0", "50000", "1.0", now),
		types.ExchangeKraken:   book(t, types.ExchangeKraken, "50200", "0.5", "50220", "0.5", now),
	}

	updates := make(chan types.OrderBook, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx, updates, source)
		close(done)
	}()

	updates <- source[types.ExchangeKraken]

	select {
	case opp := <-d.Opportunities():
		if opp.BuyExchange != types.ExchangeCoinbase {
			t.Errorf("buy exchange = %s", opp.BuyExchange)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no opportunity emitted")
	}

	close(updates)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after stream close")
	}
}
