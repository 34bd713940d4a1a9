package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func testOpportunity(t *testing.T) types.ArbitrageOpportunity {
	t.Helper()
	return types.ArbitrageOpportunity{
		ID:             "opp-1",
		Pair:           types.NewTradingPair("BTC", "USDT"),
		BuyExchange:    types.ExchangeCoinbase,
		SellExchange:   types.ExchangeKraken,
		BuyPrice:       dec(t, "50000"),
		SellPrice:      dec(t, "50200"),
		EffectiveQty:   dec(t, "0.1"),
		SpreadAbs:      dec(t, "200"),
		SpreadPct:      dec(t, "0.4"),
		EstProfitQuote: dec(t, "9.98"),
		DetectedAt:     time.Now().UTC(),
		Status:         types.OpportunityDetected,
	}
}

func testProfile() types.RiskProfile {
	return types.RiskProfile{
		MaxCapitalPerTradePct: decimal.NewFromFloat(0.10),
		MaxCapitalPerAssetPct: decimal.NewFromFloat(0.20),
		MinProfitPct:          decimal.NewFromFloat(0.1),
		MaxSlippagePct:        decimal.NewFromFloat(0.5),
		DailyLossLimitPct:     decimal.NewFromFloat(0.05),
		MaxConcurrentTrades:   2,
	}
}

func newManager(t *testing.T, equity string) *Manager {
	t.Helper()
	return New(testProfile(), dec(t, equity), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestApproveReservesSlot(t *testing.T) {
	t.Parallel()

	m := newManager(t, "100000")
	opp := testOpportunity(t)

	if r := m.Approve(opp, nil); r != nil {
		t.Fatalf("rejected: %s (%s)", r.Reason, r.Detail)
	}
	if m.OpenTrades() != 1 {
		t.Errorf("open trades = %d, want 1", m.OpenTrades())
	}

	m.Complete(opp, dec(t, "9.98"))
	if m.OpenTrades() != 0 {
		t.Errorf("open trades after complete = %d, want 0", m.OpenTrades())
	}
	if got := m.RealizedToday(); !got.Equal(dec(t, "9.98")) {
		t.Errorf("realized today = %s, want 9.98", got)
	}
}

func TestRejectMinProfit(t *testing.T) {
	t.Parallel()

	m := newManager(t, "100000")
	opp := testOpportunity(t)
	opp.SpreadPct = dec(t, "0.05")

	r := m.Approve(opp, nil)
	if r == nil || r.Reason != types.RejectMinProfit {
		t.Fatalf("rejection = %+v, want %s", r, types.RejectMinProfit)
	}
	if m.OpenTrades() != 0 {
		t.Error("rejection reserved a trade slot")
	}
}

func TestRejectCapitalPerTrade(t *testing.T) {
	t.Parallel()

	// Equity 10000, 10% per-trade cap = 1000; notional 5000.
	m := newManager(t, "10000")
	r := m.Approve(testOpportunity(t), nil)
	if r == nil || r.Reason != types.RejectCapitalPerTrade {
		t.Fatalf("rejection = %+v, want %s", r, types.RejectCapitalPerTrade)
	}
}

func TestRejectCapitalPerAsset(t *testing.T) {
	t.Parallel()

	// Per-trade cap 10000, per-asset cap 20000 on 100000 equity.
	// Two 0.19 BTC trades at 50000 = 9500 each; the third breaches the
	// asset cap while passing the per-trade cap.
	m := newManager(t, "100000")
	opp := testOpportunity(t)
	opp.EffectiveQty = dec(t, "0.19")

	for i := 0; i < 2; i++ {
		if r := m.Approve(opp, nil); r != nil {
			t.Fatalf("trade %d rejected: %s", i, r.Reason)
		}
	}

	m.SetProfile(func() types.RiskProfile {
		p := testProfile()
		p.MaxConcurrentTrades = 10
		return p
	}())
	r := m.Approve(opp, nil)
	if r == nil || r.Reason != types.RejectCapitalPerAsset {
		t.Fatalf("rejection = %+v, want %s", r, types.RejectCapitalPerAsset)
	}
}

func TestRejectMaxConcurrentTrades(t *testing.T) {
	t.Parallel()

	m := newManager(t, "1000000")
	opp := testOpportunity(t)

	if r := m.Approve(opp, nil); r != nil {
		t.Fatalf("first trade rejected: %s", r.Reason)
	}

	profile := testProfile()
	profile.MaxConcurrentTrades = 1
	m.SetProfile(profile)

	r := m.Approve(opp, nil)
	if r == nil || r.Reason != types.RejectConcurrentTrades {
		t.Fatalf("rejection = %+v, want %s", r, types.RejectConcurrentTrades)
	}
	if r.Reason != types.RejectReason("max_concurrent_trades") {
		t.Errorf("reason code = %q, want max_concurrent_trades", r.Reason)
	}
}

func TestRejectDailyLossLimit(t *testing.T) {
	t.Parallel()

	// 5% of 100000 = 5000 daily loss limit.
	m := newManager(t, "100000")
	opp := testOpportunity(t)

	if r := m.Approve(opp, nil); r != nil {
		t.Fatalf("rejected: %s", r.Reason)
	}
	m.Complete(opp, dec(t, "-6000"))

	r := m.Approve(opp, nil)
	if r == nil || r.Reason != types.RejectDailyLossLimit {
		t.Fatalf("rejection = %+v, want %s", r, types.RejectDailyLossLimit)
	}
}

func TestRejectPriceProtection(t *testing.T) {
	t.Parallel()

	profile := testProfile()
	profile.UsePriceProtection = true
	m := New(profile, dec(t, "1000000"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	opp := testOpportunity(t)

	// Buy price drifted up 1%, above the 0.5% slippage cap.
	r := m.Approve(opp, &Quotes{BuyAsk: dec(t, "50500"), SellBid: opp.SellPrice})
	if r == nil || r.Reason != types.RejectPriceProtection {
		t.Fatalf("rejection = %+v, want %s", r, types.RejectPriceProtection)
	}

	// Within the cap.
	if r := m.Approve(opp, &Quotes{BuyAsk: dec(t, "50100"), SellBid: dec(t, "50150")}); r != nil {
		t.Fatalf("rejected within slippage cap: %s (%s)", r.Reason, r.Detail)
	}
}

func TestDailyRollover(t *testing.T) {
	t.Parallel()

	m := newManager(t, "100000")
	opp := testOpportunity(t)

	if r := m.Approve(opp, nil); r != nil {
		t.Fatalf("rejected: %s", r.Reason)
	}
	m.Complete(opp, dec(t, "-6000"))

	// Pretend a UTC day boundary passed.
	day := time.Now().UTC().Add(24 * time.Hour)
	m.now = func() time.Time { return day }

	if got := m.RealizedToday(); !got.IsZero() {
		t.Errorf("realized after rollover = %s, want 0", got)
	}
	if r := m.Approve(opp, nil); r != nil {
		t.Errorf("rejected after rollover: %s", r.Reason)
	}
}
