package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		IsEnabled:          true,
		AutoExecuteTrades:  true,
		PaperTrading:       true,
		MinProfitPct:       0.1,
		MinTradeQty:        0.0001,
		MaxConcurrentOps:   2,
		MaxExecutionTimeMS: 3000,
		PollingIntervalMS:  1000,
		TickIntervalMS:     500,
		TradingPairs:       []config.PairConfig{{Base: "BTC", Quote: "USDT"}},
		RiskProfile:        "balanced",
		Exchanges: []config.ExchangeConfig{
			{
				ID:        "coinbase",
				IsEnabled: true,
				APIURL:    "https://api.example.test",
				WSURL:     "wss://ws.example.test",
			},
			{
				ID:        "kraken",
				IsEnabled: true,
				APIURL:    "https://api.example.test",
				WSURL:     "wss://ws.example.test",
			},
		},
		Store: config.StoreConfig{Path: filepath.Join(t.TempDir(), "engine.db")},
	}
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.repo.Close() })
	return e
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.TradingPairs = nil

	_, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil {
		t.Fatal("accepted config without trading pairs")
	}
	var ce *types.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("error = %v, want ConfigError", err)
	}
}

func TestNewRejectsUnknownExchange(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Exchanges[1].ID = "binance"

	if _, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("accepted unsupported exchange")
	}
}

func TestPaperSeedingDefaults(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig(t))
	if e.paper == nil {
		t.Fatal("paper backend not built in paper mode")
	}

	var usdt, btc int
	for _, b := range e.paper.Balances() {
		switch b.Currency {
		case "USDT":
			usdt++
			if !b.Available.Equal(decimal.NewFromInt(defaultQuoteSeed)) {
				t.Errorf("USDT seed on %s = %s", b.Exchange, b.Available)
			}
		case "BTC":
			btc++
			if !b.Available.Equal(decimal.NewFromInt(defaultBaseSeed)) {
				t.Errorf("BTC seed on %s = %s", b.Exchange, b.Available)
			}
		}
	}
	if usdt != 2 || btc != 2 {
		t.Errorf("seeded accounts usdt=%d btc=%d, want 2 each", usdt, btc)
	}

	// Equity is the quote total across both venues.
	if !e.equity.Equal(decimal.NewFromInt(2 * defaultQuoteSeed)) {
		t.Errorf("equity = %s, want %d", e.equity, 2*defaultQuoteSeed)
	}
}

func TestPaperSeedingFromConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Paper.InitialBalances = map[string]float64{"USDT": 500, "BTC": 0.25}

	e := newEngine(t, cfg)
	for _, b := range e.paper.Balances() {
		switch b.Currency {
		case "USDT":
			if !b.Available.Equal(decimal.NewFromInt(500)) {
				t.Errorf("USDT = %s, want 500", b.Available)
			}
		case "BTC":
			if !b.Available.Equal(decimal.NewFromFloat(0.25)) {
				t.Errorf("BTC = %s, want 0.25", b.Available)
			}
		}
	}
	if !e.equity.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("equity = %s, want 1000", e.equity)
	}
}

func TestStatusBeforeStart(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig(t))
	s := e.Status()
	if s.Running {
		t.Error("reported running before Start")
	}
	if !s.PaperTrading || !s.AutoExecute {
		t.Errorf("mode flags = %+v", s)
	}
	if len(s.Exchanges) != 2 {
		t.Errorf("exchange statuses = %d, want 2", len(s.Exchanges))
	}
	if s.OpenTrades != 0 {
		t.Errorf("open trades = %d", s.OpenTrades)
	}
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig(t))
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}

func TestStopStartCycle(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig(t))
	ctx := context.Background()

	for cycle := 0; cycle < 2; cycle++ {
		if err := e.Start(ctx); err != nil {
			t.Fatalf("Start cycle %d: %v", cycle, err)
		}
		if !e.Status().Running {
			t.Fatalf("not running after Start, cycle %d", cycle)
		}
		if err := e.Stop(); err != nil {
			t.Fatalf("Stop cycle %d: %v", cycle, err)
		}
		if e.Status().Running {
			t.Fatalf("still running after Stop, cycle %d", cycle)
		}
	}
}

func TestDetectorCapTracksEquity(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	e := newEngine(t, cfg)

	// The balanced profile caps one trade at 10% of equity.
	params := e.detectorParams(cfg)
	want := decimal.NewFromInt(2 * defaultQuoteSeed).Mul(decimal.NewFromFloat(0.10))
	if !params.CapitalCap.Equal(want) {
		t.Errorf("capital cap = %s, want %s", params.CapitalCap, want)
	}

	// Realized PnL moves equity; the next derivation follows it.
	e.riskMgr.SetEquity(decimal.NewFromInt(50000))
	params = e.detectorParams(cfg)
	if want := decimal.NewFromInt(5000); !params.CapitalCap.Equal(want) {
		t.Errorf("capital cap after equity change = %s, want %s", params.CapitalCap, want)
	}
}

func TestUpdateConfiguration(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig(t))

	next := testConfig(t)
	next.AutoExecuteTrades = false
	next.RiskProfile = "conservative"
	if err := e.UpdateConfiguration(next); err != nil {
		t.Fatalf("UpdateConfiguration: %v", err)
	}

	if e.autoExecute() {
		t.Error("auto execute still enabled after swap")
	}

	var stored config.Config
	if err := e.repo.LoadConfiguration("engine", &stored); err != nil {
		t.Fatalf("LoadConfiguration: %v", err)
	}
	if stored.RiskProfile != "conservative" {
		t.Errorf("persisted profile = %q", stored.RiskProfile)
	}

	bad := testConfig(t)
	bad.MaxConcurrentOps = 0
	if err := e.UpdateConfiguration(bad); err == nil {
		t.Error("accepted invalid replacement config")
	}
}

func TestPersistMissedRecordsOpportunity(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig(t))
	opp := types.ArbitrageOpportunity{
		ID:           "missed-1",
		Pair:         types.NewTradingPair("BTC", "USDT"),
		BuyExchange:  types.ExchangeCoinbase,
		SellExchange: types.ExchangeKraken,
		Status:       types.OpportunityDetected,
	}
	e.persistMissed(opp)

	got, err := e.Opportunities(store.TimeRange{}, 10)
	if err != nil {
		t.Fatalf("Opportunities: %v", err)
	}
	if len(got) != 1 || got[0].Status != types.OpportunityMissed {
		t.Errorf("stored = %+v", got)
	}
}

func TestRunGuardedRecoversPanic(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig(t))

	if panicked := e.runGuarded("calm", func() {}); panicked {
		t.Error("clean task reported as panicked")
	}
	if panicked := e.runGuarded("boom", func() { panic("kaboom") }); !panicked {
		t.Error("panic not detected")
	}

	s := e.Status()
	if s.SubtreeFailures["boom"] == "" {
		t.Error("panic not surfaced in status")
	}
	if s.SubtreeFailures["calm"] != "" {
		t.Error("clean task recorded a failure")
	}
}
