package exchange

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"testing"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

func testCoinbase(t *testing.T) *Coinbase {
	t.Helper()
	cfg := config.ExchangeConfig{
		ID:        "coinbase",
		IsEnabled: true,
		APIURL:    "https://api.example.test",
		WSURL:     "wss://ws.example.test",
	}
	return NewCoinbase(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCoinbaseSignDeterministic(t *testing.T) {
	t.Parallel()

	secret := base64.StdEncoding.EncodeToString([]byte("test signing secret"))

	sig1, err := coinbaseSign(secret, "1700000000", "POST", "/orders", `{"size":"1"}`)
	if err != nil {
		t.Fatalf("coinbaseSign: %v", err)
	}
	sig2, err := coinbaseSign(secret, "1700000000", "POST", "/orders", `{"size":"1"}`)
	if err != nil {
		t.Fatalf("coinbaseSign: %v", err)
	}
	if sig1 != sig2 {
		t.Error("signature not deterministic")
	}

	raw, err := base64.StdEncoding.DecodeString(sig1)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	if len(raw) != 32 {
		t.Errorf("signature length = %d bytes, want 32 (SHA-256)", len(raw))
	}

	// Any component change must change the signature.
	variants := [][4]string{
		{"1700000001", "POST", "/orders", `{"size":"1"}`},
		{"1700000000", "GET", "/orders", `{"size":"1"}`},
		{"1700000000", "POST", "/accounts", `{"size":"1"}`},
		{"1700000000", "POST", "/orders", `{"size":"2"}`},
	}
	for _, v := range variants {
		sig, err := coinbaseSign(secret, v[0], v[1], v[2], v[3])
		if err != nil {
			t.Fatalf("coinbaseSign(%v): %v", v, err)
		}
		if sig == sig1 {
			t.Errorf("signature unchanged for variant %v", v)
		}
	}
}

func TestCoinbaseSignRejectsBadSecret(t *testing.T) {
	t.Parallel()
	if _, err := coinbaseSign("not-base64!!!", "1", "GET", "/", ""); err == nil {
		t.Error("expected error for non-base64 secret")
	}
}

func TestCoinbaseAuthenticateRequiresPassphrase(t *testing.T) {
	t.Parallel()

	c := testCoinbase(t)
	secret := base64.StdEncoding.EncodeToString([]byte("k"))

	err := c.Authenticate(Credentials{APIKey: "key", APISecret: secret})
	var cfgErr *types.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigError", err)
	}

	err = c.Authenticate(Credentials{
		APIKey:    "key",
		APISecret: secret,
		Extra:     map[string]string{"passphrase": "p"},
	})
	if err != nil {
		t.Fatalf("Authenticate with passphrase: %v", err)
	}
}

func TestCoinbaseProductMapping(t *testing.T) {
	t.Parallel()

	pair := types.NewTradingPair("BTC", "USDT")
	if got := coinbaseProduct(pair); got != "BTC-USDT" {
		t.Errorf("product = %q, want BTC-USDT", got)
	}

	back, ok := coinbasePair("ETH-USD")
	if !ok {
		t.Fatal("coinbasePair failed")
	}
	if back.Base != "ETH" || back.Quote != "USD" {
		t.Errorf("parsed pair = %+v", back)
	}

	if _, ok := coinbasePair("BTCUSD"); ok {
		t.Error("accepted product id without separator")
	}
}

func TestCoinbaseHandleSnapshotAndUpdate(t *testing.T) {
	t.Parallel()

	c := testCoinbase(t)
	pair := types.NewTradingPair("BTC", "USDT")
	ctx := context.Background()
	if err := c.SubscribeOrderBook(ctx, pair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}

	c.handleMessage(ctx, []byte(`{
		"type": "snapshot",
		"product_id": "BTC-USDT",
		"bids": [["50000.00", "1.5"], ["49999.00", "2"]],
		"asks": [["50010.00", "0.5"]]
	}`))

	book, ok := c.books.Get(pair)
	if !ok || !book.Synced() {
		t.Fatal("book not synced after snapshot message")
	}
	snap := book.Snapshot()
	bid, _ := snap.BestBid()
	if bid.Price.String() != "50000" {
		t.Fatalf("best bid = %s, want 50000", bid.Price)
	}

	c.handleMessage(ctx, []byte(`{
		"type": "l2update",
		"product_id": "BTC-USDT",
		"time": "2026-08-25T12:00:00.000000Z",
		"changes": [["buy", "50000.00", "0"], ["sell", "50005.00", "1"]]
	}`))

	snap = book.Snapshot()
	bid, _ = snap.BestBid()
	ask, _ := snap.BestAsk()
	if bid.Price.String() != "49999" {
		t.Errorf("best bid after removal = %s, want 49999", bid.Price)
	}
	if ask.Price.String() != "50005" {
		t.Errorf("best ask = %s, want 50005", ask.Price)
	}
}

func TestCoinbaseIgnoresMalformedMessages(t *testing.T) {
	t.Parallel()

	c := testCoinbase(t)
	pair := types.NewTradingPair("BTC", "USDT")
	ctx := context.Background()
	if err := c.SubscribeOrderBook(ctx, pair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}

	c.handleMessage(ctx, []byte(`not json`))
	c.handleMessage(ctx, []byte(`{"type":"l2update","product_id":"BTC-USDT","changes":[["buy","bogus","1"]]}`))
	c.handleMessage(ctx, []byte(`{"type":"snapshot","product_id":"UNKNOWN-PAIR","bids":[],"asks":[]}`))

	if book, ok := c.books.Get(pair); !ok || book.Synced() {
		t.Error("malformed messages mutated the book")
	}
}

func TestCoinbaseOrderStatusMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]types.OrderStatus{
		"done":     types.OrderFilled,
		"settled":  types.OrderFilled,
		"rejected": types.OrderRejected,
		"pending":  types.OrderNew,
		"open":     types.OrderNew,
	}
	for wire, want := range cases {
		if got := coinbaseOrderStatus(wire); got != want {
			t.Errorf("status %q = %v, want %v", wire, got, want)
		}
	}
}

func TestParseLevelsSkipsEmpty(t *testing.T) {
	t.Parallel()

	levels, err := parseLevels([][2]string{
		{"100", "1"},
		{"99", "0"},
		{"98", "2"},
	})
	if err != nil {
		t.Fatalf("parseLevels: %v", err)
	}
	if len(levels) != 2 {
		t.Fatalf("levels = %d, want 2 (zero size skipped)", len(levels))
	}

	if _, err := parseLevels([][2]string{{"abc", "1"}}); err == nil {
		t.Error("expected error for bad price")
	}
}
