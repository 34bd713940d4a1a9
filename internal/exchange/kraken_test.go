package exchange

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

func testKraken(t *testing.T) *Kraken {
	t.Helper()
	cfg := config.ExchangeConfig{
		ID:        "kraken",
		IsEnabled: true,
		APIURL:    "https://api.example.test",
		WSURL:     "wss://ws.example.test",
	}
	return NewKraken(cfg, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestKrakenAssetMapping(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"XXBT": "BTC",
		"XBT":  "BTC",
		"XETH": "ETH",
		"ZUSD": "USD",
		"ZEUR": "EUR",
		"USDT": "USDT", // already canonical, passes through
		"SOL":  "SOL",
	}
	for wire, want := range cases {
		if got := krakenAsset(wire); got != want {
			t.Errorf("krakenAsset(%q) = %q, want %q", wire, got, want)
		}
	}
}

func TestKrakenPairNames(t *testing.T) {
	t.Parallel()

	btc := types.NewTradingPair("BTC", "USDT")
	if got := krakenWSName(btc); got != "XBT/USDT" {
		t.Errorf("ws name = %q, want XBT/USDT", got)
	}
	if got := krakenRESTName(btc); got != "XBTUSDT" {
		t.Errorf("rest name = %q, want XBTUSDT", got)
	}

	back, ok := krakenPairFromWS("XBT/USDT")
	if !ok || back != btc {
		t.Errorf("round trip = %+v, want %+v", back, btc)
	}

	eth, ok := krakenPairFromWS("ETH/USD")
	if !ok || eth.Base != "ETH" || eth.Quote != "USD" {
		t.Errorf("parsed pair = %+v", eth)
	}

	if _, ok := krakenPairFromWS("XBTUSD"); ok {
		t.Error("accepted pair name without separator")
	}
}

func TestKrakenSignDeterministic(t *testing.T) {
	t.Parallel()

	secret := base64.StdEncoding.EncodeToString([]byte("another signing secret"))

	sig1, err := krakenSign(secret, "/0/private/AddOrder", "1700000000001", "nonce=1700000000001&pair=XBTUSDT")
	if err != nil {
		t.Fatalf("krakenSign: %v", err)
	}
	sig2, err := krakenSign(secret, "/0/private/AddOrder", "1700000000001", "nonce=1700000000001&pair=XBTUSDT")
	if err != nil {
		t.Fatalf("krakenSign: %v", err)
	}
	if sig1 != sig2 {
		t.Error("signature not deterministic")
	}

	raw, err := base64.StdEncoding.DecodeString(sig1)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}
	if len(raw) != 64 {
		t.Errorf("signature length = %d bytes, want 64 (SHA-512)", len(raw))
	}

	variants := [][3]string{
		{"/0/private/CancelOrder", "1700000000001", "nonce=1700000000001&pair=XBTUSDT"},
		{"/0/private/AddOrder", "1700000000002", "nonce=1700000000001&pair=XBTUSDT"},
		{"/0/private/AddOrder", "1700000000001", "nonce=1700000000001&pair=ETHUSDT"},
	}
	for _, v := range variants {
		sig, err := krakenSign(secret, v[0], v[1], v[2])
		if err != nil {
			t.Fatalf("krakenSign(%v): %v", v, err)
		}
		if sig == sig1 {
			t.Errorf("signature unchanged for variant %v", v)
		}
	}

	if _, err := krakenSign("%%%", "/p", "1", ""); err == nil {
		t.Error("expected error for non-base64 secret")
	}
}

func TestKrakenHandleBookMessages(t *testing.T) {
	t.Parallel()

	k := testKraken(t)
	pair := types.NewTradingPair("BTC", "USDT")
	if err := k.SubscribeOrderBook(context.Background(), pair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}

	// Control frames are ignored.
	k.handleMessage([]byte(`{"event":"systemStatus","status":"online"}`))
	k.handleMessage([]byte(`{"event":"heartbeat"}`))
	k.handleMessage([]byte(`{"event":"subscriptionStatus","status":"subscribed","pair":"XBT/USDT"}`))

	// Snapshot frame.
	k.handleMessage([]byte(`[42, {
		"as": [["50010.0", "1.0", "1700000000.000001"], ["50020.0", "2.0", "1700000000.000002"]],
		"bs": [["50000.0", "1.5", "1700000000.000003"]]
	}, "book-100", "XBT/USDT"]`))

	book, ok := k.books.Get(pair)
	if !ok || !book.Synced() {
		t.Fatal("book not synced after snapshot frame")
	}
	snap := book.Snapshot()
	bid, _ := snap.BestBid()
	ask, _ := snap.BestAsk()
	if bid.Price.String() != "50000" || ask.Price.String() != "50010" {
		t.Fatalf("best levels = %s/%s, want 50000/50010", bid.Price, ask.Price)
	}

	// Update frame with both sides in separate payload objects.
	k.handleMessage([]byte(`[42,
		{"a": [["50010.0", "0", "1700000001.000001"]]},
		{"b": [["50001.0", "0.7", "1700000001.000002"]]},
		"book-100", "XBT/USDT"]`))

	snap = book.Snapshot()
	bid, _ = snap.BestBid()
	ask, _ = snap.BestAsk()
	if bid.Price.String() != "50001" {
		t.Errorf("best bid = %s, want 50001", bid.Price)
	}
	if ask.Price.String() != "50020" {
		t.Errorf("best ask after removal = %s, want 50020", ask.Price)
	}
}

func TestKrakenIgnoresMalformedFrames(t *testing.T) {
	t.Parallel()

	k := testKraken(t)
	pair := types.NewTradingPair("BTC", "USDT")
	if err := k.SubscribeOrderBook(context.Background(), pair); err != nil {
		t.Fatalf("SubscribeOrderBook: %v", err)
	}

	k.handleMessage([]byte(``))
	k.handleMessage([]byte(`[42]`))
	k.handleMessage([]byte(`[42, {"a": [["bad", "1", "1700000000.0"]]}, "book-100", "XBT/USDT"]`))
	k.handleMessage([]byte(`[42, {"bs": []}, "book-100", "UNKNOWNPAIR"]`))

	if book, ok := k.books.Get(pair); !ok || book.Synced() {
		t.Error("malformed frames mutated the book")
	}
}

func TestKrakenTimeParsing(t *testing.T) {
	t.Parallel()

	ts := krakenTime("1700000000.500000")
	if ts.Unix() != 1700000000 {
		t.Errorf("seconds = %d, want 1700000000", ts.Unix())
	}
	if ns := ts.Nanosecond(); ns < 499_000_000 || ns > 501_000_000 {
		t.Errorf("nanoseconds = %d, want ~500ms", ns)
	}

	if !krakenTime("garbage").IsZero() {
		t.Error("garbage timestamp did not return zero time")
	}
	if !krakenTime("0").IsZero() {
		t.Error("zero timestamp did not return zero time")
	}
}

func TestKrakenAuthenticateValidatesSecret(t *testing.T) {
	t.Parallel()

	k := testKraken(t)
	if err := k.Authenticate(Credentials{APIKey: "key", APISecret: "not base64 %%%"}); err == nil {
		t.Error("expected error for invalid secret")
	}
	secret := base64.StdEncoding.EncodeToString([]byte("k"))
	if err := k.Authenticate(Credentials{APIKey: "key", APISecret: secret}); err != nil {
		t.Errorf("Authenticate: %v", err)
	}
}
