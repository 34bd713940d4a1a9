package marketdata

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

var testPair = types.NewTradingPair("BTC", "USDT")

func testBook(t *testing.T, exchange types.ExchangeID, bid, ask string, ts time.Time) types.OrderBook {
	t.Helper()
	b, err := decimal.NewFromString(bid)
	if err != nil {
		t.Fatalf("bad bid %q: %v", bid, err)
	}
	a, err := decimal.NewFromString(ask)
	if err != nil {
		t.Fatalf("bad ask %q: %v", ask, err)
	}
	one := decimal.NewFromInt(1)
	return types.OrderBook{
		Exchange:  exchange,
		Pair:      testPair,
		Timestamp: ts,
		Bids:      []types.OrderBookLevel{{Price: b, Quantity: one}},
		Asks:      []types.OrderBookLevel{{Price: a, Quantity: one}},
	}
}

func TestAggregatorStoresLatestPerExchange(t *testing.T) {
	t.Parallel()

	agg := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t0 := time.Now().UTC()

	agg.Publish(testBook(t, types.ExchangeCoinbase, "50000", "50010", t0))
	agg.Publish(testBook(t, types.ExchangeKraken, "50100", "50110", t0))
	agg.Publish(testBook(t, types.ExchangeCoinbase, "50005", "50015", t0.Add(time.Second)))

	book, ok := agg.Latest(types.ExchangeCoinbase, testPair)
	if !ok {
		t.Fatal("no book stored for coinbase")
	}
	bid, _ := book.BestBid()
	if bid.Price.String() != "50005" {
		t.Errorf("latest coinbase bid = %s, want 50005", bid.Price)
	}

	all := agg.LatestForPair(testPair)
	if len(all) != 2 {
		t.Fatalf("books for pair = %d, want 2", len(all))
	}
}

func TestAggregatorDropsStaleUpdates(t *testing.T) {
	t.Parallel()

	agg := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t0 := time.Now().UTC()

	agg.Publish(testBook(t, types.ExchangeCoinbase, "50000", "50010", t0))
	agg.Publish(testBook(t, types.ExchangeCoinbase, "49000", "49010", t0.Add(-time.Second)))

	book, _ := agg.Latest(types.ExchangeCoinbase, testPair)
	bid, _ := book.BestBid()
	if bid.Price.String() != "50000" {
		t.Errorf("stale update replaced newer book: bid = %s", bid.Price)
	}
	if agg.StaleDropped() != 1 {
		t.Errorf("stale counter = %d, want 1", agg.StaleDropped())
	}
}

func TestAggregatorBroadcast(t *testing.T) {
	t.Parallel()

	agg := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	sub1 := agg.Subscribe()
	sub2 := agg.Subscribe()

	book := testBook(t, types.ExchangeKraken, "50000", "50010", time.Now().UTC())
	agg.Publish(book)

	for i, sub := range []*Subscription{sub1, sub2} {
		select {
		case got := <-sub.C():
			if got.Exchange != types.ExchangeKraken {
				t.Errorf("sub %d got exchange %s", i, got.Exchange)
			}
		default:
			t.Fatalf("sub %d received nothing", i)
		}
	}
}

func TestAggregatorSlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()

	agg := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	sub := agg.Subscribe()
	t0 := time.Now().UTC()

	total := subscriberBuffer + 20
	for i := 0; i < total; i++ {
		bid := strconv.Itoa(50000 + i)
		ask := strconv.Itoa(50010 + i)
		agg.Publish(testBook(t, types.ExchangeCoinbase, bid, ask, t0.Add(time.Duration(i)*time.Millisecond)))
	}

	if sub.Dropped() == 0 {
		t.Error("expected drops for a slow subscriber")
	}

	var last types.OrderBook
	count := 0
	for {
		select {
		case b := <-sub.C():
			last = b
			count++
			continue
		default:
		}
		break
	}
	if count != subscriberBuffer {
		t.Errorf("delivered = %d, want %d", count, subscriberBuffer)
	}
	bid, _ := last.BestBid()
	if bid.Price.String() != strconv.Itoa(50000+total-1) {
		t.Errorf("newest book lost: last bid = %s", bid.Price)
	}
}

func TestAggregatorConcurrentPublishAccountsEveryUpdate(t *testing.T) {
	t.Parallel()

	agg := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	sub := agg.Subscribe()
	t0 := time.Now().UTC()
	book := testBook(t, types.ExchangeCoinbase, "50000", "50010", t0)

	const publishers = 4
	const perPublisher = 500

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			b := book
			b.Exchange = types.ExchangeID("venue-" + strconv.Itoa(p))
			for i := 0; i < perPublisher; i++ {
				agg.Publish(b)
			}
		}(p)
	}
	wg.Wait()

	delivered := 0
	for {
		select {
		case <-sub.C():
			delivered++
			continue
		default:
		}
		break
	}

	// Every accepted update is either delivered or counted as a drop, even
	// when publishers race over a full buffer.
	total := delivered + int(sub.Dropped())
	if want := publishers * perPublisher; total != want {
		t.Errorf("delivered %d + dropped %d = %d, want %d", delivered, sub.Dropped(), total, want)
	}
}

func TestAggregatorUnsubscribe(t *testing.T) {
	t.Parallel()

	agg := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	sub := agg.Subscribe()
	sub.Close()
	sub.Close() // idempotent

	agg.Publish(testBook(t, types.ExchangeCoinbase, "50000", "50010", time.Now().UTC()))
	select {
	case <-sub.C():
		t.Error("detached subscriber still received a book")
	default:
	}
}

func TestAggregatorRunMergesSources(t *testing.T) {
	t.Parallel()

	agg := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cb := make(chan types.OrderBook, 1)
	kr := make(chan types.OrderBook, 1)
	agg.AddSource(types.ExchangeCoinbase, cb)
	agg.AddSource(types.ExchangeKraken, kr)

	sub := agg.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agg.Run(ctx)
		close(done)
	}()

	t0 := time.Now().UTC()
	cb <- testBook(t, types.ExchangeCoinbase, "50000", "50010", t0)
	kr <- testBook(t, types.ExchangeKraken, "50100", "50110", t0)

	seen := map[types.ExchangeID]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case b := <-sub.C():
			seen[b.Exchange] = true
		case <-timeout:
			t.Fatalf("timed out, saw %v", seen)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Subscriber channels close on shutdown.
	for {
		if _, open := <-sub.C(); !open {
			break
		}
	}
}
