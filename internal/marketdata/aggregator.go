// Package marketdata merges per-exchange order book streams into one
// consolidated view.
//
// The aggregator keeps the latest book per (exchange, pair) and fans every
// accepted update out to subscribers. Updates older than the stored book
// are dropped, so consumers never observe time moving backwards for a
// given (exchange, pair). Subscribers get bounded queues; a slow consumer
// loses its oldest queued book rather than stalling the pipeline.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"crossarb/pkg/types"
)

// subscriberBuffer is the per-subscriber queue capacity.
const subscriberBuffer = 256

type bookKey struct {
	Exchange types.ExchangeID
	Pair     types.TradingPair
}

// Subscription is one consumer's view of the consolidated stream.
type Subscription struct {
	ch      chan types.OrderBook
	dropped atomic.Uint64
	close   func()
	once    sync.Once
}

// C returns the subscriber's book channel. It is closed when the
// aggregator shuts down; Close only detaches.
func (s *Subscription) C() <-chan types.OrderBook { return s.ch }

// Dropped returns how many books this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscriber. The channel is left open so a concurrent
// broadcast cannot send on a closed channel; it simply stops filling.
// Idempotent.
func (s *Subscription) Close() { s.once.Do(s.close) }

// Aggregator consolidates book streams from all connected exchanges.
type Aggregator struct {
	mu     sync.RWMutex
	latest map[bookKey]types.OrderBook
	subs   map[*Subscription]struct{}
	closed bool

	sources []source
	stale   atomic.Uint64

	wg     sync.WaitGroup
	logger *slog.Logger
}

type source struct {
	exchange types.ExchangeID
	ch       <-chan types.OrderBook
}

// New creates an empty aggregator.
func New(logger *slog.Logger) *Aggregator {
	return &Aggregator{
		latest: make(map[bookKey]types.OrderBook),
		subs:   make(map[*Subscription]struct{}),
		logger: logger.With("component", "aggregator"),
	}
}

// AddSource registers an exchange book stream. Must be called before Run.
func (a *Aggregator) AddSource(exchange types.ExchangeID, ch <-chan types.OrderBook) {
	a.sources = append(a.sources, source{exchange: exchange, ch: ch})
}

// Run consumes all registered sources until ctx is cancelled or every
// source channel closes, then closes all subscriber channels.
func (a *Aggregator) Run(ctx context.Context) {
	for _, src := range a.sources {
		a.wg.Add(1)
		go func(src source) {
			defer a.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case book, ok := <-src.ch:
					if !ok {
						a.logger.Info("source stream closed", "exchange", src.exchange)
						return
					}
					a.Publish(book)
				}
			}
		}(src)
	}

	a.wg.Wait()
	a.closeSubscribers()
}

// Publish accepts one book update, stores it as the latest for its
// (exchange, pair), and broadcasts it. Stale updates are dropped.
func (a *Aggregator) Publish(book types.OrderBook) {
	key := bookKey{Exchange: book.Exchange, Pair: book.Pair}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if prev, ok := a.latest[key]; ok && book.Timestamp.Before(prev.Timestamp) {
		a.mu.Unlock()
		a.stale.Add(1)
		return
	}
	a.latest[key] = book

	subs := make([]*Subscription, 0, len(a.subs))
	for s := range a.subs {
		subs = append(subs, s)
	}
	a.mu.Unlock()

	for _, s := range subs {
		s.deliver(book)
	}
}

// deliver enqueues one book, evicting queued entries when the buffer is
// full so the newest data always lands. Retrying until the send succeeds
// keeps the accounting exact when publishers race: every update is either
// delivered or counted as a drop, never silently lost.
func (s *Subscription) deliver(book types.OrderBook) {
	for {
		select {
		case s.ch <- book:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Subscribe attaches a new consumer to the consolidated stream.
func (a *Aggregator) Subscribe() *Subscription {
	s := &Subscription{ch: make(chan types.OrderBook, subscriberBuffer)}
	s.close = func() {
		a.mu.Lock()
		delete(a.subs, s)
		a.mu.Unlock()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		close(s.ch)
		return s
	}
	a.subs[s] = struct{}{}
	return s
}

// Latest returns the newest stored book for one (exchange, pair).
func (a *Aggregator) Latest(exchange types.ExchangeID, pair types.TradingPair) (types.OrderBook, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	book, ok := a.latest[bookKey{Exchange: exchange, Pair: pair}]
	return book, ok
}

// LatestForPair returns the newest book per exchange for one pair.
func (a *Aggregator) LatestForPair(pair types.TradingPair) map[types.ExchangeID]types.OrderBook {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[types.ExchangeID]types.OrderBook)
	for key, book := range a.latest {
		if key.Pair == pair {
			out[key.Exchange] = book
		}
	}
	return out
}

// StaleDropped returns how many out-of-order updates were discarded.
func (a *Aggregator) StaleDropped() uint64 { return a.stale.Load() }

func (a *Aggregator) closeSubscribers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for s := range a.subs {
		close(s.ch)
	}
	a.subs = make(map[*Subscription]struct{})
}
