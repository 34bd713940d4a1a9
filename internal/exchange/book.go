// book.go implements local L2 order book reconstruction.
//
// Each subscribed pair gets a bookState owned by the client's read
// goroutine. Reconstruction follows the snapshot-plus-deltas protocol:
// deltas arriving before the snapshot are queued, deltas older than the
// snapshot are discarded, and the remainder is replayed in order. A zero
// size removes a level; any other size replaces it. After every batch the
// book is trimmed to the top levels per side. A crossed book surfaces
// ErrCrossedBook so the owning client can resync.
package exchange

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// bookDepthLimit is the number of levels retained per side.
const bookDepthLimit = 100

// bookUpdateBuffer is the capacity of each pair's update channel.
const bookUpdateBuffer = 256

// bookDelta is one normalized L2 change.
type bookDelta struct {
	Side     types.Side
	Price    decimal.Decimal
	Quantity decimal.Decimal // zero removes the level
	Time     time.Time
}

// bookState is the mutable L2 book for one (exchange, pair). It is mutated
// only by the owning client goroutine; readers receive cloned snapshots.
type bookState struct {
	mu       sync.Mutex
	exchange types.ExchangeID
	pair     types.TradingPair

	bids map[string]types.OrderBookLevel // keyed by canonical price string
	asks map[string]types.OrderBookLevel

	synced     bool
	lastUpdate time.Time
	pending    []bookDelta // queued while awaiting the snapshot

	updates chan types.OrderBook
	closed  bool
	dropped atomic.Uint64
}

func newBookState(exchange types.ExchangeID, pair types.TradingPair) *bookState {
	return &bookState{
		exchange: exchange,
		pair:     pair,
		bids:     make(map[string]types.OrderBookLevel),
		asks:     make(map[string]types.OrderBookLevel),
		updates:  make(chan types.OrderBook, bookUpdateBuffer),
	}
}

// Updates returns the pair's book stream.
func (b *bookState) Updates() <-chan types.OrderBook { return b.updates }

// ApplySnapshot replaces the book and replays any queued deltas newer than
// the snapshot. Returns ErrCrossedBook when the result is invalid.
func (b *bookState) ApplySnapshot(bids, asks []types.OrderBookLevel, ts time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = make(map[string]types.OrderBookLevel, len(bids))
	b.asks = make(map[string]types.OrderBookLevel, len(asks))
	for _, l := range bids {
		b.bids[l.Price.String()] = l
	}
	for _, l := range asks {
		b.asks[l.Price.String()] = l
	}
	b.synced = true
	b.lastUpdate = ts

	pending := b.pending
	b.pending = nil
	for _, d := range pending {
		if d.Time.Before(ts) {
			continue // older than the snapshot
		}
		b.applyDeltaLocked(d)
	}

	b.trimLocked()
	return b.publishLocked()
}

// ApplyDeltas merges a batch of changes. Deltas older than the current book
// are discarded; deltas arriving before the snapshot are queued. Returns
// ErrCrossedBook when the batch leaves the book crossed.
func (b *bookState) ApplyDeltas(deltas []bookDelta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.synced {
		b.pending = append(b.pending, deltas...)
		return nil
	}

	for _, d := range deltas {
		if d.Time.Before(b.lastUpdate) {
			continue // out of order
		}
		b.applyDeltaLocked(d)
	}

	b.trimLocked()
	return b.publishLocked()
}

// Snapshot returns the current book as an immutable copy.
func (b *bookState) Snapshot() types.OrderBook {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Synced reports whether the initial snapshot has been applied.
func (b *bookState) Synced() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synced
}

// Reset clears all levels ahead of a resync.
func (b *bookState) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bids = make(map[string]types.OrderBookLevel)
	b.asks = make(map[string]types.OrderBookLevel)
	b.pending = nil
	b.synced = false
}

// CloseUpdates ends the stream. Idempotent.
func (b *bookState) CloseUpdates() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.updates)
	}
}

// Dropped returns how many snapshots were discarded due to a slow consumer.
func (b *bookState) Dropped() uint64 { return b.dropped.Load() }

func (b *bookState) applyDeltaLocked(d bookDelta) {
	side := b.bids
	if d.Side == types.Sell {
		side = b.asks
	}
	key := d.Price.String()
	if d.Quantity.IsZero() {
		delete(side, key)
	} else {
		side[key] = types.OrderBookLevel{Price: d.Price, Quantity: d.Quantity}
	}
	if d.Time.After(b.lastUpdate) {
		b.lastUpdate = d.Time
	}
}

func (b *bookState) trimLocked() {
	if len(b.bids) > bookDepthLimit {
		trimSide(b.bids, true)
	}
	if len(b.asks) > bookDepthLimit {
		trimSide(b.asks, false)
	}
}

// trimSide drops levels beyond the depth limit, keeping the best prices.
func trimSide(side map[string]types.OrderBookLevel, desc bool) {
	levels := make([]types.OrderBookLevel, 0, len(side))
	for _, l := range side {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	for _, l := range levels[bookDepthLimit:] {
		delete(side, l.Price.String())
	}
}

func (b *bookState) snapshotLocked() types.OrderBook {
	book := types.OrderBook{
		Exchange:  b.exchange,
		Pair:      b.pair,
		Timestamp: b.lastUpdate,
		Bids:      make([]types.OrderBookLevel, 0, len(b.bids)),
		Asks:      make([]types.OrderBookLevel, 0, len(b.asks)),
	}
	for _, l := range b.bids {
		book.Bids = append(book.Bids, l)
	}
	for _, l := range b.asks {
		book.Asks = append(book.Asks, l)
	}
	sort.Slice(book.Bids, func(i, j int) bool { return book.Bids[i].Price.GreaterThan(book.Bids[j].Price) })
	sort.Slice(book.Asks, func(i, j int) bool { return book.Asks[i].Price.LessThan(book.Asks[j].Price) })
	return book
}

// publishLocked emits a snapshot to the pair's stream, refusing to publish
// a crossed book. A slow consumer loses the oldest queued snapshot.
func (b *bookState) publishLocked() error {
	book := b.snapshotLocked()
	if book.Crossed() {
		return types.ErrCrossedBook
	}
	if b.closed {
		return nil
	}
	select {
	case b.updates <- book:
	default:
		select {
		case <-b.updates:
			b.dropped.Add(1)
		default:
		}
		select {
		case b.updates <- book:
		default:
		}
	}
	return nil
}

// bookSet is the per-client registry of pair books. The owning client is
// the only writer; snapshot reads are safe from any goroutine.
type bookSet struct {
	mu       sync.RWMutex
	exchange types.ExchangeID
	m        map[types.TradingPair]*bookState
}

func newBookSet(exchange types.ExchangeID) *bookSet {
	return &bookSet{exchange: exchange, m: make(map[types.TradingPair]*bookState)}
}

func (s *bookSet) Get(pair types.TradingPair) (*bookState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.m[pair]
	return b, ok
}

func (s *bookSet) GetOrCreate(pair types.TradingPair) *bookState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.m[pair]; ok {
		return b
	}
	b := newBookState(s.exchange, pair)
	s.m[pair] = b
	return b
}

func (s *bookSet) Remove(pair types.TradingPair) {
	s.mu.Lock()
	b, ok := s.m[pair]
	delete(s.m, pair)
	s.mu.Unlock()
	if ok {
		b.CloseUpdates()
	}
}

func (s *bookSet) Pairs() []types.TradingPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.TradingPair, 0, len(s.m))
	for p := range s.m {
		out = append(out, p)
	}
	return out
}

func (s *bookSet) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.m {
		b.CloseUpdates()
	}
	s.m = make(map[types.TradingPair]*bookState)
}
