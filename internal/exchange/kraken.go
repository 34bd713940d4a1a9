// kraken.go implements the Kraken-style exchange client.
//
// Market data uses the "book" WebSocket channel: an initial as/bs snapshot
// followed by a/b delta payloads, framed as JSON arrays rather than
// objects. When the stream is down, a REST Depth poll keeps books fresh at
// the configured polling interval. Private REST requests are signed with
// HMAC-SHA512 over "path + SHA256(nonce + postdata)" using the
// base64-decoded secret, sent in the API-Sign header.
//
// Kraken predates the modern ticker conventions and still reports assets
// with class prefixes (XXBT, XETH, ZUSD, ZEUR) and XBT for BTC; all symbols
// are mapped to the canonical form at the boundary.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const krakenBookDepth = 100

// krakenAssetAliases maps Kraken's prefixed and legacy asset codes to
// canonical symbols.
var krakenAssetAliases = map[string]string{
	"XXBT": "BTC",
	"XBT":  "BTC",
	"XETH": "ETH",
	"XXRP": "XRP",
	"XLTC": "LTC",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
	"ZJPY": "JPY",
}

// krakenAsset converts a Kraken asset code to the canonical symbol.
func krakenAsset(code string) string {
	if canonical, ok := krakenAssetAliases[code]; ok {
		return canonical
	}
	return code
}

// krakenWSName converts a canonical pair to the WS channel pair name,
// e.g. BTC/USDT -> "XBT/USDT".
func krakenWSName(pair types.TradingPair) string {
	base := pair.Base
	if base == "BTC" {
		base = "XBT"
	}
	return base + "/" + pair.Quote
}

// krakenPairFromWS parses a WS pair name back to the canonical pair.
func krakenPairFromWS(name string) (types.TradingPair, bool) {
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return types.TradingPair{}, false
	}
	return types.NewTradingPair(krakenAsset(name[:i]), krakenAsset(name[i+1:])), true
}

// Kraken is the Kraken-style client.
type Kraken struct {
	cfg          config.ExchangeConfig
	conn         *ManagedConn
	http         *resty.Client
	rl           *RateLimiter
	pollInterval time.Duration

	books *bookSet

	subMu sync.Mutex
	subs  map[types.TradingPair]bool

	authMu sync.Mutex
	creds  Credentials
	authed bool
	nonce  int64

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	logger *slog.Logger
}

// NewKraken creates a client from the exchange config section. pollInterval
// controls the REST fallback cadence when the stream is down.
func NewKraken(cfg config.ExchangeConfig, pollInterval time.Duration, logger *slog.Logger) *Kraken {
	timeout := time.Duration(cfg.APITimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.APIURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	k := &Kraken{
		cfg:          cfg,
		http:         httpClient,
		rl:           NewRateLimiter(cfg.MaxRequestsPerSecond),
		pollInterval: pollInterval,
		books:        newBookSet(types.ExchangeKraken),
		subs:         make(map[types.TradingPair]bool),
		logger:       logger.With("component", "kraken"),
	}
	k.conn = NewManagedConn(types.ExchangeKraken, cfg.WSURL, k.resubscribe, logger)
	return k
}

// ID implements Client.
func (k *Kraken) ID() types.ExchangeID { return types.ExchangeKraken }

// Authenticate stores credentials for private endpoints.
func (k *Kraken) Authenticate(creds Credentials) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return &types.ConfigError{Field: "exchanges.kraken", Reason: "api_key and api_secret are required"}
	}
	if _, err := base64.StdEncoding.DecodeString(creds.APISecret); err != nil {
		return &types.AuthError{Exchange: k.ID(), Reason: "api_secret is not valid base64"}
	}
	k.authMu.Lock()
	k.creds = creds
	k.authed = true
	k.nonce = time.Now().UnixMilli()
	k.authMu.Unlock()
	return nil
}

// Connect starts the stream, the message pump, and the REST poll fallback.
func (k *Kraken) Connect(ctx context.Context) error {
	k.startMu.Lock()
	defer k.startMu.Unlock()
	if k.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.started = true

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := k.conn.Run(runCtx); err != nil && runCtx.Err() == nil {
			k.logger.Error("connection loop exited", "error", err)
		}
	}()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.dispatch(runCtx)
	}()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.pollLoop(runCtx)
	}()

	return nil
}

// Close stops the client and closes all book streams.
func (k *Kraken) Close() error {
	k.startMu.Lock()
	defer k.startMu.Unlock()
	if !k.started {
		return nil
	}
	k.cancel()
	k.conn.Close()
	k.wg.Wait()
	k.books.CloseAll()
	k.started = false
	return nil
}

// Health implements BookStreamer.
func (k *Kraken) Health() Health { return k.conn.Health() }

// SubscribeOrderBook starts the book stream for a pair. Idempotent.
func (k *Kraken) SubscribeOrderBook(ctx context.Context, pair types.TradingPair) error {
	k.subMu.Lock()
	already := k.subs[pair]
	k.subs[pair] = true
	k.subMu.Unlock()
	if already {
		return nil
	}

	k.books.GetOrCreate(pair)
	return k.sendSubscribe([]types.TradingPair{pair}, true)
}

// UnsubscribeOrderBook stops the stream for a pair. Idempotent.
func (k *Kraken) UnsubscribeOrderBook(ctx context.Context, pair types.TradingPair) error {
	k.subMu.Lock()
	subscribed := k.subs[pair]
	delete(k.subs, pair)
	k.subMu.Unlock()
	if !subscribed {
		return nil
	}

	err := k.sendSubscribe([]types.TradingPair{pair}, false)
	k.books.Remove(pair)
	return err
}

// OrderBookUpdates implements BookStreamer.
func (k *Kraken) OrderBookUpdates(pair types.TradingPair) <-chan types.OrderBook {
	return k.books.GetOrCreate(pair).Updates()
}

// OrderBookSnapshot returns the local book, or fetches Depth over REST when
// the stream has not synced yet.
func (k *Kraken) OrderBookSnapshot(ctx context.Context, pair types.TradingPair, depth int) (types.OrderBook, error) {
	if b, ok := k.books.Get(pair); ok && b.Synced() {
		book := b.Snapshot()
		trimBook(&book, depth)
		return book, nil
	}
	book, err := k.fetchDepth(ctx, pair)
	if err != nil {
		return types.OrderBook{}, err
	}
	trimBook(&book, depth)
	return book, nil
}

func (k *Kraken) sendSubscribe(pairs []types.TradingPair, subscribe bool) error {
	event := "subscribe"
	if !subscribe {
		event = "unsubscribe"
	}
	names := make([]string, len(pairs))
	for i, p := range pairs {
		names[i] = krakenWSName(p)
	}
	err := k.conn.WriteJSON(map[string]any{
		"event": event,
		"pair":  names,
		"subscription": map[string]any{
			"name":  "book",
			"depth": krakenBookDepth,
		},
	})
	if err == types.ErrNotConnected {
		// The resubscribe hook replays tracked pairs once connected.
		return nil
	}
	return err
}

// resubscribe replays all tracked subscriptions after a (re)connect.
func (k *Kraken) resubscribe(ctx context.Context) error {
	k.subMu.Lock()
	pairs := make([]types.TradingPair, 0, len(k.subs))
	for p := range k.subs {
		pairs = append(pairs, p)
	}
	k.subMu.Unlock()

	if len(pairs) == 0 {
		return nil
	}
	for _, p := range pairs {
		if b, ok := k.books.Get(p); ok {
			b.Reset()
		}
	}
	return k.sendSubscribe(pairs, true)
}

// krakenEvent is the object-framed control message shape.
type krakenEvent struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}

// krakenBookPayload is the data object inside array-framed book messages.
// Snapshot messages carry as/bs; updates carry a/b.
type krakenBookPayload struct {
	AsksSnapshot [][]string `json:"as"`
	BidsSnapshot [][]string `json:"bs"`
	Asks         [][]string `json:"a"`
	Bids         [][]string `json:"b"`
}

func (k *Kraken) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-k.conn.Errors():
			k.logger.Warn("stream error", "error", err)
		case raw, ok := <-k.conn.Messages():
			if !ok {
				return
			}
			k.handleMessage(raw)
		}
	}
}

func (k *Kraken) handleMessage(raw []byte) {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) == 0 {
		return
	}

	if trimmed[0] == '{' {
		var ev krakenEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			k.logProtocol("event", err)
			return
		}
		switch ev.Event {
		case "heartbeat", "systemStatus", "pong":
		case "subscriptionStatus":
			if ev.Status == "error" {
				k.logger.Warn("subscription failed", "pair", ev.Pair, "message", ev.ErrorMessage)
			}
		default:
			k.logger.Debug("unknown ws event", "event", ev.Event)
		}
		return
	}

	// Array frame: [channelID, payload..., channelName, pairName]. Updates
	// touching both sides carry two payload objects.
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		k.logProtocol("frame", err)
		return
	}
	if len(frame) < 4 {
		return
	}

	var pairName string
	if err := json.Unmarshal(frame[len(frame)-1], &pairName); err != nil {
		k.logProtocol("pair name", err)
		return
	}
	pair, ok := krakenPairFromWS(pairName)
	if !ok {
		return
	}
	book, ok := k.books.Get(pair)
	if !ok {
		return
	}

	for _, part := range frame[1 : len(frame)-2] {
		var payload krakenBookPayload
		if err := json.Unmarshal(part, &payload); err != nil {
			k.logProtocol("book payload", err)
			return
		}
		if err := k.applyPayload(book, payload); err != nil {
			k.resync(pair, err)
			return
		}
	}
}

func (k *Kraken) applyPayload(book *bookState, payload krakenBookPayload) error {
	if len(payload.AsksSnapshot) > 0 || len(payload.BidsSnapshot) > 0 {
		bids, ts1, err := parseKrakenLevels(payload.BidsSnapshot)
		if err != nil {
			return err
		}
		asks, ts2, err := parseKrakenLevels(payload.AsksSnapshot)
		if err != nil {
			return err
		}
		ts := ts1
		if ts2.After(ts) {
			ts = ts2
		}
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		return book.ApplySnapshot(bids, asks, ts)
	}

	deltas := make([]bookDelta, 0, len(payload.Bids)+len(payload.Asks))
	deltas = appendKrakenDeltas(deltas, payload.Bids, types.Buy)
	deltas = appendKrakenDeltas(deltas, payload.Asks, types.Sell)
	return book.ApplyDeltas(deltas)
}

// parseKrakenLevels parses [price, volume, timestamp] rows and reports the
// newest row timestamp.
func parseKrakenLevels(rows [][]string) ([]types.OrderBookLevel, time.Time, error) {
	out := make([]types.OrderBookLevel, 0, len(rows))
	var newest time.Time
	for _, row := range rows {
		if len(row) < 3 {
			return nil, time.Time{}, fmt.Errorf("level has %d fields", len(row))
		}
		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, time.Time{}, err
		}
		vol, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, time.Time{}, err
		}
		if ts := krakenTime(row[2]); ts.After(newest) {
			newest = ts
		}
		if !vol.IsPositive() {
			continue
		}
		out = append(out, types.OrderBookLevel{Price: price, Quantity: vol})
	}
	return out, newest, nil
}

func appendKrakenDeltas(deltas []bookDelta, rows [][]string, side types.Side) []bookDelta {
	for _, row := range rows {
		if len(row) < 3 {
			continue
		}
		price, err1 := decimal.NewFromString(row[0])
		vol, err2 := decimal.NewFromString(row[1])
		if err1 != nil || err2 != nil {
			continue
		}
		ts := krakenTime(row[2])
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		deltas = append(deltas, bookDelta{Side: side, Price: price, Quantity: vol, Time: ts})
	}
	return deltas
}

// krakenTime parses the fractional unix-seconds timestamps used in book rows.
func krakenTime(s string) time.Time {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return time.Time{}
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// resync handles a crossed book by re-seeding from a fresh REST Depth
// snapshot; deltas keep flowing over the existing subscription.
func (k *Kraken) resync(pair types.TradingPair, cause error) {
	k.logger.Warn("book resync", "pair", pair.String(), "cause", cause)
	if b, ok := k.books.Get(pair); ok {
		b.Reset()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		k.seedFromDepth(ctx, pair)
	}()
}

func (k *Kraken) logProtocol(what string, err error) {
	perr := &types.ProtocolError{Exchange: k.ID(), Detail: fmt.Sprintf("%s: %v", what, err)}
	k.logger.Warn("discarding malformed message", "error", perr)
}

// pollLoop keeps subscribed books fresh over REST while the stream is
// unhealthy.
func (k *Kraken) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if k.conn.Healthy() {
				continue
			}
			k.subMu.Lock()
			pairs := make([]types.TradingPair, 0, len(k.subs))
			for p := range k.subs {
				pairs = append(pairs, p)
			}
			k.subMu.Unlock()
			for _, pair := range pairs {
				k.seedFromDepth(ctx, pair)
			}
		}
	}
}

// seedFromDepth applies a REST Depth snapshot to the local book.
func (k *Kraken) seedFromDepth(ctx context.Context, pair types.TradingPair) {
	book, err := k.fetchDepth(ctx, pair)
	if err != nil {
		k.logger.Warn("depth poll failed", "pair", pair.String(), "error", err)
		return
	}
	state := k.books.GetOrCreate(pair)
	if err := state.ApplySnapshot(book.Bids, book.Asks, book.Timestamp); err != nil {
		k.logger.Warn("depth snapshot rejected", "pair", pair.String(), "error", err)
		state.Reset()
	}
}

// fetchDepth pulls the public Depth endpoint.
func (k *Kraken) fetchDepth(ctx context.Context, pair types.TradingPair) (types.OrderBook, error) {
	if err := k.rl.Public.Wait(ctx); err != nil {
		return types.OrderBook{}, err
	}

	var result struct {
		Error  []string                   `json:"error"`
		Result map[string]json.RawMessage `json:"result"`
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"pair":  krakenRESTName(pair),
			"count": strconv.Itoa(krakenBookDepth),
		}).
		SetResult(&result).
		Get("/0/public/Depth")
	if err != nil {
		return types.OrderBook{}, &types.TransportError{Exchange: k.ID(), Op: "depth", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderBook{}, &types.TransportError{
			Exchange: k.ID(), Op: "depth",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	if len(result.Error) > 0 {
		return types.OrderBook{}, &types.ProtocolError{Exchange: k.ID(), Detail: strings.Join(result.Error, "; ")}
	}

	// The result is keyed by Kraken's own pair spelling; take the sole entry.
	var depth struct {
		Asks [][]json.RawMessage `json:"asks"`
		Bids [][]json.RawMessage `json:"bids"`
	}
	for _, raw := range result.Result {
		if err := json.Unmarshal(raw, &depth); err != nil {
			return types.OrderBook{}, &types.ProtocolError{Exchange: k.ID(), Detail: fmt.Sprintf("depth: %v", err)}
		}
		break
	}

	book := types.OrderBook{
		Exchange:  k.ID(),
		Pair:      pair,
		Timestamp: time.Now().UTC(),
	}
	book.Bids, err = parseRawLevels(depth.Bids)
	if err != nil {
		return types.OrderBook{}, &types.ProtocolError{Exchange: k.ID(), Detail: fmt.Sprintf("depth bids: %v", err)}
	}
	book.Asks, err = parseRawLevels(depth.Asks)
	if err != nil {
		return types.OrderBook{}, &types.ProtocolError{Exchange: k.ID(), Detail: fmt.Sprintf("depth asks: %v", err)}
	}
	return book, nil
}

// krakenRESTName builds the REST pair parameter, e.g. "XBTUSDT".
func krakenRESTName(pair types.TradingPair) string {
	base := pair.Base
	if base == "BTC" {
		base = "XBT"
	}
	return base + pair.Quote
}

// PlaceMarketOrder implements OrderPlacer.
func (k *Kraken) PlaceMarketOrder(ctx context.Context, pair types.TradingPair, side types.Side, qty decimal.Decimal) (types.Order, error) {
	params := url.Values{
		"pair":      {krakenRESTName(pair)},
		"type":      {krakenSide(side)},
		"ordertype": {"market"},
		"volume":    {qty.String()},
	}
	return k.addOrder(ctx, pair, side, types.Market, decimal.Zero, qty, params)
}

// PlaceLimitOrder implements OrderPlacer.
func (k *Kraken) PlaceLimitOrder(ctx context.Context, pair types.TradingPair, side types.Side, price, qty decimal.Decimal, orderType types.OrderType) (types.Order, error) {
	params := url.Values{
		"pair":      {krakenRESTName(pair)},
		"type":      {krakenSide(side)},
		"ordertype": {"limit"},
		"price":     {price.String()},
		"volume":    {qty.String()},
	}
	return k.addOrder(ctx, pair, side, orderType, price, qty, params)
}

func (k *Kraken) addOrder(ctx context.Context, pair types.TradingPair, side types.Side, orderType types.OrderType, price, qty decimal.Decimal, params url.Values) (types.Order, error) {
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := k.privateCall(ctx, "/0/private/AddOrder", params, &result); err != nil {
		return types.Order{}, err
	}
	if len(result.TxID) == 0 {
		return types.Order{}, &types.ProtocolError{Exchange: k.ID(), Detail: "AddOrder returned no txid"}
	}

	now := time.Now().UTC()
	return types.Order{
		ID:        result.TxID[0],
		Exchange:  k.ID(),
		Pair:      pair,
		Side:      side,
		Type:      orderType,
		Status:    types.OrderNew,
		Price:     price,
		Quantity:  qty,
		CreatedAt: now, LastUpdated: now,
	}, nil
}

// OrderStatus implements OrderPlacer via QueryOrders, which reports the
// executed volume and average price AddOrder's bare ack omits.
func (k *Kraken) OrderStatus(ctx context.Context, pair types.TradingPair, orderID string) (types.Order, error) {
	var result map[string]struct {
		Status  string `json:"status"`
		VolExec string `json:"vol_exec"`
		Vol     string `json:"vol"`
		Price   string `json:"price"`
		Cost    string `json:"cost"`
	}
	params := url.Values{"txid": {orderID}}
	if err := k.privateCall(ctx, "/0/private/QueryOrders", params, &result); err != nil {
		return types.Order{}, err
	}
	entry, ok := result[orderID]
	if !ok {
		return types.Order{}, &types.ProtocolError{Exchange: k.ID(), Detail: fmt.Sprintf("QueryOrders: unknown order %s", orderID)}
	}

	order := types.Order{
		ID:          orderID,
		Exchange:    k.ID(),
		Pair:        pair,
		Status:      krakenOrderStatus(entry.Status),
		LastUpdated: time.Now().UTC(),
	}
	if entry.Vol != "" {
		order.Quantity, _ = decimal.NewFromString(entry.Vol)
	}
	if entry.VolExec != "" {
		order.FilledQty, _ = decimal.NewFromString(entry.VolExec)
	}
	if entry.Price != "" {
		order.AvgFillPrice, _ = decimal.NewFromString(entry.Price)
	}
	if !order.AvgFillPrice.IsPositive() && entry.Cost != "" && order.FilledQty.IsPositive() {
		cost, _ := decimal.NewFromString(entry.Cost)
		order.AvgFillPrice = cost.Div(order.FilledQty)
	}
	if order.Status == types.OrderNew && order.FilledQty.IsPositive() {
		order.Status = types.OrderPartiallyFilled
	}
	return order, nil
}

// CancelOrder implements OrderPlacer.
func (k *Kraken) CancelOrder(ctx context.Context, pair types.TradingPair, orderID string) error {
	var result struct {
		Count int `json:"count"`
	}
	params := url.Values{"txid": {orderID}}
	if err := k.privateCall(ctx, "/0/private/CancelOrder", params, &result); err != nil {
		return err
	}
	if result.Count == 0 {
		return fmt.Errorf("cancel order %s: no orders cancelled", orderID)
	}
	return nil
}

// Balances implements BalanceReader. BalanceEx reports the amount held by
// open orders alongside the total.
func (k *Kraken) Balances(ctx context.Context) ([]types.Balance, error) {
	var result map[string]struct {
		Balance   string `json:"balance"`
		HoldTrade string `json:"hold_trade"`
	}
	if err := k.privateCall(ctx, "/0/private/BalanceEx", url.Values{}, &result); err != nil {
		return nil, err
	}

	out := make([]types.Balance, 0, len(result))
	for code, b := range result {
		total, err := decimal.NewFromString(b.Balance)
		if err != nil {
			continue
		}
		hold := decimal.Zero
		if b.HoldTrade != "" {
			hold, _ = decimal.NewFromString(b.HoldTrade)
		}
		out = append(out, types.NewBalance(k.ID(), krakenAsset(code), total, total.Sub(hold), hold))
	}
	return out, nil
}

// FeeSchedule implements FeeReader. TradeVolume reports tiered percentages;
// rates are converted to fractions.
func (k *Kraken) FeeSchedule(ctx context.Context) (types.FeeSchedule, error) {
	var result struct {
		Fees map[string]struct {
			Fee string `json:"fee"`
		} `json:"fees"`
		FeesMaker map[string]struct {
			Fee string `json:"fee"`
		} `json:"fees_maker"`
	}
	params := url.Values{"fee-info": {"true"}}
	if err := k.privateCall(ctx, "/0/private/TradeVolume", params, &result); err != nil {
		return types.FeeSchedule{}, err
	}

	hundred := decimal.NewFromInt(100)
	schedule := types.FeeSchedule{Exchange: k.ID()}
	for _, f := range result.Fees {
		pct, err := decimal.NewFromString(f.Fee)
		if err != nil {
			return types.FeeSchedule{}, &types.ProtocolError{Exchange: k.ID(), Detail: "bad taker fee"}
		}
		schedule.TakerRate = pct.Div(hundred)
		break
	}
	for _, f := range result.FeesMaker {
		pct, err := decimal.NewFromString(f.Fee)
		if err != nil {
			return types.FeeSchedule{}, &types.ProtocolError{Exchange: k.ID(), Detail: "bad maker fee"}
		}
		schedule.MakerRate = pct.Div(hundred)
		break
	}
	if schedule.MakerRate.IsZero() {
		schedule.MakerRate = schedule.TakerRate
	}
	return schedule, nil
}

// privateCall signs and posts a private endpoint request, unwrapping the
// error/result envelope into out.
func (k *Kraken) privateCall(ctx context.Context, path string, params url.Values, out any) error {
	if err := k.rl.Private.Wait(ctx); err != nil {
		return err
	}

	k.authMu.Lock()
	if !k.authed {
		k.authMu.Unlock()
		return &types.AuthError{Exchange: k.ID(), Reason: "not authenticated"}
	}
	k.nonce++
	nonce := strconv.FormatInt(k.nonce, 10)
	creds := k.creds
	k.authMu.Unlock()

	params.Set("nonce", nonce)
	body := params.Encode()
	sig, err := krakenSign(creds.APISecret, path, nonce, body)
	if err != nil {
		return &types.AuthError{Exchange: k.ID(), Reason: err.Error()}
	}

	var envelope struct {
		Error  []string        `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	resp, err := k.http.R().
		SetContext(ctx).
		SetHeader("API-Key", creds.APIKey).
		SetHeader("API-Sign", sig).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		SetResult(&envelope).
		Post(path)
	if err != nil {
		return &types.TransportError{Exchange: k.ID(), Op: path, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return &types.TransportError{
			Exchange: k.ID(), Op: path,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()),
		}
	}
	for _, e := range envelope.Error {
		if strings.HasPrefix(e, "EAPI:") || strings.HasPrefix(e, "EAuth:") {
			return &types.AuthError{Exchange: k.ID(), Reason: e}
		}
	}
	if len(envelope.Error) > 0 {
		return fmt.Errorf("%s: %s", path, strings.Join(envelope.Error, "; "))
	}
	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return &types.ProtocolError{Exchange: k.ID(), Detail: fmt.Sprintf("%s result: %v", path, err)}
		}
	}
	return nil
}

// krakenSign computes the request signature:
// base64(HMAC-SHA512(base64decode(secret), path + SHA256(nonce + postdata)))
func krakenSign(secret, path, nonce, postdata string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	inner := sha256.Sum256([]byte(nonce + postdata))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func krakenSide(side types.Side) string {
	if side == types.Sell {
		return "sell"
	}
	return "buy"
}

func krakenOrderStatus(s string) types.OrderStatus {
	switch s {
	case "closed":
		return types.OrderFilled
	case "canceled":
		return types.OrderCanceled
	case "expired":
		return types.OrderExpired
	default: // "pending", "open"
		return types.OrderNew
	}
}
