// Package store persists opportunities, trade results, and rolling
// statistics in SQLite.
//
// Writes are idempotent by id, so replays after a crash or a fallback
// flush cannot duplicate records. When the database is unavailable, writes
// land in a bounded in-memory buffer that a background loop flushes once
// the database recovers; overflow drops the oldest buffered record.
// Statistics are computed on read and cached for a short window.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

const (
	statsCacheTTL  = 30 * time.Second
	fallbackLimit  = 10000
	flushInterval  = 5 * time.Second
	compactEvery   = time.Hour
	opportunityTTL = 30 * 24 * time.Hour
	tradeTTL       = 365 * 24 * time.Hour
	statisticsTTL  = 2 * 365 * 24 * time.Hour
)

// Statistics is the rolling aggregate over a time range.
type Statistics struct {
	Pair               string          `json:"pair,omitempty"`
	TotalOpportunities int64           `json:"total_opportunities"`
	MissedCount        int64           `json:"missed_count"`
	TotalTrades        int64           `json:"total_trades"`
	SuccessfulTrades   int64           `json:"successful_trades"`
	SuccessRatePct     decimal.Decimal `json:"success_rate_pct"`
	NetProfit          decimal.Decimal `json:"net_profit"`
	BestTrade          decimal.Decimal `json:"best_trade"`
	WorstTrade         decimal.Decimal `json:"worst_trade"`
	GeneratedAt        time.Time       `json:"generated_at"`
}

// TimeRange bounds a query. Zero values mean unbounded on that side.
type TimeRange struct {
	From time.Time
	To   time.Time
}

type pendingKind int

const (
	pendingOpportunity pendingKind = iota
	pendingTrade
)

type pendingRecord struct {
	kind  pendingKind
	opp   types.ArbitrageOpportunity
	trade types.TradeResult
}

// Store is the SQLite-backed repository. Safe for concurrent use.
type Store struct {
	db *sql.DB

	bufMu   sync.Mutex
	buffer  []pendingRecord
	dropped uint64

	cacheMu sync.Mutex
	cache   map[string]cachedStats

	logger *slog.Logger
}

type cachedStats struct {
	stats Statistics
	at    time.Time
}

// Open creates or opens the database at path, applying the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &types.PersistenceError{Op: "mkdir", Err: err}
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, &types.PersistenceError{Op: "open", Err: err}
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		cache:  make(map[string]cachedStats),
		logger: logger.With("component", "store"),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS opportunities (
	id            TEXT PRIMARY KEY,
	pair          TEXT NOT NULL,
	buy_exchange  TEXT NOT NULL,
	sell_exchange TEXT NOT NULL,
	buy_price     TEXT NOT NULL,
	sell_price    TEXT NOT NULL,
	effective_qty TEXT NOT NULL,
	spread_abs    TEXT NOT NULL,
	spread_pct    TEXT NOT NULL,
	est_profit    TEXT NOT NULL,
	est_fees      TEXT NOT NULL,
	status        TEXT NOT NULL,
	detected_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opportunities_detected_at
	ON opportunities (detected_at);
CREATE INDEX IF NOT EXISTS idx_opportunities_pair_detected
	ON opportunities (pair, detected_at);
CREATE INDEX IF NOT EXISTS idx_opportunities_route_detected
	ON opportunities (buy_exchange, sell_exchange, detected_at);

CREATE TABLE IF NOT EXISTS trades (
	id                TEXT PRIMARY KEY,
	opportunity_id    TEXT NOT NULL,
	is_success        INTEGER NOT NULL,
	profit_abs        TEXT NOT NULL,
	profit_pct        TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER NOT NULL,
	buy_execution     TEXT,
	sell_execution    TEXT,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades (created_at);
CREATE INDEX IF NOT EXISTS idx_trades_opportunity ON trades (opportunity_id);
CREATE INDEX IF NOT EXISTS idx_trades_profit ON trades (profit_abs DESC);

CREATE TABLE IF NOT EXISTS statistics (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	pair         TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL,
	generated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_statistics_generated ON statistics (generated_at);

CREATE TABLE IF NOT EXISTS system_configuration (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return &types.PersistenceError{Op: "migrate", Err: err}
	}
	return nil
}

// SaveOpportunity upserts by id. On database failure the record is
// buffered for the flush loop.
func (s *Store) SaveOpportunity(opp types.ArbitrageOpportunity) error {
	if err := s.writeOpportunity(opp); err != nil {
		s.bufferRecord(pendingRecord{kind: pendingOpportunity, opp: opp})
		return err
	}
	return nil
}

func (s *Store) writeOpportunity(opp types.ArbitrageOpportunity) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO opportunities
		(id, pair, buy_exchange, sell_exchange, buy_price, sell_price,
		 effective_qty, spread_abs, spread_pct, est_profit, est_fees, status, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		opp.ID, opp.Pair.String(), string(opp.BuyExchange), string(opp.SellExchange),
		opp.BuyPrice.String(), opp.SellPrice.String(), opp.EffectiveQty.String(),
		opp.SpreadAbs.String(), opp.SpreadPct.String(), opp.EstProfitQuote.String(),
		opp.EstFeesQuote.String(), string(opp.Status), opp.DetectedAt.UnixNano(),
	)
	if err != nil {
		return &types.PersistenceError{Op: "save opportunity", Err: err}
	}
	return nil
}

// SaveTrade upserts by id. On database failure the record is buffered for
// the flush loop.
func (s *Store) SaveTrade(result types.TradeResult) error {
	if err := s.writeTrade(result); err != nil {
		s.bufferRecord(pendingRecord{kind: pendingTrade, trade: result})
		return err
	}
	return nil
}

func (s *Store) writeTrade(result types.TradeResult) error {
	buyJSON, err := marshalExecution(result.BuyExecution)
	if err != nil {
		return &types.PersistenceError{Op: "save trade", Err: err}
	}
	sellJSON, err := marshalExecution(result.SellExecution)
	if err != nil {
		return &types.PersistenceError{Op: "save trade", Err: err}
	}

	_, err = s.db.Exec(`INSERT OR REPLACE INTO trades
		(id, opportunity_id, is_success, profit_abs, profit_pct, error,
		 execution_time_ms, buy_execution, sell_execution, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.OpportunityID, boolInt(result.IsSuccess),
		result.ProfitAbs.String(), result.ProfitPct.String(), result.Error,
		result.ExecutionTimeMS, buyJSON, sellJSON, result.Timestamp.UnixNano(),
	)
	if err != nil {
		return &types.PersistenceError{Op: "save trade", Err: err}
	}
	return nil
}

// Opportunities returns records in the range, newest first.
func (s *Store) Opportunities(r TimeRange, limit int) ([]types.ArbitrageOpportunity, error) {
	if limit <= 0 {
		limit = 100
	}
	from, to := r.bounds()
	rows, err := s.db.Query(`SELECT id, pair, buy_exchange, sell_exchange,
		buy_price, sell_price, effective_qty, spread_abs, spread_pct,
		est_profit, est_fees, status, detected_at
		FROM opportunities
		WHERE detected_at >= ? AND detected_at <= ?
		ORDER BY detected_at DESC LIMIT ?`, from, to, limit)
	if err != nil {
		return nil, &types.PersistenceError{Op: "query opportunities", Err: err}
	}
	defer rows.Close()

	var out []types.ArbitrageOpportunity
	for rows.Next() {
		var (
			opp                                                      types.ArbitrageOpportunity
			pair, buyEx, sellEx, status                              string
			buyPrice, sellPrice, qty, sprAbs, sprPct, profit, feeStr string
			detected                                                 int64
		)
		if err := rows.Scan(&opp.ID, &pair, &buyEx, &sellEx, &buyPrice, &sellPrice,
			&qty, &sprAbs, &sprPct, &profit, &feeStr, &status, &detected); err != nil {
			return nil, &types.PersistenceError{Op: "scan opportunity", Err: err}
		}
		opp.Pair, err = types.ParsePair(pair)
		if err != nil {
			return nil, &types.PersistenceError{Op: "scan opportunity", Err: err}
		}
		opp.BuyExchange = types.ExchangeID(buyEx)
		opp.SellExchange = types.ExchangeID(sellEx)
		opp.Status = types.OpportunityStatus(status)
		opp.DetectedAt = time.Unix(0, detected).UTC()
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&opp.BuyPrice, buyPrice}, {&opp.SellPrice, sellPrice},
			{&opp.EffectiveQty, qty}, {&opp.SpreadAbs, sprAbs},
			{&opp.SpreadPct, sprPct}, {&opp.EstProfitQuote, profit},
			{&opp.EstFeesQuote, feeStr},
		} {
			if *f.dst, err = decimal.NewFromString(f.src); err != nil {
				return nil, &types.PersistenceError{Op: "scan opportunity", Err: err}
			}
		}
		out = append(out, opp)
	}
	return out, rows.Err()
}

// Trades returns results in the range, newest first.
func (s *Store) Trades(r TimeRange, limit int) ([]types.TradeResult, error) {
	if limit <= 0 {
		limit = 100
	}
	from, to := r.bounds()
	rows, err := s.db.Query(`SELECT id, opportunity_id, is_success, profit_abs,
		profit_pct, error, execution_time_ms, buy_execution, sell_execution, created_at
		FROM trades
		WHERE created_at >= ? AND created_at <= ?
		ORDER BY created_at DESC LIMIT ?`, from, to, limit)
	if err != nil {
		return nil, &types.PersistenceError{Op: "query trades", Err: err}
	}
	defer rows.Close()
	return scanTrades(rows)
}

// TradesByOpportunity returns every result linked to one opportunity.
func (s *Store) TradesByOpportunity(opportunityID string) ([]types.TradeResult, error) {
	rows, err := s.db.Query(`SELECT id, opportunity_id, is_success, profit_abs,
		profit_pct, error, execution_time_ms, buy_execution, sell_execution, created_at
		FROM trades WHERE opportunity_id = ? ORDER BY created_at DESC`, opportunityID)
	if err != nil {
		return nil, &types.PersistenceError{Op: "query trades", Err: err}
	}
	defer rows.Close()
	return scanTrades(rows)
}

// Statistics aggregates opportunities and trades over the range, optionally
// scoped to one pair. Results are cached for 30s.
func (s *Store) Statistics(pair string, r TimeRange) (Statistics, error) {
	key := fmt.Sprintf("%s|%d|%d", pair, r.From.UnixNano(), r.To.UnixNano())
	s.cacheMu.Lock()
	if c, ok := s.cache[key]; ok && time.Since(c.at) < statsCacheTTL {
		s.cacheMu.Unlock()
		return c.stats, nil
	}
	s.cacheMu.Unlock()

	stats, err := s.computeStatistics(pair, r)
	if err != nil {
		return Statistics{}, err
	}

	s.cacheMu.Lock()
	s.cache[key] = cachedStats{stats: stats, at: time.Now()}
	s.cacheMu.Unlock()
	return stats, nil
}

func (s *Store) computeStatistics(pair string, r TimeRange) (Statistics, error) {
	from, to := r.bounds()
	stats := Statistics{Pair: pair, GeneratedAt: time.Now().UTC()}

	oppQuery := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM opportunities WHERE detected_at >= ? AND detected_at <= ?`
	oppArgs := []any{string(types.OpportunityMissed), from, to}
	if pair != "" {
		oppQuery += " AND pair = ?"
		oppArgs = append(oppArgs, pair)
	}
	if err := s.db.QueryRow(oppQuery, oppArgs...).Scan(&stats.TotalOpportunities, &stats.MissedCount); err != nil {
		return Statistics{}, &types.PersistenceError{Op: "statistics", Err: err}
	}

	tradeQuery := `SELECT t.is_success, t.profit_abs
		FROM trades t JOIN opportunities o ON o.id = t.opportunity_id
		WHERE t.created_at >= ? AND t.created_at <= ?`
	tradeArgs := []any{from, to}
	if pair != "" {
		tradeQuery += " AND o.pair = ?"
		tradeArgs = append(tradeArgs, pair)
	}
	rows, err := s.db.Query(tradeQuery, tradeArgs...)
	if err != nil {
		return Statistics{}, &types.PersistenceError{Op: "statistics", Err: err}
	}
	defer rows.Close()

	first := true
	for rows.Next() {
		var success int
		var profitStr string
		if err := rows.Scan(&success, &profitStr); err != nil {
			return Statistics{}, &types.PersistenceError{Op: "statistics", Err: err}
		}
		profit, err := decimal.NewFromString(profitStr)
		if err != nil {
			return Statistics{}, &types.PersistenceError{Op: "statistics", Err: err}
		}

		stats.TotalTrades++
		if success == 1 {
			stats.SuccessfulTrades++
		}
		stats.NetProfit = stats.NetProfit.Add(profit)
		if first || profit.GreaterThan(stats.BestTrade) {
			stats.BestTrade = profit
		}
		if first || profit.LessThan(stats.WorstTrade) {
			stats.WorstTrade = profit
		}
		first = false
	}
	if err := rows.Err(); err != nil {
		return Statistics{}, &types.PersistenceError{Op: "statistics", Err: err}
	}

	if stats.TotalTrades > 0 {
		stats.SuccessRatePct = decimal.NewFromInt(stats.SuccessfulTrades).
			Div(decimal.NewFromInt(stats.TotalTrades)).
			Mul(decimal.NewFromInt(100))
	}
	return stats, nil
}

// SaveStatistics snapshots an aggregate for the statistics TTL window.
func (s *Store) SaveStatistics(stats Statistics) error {
	payload, err := json.Marshal(stats)
	if err != nil {
		return &types.PersistenceError{Op: "save statistics", Err: err}
	}
	_, err = s.db.Exec(`INSERT INTO statistics (pair, payload, generated_at) VALUES (?, ?, ?)`,
		stats.Pair, string(payload), stats.GeneratedAt.UnixNano())
	if err != nil {
		return &types.PersistenceError{Op: "save statistics", Err: err}
	}
	return nil
}

// SaveConfiguration upserts one configuration document by key.
func (s *Store) SaveConfiguration(key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return &types.PersistenceError{Op: "save configuration", Err: err}
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO system_configuration (key, value, updated_at)
		VALUES (?, ?, ?)`, key, string(payload), time.Now().UnixNano())
	if err != nil {
		return &types.PersistenceError{Op: "save configuration", Err: err}
	}
	return nil
}

// LoadConfiguration reads one configuration document into out. Returns
// sql.ErrNoRows when the key is absent.
func (s *Store) LoadConfiguration(key string, out any) error {
	var payload string
	err := s.db.QueryRow(`SELECT value FROM system_configuration WHERE key = ?`, key).Scan(&payload)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(payload), out)
}

// DeleteOlderThan removes expired rows from one table.
func (s *Store) DeleteOlderThan(table string, cutoff time.Time) (int64, error) {
	var column string
	switch table {
	case "opportunities":
		column = "detected_at"
	case "trades":
		column = "created_at"
	case "statistics":
		column = "generated_at"
	default:
		return 0, &types.PersistenceError{Op: "compact", Err: fmt.Errorf("unknown table %q", table)}
	}
	res, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s WHERE %s < ?", table, column), cutoff.UnixNano())
	if err != nil {
		return 0, &types.PersistenceError{Op: "compact", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CompactLoop snapshots the overall aggregate and applies the retention
// policy hourly until ctx is cancelled.
func (s *Store) CompactLoop(ctx context.Context) {
	ticker := time.NewTicker(compactEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.snapshotStatistics()
			s.compactOnce()
		}
	}
}

// snapshotStatistics persists the current all-pairs aggregate so history
// outlives the trade TTL.
func (s *Store) snapshotStatistics() {
	stats, err := s.computeStatistics("", TimeRange{})
	if err != nil {
		s.logger.Warn("statistics snapshot failed", "error", err)
		return
	}
	if stats.TotalOpportunities == 0 && stats.TotalTrades == 0 {
		return
	}
	if err := s.SaveStatistics(stats); err != nil {
		s.logger.Warn("statistics snapshot not persisted", "error", err)
	}
}

func (s *Store) compactOnce() {
	now := time.Now()
	for _, policy := range []struct {
		table string
		ttl   time.Duration
	}{
		{"opportunities", opportunityTTL},
		{"trades", tradeTTL},
		{"statistics", statisticsTTL},
	} {
		n, err := s.DeleteOlderThan(policy.table, now.Add(-policy.ttl))
		if err != nil {
			s.logger.Warn("compaction failed", "table", policy.table, "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("compacted expired rows", "table", policy.table, "rows", n)
		}
	}
}

// FlushLoop retries buffered writes until ctx is cancelled, then attempts
// one final flush.
func (s *Store) FlushLoop(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Flush()
			return
		case <-ticker.C:
			s.Flush()
		}
	}
}

// Flush replays the fallback buffer in order. Records that fail again stay
// buffered.
func (s *Store) Flush() {
	s.bufMu.Lock()
	pending := s.buffer
	s.buffer = nil
	s.bufMu.Unlock()

	if len(pending) == 0 {
		return
	}

	var failed []pendingRecord
	for _, rec := range pending {
		var err error
		switch rec.kind {
		case pendingOpportunity:
			err = s.writeOpportunity(rec.opp)
		case pendingTrade:
			err = s.writeTrade(rec.trade)
		}
		if err != nil {
			failed = append(failed, rec)
		}
	}

	if len(failed) > 0 {
		s.bufMu.Lock()
		s.buffer = append(failed, s.buffer...)
		s.bufMu.Unlock()
		s.logger.Warn("fallback flush incomplete", "remaining", len(failed))
		return
	}
	s.logger.Info("fallback buffer flushed", "records", len(pending))
}

// Buffered returns the current fallback buffer depth and total drops.
func (s *Store) Buffered() (int, uint64) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return len(s.buffer), s.dropped
}

func (s *Store) bufferRecord(rec pendingRecord) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	if len(s.buffer) >= fallbackLimit {
		s.buffer = s.buffer[1:]
		s.dropped++
	}
	s.buffer = append(s.buffer, rec)
}

func (r TimeRange) bounds() (int64, int64) {
	from := int64(0)
	if !r.From.IsZero() {
		from = r.From.UnixNano()
	}
	to := int64(1<<63 - 1)
	if !r.To.IsZero() {
		to = r.To.UnixNano()
	}
	return from, to
}

func scanTrades(rows *sql.Rows) ([]types.TradeResult, error) {
	var out []types.TradeResult
	for rows.Next() {
		var (
			result               types.TradeResult
			success              int
			profitAbs, profitPct string
			buyJSON, sellJSON    sql.NullString
			created              int64
		)
		if err := rows.Scan(&result.ID, &result.OpportunityID, &success,
			&profitAbs, &profitPct, &result.Error, &result.ExecutionTimeMS,
			&buyJSON, &sellJSON, &created); err != nil {
			return nil, &types.PersistenceError{Op: "scan trade", Err: err}
		}
		result.IsSuccess = success == 1
		result.Timestamp = time.Unix(0, created).UTC()

		var err error
		if result.ProfitAbs, err = decimal.NewFromString(profitAbs); err != nil {
			return nil, &types.PersistenceError{Op: "scan trade", Err: err}
		}
		if result.ProfitPct, err = decimal.NewFromString(profitPct); err != nil {
			return nil, &types.PersistenceError{Op: "scan trade", Err: err}
		}
		if result.BuyExecution, err = unmarshalExecution(buyJSON); err != nil {
			return nil, &types.PersistenceError{Op: "scan trade", Err: err}
		}
		if result.SellExecution, err = unmarshalExecution(sellJSON); err != nil {
			return nil, &types.PersistenceError{Op: "scan trade", Err: err}
		}
		out = append(out, result)
	}
	return out, rows.Err()
}

func marshalExecution(exec *types.TradeExecution) (sql.NullString, error) {
	if exec == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(exec)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalExecution(raw sql.NullString) (*types.TradeExecution, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var exec types.TradeExecution
	if err := json.Unmarshal([]byte(raw.String), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
