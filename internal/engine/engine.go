// Package engine owns the process lifecycle: it wires the exchange
// clients, aggregator, detector, risk manager, executor, and store into
// one pipeline and supervises the long-lived goroutines.
//
// Startup order is aggregator, detector, risk gate, executor; shutdown
// cancels ingestion first and lets the pipeline drain through its channel
// closures, so in-flight executions finish within the execution deadline.
// Supervised goroutines restart on panic with exponential backoff; after
// repeated panics the subtree's circuit opens and stays down.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/detector"
	"crossarb/internal/exchange"
	"crossarb/internal/executor"
	"crossarb/internal/marketdata"
	"crossarb/internal/risk"
	"crossarb/internal/store"
	"crossarb/pkg/types"
)

const (
	defaultTakerRate  = 0.001
	defaultBaseSeed   = 1
	defaultQuoteSeed  = 10000
	maxPanicRestarts  = 5
	panicBackoffStart = time.Second
	panicBackoffCap   = 30 * time.Second
)

// Status is the control surface snapshot.
type Status struct {
	Running         bool
	PaperTrading    bool
	AutoExecute     bool
	StartedAt       time.Time
	OpenTrades      int
	RealizedToday   decimal.Decimal
	DetectorMissed  uint64
	AggregatorStale uint64
	StoreBuffered   int
	SubtreeFailures map[string]string
	Exchanges       map[types.ExchangeID]exchange.Health
}

// Engine supervises the arbitrage pipeline.
type Engine struct {
	mu      sync.Mutex // lifecycle: running, started, consumed, pipeline wiring
	running bool
	started time.Time

	cfgMu sync.RWMutex
	cfg   *config.Config

	equity  decimal.Decimal
	clients map[types.ExchangeID]exchange.Client
	agg     *marketdata.Aggregator
	det     *detector.Detector
	riskMgr *risk.Manager
	exec    *executor.Executor
	paper   *executor.Paper
	repo    *store.Store

	inflightMu sync.Mutex
	inflight   map[string]types.ArbitrageOpportunity

	failMu   sync.Mutex
	failures map[string]string

	ingestCancel context.CancelFunc
	bgCancel     context.CancelFunc
	pipeWg       sync.WaitGroup
	bgWg         sync.WaitGroup

	// consumed marks a pipeline that has been through a Stop. Its channels
	// are closed and its connections dead, so the next Start rebuilds it.
	consumed bool

	baseLogger *slog.Logger
	logger     *slog.Logger
}

// New builds the pipeline from configuration without starting it.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		baseLogger: logger,
		logger:     logger.With("component", "engine"),
	}
	if err := e.build(); err != nil {
		return nil, err
	}
	return e, nil
}

// build constructs the single-use pipeline pieces: store handle, exchange
// clients, aggregator, execution backend, detector, executor. The risk
// manager is created once and survives rebuilds so realized PnL and equity
// carry across a stop/start cycle.
func (e *Engine) build() error {
	cfg := e.currentConfig()

	repo, err := store.Open(cfg.Store.Path, e.baseLogger)
	if err != nil {
		return err
	}
	e.repo = repo

	e.clients = make(map[types.ExchangeID]exchange.Client)
	for _, exCfg := range cfg.Exchanges {
		if !exCfg.IsEnabled {
			continue
		}
		client, err := buildClient(exCfg, cfg, e.baseLogger)
		if err != nil {
			repo.Close()
			return err
		}
		e.clients[client.ID()] = client
	}

	e.agg = marketdata.New(e.baseLogger)

	var backend executor.Backend
	if cfg.PaperTrading {
		e.paper = executor.NewPaper(e.agg, e.baseLogger)
		e.seedPaper()
		e.equity = e.paperEquity()
		backend = e.paper
	} else {
		live := executor.NewLive(e.clients, e.baseLogger)
		for id := range e.clients {
			live.SetTakerFee(id, decimal.NewFromFloat(defaultTakerRate))
		}
		e.equity = decimal.NewFromInt(defaultQuoteSeed)
		backend = live
	}
	if e.riskMgr == nil {
		e.riskMgr = risk.New(types.ProfileByName(cfg.RiskProfile), e.equity, e.baseLogger)
	}

	outBuffer := cfg.MaxConcurrentOps * 4
	e.det = detector.New(e.detectorParams(cfg), outBuffer, e.persistMissed, e.baseLogger)
	e.exec = executor.New(backend, cfg.MaxConcurrentOps, cfg.MaxExecutionTime(), e.baseLogger)

	e.inflightMu.Lock()
	e.inflight = make(map[string]types.ArbitrageOpportunity)
	e.inflightMu.Unlock()
	e.failMu.Lock()
	e.failures = make(map[string]string)
	e.failMu.Unlock()
	return nil
}

// Start connects the exchanges and launches the pipeline. Idempotent while
// running; after a Stop it rebuilds the pipeline and starts fresh.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}
	cfg := e.currentConfig()
	if !cfg.IsEnabled {
		return errors.New("engine disabled by configuration")
	}
	if e.consumed {
		if err := e.build(); err != nil {
			return fmt.Errorf("rebuild pipeline: %w", err)
		}
		e.consumed = false
	}

	ingestCtx, ingestCancel := context.WithCancel(context.Background())
	bgCtx, bgCancel := context.WithCancel(context.Background())
	e.ingestCancel = ingestCancel
	e.bgCancel = bgCancel

	if err := e.startClients(ingestCtx); err != nil {
		ingestCancel()
		bgCancel()
		return err
	}
	e.installFees(ingestCtx)

	sub := e.agg.Subscribe()
	oppCh := make(chan types.ArbitrageOpportunity, cfg.MaxConcurrentOps*2)

	e.runPipeline("aggregator", func() { e.agg.Run(ingestCtx) })
	e.runPipeline("detector", func() { e.det.Run(ingestCtx, sub.C(), e.agg) })
	e.runPipeline("risk-gate", func() { e.gateLoop(oppCh) })
	e.runPipeline("executor", func() { e.exec.Run(bgCtx, oppCh) })
	e.runPipeline("results", func() { e.resultLoop() })

	e.bgWg.Add(2)
	go func() {
		defer e.bgWg.Done()
		e.repo.FlushLoop(bgCtx)
	}()
	go func() {
		defer e.bgWg.Done()
		e.repo.CompactLoop(bgCtx)
	}()

	e.running = true
	e.started = time.Now().UTC()
	e.logger.Info("engine started",
		"paper_trading", cfg.PaperTrading,
		"auto_execute", cfg.AutoExecuteTrades,
		"exchanges", len(e.clients),
		"pairs", len(cfg.TradingPairs),
	)
	return nil
}

// Stop drains the pipeline and shuts everything down in reverse start
// order. Idempotent.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	// Stop ingestion; the pipeline drains through cascading channel
	// closures, letting in-flight executions finish.
	e.ingestCancel()
	for _, client := range e.clients {
		if err := client.Close(); err != nil {
			e.logger.Warn("client close failed", "error", err)
		}
	}
	e.pipeWg.Wait()

	e.bgCancel()
	e.bgWg.Wait()

	if err := e.repo.Close(); err != nil {
		e.logger.Warn("store close failed", "error", err)
	}

	e.running = false
	e.consumed = true
	e.logger.Info("engine stopped")
	return nil
}

// Status reports the current control surface snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running, started := e.running, e.started
	repo, riskMgr, det, agg := e.repo, e.riskMgr, e.det, e.agg
	e.mu.Unlock()
	cfg := e.currentConfig()

	buffered, _ := repo.Buffered()

	s := Status{
		Running:         running,
		PaperTrading:    cfg.PaperTrading,
		AutoExecute:     cfg.AutoExecuteTrades,
		StartedAt:       started,
		OpenTrades:      riskMgr.OpenTrades(),
		RealizedToday:   riskMgr.RealizedToday(),
		DetectorMissed:  det.Missed(),
		AggregatorStale: agg.StaleDropped(),
		StoreBuffered:   buffered,
		SubtreeFailures: map[string]string{},
		Exchanges:       e.ExchangeStatuses(),
	}
	e.failMu.Lock()
	for k, v := range e.failures {
		s.SubtreeFailures[k] = v
	}
	e.failMu.Unlock()
	return s
}

// ExchangeStatuses returns connection health per exchange.
func (e *Engine) ExchangeStatuses() map[types.ExchangeID]exchange.Health {
	e.mu.Lock()
	clients := e.clients
	e.mu.Unlock()
	out := make(map[types.ExchangeID]exchange.Health, len(clients))
	for id, client := range clients {
		out[id] = client.Health()
	}
	return out
}

// Opportunities proxies the repository range query.
func (e *Engine) Opportunities(r store.TimeRange, limit int) ([]types.ArbitrageOpportunity, error) {
	return e.repo.Opportunities(r, limit)
}

// Trades proxies the repository range query.
func (e *Engine) Trades(r store.TimeRange, limit int) ([]types.TradeResult, error) {
	return e.repo.Trades(r, limit)
}

// Statistics proxies the repository aggregate.
func (e *Engine) Statistics(pair string, r store.TimeRange) (store.Statistics, error) {
	return e.repo.Statistics(pair, r)
}

// UpdateConfiguration swaps the active configuration. Thresholds apply on
// the next detection tick; credentials apply on the next reconnect.
func (e *Engine) UpdateConfiguration(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.cfgMu.Lock()
	e.cfg = cfg
	e.cfgMu.Unlock()

	e.riskMgr.SetProfile(types.ProfileByName(cfg.RiskProfile))
	e.det.SetParams(e.detectorParams(cfg))

	if err := e.repo.SaveConfiguration("engine", cfg); err != nil {
		e.logger.Warn("configuration snapshot not persisted", "error", err)
	}
	e.logger.Info("configuration updated", "risk_profile", cfg.RiskProfile)
	return nil
}

// startClients connects every enabled exchange and subscribes the
// configured pairs, feeding each stream into the aggregator.
func (e *Engine) startClients(ctx context.Context) error {
	cfg := e.currentConfig()
	for id, client := range e.clients {
		exCfg, ok := cfg.ExchangeByID(id)
		if !cfg.PaperTrading && ok && exCfg.APIKey != "" {
			creds := exchange.Credentials{
				APIKey:    exCfg.APIKey,
				APISecret: exCfg.APISecret,
				Extra:     exCfg.AdditionalAuthParams,
			}
			if err := client.Authenticate(creds); err != nil {
				return fmt.Errorf("authenticate %s: %w", id, err)
			}
		}
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", id, err)
		}
		for _, pair := range cfg.Pairs() {
			if err := client.SubscribeOrderBook(ctx, pair); err != nil {
				return fmt.Errorf("subscribe %s on %s: %w", pair.String(), id, err)
			}
			e.agg.AddSource(id, client.OrderBookUpdates(pair))
		}
	}
	return nil
}

// installFees loads taker rates into the detector, preferring the live fee
// schedule over the default.
func (e *Engine) installFees(ctx context.Context) {
	paper := e.currentConfig().PaperTrading
	for id, client := range e.clients {
		schedule := types.FeeSchedule{
			Exchange:  id,
			MakerRate: decimal.NewFromFloat(defaultTakerRate),
			TakerRate: decimal.NewFromFloat(defaultTakerRate),
		}
		if !paper {
			feeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if live, err := client.FeeSchedule(feeCtx); err == nil {
				schedule = live
			} else {
				e.logger.Warn("using default fee schedule", "exchange", id, "error", err)
			}
			cancel()
		}
		e.det.SetFees(schedule)
		if e.paper != nil {
			e.paper.SetTakerFee(id, schedule.TakerRate)
		}
	}
}

// gateLoop applies risk checks between the detector and the executor and
// closes the executor feed when the detector drains.
func (e *Engine) gateLoop(oppCh chan<- types.ArbitrageOpportunity) {
	defer close(oppCh)

	for opp := range e.det.Opportunities() {
		if err := e.repo.SaveOpportunity(opp); err != nil {
			e.logger.Warn("opportunity not persisted", "id", opp.ID, "error", err)
		}

		if !e.autoExecute() {
			continue
		}

		rejection := e.riskMgr.Approve(opp, e.currentQuotes(opp))
		if rejection != nil {
			opp.Status = types.OpportunityMissed
			e.logger.Info("opportunity rejected",
				"id", opp.ID,
				"reason", string(rejection.Reason),
				"detail", rejection.Detail,
			)
			e.persistMissed(opp)
			continue
		}

		opp.Status = types.OpportunityExecuting
		if err := e.repo.SaveOpportunity(opp); err != nil {
			e.logger.Warn("opportunity not persisted", "id", opp.ID, "error", err)
		}
		e.inflightMu.Lock()
		e.inflight[opp.ID] = opp
		e.inflightMu.Unlock()
		oppCh <- opp
	}
}

// resultLoop settles executor results: risk bookkeeping, opportunity
// status, persistence.
func (e *Engine) resultLoop() {
	for result := range e.exec.Results() {
		e.inflightMu.Lock()
		opp, ok := e.inflight[result.OpportunityID]
		delete(e.inflight, result.OpportunityID)
		e.inflightMu.Unlock()

		if ok {
			e.riskMgr.Complete(opp, result.ProfitAbs)
			e.det.SetParams(e.detectorParams(e.currentConfig()))
			if result.IsSuccess {
				opp.Status = types.OpportunityExecuted
			} else {
				opp.Status = types.OpportunityFailed
			}
			if err := e.repo.SaveOpportunity(opp); err != nil {
				e.logger.Warn("opportunity not persisted", "id", opp.ID, "error", err)
			}
		}
		if err := e.repo.SaveTrade(result); err != nil {
			e.logger.Warn("trade not persisted", "id", result.ID, "error", err)
		}
	}
}

// persistMissed records a missed opportunity. Used by the gate and as the
// detector overflow callback.
func (e *Engine) persistMissed(opp types.ArbitrageOpportunity) {
	opp.Status = types.OpportunityMissed
	if err := e.repo.SaveOpportunity(opp); err != nil {
		e.logger.Warn("missed opportunity not persisted", "id", opp.ID, "error", err)
	}
}

// currentQuotes samples the live top of book for price protection.
func (e *Engine) currentQuotes(opp types.ArbitrageOpportunity) *risk.Quotes {
	q := &risk.Quotes{}
	if book, ok := e.agg.Latest(opp.BuyExchange, opp.Pair); ok {
		if ask, ok := book.BestAsk(); ok {
			q.BuyAsk = ask.Price
		}
	}
	if book, ok := e.agg.Latest(opp.SellExchange, opp.Pair); ok {
		if bid, ok := book.BestBid(); ok {
			q.SellBid = bid.Price
		}
	}
	return q
}

func (e *Engine) autoExecute() bool {
	return e.currentConfig().AutoExecuteTrades
}

func (e *Engine) currentConfig() *config.Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// runPipeline supervises one long-lived goroutine: panics restart the task
// with exponential backoff until the restart budget is spent, then the
// subtree stays down and the failure is surfaced through Status.
func (e *Engine) runPipeline(name string, fn func()) {
	e.pipeWg.Add(1)
	go func() {
		defer e.pipeWg.Done()

		backoff := panicBackoffStart
		for attempt := 0; ; attempt++ {
			panicked := e.runGuarded(name, fn)
			if !panicked {
				return
			}
			if attempt+1 >= maxPanicRestarts {
				e.failMu.Lock()
				e.failures[name] = fmt.Sprintf("circuit open after %d panics", attempt+1)
				e.failMu.Unlock()
				e.logger.Error("subtree circuit open", "task", name, "panics", attempt+1)
				return
			}
			e.logger.Warn("restarting task after panic", "task", name, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > panicBackoffCap {
				backoff = panicBackoffCap
			}
		}
	}()
}

func (e *Engine) runGuarded(name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			e.failMu.Lock()
			e.failures[name] = fmt.Sprintf("panic: %v", r)
			e.failMu.Unlock()
			e.logger.Error("task panicked", "task", name, "panic", r)
		}
	}()
	fn()
	return false
}

// seedPaper funds the simulator from configuration, or with defaults per
// configured pair.
func (e *Engine) seedPaper() {
	cfg := e.currentConfig()
	if len(cfg.Paper.InitialBalances) > 0 {
		for id := range e.clients {
			for currency, amount := range cfg.Paper.InitialBalances {
				e.paper.Deposit(id, currency, decimal.NewFromFloat(amount))
			}
		}
		return
	}
	for id := range e.clients {
		for _, pair := range cfg.Pairs() {
			e.paper.Deposit(id, pair.Quote, decimal.NewFromInt(defaultQuoteSeed))
			e.paper.Deposit(id, pair.Base, decimal.NewFromInt(defaultBaseSeed))
		}
	}
}

// paperEquity sums the simulator's quote-currency balances.
func (e *Engine) paperEquity() decimal.Decimal {
	quotes := make(map[string]bool)
	for _, pair := range e.currentConfig().Pairs() {
		quotes[pair.Quote] = true
	}
	total := decimal.Zero
	for _, b := range e.paper.Balances() {
		if quotes[b.Currency] {
			total = total.Add(b.Total)
		}
	}
	return total
}

// detectorParams derives detection thresholds from configuration, sizing
// the capital cap off the risk manager's current equity and the active
// profile. Equity moves with realized PnL, so callers refresh these params
// after every settlement and configuration change.
func (e *Engine) detectorParams(cfg *config.Config) detector.Params {
	profile := types.ProfileByName(cfg.RiskProfile)
	equity := e.equity
	if e.riskMgr != nil {
		equity = e.riskMgr.Equity()
	}
	return detector.Params{
		MinProfitPct: decimal.NewFromFloat(cfg.MinProfitPct),
		MinTradeQty:  decimal.NewFromFloat(cfg.MinTradeQty),
		TickInterval: cfg.TickInterval(),
		CapitalCap:   equity.Mul(profile.MaxCapitalPerTradePct),
	}
}

func buildClient(exCfg config.ExchangeConfig, cfg *config.Config, logger *slog.Logger) (exchange.Client, error) {
	switch strings.ToLower(exCfg.ID) {
	case string(types.ExchangeCoinbase):
		return exchange.NewCoinbase(exCfg, logger), nil
	case string(types.ExchangeKraken):
		return exchange.NewKraken(exCfg, cfg.PollingInterval(), logger), nil
	default:
		return nil, &types.ConfigError{
			Field:  "exchanges.exchange_id",
			Reason: fmt.Sprintf("unsupported exchange %q", exCfg.ID),
		}
	}
}
