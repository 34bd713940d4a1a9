// Package risk gates opportunities against capital, concurrency, and loss
// limits before they reach the executor.
//
// All mutable state sits under one mutex: the open trade count, the asset
// exposure map, realized PnL for the current UTC day, and the equity
// snapshot taken at the day boundary. The day rolls over lazily during the
// next check after UTC midnight.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Quotes carries the current top-of-book prices for the price protection
// check. A nil Quotes skips that check.
type Quotes struct {
	BuyAsk  decimal.Decimal // current best ask on the buy exchange
	SellBid decimal.Decimal // current best bid on the sell exchange
}

// Manager approves or rejects opportunities and tracks trading state.
type Manager struct {
	mu      sync.Mutex
	profile types.RiskProfile
	equity  decimal.Decimal

	openTrades       int
	exposure         map[string]decimal.Decimal // base asset -> notional in quote
	realizedToday    decimal.Decimal
	dayStart         time.Time // UTC midnight of the current day
	equityAtDayStart decimal.Decimal

	now    func() time.Time
	logger *slog.Logger
}

// New creates a manager with the given profile and starting equity in
// quote units.
func New(profile types.RiskProfile, equity decimal.Decimal, logger *slog.Logger) *Manager {
	m := &Manager{
		profile:  profile,
		equity:   equity,
		exposure: make(map[string]decimal.Decimal),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With("component", "risk"),
	}
	m.dayStart = midnightUTC(m.now())
	m.equityAtDayStart = equity
	return m
}

// SetProfile swaps the active profile. Applies to the next check.
func (m *Manager) SetProfile(profile types.RiskProfile) {
	m.mu.Lock()
	m.profile = profile
	m.mu.Unlock()
}

// SetEquity updates the current equity estimate in quote units.
func (m *Manager) SetEquity(equity decimal.Decimal) {
	m.mu.Lock()
	m.equity = equity
	m.mu.Unlock()
}

// Equity returns the current equity estimate in quote units.
func (m *Manager) Equity() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity
}

// OpenTrades returns the number of in-flight executions.
func (m *Manager) OpenTrades() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openTrades
}

// RealizedToday returns realized PnL since UTC midnight.
func (m *Manager) RealizedToday() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return m.realizedToday
}

// Approve runs the ordered checks. On approval it reserves a trade slot
// and the asset exposure, which Complete releases; a non-nil result is the
// rejection. quotes may be nil.
func (m *Manager) Approve(opp types.ArbitrageOpportunity, quotes *Quotes) *types.RiskRejection {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	notional := opp.BuyPrice.Mul(opp.EffectiveQty)

	if opp.SpreadPct.LessThan(m.profile.MinProfitPct) {
		return reject(opp, types.RejectMinProfit,
			fmt.Sprintf("spread %s%% below minimum %s%%", opp.SpreadPct, m.profile.MinProfitPct))
	}

	if m.profile.MaxCapitalPerTradePct.IsPositive() {
		limit := m.profile.MaxCapitalPerTradePct.Mul(m.equity)
		if notional.GreaterThan(limit) {
			return reject(opp, types.RejectCapitalPerTrade,
				fmt.Sprintf("notional %s exceeds per-trade cap %s", notional, limit))
		}
	}

	if m.profile.MaxCapitalPerAssetPct.IsPositive() {
		limit := m.profile.MaxCapitalPerAssetPct.Mul(m.equity)
		current := m.exposure[opp.Pair.Base]
		if current.Add(notional).GreaterThan(limit) {
			return reject(opp, types.RejectCapitalPerAsset,
				fmt.Sprintf("%s exposure %s + %s exceeds cap %s", opp.Pair.Base, current, notional, limit))
		}
	}

	if m.openTrades >= m.profile.MaxConcurrentTrades {
		return reject(opp, types.RejectConcurrentTrades,
			fmt.Sprintf("%d trades already in flight", m.openTrades))
	}

	if m.profile.DailyLossLimitPct.IsPositive() && m.realizedToday.IsNegative() {
		limit := m.profile.DailyLossLimitPct.Mul(m.equityAtDayStart)
		if m.realizedToday.Neg().GreaterThan(limit) {
			return reject(opp, types.RejectDailyLossLimit,
				fmt.Sprintf("realized loss %s exceeds daily limit %s", m.realizedToday.Neg(), limit))
		}
	}

	if m.profile.UsePriceProtection && quotes != nil {
		if r := m.priceProtectionLocked(opp, quotes); r != nil {
			return r
		}
	}

	m.openTrades++
	m.exposure[opp.Pair.Base] = m.exposure[opp.Pair.Base].Add(notional)
	return nil
}

// Complete releases the reservation taken by Approve and books the
// realized profit or loss.
func (m *Manager) Complete(opp types.ArbitrageOpportunity, realized decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	if m.openTrades > 0 {
		m.openTrades--
	}
	notional := opp.BuyPrice.Mul(opp.EffectiveQty)
	remaining := m.exposure[opp.Pair.Base].Sub(notional)
	if remaining.IsPositive() {
		m.exposure[opp.Pair.Base] = remaining
	} else {
		delete(m.exposure, opp.Pair.Base)
	}
	m.realizedToday = m.realizedToday.Add(realized)
	m.equity = m.equity.Add(realized)
}

// priceProtectionLocked rejects when the market has moved away from the
// detected prices by more than the slippage cap.
func (m *Manager) priceProtectionLocked(opp types.ArbitrageOpportunity, quotes *Quotes) *types.RiskRejection {
	maxPct := m.profile.MaxSlippagePct
	if !maxPct.IsPositive() {
		return nil
	}
	if quotes.BuyAsk.IsPositive() {
		drift := quotes.BuyAsk.Sub(opp.BuyPrice).Div(opp.BuyPrice).Mul(decimal.NewFromInt(100))
		if drift.GreaterThan(maxPct) {
			return reject(opp, types.RejectPriceProtection,
				fmt.Sprintf("buy price drifted %s%%, cap %s%%", drift, maxPct))
		}
	}
	if quotes.SellBid.IsPositive() {
		drift := opp.SellPrice.Sub(quotes.SellBid).Div(opp.SellPrice).Mul(decimal.NewFromInt(100))
		if drift.GreaterThan(maxPct) {
			return reject(opp, types.RejectPriceProtection,
				fmt.Sprintf("sell price drifted %s%%, cap %s%%", drift, maxPct))
		}
	}
	return nil
}

// rolloverLocked resets the daily counters when a UTC day boundary has
// passed since the last check.
func (m *Manager) rolloverLocked() {
	today := midnightUTC(m.now())
	if today.After(m.dayStart) {
		m.logger.Info("daily risk counters rolled over",
			"previous_day", m.dayStart.Format("2006-01-02"),
			"realized", m.realizedToday,
		)
		m.dayStart = today
		m.equityAtDayStart = m.equity
		m.realizedToday = decimal.Zero
	}
}

func reject(opp types.ArbitrageOpportunity, reason types.RejectReason, detail string) *types.RiskRejection {
	return &types.RiskRejection{
		OpportunityID: opp.ID,
		Reason:        reason,
		Detail:        detail,
	}
}

func midnightUTC(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
