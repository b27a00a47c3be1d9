// Package backtester provides risk management for backtesting.
package backtester

import (
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// ExitReason records why a position was closed
type ExitReason string

const (
	ExitNone         ExitReason = ""
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTakeProfit   ExitReason = "take_profit"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitSignal       ExitReason = "signal"
	ExitStrategy     ExitReason = "strategy"
	ExitEndOfData    ExitReason = "end_of_data"
)

const (
	minPositionFraction = 0.001
	targetVolatility    = 0.02
	minVolatility       = 0.001
	volatilityLookback  = 20
	recoveryThreshold   = 0.8
	takeProfitATRFactor = 3.0
)

// SessionState is the view of a running simulation the risk policy sizes against
type SessionState struct {
	PortfolioValue float64
	PeakEquity     float64
	Closes         []float64 // closes seen so far, current bar last
	ExitPnLs       []float64 // realized pnl of closed positions
}

// Drawdown returns the fractional decline of the portfolio from its peak
func (s SessionState) Drawdown() float64 {
	if s.PeakEquity <= 0 || s.PortfolioValue >= s.PeakEquity {
		return 0
	}
	return (s.PeakEquity - s.PortfolioValue) / s.PeakEquity
}

// Stops holds the exit levels of an open position
type Stops struct {
	StopLoss     float64 `json:"stopLoss"`
	TakeProfit   float64 `json:"takeProfit"`
	TrailingStop float64 `json:"trailingStop"`
}

// RiskPolicy sizes positions and decides risk exits for one strategy.
// It is stateless; everything it needs arrives in SessionState.
type RiskPolicy struct {
	config types.RiskConfig
}

// NewRiskPolicy creates a new risk policy
func NewRiskPolicy(config types.RiskConfig) *RiskPolicy {
	return &RiskPolicy{config: config}
}

// Config returns the risk bundle
func (rp *RiskPolicy) Config() types.RiskConfig {
	return rp.config
}

// BreakerTripped reports whether drawdown has reached the circuit breaker.
// While tripped, new entries are sized at RecoveryModeRisk, or refused when
// no recovery risk is configured.
func (rp *RiskPolicy) BreakerTripped(state SessionState) bool {
	if !rp.config.EnableDrawdownBreaker || rp.config.DrawdownBreakerPct <= 0 {
		return false
	}
	return state.Drawdown() >= rp.config.DrawdownBreakerPct
}

// InRecoveryMode reports whether drawdown is close enough to the maximum,
// or past the breaker, to switch to the reduced recovery risk.
func (rp *RiskPolicy) InRecoveryMode(state SessionState) bool {
	if rp.BreakerTripped(state) {
		return true
	}
	if rp.config.MaxDrawdown <= 0 {
		return false
	}
	return state.Drawdown() >= recoveryThreshold*rp.config.MaxDrawdown
}

// AllowsEntry reports whether a new position may be opened. A tripped
// breaker only refuses entries when there is no recovery risk to size them at.
func (rp *RiskPolicy) AllowsEntry(state SessionState) bool {
	return !rp.BreakerTripped(state) || rp.config.RecoveryModeRisk > 0
}

// EffectiveRisk returns the per-trade risk fraction in force
func (rp *RiskPolicy) EffectiveRisk(state SessionState) float64 {
	if rp.InRecoveryMode(state) && rp.config.RecoveryModeRisk > 0 {
		return rp.config.RecoveryModeRisk
	}
	return rp.config.MaxPortfolioRisk
}

// KellyFraction estimates the Kelly bet from realized trade pnl, clamped to
// [0.001, risk]. Without a usable win/loss history it returns risk.
func (rp *RiskPolicy) KellyFraction(pnls []float64, risk float64) float64 {
	wins, losses := 0, 0
	sumWin, sumLoss := 0.0, 0.0
	for _, p := range pnls {
		switch {
		case p > 0:
			wins++
			sumWin += p
		case p < 0:
			losses++
			sumLoss += p
		}
	}

	if len(pnls) == 0 || wins == 0 || losses == 0 {
		return risk
	}

	winRate := float64(wins) / float64(len(pnls))
	avgWin := sumWin / float64(wins)
	avgLoss := sumLoss / float64(losses)
	if winRate <= 0 || avgWin <= 0 || avgLoss >= 0 {
		return risk
	}

	f := winRate - (1-winRate)*math.Abs(avgLoss)/avgWin
	return clampFloat(f, minPositionFraction, risk)
}

// VolatilityAdjustment scales size inversely to the close-to-close
// volatility of every bar seen so far, in [0.5, 2]. It needs at least 20
// closes, otherwise 1.
func (rp *RiskPolicy) VolatilityAdjustment(closes []float64) float64 {
	if !rp.config.EnableVolatilitySizing || len(closes) < volatilityLookback {
		return 1.0
	}

	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
	}

	vol := stdDev(returns)
	return clampFloat(targetVolatility/math.Max(vol, minVolatility), 0.5, 2.0)
}

// PositionSize returns the notional to commit to a new position
func (rp *RiskPolicy) PositionSize(state SessionState) float64 {
	pv := state.PortfolioValue
	if pv <= 0 {
		return 0
	}

	risk := rp.EffectiveRisk(state)
	size := pv * rp.KellyFraction(state.ExitPnLs, risk) * rp.VolatilityAdjustment(state.Closes)
	size = clampFloat(size, pv*minPositionFraction, pv*risk)

	if rp.config.MaxPositionSize > 0 && size > rp.config.MaxPositionSize {
		size = rp.config.MaxPositionSize
	}
	return size
}

// ATR approximates the average true range as the mean absolute
// close-to-close change over the last period bars. Highs and lows are not
// consulted.
func ATR(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	sum := 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		sum += math.Abs(closes[i] - closes[i-1])
	}
	return sum / float64(period), true
}

// StopLevels computes the stop-loss and take-profit for a new position,
// ATR based when enabled and enough history exists, percentage based otherwise.
func (rp *RiskPolicy) StopLevels(entry float64, dir types.Direction, closes []float64) (stopLoss, takeProfit float64) {
	d := float64(dir)

	if rp.config.EnableATRStops {
		if atr, ok := ATR(closes, rp.config.ATRPeriod); ok && atr > 0 {
			distance := atr * rp.config.ATRMultiplier
			return entry - d*distance, entry + d*takeProfitATRFactor*distance
		}
	}

	if rp.config.StopLossPct > 0 {
		stopLoss = entry * (1 - d*rp.config.StopLossPct)
	}
	if rp.config.TakeProfitPct > 0 {
		takeProfit = entry * (1 + d*rp.config.TakeProfitPct)
	}
	return stopLoss, takeProfit
}

// InitialTrailingStop returns the trailing stop for a new position, 0 when disabled
func (rp *RiskPolicy) InitialTrailingStop(entry float64, dir types.Direction) float64 {
	if !rp.config.EnableTrailingStop {
		return 0
	}
	return entry * (1 - float64(dir)*rp.config.TrailingStopPct)
}

// UpdateTrailingStop ratchets the stop toward price; it never loosens
func (rp *RiskPolicy) UpdateTrailingStop(current, price float64, dir types.Direction) float64 {
	if !rp.config.EnableTrailingStop {
		return current
	}
	candidate := price * (1 - float64(dir)*rp.config.TrailingStopPct)
	if dir == types.Long {
		return math.Max(current, candidate)
	}
	return math.Min(current, candidate)
}

// CheckExit tests the stops in order stop-loss, take-profit, trailing stop.
// A level of 0 is unset and never fires.
func (rp *RiskPolicy) CheckExit(price float64, dir types.Direction, stops Stops) ExitReason {
	switch dir {
	case types.Long:
		if stops.StopLoss > 0 && price <= stops.StopLoss {
			return ExitStopLoss
		}
		if stops.TakeProfit > 0 && price >= stops.TakeProfit {
			return ExitTakeProfit
		}
		if rp.config.EnableTrailingStop && stops.TrailingStop > 0 && price <= stops.TrailingStop {
			return ExitTrailingStop
		}
	case types.Short:
		if stops.StopLoss > 0 && price >= stops.StopLoss {
			return ExitStopLoss
		}
		if stops.TakeProfit > 0 && price <= stops.TakeProfit {
			return ExitTakeProfit
		}
		if rp.config.EnableTrailingStop && stops.TrailingStop > 0 && price >= stops.TrailingStop {
			return ExitTrailingStop
		}
	}
	return ExitNone
}

// clampFloat bounds v to [lo, hi]; hi wins when the bounds cross.
func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}
