// Package backtester provides performance metrics calculation.
package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

const (
	tradingDaysPerYear = 252
	riskFreeRate       = 0.02
	varConfidence      = 0.95
	noLossProfitFactor = 1000.0
)

// Returns converts a portfolio value series into simple per-step returns.
// Steps from a zero value are skipped.
func Returns(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		prev := values[i-1]
		if prev == 0 {
			continue
		}
		returns = append(returns, (values[i]-prev)/prev)
	}
	return returns
}

// MaxDrawdown returns the largest peak-to-trough decline as a fraction of the peak
func MaxDrawdown(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	peak := values[0]
	maxDD := 0.0
	for _, v := range values[1:] {
		if v > peak {
			peak = v
			continue
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// SharpeRatio annualizes the mean daily return against a 2% risk-free rate
// using the sample standard deviation. Zero variance yields 0.
func SharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	sd := stdDev(returns)
	if sd == 0 {
		return 0
	}
	return (mean(returns)*tradingDaysPerYear - riskFreeRate) / (sd * math.Sqrt(tradingDaysPerYear))
}

// SortinoRatio is SharpeRatio with the root mean square of the negative
// returns in place of the standard deviation. No losses yields 0.
func SortinoRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}

	sumSq := 0.0
	count := 0
	for _, r := range returns {
		if r < 0 {
			sumSq += r * r
			count++
		}
	}
	if count == 0 || sumSq == 0 {
		return 0
	}

	downside := math.Sqrt(sumSq / float64(count))
	return (mean(returns)*tradingDaysPerYear - riskFreeRate) / (downside * math.Sqrt(tradingDaysPerYear))
}

// CalmarRatio divides total return by max drawdown, 0 without a drawdown
func CalmarRatio(totalReturn, maxDrawdown float64) float64 {
	if maxDrawdown <= 0 {
		return 0
	}
	return totalReturn / maxDrawdown
}

// ValueAtRisk returns the historical VaR at the given confidence as a
// positive loss fraction.
func ValueAtRisk(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int((1 - confidence) * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return -sorted[idx]
}

// ExpectedShortfall is the mean loss over returns whose loss is at least the VaR
func ExpectedShortfall(returns []float64, confidence float64) float64 {
	if len(returns) == 0 {
		return 0
	}

	threshold := ValueAtRisk(returns, confidence)
	sum := 0.0
	count := 0
	for _, r := range returns {
		if -r >= threshold {
			sum += -r
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// CompositeScore ranks a metrics record; see StrategyMetrics.ComputeCompositeScore
func CompositeScore(m *types.StrategyMetrics) float64 {
	return m.ComputeCompositeScore()
}

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator(logger *zap.Logger) *MetricsCalculator {
	return &MetricsCalculator{logger: logger, now: time.Now}
}

// Calculate fills a StrategyMetrics record from a simulation result.
// Trade statistics count exit trades only.
func (mc *MetricsCalculator) Calculate(result *Result, initialCapital float64) *types.StrategyMetrics {
	m := &types.StrategyMetrics{
		StrategyName: result.Strategy,
		Symbol:       result.Symbol,
		TestedAt:     mc.now(),
	}

	values := result.EquityCurve
	returns := result.Returns
	if returns == nil {
		returns = Returns(values)
	}

	if len(returns) > 0 && initialCapital > 0 {
		m.TotalReturn = (values[len(values)-1] - initialCapital) / initialCapital
		m.SharpeRatio = SharpeRatio(returns)
		m.MaxDrawdown = MaxDrawdown(values)
		m.VaR95 = ValueAtRisk(returns, varConfidence)
		m.ExpectedShortfall = ExpectedShortfall(returns, varConfidence)
	}

	var totalWins, totalLosses float64
	wins, exits := 0, 0
	for _, t := range result.Trades {
		if !t.IsExit() {
			continue
		}
		exits++
		switch {
		case t.PnL > 0:
			totalWins += t.PnL
			wins++
		case t.PnL < 0:
			totalLosses += -t.PnL
		}
	}

	if exits > 0 {
		m.TotalTrades = exits
		m.WinRate = float64(wins) / float64(exits)
		m.AvgTrade = (totalWins - totalLosses) / float64(exits)

		if totalLosses > 0 {
			m.ProfitFactor = totalWins / totalLosses
		} else if totalWins > 0 {
			m.ProfitFactor = noLossProfitFactor
		}
	}

	if len(result.Episodes) > 0 {
		holdSum := 0
		for _, ep := range result.Episodes {
			holdSum += ep.HoldBars
			m.MaxAdverseExcursion = math.Max(m.MaxAdverseExcursion, ep.MAE)
			m.MaxFavorableExcursion = math.Max(m.MaxFavorableExcursion, ep.MFE)
		}
		m.AvgHoldPeriod = float64(holdSum) / float64(len(result.Episodes))
	}

	m.CalmarRatio = CalmarRatio(m.TotalReturn, m.MaxDrawdown)
	m.SortinoRatio = SortinoRatio(returns)
	m.ComputeCompositeScore()

	mc.logger.Debug("Calculated metrics",
		zap.String("strategy", m.StrategyName),
		zap.Int("trades", m.TotalTrades),
		zap.Float64("sharpe", m.SharpeRatio),
		zap.Float64("composite", m.CompositeScore),
	)

	return m
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}
