// Package backtester provides strategy ensembles built from tested strategies.
package backtester

import (
	"fmt"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// WeightingMethod selects how ensemble weights are derived
type WeightingMethod string

const (
	WeightEqual      WeightingMethod = "equal"
	WeightSharpe     WeightingMethod = "sharpe"
	WeightRiskParity WeightingMethod = "risk_parity"
)

// minParityDrawdown stands in for a zero drawdown when weighting by inverse risk
const minParityDrawdown = 0.01

// Ensemble combines tested strategies into a weighted portfolio. Combined
// figures are weight-averaged from the members' metrics; the drawdown is
// therefore an upper bound for the combined equity curve.
type Ensemble struct {
	Method      WeightingMethod          `json:"method"`
	Strategies  []*types.StrategyMetrics `json:"strategies"`
	Weights     []float64                `json:"weights"`
	Return      float64                  `json:"return"`
	SharpeRatio float64                  `json:"sharpeRatio"`
	MaxDrawdown float64                  `json:"maxDrawdown"`
}

// NewEnsemble weights members with method and computes the combined metrics
func NewEnsemble(members []*types.StrategyMetrics, method WeightingMethod) (*Ensemble, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("ensemble needs at least one strategy")
	}

	e := &Ensemble{Method: method, Strategies: members}

	switch method {
	case WeightEqual, "":
		e.Method = WeightEqual
		e.Weights = equalWeights(len(members))
	case WeightSharpe:
		e.Weights = sharpeWeights(members)
	case WeightRiskParity:
		e.Weights = riskParityWeights(members)
	default:
		return nil, fmt.Errorf("unknown weighting method %q", method)
	}

	for i, m := range members {
		w := e.Weights[i]
		e.Return += w * m.TotalReturn
		e.SharpeRatio += w * m.SharpeRatio
		e.MaxDrawdown += w * m.MaxDrawdown
	}
	return e, nil
}

func equalWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// sharpeWeights is proportional to positive Sharpe; equal when none is positive
func sharpeWeights(members []*types.StrategyMetrics) []float64 {
	raw := make([]float64, len(members))
	for i, m := range members {
		if m.SharpeRatio > 0 {
			raw[i] = m.SharpeRatio
		}
	}
	return normalizeWeights(raw)
}

// riskParityWeights is proportional to inverse max drawdown
func riskParityWeights(members []*types.StrategyMetrics) []float64 {
	raw := make([]float64, len(members))
	for i, m := range members {
		dd := m.MaxDrawdown
		if dd < minParityDrawdown {
			dd = minParityDrawdown
		}
		raw[i] = 1 / dd
	}
	return normalizeWeights(raw)
}

func normalizeWeights(raw []float64) []float64 {
	sum := 0.0
	for _, v := range raw {
		sum += v
	}
	if sum <= 0 {
		return equalWeights(len(raw))
	}
	for i := range raw {
		raw[i] /= sum
	}
	return raw
}
