// Package types provides configuration types for the strategy lab.
package types

// RiskConfig bundles the risk parameters a strategy runs under
type RiskConfig struct {
	MaxPositionSize  float64 `json:"maxPositionSize"`
	MaxPortfolioRisk float64 `json:"maxPortfolioRisk"`
	MaxDrawdown      float64 `json:"maxDrawdown"`
	StopLossPct      float64 `json:"stopLossPct"`
	TakeProfitPct    float64 `json:"takeProfitPct"`

	EnableTrailingStop bool    `json:"enableTrailingStop"`
	TrailingStopPct    float64 `json:"trailingStopPct"`

	EnableVolatilitySizing bool    `json:"enableVolatilitySizing"`
	EnableATRStops         bool    `json:"enableAtrStops"`
	ATRPeriod              int     `json:"atrPeriod"`
	ATRMultiplier          float64 `json:"atrMultiplier"`
	MaxCorrelation         float64 `json:"maxCorrelation"` // single-symbol runs never consult it

	EnableDrawdownBreaker bool    `json:"enableDrawdownBreaker"`
	DrawdownBreakerPct    float64 `json:"drawdownBreakerPct"`
	RecoveryModeRisk      float64 `json:"recoveryModeRisk"`
}

// DefaultRiskConfig returns the standard risk bundle
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MaxPositionSize:        10000.0,
		MaxPortfolioRisk:       0.02,
		MaxDrawdown:            0.10,
		StopLossPct:            0.02,
		TakeProfitPct:          0.06,
		EnableTrailingStop:     true,
		TrailingStopPct:        0.01,
		EnableVolatilitySizing: true,
		EnableATRStops:         true,
		ATRPeriod:              14,
		ATRMultiplier:          2.0,
		MaxCorrelation:         0.7,
		EnableDrawdownBreaker:  true,
		DrawdownBreakerPct:     0.05,
		RecoveryModeRisk:       0.005,
	}
}

// StrategyTestConfig describes a single strategy test
type StrategyTestConfig struct {
	StrategyName     string      `json:"strategyName"`
	Parameters       []float64   `json:"parameters"`
	Symbol           string      `json:"symbol"`
	InitialCapital   float64     `json:"initialCapital"`
	FeeRate          float64     `json:"feeRate,omitempty"` // 0 uses the fee in the parameter vector
	MaxBars          int         `json:"maxBars,omitempty"` // 0 means all bars
	RetainMarketData bool        `json:"retainMarketData,omitempty"`
	Risk             *RiskConfig `json:"risk,omitempty"` // overrides the strategy's own bundle
}

// DefaultStrategyTestConfig returns a config with the standard run settings
func DefaultStrategyTestConfig(name string, params []float64) StrategyTestConfig {
	return StrategyTestConfig{
		StrategyName:   name,
		Parameters:     params,
		Symbol:         "DEMO",
		InitialCapital: 100000.0,
		MaxBars:        1000,
	}
}

// ParameterRange bounds a single parameter of a strategy
type ParameterRange struct {
	Name string  `json:"name"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Span returns the width of the range
func (r ParameterRange) Span() float64 {
	return r.Max - r.Min
}

// Clamp restricts v to the range
func (r ParameterRange) Clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// GenerationMethod selects how parameter vectors are sampled
type GenerationMethod string

const (
	GenerationRandom GenerationMethod = "random"
	GenerationGrid   GenerationMethod = "grid"
	GenerationLHS    GenerationMethod = "lhs"
)

// ParameterGenConfig configures batch parameter generation
type ParameterGenConfig struct {
	StrategyType string           `json:"strategyType"`
	Ranges       []ParameterRange `json:"ranges"`
	NumSamples   int              `json:"numSamples"`
	Method       GenerationMethod `json:"method"`
	MutationRate float64          `json:"mutationRate"`
}

// DefaultParameterGenConfig returns generation settings for a strategy type
func DefaultParameterGenConfig(strategyType string, ranges []ParameterRange) ParameterGenConfig {
	return ParameterGenConfig{
		StrategyType: strategyType,
		Ranges:       ranges,
		NumSamples:   100,
		Method:       GenerationRandom,
		MutationRate: 0.1,
	}
}
