package strategy

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// MACDStrategy trades histogram crossovers of the MACD line against its
// signal line, and fades histogram readings outside a band.
type MACDStrategy struct {
	BaseStrategy
	fastPeriod   int
	slowPeriod   int
	signalPeriod int
	overbought   float64
	oversold     float64

	fast     *ema
	slow     *ema
	macdLine []float64
	prevHist float64
	histOK   bool
	hist     float64
	ready    bool
}

// MACDRiskConfig is the wider risk bundle MACD runs under
func MACDRiskConfig() types.RiskConfig {
	risk := types.DefaultRiskConfig()
	risk.MaxPortfolioRisk = 0.025
	risk.StopLossPct = 0.04
	risk.TakeProfitPct = 0.12
	risk.MaxDrawdown = 0.15
	risk.ATRMultiplier = 2.5
	risk.DrawdownBreakerPct = 0.08
	risk.RecoveryModeRisk = 0.01
	return risk
}

func macdDefinition() definition {
	return definition{
		name:        "MACD",
		description: "MACD histogram crossovers with band thresholds",
		params: []StrategyParameter{
			{Name: "fast_period", Description: "Fast EMA period", Integer: true, Default: 12, Min: 8, Max: 16},
			{Name: "slow_period", Description: "Slow EMA period", Integer: true, Default: 26, Min: 20, Max: 40},
			{Name: "signal_period", Description: "Signal line period", Integer: true, Default: 9, Min: 5, Max: 15},
			{Name: "overbought_level", Description: "Histogram level that signals short", Default: 1.0, Min: 0.5, Max: 1.5},
			{Name: "oversold_level", Description: "Histogram level that signals long", Default: -1.0, Min: -1.5, Max: -0.5},
			{Name: "fee", Description: "Execution fee rate", Default: 0.0005, Min: 0.0001, Max: 0.001},
		},
		build: func(p []float64) (Strategy, error) {
			s, err := NewMACDStrategy(int(math.Round(p[0])), int(math.Round(p[1])), int(math.Round(p[2])), p[3], p[4], p[5])
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		normalize: func(p []float64) []float64 {
			p[0] = roundWindow(p[0], 2)
			p[1] = roundWindow(p[1], int(p[0])+4)
			p[2] = roundWindow(p[2], 2)
			return p
		},
	}
}

// NewMACDStrategy creates a new MACD strategy
func NewMACDStrategy(fast, slow, signal int, overbought, oversold, fee float64) (*MACDStrategy, error) {
	if fast < 1 || slow < 1 || signal < 1 {
		return nil, fmt.Errorf("%w: MACD periods must be positive, got %d/%d/%d",
			ErrInvalidParameters, fast, slow, signal)
	}
	if fast >= slow {
		return nil, fmt.Errorf("%w: fast period %d must be below slow period %d", ErrInvalidParameters, fast, slow)
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: negative fee %v", ErrInvalidParameters, fee)
	}

	params := []float64{float64(fast), float64(slow), float64(signal), overbought, oversold, fee}
	return &MACDStrategy{
		BaseStrategy: newBase("MACD", params, fee, MACDRiskConfig(), slow+signal),
		fastPeriod:   fast,
		slowPeriod:   slow,
		signalPeriod: signal,
		overbought:   overbought,
		oversold:     oversold,
		fast:         newEMA(fast),
		slow:         newEMA(slow),
	}, nil
}

func (s *MACDStrategy) Description() string {
	return fmt.Sprintf("MACD(%d,%d,%d)", s.fastPeriod, s.slowPeriod, s.signalPeriod)
}

func (s *MACDStrategy) OnStart() {
	s.Reset()
	s.fast.reset()
	s.slow.reset()
	s.macdLine = s.macdLine[:0]
	s.prevHist = 0
	s.histOK = false
	s.hist = 0
	s.ready = false
}

func (s *MACDStrategy) OnBar(bar types.Bar) {
	s.AddBar(bar)

	s.fast.update(bar.Close)
	if !s.slow.update(bar.Close) || !s.fast.ready() {
		return
	}

	s.macdLine = append(s.macdLine, s.fast.value-s.slow.value)
	if len(s.macdLine) > s.signalPeriod {
		s.macdLine = s.macdLine[len(s.macdLine)-s.signalPeriod:]
	}
	if len(s.macdLine) < s.signalPeriod {
		return
	}

	hist := s.macdLine[len(s.macdLine)-1] - SMA(s.macdLine, s.signalPeriod)
	if s.histOK {
		s.prevHist = s.hist
		s.ready = true
	}
	s.hist = hist
	s.histOK = true
}

// DesiredDirection follows crossovers first, then the histogram band.
// Inside the band with no crossover the strategy wants to be flat.
func (s *MACDStrategy) DesiredDirection() types.Direction {
	if !s.ready {
		return types.Flat
	}

	switch {
	case s.prevHist <= 0 && s.hist > 0:
		return types.Long
	case s.prevHist >= 0 && s.hist < 0:
		return types.Short
	case s.hist > s.overbought:
		return types.Short
	case s.hist < s.oversold:
		return types.Long
	default:
		return types.Flat
	}
}

// Histogram returns the latest MACD histogram value
func (s *MACDStrategy) Histogram() (float64, bool) {
	return s.hist, s.histOK
}
