package strategy

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// RSIStrategy goes long after the RSI has stayed oversold for a number of
// bars and short after it has stayed overbought, holding its state between.
type RSIStrategy struct {
	BaseStrategy
	period       int
	overbought   float64
	oversold     float64
	confirmation int

	rsi       *wilderRSI
	lastRSI   float64
	ready     bool
	aboveRun  int
	belowRun  int
	direction types.Direction
}

func rsiDefinition() definition {
	return definition{
		name:        "RSI",
		description: "Mean reversion on confirmed RSI extremes",
		params: []StrategyParameter{
			{Name: "rsi_period", Description: "Wilder RSI period", Integer: true, Default: 14, Min: 5, Max: 30},
			{Name: "overbought_level", Description: "RSI level treated as overbought", Default: 70, Min: 65, Max: 90},
			{Name: "oversold_level", Description: "RSI level treated as oversold", Default: 30, Min: 10, Max: 40},
			{Name: "confirmation_period", Description: "Consecutive bars required in the zone", Integer: true, Default: 2, Min: 1, Max: 5},
			{Name: "fee", Description: "Execution fee rate", Default: 0.0005, Min: 0.0001, Max: 0.001},
		},
		build: func(p []float64) (Strategy, error) {
			s, err := NewRSIStrategy(int(math.Round(p[0])), p[1], p[2], int(math.Round(p[3])), p[4])
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		normalize: func(p []float64) []float64 {
			p[0] = roundWindow(p[0], 2)
			if p[1] <= p[2] {
				p[1] = p[2] + 10
			}
			p[3] = roundWindow(p[3], 1)
			return p
		},
	}
}

// NewRSIStrategy creates a new RSI strategy
func NewRSIStrategy(period int, overbought, oversold float64, confirmation int, fee float64) (*RSIStrategy, error) {
	if period < 2 {
		return nil, fmt.Errorf("%w: RSI period must be at least 2, got %d", ErrInvalidParameters, period)
	}
	if overbought <= oversold {
		return nil, fmt.Errorf("%w: overbought %v must exceed oversold %v", ErrInvalidParameters, overbought, oversold)
	}
	if confirmation < 1 {
		confirmation = 1
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: negative fee %v", ErrInvalidParameters, fee)
	}

	params := []float64{float64(period), overbought, oversold, float64(confirmation), fee}
	return &RSIStrategy{
		BaseStrategy: newBase("RSI", params, fee, types.DefaultRiskConfig(), period+1),
		period:       period,
		overbought:   overbought,
		oversold:     oversold,
		confirmation: confirmation,
		rsi:          newWilderRSI(period),
	}, nil
}

func (s *RSIStrategy) Description() string {
	return fmt.Sprintf("RSI(%d) %.0f/%.0f confirm %d", s.period, s.overbought, s.oversold, s.confirmation)
}

func (s *RSIStrategy) OnStart() {
	s.Reset()
	s.rsi.reset()
	s.lastRSI = 0
	s.ready = false
	s.aboveRun = 0
	s.belowRun = 0
	s.direction = types.Flat
}

func (s *RSIStrategy) OnBar(bar types.Bar) {
	s.AddBar(bar)

	value, ok := s.rsi.update(bar.Close)
	if !ok {
		return
	}
	s.lastRSI = value
	s.ready = true

	switch {
	case value > s.overbought:
		s.aboveRun++
		s.belowRun = 0
	case value < s.oversold:
		s.belowRun++
		s.aboveRun = 0
	default:
		s.aboveRun = 0
		s.belowRun = 0
	}

	if s.belowRun >= s.confirmation {
		s.direction = types.Long
	} else if s.aboveRun >= s.confirmation {
		s.direction = types.Short
	}
}

// DesiredDirection returns the latched signal
func (s *RSIStrategy) DesiredDirection() types.Direction {
	return s.direction
}

// Value returns the last computed RSI and whether it is available
func (s *RSIStrategy) Value() (float64, bool) {
	return s.lastRSI, s.ready
}
