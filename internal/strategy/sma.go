package strategy

import (
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// SMAStrategy trades the crossover of a short and a long simple moving average.
type SMAStrategy struct {
	BaseStrategy
	shortWindow int
	longWindow  int
}

func smaDefinition() definition {
	return definition{
		name:        "SMA",
		description: "Long when the short moving average is above the long one, short when below",
		params: []StrategyParameter{
			{Name: "short_window", Description: "Short moving average window", Integer: true, Default: 10, Min: 5, Max: 50},
			{Name: "long_window", Description: "Long moving average window", Integer: true, Default: 40, Min: 20, Max: 200},
			{Name: "fee", Description: "Execution fee rate", Default: 0.0005, Min: 0.0001, Max: 0.001},
		},
		build: func(params []float64) (Strategy, error) {
			s, err := NewSMAStrategy(int(math.Round(params[0])), int(math.Round(params[1])), params[2])
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		normalize: func(p []float64) []float64 {
			p[0] = roundWindow(p[0], 1)
			p[1] = roundWindow(p[1], 1)
			if p[0] >= p[1] {
				p[1] = p[0] + 5
			}
			return p
		},
	}
}

// NewSMAStrategy creates a new SMA crossover strategy
func NewSMAStrategy(shortWindow, longWindow int, fee float64) (*SMAStrategy, error) {
	if shortWindow < 1 || longWindow < 1 {
		return nil, fmt.Errorf("%w: SMA windows must be positive, got %d/%d",
			ErrInvalidParameters, shortWindow, longWindow)
	}
	if fee < 0 {
		return nil, fmt.Errorf("%w: negative fee %v", ErrInvalidParameters, fee)
	}

	maxBars := longWindow
	if shortWindow > maxBars {
		maxBars = shortWindow
	}

	params := []float64{float64(shortWindow), float64(longWindow), fee}
	return &SMAStrategy{
		BaseStrategy: newBase("SMA", params, fee, types.DefaultRiskConfig(), maxBars),
		shortWindow:  shortWindow,
		longWindow:   longWindow,
	}, nil
}

func (s *SMAStrategy) Description() string {
	return fmt.Sprintf("SMA crossover %d/%d", s.shortWindow, s.longWindow)
}

func (s *SMAStrategy) OnStart() { s.Reset() }

func (s *SMAStrategy) OnBar(bar types.Bar) { s.AddBar(bar) }

// DesiredDirection is flat until both windows are filled and when the
// averages are equal.
func (s *SMAStrategy) DesiredDirection() types.Direction {
	if len(s.closes) < s.longWindow || len(s.closes) < s.shortWindow {
		return types.Flat
	}

	short := SMA(s.closes, s.shortWindow)
	long := SMA(s.closes, s.longWindow)

	switch {
	case short > long:
		return types.Long
	case short < long:
		return types.Short
	default:
		return types.Flat
	}
}
