package strategy_test

import (
	"math"
	"testing"

	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(s strategy.Strategy, closes ...float64) types.Direction {
	for i, c := range closes {
		s.OnBar(types.Bar{Date: 20240101 + i, Open: c, High: c, Low: c, Close: c})
	}
	return s.DesiredDirection()
}

func TestFactoryUnknownAndMalformed(t *testing.T) {
	_, err := strategy.New("BOLLINGER", []float64{1, 2})
	require.ErrorIs(t, err, strategy.ErrUnknownStrategy)

	_, err = strategy.New("SMA", []float64{10, 40})
	require.ErrorIs(t, err, strategy.ErrInvalidParameters)

	_, err = strategy.New("RSI", []float64{14, 30, 70, 2, 0.0005})
	require.ErrorIs(t, err, strategy.ErrInvalidParameters, "overbought below oversold")

	_, err = strategy.New("MACD", []float64{26, 12, 9, 1, -1, 0.0005})
	require.ErrorIs(t, err, strategy.ErrInvalidParameters, "fast above slow")

	_, err = strategy.New("SMA", []float64{10, math.NaN(), 0.001})
	require.ErrorIs(t, err, strategy.ErrInvalidParameters)
}

func TestFactoryCreatesEveryAvailableStrategy(t *testing.T) {
	assert.Equal(t, []string{"SMA", "RSI", "MACD"}, strategy.Available())

	for _, name := range strategy.Available() {
		params := strategy.DefaultParameters(name)
		require.Len(t, params, len(strategy.ParameterNames(name)))
		require.Len(t, strategy.DefaultRanges(name), len(params))

		s, err := strategy.New(name, params)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
		assert.Equal(t, params[len(params)-1], s.Fee())
		assert.Equal(t, params, s.Parameters())
	}

	s, err := strategy.New("sma", []float64{3, 5, 0})
	require.NoError(t, err, "names are case-insensitive")
	assert.Equal(t, "SMA", s.Name())
}

func TestParameterLayout(t *testing.T) {
	assert.Equal(t, []string{"short_window", "long_window", "fee"}, strategy.ParameterNames("SMA"))
	assert.Equal(t, []string{"rsi_period", "overbought_level", "oversold_level", "confirmation_period", "fee"},
		strategy.ParameterNames("RSI"))
	assert.Equal(t, []string{"fast_period", "slow_period", "signal_period", "overbought_level", "oversold_level", "fee"},
		strategy.ParameterNames("MACD"))

	ranges := strategy.DefaultRanges("MACD")
	assert.Equal(t, -1.5, ranges[4].Min)
	assert.Equal(t, -0.5, ranges[4].Max)

	desc, params, err := strategy.Describe("RSI")
	require.NoError(t, err)
	assert.NotEmpty(t, desc)
	assert.True(t, params[0].Integer)
	assert.False(t, params[1].Integer)

	assert.Nil(t, strategy.ParameterNames("NOPE"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []float64{30, 35, 0.0004}, strategy.Normalize("SMA", []float64{30.4, 24.6, 0.0004}))
	assert.Equal(t, []float64{12, 40, 0.0004}, strategy.Normalize("SMA", []float64{12.2, 39.7, 0.0004}))

	rsi := strategy.Normalize("RSI", []float64{1.2, 30, 35, 0.2, 0.0005})
	assert.Equal(t, []float64{2, 45, 35, 1, 0.0005}, rsi)

	macd := strategy.Normalize("MACD", []float64{15.6, 18.2, 1.1, 1, -1, 0.0005})
	assert.Equal(t, []float64{16, 20, 2, 1, -1, 0.0005}, macd)

	for _, name := range strategy.Available() {
		for _, r := range [][]float64{
			{50, 20, 1, 1, 1, 0.001},
			{5, 200, 15, 0.5, 0.5, 0.0001},
		} {
			params := strategy.Normalize(name, r[:len(strategy.ParameterNames(name))])
			_, err := strategy.New(name, params)
			assert.NoError(t, err, "%s %v", name, params)
		}
	}

	in := []float64{1.5}
	assert.Equal(t, in, strategy.Normalize("SMA", in), "short vectors are left alone")
}

func TestSMADirection(t *testing.T) {
	s, err := strategy.NewSMAStrategy(3, 5, 0)
	require.NoError(t, err)
	s.OnStart()

	assert.Equal(t, types.Flat, feed(s, 100, 101, 102, 103), "flat until the long window fills")
	assert.Equal(t, types.Long, feed(s, 104))
	assert.Equal(t, types.Short, feed(s, 90, 80, 70))
	assert.Equal(t, types.Flat, feed(s, 50, 50, 50, 50, 50))

	s.OnStart()
	assert.Equal(t, types.Flat, feed(s, 100, 101), "OnStart clears history")
}

func TestRSIConfirmationAndHold(t *testing.T) {
	s, err := strategy.NewRSIStrategy(5, 70, 30, 2, 0)
	require.NoError(t, err)
	s.OnStart()

	assert.Equal(t, types.Flat, feed(s, 100, 99, 98, 97, 96, 95))
	v, ok := s.Value()
	require.True(t, ok)
	assert.Equal(t, 0.0, v)

	assert.Equal(t, types.Long, feed(s, 94), "second oversold bar confirms")

	assert.Equal(t, types.Long, feed(s, 99), "neutral RSI holds the last state")
	v, _ = s.Value()
	assert.InDelta(t, 55.56, v, 0.01)

	assert.Equal(t, types.Long, feed(s, 104), "one overbought bar is not enough")
	assert.Equal(t, types.Short, feed(s, 109))
}

func TestMACDWarmupAndBands(t *testing.T) {
	s, err := strategy.NewMACDStrategy(2, 6, 2, 0.05, -0.05, 0)
	require.NoError(t, err)
	s.OnStart()

	for i := 0; i < 6; i++ {
		feed(s, 100)
	}
	_, ok := s.Histogram()
	assert.False(t, ok)

	feed(s, 100)
	hist, ok := s.Histogram()
	require.True(t, ok, "histogram available after slow+signal-1 bars")
	assert.Equal(t, 0.0, hist)
	assert.Equal(t, types.Flat, s.DesiredDirection(), "direction needs slow+signal bars")

	assert.Equal(t, types.Flat, feed(s, 100))

	rising := make([]float64, 30)
	for i := range rising {
		rising[i] = 100 + 0.05*float64(i*i)
	}
	s.OnStart()
	assert.Equal(t, types.Short, feed(s, rising...), "histogram above the band fades the move")

	falling := make([]float64, 30)
	for i := range falling {
		falling[i] = 200 - 0.05*float64(i*i)
	}
	s.OnStart()
	assert.Equal(t, types.Long, feed(s, falling...))
}

func TestMACDCrossover(t *testing.T) {
	s, err := strategy.NewMACDStrategy(2, 6, 2, 1000, -1000, 0)
	require.NoError(t, err)
	s.OnStart()

	seen := map[types.Direction]int{}
	for i := 0; i < 30; i++ {
		feed(s, 100+0.05*float64(i*i))
		seen[s.DesiredDirection()]++
	}
	for i := 1; i <= 10; i++ {
		feed(s, 145-3*float64(i))
		seen[s.DesiredDirection()]++
	}

	assert.Greater(t, seen[types.Short], 0, "turning down crosses the histogram below zero")
	assert.Greater(t, seen[types.Flat], seen[types.Short])
}

func TestMACDRiskOverrides(t *testing.T) {
	s, err := strategy.New("MACD", strategy.DefaultParameters("MACD"))
	require.NoError(t, err)

	risk := s.RiskConfig()
	assert.Equal(t, 0.025, risk.MaxPortfolioRisk)
	assert.Equal(t, 0.04, risk.StopLossPct)
	assert.Equal(t, 0.12, risk.TakeProfitPct)
	assert.Equal(t, 0.15, risk.MaxDrawdown)
	assert.Equal(t, 2.5, risk.ATRMultiplier)
	assert.Equal(t, 0.08, risk.DrawdownBreakerPct)
	assert.Equal(t, 0.01, risk.RecoveryModeRisk)

	sma, err := strategy.New("SMA", strategy.DefaultParameters("SMA"))
	require.NoError(t, err)
	assert.Equal(t, types.DefaultRiskConfig(), sma.RiskConfig())
}

func TestSMAHelper(t *testing.T) {
	assert.Equal(t, 0.0, strategy.SMA([]float64{1, 2}, 3))
	assert.Equal(t, 2.5, strategy.SMA([]float64{1, 2, 3}, 2))
}
