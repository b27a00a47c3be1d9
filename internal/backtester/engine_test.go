// Package backtester_test provides tests for the backtesting engine.
package backtester_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// barsFromCloses builds daily bars with open=high=low=close
func barsFromCloses(closes []float64) []types.Bar {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		date, _ := strconv.Atoi(start.AddDate(0, 0, i).Format("20060102"))
		bars[i] = types.Bar{Date: date, Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return bars
}

func constantCloses(n int, price float64) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = price
	}
	return closes
}

// risingCloses goes linearly from 100 to 150 over n bars
func risingCloses(n int) []float64 {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = 100 + 50*float64(i)/float64(n-1)
	}
	return closes
}

// scripted emits a fixed direction per bar
type scripted struct {
	dirs []types.Direction
	risk types.RiskConfig
	i    int
}

func (s *scripted) Name() string                 { return "SCRIPT" }
func (s *scripted) Description() string          { return "fixed directions" }
func (s *scripted) Parameters() []float64        { return nil }
func (s *scripted) Fee() float64                 { return 0 }
func (s *scripted) RiskConfig() types.RiskConfig { return s.risk }
func (s *scripted) OnStart()                     { s.i = -1 }
func (s *scripted) OnBar(types.Bar)              { s.i++ }
func (s *scripted) OnFinish()                    {}

func (s *scripted) DesiredDirection() types.Direction {
	if s.i >= 0 && s.i < len(s.dirs) {
		return s.dirs[s.i]
	}
	return types.Flat
}

func runSMA(t *testing.T, closes []float64, params []float64, risk *types.RiskConfig) *backtester.Result {
	t.Helper()
	strat, err := strategy.New("SMA", params)
	require.NoError(t, err)

	engine := backtester.NewEngine(zap.NewNop())
	result, err := engine.Run(context.Background(), strat, barsFromCloses(closes), backtester.RunConfig{
		Symbol:         "TEST",
		InitialCapital: 100000,
		Risk:           risk,
	})
	require.NoError(t, err)
	return result
}

func assertEquityInvariant(t *testing.T, result *backtester.Result) {
	t.Helper()
	require.Len(t, result.EquityCurve, len(result.Snapshots)+1)
	assert.Equal(t, result.InitialCapital, result.EquityCurve[0])

	prevMax := 0.0
	for i, s := range result.Snapshots {
		assert.InDelta(t, s.Cash+s.Quantity*s.Price, s.Equity, 1e-6, "bar %d", i)
		assert.Equal(t, s.Equity, result.EquityCurve[i+1])
		assert.GreaterOrEqual(t, s.MaxDrawdown, prevMax, "running max drawdown decreased at bar %d", i)
		prevMax = s.MaxDrawdown
	}

	last := result.Snapshots[len(result.Snapshots)-1]
	assert.Zero(t, last.Quantity)
	assert.InDelta(t, last.Cash, last.Equity, 1e-6)
	assert.InDelta(t, result.FinalCash, result.FinalEquity, 1e-6)
}

func TestEngineFlatSeriesNoTrades(t *testing.T) {
	result := runSMA(t, constantCloses(100, 100), []float64{3, 5, 0.0005}, nil)

	assert.Empty(t, result.Trades)
	assert.Empty(t, result.Episodes)
	assert.Equal(t, 100000.0, result.FinalEquity)
	assertEquityInvariant(t, result)

	m := backtester.NewMetricsCalculator(zap.NewNop()).Calculate(result, 100000)
	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.MaxDrawdown)
	assert.Zero(t, m.SharpeRatio)
	assert.Zero(t, m.TotalTrades)
}

func TestEngineRisingSeriesSingleRoundTrip(t *testing.T) {
	result := runSMA(t, risingCloses(60), []float64{3, 5, 0}, nil)

	require.Len(t, result.Trades, 2)
	entry, exit := result.Trades[0], result.Trades[1]
	assert.Equal(t, types.TradeKindEntry, entry.Kind)
	assert.Equal(t, types.TradeSideBuy, entry.Side)
	assert.Equal(t, types.TradeKindExit, exit.Kind)
	assert.Greater(t, exit.PnL, 0.0)
	assert.Greater(t, result.FinalEquity, result.InitialCapital)

	// the latch holds after the take-profit, so no re-entry on the same signal
	require.Len(t, result.Episodes, 1)
	assert.Equal(t, backtester.ExitTakeProfit, result.Episodes[0].Reason)
	assertEquityInvariant(t, result)

	m := backtester.NewMetricsCalculator(zap.NewNop()).Calculate(result, 100000)
	assert.Greater(t, m.TotalReturn, 0.0)
	assert.Equal(t, 1, m.TotalTrades)
	assert.Equal(t, 1.0, m.WinRate)
}

func TestEngineForceClosesAtEndOfData(t *testing.T) {
	risk := types.DefaultRiskConfig()
	risk.TakeProfitPct = 10
	risk.EnableATRStops = false
	risk.EnableTrailingStop = false

	result := runSMA(t, risingCloses(60), []float64{3, 5, 0}, &risk)

	require.Len(t, result.Trades, 2)
	require.Len(t, result.Episodes, 1)
	ep := result.Episodes[0]
	assert.Equal(t, backtester.ExitEndOfData, ep.Reason)
	assert.Equal(t, 59, ep.ExitIndex)
	assert.InDelta(t, 150.0, ep.ExitPrice, 1e-9)
	assert.Greater(t, ep.PnL, 0.0)
	assert.Greater(t, ep.MFE, 0.0)
	assert.Zero(t, ep.MAE)
	assertEquityInvariant(t, result)
}

func TestEngineBreakerBlocksEntries(t *testing.T) {
	risk := types.RiskConfig{
		MaxPortfolioRisk:      1.0,
		StopLossPct:           0.5,
		TakeProfitPct:         0.5,
		EnableDrawdownBreaker: true,
		DrawdownBreakerPct:    0.05,
	}
	strat := &scripted{
		risk: risk,
		dirs: []types.Direction{types.Long, types.Flat, types.Long, types.Long, types.Flat, types.Long},
	}
	bars := barsFromCloses([]float64{100, 90, 90, 90, 90, 90})

	result, err := backtester.NewEngine(zap.NewNop()).Run(context.Background(), strat, bars, backtester.RunConfig{
		Symbol:         "TEST",
		InitialCapital: 100000,
	})
	require.NoError(t, err)

	require.Len(t, result.Trades, 2)
	assert.Equal(t, backtester.ExitSignal, result.Episodes[0].Reason)
	assert.InDelta(t, -10000.0, result.Episodes[0].PnL, 1e-6)
	// bars 2, 3 and 5 are refused and each refusal leaves the latch flat
	assert.Equal(t, 3, result.BreakerBlocks)
	assertEquityInvariant(t, result)
}

func TestEngineReentersAtRecoveryRiskWhileBreakerTripped(t *testing.T) {
	risk := types.RiskConfig{
		MaxPortfolioRisk:      1.0,
		MaxDrawdown:           0.10,
		RecoveryModeRisk:      0.005,
		EnableDrawdownBreaker: true,
		DrawdownBreakerPct:    0.05,
	}

	closes := []float64{100, 91}
	dirs := []types.Direction{types.Long, types.Flat}
	for k := 0; k < 25; k++ {
		closes = append(closes, 91+49*float64(k)/24)
		dirs = append(dirs, types.Long)
	}
	strat := &scripted{risk: risk, dirs: dirs}

	result, err := backtester.NewEngine(zap.NewNop()).Run(context.Background(), strat, barsFromCloses(closes), backtester.RunConfig{
		Symbol:         "TEST",
		InitialCapital: 100000,
	})
	require.NoError(t, err)

	// a 9% loss trips the breaker, yet the next long is taken at recovery size
	require.Len(t, result.Trades, 4)
	assert.InDelta(t, -9000.0, result.Episodes[0].PnL, 1e-6)
	reentry := result.Trades[2]
	assert.Equal(t, types.TradeKindEntry, reentry.Kind)
	assert.Equal(t, 2, reentry.BarIndex)
	assert.InDelta(t, 0.005*91000, reentry.Quantity*reentry.Price, 1e-6)

	assert.Zero(t, result.BreakerBlocks)
	assert.Equal(t, 1, result.RecoveryEntries)
	require.Len(t, result.Episodes, 2)
	assert.Equal(t, backtester.ExitEndOfData, result.Episodes[1].Reason)
	assert.InDelta(t, 5*49.0, result.Episodes[1].PnL, 1e-6)
	assert.InDelta(t, 91245.0, result.FinalEquity, 1e-6)
	assertEquityInvariant(t, result)
}

// scriptedExits is a scripted strategy that manages its own exits
type scriptedExits struct {
	scripted
	exitAt     int // bar index at which ShouldExit fires, -1 for never
	stopLoss   float64
	takeProfit float64
	seen       []types.Position
}

func (s *scriptedExits) ShouldExit(_ types.Bar, pos types.Position) bool {
	s.seen = append(s.seen, pos)
	return s.i == s.exitAt
}

func (s *scriptedExits) StopLoss(types.Bar, float64, types.Direction) float64 {
	return s.stopLoss
}

func (s *scriptedExits) TakeProfit(types.Bar, float64, types.Direction) float64 {
	return s.takeProfit
}

func TestEngineStrategyExitPolicy(t *testing.T) {
	repeat := func(d types.Direction, n int) []types.Direction {
		dirs := make([]types.Direction, n)
		for i := range dirs {
			dirs[i] = d
		}
		return dirs
	}

	tests := []struct {
		name       string
		dir        types.Direction
		closes     []float64
		exitAt     int
		stopLoss   float64
		takeProfit float64
		wantReason backtester.ExitReason
		wantIndex  int
	}{
		{"long stop loss", types.Long, []float64{100, 97, 94, 200}, -1, 95, 0, backtester.ExitStopLoss, 2},
		{"long take profit", types.Long, []float64{100, 104, 111, 90}, -1, 0, 110, backtester.ExitTakeProfit, 2},
		{"short stop loss", types.Short, []float64{100, 103, 106}, -1, 105, 0, backtester.ExitStopLoss, 2},
		{"short take profit without stop loss", types.Short, []float64{100, 101, 95, 89, 80}, -1, 0, 90, backtester.ExitTakeProfit, 3},
		{"should exit before stops", types.Long, []float64{100, 50, 60, 70}, 1, 95, 0, backtester.ExitStrategy, 1},
		{"short should exit", types.Short, []float64{100, 100, 100, 100}, 2, 0, 0, backtester.ExitStrategy, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			strat := &scriptedExits{
				scripted:   scripted{risk: types.RiskConfig{MaxPortfolioRisk: 0.5}, dirs: repeat(tt.dir, len(tt.closes))},
				exitAt:     tt.exitAt,
				stopLoss:   tt.stopLoss,
				takeProfit: tt.takeProfit,
			}

			result, err := backtester.NewEngine(zap.NewNop()).Run(context.Background(), strat, barsFromCloses(tt.closes), backtester.RunConfig{
				Symbol:         "TEST",
				InitialCapital: 10000,
			})
			require.NoError(t, err)

			// the latch holds after the exit, so the unchanged signal does not re-enter
			require.Len(t, result.Trades, 2)
			require.Len(t, result.Episodes, 1)
			assert.Equal(t, tt.wantReason, result.Episodes[0].Reason)
			assert.Equal(t, tt.wantIndex, result.Episodes[0].ExitIndex)
			assert.Equal(t, tt.closes[tt.wantIndex], result.Episodes[0].ExitPrice)

			require.NotEmpty(t, strat.seen)
			if tt.dir == types.Long {
				assert.Greater(t, strat.seen[0].Quantity, 0.0)
			} else {
				assert.Less(t, strat.seen[0].Quantity, 0.0)
			}
			assertEquityInvariant(t, result)
		})
	}
}

func TestEngineShortPosition(t *testing.T) {
	risk := types.RiskConfig{MaxPortfolioRisk: 0.5, StopLossPct: 0.5, TakeProfitPct: 0.5}
	strat := &scripted{risk: risk, dirs: []types.Direction{types.Short, types.Short, types.Short}}
	bars := barsFromCloses([]float64{100, 95, 90})

	result, err := backtester.NewEngine(zap.NewNop()).Run(context.Background(), strat, bars, backtester.RunConfig{
		Symbol:         "TEST",
		InitialCapital: 10000,
	})
	require.NoError(t, err)

	require.Len(t, result.Trades, 2)
	assert.Equal(t, types.TradeSideSell, result.Trades[0].Side)
	assert.Equal(t, types.TradeSideBuy, result.Trades[1].Side)
	// 5000 notional at 100 is 50 units, covered at 90
	assert.InDelta(t, 500.0, result.Trades[1].PnL, 1e-6)
	assert.InDelta(t, 10500.0, result.FinalEquity, 1e-6)
	assertEquityInvariant(t, result)
}

func TestEngineRejectsBadInput(t *testing.T) {
	engine := backtester.NewEngine(zap.NewNop())
	strat := &scripted{}

	_, err := engine.Run(context.Background(), strat, nil, backtester.RunConfig{InitialCapital: 1})
	assert.ErrorIs(t, err, backtester.ErrNoBars)

	_, err = engine.Run(context.Background(), strat, barsFromCloses([]float64{1}), backtester.RunConfig{})
	assert.Error(t, err)
}

func TestEngineHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := backtester.NewEngine(zap.NewNop()).Run(ctx, &scripted{}, barsFromCloses(constantCloses(10, 1)), backtester.RunConfig{InitialCapital: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPortfolio(t *testing.T) {
	p := backtester.NewPortfolio("TEST", 10000)
	assert.True(t, p.IsFlat())
	assert.Equal(t, 10000.0, p.Equity())

	p.Open(types.Long, 10, 100, 0.001)
	assert.InDelta(t, 10000-1000-1, p.Cash(), 1e-9)
	assert.Equal(t, types.Long, p.Direction())

	equity := p.Mark(110)
	assert.InDelta(t, 8999+1100, equity, 1e-9)
	assert.InDelta(t, 100.0, p.Position().UnrealizedPnL, 1e-9)

	pnl := p.Close(110, 0.001)
	// 100 gain less 0.1% of 1000 entry and 1100 exit value
	assert.InDelta(t, 100-2.1, pnl, 1e-9)
	assert.True(t, p.IsFlat())
	assert.InDelta(t, 10000+pnl, p.Cash(), 1e-9)
	assert.InDelta(t, pnl, p.RealizedPnL(), 1e-9)
}

func TestPortfolioDrawdown(t *testing.T) {
	p := backtester.NewPortfolio("TEST", 1000)
	p.Open(types.Long, 10, 100, 0)
	p.Mark(120)
	p.Mark(90)

	assert.InDelta(t, 1200.0, p.PeakEquity(), 1e-9)
	assert.InDelta(t, 0.25, p.Drawdown(), 1e-9)
}
