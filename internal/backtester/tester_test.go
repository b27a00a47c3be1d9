package backtester_test

import (
	"context"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleBars(n int) []types.Bar {
	return data.GenerateSampleBars(n, 42, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
}

func newPoolTester(t *testing.T, metrics *observability.Metrics) *backtester.Tester {
	t.Helper()
	cfg := workers.DefaultPoolConfig("test")
	cfg.NumWorkers = 4
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })
	return backtester.NewTester(zap.NewNop(), pool, metrics)
}

func TestTesterRunsStrategy(t *testing.T) {
	tester := backtester.NewTester(zap.NewNop(), nil, nil)
	cfg := types.DefaultStrategyTestConfig("SMA", []float64{10, 40, 0.0005})

	m, err := tester.Test(context.Background(), cfg, sampleBars(300))
	require.NoError(t, err)

	assert.Equal(t, "SMA", m.StrategyName)
	assert.Equal(t, "DEMO", m.Symbol)
	assert.Equal(t, []float64{10, 40, 0.0005}, m.Parameters)
	assert.Nil(t, m.MarketData)
	assert.InDelta(t, m.ComputeCompositeScore(), m.CompositeScore, 1e-12)
}

func TestTesterUnknownStrategyYieldsEmptyMetrics(t *testing.T) {
	metrics := observability.NewMetrics("test")
	tester := backtester.NewTester(zap.NewNop(), nil, metrics)

	m, err := tester.Test(context.Background(), types.DefaultStrategyTestConfig("NOPE", []float64{1}), sampleBars(50))
	require.NoError(t, err)
	assert.Equal(t, "NOPE", m.StrategyName)
	assert.Zero(t, m.TotalTrades)
	assert.Zero(t, m.CompositeScore)
	assert.True(t, m.Untested)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BacktestsRun.WithLabelValues("NOPE", "invalid_strategy")))

	m, err = tester.Test(context.Background(), types.DefaultStrategyTestConfig("SMA", []float64{10}), sampleBars(50))
	require.NoError(t, err)
	assert.Zero(t, m.TotalTrades)
	assert.True(t, m.Untested)

	m, err = tester.Test(context.Background(), types.DefaultStrategyTestConfig("SMA", []float64{5, 20, 0.0005}), sampleBars(50))
	require.NoError(t, err)
	assert.False(t, m.Untested)
}

func TestTesterFatalDataAbortsBeforeSimulation(t *testing.T) {
	metrics := observability.NewMetrics("test")
	tester := backtester.NewTester(zap.NewNop(), nil, metrics)

	bars := sampleBars(50)
	bars[10].Date = bars[9].Date

	_, err := tester.Test(context.Background(), types.DefaultStrategyTestConfig("SMA", []float64{3, 5, 0.0005}), bars)
	require.Error(t, err)

	var fatal *data.FatalDataError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 10, fatal.Index)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FatalDataErrors))
	assert.Zero(t, testutil.CollectAndCount(metrics.BacktestsRun))
}

func TestTesterKeepsMostRecentBars(t *testing.T) {
	tester := backtester.NewTester(zap.NewNop(), nil, nil)
	bars := sampleBars(100)

	cfg := types.DefaultStrategyTestConfig("SMA", []float64{3, 5, 0.0005})
	cfg.MaxBars = 40
	cfg.RetainMarketData = true

	eval, err := tester.Evaluate(context.Background(), cfg, bars)
	require.NoError(t, err)
	require.Len(t, eval.Metrics.MarketData, 40)
	assert.Equal(t, bars[60], eval.Metrics.MarketData[0])
	assert.Len(t, eval.Result.Snapshots, 40)
	assert.Equal(t, 100, eval.Report.TotalBars)
}

func TestTestBatchSortsByScore(t *testing.T) {
	tester := newPoolTester(t, nil)
	bars := sampleBars(400)

	var cfgs []types.StrategyTestConfig
	for _, p := range [][]float64{{5, 20, 0.0005}, {10, 40, 0.0005}, {20, 100, 0.0005}, {8, 30, 0.0005}} {
		cfgs = append(cfgs, types.DefaultStrategyTestConfig("SMA", p))
	}
	cfgs = append(cfgs, types.DefaultStrategyTestConfig("RSI", []float64{14, 70, 30, 2, 0.0005}))
	cfgs = append(cfgs, types.DefaultStrategyTestConfig("MACD", []float64{12, 26, 9, 1, -1, 0.0005}))

	results, err := tester.TestBatch(context.Background(), cfgs, bars)
	require.NoError(t, err)
	require.Len(t, results, len(cfgs))

	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].CompositeScore, results[i].CompositeScore)
	}

	// the parallel batch matches sequential single tests
	single := backtester.NewTester(zap.NewNop(), nil, nil)
	for _, r := range results {
		cfg := types.DefaultStrategyTestConfig(r.StrategyName, r.Parameters)
		m, err := single.Test(context.Background(), cfg, bars)
		require.NoError(t, err)
		assert.InDelta(t, m.CompositeScore, r.CompositeScore, 1e-12)
	}
}

func TestTestBatchRejectsBadData(t *testing.T) {
	tester := newPoolTester(t, nil)
	bars := sampleBars(20)
	bars[5], bars[6] = bars[6], bars[5]

	_, err := tester.TestBatch(context.Background(), []types.StrategyTestConfig{
		types.DefaultStrategyTestConfig("SMA", []float64{3, 5, 0.0005}),
	}, bars)
	assert.ErrorIs(t, err, data.ErrNotChronological)
}

func TestSelectTop(t *testing.T) {
	results := []*types.StrategyMetrics{
		{StrategyName: "a", CompositeScore: 0.2},
		{StrategyName: "b", CompositeScore: 0.9},
		{StrategyName: "c", CompositeScore: 0.5},
	}

	top := backtester.SelectTop(results, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].StrategyName)
	assert.Equal(t, "c", top[1].StrategyName)
	assert.Equal(t, "a", results[0].StrategyName, "input order unchanged")

	assert.Len(t, backtester.SelectTop(results, 10), 3)
}

func TestTrimBars(t *testing.T) {
	bars := sampleBars(10)
	assert.Len(t, backtester.TrimBars(bars, 0), 10)
	assert.Len(t, backtester.TrimBars(bars, 20), 10)
	assert.Equal(t, bars[7:], backtester.TrimBars(bars, 3))
}
