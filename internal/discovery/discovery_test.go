package discovery_test

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/discovery"
	"github.com/atlas-desktop/strategy-lab/internal/exploration"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/registry"
	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedSMA = []types.ParameterRange{
	{Name: "short_window", Min: 5, Max: 5},
	{Name: "long_window", Min: 20, Max: 20},
	{Name: "fee", Min: 0.0005, Max: 0.0005},
}

func sampleBars() []types.Bar {
	return data.GenerateSampleBars(300, 7, time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC))
}

func newDiscoverer(t *testing.T, reg registry.Registry, seed int64, metrics *observability.Metrics) *discovery.Discoverer {
	t.Helper()
	cfg := workers.DefaultPoolConfig("discovery-test")
	cfg.NumWorkers = 4
	pool := workers.NewPool(zap.NewNop(), cfg)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop() })

	tester := backtester.NewTester(zap.NewNop(), pool, metrics)
	explorer := exploration.NewManager(zap.NewNop(), reg, exploration.DefaultConfig(), seed)
	return discovery.NewDiscoverer(zap.NewNop(), tester, reg, explorer, metrics)
}

func signatures(results []*types.StrategyMetrics) []string {
	out := make([]string, len(results))
	for i, m := range results {
		out[i] = registry.Signature(m.Parameters)
	}
	sort.Strings(out)
	return out
}

func TestDiscoverFindsUniqueStrategies(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.NewSQLiteRegistry(ctx, filepath.Join(t.TempDir(), "registry.db"), zap.NewNop())
	require.NoError(t, err)
	defer reg.Close()

	metrics := observability.NewMetrics("test")
	d := newDiscoverer(t, reg, 42, metrics)

	var progress []discovery.Progress
	opts := discovery.DefaultOptions("SMA")
	opts.Target = 12
	opts.MaxAttempts = 300
	opts.BatchSize = 5
	opts.Progress = func(p discovery.Progress) { progress = append(progress, p) }

	res, err := d.Discover(ctx, sampleBars(), opts)
	require.NoError(t, err)

	assert.Equal(t, discovery.StatusCompleted, res.Status)
	assert.Equal(t, int64(42), res.Seed)
	assert.NotEmpty(t, res.SessionID)
	require.Len(t, res.Strategies, 12)

	sigs := signatures(res.Strategies)
	for i := 1; i < len(sigs); i++ {
		assert.NotEqual(t, sigs[i-1], sigs[i], "duplicate signature in one run")
	}
	for i := 1; i < len(res.Strategies); i++ {
		assert.GreaterOrEqual(t, res.Strategies[i-1].CompositeScore, res.Strategies[i].CompositeScore)
	}
	for _, m := range res.Strategies {
		assert.Less(t, m.Parameters[0], m.Parameters[1], "normalized windows")
	}

	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, count)

	require.NotEmpty(t, progress)
	assert.Equal(t, 12, progress[len(progress)-1].Tested)

	gens, err := reg.Generations(ctx, 5)
	require.NoError(t, err)
	require.Len(t, gens, 1)
	assert.Equal(t, res.SessionID, gens[0].SessionID)
	assert.Equal(t, int64(42), gens[0].Seed)
	assert.Equal(t, 12, gens[0].StrategiesTested)

	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.RegistrySaves.WithLabelValues("inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DiscoveryRuns.WithLabelValues("SMA", discovery.StatusCompleted)))

	// a second session never re-tests what the first one saved
	again, err := d.Discover(ctx, sampleBars(), opts)
	require.NoError(t, err)
	for _, sig := range signatures(again.Strategies) {
		assert.NotContains(t, sigs, sig)
	}
}

func TestDiscoverIsReproducibleFromSeed(t *testing.T) {
	ctx := context.Background()
	opts := discovery.DefaultOptions("SMA")
	opts.Target = 8
	opts.BatchSize = 4
	bars := sampleBars()

	a, err := newDiscoverer(t, registry.NewMemoryRegistry(), 5, nil).Discover(ctx, bars, opts)
	require.NoError(t, err)
	b, err := newDiscoverer(t, registry.NewMemoryRegistry(), 5, nil).Discover(ctx, bars, opts)
	require.NoError(t, err)

	assert.Equal(t, signatures(a.Strategies), signatures(b.Strategies))
	assert.Equal(t, a.Attempts, b.Attempts)
	assert.NotEqual(t, a.SessionID, b.SessionID)
}

func TestDiscoverStopsWhenSpaceIsExhausted(t *testing.T) {
	opts := discovery.DefaultOptions("SMA")
	opts.Ranges = fixedSMA
	opts.Target = 5
	opts.MaxAttempts = 20

	metrics := observability.NewMetrics("test")
	res, err := newDiscoverer(t, registry.NewMemoryRegistry(), 1, metrics).Discover(context.Background(), sampleBars(), opts)
	require.NoError(t, err)

	assert.Equal(t, discovery.StatusExhausted, res.Status)
	require.Len(t, res.Strategies, 1)
	assert.Equal(t, 20, res.Attempts)
	assert.Equal(t, 19, res.Duplicates)
	assert.Equal(t, 19.0, testutil.ToFloat64(metrics.DuplicatesSkipped))
}

func TestDiscoverCancelled(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newDiscoverer(t, reg, 1, nil).Discover(ctx, sampleBars(), discovery.DefaultOptions("SMA"))
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, discovery.StatusCancelled, res.Status)
	assert.Empty(t, res.Strategies)

	gens, err := reg.Generations(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, gens, 1, "cancelled sessions are still logged")
}

func TestDiscoverRejectsBadData(t *testing.T) {
	bars := sampleBars()
	bars[3].Date = bars[2].Date

	opts := discovery.DefaultOptions("SMA")
	opts.Target = 2
	res, err := newDiscoverer(t, registry.NewMemoryRegistry(), 1, nil).Discover(context.Background(), bars, opts)
	assert.ErrorIs(t, err, data.ErrNotChronological)
	assert.Equal(t, discovery.StatusFailed, res.Status)

	_, err = newDiscoverer(t, registry.NewMemoryRegistry(), 1, nil).Discover(context.Background(), sampleBars(), discovery.DefaultOptions("NOPE"))
	assert.Error(t, err, "no ranges for an unknown strategy")
}

func TestTestWithDeduplication(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	d := newDiscoverer(t, reg, 1, nil)

	cfgs := []types.StrategyTestConfig{
		types.DefaultStrategyTestConfig("SMA", []float64{5, 20, 0.0005}),
		types.DefaultStrategyTestConfig("SMA", []float64{10, 40, 0.0005}),
		types.DefaultStrategyTestConfig("SMA", []float64{5, 20, 0.0005}),
		types.DefaultStrategyTestConfig("SMA", []float64{8, 30, 0.0005}),
	}

	results, err := d.TestWithDeduplication(ctx, cfgs, sampleBars(), 3)
	require.NoError(t, err)
	assert.Len(t, results, 2, "third config is a duplicate and the fourth is past the attempt limit")

	results, err = d.TestWithDeduplication(ctx, cfgs, sampleBars(), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []float64{8, 30, 0.0005}, results[0].Parameters)
}

func TestTestWithDeduplicationMatchesNormalizedParameters(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	d := newDiscoverer(t, reg, 1, nil)

	// 10.3 rounds to a 10 bar window, which is the vector the result is saved under
	cfgs := []types.StrategyTestConfig{types.DefaultStrategyTestConfig("SMA", []float64{10.3, 40, 0.0005})}

	results, err := d.TestWithDeduplication(ctx, cfgs, sampleBars(), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, []float64{10, 40, 0.0005}, results[0].Parameters)

	for i := 0; i < 2; i++ {
		results, err = d.TestWithDeduplication(ctx, cfgs, sampleBars(), 0)
		require.NoError(t, err)
		assert.Empty(t, results, "submission %d was tested again", i+2)
	}

	results, err = d.TestWithDeduplication(ctx, []types.StrategyTestConfig{
		types.DefaultStrategyTestConfig("SMA", []float64{10, 40, 0.0005}),
	}, sampleBars(), 0)
	require.NoError(t, err)
	assert.Empty(t, results)

	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTestWithDeduplicationDoesNotSaveUncreatableStrategies(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	metrics := observability.NewMetrics("test")
	d := newDiscoverer(t, reg, 1, metrics)

	cfgs := []types.StrategyTestConfig{
		types.DefaultStrategyTestConfig("NOPE", []float64{1, 2}),
		types.DefaultStrategyTestConfig("SMA", []float64{5, 20, 0.0005}),
	}

	results, err := d.TestWithDeduplication(ctx, cfgs, sampleBars(), 0)
	require.NoError(t, err)
	require.Len(t, results, 2)

	count, err := reg.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	tested, err := reg.IsTested(ctx, registry.Signature([]float64{1, 2}))
	require.NoError(t, err)
	assert.False(t, tested)

	// the unknown strategy is not remembered, so it is reported again
	results, err = d.TestWithDeduplication(ctx, cfgs, sampleBars(), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "NOPE", results[0].StrategyName)
	assert.True(t, results[0].Untested)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RegistrySaves.WithLabelValues("untested")))
}

func TestGenerateUniqueConfig(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	d := newDiscoverer(t, reg, 1, nil)

	cfg, err := d.GenerateUniqueConfig(ctx, "SMA", fixedSMA)
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 20, 0.0005}, cfg.Parameters)
	assert.Equal(t, "SMA", cfg.StrategyName)

	require.NoError(t, reg.Save(ctx, &types.StrategyMetrics{StrategyName: "SMA", Parameters: cfg.Parameters}))
	_, err = d.GenerateUniqueConfig(ctx, "SMA", fixedSMA)
	assert.ErrorIs(t, err, discovery.ErrNoUniqueConfig)
}

func TestStatsAndOptimize(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	d := newDiscoverer(t, reg, 9, nil)

	for i, score := range []float64{0.8, 0.2, 0.6} {
		require.NoError(t, reg.Save(ctx, &types.StrategyMetrics{
			StrategyName:   "SMA",
			Parameters:     []float64{float64(5 + i), 40, 0.0005},
			CompositeScore: score,
		}))
	}

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalStrategies)
	assert.InDelta(t, 1.6/3, stats.AverageScore, 1e-12)
	assert.Equal(t, 3, stats.UnderexploredRegions)
	assert.Equal(t, 2, stats.SuccessfulRegions)
	assert.False(t, stats.Persistent)
	assert.Equal(t, int64(9), stats.Seed)
	assert.Len(t, stats.Recommendations, 2)

	removed, err := d.Optimize(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	top, err := reg.TopStrategies(ctx, 10)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 0.8, top[0].CompositeScore)
}
