package registry_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/registry"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stepClock advances one second per call
func stepClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func openSQLite(t *testing.T) *registry.SQLiteRegistry {
	t.Helper()
	reg, err := registry.NewSQLiteRegistry(context.Background(),
		filepath.Join(t.TempDir(), "registry.db"), zap.NewNop(), registry.WithClock(stepClock()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

// implementations runs a test against both registries
func implementations(t *testing.T, fn func(t *testing.T, reg registry.Registry)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, registry.NewMemoryRegistry(registry.WithClock(stepClock()))) })
}

func metrics(score float64, params ...float64) *types.StrategyMetrics {
	return &types.StrategyMetrics{
		StrategyName:   "SMA",
		Symbol:         "DEMO",
		Parameters:     params,
		TotalReturn:    0.123456789012345,
		SharpeRatio:    1.5,
		MaxDrawdown:    0.07,
		WinRate:        0.55,
		ProfitFactor:   1.8,
		TotalTrades:    42,
		CompositeScore: score,
	}
}

func TestSignatureIsDeterministic(t *testing.T) {
	a := registry.Signature([]float64{10.0, 40.0, 0.0005})
	b := registry.Signature([]float64{10.0, 40.0, 0.0005})
	c := registry.Signature([]float64{10.0, 40.0, 0.0006})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "10.00000000|40.00000000|0.00050000|", a)

	assert.Equal(t, a, registry.Signature([]float64{10.0, 40.0, 0.000500000001}), "collides beyond 8 decimals")
	assert.NotEqual(t, a, registry.Signature([]float64{40.0, 10.0, 0.0005}), "order sensitive")
	assert.Empty(t, registry.Signature(nil))
}

func TestRegionID(t *testing.T) {
	assert.Equal(t, "10|40|0|", registry.RegionID([]float64{10, 40, 0.0005}))
	assert.Equal(t, "0.3|0|-1.2|", registry.RegionID([]float64{0.26, -0.04, -1.21}))
	assert.Equal(t, registry.RegionID([]float64{14, 70.02}), registry.RegionID([]float64{14.04, 69.98}))

	centres, err := registry.ParseRegion("0.3|0|-1.2|")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.3, 0, -1.2}, centres)

	_, err = registry.ParseRegion("1|abc|")
	assert.Error(t, err)
}

func TestSaveTwiceKeepsOneRow(t *testing.T) {
	implementations(t, func(t *testing.T, reg registry.Registry) {
		ctx := context.Background()
		params := []float64{10, 40, 0.0005}

		require.NoError(t, reg.Save(ctx, metrics(0.4, params...)))
		require.NoError(t, reg.Save(ctx, metrics(0.6, params...)))

		n, err := reg.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		count, err := reg.ExplorationCount(ctx, registry.RegionID(params))
		require.NoError(t, err)
		assert.Equal(t, 1, count, "replace does not count as a new exploration")

		top, err := reg.TopStrategies(ctx, 10)
		require.NoError(t, err)
		require.Len(t, top, 1)
		assert.Equal(t, 0.6, top[0].CompositeScore, "latest result wins")

		regions, err := reg.UnderexploredRegions(ctx)
		require.NoError(t, err)
		require.Len(t, regions, 1)
		assert.Equal(t, 0.6, regions[0].BestScore)
	})
}

func TestSaveIfNew(t *testing.T) {
	implementations(t, func(t *testing.T, reg registry.Registry) {
		ctx := context.Background()

		inserted, err := reg.SaveIfNew(ctx, metrics(0.3, 5, 20, 0.0005))
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = reg.SaveIfNew(ctx, metrics(0.9, 5, 20, 0.0005))
		require.NoError(t, err)
		assert.False(t, inserted)

		tested, err := reg.IsTested(ctx, registry.Signature([]float64{5, 20, 0.0005}))
		require.NoError(t, err)
		assert.True(t, tested)

		top, err := reg.TopStrategies(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 0.3, top[0].CompositeScore, "the first result is kept")

		_, err = reg.SaveIfNew(ctx, &types.StrategyMetrics{})
		assert.Error(t, err)
	})
}

func TestRegionsAcrossSignatures(t *testing.T) {
	implementations(t, func(t *testing.T, reg registry.Registry) {
		ctx := context.Background()

		// three signatures in the same bucket, one elsewhere
		require.NoError(t, reg.Save(ctx, metrics(0.2, 10, 40)))
		require.NoError(t, reg.Save(ctx, metrics(0.7, 10.01, 40)))
		require.NoError(t, reg.Save(ctx, metrics(0.4, 10.02, 40)))
		require.NoError(t, reg.Save(ctx, metrics(0.1, 20, 80)))

		count, err := reg.ExplorationCount(ctx, "10|40|")
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		under, err := reg.UnderexploredRegions(ctx)
		require.NoError(t, err)
		require.Len(t, under, 2)
		assert.Equal(t, "20|80|", under[0].ID, "least explored first")
		assert.Equal(t, "10|40|", under[1].ID)
		assert.Equal(t, 0.7, under[1].BestScore)

		for i := 0; i < 2; i++ {
			require.NoError(t, reg.UpdateRegion(ctx, "10|40|", 0))
		}
		under, err = reg.UnderexploredRegions(ctx)
		require.NoError(t, err)
		require.Len(t, under, 1, "five explorations is no longer under-explored")

		successful, err := reg.SuccessfulRegions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, successful, 1)
		assert.Equal(t, "10|40|", successful[0].ID)

		missing, err := reg.ExplorationCount(ctx, "nope|")
		require.NoError(t, err)
		assert.Zero(t, missing)
	})
}

func TestOrderingAndCleanup(t *testing.T) {
	implementations(t, func(t *testing.T, reg registry.Registry) {
		ctx := context.Background()
		scores := []float64{0.5, 0.9, 0, 0.7}
		for i, s := range scores {
			require.NoError(t, reg.Save(ctx, metrics(s, float64(i+1), 50)))
		}

		top, err := reg.TopStrategies(ctx, 2)
		require.NoError(t, err)
		require.Len(t, top, 2)
		assert.Equal(t, 0.9, top[0].CompositeScore)
		assert.Equal(t, 0.7, top[1].CompositeScore)

		recent, err := reg.RecentStrategies(ctx, 10)
		require.NoError(t, err)
		require.Len(t, recent, 4)
		assert.Equal(t, []float64{4, 50}, recent[0].Parameters)
		assert.Equal(t, []float64{1, 50}, recent[3].Parameters)

		avg, err := reg.AverageScore(ctx)
		require.NoError(t, err)
		assert.InDelta(t, 0.7, avg, 1e-12, "zero scores are excluded")

		removed, err := reg.Cleanup(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)

		n, err := reg.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		tested, err := reg.IsTested(ctx, registry.Signature([]float64{3, 50}))
		require.NoError(t, err)
		assert.False(t, tested)

		require.NoError(t, reg.Vacuum(ctx))
	})
}

func TestGenerationLog(t *testing.T) {
	implementations(t, func(t *testing.T, reg registry.Registry) {
		ctx := context.Background()
		require.NoError(t, reg.LogGeneration(ctx, registry.GenerationRecord{SessionID: "a", Seed: 1, StrategiesTested: 10, BestScore: 0.4}))
		require.NoError(t, reg.LogGeneration(ctx, registry.GenerationRecord{SessionID: "b", Seed: 2, StrategiesTested: 5, BestScore: 0.6}))

		gens, err := reg.Generations(ctx, 10)
		require.NoError(t, err)
		require.Len(t, gens, 2)
		assert.Equal(t, "b", gens[0].SessionID)
		assert.Equal(t, int64(2), gens[0].Seed)
		assert.Equal(t, 10, gens[1].StrategiesTested)
		assert.False(t, gens[0].CreatedAt.IsZero())
	})
}

func TestClosedRegistry(t *testing.T) {
	implementations(t, func(t *testing.T, reg registry.Registry) {
		ctx := context.Background()
		require.NoError(t, reg.Close())

		assert.ErrorIs(t, reg.Close(), registry.ErrRegistryClosed)
		assert.ErrorIs(t, reg.Save(ctx, metrics(0.1, 1)), registry.ErrRegistryClosed)
		_, err := reg.Count(ctx)
		assert.ErrorIs(t, err, registry.ErrRegistryClosed)
	})
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.db")

	reg, err := registry.NewSQLiteRegistry(ctx, path, zap.NewNop())
	require.NoError(t, err)
	saved := metrics(0.55, 12, 48, 0.0007)
	saved.SortinoRatio = 2.25
	saved.ExpectedShortfall = 0.031
	saved.AvgHoldPeriod = 6.5
	require.NoError(t, reg.Save(ctx, saved))
	require.NoError(t, reg.Close())

	reg, err = registry.NewSQLiteRegistry(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer reg.Close()
	assert.True(t, reg.Persistent())

	top, err := reg.TopStrategies(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	got := top[0]
	assert.Equal(t, saved.Parameters, got.Parameters)
	assert.Equal(t, saved.TotalReturn, got.TotalReturn)
	assert.Equal(t, saved.SortinoRatio, got.SortinoRatio)
	assert.Equal(t, saved.ExpectedShortfall, got.ExpectedShortfall)
	assert.Equal(t, saved.AvgHoldPeriod, got.AvgHoldPeriod)
	assert.Equal(t, saved.TotalTrades, got.TotalTrades)
	assert.Equal(t, "DEMO", got.Symbol)
}

func TestOpenOrFallback(t *testing.T) {
	metricsReg := observability.NewMetrics("test")
	bad := filepath.Join(t.TempDir(), "missing", "dir", "registry.db")

	reg := registry.OpenOrFallback(context.Background(), bad, zap.NewNop(), metricsReg)
	defer reg.Close()
	assert.False(t, reg.Persistent())
	assert.Equal(t, 1.0, testutil.ToFloat64(metricsReg.RegistryFallbacks))

	good := registry.OpenOrFallback(context.Background(), filepath.Join(t.TempDir(), "ok.db"), zap.NewNop(), nil)
	defer good.Close()
	assert.True(t, good.Persistent())
}
