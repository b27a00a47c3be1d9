package exploration_test

import (
	"context"
	"testing"

	"github.com/atlas-desktop/strategy-lab/internal/exploration"
	"github.com/atlas-desktop/strategy-lab/internal/registry"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var smaRanges = []types.ParameterRange{
	{Name: "short", Min: 0, Max: 100},
	{Name: "long", Min: 0, Max: 100},
	{Name: "fee", Min: 0.0001, Max: 0.001},
}

func save(t *testing.T, reg registry.Registry, score float64, params ...float64) {
	t.Helper()
	require.NoError(t, reg.Save(context.Background(), &types.StrategyMetrics{
		StrategyName:   "SMA",
		Parameters:     params,
		CompositeScore: score,
	}))
}

func assertInRanges(t *testing.T, params []float64, ranges []types.ParameterRange) {
	t.Helper()
	require.Len(t, params, len(ranges))
	for i, r := range ranges {
		assert.GreaterOrEqual(t, params[i], r.Min, "param %d", i)
		assert.LessOrEqual(t, params[i], r.Max, "param %d", i)
	}
}

func TestGenerateIsReproducible(t *testing.T) {
	ctx := context.Background()
	a := exploration.NewManager(zap.NewNop(), registry.NewMemoryRegistry(), exploration.DefaultConfig(), 11)
	b := exploration.NewManager(zap.NewNop(), registry.NewMemoryRegistry(), exploration.DefaultConfig(), 11)
	assert.Equal(t, int64(11), a.Seed())

	for i := 0; i < 10; i++ {
		pa, err := a.Generate(ctx, smaRanges)
		require.NoError(t, err)
		pb, err := b.Generate(ctx, smaRanges)
		require.NoError(t, err)
		assert.Equal(t, pa, pb)
		assertInRanges(t, pa, smaRanges)
	}

	_, err := a.Generate(ctx, nil)
	assert.Error(t, err)
}

func TestGenerateSamplesInsideUnderexploredRegion(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	save(t, reg, 0.2, 10, 40, 0.0005)
	save(t, reg, 0.2, 1, 2) // other dimensionality, never targeted

	cfg := exploration.DefaultConfig()
	cfg.RegionBias = 1
	m := exploration.NewManager(zap.NewNop(), reg, cfg, 3)

	for i := 0; i < 20; i++ {
		p, err := m.Generate(ctx, smaRanges)
		require.NoError(t, err)
		assert.InDelta(t, 10, p[0], 0.05)
		assert.InDelta(t, 40, p[1], 0.05)
		// the fee bucket [-0.05, 0.05] covers the whole fee range
		assert.GreaterOrEqual(t, p[2], 0.0001)
		assert.LessOrEqual(t, p[2], 0.001)
	}
}

func TestGenerateWithoutRegionBiasIsUniform(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	save(t, reg, 0.2, 10, 40, 0.0005)

	cfg := exploration.DefaultConfig()
	cfg.RegionBias = 0
	m := exploration.NewManager(zap.NewNop(), reg, cfg, 3)

	outside := 0
	for i := 0; i < 20; i++ {
		p, err := m.Generate(ctx, smaRanges)
		require.NoError(t, err)
		assertInRanges(t, p, smaRanges)
		if p[0] < 9.95 || p[0] > 10.05 {
			outside++
		}
	}
	assert.Greater(t, outside, 0)
}

func TestGenerateFromSuccess(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	base := []float64{20, 60, 0.0005}
	save(t, reg, 0.9, base...)

	cfg := exploration.DefaultConfig()
	cfg.MutationProbability = 0
	p, err := exploration.NewManager(zap.NewNop(), reg, cfg, 5).GenerateFromSuccess(ctx, smaRanges)
	require.NoError(t, err)
	assert.Equal(t, base, p, "no mutation returns the leader unchanged")

	cfg.MutationProbability = 1
	m := exploration.NewManager(zap.NewNop(), reg, cfg, 5)
	for i := 0; i < 20; i++ {
		p, err := m.GenerateFromSuccess(ctx, smaRanges)
		require.NoError(t, err)
		assertInRanges(t, p, smaRanges)
		for j, r := range smaRanges {
			assert.InDelta(t, base[j], p[j], 0.1*r.Span()+1e-12)
		}
	}
}

func TestGenerateFromSuccessFallsBack(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	save(t, reg, 0.9, 1, 2)

	m := exploration.NewManager(zap.NewNop(), reg, exploration.DefaultConfig(), 9)
	p, err := m.GenerateFromSuccess(ctx, smaRanges)
	require.NoError(t, err)
	assertInRanges(t, p, smaRanges)
}

func TestMutationClampsToRange(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	save(t, reg, 0.9, 100, 0, 0.001)

	cfg := exploration.DefaultConfig()
	cfg.MutationProbability = 1
	m := exploration.NewManager(zap.NewNop(), reg, cfg, 2)
	for i := 0; i < 20; i++ {
		p, err := m.GenerateFromSuccess(ctx, smaRanges)
		require.NoError(t, err)
		assertInRanges(t, p, smaRanges)
	}
}

func TestRegionScoreAndStats(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	m := exploration.NewManager(zap.NewNop(), reg, exploration.DefaultConfig(), 1)

	params := []float64{10, 40, 0.0005}
	id := registry.RegionID(params)

	score, err := m.RegionScore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.UpdateStats(ctx, params, 0.1))
	}
	score, err = m.RegionScore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0.25, score)
}

func TestRecommendations(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	m := exploration.NewManager(zap.NewNop(), reg, exploration.DefaultConfig(), 1)

	recs, err := m.Recommendations(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	save(t, reg, 0.8, 10, 40, 0.0005)
	recs, err = m.Recommendations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Focus on underexplored parameter regions",
		"Generate variations around successful parameter regions",
	}, recs)
}
