// Package exploration generates parameter vectors for discovery runs,
// steering sampling toward under-explored regions and mutating around the
// best strategies already in the registry.
package exploration

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/atlas-desktop/strategy-lab/internal/registry"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

const (
	// TopPoolSize is how many registry leaders success-based sampling draws from
	TopPoolSize = 10

	// DefaultRegionBias is the default probability of sampling inside an
	// under-explored region when one is known
	DefaultRegionBias = 0.5
)

// Config configures the exploration manager
type Config struct {
	// MutationProbability is the chance each parameter is perturbed
	MutationProbability float64
	// MutationScale bounds a perturbation as a fraction of the parameter span
	MutationScale float64
	// RegionBias is the probability Generate samples inside the least
	// explored region instead of over the full ranges
	RegionBias float64
}

// DefaultConfig returns the standard exploration settings
func DefaultConfig() Config {
	return Config{
		MutationProbability: 0.3,
		MutationScale:       0.1,
		RegionBias:          DefaultRegionBias,
	}
}

// Manager draws new parameter vectors with an explicit seeded generator
type Manager struct {
	logger   *zap.Logger
	registry registry.Registry
	config   Config
	seed     int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewManager creates a manager whose randomness is fully determined by seed
func NewManager(logger *zap.Logger, reg registry.Registry, config Config, seed int64) *Manager {
	return NewManagerWithRand(logger, reg, config, rand.New(rand.NewSource(seed)), seed)
}

// NewManagerWithRand creates a manager around an existing generator. seed is
// recorded for reporting only.
func NewManagerWithRand(logger *zap.Logger, reg registry.Registry, config Config, rng *rand.Rand, seed int64) *Manager {
	logger.Info("Exploration manager ready", zap.Int64("seed", seed))
	return &Manager{
		logger:   logger,
		registry: reg,
		config:   config,
		seed:     seed,
		rng:      rng,
	}
}

// Seed returns the seed recorded for this manager
func (m *Manager) Seed() int64 {
	return m.seed
}

// Generate returns a new parameter vector. When the registry knows an
// under-explored region of the same dimensionality, the vector is drawn
// inside that region's bucket with probability RegionBias; otherwise it is
// uniform over ranges.
func (m *Manager) Generate(ctx context.Context, ranges []types.ParameterRange) ([]float64, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no parameter ranges")
	}

	regions, err := m.registry.UnderexploredRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load under-explored regions: %w", err)
	}

	target, ok := firstMatchingRegion(regions, len(ranges))

	m.mu.Lock()
	defer m.mu.Unlock()

	if ok && m.rng.Float64() < m.config.RegionBias {
		m.logger.Debug("Sampling under-explored region",
			zap.String("region", target.id),
			zap.Int("explorationCount", target.count))
		return m.sampleRegion(ranges, target.centres), nil
	}
	return m.uniform(ranges), nil
}

// GenerateFromSuccess mutates one of the registry's top strategies. Each
// parameter is perturbed with probability MutationProbability by up to
// MutationScale of its span and clamped back into range. Without usable
// leaders it falls back to Generate.
func (m *Manager) GenerateFromSuccess(ctx context.Context, ranges []types.ParameterRange) ([]float64, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no parameter ranges")
	}

	top, err := m.registry.TopStrategies(ctx, TopPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load top strategies: %w", err)
	}

	var pool [][]float64
	for _, s := range top {
		if len(s.Parameters) == len(ranges) {
			pool = append(pool, s.Parameters)
		}
	}
	if len(pool) == 0 {
		return m.Generate(ctx, ranges)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	base := pool[m.rng.Intn(len(pool))]
	return m.mutate(base, ranges), nil
}

// Propose draws the next candidate: success-based with probability
// successRatio, exploration otherwise
func (m *Manager) Propose(ctx context.Context, ranges []types.ParameterRange, successRatio float64) ([]float64, error) {
	m.mu.Lock()
	fromSuccess := m.rng.Float64() < successRatio
	m.mu.Unlock()

	if fromSuccess {
		return m.GenerateFromSuccess(ctx, ranges)
	}
	return m.Generate(ctx, ranges)
}

// UpdateStats counts one exploration of the region params fall into
func (m *Manager) UpdateStats(ctx context.Context, params []float64, score float64) error {
	return m.registry.UpdateRegion(ctx, registry.RegionID(params), score)
}

// Recommendations suggests where the next discovery effort should go
func (m *Manager) Recommendations(ctx context.Context) ([]string, error) {
	var recs []string

	under, err := m.registry.UnderexploredRegions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load under-explored regions: %w", err)
	}
	if len(under) > 0 {
		recs = append(recs, "Focus on underexplored parameter regions")
	}

	successful, err := m.registry.SuccessfulRegions(ctx, TopPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load successful regions: %w", err)
	}
	if len(successful) > 0 {
		recs = append(recs, "Generate variations around successful parameter regions")
	}
	return recs, nil
}

// RegionScore rates a region by novelty: 1 when never explored, otherwise
// the inverse of its exploration count
func (m *Manager) RegionScore(ctx context.Context, regionID string) (float64, error) {
	count, err := m.registry.ExplorationCount(ctx, regionID)
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		return 1, nil
	}
	return 1 / float64(count), nil
}

type regionTarget struct {
	id      string
	count   int
	centres []float64
}

func firstMatchingRegion(regions []registry.Region, dims int) (regionTarget, bool) {
	for _, r := range regions {
		centres, err := registry.ParseRegion(r.ID)
		if err != nil || len(centres) != dims {
			continue
		}
		return regionTarget{id: r.ID, count: r.ExplorationCount, centres: centres}, true
	}
	return regionTarget{}, false
}

// sampleRegion draws each coordinate inside its bucket intersected with the
// range, or over the whole range when the two do not overlap
func (m *Manager) sampleRegion(ranges []types.ParameterRange, centres []float64) []float64 {
	params := make([]float64, len(ranges))
	for i, r := range ranges {
		lo := math.Max(r.Min, centres[i]-registry.RegionHalfWidth)
		hi := math.Min(r.Max, centres[i]+registry.RegionHalfWidth)
		if lo > hi {
			lo, hi = r.Min, r.Max
		}
		params[i] = lo + (hi-lo)*m.rng.Float64()
	}
	return params
}

func (m *Manager) uniform(ranges []types.ParameterRange) []float64 {
	params := make([]float64, len(ranges))
	for i, r := range ranges {
		params[i] = r.Min + r.Span()*m.rng.Float64()
	}
	return params
}

func (m *Manager) mutate(base []float64, ranges []types.ParameterRange) []float64 {
	params := append([]float64(nil), base...)
	for i, r := range ranges {
		if m.rng.Float64() >= m.config.MutationProbability {
			continue
		}
		shift := (2*m.rng.Float64() - 1) * m.config.MutationScale
		params[i] = r.Clamp(base[i] + r.Span()*shift)
	}
	return params
}
