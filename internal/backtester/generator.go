// Package backtester provides seeded parameter generation for batch testing.
package backtester

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// Generator samples parameter vectors from a seeded random source so that
// every batch can be reproduced from its seed.
type Generator struct {
	logger *zap.Logger
	seed   int64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGenerator creates a generator seeded with seed
func NewGenerator(logger *zap.Logger, seed int64) *Generator {
	return &Generator{
		logger: logger,
		seed:   seed,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Seed returns the seed the generator was created with
func (g *Generator) Seed() int64 {
	return g.seed
}

// Generate samples cfg.NumSamples parameter vectors with the configured
// method and normalizes each one for the strategy type. Missing ranges fall
// back to the strategy's defaults.
func (g *Generator) Generate(cfg types.ParameterGenConfig) ([][]float64, error) {
	ranges := cfg.Ranges
	if len(ranges) == 0 {
		ranges = strategy.DefaultRanges(cfg.StrategyType)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no parameter ranges for strategy %q", cfg.StrategyType)
	}
	if cfg.NumSamples <= 0 {
		return nil, nil
	}

	g.mu.Lock()
	var raw [][]float64
	switch cfg.Method {
	case types.GenerationGrid:
		raw = gridSamples(ranges, cfg.NumSamples)
	case types.GenerationLHS:
		raw = g.latinHypercube(ranges, cfg.NumSamples)
	case types.GenerationRandom, "":
		raw = g.uniform(ranges, cfg.NumSamples)
	default:
		g.mu.Unlock()
		return nil, fmt.Errorf("unknown generation method %q", cfg.Method)
	}
	g.mu.Unlock()

	out := make([][]float64, len(raw))
	for i, params := range raw {
		out[i] = strategy.Normalize(cfg.StrategyType, params)
	}

	g.logger.Debug("Generated parameter batch",
		zap.String("strategy", cfg.StrategyType),
		zap.String("method", string(cfg.Method)),
		zap.Int("samples", len(out)),
		zap.Int64("seed", g.seed),
	)
	return out, nil
}

// Evolve breeds children from the best parents. Each child copies a parent
// chosen uniformly among them; every coordinate mutates with probability
// cfg.MutationRate by a Gaussian step of a tenth of its range, clamped.
func (g *Generator) Evolve(parents []*types.StrategyMetrics, cfg types.ParameterGenConfig, children int) [][]float64 {
	ranges := cfg.Ranges
	if len(ranges) == 0 {
		ranges = strategy.DefaultRanges(cfg.StrategyType)
	}

	pool := make([][]float64, 0, len(parents))
	for _, p := range parents {
		if p != nil && len(p.Parameters) == len(ranges) {
			pool = append(pool, p.Parameters)
		}
	}
	if len(pool) == 0 || children <= 0 {
		return nil
	}

	rate := cfg.MutationRate
	if rate <= 0 {
		rate = 0.1
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([][]float64, children)
	for c := range out {
		parent := pool[g.rng.Intn(len(pool))]
		child := make([]float64, len(parent))
		for i, v := range parent {
			if g.rng.Float64() < rate {
				v += g.rng.NormFloat64() * 0.1 * ranges[i].Span()
			}
			child[i] = ranges[i].Clamp(v)
		}
		out[c] = strategy.Normalize(cfg.StrategyType, child)
	}
	return out
}

// uniform draws every coordinate independently from its range (must hold lock)
func (g *Generator) uniform(ranges []types.ParameterRange, n int) [][]float64 {
	out := make([][]float64, n)
	for s := range out {
		params := make([]float64, len(ranges))
		for i, r := range ranges {
			params[i] = r.Min + g.rng.Float64()*r.Span()
		}
		out[s] = params
	}
	return out
}

// latinHypercube splits each range into n strata and draws one point per
// stratum, shuffling strata independently per dimension (must hold lock).
func (g *Generator) latinHypercube(ranges []types.ParameterRange, n int) [][]float64 {
	out := make([][]float64, n)
	for s := range out {
		out[s] = make([]float64, len(ranges))
	}
	for i, r := range ranges {
		perm := g.rng.Perm(n)
		for s := 0; s < n; s++ {
			u := (float64(perm[s]) + g.rng.Float64()) / float64(n)
			out[s][i] = r.Min + u*r.Span()
		}
	}
	return out
}

// gridSamples walks an evenly spaced grid with the fewest points per axis
// that covers n samples, returning the first n grid points.
func gridSamples(ranges []types.ParameterRange, n int) [][]float64 {
	dims := len(ranges)
	perAxis := int(math.Ceil(math.Pow(float64(n), 1/float64(dims))))
	if perAxis < 2 {
		perAxis = 2
	}

	out := make([][]float64, 0, n)
	idx := make([]int, dims)
	for len(out) < n {
		params := make([]float64, dims)
		for i, r := range ranges {
			params[i] = r.Min + r.Span()*float64(idx[i])/float64(perAxis-1)
		}
		out = append(out, params)

		// mixed-radix increment, last axis fastest
		d := dims - 1
		for d >= 0 {
			idx[d]++
			if idx[d] < perAxis {
				break
			}
			idx[d] = 0
			d--
		}
		if d < 0 {
			break
		}
	}
	return out
}
