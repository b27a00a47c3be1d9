// Package backtester provides Monte Carlo resampling of trade outcomes.
package backtester

import (
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"
)

// MonteCarloConfig configures trade-order resampling
type MonteCarloConfig struct {
	Iterations    int     `json:"iterations"`
	Seed          int64   `json:"seed"`
	RuinThreshold float64 `json:"ruinThreshold"` // equity fraction treated as ruin, e.g. 0.5
}

// DefaultMonteCarloConfig returns 1000 iterations with a 50% ruin level
func DefaultMonteCarloConfig(seed int64) MonteCarloConfig {
	return MonteCarloConfig{Iterations: 1000, Seed: seed, RuinThreshold: 0.5}
}

// MonteCarloResult summarizes the resampled paths
type MonteCarloResult struct {
	Iterations      int       `json:"iterations"`
	Seed            int64     `json:"seed"`
	MedianReturn    float64   `json:"medianReturn"`
	P5Return        float64   `json:"p5Return"`
	P95Return       float64   `json:"p95Return"`
	MaxDrawdownP95  float64   `json:"maxDrawdownP95"`
	ProbabilityRuin float64   `json:"probabilityRuin"`
	Distribution    []float64 `json:"distribution"`
}

// MonteCarloSimulator reshuffles realized trade pnl to estimate how much of
// a result depends on trade order
type MonteCarloSimulator struct {
	logger *zap.Logger
	config MonteCarloConfig
	rng    *rand.Rand
}

// NewMonteCarloSimulator creates a new Monte Carlo simulator
func NewMonteCarloSimulator(logger *zap.Logger, config MonteCarloConfig) *MonteCarloSimulator {
	if config.Iterations <= 0 {
		config.Iterations = 1000
	}
	if config.RuinThreshold <= 0 {
		config.RuinThreshold = 0.5
	}
	return &MonteCarloSimulator{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Run resamples the exit pnl of result. Each path replays the trades in a
// shuffled order starting from the initial capital.
func (mc *MonteCarloSimulator) Run(result *Result) *MonteCarloResult {
	pnls := result.ExitPnLs()
	if len(pnls) == 0 || result.InitialCapital <= 0 {
		return &MonteCarloResult{Seed: mc.config.Seed}
	}

	// trade pnl as a fraction of starting capital
	returns := make([]float64, len(pnls))
	for i, p := range pnls {
		returns[i] = p / result.InitialCapital
	}

	iterations := mc.config.Iterations
	simulatedReturns := make([]float64, iterations)
	maxDrawdowns := make([]float64, iterations)
	ruinCount := 0

	for i := 0; i < iterations; i++ {
		totalReturn, maxDD, isRuin := mc.simulatePath(mc.shuffleReturns(returns))
		simulatedReturns[i] = totalReturn
		maxDrawdowns[i] = maxDD
		if isRuin {
			ruinCount++
		}
	}

	sort.Float64s(simulatedReturns)
	sort.Float64s(maxDrawdowns)

	out := &MonteCarloResult{
		Iterations:      iterations,
		Seed:            mc.config.Seed,
		MedianReturn:    percentile(simulatedReturns, 50),
		P5Return:        percentile(simulatedReturns, 5),
		P95Return:       percentile(simulatedReturns, 95),
		MaxDrawdownP95:  percentile(maxDrawdowns, 95),
		ProbabilityRuin: float64(ruinCount) / float64(iterations),
		Distribution:    simulatedReturns,
	}

	mc.logger.Info("Monte Carlo simulation complete",
		zap.String("strategy", result.Strategy),
		zap.Int("iterations", iterations),
		zap.Int64("seed", mc.config.Seed),
		zap.Float64("medianReturn", out.MedianReturn),
		zap.Float64("p5Return", out.P5Return),
		zap.Float64("probabilityRuin", out.ProbabilityRuin),
	)

	return out
}

// BootstrapConfidenceInterval resamples pnls with replacement and returns
// the two-sided confidence bounds of metric.
func (mc *MonteCarloSimulator) BootstrapConfidenceInterval(metric func([]float64) float64, pnls []float64, confidence float64) (lower, upper float64) {
	n := len(pnls)
	if n == 0 {
		return 0, 0
	}

	iterations := mc.config.Iterations
	values := make([]float64, iterations)
	sample := make([]float64, n)
	for i := 0; i < iterations; i++ {
		for j := 0; j < n; j++ {
			sample[j] = pnls[mc.rng.Intn(n)]
		}
		values[i] = metric(sample)
	}
	sort.Float64s(values)

	alpha := 1 - confidence
	return percentile(values, alpha/2*100), percentile(values, (1-alpha/2)*100)
}

func (mc *MonteCarloSimulator) shuffleReturns(returns []float64) []float64 {
	shuffled := make([]float64, len(returns))
	copy(shuffled, returns)
	mc.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return shuffled
}

// simulatePath adds each trade return to a unit starting equity
func (mc *MonteCarloSimulator) simulatePath(returns []float64) (totalReturn, maxDrawdown float64, isRuin bool) {
	equity := 1.0
	peak := equity

	for _, ret := range returns {
		equity += ret
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
		if equity <= mc.config.RuinThreshold {
			return equity - 1, maxDrawdown, true
		}
	}
	return equity - 1, maxDrawdown, false
}

// percentile linearly interpolates the pth percentile of sorted values
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := (p / 100) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower < 0 {
		lower = 0
	}
	if upper >= len(sorted) {
		upper = len(sorted) - 1
	}
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
