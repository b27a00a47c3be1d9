// Package discovery runs deduplicated strategy searches: it draws
// candidates from the exploration manager, skips anything the registry has
// already seen, tests the rest in parallel and records the results.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/backtester"
	"github.com/atlas-desktop/strategy-lab/internal/exploration"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/registry"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UniqueConfigAttempts bounds GenerateUniqueConfig
const UniqueConfigAttempts = 100

// ErrNoUniqueConfig is returned when every generated candidate was a duplicate
var ErrNoUniqueConfig = errors.New("no unique configuration found")

// Run statuses recorded on the discovery counter
const (
	StatusCompleted = "completed"
	StatusExhausted = "exhausted"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Options configures a discovery run
type Options struct {
	Strategy     string                 `json:"strategy"`
	Ranges       []types.ParameterRange `json:"ranges,omitempty"`
	Target       int                    `json:"target"`
	MaxAttempts  int                    `json:"maxAttempts"`
	BatchSize    int                    `json:"batchSize"`
	SuccessRatio float64                `json:"successRatio"`

	Symbol         string  `json:"symbol,omitempty"`
	InitialCapital float64 `json:"initialCapital,omitempty"`
	MaxBars        int     `json:"maxBars,omitempty"`

	// Progress is called after every tested batch
	Progress func(Progress) `json:"-"`
}

// DefaultOptions returns the standard discovery settings for a strategy
func DefaultOptions(strategyName string) Options {
	return Options{
		Strategy:     strategyName,
		Target:       100,
		MaxAttempts:  1000,
		BatchSize:    16,
		SuccessRatio: 0.3,
	}
}

// Progress is a snapshot of a running discovery
type Progress struct {
	SessionID  string  `json:"sessionId"`
	Tested     int     `json:"tested"`
	Target     int     `json:"target"`
	Attempts   int     `json:"attempts"`
	Duplicates int     `json:"duplicates"`
	BestScore  float64 `json:"bestScore"`
}

// Result is the outcome of a discovery run
type Result struct {
	SessionID  string                   `json:"sessionId"`
	Seed       int64                    `json:"seed"`
	Strategy   string                   `json:"strategy"`
	Status     string                   `json:"status"`
	Strategies []*types.StrategyMetrics `json:"strategies"`
	Attempts   int                      `json:"attempts"`
	Duplicates int                      `json:"duplicates"`
	BestScore  float64                  `json:"bestScore"`
	Duration   time.Duration            `json:"duration"`
}

// Stats summarizes the registry for reporting
type Stats struct {
	TotalStrategies      int      `json:"totalStrategies"`
	AverageScore         float64  `json:"averageScore"`
	UnderexploredRegions int      `json:"underexploredRegions"`
	SuccessfulRegions    int      `json:"successfulRegions"`
	Persistent           bool     `json:"persistent"`
	Seed                 int64    `json:"seed"`
	Recommendations      []string `json:"recommendations"`
}

// Discoverer wires the exploration manager, the tester and the registry
type Discoverer struct {
	logger   *zap.Logger
	tester   *backtester.Tester
	registry registry.Registry
	explorer *exploration.Manager
	metrics  *observability.Metrics
}

// NewDiscoverer creates a new Discoverer
func NewDiscoverer(
	logger *zap.Logger,
	tester *backtester.Tester,
	reg registry.Registry,
	explorer *exploration.Manager,
	metrics *observability.Metrics,
) *Discoverer {
	return &Discoverer{
		logger:   logger,
		tester:   tester,
		registry: reg,
		explorer: explorer,
		metrics:  metrics,
	}
}

// Registry returns the registry results are saved to
func (d *Discoverer) Registry() registry.Registry {
	return d.registry
}

// TestWithDeduplication tests configs that are not yet in the registry,
// considering at most maxAttempts configs. Tested results are saved and
// returned best first.
func (d *Discoverer) TestWithDeduplication(ctx context.Context, cfgs []types.StrategyTestConfig, bars []types.Bar, maxAttempts int) ([]*types.StrategyMetrics, error) {
	if maxAttempts > 0 && len(cfgs) > maxAttempts {
		d.logger.Info("Reached maximum attempts limit", zap.Int("maxAttempts", maxAttempts))
		cfgs = cfgs[:maxAttempts]
	}

	seen := make(map[string]bool, len(cfgs))
	var unique []types.StrategyTestConfig
	for _, cfg := range cfgs {
		// results are stored under the normalized vector, so look that up
		params := strategy.Normalize(cfg.StrategyName, cfg.Parameters)
		dup, err := d.isDuplicate(ctx, params, seen)
		if err != nil {
			return nil, err
		}
		if dup {
			d.logger.Debug("Skipping duplicate strategy",
				zap.String("strategy", cfg.StrategyName),
				zap.String("signature", registry.Signature(params)))
			continue
		}
		unique = append(unique, cfg)
	}

	results, err := d.tester.TestBatch(ctx, unique, bars)
	if err != nil {
		return nil, err
	}

	saved := d.saveAll(ctx, results)
	d.logger.Info("Tested unique strategies",
		zap.Int("configs", len(cfgs)),
		zap.Int("unique", len(unique)),
		zap.Int("saved", len(saved)))
	return results, nil
}

// Discover searches for opts.Target new strategies, stopping after
// opts.MaxAttempts candidates. On cancellation the partial result is
// returned together with the context error.
func (d *Discoverer) Discover(ctx context.Context, bars []types.Bar, opts Options) (*Result, error) {
	opts = d.withDefaults(opts)
	ranges := opts.Ranges
	if len(ranges) == 0 {
		ranges = strategy.DefaultRanges(opts.Strategy)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("no parameter ranges for strategy %q", opts.Strategy)
	}

	start := time.Now()
	res := &Result{
		SessionID: uuid.NewString(),
		Seed:      d.explorer.Seed(),
		Strategy:  opts.Strategy,
	}

	d.logger.Info("Starting strategy discovery",
		zap.String("session", res.SessionID),
		zap.String("strategy", opts.Strategy),
		zap.Int("target", opts.Target),
		zap.Int("maxAttempts", opts.MaxAttempts),
		zap.Int64("seed", res.Seed))

	runErr := d.discover(ctx, bars, ranges, opts, res)

	backtester.SortByScore(res.Strategies)
	if len(res.Strategies) > 0 {
		res.BestScore = res.Strategies[0].CompositeScore
	}
	res.Duration = time.Since(start)

	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		res.Status = StatusCancelled
	case runErr != nil:
		res.Status = StatusFailed
	case len(res.Strategies) >= opts.Target:
		res.Status = StatusCompleted
	default:
		res.Status = StatusExhausted
	}

	// the generation log outlives a cancelled request context
	logCtx := context.WithoutCancel(ctx)
	if err := d.registry.LogGeneration(logCtx, registry.GenerationRecord{
		SessionID:        res.SessionID,
		Seed:             res.Seed,
		StrategiesTested: len(res.Strategies),
		BestScore:        res.BestScore,
	}); err != nil {
		d.logger.Warn("Failed to log generation", zap.Error(err))
	}
	d.metrics.RecordDiscoveryRun(opts.Strategy, res.Status, res.BestScore)
	if n, err := d.registry.Count(logCtx); err == nil {
		d.metrics.SetRegistrySize(n)
	}

	d.logger.Info("Discovery finished",
		zap.String("session", res.SessionID),
		zap.String("status", res.Status),
		zap.Int("discovered", len(res.Strategies)),
		zap.Int("attempts", res.Attempts),
		zap.Int("duplicates", res.Duplicates),
		zap.Float64("bestScore", res.BestScore),
		zap.Duration("duration", res.Duration))

	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

func (d *Discoverer) discover(ctx context.Context, bars []types.Bar, ranges []types.ParameterRange, opts Options, res *Result) error {
	for len(res.Strategies) < opts.Target && res.Attempts < opts.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		want := min(opts.BatchSize, opts.Target-len(res.Strategies))
		seen := make(map[string]bool, want)
		var batch []types.StrategyTestConfig

		for len(batch) < want && res.Attempts < opts.MaxAttempts {
			res.Attempts++

			raw, err := d.explorer.Propose(ctx, ranges, opts.SuccessRatio)
			if err != nil {
				return fmt.Errorf("failed to generate parameters: %w", err)
			}
			params := strategy.Normalize(opts.Strategy, raw)

			dup, err := d.isDuplicate(ctx, params, seen)
			if err != nil {
				return err
			}
			if dup {
				res.Duplicates++
				continue
			}
			batch = append(batch, d.testConfig(opts, params))
		}

		if len(batch) == 0 {
			continue
		}

		results, err := d.tester.TestBatch(ctx, batch, bars)
		if err != nil {
			return err
		}
		res.Strategies = append(res.Strategies, d.saveAll(ctx, results)...)

		if opts.Progress != nil {
			opts.Progress(Progress{
				SessionID:  res.SessionID,
				Tested:     len(res.Strategies),
				Target:     opts.Target,
				Attempts:   res.Attempts,
				Duplicates: res.Duplicates,
				BestScore:  bestScore(res.Strategies),
			})
		}
	}
	return nil
}

// GenerateUniqueConfig draws candidates until one is not in the registry
func (d *Discoverer) GenerateUniqueConfig(ctx context.Context, strategyName string, ranges []types.ParameterRange) (types.StrategyTestConfig, error) {
	if len(ranges) == 0 {
		ranges = strategy.DefaultRanges(strategyName)
	}

	for attempt := 0; attempt < UniqueConfigAttempts; attempt++ {
		raw, err := d.explorer.Generate(ctx, ranges)
		if err != nil {
			return types.StrategyTestConfig{}, err
		}
		params := strategy.Normalize(strategyName, raw)

		tested, err := d.registry.IsTested(ctx, registry.Signature(params))
		if err != nil {
			return types.StrategyTestConfig{}, fmt.Errorf("failed to check registry: %w", err)
		}
		if !tested {
			return types.DefaultStrategyTestConfig(strategyName, params), nil
		}
	}

	d.logger.Warn("Could not generate unique parameters",
		zap.String("strategy", strategyName),
		zap.Int("attempts", UniqueConfigAttempts))
	return types.StrategyTestConfig{}, ErrNoUniqueConfig
}

// Stats summarizes the registry
func (d *Discoverer) Stats(ctx context.Context) (*Stats, error) {
	count, err := d.registry.Count(ctx)
	if err != nil {
		return nil, err
	}
	avg, err := d.registry.AverageScore(ctx)
	if err != nil {
		return nil, err
	}
	under, err := d.registry.UnderexploredRegions(ctx)
	if err != nil {
		return nil, err
	}
	successful, err := d.registry.SuccessfulRegions(ctx, exploration.TopPoolSize)
	if err != nil {
		return nil, err
	}
	recs, err := d.explorer.Recommendations(ctx)
	if err != nil {
		return nil, err
	}

	return &Stats{
		TotalStrategies:      count,
		AverageScore:         avg,
		UnderexploredRegions: len(under),
		SuccessfulRegions:    len(successful),
		Persistent:           d.registry.Persistent(),
		Seed:                 d.explorer.Seed(),
		Recommendations:      recs,
	}, nil
}

// Optimize trims the registry to keep strategies and compacts it
func (d *Discoverer) Optimize(ctx context.Context, keep int) (int64, error) {
	removed, err := d.registry.Cleanup(ctx, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up registry: %w", err)
	}
	if err := d.registry.Vacuum(ctx); err != nil {
		return removed, fmt.Errorf("failed to vacuum registry: %w", err)
	}
	if n, err := d.registry.Count(ctx); err == nil {
		d.metrics.SetRegistrySize(n)
	}
	return removed, nil
}

func (d *Discoverer) isDuplicate(ctx context.Context, params []float64, seen map[string]bool) (bool, error) {
	signature := registry.Signature(params)
	if seen[signature] {
		d.metrics.RecordDuplicateSkipped()
		return true, nil
	}
	tested, err := d.registry.IsTested(ctx, signature)
	if err != nil {
		return false, fmt.Errorf("failed to check registry: %w", err)
	}
	if tested {
		d.metrics.RecordDuplicateSkipped()
		return true, nil
	}
	seen[signature] = true
	return false, nil
}

// saveAll stores results and returns the ones that were new
func (d *Discoverer) saveAll(ctx context.Context, results []*types.StrategyMetrics) []*types.StrategyMetrics {
	saved := make([]*types.StrategyMetrics, 0, len(results))
	for _, m := range results {
		if m.Untested {
			d.metrics.RecordRegistrySave("untested")
			continue
		}
		inserted, err := d.registry.SaveIfNew(ctx, m)
		switch {
		case err != nil:
			d.metrics.RecordRegistrySave("error")
			d.logger.Warn("Failed to save strategy result",
				zap.String("strategy", m.StrategyName),
				zap.Error(err))
		case !inserted:
			d.metrics.RecordRegistrySave("duplicate")
		default:
			d.metrics.RecordRegistrySave("inserted")
			saved = append(saved, m)
		}
	}
	return saved
}

func (d *Discoverer) testConfig(opts Options, params []float64) types.StrategyTestConfig {
	cfg := types.DefaultStrategyTestConfig(opts.Strategy, params)
	if opts.Symbol != "" {
		cfg.Symbol = opts.Symbol
	}
	if opts.InitialCapital > 0 {
		cfg.InitialCapital = opts.InitialCapital
	}
	if opts.MaxBars != 0 {
		cfg.MaxBars = opts.MaxBars
	}
	return cfg
}

func (d *Discoverer) withDefaults(opts Options) Options {
	def := DefaultOptions(opts.Strategy)
	if opts.Target <= 0 {
		opts.Target = def.Target
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.SuccessRatio < 0 || opts.SuccessRatio > 1 {
		opts.SuccessRatio = def.SuccessRatio
	}
	return opts
}

func bestScore(results []*types.StrategyMetrics) float64 {
	best := 0.0
	for i, m := range results {
		if i == 0 || m.CompositeScore > best {
			best = m.CompositeScore
		}
	}
	return best
}
