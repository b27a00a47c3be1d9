// Package backtester provides the strategy tester that ties validation,
// simulation and metrics together.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/data"
	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/internal/workers"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// Test outcomes recorded on the backtest counter
const (
	outcomeOK      = "ok"
	outcomeInvalid = "invalid_strategy"
	outcomeError   = "error"
)

// Evaluation is the full output of one strategy test
type Evaluation struct {
	Metrics *types.StrategyMetrics
	Result  *Result // nil when the strategy could not be created
	Report  *data.ValidationReport
}

// Tester validates data, runs simulations and computes metrics
type Tester struct {
	logger    *zap.Logger
	validator *data.Validator
	engine    *Engine
	calc      *MetricsCalculator
	batch     *workers.BatchProcessor
	metrics   *observability.Metrics
}

// NewTester creates a new strategy tester. A nil pool runs batches
// sequentially; nil metrics disables instrumentation.
func NewTester(logger *zap.Logger, pool *workers.Pool, metrics *observability.Metrics) *Tester {
	t := &Tester{
		logger:    logger,
		validator: data.NewValidator(logger),
		engine:    NewEngine(logger),
		calc:      NewMetricsCalculator(logger),
		metrics:   metrics,
	}
	if pool != nil {
		t.batch = workers.NewBatchProcessor(pool)
	}
	return t
}

// Validator returns the validator used before every test
func (t *Tester) Validator() *data.Validator {
	return t.validator
}

// Test runs a single strategy test and returns its metrics. A fatal data
// error aborts before simulation; a strategy that cannot be created yields
// empty metrics and no error.
func (t *Tester) Test(ctx context.Context, cfg types.StrategyTestConfig, bars []types.Bar) (*types.StrategyMetrics, error) {
	eval, err := t.Evaluate(ctx, cfg, bars)
	if err != nil {
		return nil, err
	}
	return eval.Metrics, nil
}

// Evaluate is Test that also returns the simulation result and the
// validation report.
func (t *Tester) Evaluate(ctx context.Context, cfg types.StrategyTestConfig, bars []types.Bar) (*Evaluation, error) {
	report, err := t.validate(bars, cfg.Symbol)
	if err != nil {
		return nil, err
	}

	eval, err := t.evaluate(ctx, cfg, TrimBars(bars, cfg.MaxBars), report.Warnings())
	if err != nil {
		return nil, err
	}
	eval.Report = report
	return eval, nil
}

// TestBatch validates bars once and tests every config in parallel on the
// worker pool. Results come back sorted by composite score, best first.
// Configs whose simulation failed are dropped with a warning.
func (t *Tester) TestBatch(ctx context.Context, cfgs []types.StrategyTestConfig, bars []types.Bar) ([]*types.StrategyMetrics, error) {
	if len(cfgs) == 0 {
		return nil, nil
	}

	report, err := t.validate(bars, cfgs[0].Symbol)
	if err != nil {
		return nil, err
	}
	warnings := report.Warnings()

	t.logger.Info("Starting batch test",
		zap.Int("configs", len(cfgs)),
		zap.Int("bars", len(bars)),
	)

	results := make([]*types.StrategyMetrics, len(cfgs))
	runOne := func(i int) error {
		eval, err := t.evaluate(ctx, cfgs[i], TrimBars(bars, cfgs[i].MaxBars), warnings)
		if err != nil {
			return err
		}
		results[i] = eval.Metrics
		return nil
	}

	if t.batch != nil {
		err = t.batch.ProcessBatch(ctx, len(cfgs), runOne)
	} else {
		err = runSequential(ctx, len(cfgs), runOne)
	}

	var batchErr *workers.BatchError
	if errors.As(err, &batchErr) {
		t.logger.Warn("Some batch tests failed", zap.Int("failed", len(batchErr.Errors)))
	} else if err != nil {
		return nil, fmt.Errorf("failed to run batch: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.StrategyMetrics, 0, len(results))
	for _, m := range results {
		if m != nil {
			out = append(out, m)
		}
	}
	SortByScore(out)

	t.logger.Info("Batch test complete", zap.Int("results", len(out)))
	return out, nil
}

func runSequential(ctx context.Context, n int, fn func(i int) error) error {
	var errs []error
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i); err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return &workers.BatchError{Errors: errs}
	}
	return nil
}

// validate runs the data validator and records its findings
func (t *Tester) validate(bars []types.Bar, symbol string) (*data.ValidationReport, error) {
	report, err := t.validator.Validate(bars, symbol)
	if report != nil {
		for _, issue := range report.Issues {
			t.metrics.RecordDataIssue(issue.Type)
		}
	}
	if err != nil {
		t.metrics.RecordFatalDataError()
		return nil, fmt.Errorf("data validation failed: %w", err)
	}
	return report, nil
}

func (t *Tester) evaluate(ctx context.Context, cfg types.StrategyTestConfig, bars []types.Bar, warnings int) (*Evaluation, error) {
	start := time.Now()

	strat, err := strategy.New(cfg.StrategyName, cfg.Parameters)
	if err != nil {
		t.logger.Warn("Failed to create strategy",
			zap.String("strategy", cfg.StrategyName),
			zap.Float64s("parameters", cfg.Parameters),
			zap.Error(err),
		)
		t.metrics.RecordBacktest(cfg.StrategyName, outcomeInvalid, time.Since(start).Seconds(), 0, 0)
		return &Evaluation{Metrics: emptyMetrics(cfg, warnings)}, nil
	}

	result, err := t.engine.Run(ctx, strat, bars, RunConfig{
		Symbol:         cfg.Symbol,
		InitialCapital: cfg.InitialCapital,
		FeeRate:        cfg.FeeRate,
		Risk:           cfg.Risk,
	})
	if err != nil {
		t.metrics.RecordBacktest(strat.Name(), outcomeError, time.Since(start).Seconds(), 0, 0)
		return nil, fmt.Errorf("failed to run backtest: %w", err)
	}

	m := t.calc.Calculate(result, cfg.InitialCapital)
	m.Parameters = strat.Parameters()
	m.DataWarnings = warnings
	if cfg.RetainMarketData {
		m.MarketData = bars
	}

	t.metrics.RecordBacktest(strat.Name(), outcomeOK, time.Since(start).Seconds(), len(result.Trades), result.BreakerBlocks)

	return &Evaluation{Metrics: m, Result: result}, nil
}

// emptyMetrics is the result of a test whose strategy could not be created
func emptyMetrics(cfg types.StrategyTestConfig, warnings int) *types.StrategyMetrics {
	params := make([]float64, len(cfg.Parameters))
	copy(params, cfg.Parameters)
	return &types.StrategyMetrics{
		StrategyName: cfg.StrategyName,
		Symbol:       cfg.Symbol,
		Parameters:   params,
		DataWarnings: warnings,
		TestedAt:     time.Now(),
		Untested:     true,
	}
}

// TrimBars keeps the most recent maxBars bars; maxBars <= 0 keeps all
func TrimBars(bars []types.Bar, maxBars int) []types.Bar {
	if maxBars <= 0 || len(bars) <= maxBars {
		return bars
	}
	return bars[len(bars)-maxBars:]
}

// SortByScore sorts results by composite score, best first
func SortByScore(results []*types.StrategyMetrics) {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CompositeScore > results[j].CompositeScore
	})
}

// SelectTop returns the n best results without modifying the input
func SelectTop(results []*types.StrategyMetrics, n int) []*types.StrategyMetrics {
	sorted := make([]*types.StrategyMetrics, len(results))
	copy(sorted, results)
	SortByScore(sorted)
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}
