// Package backtester provides walk-forward analysis for strategy validation.
package backtester

import (
	"context"
	"fmt"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// WalkForwardConfig sizes the rolling windows in bars
type WalkForwardConfig struct {
	WindowBars    int     `json:"windowBars"`
	StepBars      int     `json:"stepBars"`
	InSampleRatio float64 `json:"inSampleRatio"`
}

// DefaultWalkForwardConfig returns roughly one year windows stepped by a quarter
func DefaultWalkForwardConfig() WalkForwardConfig {
	return WalkForwardConfig{WindowBars: 250, StepBars: 60, InSampleRatio: 0.8}
}

// WalkForwardWindow holds the in-sample and out-of-sample metrics of one window
type WalkForwardWindow struct {
	InSampleStart  int                    `json:"inSampleStart"` // bar dates
	InSampleEnd    int                    `json:"inSampleEnd"`
	OutSampleStart int                    `json:"outSampleStart"`
	OutSampleEnd   int                    `json:"outSampleEnd"`
	InSample       *types.StrategyMetrics `json:"inSample"`
	OutSample      *types.StrategyMetrics `json:"outSample"`
}

// WalkForwardResult summarizes all windows
type WalkForwardResult struct {
	Windows         []WalkForwardWindow `json:"windows"`
	Robustness      float64             `json:"robustness"`  // out-of-sample over in-sample return, clamped to [0, 2]
	Consistency     float64             `json:"consistency"` // share of profitable out-of-sample windows
	AvgOutSampleSR  float64             `json:"avgOutSampleSharpe"`
	OutSampleTrades int                 `json:"outSampleTrades"`
}

// WalkForwardAnalyzer replays one configuration over rolling windows
type WalkForwardAnalyzer struct {
	logger *zap.Logger
	tester *Tester
	config WalkForwardConfig
}

// NewWalkForwardAnalyzer creates a new walk-forward analyzer
func NewWalkForwardAnalyzer(logger *zap.Logger, tester *Tester, config WalkForwardConfig) *WalkForwardAnalyzer {
	if config.WindowBars <= 0 {
		config.WindowBars = 250
	}
	if config.StepBars <= 0 {
		config.StepBars = 60
	}
	if config.InSampleRatio <= 0 || config.InSampleRatio >= 1 {
		config.InSampleRatio = 0.8
	}
	return &WalkForwardAnalyzer{logger: logger, tester: tester, config: config}
}

type windowBounds struct {
	start, split, end int // bar indexes, end exclusive
}

// Run tests cfg on the in-sample and out-of-sample part of every window
func (wf *WalkForwardAnalyzer) Run(ctx context.Context, cfg types.StrategyTestConfig, bars []types.Bar) (*WalkForwardResult, error) {
	windows := wf.generateWindows(len(bars))
	if len(windows) == 0 {
		return nil, fmt.Errorf("no walk-forward windows for %d bars (window %d)", len(bars), wf.config.WindowBars)
	}

	wf.logger.Info("Starting walk-forward analysis",
		zap.String("strategy", cfg.StrategyName),
		zap.Int("windowCount", len(windows)),
		zap.Int("windowBars", wf.config.WindowBars),
		zap.Int("stepBars", wf.config.StepBars),
	)

	cfg.MaxBars = 0
	result := &WalkForwardResult{Windows: make([]WalkForwardWindow, 0, len(windows))}

	for i, w := range windows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		inBars := bars[w.start:w.split]
		outBars := bars[w.split:w.end]

		inSample, err := wf.tester.Test(ctx, cfg, inBars)
		if err != nil {
			wf.logger.Warn("In-sample test failed", zap.Int("window", i), zap.Error(err))
			continue
		}
		outSample, err := wf.tester.Test(ctx, cfg, outBars)
		if err != nil {
			wf.logger.Warn("Out-of-sample test failed", zap.Int("window", i), zap.Error(err))
			continue
		}

		result.Windows = append(result.Windows, WalkForwardWindow{
			InSampleStart:  inBars[0].Date,
			InSampleEnd:    inBars[len(inBars)-1].Date,
			OutSampleStart: outBars[0].Date,
			OutSampleEnd:   outBars[len(outBars)-1].Date,
			InSample:       inSample,
			OutSample:      outSample,
		})

		wf.logger.Debug("Window completed",
			zap.Int("window", i),
			zap.Float64("inSampleReturn", inSample.TotalReturn),
			zap.Float64("outSampleReturn", outSample.TotalReturn),
		)
	}

	wf.summarize(result)

	wf.logger.Info("Walk-forward analysis complete",
		zap.Float64("robustness", result.Robustness),
		zap.Float64("consistency", result.Consistency),
		zap.Int("outSampleTrades", result.OutSampleTrades),
	)
	return result, nil
}

// generateWindows lays out windows of WindowBars bars every StepBars bars
func (wf *WalkForwardAnalyzer) generateWindows(n int) []windowBounds {
	size := wf.config.WindowBars
	split := int(float64(size) * wf.config.InSampleRatio)
	if split < 1 || split >= size {
		return nil
	}

	var windows []windowBounds
	for start := 0; start+size <= n; start += wf.config.StepBars {
		windows = append(windows, windowBounds{
			start: start,
			split: start + split,
			end:   start + size,
		})
	}
	return windows
}

// summarize fills robustness, consistency and the out-of-sample aggregates
func (wf *WalkForwardAnalyzer) summarize(result *WalkForwardResult) {
	if len(result.Windows) == 0 {
		return
	}

	var inReturns, outReturns, outSharpe float64
	profitable := 0
	for _, w := range result.Windows {
		inReturns += w.InSample.TotalReturn
		outReturns += w.OutSample.TotalReturn
		outSharpe += w.OutSample.SharpeRatio
		result.OutSampleTrades += w.OutSample.TotalTrades
		if w.OutSample.TotalReturn > 0 {
			profitable++
		}
	}

	n := float64(len(result.Windows))
	result.Consistency = float64(profitable) / n
	result.AvgOutSampleSR = outSharpe / n

	if inReturns != 0 {
		result.Robustness = clampFloat(outReturns/inReturns, 0, 2)
	}
}
