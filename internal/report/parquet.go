package report

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/registry"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/parquet-go/parquet-go"
)

// StrategyRecord is the Parquet schema for exported strategy results
type StrategyRecord struct {
	Strategy              string    `parquet:"strategy"`
	Symbol                string    `parquet:"symbol"`
	Signature             string    `parquet:"signature"`
	Parameters            []float64 `parquet:"parameters"`
	TotalReturn           float64   `parquet:"total_return"`
	SharpeRatio           float64   `parquet:"sharpe_ratio"`
	SortinoRatio          float64   `parquet:"sortino_ratio"`
	CalmarRatio           float64   `parquet:"calmar_ratio"`
	MaxDrawdown           float64   `parquet:"max_drawdown"`
	WinRate               float64   `parquet:"win_rate"`
	ProfitFactor          float64   `parquet:"profit_factor"`
	AvgTrade              float64   `parquet:"avg_trade"`
	TotalTrades           int64     `parquet:"total_trades"`
	VaR95                 float64   `parquet:"var_95"`
	ExpectedShortfall     float64   `parquet:"expected_shortfall"`
	AvgHoldPeriod         float64   `parquet:"avg_hold_period"`
	MaxAdverseExcursion   float64   `parquet:"max_adverse_excursion"`
	MaxFavorableExcursion float64   `parquet:"max_favorable_excursion"`
	CompositeScore        float64   `parquet:"composite_score"`
	DataWarnings          int64     `parquet:"data_warnings"`
	TestedAtUnixNano      int64     `parquet:"tested_at_unix_nano"`
}

// ExportParquet writes strategies to a Parquet file for offline analysis,
// with the registry signature stored next to each row
func ExportParquet(path string, strategies []*types.StrategyMetrics) error {
	records := make([]StrategyRecord, len(strategies))
	for i, m := range strategies {
		var testedAt int64
		if !m.TestedAt.IsZero() {
			testedAt = m.TestedAt.UnixNano()
		}
		records[i] = StrategyRecord{
			Strategy:              m.StrategyName,
			Symbol:                m.Symbol,
			Signature:             registry.Signature(m.Parameters),
			Parameters:            append([]float64(nil), m.Parameters...),
			TotalReturn:           m.TotalReturn,
			SharpeRatio:           m.SharpeRatio,
			SortinoRatio:          m.SortinoRatio,
			CalmarRatio:           m.CalmarRatio,
			MaxDrawdown:           m.MaxDrawdown,
			WinRate:               m.WinRate,
			ProfitFactor:          m.ProfitFactor,
			AvgTrade:              m.AvgTrade,
			TotalTrades:           int64(m.TotalTrades),
			VaR95:                 m.VaR95,
			ExpectedShortfall:     m.ExpectedShortfall,
			AvgHoldPeriod:         m.AvgHoldPeriod,
			MaxAdverseExcursion:   m.MaxAdverseExcursion,
			MaxFavorableExcursion: m.MaxFavorableExcursion,
			CompositeScore:        m.CompositeScore,
			DataWarnings:          int64(m.DataWarnings),
			TestedAtUnixNano:      testedAt,
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("failed to write parquet results: %w", err)
	}
	return nil
}

// ImportParquet reads strategies written by ExportParquet, in file order
func ImportParquet(path string) ([]*types.StrategyMetrics, error) {
	records, err := parquet.ReadFile[StrategyRecord](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet results: %w", err)
	}

	out := make([]*types.StrategyMetrics, len(records))
	for i, r := range records {
		m := &types.StrategyMetrics{
			StrategyName:          r.Strategy,
			Symbol:                r.Symbol,
			Parameters:            r.Parameters,
			TotalReturn:           r.TotalReturn,
			SharpeRatio:           r.SharpeRatio,
			SortinoRatio:          r.SortinoRatio,
			CalmarRatio:           r.CalmarRatio,
			MaxDrawdown:           r.MaxDrawdown,
			WinRate:               r.WinRate,
			ProfitFactor:          r.ProfitFactor,
			AvgTrade:              r.AvgTrade,
			TotalTrades:           int(r.TotalTrades),
			VaR95:                 r.VaR95,
			ExpectedShortfall:     r.ExpectedShortfall,
			AvgHoldPeriod:         r.AvgHoldPeriod,
			MaxAdverseExcursion:   r.MaxAdverseExcursion,
			MaxFavorableExcursion: r.MaxFavorableExcursion,
			CompositeScore:        r.CompositeScore,
			DataWarnings:          int(r.DataWarnings),
		}
		if r.TestedAtUnixNano != 0 {
			m.TestedAt = time.Unix(0, r.TestedAtUnixNano).UTC()
		}
		out[i] = m
	}
	return out, nil
}
