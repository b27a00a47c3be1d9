package report_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/report"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResults() []*types.StrategyMetrics {
	return []*types.StrategyMetrics{
		{
			StrategyName:          "SMA",
			Symbol:                "DEMO",
			Parameters:            []float64{10, 40, 0.0005},
			TotalReturn:           0.1234567890123456,
			SharpeRatio:           1.0 / 3,
			SortinoRatio:          2.718281828459045,
			CalmarRatio:           1.5,
			MaxDrawdown:           0.0823,
			WinRate:               0.6,
			ProfitFactor:          1000,
			AvgTrade:              -12.75,
			TotalTrades:           17,
			VaR95:                 0.021,
			ExpectedShortfall:     0.034,
			AvgHoldPeriod:         4.25,
			MaxAdverseExcursion:   0.05,
			MaxFavorableExcursion: 0.12,
			CompositeScore:        0.61,
			DataWarnings:          2,
			TestedAt:              time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC),
		},
		{
			StrategyName:   "RSI",
			Parameters:     []float64{14, 70, 30, 2, 1e-4},
			TotalReturn:    -0.05,
			SharpeRatio:    -0.4,
			MaxDrawdown:    0.2,
			TotalTrades:    3,
			CompositeScore: 0.21,
		},
	}
}

func TestCSVRoundTripIsLossless(t *testing.T) {
	in := sampleResults()

	var buf bytes.Buffer
	require.NoError(t, report.WriteCSV(&buf, in))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "strategy,symbol,total_return"))
	assert.True(t, strings.HasSuffix(lines[1], ",10;40;0.0005"))

	out, err := report.ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadLegacyCSV(t *testing.T) {
	legacy := strings.Join([]string{
		strings.Join(report.LegacyHeader, ","),
		"SMA,0.15,1.2,0.08,0.55,1.7,25,0.6,10;40;0.0005",
		"MACD,-0.02,-0.1,0.3,0.4,0.9,8,0.1,12;26;9;1;-1;0.0005",
	}, "\n")

	out, err := report.ReadCSV(strings.NewReader(legacy))
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "SMA", out[0].StrategyName)
	assert.Equal(t, 0.15, out[0].TotalReturn)
	assert.Equal(t, 1.2, out[0].SharpeRatio)
	assert.Equal(t, 0.08, out[0].MaxDrawdown)
	assert.Equal(t, 25, out[0].TotalTrades)
	assert.Equal(t, 0.6, out[0].CompositeScore)
	assert.Equal(t, []float64{10, 40, 0.0005}, out[0].Parameters)
	assert.Equal(t, []float64{12, 26, 9, 1, -1, 0.0005}, out[1].Parameters)
}

func TestReadCSVErrors(t *testing.T) {
	_, err := report.ReadCSV(strings.NewReader("name,score\nx,1\n"))
	assert.ErrorIs(t, err, report.ErrMissingColumn)

	_, err = report.ReadCSV(strings.NewReader("strategy,total_return\nSMA,abc\n"))
	assert.Error(t, err)

	out, err := report.ReadCSV(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExportImportFiles(t *testing.T) {
	dir := t.TempDir()
	in := sampleResults()

	csvPath := filepath.Join(dir, "out", "results.csv")
	require.NoError(t, report.ExportCSV(csvPath, in))
	fromCSV, err := report.ImportCSV(csvPath)
	require.NoError(t, err)
	assert.Equal(t, in, fromCSV)

	pqPath := filepath.Join(dir, "out", "results.parquet")
	require.NoError(t, report.ExportParquet(pqPath, in))
	fromParquet, err := report.ImportParquet(pqPath)
	require.NoError(t, err)
	assert.Equal(t, in, fromParquet)

	_, err = report.ImportCSV(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	s := report.Summarize(sampleResults())
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Profitable)
	assert.Equal(t, 20, s.TotalTrades)
	assert.InDelta(t, 0.41, s.AvgScore, 1e-12)
	assert.InDelta(t, 0.2, s.WorstDrawdown, 1e-12)
	assert.Equal(t, "SMA", s.Best.StrategyName)

	var buf bytes.Buffer
	require.NoError(t, report.WriteSummary(&buf, sampleResults()))
	text := buf.String()
	assert.Contains(t, text, "STRATEGY PERFORMANCE REPORT")
	assert.Contains(t, text, "- Total Strategies: 2")
	assert.Contains(t, text, "Top 2 Strategies:")
	assert.Contains(t, text, "10;40;0.0005")
	assert.Less(t, strings.Index(text, "SMA"), strings.Index(text, "RSI"), "ranked by score")

	buf.Reset()
	require.NoError(t, report.WriteSummary(&buf, nil))
	assert.Contains(t, buf.String(), "- Total Strategies: 0")
	assert.NotContains(t, buf.String(), "Top")
}
