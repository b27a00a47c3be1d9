// Package report exports and imports strategy results and renders text
// performance reports.
package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// Header is the column layout written by WriteCSV. Parameters always come
// last, joined with semicolons.
var Header = []string{
	"strategy", "symbol", "total_return", "sharpe_ratio", "sortino_ratio",
	"calmar_ratio", "max_drawdown", "win_rate", "profit_factor", "avg_trade",
	"total_trades", "var_95", "expected_shortfall", "avg_hold_period",
	"max_adverse_excursion", "max_favorable_excursion", "composite_score",
	"data_warnings", "tested_at", "parameters",
}

// LegacyHeader is the nine-column layout older exports used. ReadCSV
// accepts it as well.
var LegacyHeader = []string{
	"Strategy", "Total_Return", "Sharpe_Ratio", "Max_Drawdown", "Win_Rate",
	"Profit_Factor", "Total_Trades", "Composite_Score", "Parameters",
}

// ErrMissingColumn is returned when an imported header lacks a required column
var ErrMissingColumn = errors.New("missing required column")

// WriteCSV writes one header row and one row per strategy
func WriteCSV(w io.Writer, strategies []*types.StrategyMetrics) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	for _, m := range strategies {
		testedAt := ""
		if !m.TestedAt.IsZero() {
			testedAt = m.TestedAt.UTC().Format(time.RFC3339Nano)
		}
		row := []string{
			m.StrategyName,
			m.Symbol,
			formatFloat(m.TotalReturn),
			formatFloat(m.SharpeRatio),
			formatFloat(m.SortinoRatio),
			formatFloat(m.CalmarRatio),
			formatFloat(m.MaxDrawdown),
			formatFloat(m.WinRate),
			formatFloat(m.ProfitFactor),
			formatFloat(m.AvgTrade),
			strconv.Itoa(m.TotalTrades),
			formatFloat(m.VaR95),
			formatFloat(m.ExpectedShortfall),
			formatFloat(m.AvgHoldPeriod),
			formatFloat(m.MaxAdverseExcursion),
			formatFloat(m.MaxFavorableExcursion),
			formatFloat(m.CompositeScore),
			strconv.Itoa(m.DataWarnings),
			testedAt,
			formatParameters(m.Parameters),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row for %s: %w", m.StrategyName, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV parses rows written by WriteCSV or in the legacy layout.
// Columns are matched by header name, case-insensitively.
func ReadCSV(r io.Reader) ([]*types.StrategyMetrics, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["strategy"]; !ok {
		return nil, fmt.Errorf("%w: strategy", ErrMissingColumn)
	}

	var out []*types.StrategyMetrics
	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read csv line %d: %w", line, err)
		}

		m, err := parseRow(record, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, m)
	}
	return out, nil
}

type rowParser struct {
	record []string
	cols   map[string]int
	err    error
}

func (p *rowParser) field(name string) string {
	i, ok := p.cols[name]
	if !ok || i >= len(p.record) {
		return ""
	}
	return strings.TrimSpace(p.record[i])
}

func (p *rowParser) float(name string) float64 {
	s := p.field(name)
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v
}

func (p *rowParser) int(name string) int {
	s := p.field(name)
	if s == "" || p.err != nil {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.err = fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return v
}

func parseRow(record []string, cols map[string]int) (*types.StrategyMetrics, error) {
	p := &rowParser{record: record, cols: cols}

	m := &types.StrategyMetrics{
		StrategyName:          p.field("strategy"),
		Symbol:                p.field("symbol"),
		TotalReturn:           p.float("total_return"),
		SharpeRatio:           p.float("sharpe_ratio"),
		SortinoRatio:          p.float("sortino_ratio"),
		CalmarRatio:           p.float("calmar_ratio"),
		MaxDrawdown:           p.float("max_drawdown"),
		WinRate:               p.float("win_rate"),
		ProfitFactor:          p.float("profit_factor"),
		AvgTrade:              p.float("avg_trade"),
		TotalTrades:           p.int("total_trades"),
		VaR95:                 p.float("var_95"),
		ExpectedShortfall:     p.float("expected_shortfall"),
		AvgHoldPeriod:         p.float("avg_hold_period"),
		MaxAdverseExcursion:   p.float("max_adverse_excursion"),
		MaxFavorableExcursion: p.float("max_favorable_excursion"),
		CompositeScore:        p.float("composite_score"),
		DataWarnings:          p.int("data_warnings"),
	}
	if p.err != nil {
		return nil, p.err
	}

	if s := p.field("tested_at"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("invalid tested_at %q: %w", s, err)
		}
		m.TestedAt = t
	}

	params, err := parseParameters(p.field("parameters"))
	if err != nil {
		return nil, err
	}
	m.Parameters = params
	return m, nil
}

// ExportCSV writes strategies to a CSV file, creating parent directories
func ExportCSV(path string, strategies []*types.StrategyMetrics) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := WriteCSV(f, strategies); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ImportCSV reads strategies from a CSV file
func ImportCSV(path string) ([]*types.StrategyMetrics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// formatFloat uses the shortest representation that parses back exactly
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatParameters(params []float64) string {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = formatFloat(p)
	}
	return strings.Join(parts, ";")
}

func parseParameters(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	params := make([]float64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter %q: %w", part, err)
		}
		params = append(params, v)
	}
	return params, nil
}
