package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// TopCount is how many strategies the summary lists
const TopCount = 5

// Summary holds the aggregate figures of a set of results
type Summary struct {
	Total         int
	Profitable    int
	TotalTrades   int
	AvgReturn     float64
	AvgSharpe     float64
	AvgScore      float64
	AvgDrawdown   float64
	WorstDrawdown float64
	Best          *types.StrategyMetrics
	Top           []*types.StrategyMetrics
}

// Summarize computes the aggregate figures. Input order is left unchanged.
func Summarize(strategies []*types.StrategyMetrics) Summary {
	s := Summary{Total: len(strategies)}
	if len(strategies) == 0 {
		return s
	}

	for _, m := range strategies {
		s.AvgReturn += m.TotalReturn
		s.AvgSharpe += m.SharpeRatio
		s.AvgScore += m.CompositeScore
		s.AvgDrawdown += m.MaxDrawdown
		s.TotalTrades += m.TotalTrades
		if m.TotalReturn > 0 {
			s.Profitable++
		}
		if m.MaxDrawdown > s.WorstDrawdown {
			s.WorstDrawdown = m.MaxDrawdown
		}
	}
	n := float64(len(strategies))
	s.AvgReturn /= n
	s.AvgSharpe /= n
	s.AvgScore /= n
	s.AvgDrawdown /= n

	ranked := append([]*types.StrategyMetrics(nil), strategies...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CompositeScore > ranked[j].CompositeScore
	})
	s.Best = ranked[0]
	s.Top = ranked[:min(TopCount, len(ranked))]
	return s
}

// WriteSummary renders a text performance report
func WriteSummary(w io.Writer, strategies []*types.StrategyMetrics) error {
	s := Summarize(strategies)

	var sb strings.Builder
	sb.WriteString("STRATEGY PERFORMANCE REPORT\n")
	sb.WriteString("===========================\n\n")
	sb.WriteString("Summary Statistics:\n")
	fmt.Fprintf(&sb, "- Total Strategies: %d\n", s.Total)
	if s.Total > 0 {
		fmt.Fprintf(&sb, "- Profitable: %d (%.1f%%)\n", s.Profitable, 100*float64(s.Profitable)/float64(s.Total))
		fmt.Fprintf(&sb, "- Average Return: %.2f%%\n", s.AvgReturn*100)
		fmt.Fprintf(&sb, "- Average Sharpe: %.3f\n", s.AvgSharpe)
		fmt.Fprintf(&sb, "- Average Score: %.4f\n", s.AvgScore)
		fmt.Fprintf(&sb, "- Average Max Drawdown: %.2f%%\n", s.AvgDrawdown*100)
		fmt.Fprintf(&sb, "- Worst Max Drawdown: %.2f%%\n", s.WorstDrawdown*100)
		fmt.Fprintf(&sb, "- Total Trades: %d\n", s.TotalTrades)
	}
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}

	if len(s.Top) == 0 {
		return nil
	}

	if _, err := fmt.Fprintf(w, "\nTop %d Strategies:\n", len(s.Top)); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tStrategy\tParameters\tReturn\tSharpe\tMaxDD\tTrades\tScore")
	for i, m := range s.Top {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f%%\t%.3f\t%.2f%%\t%d\t%.4f\n",
			i+1,
			m.StrategyName,
			formatParameters(m.Parameters),
			m.TotalReturn*100,
			m.SharpeRatio,
			m.MaxDrawdown*100,
			m.TotalTrades,
			m.CompositeScore,
		)
	}
	return tw.Flush()
}
