// Package backtester provides strategy viability assessment.
// A strategy is graded on risk-adjusted return, risk, consistency and, when
// available, walk-forward robustness.
package backtester

import (
	"fmt"
	"math"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// ViabilityThresholds defines the minimum requirements for a viable strategy
type ViabilityThresholds struct {
	// Core metrics
	MinSharpeRatio  float64 `json:"minSharpeRatio"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
	MinProfitFactor float64 `json:"minProfitFactor"`
	MinWinRate      float64 `json:"minWinRate"`
	MinTrades       int     `json:"minTrades"`

	// Risk metrics
	MaxVaR95        float64 `json:"maxVar95"`
	MinSortinoRatio float64 `json:"minSortinoRatio"`
	MinCalmarRatio  float64 `json:"minCalmarRatio"`

	// Per-trade expectancy in currency units
	MinAvgTrade float64 `json:"minAvgTrade"`

	// Walk-forward requirements
	MinWFConsistency float64 `json:"minWfConsistency"`
	MinWFSharpe      float64 `json:"minWfSharpe"`
}

// DefaultViabilityThresholds returns conservative default thresholds
func DefaultViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:   0.5,
		MaxDrawdown:      0.20,
		MinProfitFactor:  1.5,
		MinWinRate:       0.40,
		MinTrades:        30,
		MaxVaR95:         0.05,
		MinSortinoRatio:  0.8,
		MinCalmarRatio:   0.5,
		MinAvgTrade:      0,
		MinWFConsistency: 0.60,
		MinWFSharpe:      0.3,
	}
}

// AggressiveViabilityThresholds for higher risk tolerance
func AggressiveViabilityThresholds() *ViabilityThresholds {
	return &ViabilityThresholds{
		MinSharpeRatio:   0.3,
		MaxDrawdown:      0.30,
		MinProfitFactor:  1.2,
		MinWinRate:       0.35,
		MinTrades:        20,
		MaxVaR95:         0.08,
		MinSortinoRatio:  0.5,
		MinCalmarRatio:   0.3,
		MinAvgTrade:      0,
		MinWFConsistency: 0.50,
		MinWFSharpe:      0.2,
	}
}

// ViabilityIssue represents a specific problem with the strategy
type ViabilityIssue struct {
	Metric      string  `json:"metric"`
	Actual      float64 `json:"actual"`
	Required    float64 `json:"required"`
	Severity    string  `json:"severity"` // "critical", "warning", "info"
	Description string  `json:"description"`
	Suggestion  string  `json:"suggestion"`
}

// ViabilityReport contains the full viability assessment
type ViabilityReport struct {
	Strategy  string           `json:"strategy"`
	IsViable  bool             `json:"isViable"`
	Score     int              `json:"score"` // 0-100
	Grade     string           `json:"grade"` // A, B, C, D, F
	Issues    []ViabilityIssue `json:"issues"`
	Strengths []string         `json:"strengths"`
	Summary   string           `json:"summary"`

	ReturnScore      int `json:"returnScore"`
	RiskScore        int `json:"riskScore"`
	ConsistencyScore int `json:"consistencyScore"`
	RobustnessScore  int `json:"robustnessScore"`

	GeneratedAt time.Time `json:"generatedAt"`
}

// ViabilityChecker assesses strategy viability
type ViabilityChecker struct {
	thresholds *ViabilityThresholds
}

// NewViabilityChecker creates a new viability checker
func NewViabilityChecker(thresholds *ViabilityThresholds) *ViabilityChecker {
	if thresholds == nil {
		thresholds = DefaultViabilityThresholds()
	}
	return &ViabilityChecker{thresholds: thresholds}
}

// Check grades m; wf may be nil when no walk-forward run exists
func (vc *ViabilityChecker) Check(m *types.StrategyMetrics, wf *WalkForwardResult) *ViabilityReport {
	report := &ViabilityReport{
		Strategy:    m.StrategyName,
		Issues:      make([]ViabilityIssue, 0),
		Strengths:   make([]string, 0),
		GeneratedAt: time.Now(),
	}
	t := vc.thresholds

	if m.SharpeRatio < t.MinSharpeRatio {
		report.addIssue("Sharpe Ratio", m.SharpeRatio, t.MinSharpeRatio, severityBelow(m.SharpeRatio, 0),
			"Risk-adjusted return is below threshold",
			"Consider reducing trade frequency or improving entry signals")
	} else if m.SharpeRatio > 1.5 {
		report.Strengths = append(report.Strengths, "Excellent risk-adjusted returns (Sharpe > 1.5)")
	}

	if m.MaxDrawdown > t.MaxDrawdown {
		severity := "warning"
		if m.MaxDrawdown > 0.30 {
			severity = "critical"
		}
		report.addIssue("Max Drawdown", m.MaxDrawdown, t.MaxDrawdown, severity,
			"Maximum drawdown exceeds acceptable level",
			"Consider tighter stop losses or smaller position sizes")
	} else if m.MaxDrawdown < 0.10 {
		report.Strengths = append(report.Strengths, "Low drawdown risk (< 10%)")
	}

	if m.ProfitFactor < t.MinProfitFactor {
		report.addIssue("Profit Factor", m.ProfitFactor, t.MinProfitFactor, severityBelow(m.ProfitFactor, 1),
			"Profit factor is below threshold",
			"Focus on improving win size or reducing loss size")
	} else if m.ProfitFactor > 2.0 {
		report.Strengths = append(report.Strengths, "Strong profit factor (> 2.0)")
	}

	if m.WinRate < t.MinWinRate {
		report.addIssue("Win Rate", m.WinRate, t.MinWinRate, severityBelow(m.WinRate, 0.30),
			"Win rate is below threshold",
			"Consider stricter entry criteria or better market filtering")
	} else if m.WinRate > 0.60 {
		report.Strengths = append(report.Strengths, "High win rate (> 60%)")
	}

	if m.TotalTrades < t.MinTrades {
		report.addIssue("Trade Count", float64(m.TotalTrades), float64(t.MinTrades), "warning",
			"Insufficient trades for statistical significance",
			"Extend the test period or reduce filter strictness")
	}

	if m.VaR95 > t.MaxVaR95 {
		report.addIssue("VaR 95%", m.VaR95, t.MaxVaR95, "warning",
			"Daily Value at Risk exceeds acceptable level",
			"Reduce position sizes or use tighter stops")
	}

	if m.SortinoRatio < t.MinSortinoRatio {
		report.addIssue("Sortino Ratio", m.SortinoRatio, t.MinSortinoRatio, "info",
			"Downside risk-adjusted return could be better",
			"Focus on reducing losing trade sizes")
	} else if m.SortinoRatio > 2.0 {
		report.Strengths = append(report.Strengths, "Excellent downside protection (Sortino > 2.0)")
	}

	if m.MaxDrawdown > 0 && m.CalmarRatio < t.MinCalmarRatio {
		report.addIssue("Calmar Ratio", m.CalmarRatio, t.MinCalmarRatio, "info",
			"Return relative to drawdown could be better",
			"Improve returns or reduce maximum drawdown")
	}

	if m.TotalTrades > 0 && m.AvgTrade <= t.MinAvgTrade {
		report.addIssue("Average Trade", m.AvgTrade, t.MinAvgTrade, severityBelow(m.AvgTrade, 0),
			"Expected value per trade is too low or negative",
			"Strategy needs fundamental improvement")
	}

	if wf != nil && len(wf.Windows) > 0 {
		if wf.Consistency < t.MinWFConsistency {
			report.addIssue("Walk-Forward Consistency", wf.Consistency, t.MinWFConsistency, "warning",
				"Strategy is inconsistent across different time periods",
				"Strategy may be overfit to specific market conditions")
		} else {
			report.Strengths = append(report.Strengths, "Consistent out-of-sample performance")
		}
		if wf.AvgOutSampleSR < t.MinWFSharpe {
			report.addIssue("Walk-Forward Sharpe", wf.AvgOutSampleSR, t.MinWFSharpe, "warning",
				"Out-of-sample Sharpe ratio is low",
				"Out-of-sample behaviour is weaker than the full-period test suggests")
		}
	}

	report.ReturnScore = returnScore(m)
	report.RiskScore = riskScore(m)
	report.ConsistencyScore = consistencyScore(m)
	report.RobustnessScore = robustnessScore(wf)

	report.Score = (report.ReturnScore*30 + report.RiskScore*30 +
		report.ConsistencyScore*20 + report.RobustnessScore*20) / 100
	report.Grade = scoreToGrade(report.Score)
	report.IsViable = report.criticalCount() == 0 && report.Score >= 60
	report.Summary = report.summary()

	return report
}

func (r *ViabilityReport) addIssue(metric string, actual, required float64, severity, description, suggestion string) {
	r.Issues = append(r.Issues, ViabilityIssue{
		Metric:      metric,
		Actual:      actual,
		Required:    required,
		Severity:    severity,
		Description: description,
		Suggestion:  suggestion,
	})
}

// severityBelow is critical when v falls under the hard floor
func severityBelow(v, floor float64) string {
	if v < floor {
		return "critical"
	}
	return "warning"
}

func returnScore(m *types.StrategyMetrics) int {
	score := 50
	if m.SharpeRatio > 0 {
		score += int(math.Min(30, m.SharpeRatio*20))
	} else {
		score -= 20
	}
	if m.SortinoRatio > 0 {
		score += int(math.Min(20, m.SortinoRatio*10))
	}
	return clampInt(score, 0, 100)
}

func riskScore(m *types.StrategyMetrics) int {
	score := 100
	score -= int(m.MaxDrawdown * 200)
	score -= int(m.VaR95 * 300)
	return clampInt(score, 0, 100)
}

func consistencyScore(m *types.StrategyMetrics) int {
	score := int(m.WinRate * 60)
	if m.ProfitFactor > 1 {
		score += int(math.Min(40, (m.ProfitFactor-1)*20))
	}
	switch {
	case m.TotalTrades >= 100:
		score += 20
	case m.TotalTrades >= 50:
		score += 15
	case m.TotalTrades >= 30:
		score += 10
	}
	return clampInt(score, 0, 100)
}

// robustnessScore is neutral without walk-forward data
func robustnessScore(wf *WalkForwardResult) int {
	if wf == nil || len(wf.Windows) == 0 {
		return 50
	}
	return int(wf.Consistency * 100)
}

func scoreToGrade(score int) string {
	switch {
	case score >= 90:
		return "A"
	case score >= 80:
		return "B"
	case score >= 70:
		return "C"
	case score >= 60:
		return "D"
	default:
		return "F"
	}
}

func (r *ViabilityReport) criticalCount() int {
	n := 0
	for _, issue := range r.Issues {
		if issue.Severity == "critical" {
			n++
		}
	}
	return n
}

func (r *ViabilityReport) summary() string {
	if !r.IsViable {
		if n := r.criticalCount(); n > 0 {
			return fmt.Sprintf("Strategy is NOT viable. Found %d critical issues that must be addressed.", n)
		}
		return "Strategy does not meet minimum viability requirements. Consider fundamental changes."
	}

	switch r.Grade {
	case "A":
		return "Excellent strategy with strong risk-adjusted returns and consistency."
	case "B":
		return "Good strategy with acceptable metrics. Confirm with walk-forward runs before relying on it."
	case "C":
		return "Adequate strategy but monitor closely. Address warnings first."
	default:
		return "Marginally viable strategy. Significant improvements recommended."
	}
}

func clampInt(value, minVal, maxVal int) int {
	if value < minVal {
		return minVal
	}
	if value > maxVal {
		return maxVal
	}
	return value
}
