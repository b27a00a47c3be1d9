// Package data provides bar validation, loading and storage.
// The validator guards every simulation: a non-chronological series is a
// look-ahead risk and aborts the test, everything else is advisory.
package data

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// Issue types reported by the validator
const (
	IssueNoData           = "NO_DATA"
	IssueOutOfOrder       = "OUT_OF_ORDER"
	IssueNonPositivePrice = "NON_POSITIVE_PRICE"
	IssueExtremePrice     = "EXTREME_PRICE"
	IssueMissingDate      = "MISSING_DATE"
	IssueGap              = "GAP_DETECTED"
	IssueOHLCInconsistent = "OHLC_INCONSISTENT"
	IssueExtremeRange     = "EXTREME_RANGE"
)

var (
	// ErrNoData is returned for an empty bar sequence
	ErrNoData = errors.New("no data provided")
	// ErrNotChronological is returned when dates are not strictly increasing
	ErrNotChronological = errors.New("bars are not in strictly increasing date order")
	// ErrOHLCViolation is returned for OHLC violations when StrictOHLC is set
	ErrOHLCViolation = errors.New("OHLC relationship violated")
)

// FatalDataError aborts a strategy test before any simulation runs
type FatalDataError struct {
	Index int
	Date  int
	Err   error
}

func (e *FatalDataError) Error() string {
	return fmt.Sprintf("fatal data error at bar %d (date %d): %v", e.Index, e.Date, e.Err)
}

func (e *FatalDataError) Unwrap() error { return e.Err }

// Validator checks bar sequences for chronology, integrity and OHLC consistency
type Validator struct {
	logger *zap.Logger

	PriceCeiling     float64 // prices above this are flagged
	MaxGapDays       int     // calendar-day gap that gets flagged
	MaxIntradayRange float64 // e.g. 0.8 for 80%
	StrictOHLC       bool    // treat OHLC violations as fatal
}

// DataIssue represents a single validation finding
type DataIssue struct {
	Type     string  `json:"type"`
	Severity string  `json:"severity"` // "critical", "high", "medium", "low"
	Date     int     `json:"date"`
	BarIndex int     `json:"barIndex"`
	Message  string  `json:"message"`
	Value    float64 `json:"value,omitempty"`
}

// ValidationReport summarizes a validation run
type ValidationReport struct {
	Symbol       string      `json:"symbol"`
	TotalBars    int         `json:"totalBars"`
	Issues       []DataIssue `json:"issues"`
	QualityScore int         `json:"qualityScore"` // 0-100
	IsUsable     bool        `json:"isUsable"`

	ChronologyErrors int `json:"chronologyErrors"`
	IntegrityIssues  int `json:"integrityIssues"`
	GapCount         int `json:"gapCount"`
	OHLCErrors       int `json:"ohlcErrors"`
	AnomalyCount     int `json:"anomalyCount"`

	StartDate int `json:"startDate"`
	EndDate   int `json:"endDate"`

	Recommendations []string `json:"recommendations"`
}

// Warnings returns the number of advisory findings
func (r *ValidationReport) Warnings() int {
	return len(r.Issues) - r.ChronologyErrors
}

// NewValidator creates a validator with the default thresholds
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{
		logger:           logger,
		PriceCeiling:     1e8,
		MaxGapDays:       5,
		MaxIntradayRange: 0.8,
	}
}

// Validate runs the chronological, integrity and OHLC passes. All three passes
// always run; a chronology failure is returned as a *FatalDataError together
// with the full report.
func (v *Validator) Validate(bars []types.Bar, symbol string) (*ValidationReport, error) {
	if len(bars) == 0 {
		return &ValidationReport{
			Symbol:          symbol,
			Issues:          []DataIssue{{Type: IssueNoData, Severity: "critical", Message: "No data provided"}},
			Recommendations: []string{"Provide a non-empty bar series"},
		}, ErrNoData
	}

	report := &ValidationReport{
		Symbol:    symbol,
		TotalBars: len(bars),
		StartDate: bars[0].Date,
		EndDate:   bars[len(bars)-1].Date,
	}

	chrono, fatal := v.checkChronology(bars)
	report.Issues = append(report.Issues, chrono...)
	report.ChronologyErrors = len(chrono)

	integrity := v.checkIntegrity(bars)
	report.Issues = append(report.Issues, integrity...)

	ohlc := v.checkOHLC(bars)
	report.Issues = append(report.Issues, ohlc...)

	for _, issue := range report.Issues {
		switch issue.Type {
		case IssueNonPositivePrice, IssueExtremePrice, IssueMissingDate:
			report.IntegrityIssues++
		case IssueGap:
			report.GapCount++
		case IssueOHLCInconsistent:
			report.OHLCErrors++
		case IssueExtremeRange:
			report.AnomalyCount++
		}
	}

	report.QualityScore = qualityScore(len(bars), report.Issues)
	report.IsUsable = fatal == nil && !hasCritical(report.Issues)
	report.Recommendations = recommendations(report)

	if fatal != nil {
		v.logger.Error("Data failed chronological check",
			zap.String("symbol", symbol),
			zap.Int("index", fatal.Index),
			zap.Int("date", fatal.Date),
		)
		return report, fatal
	}

	if v.StrictOHLC && report.OHLCErrors > 0 {
		return report, fmt.Errorf("%w: %d bars", ErrOHLCViolation, report.OHLCErrors)
	}

	if len(report.Issues) > 0 {
		v.logger.Debug("Data validation findings",
			zap.String("symbol", symbol),
			zap.Int("issues", len(report.Issues)),
			zap.Int("quality_score", report.QualityScore),
		)
	}

	return report, nil
}

// checkChronology requires strictly increasing dates
func (v *Validator) checkChronology(bars []types.Bar) ([]DataIssue, *FatalDataError) {
	var issues []DataIssue
	var fatal *FatalDataError

	for i := 1; i < len(bars); i++ {
		if bars[i].Date > bars[i-1].Date {
			continue
		}
		msg := "Date does not increase"
		if bars[i].Date == bars[i-1].Date {
			msg = "Duplicate date"
		}
		issues = append(issues, DataIssue{
			Type:     IssueOutOfOrder,
			Severity: "critical",
			Date:     bars[i].Date,
			BarIndex: i,
			Message:  fmt.Sprintf("%s (previous %d)", msg, bars[i-1].Date),
		})
		if fatal == nil {
			fatal = &FatalDataError{Index: i, Date: bars[i].Date, Err: ErrNotChronological}
		}
	}

	return issues, fatal
}

// checkIntegrity flags non-positive or implausible prices, missing dates and gaps
func (v *Validator) checkIntegrity(bars []types.Bar) []DataIssue {
	var issues []DataIssue

	for i, bar := range bars {
		if bar.Date == 0 {
			issues = append(issues, DataIssue{
				Type:     IssueMissingDate,
				Severity: "medium",
				BarIndex: i,
				Message:  "Bar has no date",
			})
		}

		minPrice := math.Min(math.Min(bar.Open, bar.High), math.Min(bar.Low, bar.Close))
		maxPrice := math.Max(math.Max(bar.Open, bar.High), math.Max(bar.Low, bar.Close))

		if minPrice <= 0 {
			issues = append(issues, DataIssue{
				Type:     IssueNonPositivePrice,
				Severity: "high",
				Date:     bar.Date,
				BarIndex: i,
				Message:  "Non-positive price",
				Value:    minPrice,
			})
		}

		if maxPrice > v.PriceCeiling {
			issues = append(issues, DataIssue{
				Type:     IssueExtremePrice,
				Severity: "medium",
				Date:     bar.Date,
				BarIndex: i,
				Message:  "Price above plausible ceiling",
				Value:    maxPrice,
			})
		}

		if i > 0 && bar.Date != 0 && bars[i-1].Date != 0 {
			gap := dateGapDays(bars[i-1].Date, bar.Date)
			if gap > v.MaxGapDays {
				issues = append(issues, DataIssue{
					Type:     IssueGap,
					Severity: "low",
					Date:     bar.Date,
					BarIndex: i,
					Message:  fmt.Sprintf("Gap of %d days since %d", gap, bars[i-1].Date),
					Value:    float64(gap),
				})
			}
		}
	}

	return issues
}

// checkOHLC verifies High/Low bracket Open/Close and flags extreme ranges
func (v *Validator) checkOHLC(bars []types.Bar) []DataIssue {
	var issues []DataIssue

	for i, bar := range bars {
		if bar.High < bar.Open || bar.High < bar.Close || bar.High < bar.Low {
			issues = append(issues, DataIssue{
				Type:     IssueOHLCInconsistent,
				Severity: "high",
				Date:     bar.Date,
				BarIndex: i,
				Message:  fmt.Sprintf("High is not the highest price (O:%g H:%g L:%g C:%g)", bar.Open, bar.High, bar.Low, bar.Close),
			})
		}

		if bar.Low > bar.Open || bar.Low > bar.Close || bar.Low > bar.High {
			issues = append(issues, DataIssue{
				Type:     IssueOHLCInconsistent,
				Severity: "high",
				Date:     bar.Date,
				BarIndex: i,
				Message:  fmt.Sprintf("Low is not the lowest price (O:%g H:%g L:%g C:%g)", bar.Open, bar.High, bar.Low, bar.Close),
			})
		}

		if bar.Open > 0 && bar.Low > 0 {
			bodyMove := math.Abs(bar.Open-bar.Close) / bar.Open
			rangeMove := (bar.High - bar.Low) / bar.Low
			move := math.Max(bodyMove, rangeMove)
			if move > v.MaxIntradayRange {
				issues = append(issues, DataIssue{
					Type:     IssueExtremeRange,
					Severity: "medium",
					Date:     bar.Date,
					BarIndex: i,
					Message:  fmt.Sprintf("Extreme intraday range: %.2f%%", move*100),
					Value:    move,
				})
			}
		}
	}

	return issues
}

// dateGapDays returns calendar days between two YYYYMMDD dates, falling back
// to the raw integer difference for values that are not calendar dates.
func dateGapDays(prev, cur int) int {
	p, errP := parseDate(prev)
	c, errC := parseDate(cur)
	if errP != nil || errC != nil {
		return cur - prev
	}
	return int(c.Sub(p).Hours() / 24)
}

func parseDate(d int) (time.Time, error) {
	return time.Parse("20060102", strconv.Itoa(d))
}

// qualityScore returns a 0-100 score weighted by severity
func qualityScore(totalBars int, issues []DataIssue) int {
	if totalBars == 0 {
		return 0
	}

	penalty := 0.0
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			penalty += 10.0
		case "high":
			penalty += 5.0
		case "medium":
			penalty += 2.0
		case "low":
			penalty += 0.5
		}
	}

	normalized := penalty / math.Max(1, float64(totalBars)/100) * 10
	score := 100.0 - math.Min(normalized, 100)
	return int(math.Max(0, math.Min(100, score)))
}

func hasCritical(issues []DataIssue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}

func recommendations(r *ValidationReport) []string {
	var recs []string

	if r.ChronologyErrors > 0 {
		recs = append(recs, "Sort and de-duplicate bars by date at the source; the series cannot be simulated")
	}
	if r.IntegrityIssues > 0 {
		recs = append(recs, "Verify price integrity at the data source")
	}
	if r.GapCount > 0 {
		recs = append(recs, "Large date gaps present - confirm the series covers the intended sessions")
	}
	if r.OHLCErrors > 0 {
		recs = append(recs, "OHLC inconsistencies detected - verify data source integrity")
	}
	if r.AnomalyCount > r.TotalBars/100 {
		recs = append(recs, "Many extreme ranges detected - consider filtering outliers")
	}
	if len(recs) == 0 {
		recs = append(recs, "Data quality is acceptable for backtesting")
	}

	return recs
}
