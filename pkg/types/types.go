// Package types provides shared type definitions for the strategy lab.
package types

import "time"

// Direction is the desired or held directional state of a strategy
type Direction int

const (
	Short Direction = -1
	Flat  Direction = 0
	Long  Direction = 1
)

// String returns a human readable direction
func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "flat"
	}
}

// TradeSide represents buy or sell
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// TradeKind marks whether a trade opened or closed a position
type TradeKind string

const (
	TradeKindEntry TradeKind = "entry"
	TradeKindExit  TradeKind = "exit"
)

// Bar represents a single daily OHLCV observation
type Bar struct {
	Date   int     `json:"date"` // YYYYMMDD, 0 if unknown
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Closes extracts the close prices of a bar sequence
func Closes(bars []Bar) []float64 {
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	return closes
}

// Trade represents an executed simulated trade
type Trade struct {
	Date     int       `json:"date"`
	BarIndex int       `json:"barIndex"`
	Side     TradeSide `json:"side"`
	Kind     TradeKind `json:"kind"`
	Price    float64   `json:"price"`
	Quantity float64   `json:"quantity"`
	PnL      float64   `json:"pnl"` // set on exits only
	Symbol   string    `json:"symbol"`
}

// IsExit reports whether the trade closed a position
func (t Trade) IsExit() bool {
	return t.Kind == TradeKindExit
}

// Position represents the single live position of a run
type Position struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"` // >0 long, <0 short
	AvgEntryPrice float64 `json:"avgEntryPrice"`
	CurrentPrice  float64 `json:"currentPrice"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	RealizedPnL   float64 `json:"realizedPnl"`
}

// IsFlat reports whether the position holds no quantity
func (p Position) IsFlat() bool {
	return p.Quantity == 0
}

// Direction returns the side of the position
func (p Position) Direction() Direction {
	switch {
	case p.Quantity > 0:
		return Long
	case p.Quantity < 0:
		return Short
	default:
		return Flat
	}
}

// StrategyMetrics is the output record of one completed strategy test
type StrategyMetrics struct {
	StrategyName          string    `json:"strategyName"`
	Symbol                string    `json:"symbol"`
	Parameters            []float64 `json:"parameters"`
	TotalReturn           float64   `json:"totalReturn"`
	SharpeRatio           float64   `json:"sharpeRatio"`
	SortinoRatio          float64   `json:"sortinoRatio"`
	CalmarRatio           float64   `json:"calmarRatio"`
	MaxDrawdown           float64   `json:"maxDrawdown"`
	WinRate               float64   `json:"winRate"`
	ProfitFactor          float64   `json:"profitFactor"`
	AvgTrade              float64   `json:"avgTrade"`
	TotalTrades           int       `json:"totalTrades"`
	VaR95                 float64   `json:"var95"`
	ExpectedShortfall     float64   `json:"expectedShortfall"`
	AvgHoldPeriod         float64   `json:"avgHoldPeriod"` // bars
	MaxAdverseExcursion   float64   `json:"maxAdverseExcursion"`
	MaxFavorableExcursion float64   `json:"maxFavorableExcursion"`
	CompositeScore        float64   `json:"compositeScore"`
	DataWarnings          int       `json:"dataWarnings"`
	TestedAt              time.Time `json:"testedAt"`

	// Untested marks the empty result of a strategy that could not be
	// created. Such results are reported but never saved.
	Untested bool `json:"untested,omitempty"`

	// Raw bars the test ran on, retained for later bias checks
	MarketData []Bar `json:"-"`
}

// ComputeCompositeScore derives the ranking score from the other metrics
func (m *StrategyMetrics) ComputeCompositeScore() float64 {
	sharpeComponent := minf(m.SharpeRatio/2.0, 1.0)
	drawdownComponent := maxf(0, 1.0-m.MaxDrawdown)
	returnComponent := minf(m.TotalReturn/0.5, 1.0)
	tradeComponent := minf(float64(m.TotalTrades)/50.0, 1.0)

	m.CompositeScore = 0.4*sharpeComponent +
		0.3*drawdownComponent +
		0.2*returnComponent +
		0.1*tradeComponent
	return m.CompositeScore
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
