// Package backtester provides portfolio simulation for backtesting.
package backtester

import (
	"sync"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/shopspring/decimal"
)

// Portfolio manages the cash and single position of one simulation.
// Quantity is signed: positive long, negative short. Equity is always
// cash plus quantity times the last marked price.
type Portfolio struct {
	mu           sync.RWMutex
	symbol       string
	cash         decimal.Decimal
	initialCash  decimal.Decimal
	quantity     decimal.Decimal
	entryPrice   decimal.Decimal
	currentPrice decimal.Decimal
	peakEquity   decimal.Decimal
	realizedPnL  decimal.Decimal
}

// NewPortfolio creates a new portfolio
func NewPortfolio(symbol string, initialCash float64) *Portfolio {
	cash := decimal.NewFromFloat(initialCash)
	return &Portfolio{
		symbol:      symbol,
		cash:        cash,
		initialCash: cash,
		peakEquity:  cash,
	}
}

// Cash returns available cash
func (p *Portfolio) Cash() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash.InexactFloat64()
}

// Quantity returns the signed position quantity
func (p *Portfolio) Quantity() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quantity.InexactFloat64()
}

// EntryPrice returns the entry price of the open position, 0 when flat
func (p *Portfolio) EntryPrice() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entryPrice.InexactFloat64()
}

// IsFlat reports whether no position is open
func (p *Portfolio) IsFlat() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.quantity.IsZero()
}

// Direction returns the side of the open position
func (p *Portfolio) Direction() types.Direction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return types.Direction(p.quantity.Sign())
}

// Equity returns cash plus the marked value of the position
func (p *Portfolio) Equity() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calculateEquity().InexactFloat64()
}

// PeakEquity returns the highest equity marked so far
func (p *Portfolio) PeakEquity() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.peakEquity.InexactFloat64()
}

// Drawdown returns the current drawdown from peak
func (p *Portfolio) Drawdown() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.peakEquity.IsZero() {
		return 0
	}
	equity := p.calculateEquity()
	if equity.GreaterThanOrEqual(p.peakEquity) {
		return 0
	}
	return p.peakEquity.Sub(equity).Div(p.peakEquity).InexactFloat64()
}

// RealizedPnL returns the sum of closed position pnl
func (p *Portfolio) RealizedPnL() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realizedPnL.InexactFloat64()
}

// Open opens a position of the given direction and absolute quantity at
// price, charging feeRate on the notional. A long pays the notional, a short
// receives it.
func (p *Portfolio) Open(dir types.Direction, quantity, price, feeRate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	qty := decimal.NewFromFloat(quantity)
	px := decimal.NewFromFloat(price)
	notional := qty.Mul(px)
	fee := notional.Mul(decimal.NewFromFloat(feeRate))

	if dir == types.Long {
		p.cash = p.cash.Sub(notional).Sub(fee)
		p.quantity = qty
	} else {
		p.cash = p.cash.Add(notional).Sub(fee)
		p.quantity = qty.Neg()
	}
	p.entryPrice = px
	p.currentPrice = px
}

// Close closes the open position at price and returns its realized pnl:
// quantity times the price move less fees on entry and exit value.
func (p *Portfolio) Close(price, feeRate float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.quantity.IsZero() {
		return 0
	}

	px := decimal.NewFromFloat(price)
	rate := decimal.NewFromFloat(feeRate)
	absQty := p.quantity.Abs()

	entryValue := absQty.Mul(p.entryPrice)
	exitValue := absQty.Mul(px)
	exitFee := exitValue.Mul(rate)

	pnl := p.quantity.Mul(px.Sub(p.entryPrice)).Sub(entryValue.Add(exitValue).Mul(rate))

	p.cash = p.cash.Add(p.quantity.Mul(px)).Sub(exitFee)
	p.realizedPnL = p.realizedPnL.Add(pnl)
	p.quantity = decimal.Zero
	p.entryPrice = decimal.Zero
	p.currentPrice = px

	return pnl.InexactFloat64()
}

// Mark updates the position price and the equity peak
func (p *Portfolio) Mark(price float64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentPrice = decimal.NewFromFloat(price)
	equity := p.calculateEquity()
	if equity.GreaterThan(p.peakEquity) {
		p.peakEquity = equity
	}
	return equity.InexactFloat64()
}

// Position returns a snapshot of the open position
func (p *Portfolio) Position() types.Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return types.Position{
		Symbol:        p.symbol,
		Quantity:      p.quantity.InexactFloat64(),
		AvgEntryPrice: p.entryPrice.InexactFloat64(),
		CurrentPrice:  p.currentPrice.InexactFloat64(),
		UnrealizedPnL: p.quantity.Mul(p.currentPrice.Sub(p.entryPrice)).InexactFloat64(),
		RealizedPnL:   p.realizedPnL.InexactFloat64(),
	}
}

// calculateEquity calculates total equity (must hold lock)
func (p *Portfolio) calculateEquity() decimal.Decimal {
	return p.cash.Add(p.quantity.Mul(p.currentPrice))
}
