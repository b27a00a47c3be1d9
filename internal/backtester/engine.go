// Package backtester provides the bar-driven simulation engine.
package backtester

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/atlas-desktop/strategy-lab/internal/strategy"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// ErrNoBars is returned when a simulation is started without data
var ErrNoBars = errors.New("no bars to simulate")

// RunConfig configures a single simulation
type RunConfig struct {
	Symbol         string
	InitialCapital float64
	FeeRate        float64           // <= 0 uses the strategy's own fee
	Risk           *types.RiskConfig // nil uses the strategy's own bundle
}

// Snapshot is the portfolio state after a bar has been processed
type Snapshot struct {
	Date        int     `json:"date"`
	Cash        float64 `json:"cash"`
	Quantity    float64 `json:"quantity"`
	Price       float64 `json:"price"`
	Equity      float64 `json:"equity"`
	Drawdown    float64 `json:"drawdown"`
	MaxDrawdown float64 `json:"maxDrawdown"`
}

// Episode is one position from entry to exit
type Episode struct {
	Direction  types.Direction `json:"direction"`
	EntryIndex int             `json:"entryIndex"`
	ExitIndex  int             `json:"exitIndex"`
	HoldBars   int             `json:"holdBars"`
	EntryPrice float64         `json:"entryPrice"`
	ExitPrice  float64         `json:"exitPrice"`
	Quantity   float64         `json:"quantity"`
	PnL        float64         `json:"pnl"`
	MAE        float64         `json:"mae"` // worst adverse move as a fraction of entry
	MFE        float64         `json:"mfe"` // best favorable move as a fraction of entry
	Reason     ExitReason      `json:"reason"`
}

// Result holds everything a simulation produced
type Result struct {
	Strategy        string        `json:"strategy"`
	Symbol          string        `json:"symbol"`
	InitialCapital  float64       `json:"initialCapital"`
	FinalCash       float64       `json:"finalCash"`
	FinalEquity     float64       `json:"finalEquity"`
	Trades          []types.Trade `json:"trades"`
	Snapshots       []Snapshot    `json:"snapshots"`
	EquityCurve     []float64     `json:"equityCurve"` // initial capital first, then one point per bar
	Returns         []float64     `json:"returns"`
	Episodes        []Episode     `json:"episodes"`
	BreakerBlocks   int           `json:"breakerBlocks"`   // entries refused by the breaker
	RecoveryEntries int           `json:"recoveryEntries"` // entries sized at the recovery risk
}

// ExitPnLs returns the realized pnl of every exit trade
func (r *Result) ExitPnLs() []float64 {
	pnls := make([]float64, 0, len(r.Episodes))
	for _, t := range r.Trades {
		if t.IsExit() {
			pnls = append(pnls, t.PnL)
		}
	}
	return pnls
}

// Engine runs strategies bar by bar against a single symbol
type Engine struct {
	logger *zap.Logger
}

// NewEngine creates a new simulation engine
func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// run holds the mutable state of one simulation
type run struct {
	cfg       RunConfig
	fee       float64
	strat     strategy.Strategy
	exits     strategy.ExitPolicy
	policy    *RiskPolicy
	portfolio *Portfolio
	result    *Result

	latch    types.Direction
	stops    Stops
	episode  *Episode
	closes   []float64
	exitPnLs []float64
	maxDD    float64
}

// Run simulates strat over bars. Per bar the order is: feed the strategy,
// check risk exits on an open position, act on a change of desired direction,
// then mark to market. Any position left open at the end is closed at the
// last close.
func (e *Engine) Run(ctx context.Context, strat strategy.Strategy, bars []types.Bar, cfg RunConfig) (*Result, error) {
	if len(bars) == 0 {
		return nil, ErrNoBars
	}
	if cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %v", cfg.InitialCapital)
	}

	risk := strat.RiskConfig()
	if cfg.Risk != nil {
		risk = *cfg.Risk
	}
	fee := cfg.FeeRate
	if fee <= 0 {
		fee = strat.Fee()
	}

	r := &run{
		cfg:       cfg,
		fee:       fee,
		strat:     strat,
		policy:    NewRiskPolicy(risk),
		portfolio: NewPortfolio(cfg.Symbol, cfg.InitialCapital),
		closes:    make([]float64, 0, len(bars)),
		result: &Result{
			Strategy:       strat.Name(),
			Symbol:         cfg.Symbol,
			InitialCapital: cfg.InitialCapital,
			Snapshots:      make([]Snapshot, 0, len(bars)),
			EquityCurve:    make([]float64, 0, len(bars)+1),
		},
	}
	if ep, ok := strat.(strategy.ExitPolicy); ok {
		r.exits = ep
	}
	r.result.EquityCurve = append(r.result.EquityCurve, cfg.InitialCapital)

	e.logger.Debug("Starting backtest",
		zap.String("strategy", strat.Name()),
		zap.String("symbol", cfg.Symbol),
		zap.Int("bars", len(bars)),
		zap.Float64("fee", fee),
	)

	strat.OnStart()
	for i, bar := range bars {
		if i%256 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		r.step(i, bar)
	}

	last := len(bars) - 1
	if !r.portfolio.IsFlat() {
		price := bars[last].Close
		if price <= 0 {
			price = r.portfolio.EntryPrice()
		}
		r.closePosition(last, bars[last], price, ExitEndOfData)
		r.remark(last, bars[last], price)
	}
	strat.OnFinish()

	res := r.result
	res.FinalCash = r.portfolio.Cash()
	res.FinalEquity = r.portfolio.Equity()
	res.Returns = Returns(res.EquityCurve)

	e.logger.Debug("Backtest complete",
		zap.String("strategy", strat.Name()),
		zap.Int("trades", len(res.Trades)),
		zap.Float64("finalEquity", res.FinalEquity),
		zap.Int("breakerBlocks", res.BreakerBlocks),
		zap.Int("recoveryEntries", res.RecoveryEntries),
	)

	return res, nil
}

func (r *run) step(i int, bar types.Bar) {
	price := bar.Close
	r.closes = append(r.closes, price)

	r.strat.OnBar(bar)
	desired := r.strat.DesiredDirection()

	if !r.portfolio.IsFlat() {
		r.trackExcursion(price)
		if reason := r.checkExit(bar); reason != ExitNone {
			// the latch is kept so a stopped-out position is not reopened
			// until the strategy changes its mind
			r.closePosition(i, bar, price, reason)
			r.mark(i, bar, price)
			return
		}
	}

	if desired != r.latch {
		if !r.portfolio.IsFlat() {
			r.closePosition(i, bar, price, ExitSignal)
		}
		r.latch = desired
		if desired != types.Flat && !r.openPosition(i, bar, price, desired) {
			r.latch = types.Flat
		}
	}

	r.mark(i, bar, price)
}

// checkExit consults the strategy's own exit policy when it has one,
// otherwise the risk stops. A trailing stop that is not breached ratchets.
func (r *run) checkExit(bar types.Bar) ExitReason {
	price := bar.Close
	dir := r.portfolio.Direction()

	if r.exits != nil && r.exits.ShouldExit(bar, r.portfolio.Position()) {
		return ExitStrategy
	}

	reason := r.policy.CheckExit(price, dir, r.stops)
	if reason == ExitNone {
		r.stops.TrailingStop = r.policy.UpdateTrailingStop(r.stops.TrailingStop, price, dir)
	}
	return reason
}

// openPosition sizes and opens a position; false when the entry was refused.
func (r *run) openPosition(i int, bar types.Bar, price float64, dir types.Direction) bool {
	if price <= 0 {
		return false
	}

	state := SessionState{
		PortfolioValue: r.portfolio.Mark(price),
		PeakEquity:     r.portfolio.PeakEquity(),
		Closes:         r.closes,
		ExitPnLs:       r.exitPnLs,
	}
	if !r.policy.AllowsEntry(state) {
		r.result.BreakerBlocks++
		return false
	}

	size := r.policy.PositionSize(state)
	quantity := size / price
	if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return false
	}
	if r.policy.InRecoveryMode(state) && r.policy.Config().RecoveryModeRisk > 0 {
		r.result.RecoveryEntries++
	}

	r.portfolio.Open(dir, quantity, price, r.fee)

	if r.exits != nil {
		r.stops.StopLoss = r.exits.StopLoss(bar, price, dir)
		r.stops.TakeProfit = r.exits.TakeProfit(bar, price, dir)
	} else {
		r.stops.StopLoss, r.stops.TakeProfit = r.policy.StopLevels(price, dir, r.closes)
	}
	r.stops.TrailingStop = r.policy.InitialTrailingStop(price, dir)

	side := types.TradeSideBuy
	if dir == types.Short {
		side = types.TradeSideSell
	}
	r.result.Trades = append(r.result.Trades, types.Trade{
		Date:     bar.Date,
		BarIndex: i,
		Side:     side,
		Kind:     types.TradeKindEntry,
		Price:    price,
		Quantity: quantity,
		Symbol:   r.cfg.Symbol,
	})
	r.episode = &Episode{
		Direction:  dir,
		EntryIndex: i,
		EntryPrice: price,
		Quantity:   quantity,
	}
	return true
}

func (r *run) closePosition(i int, bar types.Bar, price float64, reason ExitReason) {
	dir := r.portfolio.Direction()
	quantity := math.Abs(r.portfolio.Quantity())
	pnl := r.portfolio.Close(price, r.fee)
	r.exitPnLs = append(r.exitPnLs, pnl)

	side := types.TradeSideSell
	if dir == types.Short {
		side = types.TradeSideBuy
	}
	r.result.Trades = append(r.result.Trades, types.Trade{
		Date:     bar.Date,
		BarIndex: i,
		Side:     side,
		Kind:     types.TradeKindExit,
		Price:    price,
		Quantity: quantity,
		PnL:      pnl,
		Symbol:   r.cfg.Symbol,
	})

	if r.episode != nil {
		ep := *r.episode
		ep.ExitIndex = i
		ep.HoldBars = i - ep.EntryIndex
		ep.ExitPrice = price
		ep.PnL = pnl
		ep.Reason = reason
		r.result.Episodes = append(r.result.Episodes, ep)
		r.episode = nil
	}
	r.stops = Stops{}
}

// trackExcursion records the adverse and favorable extremes of the open episode
func (r *run) trackExcursion(price float64) {
	if r.episode == nil || r.episode.EntryPrice <= 0 {
		return
	}
	move := float64(r.episode.Direction) * (price - r.episode.EntryPrice) / r.episode.EntryPrice
	if -move > r.episode.MAE {
		r.episode.MAE = -move
	}
	if move > r.episode.MFE {
		r.episode.MFE = move
	}
}

func (r *run) mark(i int, bar types.Bar, price float64) {
	equity := r.portfolio.Mark(price)
	dd := r.portfolio.Drawdown()
	if dd > r.maxDD {
		r.maxDD = dd
	}

	r.result.Snapshots = append(r.result.Snapshots, Snapshot{
		Date:        bar.Date,
		Cash:        r.portfolio.Cash(),
		Quantity:    r.portfolio.Quantity(),
		Price:       price,
		Equity:      equity,
		Drawdown:    dd,
		MaxDrawdown: r.maxDD,
	})
	r.result.EquityCurve = append(r.result.EquityCurve, equity)
}

// remark replaces the final point after the end-of-data close
func (r *run) remark(i int, bar types.Bar, price float64) {
	r.result.Snapshots = r.result.Snapshots[:len(r.result.Snapshots)-1]
	r.result.EquityCurve = r.result.EquityCurve[:len(r.result.EquityCurve)-1]
	r.mark(i, bar, price)
}
