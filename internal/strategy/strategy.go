// Package strategy provides the signal strategies driven by the backtester.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

var (
	// ErrUnknownStrategy is returned for a strategy name with no registered factory
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrInvalidParameters is returned for a malformed parameter vector
	ErrInvalidParameters = errors.New("invalid strategy parameters")
)

// Strategy is the interface all signal strategies must implement.
// The engine calls OnStart once, then OnBar followed by DesiredDirection for
// every bar, then OnFinish.
type Strategy interface {
	Name() string
	Description() string
	Parameters() []float64
	Fee() float64
	RiskConfig() types.RiskConfig
	OnStart()
	OnBar(bar types.Bar)
	DesiredDirection() types.Direction
	OnFinish()
}

// ExitPolicy is implemented by strategies that manage their own exits.
// When present the engine consults it instead of the risk policy stops.
// A stop or target of 0 is left unset.
type ExitPolicy interface {
	ShouldExit(bar types.Bar, pos types.Position) bool
	StopLoss(bar types.Bar, entryPrice float64, dir types.Direction) float64
	TakeProfit(bar types.Bar, entryPrice float64, dir types.Direction) float64
}

// StrategyParameter describes one slot of a strategy's parameter vector.
type StrategyParameter struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Integer     bool    `json:"integer"`
	Default     float64 `json:"default"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
}

// definition ties a strategy name to its parameter layout and constructor.
type definition struct {
	name        string
	description string
	params      []StrategyParameter
	build       func(params []float64) (Strategy, error)
	normalize   func(params []float64) []float64
}

var (
	registryMu  sync.RWMutex
	definitions = make(map[string]definition)
)

func register(def definition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	definitions[def.name] = def
}

func lookup(name string) (definition, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := definitions[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return definition{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return def, nil
}

func init() {
	register(smaDefinition())
	register(rsiDefinition())
	register(macdDefinition())
}

// New creates a strategy instance by name from an ordered parameter vector
func New(name string, params []float64) (Strategy, error) {
	def, err := lookup(name)
	if err != nil {
		return nil, err
	}

	if len(params) < len(def.params) {
		return nil, fmt.Errorf("%w: %s needs %d parameters, got %d",
			ErrInvalidParameters, def.name, len(def.params), len(params))
	}
	for i, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("%w: parameter %d is not finite", ErrInvalidParameters, i)
		}
	}

	return def.build(params)
}

// Available returns the registered strategy names
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return order(names[i]) < order(names[j])
	})
	return names
}

// order keeps Available stable as SMA, RSI, MACD, then the rest by name.
func order(name string) string {
	switch name {
	case "SMA":
		return "0"
	case "RSI":
		return "1"
	case "MACD":
		return "2"
	default:
		return "3" + name
	}
}

// Describe returns the description and parameter layout of a strategy
func Describe(name string) (string, []StrategyParameter, error) {
	def, err := lookup(name)
	if err != nil {
		return "", nil, err
	}
	out := make([]StrategyParameter, len(def.params))
	copy(out, def.params)
	return def.description, out, nil
}

// ParameterNames returns the ordered parameter names of a strategy
func ParameterNames(name string) []string {
	def, err := lookup(name)
	if err != nil {
		return nil
	}
	names := make([]string, len(def.params))
	for i, p := range def.params {
		names[i] = p.Name
	}
	return names
}

// DefaultRanges returns the exploration ranges of a strategy
func DefaultRanges(name string) []types.ParameterRange {
	def, err := lookup(name)
	if err != nil {
		return nil
	}
	ranges := make([]types.ParameterRange, len(def.params))
	for i, p := range def.params {
		ranges[i] = types.ParameterRange{Name: p.Name, Min: p.Min, Max: p.Max}
	}
	return ranges
}

// DefaultParameters returns the standard parameter vector of a strategy
func DefaultParameters(name string) []float64 {
	def, err := lookup(name)
	if err != nil {
		return nil
	}
	params := make([]float64, len(def.params))
	for i, p := range def.params {
		params[i] = p.Default
	}
	return params
}

// Normalize repairs a sampled parameter vector into one the strategy accepts:
// integer windows are rounded and ordering constraints between them restored.
// Unknown names and short vectors are returned unchanged.
func Normalize(name string, params []float64) []float64 {
	out := make([]float64, len(params))
	copy(out, params)

	def, err := lookup(name)
	if err != nil || len(out) < len(def.params) {
		return out
	}
	return def.normalize(out)
}

// BaseStrategy provides the state shared by all strategies.
type BaseStrategy struct {
	name    string
	params  []float64
	fee     float64
	risk    types.RiskConfig
	closes  []float64
	maxBars int
}

func newBase(name string, params []float64, fee float64, risk types.RiskConfig, maxBars int) BaseStrategy {
	p := make([]float64, len(params))
	copy(p, params)
	return BaseStrategy{
		name:    name,
		params:  p,
		fee:     fee,
		risk:    risk,
		maxBars: maxBars,
	}
}

// Name returns the strategy name
func (s *BaseStrategy) Name() string { return s.name }

// Parameters returns a copy of the parameter vector
func (s *BaseStrategy) Parameters() []float64 {
	out := make([]float64, len(s.params))
	copy(out, s.params)
	return out
}

// Fee returns the execution fee rate
func (s *BaseStrategy) Fee() float64 { return s.fee }

// RiskConfig returns the risk bundle the strategy runs under
func (s *BaseStrategy) RiskConfig() types.RiskConfig { return s.risk }

// OnFinish is a no-op by default
func (s *BaseStrategy) OnFinish() {}

// AddBar appends a close to the bounded buffer.
func (s *BaseStrategy) AddBar(bar types.Bar) {
	s.closes = append(s.closes, bar.Close)
	if s.maxBars > 0 && len(s.closes) > s.maxBars {
		s.closes = s.closes[len(s.closes)-s.maxBars:]
	}
}

// Reset clears the close buffer.
func (s *BaseStrategy) Reset() {
	s.closes = s.closes[:0]
}

func roundWindow(v float64, floor int) float64 {
	w := int(math.Round(v))
	if w < floor {
		w = floor
	}
	return float64(w)
}
