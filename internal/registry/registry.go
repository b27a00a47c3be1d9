// Package registry persists tested strategies and parameter-region
// exploration statistics so discovery runs never repeat work.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/atlas-desktop/strategy-lab/internal/observability"
	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

const (
	// UnderexploredThreshold is the exploration count below which a region
	// is reported as under-explored
	UnderexploredThreshold = 5

	// SuccessScore is the best composite score a region needs to count as
	// successful
	SuccessScore = 0.5

	// DefaultKeep is the number of strategies Cleanup retains by default
	DefaultKeep = 10000
)

// ErrRegistryClosed is returned by every operation after Close
var ErrRegistryClosed = errors.New("registry closed")

// Region is the exploration bookkeeping for one parameter bucket
type Region struct {
	ID               string    `json:"regionId"`
	ExplorationCount int       `json:"explorationCount"`
	BestScore        float64   `json:"bestScore"`
	LastTested       time.Time `json:"lastTested"`
}

// GenerationRecord is one discovery session entry in the generation log
type GenerationRecord struct {
	SessionID        string    `json:"sessionId"`
	Seed             int64     `json:"seed"`
	StrategiesTested int       `json:"strategiesTested"`
	BestScore        float64   `json:"bestScore"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Registry stores strategy test results keyed by parameter signature
type Registry interface {
	// IsTested reports whether a signature has already been saved
	IsTested(ctx context.Context, signature string) (bool, error)
	// Save upserts a result. The owning region's exploration count only
	// grows when the signature is new; its best score is max-merged.
	Save(ctx context.Context, m *types.StrategyMetrics) error
	// SaveIfNew inserts a result unless its signature exists, atomically.
	// It reports whether a row was inserted.
	SaveIfNew(ctx context.Context, m *types.StrategyMetrics) (bool, error)
	// UpdateRegion counts one more exploration of a region
	UpdateRegion(ctx context.Context, regionID string, score float64) error

	TopStrategies(ctx context.Context, limit int) ([]*types.StrategyMetrics, error)
	RecentStrategies(ctx context.Context, limit int) ([]*types.StrategyMetrics, error)
	UnderexploredRegions(ctx context.Context) ([]Region, error)
	SuccessfulRegions(ctx context.Context, limit int) ([]Region, error)
	ExplorationCount(ctx context.Context, regionID string) (int, error)

	Count(ctx context.Context) (int, error)
	AverageScore(ctx context.Context) (float64, error)
	// Cleanup keeps the top keep strategies by score, newest first on
	// ties, and returns how many rows were removed
	Cleanup(ctx context.Context, keep int) (int64, error)
	Vacuum(ctx context.Context) error

	LogGeneration(ctx context.Context, rec GenerationRecord) error
	Generations(ctx context.Context, limit int) ([]GenerationRecord, error)

	// Persistent reports whether results outlive the process
	Persistent() bool
	Close() error
}

// OpenOrFallback opens the SQLite registry at path. When that fails it logs
// a warning and returns an in-memory registry so a discovery run can still
// proceed without cross-run deduplication.
func OpenOrFallback(ctx context.Context, path string, logger *zap.Logger, metrics *observability.Metrics, opts ...Option) Registry {
	reg, err := NewSQLiteRegistry(ctx, path, logger, opts...)
	if err == nil {
		return reg
	}

	logger.Warn("Strategy registry unavailable, results will not be persisted or deduplicated across runs",
		zap.String("path", path),
		zap.Error(err))
	metrics.RecordRegistryFallback()
	return NewMemoryRegistry(opts...)
}

// Option configures a registry
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for tested-at and last-tested stamps
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validMetrics(m *types.StrategyMetrics) error {
	if m == nil {
		return errors.New("nil metrics")
	}
	if m.StrategyName == "" {
		return errors.New("metrics without strategy name")
	}
	return nil
}
