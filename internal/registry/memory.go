package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// MemoryRegistry keeps results in process memory only. It deduplicates
// within one process but nothing survives a restart.
type MemoryRegistry struct {
	mu          sync.RWMutex
	now         func() time.Time
	seq         int
	strategies  map[string]*memoryRow
	regions     map[string]*Region
	generations []GenerationRecord
	closed      bool
}

type memoryRow struct {
	seq     int
	metrics types.StrategyMetrics
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry(opts ...Option) *MemoryRegistry {
	o := buildOptions(opts)
	return &MemoryRegistry{
		now:        o.now,
		strategies: make(map[string]*memoryRow),
		regions:    make(map[string]*Region),
	}
}

// Persistent is always false for the in-memory registry
func (r *MemoryRegistry) Persistent() bool {
	return false
}

// Close drops all state
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.closed = true
	r.strategies = nil
	r.regions = nil
	r.generations = nil
	return nil
}

// IsTested reports whether a signature is stored
func (r *MemoryRegistry) IsTested(_ context.Context, signature string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false, ErrRegistryClosed
	}
	_, ok := r.strategies[signature]
	return ok, nil
}

// Save upserts a result
func (r *MemoryRegistry) Save(_ context.Context, m *types.StrategyMetrics) error {
	if err := validMetrics(m); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}

	signature := Signature(m.Parameters)
	_, existed := r.strategies[signature]
	r.put(signature, m)
	r.touchRegion(RegionID(m.Parameters), m.CompositeScore, !existed)
	return nil
}

// SaveIfNew inserts a result unless its signature is stored
func (r *MemoryRegistry) SaveIfNew(_ context.Context, m *types.StrategyMetrics) (bool, error) {
	if err := validMetrics(m); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, ErrRegistryClosed
	}

	signature := Signature(m.Parameters)
	if _, ok := r.strategies[signature]; ok {
		return false, nil
	}
	r.put(signature, m)
	r.touchRegion(RegionID(m.Parameters), m.CompositeScore, true)
	return true, nil
}

// UpdateRegion counts one exploration of a region
func (r *MemoryRegistry) UpdateRegion(_ context.Context, regionID string, score float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.touchRegion(regionID, score, true)
	return nil
}

func (r *MemoryRegistry) put(signature string, m *types.StrategyMetrics) {
	stored := *m
	stored.Parameters = append([]float64(nil), m.Parameters...)
	stored.MarketData = nil
	stored.TestedAt = r.now().UTC()

	if row, ok := r.strategies[signature]; ok {
		row.metrics = stored
		return
	}
	r.seq++
	r.strategies[signature] = &memoryRow{seq: r.seq, metrics: stored}
}

func (r *MemoryRegistry) touchRegion(id string, score float64, explored bool) {
	reg, ok := r.regions[id]
	if !ok {
		if !explored {
			return
		}
		reg = &Region{ID: id, BestScore: score}
		r.regions[id] = reg
	}
	if explored {
		reg.ExplorationCount++
	}
	if score > reg.BestScore {
		reg.BestScore = score
	}
	reg.LastTested = r.now().UTC()
}

// TopStrategies returns up to limit strategies by composite score
func (r *MemoryRegistry) TopStrategies(_ context.Context, limit int) ([]*types.StrategyMetrics, error) {
	return r.sorted(limit, func(a, b *memoryRow) bool {
		if a.metrics.CompositeScore != b.metrics.CompositeScore {
			return a.metrics.CompositeScore > b.metrics.CompositeScore
		}
		return a.seq < b.seq
	})
}

// RecentStrategies returns up to limit strategies, newest first
func (r *MemoryRegistry) RecentStrategies(_ context.Context, limit int) ([]*types.StrategyMetrics, error) {
	return r.sorted(limit, func(a, b *memoryRow) bool {
		if !a.metrics.TestedAt.Equal(b.metrics.TestedAt) {
			return a.metrics.TestedAt.After(b.metrics.TestedAt)
		}
		return a.seq > b.seq
	})
}

func (r *MemoryRegistry) sorted(limit int, less func(a, b *memoryRow) bool) ([]*types.StrategyMetrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	rows := r.rows()
	sort.Slice(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
	if limit >= 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]*types.StrategyMetrics, len(rows))
	for i, row := range rows {
		m := row.metrics
		m.Parameters = append([]float64(nil), row.metrics.Parameters...)
		out[i] = &m
	}
	return out, nil
}

func (r *MemoryRegistry) rows() []*memoryRow {
	rows := make([]*memoryRow, 0, len(r.strategies))
	for _, row := range r.strategies {
		rows = append(rows, row)
	}
	return rows
}

// UnderexploredRegions returns regions explored fewer than
// UnderexploredThreshold times, least explored first
func (r *MemoryRegistry) UnderexploredRegions(_ context.Context) ([]Region, error) {
	return r.filterRegions(-1,
		func(reg *Region) bool { return reg.ExplorationCount < UnderexploredThreshold },
		func(a, b *Region) bool {
			if a.ExplorationCount != b.ExplorationCount {
				return a.ExplorationCount < b.ExplorationCount
			}
			return a.ID < b.ID
		})
}

// SuccessfulRegions returns up to limit regions scoring above SuccessScore
func (r *MemoryRegistry) SuccessfulRegions(_ context.Context, limit int) ([]Region, error) {
	return r.filterRegions(limit,
		func(reg *Region) bool { return reg.BestScore > SuccessScore },
		func(a, b *Region) bool {
			if a.BestScore != b.BestScore {
				return a.BestScore > b.BestScore
			}
			return a.ID < b.ID
		})
}

func (r *MemoryRegistry) filterRegions(limit int, keep func(*Region) bool, less func(a, b *Region) bool) ([]Region, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	var matched []*Region
	for _, reg := range r.regions {
		if keep(reg) {
			matched = append(matched, reg)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i], matched[j]) })
	if limit >= 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Region, len(matched))
	for i, reg := range matched {
		out[i] = *reg
	}
	return out, nil
}

// ExplorationCount returns how often a region was explored
func (r *MemoryRegistry) ExplorationCount(_ context.Context, regionID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrRegistryClosed
	}
	if reg, ok := r.regions[regionID]; ok {
		return reg.ExplorationCount, nil
	}
	return 0, nil
}

// Count returns the number of stored strategies
func (r *MemoryRegistry) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrRegistryClosed
	}
	return len(r.strategies), nil
}

// AverageScore returns the mean composite score over positive scores
func (r *MemoryRegistry) AverageScore(_ context.Context) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return 0, ErrRegistryClosed
	}

	sum, n := 0.0, 0
	for _, row := range r.strategies {
		if row.metrics.CompositeScore > 0 {
			sum += row.metrics.CompositeScore
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// Cleanup keeps the keep best strategies
func (r *MemoryRegistry) Cleanup(_ context.Context, keep int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRegistryClosed
	}
	if keep < 0 {
		keep = 0
	}

	rows := r.rows()
	if len(rows) <= keep {
		return 0, nil
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.metrics.CompositeScore != b.metrics.CompositeScore {
			return a.metrics.CompositeScore > b.metrics.CompositeScore
		}
		return a.seq > b.seq
	})

	for _, row := range rows[keep:] {
		delete(r.strategies, Signature(row.metrics.Parameters))
	}
	return int64(len(rows) - keep), nil
}

// Vacuum is a no-op in memory
func (r *MemoryRegistry) Vacuum(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRegistryClosed
	}
	return nil
}

// LogGeneration appends a discovery session to the log
func (r *MemoryRegistry) LogGeneration(_ context.Context, rec GenerationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	r.generations = append(r.generations, rec)
	return nil
}

// Generations returns up to limit log entries, newest first
func (r *MemoryRegistry) Generations(_ context.Context, limit int) ([]GenerationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}

	var out []GenerationRecord
	for i := len(r.generations) - 1; i >= 0; i-- {
		if limit >= 0 && len(out) >= limit {
			break
		}
		out = append(out, r.generations[i])
	}
	return out, nil
}
