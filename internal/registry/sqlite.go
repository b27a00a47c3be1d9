package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Registry = (*SQLiteRegistry)(nil)
var _ Registry = (*MemoryRegistry)(nil)

const busyTimeoutMillis = 5000

var schema = []string{
	`CREATE TABLE IF NOT EXISTS strategies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		strategy_name TEXT NOT NULL,
		symbol TEXT,
		parameters_hash TEXT UNIQUE NOT NULL,
		parameters_json TEXT NOT NULL,
		total_return REAL,
		sharpe_ratio REAL,
		sortino_ratio REAL,
		calmar_ratio REAL,
		max_drawdown REAL,
		win_rate REAL,
		profit_factor REAL,
		avg_trade REAL,
		total_trades INTEGER,
		var_95 REAL,
		expected_shortfall REAL,
		avg_hold_period REAL,
		max_adverse_excursion REAL,
		max_favorable_excursion REAL,
		composite_score REAL,
		tested_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS parameter_regions (
		region_id TEXT PRIMARY KEY,
		exploration_count INTEGER DEFAULT 0,
		best_score REAL DEFAULT 0.0,
		last_tested INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS generation_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		seed INTEGER,
		strategies_tested INTEGER,
		best_score REAL,
		created_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_hash ON strategies(parameters_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_score ON strategies(composite_score DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_tested ON strategies(tested_at DESC)`,
}

const strategyColumns = `strategy_name, symbol, parameters_hash, parameters_json,
	total_return, sharpe_ratio, sortino_ratio, calmar_ratio, max_drawdown,
	win_rate, profit_factor, avg_trade, total_trades, var_95,
	expected_shortfall, avg_hold_period, max_adverse_excursion,
	max_favorable_excursion, composite_score, tested_at`

const strategyPlaceholders = `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`

const upsertStrategy = `INSERT INTO strategies (` + strategyColumns + `)
	VALUES (` + strategyPlaceholders + `)
	ON CONFLICT(parameters_hash) DO UPDATE SET
		strategy_name = excluded.strategy_name,
		symbol = excluded.symbol,
		parameters_json = excluded.parameters_json,
		total_return = excluded.total_return,
		sharpe_ratio = excluded.sharpe_ratio,
		sortino_ratio = excluded.sortino_ratio,
		calmar_ratio = excluded.calmar_ratio,
		max_drawdown = excluded.max_drawdown,
		win_rate = excluded.win_rate,
		profit_factor = excluded.profit_factor,
		avg_trade = excluded.avg_trade,
		total_trades = excluded.total_trades,
		var_95 = excluded.var_95,
		expected_shortfall = excluded.expected_shortfall,
		avg_hold_period = excluded.avg_hold_period,
		max_adverse_excursion = excluded.max_adverse_excursion,
		max_favorable_excursion = excluded.max_favorable_excursion,
		composite_score = excluded.composite_score,
		tested_at = excluded.tested_at`

const insertStrategyIfNew = `INSERT OR IGNORE INTO strategies (` + strategyColumns + `)
	VALUES (` + strategyPlaceholders + `)`

const exploreRegion = `INSERT INTO parameter_regions (region_id, exploration_count, best_score, last_tested)
	VALUES (?, 1, ?, ?)
	ON CONFLICT(region_id) DO UPDATE SET
		exploration_count = exploration_count + 1,
		best_score = MAX(best_score, excluded.best_score),
		last_tested = excluded.last_tested`

const rescoreRegion = `UPDATE parameter_regions
	SET best_score = MAX(best_score, ?), last_tested = ?
	WHERE region_id = ?`

// SQLiteRegistry is the persistent Registry backed by a SQLite file
type SQLiteRegistry struct {
	logger *zap.Logger
	db     *sql.DB
	path   string
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewSQLiteRegistry opens (or creates) the registry database at dbPath and
// makes sure the schema exists.
func NewSQLiteRegistry(ctx context.Context, dbPath string, logger *zap.Logger, opts ...Option) (*SQLiteRegistry, error) {
	o := buildOptions(opts)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry %s: %w", dbPath, err)
	}
	// A single connection serializes writers and keeps per-connection
	// pragmas in effect.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize registry schema: %w", err)
		}
	}

	logger.Info("Opened strategy registry", zap.String("path", dbPath))

	return &SQLiteRegistry{
		logger: logger,
		db:     db,
		path:   dbPath,
		now:    o.now,
	}, nil
}

// Path returns the database file path
func (r *SQLiteRegistry) Path() string {
	return r.path
}

// Persistent is always true for the SQLite registry
func (r *SQLiteRegistry) Persistent() bool {
	return true
}

// Close releases the database handle. Later calls return ErrRegistryClosed.
func (r *SQLiteRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	r.closed = true
	return r.db.Close()
}

func (r *SQLiteRegistry) checkOpen() error {
	if r.closed {
		return ErrRegistryClosed
	}
	return nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// IsTested reports whether a signature is already stored
func (r *SQLiteRegistry) IsTested(ctx context.Context, signature string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return false, err
	}

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM strategies WHERE parameters_hash = ?`, signature).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up signature: %w", err)
	}
	return n > 0, nil
}

// Save upserts a result in a single transaction
func (r *SQLiteRegistry) Save(ctx context.Context, m *types.StrategyMetrics) error {
	if err := validMetrics(m); err != nil {
		return err
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		signature := Signature(m.Parameters)
		var existing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM strategies WHERE parameters_hash = ?`, signature).Scan(&existing); err != nil {
			return fmt.Errorf("failed to look up signature: %w", err)
		}

		now := r.now()
		args, err := strategyArgs(m, signature, now)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, upsertStrategy, args...); err != nil {
			return fmt.Errorf("failed to save strategy: %w", err)
		}

		return touchRegion(ctx, tx, RegionID(m.Parameters), m.CompositeScore, now, existing == 0)
	})
}

// SaveIfNew inserts a result unless the signature is present
func (r *SQLiteRegistry) SaveIfNew(ctx context.Context, m *types.StrategyMetrics) (bool, error) {
	if err := validMetrics(m); err != nil {
		return false, err
	}

	inserted := false
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now()
		args, err := strategyArgs(m, Signature(m.Parameters), now)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, insertStrategyIfNew, args...)
		if err != nil {
			return fmt.Errorf("failed to save strategy: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return nil
		}

		inserted = true
		return touchRegion(ctx, tx, RegionID(m.Parameters), m.CompositeScore, now, true)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// UpdateRegion counts one exploration of a region outside of a save
func (r *SQLiteRegistry) UpdateRegion(ctx context.Context, regionID string, score float64) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		return touchRegion(ctx, tx, regionID, score, r.now(), true)
	})
}

func touchRegion(ctx context.Context, tx *sql.Tx, regionID string, score float64, now time.Time, explored bool) error {
	var err error
	if explored {
		_, err = tx.ExecContext(ctx, exploreRegion, regionID, score, now.UnixNano())
	} else {
		_, err = tx.ExecContext(ctx, rescoreRegion, score, now.UnixNano(), regionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update region %s: %w", regionID, err)
	}
	return nil
}

func (r *SQLiteRegistry) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			r.logger.Warn("Rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func strategyArgs(m *types.StrategyMetrics, signature string, now time.Time) ([]any, error) {
	params := m.Parameters
	if params == nil {
		params = []float64{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parameters: %w", err)
	}

	return []any{
		m.StrategyName, m.Symbol, signature, string(paramsJSON),
		m.TotalReturn, m.SharpeRatio, m.SortinoRatio, m.CalmarRatio, m.MaxDrawdown,
		m.WinRate, m.ProfitFactor, m.AvgTrade, m.TotalTrades, m.VaR95,
		m.ExpectedShortfall, m.AvgHoldPeriod, m.MaxAdverseExcursion,
		m.MaxFavorableExcursion, m.CompositeScore, now.UnixNano(),
	}, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// TopStrategies returns up to limit strategies by composite score, best first
func (r *SQLiteRegistry) TopStrategies(ctx context.Context, limit int) ([]*types.StrategyMetrics, error) {
	return r.queryStrategies(ctx,
		`SELECT `+strategyColumns+` FROM strategies ORDER BY composite_score DESC, id ASC LIMIT ?`, limit)
}

// RecentStrategies returns up to limit strategies, most recently saved first
func (r *SQLiteRegistry) RecentStrategies(ctx context.Context, limit int) ([]*types.StrategyMetrics, error) {
	return r.queryStrategies(ctx,
		`SELECT `+strategyColumns+` FROM strategies ORDER BY tested_at DESC, id DESC LIMIT ?`, limit)
}

func (r *SQLiteRegistry) queryStrategies(ctx context.Context, query string, limit int) ([]*types.StrategyMetrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategies: %w", err)
	}
	defer rows.Close()

	var out []*types.StrategyMetrics
	for rows.Next() {
		m, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read strategies: %w", err)
	}
	return out, nil
}

func scanStrategy(rows *sql.Rows) (*types.StrategyMetrics, error) {
	var (
		m          types.StrategyMetrics
		symbol     sql.NullString
		signature  string
		paramsJSON string
		testedAt   int64
	)
	err := rows.Scan(
		&m.StrategyName, &symbol, &signature, &paramsJSON,
		&m.TotalReturn, &m.SharpeRatio, &m.SortinoRatio, &m.CalmarRatio, &m.MaxDrawdown,
		&m.WinRate, &m.ProfitFactor, &m.AvgTrade, &m.TotalTrades, &m.VaR95,
		&m.ExpectedShortfall, &m.AvgHoldPeriod, &m.MaxAdverseExcursion,
		&m.MaxFavorableExcursion, &m.CompositeScore, &testedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategy: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &m.Parameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of %s: %w", signature, err)
	}
	m.Symbol = symbol.String
	m.TestedAt = time.Unix(0, testedAt).UTC()
	return &m, nil
}

// UnderexploredRegions returns regions explored fewer than
// UnderexploredThreshold times, least explored first
func (r *SQLiteRegistry) UnderexploredRegions(ctx context.Context) ([]Region, error) {
	return r.queryRegions(ctx,
		`SELECT region_id, exploration_count, best_score, last_tested FROM parameter_regions
		WHERE exploration_count < ? ORDER BY exploration_count ASC, region_id ASC`,
		UnderexploredThreshold)
}

// SuccessfulRegions returns up to limit regions whose best score exceeds
// SuccessScore, best first
func (r *SQLiteRegistry) SuccessfulRegions(ctx context.Context, limit int) ([]Region, error) {
	return r.queryRegions(ctx,
		`SELECT region_id, exploration_count, best_score, last_tested FROM parameter_regions
		WHERE best_score > ? ORDER BY best_score DESC, region_id ASC LIMIT ?`,
		SuccessScore, limit)
}

func (r *SQLiteRegistry) queryRegions(ctx context.Context, query string, args ...any) ([]Region, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query regions: %w", err)
	}
	defer rows.Close()

	var out []Region
	for rows.Next() {
		var (
			reg        Region
			lastTested sql.NullInt64
		)
		if err := rows.Scan(&reg.ID, &reg.ExplorationCount, &reg.BestScore, &lastTested); err != nil {
			return nil, fmt.Errorf("failed to scan region: %w", err)
		}
		if lastTested.Valid {
			reg.LastTested = time.Unix(0, lastTested.Int64).UTC()
		}
		out = append(out, reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read regions: %w", err)
	}
	return out, nil
}

// ExplorationCount returns how often a region was explored, 0 if never
func (r *SQLiteRegistry) ExplorationCount(ctx context.Context, regionID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT exploration_count FROM parameter_regions WHERE region_id = ?`, regionID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read exploration count: %w", err)
	}
	return n, nil
}

// Count returns the number of stored strategies
func (r *SQLiteRegistry) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategies`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count strategies: %w", err)
	}
	return n, nil
}

// AverageScore returns the mean composite score over positive scores
func (r *SQLiteRegistry) AverageScore(ctx context.Context) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return 0, err
	}

	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT AVG(composite_score) FROM strategies WHERE composite_score > 0`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("failed to average scores: %w", err)
	}
	return avg.Float64, nil
}

// ---------------------------------------------------------------------------
// Maintenance and generation log
// ---------------------------------------------------------------------------

// Cleanup removes everything but the keep best strategies
func (r *SQLiteRegistry) Cleanup(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	var removed int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM strategies WHERE id NOT IN (
				SELECT id FROM strategies ORDER BY composite_score DESC, tested_at DESC LIMIT ?
			)`, keep)
		if err != nil {
			return fmt.Errorf("failed to clean up strategies: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	r.logger.Info("Cleaned up strategy registry",
		zap.Int("keep", keep),
		zap.Int64("removed", removed))
	return removed, nil
}

// Vacuum compacts the database file
func (r *SQLiteRegistry) Vacuum(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkOpen(); err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum registry: %w", err)
	}
	return nil
}

// LogGeneration appends a discovery session to the generation log
func (r *SQLiteRegistry) LogGeneration(ctx context.Context, rec GenerationRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO generation_log (session_id, seed, strategies_tested, best_score, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			rec.SessionID, rec.Seed, rec.StrategiesTested, rec.BestScore, rec.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("failed to log generation: %w", err)
		}
		return nil
	})
}

// Generations returns up to limit generation log entries, newest first
func (r *SQLiteRegistry) Generations(ctx context.Context, limit int) ([]GenerationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, seed, strategies_tested, best_score, created_at
		FROM generation_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query generation log: %w", err)
	}
	defer rows.Close()

	var out []GenerationRecord
	for rows.Next() {
		var (
			rec       GenerationRecord
			createdAt int64
		)
		if err := rows.Scan(&rec.SessionID, &rec.Seed, &rec.StrategiesTested, &rec.BestScore, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read generation log: %w", err)
	}
	return out, nil
}
