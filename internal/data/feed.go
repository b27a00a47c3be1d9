package data

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"go.uber.org/zap"
)

// BarSource loads a bar series for a symbol
type BarSource interface {
	LoadBars(ctx context.Context, symbol string) ([]types.Bar, error)
}

// ParseBars reads rows of the form `YYYYMMDD Open High Low Close [Volume]`
// separated by spaces, tabs or commas. Lines that fail to parse are skipped
// with a warning.
func ParseBars(r io.Reader, logger *zap.Logger) ([]types.Bar, error) {
	var bars []types.Bar

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNo := 0
	skipped := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		bar, err := parseBarLine(line)
		if err != nil {
			skipped++
			logger.Warn("Skipping unparseable bar line",
				zap.Int("line", lineNo),
				zap.String("reason", err.Error()),
			)
			continue
		}
		bars = append(bars, bar)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read bar feed: %w", err)
	}

	if skipped > 0 {
		logger.Info("Bar feed parsed with skipped lines",
			zap.Int("bars", len(bars)),
			zap.Int("skipped", skipped),
		)
	}

	return bars, nil
}

func parseBarLine(line string) (types.Bar, error) {
	if len(line) < 8 {
		return types.Bar{}, fmt.Errorf("line too short")
	}
	for i := 0; i < 8; i++ {
		if line[i] < '0' || line[i] > '9' {
			return types.Bar{}, fmt.Errorf("missing YYYYMMDD date")
		}
	}

	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})
	if len(fields) < 5 {
		return types.Bar{}, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	date, err := strconv.Atoi(fields[0])
	if err != nil || len(fields[0]) != 8 {
		return types.Bar{}, fmt.Errorf("invalid date %q", fields[0])
	}

	values := make([]float64, 5)
	n := 4
	if len(fields) > 5 {
		n = 5
	}
	for i := 0; i < n; i++ {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return types.Bar{}, fmt.Errorf("invalid number %q", fields[i+1])
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.Bar{}, fmt.Errorf("non-finite value %q", fields[i+1])
		}
		values[i] = v
	}

	return types.Bar{
		Date:   date,
		Open:   values[0],
		High:   values[1],
		Low:    values[2],
		Close:  values[3],
		Volume: values[4],
	}, nil
}

// WriteBars writes bars in the feed format
func WriteBars(w io.Writer, bars []types.Bar) error {
	bw := bufio.NewWriter(w)
	for _, b := range bars {
		line := fmt.Sprintf("%08d %s %s %s %s %s\n", b.Date,
			strconv.FormatFloat(b.Open, 'g', -1, 64),
			strconv.FormatFloat(b.High, 'g', -1, 64),
			strconv.FormatFloat(b.Low, 'g', -1, 64),
			strconv.FormatFloat(b.Close, 'g', -1, 64),
			strconv.FormatFloat(b.Volume, 'g', -1, 64),
		)
		if _, err := bw.WriteString(line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Store provides file-backed access to bar series with an in-memory cache
type Store struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	dataDir string
	cache   map[string][]types.Bar
}

// NewStore creates a new data store rooted at dataDir
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return &Store{
		logger:  logger,
		dataDir: dataDir,
		cache:   make(map[string][]types.Bar),
	}, nil
}

// LoadFile loads bars from a feed or parquet file
func (s *Store) LoadFile(ctx context.Context, path string) ([]types.Bar, error) {
	s.mu.RLock()
	cached, ok := s.cache[path]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var bars []types.Bar
	var err error
	if strings.EqualFold(filepath.Ext(path), ".parquet") {
		bars, err = ReadParquetBars(path)
	} else {
		bars, err = s.readFeedFile(path)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[path] = bars
	s.mu.Unlock()

	s.logger.Debug("Loaded bars", zap.String("path", path), zap.Int("bars", len(bars)))

	return bars, nil
}

func (s *Store) readFeedFile(path string) ([]types.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()

	bars, err := ParseBars(f, s.logger.With(zap.String("path", path)))
	if err != nil {
		return nil, err
	}
	return bars, nil
}

// LoadBars resolves <dataDir>/<SYMBOL>.{parquet,txt,csv} and loads it
func (s *Store) LoadBars(ctx context.Context, symbol string) ([]types.Bar, error) {
	for _, ext := range []string{".parquet", ".txt", ".csv"} {
		path := filepath.Join(s.dataDir, symbol+ext)
		if _, err := os.Stat(path); err == nil {
			return s.LoadFile(ctx, path)
		}
	}
	return nil, fmt.Errorf("no data available for symbol %s", symbol)
}

// SaveBars stores bars for a symbol as parquet and refreshes the cache
func (s *Store) SaveBars(symbol string, bars []types.Bar) error {
	path := filepath.Join(s.dataDir, symbol+".parquet")
	if err := WriteParquetBars(path, bars); err != nil {
		return fmt.Errorf("failed to save bars for %s: %w", symbol, err)
	}

	s.mu.Lock()
	s.cache[path] = bars
	s.mu.Unlock()

	return nil
}

// Symbols lists the symbols that have a data file
func (s *Store) Symbols() []string {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		s.logger.Warn("Failed to list data directory", zap.Error(err))
		return nil
	}

	seen := make(map[string]bool)
	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		switch strings.ToLower(ext) {
		case ".parquet", ".txt", ".csv":
		default:
			continue
		}
		sym := strings.TrimSuffix(e.Name(), ext)
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

// CacheSize returns the number of cached series
func (s *Store) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
