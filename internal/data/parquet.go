package data

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
	"github.com/parquet-go/parquet-go"
)

// BarRecord is the Parquet schema for daily bars
type BarRecord struct {
	Date   int32   `parquet:"date"`
	Open   float64 `parquet:"open"`
	High   float64 `parquet:"high"`
	Low    float64 `parquet:"low"`
	Close  float64 `parquet:"close"`
	Volume float64 `parquet:"volume"`
}

// WriteParquetBars writes bars to a Parquet file, creating parent directories
func WriteParquetBars(path string, bars []types.Bar) error {
	records := make([]BarRecord, len(bars))
	for i, b := range bars {
		records[i] = BarRecord{
			Date:   int32(b.Date),
			Open:   b.Open,
			High:   b.High,
			Low:    b.Low,
			Close:  b.Close,
			Volume: b.Volume,
		}
	}
	if err := writeParquetFile(path, records); err != nil {
		return fmt.Errorf("failed to write parquet bars: %w", err)
	}
	return nil
}

// ReadParquetBars reads bars written by WriteParquetBars, preserving row order
func ReadParquetBars(path string) ([]types.Bar, error) {
	records, err := readParquetFile[BarRecord](path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet bars: %w", err)
	}

	bars := make([]types.Bar, len(records))
	for i, r := range records {
		bars[i] = types.Bar{
			Date:   int(r.Date),
			Open:   r.Open,
			High:   r.High,
			Low:    r.Low,
			Close:  r.Close,
			Volume: r.Volume,
		}
	}
	return bars, nil
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}
