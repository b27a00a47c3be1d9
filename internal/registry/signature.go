package registry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RegionHalfWidth is half the width of one exploration bucket per parameter
const RegionHalfWidth = 0.05

// Signature encodes a parameter vector for exact-duplicate detection.
// Each value is written with 8 decimals and followed by a pipe, in vector
// order, so vectors differing only beyond the 8th decimal collide.
func Signature(params []float64) string {
	var sb strings.Builder
	for _, p := range params {
		sb.WriteString(strconv.FormatFloat(p, 'f', 8, 64))
		sb.WriteByte('|')
	}
	return sb.String()
}

// RegionID encodes a parameter vector into its coarse exploration bucket:
// every value rounded to the nearest 0.1, pipe terminated.
func RegionID(params []float64) string {
	var sb strings.Builder
	for _, p := range params {
		sb.WriteString(strconv.FormatFloat(Bucket(p), 'g', -1, 64))
		sb.WriteByte('|')
	}
	return sb.String()
}

// Bucket rounds a value to the centre of its region bucket
func Bucket(v float64) float64 {
	b := math.Round(v*10) / 10
	if b == 0 {
		b = 0 // drop negative zero
	}
	return b
}

// ParseRegion decodes a region id back into its bucket centres
func ParseRegion(id string) ([]float64, error) {
	id = strings.TrimSuffix(id, "|")
	if id == "" {
		return nil, nil
	}

	parts := strings.Split(id, "|")
	centres := make([]float64, len(parts))
	for i, part := range parts {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse region %q component %d: %w", id, i, err)
		}
		centres[i] = v
	}
	return centres, nil
}
