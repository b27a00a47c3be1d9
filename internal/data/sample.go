package data

import (
	"math"
	"math/rand"
	"time"

	"github.com/atlas-desktop/strategy-lab/pkg/types"
)

// GenerateSampleBars produces a deterministic random-walk daily series of n
// bars starting at start, skipping weekends.
func GenerateSampleBars(n int, seed int64, start time.Time) []types.Bar {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]types.Bar, 0, n)

	price := 100.0
	day := start
	for len(bars) < n {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			day = day.AddDate(0, 0, 1)
			continue
		}

		open := price
		price *= 1 + rng.NormFloat64()*0.015 + 0.0003
		price = math.Max(price, 1.0)
		closePrice := price

		high := math.Max(open, closePrice) * (1 + rng.Float64()*0.01)
		low := math.Min(open, closePrice) * (1 - rng.Float64()*0.01)

		bars = append(bars, types.Bar{
			Date:   day.Year()*10000 + int(day.Month())*100 + day.Day(),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  closePrice,
			Volume: math.Round(rng.Float64() * 1000000),
		})

		day = day.AddDate(0, 0, 1)
	}

	return bars
}
