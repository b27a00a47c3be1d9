package strategy

// SMA returns the simple mean of the last n values, or 0 with fewer than n.
func SMA(values []float64, n int) float64 {
	if n <= 0 || len(values) < n {
		return 0
	}
	sum := 0.0
	for _, v := range values[len(values)-n:] {
		sum += v
	}
	return sum / float64(n)
}

// ema is an exponential moving average seeded with the SMA of its first
// period inputs.
type ema struct {
	period int
	k      float64
	count  int
	sum    float64
	value  float64
}

func newEMA(period int) *ema {
	return &ema{period: period, k: 2.0 / float64(period+1)}
}

// update feeds one value and reports whether the average is ready.
func (e *ema) update(v float64) bool {
	e.count++
	if e.count < e.period {
		e.sum += v
		return false
	}
	if e.count == e.period {
		e.sum += v
		e.value = e.sum / float64(e.period)
		return true
	}
	e.value += (v - e.value) * e.k
	return true
}

func (e *ema) ready() bool { return e.count >= e.period }

func (e *ema) reset() {
	e.count = 0
	e.sum = 0
	e.value = 0
}

// wilderRSI keeps Wilder-smoothed average gains and losses.
type wilderRSI struct {
	period    int
	prevClose float64
	seen      int
	gainSum   float64
	lossSum   float64
	avgGain   float64
	avgLoss   float64
}

func newWilderRSI(period int) *wilderRSI {
	return &wilderRSI{period: period}
}

// update feeds one close and returns the RSI once period changes are seen.
func (r *wilderRSI) update(close float64) (float64, bool) {
	r.seen++
	if r.seen == 1 {
		r.prevClose = close
		return 0, false
	}

	change := close - r.prevClose
	r.prevClose = close

	gain, loss := 0.0, 0.0
	if change > 0 {
		gain = change
	} else {
		loss = -change
	}

	changes := r.seen - 1
	switch {
	case changes < r.period:
		r.gainSum += gain
		r.lossSum += loss
		return 0, false
	case changes == r.period:
		r.avgGain = (r.gainSum + gain) / float64(r.period)
		r.avgLoss = (r.lossSum + loss) / float64(r.period)
	default:
		p := float64(r.period)
		r.avgGain = (r.avgGain*(p-1) + gain) / p
		r.avgLoss = (r.avgLoss*(p-1) + loss) / p
	}

	if r.avgLoss == 0 {
		if r.avgGain == 0 {
			return 50, true
		}
		return 100, true
	}
	rs := r.avgGain / r.avgLoss
	return 100 - 100/(1+rs), true
}

func (r *wilderRSI) reset() {
	*r = wilderRSI{period: r.period}
}
