package regime

import (
	"math"

	"github.com/atlas-desktop/regime-engine/pkg/types"
)

// bars holds float views of a window of candles.
type bars struct {
	high  []float64
	low   []float64
	close []float64
}

func toBars(candles []types.OHLCV) bars {
	b := bars{
		high:  make([]float64, len(candles)),
		low:   make([]float64, len(candles)),
		close: make([]float64, len(candles)),
	}
	for i, c := range candles {
		b.high[i] = c.High.InexactFloat64()
		b.low[i] = c.Low.InexactFloat64()
		b.close[i] = c.Close.InexactFloat64()
	}
	return b
}

// TrueRanges returns the true range of every bar after the first.
func TrueRanges(candles []types.OHLCV) []float64 {
	return toBars(candles).trueRanges()
}

func (b bars) trueRanges() []float64 {
	if len(b.close) < 2 {
		return nil
	}
	out := make([]float64, 0, len(b.close)-1)
	for i := 1; i < len(b.close); i++ {
		hl := b.high[i] - b.low[i]
		hc := math.Abs(b.high[i] - b.close[i-1])
		lc := math.Abs(b.low[i] - b.close[i-1])
		out = append(out, math.Max(hl, math.Max(hc, lc)))
	}
	return out
}

// ATR returns the simple average true range over the last period bars.
func ATR(candles []types.OHLCV, period int) float64 {
	tr := TrueRanges(candles)
	if len(tr) == 0 || period <= 0 {
		return 0
	}
	if period > len(tr) {
		period = len(tr)
	}
	sum := 0.0
	for _, v := range tr[len(tr)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// adx computes Wilder's average directional index. It returns the final ADX
// (0-100) and the sign of the trend: +1 when +DI dominates, -1 otherwise.
func (b bars) adx(period int) (float64, float64) {
	n := len(b.close)
	if period <= 0 || n < 2*period+1 {
		return 0, 0
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := b.high[i] - b.high[i-1]
		down := b.low[i-1] - b.low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
		hl := b.high[i] - b.low[i]
		hc := math.Abs(b.high[i] - b.close[i-1])
		lc := math.Abs(b.low[i] - b.close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	// Wilder seed: plain sums over the first period.
	var trS, pS, mS float64
	for i := 1; i <= period; i++ {
		trS += tr[i]
		pS += plusDM[i]
		mS += minusDM[i]
	}

	p := float64(period)
	dx := func() (float64, float64, float64) {
		if trS == 0 {
			return 0, 0, 0
		}
		pdi := 100 * pS / trS
		mdi := 100 * mS / trS
		if pdi+mdi == 0 {
			return 0, pdi, mdi
		}
		return 100 * math.Abs(pdi-mdi) / (pdi + mdi), pdi, mdi
	}

	dxs := make([]float64, 0, n-period)
	d, pdi, mdi := dx()
	dxs = append(dxs, d)
	for i := period + 1; i < n; i++ {
		trS = trS - trS/p + tr[i]
		pS = pS - pS/p + plusDM[i]
		mS = mS - mS/p + minusDM[i]
		d, pdi, mdi = dx()
		dxs = append(dxs, d)
	}

	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= p
	for i := period; i < len(dxs); i++ {
		adx = (adx*(p-1) + dxs[i]) / p
	}

	sign := 1.0
	if mdi > pdi {
		sign = -1
	}
	return adx, sign
}

// regression returns R² of a least-squares line through closes, scaled to
// 0-100, and the sign of its slope.
func (b bars) regression() (float64, float64) {
	n := float64(len(b.close))
	if n < 3 {
		return 0, 0
	}
	var sx, sy, sxx, sxy, syy float64
	for i, y := range b.close {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
		syy += y * y
	}
	vx := n*sxx - sx*sx
	vy := n*syy - sy*sy
	if vx == 0 || vy == 0 {
		return 0, 0
	}
	cov := n*sxy - sx*sy
	r2 := (cov * cov) / (vx * vy)
	sign := 1.0
	if cov < 0 {
		sign = -1
	}
	return 100 * r2, sign
}

// rangePosition places the last close inside the window's high/low range.
// Strength is the distance from mid-range scaled to 0-100.
func (b bars) rangePosition() (float64, float64) {
	if len(b.close) == 0 {
		return 0, 0
	}
	hi, lo := b.high[0], b.low[0]
	for i := range b.close {
		hi = math.Max(hi, b.high[i])
		lo = math.Min(lo, b.low[i])
	}
	if hi == lo {
		return 0, 0
	}
	p := 100 * (b.close[len(b.close)-1] - lo) / (hi - lo)
	sign := 1.0
	if p < 50 {
		sign = -1
	}
	return math.Abs(p-50) * 2, sign
}

// volatilityRatio compares the recent mean true range to the window mean.
func (b bars) volatilityRatio(recent int) float64 {
	tr := b.trueRanges()
	if len(tr) == 0 {
		return 1
	}
	hist := 0.0
	for _, v := range tr {
		hist += v
	}
	hist /= float64(len(tr))
	if hist == 0 {
		return 1
	}
	if recent > len(tr) {
		recent = len(tr)
	}
	rec := 0.0
	for _, v := range tr[len(tr)-recent:] {
		rec += v
	}
	rec /= float64(recent)
	return rec / hist
}

// Autocorrelation returns the lag-1 autocorrelation of xs.
func Autocorrelation(xs []float64) float64 {
	n := len(xs)
	if n < 3 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(n)

	num, den := 0.0, 0.0
	for i := 0; i < n; i++ {
		d := xs[i] - mean
		den += d * d
		if i > 0 {
			num += d * (xs[i-1] - mean)
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// HalfLife converts a lag-1 autocorrelation into a mean-reversion half-life in
// bars. It returns 0 for rho <= 0 and +Inf for rho >= 1.
func HalfLife(rho float64) float64 {
	if rho <= 0 {
		return 0
	}
	if rho >= 1 {
		return math.Inf(1)
	}
	return -math.Ln2 / math.Log(rho)
}

// reversionSpeed scores how fast closes revert to their moving mean, in [0,1].
func (b bars) reversionSpeed(meanWindow int, scale float64) (speed, rho, halfLife float64) {
	if meanWindow < 2 || len(b.close) < meanWindow+2 {
		return 0, 0, math.Inf(1)
	}
	devs := make([]float64, 0, len(b.close)-meanWindow+1)
	sum := 0.0
	for i, c := range b.close {
		sum += c
		if i >= meanWindow {
			sum -= b.close[i-meanWindow]
		}
		if i >= meanWindow-1 {
			devs = append(devs, c-sum/float64(meanWindow))
		}
	}
	rho = Autocorrelation(devs)
	halfLife = HalfLife(rho)
	switch {
	case rho <= 0:
		return 1, rho, halfLife
	case rho >= 1:
		return 0, rho, halfLife
	}
	return math.Exp(-halfLife / scale), rho, halfLife
}

// persistence blends the longest same-direction run with net directional
// consistency. Both halves are in [0,1].
func (b bars) persistence(horizon int) float64 {
	if len(b.close) < 2 || horizon <= 0 {
		return 0
	}
	longest, run, prev := 0, 0, 0
	ups, downs := 0, 0
	for i := 1; i < len(b.close); i++ {
		dir := 0
		switch {
		case b.close[i] > b.close[i-1]:
			dir = 1
			ups++
		case b.close[i] < b.close[i-1]:
			dir = -1
			downs++
		}
		if dir != 0 && dir == prev {
			run++
		} else if dir != 0 {
			run = 1
		} else {
			run = 0
		}
		prev = dir
		if run > longest {
			longest = run
		}
	}
	runScore := math.Min(1, float64(longest)/float64(horizon))
	consistency := math.Abs(float64(ups-downs)) / float64(len(b.close)-1)
	return 0.5*runScore + 0.5*consistency
}
