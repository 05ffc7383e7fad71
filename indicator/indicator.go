// Package indicator provides stateless indicator transforms over OHLCV
// slices. Output slices are aligned with the input; positions that fall in
// the warm-up window hold NaN.
package indicator

import (
	"math"
	"sort"
)

// EMA computes an exponential moving average with smoothing 2/(span+1),
// seeded with the first value.
func EMA(values []float64, span int) []float64 {
	if len(values) == 0 {
		return nil
	}
	k := 2.0 / (float64(span) + 1.0)
	out := make([]float64, len(values))
	ema := values[0]
	out[0] = ema
	for i := 1; i < len(values); i++ {
		ema = (values[i]-ema)*k + ema
		out[i] = ema
	}
	return out
}

// SMA computes a simple moving average; entries before a full window are NaN.
func SMA(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out[i] = sum / float64(window)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// RSI computes Wilder's relative strength index.
func RSI(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	if len(values) <= period {
		return out
	}
	gains := make([]float64, len(values))
	losses := make([]float64, len(values))
	for i := 1; i < len(values); i++ {
		diff := values[i] - values[i-1]
		gains[i] = math.Max(0, diff)
		losses[i] = math.Max(0, -diff)
	}
	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	for i := period + 1; i < len(values); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		if avgLoss == 0 {
			out[i] = 100.0
		} else {
			rs := avgGain / avgLoss
			out[i] = 100.0 - 100.0/(1.0+rs)
		}
	}
	return out
}

// MACD returns the MACD line, signal line and histogram.
func MACD(values []float64, fast, slow, signal int) (line, sig, hist []float64) {
	emaFast := EMA(values, fast)
	emaSlow := EMA(values, slow)
	line = make([]float64, len(values))
	for i := range values {
		line[i] = emaFast[i] - emaSlow[i]
	}
	sig = EMA(line, signal)
	hist = make([]float64, len(values))
	for i := range values {
		hist[i] = line[i] - sig[i]
	}
	return line, sig, hist
}

// ATR computes the average true range as an SMA of true ranges.
func ATR(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	trs := make([]float64, n)
	for i := 0; i < n; i++ {
		if i == 0 {
			trs[i] = highs[i] - lows[i]
			continue
		}
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		trs[i] = tr
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	if n < period {
		return out
	}
	var sum float64
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	out[period-1] = sum / float64(period)
	for i := period; i < n; i++ {
		sum += trs[i] - trs[i-period]
		out[i] = sum / float64(period)
	}
	return out
}

// VWMA computes a volume-weighted moving average.
func VWMA(values, volumes []float64, window int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		out[i] = math.NaN()
	}
	for i := window - 1; i < len(values); i++ {
		var pv, v float64
		for j := i - window + 1; j <= i; j++ {
			pv += values[j] * volumes[j]
			v += volumes[j]
		}
		if v > 0 {
			out[i] = pv / v
		}
	}
	return out
}

// ATRPercent returns the latest ATR as a fraction of the latest close,
// or 0 when the price is zero or history is too short.
func ATRPercent(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n == 0 {
		return 0
	}
	at := ATR(highs, lows, closes, period)
	last := at[n-1]
	price := closes[n-1]
	if math.IsNaN(last) || price == 0 {
		return 0
	}
	return last / price
}

// ADX computes a simplified average directional index: DX smoothed by an
// SMA of the same period. Returns the latest value, 0 when history is short.
func ADX(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < 2*period+1 {
		return 0
	}
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	trs := make([]float64, n)
	for i := 1; i < n; i++ {
		up := highs[i] - highs[i-1]
		dn := lows[i-1] - lows[i]
		if up > dn && up > 0 {
			plusDM[i] = up
		}
		if dn > up && dn > 0 {
			minusDM[i] = dn
		}
		tr := highs[i] - lows[i]
		tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
		tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		trs[i] = tr
	}
	smooth := func(xs []float64) []float64 {
		out := make([]float64, n)
		var sum float64
		for i := 1; i < n; i++ {
			sum += xs[i]
			if i > period {
				sum -= xs[i-period]
			}
			if i >= period {
				out[i] = sum / float64(period)
			}
		}
		return out
	}
	atr := smooth(trs)
	pdm := smooth(plusDM)
	mdm := smooth(minusDM)
	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if atr[i] <= 0 {
			continue
		}
		pdi := 100.0 * pdm[i] / atr[i]
		mdi := 100.0 * mdm[i] / atr[i]
		if pdi+mdi > 0 {
			dx[i] = 100.0 * math.Abs(pdi-mdi) / (pdi + mdi)
		}
	}
	var sum float64
	for i := n - period; i < n; i++ {
		sum += dx[i]
	}
	return sum / float64(period)
}

// BollWidth returns the Bollinger band width (2*2σ/SMA) for the last window,
// 0 when history is short or the mean is zero.
func BollWidth(values []float64, window int) float64 {
	if len(values) < window || window <= 0 {
		return 0
	}
	w := values[len(values)-window:]
	var sum float64
	for _, v := range w {
		sum += v
	}
	mean := sum / float64(window)
	if mean == 0 {
		return 0
	}
	var ss float64
	for _, v := range w {
		d := v - mean
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(window))
	return 4.0 * sd / mean
}

// Median returns the median of xs, 0 for an empty slice.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	cp := make([]float64, len(xs))
	copy(cp, xs)
	sort.Float64s(cp)
	n := len(cp)
	if n%2 == 1 {
		return cp[n/2]
	}
	return (cp[n/2-1] + cp[n/2]) / 2.0
}

// RobustZ computes a median/MAD z-score of the last element of the window:
// z = 0.6745*(last-median)/MAD, clipped to ±clip. Returns 0 when fewer than
// minSamples values exist or MAD is degenerate.
func RobustZ(xs []float64, minSamples int, clip float64) float64 {
	n := len(xs)
	if n < minSamples {
		return 0
	}
	med := Median(xs)
	dev := make([]float64, n)
	for i, v := range xs {
		dev[i] = math.Abs(v - med)
	}
	mad := Median(dev)
	if mad < 1e-6 {
		return 0
	}
	z := 0.6745 * (xs[n-1] - med) / mad
	if z > clip {
		z = clip
	}
	if z < -clip {
		z = -clip
	}
	return z
}
