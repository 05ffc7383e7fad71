package market

import "flowbot/indicator"

// flowBucket accumulates buy/sell qty for one whole second.
type flowBucket struct {
	sec  int64
	buy  float64
	sell float64
}

// FlowBuckets maintains per-second buy/sell volume buckets over a sliding
// window and derives the order-flow-imbalance robust z-score from them.
type FlowBuckets struct {
	windowSec int64
	zClip     float64
	buckets   []flowBucket
}

// NewFlowBuckets creates a bucket window of windowSec seconds with the given
// z-score clip.
func NewFlowBuckets(windowSec int, zClip float64) *FlowBuckets {
	return &FlowBuckets{windowSec: int64(windowSec), zClip: zClip}
}

// AddTrade folds one trade tick into the current second's bucket. Non-positive
// quantities are ignored. Buckets older than the window are pruned.
func (f *FlowBuckets) AddTrade(tsMs int64, isBuy bool, qty float64) {
	if qty <= 0 {
		return
	}
	sec := tsMs / 1000
	if n := len(f.buckets); n > 0 && f.buckets[n-1].sec == sec {
		if isBuy {
			f.buckets[n-1].buy += qty
		} else {
			f.buckets[n-1].sell += qty
		}
	} else {
		b := flowBucket{sec: sec}
		if isBuy {
			b.buy = qty
		} else {
			b.sell = qty
		}
		f.buckets = append(f.buckets, b)
	}

	cutoff := sec - f.windowSec
	i := 0
	for i < len(f.buckets) && f.buckets[i].sec < cutoff {
		i++
	}
	if i > 0 {
		f.buckets = f.buckets[i:]
	}
}

// Series returns the per-second (buy − sell) values in time order.
func (f *FlowBuckets) Series() []float64 {
	if len(f.buckets) == 0 {
		return nil
	}
	out := make([]float64, len(f.buckets))
	for i, b := range f.buckets {
		out[i] = b.buy - b.sell
	}
	return out
}

// ZScore computes the robust z-score of the latest per-second net flow over
// an adaptive sub-window: 30 seconds when fewer than 30 buckets exist, 60
// when fewer than 60, otherwise 120. Returns 0 with fewer than 5 buckets.
func (f *FlowBuckets) ZScore() float64 {
	x := f.Series()
	n := len(x)
	if n < 5 {
		return 0
	}
	win := 120
	if n < 30 {
		win = 30
	} else if n < 60 {
		win = 60
	}
	if win > n {
		win = n
	}
	return indicator.RobustZ(x[n-win:], 5, f.zClip)
}

// CVDTracker keeps a running cumulative volume delta, an EMA of it, and
// same-second consecutive same-direction tick counters.
type CVDTracker struct {
	Value   float64
	EMA     float64
	alpha   float64
	emaInit bool

	SeqBuys  int
	SeqSells int
	lastSec  int64
	hasSec   bool
}

// NewCVDTracker creates a tracker with EMA smoothing 2/(period+1).
func NewCVDTracker(emaPeriod int) *CVDTracker {
	return &CVDTracker{alpha: 2.0 / (float64(emaPeriod) + 1.0)}
}

// OnTrade folds one signed tick into the delta and updates the consecutive
// counters. The counters reset whenever the wall-clock second changes, and
// a tick in one direction zeroes the opposite counter.
func (c *CVDTracker) OnTrade(tsMs int64, isBuy bool, qty float64) {
	delta := qty
	if !isBuy {
		delta = -qty
	}
	c.Value += delta
	if !c.emaInit {
		c.EMA = c.Value
		c.emaInit = true
	} else {
		c.EMA += c.alpha * (c.Value - c.EMA)
	}

	sec := tsMs / 1000
	if !c.hasSec || sec != c.lastSec {
		c.SeqBuys = 0
		c.SeqSells = 0
		c.lastSec = sec
		c.hasSec = true
	}
	if delta > 0 {
		c.SeqBuys++
		c.SeqSells = 0
	} else if delta < 0 {
		c.SeqSells++
		c.SeqBuys = 0
	}
}

// SlopePositive reports whether the delta sits above its EMA.
func (c *CVDTracker) SlopePositive() bool {
	return c.Value > c.EMA
}
