package decision

import (
	"math"

	"flowbot/config"
)

// Classifier maps an indicator context to a market regime. Classification is
// a pure function of the context: identical input yields identical output.
type Classifier struct {
	cfg *config.StrategyConfig
}

func NewClassifier(cfg *config.StrategyConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify runs the priority chain: liquidity gate, range-first test,
// multi-timeframe alignment, strength scoring, trend gate, neutral fallback.
func (c *Classifier) Classify(ctx *Context) RegimeInfo {
	// thin-book protection: below a fraction of the trailing 24h average
	// volume everything is neutral and metadata is zeroed
	if ctx.Vol24hAvg > 0 && ctx.Volume < c.cfg.LowLiqVolRatio*ctx.Vol24hAvg {
		return RegimeInfo{Regime: RegimeNeutral, MTFAlignment: "none", LowLiquidity: true}
	}

	info := RegimeInfo{MTFAlignment: "none"}

	// range wins over trend on ambiguity
	if ctx.ATRPct <= c.cfg.RangeATRPctMax &&
		math.Abs(ctx.SMAFast-ctx.SMASlow) <= c.cfg.RangeSMAConvK*ctx.ATR {
		info.Regime = RegimeRange
		info.StrengthUp, info.StrengthDown = c.strength(ctx)
		return info
	}

	info.MTFAlignment = c.mtfAlignment(ctx)
	info.StrengthUp, info.StrengthDown = c.strength(ctx)

	if c.trendGate(ctx) {
		upDir := (ctx.SMAFast > ctx.SMASlow && ctx.MACD > ctx.MACDSignal) || info.MTFAlignment == "up"
		downDir := (ctx.SMAFast < ctx.SMASlow && ctx.MACD < ctx.MACDSignal) || info.MTFAlignment == "down"
		if upDir != downDir {
			if upDir {
				info.Regime = RegimeTrendUp
			} else {
				info.Regime = RegimeTrendDown
			}
			return info
		}
	}

	info.Regime = RegimeNeutral
	return info
}

// mtfAlignment checks per-timeframe direction (ADX floor + fast>slow EMA)
// and reports alignment when the base timeframe agrees with at least one of
// the higher ones.
func (c *Classifier) mtfAlignment(ctx *Context) string {
	dir := func(adx, fast, slow float64) int {
		if adx < c.cfg.ADXTrendMin || fast == 0 || slow == 0 {
			return 0
		}
		switch {
		case fast > slow:
			return 1
		case fast < slow:
			return -1
		}
		return 0
	}
	base := dir(ctx.ADX, ctx.SMAFast, ctx.SMASlow)
	if base == 0 {
		return "none"
	}
	d15 := dir(ctx.ADX15, ctx.EMAFast15, ctx.EMASlow15)
	d1h := dir(ctx.ADX1h, ctx.EMAFast1h, ctx.EMASlow1h)
	if base == d15 || base == d1h {
		if base > 0 {
			return "up"
		}
		return "down"
	}
	return "none"
}

// strength scores both directions over six independent conditions; a sudden
// move adds one to both sides, capped at six.
func (c *Classifier) strength(ctx *Context) (up, down int) {
	if ctx.ADX >= c.cfg.ADXStrongMin {
		up++
		down++
	}
	if ctx.SMAFast > ctx.SMASlow {
		up++
	} else if ctx.SMAFast < ctx.SMASlow {
		down++
	}
	if ctx.RSI >= 50 && ctx.RSI <= c.cfg.ExhaustionRSI {
		up++
	}
	if ctx.RSI <= 50 && ctx.RSI >= (100-c.cfg.ExhaustionRSI) {
		down++
	}
	if ctx.VolumeMA > 0 && ctx.Volume > ctx.VolumeMA {
		up++
		down++
	}
	if ctx.BollWidth > ctx.BollWidthPrev {
		up++
		down++
	}
	if ctx.MACDHist > ctx.MACDHistPrev {
		up++
	} else if ctx.MACDHist < ctx.MACDHistPrev {
		down++
	}
	if ctx.SuddenMove {
		up++
		down++
	}
	if up > 6 {
		up = 6
	}
	if down > 6 {
		down = 6
	}
	return up, down
}

func (c *Classifier) trendGate(ctx *Context) bool {
	atrOK := ctx.ATRPct >= c.cfg.ATRPctTrendMin
	adxOK := ctx.ADX >= c.cfg.ADXTrendMin
	switch c.cfg.TrendGateMode {
	case "and":
		return atrOK && adxOK
	case "adx_only":
		return adxOK
	case "atr_only":
		return atrOK
	default:
		return atrOK || adxOK
	}
}

// IsBear reports the simple bear condition used by the entry hard block.
func IsBear(ctx *Context) bool {
	return ctx.SMAFast < ctx.SMASlow && ctx.MACD < ctx.MACDSignal
}

// IsBull is the mirror of IsBear.
func IsBull(ctx *Context) bool {
	return ctx.SMAFast > ctx.SMASlow && ctx.MACD > ctx.MACDSignal
}

// RangePosition returns the price position within [LL,HH] as 0..1,
// -1 when the range is degenerate.
func RangePosition(price, hh, ll float64) float64 {
	if hh <= ll {
		return -1
	}
	return (price - ll) / (hh - ll)
}

// IsRangeUpper reports whether price sits in the upper band of the lookback
// range.
func (c *Classifier) IsRangeUpper(ctx *Context) bool {
	pos := RangePosition(ctx.Price, ctx.HH, ctx.LL)
	return pos >= 0 && pos >= c.cfg.RangeTopPos
}

// IsRangeLower reports whether price sits in the lower band.
func (c *Classifier) IsRangeLower(ctx *Context) bool {
	pos := RangePosition(ctx.Price, ctx.HH, ctx.LL)
	return pos >= 0 && pos <= c.cfg.RangeBottomPos
}
