package decision

import (
	"fmt"
	"math"
	"strings"

	"flowbot/config"
	"flowbot/market"
)

// Guard is the layered entry veto pipeline. Every rejection carries a
// human-readable reason; every bypass appends a relax tag.
type Guard struct {
	cfg        *config.StrategyConfig
	classifier *Classifier
}

func NewGuard(cfg *config.StrategyConfig) *Guard {
	return &Guard{cfg: cfg, classifier: NewClassifier(cfg)}
}

// EvaluateLong runs the pipeline for a LONG entry.
func (g *Guard) EvaluateLong(trades []market.Trade, book *market.OrderBook, ctx *Context) GuardResult {
	return g.evaluate(1, trades, book, ctx)
}

// EvaluateShort runs the exact mirror for a SHORT entry: inequalities
// flipped, ask and bid swapped.
func (g *Guard) EvaluateShort(trades []market.Trade, book *market.OrderBook, ctx *Context) GuardResult {
	return g.evaluate(-1, trades, book, ctx)
}

// evaluate implements both sides through a direction sign: +1 long, -1 short.
// Sharing one body keeps the two sides mirror-symmetric by construction.
func (g *Guard) evaluate(dir float64, trades []market.Trade, book *market.OrderBook, ctx *Context) GuardResult {
	cfg := g.cfg
	long := dir > 0
	price := ctx.Price
	ma := ctx.SMAFast
	atr := ctx.ATR
	if atr <= 0 {
		atr = 1e-9
	}

	regime := g.classifier.Classify(ctx).Regime
	trendAligned := (long && regime == RegimeTrendUp) || (!long && regime == RegimeTrendDown)
	var relax []string

	// --- absolute MA/RSI guard, disabled when the trend already runs our way
	if cfg.RequireCloseVsSMAGuard && !trendAligned {
		buf := g.maBuffer(ctx)
		if dir*(price-(ma-dir*buf*atr)) <= 0 {
			if long {
				return reject(fmt.Sprintf("close<=SMA%d-%.2fATR (guard)", cfg.SMAFast, buf), relax)
			}
			return reject(fmt.Sprintf("close>=SMA%d+%.2fATR (guard)", cfg.SMAFast, buf), relax)
		}
		if long && ctx.RSI < cfg.RSILongMin {
			return reject(fmt.Sprintf("RSI<%.0f (guard)", cfg.RSILongMin), relax)
		}
		if !long && ctx.RSI > cfg.RSIShortMax {
			return reject(fmt.Sprintf("RSI>%.0f (guard)", cfg.RSIShortMax), relax)
		}
	}

	// --- overheat: never buy an overbought tape or sell an oversold one
	if long && cfg.RSIOverbought > 0 && ctx.RSI > cfg.RSIOverbought {
		return reject(fmt.Sprintf("RSI=%.1f overbought (>%.0f)", ctx.RSI, cfg.RSIOverbought), relax)
	}
	if !long && cfg.RSIOversold > 0 && ctx.RSI < cfg.RSIOversold {
		return reject(fmt.Sprintf("RSI=%.1f oversold (<%.0f)", ctx.RSI, cfg.RSIOversold), relax)
	}

	// --- opposing-regime hard block with the capitulation exception
	if long && IsBear(ctx) {
		if g.isCapitulationLong(ctx) {
			return GuardResult{Allowed: true, Reason: "capitulation_long", Mode: "capitulation_long"}
		}
		return reject("bear regime: long disabled", relax)
	}
	if !long && IsBull(ctx) {
		if g.isCapitulationShort(ctx) {
			return GuardResult{Allowed: true, Reason: "capitulation_short", Mode: "capitulation_short"}
		}
		return reject("bull regime: short disabled", relax)
	}

	// --- flow conviction floor, stricter against the prevailing trend
	counterTrend := (long && regime == RegimeTrendDown) || (!long && regime == RegimeTrendUp)
	ofiMin := cfg.OFIZEntryMin
	consMin := cfg.ConsBuyMin
	if !long {
		consMin = cfg.ConsSellMin
	}
	netFloor := cfg.NetMktUSDMin
	if counterTrend {
		distNow := math.Abs(price-ma) / atr
		if distNow < cfg.BlockCountertrendIfDistATRLt {
			return reject(fmt.Sprintf("countertrend too close to SMA%d: %.2fATR", cfg.SMAFast, distNow), relax)
		}
		if (!long && ctx.RSI > cfg.BlockCountertrendIfRSIGt) ||
			(long && ctx.RSI < 100.0-cfg.BlockCountertrendIfRSIGt) {
			return reject(fmt.Sprintf("countertrend blocked by RSI=%.1f", ctx.RSI), relax)
		}
		if ctx.EdgeVotes < cfg.RequiredVotesMin {
			return reject(fmt.Sprintf("countertrend needs %d votes, got %d", cfg.RequiredVotesMin, ctx.EdgeVotes), relax)
		}
		ofiMin = cfg.OFIZEntryMinStrong
		consMin = cfg.ConsBuyMinStrong
		if !long {
			consMin = cfg.ConsSellMinStrong
		}
		netFloor = cfg.NetMktUSDMinStrong
	}
	cons := ctx.ConsBuy
	if !long {
		cons = ctx.ConsSell
	}
	fmS := ComputeFlowMetrics(trades, cfg.FlowWindowShortSec)
	if dir*ctx.OFIZ < ofiMin && cons < consMin {
		return reject(fmt.Sprintf("flow conviction low: ofi_z=%.2f (need %.1f) cons=%d (need %d)",
			ctx.OFIZ, ofiMin, cons, consMin), relax)
	}
	if dir*fmS.NetUSD < netFloor {
		return reject(fmt.Sprintf("net market flow below floor: %.0f (need %.0f)", fmS.NetUSD, netFloor), relax)
	}

	// --- pullback wait
	alpha := cfg.EntryPullbackATR
	inTrend := regime == RegimeTrendUp || regime == RegimeTrendDown
	if inTrend && (trendAligned || !cfg.DisableTrendWidenForCounter) {
		if cfg.EntryPullbackATRTrendMin > alpha {
			alpha = cfg.EntryPullbackATRTrendMin
			relax = append(relax, fmt.Sprintf("trend_widen->%.2fATR", alpha))
		}
	}
	target := ma + dir*alpha*atr
	distATR := dir * (price - ma) / atr

	kCap, bonus := g.distanceCap(regime, trendAligned, ctx.EdgeVotes, dir*ctx.OFIZ)

	if dir*(price-target) > 0 {
		allowByFlow := math.Abs(fmS.RateUSD) >= cfg.PullbackOverrideRateS && dir*fmS.NetUSD >= cfg.PullbackOverrideNetS
		extra := 0.0
		if regime == RegimeNeutral {
			extra = cfg.MomentumExtraATRNeutral
		}
		allowByMomentum := cfg.UseMomentumPullbackOverride &&
			ctx.EdgeVotes >= cfg.MomentumVotesMin &&
			distATR <= kCap+extra

		switch {
		case allowByFlow:
			relax = append(relax, "strong_flow_override")
		case allowByMomentum:
			relax = append(relax, "momentum_override")
		default:
			if cfg.UsePivotOBOverride && g.pivotOBOverride(long, book, distATR, ctx) {
				relax = append(relax, "pivot_ob_override")
			} else {
				if long {
					return reject(fmt.Sprintf("waiting for pullback: <=SMA%d+%.2fATR (now +%.2fATR)", cfg.SMAFast, alpha, distATR), relax)
				}
				return reject(fmt.Sprintf("waiting for pullback: >=SMA%d-%.2fATR (now -%.2fATR)", cfg.SMAFast, alpha, distATR), relax)
			}
		}
	}

	// --- hard distance cap after the dynamic bonus
	if distATR > kCap {
		if bonus > 0 {
			relax = append(relax, fmt.Sprintf("cap_bonus=+%.2f", bonus))
		}
		return reject(fmt.Sprintf("too far from SMA%d: %.2fATR > cap %.2fATR", cfg.SMAFast, distATR, kCap), relax)
	}

	// --- orderbook soft guard, walls scanned within an ATR band of mid
	obRatio := 0.0
	if cfg.UseOrderbookFilter {
		obRatio, _, _ = book.WallPressureNear(cfg.OBDepth, cfg.WallScanATRK*atr)
		baseMax := g.obBaseMax(regime, trendAligned)
		pressure := obRatio // ask/bid: high is hostile to longs
		if !long {
			pressure = math.Inf(1)
			if obRatio > 0 {
				pressure = 1.0 / obRatio
			}
		}
		if pressure > baseMax+cfg.OBRelaxBand {
			if math.Abs(fmS.RateUSD) >= cfg.OBOverrideRateS && dir*fmS.NetUSD >= cfg.OBOverrideNetS {
				relax = append(relax, "ob_strong_flow_override")
			} else {
				return reject(fmt.Sprintf("orderbook against entry: ratio=%.2f (max %.2f+%.2f), flow weak (rateS=%.0f/s netS=%.0f)",
					obRatio, baseMax, cfg.OBRelaxBand, fmS.RateUSD, fmS.NetUSD), relax)
			}
		}
	}

	// --- range-top veto: a long into the top of the range against a
	// persistently ask-heavy book needs real buy flow behind it
	if long {
		if rp := RangePosition(price, ctx.HH, ctx.LL); rp >= cfg.RangeTopPos &&
			(obRatio >= cfg.RangeTopAskBidMin || ctx.OBPersist >= cfg.OBPersistAskBidMin) &&
			ctx.OFIZ <= cfg.RangeTopOFIZMax {
			return reject(fmt.Sprintf("range top %.0f%% with heavy asks (ob=%.2f persist=%.2f ofi_z=%.2f)",
				rp*100, obRatio, ctx.OBPersist, ctx.OFIZ), relax)
		}
	}

	// --- two-window flow baseline; the long window is diagnostics only
	fmL := ComputeFlowMetrics(trades, cfg.FlowWindowLongSec)
	flowOK := fmS.Count >= cfg.FlowMinCount &&
		fmS.Consec >= cfg.FlowMinConsec &&
		dir*fmS.Imbalance >= cfg.FlowMinImbalance &&
		dir*fmS.NetUSD >= cfg.FlowMinNetUSD
	if !flowOK {
		return reject(fmt.Sprintf("flow too weak: cnt=%d consec=%d imb=%.2f netS=%.0f netL=%.0f",
			fmS.Count, fmS.Consec, fmS.Imbalance, fmS.NetUSD, fmL.NetUSD), relax)
	}

	ok := fmt.Sprintf("OK | regime=%s dist=%+.2fATR (cap %.2f) | flowS(rate=%.0f/s net=%.0f) flowL(rate=%.0f/s net=%.0f)",
		regime, dir*distATR, kCap, fmS.RateUSD, fmS.NetUSD, fmL.RateUSD, fmL.NetUSD)
	if cfg.UseOrderbookFilter {
		ok += fmt.Sprintf(" | ob=%.2f", obRatio)
	}
	if len(relax) > 0 {
		ok += " | relax=" + strings.Join(relax, ",")
	}
	return GuardResult{Allowed: true, Reason: ok, RelaxTags: relax}
}

// maBuffer computes the dynamic ATR buffer below/above the guard MA: the
// base widens proportionally once ATR% exceeds its reference, up to a cap.
func (g *Guard) maBuffer(ctx *Context) float64 {
	k := g.cfg.GuardBufBaseK
	if ref := g.cfg.GuardBufATRPctRef; ref > 0 && ctx.ATRPct > ref {
		k *= ctx.ATRPct / ref
	}
	if k > g.cfg.GuardBufMaxK {
		k = g.cfg.GuardBufMaxK
	}
	return k
}

// distanceCap returns the regime cap plus the dynamic bonus. ofiZ is already
// oriented in the entry direction. Trend gets no bonus.
func (g *Guard) distanceCap(regime Regime, trendAligned bool, votes int, ofiZ float64) (cap, bonus float64) {
	cfg := g.cfg
	switch {
	case trendAligned:
		cap = cfg.EntryMaxOverSMAATRTrend
	case regime == RegimeRange:
		cap = cfg.EntryMaxOverSMAATRRange
	default:
		cap = cfg.EntryMaxOverSMAATRNeutral
	}
	if cap <= 0 {
		cap = cfg.DistCapBase
	}
	if !cfg.CapBonusEnabled || trendAligned {
		return cap, 0
	}
	if votes >= 2 {
		bonus += cfg.CapBonusVotes2
	}
	if votes >= 3 {
		bonus += float64(votes-2) * cfg.CapBonusPerVote
	}
	if ofiZ >= cfg.OFIZBoostThr {
		bonus += (ofiZ - cfg.OFIZBoostThr) * cfg.CapBonusOFIZK
	}
	bonusMax := cfg.CapBonusNeutralMax
	if regime == RegimeRange {
		bonusMax = cfg.CapBonusRangeMax
	}
	if cfg.DistCapBonusMax > 0 && bonusMax > cfg.DistCapBonusMax {
		bonusMax = cfg.DistCapBonusMax
	}
	if bonus > bonusMax {
		bonus = bonusMax
	}
	return cap + bonus, bonus
}

func (g *Guard) obBaseMax(regime Regime, trendAligned bool) float64 {
	switch {
	case trendAligned:
		return g.cfg.OBAskBidMaxTrend
	case regime == RegimeRange:
		return g.cfg.OBAskBidMaxRange
	default:
		return g.cfg.OBAskBidMaxNeutral
	}
}

// pivotOBOverride treats a pullback as complete when price sits near the MA
// and the book leans toward the entry side with confirming flow.
func (g *Guard) pivotOBOverride(long bool, book *market.OrderBook, distATR float64, ctx *Context) bool {
	cfg := g.cfg
	if distATR > cfg.PivotMaxDistATR || ctx.EdgeVotes < 2 {
		return false
	}
	obRatio, _, _ := book.WallPressureNear(cfg.OBDepth, cfg.WallScanATRK*ctx.ATR)
	if long {
		return obRatio > 0 && obRatio <= cfg.PivotOBMaxRatio && ctx.OFIZ >= cfg.PivotMinOFIZ
	}
	wantMin := math.Inf(1)
	if cfg.PivotOBMaxRatio > 0 {
		wantMin = 1.0 / cfg.PivotOBMaxRatio
	}
	return obRatio >= wantMin && ctx.OFIZ <= -cfg.PivotMinOFIZ
}

// isCapitulationLong allows a counter-trend long scalp into a short squeeze:
// strong buy OFI, heavy short liquidations and a sharp open-interest drop.
func (g *Guard) isCapitulationLong(ctx *Context) bool {
	return ctx.OFIZ >= g.cfg.CapitulationOFIZMin &&
		ctx.LiqShortUSD >= g.cfg.CapitulationLiqUSD &&
		ctx.OIDropPct <= g.cfg.CapitulationOIDrop
}

func (g *Guard) isCapitulationShort(ctx *Context) bool {
	return ctx.OFIZ <= -g.cfg.CapitulationOFIZMin &&
		ctx.LiqLongUSD >= g.cfg.CapitulationLiqUSD &&
		ctx.OIDropPct <= g.cfg.CapitulationOIDrop
}

func reject(reason string, relax []string) GuardResult {
	if len(relax) > 0 {
		reason += " | relax=" + strings.Join(relax, ",")
	}
	return GuardResult{Allowed: false, Reason: reason, RelaxTags: relax}
}

// ShouldChaseBreakout decides whether a strong break beyond the normal
// distance cap may be taken at reduced size with a wider stop.
func (g *Guard) ShouldChaseBreakout(ctx *Context) (bool, string) {
	cfg := g.cfg
	if !cfg.UseBreakoutChase || ctx.ATR <= 0 {
		return false, ""
	}
	dist := math.Abs(ctx.Price-ctx.SMAFast) / ctx.ATR
	if dist < cfg.BreakoutMinDistATR || dist > cfg.BreakoutMaxDistATR {
		return false, ""
	}
	if ctx.EdgeVotes >= 2 && ctx.OFIZ >= cfg.BreakoutMinOFIZ && ctx.RSI >= 55.0 && ctx.RSI <= 90.0 {
		return true, fmt.Sprintf("chase(dist_atr=%.2f, ofi_z=%.2f, votes=%d)", dist, ctx.OFIZ, ctx.EdgeVotes)
	}
	return false, ""
}

// IsExhaustionLong blocks longs right after a blow-off: extreme distance or
// RSI combined with fading buy flow.
func (g *Guard) IsExhaustionLong(ctx *Context) (bool, string) {
	cfg := g.cfg
	if !cfg.UseExhaustionFilter || ctx.ATR <= 0 {
		return false, ""
	}
	dist := math.Abs(ctx.Price-ctx.SMAFast) / ctx.ATR
	hardDist := dist >= cfg.ExhaustionDistATR
	hardRSI := ctx.RSI >= cfg.ExhaustionRSI
	soft := ctx.OFIZ <= cfg.ExhaustionOFIZMin
	if (hardDist || hardRSI) && soft {
		return true, fmt.Sprintf("exhaustion: dist_atr=%.2f, RSI=%.1f, ofi_z=%.2f", dist, ctx.RSI, ctx.OFIZ)
	}
	if hardDist && hardRSI {
		return true, fmt.Sprintf("exhaustion: dist_atr=%.2f, RSI=%.1f", dist, ctx.RSI)
	}
	return false, ""
}
