package decision

import (
	"fmt"
	"math"
	"time"

	"flowbot/config"
	"flowbot/market"
)

// PositionView is the slice of an open position the exit engine needs.
type PositionView struct {
	Side       string // "long" or "short"
	EntryPrice float64
	SLPrice    float64
	TPPrice    float64
	RiskDist   float64 // initial entry-to-stop distance
	Mode       string  // "", chase, capitulation_long, capitulation_short
	OpenedAt   time.Time
}

// ExitAux accumulates per-position exit state across evaluations. It is
// owned by the caller and persisted with the position.
type ExitAux struct {
	PeakR        float64   `json:"peak_r"`
	PrevFlowRate float64   `json:"prev_flow_rate"`
	GraceUntil   time.Time `json:"grace_until,omitempty"`
}

// ExitEngine decides what to do with an open position each tick. Checks are
// ordered and the first match wins: early take-profit, stop-loss grace,
// time stop, hold.
type ExitEngine struct {
	cfg        *config.StrategyConfig
	classifier *Classifier
}

func NewExitEngine(cfg *config.StrategyConfig) *ExitEngine {
	return &ExitEngine{cfg: cfg, classifier: NewClassifier(cfg)}
}

func (e *ExitEngine) Evaluate(
	pos *PositionView,
	aux *ExitAux,
	ctx *Context,
	book *market.OrderBook,
	trades []market.Trade,
	snap *market.MetricsSnapshot,
	now time.Time,
) ExitDecision {
	cfg := e.cfg
	if !cfg.ExitEngineEnable {
		return ExitDecision{Action: ExitHold}
	}

	long := pos.Side != "short"
	c := ctx.Price
	atr := ctx.ATR
	if atr <= 0 {
		atr = 1e-9
	}
	regime := e.classifier.Classify(ctx).Regime

	var distTP, distSL float64
	if long {
		distTP = math.Max(0, pos.TPPrice-c)
		distSL = math.Max(0, c-pos.SLPrice)
	} else {
		distTP = math.Max(0, c-pos.TPPrice)
		distSL = math.Max(0, pos.SLPrice-c)
	}

	// Rejection wick against the position. The bar open is unknown here, so
	// close-to-extreme spans stand in for wick and body.
	var wickRatio float64
	if long {
		wickRatio = math.Max(0, ctx.High-c) / math.Max(1e-9, c-ctx.Low)
	} else {
		wickRatio = math.Max(0, c-ctx.Low) / math.Max(1e-9, ctx.High-c)
	}

	macdPeakout := ctx.MACDHist < ctx.MACDHistPrev
	if !long {
		macdPeakout = ctx.MACDHist > ctx.MACDHistPrev
	}

	obRatio, _, _ := book.WallPressure(cfg.OBDepth)
	fmS := ComputeFlowMetrics(trades, cfg.FlowWindowShortSec)
	prevRate := aux.PrevFlowRate
	aux.PrevFlowRate = fmS.RateUSD
	flowWorse := fmS.RateUSD < prevRate ||
		(long && fmS.RateUSD <= 0) ||
		(!long && fmS.RateUSD >= 0)

	// A) early take-profit: near TP with enough reversal votes
	nearThr := math.Max(c*cfg.TPNearBps/10000.0, cfg.TPNearATRK*atr)
	obRatioExit := math.Max(1.2, cfg.OBAskBidMaxTrend-0.2)
	if distTP <= nearThr {
		votes := 0
		if wickRatio >= cfg.WickBodyRatioMin {
			votes++
		}
		if macdPeakout {
			votes++
		}
		if (long && obRatio >= obRatioExit) || (!long && obRatio <= 1.0/obRatioExit) {
			votes++
		}
		if flowWorse {
			votes++
		}
		if votes >= cfg.EarlyTPVotesNeeded {
			reason := fmt.Sprintf("early_take_profit[%dvotes] nearTP", votes)
			if regime == RegimeRange || regime == RegimeNeutral {
				return ExitDecision{Action: ExitTPAll, Reason: reason}
			}
			ratio := math.Max(0.1, math.Min(1.0, cfg.TPPartRatio))
			return ExitDecision{Action: ExitTPPart, Ratio: ratio, Reason: reason}
		}
	}

	// a running grace window resolves before any new grant: hold until it
	// expires, then cut if the stop level is breached, else resume normally
	if cfg.SLGraceEnable && !aux.GraceUntil.IsZero() {
		breached := (long && c <= pos.SLPrice) || (!long && c >= pos.SLPrice)
		if now.Before(aux.GraceUntil) {
			left := int(aux.GraceUntil.Sub(now).Seconds())
			if left < 1 {
				left = 1
			}
			return ExitDecision{Action: ExitSLGrace, GraceSec: left, Reason: "sl_grace holding"}
		}
		aux.GraceUntil = time.Time{}
		if breached {
			return ExitDecision{Action: ExitCut, Reason: "sl_grace_expired"}
		}
	}

	// B) stop-loss grace: near SL but support holds, give the wick time
	if cfg.SLGraceEnable && distSL <= math.Max(c*cfg.SLGraceBps/10000.0, cfg.SLGraceATRK*atr) {
		bidFavored := obRatio > 0 && obRatio < 1.0
		ofiOK := snap != nil && ((long && snap.OFIZ >= 0) || (!long && snap.OFIZ <= 0))
		maTol := cfg.SLGraceMATolATRK * atr
		maOK := (long && c >= ctx.SMAFast-maTol) || (!long && c <= ctx.SMAFast+maTol)
		votesSL := 0
		for _, v := range []bool{bidFavored, ofiOK, maOK} {
			if v {
				votesSL++
			}
		}
		if votesSL >= cfg.SLGraceNeedVotes {
			sec := cfg.SLGraceSec
			if sec < 5 {
				sec = 5
			}
			aux.GraceUntil = now.Add(time.Duration(sec) * time.Second)
			return ExitDecision{
				Action:   ExitSLGrace,
				GraceSec: sec,
				Reason:   fmt.Sprintf("sl_grace[%dvotes] keep_support", votesSL),
			}
		}
	}

	// C) time stop: held long enough with no follow-through
	r0 := math.Abs(pos.RiskDist)
	if r0 <= 0 {
		r0 = 1e-9
	}
	curR := (c - pos.EntryPrice) / r0
	if !long {
		curR = (pos.EntryPrice - c) / r0
	}
	if curR > aux.PeakR {
		aux.PeakR = curR
	}
	timeStopMin := cfg.TimeStopMin
	followR := cfg.MinFollowThroughR
	if pos.Mode == "chase" {
		// breakouts either run or they don't; give them a shorter leash
		timeStopMin = cfg.BreakoutTimeStopMin
		followR = cfg.BreakoutFollowThroughR
	}
	heldMin := now.Sub(pos.OpenedAt).Minutes()
	if heldMin >= float64(timeStopMin) && aux.PeakR < followR {
		return ExitDecision{
			Action: ExitCut,
			Reason: fmt.Sprintf("time_stop(%.1fm, peakR=%.2f<%.2f)", heldMin, aux.PeakR, followR),
		}
	}

	return ExitDecision{Action: ExitHold}
}
