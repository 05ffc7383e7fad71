package decision

import (
	"fmt"
	"time"

	"flowbot/config"
	"flowbot/market"
)

// FlipDecision is the outcome of the opposite-entry gate.
type FlipDecision struct {
	Allowed bool
	Flip    bool // entry proceeds as a close-then-open reversal
	Reason  string
	Votes   int
}

// FlipGate guards entries against the currently held side. By default an
// opposite signal is blocked outright; when atomic flips are enabled a
// sufficiently strong reversal in flow may convert the entry into a flip.
type FlipGate struct {
	cfg *config.StrategyConfig
}

func NewFlipGate(cfg *config.StrategyConfig) *FlipGate {
	return &FlipGate{cfg: cfg}
}

// OppositeEntry evaluates a signal against the current net side. netSide is
// "long", "short" or "flat". ctx may be nil when no candle context is
// available; lastEntry/lastFlip may be zero when unknown.
func (g *FlipGate) OppositeEntry(signal, netSide string, snap *market.MetricsSnapshot, ctx *Context, lastEntry, lastFlip time.Time, now time.Time) FlipDecision {
	cfg := g.cfg
	if !cfg.ForbidOppositeEntry {
		return FlipDecision{Allowed: true}
	}
	if netSide == "" || netSide == "flat" {
		return FlipDecision{Allowed: true}
	}
	conflict := (netSide == "long" && signal == market.SignalShort) ||
		(netSide == "short" && signal == market.SignalLong)
	if !conflict {
		return FlipDecision{Allowed: true}
	}

	blocked := FlipDecision{Reason: fmt.Sprintf("holding opposite position (net=%s)", netSide)}
	if !cfg.AllowAtomicFlip || !cfg.FlipEnable || snap == nil {
		return blocked
	}
	if cfg.MinHoldMinutes > 0 && !lastEntry.IsZero() &&
		now.Sub(lastEntry) < time.Duration(cfg.MinHoldMinutes)*time.Minute {
		blocked.Reason += " (min hold not reached)"
		return blocked
	}
	if cfg.MinFlipIntervalMin > 0 && !lastFlip.IsZero() &&
		now.Sub(lastFlip) < time.Duration(cfg.MinFlipIntervalMin)*time.Minute {
		blocked.Reason += " (flip interval not reached)"
		return blocked
	}
	if cfg.FlipTimeWindowSec > 0 && !snap.UpdatedAt.IsZero() &&
		now.Sub(snap.UpdatedAt) > time.Duration(cfg.FlipTimeWindowSec*float64(time.Second)) {
		blocked.Reason += " (flow metrics stale)"
		return blocked
	}

	votes, suspect := g.flipVotes(signal, snap, ctx)
	need := cfg.FlipVotesNeeded
	// a clipped OFI reading alone must never carry the flip
	if suspect && need < 2 {
		need = 2
	}
	if votes < need {
		blocked.Reason += fmt.Sprintf(" (flip votes %d/%d)", votes, need)
		blocked.Votes = votes
		return blocked
	}
	return FlipDecision{
		Allowed: true,
		Flip:    true,
		Votes:   votes,
		Reason:  fmt.Sprintf("FLIP %s->%s by strong flow [%dvotes]", netSide, signal, votes),
	}
}

// flipVotes counts the reversal-conviction conditions in the signal
// direction: OFI z, same-side consecutive ticks, CVD slope z, and price
// breaking the fast MA toward the new side. suspect marks an OFI reading far
// beyond the clip (stale or glitchy feed).
func (g *FlipGate) flipVotes(signal string, snap *market.MetricsSnapshot, ctx *Context) (votes int, suspect bool) {
	cfg := g.cfg
	ofi := snap.OFIZ
	if ofi > cfg.OFIZClip*1.5 || ofi < -cfg.OFIZClip*1.5 {
		suspect = true
	}
	smaBreak := func(long bool) bool {
		if !cfg.FlipBreakSMA || ctx == nil || ctx.SMAFast <= 0 {
			return false
		}
		if long {
			return ctx.Price > ctx.SMAFast
		}
		return ctx.Price < ctx.SMAFast
	}
	if signal == market.SignalLong {
		if ofi >= cfg.FlipOFIZ {
			votes++
		}
		if snap.SeqBuys >= cfg.FlipCons {
			votes++
		}
		if snap.CVDSlopeZ >= cfg.FlipCVDZ {
			votes++
		}
		if smaBreak(true) {
			votes++
		}
		return votes, suspect
	}
	if ofi <= -cfg.FlipOFIZ {
		votes++
	}
	if snap.SeqSells >= cfg.FlipCons {
		votes++
	}
	if snap.CVDSlopeZ <= -cfg.FlipCVDZ {
		votes++
	}
	if smaBreak(false) {
		votes++
	}
	return votes, suspect
}
