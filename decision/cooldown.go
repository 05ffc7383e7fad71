package decision

import (
	"fmt"

	"flowbot/config"
	"flowbot/indicator"
	"flowbot/market"
)

// Cooldown scales the re-entry cooldown with recent volatility and decides
// when exceptional flow may cut it short.
type Cooldown struct {
	cfg *config.StrategyConfig
}

func NewCooldown(cfg *config.StrategyConfig) *Cooldown {
	return &Cooldown{cfg: cfg}
}

// DynamicMinutes scales the base cooldown by the short/long ATR median
// ratio and clips the result: expanding volatility stretches the cooldown
// toward the cap, contracting volatility shrinks it toward the floor.
// Monotone in the ratio. Falls back to the base when history is too short.
func (c *Cooldown) DynamicMinutes(atrHist []float64) (minutes int, ratio float64) {
	cfg := c.cfg
	base := cfg.EntryCooldownMin
	need := cfg.CooldownATRLongN
	if cfg.CooldownATRShortN > need {
		need = cfg.CooldownATRShortN
	}
	if len(atrHist) < need {
		return base, 1.0
	}
	shortMed := indicator.Median(atrHist[len(atrHist)-cfg.CooldownATRShortN:])
	longMed := indicator.Median(atrHist[len(atrHist)-cfg.CooldownATRLongN:])
	if longMed <= 1e-12 {
		return base, 1.0
	}
	ratio = shortMed / longMed
	m := int(float64(base) * ratio)
	if m < cfg.CooldownMinFloor {
		m = cfg.CooldownMinFloor
	}
	if m > cfg.CooldownMaxCap {
		m = cfg.CooldownMaxCap
	}
	return m, ratio
}

// OverrideAllowed lets an exceptionally strong, direction-consistent burst
// bypass the remaining cooldown. Gates in order: burst strength, direction
// consistency with the pending signal, trend confirmation, enough volatility
// for the move to be worth the early entry.
func (c *Cooldown) OverrideAllowed(snap *market.MetricsSnapshot, signal string, adx, atrPct float64) (bool, string) {
	cfg := c.cfg
	if !cfg.CooldownOverrideEnable || snap == nil {
		return false, ""
	}
	absOFI := snap.OFIZ
	if absOFI < 0 {
		absOFI = -absOFI
	}
	cons := snap.ConsMax()
	strong := absOFI >= cfg.CooldownOverrideOFIZ ||
		cons >= cfg.CooldownOverrideCons ||
		snap.EdgeVotes >= cfg.CooldownOverrideVotes
	if !strong {
		return false, ""
	}
	switch signal {
	case market.SignalLong:
		if snap.OFIZ < 0 || snap.SeqSells > snap.SeqBuys {
			return false, ""
		}
	case market.SignalShort:
		if snap.OFIZ > 0 || snap.SeqBuys > snap.SeqSells {
			return false, ""
		}
	default:
		return false, ""
	}
	if adx < cfg.CooldownOverrideADXMin {
		return false, ""
	}
	if atrPct < cfg.OverrideMinATRPct {
		return false, ""
	}
	return true, fmt.Sprintf("cooldown_override(ofi_z=%.2f cons=%d votes=%d adx=%.1f)",
		snap.OFIZ, cons, snap.EdgeVotes, adx)
}
