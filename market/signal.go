package market

import (
	"fmt"

	"flowbot/config"
)

// Signal directions returned by PickSignal.
const (
	SignalLong  = "LONG"
	SignalShort = "SHORT"
)

// PickSignal runs the vote-based direction consensus over a metrics snapshot.
// A direction needs at least two of its five votes. When the regime gate is
// closed the signal is suppressed unless strong flow overrides it. Returns
// the side ("" for none) and the reasons behind the decision.
func PickSignal(m *MetricsSnapshot, regimeOK bool, cfg *config.StrategyConfig) (string, []string) {
	strongFlow := abs(m.OFIZ) >= cfg.RegimeOverrideOFIZ || m.ConsMax() >= cfg.RegimeOverrideCons

	var reasons []string
	if !regimeOK {
		if !strongFlow {
			return "", []string{"regime not ok"}
		}
		reasons = append(reasons, "regime override by strong_flow")
	}

	longVotes := 0
	if m.OBI >= cfg.OBIThr {
		longVotes++
		reasons = append(reasons, "OBI up")
	}
	if m.OFIZ >= cfg.OFIZThr {
		longVotes++
		reasons = append(reasons, "OFI z up")
	}
	if m.CVDAboveEMA && m.SeqBuys >= cfg.SeqMktTicks {
		longVotes++
		reasons = append(reasons, "CVD up + consecutive buys")
	}
	liqOK := m.LiqClusterOK != nil && *m.LiqClusterOK
	if liqOK {
		longVotes++
		reasons = append(reasons, "liquidation cluster")
	}
	doiOK := m.DOIUpOK != nil && *m.DOIUpOK
	if doiOK {
		longVotes++
		reasons = append(reasons, "OI rising")
	}
	if longVotes >= 2 {
		return SignalLong, append([]string{fmt.Sprintf("LONG votes=%d", longVotes)}, reasons...)
	}

	reasons = reasons[:0]
	shortVotes := 0
	if m.OBI <= -cfg.OBIThr {
		shortVotes++
		reasons = append(reasons, "OBI down")
	}
	if m.OFIZ <= -cfg.OFIZThr {
		shortVotes++
		reasons = append(reasons, "OFI z down")
	}
	if !m.CVDAboveEMA && m.SeqSells >= cfg.SeqMktTicks {
		shortVotes++
		reasons = append(reasons, "CVD down + consecutive sells")
	}
	// OI increase confirms conviction regardless of direction, so both sides
	// count it; same for a liquidation cluster near spot.
	if liqOK {
		shortVotes++
		reasons = append(reasons, "liquidation cluster")
	}
	if doiOK {
		shortVotes++
		reasons = append(reasons, "OI rising")
	}
	if shortVotes >= 2 {
		return SignalShort, append([]string{fmt.Sprintf("SHORT votes=%d", shortVotes)}, reasons...)
	}

	return "", []string{"no consensus"}
}
