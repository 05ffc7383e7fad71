package decision

import "flowbot/market"

// FlowMetrics summarizes market-order flow over a time window of the trade
// snapshot. NetUSD and Imbalance are signed, positive for buy pressure.
type FlowMetrics struct {
	Count     int
	Consec    int
	Imbalance float64
	RateUSD   float64
	NetUSD    float64
}

// ComputeFlowMetrics windows the trades (expected newest-first, as returned
// by the recent-trades endpoint) to windowSec seconds and aggregates them.
func ComputeFlowMetrics(trades []market.Trade, windowSec int) FlowMetrics {
	if len(trades) == 0 {
		return FlowMetrics{}
	}
	windowMs := int64(windowSec) * 1000
	nowMs := trades[0].Time

	var win []market.Trade
	for _, t := range trades {
		if nowMs-t.Time <= windowMs {
			win = append(win, t)
		}
	}
	if len(win) == 0 {
		return FlowMetrics{}
	}

	msSpan := win[0].Time - win[len(win)-1].Time
	if msSpan < 1 {
		msSpan = 1
	}
	secSpan := float64(msSpan) / 1000.0
	if secSpan < 1.0 {
		secSpan = 1.0
	}

	var net float64
	consec := 0
	lastSide := ""
	imbN := 0
	for _, t := range win {
		usd := t.USD()
		if t.IsBuy() {
			net += usd
			if lastSide == "" || lastSide == "buy" {
				consec++
			}
			lastSide = "buy"
			imbN++
		} else {
			net -= usd
			if lastSide == "" || lastSide == "sell" {
				consec++
			}
			lastSide = "sell"
			imbN--
		}
	}
	imb := float64(imbN) / float64(len(win))
	if imb > 1 {
		imb = 1
	}
	if imb < -1 {
		imb = -1
	}
	return FlowMetrics{
		Count:     len(win),
		Consec:    consec,
		Imbalance: imb,
		RateUSD:   net / secSpan,
		NetUSD:    net,
	}
}
