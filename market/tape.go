package market

// TapeCap bounds the trade and liquidation tapes.
const TapeCap = 2000

// Trade is one public trade tick.
type Trade struct {
	Time  int64   `json:"time"` // ms
	Side  string  `json:"side"` // "Buy" or "Sell"
	Qty   float64 `json:"qty"`
	Price float64 `json:"price"`
}

// IsBuy reports whether the trade was a market buy.
func (t Trade) IsBuy() bool {
	return len(t.Side) > 0 && (t.Side[0] == 'B' || t.Side[0] == 'b')
}

// USD returns the trade notional.
func (t Trade) USD() float64 {
	return t.Price * t.Qty
}

// Liquidation is one forced-liquidation event.
type Liquidation struct {
	Time  int64   `json:"time"`
	Side  string  `json:"side"` // side of the liquidated order
	Qty   float64 `json:"qty"`
	Price float64 `json:"price"`
}

// appendTrade appends with eviction of the oldest entries beyond TapeCap.
func appendTrade(tape []Trade, t Trade) []Trade {
	tape = append(tape, t)
	if len(tape) > TapeCap {
		tape = tape[len(tape)-TapeCap:]
	}
	return tape
}

func appendLiquidation(tape []Liquidation, l Liquidation) []Liquidation {
	tape = append(tape, l)
	if len(tape) > TapeCap {
		tape = tape[len(tape)-TapeCap:]
	}
	return tape
}

// LiqClusterUSD sums the notional of the most recent 200 liquidations whose
// price falls within ±pct of spot. Optionally filtered by liquidated side
// ("Buy"/"Sell", empty for both).
func LiqClusterUSD(liqs []Liquidation, spot, pct float64, side string) float64 {
	if spot <= 0 || len(liqs) == 0 {
		return 0
	}
	start := 0
	if len(liqs) > 200 {
		start = len(liqs) - 200
	}
	band := pct * spot
	lo, hi := spot-band, spot+band
	var total float64
	for _, l := range liqs[start:] {
		if side != "" && l.Side != side {
			continue
		}
		if l.Price >= lo && l.Price <= hi {
			total += l.Price * l.Qty
		}
	}
	return total
}
