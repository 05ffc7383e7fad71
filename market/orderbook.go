package market

import "sort"

// BookDepth is the maximum number of levels kept per side.
const BookDepth = 50

// Level is one price level of the order book.
type Level struct {
	Price float64
	Size  float64
}

// OrderBook holds bid/ask levels, bids descending and asks ascending by
// price. It is owned by the Engine; all mutation happens under its lock.
type OrderBook struct {
	Bids []Level
	Asks []Level
}

// ApplySnapshot replaces both sides wholesale.
func (ob *OrderBook) ApplySnapshot(bids, asks []Level) {
	ob.Bids = sortSide(bids, true)
	ob.Asks = sortSide(asks, false)
}

// ApplyDelta merges incremental updates into the book. A level with size 0
// is deleted; otherwise it is inserted or updated. Each side is re-capped at
// BookDepth after the merge.
func (ob *OrderBook) ApplyDelta(bids, asks []Level) {
	if len(bids) > 0 {
		ob.Bids = mergeSide(ob.Bids, bids, true)
	}
	if len(asks) > 0 {
		ob.Asks = mergeSide(ob.Asks, asks, false)
	}
}

// BestBid returns the highest bid price, 0 on an empty side.
func (ob *OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk returns the lowest ask price, 0 on an empty side.
func (ob *OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// Mid returns the midpoint price, 0 when either side is empty.
func (ob *OrderBook) Mid() float64 {
	bb, ba := ob.BestBid(), ob.BestAsk()
	if bb == 0 || ba == 0 {
		return 0
	}
	return (bb + ba) / 2.0
}

// Clone returns a deep copy safe to use outside the Engine's lock.
func (ob *OrderBook) Clone() OrderBook {
	cp := OrderBook{
		Bids: make([]Level, len(ob.Bids)),
		Asks: make([]Level, len(ob.Asks)),
	}
	copy(cp.Bids, ob.Bids)
	copy(cp.Asks, ob.Asks)
	return cp
}

// Imbalance computes OBI over the top levels of each side:
// (Σbid − Σask)/(Σbid + Σask), in [-1,1], 0 when both sides are empty.
func (ob *OrderBook) Imbalance(levels int) float64 {
	var b, a float64
	for i := 0; i < levels && i < len(ob.Bids); i++ {
		b += ob.Bids[i].Size
	}
	for i := 0; i < levels && i < len(ob.Asks); i++ {
		a += ob.Asks[i].Size
	}
	if b+a == 0 {
		return 0
	}
	return (b - a) / (b + a)
}

// WallPressure returns the ask/bid notional ratio over depth levels along
// with the raw notional sums. Ratio is 0 when the bid side is empty.
func (ob *OrderBook) WallPressure(depth int) (ratio, askUSD, bidUSD float64) {
	for i := 0; i < depth && i < len(ob.Asks); i++ {
		askUSD += ob.Asks[i].Price * ob.Asks[i].Size
	}
	for i := 0; i < depth && i < len(ob.Bids); i++ {
		bidUSD += ob.Bids[i].Price * ob.Bids[i].Size
	}
	if bidUSD <= 0 {
		return 0, askUSD, bidUSD
	}
	return askUSD / bidUSD, askUSD, bidUSD
}

// WallPressureNear is WallPressure restricted to levels within band of the
// mid price, so far-away resting size cannot swing the ratio. A zero band or
// an unusable mid falls back to the plain depth scan.
func (ob *OrderBook) WallPressureNear(depth int, band float64) (ratio, askUSD, bidUSD float64) {
	mid := ob.Mid()
	if band <= 0 || mid <= 0 {
		return ob.WallPressure(depth)
	}
	for i := 0; i < depth && i < len(ob.Asks); i++ {
		if ob.Asks[i].Price-mid > band {
			break
		}
		askUSD += ob.Asks[i].Price * ob.Asks[i].Size
	}
	for i := 0; i < depth && i < len(ob.Bids); i++ {
		if mid-ob.Bids[i].Price > band {
			break
		}
		bidUSD += ob.Bids[i].Price * ob.Bids[i].Size
	}
	if bidUSD <= 0 {
		return 0, askUSD, bidUSD
	}
	return askUSD / bidUSD, askUSD, bidUSD
}

func sortSide(levels []Level, isBid bool) []Level {
	out := make([]Level, len(levels))
	copy(out, levels)
	sort.Slice(out, func(i, j int) bool {
		if isBid {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > BookDepth {
		out = out[:BookDepth]
	}
	return out
}

func mergeSide(side, deltas []Level, isBid bool) []Level {
	m := make(map[float64]float64, len(side)+len(deltas))
	for _, lv := range side {
		m[lv.Price] = lv.Size
	}
	for _, d := range deltas {
		if d.Size == 0 {
			delete(m, d.Price)
		} else {
			m[d.Price] = d.Size
		}
	}
	out := make([]Level, 0, len(m))
	for p, s := range m {
		out = append(out, Level{Price: p, Size: s})
	}
	return sortSide(out, isBid)
}
