package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleBook() OrderBook {
	var ob OrderBook
	ob.ApplySnapshot(
		[]Level{{Price: 99, Size: 10}, {Price: 98, Size: 5}, {Price: 100, Size: 2}},
		[]Level{{Price: 101, Size: 4}, {Price: 103, Size: 1}, {Price: 102, Size: 6}},
	)
	return ob
}

func TestSnapshotOrdersSides(t *testing.T) {
	ob := sampleBook()
	assert.Equal(t, 100.0, ob.BestBid(), "bids sorted descending")
	assert.Equal(t, 101.0, ob.BestAsk(), "asks sorted ascending")
	assert.Equal(t, 100.5, ob.Mid())
}

func TestDeltaMergeUpdateInsertDelete(t *testing.T) {
	ob := sampleBook()
	ob.ApplyDelta(
		[]Level{{Price: 99, Size: 20}, {Price: 97, Size: 3}, {Price: 100, Size: 0}},
		nil,
	)

	assert.Equal(t, 99.0, ob.BestBid(), "price 100 deleted by size 0")
	require.Len(t, ob.Bids, 3)
	assert.Equal(t, 20.0, ob.Bids[0].Size, "existing level updated")
	assert.Equal(t, 97.0, ob.Bids[2].Price, "new level inserted in order")
}

func TestDeltaCapsDepth(t *testing.T) {
	var ob OrderBook
	levels := make([]Level, BookDepth+10)
	for i := range levels {
		levels[i] = Level{Price: 100 - float64(i)*0.1, Size: 1}
	}
	ob.ApplyDelta(levels, nil)
	assert.Len(t, ob.Bids, BookDepth)
}

func TestImbalanceBoundsAndExample(t *testing.T) {
	var ob OrderBook
	ob.ApplySnapshot(
		[]Level{{Price: 99, Size: 30}},
		[]Level{{Price: 101, Size: 10}},
	)
	// (30-10)/(30+10)
	assert.InDelta(t, 0.5, ob.Imbalance(5), 1e-9)

	empty := OrderBook{}
	assert.Equal(t, 0.0, empty.Imbalance(5))

	onesided := OrderBook{Bids: []Level{{Price: 99, Size: 7}}}
	assert.Equal(t, 1.0, onesided.Imbalance(5))
}

func TestWallPressure(t *testing.T) {
	var ob OrderBook
	ob.ApplySnapshot(
		[]Level{{Price: 100, Size: 2}},  // 200 USD bid
		[]Level{{Price: 101, Size: 4}}, // 404 USD ask
	)
	ratio, askUSD, bidUSD := ob.WallPressure(10)
	assert.InDelta(t, 2.02, ratio, 1e-9)
	assert.InDelta(t, 404, askUSD, 1e-9)
	assert.InDelta(t, 200, bidUSD, 1e-9)

	empty := OrderBook{Asks: []Level{{Price: 101, Size: 1}}}
	ratio, _, _ = empty.WallPressure(10)
	assert.Equal(t, 0.0, ratio, "no bids means no ratio")
}

func TestWallPressureNearScansBandOnly(t *testing.T) {
	var ob OrderBook
	ob.ApplySnapshot(
		[]Level{{Price: 99.9, Size: 100}, {Price: 99.0, Size: 100}},
		[]Level{{Price: 100.1, Size: 100}, {Price: 101.5, Size: 200}},
	)

	// mid 100, band 0.5: only the touch levels count
	ratio, askUSD, bidUSD := ob.WallPressureNear(10, 0.5)
	assert.InDelta(t, 10010, askUSD, 1e-9)
	assert.InDelta(t, 9990, bidUSD, 1e-9)
	assert.InDelta(t, 10010.0/9990.0, ratio, 1e-9)

	// a wide band sees the whole book
	wide, _, _ := ob.WallPressureNear(10, 5.0)
	full, _, _ := ob.WallPressure(10)
	assert.InDelta(t, full, wide, 1e-9)

	// zero band falls back to the plain depth scan
	fallback, _, _ := ob.WallPressureNear(10, 0)
	assert.InDelta(t, full, fallback, 1e-9)
}

func TestCloneIsIndependent(t *testing.T) {
	ob := sampleBook()
	cp := ob.Clone()
	cp.Bids[0].Size = 999
	assert.NotEqual(t, 999.0, ob.Bids[0].Size)
}

func TestLiqClusterUSD(t *testing.T) {
	liqs := []Liquidation{
		{Side: "Buy", Price: 100, Qty: 10},  // 1000 USD, in band
		{Side: "Buy", Price: 120, Qty: 10},  // out of band
		{Side: "Sell", Price: 101, Qty: 5},  // 505 USD, wrong side filter
	}
	assert.InDelta(t, 1000, LiqClusterUSD(liqs, 100, 0.02, "Buy"), 1e-9)
	assert.InDelta(t, 1505, LiqClusterUSD(liqs, 100, 0.02, ""), 1e-9)
	assert.Equal(t, 0.0, LiqClusterUSD(liqs, 0, 0.02, ""), "no spot, no cluster")
}

func TestTradeHelpers(t *testing.T) {
	buy := Trade{Side: "Buy", Price: 50, Qty: 2}
	sell := Trade{Side: "Sell", Price: 50, Qty: 2}
	assert.True(t, buy.IsBuy())
	assert.False(t, sell.IsBuy())
	assert.Equal(t, 100.0, buy.USD())
}

func TestTapeEviction(t *testing.T) {
	var tape []Trade
	for i := 0; i < TapeCap+5; i++ {
		tape = appendTrade(tape, Trade{Time: int64(i)})
	}
	require.Len(t, tape, TapeCap)
	assert.Equal(t, int64(5), tape[0].Time, "oldest entries evicted")
}
