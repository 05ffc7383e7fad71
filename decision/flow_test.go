package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"flowbot/market"
)

func TestComputeFlowMetricsEmpty(t *testing.T) {
	assert.Equal(t, FlowMetrics{}, ComputeFlowMetrics(nil, 30))
}

func TestComputeFlowMetricsWindowing(t *testing.T) {
	now := int64(1_700_000_000_000)
	trades := []market.Trade{
		{Time: now, Side: "Buy", Qty: 1, Price: 100},
		{Time: now - 10_000, Side: "Buy", Qty: 1, Price: 100},
		{Time: now - 60_000, Side: "Sell", Qty: 50, Price: 100}, // outside 30s
	}
	fm := ComputeFlowMetrics(trades, 30)
	assert.Equal(t, 2, fm.Count)
	assert.InDelta(t, 200.0, fm.NetUSD, 1e-9)
	assert.InDelta(t, 1.0, fm.Imbalance, 1e-9)
}

func TestComputeFlowMetricsSignedNet(t *testing.T) {
	now := int64(1_700_000_000_000)
	trades := []market.Trade{
		{Time: now, Side: "Sell", Qty: 3, Price: 100},
		{Time: now - 1000, Side: "Sell", Qty: 2, Price: 100},
		{Time: now - 2000, Side: "Buy", Qty: 1, Price: 100},
	}
	fm := ComputeFlowMetrics(trades, 30)
	assert.Equal(t, 3, fm.Count)
	assert.InDelta(t, -400.0, fm.NetUSD, 1e-9)
	assert.InDelta(t, -1.0/3.0, fm.Imbalance, 1e-9)
	// 400 USD sold net over a 2s span
	assert.InDelta(t, -200.0, fm.RateUSD, 1e-9)
}

func TestComputeFlowMetricsConsecRuns(t *testing.T) {
	now := int64(1_700_000_000_000)
	var trades []market.Trade
	for i := 0; i < 5; i++ {
		trades = append(trades, market.Trade{Time: now - int64(i)*100, Side: "Buy", Qty: 1, Price: 100})
	}
	fm := ComputeFlowMetrics(trades, 30)
	assert.Equal(t, 5, fm.Consec)

	// a side change stops the run from extending
	trades[2].Side = "Sell"
	fm = ComputeFlowMetrics(trades, 30)
	assert.Less(t, fm.Consec, 5)
}

func TestComputeFlowMetricsLongTapeKeepsWindow(t *testing.T) {
	// a deep newest-first tape: 30 fresh buys, then 270 older sells stretching
	// minutes back; only the 30s window around the newest trade may count
	now := int64(1_700_000_000_000)
	var trades []market.Trade
	for i := 0; i < 300; i++ {
		side := "Buy"
		if i >= 30 {
			side = "Sell"
		}
		trades = append(trades, market.Trade{
			Time: now - int64(i)*1000, Side: side, Qty: 100, Price: 100,
		})
	}
	fm := ComputeFlowMetrics(trades, 30)
	assert.Equal(t, 31, fm.Count, "trades older than the window must be dropped")
	assert.InDelta(t, 290_000.0, fm.NetUSD, 1e-9)
	// 290k net over a 30s span, not the whole 5min tape
	assert.InDelta(t, 290_000.0/30.0, fm.RateUSD, 1e-6)
}

func TestComputeFlowMetricsSubSecondSpan(t *testing.T) {
	now := int64(1_700_000_000_000)
	trades := []market.Trade{
		{Time: now, Side: "Buy", Qty: 1, Price: 100},
		{Time: now - 100, Side: "Buy", Qty: 1, Price: 100},
	}
	fm := ComputeFlowMetrics(trades, 30)
	// span clamps to one second so the rate never explodes
	assert.InDelta(t, 200.0, fm.RateUSD, 1e-9)
}
