package trader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bybit "github.com/bybit-exchange/bybit.go.api"

	"flowbot/config"
	"flowbot/decision"
	"flowbot/market"
	"flowbot/store"
)

func testBot() *Bot {
	cfg := config.Default()
	return &Bot{cfg: cfg, classifier: decision.NewClassifier(&cfg.Strategy)}
}

func trendingKlines(n int, start, step float64) []Kline {
	out := make([]Kline, n)
	price := start
	ts := int64(1_700_000_000_000)
	for i := 0; i < n; i++ {
		out[i] = Kline{
			Start:  ts + int64(i)*300_000,
			Open:   price,
			High:   price + step*1.5,
			Low:    price - step*0.5,
			Close:  price + step,
			Volume: 1000,
		}
		price += step
	}
	return out
}

func TestBuildContextBasics(t *testing.T) {
	b := testBot()
	klines := trendingKlines(120, 100, 0.1)
	snap := &market.MetricsSnapshot{OFIZ: 1.5, SeqBuys: 4, EdgeVotes: 2}
	st := &store.State{}

	ctx := b.buildContext(klines, snap, st)

	last := klines[len(klines)-1]
	assert.Equal(t, last.Close, ctx.Price)
	assert.Equal(t, last.High, ctx.High)
	assert.Equal(t, last.Low, ctx.Low)
	assert.Greater(t, ctx.ATR, 0.0)
	assert.Greater(t, ctx.ATRPct, 0.0)
	assert.Greater(t, ctx.SMAFast, ctx.SMASlow, "steady uptrend keeps the fast MA above the slow")
	assert.Equal(t, 1.5, ctx.OFIZ)
	assert.Equal(t, 4, ctx.ConsBuy)
	assert.False(t, ctx.SuddenMove)

	assert.GreaterOrEqual(t, ctx.HH, last.High)
	assert.LessOrEqual(t, ctx.LL, last.Low)
}

func TestBuildContextSuddenMove(t *testing.T) {
	b := testBot()
	klines := trendingKlines(120, 100, 0.01)
	// 5% jump on the final candle
	last := &klines[len(klines)-1]
	prev := klines[len(klines)-2].Close
	last.Close = prev * 1.05
	last.High = last.Close

	ctx := b.buildContext(klines, &market.MetricsSnapshot{}, &store.State{})
	assert.True(t, ctx.SuddenMove)
}

func TestBuildContextLiquidationMapping(t *testing.T) {
	b := testBot()
	klines := trendingKlines(120, 100, 0.1)
	snap := &market.MetricsSnapshot{LiqBuyUSD: 3_000_000, LiqSellUSD: 500_000}

	ctx := b.buildContext(klines, snap, &store.State{})

	// a "Buy" forced order is a short being liquidated
	assert.Equal(t, 3_000_000.0, ctx.LiqShortUSD)
	assert.Equal(t, 500_000.0, ctx.LiqLongUSD)
}

func TestClosedCandlesDedup(t *testing.T) {
	klines := trendingKlines(10, 100, 0.5)

	closed, last, fresh := closedCandles(klines, 0)
	require.Len(t, closed, 9)
	require.Equal(t, klines[8].Start, last.Start, "in-progress row must be dropped")
	assert.True(t, fresh)

	// same fetch again with the marker persisted: nothing new to act on
	_, _, fresh = closedCandles(klines, last.Start)
	assert.False(t, fresh)

	// one more candle arrives
	next := append(klines[1:], Kline{Start: last.Start + 600_000, Close: 105})
	_, last2, fresh := closedCandles(next, last.Start)
	assert.True(t, fresh)
	assert.Greater(t, last2.Start, last.Start)
}

func TestExitContextUsesLivePrice(t *testing.T) {
	cctx := &decision.Context{Price: 100.0, ATR: 1.0, SMAFast: 99.5}

	ectx := exitContext(cctx, &market.MetricsSnapshot{Price: 100.8})
	assert.Equal(t, 100.8, ectx.Price, "exit distances follow the book mid")
	assert.Equal(t, 1.0, ectx.ATR, "indicators stay on candle data")
	assert.Equal(t, 100.0, cctx.Price, "the candle context is untouched")

	// no usable mid keeps the candle close
	ectx = exitContext(cctx, &market.MetricsSnapshot{})
	assert.Equal(t, 100.0, ectx.Price)
	ectx = exitContext(cctx, nil)
	assert.Equal(t, 100.0, ectx.Price)
}

func TestATRContracted(t *testing.T) {
	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 2.0
	}
	assert.True(t, atrContracted(0.5, flat, 0.5), "0.5 is below half the 2.0 average")
	assert.False(t, atrContracted(1.5, flat, 0.5))
	assert.False(t, atrContracted(0.5, flat[:10], 0.5), "short history never blocks")
	assert.False(t, atrContracted(0.5, flat, 0), "disabled ratio never blocks")
}

func TestStopParams(t *testing.T) {
	b := testBot()
	s := &b.cfg.Strategy

	// a chase always takes the wide breakout stop with the base reward
	slK, tpRR := b.stopParams(decision.Profile{SLK: 1.0, TPRR: 2.5}, decision.RegimeNeutral, true)
	assert.Equal(t, s.BreakoutSLK, slK)
	assert.Equal(t, s.TPRR, tpRR)

	// a complete profile passes through untouched
	slK, tpRR = b.stopParams(decision.Profile{SLK: 1.0, TPRR: 2.5}, decision.RegimeNeutral, false)
	assert.Equal(t, 1.0, slK)
	assert.Equal(t, 2.5, tpRR)

	// profile gaps fall back to the per-regime stop and the base reward
	slK, tpRR = b.stopParams(decision.Profile{}, decision.RegimeTrendUp, false)
	assert.Equal(t, s.SLATRKTrend, slK)
	assert.Equal(t, s.TPRR, tpRR)
	slK, _ = b.stopParams(decision.Profile{}, decision.RegimeRange, false)
	assert.Equal(t, s.SLATRKRange, slK)
	slK, _ = b.stopParams(decision.Profile{}, decision.RegimeNeutral, false)
	assert.Equal(t, s.SLATRKNeutral, slK)
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	b := testBot()
	seen := []time.Duration{}
	for i := 0; i < 8; i++ {
		b.klineBackoff = b.nextBackoff()
		seen = append(seen, b.klineBackoff)
	}
	assert.Equal(t, 2*time.Second, seen[0])
	assert.Equal(t, 4*time.Second, seen[1])
	assert.Equal(t, klineBackoffMax, seen[len(seen)-1])
	for _, d := range seen {
		assert.LessOrEqual(t, d, klineBackoffMax)
	}
}

func TestRealizedR(t *testing.T) {
	assert.Equal(t, 3.0, realizedR("long", 100, 106, 2))
	assert.Equal(t, 3.0, realizedR("short", 100, 94, 2))
	assert.Equal(t, -1.0, realizedR("long", 100, 98, 2))
	assert.Equal(t, 0.0, realizedR("long", 100, 110, 0), "no risk distance, no R")
}

func TestSkipKey(t *testing.T) {
	cases := map[string]string{
		"cooldown":                        "cooldown",
		"pullback wait: dist=1.2 (need <0.7)": "pullback_wait",
		"OB pressure 1.8 [trend]":         "ob_pressure_1.8",
		"close<=SMA10-0.05ATR (guard)":    "close<=sma10-0.05atr",
	}
	for in, want := range cases {
		assert.Equal(t, want, skipKey(in), in)
	}
}

func TestFilterPositions(t *testing.T) {
	all := []ExchangePosition{
		{Symbol: "SOLUSDT", Side: "long", Qty: 1},
		{Symbol: "BTCUSDT", Side: "short", Qty: 2},
	}
	sol := filterPositions(all, "SOLUSDT")
	require.Len(t, sol, 1)
	assert.Equal(t, "SOLUSDT", sol[0].Symbol)

	everything := filterPositions(all, "")
	assert.Len(t, everything, 2)
}

func TestParseOrderID(t *testing.T) {
	ok := &bybit.ServerResponse{
		RetCode: 0,
		Result:  map[string]interface{}{"orderId": "abc-123"},
	}
	id, err := parseOrderID(ok)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", id)

	rejected := &bybit.ServerResponse{RetCode: 110007, RetMsg: "insufficient balance"}
	_, err = parseOrderID(rejected)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")

	empty := &bybit.ServerResponse{RetCode: 0, Result: map[string]interface{}{}}
	_, err = parseOrderID(empty)
	require.Error(t, err)
}

func TestFormatQuantityUsesCachedStep(t *testing.T) {
	c := &BybitClient{qtyStepCache: map[string]float64{"SOLUSDT": 0.1}}

	got, err := c.FormatQuantity("SOLUSDT", 2.37)
	require.NoError(t, err)
	assert.Equal(t, "2.3", got)

	_, err = c.FormatQuantity("SOLUSDT", 0.04)
	assert.Error(t, err, "below one lot step")
}

func TestFormatQuantityWholeStep(t *testing.T) {
	c := &BybitClient{qtyStepCache: map[string]float64{"XRPUSDT": 1}}
	got, err := c.FormatQuantity("XRPUSDT", 153.9)
	require.NoError(t, err)
	assert.Equal(t, "153", got)
}
