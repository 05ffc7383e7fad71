package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"flowbot/config"
)

func TestClassifyLiquidityGate(t *testing.T) {
	cfg := config.DefaultStrategy()
	c := NewClassifier(&cfg)

	ctx := &Context{
		Price: 100, ATR: 1, ATRPct: 0.01, ADX: 30,
		SMAFast: 101, SMASlow: 99, MACD: 1, MACDSignal: 0,
		Volume: 10, Vol24hAvg: 100, // 10% of average, under the 30% floor
	}
	info := c.Classify(ctx)
	assert.Equal(t, RegimeNeutral, info.Regime)
	assert.True(t, info.LowLiquidity)
	assert.Zero(t, info.StrengthUp)
	assert.Zero(t, info.StrengthDown)
}

func TestClassifyRangeWinsOverTrend(t *testing.T) {
	cfg := config.DefaultStrategy()
	c := NewClassifier(&cfg)

	ctx := &Context{
		Price: 100, ATR: 0.3, ATRPct: 0.003, // under the range ceiling
		ADX: 30, SMAFast: 100.05, SMASlow: 100.0, // converged MAs
		MACD: 1, MACDSignal: 0,
		Volume: 100, Vol24hAvg: 100,
	}
	info := c.Classify(ctx)
	assert.Equal(t, RegimeRange, info.Regime)
}

func TestClassifyTrendDirections(t *testing.T) {
	cfg := config.DefaultStrategy()
	c := NewClassifier(&cfg)

	tests := []struct {
		name string
		ctx  Context
		want Regime
	}{
		{
			name: "up via MA and MACD confluence",
			ctx: Context{
				Price: 100, ATR: 1, ATRPct: 0.01, ADX: 25,
				SMAFast: 101, SMASlow: 99, MACD: 1, MACDSignal: 0,
				Volume: 100, Vol24hAvg: 100,
			},
			want: RegimeTrendUp,
		},
		{
			name: "down via MA and MACD confluence",
			ctx: Context{
				Price: 100, ATR: 1, ATRPct: 0.01, ADX: 25,
				SMAFast: 99, SMASlow: 101, MACD: -1, MACDSignal: 0,
				Volume: 100, Vol24hAvg: 100,
			},
			want: RegimeTrendDown,
		},
		{
			name: "conflicting directions fall back to neutral",
			ctx: Context{
				Price: 100, ATR: 1, ATRPct: 0.01, ADX: 25,
				SMAFast: 101, SMASlow: 99, MACD: -1, MACDSignal: 0,
				Volume: 100, Vol24hAvg: 100,
			},
			want: RegimeNeutral,
		},
		{
			name: "gate closed keeps neutral",
			ctx: Context{
				Price: 100, ATR: 1, ATRPct: 0.003, ADX: 10,
				SMAFast: 101, SMASlow: 99, MACD: 1, MACDSignal: 0,
				Volume: 100, Vol24hAvg: 100,
			},
			want: RegimeNeutral,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(&tt.ctx)
			if tt.want == RegimeNeutral && tt.ctx.ATRPct <= cfg.RangeATRPctMax {
				// converged/ambiguous low-vol may land in range first
				assert.Contains(t, []Regime{RegimeNeutral, RegimeRange}, got.Regime)
				return
			}
			assert.Equal(t, tt.want, got.Regime)
		})
	}
}

func TestClassifyMTFAlignmentDirection(t *testing.T) {
	cfg := config.DefaultStrategy()
	c := NewClassifier(&cfg)

	ctx := &Context{
		Price: 100, ATR: 1, ATRPct: 0.01, ADX: 25,
		SMAFast: 101, SMASlow: 99, MACD: -1, MACDSignal: 0, // no confluence
		ADX15: 20, EMAFast15: 101, EMASlow15: 99,
		Volume: 100, Vol24hAvg: 100,
	}
	info := c.Classify(ctx)
	assert.Equal(t, "up", info.MTFAlignment)
	assert.Equal(t, RegimeTrendUp, info.Regime)
}

func TestClassifyIsIdempotent(t *testing.T) {
	cfg := config.DefaultStrategy()
	c := NewClassifier(&cfg)

	ctx := &Context{
		Price: 100, ATR: 1, ATRPct: 0.01, ADX: 25,
		SMAFast: 101, SMASlow: 99, MACD: 1, MACDSignal: 0,
		Volume: 100, Vol24hAvg: 100, SuddenMove: true,
	}
	first := c.Classify(ctx)
	second := c.Classify(ctx)
	assert.Equal(t, first, second)
}

func TestStrengthScoreCap(t *testing.T) {
	cfg := config.DefaultStrategy()
	c := NewClassifier(&cfg)

	ctx := &Context{
		Price: 100, ATR: 1, ATRPct: 0.01, ADX: 30,
		SMAFast: 101, SMASlow: 99, RSI: 60,
		Volume: 200, VolumeMA: 100, Vol24hAvg: 100,
		BollWidth: 0.05, BollWidthPrev: 0.03,
		MACD: 1, MACDSignal: 0, MACDHist: 0.5, MACDHistPrev: 0.2,
		SuddenMove: true,
	}
	info := c.Classify(ctx)
	assert.LessOrEqual(t, info.StrengthUp, 6)
	assert.LessOrEqual(t, info.StrengthDown, 6)
	assert.Greater(t, info.StrengthUp, info.StrengthDown)
}

func TestRangePositionBands(t *testing.T) {
	cfg := config.DefaultStrategy()
	c := NewClassifier(&cfg)

	assert.InDelta(t, 0.5, RangePosition(100, 110, 90), 1e-9)
	assert.Equal(t, -1.0, RangePosition(100, 90, 90))

	upper := &Context{Price: 108, HH: 110, LL: 90}
	lower := &Context{Price: 92, HH: 110, LL: 90}
	assert.True(t, c.IsRangeUpper(upper))
	assert.False(t, c.IsRangeLower(upper))
	assert.True(t, c.IsRangeLower(lower))
	assert.False(t, c.IsRangeUpper(lower))
}
