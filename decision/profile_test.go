package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"flowbot/config"
)

func TestSelectProfile(t *testing.T) {
	cfg := config.DefaultStrategy()

	tests := []struct {
		name     string
		regime   Regime
		side     string
		votes    int
		ofiZ     float64
		wantName string
		wantSLK  float64
	}{
		{"range regardless of flow", RegimeRange, "long", 5, 3.0, "range", cfg.SLRangeATR},
		{"aligned long in uptrend", RegimeTrendUp, "long", 3, 2.0, "trend_strong_long", cfg.SLTrendLongATR},
		{"aligned short in downtrend", RegimeTrendDown, "short", 3, -2.0, "trend_strong_short", cfg.SLTrendLongATR},
		{"short against uptrend gets wider stop", RegimeTrendUp, "short", 3, -2.0, "trend_counter_short", cfg.SLTrendShortATR},
		{"long against downtrend gets wider stop", RegimeTrendDown, "long", 3, 2.0, "trend_counter_long", cfg.SLTrendShortATR},
		{"weak flow in uptrend falls to neutral", RegimeTrendUp, "long", 1, 0.5, "neutral", cfg.SLNeutralATR},
		{"neutral regime", RegimeNeutral, "long", 3, 2.0, "neutral", cfg.SLNeutralATR},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := SelectProfile(&cfg, tt.regime, tt.side, tt.votes, tt.ofiZ)
			assert.Equal(t, tt.wantName, p.Name)
			assert.InDelta(t, tt.wantSLK, p.SLK, 1e-9)
		})
	}
}

func TestSelectProfileRangeCarriesTrail(t *testing.T) {
	cfg := config.DefaultStrategy()
	p := SelectProfile(&cfg, RegimeRange, "short", 0, 0)
	assert.InDelta(t, cfg.TrailKRange, p.TrailK, 1e-9)
	assert.Zero(t, p.BEK)
}
