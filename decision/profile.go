package decision

import "flowbot/config"

// SelectProfile picks the TP/SL management profile for a new entry from the
// regime and flow conviction. ofiZ is the raw signed OFI z-score; alignment
// reads it in the entry direction.
func SelectProfile(cfg *config.StrategyConfig, regime Regime, side string, votes int, ofiZ float64) Profile {
	if regime == RegimeRange {
		return Profile{
			Name:   "range",
			SLK:    cfg.SLRangeATR,
			TPRR:   cfg.TPRRRange,
			TrailK: cfg.TrailKRange,
		}
	}

	long := side != "short"
	oriented := ofiZ
	if !long {
		oriented = -ofiZ
	}
	aligned := votes >= cfg.TrendVotesMin && oriented >= cfg.TrendOFIZMin

	withTrend := (long && regime == RegimeTrendUp) || (!long && regime == RegimeTrendDown)
	counterTrend := (long && regime == RegimeTrendDown) || (!long && regime == RegimeTrendUp)
	if aligned && withTrend {
		if long {
			return Profile{
				Name: "trend_strong_long",
				SLK:  cfg.SLTrendLongATR,
				TPRR: cfg.TPRRTrendLong,
				BEK:  cfg.BEKTrendLong,
			}
		}
		return Profile{
			Name: "trend_strong_short",
			SLK:  cfg.SLTrendLongATR,
			TPRR: cfg.TPRRTrendLong,
			BEK:  cfg.BEKTrendLong,
		}
	}
	if counterTrend {
		// fading a trend gets the wider stop
		name := "trend_counter_short"
		if long {
			name = "trend_counter_long"
		}
		return Profile{
			Name: name,
			SLK:  cfg.SLTrendShortATR,
			TPRR: cfg.TPRRTrendShort,
			BEK:  cfg.BEKTrendShort,
		}
	}

	return Profile{
		Name: "neutral",
		SLK:  cfg.SLNeutralATR,
		TPRR: cfg.TPRRNeutral,
		BEK:  cfg.BEKNeutral,
	}
}
