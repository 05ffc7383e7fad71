// Package decision holds the rule engine: regime classification, entry
// guards, the exit engine, cooldown control and TP/SL profile selection.
package decision

// Regime is the classified market state.
type Regime string

const (
	RegimeTrendUp   Regime = "trend_up"
	RegimeTrendDown Regime = "trend_down"
	RegimeRange     Regime = "range"
	RegimeNeutral   Regime = "neutral"
)

// RegimeInfo carries the regime plus side-channel metadata.
type RegimeInfo struct {
	Regime       Regime
	MTFAlignment string // "up", "down" or "none"
	StrengthUp   int    // 0-6
	StrengthDown int    // 0-6
	LowLiquidity bool
}

// Context is the per-candle indicator and microstructure input to the
// decision path. All fields refer to the latest closed candle unless noted.
type Context struct {
	Price float64
	High  float64
	Low   float64

	ATR    float64
	ATRPct float64
	ADX    float64

	SMAFast float64
	SMASlow float64
	RSI     float64

	MACD         float64
	MACDSignal   float64
	MACDHist     float64
	MACDHistPrev float64

	Volume    float64
	VolumeMA  float64
	Vol24hAvg float64

	BollWidth     float64
	BollWidthPrev float64

	// lookback extremes for range positioning
	HH float64
	LL float64

	// multi-timeframe direction inputs (zero values disable a timeframe)
	ADX15     float64
	ADX1h     float64
	EMAFast15 float64
	EMASlow15 float64
	EMAFast1h float64
	EMASlow1h float64

	SuddenMove bool // >3% move within 5 minutes

	// microstructure side-channel
	OFIZ        float64
	EdgeVotes   int
	ConsBuy     int
	ConsSell    int
	LiqLongUSD  float64 // notional of liquidated longs near spot
	LiqShortUSD float64 // notional of liquidated shorts near spot
	OIDropPct   float64 // fractional open-interest change, negative = drop
	OBPersist   float64 // rolling mean ask/bid ratio
}

// GuardResult is the outcome of one entry-guard evaluation.
type GuardResult struct {
	Allowed   bool
	Reason    string
	RelaxTags []string
	Mode      string // "", "capitulation_long", "capitulation_short", "breakout_chase"
}

// Exit actions, first match wins in Evaluate.
type ExitAction string

const (
	ExitHold     ExitAction = "HOLD"
	ExitTPPart   ExitAction = "TP_PART"
	ExitTPAll    ExitAction = "TP_ALL"
	ExitCut      ExitAction = "CUT"
	ExitUpdateSL ExitAction = "UPDATE_SL"
	ExitSLGrace  ExitAction = "SL_GRACE"
)

// ExitDecision is the outcome of one exit-engine evaluation.
type ExitDecision struct {
	Action   ExitAction
	Ratio    float64 // for TP_PART
	NewSL    float64 // for UPDATE_SL
	Reason   string
	GraceSec int // for SL_GRACE
}

// Profile is a TP/SL management profile.
type Profile struct {
	Name   string
	SLK    float64
	TPRR   float64
	BEK    float64
	TrailK float64
}
