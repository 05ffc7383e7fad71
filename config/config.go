package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full application configuration, loaded once at startup and
// treated as immutable afterwards. Secrets come from the environment, tunables
// from config.json.
type Config struct {
	LogLevel  string `json:"log_level"`
	StateFile string `json:"state_file"`
	HistoryDB string `json:"history_db"`
	APIPort   int    `json:"api_server_port"`

	Bybit    BybitConfig    `json:"bybit"`
	Telegram TelegramConfig `json:"telegram"`
	Strategy StrategyConfig `json:"strategy"`
}

// BybitConfig holds exchange connectivity settings
type BybitConfig struct {
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
	BaseURL   string `json:"base_url"`
	WSURL     string `json:"ws_url"`
	Testnet   bool   `json:"testnet"`
}

// TelegramConfig holds notification settings
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`
	ChatID  int64  `json:"chat_id"`
}

// StrategyConfig holds every tunable threshold of the strategy as a concrete
// field. There are no alias chains: each knob has exactly one name, resolved
// here at load time.
type StrategyConfig struct {
	// Market & timeframe
	Symbol        string `json:"symbol"`
	Category      string `json:"category"`
	IntervalMin   int    `json:"interval_min"`
	LookbackLimit int    `json:"lookback_limit"`
	Leverage      int    `json:"leverage"`

	// Loop control
	PollIntervalSec  float64 `json:"poll_interval_sec"`
	EntryCooldownMin int     `json:"entry_cooldown_min"`
	MinATRUSD        float64 `json:"min_atr_usd"`
	MarginRatioStop  float64 `json:"margin_ratio_stop"`
	MinNotionalUSDT  float64 `json:"min_notional_usdt"`

	// Position sizing
	PositionPct  float64 `json:"position_pct"`
	MaxPositions int     `json:"max_positions"`
	TakerFeeRate float64 `json:"taker_fee_rate"`

	// Indicators
	RSIPeriod  int `json:"rsi_period"`
	MACDFast   int `json:"macd_fast"`
	MACDSlow   int `json:"macd_slow"`
	MACDSignal int `json:"macd_signal"`
	ATRPeriod  int `json:"atr_period"`
	SMAFast    int `json:"sma_fast"`
	SMASlow    int `json:"sma_slow"`
	ADXPeriod  int `json:"adx_period"`

	// Regime gates
	ATRPctTrendMin float64 `json:"atrp_trend_min"`
	ADXTrendMin    float64 `json:"adx_trend_min"`
	ADXStrongMin   float64 `json:"adx_strong_min"`
	RSIOversold    float64 `json:"rsi_oversold"`
	RSIOverbought  float64 `json:"rsi_overbought"`
	RangeATRPctMax float64 `json:"range_atrp_max"`
	RangeSMAConvK  float64 `json:"range_sma_conv_k"`
	TrendGateMode  string  `json:"trend_gate_mode"` // or | and | adx_only | atr_only
	SuddenMovePct  float64 `json:"sudden_move_pct"`
	LowLiqVolRatio float64 `json:"low_liq_vol_ratio"`

	// Pullback
	EntryPullbackATR         float64 `json:"entry_pullback_atr"`
	EntryPullbackATRTrendMin float64 `json:"entry_pullback_atr_trend_min"`
	PullbackOverrideRateS    float64 `json:"pullback_override_rate_s"`
	PullbackOverrideNetS     float64 `json:"pullback_override_net_s"`

	// Two-window flow baseline
	FlowWindowShortSec int     `json:"flow_window_short_sec"`
	FlowWindowLongSec  int     `json:"flow_window_long_sec"`
	FlowMinImbalance   float64 `json:"flow_min_imbalance"`
	FlowMinCount       int     `json:"flow_min_count"`
	FlowMinConsec      int     `json:"flow_min_consec"`
	FlowMinNetUSD      float64 `json:"flow_min_net_usd"`

	// Distance hard-cap from SMA fast
	EntryMaxOverSMAATRTrend   float64 `json:"entry_max_over_sma_atr_trend"`
	EntryMaxOverSMAATRNeutral float64 `json:"entry_max_over_sma_atr_neutral"`
	EntryMaxOverSMAATRRange   float64 `json:"entry_max_over_sma_atr_range"`

	// Dynamic cap bonus / momentum relaxation
	CapBonusEnabled            bool    `json:"cap_bonus_enabled"`
	CapBonusVotes2             float64 `json:"cap_bonus_votes2"`
	CapBonusPerVote            float64 `json:"cap_bonus_per_vote"`
	OFIZBoostThr               float64 `json:"ofi_z_boost_thr"`
	CapBonusOFIZK              float64 `json:"cap_bonus_ofi_z_k"`
	CapBonusNeutralMax         float64 `json:"cap_bonus_neutral_max"`
	CapBonusRangeMax           float64 `json:"cap_bonus_range_max"`
	UseMomentumPullbackOverride bool   `json:"use_momentum_pullback_override"`
	MomentumVotesMin           int     `json:"momentum_votes_min"`
	MomentumExtraATRNeutral    float64 `json:"momentum_extra_atr_neutral"`

	// Orderbook soft-guard
	UseOrderbookFilter bool    `json:"use_orderbook_filter"`
	OBDepth            int     `json:"ob_depth"`
	WallScanATRK       float64 `json:"wall_scan_atr_k"`
	OBAskBidMaxTrend   float64 `json:"ob_ask_bid_max_trend"`
	OBAskBidMaxNeutral float64 `json:"ob_ask_bid_max_neutral"`
	OBAskBidMaxRange   float64 `json:"ob_ask_bid_max_range"`
	OBRelaxBand        float64 `json:"ob_relax_band"`
	OBOverrideRateS    float64 `json:"ob_override_rate_s"`
	OBOverrideNetS     float64 `json:"ob_override_net_s"`
	OBHistLen          int     `json:"ob_hist_len"`
	OBPersistAskBidMin float64 `json:"ob_persist_ask_bid_min"`

	// Pivot-orderbook override
	UsePivotOBOverride bool    `json:"use_pivot_ob_override"`
	PivotMaxDistATR    float64 `json:"pivot_max_dist_atr"`
	PivotOBMaxRatio    float64 `json:"pivot_ob_max_ratio"`
	PivotMinOFIZ       float64 `json:"pivot_min_ofi_z"`

	// Absolute guard / move to breakeven
	UseMoveToBE      bool    `json:"use_move_to_be"`
	MoveBEATRKTrend   float64 `json:"move_be_atr_k_trend"`
	MoveBEATRKNeutral float64 `json:"move_be_atr_k_neutral"`
	MoveBEATRKRange   float64 `json:"move_be_atr_k_range"`

	// Initial SL/TP (ATR based, fixed RR)
	SLATRKTrend   float64 `json:"sl_atr_k_trend"`
	SLATRKNeutral float64 `json:"sl_atr_k_neutral"`
	SLATRKRange   float64 `json:"sl_atr_k_range"`
	TPRR          float64 `json:"tp_rr"`
	MinSLUSD      float64 `json:"min_sl_usd"`

	// TP/SL management profiles
	TrendVotesMin   int     `json:"trend_votes_min"`
	TrendOFIZMin    float64 `json:"trend_ofi_z_min"`
	SLTrendLongATR  float64 `json:"sl_trend_long_atr"`
	TPRRTrendLong   float64 `json:"tp_rr_trend_long"`
	BEKTrendLong    float64 `json:"be_k_trend_long"`
	SLTrendShortATR float64 `json:"sl_trend_short_atr"`
	TPRRTrendShort  float64 `json:"tp_rr_trend_short"`
	BEKTrendShort   float64 `json:"be_k_trend_short"`
	SLRangeATR      float64 `json:"sl_range_atr"`
	TPRRRange       float64 `json:"tp_rr_range"`
	TrailKRange     float64 `json:"trail_k_range"`
	SLNeutralATR    float64 `json:"sl_neutral_atr"`
	TPRRNeutral     float64 `json:"tp_rr_neutral"`
	BEKNeutral      float64 `json:"be_k_neutral"`

	// Distance cap for pullback/momentum relaxation
	DistCapBase     float64 `json:"dist_cap_base"`
	DistCapBonusMax float64 `json:"dist_cap_bonus_max"`

	// Breakout chase
	UseBreakoutChase       bool    `json:"use_breakout_chase"`
	BreakoutMinDistATR     float64 `json:"breakout_min_dist_atr"`
	BreakoutMaxDistATR     float64 `json:"breakout_max_dist_atr"`
	BreakoutMinOFIZ        float64 `json:"breakout_min_ofi_z"`
	BreakoutHalfSize       float64 `json:"breakout_half_size"`
	BreakoutSLK            float64 `json:"breakout_sl_k"`
	BreakoutTimeStopMin    int     `json:"breakout_time_stop_min"`
	BreakoutFollowThroughR float64 `json:"breakout_follow_through_r"`

	// Post-blowoff exhaustion filter (long suppression)
	UseExhaustionFilter bool    `json:"use_exhaustion_filter"`
	ExhaustionDistATR   float64 `json:"exhaustion_dist_atr"`
	ExhaustionRSI       float64 `json:"exhaustion_rsi"`
	ExhaustionOFIZMin   float64 `json:"exhaustion_ofi_z_min"`
	ExhaustionBlockBars int     `json:"exhaustion_block_bars"`

	// Range position guard
	RangeLookback      int     `json:"range_lookback"`
	RangeTopPos        float64 `json:"range_top_pos"`
	RangeBottomPos     float64 `json:"range_bottom_pos"`
	RangeTopAskBidMin  float64 `json:"range_top_ask_bid_min"`
	RangeTopOFIZMax    float64 `json:"range_top_ofi_z_max"`

	// Microstructure gating
	RequiredVotesMin   int     `json:"required_votes_min"`
	OFIZEntryMin       float64 `json:"ofi_z_entry_min"`
	OFIZEntryMinStrong float64 `json:"ofi_z_entry_min_strong"`
	ConsBuyMin         int     `json:"cons_buy_min"`
	ConsSellMin        int     `json:"cons_sell_min"`
	ConsBuyMinStrong   int     `json:"cons_buy_min_strong"`
	ConsSellMinStrong  int     `json:"cons_sell_min_strong"`
	NetMktUSDMin       float64 `json:"net_mkt_usd_min"`
	NetMktUSDMinStrong float64 `json:"net_mkt_usd_min_strong"`

	// Counter-trend guard
	BlockCountertrendIfRSIGt     float64 `json:"block_countertrend_if_rsi_gt"`
	BlockCountertrendIfDistATRLt float64 `json:"block_countertrend_if_dist_atr_lt"`
	DisableTrendWidenForCounter  bool    `json:"disable_trend_widen_for_counter"`

	// Capitulation exception (hard-block bypass)
	CapitulationOFIZMin  float64 `json:"capitulation_ofi_z_min"`
	CapitulationLiqUSD   float64 `json:"capitulation_liq_usd"`
	CapitulationOIDrop   float64 `json:"capitulation_oi_drop"`

	// Flip (two-stage reversal)
	FlipEnable         bool    `json:"flip_enable"`
	AllowAtomicFlip    bool    `json:"allow_atomic_flip"`
	ForbidOppositeEntry bool   `json:"forbid_opposite_entry"`
	FlipVotesNeeded    int     `json:"flip_votes_needed"`
	FlipOFIZ           float64 `json:"flip_ofi_z"`
	FlipCons           int     `json:"flip_cons"`
	FlipCVDZ           float64 `json:"flip_cvd_z"`
	FlipBreakSMA       bool    `json:"flip_break_sma"`
	FlipTimeWindowSec  float64 `json:"flip_time_window_sec"`
	MinHoldMinutes     int     `json:"min_hold_minutes_after_entry"`
	MinFlipIntervalMin int     `json:"min_flip_interval_min"`

	// Dynamic cooldown
	CooldownATRBufMax     int `json:"cooldown_atr_buf_max"`
	CooldownATRShortN     int `json:"cooldown_atr_short_n"`
	CooldownATRLongN      int `json:"cooldown_atr_long_n"`
	CooldownMinFloor      int `json:"cooldown_min_floor"`
	CooldownMaxCap        int `json:"cooldown_max_cap"`

	// Cooldown / regime override
	CooldownOverrideEnable bool    `json:"cooldown_override_enable"`
	CooldownOverrideOFIZ   float64 `json:"cooldown_override_ofi_z"`
	CooldownOverrideCons   int     `json:"cooldown_override_cons"`
	CooldownOverrideVotes  int     `json:"cooldown_override_votes"`
	CooldownOverrideADXMin float64 `json:"cooldown_override_adx_min"`
	RegimeOverrideOFIZ     float64 `json:"regime_override_ofi_z"`
	RegimeOverrideCons     int     `json:"regime_override_cons"`
	RegimeOverrideVotes    int     `json:"regime_override_votes"`
	OverrideMinATRPct      float64 `json:"override_min_atr_pct"`

	// Neutral regime throttle
	NeutralMaxTradesPerHour int `json:"neutral_max_trades_per_hour"`

	// Edge engine
	OBILevels      int     `json:"obi_levels"`
	OBIThr         float64 `json:"obi_thr"`
	OFIWindowSec   int     `json:"ofi_window_sec"`
	OFIZThr        float64 `json:"ofi_z_thr"`
	OFIZClip       float64 `json:"ofi_z_clip"`
	CVDEMAPeriod   int     `json:"cvd_ema"`
	SeqMktTicks    int     `json:"seq_mkt_ticks"`
	LiqUse         bool    `json:"liq_use"`
	LiqClusterPct  float64 `json:"liq_cluster_pct"`
	LiqClusterUSD  float64 `json:"liq_cluster_usd"`
	DOIUse         bool    `json:"doi_use"`
	DOIPct         float64 `json:"doi_pct"`

	// Exit engine
	ExitEngineEnable   bool    `json:"exit_engine_enable"`
	TPNearBps          float64 `json:"tp_near_bps"`
	TPNearATRK         float64 `json:"tp_near_atr_k"`
	WickBodyRatioMin   float64 `json:"wick_body_ratio_min"`
	EarlyTPVotesNeeded int     `json:"early_tp_votes_needed"`
	TPPartRatio        float64 `json:"tp_part_ratio"`
	SLGraceEnable      bool    `json:"sl_grace_enable"`
	SLGraceBps         float64 `json:"sl_grace_bps"`
	SLGraceATRK        float64 `json:"sl_grace_atr_k"`
	SLGraceSec         int     `json:"sl_grace_sec"`
	SLGraceNeedVotes   int     `json:"sl_grace_need_votes"`
	SLGraceMATolATRK   float64 `json:"sl_grace_ma_tol_atr_k"`
	TimeStopMin        int     `json:"time_stop_min"`
	MinFollowThroughR  float64 `json:"min_follow_through_r"`

	// Absolute MA/RSI guard
	RequireCloseVsSMAGuard bool    `json:"require_close_vs_sma_guard"`
	RSILongMin             float64 `json:"rsi_long_min"`
	RSIShortMax            float64 `json:"rsi_short_max"`
	GuardBufBaseK          float64 `json:"guard_buf_base_k"`
	GuardBufMaxK           float64 `json:"guard_buf_max_k"`
	GuardBufATRPctRef      float64 `json:"guard_buf_atr_pct_ref"`

	// Entry order handling
	UsePostOnlyEntries  bool `json:"use_postonly_entries"`
	PostOnlyTimeoutSec  int  `json:"postonly_timeout_sec"`
	WatchOrderTTLSec    int  `json:"watch_order_ttl_sec"`

	// Position reconciliation
	SyncIntervalSec   int     `json:"sync_interval_sec"`
	SyncQtyTolerance  float64 `json:"sync_qty_tolerance"`
	SyncAdoptExchange bool    `json:"sync_adopt_exchange"`

	// Multi-timeframe trend
	Use1HTrend   bool `json:"use_1h_trend"`
	TrendSMAFast int  `json:"trend_sma_fast"`
	TrendSMASlow int  `json:"trend_sma_slow"`

	// Volatility filter
	UseATRFilter bool    `json:"use_atr_filter"`
	ATRRatioMin  float64 `json:"atr_ratio_min"`
}

// DefaultStrategy returns the strategy defaults. Every threshold referenced
// anywhere in the decision path has a concrete value here.
func DefaultStrategy() StrategyConfig {
	return StrategyConfig{
		Symbol:        "SOLUSDT",
		Category:      "linear",
		IntervalMin:   5,
		LookbackLimit: 300,
		Leverage:      4,

		PollIntervalSec:  5.0,
		EntryCooldownMin: 6,
		MinATRUSD:        0.40,
		MarginRatioStop:  0.50,
		MinNotionalUSDT:  5.10,

		PositionPct:  0.20,
		MaxPositions: 4,
		TakerFeeRate: 0.0006,

		RSIPeriod:  14,
		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,
		ATRPeriod:  14,
		SMAFast:    10,
		SMASlow:    50,
		ADXPeriod:  14,

		ATRPctTrendMin: 0.006,
		ADXTrendMin:    16.0,
		ADXStrongMin:   25.0,
		RSIOversold:    30.0,
		RSIOverbought:  70.0,
		RangeATRPctMax: 0.004,
		RangeSMAConvK:  0.3,
		TrendGateMode:  "or",
		SuddenMovePct:  0.03,
		LowLiqVolRatio: 0.3,

		EntryPullbackATR:         0.25,
		EntryPullbackATRTrendMin: 0.35,
		PullbackOverrideRateS:    9000.0,
		PullbackOverrideNetS:     80000.0,

		FlowWindowShortSec: 30,
		FlowWindowLongSec:  60,
		FlowMinImbalance:   0.25,
		FlowMinCount:       180,
		FlowMinConsec:      10,
		FlowMinNetUSD:      100000.0,

		EntryMaxOverSMAATRTrend:   1.50,
		EntryMaxOverSMAATRNeutral: 0.70,
		EntryMaxOverSMAATRRange:   0.55,

		CapBonusEnabled:             true,
		CapBonusVotes2:              0.05,
		CapBonusPerVote:             0.08,
		OFIZBoostThr:                2.0,
		CapBonusOFIZK:               0.06,
		CapBonusNeutralMax:          0.45,
		CapBonusRangeMax:            0.30,
		UseMomentumPullbackOverride: true,
		MomentumVotesMin:            2,
		MomentumExtraATRNeutral:     0.30,

		UseOrderbookFilter: true,
		OBDepth:            50,
		WallScanATRK:       0.5,
		OBAskBidMaxTrend:   1.40,
		OBAskBidMaxNeutral: 0.93,
		OBAskBidMaxRange:   0.80,
		OBRelaxBand:        0.08,
		OBOverrideRateS:    6000.0,
		OBOverrideNetS:     50000.0,
		OBHistLen:          6,
		OBPersistAskBidMin: 1.08,

		UsePivotOBOverride: true,
		PivotMaxDistATR:    1.20,
		PivotOBMaxRatio:    0.75,
		PivotMinOFIZ:       1.2,

		UseMoveToBE:       false,
		MoveBEATRKTrend:   1.10,
		MoveBEATRKNeutral: 1.00,
		MoveBEATRKRange:   0.70,

		SLATRKTrend:   1.35,
		SLATRKNeutral: 1.20,
		SLATRKRange:   1.00,
		TPRR:          1.8,
		MinSLUSD:      0.20,

		TrendVotesMin:   2,
		TrendOFIZMin:    1.5,
		SLTrendLongATR:  1.2,
		TPRRTrendLong:   2.0,
		BEKTrendLong:    0.6,
		SLTrendShortATR: 1.3,
		TPRRTrendShort:  2.0,
		BEKTrendShort:   0.6,
		SLRangeATR:      0.9,
		TPRRRange:       1.6,
		TrailKRange:     0.30,
		SLNeutralATR:    1.1,
		TPRRNeutral:     1.8,
		BEKNeutral:      0.5,

		DistCapBase:     0.95,
		DistCapBonusMax: 0.40,

		UseBreakoutChase:       true,
		BreakoutMinDistATR:     1.6,
		BreakoutMaxDistATR:     2.8,
		BreakoutMinOFIZ:        2.0,
		BreakoutHalfSize:       0.5,
		BreakoutSLK:            1.6,
		BreakoutTimeStopMin:    3,
		BreakoutFollowThroughR: 0.6,

		UseExhaustionFilter: true,
		ExhaustionDistATR:   2.5,
		ExhaustionRSI:       85.0,
		ExhaustionOFIZMin:   0.0,
		ExhaustionBlockBars: 2,

		RangeLookback:     60,
		RangeTopPos:       0.70,
		RangeBottomPos:    0.30,
		RangeTopAskBidMin: 1.05,
		RangeTopOFIZMax:   0.30,

		RequiredVotesMin:   3,
		OFIZEntryMin:       1.5,
		OFIZEntryMinStrong: 2.4,
		ConsBuyMin:         3,
		ConsSellMin:        3,
		ConsBuyMinStrong:   4,
		ConsSellMinStrong:  4,
		NetMktUSDMin:       8000.0,
		NetMktUSDMinStrong: 12000.0,

		BlockCountertrendIfRSIGt:     60.0,
		BlockCountertrendIfDistATRLt: 0.2,
		DisableTrendWidenForCounter:  true,

		CapitulationOFIZMin: 2.0,
		CapitulationLiqUSD:  3_000_000.0,
		CapitulationOIDrop:  -0.007,

		FlipEnable:          true,
		AllowAtomicFlip:     false,
		ForbidOppositeEntry: true,
		FlipVotesNeeded:     2,
		FlipOFIZ:            3.0,
		FlipCons:            5,
		FlipCVDZ:            2.0,
		FlipBreakSMA:        true,
		FlipTimeWindowSec:   120.0,
		MinHoldMinutes:      5,
		MinFlipIntervalMin:  10,

		CooldownATRBufMax: 96,
		CooldownATRShortN: 12,
		CooldownATRLongN:  48,
		CooldownMinFloor:  5,
		CooldownMaxCap:    30,

		CooldownOverrideEnable: true,
		CooldownOverrideOFIZ:   3.2,
		CooldownOverrideCons:   10,
		CooldownOverrideVotes:  5,
		CooldownOverrideADXMin: 22.0,
		RegimeOverrideOFIZ:     2.2,
		RegimeOverrideCons:     3,
		RegimeOverrideVotes:    5,
		OverrideMinATRPct:      0.004,

		NeutralMaxTradesPerHour: 2,

		OBILevels:     8,
		OBIThr:        0.5,
		OFIWindowSec:  120,
		OFIZThr:       2.0,
		OFIZClip:      6.0,
		CVDEMAPeriod:  20,
		SeqMktTicks:   20,
		LiqUse:        true,
		LiqClusterPct: 0.003,
		LiqClusterUSD: 200000.0,
		DOIUse:        true,
		DOIPct:        0.005,

		ExitEngineEnable:   true,
		TPNearBps:          10.0,
		TPNearATRK:         0.10,
		WickBodyRatioMin:   2.0,
		EarlyTPVotesNeeded: 2,
		TPPartRatio:        0.5,
		SLGraceEnable:      true,
		SLGraceBps:         6.0,
		SLGraceATRK:        0.06,
		SLGraceSec:         20,
		SLGraceNeedVotes:   2,
		SLGraceMATolATRK:   0.15,
		TimeStopMin:        7,
		MinFollowThroughR:  0.4,

		RequireCloseVsSMAGuard: true,
		RSILongMin:             55.0,
		RSIShortMax:            50.0,
		GuardBufBaseK:          0.05,
		GuardBufMaxK:           0.25,
		GuardBufATRPctRef:      0.006,

		UsePostOnlyEntries: true,
		PostOnlyTimeoutSec: 45,
		WatchOrderTTLSec:   300,

		SyncIntervalSec:   60,
		SyncQtyTolerance:  1e-6,
		SyncAdoptExchange: false,

		Use1HTrend:   true,
		TrendSMAFast: 50,
		TrendSMASlow: 200,

		UseATRFilter: true,
		ATRRatioMin:  0.5,
	}
}

// Default returns a Config with all defaults applied and no secrets set.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		StateFile: "state.json",
		HistoryDB: "history.db",
		APIPort:   8080,
		Bybit: BybitConfig{
			BaseURL: "https://api.bybit.com",
			WSURL:   "wss://stream.bybit.com/v5/public/linear",
		},
		Strategy: DefaultStrategy(),
	}
}

// Load reads config.json (if present), overlays environment variables for
// secrets, and validates the result. Missing file is not an error: defaults
// apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("BYBIT_API_KEY")); v != "" {
		c.Bybit.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BYBIT_API_SECRET")); v != "" {
		c.Bybit.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Telegram.ChatID = id
		}
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("API_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.APIPort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("SYMBOL")); v != "" {
		c.Strategy.Symbol = v
	}
}

// Validate rejects configurations that would make the decision loop unsafe.
func (c *Config) Validate() error {
	s := &c.Strategy
	if s.Symbol == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if s.IntervalMin <= 0 {
		return fmt.Errorf("config: interval_min must be positive, got %d", s.IntervalMin)
	}
	if s.Leverage <= 0 {
		return fmt.Errorf("config: leverage must be positive, got %d", s.Leverage)
	}
	if s.PositionPct <= 0 || s.PositionPct > 1 {
		return fmt.Errorf("config: position_pct must be in (0,1], got %v", s.PositionPct)
	}
	if s.MaxPositions <= 0 {
		return fmt.Errorf("config: max_positions must be positive, got %d", s.MaxPositions)
	}
	if s.TPRR <= 0 {
		return fmt.Errorf("config: tp_rr must be positive, got %v", s.TPRR)
	}
	if s.OFIZClip <= 0 {
		return fmt.Errorf("config: ofi_z_clip must be positive, got %v", s.OFIZClip)
	}
	if s.CooldownMinFloor > s.CooldownMaxCap {
		return fmt.Errorf("config: cooldown_min_floor %d exceeds cooldown_max_cap %d", s.CooldownMinFloor, s.CooldownMaxCap)
	}
	if s.FlowWindowShortSec <= 0 || s.FlowWindowLongSec < s.FlowWindowShortSec {
		return fmt.Errorf("config: flow windows invalid (short=%d long=%d)", s.FlowWindowShortSec, s.FlowWindowLongSec)
	}
	return nil
}
