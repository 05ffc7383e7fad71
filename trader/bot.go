package trader

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowbot/config"
	"flowbot/decision"
	"flowbot/indicator"
	"flowbot/logger"
	"flowbot/market"
	"flowbot/notify"
	"flowbot/store"
)

const (
	klineBackoffMax  = 60 * time.Second
	mtfRefresh       = 5 * time.Minute
	recentTradeLimit = 1000
)

// Bot runs the trading loop for one symbol: exits first, then at most one
// entry per closed candle.
type Bot struct {
	cfg      *config.Config
	client   *BybitClient
	engine   *market.Engine
	state    *store.StateStore
	history  *store.HistoryStore
	notifier notify.Notifier

	guard      *decision.Guard
	classifier *decision.Classifier
	exitEngine *decision.ExitEngine
	cooldown   *decision.Cooldown
	flipGate   *decision.FlipGate

	// cached higher-timeframe candles
	klines15 []Kline
	klines1h []Kline
	mtfTime  time.Time

	// longs stay suppressed until this candle start after a blowoff
	exhaustionUntil int64

	klineBackoff time.Duration
}

// NewBot wires the loop from its collaborators. Nothing here talks to the
// exchange yet.
func NewBot(cfg *config.Config, client *BybitClient, engine *market.Engine,
	state *store.StateStore, history *store.HistoryStore, notifier notify.Notifier) *Bot {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &cfg.Strategy
	return &Bot{
		cfg:        cfg,
		client:     client,
		engine:     engine,
		state:      state,
		history:    history,
		notifier:   notifier,
		guard:      decision.NewGuard(s),
		classifier: decision.NewClassifier(s),
		exitEngine: decision.NewExitEngine(s),
		cooldown:   decision.NewCooldown(s),
		flipGate:   decision.NewFlipGate(s),
	}
}

// Run executes the loop until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	s := &b.cfg.Strategy

	if err := b.client.SetLeverage(s.Symbol, s.Leverage); err != nil {
		logger.Warnf("set leverage: %v", err)
	}
	logger.Infof("bot started: %s %dm leverage=%dx", s.Symbol, s.IntervalMin, s.Leverage)
	b.notifier.Notify("▶️ bot started: %s %dm", s.Symbol, s.IntervalMin)

	interval := time.Duration(s.PollIntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("bot stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := b.runCycle(); err != nil {
				logger.Errorf("cycle: %v", err)
			}
		}
	}
}

func (b *Bot) runCycle() error {
	s := &b.cfg.Strategy

	klines, err := b.client.Klines(s.Symbol, fmt.Sprintf("%d", s.IntervalMin), s.LookbackLimit)
	if err != nil {
		b.klineBackoff = b.nextBackoff()
		logger.Warnf("klines: %v (backing off %s)", err, b.klineBackoff)
		time.Sleep(b.klineBackoff)
		return nil
	}
	b.klineBackoff = 0
	if len(klines) < s.SMASlow+2 {
		return fmt.Errorf("not enough klines: %d", len(klines))
	}

	st := b.state.Snapshot()
	closed, last, newCandle := closedCandles(klines, st.LastKlineStart)

	if err := b.refreshMTF(); err != nil {
		logger.Warnf("mtf klines: %v", err)
	}

	snap := b.engine.Snapshot()
	book := b.engine.Book()

	// guards and exits window flow over a fresh REST snapshot (newest first),
	// independent of the WS tape
	trades, err := b.client.RecentTrades(s.Symbol, recentTradeLimit)
	if err != nil {
		logger.Warnf("recent trades: %v", err)
		trades = nil
	}

	cctx := b.buildContext(closed, snap, &st)
	if newCandle {
		if err := b.state.Update(func(x *store.State) {
			x.LastKlineStart = last.Start
			x.PushATR(cctx.ATR, s.CooldownATRBufMax)
			if ratio, _, _ := book.WallPressure(s.OBDepth); ratio > 0 {
				x.PushOB(ratio)
			}
		}); err != nil {
			logger.Warnf("persist candle state: %v", err)
		}
		st = b.state.Snapshot()
		cctx.OBPersist = st.OBPersist(s.OBHistLen)
	}

	// exits run on the live book mid, not the stale candle close
	ectx := exitContext(cctx, snap)

	if stopped, ratio := b.marginStop(); stopped {
		b.notifier.Notify("🛑 margin ratio %.2f breached %.2f, flattening", ratio, s.MarginRatioStop)
		return b.flattenAll("margin_ratio_stop", ectx.Price)
	}

	if err := b.manageExits(ectx, &book, trades, snap, &st); err != nil {
		logger.Errorf("exits: %v", err)
	}

	if !newCandle {
		return nil
	}
	return b.tryEntry(cctx, &book, trades, snap)
}

// closedCandles drops the in-progress last row and reports whether the
// newest closed candle advanced past the persisted start marker. Entries
// are only considered once per closed candle.
func closedCandles(klines []Kline, lastStart int64) ([]Kline, Kline, bool) {
	closed := klines[:len(klines)-1]
	last := closed[len(closed)-1]
	return closed, last, last.Start != lastStart
}

func (b *Bot) nextBackoff() time.Duration {
	next := b.klineBackoff * 2
	if next == 0 {
		next = 2 * time.Second
	}
	if next > klineBackoffMax {
		next = klineBackoffMax
	}
	return next
}

// refreshMTF keeps the 15m/1h candle caches warm.
func (b *Bot) refreshMTF() error {
	s := &b.cfg.Strategy
	if !s.Use1HTrend || time.Since(b.mtfTime) < mtfRefresh {
		return nil
	}
	k15, err := b.client.Klines(s.Symbol, "15", 120)
	if err != nil {
		return err
	}
	k1h, err := b.client.Klines(s.Symbol, "60", 120)
	if err != nil {
		return err
	}
	b.klines15 = k15
	b.klines1h = k1h
	b.mtfTime = time.Now()
	return nil
}

// buildContext computes every indicator the decision path reads from the
// closed candles plus the live microstructure snapshot.
func (b *Bot) buildContext(klines []Kline, snap *market.MetricsSnapshot, st *store.State) *decision.Context {
	s := &b.cfg.Strategy

	n := len(klines)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	vols := make([]float64, n)
	for i, k := range klines {
		closes[i] = k.Close
		highs[i] = k.High
		lows[i] = k.Low
		vols[i] = k.Volume
	}
	lastIdx := n - 1

	smaF := indicator.SMA(closes, s.SMAFast)
	smaS := indicator.SMA(closes, s.SMASlow)
	rsi := indicator.RSI(closes, s.RSIPeriod)
	macd, macdSig, macdHist := indicator.MACD(closes, s.MACDFast, s.MACDSlow, s.MACDSignal)
	atr := indicator.ATR(highs, lows, closes, s.ATRPeriod)

	ctx := &decision.Context{
		Price:   closes[lastIdx],
		High:    highs[lastIdx],
		Low:     lows[lastIdx],
		SMAFast: smaF[lastIdx],
		SMASlow: smaS[lastIdx],
		RSI:     rsi[lastIdx],
		MACD:    macd[lastIdx],
		ATR:     atr[lastIdx],
		ADX:     indicator.ADX(highs, lows, closes, s.ADXPeriod),
		Volume:  vols[lastIdx],
	}
	ctx.MACDSignal = macdSig[lastIdx]
	ctx.MACDHist = macdHist[lastIdx]
	if lastIdx > 0 {
		ctx.MACDHistPrev = macdHist[lastIdx-1]
	}
	if ctx.Price > 0 {
		ctx.ATRPct = ctx.ATR / ctx.Price
	}

	volMA := indicator.SMA(vols, 20)
	ctx.VolumeMA = volMA[lastIdx]
	perDay := 24 * 60 / s.IntervalMin
	if perDay > 0 && n > 1 {
		span := perDay
		if span > n {
			span = n
		}
		sum := 0.0
		for _, v := range vols[n-span:] {
			sum += v
		}
		ctx.Vol24hAvg = sum / float64(span)
	}

	ctx.BollWidth = indicator.BollWidth(closes, 20)
	if n > 1 {
		ctx.BollWidthPrev = indicator.BollWidth(closes[:n-1], 20)
	}

	look := s.RangeLookback
	if look <= 0 || look > n {
		look = n
	}
	ctx.HH = highs[n-look]
	ctx.LL = lows[n-look]
	for _, h := range highs[n-look:] {
		if h > ctx.HH {
			ctx.HH = h
		}
	}
	for _, l := range lows[n-look:] {
		if l < ctx.LL {
			ctx.LL = l
		}
	}

	if n > 1 && closes[lastIdx-1] > 0 {
		move := math.Abs(closes[lastIdx]/closes[lastIdx-1] - 1)
		ctx.SuddenMove = move >= s.SuddenMovePct
	}

	b.fillMTF(ctx)

	// microstructure side-channel; a "Buy" forced order closed a short
	ctx.OFIZ = snap.OFIZ
	ctx.EdgeVotes = snap.EdgeVotes
	ctx.ConsBuy = snap.SeqBuys
	ctx.ConsSell = snap.SeqSells
	ctx.LiqShortUSD = snap.LiqBuyUSD
	ctx.LiqLongUSD = snap.LiqSellUSD
	ctx.OIDropPct = snap.OIChangePct
	ctx.OBPersist = st.OBPersist(s.OBHistLen)

	return ctx
}

func (b *Bot) fillMTF(ctx *decision.Context) {
	s := &b.cfg.Strategy
	emaPair := func(klines []Kline) (fast, slow, adx float64) {
		if len(klines) < s.TrendSMASlow+1 {
			return 0, 0, 0
		}
		closes := make([]float64, len(klines))
		highs := make([]float64, len(klines))
		lows := make([]float64, len(klines))
		for i, k := range klines {
			closes[i] = k.Close
			highs[i] = k.High
			lows[i] = k.Low
		}
		f := indicator.EMA(closes, s.TrendSMAFast)
		sl := indicator.EMA(closes, s.TrendSMASlow)
		return f[len(f)-1], sl[len(sl)-1], indicator.ADX(highs, lows, closes, s.ADXPeriod)
	}
	ctx.EMAFast15, ctx.EMASlow15, ctx.ADX15 = emaPair(b.klines15)
	ctx.EMAFast1h, ctx.EMASlow1h, ctx.ADX1h = emaPair(b.klines1h)
}

func (b *Bot) marginStop() (bool, float64) {
	s := &b.cfg.Strategy
	if s.MarginRatioStop <= 0 {
		return false, 0
	}
	bal, err := b.client.WalletBalance()
	if err != nil || bal.TotalEquity <= 0 {
		return false, 0
	}
	ratio := (bal.TotalEquity - bal.Available) / bal.TotalEquity
	return ratio >= s.MarginRatioStop, ratio
}

// --- exits ---

// exitContext swaps the candle close for the live book mid so exit distances
// track the current price between candles.
func exitContext(cctx *decision.Context, snap *market.MetricsSnapshot) *decision.Context {
	out := *cctx
	if snap != nil && snap.Price > 0 {
		out.Price = snap.Price
	}
	return &out
}

func (b *Bot) manageExits(cctx *decision.Context, book *market.OrderBook,
	trades []market.Trade, snap *market.MetricsSnapshot, st *store.State) error {
	now := time.Now()

	for i := range st.Positions {
		pos := st.Positions[i]
		view := &decision.PositionView{
			Side:       pos.Side,
			EntryPrice: pos.EntryPrice,
			SLPrice:    pos.SLPrice,
			TPPrice:    pos.TPPrice,
			RiskDist:   pos.RiskDist,
			Mode:       pos.Mode,
			OpenedAt:   pos.OpenedAt,
		}
		hadGrace := !pos.Exit.GraceUntil.IsZero()
		aux := pos.Exit
		dec := b.exitEngine.Evaluate(view, &aux, cctx, book, trades, snap, now)

		// persist updated high-water marks even on HOLD
		if err := b.state.Update(func(x *store.State) {
			for j := range x.Positions {
				if x.Positions[j].ID == pos.ID {
					x.Positions[j].Exit = aux
				}
			}
		}); err != nil {
			logger.Warnf("persist exit aux: %v", err)
		}

		switch dec.Action {
		case decision.ExitTPAll, decision.ExitCut:
			if err := b.closePosition(&pos, cctx.Price, dec.Reason); err != nil {
				return err
			}
		case decision.ExitTPPart:
			if err := b.partialClose(&pos, dec.Ratio, cctx.Price, dec.Reason); err != nil {
				return err
			}
		case decision.ExitSLGrace:
			// the exchange stop would fire inside the grace window; lift it
			// and keep only the TP armed until the verdict resolves
			if !hadGrace {
				if err := b.suspendStop(&pos, cctx.Price); err != nil {
					logger.Warnf("suspend stop for grace: %v", err)
				}
			}
			logger.Infof("SL grace %ds on %s: %s", dec.GraceSec, pos.ID[:8], dec.Reason)
		}

		if dec.Action == decision.ExitHold {
			if hadGrace && aux.GraceUntil.IsZero() {
				// grace expired with support held; re-arm the stop
				if err := b.replaceStops(&pos, pos.SLPrice, pos.TPPrice, cctx.Price); err != nil {
					logger.Warnf("re-arm stops after grace: %v", err)
				}
			}
			b.manageProtectiveStops(&pos, cctx)
		}
	}
	return nil
}

// suspendStop cancels the symbol's conditional orders and re-arms only the
// take profit for the grace window.
func (b *Bot) suspendStop(pos *store.Position, refPrice float64) error {
	s := &b.cfg.Strategy
	if err := b.client.CancelAllOrders(s.Symbol); err != nil {
		return err
	}
	if pos.TPPrice > 0 {
		return b.client.SetTakeProfit(s.Symbol, pos.Side, pos.Qty, pos.TPPrice, refPrice)
	}
	return nil
}

// manageProtectiveStops moves the stop to breakeven and trails it.
func (b *Bot) manageProtectiveStops(pos *store.Position, cctx *decision.Context) {
	s := &b.cfg.Strategy
	long := pos.Side != "short"
	dir := 1.0
	if !long {
		dir = -1.0
	}

	newSL := pos.SLPrice
	profit := dir * (cctx.Price - pos.EntryPrice)

	bek := pos.BEK
	if bek <= 0 {
		bek = b.moveBEK(cctx)
	}
	if s.UseMoveToBE && bek > 0 && profit >= bek*cctx.ATR {
		be := pos.EntryPrice * (1 + dir*s.TakerFeeRate*2)
		if dir*(be-newSL) > 0 {
			newSL = be
		}
	}
	if pos.TrailK > 0 {
		trail := cctx.Price - dir*pos.TrailK*cctx.ATR
		if dir*(trail-newSL) > 0 {
			newSL = trail
		}
	}
	if newSL == pos.SLPrice {
		return
	}
	if err := b.replaceStops(pos, newSL, pos.TPPrice, cctx.Price); err != nil {
		logger.Warnf("move stop: %v", err)
		return
	}
	logger.Infof("stop moved %s %.4f -> %.4f", pos.Side, pos.SLPrice, newSL)
	if err := b.state.Update(func(x *store.State) {
		for j := range x.Positions {
			if x.Positions[j].ID == pos.ID {
				x.Positions[j].SLPrice = newSL
			}
		}
	}); err != nil {
		logger.Warnf("persist stop move: %v", err)
	}
}

// moveBEK resolves the break-even trigger multiple from the current regime when
// the position's profile carried none.
func (b *Bot) moveBEK(cctx *decision.Context) float64 {
	s := &b.cfg.Strategy
	switch b.classifier.Classify(cctx).Regime {
	case decision.RegimeTrendUp, decision.RegimeTrendDown:
		return s.MoveBEATRKTrend
	case decision.RegimeRange:
		return s.MoveBEATRKRange
	default:
		return s.MoveBEATRKNeutral
	}
}

// stopParams resolves the stop multiple and TP reward ratio for a new entry:
// chases take the wide breakout stop with the base reward, and profile gaps
// fall back to the per-regime config values.
func (b *Bot) stopParams(profile decision.Profile, regime decision.Regime, chase bool) (slK, tpRR float64) {
	s := &b.cfg.Strategy
	if chase {
		return s.BreakoutSLK, s.TPRR
	}
	slK = profile.SLK
	if slK <= 0 {
		switch regime {
		case decision.RegimeTrendUp, decision.RegimeTrendDown:
			slK = s.SLATRKTrend
		case decision.RegimeRange:
			slK = s.SLATRKRange
		default:
			slK = s.SLATRKNeutral
		}
	}
	tpRR = profile.TPRR
	if tpRR <= 0 {
		tpRR = s.TPRR
	}
	return slK, tpRR
}

// atrContracted reports whether current volatility has collapsed versus the
// recent average, using the last 20 history readings.
func atrContracted(atr float64, hist []float64, ratioMin float64) bool {
	if ratioMin <= 0 || len(hist) < 20 {
		return false
	}
	tail := hist[len(hist)-20:]
	sum := 0.0
	for _, v := range tail {
		sum += v
	}
	avg := sum / float64(len(tail))
	return avg > 0 && atr < ratioMin*avg
}

// replaceStops cancels the symbol's conditional orders and re-arms SL/TP for
// the position's full quantity.
func (b *Bot) replaceStops(pos *store.Position, slPrice, tpPrice, refPrice float64) error {
	s := &b.cfg.Strategy
	if err := b.client.CancelAllOrders(s.Symbol); err != nil {
		return err
	}
	if err := b.client.SetStopLoss(s.Symbol, pos.Side, pos.Qty, slPrice, refPrice); err != nil {
		return err
	}
	if tpPrice > 0 {
		if err := b.client.SetTakeProfit(s.Symbol, pos.Side, pos.Qty, tpPrice, refPrice); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) closePosition(pos *store.Position, price float64, reason string) error {
	s := &b.cfg.Strategy
	side := "Sell"
	if pos.Side == "short" {
		side = "Buy"
	}
	if err := b.client.CancelAllOrders(s.Symbol); err != nil {
		logger.Warnf("cancel orders before close: %v", err)
	}
	orderID, err := b.client.MarketOrder(s.Symbol, side, pos.Qty, true)
	if err != nil {
		return fmt.Errorf("close %s: %w", pos.ID, err)
	}
	exitPrice := price
	if status, err := b.client.OrderStatusByID(s.Symbol, orderID); err == nil && status.AvgPrice > 0 {
		exitPrice = status.AvgPrice
	}

	dir := 1.0
	if pos.Side == "short" {
		dir = -1.0
	}
	pnl := dir * (exitPrice - pos.EntryPrice) * pos.Qty
	rr := realizedR(pos.Side, pos.EntryPrice, exitPrice, pos.RiskDist)

	now := time.Now()
	if err := b.state.Update(func(x *store.State) {
		x.RemovePosition(pos.ID)
		x.RecordClosedTrade(now, pnl, rr, pos.Flip)
	}); err != nil {
		logger.Warnf("persist close: %v", err)
	}
	if b.history != nil {
		if err := b.history.InsertClosedTrade(&store.ClosedTrade{
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Qty:        pos.Qty,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  exitPrice,
			EntryTime:  pos.OpenedAt,
			ExitTime:   now,
			PnL:        pnl,
			RR:         rr,
			Reason:     reason,
			Profile:    pos.Profile,
			Flip:       pos.Flip,
		}); err != nil {
			logger.Warnf("record closed trade: %v", err)
		}
	}
	logger.Infof("closed %s %s qty=%v pnl=%.2f rr=%.2f (%s)", pos.Side, pos.Symbol, pos.Qty, pnl, rr, reason)
	b.notifier.Notify("✅ closed %s %s pnl=%.2f USDT rr=%.2fR (%s)", pos.Side, pos.Symbol, pnl, rr, reason)
	return nil
}

func (b *Bot) partialClose(pos *store.Position, ratio, price float64, reason string) error {
	s := &b.cfg.Strategy
	if ratio <= 0 || ratio >= 1 {
		return b.closePosition(pos, price, reason)
	}
	side := "Sell"
	if pos.Side == "short" {
		side = "Buy"
	}
	closeQty := pos.Qty * ratio
	if _, err := b.client.MarketOrder(s.Symbol, side, closeQty, true); err != nil {
		return fmt.Errorf("partial close %s: %w", pos.ID, err)
	}
	remaining := pos.Qty - closeQty
	if err := b.state.Update(func(x *store.State) {
		for j := range x.Positions {
			if x.Positions[j].ID == pos.ID {
				x.Positions[j].Qty = remaining
			}
		}
	}); err != nil {
		logger.Warnf("persist partial close: %v", err)
	}
	pos.Qty = remaining
	if err := b.replaceStops(pos, pos.SLPrice, pos.TPPrice, price); err != nil {
		logger.Warnf("re-arm stops after partial close: %v", err)
	}
	logger.Infof("partial close %s %.0f%% (%s)", pos.Side, ratio*100, reason)
	b.notifier.Notify("💰 partial TP %s %s %.0f%% (%s)", pos.Side, pos.Symbol, ratio*100, reason)
	return nil
}

// flattenAll closes every tracked position at market.
func (b *Bot) flattenAll(reason string, price float64) error {
	st := b.state.Snapshot()
	for i := range st.Positions {
		if err := b.closePosition(&st.Positions[i], price, reason); err != nil {
			return err
		}
	}
	return nil
}

// --- entries ---

func (b *Bot) tryEntry(cctx *decision.Context, book *market.OrderBook,
	trades []market.Trade, snap *market.MetricsSnapshot) error {
	s := &b.cfg.Strategy
	now := time.Now()
	st := b.state.Snapshot()

	if len(st.Positions) >= s.MaxPositions {
		return nil
	}
	if cctx.ATR < s.MinATRUSD {
		b.recordSkip(now, "atr_too_small")
		return nil
	}
	if s.UseATRFilter && atrContracted(cctx.ATR, st.ATRHist, s.ATRRatioMin) {
		b.recordSkip(now, "atr_contraction")
		return nil
	}

	info := b.classifier.Classify(cctx)
	regimeOK := info.Regime == decision.RegimeTrendUp || info.Regime == decision.RegimeTrendDown

	signal, reasons := market.PickSignal(snap, regimeOK, s)
	if signal == "" {
		return nil
	}
	logger.Debugf("signal %s: %s", signal, strings.Join(reasons, "; "))

	// cooldown, with the strong-flow override
	cdMin, cdRatio := b.cooldown.DynamicMinutes(st.ATRHist)
	if !st.LastEntryTime.IsZero() && now.Sub(st.LastEntryTime) < time.Duration(cdMin)*time.Minute {
		if ok, why := b.cooldown.OverrideAllowed(snap, signal, cctx.ADX, cctx.ATRPct); ok {
			logger.Infof("cooldown %dm (ratio %.2f) overridden: %s", cdMin, cdRatio, why)
		} else {
			b.recordSkip(now, "cooldown")
			return nil
		}
	}

	long := signal == market.SignalLong

	if long && st.LastKlineStart < b.exhaustionUntil {
		b.recordSkip(now, "exhaustion_block")
		return nil
	}
	if long {
		if bad, why := b.guard.IsExhaustionLong(cctx); bad {
			b.exhaustionUntil = st.LastKlineStart + int64(s.ExhaustionBlockBars*s.IntervalMin)*60_000
			b.recordSkip(now, "exhaustion")
			logger.Infof("long suppressed for %d bars: %s", s.ExhaustionBlockBars, why)
			return nil
		}
	}

	// neutral regime trade budget
	if info.Regime == decision.RegimeNeutral && !st.NeutralTradeAllowed(now, s.NeutralMaxTradesPerHour) {
		b.recordSkip(now, "neutral_budget")
		return nil
	}

	// range positioning: buy the lower band, sell the upper
	if info.Regime == decision.RegimeRange {
		if long && !b.classifier.IsRangeLower(cctx) {
			b.recordSkip(now, "range_not_lower")
			return nil
		}
		if !long && !b.classifier.IsRangeUpper(cctx) {
			b.recordSkip(now, "range_not_upper")
			return nil
		}
	}

	// flip gate against the current net exposure
	netSide := st.NetSide()
	flip := b.flipGate.OppositeEntry(signal, netSide, snap, cctx, st.LastEntryTime, st.LastFlipTime, now)
	if !flip.Allowed {
		b.recordSkip(now, "flip_blocked")
		logger.Infof("entry blocked: %s", flip.Reason)
		return nil
	}

	guardRes := b.evaluateGuard(long, trades, book, cctx)
	mode := guardRes.Mode
	chase := false
	if !guardRes.Allowed {
		if ok, why := b.guard.ShouldChaseBreakout(cctx); ok && ((long && cctx.Price > cctx.SMAFast) || (!long && cctx.Price < cctx.SMAFast)) {
			chase = true
			mode = "chase"
			logger.Infof("breakout chase: %s", why)
		} else {
			b.recordSkip(now, skipKey(guardRes.Reason))
			logger.Infof("entry rejected: %s", guardRes.Reason)
			return nil
		}
	}

	if flip.Flip {
		if err := b.executeFlip(netSide, signal, cctx); err != nil {
			return err
		}
	}

	return b.openPosition(long, chase, flip.Flip, mode, info, cctx, snap, now)
}

// evaluateGuard never lets a guard panic open a position.
func (b *Bot) evaluateGuard(long bool, trades []market.Trade, book *market.OrderBook, cctx *decision.Context) (res decision.GuardResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("guard panic: %v", r)
			res = decision.GuardResult{Allowed: false, Reason: "guard error"}
		}
	}()
	if long {
		return b.guard.EvaluateLong(trades, book, cctx)
	}
	return b.guard.EvaluateShort(trades, book, cctx)
}

// executeFlip is a two-stage saga: close the opposite side, verify it is
// flat on the exchange, then let the caller open the new side. A failed
// verify leaves local state untouched so the next sync reconciles it.
func (b *Bot) executeFlip(netSide, signal string, cctx *decision.Context) error {
	s := &b.cfg.Strategy
	st := b.state.Snapshot()

	for i := range st.Positions {
		if st.Positions[i].Side == netSide {
			if err := b.closePosition(&st.Positions[i], cctx.Price, "flip"); err != nil {
				return fmt.Errorf("flip stage 1: %w", err)
			}
		}
	}

	// verify flat before reversing
	net, err := b.client.NetQty(s.Symbol)
	if err != nil {
		return fmt.Errorf("flip verify: %w", err)
	}
	if math.Abs(net) > 1e-9 {
		// stage 1 partially failed; drop local book-keeping for the side so
		// the position syncer re-adopts whatever actually remains
		if err := b.state.Update(func(x *store.State) { x.RemoveSide(netSide) }); err != nil {
			logger.Warnf("flip compensation: %v", err)
		}
		b.notifier.Notify("⚠️ flip aborted: exchange still holds %v after close", net)
		return fmt.Errorf("flip aborted: residual qty %v", net)
	}

	if err := b.state.Update(func(x *store.State) {
		x.LastFlipTime = time.Now()
		if d := x.DailyFor(time.Now()); d != nil {
			d.Flips++
		}
	}); err != nil {
		logger.Warnf("persist flip time: %v", err)
	}
	logger.Infof("flip %s -> %s complete, opening reversal", netSide, signal)
	b.notifier.Notify("🔄 flip %s -> %s", netSide, signal)
	return nil
}

func (b *Bot) openPosition(long, chase, flipped bool, mode string, info decision.RegimeInfo,
	cctx *decision.Context, snap *market.MetricsSnapshot, now time.Time) error {
	s := &b.cfg.Strategy

	posSide := "short"
	orderSide := "Sell"
	dir := -1.0
	if long {
		posSide = "long"
		orderSide = "Buy"
		dir = 1.0
	}

	profile := decision.SelectProfile(s, info.Regime, posSide, snap.EdgeVotes, snap.OFIZ)
	slK, tpRR := b.stopParams(profile, info.Regime, chase)

	riskDist := slK * cctx.ATR
	if riskDist < s.MinSLUSD {
		riskDist = s.MinSLUSD
	}
	price := cctx.Price
	slPrice := price - dir*riskDist
	tpPrice := price + dir*riskDist*tpRR

	qty, err := b.positionSize(price, chase)
	if err != nil {
		return err
	}
	if qty*price < s.MinNotionalUSDT {
		b.recordSkip(now, "below_min_notional")
		return nil
	}

	if s.UsePostOnlyEntries && !chase {
		return b.placeWatchedEntry(orderSide, posSide, qty, price, slPrice, tpPrice, riskDist, profile, mode, flipped, dir)
	}

	orderID, err := b.client.MarketOrder(s.Symbol, orderSide, qty, false)
	if err != nil {
		return fmt.Errorf("open %s: %w", posSide, err)
	}
	entryPrice := price
	if status, err := b.client.OrderStatusByID(s.Symbol, orderID); err == nil && status.AvgPrice > 0 {
		entryPrice = status.AvgPrice
		if status.ExecQty > 0 {
			qty = status.ExecQty
		}
	}

	pos := store.Position{
		ID:         uuid.NewString(),
		Symbol:     s.Symbol,
		Side:       posSide,
		Qty:        qty,
		EntryPrice: entryPrice,
		SLPrice:    slPrice,
		TPPrice:    tpPrice,
		RiskDist:   riskDist,
		Profile:    profile.Name,
		BEK:        profile.BEK,
		TrailK:     profile.TrailK,
		Mode:       mode,
		Flip:       flipped,
		OrderID:    orderID,
		OpenedAt:   now,
	}
	if err := b.replaceStops(&pos, slPrice, tpPrice, entryPrice); err != nil {
		logger.Errorf("arm stops: %v (closing naked position)", err)
		if cerr := b.closePosition(&pos, entryPrice, "failed_to_arm_stops"); cerr != nil {
			b.notifier.Notify("🚨 NAKED POSITION %s %s qty=%v: stops failed and close failed", posSide, s.Symbol, qty)
			return cerr
		}
		return err
	}

	if err := b.state.Update(func(x *store.State) {
		x.Positions = append(x.Positions, pos)
		x.LastEntryTime = now
		if info.Regime == decision.RegimeNeutral {
			x.CountNeutralTrade(now)
		}
		if d := x.DailyFor(now); d != nil {
			d.Trades++
		}
	}); err != nil {
		logger.Warnf("persist open: %v", err)
	}

	logger.Infof("opened %s %s qty=%v entry=%.4f sl=%.4f tp=%.4f profile=%s mode=%s",
		posSide, s.Symbol, qty, entryPrice, slPrice, tpPrice, profile.Name, mode)
	b.notifier.Notify("📈 %s %s qty=%v @ %.4f sl=%.4f tp=%.4f [%s]",
		strings.ToUpper(posSide), s.Symbol, qty, entryPrice, slPrice, tpPrice, profile.Name)
	return nil
}

// placeWatchedEntry rests a post-only order at the near touch and hands it
// to the order watcher.
func (b *Bot) placeWatchedEntry(orderSide, posSide string, qty, price, slPrice, tpPrice, riskDist float64,
	profile decision.Profile, mode string, flipped bool, dir float64) error {
	s := &b.cfg.Strategy

	book := b.engine.Book()
	limit := book.BestBid()
	if dir < 0 {
		limit = book.BestAsk()
	}
	if limit <= 0 {
		limit = price
	}

	orderID, err := b.client.LimitOrder(s.Symbol, orderSide, qty, limit, true)
	if err != nil {
		return fmt.Errorf("post-only entry: %w", err)
	}

	wo := store.WatchedOrder{
		OrderID:  orderID,
		Side:     posSide,
		Qty:      qty,
		Price:    limit,
		PlacedAt: time.Now(),
		TTL:      s.WatchOrderTTLSec,
		SLPrice:  slPrice,
		TPPrice:  tpPrice,
		RiskDist: riskDist,
		Profile:  profile.Name,
		BEK:      profile.BEK,
		TrailK:   profile.TrailK,
		Mode:     mode,
		Flip:     flipped,
	}
	if err := b.state.Update(func(x *store.State) {
		x.WatchedOrders = append(x.WatchedOrders, wo)
	}); err != nil {
		logger.Warnf("persist watched order: %v", err)
	}
	logger.Infof("resting %s %s qty=%v @ %.4f (post-only)", posSide, s.Symbol, qty, limit)
	return nil
}

func (b *Bot) positionSize(price float64, chase bool) (float64, error) {
	s := &b.cfg.Strategy
	bal, err := b.client.WalletBalance()
	if err != nil {
		return 0, fmt.Errorf("sizing: %w", err)
	}
	notional := bal.Available * s.PositionPct * float64(s.Leverage)
	if chase {
		notional *= s.BreakoutHalfSize
	}
	if price <= 0 {
		return 0, fmt.Errorf("sizing: invalid price %v", price)
	}
	return notional / price, nil
}

func (b *Bot) recordSkip(now time.Time, reason string) {
	if err := b.state.Update(func(x *store.State) { x.BumpSkip(now, reason) }); err != nil {
		logger.Warnf("record skip: %v", err)
	}
}

// realizedR is the signed exit distance in initial-risk units.
func realizedR(side string, entry, exit, riskDist float64) float64 {
	if riskDist <= 0 {
		return 0
	}
	if side == "short" {
		return (entry - exit) / riskDist
	}
	return (exit - entry) / riskDist
}

// skipKey reduces a guard reason line to a stable counter key.
func skipKey(reason string) string {
	if idx := strings.IndexAny(reason, ":(["); idx > 0 {
		reason = reason[:idx]
	}
	reason = strings.TrimSpace(strings.ToLower(reason))
	return strings.ReplaceAll(reason, " ", "_")
}
