package trader

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"flowbot/config"
	"flowbot/logger"
	"flowbot/notify"
	"flowbot/store"
)

// PositionSyncer periodically reconciles local position records against the
// exchange: positions closed out-of-band (manual close, liquidation, stop
// fill) get recorded, and positions opened out-of-band get adopted or
// flattened per config.
type PositionSyncer struct {
	cfg      *config.Config
	client   *BybitClient
	state    *store.StateStore
	history  *store.HistoryStore
	notifier notify.Notifier

	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewPositionSyncer(cfg *config.Config, client *BybitClient, state *store.StateStore,
	history *store.HistoryStore, notifier notify.Notifier) *PositionSyncer {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	interval := time.Duration(cfg.Strategy.SyncIntervalSec) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PositionSyncer{
		cfg:      cfg,
		client:   client,
		state:    state,
		history:  history,
		notifier: notifier,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sync loop. The first pass runs immediately so a
// restart picks up whatever happened while the bot was down.
func (m *PositionSyncer) Start() {
	m.wg.Add(1)
	go m.run()
	logger.Info("position syncer started")
}

func (m *PositionSyncer) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	logger.Info("position syncer stopped")
}

func (m *PositionSyncer) run() {
	defer m.wg.Done()

	m.sync()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sync()
		}
	}
}

func (m *PositionSyncer) sync() {
	s := &m.cfg.Strategy

	exchangePositions, err := m.client.Positions(s.Symbol)
	if err != nil {
		logger.Warnf("sync: fetch exchange positions: %v", err)
		return
	}

	exchangeBySide := make(map[string]ExchangePosition)
	for _, p := range exchangePositions {
		exchangeBySide[p.Side] = p
	}

	st := m.state.Snapshot()
	localBySide := make(map[string]float64)
	for _, p := range st.Positions {
		localBySide[p.Side] += p.Qty
	}

	// local records the exchange no longer backs
	for i := range st.Positions {
		pos := st.Positions[i]
		ex, ok := exchangeBySide[pos.Side]
		if ok && ex.Qty > s.SyncQtyTolerance {
			continue
		}
		m.recordExternalClose(&pos)
	}

	// exchange positions nothing local accounts for
	for side, ex := range exchangeBySide {
		local := localBySide[side]
		if ex.Qty-local <= s.SyncQtyTolerance {
			continue
		}
		if s.SyncAdoptExchange {
			m.adopt(ex)
		} else {
			m.flattenExternal(ex)
		}
	}
}

// recordExternalClose marks a locally tracked position closed using the
// last price as the best available exit.
func (m *PositionSyncer) recordExternalClose(pos *store.Position) {
	s := &m.cfg.Strategy

	exitPrice := pos.EntryPrice
	if price, err := m.client.LastPrice(s.Symbol); err == nil && price > 0 {
		exitPrice = price
	}

	dir := 1.0
	if pos.Side == "short" {
		dir = -1.0
	}
	pnl := dir * (exitPrice - pos.EntryPrice) * pos.Qty
	rr := realizedR(pos.Side, pos.EntryPrice, exitPrice, pos.RiskDist)

	now := time.Now()
	if err := m.state.Update(func(x *store.State) {
		x.RemovePosition(pos.ID)
		x.RecordClosedTrade(now, pnl, rr, pos.Flip)
	}); err != nil {
		logger.Warnf("sync: persist external close: %v", err)
		return
	}
	if m.history != nil {
		if err := m.history.InsertClosedTrade(&store.ClosedTrade{
			Symbol:     pos.Symbol,
			Side:       pos.Side,
			Qty:        pos.Qty,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  exitPrice,
			EntryTime:  pos.OpenedAt,
			ExitTime:   now,
			PnL:        pnl,
			RR:         rr,
			Reason:     "external_close",
			Profile:    pos.Profile,
			Flip:       pos.Flip,
		}); err != nil {
			logger.Warnf("sync: record external close: %v", err)
		}
	}
	logger.Infof("external close detected: %s %s @ ~%.4f pnl=%.2f", pos.Side, pos.Symbol, exitPrice, pnl)
	m.notifier.Notify("⚠️ position closed externally: %s %s pnl≈%.2f USDT", pos.Side, pos.Symbol, pnl)
}

// adopt creates a local record for an exchange position the bot never
// opened. It gets a wide protective stop so it is not naked.
func (m *PositionSyncer) adopt(ex ExchangePosition) {
	s := &m.cfg.Strategy

	pos := store.Position{
		ID:         uuid.NewString(),
		Symbol:     ex.Symbol,
		Side:       ex.Side,
		Qty:        ex.Qty,
		EntryPrice: ex.EntryPrice,
		Profile:    "adopted",
		OpenedAt:   time.Now(),
	}

	dir := 1.0
	if ex.Side == "short" {
		dir = -1.0
	}
	ref := ex.MarkPrice
	if ref <= 0 {
		ref = ex.EntryPrice
	}
	// conservative stop: 1% of mark scaled by the neutral profile multiplier
	risk := s.SLATRKNeutral * ref * 0.01
	if risk < s.MinSLUSD {
		risk = s.MinSLUSD
	}
	pos.SLPrice = ref - dir*risk
	pos.RiskDist = risk

	if err := m.client.SetStopLoss(s.Symbol, pos.Side, pos.Qty, pos.SLPrice, ref); err != nil {
		logger.Warnf("sync: stop for adopted position: %v", err)
	}
	if err := m.state.Update(func(x *store.State) {
		x.Positions = append(x.Positions, pos)
	}); err != nil {
		logger.Warnf("sync: persist adopted position: %v", err)
		return
	}
	logger.Infof("adopted external position: %s %s qty=%v @ %.4f", ex.Side, ex.Symbol, ex.Qty, ex.EntryPrice)
	m.notifier.Notify("📥 adopted external %s %s qty=%v @ %.4f", ex.Side, ex.Symbol, ex.Qty, ex.EntryPrice)
}

// flattenExternal closes an exchange position the bot does not track.
func (m *PositionSyncer) flattenExternal(ex ExchangePosition) {
	s := &m.cfg.Strategy
	side := "Sell"
	if ex.Side == "short" {
		side = "Buy"
	}
	if _, err := m.client.MarketOrder(s.Symbol, side, ex.Qty, true); err != nil {
		logger.Errorf("sync: flatten external position: %v", err)
		m.notifier.Notify("🚨 failed to flatten untracked %s %s qty=%v: %v", ex.Side, ex.Symbol, ex.Qty, err)
		return
	}
	logger.Infof("flattened untracked position: %s %s qty=%v", ex.Side, ex.Symbol, ex.Qty)
	m.notifier.Notify("🧹 flattened untracked %s %s qty=%v", ex.Side, ex.Symbol, ex.Qty)
}
