package market

import (
	"sync"
	"sync/atomic"
	"time"

	"flowbot/config"
	"flowbot/indicator"
	"flowbot/logger"
)

// cvdSlopeWindow bounds the per-second CVD delta history used for the
// slope z-score.
const cvdSlopeWindow = 120

// OpenInterestFetcher supplies the latest open interest for a symbol.
// Implemented by the exchange client.
type OpenInterestFetcher interface {
	OpenInterest(symbol string) (float64, error)
}

// MetricsSnapshot is the per-second output of the Engine. Published as a
// whole via atomic pointer swap: readers never observe partial state.
type MetricsSnapshot struct {
	Price       float64
	OBI         float64
	OFIZ        float64
	CVDAboveEMA bool
	CVDValue    float64
	CVDSlopeZ   float64
	SeqBuys     int
	SeqSells    int
	EdgeVotes   int

	// nil when the corresponding feed is disabled or has produced no data yet
	LiqClusterOK *bool
	DOIUpOK      *bool

	// notional of recent liquidations near spot, keyed by forced order side:
	// a "Buy" liquidation closes a short position
	LiqBuyUSD  float64
	LiqSellUSD float64

	OIChangePct float64
	UpdatedAt   time.Time
}

// ConsMax returns the larger of the two consecutive-tick counters.
func (m *MetricsSnapshot) ConsMax() int {
	if m.SeqBuys > m.SeqSells {
		return m.SeqBuys
	}
	return m.SeqSells
}

// Engine aggregates the public stream into rolling microstructure state and
// recomputes a MetricsSnapshot once per second. Open interest is polled from
// REST every 60 seconds.
type Engine struct {
	cfg    *config.StrategyConfig
	stream *Stream
	oi     OpenInterestFetcher

	mu    sync.Mutex
	book  OrderBook
	tape  []Trade
	liqs  []Liquidation
	flow  *FlowBuckets
	cvd   *CVDTracker
	price float64

	// per-second CVD deltas for the slope z-score
	cvdDeltas []float64
	cvdPrev   float64

	doiUpOK     *bool
	oiChangePct float64
	lastOI      float64
	hasLastOI   bool

	snapshot atomic.Pointer[MetricsSnapshot]

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine builds an Engine for the configured symbol. oi may be nil when
// open-interest polling is disabled.
func NewEngine(cfg *config.StrategyConfig, wsURL string, oi OpenInterestFetcher) *Engine {
	e := &Engine{
		cfg:    cfg,
		oi:     oi,
		flow:   NewFlowBuckets(cfg.OFIWindowSec, cfg.OFIZClip),
		cvd:    NewCVDTracker(cfg.CVDEMAPeriod),
		stopCh: make(chan struct{}),
	}
	e.stream = NewStream(wsURL, cfg.Symbol, e)
	e.snapshot.Store(&MetricsSnapshot{})
	return e
}

// Start launches the stream consumer, the 1s recompute loop and the OI poll.
func (e *Engine) Start() {
	e.stream.Start()

	e.wg.Add(1)
	go e.metricsLoop()

	if e.cfg.DOIUse && e.oi != nil {
		e.wg.Add(1)
		go e.oiLoop()
	}
	logger.Infof("edge engine started: %s", e.cfg.Symbol)
}

// Stop shuts down all goroutines and the stream.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.stream.Close()
	e.wg.Wait()
}

// Snapshot returns the most recently published metrics. Never nil.
func (e *Engine) Snapshot() *MetricsSnapshot {
	return e.snapshot.Load()
}

// Book returns a deep copy of the current order book.
func (e *Engine) Book() OrderBook {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Clone()
}

// Trades returns a copy of the trade tape.
func (e *Engine) Trades() []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Trade, len(e.tape))
	copy(out, e.tape)
	return out
}

// streamSink

func (e *Engine) onBookSnapshot(bids, asks []Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book.ApplySnapshot(bids, asks)
}

func (e *Engine) onBookDelta(bids, asks []Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book.ApplyDelta(bids, asks)
}

func (e *Engine) onTrade(t Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tape = appendTrade(e.tape, t)
	e.flow.AddTrade(t.Time, t.IsBuy(), t.Qty)
	e.cvd.OnTrade(t.Time, t.IsBuy(), t.Qty)
}

func (e *Engine) onLiquidation(l Liquidation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liqs = appendLiquidation(e.liqs, l)
}

func (e *Engine) metricsLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.recompute()
		}
	}
}

func (e *Engine) recompute() {
	e.mu.Lock()

	if mid := e.book.Mid(); mid > 0 {
		e.price = mid
	}
	e.cvdDeltas = append(e.cvdDeltas, e.cvd.Value-e.cvdPrev)
	e.cvdPrev = e.cvd.Value
	if len(e.cvdDeltas) > cvdSlopeWindow {
		e.cvdDeltas = e.cvdDeltas[len(e.cvdDeltas)-cvdSlopeWindow:]
	}
	snap := &MetricsSnapshot{
		Price:       e.price,
		OBI:         e.book.Imbalance(e.cfg.OBILevels),
		OFIZ:        e.flow.ZScore(),
		CVDAboveEMA: e.cvd.SlopePositive(),
		CVDValue:    e.cvd.Value,
		CVDSlopeZ:   indicator.RobustZ(e.cvdDeltas, 5, e.cfg.OFIZClip),
		SeqBuys:     e.cvd.SeqBuys,
		SeqSells:    e.cvd.SeqSells,
		DOIUpOK:     e.doiUpOK,
		OIChangePct: e.oiChangePct,
		UpdatedAt:   time.Now(),
	}
	if e.cfg.LiqUse && e.price > 0 {
		total := LiqClusterUSD(e.liqs, e.price, e.cfg.LiqClusterPct, "")
		ok := total >= e.cfg.LiqClusterUSD
		snap.LiqClusterOK = &ok
		snap.LiqBuyUSD = LiqClusterUSD(e.liqs, e.price, e.cfg.LiqClusterPct, "Buy")
		snap.LiqSellUSD = LiqClusterUSD(e.liqs, e.price, e.cfg.LiqClusterPct, "Sell")
	}
	e.mu.Unlock()

	snap.EdgeVotes = e.voteCount(snap)
	e.snapshot.Store(snap)
}

// voteCount sums the direction-agnostic strong-flow conditions (0-5).
func (e *Engine) voteCount(m *MetricsSnapshot) int {
	votes := 0
	if abs(m.OBI) >= e.cfg.OBIThr {
		votes++
	}
	if abs(m.OFIZ) >= e.cfg.OFIZThr {
		votes++
	}
	if m.CVDAboveEMA {
		if m.SeqBuys >= e.cfg.SeqMktTicks {
			votes++
		}
	} else if m.SeqSells >= e.cfg.SeqMktTicks {
		votes++
	}
	if m.LiqClusterOK != nil && *m.LiqClusterOK {
		votes++
	}
	if m.DOIUpOK != nil && *m.DOIUpOK {
		votes++
	}
	return votes
}

func (e *Engine) oiLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.pollOI()
		}
	}
}

func (e *Engine) pollOI() {
	cur, err := e.oi.OpenInterest(e.cfg.Symbol)
	if err != nil {
		logger.Debugf("open interest poll failed: %v", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasLastOI && e.lastOI > 0 {
		pct := (cur - e.lastOI) / e.lastOI
		up := pct >= e.cfg.DOIPct
		e.doiUpOK = &up
		e.oiChangePct = pct
	}
	e.lastOI = cur
	e.hasLastOI = true
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
