package trader

import (
	"context"
	"time"

	"github.com/google/uuid"

	"flowbot/config"
	"flowbot/logger"
	"flowbot/notify"
	"flowbot/store"
)

const watchPollInterval = 2 * time.Second

// OrderWatcher resolves resting post-only entries: promote on fill, cancel
// on timeout, and reconcile the partial fill a cancel can race with.
type OrderWatcher struct {
	cfg      *config.Config
	client   *BybitClient
	state    *store.StateStore
	notifier notify.Notifier
}

func NewOrderWatcher(cfg *config.Config, client *BybitClient, state *store.StateStore, notifier notify.Notifier) *OrderWatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &OrderWatcher{cfg: cfg, client: client, state: state, notifier: notifier}
}

// Run polls until ctx is cancelled.
func (w *OrderWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *OrderWatcher) sweep() {
	st := w.state.Snapshot()
	if len(st.WatchedOrders) == 0 {
		return
	}
	now := time.Now()
	for i := range st.WatchedOrders {
		w.resolve(&st.WatchedOrders[i], now)
	}
}

func (w *OrderWatcher) resolve(wo *store.WatchedOrder, now time.Time) {
	s := &w.cfg.Strategy

	status, err := w.client.OrderStatusByID(s.Symbol, wo.OrderID)
	if err != nil {
		logger.Warnf("watch %s: %v", wo.OrderID, err)
		if wo.TTL > 0 && now.Sub(wo.PlacedAt) > time.Duration(wo.TTL)*time.Second {
			w.drop(wo.OrderID, "ttl expired while unresolvable")
		}
		return
	}

	switch status.Status {
	case "FILLED":
		w.promote(wo, status)
		return
	case "CANCELED":
		// exchange-side cancel (e.g. post-only would have crossed)
		if status.ExecQty > 0 {
			w.promoteQty(wo, status, status.ExecQty)
			return
		}
		w.drop(wo.OrderID, "rejected by exchange")
		return
	}

	timeout := time.Duration(s.PostOnlyTimeoutSec) * time.Second
	hardTTL := time.Duration(wo.TTL) * time.Second
	age := now.Sub(wo.PlacedAt)
	if age < timeout && (wo.TTL <= 0 || age < hardTTL) {
		return
	}

	if err := w.client.CancelOrder(s.Symbol, wo.OrderID); err != nil {
		logger.Warnf("cancel watched %s: %v", wo.OrderID, err)
	}
	// the cancel can race a fill; trust the post-cancel status
	final, err := w.client.OrderStatusByID(s.Symbol, wo.OrderID)
	if err != nil {
		logger.Warnf("post-cancel status %s: %v", wo.OrderID, err)
		w.drop(wo.OrderID, "cancelled, status unresolvable")
		return
	}
	if final.ExecQty > 0 {
		w.promoteQty(wo, final, final.ExecQty)
		return
	}
	w.drop(wo.OrderID, "entry timeout")
}

func (w *OrderWatcher) promote(wo *store.WatchedOrder, status *OrderStatus) {
	w.promoteQty(wo, status, wo.Qty)
}

// promoteQty turns a (possibly partial) fill into a tracked position and
// arms its stops.
func (w *OrderWatcher) promoteQty(wo *store.WatchedOrder, status *OrderStatus, qty float64) {
	s := &w.cfg.Strategy

	entryPrice := wo.Price
	if status.AvgPrice > 0 {
		entryPrice = status.AvgPrice
	}
	pos := store.Position{
		ID:         uuid.NewString(),
		Symbol:     s.Symbol,
		Side:       wo.Side,
		Qty:        qty,
		EntryPrice: entryPrice,
		SLPrice:    wo.SLPrice,
		TPPrice:    wo.TPPrice,
		RiskDist:   wo.RiskDist,
		Profile:    wo.Profile,
		BEK:        wo.BEK,
		TrailK:     wo.TrailK,
		Mode:       wo.Mode,
		Flip:       wo.Flip,
		OrderID:    wo.OrderID,
		OpenedAt:   time.Now(),
	}

	if err := w.client.SetStopLoss(s.Symbol, pos.Side, pos.Qty, pos.SLPrice, entryPrice); err != nil {
		logger.Errorf("arm stop for filled entry %s: %v", wo.OrderID, err)
		w.notifier.Notify("🚨 filled entry %s has no stop: %v", wo.OrderID, err)
	}
	if pos.TPPrice > 0 {
		if err := w.client.SetTakeProfit(s.Symbol, pos.Side, pos.Qty, pos.TPPrice, entryPrice); err != nil {
			logger.Warnf("arm TP for filled entry %s: %v", wo.OrderID, err)
		}
	}

	if err := w.state.Update(func(x *store.State) {
		x.Positions = append(x.Positions, pos)
		x.LastEntryTime = pos.OpenedAt
		x.RemoveWatchedOrder(wo.OrderID)
		if d := x.DailyFor(pos.OpenedAt); d != nil {
			d.Trades++
		}
	}); err != nil {
		logger.Warnf("persist promoted order: %v", err)
	}
	logger.Infof("entry filled: %s %s qty=%v @ %.4f", pos.Side, s.Symbol, qty, entryPrice)
	w.notifier.Notify("📈 %s %s filled qty=%v @ %.4f", pos.Side, s.Symbol, qty, entryPrice)
}

func (w *OrderWatcher) drop(orderID, reason string) {
	if err := w.state.Update(func(x *store.State) {
		x.RemoveWatchedOrder(orderID)
	}); err != nil {
		logger.Warnf("drop watched order: %v", err)
	}
	logger.Infof("watched order %s dropped: %s", orderID, reason)
}
