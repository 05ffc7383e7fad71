// Package store persists bot state: a JSON snapshot for hot state and a
// SQLite history database for closed trades.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"flowbot/decision"
)

const (
	atrHistCap = 200
	obHistCap  = 200
)

// Position is one open position with its management parameters.
type Position struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // long/short
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	SLPrice    float64   `json:"sl_price"`
	TPPrice    float64   `json:"tp_price"`
	RiskDist   float64   `json:"risk_dist"` // initial entry-to-stop distance
	Profile    string    `json:"profile"`
	BEK        float64   `json:"be_k"`
	TrailK     float64   `json:"trail_k"`
	Mode       string    `json:"mode,omitempty"` // "", chase, capitulation_long, capitulation_short
	Flip       bool      `json:"flip,omitempty"` // opened by a flip saga
	OrderID    string    `json:"order_id,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`

	Exit decision.ExitAux `json:"exit"`
}

// WatchedOrder is a resting limit order the watchdog keeps resolving.
type WatchedOrder struct {
	OrderID  string    `json:"order_id"`
	Side     string    `json:"side"`
	Qty      float64   `json:"qty"`
	Price    float64   `json:"price"`
	PlacedAt time.Time `json:"placed_at"`
	TTL      int       `json:"ttl_sec"`

	// entry parameters applied once the order fills
	SLPrice  float64 `json:"sl_price"`
	TPPrice  float64 `json:"tp_price"`
	RiskDist float64 `json:"risk_dist"`
	Profile  string  `json:"profile"`
	BEK      float64 `json:"be_k"`
	TrailK   float64 `json:"trail_k"`
	Mode     string  `json:"mode,omitempty"`
	Flip     bool    `json:"flip,omitempty"`
}

// DailyStats are the per-day observability counters.
type DailyStats struct {
	Date          string         `json:"date"` // UTC YYYY-MM-DD
	Trades        int            `json:"trades"`
	Wins          int            `json:"wins"`
	Losses        int            `json:"losses"`
	RRSum         float64        `json:"rr_sum"`
	Flips         int            `json:"flips"`
	LosingStreak  int            `json:"losing_streak"`
	NeutralTrades int            `json:"neutral_trades"`
	SkipReasons   map[string]int `json:"skip_reasons"`
}

// State is the bot's persisted hot state.
type State struct {
	Positions      []Position     `json:"positions"`
	WatchedOrders  []WatchedOrder `json:"watched_orders,omitempty"`
	LastEntryTime  time.Time      `json:"last_entry_time,omitempty"`
	LastFlipTime   time.Time      `json:"last_flip_time,omitempty"`
	LastKlineStart int64          `json:"last_kline_start,omitempty"` // ms
	ATRHist        []float64      `json:"atr_hist,omitempty"`
	OBHist         []float64      `json:"ob_hist,omitempty"`
	NeutralHour    int64          `json:"neutral_hour,omitempty"` // unix hour bucket
	NeutralCount   int            `json:"neutral_count,omitempty"`
	Daily          *DailyStats    `json:"daily,omitempty"`
}

// StateStore owns the state file. All mutation goes through Update so the
// snapshot on disk never tears.
type StateStore struct {
	path string

	mu    sync.Mutex
	state State
}

// OpenState loads the state file, starting empty when it does not exist.
func OpenState(path string) (*StateStore, error) {
	s := &StateStore{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *StateStore) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies fn to the state under the lock and writes the result to
// disk via temp-file rename.
func (s *StateStore) Update(fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	return s.saveLocked()
}

func (s *StateStore) saveLocked() error {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (st *State) clone() State {
	out := *st
	out.Positions = append([]Position(nil), st.Positions...)
	out.WatchedOrders = append([]WatchedOrder(nil), st.WatchedOrders...)
	out.ATRHist = append([]float64(nil), st.ATRHist...)
	out.OBHist = append([]float64(nil), st.OBHist...)
	if st.Daily != nil {
		d := *st.Daily
		d.SkipReasons = make(map[string]int, len(st.Daily.SkipReasons))
		for k, v := range st.Daily.SkipReasons {
			d.SkipReasons[k] = v
		}
		out.Daily = &d
	}
	return out
}

// NetSide reports the net direction of all open positions:
// "long", "short", "flat" or "conflict" when both sides coexist.
func (st *State) NetSide() string {
	var long, short bool
	var net float64
	for _, p := range st.Positions {
		if p.Side == "short" {
			short = true
			net -= p.Qty
		} else {
			long = true
			net += p.Qty
		}
	}
	if long && short {
		return "conflict"
	}
	switch {
	case net > 0:
		return "long"
	case net < 0:
		return "short"
	}
	return "flat"
}

// RemovePosition drops the position with the given id.
func (st *State) RemovePosition(id string) {
	out := st.Positions[:0]
	for _, p := range st.Positions {
		if p.ID != id {
			out = append(out, p)
		}
	}
	st.Positions = out
}

// RemoveSide drops every position on the given side. Used by the flip saga
// compensation when the exchange reports flat.
func (st *State) RemoveSide(side string) {
	out := st.Positions[:0]
	for _, p := range st.Positions {
		if p.Side != side {
			out = append(out, p)
		}
	}
	st.Positions = out
}

// RemoveWatchedOrder drops the resting order with the given id.
func (st *State) RemoveWatchedOrder(orderID string) {
	out := st.WatchedOrders[:0]
	for _, w := range st.WatchedOrders {
		if w.OrderID != orderID {
			out = append(out, w)
		}
	}
	st.WatchedOrders = out
}

// PushATR appends one ATR reading to the bounded history. max <= 0 keeps the
// default cap.
func (st *State) PushATR(v float64, max int) {
	if max <= 0 {
		max = atrHistCap
	}
	st.ATRHist = append(st.ATRHist, v)
	if len(st.ATRHist) > max {
		st.ATRHist = st.ATRHist[len(st.ATRHist)-max:]
	}
}

// PushOB appends one orderbook ask/bid ratio reading.
func (st *State) PushOB(v float64) {
	st.OBHist = append(st.OBHist, v)
	if len(st.OBHist) > obHistCap {
		st.OBHist = st.OBHist[len(st.OBHist)-obHistCap:]
	}
}

// OBPersist is the rolling mean of the last n orderbook ratio readings,
// zero until any exist.
func (st *State) OBPersist(n int) float64 {
	if n <= 0 || len(st.OBHist) == 0 {
		return 0
	}
	start := 0
	if len(st.OBHist) > n {
		start = len(st.OBHist) - n
	}
	sum := 0.0
	for _, v := range st.OBHist[start:] {
		sum += v
	}
	return sum / float64(len(st.OBHist)-start)
}

// today buckets use UTC dates so the counters roll at a fixed time.
func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// DailyFor returns the counters for t's day, rolling the bucket when the
// date changed.
func (st *State) DailyFor(t time.Time) *DailyStats {
	key := dayKey(t)
	if st.Daily == nil || st.Daily.Date != key {
		st.Daily = &DailyStats{Date: key, SkipReasons: make(map[string]int)}
	}
	if st.Daily.SkipReasons == nil {
		st.Daily.SkipReasons = make(map[string]int)
	}
	return st.Daily
}

// BumpSkip counts one skipped entry for the reason.
func (st *State) BumpSkip(t time.Time, reason string) {
	st.DailyFor(t).SkipReasons[reason]++
}

// RecordClosedTrade updates win/loss counters and the losing streak.
func (st *State) RecordClosedTrade(t time.Time, pnl, rr float64, flip bool) {
	d := st.DailyFor(t)
	d.Trades++
	d.RRSum += rr
	if flip {
		d.Flips++
	}
	if pnl > 0 {
		d.Wins++
		d.LosingStreak = 0
	} else if pnl < 0 {
		d.Losses++
		d.LosingStreak++
	}
}

// NeutralTradeAllowed checks and advances the neutral-regime hourly budget.
func (st *State) NeutralTradeAllowed(t time.Time, maxPerHour int) bool {
	if maxPerHour <= 0 {
		return true
	}
	hour := t.UTC().Unix() / 3600
	if st.NeutralHour != hour {
		st.NeutralHour = hour
		st.NeutralCount = 0
	}
	return st.NeutralCount < maxPerHour
}

// CountNeutralTrade records one neutral-regime entry.
func (st *State) CountNeutralTrade(t time.Time) {
	hour := t.UTC().Unix() / 3600
	if st.NeutralHour != hour {
		st.NeutralHour = hour
		st.NeutralCount = 0
	}
	st.NeutralCount++
	st.DailyFor(t).NeutralTrades++
}
