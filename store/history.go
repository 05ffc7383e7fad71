package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"flowbot/logger"
)

// ClosedTrade is one fully closed position written to history.
type ClosedTrade struct {
	ID         int64     `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"` // long/short
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	PnL        float64   `json:"pnl"`
	RR         float64   `json:"rr"` // realized R multiple
	Reason     string    `json:"reason"`
	Profile    string    `json:"profile"`
	Flip       bool      `json:"flip"`
}

// DailySummary aggregates closed trades for one UTC day.
type DailySummary struct {
	Date      string  `json:"date"`
	Trades    int     `json:"trades"`
	Wins      int     `json:"wins"`
	Losses    int     `json:"losses"`
	WinRate   float64 `json:"win_rate"`
	TotalPnL  float64 `json:"total_pnl"`
	AvgRR     float64 `json:"avg_rr"`
	FlipCount int     `json:"flip_count"`
}

// HistoryStore is the SQLite trade history.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (creating if needed) the history database.
func OpenHistory(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	s := &HistoryStore{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history tables: %w", err)
	}
	logger.Infof("history database ready: %s", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func (s *HistoryStore) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS closed_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			qty REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			entry_time DATETIME NOT NULL,
			exit_time DATETIME NOT NULL,
			pnl REAL DEFAULT 0,
			rr REAL DEFAULT 0,
			reason TEXT DEFAULT '',
			profile TEXT DEFAULT '',
			flip INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create closed_trades table: %w", err)
	}

	indices := []string{
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON closed_trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit ON closed_trades(exit_time DESC)`,
	}
	for _, idx := range indices {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// InsertClosedTrade appends one closed trade.
func (s *HistoryStore) InsertClosedTrade(t *ClosedTrade) error {
	flip := 0
	if t.Flip {
		flip = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO closed_trades
			(symbol, side, qty, entry_price, exit_price, entry_time, exit_time, pnl, rr, reason, profile, flip)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Side, t.Qty, t.EntryPrice, t.ExitPrice,
		t.EntryTime.UTC(), t.ExitTime.UTC(), t.PnL, t.RR, t.Reason, t.Profile, flip)
	if err != nil {
		return fmt.Errorf("failed to insert closed trade: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// RecentTrades returns the latest closed trades, newest first.
func (s *HistoryStore) RecentTrades(limit int) ([]ClosedTrade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, symbol, side, qty, entry_price, exit_price, entry_time, exit_time,
		       pnl, rr, reason, profile, flip
		FROM closed_trades
		ORDER BY exit_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query closed trades: %w", err)
	}
	defer rows.Close()

	var out []ClosedTrade
	for rows.Next() {
		var t ClosedTrade
		var flip int
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.Qty, &t.EntryPrice, &t.ExitPrice,
			&t.EntryTime, &t.ExitTime, &t.PnL, &t.RR, &t.Reason, &t.Profile, &flip); err != nil {
			return nil, fmt.Errorf("failed to scan closed trade: %w", err)
		}
		t.Flip = flip != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// Summary aggregates one UTC day of closed trades.
func (s *HistoryStore) Summary(date string) (*DailySummary, error) {
	row := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(AVG(rr), 0),
		       COALESCE(SUM(flip), 0)
		FROM closed_trades
		WHERE DATE(exit_time) = ?`, date)

	sum := &DailySummary{Date: date}
	if err := row.Scan(&sum.Trades, &sum.Wins, &sum.Losses, &sum.TotalPnL, &sum.AvgRR, &sum.FlipCount); err != nil {
		return nil, fmt.Errorf("failed to aggregate daily summary: %w", err)
	}
	if sum.Trades > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.Trades) * 100.0
	}
	return sum, nil
}

// Summaries returns recent daily summaries, newest first.
func (s *HistoryStore) Summaries(days int) ([]DailySummary, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.db.Query(`
		SELECT DATE(exit_time) AS d,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(AVG(rr), 0),
		       COALESCE(SUM(flip), 0)
		FROM closed_trades
		GROUP BY d
		ORDER BY d DESC
		LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily summaries: %w", err)
	}
	defer rows.Close()

	var out []DailySummary
	for rows.Next() {
		var sum DailySummary
		if err := rows.Scan(&sum.Date, &sum.Trades, &sum.Wins, &sum.Losses,
			&sum.TotalPnL, &sum.AvgRR, &sum.FlipCount); err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		if sum.Trades > 0 {
			sum.WinRate = float64(sum.Wins) / float64(sum.Trades) * 100.0
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}
