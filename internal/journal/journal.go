// Package journal persists executed hedges to SQLite for audit and
// post-trade analysis. The portfolio JSON documents remain the source of
// truth for live state; the journal is an append-only history that survives
// portfolio deletion.
package journal

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Journal writes hedge executions to a SQLite database in WAL mode.
type Journal struct {
	mu sync.Mutex
	db *sql.DB
}

// Hedge is one journaled hedge execution.
type Hedge struct {
	ID            int64     `json:"id"`
	PortfolioID   string    `json:"portfolio_id"`
	Kind          string    `json:"kind"` // "dynamic" or "initial"
	Instrument    string    `json:"instrument"`
	QtyUSD        float64   `json:"qty_usd"`
	Price         float64   `json:"price"`
	PositionAfter float64   `json:"position_after"`
	RealizedPnL   float64   `json:"realized_pnl"`
	ExecutedAt    time.Time `json:"executed_at"`
}

// Open opens (or creates) the journal database.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS hedges (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		portfolio_id  TEXT NOT NULL,
		kind          TEXT NOT NULL,
		instrument    TEXT NOT NULL,
		qty_usd        REAL NOT NULL,
		price          REAL NOT NULL,
		position_after REAL NOT NULL,
		realized_pnl   REAL NOT NULL,
		executed_at    DATETIME NOT NULL,
		created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_hedges_portfolio ON hedges(portfolio_id);
	CREATE INDEX IF NOT EXISTS idx_hedges_executed_at ON hedges(executed_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("hedge journal opened", "path", dbPath)
	return &Journal{db: db}, nil
}

// RecordHedge appends one hedge execution.
func (j *Journal) RecordHedge(h Hedge) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO hedges (portfolio_id, kind, instrument, qty_usd, price, position_after, realized_pnl, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.PortfolioID,
		h.Kind,
		h.Instrument,
		h.QtyUSD,
		h.Price,
		h.PositionAfter,
		h.RealizedPnL,
		h.ExecutedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetHedges returns the last N hedges for one portfolio, newest first.
// An empty portfolio id returns hedges across all portfolios.
func (j *Journal) GetHedges(portfolioID string, limit int) ([]Hedge, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	query := `SELECT id, portfolio_id, kind, instrument, qty_usd, price, position_after, realized_pnl, executed_at
	          FROM hedges`
	args := []any{}
	if portfolioID != "" {
		query += ` WHERE portfolio_id = ?`
		args = append(args, portfolioID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hedges []Hedge
	for rows.Next() {
		var h Hedge
		var executedAt string
		if err := rows.Scan(&h.ID, &h.PortfolioID, &h.Kind, &h.Instrument,
			&h.QtyUSD, &h.Price, &h.PositionAfter, &h.RealizedPnL, &executedAt); err != nil {
			continue
		}
		h.ExecutedAt, _ = time.Parse(time.RFC3339, executedAt)
		hedges = append(hedges, h)
	}
	return hedges, rows.Err()
}

// DB exposes the handle for health checks.
func (j *Journal) DB() *sql.DB { return j.db }

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
