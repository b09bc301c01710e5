package backtest

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/engine"
)

// ResultRepository persists completed run results as msgpack blobs
// keyed by task ID, with the headline figures broken out into columns
// for listing.
type ResultRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewResultRepository creates the repository
func NewResultRepository(db *sql.DB, log zerolog.Logger) *ResultRepository {
	return &ResultRepository{
		db:  db,
		log: log.With().Str("repo", "backtest_results").Logger(),
	}
}

// Init creates the backtest_results table
func (r *ResultRepository) Init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS backtest_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL UNIQUE,
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			market_kind TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			final_equity REAL NOT NULL,
			total_pnl_pct REAL NOT NULL,
			total_trades INTEGER NOT NULL,
			win_rate REAL NOT NULL,
			created_at INTEGER NOT NULL,
			results BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_backtest_results_created
			ON backtest_results(created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create backtest_results table: %w", err)
	}
	return nil
}

// Save stores the outcome of one run
func (r *ResultRepository) Save(taskID string, req Request, res *engine.Results) error {
	start, end, err := req.Window()
	if err != nil {
		return err
	}

	blob, err := msgpack.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT OR REPLACE INTO backtest_results (
			task_id, strategy, symbol, timeframe, market_kind,
			start_time, end_time, final_equity, total_pnl_pct,
			total_trades, win_rate, created_at, results
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, res.Strategy, req.Symbol, string(req.Timeframe), string(req.Market),
		start, end, res.FinalEquity, res.TotalPnLPct,
		res.Stats.TotalTrades, res.Stats.WinRate, time.Now().Unix(), blob,
	)
	if err != nil {
		return fmt.Errorf("failed to save backtest result: %w", err)
	}
	return nil
}

// Load returns the full results for a task ID
func (r *ResultRepository) Load(taskID string) (*engine.Results, error) {
	var blob []byte
	err := r.db.QueryRow(`
		SELECT results FROM backtest_results WHERE task_id = ?`, taskID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, domain.NotFoundf("no result for task %s", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backtest result: %w", err)
	}

	var res engine.Results
	if err := msgpack.Unmarshal(blob, &res); err != nil {
		return nil, fmt.Errorf("decode results: %w", err)
	}
	return &res, nil
}

// HistoryItem is one row of the run history, without the detail blob
type HistoryItem struct {
	TaskID      string  `json:"task_id"`
	Strategy    string  `json:"strategy"`
	Symbol      string  `json:"symbol"`
	Timeframe   string  `json:"timeframe"`
	Market      string  `json:"market_kind"`
	StartTime   int64   `json:"start_time"`
	EndTime     int64   `json:"end_time"`
	FinalEquity float64 `json:"final_equity"`
	TotalPnLPct float64 `json:"total_pnl_pct"`
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
	CreatedAt   int64   `json:"created_at"`
}

// History returns the newest runs first
func (r *ResultRepository) History(limit int) ([]HistoryItem, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`
		SELECT task_id, strategy, symbol, timeframe, market_kind,
		       start_time, end_time, final_equity, total_pnl_pct,
		       total_trades, win_rate, created_at
		FROM backtest_results
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest history: %w", err)
	}
	defer rows.Close()

	var out []HistoryItem
	for rows.Next() {
		var item HistoryItem
		if err := rows.Scan(
			&item.TaskID, &item.Strategy, &item.Symbol, &item.Timeframe, &item.Market,
			&item.StartTime, &item.EndTime, &item.FinalEquity, &item.TotalPnLPct,
			&item.TotalTrades, &item.WinRate, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
