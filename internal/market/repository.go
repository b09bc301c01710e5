// Package market covers market data: the exchange client, the bar
// store and the ingestion node that keeps bar series gap-free.
package market

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/database"
	"github.com/aristath/quantd/internal/domain"
)

// BarRepository persists bars, one row per (key, timestamp)
type BarRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBarRepository creates a bar repository
func NewBarRepository(db *sql.DB, log zerolog.Logger) *BarRepository {
	return &BarRepository{
		db:  db,
		log: log.With().Str("repo", "bars").Logger(),
	}
}

// Init creates the bars table
func (r *BarRepository) Init() error {
	schema := `
		CREATE TABLE IF NOT EXISTS bars (
			symbol      TEXT NOT NULL,
			timeframe   TEXT NOT NULL,
			market_kind TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			open        REAL NOT NULL,
			high        REAL NOT NULL,
			low         REAL NOT NULL,
			close       REAL NOT NULL,
			volume      REAL NOT NULL,
			PRIMARY KEY (symbol, timeframe, market_kind, timestamp)
		);
		CREATE INDEX IF NOT EXISTS idx_bars_key_ts
			ON bars (symbol, timeframe, market_kind, timestamp);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create bars schema: %w", err)
	}
	return nil
}

// Save upserts one bar
func (r *BarRepository) Save(bar domain.Bar) error {
	query := `
		INSERT INTO bars
		(symbol, timeframe, market_kind, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, market_kind, timestamp) DO UPDATE SET
			open=excluded.open, high=excluded.high, low=excluded.low,
			close=excluded.close, volume=excluded.volume
	`
	_, err := r.db.Exec(query,
		bar.Symbol, string(bar.Timeframe), string(bar.Market), bar.Timestamp,
		bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
	)
	if err != nil {
		return fmt.Errorf("failed to save bar: %w", err)
	}
	return nil
}

// SaveBatch upserts many bars in one transaction
func (r *BarRepository) SaveBatch(bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO bars
			(symbol, timeframe, market_kind, timestamp, open, high, low, close, volume)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, timeframe, market_kind, timestamp) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low,
				close=excluded.close, volume=excluded.volume
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, bar := range bars {
			if _, err := stmt.Exec(
				bar.Symbol, string(bar.Timeframe), string(bar.Market), bar.Timestamp,
				bar.Open, bar.High, bar.Low, bar.Close, bar.Volume,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// Range returns bars with timestamp in [start, end] ascending
func (r *BarRepository) Range(key domain.Key, start, end int64) ([]domain.Bar, error) {
	query := `
		SELECT symbol, timeframe, market_kind, timestamp, open, high, low, close, volume
		FROM bars
		WHERE symbol = ? AND timeframe = ? AND market_kind = ?
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Query(query, key.Symbol, string(key.Timeframe), string(key.Market), start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query bar range: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// RecentN returns the most recent n bars in ascending timestamp order
func (r *BarRepository) RecentN(key domain.Key, n int) ([]domain.Bar, error) {
	query := `
		SELECT symbol, timeframe, market_kind, timestamp, open, high, low, close, volume
		FROM (
			SELECT * FROM bars
			WHERE symbol = ? AND timeframe = ? AND market_kind = ?
			ORDER BY timestamp DESC LIMIT ?
		)
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Query(query, key.Symbol, string(key.Timeframe), string(key.Market), n)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent bars: %w", err)
	}
	defer rows.Close()
	return scanBars(rows)
}

// LatestTimestamp returns the newest bar timestamp for a key, 0 when empty
func (r *BarRepository) LatestTimestamp(key domain.Key) (int64, error) {
	var ts sql.NullInt64
	err := r.db.QueryRow(`
		SELECT MAX(timestamp) FROM bars
		WHERE symbol = ? AND timeframe = ? AND market_kind = ?
	`, key.Symbol, string(key.Timeframe), string(key.Market)).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest bar timestamp: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// Gaps returns the expected-but-missing bar timestamps in [start, end],
// aligned to the timeframe
func (r *BarRepository) Gaps(key domain.Key, start, end int64) ([]int64, error) {
	step := key.Timeframe.Seconds()
	if step <= 0 {
		return nil, fmt.Errorf("unknown timeframe: %s", key.Timeframe)
	}

	// Align the scan to bar boundaries
	first := (start + step - 1) / step * step
	if first > end {
		return nil, nil
	}

	query := `
		SELECT timestamp FROM bars
		WHERE symbol = ? AND timeframe = ? AND market_kind = ?
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Query(query, key.Symbol, string(key.Timeframe), string(key.Market), first, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query bar timestamps: %w", err)
	}
	defer rows.Close()

	have := make(map[int64]struct{})
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		have[ts] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var gaps []int64
	for ts := first; ts <= end; ts += step {
		if _, ok := have[ts]; !ok {
			gaps = append(gaps, ts)
		}
	}
	return gaps, nil
}

// KeyStats summarizes one series' coverage
type KeyStats struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Market    string `json:"market_kind"`
	Count     int64  `json:"count"`
	FirstTS   int64  `json:"first_timestamp"`
	LastTS    int64  `json:"last_timestamp"`
}

// Stats returns per-key bar counts and coverage
func (r *BarRepository) Stats() ([]KeyStats, error) {
	rows, err := r.db.Query(`
		SELECT symbol, timeframe, market_kind,
		       COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM bars
		GROUP BY symbol, timeframe, market_kind
		ORDER BY symbol, timeframe
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query bar stats: %w", err)
	}
	defer rows.Close()

	var out []KeyStats
	for rows.Next() {
		var st KeyStats
		if err := rows.Scan(&st.Symbol, &st.Timeframe, &st.Market, &st.Count, &st.FirstTS, &st.LastTS); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanBars(rows *sql.Rows) ([]domain.Bar, error) {
	var out []domain.Bar
	for rows.Next() {
		var b domain.Bar
		var tf, market string
		if err := rows.Scan(&b.Symbol, &tf, &market, &b.Timestamp,
			&b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		b.Timeframe = domain.Timeframe(tf)
		b.Market = domain.MarketKind(market)
		out = append(out, b)
	}
	return out, rows.Err()
}
