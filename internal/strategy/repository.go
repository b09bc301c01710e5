package strategy

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/domain"
)

// SignalRepository persists emitted signals
type SignalRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSignalRepository creates the repository
func NewSignalRepository(db *sql.DB, log zerolog.Logger) *SignalRepository {
	return &SignalRepository{
		db:  db,
		log: log.With().Str("repo", "signals").Logger(),
	}
}

// Init creates the signals table
func (r *SignalRepository) Init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy TEXT NOT NULL,
			symbol TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			price REAL NOT NULL,
			signal_kind TEXT NOT NULL,
			side TEXT NOT NULL,
			action TEXT NOT NULL,
			reason TEXT,
			confidence REAL,
			stop_loss REAL,
			take_profit REAL,
			enhancement TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_signals_strategy_ts
			ON signals(strategy, timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_signals_symbol_ts
			ON signals(symbol, timestamp DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to create signals table: %w", err)
	}
	return nil
}

// Save appends one signal
func (r *SignalRepository) Save(sig domain.Signal) error {
	var enhancement sql.NullString
	if sig.Enhance != nil {
		raw, err := json.Marshal(sig.Enhance)
		if err != nil {
			return fmt.Errorf("encode enhancement: %w", err)
		}
		enhancement = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := r.db.Exec(`
		INSERT INTO signals (
			strategy, symbol, timestamp, price, signal_kind, side, action,
			reason, confidence, stop_loss, take_profit, enhancement
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.Strategy, sig.Symbol, sig.Timestamp, sig.Price,
		string(sig.Kind), string(sig.Side), string(sig.Action),
		sig.Reason, sig.Confidence, sig.StopLoss, sig.TakeProfit, enhancement,
	)
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

// Recent returns the newest signals for one strategy, newest first
func (r *SignalRepository) Recent(strategy string, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`
		SELECT strategy, symbol, timestamp, price, signal_kind, side, action,
		       reason, confidence, stop_loss, take_profit, enhancement
		FROM signals
		WHERE strategy = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, strategy, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

// RecentBySymbol returns the newest signals for one symbol across all
// strategies, newest first
func (r *SignalRepository) RecentBySymbol(symbol string, limit int) ([]domain.Signal, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(`
		SELECT strategy, symbol, timestamp, price, signal_kind, side, action,
		       reason, confidence, stop_loss, take_profit, enhancement
		FROM signals
		WHERE symbol = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	return scanSignals(rows)
}

func scanSignals(rows *sql.Rows) ([]domain.Signal, error) {
	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var kind, side, action string
		var reason sql.NullString
		var confidence, stopLoss, takeProfit sql.NullFloat64
		var enhancement sql.NullString

		if err := rows.Scan(
			&sig.Strategy, &sig.Symbol, &sig.Timestamp, &sig.Price,
			&kind, &side, &action,
			&reason, &confidence, &stopLoss, &takeProfit, &enhancement,
		); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}

		sig.Kind = domain.SignalKind(kind)
		sig.Side = domain.Side(side)
		sig.Action = domain.Action(action)
		sig.Reason = reason.String
		if confidence.Valid {
			sig.Confidence = &confidence.Float64
		}
		if stopLoss.Valid {
			sig.StopLoss = &stopLoss.Float64
		}
		if takeProfit.Valid {
			sig.TakeProfit = &takeProfit.Float64
		}
		if enhancement.Valid {
			var enh domain.Enhancement
			if err := json.Unmarshal([]byte(enhancement.String), &enh); err == nil {
				sig.Enhance = &enh
			}
		}

		out = append(out, sig)
	}
	return out, rows.Err()
}
