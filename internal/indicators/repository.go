package indicators

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/domain"
)

// Repository persists indicator records, one row per (key, timestamp)
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates an indicator repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "indicators").Logger(),
	}
}

// Init creates the indicators table
func (r *Repository) Init() error {
	schema := `
		CREATE TABLE IF NOT EXISTS indicators (
			symbol         TEXT NOT NULL,
			timeframe      TEXT NOT NULL,
			market_kind    TEXT NOT NULL,
			timestamp      INTEGER NOT NULL,
			ma5            REAL,
			ma10           REAL,
			ma20           REAL,
			ma60           REAL,
			ma120          REAL,
			ema12          REAL,
			ema26          REAL,
			rsi14          REAL,
			macd           REAL,
			macd_signal    REAL,
			macd_hist      REAL,
			boll_upper     REAL,
			boll_middle    REAL,
			boll_lower     REAL,
			atr14          REAL,
			volume_ma5     REAL,
			engine_version TEXT NOT NULL,
			PRIMARY KEY (symbol, timeframe, market_kind, timestamp)
		);
		CREATE INDEX IF NOT EXISTS idx_indicators_key_ts
			ON indicators (symbol, timeframe, market_kind, timestamp);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create indicators schema: %w", err)
	}
	return nil
}

// Save upserts one record
func (r *Repository) Save(rec domain.IndicatorRecord) error {
	query := `
		INSERT INTO indicators
		(symbol, timeframe, market_kind, timestamp,
		 ma5, ma10, ma20, ma60, ma120, ema12, ema26, rsi14,
		 macd, macd_signal, macd_hist, boll_upper, boll_middle, boll_lower,
		 atr14, volume_ma5, engine_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe, market_kind, timestamp) DO UPDATE SET
			ma5=excluded.ma5, ma10=excluded.ma10, ma20=excluded.ma20,
			ma60=excluded.ma60, ma120=excluded.ma120,
			ema12=excluded.ema12, ema26=excluded.ema26, rsi14=excluded.rsi14,
			macd=excluded.macd, macd_signal=excluded.macd_signal,
			macd_hist=excluded.macd_hist,
			boll_upper=excluded.boll_upper, boll_middle=excluded.boll_middle,
			boll_lower=excluded.boll_lower,
			atr14=excluded.atr14, volume_ma5=excluded.volume_ma5,
			engine_version=excluded.engine_version
	`
	_, err := r.db.Exec(query,
		rec.Symbol, string(rec.Timeframe), string(rec.Market), rec.Timestamp,
		rec.MA5, rec.MA10, rec.MA20, rec.MA60, rec.MA120,
		rec.EMA12, rec.EMA26, rec.RSI14,
		rec.MACD, rec.MACDSignal, rec.MACDHist,
		rec.BollUpper, rec.BollMiddle, rec.BollLower,
		rec.ATR14, rec.VolumeMA5, rec.EngineVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to save indicator record: %w", err)
	}
	return nil
}

const recordColumns = `symbol, timeframe, market_kind, timestamp,
	ma5, ma10, ma20, ma60, ma120, ema12, ema26, rsi14,
	macd, macd_signal, macd_hist, boll_upper, boll_middle, boll_lower,
	atr14, volume_ma5, engine_version`

// Latest returns the most recent record for a key, nil when none exists
func (r *Repository) Latest(key domain.Key) (*domain.IndicatorRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM indicators
		WHERE symbol = ? AND timeframe = ? AND market_kind = ?
		ORDER BY timestamp DESC LIMIT 1
	`, recordColumns)

	rec, err := scanRecord(r.db.QueryRow(query, key.Symbol, string(key.Timeframe), string(key.Market)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest indicator record: %w", err)
	}
	if !MajorCompatible(rec.EngineVersion, Version) {
		return nil, fmt.Errorf("indicator record for %s has engine version %s incompatible with %s",
			key, rec.EngineVersion, Version)
	}
	return &rec, nil
}

// Range returns records with timestamp in [start, end] ascending
func (r *Repository) Range(key domain.Key, start, end int64) ([]domain.IndicatorRecord, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM indicators
		WHERE symbol = ? AND timeframe = ? AND market_kind = ?
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, recordColumns)

	rows, err := r.db.Query(query, key.Symbol, string(key.Timeframe), string(key.Market), start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicator range: %w", err)
	}
	defer rows.Close()

	var out []domain.IndicatorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan indicator record: %w", err)
		}
		if !MajorCompatible(rec.EngineVersion, Version) {
			return nil, fmt.Errorf("indicator record for %s has engine version %s incompatible with %s",
				key, rec.EngineVersion, Version)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (domain.IndicatorRecord, error) {
	var rec domain.IndicatorRecord
	var tf, market string
	err := row.Scan(
		&rec.Symbol, &tf, &market, &rec.Timestamp,
		&rec.MA5, &rec.MA10, &rec.MA20, &rec.MA60, &rec.MA120,
		&rec.EMA12, &rec.EMA26, &rec.RSI14,
		&rec.MACD, &rec.MACDSignal, &rec.MACDHist,
		&rec.BollUpper, &rec.BollMiddle, &rec.BollLower,
		&rec.ATR14, &rec.VolumeMA5, &rec.EngineVersion,
	)
	if err != nil {
		return rec, err
	}
	rec.Timeframe = domain.Timeframe(tf)
	rec.Market = domain.MarketKind(market)
	return rec, nil
}
