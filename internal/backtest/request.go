// Package backtest turns API requests into engine runs executed under
// the task manager, and persists the results by task ID.
package backtest

import (
	"time"

	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/portfolio"
	"github.com/aristath/quantd/internal/strategy"
)

const dateLayout = "2006-01-02"

// Request describes one backtest run
type Request struct {
	Strategy       string             `json:"strategy"`
	Symbol         string             `json:"symbol"`
	Timeframe      domain.Timeframe   `json:"timeframe"`
	Market         domain.MarketKind  `json:"market_type"`
	StartDate      string             `json:"start_date"` // YYYY-MM-DD
	EndDate        string             `json:"end_date"`   // YYYY-MM-DD
	InitialCapital float64            `json:"initial_capital"`
	PositionPreset string             `json:"position_preset"`
	Params         map[string]float64 `json:"params"`
}

// Normalize fills the request's optional fields with defaults
func (r *Request) Normalize() {
	if r.Market == "" {
		r.Market = domain.MarketSpot
	}
	if r.InitialCapital == 0 {
		r.InitialCapital = 10000
	}
	if r.PositionPreset == "" {
		r.PositionPreset = "moderate"
	}
}

// Validate checks the request against the registry and the known
// presets. All failures carry the validation kind so the API layer can
// answer 4xx.
func (r *Request) Validate(reg *strategy.Registry) error {
	if r.Symbol == "" {
		return domain.Validationf("symbol is required")
	}
	if !r.Timeframe.Valid() {
		return domain.Validationf("unknown timeframe: %q", r.Timeframe)
	}
	if !r.Market.Valid() {
		return domain.Validationf("unknown market type: %q", r.Market)
	}
	if r.InitialCapital <= 0 {
		return domain.Validationf("initial_capital must be positive, got %v", r.InitialCapital)
	}
	if !knownPreset(r.PositionPreset) {
		return domain.Validationf("unknown position preset: %q", r.PositionPreset)
	}

	if _, _, err := r.Window(); err != nil {
		return err
	}

	return reg.Validate(r.Strategy, r.Params)
}

// Window converts the date range to Unix timestamps
func (r *Request) Window() (start, end int64, err error) {
	s, err := time.Parse(dateLayout, r.StartDate)
	if err != nil {
		return 0, 0, domain.Validationf("start_date must be YYYY-MM-DD, got %q", r.StartDate)
	}
	e, err := time.Parse(dateLayout, r.EndDate)
	if err != nil {
		return 0, 0, domain.Validationf("end_date must be YYYY-MM-DD, got %q", r.EndDate)
	}
	if !e.After(s) {
		return 0, 0, domain.Validationf("end_date must be after start_date")
	}
	return s.Unix(), e.Unix(), nil
}

// Key returns the data stream key of the request
func (r *Request) Key() domain.Key {
	return domain.Key{Symbol: r.Symbol, Timeframe: r.Timeframe, Market: r.Market}
}

func knownPreset(name string) bool {
	for _, p := range portfolio.Presets() {
		if p.Name == name {
			return true
		}
	}
	return false
}
