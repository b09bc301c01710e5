package portfolio

import (
	"github.com/rs/zerolog"
)

// Preset describes a ready-made manager configuration for the API
type Preset struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Sizing      string  `json:"sizing"`
	RiskPct     float64 `json:"risk_pct,omitempty"`
	Limits      Limits  `json:"limits"`
}

// Presets lists the built-in configurations
func Presets() []Preset {
	return []Preset{
		{
			Name:        "conservative",
			Description: "Low risk per trade, few concurrent positions",
			Sizing:      "risk_based",
			RiskPct:     0.01,
			Limits:      Limits{MaxPositions: 2, MaxExposurePct: 0.5, SingleMaxPct: 0.3},
		},
		{
			Name:        "moderate",
			Description: "Balanced risk and capacity",
			Sizing:      "risk_based",
			RiskPct:     0.02,
			Limits:      Limits{MaxPositions: 3, MaxExposurePct: 0.8, SingleMaxPct: 0.5},
		},
		{
			Name:        "aggressive",
			Description: "High risk per trade, wide exposure",
			Sizing:      "risk_based",
			RiskPct:     0.05,
			Limits:      Limits{MaxPositions: 5, MaxExposurePct: 0.95, SingleMaxPct: 0.7},
		},
		{
			Name:        "kelly",
			Description: "Half-Kelly sizing from historical win statistics",
			Sizing:      "kelly",
			Limits:      Limits{MaxPositions: 3, MaxExposurePct: 0.8, SingleMaxPct: 0.5},
		},
	}
}

// NewConservative builds the conservative preset
func NewConservative(balance float64, log zerolog.Logger) *Manager {
	return NewManager(balance, RiskBased{RiskPerTrade: 0.01},
		Limits{MaxPositions: 2, MaxExposurePct: 0.5, SingleMaxPct: 0.3}, log)
}

// NewModerate builds the moderate preset
func NewModerate(balance float64, log zerolog.Logger) *Manager {
	return NewManager(balance, RiskBased{RiskPerTrade: 0.02},
		Limits{MaxPositions: 3, MaxExposurePct: 0.8, SingleMaxPct: 0.5}, log)
}

// NewAggressive builds the aggressive preset
func NewAggressive(balance float64, log zerolog.Logger) *Manager {
	return NewManager(balance, RiskBased{RiskPerTrade: 0.05},
		Limits{MaxPositions: 5, MaxExposurePct: 0.95, SingleMaxPct: 0.7}, log)
}

// NewKelly builds the Kelly preset from historical win statistics
func NewKelly(balance, winRate, payoffRatio float64, log zerolog.Logger) *Manager {
	return NewManager(balance, Kelly{WinRate: winRate, PayoffRatio: payoffRatio},
		Limits{MaxPositions: 3, MaxExposurePct: 0.8, SingleMaxPct: 0.5}, log)
}

// NewFromPreset builds a manager by preset name, defaulting to moderate
// for unknown names
func NewFromPreset(name string, balance float64, log zerolog.Logger) *Manager {
	switch name {
	case "conservative":
		return NewConservative(balance, log)
	case "aggressive":
		return NewAggressive(balance, log)
	case "kelly":
		return NewKelly(balance, 0.55, 1.5, log)
	default:
		return NewModerate(balance, log)
	}
}
