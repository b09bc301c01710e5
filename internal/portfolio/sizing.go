// Package portfolio books positions and sizes orders against account
// equity and risk limits.
package portfolio

import (
	"math"

	"github.com/aristath/quantd/internal/domain"
)

// Sizer computes the USD amount to commit to one entry signal
type Sizer interface {
	Name() string
	Size(sig domain.Signal, ind domain.IndicatorRecord, equity float64, openExposure float64) float64
}

// FixedAmount commits a fixed USD amount per trade, bounded by half the
// equity
type FixedAmount struct {
	Amount float64
}

func (s FixedAmount) Name() string { return "fixed_amount" }

func (s FixedAmount) Size(_ domain.Signal, _ domain.IndicatorRecord, equity float64, _ float64) float64 {
	return math.Min(s.Amount, equity*0.5)
}

// FixedPct commits a fixed fraction of equity per trade
type FixedPct struct {
	Pct float64
}

func (s FixedPct) Name() string { return "fixed_pct" }

func (s FixedPct) Size(_ domain.Signal, _ domain.IndicatorRecord, equity float64, _ float64) float64 {
	return equity * s.Pct
}

// RiskBased sizes so the stop-loss distance costs a fixed fraction of
// equity. Without a stop on the signal it falls back to 10% of equity.
type RiskBased struct {
	RiskPerTrade float64 // fraction of equity at risk per trade
}

func (s RiskBased) Name() string { return "risk_based" }

func (s RiskBased) Size(sig domain.Signal, _ domain.IndicatorRecord, equity float64, _ float64) float64 {
	if sig.StopLoss == nil || sig.Price <= 0 {
		return equity * 0.1
	}

	riskAmount := equity * s.RiskPerTrade
	stopDistance := math.Abs(sig.Price-*sig.StopLoss) / sig.Price
	if stopDistance <= 0 {
		return equity * 0.1
	}

	size := riskAmount / stopDistance
	return math.Min(size, equity*0.5)
}

// Kelly sizes by the half-Kelly fraction from a fixed win rate and
// payoff ratio, clamped to [1%, 25%] of equity
type Kelly struct {
	WinRate     float64
	PayoffRatio float64
}

func (s Kelly) Name() string { return "kelly" }

func (s Kelly) Size(_ domain.Signal, _ domain.IndicatorRecord, equity float64, _ float64) float64 {
	p := s.WinRate
	q := 1 - p
	b := s.PayoffRatio

	fraction := (p*b - q) / b * 0.5

	if fraction < 0.01 {
		fraction = 0.01
	}
	if fraction > 0.25 {
		fraction = 0.25
	}
	return equity * fraction
}

// VolAdjusted scales a base fraction down as ATR rises relative to the
// 20-bar MA
type VolAdjusted struct {
	BasePct float64
}

func (s VolAdjusted) Name() string { return "vol_adjusted" }

func (s VolAdjusted) Size(_ domain.Signal, ind domain.IndicatorRecord, equity float64, _ float64) float64 {
	base := equity * s.BasePct
	if ind.ATR14 == nil || ind.MA20 == nil || *ind.MA20 <= 0 {
		return base
	}

	atrPct := *ind.ATR14 / *ind.MA20
	return base / (1 + atrPct*20)
}
