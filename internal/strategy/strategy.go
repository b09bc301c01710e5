// Package strategy implements the signal-generating strategies and the
// tracker node that feeds them aligned bar and indicator pairs.
package strategy

import (
	"context"
	"fmt"

	"github.com/aristath/quantd/internal/domain"
)

// Snapshot bundles the aligned inputs for one strategy decision: the
// closed bar, its indicator record and the previous record. Bar and
// indicator carry the same timestamp.
type Snapshot struct {
	Bar  domain.Bar
	Ind  domain.IndicatorRecord
	Prev *domain.IndicatorRecord
}

// Strategy decides entries and exits for one symbol at a time. The
// tracker owns position state and passes it to CheckExit; strategies
// themselves stay stateless so one instance serves every symbol.
type Strategy interface {
	Name() string

	// CheckEntry returns an OPEN signal when the snapshot triggers an
	// entry, nil otherwise. Only called while no position is held.
	CheckEntry(s Snapshot) *domain.Signal

	// CheckExit returns a CLOSE signal for the held position, nil to
	// keep holding.
	CheckExit(s Snapshot, pos *domain.Position) *domain.Signal

	// Confirm filters an entry signal before it is emitted. A false
	// result carries the rejection reason.
	Confirm(sig *domain.Signal, s Snapshot) (bool, string)
}

// Enhancer is an optional confirm-stage hook that annotates signals,
// e.g. with a model review. Failures never block a signal.
type Enhancer interface {
	Enhance(ctx context.Context, sig *domain.Signal, s Snapshot) (*domain.Enhancement, error)
}

const (
	atrStopMult   = 2.0
	atrTargetMult = 3.0

	fallbackStopPct   = 0.03
	fallbackTargetPct = 0.06

	trailingPct = 0.05

	minConfidence  = 0.5
	minVolumeRatio = 0.5
	maxVolatility  = 0.05
)

func val(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func has(ps ...*float64) bool {
	for _, p := range ps {
		if p == nil {
			return false
		}
	}
	return true
}

func ptr(v float64) *float64 { return &v }

func clamp1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// stopLossPrice places the stop at 2x ATR from entry, falling back to a
// fixed 3% when ATR is not available yet.
func stopLossPrice(entry float64, side domain.Side, ind domain.IndicatorRecord) float64 {
	if ind.ATR14 != nil && *ind.ATR14 > 0 {
		if side == domain.SideLong {
			return entry - atrStopMult**ind.ATR14
		}
		return entry + atrStopMult**ind.ATR14
	}
	if side == domain.SideLong {
		return entry * (1 - fallbackStopPct)
	}
	return entry * (1 + fallbackStopPct)
}

// takeProfitPrice places the target at 3x ATR from entry, falling back
// to a fixed 6%.
func takeProfitPrice(entry float64, side domain.Side, ind domain.IndicatorRecord) float64 {
	if ind.ATR14 != nil && *ind.ATR14 > 0 {
		if side == domain.SideLong {
			return entry + atrTargetMult**ind.ATR14
		}
		return entry - atrTargetMult**ind.ATR14
	}
	if side == domain.SideLong {
		return entry * (1 + fallbackTargetPct)
	}
	return entry * (1 - fallbackTargetPct)
}

// openSignal builds an OPEN signal with stop and target attached
func openSignal(strategy string, s Snapshot, kind domain.SignalKind, reason string, confidence float64) *domain.Signal {
	side := kind.Side()
	return &domain.Signal{
		Strategy:   strategy,
		Symbol:     s.Bar.Symbol,
		Timestamp:  s.Bar.Timestamp,
		Price:      s.Bar.Close,
		Kind:       kind,
		Side:       side,
		Action:     domain.ActionOpen,
		Reason:     reason,
		Confidence: ptr(clamp1(confidence)),
		StopLoss:   ptr(stopLossPrice(s.Bar.Close, side, s.Ind)),
		TakeProfit: ptr(takeProfitPrice(s.Bar.Close, side, s.Ind)),
	}
}

// closeSignal builds a CLOSE signal for the given side
func closeSignal(strategy string, s Snapshot, side domain.Side, reason string) *domain.Signal {
	kind := domain.CloseLong
	if side == domain.SideShort {
		kind = domain.CloseShort
	}
	return &domain.Signal{
		Strategy:  strategy,
		Symbol:    s.Bar.Symbol,
		Timestamp: s.Bar.Timestamp,
		Price:     s.Bar.Close,
		Kind:      kind,
		Side:      side,
		Action:    domain.ActionClose,
		Reason:    reason,
	}
}

// defaultExit applies the shared exit ladder in order: hard stop, take
// profit, then the 5% trailing stop from the position watermarks. The
// stop and target are recomputed from the entry price with the current
// ATR so they tighten as volatility contracts.
func defaultExit(strategy string, s Snapshot, pos *domain.Position) *domain.Signal {
	price := s.Bar.Close

	if pos.Side == domain.SideLong {
		if stop := stopLossPrice(pos.EntryPrice, pos.Side, s.Ind); price <= stop {
			return closeSignal(strategy, s, pos.Side,
				fmt.Sprintf("stop loss: %.2f <= %.2f", price, stop))
		}
		if target := takeProfitPrice(pos.EntryPrice, pos.Side, s.Ind); price >= target {
			return closeSignal(strategy, s, pos.Side,
				fmt.Sprintf("take profit: %.2f >= %.2f", price, target))
		}
		if pos.HighWatermark > 0 {
			if trail := pos.HighWatermark * (1 - trailingPct); price <= trail {
				return closeSignal(strategy, s, pos.Side,
					fmt.Sprintf("trailing stop: %.2f <= %.2f (high %.2f)", price, trail, pos.HighWatermark))
			}
		}
		return nil
	}

	if stop := stopLossPrice(pos.EntryPrice, pos.Side, s.Ind); price >= stop {
		return closeSignal(strategy, s, pos.Side,
			fmt.Sprintf("stop loss: %.2f >= %.2f", price, stop))
	}
	if target := takeProfitPrice(pos.EntryPrice, pos.Side, s.Ind); price <= target {
		return closeSignal(strategy, s, pos.Side,
			fmt.Sprintf("take profit: %.2f <= %.2f", price, target))
	}
	if pos.LowWatermark > 0 {
		if trail := pos.LowWatermark * (1 + trailingPct); price >= trail {
			return closeSignal(strategy, s, pos.Side,
				fmt.Sprintf("trailing stop: %.2f >= %.2f (low %.2f)", price, trail, pos.LowWatermark))
		}
	}
	return nil
}

// baseConfirm runs the filters every strategy applies before emitting
// an entry: minimum confidence, volume participation and a volatility
// ceiling.
func baseConfirm(sig *domain.Signal, s Snapshot) (bool, string) {
	if sig.Confidence != nil && *sig.Confidence < minConfidence {
		return false, fmt.Sprintf("confidence %.2f below %.2f", *sig.Confidence, minConfidence)
	}

	if s.Ind.VolumeMA5 != nil && *s.Ind.VolumeMA5 > 0 {
		ratio := s.Bar.Volume / *s.Ind.VolumeMA5
		if ratio < minVolumeRatio {
			return false, fmt.Sprintf("volume ratio %.2f below %.2f", ratio, minVolumeRatio)
		}
	}

	if has(s.Ind.ATR14, s.Ind.MA20) && *s.Ind.MA20 > 0 {
		vol := *s.Ind.ATR14 / *s.Ind.MA20
		if vol > maxVolatility {
			return false, fmt.Sprintf("volatility %.2f%% above %.0f%%", vol*100, maxVolatility*100)
		}
	}

	return true, ""
}

// baseConfidence scores an entry from the indicator context: neutral
// RSI, a live MACD histogram and volume data each add weight.
func baseConfidence(ind domain.IndicatorRecord) float64 {
	confidence := 0.5

	if ind.RSI14 != nil {
		rsi := *ind.RSI14
		switch {
		case rsi >= 40 && rsi <= 60:
			confidence += 0.2
		case rsi >= 30 && rsi <= 70:
			confidence += 0.1
		}
	}

	if ind.MACDHist != nil && *ind.MACDHist != 0 {
		confidence += 0.1
	}

	if ind.VolumeMA5 != nil {
		confidence += 0.1
	}

	return clamp1(confidence)
}
