package strategy

import (
	"fmt"
	"math"

	"github.com/aristath/quantd/internal/domain"
)

// RSIReversal trades oversold bounces and overbought pullbacks: RSI
// crossing up out of the oversold zone opens long, crossing down out of
// the overbought zone opens short.
type RSIReversal struct {
	oversold   float64
	overbought float64
}

// NewRSIReversal creates the strategy with the given zone thresholds
func NewRSIReversal(oversold, overbought float64) (*RSIReversal, error) {
	if oversold >= overbought {
		return nil, fmt.Errorf("oversold %.0f must be below overbought %.0f", oversold, overbought)
	}
	return &RSIReversal{oversold: oversold, overbought: overbought}, nil
}

func (r *RSIReversal) Name() string { return "rsi" }

// CheckEntry detects zone-boundary crossings
func (r *RSIReversal) CheckEntry(s Snapshot) *domain.Signal {
	if s.Prev == nil || !has(s.Ind.RSI14, s.Prev.RSI14) {
		return nil
	}
	cur, prev := *s.Ind.RSI14, *s.Prev.RSI14

	// Oversold bounce: RSI crosses back above the oversold threshold
	if prev <= r.oversold && cur > r.oversold {
		confidence := r.confidence(s.Ind)
		momentum := cur - prev
		if momentum > 5 {
			confidence += 0.15
		}
		return openSignal(r.Name(), s, domain.OpenLong,
			fmt.Sprintf("RSI oversold bounce: %.1f crossed above %.0f, momentum +%.1f", cur, r.oversold, momentum),
			confidence)
	}

	// Overbought pullback: RSI crosses back below the overbought threshold
	if prev >= r.overbought && cur < r.overbought {
		confidence := r.confidence(s.Ind)
		momentum := prev - cur
		if momentum > 5 {
			confidence += 0.15
		}
		return openSignal(r.Name(), s, domain.OpenShort,
			fmt.Sprintf("RSI overbought pullback: %.1f crossed below %.0f, momentum -%.1f", cur, r.overbought, momentum),
			confidence)
	}

	return nil
}

// CheckExit closes on the shared exit ladder or an extreme RSI reading
func (r *RSIReversal) CheckExit(s Snapshot, pos *domain.Position) *domain.Signal {
	if sig := defaultExit(r.Name(), s, pos); sig != nil {
		return sig
	}

	if s.Ind.RSI14 == nil {
		return nil
	}
	cur := *s.Ind.RSI14

	if pos.Side == domain.SideLong && cur > 80 {
		return closeSignal(r.Name(), s, pos.Side,
			fmt.Sprintf("RSI extreme overbought: %.1f > 80", cur))
	}
	if pos.Side == domain.SideShort && cur < 20 {
		return closeSignal(r.Name(), s, pos.Side,
			fmt.Sprintf("RSI extreme oversold: %.1f < 20", cur))
	}
	return nil
}

// Confirm adds a trend filter on top of the shared checks: no longs in
// a downtrend, no shorts in an uptrend
func (r *RSIReversal) Confirm(sig *domain.Signal, s Snapshot) (bool, string) {
	if ok, reason := baseConfirm(sig, s); !ok {
		return false, reason
	}

	if has(s.Ind.MA5, s.Ind.MA20) {
		uptrend := *s.Ind.MA5 > *s.Ind.MA20
		if sig.Side == domain.SideLong && !uptrend {
			return false, fmt.Sprintf("downtrend: MA5 %.2f <= MA20 %.2f", *s.Ind.MA5, *s.Ind.MA20)
		}
		if sig.Side == domain.SideShort && uptrend {
			return false, fmt.Sprintf("uptrend: MA5 %.2f > MA20 %.2f", *s.Ind.MA5, *s.Ind.MA20)
		}
	}
	return true, ""
}

// confidence weighs MACD trend, volume and MA context
func (r *RSIReversal) confidence(ind domain.IndicatorRecord) float64 {
	confidence := 0.5
	if ind.MACDHist != nil && math.Abs(*ind.MACDHist) > 0.01 {
		confidence += 0.15
	}
	if ind.VolumeMA5 != nil {
		confidence += 0.1
	}
	if ind.MA20 != nil {
		confidence += 0.1
	}
	return clamp1(confidence)
}
