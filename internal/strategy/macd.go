package strategy

import (
	"fmt"
	"math"

	"github.com/aristath/quantd/internal/domain"
)

// minHistStrength rejects crossovers where the histogram barely moved
const minHistStrength = 0.001

// MACDCross trades MACD line and signal line crossovers, with exits on
// reverse crosses and histogram sign flips.
type MACDCross struct{}

// NewMACDCross creates the strategy over the standard 12/26/9 MACD
func NewMACDCross() *MACDCross { return &MACDCross{} }

func (m *MACDCross) Name() string { return "macd" }

func macdValues(s Snapshot) (line, signal, hist, prevLine, prevSignal, prevHist float64, ok bool) {
	if s.Prev == nil {
		return 0, 0, 0, 0, 0, 0, false
	}
	if !has(s.Ind.MACD, s.Ind.MACDSignal, s.Ind.MACDHist,
		s.Prev.MACD, s.Prev.MACDSignal, s.Prev.MACDHist) {
		return 0, 0, 0, 0, 0, 0, false
	}
	return *s.Ind.MACD, *s.Ind.MACDSignal, *s.Ind.MACDHist,
		*s.Prev.MACD, *s.Prev.MACDSignal, *s.Prev.MACDHist, true
}

// CheckEntry detects line/signal crossovers
func (m *MACDCross) CheckEntry(s Snapshot) *domain.Signal {
	line, signal, hist, prevLine, prevSignal, prevHist, ok := macdValues(s)
	if !ok {
		return nil
	}

	// Golden cross: MACD line crosses above the signal line
	if prevLine <= prevSignal && line > signal {
		confidence := baseConfidence(s.Ind)
		if hist > 0 {
			confidence += 0.1
		}
		if hist > prevHist {
			confidence += 0.05
		}
		if line > 0 {
			confidence += 0.05
		}
		return openSignal(m.Name(), s, domain.OpenLong,
			fmt.Sprintf("MACD golden cross: line(%.4f) > signal(%.4f), hist %.4f", line, signal, hist),
			confidence)
	}

	// Death cross: MACD line crosses below the signal line
	if prevLine >= prevSignal && line < signal {
		confidence := baseConfidence(s.Ind)
		if hist < 0 {
			confidence += 0.1
		}
		if hist < prevHist {
			confidence += 0.05
		}
		if line < 0 {
			confidence += 0.05
		}
		return openSignal(m.Name(), s, domain.OpenShort,
			fmt.Sprintf("MACD death cross: line(%.4f) < signal(%.4f), hist %.4f", line, signal, hist),
			confidence)
	}

	return nil
}

// CheckExit closes on the shared exit ladder, a reverse cross or a
// histogram sign flip
func (m *MACDCross) CheckExit(s Snapshot, pos *domain.Position) *domain.Signal {
	if sig := defaultExit(m.Name(), s, pos); sig != nil {
		return sig
	}

	line, signal, hist, prevLine, prevSignal, prevHist, ok := macdValues(s)
	if !ok {
		return nil
	}

	if pos.Side == domain.SideLong {
		if prevLine >= prevSignal && line < signal {
			return closeSignal(m.Name(), s, pos.Side,
				fmt.Sprintf("MACD death cross: line(%.4f) < signal(%.4f)", line, signal))
		}
		if prevHist > 0 && hist < 0 {
			return closeSignal(m.Name(), s, pos.Side,
				fmt.Sprintf("MACD histogram flipped negative: %.4f -> %.4f", prevHist, hist))
		}
		return nil
	}

	if prevLine <= prevSignal && line > signal {
		return closeSignal(m.Name(), s, pos.Side,
			fmt.Sprintf("MACD golden cross: line(%.4f) > signal(%.4f)", line, signal))
	}
	if prevHist < 0 && hist > 0 {
		return closeSignal(m.Name(), s, pos.Side,
			fmt.Sprintf("MACD histogram flipped positive: %.4f -> %.4f", prevHist, hist))
	}
	return nil
}

// Confirm rejects weak crossovers on top of the shared filters
func (m *MACDCross) Confirm(sig *domain.Signal, s Snapshot) (bool, string) {
	if ok, reason := baseConfirm(sig, s); !ok {
		return false, reason
	}

	if s.Ind.MACDHist != nil && math.Abs(*s.Ind.MACDHist) < minHistStrength {
		return false, fmt.Sprintf("weak crossover: |hist| %.5f below %.3f", math.Abs(*s.Ind.MACDHist), minHistStrength)
	}
	return true, ""
}
