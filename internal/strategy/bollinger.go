package strategy

import (
	"fmt"
	"math"

	"github.com/aristath/quantd/internal/domain"
)

// BollingerBounce trades mean reversion off the Bollinger bands: a
// bounce from the lower band opens long, a pullback from the upper band
// opens short, and the position exits at the middle band or the
// opposite band.
type BollingerBounce struct {
	touchThreshold float64 // band proximity as a fraction of the band price
}

// NewBollingerBounce creates the strategy. touchThreshold is the
// fraction of the band price that counts as a touch, e.g. 0.005 for
// 0.5%.
func NewBollingerBounce(touchThreshold float64) (*BollingerBounce, error) {
	if touchThreshold <= 0 || touchThreshold >= 0.1 {
		return nil, fmt.Errorf("touch threshold %.4f out of (0, 0.1)", touchThreshold)
	}
	return &BollingerBounce{touchThreshold: touchThreshold}, nil
}

func (b *BollingerBounce) Name() string { return "bollinger" }

// CheckEntry detects band touches followed by reversion
func (b *BollingerBounce) CheckEntry(s Snapshot) *domain.Signal {
	if s.Prev == nil {
		return nil
	}
	if !has(s.Ind.BollUpper, s.Ind.BollMiddle, s.Ind.BollLower, s.Prev.BollUpper, s.Prev.BollLower) {
		return nil
	}

	upper, middle, lower := *s.Ind.BollUpper, *s.Ind.BollMiddle, *s.Ind.BollLower
	price := s.Bar.Close
	width := (upper - lower) / middle * 100

	// Lower band bounce: price touched the lower band and recovered
	// above it
	if price <= lower*(1+b.touchThreshold) && price > lower {
		bounce := (price - lower) / lower * 100
		confidence := b.confidence(s.Ind)
		if bounce > 0.5 {
			confidence += 0.1
		}
		if s.Ind.RSI14 != nil && *s.Ind.RSI14 < 35 {
			confidence += 0.1
		}
		return openSignal(b.Name(), s, domain.OpenLong,
			fmt.Sprintf("lower band bounce: %.2f off %.2f, bounce +%.2f%%, width %.2f%%",
				price, lower, bounce, width),
			confidence)
	}

	// Upper band pullback: price touched the upper band and fell back
	// below it
	if price >= upper*(1-b.touchThreshold) && price < upper {
		pullback := (upper - price) / upper * 100
		confidence := b.confidence(s.Ind)
		if pullback > 0.5 {
			confidence += 0.1
		}
		if s.Ind.RSI14 != nil && *s.Ind.RSI14 > 65 {
			confidence += 0.1
		}
		return openSignal(b.Name(), s, domain.OpenShort,
			fmt.Sprintf("upper band pullback: %.2f off %.2f, pullback -%.2f%%, width %.2f%%",
				price, upper, pullback, width),
			confidence)
	}

	return nil
}

// CheckExit closes on the shared exit ladder, a middle-band touch
// (reversion complete) or an opposite-band touch (target reached)
func (b *BollingerBounce) CheckExit(s Snapshot, pos *domain.Position) *domain.Signal {
	if sig := defaultExit(b.Name(), s, pos); sig != nil {
		return sig
	}

	if !has(s.Ind.BollUpper, s.Ind.BollMiddle, s.Ind.BollLower) {
		return nil
	}
	upper, middle, lower := *s.Ind.BollUpper, *s.Ind.BollMiddle, *s.Ind.BollLower
	price := s.Bar.Close

	if math.Abs(price-middle) <= middle*0.002 {
		return closeSignal(b.Name(), s, pos.Side,
			fmt.Sprintf("price reached middle band: %.2f near %.2f", price, middle))
	}

	if pos.Side == domain.SideLong && price >= upper*(1-b.touchThreshold) {
		return closeSignal(b.Name(), s, pos.Side,
			fmt.Sprintf("price touched upper band: %.2f >= %.2f", price, upper))
	}
	if pos.Side == domain.SideShort && price <= lower*(1+b.touchThreshold) {
		return closeSignal(b.Name(), s, pos.Side,
			fmt.Sprintf("price touched lower band: %.2f <= %.2f", price, lower))
	}
	return nil
}

// Confirm rejects entries when the bands are too narrow (no edge) or
// too wide (disorderly market)
func (b *BollingerBounce) Confirm(sig *domain.Signal, s Snapshot) (bool, string) {
	if ok, reason := baseConfirm(sig, s); !ok {
		return false, reason
	}

	if has(s.Ind.BollUpper, s.Ind.BollMiddle, s.Ind.BollLower) {
		width := (*s.Ind.BollUpper - *s.Ind.BollLower) / *s.Ind.BollMiddle
		if width < 0.02 {
			return false, fmt.Sprintf("band too narrow: %.2f%%", width*100)
		}
		if width > 0.15 {
			return false, fmt.Sprintf("band too wide: %.2f%%", width*100)
		}
	}
	return true, ""
}

// confidence weighs RSI position, volume and band width
func (b *BollingerBounce) confidence(ind domain.IndicatorRecord) float64 {
	confidence := 0.5

	if ind.RSI14 != nil {
		rsi := *ind.RSI14
		switch {
		case rsi < 35, rsi > 65:
			confidence += 0.15
		case rsi >= 40 && rsi <= 60:
			confidence += 0.1
		}
	}

	if ind.VolumeMA5 != nil {
		confidence += 0.1
	}

	if has(ind.BollUpper, ind.BollMiddle, ind.BollLower) {
		width := (*ind.BollUpper - *ind.BollLower) / *ind.BollMiddle
		if width >= 0.03 && width <= 0.10 {
			confidence += 0.15
		}
	}

	return clamp1(confidence)
}
