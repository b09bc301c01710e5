package strategy

import (
	"fmt"

	"github.com/aristath/quantd/internal/domain"
)

// DualMA trades moving-average crossovers: a golden cross of the fast
// MA over the slow MA opens long, a death cross opens short, and a
// reverse cross closes the position.
type DualMA struct {
	fast int
	slow int
}

// NewDualMA creates the strategy. Periods must map to computed MAs
// (5, 10, 20, 60, 120) with fast < slow.
func NewDualMA(fast, slow int) (*DualMA, error) {
	if !knownMAPeriod(fast) {
		return nil, fmt.Errorf("unsupported fast period %d", fast)
	}
	if !knownMAPeriod(slow) {
		return nil, fmt.Errorf("unsupported slow period %d", slow)
	}
	if fast >= slow {
		return nil, fmt.Errorf("fast period %d must be below slow period %d", fast, slow)
	}
	return &DualMA{fast: fast, slow: slow}, nil
}

func (d *DualMA) Name() string { return "dual_ma" }

func knownMAPeriod(n int) bool {
	switch n {
	case 5, 10, 20, 60, 120:
		return true
	}
	return false
}

func maPeriod(ind domain.IndicatorRecord, n int) *float64 {
	switch n {
	case 5:
		return ind.MA5
	case 10:
		return ind.MA10
	case 20:
		return ind.MA20
	case 60:
		return ind.MA60
	case 120:
		return ind.MA120
	}
	return nil
}

func (d *DualMA) values(s Snapshot) (fastCur, slowCur, fastPrev, slowPrev float64, ok bool) {
	if s.Prev == nil {
		return 0, 0, 0, 0, false
	}
	fc, sc := maPeriod(s.Ind, d.fast), maPeriod(s.Ind, d.slow)
	fp, sp := maPeriod(*s.Prev, d.fast), maPeriod(*s.Prev, d.slow)
	if !has(fc, sc, fp, sp) {
		return 0, 0, 0, 0, false
	}
	return *fc, *sc, *fp, *sp, true
}

// CheckEntry detects golden and death crosses
func (d *DualMA) CheckEntry(s Snapshot) *domain.Signal {
	fastCur, slowCur, fastPrev, slowPrev, ok := d.values(s)
	if !ok {
		return nil
	}

	goldenCross := fastPrev <= slowPrev && fastCur > slowCur
	deathCross := fastPrev >= slowPrev && fastCur < slowCur
	if !goldenCross && !deathCross {
		return nil
	}

	strength := (fastCur - slowCur) / slowCur * 100
	confidence := baseConfidence(s.Ind)
	if strength > 1.0 || strength < -1.0 {
		confidence += 0.1
	}

	if goldenCross {
		return openSignal(d.Name(), s, domain.OpenLong,
			fmt.Sprintf("golden cross: MA%d(%.2f) > MA%d(%.2f), strength %.2f%%",
				d.fast, fastCur, d.slow, slowCur, strength),
			confidence)
	}
	return openSignal(d.Name(), s, domain.OpenShort,
		fmt.Sprintf("death cross: MA%d(%.2f) < MA%d(%.2f), strength %.2f%%",
			d.fast, fastCur, d.slow, slowCur, strength),
		confidence)
}

// CheckExit closes on the shared exit ladder or a reverse cross
func (d *DualMA) CheckExit(s Snapshot, pos *domain.Position) *domain.Signal {
	if sig := defaultExit(d.Name(), s, pos); sig != nil {
		return sig
	}

	fastCur, slowCur, fastPrev, slowPrev, ok := d.values(s)
	if !ok {
		return nil
	}

	if pos.Side == domain.SideLong && fastPrev >= slowPrev && fastCur < slowCur {
		return closeSignal(d.Name(), s, pos.Side,
			fmt.Sprintf("death cross: MA%d(%.2f) < MA%d(%.2f)", d.fast, fastCur, d.slow, slowCur))
	}
	if pos.Side == domain.SideShort && fastPrev <= slowPrev && fastCur > slowCur {
		return closeSignal(d.Name(), s, pos.Side,
			fmt.Sprintf("golden cross: MA%d(%.2f) > MA%d(%.2f)", d.fast, fastCur, d.slow, slowCur))
	}
	return nil
}

// Confirm tightens the shared volatility ceiling to 8%
func (d *DualMA) Confirm(sig *domain.Signal, s Snapshot) (bool, string) {
	if ok, reason := baseConfirm(sig, s); !ok {
		return false, reason
	}

	if has(s.Ind.ATR14, s.Ind.MA20) && *s.Ind.MA20 > 0 {
		if vol := *s.Ind.ATR14 / *s.Ind.MA20; vol > 0.08 {
			return false, fmt.Sprintf("volatility %.2f%% above 8%%", vol*100)
		}
	}
	return true, ""
}
