// Package indicators implements the incremental indicator engine.
// Every calculator accepts one new value and returns the updated
// indicator in O(1) time without rescanning history.
package indicators

import (
	"math"
	"strings"

	"github.com/aristath/quantd/internal/domain"
)

// Version of the indicator engine. Persisted alongside computed values;
// readers refuse to mix records across major versions.
const Version = "2.1.0"

// WarmupBars is how many historical bars a fresh calculator set is fed
// before going live. Covers the largest warmup+period in the default set.
const WarmupBars = 120

// MajorCompatible reports whether two engine version strings share the
// same major component
func MajorCompatible(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	majorOf := func(v string) string {
		if i := strings.IndexByte(v, '.'); i >= 0 {
			return v[:i]
		}
		return v
	}
	return majorOf(a) == majorOf(b)
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MA is a simple moving average over a fixed window, maintained with a
// ring buffer and a running sum
type MA struct {
	period int
	buf    []float64
	head   int
	size   int
	sum    float64
}

// NewMA creates an MA calculator over period samples
func NewMA(period int) *MA {
	return &MA{period: period, buf: make([]float64, period)}
}

// Update feeds one value. ok is false until the window is full or when
// the input is not finite.
func (m *MA) Update(v float64) (float64, bool) {
	if !finite(v) {
		return 0, false
	}
	if m.size == m.period {
		m.sum -= m.buf[m.head]
		m.buf[m.head] = v
		m.head = (m.head + 1) % m.period
	} else {
		m.buf[(m.head+m.size)%m.period] = v
		m.size++
	}
	m.sum += v
	if m.size < m.period {
		return 0, false
	}
	return m.sum / float64(m.period), true
}

// Ready reports whether the window is full
func (m *MA) Ready() bool { return m.size >= m.period }

// EMA is an exponential moving average with alpha = 2/(period+1),
// seeded from the first sample. The raw value is available immediately
// for composite calculators; ok gates emission until period samples
// have been seen.
type EMA struct {
	period int
	alpha  float64
	value  float64
	count  int
}

// NewEMA creates an EMA calculator
func NewEMA(period int) *EMA {
	return &EMA{period: period, alpha: 2.0 / float64(period+1)}
}

// Update feeds one value and returns the smoothed value. ok is false
// during warm-up (< period samples) and for non-finite input.
func (e *EMA) Update(v float64) (float64, bool) {
	if !finite(v) {
		return e.value, false
	}
	if e.count == 0 {
		e.value = v
	} else {
		e.value = v*e.alpha + e.value*(1-e.alpha)
	}
	e.count++
	return e.value, e.count >= e.period
}

// Value returns the current raw EMA without warm-up gating
func (e *EMA) Value() float64 { return e.value }

// Ready reports whether the warm-up gate has passed
func (e *EMA) Ready() bool { return e.count >= e.period }

// RSI maintains EMA-smoothed average gain and loss
type RSI struct {
	prev    float64
	hasPrev bool
	avgGain *EMA
	avgLoss *EMA
}

// NewRSI creates an RSI calculator
func NewRSI(period int) *RSI {
	return &RSI{avgGain: NewEMA(period), avgLoss: NewEMA(period)}
}

// Update feeds one close. The first sample only seeds the delta chain.
// The result is bounds-checked to [0, 100].
func (r *RSI) Update(close float64) (float64, bool) {
	if !finite(close) {
		return 0, false
	}
	if !r.hasPrev {
		r.prev = close
		r.hasPrev = true
		return 0, false
	}

	change := close - r.prev
	r.prev = close

	gain, _ := r.avgGain.Update(math.Max(change, 0))
	loss, _ := r.avgLoss.Update(math.Max(-change, 0))

	var rsi float64
	if loss == 0 {
		rsi = 100.0
	} else {
		rs := gain / loss
		rsi = 100.0 - 100.0/(1.0+rs)
	}

	if rsi < 0 || rsi > 100 {
		return 0, false
	}
	return rsi, true
}

// MACD derives line, signal and histogram from two price EMAs and an
// EMA of their difference
type MACD struct {
	fast   *EMA
	slow   *EMA
	signal *EMA
	warmup int
	count  int
}

// NewMACD creates a MACD calculator. Warm-up is slow + signal samples.
func NewMACD(fastPeriod, slowPeriod, signalPeriod int) *MACD {
	return &MACD{
		fast:   NewEMA(fastPeriod),
		slow:   NewEMA(slowPeriod),
		signal: NewEMA(signalPeriod),
		warmup: slowPeriod + signalPeriod,
	}
}

// Update feeds one close and returns (line, signal, histogram)
func (m *MACD) Update(close float64) (line, signal, hist float64, ok bool) {
	if !finite(close) {
		return 0, 0, 0, false
	}
	fast, _ := m.fast.Update(close)
	slow, _ := m.slow.Update(close)
	line = fast - slow
	signal, _ = m.signal.Update(line)
	hist = line - signal
	m.count++
	return line, signal, hist, m.count >= m.warmup
}

// Bollinger maintains running sum and sum-of-squares over the window.
// Variance is clamped at zero against floating-point drift.
type Bollinger struct {
	period int
	nbdev  float64
	buf    []float64
	head   int
	size   int
	sum    float64
	sumSq  float64
}

// NewBollinger creates a Bollinger band calculator
func NewBollinger(period int, nbdev float64) *Bollinger {
	return &Bollinger{period: period, nbdev: nbdev, buf: make([]float64, period)}
}

// Update feeds one close and returns (upper, middle, lower)
func (b *Bollinger) Update(v float64) (upper, middle, lower float64, ok bool) {
	if !finite(v) {
		return 0, 0, 0, false
	}
	if b.size == b.period {
		old := b.buf[b.head]
		b.sum -= old
		b.sumSq -= old * old
		b.buf[b.head] = v
		b.head = (b.head + 1) % b.period
	} else {
		b.buf[(b.head+b.size)%b.period] = v
		b.size++
	}
	b.sum += v
	b.sumSq += v * v

	if b.size < b.period {
		return 0, 0, 0, false
	}

	n := float64(b.period)
	mean := b.sum / n
	// Clamp tiny negative drift before the square root
	variance := math.Max(0, b.sumSq/n-mean*mean)
	std := math.Sqrt(variance)

	middle = mean
	upper = middle + b.nbdev*std
	lower = middle - b.nbdev*std
	return upper, middle, lower, true
}

// Variance exposes the clamped variance for the current window, used by
// invariant tests
func (b *Bollinger) Variance() float64 {
	if b.size < b.period {
		return 0
	}
	n := float64(b.period)
	mean := b.sum / n
	return math.Max(0, b.sumSq/n-mean*mean)
}

// ATR smooths the true range with an EMA. The first bar uses
// TR = high − low since there is no previous close.
type ATR struct {
	prevClose float64
	hasPrev   bool
	trEMA     *EMA
}

// NewATR creates an ATR calculator
func NewATR(period int) *ATR {
	return &ATR{trEMA: NewEMA(period)}
}

// Update feeds one bar's high, low and close. The result is
// bounds-checked to be non-negative.
func (a *ATR) Update(high, low, close float64) (float64, bool) {
	if !finite(high, low, close) {
		return 0, false
	}
	var tr float64
	if !a.hasPrev {
		tr = high - low
	} else {
		tr = math.Max(high-low, math.Max(math.Abs(high-a.prevClose), math.Abs(low-a.prevClose)))
	}
	a.prevClose = close
	a.hasPrev = true

	atr, _ := a.trEMA.Update(tr)
	if atr < 0 {
		return 0, false
	}
	return atr, true
}

// Set bundles the default calculators for one series key. Each key
// owns exactly one set; state is never shared across keys.
type Set struct {
	key domain.Key

	ma5   *MA
	ma10  *MA
	ma20  *MA
	ma60  *MA
	ma120 *MA

	ema12 *EMA
	ema26 *EMA

	rsi14 *RSI
	macd  *MACD
	boll  *Bollinger
	atr14 *ATR

	volumeMA5 *MA

	updateCount int
}

// NewSet creates the default calculator set for a key
func NewSet(key domain.Key) *Set {
	return &Set{
		key:       key,
		ma5:       NewMA(5),
		ma10:      NewMA(10),
		ma20:      NewMA(20),
		ma60:      NewMA(60),
		ma120:     NewMA(120),
		ema12:     NewEMA(12),
		ema26:     NewEMA(26),
		rsi14:     NewRSI(14),
		macd:      NewMACD(12, 26, 9),
		boll:      NewBollinger(20, 2.0),
		atr14:     NewATR(14),
		volumeMA5: NewMA(5),
	}
}

func opt(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	out := v
	return &out
}

// Update feeds one bar through every calculator and composes the
// resulting indicator record. Absent values stay nil.
func (s *Set) Update(bar domain.Bar) domain.IndicatorRecord {
	s.updateCount++

	rec := domain.IndicatorRecord{
		Symbol:        bar.Symbol,
		Timeframe:     bar.Timeframe,
		Market:        bar.Market,
		Timestamp:     bar.Timestamp,
		EngineVersion: Version,
	}

	rec.MA5 = opt(s.ma5.Update(bar.Close))
	rec.MA10 = opt(s.ma10.Update(bar.Close))
	rec.MA20 = opt(s.ma20.Update(bar.Close))
	rec.MA60 = opt(s.ma60.Update(bar.Close))
	rec.MA120 = opt(s.ma120.Update(bar.Close))

	rec.EMA12 = opt(s.ema12.Update(bar.Close))
	rec.EMA26 = opt(s.ema26.Update(bar.Close))

	rec.RSI14 = opt(s.rsi14.Update(bar.Close))

	line, signal, hist, ok := s.macd.Update(bar.Close)
	rec.MACD = opt(line, ok)
	rec.MACDSignal = opt(signal, ok)
	rec.MACDHist = opt(hist, ok)

	upper, middle, lower, ok := s.boll.Update(bar.Close)
	rec.BollUpper = opt(upper, ok)
	rec.BollMiddle = opt(middle, ok)
	rec.BollLower = opt(lower, ok)

	rec.ATR14 = opt(s.atr14.Update(bar.High, bar.Low, bar.Close))

	rec.VolumeMA5 = opt(s.volumeMA5.Update(bar.Volume))

	return rec
}

// UpdateCount returns how many bars the set has consumed
func (s *Set) UpdateCount() int { return s.updateCount }
