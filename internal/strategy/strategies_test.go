package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantd/internal/domain"
)

func TestDualMAGoldenCrossEntry(t *testing.T) {
	strat, err := NewDualMA(5, 20)
	require.NoError(t, err)

	prev := healthyInd(60)
	prev.MA5 = f(99)
	prev.MA20 = f(100)
	cur := healthyInd(120)
	cur.MA5 = f(101)
	cur.MA20 = f(100)

	s := snapAt(120, 100, cur, &prev)
	sig := strat.CheckEntry(s)
	require.NotNil(t, sig)
	assert.Equal(t, domain.OpenLong, sig.Kind)
	assert.Contains(t, sig.Reason, "golden cross")

	ok, _ := strat.Confirm(sig, s)
	assert.True(t, ok)

	// No cross, no signal
	assert.Nil(t, strat.CheckEntry(snapAt(180, 100, cur, &cur)))
}

func TestDualMADeathCrossEntryAndExit(t *testing.T) {
	strat, err := NewDualMA(5, 20)
	require.NoError(t, err)

	prev := healthyInd(60)
	prev.MA5 = f(101)
	prev.MA20 = f(100)
	cur := healthyInd(120)
	cur.MA5 = f(99)
	cur.MA20 = f(100)

	s := snapAt(120, 100, cur, &prev)
	sig := strat.CheckEntry(s)
	require.NotNil(t, sig)
	assert.Equal(t, domain.OpenShort, sig.Kind)

	// The same death cross closes a held long
	exit := strat.CheckExit(s, longPosition(100))
	require.NotNil(t, exit)
	assert.Equal(t, domain.CloseLong, exit.Kind)
	assert.Contains(t, exit.Reason, "death cross")
}

func TestDualMAVolatilityCeiling(t *testing.T) {
	strat, err := NewDualMA(5, 20)
	require.NoError(t, err)

	cur := healthyInd(120)
	cur.ATR14 = f(9) // 9% of MA20

	s := snapAt(120, 100, cur, nil)
	sig := &domain.Signal{Confidence: f(0.9), Side: domain.SideLong}

	// The shared 5% ceiling trips first with ATR 9
	ok, reason := strat.Confirm(sig, s)
	assert.False(t, ok)
	assert.Contains(t, reason, "volatility")
}

func TestDualMAUnsupportedPeriods(t *testing.T) {
	_, err := NewDualMA(7, 20)
	assert.Error(t, err)
	_, err = NewDualMA(20, 5)
	assert.Error(t, err)
}

func TestMACDCrossEntries(t *testing.T) {
	strat := NewMACDCross()

	prev := healthyInd(60)
	prev.MACD = f(-0.5)
	prev.MACDSignal = f(0)
	prev.MACDHist = f(-0.5)
	cur := healthyInd(120)
	cur.MACD = f(0.5)
	cur.MACDSignal = f(0.1)
	cur.MACDHist = f(0.4)

	s := snapAt(120, 100, cur, &prev)
	sig := strat.CheckEntry(s)
	require.NotNil(t, sig)
	assert.Equal(t, domain.OpenLong, sig.Kind)
	// Base 0.9 + positive hist + growing hist + positive line, clamped
	assert.Equal(t, 1.0, *sig.Confidence)

	ok, _ := strat.Confirm(sig, s)
	assert.True(t, ok)

	// Mirror: line crossing below the signal opens short
	down := snapAt(120, 100, prev, &cur)
	down.Ind.Timestamp = 120
	sig = strat.CheckEntry(down)
	require.NotNil(t, sig)
	assert.Equal(t, domain.OpenShort, sig.Kind)
}

func TestMACDHistogramFlipExit(t *testing.T) {
	strat := NewMACDCross()

	prev := healthyInd(60)
	prev.MACD = f(0.5)
	prev.MACDSignal = f(0.2)
	prev.MACDHist = f(0.3)
	cur := healthyInd(120)
	cur.MACD = f(0.3)
	cur.MACDSignal = f(0.25)
	cur.MACDHist = f(-0.05)

	// Close stays inside the stop/target/trailing bands
	s := snapAt(120, 100, cur, &prev)
	exit := strat.CheckExit(s, longPosition(100))
	require.NotNil(t, exit)
	assert.Equal(t, domain.CloseLong, exit.Kind)
	assert.Contains(t, exit.Reason, "histogram")
}

func TestMACDWeakCrossoverRejected(t *testing.T) {
	strat := NewMACDCross()

	cur := healthyInd(120)
	cur.MACDHist = f(0.0005)

	s := snapAt(120, 100, cur, nil)
	ok, reason := strat.Confirm(&domain.Signal{Confidence: f(0.9)}, s)
	assert.False(t, ok)
	assert.Contains(t, reason, "weak crossover")
}

func TestRSIOversoldBounce(t *testing.T) {
	strat, err := NewRSIReversal(30, 70)
	require.NoError(t, err)

	prev := healthyInd(60)
	prev.RSI14 = f(25)
	cur := healthyInd(120)
	cur.RSI14 = f(33)

	s := snapAt(120, 100, cur, &prev)
	sig := strat.CheckEntry(s)
	require.NotNil(t, sig)
	assert.Equal(t, domain.OpenLong, sig.Kind)
	// Strategy confidence 0.5 + macd 0.15 + volume 0.1 + ma20 0.1,
	// plus the fast-momentum bonus (33 - 25 > 5)
	assert.InDelta(t, 1.0, *sig.Confidence, 1e-9)

	// Slow crossing gets no momentum bonus
	prev.RSI14 = f(29)
	sig = strat.CheckEntry(snapAt(120, 100, cur, &prev))
	require.NotNil(t, sig)
	assert.InDelta(t, 0.85, *sig.Confidence, 1e-9)
}

func TestRSITrendFilter(t *testing.T) {
	strat, err := NewRSIReversal(30, 70)
	require.NoError(t, err)

	cur := healthyInd(120)
	cur.MA5 = f(95)
	cur.MA20 = f(100)

	s := snapAt(120, 100, cur, nil)
	sig := &domain.Signal{Confidence: f(0.9), Side: domain.SideLong}
	ok, reason := strat.Confirm(sig, s)
	assert.False(t, ok)
	assert.Contains(t, reason, "downtrend")

	// Shorts pass in a downtrend
	sig.Side = domain.SideShort
	ok, _ = strat.Confirm(sig, s)
	assert.True(t, ok)
}

func TestRSIExtremeExit(t *testing.T) {
	strat, err := NewRSIReversal(30, 70)
	require.NoError(t, err)

	cur := healthyInd(120)
	cur.RSI14 = f(85)

	s := snapAt(120, 100, cur, nil)
	exit := strat.CheckExit(s, longPosition(100))
	require.NotNil(t, exit)
	assert.Contains(t, exit.Reason, "extreme overbought")
}

func TestBollingerLowerBandBounce(t *testing.T) {
	strat, err := NewBollingerBounce(0.005)
	require.NoError(t, err)

	prev := healthyInd(60)
	prev.BollUpper = f(106)
	prev.BollMiddle = f(103)
	prev.BollLower = f(100)
	cur := healthyInd(120)
	cur.BollUpper = f(106)
	cur.BollMiddle = f(103)
	cur.BollLower = f(100)

	// 100.3 is within 0.5% of the 100 lower band and back above it
	s := snapAt(120, 100.3, cur, &prev)
	sig := strat.CheckEntry(s)
	require.NotNil(t, sig)
	assert.Equal(t, domain.OpenLong, sig.Kind)
	assert.Contains(t, sig.Reason, "lower band bounce")

	ok, _ := strat.Confirm(sig, s)
	assert.True(t, ok)

	// Mid-band prices produce nothing
	assert.Nil(t, strat.CheckEntry(snapAt(180, 103, cur, &prev)))
}

func TestBollingerNarrowBandRejected(t *testing.T) {
	strat, err := NewBollingerBounce(0.005)
	require.NoError(t, err)

	cur := healthyInd(120)
	cur.BollUpper = f(100.5)
	cur.BollMiddle = f(100)
	cur.BollLower = f(99.5)

	s := snapAt(120, 100, cur, nil)
	ok, reason := strat.Confirm(&domain.Signal{Confidence: f(0.9)}, s)
	assert.False(t, ok)
	assert.Contains(t, reason, "narrow")
}

func TestBollingerMiddleBandExit(t *testing.T) {
	strat, err := NewBollingerBounce(0.005)
	require.NoError(t, err)

	cur := healthyInd(120)
	cur.BollUpper = f(106)
	cur.BollMiddle = f(103)
	cur.BollLower = f(100)

	s := snapAt(120, 103.1, cur, nil)
	exit := strat.CheckExit(s, longPosition(102))
	require.NotNil(t, exit)
	assert.Contains(t, exit.Reason, "middle band")
}
