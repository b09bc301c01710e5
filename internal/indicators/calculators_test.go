package indicators

import (
	"math"
	"math/rand"
	"testing"

	"github.com/markcheno/go-talib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantd/internal/domain"
)

func TestMAIncremental(t *testing.T) {
	ma := NewMA(3)
	inputs := []float64{10, 20, 30, 40, 50, 60}
	expected := []struct {
		value float64
		ok    bool
	}{
		{0, false}, {0, false}, {20, true}, {30, true}, {40, true}, {50, true},
	}

	for i, in := range inputs {
		v, ok := ma.Update(in)
		assert.Equal(t, expected[i].ok, ok, "step %d", i)
		if ok {
			assert.InDelta(t, expected[i].value, v, 1e-12, "step %d", i)
		}
	}
}

func TestMAMatchesBatchSMA(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	series := make([]float64, 300)
	price := 100.0
	for i := range series {
		price *= 1 + (rng.Float64()-0.5)*0.02
		series[i] = price
	}

	for _, period := range []int{5, 20, 60} {
		ma := NewMA(period)
		batch := talib.Sma(series, period)
		for i, v := range series {
			got, ok := ma.Update(v)
			if i < period-1 {
				assert.False(t, ok)
				continue
			}
			require.True(t, ok)
			assert.InEpsilon(t, batch[i], got, 1e-9, "period %d step %d", period, i)
		}
	}
}

func TestEMAWarmupAndRecurrence(t *testing.T) {
	const period = 12
	ema := NewEMA(period)
	alpha := 2.0 / float64(period+1)

	var expect float64
	for i := 0; i < 50; i++ {
		v := 100 + float64(i)
		got, ok := ema.Update(v)
		if i == 0 {
			expect = v
		} else {
			expect = v*alpha + expect*(1-alpha)
		}
		assert.Equal(t, i+1 >= period, ok, "step %d", i)
		assert.InEpsilon(t, expect, got, 1e-9, "step %d", i)
	}
}

func TestRSIBounds(t *testing.T) {
	rsi := NewRSI(14)

	// Strictly increasing closes: RSI defined from the second sample,
	// always within [0,100], and above 50 after step 14.
	for i := 0; i < 30; i++ {
		close := 100.0 + float64(i)
		v, ok := rsi.Update(close)
		if i == 0 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok, "step %d", i)
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
		if i >= 14 {
			assert.Greater(t, v, 50.0, "step %d", i)
		}
	}

	// All gains, no losses: RSI pegs at 100
	up := NewRSI(14)
	var last float64
	for i := 0; i < 20; i++ {
		last, _ = up.Update(float64(10 + i))
	}
	assert.Equal(t, 100.0, last)
}

func TestMACDMatchesBatchRecurrence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	series := make([]float64, 200)
	price := 50.0
	for i := range series {
		price *= 1 + (rng.Float64()-0.5)*0.03
		series[i] = price
	}

	macd := NewMACD(12, 26, 9)

	// Direct batch recurrence over the same seeding rule
	aFast := 2.0 / 13.0
	aSlow := 2.0 / 27.0
	aSig := 2.0 / 10.0
	var fast, slow, sig float64
	for i, v := range series {
		if i == 0 {
			fast, slow = v, v
		} else {
			fast = v*aFast + fast*(1-aFast)
			slow = v*aSlow + slow*(1-aSlow)
		}
		line := fast - slow
		if i == 0 {
			sig = line
		} else {
			sig = line*aSig + sig*(1-aSig)
		}

		gotLine, gotSig, gotHist, ok := macd.Update(v)
		assert.Equal(t, i+1 >= 35, ok, "step %d", i)
		assert.InDelta(t, line, gotLine, math.Abs(line)*1e-6+1e-9, "line step %d", i)
		assert.InDelta(t, sig, gotSig, math.Abs(sig)*1e-6+1e-9, "signal step %d", i)
		assert.InDelta(t, line-sig, gotHist, math.Abs(line-sig)*1e-6+1e-9, "hist step %d", i)
	}
}

func TestBollingerMatchesBatchAndVarianceNonNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	series := make([]float64, 250)
	price := 30000.0
	for i := range series {
		price *= 1 + (rng.Float64()-0.5)*0.01
		series[i] = price
	}

	const period = 20
	boll := NewBollinger(period, 2.0)
	middleOracle := talib.Sma(series, period)

	for i, v := range series {
		upper, middle, lower, ok := boll.Update(v)
		assert.GreaterOrEqual(t, boll.Variance(), 0.0, "step %d", i)
		if i < period-1 {
			assert.False(t, ok)
			continue
		}
		require.True(t, ok)
		assert.InEpsilon(t, middleOracle[i], middle, 1e-9, "middle step %d", i)

		// Population stddev over the window, computed directly
		var sum float64
		for _, w := range series[i-period+1 : i+1] {
			sum += w
		}
		mean := sum / period
		var variance float64
		for _, w := range series[i-period+1 : i+1] {
			variance += (w - mean) * (w - mean)
		}
		variance /= period
		std := math.Sqrt(variance)
		assert.InDelta(t, mean+2*std, upper, math.Abs(upper)*1e-6, "upper step %d", i)
		assert.InDelta(t, mean-2*std, lower, math.Abs(lower)*1e-6, "lower step %d", i)
	}
}

func TestBollingerConstantSeries(t *testing.T) {
	// A flat series drives Σx²/n − mean² to tiny negatives; the clamp
	// must keep variance at exactly zero and the bands collapsed.
	boll := NewBollinger(20, 2.0)
	for i := 0; i < 40; i++ {
		upper, middle, lower, ok := boll.Update(1234.5678)
		assert.GreaterOrEqual(t, boll.Variance(), 0.0)
		if ok {
			assert.InDelta(t, middle, upper, 1e-6)
			assert.InDelta(t, middle, lower, 1e-6)
		}
	}
}

func TestATRFirstBarAndRecurrence(t *testing.T) {
	atr := NewATR(14)

	// First bar: TR = high − low, smoothed value equals it
	v, ok := atr.Update(110, 90, 100)
	require.True(t, ok)
	assert.InDelta(t, 20.0, v, 1e-12)

	// Second bar with a gap above the previous close
	v, ok = atr.Update(130, 120, 125)
	require.True(t, ok)
	// TR = max(10, |130-100|, |120-100|) = 30
	alpha := 2.0 / 15.0
	assert.InDelta(t, 30*alpha+20*(1-alpha), v, 1e-9)

	assert.GreaterOrEqual(t, v, 0.0)
}

func TestNonFiniteInputEmitsAbsent(t *testing.T) {
	ma := NewMA(2)
	_, ok := ma.Update(math.NaN())
	assert.False(t, ok)

	// The calculator keeps working afterwards
	_, ok = ma.Update(10)
	assert.False(t, ok)
	v, ok := ma.Update(20)
	require.True(t, ok)
	assert.InDelta(t, 15.0, v, 1e-12)

	rsi := NewRSI(14)
	_, ok = rsi.Update(math.Inf(1))
	assert.False(t, ok)

	atr := NewATR(14)
	_, ok = atr.Update(math.NaN(), 1, 2)
	assert.False(t, ok)
}

func TestSetComposesRecord(t *testing.T) {
	key := domain.Key{Symbol: "BTCUSDT", Timeframe: domain.Timeframe1m, Market: domain.MarketSpot}
	set := NewSet(key)

	var rec domain.IndicatorRecord
	ts := int64(1700000000)
	price := 100.0
	rng := rand.New(rand.NewSource(99))
	for i := 0; i < WarmupBars+10; i++ {
		price *= 1 + (rng.Float64()-0.5)*0.01
		rec = set.Update(domain.Bar{
			Symbol: "BTCUSDT", Timeframe: domain.Timeframe1m, Market: domain.MarketSpot,
			Timestamp: ts + int64(i)*60,
			Open:      price, High: price * 1.01, Low: price * 0.99, Close: price,
			Volume: 10 + rng.Float64(),
		})
	}

	assert.Equal(t, WarmupBars+10, set.UpdateCount())
	assert.Equal(t, Version, rec.EngineVersion)

	// After 130 bars every calculator in the default set is warm
	require.NotNil(t, rec.MA120)
	require.NotNil(t, rec.EMA26)
	require.NotNil(t, rec.RSI14)
	require.NotNil(t, rec.MACD)
	require.NotNil(t, rec.BollMiddle)
	require.NotNil(t, rec.ATR14)
	require.NotNil(t, rec.VolumeMA5)

	assert.GreaterOrEqual(t, *rec.RSI14, 0.0)
	assert.LessOrEqual(t, *rec.RSI14, 100.0)
	assert.LessOrEqual(t, *rec.BollLower, *rec.BollMiddle)
	assert.LessOrEqual(t, *rec.BollMiddle, *rec.BollUpper)
}

func TestMajorCompatible(t *testing.T) {
	assert.True(t, MajorCompatible("2.1.0", "2.3.7"))
	assert.False(t, MajorCompatible("2.1.0", "1.9.0"))
	assert.True(t, MajorCompatible("", "2.1.0"))
	assert.True(t, MajorCompatible("2.1.0", Version))
}
