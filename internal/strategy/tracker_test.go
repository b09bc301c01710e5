package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
)

func newTestTracker(t *testing.T, opts ...TrackerOption) (*Tracker, *[]domain.Signal) {
	t.Helper()

	strat, err := NewDualMA(5, 20)
	require.NoError(t, err)

	b := bus.New(bus.Options{}, zerolog.Nop())
	t.Cleanup(b.Close)

	var got []domain.Signal
	opts = append(opts, WithSink(func(sig domain.Signal) { got = append(got, sig) }))

	tracker, _ := NewTracker(strat, []domain.Key{testTrackerKey()}, b, nil, zerolog.Nop(), opts...)
	return tracker, &got
}

func testTrackerKey() domain.Key {
	return domain.Key{Symbol: "BTCUSDT", Timeframe: domain.Timeframe1m, Market: domain.MarketSpot}
}

func trackerBar(ts int64, close float64) domain.Bar {
	return domain.Bar{
		Symbol: "BTCUSDT", Timeframe: domain.Timeframe1m, Market: domain.MarketSpot,
		Timestamp: ts,
		Open:      close, High: close + 1, Low: close - 1, Close: close,
		Volume: 10,
	}
}

func maInd(ts int64, ma5, ma20 float64) domain.IndicatorRecord {
	ind := healthyInd(ts)
	ind.MA5 = f(ma5)
	ind.MA20 = f(ma20)
	return ind
}

func TestTrackerFullCycle(t *testing.T) {
	tracker, got := newTestTracker(t)
	ctx := context.Background()

	// First aligned pair only fills the state, no previous record yet
	tracker.OnIndicator(ctx, maInd(60, 99, 100))
	tracker.OnBar(ctx, trackerBar(60, 100))
	assert.Empty(t, *got)

	// Golden cross between bar 1 and bar 2 opens a long
	tracker.OnIndicator(ctx, maInd(120, 101, 100))
	tracker.OnBar(ctx, trackerBar(120, 100))

	require.Len(t, *got, 1)
	assert.Equal(t, domain.OpenLong, (*got)[0].Kind)

	pos, ok := tracker.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, domain.SideLong, pos.Side)
	assert.Equal(t, 100.0, pos.EntryPrice)

	// Death cross closes it
	tracker.OnIndicator(ctx, maInd(180, 99, 100))
	tracker.OnBar(ctx, trackerBar(180, 100))

	require.Len(t, *got, 2)
	assert.Equal(t, domain.CloseLong, (*got)[1].Kind)
	_, ok = tracker.Position("BTCUSDT")
	assert.False(t, ok)
}

func TestTrackerRequiresAlignedTimestamps(t *testing.T) {
	tracker, got := newTestTracker(t)
	ctx := context.Background()

	tracker.OnIndicator(ctx, maInd(60, 99, 100))
	tracker.OnIndicator(ctx, maInd(120, 101, 100))

	// The cached bar is one interval behind the indicator
	tracker.OnBar(ctx, trackerBar(60, 100))
	assert.Empty(t, *got)

	// Alignment arrives, the entry fires
	tracker.OnBar(ctx, trackerBar(120, 100))
	assert.Len(t, *got, 1)
}

func TestTrackerWatermarksWidenWhilePositioned(t *testing.T) {
	tracker, got := newTestTracker(t)
	ctx := context.Background()

	tracker.OnIndicator(ctx, maInd(60, 99, 100))
	tracker.OnBar(ctx, trackerBar(60, 100))
	tracker.OnIndicator(ctx, maInd(120, 101, 100))
	tracker.OnBar(ctx, trackerBar(120, 100))
	require.Len(t, *got, 1)

	// A higher bar with no exit condition widens the high watermark
	tracker.OnIndicator(ctx, maInd(180, 102, 100))
	tracker.OnBar(ctx, trackerBar(180, 103))

	pos, ok := tracker.Position("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 104.0, pos.HighWatermark)
	assert.Equal(t, 99.0, pos.LowWatermark)
}

type failingEnhancer struct{ err error }

func (e *failingEnhancer) Enhance(context.Context, *domain.Signal, Snapshot) (*domain.Enhancement, error) {
	if e.err != nil {
		return nil, e.err
	}
	return &domain.Enhancement{Enhanced: true, Model: "test-model", Confidence: 0.8}, nil
}

func TestTrackerEnhancerFailureTolerated(t *testing.T) {
	tracker, got := newTestTracker(t, WithEnhancer(&failingEnhancer{err: errors.New("model down")}))
	ctx := context.Background()

	tracker.OnIndicator(ctx, maInd(60, 99, 100))
	tracker.OnBar(ctx, trackerBar(60, 100))
	tracker.OnIndicator(ctx, maInd(120, 101, 100))
	tracker.OnBar(ctx, trackerBar(120, 100))

	require.Len(t, *got, 1)
	assert.Nil(t, (*got)[0].Enhance)
}

func TestTrackerEnhancerAnnotates(t *testing.T) {
	tracker, got := newTestTracker(t, WithEnhancer(&failingEnhancer{}))
	ctx := context.Background()

	tracker.OnIndicator(ctx, maInd(60, 99, 100))
	tracker.OnBar(ctx, trackerBar(60, 100))
	tracker.OnIndicator(ctx, maInd(120, 101, 100))
	tracker.OnBar(ctx, trackerBar(120, 100))

	require.Len(t, *got, 1)
	require.NotNil(t, (*got)[0].Enhance)
	assert.Equal(t, "test-model", (*got)[0].Enhance.Model)
}

func TestTrackerRejectsUnexpectedPayload(t *testing.T) {
	tracker, _ := newTestTracker(t)
	err := tracker.Process(context.Background(), "bar.x", "not a bar")
	assert.Error(t, err)
}
