package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeDuration(t *testing.T) {
	d, err := Timeframe1h.Duration()
	require.NoError(t, err)
	assert.Equal(t, time.Hour, d)

	_, err = Timeframe("7m").Duration()
	assert.Error(t, err)

	assert.Equal(t, int64(60), Timeframe1m.Seconds())
	assert.Equal(t, int64(0), Timeframe("bogus").Seconds())
}

func TestBarValidate(t *testing.T) {
	bar := Bar{
		Symbol:    "BTCUSDT",
		Timeframe: Timeframe1m,
		Market:    MarketSpot,
		Timestamp: 1700000000,
		Open:      100, High: 110, Low: 95, Close: 105,
		Volume: 12.5,
	}
	assert.NoError(t, bar.Validate())

	bad := bar
	bad.Low = 108 // above open
	assert.Error(t, bad.Validate())

	bad = bar
	bad.Market = "margin"
	assert.Error(t, bad.Validate())
}

func TestSignalKindCoherence(t *testing.T) {
	assert.Equal(t, SideLong, OpenLong.Side())
	assert.Equal(t, ActionOpen, OpenShort.Action())
	assert.Equal(t, ActionClose, CloseLong.Action())
	assert.Equal(t, SideShort, CloseShort.Side())

	sig := Signal{
		Strategy: "dual_ma", Symbol: "BTCUSDT", Timestamp: 1700000000,
		Price: 50000, Kind: OpenLong, Side: SideLong, Action: ActionOpen,
	}
	assert.NoError(t, sig.Validate())

	sig.Side = SideShort
	assert.Error(t, sig.Validate())
}

func TestPositionWatermarksAndPnL(t *testing.T) {
	pos := Position{
		Side: SideLong, Quantity: 2, EntryPrice: 100,
		HighWatermark: 100, LowWatermark: 100,
	}
	pos.UpdateWatermarks(120, 90)
	assert.Equal(t, 120.0, pos.HighWatermark)
	assert.Equal(t, 90.0, pos.LowWatermark)

	// Watermarks never narrow
	pos.UpdateWatermarks(110, 95)
	assert.Equal(t, 120.0, pos.HighWatermark)
	assert.Equal(t, 90.0, pos.LowWatermark)

	assert.Equal(t, 20.0, pos.UnrealizedPnL(110))
	pos.Side = SideShort
	assert.Equal(t, -20.0, pos.UnrealizedPnL(110))
}

func TestTopicBuilders(t *testing.T) {
	k := Key{Symbol: "BTCUSDT", Timeframe: Timeframe1m, Market: MarketSpot}
	assert.Equal(t, "bar.BTCUSDT.1m.spot", BarTopic(k))
	assert.Equal(t, "bar.BTCUSDT.1m.spot.tick", TickTopic(k))
	assert.Equal(t, "ind.BTCUSDT.1m.spot", IndicatorTopic(k))
	assert.Equal(t, "sig.dual_ma.BTCUSDT", SignalTopic("dual_ma", "BTCUSDT"))
	assert.Equal(t, "status.ingest", StatusTopic("ingest"))
}

func TestKindOf(t *testing.T) {
	err := Validationf("bad param %s", "x")
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(assert.AnError))
}
