package market

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/quantd/internal/domain"
)

func newTestBarRepo(t *testing.T) *BarRepository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := NewBarRepository(db, zerolog.Nop())
	require.NoError(t, repo.Init())
	return repo
}

func testKey() domain.Key {
	return domain.Key{Symbol: "BTCUSDT", Timeframe: domain.Timeframe1m, Market: domain.MarketSpot}
}

func bar(key domain.Key, ts int64, close float64) domain.Bar {
	return domain.Bar{
		Symbol: key.Symbol, Timeframe: key.Timeframe, Market: key.Market,
		Timestamp: ts,
		Open:      close, High: close + 1, Low: close - 1, Close: close,
		Volume: 1,
	}
}

func TestBarRepositorySaveRange(t *testing.T) {
	repo := newTestBarRepo(t)
	key := testKey()

	base := int64(1700000000)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(bar(key, base+int64(i)*60, 100+float64(i))))
	}

	bars, err := repo.Range(key, base+60, base+180)
	require.NoError(t, err)
	require.Len(t, bars, 3)
	assert.Equal(t, base+60, bars[0].Timestamp)
	assert.Equal(t, base+180, bars[2].Timestamp)

	// Upsert replaces the same timestamp
	updated := bar(key, base, 999)
	require.NoError(t, repo.Save(updated))
	bars, err = repo.Range(key, base, base)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 999.0, bars[0].Close)
}

func TestBarRepositorySaveBatchAndRecentN(t *testing.T) {
	repo := newTestBarRepo(t)
	key := testKey()

	base := int64(1700000000)
	var bars []domain.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, bar(key, base+int64(i)*60, 100+float64(i)))
	}
	require.NoError(t, repo.SaveBatch(bars))
	require.NoError(t, repo.SaveBatch(nil))

	recent, err := repo.RecentN(key, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// Most recent three, ascending
	assert.Equal(t, base+7*60, recent[0].Timestamp)
	assert.Equal(t, base+9*60, recent[2].Timestamp)

	ts, err := repo.LatestTimestamp(key)
	require.NoError(t, err)
	assert.Equal(t, base+9*60, ts)

	ts, err = repo.LatestTimestamp(domain.Key{Symbol: "ETHUSDT", Timeframe: domain.Timeframe1m, Market: domain.MarketSpot})
	require.NoError(t, err)
	assert.Zero(t, ts)
}

func TestBarRepositoryGaps(t *testing.T) {
	repo := newTestBarRepo(t)
	key := testKey()

	base := int64(1700000040) // not aligned to the minute
	aligned := int64(1700000040) / 60 * 60
	if aligned < base {
		aligned += 60
	}

	// Persist bars at aligned, aligned+60, aligned+240 (missing +120, +180)
	require.NoError(t, repo.Save(bar(key, aligned, 100)))
	require.NoError(t, repo.Save(bar(key, aligned+60, 101)))
	require.NoError(t, repo.Save(bar(key, aligned+240, 104)))

	gaps, err := repo.Gaps(key, base, aligned+240)
	require.NoError(t, err)
	assert.Equal(t, []int64{aligned + 120, aligned + 180}, gaps)

	// No gaps in a fully covered window
	gaps, err = repo.Gaps(key, aligned, aligned+60)
	require.NoError(t, err)
	assert.Empty(t, gaps)

	// Window entirely before the first expected bar
	gaps, err = repo.Gaps(key, aligned+300, aligned+240)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestBarRepositoryStats(t *testing.T) {
	repo := newTestBarRepo(t)
	key := testKey()
	other := domain.Key{Symbol: "ETHUSDT", Timeframe: domain.Timeframe1h, Market: domain.MarketPerpetual}

	base := int64(1700000000)
	require.NoError(t, repo.Save(bar(key, base, 100)))
	require.NoError(t, repo.Save(bar(key, base+60, 101)))
	require.NoError(t, repo.Save(bar(other, base, 2000)))

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	bySymbol := map[string]KeyStats{}
	for _, st := range stats {
		bySymbol[st.Symbol] = st
	}
	assert.Equal(t, int64(2), bySymbol["BTCUSDT"].Count)
	assert.Equal(t, base, bySymbol["BTCUSDT"].FirstTS)
	assert.Equal(t, base+60, bySymbol["BTCUSDT"].LastTS)
	assert.Equal(t, "perpetual", bySymbol["ETHUSDT"].Market)
}
