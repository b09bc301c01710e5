package indicators

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
)

type fakeHistory struct {
	bars []domain.Bar
}

func (h *fakeHistory) RecentN(_ domain.Key, n int) ([]domain.Bar, error) {
	if len(h.bars) <= n {
		return h.bars, nil
	}
	return h.bars[len(h.bars)-n:], nil
}

func makeBars(key domain.Key, startTS int64, n int, startPrice float64) []domain.Bar {
	bars := make([]domain.Bar, n)
	price := startPrice
	for i := range bars {
		price += 1
		bars[i] = domain.Bar{
			Symbol: key.Symbol, Timeframe: key.Timeframe, Market: key.Market,
			Timestamp: startTS + int64(i)*key.Timeframe.Seconds(),
			Open:      price, High: price + 1, Low: price - 1, Close: price,
			Volume: 10,
		}
	}
	return bars
}

func TestNodeWarmupThenPublish(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db, zerolog.Nop())
	require.NoError(t, repo.Init())

	b := bus.New(bus.Options{}, zerolog.Nop())
	defer b.Close()

	key := testKey()
	history := &fakeHistory{bars: makeBars(key, 1700000000, WarmupBars, 100)}

	_, runner := NewNode([]domain.Key{key}, b, history, repo, zerolog.Nop())

	var mu sync.Mutex
	var published []domain.IndicatorRecord
	_, err = b.Subscribe(domain.IndicatorTopic(key), func(msg bus.Message) {
		rec, ok := msg.Payload.(domain.IndicatorRecord)
		if ok {
			mu.Lock()
			published = append(published, rec)
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	require.NoError(t, runner.Start())
	defer runner.Stop()

	// Live bar after the warm-up window
	liveTS := int64(1700000000) + int64(WarmupBars)*60
	live := domain.Bar{
		Symbol: key.Symbol, Timeframe: key.Timeframe, Market: key.Market,
		Timestamp: liveTS,
		Open:      220, High: 222, Low: 219, Close: 221, Volume: 11,
	}
	b.Publish(domain.BarTopic(key), live)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	rec := published[0]
	mu.Unlock()

	assert.Equal(t, liveTS, rec.Timestamp)
	assert.Equal(t, Version, rec.EngineVersion)
	// 120 warm-up bars + 1 live bar: even MA(120) is warm
	require.NotNil(t, rec.MA120)
	require.NotNil(t, rec.RSI14)
	require.NotNil(t, rec.ATR14)

	// Persisted too
	stored, err := repo.Latest(key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, liveTS, stored.Timestamp)
}

func TestNodeWarmupExcludesLiveBar(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	repo := NewRepository(db, zerolog.Nop())
	require.NoError(t, repo.Init())

	b := bus.New(bus.Options{}, zerolog.Nop())
	defer b.Close()

	key := testKey()

	// History already contains the live bar (ingest persists before
	// publishing); warm-up must not double-count it.
	bars := makeBars(key, 1700000000, 10, 100)
	history := &fakeHistory{bars: bars}

	n, _ := NewNode([]domain.Key{key}, b, history, repo, zerolog.Nop())

	live := bars[len(bars)-1]
	require.NoError(t, n.Process(context.Background(), domain.BarTopic(key), live))

	status := n.Status()
	require.Len(t, status, 1)
	// 9 historical bars fed plus the live one
	assert.Equal(t, 10, status[0].UpdateCount)
}

func TestNodeRejectsUnexpectedPayload(t *testing.T) {
	b := bus.New(bus.Options{}, zerolog.Nop())
	defer b.Close()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	repo := NewRepository(db, zerolog.Nop())
	require.NoError(t, repo.Init())

	n, _ := NewNode(nil, b, &fakeHistory{}, repo, zerolog.Nop())
	err = n.Process(context.Background(), "bar.x.1m.spot", "not a bar")
	assert.Error(t, err)
}
