package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
)

// fakeExchange serves synthetic bars for any requested range
type fakeExchange struct {
	mu     sync.Mutex
	calls  int
	fail   bool
	events chan StreamEvent
}

func (f *fakeExchange) Klines(_ context.Context, key domain.Key, start, end int64, limit int) ([]domain.Bar, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("exchange down")
	}

	step := key.Timeframe.Seconds()
	first := (start + step - 1) / step * step
	var bars []domain.Bar
	for ts := first; ts <= end && len(bars) < limit; ts += step {
		bars = append(bars, bar(key, ts, 100))
	}
	return bars, nil
}

func (f *fakeExchange) StreamBars(ctx context.Context, _ []domain.Key) <-chan StreamEvent {
	out := make(chan StreamEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (f *fakeExchange) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newIngestFixture(t *testing.T, cfg IngestConfig) (*IngestNode, *fakeExchange, *BarRepository, *bus.Bus) {
	t.Helper()
	repo := newTestBarRepo(t)
	b := bus.New(bus.Options{}, zerolog.Nop())
	t.Cleanup(b.Close)

	ex := &fakeExchange{events: make(chan StreamEvent, 16)}
	n := NewIngestNode(cfg, ex, repo, b, zerolog.Nop())
	return n, ex, repo, b
}

func TestStartupBackfillFillsGaps(t *testing.T) {
	key := testKey()
	n, ex, repo, _ := newIngestFixture(t, IngestConfig{
		Keys:           []domain.Key{key},
		BackfillWindow: 5 * time.Minute,
		RetryBase:      time.Millisecond,
	})

	require.NoError(t, n.Start())
	defer n.Stop()

	require.Eventually(t, func() bool {
		now := time.Now().Unix()
		gaps, err := repo.Gaps(key, now-5*60, now-60)
		return err == nil && len(gaps) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Greater(t, ex.callCount(), 0)
	assert.False(t, n.Degraded())
}

func TestPartialBarsOnlyOnTickTopic(t *testing.T) {
	key := testKey()
	n, _, repo, b := newIngestFixture(t, IngestConfig{Keys: []domain.Key{key}})

	var mu sync.Mutex
	var tick, closed []domain.Bar
	_, err := b.Subscribe(domain.TickTopic(key), func(msg bus.Message) {
		mu.Lock()
		tick = append(tick, msg.Payload.(domain.Bar))
		mu.Unlock()
	})
	require.NoError(t, err)
	_, err = b.Subscribe(domain.BarTopic(key), func(msg bus.Message) {
		mu.Lock()
		closed = append(closed, msg.Payload.(domain.Bar))
		mu.Unlock()
	})
	require.NoError(t, err)

	ts := int64(1700000000)
	n.handleEvent(context.Background(), StreamEvent{Bar: bar(key, ts, 100), Partial: true})
	n.handleEvent(context.Background(), StreamEvent{Bar: bar(key, ts, 101), Partial: false})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tick) == 1 && len(closed) == 1
	}, time.Second, time.Millisecond)

	// Only the closed bar was persisted
	bars, err := repo.Range(key, ts, ts)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 101.0, bars[0].Close)
}

func TestDiscontinuityTriggersGapRepair(t *testing.T) {
	key := testKey()
	n, _, repo, b := newIngestFixture(t, IngestConfig{
		Keys:      []domain.Key{key},
		RetryBase: time.Millisecond,
	})

	var mu sync.Mutex
	var published []int64
	_, err := b.Subscribe(domain.BarTopic(key), func(msg bus.Message) {
		mu.Lock()
		published = append(published, msg.Payload.(domain.Bar).Timestamp)
		mu.Unlock()
	})
	require.NoError(t, err)

	base := int64(1700000000)
	ctx := context.Background()

	n.handleEvent(ctx, StreamEvent{Bar: bar(key, base, 100)})
	// Stream resumes three bars later; the two missing bars must be
	// repaired before the new one is published
	n.handleEvent(ctx, StreamEvent{Bar: bar(key, base+180, 103)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	got := append([]int64(nil), published...)
	mu.Unlock()
	assert.Equal(t, []int64{base, base + 60, base + 120, base + 180}, got)

	bars, err := repo.Range(key, base, base+180)
	require.NoError(t, err)
	assert.Len(t, bars, 4)
}

func TestDuplicateBarsIgnored(t *testing.T) {
	key := testKey()
	n, _, repo, _ := newIngestFixture(t, IngestConfig{Keys: []domain.Key{key}})

	base := int64(1700000000)
	ctx := context.Background()
	n.handleEvent(ctx, StreamEvent{Bar: bar(key, base, 100)})
	n.handleEvent(ctx, StreamEvent{Bar: bar(key, base, 999)}) // replayed after reconnect

	bars, err := repo.Range(key, base, base)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 100.0, bars[0].Close)
}

func TestRetryExhaustionDegrades(t *testing.T) {
	key := testKey()
	n, ex, _, b := newIngestFixture(t, IngestConfig{
		Keys:       []domain.Key{key},
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
	})
	ex.fail = true

	statuses := make(chan domain.NodeStatus, 4)
	_, err := b.Subscribe(domain.StatusTopic("ingest"), func(msg bus.Message) {
		if st, ok := msg.Payload.(domain.NodeStatus); ok {
			statuses <- st
		}
	})
	require.NoError(t, err)

	base := int64(1700000000)
	ctx := context.Background()
	n.handleEvent(ctx, StreamEvent{Bar: bar(key, base, 100)})
	n.handleEvent(ctx, StreamEvent{Bar: bar(key, base+180, 103)})

	select {
	case st := <-statuses:
		assert.True(t, st.Degraded)
		assert.Equal(t, "ingest", st.Node)
	case <-time.After(time.Second):
		t.Fatal("no degraded status published")
	}
	assert.True(t, n.Degraded())

	// The node keeps running; a later successful gap repair recovers it
	ex.mu.Lock()
	ex.fail = false
	ex.mu.Unlock()
	n.handleEvent(ctx, StreamEvent{Bar: bar(key, base+360, 106)})
	assert.False(t, n.Degraded())
}

func TestGroupRanges(t *testing.T) {
	ranges := groupRanges([]int64{60, 120, 180, 360, 600, 660}, 60)
	assert.Equal(t, [][2]int64{{60, 180}, {360, 360}, {600, 660}}, ranges)
	assert.Empty(t, groupRanges(nil, 60))
}
