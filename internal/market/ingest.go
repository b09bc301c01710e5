package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
)

// IngestConfig tunes the ingestion node
type IngestConfig struct {
	Keys           []domain.Key
	BackfillWindow time.Duration // startup gap scan reach, default 7 days
	MaxRetries     int           // backfill attempts before degraded, default 5
	RetryBase      time.Duration // first retry delay, default 1s
}

// IngestNode keeps a continuous, gap-free bar series for its keys:
// startup backfill, live stream persistence and gap repair after
// disconnections. Closed bars are persisted before they are published.
type IngestNode struct {
	cfg      IngestConfig
	exchange Exchange
	repo     *BarRepository
	bus      *bus.Bus
	log      zerolog.Logger

	// lastTS tracks the newest published closed bar per key, to detect
	// stream discontinuities and enforce monotonic publishing
	lastTS map[domain.Key]int64

	cancel   context.CancelFunc
	stopped  chan struct{}
	startMu  sync.Mutex
	started  bool
	degraded bool
}

// NewIngestNode creates the ingestion node
func NewIngestNode(cfg IngestConfig, exchange Exchange, repo *BarRepository, b *bus.Bus, log zerolog.Logger) *IngestNode {
	if cfg.BackfillWindow <= 0 {
		cfg.BackfillWindow = 7 * 24 * time.Hour
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	return &IngestNode{
		cfg:      cfg,
		exchange: exchange,
		repo:     repo,
		bus:      b,
		log:      log.With().Str("component", "ingest").Logger(),
		lastTS:   make(map[domain.Key]int64),
		stopped:  make(chan struct{}),
	}
}

// Start runs the startup backfill and then consumes the live stream
// until Stop
func (n *IngestNode) Start() error {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if n.started {
		return fmt.Errorf("ingest node already started")
	}
	n.started = true

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	go n.run(ctx)
	return nil
}

// Stop cancels the worker and waits for it to exit
func (n *IngestNode) Stop() {
	n.startMu.Lock()
	if !n.started {
		n.startMu.Unlock()
		return
	}
	cancel := n.cancel
	n.startMu.Unlock()

	cancel()
	<-n.stopped
	n.log.Info().Msg("ingest node stopped")
}

func (n *IngestNode) run(ctx context.Context) {
	defer close(n.stopped)

	now := time.Now().Unix()
	for _, key := range n.cfg.Keys {
		if ctx.Err() != nil {
			return
		}
		start := now - int64(n.cfg.BackfillWindow/time.Second)
		if err := n.fillGaps(ctx, key, start, now); err != nil {
			n.setDegraded(fmt.Sprintf("startup backfill for %s: %v", key, err))
		}
	}

	events := n.exchange.StreamBars(ctx, n.cfg.Keys)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleEvent(ctx, ev)
		}
	}
}

func (n *IngestNode) handleEvent(ctx context.Context, ev StreamEvent) {
	bar := ev.Bar
	if err := bar.Validate(); err != nil {
		n.log.Warn().Err(err).Str("symbol", bar.Symbol).Msg("dropping invalid bar")
		return
	}

	key := bar.Key()

	if ev.Partial {
		// Partial bars go to the tick topic only and are never persisted
		n.bus.Publish(domain.TickTopic(key), bar)
		return
	}

	last := n.lastTS[key]
	step := key.Timeframe.Seconds()

	// Duplicate or out-of-order delivery after a reconnect
	if last != 0 && bar.Timestamp <= last {
		return
	}

	// Discontinuity: the stream skipped bars while disconnected.
	// Repair the window before publishing the new bar so downstream
	// consumers see ascending, gap-free timestamps.
	if last != 0 && bar.Timestamp > last+step {
		if err := n.fillGaps(ctx, key, last+step, bar.Timestamp-step); err != nil {
			n.setDegraded(fmt.Sprintf("gap repair for %s: %v", key, err))
		} else {
			n.clearDegraded()
		}
	}

	if err := n.repo.Save(bar); err != nil {
		n.log.Error().Err(err).Str("key", key.String()).Msg("failed to persist bar")
		return
	}

	n.lastTS[key] = bar.Timestamp
	n.bus.Publish(domain.BarTopic(key), bar)
}

// fillGaps finds missing bars in [start, end] and backfills them from
// the exchange in ascending chunks
func (n *IngestNode) fillGaps(ctx context.Context, key domain.Key, start, end int64) error {
	gaps, err := n.repo.Gaps(key, start, end)
	if err != nil {
		return fmt.Errorf("gap scan: %w", err)
	}
	if len(gaps) == 0 {
		return nil
	}

	n.log.Info().
		Str("key", key.String()).
		Int("missing", len(gaps)).
		Msg("backfilling gaps")

	step := key.Timeframe.Seconds()
	for _, rng := range groupRanges(gaps, step) {
		if err := n.backfillRange(ctx, key, rng[0], rng[1]); err != nil {
			return err
		}
	}
	return nil
}

// groupRanges merges consecutive missing timestamps into [first, last]
// ranges
func groupRanges(gaps []int64, step int64) [][2]int64 {
	var out [][2]int64
	for _, ts := range gaps {
		if len(out) > 0 && ts == out[len(out)-1][1]+step {
			out[len(out)-1][1] = ts
		} else {
			out = append(out, [2]int64{ts, ts})
		}
	}
	return out
}

// backfillRange fetches, persists and publishes bars for one missing
// range, chunked to the exchange's request ceiling, retried with
// exponential backoff
func (n *IngestNode) backfillRange(ctx context.Context, key domain.Key, start, end int64) error {
	step := key.Timeframe.Seconds()

	for chunkStart := start; chunkStart <= end; {
		chunkEnd := chunkStart + step*int64(MaxKlinesPerRequest-1)
		if chunkEnd > end {
			chunkEnd = end
		}

		bars, err := n.fetchWithRetry(ctx, key, chunkStart, chunkEnd)
		if err != nil {
			return err
		}

		if err := n.repo.SaveBatch(bars); err != nil {
			return fmt.Errorf("persist backfill chunk: %w", err)
		}
		for _, bar := range bars {
			if bar.Timestamp > n.lastTS[key] {
				n.lastTS[key] = bar.Timestamp
			}
			n.bus.Publish(domain.BarTopic(key), bar)
		}

		n.log.Debug().
			Str("key", key.String()).
			Int("bars", len(bars)).
			Int64("from", chunkStart).Int64("to", chunkEnd).
			Msg("backfill chunk done")

		chunkStart = chunkEnd + step
	}
	return nil
}

func (n *IngestNode) fetchWithRetry(ctx context.Context, key domain.Key, start, end int64) ([]domain.Bar, error) {
	delay := n.cfg.RetryBase
	var lastErr error
	for attempt := 1; attempt <= n.cfg.MaxRetries; attempt++ {
		bars, err := n.exchange.Klines(ctx, key, start, end, MaxKlinesPerRequest)
		if err == nil {
			return bars, nil
		}
		lastErr = err

		n.log.Warn().Err(err).
			Str("key", key.String()).
			Int("attempt", attempt).
			Msg("klines fetch failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, fmt.Errorf("klines fetch exhausted %d retries: %w", n.cfg.MaxRetries, lastErr)
}

// Degraded reports whether the node is currently in degraded state
func (n *IngestNode) Degraded() bool {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	return n.degraded
}

func (n *IngestNode) setDegraded(msg string) {
	n.startMu.Lock()
	already := n.degraded
	n.degraded = true
	n.startMu.Unlock()

	n.log.Error().Str("reason", msg).Msg("ingest degraded")
	if !already {
		n.bus.Publish(domain.StatusTopic("ingest"), domain.NodeStatus{
			Node:      "ingest",
			State:     "running",
			Degraded:  true,
			Message:   msg,
			Timestamp: time.Now().Unix(),
		})
	}
}

func (n *IngestNode) clearDegraded() {
	n.startMu.Lock()
	was := n.degraded
	n.degraded = false
	n.startMu.Unlock()

	if was {
		n.bus.Publish(domain.StatusTopic("ingest"), domain.NodeStatus{
			Node:      "ingest",
			State:     "running",
			Degraded:  false,
			Message:   "recovered",
			Timestamp: time.Now().Unix(),
		})
	}
}
