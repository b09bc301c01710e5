package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/node"
)

// enhanceTimeout bounds the confirm-stage enhancement call
const enhanceTimeout = 5 * time.Second

// SignalSink receives emitted signals. The default sink persists and
// publishes; backtests install a direct sink instead.
type SignalSink func(domain.Signal)

// symbolState caches the latest aligned inputs for one symbol
type symbolState struct {
	bar  *domain.Bar
	ind  *domain.IndicatorRecord
	prev *domain.IndicatorRecord
}

// Tracker runs one strategy over the live bar and indicator streams.
// It caches the newest bar and the last two indicator records per
// symbol, dispatches only when bar and indicator timestamps align, and
// tracks a shadow position per symbol so exit logic sees entry price
// and watermarks.
type Tracker struct {
	strat    Strategy
	bus      *bus.Bus
	repo     *SignalRepository
	enhancer Enhancer
	log      zerolog.Logger

	mu        sync.Mutex
	states    map[string]*symbolState
	positions map[string]*domain.Position
	sink      SignalSink
}

// TrackerOption configures a tracker
type TrackerOption func(*Tracker)

// WithEnhancer installs the confirm-stage enhancement hook
func WithEnhancer(e Enhancer) TrackerOption {
	return func(t *Tracker) { t.enhancer = e }
}

// WithSink replaces the persist-and-publish sink with a direct one
func WithSink(sink SignalSink) TrackerOption {
	return func(t *Tracker) { t.sink = sink }
}

// NewTracker creates the tracker and its bus runner subscribed to the
// bar and indicator topics of the given keys. repo may be nil when
// signals should not be persisted.
func NewTracker(strat Strategy, keys []domain.Key, b *bus.Bus, repo *SignalRepository, log zerolog.Logger, opts ...TrackerOption) (*Tracker, *node.Runner) {
	t := &Tracker{
		strat:     strat,
		bus:       b,
		repo:      repo,
		log:       log.With().Str("component", "strategy").Str("strategy", strat.Name()).Logger(),
		states:    make(map[string]*symbolState),
		positions: make(map[string]*domain.Position),
	}
	for _, opt := range opts {
		opt(t)
	}

	topics := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		topics = append(topics, domain.BarTopic(key), domain.IndicatorTopic(key))
	}

	runner := node.NewRunner(node.Config{
		Name:   "strategy." + strat.Name(),
		Topics: topics,
	}, b, t, t.log)

	return t, runner
}

// Process implements node.Handler
func (t *Tracker) Process(ctx context.Context, topic string, payload interface{}) error {
	switch v := payload.(type) {
	case domain.Bar:
		t.OnBar(ctx, v)
	case domain.IndicatorRecord:
		t.OnIndicator(ctx, v)
	default:
		return fmt.Errorf("unexpected payload %T on %s", payload, topic)
	}
	return nil
}

// OnBar caches the bar and dispatches if the symbol is aligned
func (t *Tracker) OnBar(ctx context.Context, bar domain.Bar) {
	t.mu.Lock()
	st := t.state(bar.Symbol)
	st.bar = &bar
	t.mu.Unlock()

	t.evaluate(ctx, bar.Symbol)
}

// OnIndicator caches the record, shifting the previous one, and
// dispatches if the symbol is aligned
func (t *Tracker) OnIndicator(ctx context.Context, ind domain.IndicatorRecord) {
	t.mu.Lock()
	st := t.state(ind.Symbol)
	st.prev = st.ind
	st.ind = &ind
	t.mu.Unlock()

	t.evaluate(ctx, ind.Symbol)
}

func (t *Tracker) state(symbol string) *symbolState {
	st, ok := t.states[symbol]
	if !ok {
		st = &symbolState{}
		t.states[symbol] = st
	}
	return st
}

// Position returns a copy of the shadow position for symbol, if any
func (t *Tracker) Position(symbol string) (domain.Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, ok := t.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// evaluate runs one strategy decision for the symbol when a complete,
// timestamp-aligned snapshot is available
func (t *Tracker) evaluate(ctx context.Context, symbol string) {
	t.mu.Lock()
	st := t.states[symbol]
	if st == nil || st.bar == nil || st.ind == nil || st.prev == nil {
		t.mu.Unlock()
		return
	}
	if st.bar.Timestamp != st.ind.Timestamp {
		t.mu.Unlock()
		return
	}
	snap := Snapshot{Bar: *st.bar, Ind: *st.ind, Prev: st.prev}
	pos := t.positions[symbol]
	if pos != nil {
		pos.UpdateWatermarks(snap.Bar.High, snap.Bar.Low)
		posCopy := *pos
		t.mu.Unlock()
		t.checkExit(snap, &posCopy)
		return
	}
	t.mu.Unlock()

	t.checkEntry(ctx, snap)
}

func (t *Tracker) checkExit(snap Snapshot, pos *domain.Position) {
	sig := t.strat.CheckExit(snap, pos)
	if sig == nil {
		return
	}

	t.mu.Lock()
	delete(t.positions, snap.Bar.Symbol)
	t.mu.Unlock()

	t.emit(*sig)
}

func (t *Tracker) checkEntry(ctx context.Context, snap Snapshot) {
	sig := t.strat.CheckEntry(snap)
	if sig == nil {
		return
	}

	if ok, reason := t.strat.Confirm(sig, snap); !ok {
		t.log.Debug().
			Str("symbol", sig.Symbol).
			Str("kind", string(sig.Kind)).
			Str("reason", reason).
			Msg("entry rejected")
		return
	}

	t.enhance(ctx, sig, snap)

	t.mu.Lock()
	t.positions[snap.Bar.Symbol] = &domain.Position{
		Strategy:      t.strat.Name(),
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		EntryPrice:    sig.Price,
		EntryTime:     sig.Timestamp,
		StopLoss:      sig.StopLoss,
		TakeProfit:    sig.TakeProfit,
		HighWatermark: snap.Bar.High,
		LowWatermark:  snap.Bar.Low,
	}
	t.mu.Unlock()

	t.emit(*sig)
}

// enhance annotates the signal through the optional hook. Errors and
// timeouts leave the signal unmodified.
func (t *Tracker) enhance(ctx context.Context, sig *domain.Signal, snap Snapshot) {
	if t.enhancer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, enhanceTimeout)
	defer cancel()

	enh, err := t.enhancer.Enhance(ctx, sig, snap)
	if err != nil {
		t.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("enhancement failed, keeping signal")
		return
	}
	sig.Enhance = enh
}

func (t *Tracker) emit(sig domain.Signal) {
	if err := sig.Validate(); err != nil {
		t.log.Error().Err(err).Msg("dropping invalid signal")
		return
	}

	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	if sink != nil {
		sink(sig)
		return
	}

	if t.repo != nil {
		if err := t.repo.Save(sig); err != nil {
			t.log.Error().Err(err).Msg("failed to persist signal")
		}
	}

	t.log.Info().
		Str("symbol", sig.Symbol).
		Str("kind", string(sig.Kind)).
		Float64("price", sig.Price).
		Str("reason", sig.Reason).
		Msg("signal")

	t.bus.Publish(domain.SignalTopic(sig.Strategy, sig.Symbol), sig)
}
