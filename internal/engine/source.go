// Package engine runs one strategy against a data source, either the
// live bus or a historical replay, and books the outcomes through a
// portfolio manager.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
)

// Point is one element of the merged data stream: a bar or its
// indicator record
type Point struct {
	Bar *domain.Bar
	Ind *domain.IndicatorRecord
}

// Timestamp of the point
func (p Point) Timestamp() int64 {
	if p.Bar != nil {
		return p.Bar.Timestamp
	}
	return p.Ind.Timestamp
}

// DataSource feeds the engine. TotalPoints is 0 when the length is
// unknown (live mode).
type DataSource interface {
	Stream(ctx context.Context) (<-chan Point, error)
	TotalPoints() int
}

// BarReader loads persisted bars
type BarReader interface {
	Range(key domain.Key, start, end int64) ([]domain.Bar, error)
}

// IndicatorReader loads persisted indicator records
type IndicatorReader interface {
	Range(key domain.Key, start, end int64) ([]domain.IndicatorRecord, error)
}

// ReplaySource streams persisted bars and indicator records for a
// window, merged into one ascending sequence. For equal timestamps the
// bar precedes its indicator record, so a strategy snapshot is never
// evaluated against a stale bar.
type ReplaySource struct {
	points []Point
}

// NewReplaySource preloads the window for the given keys
func NewReplaySource(bars BarReader, inds IndicatorReader, keys []domain.Key, start, end int64) (*ReplaySource, error) {
	var points []Point
	for _, key := range keys {
		bs, err := bars.Range(key, start, end)
		if err != nil {
			return nil, fmt.Errorf("load bars for %s: %w", key, err)
		}
		for i := range bs {
			points = append(points, Point{Bar: &bs[i]})
		}

		is, err := inds.Range(key, start, end)
		if err != nil {
			return nil, fmt.Errorf("load indicators for %s: %w", key, err)
		}
		for i := range is {
			points = append(points, Point{Ind: &is[i]})
		}
	}

	sort.SliceStable(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if a.Timestamp() != b.Timestamp() {
			return a.Timestamp() < b.Timestamp()
		}
		// Bars before indicator records at the same timestamp
		aBar := a.Bar != nil
		bBar := b.Bar != nil
		if aBar != bBar {
			return aBar
		}
		return pointSymbol(a) < pointSymbol(b)
	})

	return &ReplaySource{points: points}, nil
}

func pointSymbol(p Point) string {
	if p.Bar != nil {
		return p.Bar.Symbol
	}
	return p.Ind.Symbol
}

// TotalPoints returns the preloaded stream length
func (r *ReplaySource) TotalPoints() int { return len(r.points) }

// Stream emits the preloaded points until done or cancellation
func (r *ReplaySource) Stream(ctx context.Context) (<-chan Point, error) {
	out := make(chan Point)
	go func() {
		defer close(out)
		for _, p := range r.points {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// LiveSource bridges the bus's bar and indicator topics into the
// engine's stream
type LiveSource struct {
	bus  *bus.Bus
	keys []domain.Key
	log  zerolog.Logger
}

// NewLiveSource creates a live source for the given keys
func NewLiveSource(b *bus.Bus, keys []domain.Key, log zerolog.Logger) *LiveSource {
	return &LiveSource{bus: b, keys: keys, log: log.With().Str("component", "live_source").Logger()}
}

// TotalPoints is unknown for a live stream
func (l *LiveSource) TotalPoints() int { return 0 }

// Stream subscribes to the bar and indicator topics and forwards until
// cancellation
func (l *LiveSource) Stream(ctx context.Context) (<-chan Point, error) {
	out := make(chan Point, 256)

	var subs []*bus.Subscription
	forward := func(msg bus.Message) {
		var p Point
		switch v := msg.Payload.(type) {
		case domain.Bar:
			p = Point{Bar: &v}
		case domain.IndicatorRecord:
			p = Point{Ind: &v}
		default:
			return
		}
		select {
		case out <- p:
		case <-ctx.Done():
		}
	}

	for _, key := range l.keys {
		for _, topic := range []string{domain.BarTopic(key), domain.IndicatorTopic(key)} {
			sub, err := l.bus.Subscribe(topic, forward)
			if err != nil {
				for _, s := range subs {
					l.bus.Unsubscribe(s)
				}
				return nil, fmt.Errorf("subscribe %s: %w", topic, err)
			}
			subs = append(subs, sub)
		}
	}

	// The channel is deliberately left open: subscription goroutines may
	// still be delivering when the context ends, and consumers stop on
	// ctx.Done rather than channel close.
	go func() {
		<-ctx.Done()
		for _, s := range subs {
			l.bus.Unsubscribe(s)
		}
	}()

	return out, nil
}
