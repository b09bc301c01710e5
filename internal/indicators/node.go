package indicators

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
	"github.com/aristath/quantd/internal/node"
)

// BarHistory supplies warm-up bars for a fresh calculator set
type BarHistory interface {
	RecentN(key domain.Key, n int) ([]domain.Bar, error)
}

// Node consumes closed bars, maintains one calculator set per key and
// publishes the resulting indicator records
type Node struct {
	bus     *bus.Bus
	history BarHistory
	repo    *Repository
	log     zerolog.Logger

	// Calculator state is touched only by the runner's worker goroutine
	sets map[domain.Key]*Set
}

// NewNode builds the indicator node and its runner subscribed to the
// bar topics of the given keys
func NewNode(keys []domain.Key, b *bus.Bus, history BarHistory, repo *Repository, log zerolog.Logger) (*Node, *node.Runner) {
	n := &Node{
		bus:     b,
		history: history,
		repo:    repo,
		log:     log.With().Str("component", "indicator_node").Logger(),
		sets:    make(map[domain.Key]*Set),
	}

	topics := make([]string, 0, len(keys))
	for _, k := range keys {
		topics = append(topics, domain.BarTopic(k))
	}

	runner := node.NewRunner(node.Config{
		Name:   "indicators",
		Topics: topics,
	}, b, n, log)

	return n, runner
}

// Process handles one closed bar: warm up the key's set on first use,
// update every calculator, persist and publish the record
func (n *Node) Process(_ context.Context, topic string, payload interface{}) error {
	bar, ok := payload.(domain.Bar)
	if !ok {
		return fmt.Errorf("unexpected payload on %s: %T", topic, payload)
	}

	key := bar.Key()
	set, exists := n.sets[key]
	if !exists {
		var err error
		set, err = n.warmup(key, bar.Timestamp)
		if err != nil {
			return fmt.Errorf("warmup for %s: %w", key, err)
		}
		n.sets[key] = set
	}

	rec := set.Update(bar)

	if err := n.repo.Save(rec); err != nil {
		return fmt.Errorf("persist indicator record for %s: %w", key, err)
	}

	n.bus.Publish(domain.IndicatorTopic(key), rec)
	return nil
}

// warmup feeds the most recent historical bars strictly before the
// live bar through a fresh set, in ascending order
func (n *Node) warmup(key domain.Key, beforeTS int64) (*Set, error) {
	set := NewSet(key)

	bars, err := n.history.RecentN(key, WarmupBars+1)
	if err != nil {
		return nil, err
	}

	fed := 0
	for _, b := range bars {
		if b.Timestamp >= beforeTS {
			continue
		}
		set.Update(b)
		fed++
	}

	n.log.Info().
		Str("key", key.String()).
		Int("bars", fed).
		Msg("calculator set warmed up")
	return set, nil
}

// SetStatus reports per-key calculator readiness, for diagnostics
type SetStatus struct {
	Key         string `json:"key"`
	UpdateCount int    `json:"update_count"`
}

// Status snapshots the node's calculator sets. Callers must only use
// this from the node's own goroutine or after the node stopped.
func (n *Node) Status() []SetStatus {
	out := make([]SetStatus, 0, len(n.sets))
	for k, s := range n.sets {
		out = append(out, SetStatus{Key: k.String(), UpdateCount: s.UpdateCount()})
	}
	return out
}
