// Package node provides the lifecycle runner shared by every bus
// consumer: subscription wiring, a single inbound queue, cooperative
// shutdown and the consecutive-error circuit.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/quantd/internal/bus"
	"github.com/aristath/quantd/internal/domain"
)

// State of a node. A node is started at most once.
type State string

const (
	StateNew      State = "new"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Handler is the single cooperative entry point for every message
// routed to a node. Implementations must not block on external I/O
// without a timeout.
type Handler interface {
	Process(ctx context.Context, topic string, payload interface{}) error
}

// Config declares a node's identity and subscriptions
type Config struct {
	Name           string
	Topics         []string
	QueueDepth     int           // inbound queue size, default 256
	ErrorThreshold int           // consecutive handler errors before stop, default 10
	DrainTimeout   time.Duration // stop() drain budget, default 5s
}

// Runner drives one handler: it funnels all subscribed topics into a
// single queue processed serially, so a handler never races itself.
type Runner struct {
	cfg     Config
	bus     *bus.Bus
	handler Handler
	log     zerolog.Logger

	mu    sync.Mutex
	state State
	subs  []*bus.Subscription

	inbound  chan bus.Message
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
}

// NewRunner builds a runner around handler. Subscriptions open on Start.
func NewRunner(cfg Config, b *bus.Bus, handler Handler, log zerolog.Logger) *Runner {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 10
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Runner{
		cfg:     cfg,
		bus:     b,
		handler: handler,
		log:     log.With().Str("component", "node").Str("node", cfg.Name).Logger(),
		state:   StateNew,
		inbound: make(chan bus.Message, cfg.QueueDepth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Name returns the node name
func (r *Runner) Name() string { return r.cfg.Name }

// State returns the current lifecycle state
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start opens the declared subscriptions and spawns the worker.
// A node may only be started once.
func (r *Runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateNew {
		return fmt.Errorf("node %s already started (state %s)", r.cfg.Name, r.state)
	}

	for _, topic := range r.cfg.Topics {
		sub, err := r.bus.Subscribe(topic, r.enqueue)
		if err != nil {
			for _, s := range r.subs {
				r.bus.Unsubscribe(s)
			}
			r.subs = nil
			return fmt.Errorf("node %s subscribe %s: %w", r.cfg.Name, topic, err)
		}
		r.subs = append(r.subs, sub)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.state = StateRunning

	go r.work(ctx)

	r.log.Info().Strs("topics", r.cfg.Topics).Msg("node started")
	return nil
}

// enqueue runs on bus subscription goroutines and forwards into the
// node's shared queue, dropping newest when the node cannot keep up
func (r *Runner) enqueue(msg bus.Message) {
	select {
	case r.inbound <- msg:
	default:
		r.log.Warn().Str("topic", msg.Topic).Msg("node inbound queue full, dropping message")
	}
}

func (r *Runner) work(ctx context.Context) {
	defer close(r.stopped)

	consecutive := 0
	for {
		select {
		case <-r.stop:
			r.drain(ctx)
			return
		case msg := <-r.inbound:
			if err := r.handler.Process(ctx, msg.Topic, msg.Payload); err != nil {
				consecutive++
				r.log.Error().Err(err).
					Str("topic", msg.Topic).
					Int("consecutive", consecutive).
					Msg("handler error")

				if consecutive >= r.cfg.ErrorThreshold {
					r.log.Error().Int("threshold", r.cfg.ErrorThreshold).
						Msg("consecutive error threshold reached, stopping node")
					r.publishStatus(true, "consecutive error threshold reached")
					r.beginStop()
					r.drain(ctx)
					return
				}
			} else {
				consecutive = 0
			}
		}
	}
}

// drain processes whatever is left in the inbound queue, bounded by
// the drain timeout
func (r *Runner) drain(ctx context.Context) {
	deadline := time.After(r.cfg.DrainTimeout)
	for {
		select {
		case msg := <-r.inbound:
			if err := r.handler.Process(ctx, msg.Topic, msg.Payload); err != nil {
				r.log.Error().Err(err).Str("topic", msg.Topic).Msg("handler error during drain")
			}
		case <-deadline:
			return
		default:
			return
		}
	}
}

// beginStop unsubscribes and signals the worker. Safe to call from any
// goroutine, including the worker itself.
func (r *Runner) beginStop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.state = StateStopping
		subs := r.subs
		r.subs = nil
		r.mu.Unlock()

		for _, s := range subs {
			r.bus.Unsubscribe(s)
		}
		if r.cancel != nil {
			r.cancel()
		}
		close(r.stop)
	})
}

// Stop unsubscribes, drains in-flight messages up to the drain timeout
// and transitions to stopped
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.state == StateNew {
		r.state = StateStopped
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.beginStop()

	select {
	case <-r.stopped:
	case <-time.After(r.cfg.DrainTimeout + time.Second):
		r.log.Warn().Msg("node worker did not stop within drain budget")
	}

	r.mu.Lock()
	r.state = StateStopped
	r.mu.Unlock()
	r.log.Info().Msg("node stopped")
}

// Emit publishes on behalf of the node
func (r *Runner) Emit(topic string, payload interface{}) {
	r.bus.Publish(topic, payload)
}

func (r *Runner) publishStatus(degraded bool, message string) {
	r.bus.Publish(domain.StatusTopic(r.cfg.Name), domain.NodeStatus{
		Node:      r.cfg.Name,
		State:     string(StateStopping),
		Degraded:  degraded,
		Message:   message,
		Timestamp: time.Now().Unix(),
	})
}
