// Package bus implements the in-process topic pub/sub with optional
// bounded retention per topic.
//
// Delivery contract: each subscription owns a bounded inbound queue
// drained by a dedicated goroutine, so a subscriber sees its topic's
// messages in publish order and a slow subscriber drops newest rather
// than blocking the publisher.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// ErrBusClosed is returned by Subscribe after Close
var ErrBusClosed = errors.New("bus: closed")

// DefaultQueueDepth is the per-subscriber inbound queue size
const DefaultQueueDepth = 256

// DefaultRetention is the per-topic ring capacity for retained topics
const DefaultRetention = 1000

// Message is one delivered payload. StreamID is zero for messages on
// topics without retention; retained topics number messages from 1.
type Message struct {
	Topic    string
	StreamID uint64
	Payload  interface{}
}

// Handler consumes delivered messages. It runs on the subscription's
// goroutine, never the publisher's.
type Handler func(msg Message)

// Subscription is the handle returned by Subscribe
type Subscription struct {
	id      uint64
	topic   string
	queue   chan Message
	dropped atomic.Uint64
}

// Topic returns the subscribed topic
func (s *Subscription) Topic() string { return s.topic }

// Dropped returns how many messages overflowed this subscription's queue
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// ring is a fixed-capacity retention buffer. IDs are assigned
// monotonically from 1; the ring keeps the most recent cap messages.
type ring struct {
	buf    []Message
	head   int // index of oldest
	size   int
	nextID uint64 // ID the next appended message receives
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Message, capacity), nextID: 1}
}

func (r *ring) append(m Message) uint64 {
	m.StreamID = r.nextID
	r.nextID++
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = m
		r.size++
	} else {
		r.buf[r.head] = m
		r.head = (r.head + 1) % len(r.buf)
	}
	return m.StreamID
}

// firstID is the oldest retained stream ID, 0 when empty
func (r *ring) firstID() uint64 {
	if r.size == 0 {
		return 0
	}
	return r.nextID - uint64(r.size)
}

// snapshotFrom copies retained messages with ID >= from, in order
func (r *ring) snapshotFrom(from uint64) []Message {
	if r.size == 0 {
		return nil
	}
	first := r.firstID()
	if from < first {
		from = first
	}
	if from >= r.nextID {
		return nil
	}
	n := int(r.nextID - from)
	out := make([]Message, 0, n)
	offset := int(from - first)
	for i := offset; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

type topicState struct {
	mu   sync.Mutex
	subs map[uint64]*Subscription
	ring *ring // nil when topic is not retained
}

// Options configures a Bus
type Options struct {
	QueueDepth int // per-subscriber queue size, default 256
	Retention  int // default ring capacity for retained topics, default 1000
}

// Bus routes published payloads to topic subscribers
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	closed bool

	queueDepth int
	retention  int
	nextSubID  atomic.Uint64
	wg         sync.WaitGroup
	log        zerolog.Logger
}

// New creates a bus with the given options
func New(opts Options, log zerolog.Logger) *Bus {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Bus{
		topics:     make(map[string]*topicState),
		queueDepth: opts.QueueDepth,
		retention:  opts.Retention,
		log:        log.With().Str("component", "bus").Logger(),
	}
}

// topic returns the state for name, creating it if needed
func (b *Bus) topic(name string) *topicState {
	b.mu.RLock()
	ts, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok = b.topics[name]; ok {
		return ts
	}
	ts = &topicState{subs: make(map[uint64]*Subscription)}
	b.topics[name] = ts
	return ts
}

// Retain enables retention on a topic with the given ring capacity
// (bus default when capacity <= 0). Must be called before the first
// publish that should be retained.
func (b *Bus) Retain(topicName string, capacity int) {
	if capacity <= 0 {
		capacity = b.retention
	}
	ts := b.topic(topicName)
	ts.mu.Lock()
	if ts.ring == nil {
		ts.ring = newRing(capacity)
	}
	ts.mu.Unlock()
}

// Publish hands payload to every current subscriber of topic and, when
// the topic is retained, appends it to the retention ring. Publishing
// on a closed bus is a no-op.
func (b *Bus) Publish(topicName string, payload interface{}) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	ts := b.topic(topicName)
	msg := Message{Topic: topicName, Payload: payload}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.ring != nil {
		msg.StreamID = ts.ring.append(msg)
	}

	for _, sub := range ts.subs {
		select {
		case sub.queue <- msg:
		default:
			// Queue full: drop newest for this subscriber only
			sub.dropped.Add(1)
		}
	}
}

// Subscribe registers handler for subsequent publishes on topic
func (b *Bus) Subscribe(topicName string, handler Handler) (*Subscription, error) {
	return b.subscribe(topicName, 0, handler)
}

// SubscribeFrom registers handler and first replays retained messages
// with stream ID >= fromID, in order, with no gap or duplicate at the
// live boundary.
func (b *Bus) SubscribeFrom(topicName string, fromID uint64, handler Handler) (*Subscription, error) {
	if fromID == 0 {
		fromID = 1
	}
	return b.subscribe(topicName, fromID, handler)
}

func (b *Bus) subscribe(topicName string, fromID uint64, handler Handler) (*Subscription, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrBusClosed
	}
	b.mu.RUnlock()

	sub := &Subscription{
		id:    b.nextSubID.Add(1),
		topic: topicName,
		queue: make(chan Message, b.queueDepth),
	}

	ts := b.topic(topicName)

	// Snapshot the replay set and register the queue under the same
	// lock so no published message lands in both or neither.
	ts.mu.Lock()
	var replay []Message
	if fromID > 0 && ts.ring != nil {
		replay = ts.ring.snapshotFrom(fromID)
	}
	ts.subs[sub.id] = sub
	ts.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for _, m := range replay {
			handler(m)
		}
		for m := range sub.queue {
			handler(m)
		}
	}()

	return sub, nil
}

// Unsubscribe removes the subscription. The in-flight queue is drained
// by the subscription goroutine before it exits.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.RLock()
	ts, ok := b.topics[sub.topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	if _, registered := ts.subs[sub.id]; registered {
		delete(ts.subs, sub.id)
		// No publisher can hold a reference anymore; safe to close.
		close(sub.queue)
	}
	ts.mu.Unlock()
}

// Topics returns the names of topics that currently have a subscriber
// or a non-empty retention stream
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.topics))
	for name, ts := range b.topics {
		ts.mu.Lock()
		live := len(ts.subs) > 0 || (ts.ring != nil && ts.ring.size > 0)
		ts.mu.Unlock()
		if live {
			names = append(names, name)
		}
	}
	return names
}

// StreamLen returns the number of retained messages on a topic
func (b *Bus) StreamLen(topicName string) int {
	b.mu.RLock()
	ts, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.ring == nil {
		return 0
	}
	return ts.ring.size
}

// StreamTail returns the newest n retained messages in ascending order
func (b *Bus) StreamTail(topicName string, n int) []Message {
	b.mu.RLock()
	ts, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok || n <= 0 {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.ring == nil || ts.ring.size == 0 {
		return nil
	}
	from := ts.ring.nextID - uint64(n)
	if n >= ts.ring.size {
		from = ts.ring.firstID()
	}
	return ts.ring.snapshotFrom(from)
}

// StreamRange returns retained messages with IDs in [from, to]
func (b *Bus) StreamRange(topicName string, from, to uint64) []Message {
	b.mu.RLock()
	ts, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok || to < from {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.ring == nil {
		return nil
	}
	all := ts.ring.snapshotFrom(from)
	out := all[:0]
	for _, m := range all {
		if m.StreamID > to {
			break
		}
		out = append(out, m)
	}
	return out
}

// TopicStats describes one topic's current state
type TopicStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Retained    int    `json:"retained"`
	NextID      uint64 `json:"next_stream_id,omitempty"`
	Dropped     uint64 `json:"dropped"`
}

// Stats snapshots every topic
func (b *Bus) Stats() []TopicStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]TopicStats, 0, len(b.topics))
	for name, ts := range b.topics {
		ts.mu.Lock()
		st := TopicStats{Topic: name, Subscribers: len(ts.subs)}
		for _, sub := range ts.subs {
			st.Dropped += sub.dropped.Load()
		}
		if ts.ring != nil {
			st.Retained = ts.ring.size
			st.NextID = ts.ring.nextID
		}
		ts.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Close shuts down the bus. Subsequent publishes are no-ops and
// subscribes fail with ErrBusClosed. Blocks until every subscription
// goroutine has drained its queue and exited.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := make([]*topicState, 0, len(b.topics))
	for _, ts := range b.topics {
		topics = append(topics, ts)
	}
	b.mu.Unlock()

	for _, ts := range topics {
		ts.mu.Lock()
		for id, sub := range ts.subs {
			delete(ts.subs, id)
			close(sub.queue)
		}
		ts.mu.Unlock()
	}

	b.wg.Wait()
	b.log.Debug().Msg("bus closed")
}
