package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/quantd/internal/bus"
)

const (
	outboundQueueSize = 256
	writeTimeout      = 10 * time.Second
)

// Gateway bridges bus topics to WebSocket clients. Each connection
// owns its subscription set and an outbound queue; a slow client drops
// its own newest frames without affecting other connections.
type Gateway struct {
	bus *bus.Bus
	log zerolog.Logger
}

// NewGateway creates the gateway
func NewGateway(b *bus.Bus, log zerolog.Logger) *Gateway {
	return &Gateway{
		bus: b,
		log: log.With().Str("component", "gateway").Logger(),
	}
}

// command is a framed client request
type command struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

type pushConn struct {
	gw   *Gateway
	sock *websocket.Conn
	log  zerolog.Logger

	out     chan interface{}
	dropped atomic.Uint64

	mu   sync.Mutex
	subs map[string]*bus.Subscription
}

// Handle upgrades the request and serves the connection until it
// disconnects
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	c := &pushConn{
		gw:   g,
		sock: sock,
		log:  g.log.With().Str("remote", r.RemoteAddr).Logger(),
		out:  make(chan interface{}, outboundQueueSize),
		subs: make(map[string]*bus.Subscription),
	}

	c.log.Info().Msg("push client connected")
	c.serve(r.Context())
	c.log.Info().Uint64("dropped", c.dropped.Load()).Msg("push client disconnected")
}

func (c *pushConn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.unsubscribeAll()
	defer c.sock.Close(websocket.StatusNormalClosure, "")

	go c.writeLoop(ctx)

	c.enqueue(map[string]interface{}{
		"type":    "connection",
		"status":  "connected",
		"message": "welcome to the quantd push gateway",
	})

	for {
		var cmd command
		if err := wsjson.Read(ctx, c.sock, &cmd); err != nil {
			return
		}
		c.dispatch(cmd)
	}
}

func (c *pushConn) dispatch(cmd command) {
	switch cmd.Action {
	case "subscribe":
		c.subscribe(cmd.Topics)
		c.enqueue(map[string]interface{}{
			"type":   "subscription",
			"status": "success",
			"topics": cmd.Topics,
		})
	case "unsubscribe":
		c.unsubscribe(cmd.Topics)
		c.enqueue(map[string]interface{}{
			"type":   "subscription",
			"status": "unsubscribed",
			"topics": cmd.Topics,
		})
	case "ping":
		c.enqueue(map[string]string{"type": "pong"})
	case "list_topics":
		topics := c.gw.bus.Topics()
		c.enqueue(map[string]interface{}{
			"type":   "topics",
			"topics": topics,
			"count":  len(topics),
		})
	case "my_subscriptions":
		topics := c.subscribedTopics()
		c.enqueue(map[string]interface{}{
			"type":   "subscriptions",
			"topics": topics,
			"count":  len(topics),
		})
	default:
		c.enqueue(map[string]string{
			"type":    "error",
			"message": "unknown action: " + cmd.Action,
		})
	}
}

func (c *pushConn) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		if _, ok := c.subs[topic]; ok {
			continue
		}
		topicName := topic
		sub, err := c.gw.bus.Subscribe(topicName, func(msg bus.Message) {
			c.enqueue(map[string]interface{}{
				"topic": topicName,
				"data":  msg.Payload,
			})
		})
		if err != nil {
			c.log.Warn().Err(err).Str("topic", topicName).Msg("subscribe failed")
			continue
		}
		c.subs[topicName] = sub
	}
}

func (c *pushConn) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, topic := range topics {
		if sub, ok := c.subs[topic]; ok {
			c.gw.bus.Unsubscribe(sub)
			delete(c.subs, topic)
		}
	}
}

func (c *pushConn) unsubscribeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for topic, sub := range c.subs {
		c.gw.bus.Unsubscribe(sub)
		delete(c.subs, topic)
	}
}

func (c *pushConn) subscribedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	return topics
}

// enqueue queues one frame, dropping it when the client is too slow to
// drain its queue
func (c *pushConn) enqueue(frame interface{}) {
	select {
	case c.out <- frame:
	default:
		c.dropped.Add(1)
	}
}

func (c *pushConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, c.sock, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
