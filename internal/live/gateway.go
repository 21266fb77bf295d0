// Package live pushes pipeline events to browser clients over WebSockets.
// Clients subscribe to individual videos; every event additionally goes out
// on a global stream to all connected sockets.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"vodforge/internal/events"
	"vodforge/internal/observability/metrics"
)

const sendBuffer = 16

type GatewayConfig struct {
	Logger *slog.Logger
	// HeartbeatInterval controls how often the gateway pings connected
	// clients. Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// Gateway tracks connected sockets and their per-video subscriptions. It is
// the event bus's local subscriber: wire it up with bus.Subscribe(g.Notify).
type Gateway struct {
	logger            *slog.Logger
	heartbeatInterval time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	subs    map[string]map[*client]struct{}
}

func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		logger:            logger,
		heartbeatInterval: cfg.HeartbeatInterval,
		clients:           make(map[*client]struct{}),
		subs:              make(map[string]map[*client]struct{}),
	}
}

// HandleConnection upgrades the request and services the socket. It blocks
// until the client disconnects or the gateway shuts down.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c := &client{
		gateway: g,
		conn:    conn,
		send:    make(chan outboundMessage, sendBuffer),
		done:    make(chan struct{}),
	}
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	metrics.Default().ClientConnected()
	g.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(g.heartbeatInterval)
	}
	c.readLoop(r.Context())
}

// Notify fans one event out: video-event to sockets subscribed to the
// event's video, global-event to every connected socket. Sends never block;
// a slow client loses messages instead of stalling the pipeline.
func (g *Gateway) Notify(event events.Event) {
	videoPayload, err := json.Marshal(outboundMessage{Type: "video-event", Event: &event})
	if err != nil {
		g.logger.Error("marshal video event", "error", err)
		return
	}
	globalPayload, err := json.Marshal(outboundMessage{Type: "global-event", Event: &event})
	if err != nil {
		g.logger.Error("marshal global event", "error", err)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for c := range g.subs[event.VideoID] {
		c.trySend(outboundMessage{Raw: videoPayload})
	}
	for c := range g.clients {
		c.trySend(outboundMessage{Raw: globalPayload})
	}
}

// ClientCount reports connected sockets.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Shutdown disconnects every client. Used during server teardown; new
// connections arriving afterwards are still served.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	open := make([]*client, 0, len(g.clients))
	for c := range g.clients {
		open = append(open, c)
	}
	g.mu.RUnlock()
	for _, c := range open {
		c.close()
	}
}

func (g *Gateway) subscribe(c *client, videoID string) {
	g.mu.Lock()
	if g.subs[videoID] == nil {
		g.subs[videoID] = make(map[*client]struct{})
	}
	g.subs[videoID][c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) unsubscribe(c *client, videoID string) {
	g.mu.Lock()
	if watchers := g.subs[videoID]; watchers != nil {
		delete(watchers, c)
		if len(watchers) == 0 {
			delete(g.subs, videoID)
		}
	}
	g.mu.Unlock()
}

// dropClient removes the client from the connected set and every
// subscription under one lock, so a Notify that starts afterwards can no
// longer reach it.
func (g *Gateway) dropClient(c *client) {
	g.mu.Lock()
	delete(g.clients, c)
	for videoID, watchers := range g.subs {
		delete(watchers, c)
		if len(watchers) == 0 {
			delete(g.subs, videoID)
		}
	}
	g.mu.Unlock()
	metrics.Default().ClientDisconnected()
}

type inboundMessage struct {
	Type    string `json:"type"`
	VideoID string `json:"videoId"`
}

type outboundMessage struct {
	Type    string        `json:"type,omitempty"`
	VideoID string        `json:"videoId,omitempty"`
	Error   string        `json:"error,omitempty"`
	Event   *events.Event `json:"event,omitempty"`
	// Raw carries a pre-marshaled payload so fan-out serializes each event
	// once, not once per client.
	Raw []byte `json:"-"`
}

type client struct {
	gateway *Gateway
	conn    *Conn
	send    chan outboundMessage
	done    chan struct{}
	closed  sync.Once
}

// trySend queues a message without blocking. The send channel is buffered
// and never closed, so this is safe from any goroutine even mid-teardown.
func (c *client) trySend(msg outboundMessage) {
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) writeLoop() {
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			payload := msg.Raw
			if payload == nil {
				data, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				payload = data
			}
			if err := c.conn.WriteText(payload); err != nil {
				return
			}
		}
	}
}

func (c *client) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendError("invalid payload")
			continue
		}
		switch msg.Type {
		case "subscribe":
			c.handleSubscribe(msg.VideoID)
		case "unsubscribe":
			c.handleUnsubscribe(msg.VideoID)
		default:
			c.sendError("unknown command")
		}
	}
}

func (c *client) handleSubscribe(videoID string) {
	if videoID == "" {
		c.sendError("videoId required")
		return
	}
	c.gateway.subscribe(c, videoID)
	c.trySend(outboundMessage{Type: "ack", VideoID: videoID})
}

func (c *client) handleUnsubscribe(videoID string) {
	if videoID == "" {
		return
	}
	c.gateway.unsubscribe(c, videoID)
}

func (c *client) sendError(message string) {
	c.trySend(outboundMessage{Type: "error", Error: message})
}

// close tears the client down exactly once: signal the loops, unregister,
// then close the socket to unblock any pending read.
func (c *client) close() {
	c.closed.Do(func() {
		close(c.done)
		c.gateway.dropClient(c)
		_ = c.conn.Close()
	})
}
