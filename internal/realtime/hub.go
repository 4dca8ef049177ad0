// Package realtime streams settlement notifications to admin console
// clients over WebSocket.
//
// Clients connect to /ws and may send a Subscription JSON message at any
// time to narrow the feed by notification type, party or amount.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mbd888/bazaar/internal/metrics"
)

const (
	// MaxClients caps concurrent feed connections.
	MaxClients = 1000

	queueSize     = 256
	clientBacklog = 256
)

// Stats is a point-in-time view of the feed.
type Stats struct {
	Connected   int   `json:"connectedClients"`
	Peak        int   `json:"peakClients"`
	Connections int64 `json:"totalClients"`
	Published   int64 `json:"totalEvents"`
	Evicted     int64 `json:"evictedClients"`
}

// Hub fans events out to connected clients. Broadcast never blocks the
// caller; clients that fall behind are disconnected.
type Hub struct {
	logger  *slog.Logger
	queue   chan *Event
	running atomic.Bool

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	peak    int

	connections atomic.Int64
	published   atomic.Int64
	evicted     atomic.Int64
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		queue:   make(chan *Event, queueSize),
		clients: make(map[*Client]struct{}),
	}
}

// Running reports whether Run is active.
func (h *Hub) Running() bool {
	return h.running.Load()
}

// Run delivers queued events until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("realtime hub stopped")
			return
		case e := <-h.queue:
			h.fanOut(e)
		}
	}
}

// Broadcast queues e for delivery. It reports false when the queue is full
// and e was dropped.
func (h *Hub) Broadcast(e *Event) bool {
	select {
	case h.queue <- e:
		return true
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", e.Type)
		return false
	}
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connected:   len(h.clients),
		Peak:        h.peak,
		Connections: h.connections.Load(),
		Published:   h.published.Load(),
		Evicted:     h.evicted.Load(),
	}
}

func (h *Hub) fanOut(e *Event) {
	h.published.Add(1)
	payload, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("realtime event not serializable", "type", e.Type, "error", err)
		return
	}

	var lagging []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.subscription().Matches(e) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			lagging = append(lagging, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range lagging {
		if h.remove(c) {
			h.evicted.Add(1)
			h.logger.Debug("feed client evicted for lagging")
		}
	}
}

// add registers c unless the hub is closed or full.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || len(h.clients) >= MaxClients {
		return false
	}
	h.clients[c] = struct{}{}
	h.peak = max(h.peak, len(h.clients))
	h.connections.Add(1)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	return true
}

// remove unregisters c and closes its send channel. It reports false when
// c was already gone.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	metrics.ActiveWebSocketClients.Set(float64(len(h.clients)))
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	metrics.ActiveWebSocketClients.Set(0)
}

func (h *Hub) acceptingConnections() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.closed && len(h.clients) < MaxClients
}
