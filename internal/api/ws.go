// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/aibridge/internal/events"
)

const (
	// wsWriteWait bounds a single frame write.
	wsWriteWait = 10 * time.Second
	// wsPongWait is how long a silent peer is kept before the read side
	// gives up; pings go out at a fraction of it.
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	// wsSendBuffer is the per-client outbound queue; a client that cannot
	// drain it loses events rather than stalling the hub.
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway binds to loopback by default; cross-origin browser
	// clients are expected for local dashboards.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is the wire envelope for both pushed events and command replies.
type wsMessage struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// wsCommand is what clients send: subscribe with a channel filter, or ping.
type wsCommand struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels,omitempty"`
}

// wsClient is one connected event consumer.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu sync.Mutex
	// channels filters pushed event types; nil means everything.
	channels map[events.Type]bool
}

func (c *wsClient) wants(t events.Type) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels == nil || c.channels[t]
}

func (c *wsClient) setChannels(names []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(names) == 0 {
		c.channels = nil
		return []string{"*"}
	}
	c.channels = make(map[events.Type]bool, len(names))
	applied := make([]string, 0, len(names))
	for _, name := range names {
		c.channels[events.Type(name)] = true
		applied = append(applied, name)
	}
	return applied
}

// wsHub fans bus events out to connected clients.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
	sub     *events.Subscription
}

func newWSHub(bus *events.Bus) *wsHub {
	h := &wsHub{clients: make(map[*wsClient]bool)}
	h.sub = bus.SubscribeAll(h.broadcast)
	return h
}

func (h *wsHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

// broadcast pushes one bus event to every client whose filter matches. Slow
// clients are skipped, not waited on.
func (h *wsHub) broadcast(e *events.Event) {
	payload, err := json.Marshal(wsMessage{
		Type:      string(e.Type),
		RequestID: e.RequestID,
		Provider:  e.Provider,
		Timestamp: e.Timestamp,
		Data:      e.Data,
	})
	if err != nil {
		log.Warnf("Failed to marshal WebSocket event: %v", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(e.Type) {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (h *wsHub) shutdown() {
	h.sub.Unsubscribe()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// handleWS upgrades the connection and runs the read loop; writes happen in
// a companion goroutine so a stuck peer never blocks event dispatch.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	if !s.hub.register(client) {
		conn.Close()
		return
	}

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) readPump(client *wsClient) {
	defer func() {
		s.hub.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(4096)
	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := client.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debugf("WebSocket client read error: %v", err)
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch cmd.Action {
		case "subscribe":
			s.reply(client, "subscribed", map[string]any{
				"channels": client.setChannels(cmd.Channels),
			})
		case "ping":
			s.reply(client, "pong", nil)
		default:
			s.reply(client, "error", map[string]any{"error": "Unknown action: " + cmd.Action})
		}
	}
}

// reply queues a direct response to one client.
func (s *Server) reply(client *wsClient, msgType string, data map[string]any) bool {
	payload, err := json.Marshal(wsMessage{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

func (s *Server) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
