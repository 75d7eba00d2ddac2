// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Message types streamed over /ws.
const (
	MsgInit          = "init"
	MsgDeviceUpdate  = "device_update"
	MsgSceneSwitch   = "scene_switch"
	MsgMetricsUpdate = "metrics_update"
)

// wsMessage is the envelope for every /ws frame.
type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
	Ts   int64  `json:"ts"`
}

// clientSendBuffer bounds the per-client outbound queue; clients that
// cannot drain it are dropped rather than stalling broadcasts.
const clientSendBuffer = 32

// Hub fans daemon events out to WebSocket clients. The daemon is the
// authority: clients get a full snapshot on connect and reconcile on
// reconnect.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// initSnapshot builds the payload for the init message sent to
	// each new client.
	initSnapshot func() any

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub. initSnapshot is called once per connecting
// client.
func NewHub(initSnapshot func() any, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:       logger.With("component", "ws"),
		initSnapshot: initSnapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The daemon serves LAN dashboards; same-origin policy is
			// not enforced here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeWS upgrades the request and registers the client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &hubClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "remote", r.RemoteAddr, "clients", n)

	if data, err := marshalMessage(MsgInit, h.initSnapshot()); err == nil {
		client.send <- data
	}

	go h.writePump(client)
	go h.readPump(client, r.RemoteAddr)
}

func (h *Hub) writePump(c *hubClient) {
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.drop(c)
			return
		}
	}
}

// readPump discards inbound frames; clients talk to the daemon via
// REST or the bus. Its job is noticing the close.
func (h *Hub) readPump(c *hubClient, remote string) {
	defer func() {
		h.drop(c)
		h.logger.Info("websocket client disconnected", "remote", remote)
	}()
	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *hubClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	_ = c.conn.Close()
}

// Broadcast sends one message to every connected client. Clients with
// a full queue are dropped.
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := marshalMessage(msgType, data)
	if err != nil {
		h.logger.Error("failed to encode broadcast", "type", msgType, "error", err)
		return
	}

	h.mu.Lock()
	var slow []*hubClient
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow websocket client")
		h.drop(c)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.drop(c)
	}
}

func marshalMessage(msgType string, data any) ([]byte, error) {
	return json.Marshal(wsMessage{Type: msgType, Data: data, Ts: time.Now().UnixMilli()})
}
