package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/storyfab/storyfab/orchestrator/observability"
	"github.com/storyfab/storyfab/orchestrator/progress"
)

const maxWSConnections = 100

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Single-node tool, dashboard served from anywhere on the LAN.
	CheckOrigin: func(*http.Request) bool { return true },
}

// EventHub fans pipeline progress events out to websocket dashboard
// clients. Single broadcaster goroutine; a slow client gets dropped
// rather than stalling the hub. Implements progress.Sink.
type EventHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	events     chan progress.Event
	logger     *slog.Logger

	mu sync.RWMutex
}

// NewEventHub creates an idle hub; call Run to start broadcasting.
func NewEventHub(logger *slog.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		events:     make(chan progress.Event, 256),
		logger:     logger.With("component", "ws_hub"),
	}
}

// Name implements progress.Sink.
func (h *EventHub) Name() string { return "ws_hub" }

// Publish implements progress.Sink. A full buffer drops the event: the
// dashboard is a live view, not a durable record.
func (h *EventHub) Publish(e progress.Event) error {
	select {
	case h.events <- e:
	default:
	}
	return nil
}

// Run is the hub's broadcaster loop.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				h.logger.Warn("Websocket connection rejected", "max", maxWSConnections)
				continue
			}
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			observability.WSClients.Set(float64(total))
			h.logger.Info("Websocket client connected", "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case e := <-h.events:
			h.broadcast(e)
		}
	}
}

func (h *EventHub) broadcast(e progress.Event) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(e); err != nil {
			h.logger.Warn("Websocket write failed, dropping client", "error", err)
			h.drop(conn)
		}
	}
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	observability.WSClients.Set(float64(total))
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	observability.WSClients.Set(0)
}

// ServeHTTP upgrades /events/stream requests and parks a read pump per
// client to detect disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	h.register <- conn

	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
