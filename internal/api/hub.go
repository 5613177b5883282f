package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scanguard/internal/model"
)

// Hub streams alerts to connected websocket clients. It is registered with
// the dispatcher as a sink, so writes happen on the dispatcher goroutine.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) Name() string { return "stream" }

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Send(ctx context.Context, alert model.AlertEvent) error {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.mu.Unlock()
	if len(clients) == 0 {
		return nil
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(2 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for _, conn := range clients {
		_ = conn.SetWriteDeadline(deadline)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			if h.logger != nil {
				h.logger.Debug("failed to write to stream client", "remote", conn.RemoteAddr().String(), "err", err)
			}
			h.drop(conn)
		}
	}
	return nil
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("websocket upgrade failed", "err", err)
		}
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	if h.logger != nil {
		h.logger.Info("stream client connected", "remote", conn.RemoteAddr().String())
	}

	// Reads only detect the peer going away.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, ok := h.clients[conn]
	delete(h.clients, conn)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.Close()
	if h.logger != nil {
		h.logger.Info("stream client disconnected", "remote", conn.RemoteAddr().String())
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()
	for conn := range clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	return nil
}
