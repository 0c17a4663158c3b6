package realtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub      *Hub
	staffKey string
	log      *slog.Logger
}

func NewHandler(hub *Hub, staffKey string, log *slog.Logger) *Handler {
	return &Handler{hub: hub, staffKey: staffKey, log: log}
}

// ServeOrder subscribes a client to updates for one order.
func (h *Handler) ServeOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		http.Error(w, "missing order id", http.StatusBadRequest)
		return
	}
	h.serve(w, r, orderID, false)
}

// ServeStaff subscribes a staff client to every settlement event.
func (h *Handler) ServeStaff(w http.ResponseWriter, r *http.Request) {
	if h.staffKey == "" || r.Header.Get("X-API-Key") != h.staffKey {
		http.Error(w, "staff key required", http.StatusForbidden)
		return
	}
	h.serve(w, r, "", true)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, orderID string, staff bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		orderID: orderID,
		staff:   staff,
	}

	client.hub.register <- client
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
}
