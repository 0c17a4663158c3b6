// Package realtime fans settlement events out to websocket listeners: a
// staff feed that sees every event and per-order feeds for customers
// watching a single order.
package realtime

import (
	"context"
	"encoding/json"
)

type Message struct {
	OrderID string          `json:"order_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string // empty for staff clients
	staff   bool
}

type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	byOrder    map[string]map[*Client]bool
	staff      map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan Message),
		byOrder:    make(map[string]map[*Client]bool),
		staff:      make(map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			if c.staff {
				h.staff[c] = true
				continue
			}
			set, ok := h.byOrder[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.byOrder[c.orderID] = set
			}
			set[c] = true
		case c := <-h.unregister:
			h.drop(c)
		case msg := <-h.broadcast:
			b, _ := json.Marshal(msg)
			for c := range h.staff {
				h.push(c, b)
			}
			if set, ok := h.byOrder[msg.OrderID]; ok {
				for c := range set {
					h.push(c, b)
				}
			}
		case <-ctx.Done():
			for _, set := range h.byOrder {
				for c := range set {
					close(c.send)
				}
			}
			for c := range h.staff {
				close(c.send)
			}
			return
		}
	}
}

func (h *Hub) Broadcast(msg Message) {
	go func() { h.broadcast <- msg }()
}

func (h *Hub) push(c *Client, b []byte) {
	select {
	case c.send <- b:
	default:
		h.drop(c)
	}
}

func (h *Hub) drop(c *Client) {
	if c.staff {
		if _, ok := h.staff[c]; ok {
			delete(h.staff, c)
			close(c.send)
		}
		return
	}
	if set, ok := h.byOrder[c.orderID]; ok {
		if _, exists := set[c]; exists {
			delete(set, c)
			close(c.send)
		}
		if len(set) == 0 {
			delete(h.byOrder, c.orderID)
		}
	}
}
