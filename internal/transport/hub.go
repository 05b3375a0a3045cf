package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tonbridge/internal/models"
)

// HandlerFunc processes one inbound message from one attached port.
// Messages from the same port are delivered one at a time in arrival
// order; distinct ports are independent.
type HandlerFunc func(ctx context.Context, port *Conn, msg models.Message)

// Conn is one attached context on the background side: a content-script
// port bound to a dApp origin, or the approval UI port.
type Conn struct {
	ID     string
	Name   string
	Origin string

	ws     *websocket.Conn
	sendMu sync.Mutex
}

func (c *Conn) push(msg models.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.WriteJSON(msg)
}

// Respond sends the Response envelope correlated to a request id.
func (c *Conn) Respond(id int64, method string, result json.RawMessage, bridgeErr *models.BridgeError) error {
	params, err := json.Marshal(models.RPCResponse{Method: method, Result: result, Error: bridgeErr})
	if err != nil {
		return err
	}
	return c.push(models.Message{Method: models.MethodResponse, ID: id, Params: params})
}

// Hub owns every attached port. It lives for the whole daemon lifetime;
// there is no teardown short of process exit.
type Hub struct {
	mu      sync.Mutex
	conns   map[*Conn]struct{}
	handler HandlerFunc
}

func NewHub() *Hub {
	return &Hub{conns: map[*Conn]struct{}{}}
}

func (h *Hub) SetHandler(fn HandlerFunc) {
	h.handler = fn
}

// Serve runs the read loop for one attached websocket until it drops.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, name, origin string) {
	conn := &Conn{ID: uuid.NewString(), Name: name, Origin: origin, ws: ws}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		ws.Close()
	}()

	for {
		var msg models.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if h.handler != nil {
			h.handler(ctx, conn, msg)
		}
	}
}

// PushToOrigin delivers a message to every content port attached for the
// origin and reports how many received it.
func (h *Hub) PushToOrigin(origin string, msg models.Message) int {
	return h.broadcast(func(c *Conn) bool {
		return c.Name == models.PortNameContentScript && c.Origin == origin
	}, msg)
}

// PushToUI delivers a message to every attached UI port.
func (h *Hub) PushToUI(msg models.Message) int {
	return h.broadcast(func(c *Conn) bool {
		return c.Name == models.PortNameUI
	}, msg)
}

func (h *Hub) UIAttached() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		if c.Name == models.PortNameUI {
			return true
		}
	}
	return false
}

func (h *Hub) broadcast(match func(*Conn) bool, msg models.Message) int {
	h.mu.Lock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if match(c) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, c := range targets {
		if err := c.push(msg); err == nil {
			n++
		}
	}
	return n
}
