// Package ws streams bus events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/conductor/internal/events"
)

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu    sync.RWMutex
	types map[events.EventType]bool
}

func (c *Client) wants(t events.EventType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.types) == 0 || c.types[t]
}

// Handler executes control requests on behalf of clients. It returns
// ErrUnknownMethod for methods it does not serve.
type Handler interface {
	Handle(ctx context.Context, method Method, params json.RawMessage) (any, error)
}

// Hub manages WebSocket clients and bridges them to the event bus.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	bus         *events.Bus
	handler     Handler
	unsubscribe func()
}

// NewHub creates a new WebSocket hub connected to an event bus. A nil bus
// gives a hub that accepts clients but never streams.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
	}
	if bus == nil {
		return h
	}

	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e.SessionID, e)
		if err != nil {
			slog.Error("ws: marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("ws: marshal frame", "error", err)
			return
		}
		h.broadcast(e.Type, data)
	})
	return h
}

// SetHandler configures the handler for control requests.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcast(t events.EventType, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(t) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slog.Debug("ws: client too slow, dropping event", "type", t)
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws: client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		slog.Info("ws: client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws: accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws: read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws: read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Warn("ws: unmarshal frame", "error", err)
			continue
		}
		if frame.Type != FrameTypeRequest {
			slog.Debug("ws: unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	switch Method(frame.Method) {
	case MethodSetFilter:
		var params SetFilterParams
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.reply(frame.ID, false, nil, "invalid params")
			return
		}
		types := make(map[events.EventType]bool, len(params.Types))
		for _, t := range params.Types {
			types[events.EventType(t)] = true
		}
		c.mu.Lock()
		c.types = types
		c.mu.Unlock()
		c.reply(frame.ID, true, map[string]int{"types": len(types)}, "")

	case MethodHistory:
		var params HistoryParams
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				c.reply(frame.ID, false, nil, "invalid params")
				return
			}
		}
		if params.Limit <= 0 {
			params.Limit = 50
		}
		var history []events.Event
		if c.hub.bus != nil {
			history = c.hub.bus.History(params.Limit)
		}
		if history == nil {
			history = []events.Event{}
		}
		c.reply(frame.ID, true, history, "")

	default:
		c.hub.mu.RLock()
		handler := c.hub.handler
		c.hub.mu.RUnlock()
		if handler == nil {
			c.reply(frame.ID, false, nil, "unknown method: "+frame.Method)
			return
		}
		result, err := handler.Handle(ctx, Method(frame.Method), frame.Params)
		if err != nil {
			c.fail(frame.ID, frame.Method, err)
			return
		}
		c.reply(frame.ID, true, result, "")
	}
}

func (c *Client) fail(id, method string, err error) {
	if errors.Is(err, ErrUnknownMethod) {
		c.reply(id, false, nil, "unknown method: "+method)
		return
	}
	f, ferr := NewResponseFrame(id, false, nil, err.Error())
	if ferr != nil {
		return
	}
	var re *RequestError
	if errors.As(err, &re) {
		f.Kind = re.Kind
	}
	slog.Debug("ws: request failed", "method", method, "kind", f.Kind, "error", err)
	c.queue(f)
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) reply(id string, ok bool, payload any, errMsg string) {
	f, err := NewResponseFrame(id, ok, payload, errMsg)
	if err != nil {
		slog.Warn("ws: encode response", "error", err)
		return
	}
	c.queue(f)
}

func (c *Client) queue(f Frame) {
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, live := c.hub.clients[c]; !live {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
		close(c.send)
	}
}
