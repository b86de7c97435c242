package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsPingInterval    = 15 * time.Second
	wsWriteWait       = 10 * time.Second
)

// wsFrame is the only wire shape on a client connection. Server pushes carry
// ID and Address; acknowledgments carry ReplyTo.
type wsFrame struct {
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Address string          `json:"address,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// SessionResolver extracts the session id a connection binds to.
type SessionResolver func(r *http.Request) (string, error)

// QuerySessionResolver reads the "session" query parameter.
func QuerySessionResolver(r *http.Request) (string, error) {
	id := r.URL.Query().Get("session")
	if id == "" {
		return "", errors.New("missing session parameter")
	}
	return id, nil
}

// WebSocketHub bridges client websocket connections onto a Bus. While a
// client is connected its client.<session>.events and client.<session>.data
// addresses are registered on the bus; frames the client sends to an
// allowed server address are forwarded as bus requests.
type WebSocketHub struct {
	bus      *Bus
	resolve  SessionResolver
	inbound  map[string]bool
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewWebSocketHub creates a hub. inbound lists the server addresses clients
// may send to.
func NewWebSocketHub(bus *Bus, resolve SessionResolver, logger *slog.Logger, inbound ...string) *WebSocketHub {
	if resolve == nil {
		resolve = QuerySessionResolver
	}
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(inbound))
	for _, a := range inbound {
		allowed[a] = true
	}
	return &WebSocketHub{
		bus:     bus,
		resolve: resolve,
		inbound: allowed,
		clients: make(map[*wsClient]struct{}),
		logger:  logger.With("component", "websocket_hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := h.resolve(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsClient{
		hub:       h,
		conn:      conn,
		sessionID: sessionID,
		send:      make(chan []byte, 64),
		ctx:       ctx,
		cancel:    cancel,
		pending:   make(map[string]*Message),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()
	c.run()
}

// Connected reports how many clients are attached.
func (h *WebSocketHub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// pendingAcks counts pushes still waiting for a client acknowledgment.
func (h *WebSocketHub) pendingAcks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.clients {
		n += c.pendingAcks()
	}
	return n
}

type wsClient struct {
	hub       *WebSocketHub
	conn      *websocket.Conn
	sessionID string
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc

	mu         sync.Mutex
	pending    map[string]*Message
	unregister []func()
}

func (c *wsClient) run() {
	c.unregister = append(c.unregister,
		c.hub.bus.Register(ClientEventsAddress(c.sessionID), c.push),
		c.hub.bus.Register(ClientDataAddress(c.sessionID), c.push),
	)
	c.hub.logger.Info("client connected", "session_id", c.sessionID)

	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsClient) close() {
	for _, un := range c.unregister {
		un()
	}
	c.cancel()
	_ = c.conn.Close()

	c.mu.Lock()
	for id, msg := range c.pending {
		msg.Fail("connection closed")
		delete(c.pending, id)
	}
	c.mu.Unlock()
	c.hub.logger.Info("client disconnected", "session_id", c.sessionID)
}

func (c *wsClient) enqueue(f wsFrame) bool {
	raw, err := json.Marshal(f)
	if err != nil {
		return false
	}
	select {
	case c.send <- raw:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// push forwards a bus message to the client. Requests stay parked until the
// client acknowledges or the requester gives up; sends are not parked.
func (c *wsClient) push(ctx context.Context, msg *Message) {
	if !json.Valid(msg.Body) {
		msg.Fail("body is not JSON")
		return
	}
	abandoned := msg.Abandoned()
	if abandoned != nil {
		c.mu.Lock()
		c.pending[msg.ID] = msg
		c.mu.Unlock()
	}

	if !c.enqueue(wsFrame{ID: msg.ID, Address: msg.Address, Body: msg.Body}) {
		c.forget(msg.ID)
		msg.Fail("connection closed")
		return
	}
	if abandoned == nil {
		return
	}

	select {
	case <-abandoned:
		c.forget(msg.ID)
	case <-c.ctx.Done():
	}
}

func (c *wsClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *wsClient) pendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.enqueue(wsFrame{Error: "invalid frame"})
			continue
		}
		if f.ReplyTo != "" {
			c.ack(f)
			continue
		}
		if !c.hub.inbound[f.Address] {
			c.enqueue(wsFrame{ReplyTo: f.ID, Error: "unknown address"})
			continue
		}
		go c.forward(f)
	}
}

func (c *wsClient) ack(f wsFrame) {
	c.mu.Lock()
	msg, ok := c.pending[f.ReplyTo]
	delete(c.pending, f.ReplyTo)
	c.mu.Unlock()
	if !ok {
		return
	}
	if f.Error != "" {
		msg.Fail(f.Error)
		return
	}
	msg.Reply(f.Body)
}

func (c *wsClient) forward(f wsFrame) {
	body, err := c.hub.bus.Request(c.ctx, f.Address, f.Body)
	resp := wsFrame{ReplyTo: f.ID}
	if err != nil {
		resp.Error = err.Error()
	} else if json.Valid(body) {
		resp.Body = body
	}
	c.enqueue(resp)
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
