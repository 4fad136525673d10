package fitsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Envelopes
// ============================================================================

// Envelope types exchanged with clients.
const (
	EnvelopeHello            = "hello"
	EnvelopeControllerChange = "controllerchange"
	EnvelopeNotification     = "notification"
	EnvelopeNavigate         = "navigate"
	EnvelopeAck              = "ack"
	EnvelopeError            = "error"
)

// Envelope is the wire format for every client message.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: data}, nil
}

// HelloPayload greets a newly connected client.
type HelloPayload struct {
	ClientID   string `json:"clientId"`
	Controller string `json:"controller,omitempty"`
}

// ControllerChangePayload announces the generation now controlling a client.
type ControllerChangePayload struct {
	Version string `json:"version"`
}

// NavigatePayload asks a client to open a URL.
type NavigatePayload struct {
	URL string `json:"url"`
}

// AckPayload answers a client message.
type AckPayload struct {
	Type  string `json:"type"`
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// ClientInfo describes a connected client.
type ClientInfo struct {
	ID          string    `json:"id"`
	Controller  string    `json:"controller,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// ============================================================================
// Hub
// ============================================================================

// MessageHandler handles a client message. A reply with an empty Type is not sent.
type MessageHandler func(ctx context.Context, clientID string, env Envelope) Envelope

type hubClient struct {
	id          string
	conn        *websocket.Conn
	controller  string
	connectedAt time.Time
}

// Hub accepts client websocket connections and implements ClientController
// and Broadcaster over them.
type Hub struct {
	log          *slog.Logger
	writeTimeout time.Duration
	accept       *websocket.AcceptOptions

	mu         sync.Mutex
	clients    map[string]*hubClient
	controller string
	closed     bool
	onMessage  MessageHandler
	onConnect  func(ctx context.Context, clientID string)
	onEmpty    func(ctx context.Context)
}

// NewHub creates an empty hub. Pages served by the proxy itself may always
// connect; originPatterns adds other page hosts (e.g. the origin's host),
// matched with filepath.Match.
func NewHub(log *slog.Logger, originPatterns ...string) *Hub {
	if log == nil {
		log = discardLogger()
	}
	return &Hub{
		log:          log,
		writeTimeout: 5 * time.Second,
		accept:       &websocket.AcceptOptions{OriginPatterns: originPatterns},
		clients:      make(map[string]*hubClient),
	}
}

// OnMessage sets the handler for client messages.
func (h *Hub) OnMessage(fn MessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = fn
}

// OnConnect sets a callback run after a client connects.
func (h *Hub) OnConnect(fn func(ctx context.Context, clientID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

// OnEmpty sets a callback run when the last client disconnects.
func (h *Hub) OnEmpty(fn func(ctx context.Context)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEmpty = fn
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.log.WarnContext(r.Context(), "websocket accept failed", "error", err)
		return
	}
	c := &hubClient{id: uuid.NewString(), conn: conn, connectedAt: time.Now().UTC()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	c.controller = h.controller
	h.clients[c.id] = c
	controller := c.controller
	onConnect := h.onConnect
	h.mu.Unlock()

	ctx := r.Context()
	h.log.InfoContext(ctx, "client connected", "client", c.id, "controller", controller)

	hello, _ := NewEnvelope(EnvelopeHello, HelloPayload{ClientID: c.id, Controller: controller})
	if err := h.write(ctx, c, hello); err != nil {
		h.remove(ctx, c, websocket.StatusInternalError)
		return
	}
	if onConnect != nil {
		onConnect(ctx, c.id)
	}

	h.readLoop(ctx, c)
	h.remove(ctx, c, websocket.StatusNormalClosure)
}

func (h *Hub) readLoop(ctx context.Context, c *hubClient) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.log.DebugContext(ctx, "client read ended", "client", c.id, "error", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			reply, _ := NewEnvelope(EnvelopeError, AckPayload{OK: false, Error: "malformed envelope"})
			_ = h.write(ctx, c, reply)
			continue
		}

		h.mu.Lock()
		handler := h.onMessage
		h.mu.Unlock()
		if handler == nil {
			continue
		}
		if reply := handler(ctx, c.id, env); reply.Type != "" {
			if err := h.write(ctx, c, reply); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(ctx context.Context, c *hubClient, status websocket.StatusCode) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	empty := present && len(h.clients) == 0 && !h.closed
	onEmpty := h.onEmpty
	h.mu.Unlock()

	c.conn.Close(status, "")
	h.log.InfoContext(ctx, "client disconnected", "client", c.id)
	if empty && onEmpty != nil {
		onEmpty(context.WithoutCancel(ctx))
	}
}

func (h *Hub) write(ctx context.Context, c *hubClient, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.log.DebugContext(ctx, "client write failed", "client", c.id, "type", env.Type, "error", err)
		return err
	}
	return nil
}

// snapshot returns connected clients, oldest first.
func (h *Hub) snapshot() []*hubClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].connectedAt.Before(out[j].connectedAt) })
	return out
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Clients describes connected clients, oldest first.
func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, ClientInfo{ID: c.id, Controller: c.controller, ConnectedAt: c.connectedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Claim makes version the controller of every connected client and of
// clients that connect later.
func (h *Hub) Claim(ctx context.Context, version string) int {
	h.mu.Lock()
	h.controller = version
	for _, c := range h.clients {
		c.controller = version
	}
	h.mu.Unlock()

	env, _ := NewEnvelope(EnvelopeControllerChange, ControllerChangePayload{Version: version})
	return h.Broadcast(ctx, env)
}

// Broadcast sends env to every client and returns how many received it.
func (h *Hub) Broadcast(ctx context.Context, env Envelope) int {
	n := 0
	for _, c := range h.snapshot() {
		if h.write(ctx, c, env) == nil {
			n++
		}
	}
	return n
}

// Navigate asks the oldest reachable client to open url.
func (h *Hub) Navigate(ctx context.Context, url string) bool {
	env, _ := NewEnvelope(EnvelopeNavigate, NavigatePayload{URL: url})
	for _, c := range h.snapshot() {
		if h.write(ctx, c, env) == nil {
			return true
		}
	}
	return false
}

// Send delivers env to one client.
func (h *Hub) Send(ctx context.Context, clientID string, env Envelope) error {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("client %s is not connected", clientID)
	}
	return h.write(ctx, c, env)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*hubClient)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.conn.Close(websocket.StatusGoingAway, "shutting down")
		}()
	}
	wg.Wait()
}

// ============================================================================
// HubConn
// ============================================================================

// HubConn is a client connection to a Hub.
type HubConn struct {
	conn  *websocket.Conn
	hello HelloPayload
}

// ClientsPath is where the hub is mounted.
const ClientsPath = "/_worker/clients"

// DialHub connects to the hub served at baseURL and waits for its greeting.
func DialHub(ctx context.Context, baseURL string) (*HubConn, error) {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimRight(wsURL, "/") + ClientsPath

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	hc := &HubConn{conn: conn}

	env, err := hc.Next(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if env.Type != EnvelopeHello || json.Unmarshal(env.Payload, &hc.hello) != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected '%s', got '%s'", EnvelopeHello, env.Type)
	}
	return hc, nil
}

// ID returns the client id assigned by the hub.
func (c *HubConn) ID() string { return c.hello.ClientID }

// Controller returns the generation controlling this client at connect time.
func (c *HubConn) Controller() string { return c.hello.Controller }

// Send writes an envelope to the hub.
func (c *HubConn) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Next reads the next envelope from the hub.
func (c *HubConn) Next(ctx context.Context) (Envelope, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Close closes the connection.
func (c *HubConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
