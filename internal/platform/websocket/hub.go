// Package websocket pushes workflow events to connected clients. Clients
// subscribe to named channels such as "patient:<id>" or "pharmacy:<id>";
// services emit to a channel through the Broadcaster interface.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/careflow/careflow/internal/platform/auth"
	"github.com/careflow/careflow/internal/platform/outbox"
)

// Event is the frame written to subscribed clients.
type Event struct {
	Event     string          `json:"event"`
	Channel   string          `json:"channel"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// Emitter sends events on one channel.
type Emitter interface {
	Emit(ctx context.Context, event string, payload interface{}) error
}

// Broadcaster resolves a channel name to an Emitter.
type Broadcaster interface {
	ToChannel(name string) Emitter
}

func PatientChannel(id string) string  { return "patient:" + id }
func DoctorChannel(id string) string   { return "doctor:" + id }
func PharmacyChannel(id string) string { return "pharmacy:" + id }
func LabChannel(id string) string      { return "lab:" + id }
func UserChannel(id string) string     { return "user:" + id }

// NewEvent encodes payload into an Event for channel.
func NewEvent(channel, event string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return Event{Event: event, Channel: channel, Timestamp: time.Now().UTC(), Data: data}, nil
}

// Client represents a single WebSocket connection.
type Client struct {
	ID       string
	UserID   string
	Roles    []string
	Channels []string
	Send     chan []byte
	hub      *Hub
}

// Hub tracks clients and their channel subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // channel -> set of clients
	all     map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, ch := range client.Channels {
		h.addLocked(ch, client)
	}
}

func (h *Hub) addLocked(channel string, client *Client) {
	if h.clients[channel] == nil {
		h.clients[channel] = make(map[*Client]struct{})
	}
	h.clients[channel][client] = struct{}{}
}

// Unregister removes a client from every channel and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, ch := range client.Channels {
		if subscribers, ok := h.clients[ch]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, ch)
			}
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds the channels the client is allowed to see and returns the
// ones that were refused.
func (h *Hub) Subscribe(client *Client, channels []string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var denied []string
	for _, ch := range channels {
		if !CanSubscribe(client.UserID, client.Roles, ch) {
			denied = append(denied, ch)
			continue
		}
		h.addLocked(ch, client)
		client.Channels = append(client.Channels, ch)
	}
	return denied
}

func (h *Hub) Unsubscribe(client *Client, channels []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		removeSet[ch] = struct{}{}
		if subscribers, ok := h.clients[ch]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.clients, ch)
			}
		}
	}

	remaining := make([]string, 0, len(client.Channels))
	for _, ch := range client.Channels {
		if _, rm := removeSet[ch]; !rm {
			remaining = append(remaining, ch)
		}
	}
	client.Channels = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) []string {
	switch msg.Action {
	case "subscribe":
		return h.Subscribe(client, msg.Channels)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Channels)
	}
	return nil
}

// Deliver writes the event to every local subscriber of its channel. Slow
// clients with a full buffer miss the event.
func (h *Hub) Deliver(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[event.Channel] {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// ToChannel implements Broadcaster for a single-instance deployment.
func (h *Hub) ToChannel(name string) Emitter {
	return hubEmitter{hub: h, channel: name}
}

type hubEmitter struct {
	hub     *Hub
	channel string
}

func (e hubEmitter) Emit(_ context.Context, event string, payload interface{}) error {
	ev, err := NewEvent(e.channel, event, payload)
	if err != nil {
		return err
	}
	e.hub.Deliver(ev)
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) ChannelCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[channel])
}

// CanSubscribe reports whether a user may listen on channel. Patients and
// doctors see only their own channel; pharmacists and lab technicians see
// facility channels; admins see everything.
func CanSubscribe(userID string, roles []string, channel string) bool {
	kind, id, ok := strings.Cut(channel, ":")
	if !ok || id == "" {
		return false
	}
	for _, r := range roles {
		if r == auth.RoleAdmin {
			return true
		}
	}
	switch kind {
	case "user":
		return id == userID
	case "patient":
		return id == userID && auth.HasRole(roles, auth.RolePatient)
	case "doctor":
		return id == userID && auth.HasRole(roles, auth.RoleDoctor)
	case "pharmacy":
		return auth.HasRole(roles, auth.RolePharmacist)
	case "lab":
		return auth.HasRole(roles, auth.RoleLabTechnician)
	}
	return false
}

// OutboxHandler delivers outbox broadcast messages through b.
func OutboxHandler(b Broadcaster) outbox.Handler {
	return func(ctx context.Context, msg *outbox.Message) error {
		var p struct {
			Channel string          `json:"channel"`
			Event   string          `json:"event"`
			Data    json.RawMessage `json:"data"`
		}
		if err := msg.Decode(&p); err != nil {
			return fmt.Errorf("decode broadcast payload: %w", err)
		}
		return b.ToChannel(p.Channel).Emit(ctx, p.Event, p.Data)
	}
}

// ---------------------------------------------------------------------------
// WebSocketHandler
// ---------------------------------------------------------------------------

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	hub    *Hub
	logger zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logger}
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request and subscribes the caller to its own
// user channel. Further channels are requested with ClientMessage frames.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing user")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:       uuid.New().String(),
		UserID:   userID,
		Roles:    auth.RolesFromContext(ctx),
		Channels: []string{UserChannel(userID)},
		Send:     make(chan []byte, 256),
		hub:      wsh.hub,
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if denied := wsh.hub.ProcessMessage(client, msg); len(denied) > 0 {
			wsh.logger.Warn().Str("user_id", client.UserID).Strs("channels", denied).Msg("websocket subscription denied")
		}
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
