// Package websocket serves the live bed board. Clients subscribe to topics
// ("beds", "beds:<department_id>", "alerts") and receive every bed status
// change and alert transition published to them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dataclinica/bedflow/internal/domain/bed"
)

const (
	TopicBeds   = "beds"
	TopicAlerts = "alerts"

	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// DepartmentTopic is the topic carrying one department's bed changes.
func DepartmentTopic(departmentID string) string {
	return TopicBeds + ":" + departmentID
}

// Event is one message pushed to subscribers.
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	ResourceID string          `json:"resource_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
	hub    *Hub
	conn   Conn
}

// Hub tracks clients and their topic subscriptions. Slow clients whose send
// buffer is full miss messages rather than blocking publishers.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> subscribers
	all     map[*Client]struct{}
	dropped atomic.Int64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Register adds a client and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes a client from every topic and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		if !validTopic(topic) || contains(client.Topics, topic) {
			continue
		}
		h.addLocked(topic, client)
		client.Topics = append(client.Topics, topic)
	}
}

func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	remaining := client.Topics[:0]
	for _, t := range client.Topics {
		if contains(topics, t) {
			h.removeLocked(t, client)
			continue
		}
		remaining = append(remaining, t)
	}
	client.Topics = remaining
}

func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
	}
}

// Publish sends event to every subscriber of event.Topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[event.Topic] {
		select {
		case client.Send <- data:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// BedChanged pushes a committed bed change to the hospital-wide topic and to
// the bed's department topic.
func (h *Hub) BedChanged(ctx context.Context, ch bed.Change) {
	raw, err := json.Marshal(ch)
	if err != nil {
		h.logger.Warn().Err(err).Msg("marshal bed change")
		return
	}
	for _, topic := range []string{TopicBeds, DepartmentTopic(ch.DepartmentID)} {
		ev := Event{
			Type:       "bed.status_changed",
			Topic:      topic,
			ResourceID: ch.BedID.String(),
			Timestamp:  ch.At,
			Data:       raw,
		}
		if err := h.Publish(ctx, ev); err != nil {
			h.logger.Warn().Err(err).Str("topic", topic).Msg("publish bed change")
		}
	}
}

// PublishJSON wraps v in an Event on topic.
func (h *Hub) PublishJSON(ctx context.Context, topic, typ, resourceID string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Publish(ctx, Event{
		Type:       typ,
		Topic:      topic,
		ResourceID: resourceID,
		Timestamp:  time.Now().UTC(),
		Data:       raw,
	})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Dropped reports how many messages were skipped because a client's buffer
// was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) addLocked(topic string, c *Client) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][c] = struct{}{}
}

func (h *Hub) removeLocked(topic string, c *Client) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
}

func validTopic(t string) bool {
	if t == TopicBeds || t == TopicAlerts {
		return true
	}
	return strings.HasPrefix(t, TopicBeds+":") && len(t) > len(TopicBeds)+1
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler upgrades connections whose Origin is in origins. An empty list
// or "*" accepts any origin.
func NewHandler(hub *Hub, origins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
}

func (wsh *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request and subscribes the client to the
// comma-separated ?topics= list (default "beds").
func (wsh *Handler) HandleConnect(c echo.Context) error {
	topics := []string{TopicBeds}
	if q := c.QueryParam("topics"); q != "" {
		topics = topics[:0]
		for _, t := range strings.Split(q, ",") {
			if t = strings.TrimSpace(t); validTopic(t) {
				topics = append(topics, t)
			}
		}
		if len(topics) == 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "no valid topics requested")
		}
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:     uuid.New().String(),
		Topics: topics,
		Send:   make(chan []byte, sendBuffer),
		hub:    wsh.hub,
		conn:   ws,
	}
	wsh.hub.Register(client)

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
	}()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = struct{}{}
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[origin]
		return ok
	}
}
