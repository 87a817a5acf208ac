// Package websocket pushes availability changes to connected clients. Clients
// subscribe to doctors; every committed booking, status change or template
// edit for a subscribed doctor produces a Notice telling them to refresh.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
)

// Notice is the message sent to subscribers. It never carries patient data.
type Notice struct {
	Type          scheduling.EventType         `json:"type"`
	DoctorID      uuid.UUID                    `json:"doctor_id"`
	Date          *scheduling.Date             `json:"date,omitempty"`
	SlotStart     *scheduling.TimeOfDay        `json:"slot_start,omitempty"`
	DayOfWeek     scheduling.Weekday           `json:"day_of_week,omitempty"`
	AppointmentID *uuid.UUID                   `json:"appointment_id,omitempty"`
	Status        scheduling.AppointmentStatus `json:"status,omitempty"`
	TemplateID    *uuid.UUID                   `json:"template_id,omitempty"`
	OccurredAt    time.Time                    `json:"occurred_at"`
}

// ClientMessage is an inbound message from a client.
type ClientMessage struct {
	Action  string      `json:"action"`
	Doctors []uuid.UUID `json:"doctors"`
}

// Conn abstracts a WebSocket connection for testability.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one connection. Its subscriptions live in one clinic.
type Client struct {
	ID     string
	Clinic string
	Send   chan []byte
	topics map[string]struct{}
	conn   Conn
}

func NewClient(clinic string, conn Conn) *Client {
	return &Client{
		ID:     uuid.NewString(),
		Clinic: clinic,
		Send:   make(chan []byte, 256),
		topics: make(map[string]struct{}),
		conn:   conn,
	}
}

func topic(clinic string, doctorID uuid.UUID) string {
	return clinic + "/" + doctorID.String()
}

// Hub tracks clients and their subscriptions. It is safe for concurrent use.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
	for t := range client.topics {
		h.addLocked(t, client)
	}
}

// Unregister removes a client from the hub and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for t := range client.topics {
		h.removeLocked(t, client)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) addLocked(t string, client *Client) {
	if h.clients[t] == nil {
		h.clients[t] = make(map[*Client]struct{})
	}
	h.clients[t][client] = struct{}{}
	client.topics[t] = struct{}{}
}

func (h *Hub) removeLocked(t string, client *Client) {
	if subscribers, ok := h.clients[t]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, t)
		}
	}
	delete(client.topics, t)
}

// Subscribe adds doctors to a client's subscriptions.
func (h *Hub) Subscribe(client *Client, doctors []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, registered := h.all[client]
	for _, d := range doctors {
		if registered {
			h.addLocked(topic(client.Clinic, d), client)
		} else {
			client.topics[topic(client.Clinic, d)] = struct{}{}
		}
	}
}

// Unsubscribe removes doctors from a client's subscriptions.
func (h *Hub) Unsubscribe(client *Client, doctors []uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range doctors {
		h.removeLocked(topic(client.Clinic, d), client)
	}
}

// ProcessMessage dispatches a client message.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Doctors)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Doctors)
	}
}

// Publish implements scheduling.EventPublisher. The clinic is taken from ctx.
func (h *Hub) Publish(ctx context.Context, ev scheduling.DomainEvent) error {
	n, ok := noticeFor(ev)
	if !ok {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	h.broadcast(topic(db.ClinicFromContext(ctx), n.DoctorID), data)
	return nil
}

func noticeFor(ev scheduling.DomainEvent) (Notice, bool) {
	n := Notice{Type: ev.Type, OccurredAt: ev.OccurredAt}
	switch {
	case ev.Appointment != nil:
		a := ev.Appointment
		date, start, id := a.Date, a.SlotStart, a.ID
		n.DoctorID = a.DoctorID
		n.Date, n.SlotStart, n.AppointmentID = &date, &start, &id
		n.Status = a.Status
	case ev.Template != nil:
		id := ev.Template.ID
		n.DoctorID = ev.Template.DoctorID
		n.DayOfWeek = ev.Template.DayOfWeek
		n.TemplateID = &id
	default:
		return Notice{}, false
	}
	return n, true
}

func (h *Hub) broadcast(t string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[t] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Msg("send buffer full, notice dropped")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// SubscriberCount returns the number of clients watching a doctor.
func (h *Hub) SubscriberCount(clinic string, doctorID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic(clinic, doctorID)])
}

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler returns a handler that accepts the given origins. An empty list
// accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return len(allowed) == 0 || origin == "" || allowed[origin]
			},
		},
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/live", h.HandleConnect)
}

// HandleConnect upgrades the connection, subscribes the client to the
// doctors named in ?doctor= and starts the read and write pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	var doctors []uuid.UUID
	for _, raw := range c.QueryParams()["doctor"] {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor id")
		}
		doctors = append(doctors, id)
	}
	clinic := db.ClinicFromContext(c.Request().Context())

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(clinic, ws)
	h.hub.Subscribe(client, doctors)
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
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
		h.hub.ProcessMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			return
		}
	}
}
