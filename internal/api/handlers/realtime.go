package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matiasleandrokruk/toolforge/internal/api/middleware"
	"github.com/matiasleandrokruk/toolforge/internal/domain/apperror"
	"github.com/matiasleandrokruk/toolforge/internal/domain/audit"
	"github.com/matiasleandrokruk/toolforge/internal/domain/record"
	"github.com/matiasleandrokruk/toolforge/internal/domain/schema"
	"github.com/matiasleandrokruk/toolforge/internal/infra/eventbus"
)

const (
	// EventRecordsUpdated is pushed to subscribers after a committed mutation.
	EventRecordsUpdated = "records:updated"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 10
	sendBuffer     = 32
)

// realtimeMessage is the client-to-server message format.
type realtimeMessage struct {
	Type   string `json:"type"` // "subscribe" or "unsubscribe"
	ToolID string `json:"toolId"`
}

// realtimeEvent is the server-to-client message format.
type realtimeEvent struct {
	Type       string            `json:"type"`
	ToolID     string            `json:"toolId,omitempty"`
	RecordID   string            `json:"recordId,omitempty"`
	ActionType record.ChangeType `json:"actionType,omitempty"`
	ActorID    string            `json:"actorId,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// RealtimeHandler serves GET /api/realtime. Browsers cannot set headers on a
// websocket handshake, so the access token may also come as ?token=.
type RealtimeHandler struct {
	*Responder
	auth     middleware.Authenticator
	records  *record.Service
	bus      eventbus.EventBus
	upgrader websocket.Upgrader
}

// NewRealtimeHandler creates a RealtimeHandler. allowedOrigins restricts the
// handshake Origin; "*" or an empty list accepts any.
func NewRealtimeHandler(rs *Responder, a middleware.Authenticator, records *record.Service, bus eventbus.EventBus, allowedOrigins []string) *RealtimeHandler {
	h := &RealtimeHandler{Responder: rs, auth: a, records: records, bus: bus}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return h
}

func (h *RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = middleware.ExtractBearerToken(r)
	}
	if token == "" {
		h.Error(w, r, apperror.Unauthenticated("access token required"))
		return
	}
	user, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		h.Error(w, r, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		middleware.Logger(r.Context()).WarnContext(r.Context(), "websocket upgrade", "error", err)
		return
	}

	c := &realtimeConn{
		h:     h,
		conn:  conn,
		actor: audit.Actor{UserID: user.ID, Email: user.Email, Role: user.Role, IP: r.RemoteAddr, UserAgent: r.UserAgent()},
		send:  make(chan realtimeEvent, sendBuffer),
		done:  make(chan struct{}),
		subs:  make(map[string]<-chan eventbus.Event),
	}
	logger := middleware.Logger(r.Context()).With("user_id", user.ID)
	logger.InfoContext(r.Context(), "realtime connected")

	go c.writeLoop()
	c.readLoop(r)
	c.close()
	logger.InfoContext(r.Context(), "realtime disconnected")
}

// realtimeConn is one websocket client. Only writeLoop writes to conn.
type realtimeConn struct {
	h     *RealtimeHandler
	conn  *websocket.Conn
	actor audit.Actor
	send  chan realtimeEvent
	done  chan struct{}

	mu   sync.Mutex
	subs map[string]<-chan eventbus.Event
	wg   sync.WaitGroup
}

func (c *realtimeConn) readLoop(r *http.Request) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				middleware.Logger(r.Context()).WarnContext(r.Context(), "websocket read", "error", err)
			}
			return
		}

		var msg realtimeMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.push(realtimeEvent{Type: "error", Message: "invalid message format"})
			continue
		}
		if msg.ToolID == "" {
			c.push(realtimeEvent{Type: "error", Message: "toolId is required"})
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.subscribe(r, msg.ToolID)
		case "unsubscribe":
			c.unsubscribe(msg.ToolID)
			c.push(realtimeEvent{Type: "unsubscribed", ToolID: msg.ToolID})
		default:
			c.push(realtimeEvent{Type: "error", ToolID: msg.ToolID, Message: "unknown message type: " + msg.Type})
		}
	}
}

// subscribe checks that the user may access the tool before forwarding its
// change events.
func (c *realtimeConn) subscribe(r *http.Request, toolID string) {
	if _, err := c.h.records.Tool(r.Context(), c.actor, toolID); err != nil {
		c.push(realtimeEvent{Type: "error", ToolID: toolID, Message: record.PublicMessage(err)})
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[toolID]; ok {
		c.mu.Unlock()
		c.push(realtimeEvent{Type: "subscribed", ToolID: toolID})
		return
	}
	ch := c.h.bus.Subscribe(schema.Topic(toolID))
	c.subs[toolID] = ch
	c.mu.Unlock()

	c.wg.Add(1)
	go c.forward(ch)
	c.push(realtimeEvent{Type: "subscribed", ToolID: toolID})
}

func (c *realtimeConn) unsubscribe(toolID string) {
	c.mu.Lock()
	ch, ok := c.subs[toolID]
	delete(c.subs, toolID)
	c.mu.Unlock()
	if ok {
		c.h.bus.Unsubscribe(schema.Topic(toolID), ch)
	}
}

// forward relays bus events until the bus closes the channel.
func (c *realtimeConn) forward(ch <-chan eventbus.Event) {
	defer c.wg.Done()
	for ev := range ch {
		change, ok := ev.Payload.(record.ChangeEvent)
		if !ok {
			continue
		}
		c.push(realtimeEvent{
			Type:       EventRecordsUpdated,
			ToolID:     change.ToolID,
			RecordID:   change.RecordID,
			ActionType: change.ActionType,
			ActorID:    change.ActorID,
		})
	}
}

// push queues ev for the writer. A slow client misses events instead of
// stalling the publisher.
func (c *realtimeConn) push(ev realtimeEvent) {
	select {
	case <-c.done:
	case c.send <- ev:
	default:
	}
}

func (c *realtimeConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case ev := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *realtimeConn) close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = map[string]<-chan eventbus.Event{}
	c.mu.Unlock()
	for toolID, ch := range subs {
		c.h.bus.Unsubscribe(schema.Topic(toolID), ch)
	}
	c.wg.Wait()
	close(c.done)
	c.conn.Close()
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}
