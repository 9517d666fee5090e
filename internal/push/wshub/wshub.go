// Package wshub is the WebSocket transport for push events. It accepts client
// connections, forwards session activation and disconnect to the core, and
// implements push.Adapter by addressing events to the connections bound to
// the target session.
package wshub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kotoha-ai/kotoha/internal/push"
)

// Inbound and outbound event names on the wire.
const (
	EventSessionActivate  = "session_activate"
	EventSessionActivated = "session_activated"
	EventVoiceFileReady   = "voice_file_ready"
	EventInactivityRemind = "inactivity_reminder"
	EventError            = "error"
)

const defaultWriteTimeout = 5 * time.Second

// envelope is the wire frame: an event name plus its JSON payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// activatePayload is the client's session_activate request body.
type activatePayload struct {
	SessionID string `json:"session_id"`
}

// ActivateFunc is called when a client binds its session to the connection.
type ActivateFunc func(ctx context.Context, transportID, sessionID string)

// DisconnectFunc is called when a connection goes away.
type DisconnectFunc func(transportID string)

// client is one live connection. Writes are serialized by mu; coder/websocket
// permits only one concurrent writer per connection.
type client struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	session string
}

// Hub accepts WebSocket clients and delivers push events to them.
// All methods are safe for concurrent use.
type Hub struct {
	onActivate   ActivateFunc
	onDisconnect DisconnectFunc
	logger       *slog.Logger
	writeTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*client
}

// Option is a functional option for Hub.
type Option func(*Hub)

// WithLogger sets the slog logger for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithWriteTimeout bounds each outbound write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// New creates a Hub. onActivate and onDisconnect connect the transport to the
// session manager; either may be nil.
func New(onActivate ActivateFunc, onDisconnect DisconnectFunc, opts ...Option) *Hub {
	h := &Hub{
		onActivate:   onActivate,
		onDisconnect: onDisconnect,
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		clients:      make(map[string]*client),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ServeHTTP upgrades the request to a WebSocket connection and runs its read
// loop until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept", "error", err)
		return
	}

	transportID := uuid.NewString()
	c := &client{conn: conn}

	h.mu.Lock()
	h.clients[transportID] = c
	h.mu.Unlock()
	h.logger.Info("client connected", "transport_id", transportID)

	h.readLoop(r.Context(), transportID, c)

	h.mu.Lock()
	delete(h.clients, transportID)
	h.mu.Unlock()
	if h.onDisconnect != nil {
		h.onDisconnect(transportID)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")
	h.logger.Info("client disconnected", "transport_id", transportID)
}

// readLoop consumes inbound frames until the connection errors out. The only
// inbound event is session activation; everything else is answered with an
// error frame.
func (h *Hub) readLoop(ctx context.Context, transportID string, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.sendError(ctx, c, "malformed frame")
			continue
		}

		switch env.Event {
		case EventSessionActivate:
			var p activatePayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.SessionID == "" {
				h.sendError(ctx, c, "session_activate requires a session_id")
				continue
			}
			c.mu.Lock()
			c.session = p.SessionID
			c.mu.Unlock()
			if h.onActivate != nil {
				h.onActivate(ctx, transportID, p.SessionID)
			}
		default:
			h.sendError(ctx, c, fmt.Sprintf("unknown event %q", env.Event))
		}
	}
}

// PushVoiceFile delivers a synthesized fragment to the target session.
func (h *Hub) PushVoiceFile(ctx context.Context, ev push.VoiceFileReady) error {
	return h.broadcast(ctx, ev.SessionID, EventVoiceFileReady, ev)
}

// PushInactivityReminder delivers a spontaneous utterance to the target
// session.
func (h *Hub) PushInactivityReminder(ctx context.Context, ev push.InactivityReminder) error {
	return h.broadcast(ctx, ev.SessionID, EventInactivityRemind, ev)
}

// PushSessionActivated confirms a session binding to the target session.
func (h *Hub) PushSessionActivated(ctx context.Context, ev push.SessionActivated) error {
	return h.broadcast(ctx, ev.SessionID, EventSessionActivated, ev)
}

// broadcast sends one event to every connection bound to sessionID. A session
// with no connections is not an error; the event is simply dropped.
func (h *Hub) broadcast(ctx context.Context, sessionID, event string, data any) error {
	frame, err := marshalEnvelope(event, data)
	if err != nil {
		return fmt.Errorf("wshub: marshal %s: %w", event, err)
	}

	h.mu.Lock()
	targets := make([]*client, 0, 1)
	for _, c := range h.clients {
		c.mu.Lock()
		bound := c.session == sessionID
		c.mu.Unlock()
		if bound {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.logger.Debug("push event with no bound connection",
			"event", event, "session_id", sessionID)
		return nil
	}

	for _, c := range targets {
		if err := h.write(ctx, c, frame); err != nil {
			h.logger.Warn("push write failed",
				"event", event, "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// sendError writes an error frame; failures are only logged.
func (h *Hub) sendError(ctx context.Context, c *client, msg string) {
	frame, err := marshalEnvelope(EventError, map[string]string{"message": msg})
	if err != nil {
		return
	}
	if err := h.write(ctx, c, frame); err != nil {
		h.logger.Warn("error frame write failed", "error", err)
	}
}

func (h *Hub) write(ctx context.Context, c *client, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, frame)
}

func marshalEnvelope(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Data: raw})
}

// Connections reports the number of live connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Ensure Hub implements push.Adapter at compile time.
var _ push.Adapter = (*Hub)(nil)
