package realtime

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/mediaoffice/liveportal/internal/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Event names pushed to connected clients.
const (
	EventBroadcastStarted   = "broadcast_started"
	EventBroadcastPaused    = "broadcast_paused"
	EventBroadcastResumed   = "broadcast_resumed"
	EventBroadcastEnded     = "broadcast_ended"
	EventParticipantJoined  = "participant_joined"
	EventParticipantUpdated = "participant_updated"
	EventChatMessage        = "chat_message"
	EventChatDeleted        = "chat_deleted"
	EventReaction           = "reaction"
	EventSignaling          = "signaling"
	EventAudienceCount      = "audience_count"
)

// Hub maintains session_id -> set of connections and broadcasts messages.
// With Redis configured events go through pub/sub so every instance delivers them once.
type Hub struct {
	// sessionID -> map[clientID]*Client
	sessions map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per session
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishSessionEvent(sessionID string, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for incoming events.
type RedisSubscriber interface {
	SubscribeSession(sessionID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub. Both Redis arguments may be nil.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a session room. The Redis subscription is
// (re)attempted whenever the room has none, so a failed subscribe is retried
// by the next client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
	}
	if _, ok := h.subs[c.SessionID]; !ok && h.redisSub != nil {
		h.subscribeLocked(c.SessionID)
	}
	h.sessions[c.SessionID][c.ID] = c
	count := len(h.sessions[c.SessionID])
	h.mu.Unlock()

	metrics.WSConnections.Inc()
	h.BroadcastToSession(c.SessionID, EventAudienceCount, map[string]int{"count": count})
	h.logger.Debug("client joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID))
}

func (h *Hub) subscribeLocked(sessionID string) {
	cancel, err := h.redisSub.SubscribeSession(sessionID, func(event string, payload []byte) {
		h.BroadcastToSession(sessionID, event, json.RawMessage(payload))
	})
	if err != nil {
		h.logger.Warn("redis subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	h.subs[sessionID] = cancel
}

func (h *Hub) subscribed(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[sessionID]
	return ok
}

// Unregister removes a client from a session room. Cancels Redis subscription when last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	m := h.sessions[c.SessionID]
	_, present := m[c.ID]
	count := 0
	if present {
		delete(m, c.ID)
		count = len(m)
		if count == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	h.mu.Unlock()
	if !present {
		return
	}

	metrics.WSConnections.Dec()
	if count > 0 {
		h.BroadcastToSession(c.SessionID, EventAudienceCount, map[string]int{"count": count})
	}
	h.logger.Debug("client left session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID))
}

// BroadcastToSession sends a message to all clients in a session (local only).
func (h *Hub) BroadcastToSession(sessionID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		h.logger.Warn("encode realtime payload", zap.String("event", event), zap.Error(err))
		return
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.sessions[sessionID] {
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}

// Publish delivers an event to every client of the session across instances.
// With Redis it publishes, and the subscriber callback performs the local
// broadcast. Rooms without a live subscription are served directly.
func (h *Hub) Publish(sessionID string, event string, payload interface{}) {
	if h.redis == nil {
		h.BroadcastToSession(sessionID, event, payload)
		return
	}
	data, err := encode(payload)
	if err != nil {
		h.logger.Warn("encode realtime payload", zap.String("event", event), zap.Error(err))
		return
	}
	if err := h.redis.PublishSessionEvent(sessionID, event, data); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.String("event", event), zap.Error(err))
		h.BroadcastToSession(sessionID, event, json.RawMessage(data))
		return
	}
	if !h.subscribed(sessionID) {
		h.BroadcastToSession(sessionID, event, json.RawMessage(data))
	}
}

// AudienceCount returns the number of connected clients in a session.
func (h *Hub) AudienceCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

// SendToClient sends a message to a single client in a session.
func (h *Hub) SendToClient(sessionID string, clientID string, event string, payload interface{}) {
	data, err := encode(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	c, ok := h.sessions[sessionID][clientID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func encode(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(payload)
	}
}
