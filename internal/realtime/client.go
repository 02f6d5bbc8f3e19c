package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // allow all origins in dev; restrict in production
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SessionResolver maps a requested session id ("default" or empty for the
// current broadcast) to the id of an active session.
type SessionResolver interface {
	ResolveActive(ctx context.Context, sessionID string) (string, error)
}

// Client represents a single WebSocket connection watching a session.
type Client struct {
	ID        string
	SessionID string
	PeerID    string // optional participant id supplied by the client
	JoinedAt  time.Time
	hub       *Hub
	conn      *websocket.Conn
	send      chan WSMessage
	logger    *zap.Logger
}

// NewClient creates a client that is not yet attached to a connection.
func NewClient(hub *Hub, sessionID, peerID string) *Client {
	return &Client{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		PeerID:    peerID,
		JoinedAt:  time.Now(),
		hub:       hub,
		send:      make(chan WSMessage, 256),
		logger:    hub.logger,
	}
}

// Send returns the client's outbound queue.
func (c *Client) Send() <-chan WSMessage { return c.send }

// ServeWs handles the WebSocket upgrade and runs the client loop.
func ServeWs(hub *Hub, logger *zap.Logger, sessions SessionResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := sessions.ResolveActive(c.Request.Context(), c.Query("session_id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "no active broadcast"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(hub, sessionID, c.Query("peer_id"))
		client.conn = conn
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		// Writes go through the HTTP API; the socket only answers presence queries.
		switch msg.Event {
		case EventAudienceCount:
			c.hub.SendToClient(c.SessionID, c.ID, EventAudienceCount, map[string]int{
				"count": c.hub.AudienceCount(c.SessionID),
			})
		case "ping":
			c.hub.SendToClient(c.SessionID, c.ID, "pong", map[string]int64{"at": time.Now().Unix()})
		default:
			// ignore
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
