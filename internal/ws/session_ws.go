package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"
	"go.opentelemetry.io/otel"

	"room-service/internal/logging"
	"room-service/internal/models"
	"room-service/internal/observability"
	"room-service/internal/session"
	"room-service/internal/telemetry"
)

// Sessions looks mounted sessions up.
type Sessions interface {
	Get(id string) (*session.Session, error)
}

// TokenValidator resolves a bearer token to its user.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (models.User, error)
}

// SessionWebSocketHandler streams session output to a UI.
type SessionWebSocketHandler struct {
	hub      *Hub
	sessions Sessions
	auth     TokenValidator
	emitter  *telemetry.Emitter
}

// NewSessionWebSocketHandler constructs a SessionWebSocketHandler.
func NewSessionWebSocketHandler(hub *Hub, sessions Sessions, auth TokenValidator, emitter *telemetry.Emitter) *SessionWebSocketHandler {
	return &SessionWebSocketHandler{hub: hub, sessions: sessions, auth: auth, emitter: emitter}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the connection and attaches it to the session sink.
func (h *SessionWebSocketHandler) Handle(c *gin.Context) {
	sessionID := c.Param("session_id")

	ctx, span := otel.Tracer("room-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := bearerToken(c.GetHeader("Authorization"), c.Query("token"))
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	user, err := h.auth.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	s, err := h.sessions.Get(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if s.User().ID != user.ID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for session"})
		return
	}
	sink, ok := h.hub.Sink(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	info := ConnInfo{
		ConnID:      newConnID(),
		SessionID:   sessionID,
		UserID:      user.ID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	if !sink.AddConn(conn, info) {
		_ = conn.Close()
		return
	}

	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.emit(ctx, telemetry.EventWSConnected, sessionID, info, "")

	// Keep connection alive and clean on close
	go func() {
		var closeReason string
		defer func() {
			sink.RemoveConn(conn)
			observability.DecWSActive()
			observability.IncWSEvent("ws_disconnect")
			h.emit(context.Background(), telemetry.EventWSDisconnected, sessionID, info, closeReason)
			conn.Close()
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					observability.IncWSEvent("ws_error")
				}
				return
			}
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				jww.DEBUG.Printf("session %s: ignoring client frame %q: %v", sessionID, logging.Preview(string(data), 64), err)
				continue
			}
			if msg.Type == clientJumpDone && msg.MessageID != "" {
				sink.Ack(msg.MessageID)
			}
		}
	}()
}

func (h *SessionWebSocketHandler) emit(ctx context.Context, eventType, sessionID string, info ConnInfo, reason string) {
	uid := info.UserID
	detail := info.ConnID
	if reason != "" {
		detail += " " + reason
	}
	h.emitter.Emit(ctx, eventType, sessionID, &uid, telemetry.Payload{Detail: detail})
}
