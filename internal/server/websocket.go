package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/techhub-chat/internal/auth"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024

	ackEventName        = "ack"
	errorEventName      = "error"
	rateLimitedMessage  = "Too many requests"
	malformedMessage    = "Malformed frame"
	defaultEventsPerSec = 10
	defaultEventBurst   = 20
)

var errRateLimited = errors.New("rate limit exceeded")

type inboundFrame struct {
	Event string          `json:"event"`
	Ack   *int64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// outboundFrame is either an event {"event","data"} or an acknowledgment
// {"event":"ack","ack",...} carrying exactly one of data or error.
type outboundFrame struct {
	Event string      `json:"event"`
	Ack   *int64      `json:"ack,omitempty"`
	Data  any         `json:"data,omitempty"`
	Error *frameError `json:"error,omitempty"`
}

type frameError struct {
	Message string `json:"message"`
}

type RateLimit struct {
	PerSecond float64
	Burst     int
}

func (r RateLimit) limiter() *rate.Limiter {
	perSecond := r.PerSecond
	if perSecond <= 0 {
		perSecond = defaultEventsPerSec
	}
	burst := r.Burst
	if burst <= 0 {
		burst = defaultEventBurst
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type chatConnection struct {
	id       string
	conn     *websocket.Conn
	session  *chat.Session
	hub      *RealtimeHub
	outbound <-chan []byte
	limiter  *rate.Limiter
	logger   *zap.Logger
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	claims, ok := sessionClaimsFromContext(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	identity := chat.Identity{
		UserID:      claims.UserID,
		DisplayName: claims.UserDisplayName,
		Email:       claims.UserEmail,
	}
	if h.identities != nil {
		recorded, err := h.identities.RecordIdentity(c.Request.Context(), claims)
		if err != nil {
			h.logger.Warn("identity recording failed", zap.String("user_id", claims.UserID), zap.Error(err))
		} else if identity.DisplayName == "" {
			identity.DisplayName = recorded.DisplayName
		}
	}

	connectionID, err := uuid.NewV7()
	if err != nil {
		h.logger.Error("connection id generation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "connection_failed"})
		return
	}
	session, err := h.engine.NewSession(connectionID.String(), identity)
	if err != nil {
		h.logger.Warn("session rejected", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	outbound, unsubscribe := h.hub.Subscribe(session.ConnectionID(), identity.UserID)
	connection := &chatConnection{
		id:       session.ConnectionID(),
		conn:     conn,
		session:  session,
		hub:      h.hub,
		outbound: outbound,
		limiter:  h.rateLimit.limiter(),
		logger:   h.logger.With(zap.String("connection_id", session.ConnectionID()), zap.String("user_id", identity.UserID)),
	}
	connection.logger.Info("websocket connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		connection.writePump()
	}()

	connection.readPump(c.Request.Context())

	session.Close(context.Background())
	unsubscribe()
	<-done
	connection.logger.Info("websocket disconnected")
}

func (c *chatConnection) readPump(ctx context.Context) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("read deadline failed", zap.Error(fmt.Errorf("%w: %v", chat.ErrTransport, err)))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("websocket closed unexpectedly", zap.Error(fmt.Errorf("%w: %v", chat.ErrTransport, err)))
			}
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *chatConnection) handleFrame(ctx context.Context, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.reply(nil, nil, malformedMessage)
		return
	}
	if !c.limiter.Allow() {
		c.logger.Debug("inbound event throttled", zap.String("event", frame.Event), zap.Error(errRateLimited))
		c.reply(frame.Ack, nil, rateLimitedMessage)
		return
	}

	command, err := chat.DecodeCommand(frame.Event, frame.Data)
	if err != nil {
		c.reply(frame.Ack, nil, chat.PublicMessage(err))
		return
	}
	payload, err := c.session.Handle(ctx, command)
	if err != nil {
		c.logCommandError(command, err)
		c.reply(frame.Ack, nil, chat.PublicMessage(err))
		return
	}
	if frame.Ack != nil {
		c.reply(frame.Ack, payload, "")
	}
}

// reply sends an acknowledgment, or an error event when the client asked for
// no acknowledgment.
func (c *chatConnection) reply(ack *int64, payload any, errorMessage string) {
	frame := outboundFrame{Event: ackEventName, Ack: ack}
	if errorMessage != "" {
		frame.Error = &frameError{Message: errorMessage}
		if ack == nil {
			frame = outboundFrame{Event: errorEventName, Data: frameError{Message: errorMessage}}
		}
	} else {
		frame.Data = payload
	}
	encoded, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("reply encoding failed", zap.Error(err))
		return
	}
	c.hub.SendFrame(c.id, encoded)
}

func (c *chatConnection) logCommandError(command chat.Command, err error) {
	fields := []zap.Field{zap.String("event", command.EventName()), zap.Error(err)}
	switch {
	case errors.Is(err, chat.ErrValidation),
		errors.Is(err, chat.ErrNotJoined),
		errors.Is(err, chat.ErrNotFound),
		errors.Is(err, chat.ErrNotFoundOrUnauthorized),
		errors.Is(err, chat.ErrDuplicateReaction):
		c.logger.Debug("command rejected", fields...)
	default:
		c.logger.Error("command failed", fields...)
	}
}

// writePump is the only writer of the connection. It drains the hub stream
// and keeps the connection alive with pings.
func (c *chatConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.outbound:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Info("websocket write failed", zap.Error(fmt.Errorf("%w: %v", chat.ErrTransport, err)))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowAll || origin == "" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

func sessionClaimsFromContext(c *gin.Context) (auth.SessionClaims, bool) {
	value, ok := c.Get(sessionClaimsContextKey)
	if !ok {
		return auth.SessionClaims{}, false
	}
	claims, ok := value.(auth.SessionClaims)
	return claims, ok
}
