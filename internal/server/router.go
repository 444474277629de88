package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/techhub-chat/internal/auth"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/chat"
	"github.com/MarcoPoloResearchLab/techhub-chat/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const sessionClaimsContextKey = "techhub_session_claims"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingDirectory        = errors.New("room directory dependency required")
	errMissingStore            = errors.New("message store dependency required")
	errMissingListing          = errors.New("room listing dependency required")
	errMissingEngine           = errors.New("chat engine dependency required")
	errMissingHub              = errors.New("realtime hub dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type IdentityRecorder interface {
	RecordIdentity(ctx context.Context, claims auth.SessionClaims) (users.Identity, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Identities       IdentityRecorder
	Directory        *chat.Directory
	Store            *chat.Store
	Listing          *chat.Listing
	Engine           *chat.Engine
	Hub              *RealtimeHub
	AllowedOrigins   []string
	HistoryLimit     int
	RateLimit        RateLimit
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Listing == nil {
		return nil, errMissingListing
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	historyLimit := deps.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = chat.DefaultHistoryLimit
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		identities:    deps.Identities,
		directory:     deps.Directory,
		store:         deps.Store,
		listing:       deps.Listing,
		engine:        deps.Engine,
		hub:           deps.Hub,
		upgrader:      newUpgrader(deps.AllowedOrigins),
		socketCookies: !allowsAnyOrigin(deps.AllowedOrigins),
		historyLimit:  historyLimit,
		rateLimit:     deps.RateLimit,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/rooms", handler.handleListRooms)
	router.GET("/rooms/tech/:techId", handler.handleListTechnologyRooms)
	router.GET("/rooms/:roomId/messages", handler.handleListMessages)

	router.POST("/rooms", handler.authorizeRequest, handler.handleCreateRoom)
	router.GET("/ws", handler.authorizeSocket, handler.handleWebSocket)

	return router, nil
}

// corsMiddleware sends credentials only to an explicit allow-list. A "*"
// entry opens the API to every origin without credentials.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		MaxAge:       12 * time.Hour,
	}
	switch {
	case allowsAnyOrigin(allowedOrigins):
		config.AllowAllOrigins = true
	case len(allowedOrigins) == 0:
		config.AllowOriginFunc = func(string) bool { return false }
	default:
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	sessions      SessionValidator
	identities    IdentityRecorder
	directory     *chat.Directory
	store         *chat.Store
	listing       *chat.Listing
	engine        *chat.Engine
	hub           *RealtimeHub
	upgrader      websocket.Upgrader
	socketCookies bool
	historyLimit  int
	rateLimit     RateLimit
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.hub.ConnectionCount()})
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	filter := chat.RoomFilter{Search: c.Query("search")}
	if raw := strings.TrimSpace(c.Query("technology_id")); raw != "" {
		technologyID, err := parseTechnologyID(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_technology_id"})
			return
		}
		filter.TechnologyID = &technologyID
	}
	h.respondWithRooms(c, filter)
}

func (h *httpHandler) handleListTechnologyRooms(c *gin.Context) {
	technologyID, err := parseTechnologyID(c.Param("techId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_technology_id"})
		return
	}
	h.respondWithRooms(c, chat.RoomFilter{Search: c.Query("search"), TechnologyID: &technologyID})
}

func (h *httpHandler) respondWithRooms(c *gin.Context, filter chat.RoomFilter) {
	rooms, err := h.listing.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list rooms", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_rooms_failed"})
		return
	}
	c.JSON(http.StatusOK, rooms)
}

type createRoomRequestPayload struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	TechnologyID *uint  `json:"technology_id"`
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	var request createRoomRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	room, err := h.directory.CreateNamed(c.Request.Context(), chat.CreateRoomInput{
		TechnologyID: request.TechnologyID,
		Name:         request.Name,
		Description:  request.Description,
	})
	if err != nil {
		if errors.Is(err, chat.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": chat.PublicMessage(err)})
			return
		}
		h.logger.Error("failed to create room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_room_failed"})
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	room, err := h.directory.Lookup(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "room_not_found"})
		case errors.Is(err, chat.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_id"})
		default:
			h.logger.Error("failed to look up room", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "list_messages_failed"})
		}
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), room.ID, h.historyLimit)
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("room_code", room.Code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_messages_failed"})
		return
	}
	c.JSON(http.StatusOK, messages)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	h.authorize(c, c.Request)
}

// authorizeSocket ignores the session cookie when every origin may open a
// socket, since browsers attach cookies to cross-site upgrades.
func (h *httpHandler) authorizeSocket(c *gin.Context) {
	request := c.Request
	if !h.socketCookies {
		request = c.Request.Clone(c.Request.Context())
		request.Header.Del("Cookie")
	}
	h.authorize(c, request)
}

func (h *httpHandler) authorize(c *gin.Context, request *http.Request) {
	claims, err := h.sessions.ValidateRequest(request)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionClaimsContextKey, claims)
	c.Next()
}

func parseTechnologyID(raw string) (uint, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || value == 0 {
		return 0, errors.New("invalid technology id")
	}
	return uint(value), nil
}
