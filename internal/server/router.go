package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/lowkey/internal/auth"
	"github.com/MarcoPoloResearchLab/lowkey/internal/chat"
	"github.com/MarcoPoloResearchLab/lowkey/internal/stories"
	"github.com/MarcoPoloResearchLab/lowkey/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const userIDContextKey = "lowkey_user_id"

var (
	errMissingTokenVerifier = errors.New("token verifier dependency required")
	errMissingUserDirectory = errors.New("user directory dependency required")
	errMissingStories       = errors.New("stories service dependency required")
	errMissingChatStore     = errors.New("chat store dependency required")
	errMissingBroadcaster   = errors.New("chat broadcaster dependency required")
)

// TokenVerifier validates bearer tokens and returns their subject.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// UserDirectory resolves token subjects and manages follow edges.
type UserDirectory interface {
	ResolveUserID(ctx context.Context, username string) (string, error)
	Get(ctx context.Context, userID string) (users.User, error)
	Follow(ctx context.Context, followerID, followedID string) error
	Unfollow(ctx context.Context, followerID, followedID string) error
}

// ConnectionRecorder observes live chat connections.
type ConnectionRecorder interface {
	ConnectionOpened()
	ConnectionClosed()
}

// LiveChatSettings tunes websocket sessions.
type LiveChatSettings struct {
	SendBuffer   int
	InboundRate  float64
	InboundBurst int
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens         TokenVerifier
	Users          UserDirectory
	Stories        *stories.Service
	Chats          *chat.Store
	Broadcaster    *chat.Broadcaster
	Media          http.Handler
	Metrics        http.Handler
	Connections    ConnectionRecorder
	AllowedOrigins []string
	LiveChat       LiveChatSettings
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the REST and websocket surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenVerifier
	}
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}
	if deps.Stories == nil {
		return nil, errMissingStories
	}
	if deps.Chats == nil {
		return nil, errMissingChatStore
	}
	if deps.Broadcaster == nil {
		return nil, errMissingBroadcaster
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:      deps.Tokens,
		users:       deps.Users,
		stories:     deps.Stories,
		chats:       deps.Chats,
		broadcaster: deps.Broadcaster,
		connections: deps.Connections,
		live:        normalizeLiveChatSettings(deps.LiveChat),
		validate:    validator.New(),
		upgrader:    newUpgrader(deps.AllowedOrigins),
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.Media != nil {
		router.GET("/media/*filepath", gin.WrapH(http.StripPrefix("/media", deps.Media)))
	}

	router.GET("/chats/ws/:chatId", handler.handleChatSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/lowkeys", handler.handleCreateStory)
	protected.GET("/lowkeys/public", handler.handleListPublicStories)
	protected.GET("/lowkeys/feed", handler.handleListFeedStories)
	protected.GET("/lowkeys/:storyId", handler.handleGetStory)
	protected.GET("/lowkeys/:storyId/views", handler.handleListStoryViews)
	protected.DELETE("/lowkeys/:storyId", handler.handleDeleteStory)

	protected.POST("/chats/with/:userId", handler.handleStartChat)
	protected.POST("/chats/:chatId/messages", handler.handleSendChatMessage)
	protected.GET("/chats/:chatId/messages", handler.handleListChatMessages)

	protected.POST("/follows/:userId", handler.handleFollow)
	protected.DELETE("/follows/:userId", handler.handleUnfollow)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || containsWildcard(allowedOrigins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

type httpHandler struct {
	tokens      TokenVerifier
	users       UserDirectory
	stories     *stories.Service
	chats       *chat.Store
	broadcaster *chat.Broadcaster
	connections ConnectionRecorder
	live        LiveChatSettings
	validate    *validator.Validate
	upgrader    *websocket.Upgrader
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reasonUnauthorized})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reasonUnauthorized})
		return
	}
	userID, err := h.authenticate(c.Request.Context(), token)
	if err != nil {
		if errors.Is(err, errIdentityUnavailable) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": reasonInternal})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reasonUnauthorized})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

var errIdentityUnavailable = errors.New("identity lookup failed")

// authenticate verifies the token and maps its subject to a user id.
func (h *httpHandler) authenticate(ctx context.Context, token string) (string, error) {
	subject, err := h.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return "", err
	}
	userID, err := h.users.ResolveUserID(ctx, subject)
	if err != nil {
		if errors.Is(err, users.ErrInvalidIdentity) {
			h.logger.Warn("token subject rejected", zap.Error(err))
			return "", err
		}
		h.logger.Error("failed to resolve token subject", zap.Error(err))
		return "", errors.Join(errIdentityUnavailable, err)
	}
	return userID, nil
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
