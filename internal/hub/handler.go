package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"go.uber.org/zap"
)

var (
	errMissingHubDependency     = errors.New("hub dependency required")
	errMissingLimiterDependency = errors.New("rate limiter dependency required")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ClientDefaults is the client tuning this gateway advertises on the status
// surface, so clients pick up deployment-wide policy without a configuration
// channel of their own.
type ClientDefaults struct {
	HeartbeatIntervalMs      int64 `json:"heartbeat_interval_ms"`
	PresenceUpdateIntervalMs int64 `json:"presence_update_interval_ms"`
	ActivityThresholdMs      int64 `json:"activity_threshold_ms"`
	ReconnectBaseDelayMs     int64 `json:"reconnect_base_delay_ms"`
	ReconnectMaxAttempts     int   `json:"reconnect_max_attempts"`
	SubscriptionMaxRetries   int   `json:"subscription_max_retries"`
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Hub            *Hub
	Broadcaster    *Broadcaster
	Limiter        *Limiter
	Logger         *zap.Logger
	ClientDefaults ClientDefaults
}

// NewHTTPHandler builds the gin handler exposing the websocket endpoint and
// the operational status surface.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHubDependency
	}
	if deps.Limiter == nil {
		return nil, errMissingLimiterDependency
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		hub:            deps.Hub,
		broadcaster:    deps.Broadcaster,
		limiter:        deps.Limiter,
		logger:         logger,
		clientDefaults: deps.ClientDefaults,
	}

	router.GET("/realtime/ws", handler.handleWebsocket)
	router.GET("/realtime/status", handler.handleStatus)
	router.GET("/realtime/presence/:user_id", handler.handlePresence)

	return router, nil
}

type httpHandler struct {
	hub            *Hub
	broadcaster    *Broadcaster
	limiter        *Limiter
	logger         *zap.Logger
	clientDefaults ClientDefaults
}

// handleWebsocket gates the handshake with the auth traffic class (keyed by
// client address, since no user identity exists yet), then upgrades and hands
// the socket to the hub.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	decision, err := h.limiter.CheckLimit(context.Background(), LimitClassAuth, c.ClientIP())
	if err != nil {
		h.logger.Warn("admission check failed", zap.Error(err))
	} else if !decision.Allowed {
		denial := Deny(LimitClassAuth, decision)
		h.logger.Info("handshake throttled", zap.String("client", c.ClientIP()), zap.Error(denial))
		c.Header("Retry-After", decision.ResetAt.UTC().Format(http.TimeFormat))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limited",
			"detail":      denial.Error(),
			"reset_at_ms": decision.ResetAt.UnixMilli(),
		})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.hub.HandleConnection(ws)
}

type statusResponse struct {
	StatusSnapshot
	EventsPublished uint64         `json:"events_published"`
	ClientDefaults  ClientDefaults `json:"client_defaults"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	response := statusResponse{
		StatusSnapshot: h.hub.Snapshot(),
		ClientDefaults: h.clientDefaults,
	}
	if h.broadcaster != nil {
		response.EventsPublished = h.broadcaster.Published()
	}
	c.JSON(http.StatusOK, response)
}

// handlePresence answers "is this user online anywhere": the local table
// first, then the shared mirror for users held by another gateway.
func (h *httpHandler) handlePresence(c *gin.Context) {
	userID := c.Param("user_id")
	if record, ok := h.hub.Presence(userID); ok {
		c.JSON(http.StatusOK, gin.H{
			"user_id":   userID,
			"status":    record.Status,
			"last_seen": record.LastSeen,
		})
		return
	}
	gatewayID, online, err := h.hub.LookupRemote(c.Request.Context(), userID)
	if err != nil {
		h.logger.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence_unavailable"})
		return
	}
	if !online {
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "status": realtime.PresenceOffline})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "status": realtime.PresenceOnline, "gateway_id": gatewayID})
}
