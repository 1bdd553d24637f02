package handlers

import (
	"net/http"

	"vault-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebSocketHandler upgrades authenticated status-stream connections.
type WebSocketHandler struct {
	push   *services.PushService
	secret []byte
	logger *logrus.Logger
}

func NewWebSocketHandler(push *services.PushService, secret string, logger *logrus.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		push:   push,
		secret: []byte(secret),
		logger: logger,
	}
}

// HandleWebSocket serves GET /api/v1/ws?token=<jwt>. Browsers cannot set
// headers on websocket upgrades, so the token rides the query string.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "token query parameter required",
		})
		return
	}

	claims, err := ValidateJWTToken(tokenString, h.secret)
	if err != nil {
		h.logger.WithError(err).Warn("websocket token validation failed")
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "invalid or expired token",
		})
		return
	}

	h.push.HandleWebSocket(c.Writer, c.Request, claims.UserAddress)
}
