package router

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"vault-backend/internal/config"
	"vault-backend/internal/handlers"
	"vault-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware CORS policy. Priority: environment variable > YAML config >
// allow-all default.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		var allowedOrigins []string
		allowCredentials := true
		maxAge := 3600

		if envOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); envOrigins != "" {
			for _, o := range strings.Split(envOrigins, ",") {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					allowedOrigins = append(allowedOrigins, trimmed)
				}
			}
		} else if config.AppConfig != nil && len(config.AppConfig.CORS.AllowedOrigins) > 0 {
			allowedOrigins = config.AppConfig.CORS.AllowedOrigins
			allowCredentials = config.AppConfig.CORS.AllowCredentials
			if config.AppConfig.CORS.MaxAge > 0 {
				maxAge = config.AppConfig.CORS.MaxAge
			}
		} else {
			allowedOrigins = []string{"*"}
		}

		if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowed := range allowedOrigins {
				if strings.TrimSpace(allowed) == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")
			if allowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if allowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Next()
	}
}

// SetupRouter wires every HTTP surface: health, metrics, auth, the vault
// request lifecycle and the websocket status stream.
func SetupRouter(
	authHandler *handlers.AuthHandler,
	vaultHandler *handlers.VaultHandler,
	wsHandler *handlers.WebSocketHandler,
	authMiddleware *middleware.AuthMiddleware,
	logger *logrus.Logger,
) *gin.Engine {
	r := gin.Default()

	r.Use(corsMiddleware())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "vault-backend",
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.GET("/nonce", authHandler.GenerateNonceHandler)
			auth.POST("/login", authHandler.AuthenticateHandler)
		}

		v1.GET("/ws", wsHandler.HandleWebSocket)

		vault := v1.Group("/vault", authMiddleware.RequireAuth())
		{
			vault.GET("/info", vaultHandler.GetVaultInfoHandler)
			vault.POST("/deposit/preview", vaultHandler.PreviewDepositHandler)
			vault.POST("/withdraw/preview", vaultHandler.PreviewWithdrawHandler)
			vault.POST("/deposit", vaultHandler.SubmitDepositHandler)
			vault.POST("/withdraw", vaultHandler.SubmitWithdrawHandler)
			vault.GET("/transactions", vaultHandler.ListTransactionsHandler)
			vault.POST("/claim", vaultHandler.ClaimHandler)
			vault.POST("/cancel", vaultHandler.CancelHandler)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"message": "endpoint not found",
			"path":    c.Request.URL.Path,
		})
	})

	logger.Info("router configured")
	return r
}
