package app

import (
	"fmt"
	"sync"

	"vault-backend/internal/clients"
	"vault-backend/internal/config"
	"vault-backend/internal/db"
	"vault-backend/internal/handlers"
	"vault-backend/internal/middleware"
	"vault-backend/internal/models"
	"vault-backend/internal/repository"
	"vault-backend/internal/services"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ServiceContainer holds every wired component of the service.
type ServiceContainer struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	// Clients
	Signer      clients.Signer
	ReadCache   *clients.ReadCache
	VaultClient *clients.VaultClient
	NATSClient  *clients.NATSClient

	// Repositories
	TxQueueRepo repository.TxQueueRepository

	// Services
	PushService    *services.PushService
	TrackerManager *services.TrackerManager

	// Handlers & middleware
	AuthHandler      *handlers.AuthHandler
	VaultHandler     *handlers.VaultHandler
	WebSocketHandler *handlers.WebSocketHandler
	AuthMiddleware   *middleware.AuthMiddleware
}

var Container *ServiceContainer
var containerOnce sync.Once

// InitializeContainer builds the container once. Config must be loaded and
// the database initialized before calling.
func InitializeContainer(logger *logrus.Logger) (*ServiceContainer, error) {
	var initErr error

	containerOnce.Do(func() {
		cfg := config.AppConfig

		c := &ServiceContainer{
			DB:     db.DB,
			Logger: logger,
		}

		signer, err := clients.NewSignerFromConfig(&cfg.Blockchain)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize signer: %w", err)
			return
		}
		c.Signer = signer
		logger.WithField("signer", signer.Address().Hex()).Info("transaction signer ready")

		c.ReadCache = clients.NewReadCache(cfg.Tracker.CacheTTL())

		vaultClient, err := clients.NewVaultClient(&cfg.Blockchain, signer, c.ReadCache, logger)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize vault client: %w", err)
			return
		}
		c.VaultClient = vaultClient

		if cfg.NATS.URL != "" {
			natsClient, err := clients.NewNATSClient(&cfg.NATS, logger)
			if err != nil {
				// Status fanout is best-effort; the tracker works without it.
				logger.WithError(err).Warn("NATS unavailable, transition fanout disabled")
			} else {
				c.NATSClient = natsClient
			}
		}

		c.TxQueueRepo = repository.NewTxQueueRepository(c.DB)
		c.PushService = services.NewPushService(logger)

		c.TrackerManager = services.NewTrackerManager(
			c.TxQueueRepo,
			vaultClient,
			cfg.Tracker.PollInterval(),
			cfg.Tracker.RetentionWindow(),
			logger,
		)
		c.TrackerManager.Subscribe(c.PushService.BroadcastTransition)
		if c.NATSClient != nil {
			c.TrackerManager.Subscribe(func(owner string, record models.TransitionRecord) {
				if err := c.NATSClient.PublishTransition(owner, record); err != nil {
					logger.WithError(err).Warn("failed to publish transition")
				}
			})
		}

		c.AuthHandler = handlers.NewAuthHandler(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL(), logger)
		c.VaultHandler = handlers.NewVaultHandler(vaultClient, c.TrackerManager, &cfg.Tracker, logger)
		c.WebSocketHandler = handlers.NewWebSocketHandler(c.PushService, cfg.Auth.JWTSecret, logger)
		c.AuthMiddleware = middleware.NewAuthMiddleware(cfg.Auth.JWTSecret, logger)

		Container = c
	})

	if initErr != nil {
		return nil, initErr
	}
	return Container, nil
}

// Start brings up the background services.
func (c *ServiceContainer) Start() {
	c.TrackerManager.Start()
}

// Shutdown stops background services and closes external connections.
func (c *ServiceContainer) Shutdown() {
	c.TrackerManager.Stop()
	if c.NATSClient != nil {
		c.NATSClient.Close()
	}
	c.VaultClient.Close()
}
