package clients

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vault-backend/internal/config"
	"vault-backend/internal/metrics"
	"vault-backend/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NATSClient publishes ledger transition records so other services (indexers,
// notification pipelines) can follow settlement progress without polling.
type NATSClient struct {
	conn          *nats.Conn
	subjectPrefix string
	logger        *logrus.Logger
}

// NewNATSClient connects to the configured NATS server.
func NewNATSClient(cfg *config.NATSConfig, logger *logrus.Logger) (*NATSClient, error) {
	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := -1
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	metrics.NATSConnectionStatus.Set(1)

	return &NATSClient{
		conn:          conn,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        logger,
	}, nil
}

// PublishTransition publishes one transition record. Subject layout:
// <prefix>.<owner>.<kind>.<new status>, e.g. vault.tx.0xabc....deposit.settled.
func (c *NATSClient) PublishTransition(owner string, record models.TransitionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal transition record: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s.%s",
		c.subjectPrefix, strings.ToLower(owner), record.Kind, record.NewStatus)

	if err := c.conn.Publish(subject, payload); err != nil {
		metrics.NATSMessagesFailed.WithLabelValues(string(record.NewStatus), "publish").Inc()
		return fmt.Errorf("failed to publish transition to %s: %w", subject, err)
	}

	metrics.NATSMessagesPublished.WithLabelValues(string(record.NewStatus)).Inc()
	return nil
}

// Close drains and closes the connection.
func (c *NATSClient) Close() {
	if c.conn != nil {
		if err := c.conn.Drain(); err != nil {
			c.logger.WithError(err).Warn("NATS drain failed")
			c.conn.Close()
		}
	}
}
