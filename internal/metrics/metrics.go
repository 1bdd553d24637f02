package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Ledger transition metrics
	// ============================================
	TransitionsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_ledger_transitions_total",
			Help: "Total number of accepted ledger status transitions",
		},
		[]string{"kind", "origin", "status"},
	)

	TransitionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_ledger_transitions_rejected_total",
			Help: "Total number of rejected (illegal) transition attempts",
		},
		[]string{"kind", "status"},
	)

	// ============================================
	// Settlement watcher metrics
	// ============================================
	ActivePollers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_watcher_active_pollers",
		Help: "Number of active backend-entry pending-amount pollers",
	})

	PollErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_watcher_poll_errors_total",
			Help: "Total number of transient pending-amount read errors",
		},
		[]string{"kind"},
	)

	ReceiptWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_watcher_receipt_waits_total",
			Help: "Receipt wait outcomes",
		},
		[]string{"outcome"},
	)

	SettlementEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_watcher_settlement_events_total",
			Help: "Vault-wide settlement events observed via subscription",
		},
		[]string{"kind"},
	)

	// ============================================
	// NATS metrics
	// ============================================
	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backend_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	NATSMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_messages_published_total",
			Help: "Total number of transition records published to NATS",
		},
		[]string{"status"},
	)

	NATSMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_nats_messages_failed_total",
			Help: "Total number of NATS publish failures",
		},
		[]string{"status", "error_type"},
	)

	// ============================================
	// Chain gateway metrics
	// ============================================
	RPCErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_gateway_rpc_errors_total",
			Help: "Total number of RPC call errors",
		},
		[]string{"method"},
	)

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_gateway_cache_hits_total",
		Help: "Gateway read cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backend_gateway_cache_misses_total",
		Help: "Gateway read cache misses",
	})
)
