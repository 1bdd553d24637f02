package services

import (
	"context"
	"math/big"
	"sync"
	"time"

	"vault-backend/internal/metrics"
	"vault-backend/internal/models"

	"github.com/sirupsen/logrus"
)

// SettlementWatcher follows each tracked request through the settlement
// pipeline in two phases: confirm the user's submitted transaction (Phase A),
// then discover and track the executor's backend settlement (Phase B).
// Two independent detection paths drive Phase B to completion, per-request
// pending-amount polling and the vault-wide settlement event subscription,
// and either is sufficient: both funnel into Ledger.Advance, which absorbs
// duplicate and out-of-order signals.
type SettlementWatcher struct {
	ledger *Ledger
	chain  models.VaultClientInterface

	pollInterval time.Duration

	mutex   sync.Mutex
	pollers map[string]context.CancelFunc
	running bool

	ctx    context.Context
	cancel context.CancelFunc

	logger *logrus.Entry
}

// NewSettlementWatcher wires a watcher to one ledger. Terminal transitions,
// whichever path caused them, tear down the entry's poller.
func NewSettlementWatcher(ledger *Ledger, chain models.VaultClientInterface, pollInterval time.Duration, logger *logrus.Logger) *SettlementWatcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &SettlementWatcher{
		ledger:       ledger,
		chain:        chain,
		pollInterval: pollInterval,
		pollers:      make(map[string]context.CancelFunc),
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.WithField("owner", ledger.Owner()),
	}

	ledger.Subscribe(func(owner string, record models.TransitionRecord) {
		if record.NewStatus.IsTerminal() {
			w.StopPolling(record.EntryID)
		}
	})

	return w
}

// Start launches the settlement-event subscription and resumes polling for
// backend entries rehydrated in settling.
func (w *SettlementWatcher) Start() {
	w.mutex.Lock()
	if w.running {
		w.mutex.Unlock()
		return
	}
	w.running = true
	w.mutex.Unlock()

	go w.watchSettlementEvents()
	w.Resume()
}

// Stop cancels the subscription and every active poller.
func (w *SettlementWatcher) Stop() {
	w.cancel()

	w.mutex.Lock()
	defer w.mutex.Unlock()
	for id, cancel := range w.pollers {
		cancel()
		delete(w.pollers, id)
		metrics.ActivePollers.Dec()
	}
	w.running = false
}

// Resume restarts Phase B polling for every backend-origin entry still in
// settling, using its stored request id and controller (the owner's own
// address when the controller was never resolved).
func (w *SettlementWatcher) Resume() {
	for _, entry := range w.ledger.ActiveBackendEntries("") {
		if entry.Status == models.StatusSettling {
			w.StartPolling(entry)
		}
	}
}

// TrackSubmission runs the two-phase protocol for a freshly created
// user-origin entry whose transaction hash is known. Non-blocking.
func (w *SettlementWatcher) TrackSubmission(entryID, txHash string) {
	go w.trackSubmission(entryID, txHash)
}

func (w *SettlementWatcher) trackSubmission(entryID, txHash string) {
	entry, ok := w.ledger.Get(entryID)
	if !ok {
		w.logger.WithField("entry_id", entryID).Warn("cannot track unknown entry")
		return
	}

	// Phase A: confirm submission. The receipt wait's timeout policy belongs
	// to the gateway; a wait error is treated the same as a revert.
	receipt, err := w.chain.WaitForReceipt(w.ctx, txHash)
	if err != nil {
		metrics.ReceiptWaits.WithLabelValues("error").Inc()
		w.logger.WithFields(logrus.Fields{"entry_id": entryID, "tx_hash": txHash, "error": err}).Warn("receipt wait failed")
		w.ledger.Advance(entryID, models.StatusFailed, txHash)
		return
	}
	if !receipt.Success {
		metrics.ReceiptWaits.WithLabelValues("reverted").Inc()
		w.ledger.Advance(entryID, models.StatusFailed, receipt.TxHash)
		return
	}

	metrics.ReceiptWaits.WithLabelValues("confirmed").Inc()
	w.ledger.Advance(entryID, models.StatusSubmitted, receipt.TxHash)

	// Phase B: discover the backend settlement and follow it.
	w.discoverBackend(entry, receipt.BlockNumber)
}

// discoverBackend seeds the paired backend-origin entry from the request
// event emitted in the confirmed transaction's block. When no matching log
// is found the entry is created anyway with placeholder identifiers:
// tracking degrades rather than leaving the user stuck at submitted.
func (w *SettlementWatcher) discoverBackend(userEntry *models.TrackedRequest, blockNumber uint64) {
	owner := w.ledger.Owner()
	requestID := "0"
	controller := owner

	reqLog, err := w.chain.FilterRequestLogs(w.ctx, userEntry.Kind, owner, blockNumber)
	if err != nil {
		w.logger.WithFields(logrus.Fields{"entry_id": userEntry.ID, "error": err}).Warn("request log query failed, tracking with placeholder identifiers")
	} else if reqLog == nil {
		w.logger.WithField("entry_id", userEntry.ID).Warn("request log not found in block, tracking with placeholder identifiers")
	} else {
		requestID = reqLog.RequestID.String()
		controller = reqLog.Controller
	}

	backend, created := w.ledger.EnsureBackendEntry(userEntry.Kind, userEntry.Amount, requestID, controller)
	if created {
		w.logger.WithFields(logrus.Fields{
			"entry_id":   backend.ID,
			"request_id": backend.RequestID,
			"controller": backend.Controller,
		}).Info("tracking backend settlement")
	}
	w.StartPolling(backend)
}

// StartPolling begins Phase B polling for a backend entry. Idempotent: a
// second call for the same entry id is a no-op, never a second poller.
func (w *SettlementWatcher) StartPolling(entry *models.TrackedRequest) {
	w.mutex.Lock()
	if _, active := w.pollers[entry.ID]; active {
		w.mutex.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(w.ctx)
	w.pollers[entry.ID] = cancel
	w.mutex.Unlock()

	metrics.ActivePollers.Inc()
	go w.pollLoop(ctx, entry)
}

// StopPolling cancels the poller for an entry id. No-op when none is active.
func (w *SettlementWatcher) StopPolling(entryID string) {
	w.mutex.Lock()
	cancel, active := w.pollers[entryID]
	if active {
		delete(w.pollers, entryID)
	}
	w.mutex.Unlock()

	if active {
		cancel()
		metrics.ActivePollers.Dec()
	}
}

// ActivePollerCount reports how many pollers are running.
func (w *SettlementWatcher) ActivePollerCount() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.pollers)
}

// pollLoop reads the entry's live pending amount every interval until it
// reaches zero or the entry goes terminal. Polling has no intrinsic timeout:
// batch timing belongs to the external operator and has no guaranteed upper
// bound. Transient read errors are swallowed and retried on the next tick.
func (w *SettlementWatcher) pollLoop(ctx context.Context, entry *models.TrackedRequest) {
	requestID, ok := new(big.Int).SetString(entry.RequestID, 10)
	if !ok {
		requestID = big.NewInt(0)
	}
	controller := entry.Controller
	if controller == "" {
		controller = w.ledger.Owner()
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var pending *big.Int
			var err error
			if entry.Kind == models.KindDeposit {
				pending, err = w.chain.PendingDepositRequest(ctx, requestID, controller)
			} else {
				pending, err = w.chain.PendingRedeemRequest(ctx, requestID, controller)
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.PollErrors.WithLabelValues(string(entry.Kind)).Inc()
				w.logger.WithFields(logrus.Fields{"entry_id": entry.ID, "error": err}).Debug("pending amount read failed, will retry")
				continue
			}

			if pending.Sign() > 0 {
				w.ledger.Advance(entry.ID, models.StatusSettling, "")
				continue
			}

			// Pending reached zero: the batch cleared this request.
			w.ledger.Advance(entry.ID, models.StatusSettled, "")
			w.StopPolling(entry.ID)
			return
		}
	}
}

// watchSettlementEvents runs the event-driven detection path: a long-lived
// subscription to the vault's settlement events. When one fires for a kind,
// every non-terminal backend entry of that kind is force-settled. This is
// the convergence rule that lets either detection path finish the job,
// since a request that never settles is worse than a redundant transition.
func (w *SettlementWatcher) watchSettlementEvents() {
	owner := w.ledger.Owner()
	for {
		if w.ctx.Err() != nil {
			return
		}

		events, err := w.chain.WatchSettlements(w.ctx, owner)
		if err != nil {
			w.logger.WithError(err).Debug("settlement subscription unavailable, polling carries detection")
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(30 * time.Second):
				continue
			}
		}

		for event := range events {
			metrics.SettlementEvents.WithLabelValues(string(event.Kind)).Inc()
			w.logger.WithFields(logrus.Fields{
				"kind":    event.Kind,
				"tx_hash": event.TxHash,
				"block":   event.BlockNumber,
			}).Info("settlement event observed")
			w.ForceSettle(event.Kind)
		}
		// Channel closed: resubscribe unless shutting down.
	}
}

// ForceSettle settles every non-terminal backend-origin entry of the kind.
// Safe to call speculatively; Advance rejects anything illegal.
func (w *SettlementWatcher) ForceSettle(kind models.RequestKind) {
	for _, entry := range w.ledger.ActiveBackendEntries(kind) {
		if w.ledger.Advance(entry.ID, models.StatusSettled, "") {
			w.StopPolling(entry.ID)
		}
	}
}

// SignalCanceled applies the external txCanceled signal: every non-terminal
// backend-origin deposit entry moves to canceled. Idempotent; a settled
// entry rejects the transition by the monotonicity rule.
func (w *SettlementWatcher) SignalCanceled() {
	for _, entry := range w.ledger.ActiveBackendEntries(models.KindDeposit) {
		if w.ledger.Advance(entry.ID, models.StatusCanceled, "") {
			w.StopPolling(entry.ID)
		}
	}
}
