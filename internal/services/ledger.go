package services

import (
	"context"
	"sync"
	"time"

	"vault-backend/internal/metrics"
	"vault-backend/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LedgerStore is the slice of queue storage the ledger writes through.
type LedgerStore interface {
	Save(ctx context.Context, owner string, entries []*models.TrackedRequest) error
}

// TransitionListener receives one record per accepted transition.
type TransitionListener func(owner string, record models.TransitionRecord)

// Ledger is the ordered, append-only record of tracked requests for one
// wallet. All mutation goes through entry creation and Advance; both persist
// the full queue before returning. The ledger is the only shared mutable
// state of the tracker core.
type Ledger struct {
	owner string
	store LedgerStore

	mutex     sync.Mutex
	entries   []*models.TrackedRequest
	index     map[string]*models.TrackedRequest
	listeners []TransitionListener

	// terminalAt records when an entry reached a terminal state, for
	// retention pruning. Not part of the persisted format; rehydrated
	// terminal entries get a fresh window.
	terminalAt map[string]time.Time

	logger *logrus.Entry
	now    func() time.Time
}

// NewLedger creates an empty ledger for owner.
func NewLedger(owner string, store LedgerStore, logger *logrus.Logger) *Ledger {
	return &Ledger{
		owner:      owner,
		store:      store,
		index:      make(map[string]*models.TrackedRequest),
		terminalAt: make(map[string]time.Time),
		logger:     logger.WithField("owner", owner),
		now:        time.Now,
	}
}

// Owner returns the wallet address this ledger belongs to.
func (l *Ledger) Owner() string {
	return l.owner
}

// Subscribe registers a transition listener. Listeners are invoked outside
// the ledger lock, in registration order, exactly once per accepted
// transition.
func (l *Ledger) Subscribe(listener TransitionListener) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.listeners = append(l.listeners, listener)
}

// Restore loads previously persisted entries as-is. Meant for rehydration
// before the ledger is handed out; it does not emit transition records.
func (l *Ledger) Restore(entries []*models.TrackedRequest) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for _, entry := range entries {
		if entry == nil || entry.ID == "" {
			continue
		}
		if _, exists := l.index[entry.ID]; exists {
			continue
		}
		l.entries = append(l.entries, entry)
		l.index[entry.ID] = entry
		if entry.Status.IsTerminal() {
			l.terminalAt[entry.ID] = l.now()
		}
	}
}

// CreateUserEntry appends a user-origin entry in pending, the optimistic
// local record made right after the wallet confirms the request.
func (l *Ledger) CreateUserEntry(kind models.RequestKind, amount string) *models.TrackedRequest {
	entry := &models.TrackedRequest{
		ID:        uuid.NewString(),
		Kind:      kind,
		Origin:    models.OriginUser,
		Amount:    amount,
		Status:    models.StatusPending,
		Timestamp: l.now().UnixMilli(),
	}

	l.mutex.Lock()
	l.entries = append(l.entries, entry)
	l.index[entry.ID] = entry
	l.persistLocked()
	clone := l.snapshot(entry)
	l.mutex.Unlock()

	l.logger.WithFields(logrus.Fields{
		"entry_id": entry.ID,
		"kind":     kind,
		"amount":   amount,
	}).Info("tracked request created")

	return clone
}

// EnsureBackendEntry returns the backend-origin entry tracking the executor's
// settlement of the given kind, creating one in settling if none is active.
// At most one non-terminal backend entry per kind may exist, so an existing
// one is updated instead of duplicated: its request id and controller are
// filled in once if they were missing or placeholders.
func (l *Ledger) EnsureBackendEntry(kind models.RequestKind, amount, requestID, controller string) (*models.TrackedRequest, bool) {
	l.mutex.Lock()

	for _, entry := range l.entries {
		if entry.Origin != models.OriginBackend || entry.Kind != kind || entry.Status.IsTerminal() {
			continue
		}
		changed := false
		if (entry.RequestID == "" || entry.RequestID == "0") && requestID != "" {
			entry.RequestID = requestID
			changed = true
		}
		if entry.Controller == "" && controller != "" {
			entry.Controller = controller
			changed = true
		}
		if changed {
			l.persistLocked()
		}
		clone := l.snapshot(entry)
		l.mutex.Unlock()
		return clone, false
	}

	entry := &models.TrackedRequest{
		ID:         uuid.NewString(),
		Kind:       kind,
		Origin:     models.OriginBackend,
		Amount:     amount,
		Status:     models.StatusSettling,
		Timestamp:  l.now().UnixMilli(),
		RequestID:  requestID,
		Controller: controller,
	}
	l.entries = append(l.entries, entry)
	l.index[entry.ID] = entry
	l.persistLocked()
	clone := l.snapshot(entry)
	l.mutex.Unlock()

	l.logger.WithFields(logrus.Fields{
		"entry_id":   entry.ID,
		"kind":       kind,
		"request_id": requestID,
		"controller": controller,
	}).Info("backend settlement entry created")

	return clone, true
}

// Advance applies one status transition. Legal iff next equals the current
// status (idempotent no-op that may still merge a hash), or next is a
// failure/cancellation on a non-settled entry, or next outranks the current
// status. Illegal attempts are rejected and logged, never surfaced as
// errors: both detection paths may call this speculatively.
//
// The hash, when non-empty, is merged with set-once semantics; an empty hash
// never erases an existing one.
func (l *Ledger) Advance(entryID string, next models.RequestStatus, hash string) bool {
	l.mutex.Lock()

	entry, exists := l.index[entryID]
	if !exists {
		l.mutex.Unlock()
		l.logger.WithField("entry_id", entryID).Warn("transition for unknown entry rejected")
		return false
	}

	current := entry.Status
	legal := next == current ||
		((next == models.StatusFailed || next == models.StatusCanceled) && current != models.StatusSettled && !current.IsTerminal()) ||
		(!current.IsTerminal() && next.Rank() > current.Rank() && next.Rank() <= models.StatusSettled.Rank())

	if !legal {
		l.mutex.Unlock()
		metrics.TransitionsRejected.WithLabelValues(string(entry.Kind), string(next)).Inc()
		l.logger.WithFields(logrus.Fields{
			"entry_id": entryID,
			"current":  current,
			"next":     next,
		}).Debug("illegal transition rejected")
		return false
	}

	hashMerged := false
	if hash != "" && entry.Hash == "" {
		entry.Hash = hash
		hashMerged = true
	}

	if next == current {
		// Idempotent no-op; persist only when the hash landed.
		if hashMerged {
			l.persistLocked()
		}
		l.mutex.Unlock()
		return true
	}

	entry.Status = next
	if next.IsTerminal() {
		l.terminalAt[entryID] = l.now()
	}

	record := models.TransitionRecord{
		EntryID:    entry.ID,
		Kind:       entry.Kind,
		Origin:     entry.Origin,
		Amount:     entry.Amount,
		OldStatus:  current,
		NewStatus:  next,
		Hash:       entry.Hash,
		RequestID:  entry.RequestID,
		Controller: entry.Controller,
		OccurredAt: l.now(),
	}
	listeners := make([]TransitionListener, len(l.listeners))
	copy(listeners, l.listeners)
	l.persistLocked()
	l.mutex.Unlock()

	metrics.TransitionsAccepted.WithLabelValues(string(entry.Kind), string(entry.Origin), string(next)).Inc()
	l.logger.WithFields(logrus.Fields{
		"entry_id":   record.EntryID,
		"kind":       record.Kind,
		"origin":     record.Origin,
		"old_status": record.OldStatus,
		"new_status": record.NewStatus,
		"tx_hash":    record.Hash,
		"request_id": record.RequestID,
	}).Info("tracked request advanced")

	for _, listener := range listeners {
		listener(l.owner, record)
	}
	return true
}

// Get returns a copy of one entry.
func (l *Ledger) Get(entryID string) (*models.TrackedRequest, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	entry, exists := l.index[entryID]
	if !exists {
		return nil, false
	}
	return l.snapshot(entry), true
}

// Entries returns copies of all entries in creation order.
func (l *Ledger) Entries() []*models.TrackedRequest {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	out := make([]*models.TrackedRequest, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, l.snapshot(entry))
	}
	return out
}

// ActiveBackendEntries returns copies of non-terminal backend-origin entries,
// optionally narrowed to one kind ("" matches both).
func (l *Ledger) ActiveBackendEntries(kind models.RequestKind) []*models.TrackedRequest {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var out []*models.TrackedRequest
	for _, entry := range l.entries {
		if entry.Origin != models.OriginBackend || entry.Status.IsTerminal() {
			continue
		}
		if kind != "" && entry.Kind != kind {
			continue
		}
		out = append(out, l.snapshot(entry))
	}
	return out
}

// PruneTerminal removes terminal entries older than the retention window and
// returns how many were dropped.
func (l *Ledger) PruneTerminal(retention time.Duration) int {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	cutoff := l.now().Add(-retention)
	kept := l.entries[:0]
	pruned := 0
	for _, entry := range l.entries {
		at, terminal := l.terminalAt[entry.ID]
		if terminal && at.Before(cutoff) {
			delete(l.index, entry.ID)
			delete(l.terminalAt, entry.ID)
			pruned++
			continue
		}
		kept = append(kept, entry)
	}
	l.entries = kept
	if pruned > 0 {
		l.persistLocked()
	}
	return pruned
}

// persistLocked writes the full queue through the store. Persistence failure
// is logged but does not block the transition; the in-memory ledger stays
// authoritative for the session.
func (l *Ledger) persistLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.store.Save(ctx, l.owner, l.entries); err != nil {
		l.logger.WithError(err).Error("failed to persist tx queue")
	}
}

func (l *Ledger) snapshot(entry *models.TrackedRequest) *models.TrackedRequest {
	clone := *entry
	return &clone
}
