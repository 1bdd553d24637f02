package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"vault-backend/internal/models"
	"vault-backend/internal/repository"

	"github.com/sirupsen/logrus"
)

// session pairs one wallet's ledger with the watcher driving it.
type session struct {
	ledger  *Ledger
	watcher *SettlementWatcher
}

// TrackerManager owns one tracking session per wallet address. Sessions are
// created lazily on first use and rehydrated from the persisted queue, so a
// restart resumes settlement tracking where it left off.
type TrackerManager struct {
	repo  repository.TxQueueRepository
	chain models.VaultClientInterface

	pollInterval time.Duration
	retention    time.Duration

	mutex     sync.Mutex
	sessions  map[string]*session
	listeners []TransitionListener

	stopCh chan struct{}
	logger *logrus.Logger
}

func NewTrackerManager(repo repository.TxQueueRepository, chain models.VaultClientInterface, pollInterval, retention time.Duration, logger *logrus.Logger) *TrackerManager {
	return &TrackerManager{
		repo:         repo,
		chain:        chain,
		pollInterval: pollInterval,
		retention:    retention,
		sessions:     make(map[string]*session),
		stopCh:       make(chan struct{}),
		logger:       logger,
	}
}

// Subscribe registers a listener applied to every session, current and
// future. Must be called before Start.
func (m *TrackerManager) Subscribe(listener TransitionListener) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.listeners = append(m.listeners, listener)
	for _, s := range m.sessions {
		s.ledger.Subscribe(listener)
	}
}

// Start rehydrates every wallet with a persisted queue and begins the
// retention pruning loop.
func (m *TrackerManager) Start() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	owners, err := m.repo.ListOwners(ctx)
	if err != nil {
		m.logger.WithError(err).Error("failed to list persisted queues, rehydration skipped")
	} else {
		for _, owner := range owners {
			if _, err := m.session(owner); err != nil {
				m.logger.WithFields(logrus.Fields{"owner": owner, "error": err}).Error("failed to rehydrate session")
			}
		}
		m.logger.WithField("sessions", len(owners)).Info("tracker sessions rehydrated")
	}

	go m.pruneLoop()
}

// Stop shuts down the pruning loop and every session's watcher.
func (m *TrackerManager) Stop() {
	close(m.stopCh)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, s := range m.sessions {
		s.watcher.Stop()
	}
}

// session returns the wallet's tracking session, creating and rehydrating it
// on first use.
func (m *TrackerManager) session(owner string) (*session, error) {
	owner = strings.ToLower(owner)

	m.mutex.Lock()
	if s, ok := m.sessions[owner]; ok {
		m.mutex.Unlock()
		return s, nil
	}
	listeners := make([]TransitionListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mutex.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	entries, err := m.repo.Load(ctx, owner)
	cancel()
	if err != nil {
		return nil, err
	}

	ledger := NewLedger(owner, m.repo, m.logger)
	ledger.Restore(entries)
	for _, listener := range listeners {
		ledger.Subscribe(listener)
	}

	watcher := NewSettlementWatcher(ledger, m.chain, m.pollInterval, m.logger)

	m.mutex.Lock()
	if existing, ok := m.sessions[owner]; ok {
		// Lost the creation race; discard ours.
		m.mutex.Unlock()
		watcher.Stop()
		return existing, nil
	}
	s := &session{ledger: ledger, watcher: watcher}
	m.sessions[owner] = s
	m.mutex.Unlock()

	watcher.Start()
	return s, nil
}

// Ledger returns the wallet's ledger.
func (m *TrackerManager) Ledger(owner string) (*Ledger, error) {
	s, err := m.session(owner)
	if err != nil {
		return nil, err
	}
	return s.ledger, nil
}

// Watcher returns the wallet's settlement watcher.
func (m *TrackerManager) Watcher(owner string) (*SettlementWatcher, error) {
	s, err := m.session(owner)
	if err != nil {
		return nil, err
	}
	return s.watcher, nil
}

// pruneLoop sweeps terminal entries past the retention window out of every
// session's queue once a minute.
func (m *TrackerManager) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mutex.Lock()
			sessions := make([]*session, 0, len(m.sessions))
			for _, s := range m.sessions {
				sessions = append(sessions, s)
			}
			m.mutex.Unlock()

			pruned := 0
			for _, s := range sessions {
				pruned += s.ledger.PruneTerminal(m.retention)
			}
			if pruned > 0 {
				m.logger.WithField("pruned", pruned).Info("retired terminal queue entries")
			}
		}
	}
}
