package services

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"vault-backend/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChain struct {
	mu sync.Mutex

	receipt    *models.ReceiptStatus
	receiptErr error

	reqLog    *models.RequestLog
	reqLogErr error

	pendingDeposit *big.Int
	pendingRedeem  *big.Int
	pendingErr     error

	events   chan models.SettlementEvent
	watchErr error
}

func (f *fakeChain) WaitForReceipt(ctx context.Context, txHash string) (*models.ReceiptStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt, nil
}

func (f *fakeChain) FilterRequestLogs(ctx context.Context, kind models.RequestKind, owner string, blockNumber uint64) (*models.RequestLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqLog, f.reqLogErr
}

func (f *fakeChain) PendingDepositRequest(ctx context.Context, requestID *big.Int, controller string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	return new(big.Int).Set(f.pendingDeposit), nil
}

func (f *fakeChain) PendingRedeemRequest(ctx context.Context, requestID *big.Int, controller string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	return new(big.Int).Set(f.pendingRedeem), nil
}

func (f *fakeChain) WatchSettlements(ctx context.Context, owner string) (<-chan models.SettlementEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	return f.events, nil
}

func (f *fakeChain) set(fn func(*fakeChain)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newTestWatcher(t *testing.T) (*SettlementWatcher, *Ledger, *fakeChain) {
	t.Helper()
	store := &fakeStore{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	ledger := NewLedger("0xabc", store, logger)
	chain := &fakeChain{
		pendingDeposit: big.NewInt(0),
		pendingRedeem:  big.NewInt(0),
		events:         make(chan models.SettlementEvent),
	}
	watcher := NewSettlementWatcher(ledger, chain, 5*time.Millisecond, logger)
	t.Cleanup(watcher.Stop)
	return watcher, ledger, chain
}

func status(t *testing.T, ledger *Ledger, id string) models.RequestStatus {
	t.Helper()
	entry, ok := ledger.Get(id)
	require.True(t, ok)
	return entry.Status
}

func TestReceiptWaitErrorFailsEntry(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) { f.receiptErr = errors.New("receipt timeout") })

	entry := ledger.CreateUserEntry(models.KindDeposit, "100")
	watcher.trackSubmission(entry.ID, "0xhash")

	assert.Equal(t, models.StatusFailed, status(t, ledger, entry.ID))
	got, _ := ledger.Get(entry.ID)
	assert.Equal(t, "0xhash", got.Hash)
	assert.Zero(t, watcher.ActivePollerCount())
}

func TestRevertedReceiptFailsEntry(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) {
		f.receipt = &models.ReceiptStatus{Success: false, TxHash: "0xhash", BlockNumber: 10}
	})

	entry := ledger.CreateUserEntry(models.KindWithdraw, "50")
	watcher.trackSubmission(entry.ID, "0xhash")

	assert.Equal(t, models.StatusFailed, status(t, ledger, entry.ID))
}

func TestConfirmedReceiptSeedsBackendFromRequestLog(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) {
		f.receipt = &models.ReceiptStatus{Success: true, TxHash: "0xhash", BlockNumber: 10}
		f.reqLog = &models.RequestLog{RequestID: big.NewInt(7), Controller: "0xctrl", Owner: "0xabc", Amount: big.NewInt(100)}
		f.pendingDeposit = big.NewInt(100) // still settling
	})

	entry := ledger.CreateUserEntry(models.KindDeposit, "100")
	watcher.trackSubmission(entry.ID, "0xhash")

	assert.Equal(t, models.StatusSubmitted, status(t, ledger, entry.ID))

	backends := ledger.ActiveBackendEntries(models.KindDeposit)
	require.Len(t, backends, 1)
	assert.Equal(t, models.StatusSettling, backends[0].Status)
	assert.Equal(t, "7", backends[0].RequestID)
	assert.Equal(t, "0xctrl", backends[0].Controller)
	assert.Equal(t, 1, watcher.ActivePollerCount())
}

func TestRequestLogMissFallsBackToPlaceholders(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) {
		f.receipt = &models.ReceiptStatus{Success: true, TxHash: "0xhash", BlockNumber: 10}
		f.reqLog = nil
		f.pendingDeposit = big.NewInt(100)
	})

	entry := ledger.CreateUserEntry(models.KindDeposit, "100")
	watcher.trackSubmission(entry.ID, "0xhash")

	backends := ledger.ActiveBackendEntries(models.KindDeposit)
	require.Len(t, backends, 1)
	// Tracking degrades to the zero request id and the owner itself.
	assert.Equal(t, "0", backends[0].RequestID)
	assert.Equal(t, "0xabc", backends[0].Controller)
	assert.Equal(t, 1, watcher.ActivePollerCount())
}

func TestStartPollingIsIdempotentPerEntry(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) { f.pendingDeposit = big.NewInt(100) })

	entry, _ := ledger.EnsureBackendEntry(models.KindDeposit, "100", "7", "0xctrl")
	watcher.StartPolling(entry)
	watcher.StartPolling(entry)
	watcher.StartPolling(entry)

	assert.Equal(t, 1, watcher.ActivePollerCount())
}

func TestPollingSettlesWhenPendingReachesZero(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) { f.pendingDeposit = big.NewInt(100) })

	entry, _ := ledger.EnsureBackendEntry(models.KindDeposit, "100", "7", "0xctrl")
	watcher.StartPolling(entry)

	// Stays settling while the batch is open.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, models.StatusSettling, status(t, ledger, entry.ID))
	assert.Equal(t, 1, watcher.ActivePollerCount())

	chain.set(func(f *fakeChain) { f.pendingDeposit = big.NewInt(0) })

	require.Eventually(t, func() bool {
		return status(t, ledger, entry.ID) == models.StatusSettled
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return watcher.ActivePollerCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTransientReadErrorsAreRetried(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) {
		f.pendingDeposit = big.NewInt(0)
		f.pendingErr = errors.New("rpc flake")
	})

	entry, _ := ledger.EnsureBackendEntry(models.KindDeposit, "100", "7", "0xctrl")
	watcher.StartPolling(entry)

	// Errors neither settle nor kill the poller.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, models.StatusSettling, status(t, ledger, entry.ID))
	assert.Equal(t, 1, watcher.ActivePollerCount())

	chain.set(func(f *fakeChain) { f.pendingErr = nil })

	require.Eventually(t, func() bool {
		return status(t, ledger, entry.ID) == models.StatusSettled
	}, time.Second, 5*time.Millisecond)
}

func TestTerminalTransitionTearsDownPoller(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) { f.pendingDeposit = big.NewInt(100) })

	entry, _ := ledger.EnsureBackendEntry(models.KindDeposit, "100", "7", "0xctrl")
	watcher.StartPolling(entry)
	require.Equal(t, 1, watcher.ActivePollerCount())

	// Whichever path terminates the entry, the poller must go with it.
	require.True(t, ledger.Advance(entry.ID, models.StatusCanceled, ""))

	require.Eventually(t, func() bool {
		return watcher.ActivePollerCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestForceSettleConvergesMatchingKindOnly(t *testing.T) {
	watcher, ledger, _ := newTestWatcher(t)

	dep, _ := ledger.EnsureBackendEntry(models.KindDeposit, "100", "7", "0xctrl")
	wdr, _ := ledger.EnsureBackendEntry(models.KindWithdraw, "50", "8", "0xctrl")

	watcher.ForceSettle(models.KindDeposit)

	assert.Equal(t, models.StatusSettled, status(t, ledger, dep.ID))
	assert.Equal(t, models.StatusSettling, status(t, ledger, wdr.ID))
}

func TestSettlementEventFallbackSettles(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) { f.pendingDeposit = big.NewInt(100) })

	entry, _ := ledger.EnsureBackendEntry(models.KindDeposit, "100", "7", "0xctrl")
	watcher.Start()

	chain.events <- models.SettlementEvent{Kind: models.KindDeposit, Owner: "0xabc", TxHash: "0xbatch", BlockNumber: 12}

	require.Eventually(t, func() bool {
		return status(t, ledger, entry.ID) == models.StatusSettled
	}, time.Second, 5*time.Millisecond)
}

func TestSignalCanceledOnlyTouchesActiveDeposits(t *testing.T) {
	watcher, ledger, _ := newTestWatcher(t)

	settled, _ := ledger.EnsureBackendEntry(models.KindDeposit, "100", "6", "0xctrl")
	require.True(t, ledger.Advance(settled.ID, models.StatusSettled, ""))

	active, _ := ledger.EnsureBackendEntry(models.KindDeposit, "200", "7", "0xctrl")
	wdr, _ := ledger.EnsureBackendEntry(models.KindWithdraw, "50", "8", "0xctrl")

	watcher.SignalCanceled()

	assert.Equal(t, models.StatusSettled, status(t, ledger, settled.ID))
	assert.Equal(t, models.StatusCanceled, status(t, ledger, active.ID))
	assert.Equal(t, models.StatusSettling, status(t, ledger, wdr.ID))
}

func TestResumeRestartsPollingForSettlingBackendEntries(t *testing.T) {
	watcher, ledger, chain := newTestWatcher(t)
	chain.set(func(f *fakeChain) { f.pendingDeposit = big.NewInt(100) })

	ledger.Restore([]*models.TrackedRequest{
		{ID: "u1", Kind: models.KindDeposit, Origin: models.OriginUser, Amount: "100", Status: models.StatusSubmitted, Hash: "0xh"},
		{ID: "b1", Kind: models.KindDeposit, Origin: models.OriginBackend, Amount: "100", Status: models.StatusSettling, RequestID: "7", Controller: "0xctrl"},
		{ID: "b2", Kind: models.KindWithdraw, Origin: models.OriginBackend, Amount: "50", Status: models.StatusSettled},
	})

	watcher.Resume()

	// Only the in-flight backend entry polls; settled and user entries do not.
	assert.Equal(t, 1, watcher.ActivePollerCount())
}
