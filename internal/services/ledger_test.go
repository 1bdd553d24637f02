package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"vault-backend/internal/metrics"
	"vault-backend/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	saves int
	last  []*models.TrackedRequest
	err   error
}

func (s *fakeStore) Save(ctx context.Context, owner string, entries []*models.TrackedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.last = make([]*models.TrackedRequest, len(entries))
	copy(s.last, entries)
	return s.err
}

func newTestLedger(t *testing.T) (*Ledger, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewLedger("0xabc", store, logger), store
}

func TestAdvanceFollowsStatusOrder(t *testing.T) {
	ledger, _ := newTestLedger(t)
	entry := ledger.CreateUserEntry(models.KindDeposit, "100")
	require.Equal(t, models.StatusPending, entry.Status)

	require.True(t, ledger.Advance(entry.ID, models.StatusSubmitted, "0xhash"))
	require.True(t, ledger.Advance(entry.ID, models.StatusSettling, ""))
	require.True(t, ledger.Advance(entry.ID, models.StatusSettled, ""))

	// Settled absorbs everything.
	assert.False(t, ledger.Advance(entry.ID, models.StatusSettling, ""))
	assert.False(t, ledger.Advance(entry.ID, models.StatusCanceled, ""))
	assert.False(t, ledger.Advance(entry.ID, models.StatusFailed, ""))

	got, ok := ledger.Get(entry.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusSettled, got.Status)
}

func TestAdvanceRejectsBackwardTransition(t *testing.T) {
	ledger, _ := newTestLedger(t)
	entry := ledger.CreateUserEntry(models.KindDeposit, "100")

	require.True(t, ledger.Advance(entry.ID, models.StatusSettling, ""))
	assert.False(t, ledger.Advance(entry.ID, models.StatusSubmitted, ""))
	assert.False(t, ledger.Advance(entry.ID, models.StatusPending, ""))

	got, _ := ledger.Get(entry.ID)
	assert.Equal(t, models.StatusSettling, got.Status)
}

func TestAdvanceIdempotentRepeatMergesHashOnce(t *testing.T) {
	ledger, _ := newTestLedger(t)
	entry := ledger.CreateUserEntry(models.KindDeposit, "100")

	require.True(t, ledger.Advance(entry.ID, models.StatusSubmitted, "0xfirst"))
	// Same-status repeat is legal but must not overwrite the hash.
	require.True(t, ledger.Advance(entry.ID, models.StatusSubmitted, "0xsecond"))

	got, _ := ledger.Get(entry.ID)
	assert.Equal(t, "0xfirst", got.Hash)
	assert.Equal(t, models.StatusSubmitted, got.Status)
}

func TestAdvanceEmptyHashKeepsExisting(t *testing.T) {
	ledger, _ := newTestLedger(t)
	entry := ledger.CreateUserEntry(models.KindDeposit, "100")

	require.True(t, ledger.Advance(entry.ID, models.StatusSubmitted, "0xhash"))
	require.True(t, ledger.Advance(entry.ID, models.StatusSettling, ""))

	got, _ := ledger.Get(entry.ID)
	assert.Equal(t, "0xhash", got.Hash)
}

func TestFailureKeepsHash(t *testing.T) {
	ledger, _ := newTestLedger(t)
	entry := ledger.CreateUserEntry(models.KindWithdraw, "50")

	require.True(t, ledger.Advance(entry.ID, models.StatusFailed, "0xdead"))

	got, _ := ledger.Get(entry.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "0xdead", got.Hash)
}

func TestCancellationIdempotentAndNeverAfterSettled(t *testing.T) {
	ledger, _ := newTestLedger(t)

	inflight, created := ledger.EnsureBackendEntry(models.KindDeposit, "100", "1", "0xabc")
	require.True(t, created)
	require.True(t, ledger.Advance(inflight.ID, models.StatusCanceled, ""))
	// Re-cancel is a no-op, not an error.
	require.True(t, ledger.Advance(inflight.ID, models.StatusCanceled, ""))

	settledEntry, created := ledger.EnsureBackendEntry(models.KindDeposit, "200", "2", "0xabc")
	require.True(t, created)
	require.True(t, ledger.Advance(settledEntry.ID, models.StatusSettled, ""))
	assert.False(t, ledger.Advance(settledEntry.ID, models.StatusCanceled, ""))

	got, _ := ledger.Get(settledEntry.ID)
	assert.Equal(t, models.StatusSettled, got.Status)
}

func TestEnsureBackendEntrySingleActivePerKind(t *testing.T) {
	ledger, _ := newTestLedger(t)

	first, created := ledger.EnsureBackendEntry(models.KindDeposit, "100", "", "")
	require.True(t, created)
	assert.Equal(t, models.StatusSettling, first.Status)

	// Second ensure of the same kind reuses the active entry and fills in
	// the identifiers it was missing.
	second, created := ledger.EnsureBackendEntry(models.KindDeposit, "100", "7", "0xctrl")
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "7", second.RequestID)
	assert.Equal(t, "0xctrl", second.Controller)

	// Identifiers are set-once.
	third, _ := ledger.EnsureBackendEntry(models.KindDeposit, "100", "9", "0xother")
	assert.Equal(t, "7", third.RequestID)
	assert.Equal(t, "0xctrl", third.Controller)

	// A different kind gets its own entry.
	redeem, created := ledger.EnsureBackendEntry(models.KindWithdraw, "50", "3", "0xctrl")
	require.True(t, created)
	assert.NotEqual(t, first.ID, redeem.ID)

	// After the active entry terminates, a new one may be created.
	require.True(t, ledger.Advance(first.ID, models.StatusSettled, ""))
	fresh, created := ledger.EnsureBackendEntry(models.KindDeposit, "200", "8", "0xctrl")
	require.True(t, created)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestExactlyOneRecordPerAcceptedTransition(t *testing.T) {
	ledger, _ := newTestLedger(t)

	var mu sync.Mutex
	var records []models.TransitionRecord
	ledger.Subscribe(func(owner string, record models.TransitionRecord) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "0xabc", owner)
		records = append(records, record)
	})

	entry := ledger.CreateUserEntry(models.KindDeposit, "100")
	require.True(t, ledger.Advance(entry.ID, models.StatusSubmitted, "0xhash"))
	require.True(t, ledger.Advance(entry.ID, models.StatusSubmitted, "0xhash")) // idempotent repeat
	assert.False(t, ledger.Advance(entry.ID, models.StatusPending, ""))         // rejected
	require.True(t, ledger.Advance(entry.ID, models.StatusSettled, ""))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 2)
	assert.Equal(t, models.StatusPending, records[0].OldStatus)
	assert.Equal(t, models.StatusSubmitted, records[0].NewStatus)
	assert.Equal(t, models.StatusSubmitted, records[1].OldStatus)
	assert.Equal(t, models.StatusSettled, records[1].NewStatus)
}

func TestAcceptedCounterIncrementsOncePerTransition(t *testing.T) {
	ledger, _ := newTestLedger(t)
	entry := ledger.CreateUserEntry(models.KindDeposit, "100")

	counter := metrics.TransitionsAccepted.WithLabelValues(
		string(models.KindDeposit), string(models.OriginUser), string(models.StatusSubmitted))
	before := testutil.ToFloat64(counter)

	require.True(t, ledger.Advance(entry.ID, models.StatusSubmitted, "0xhash"))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	// Rejected attempts and idempotent repeats leave the counter alone.
	assert.False(t, ledger.Advance(entry.ID, models.StatusPending, ""))
	require.True(t, ledger.Advance(entry.ID, models.StatusSubmitted, "0xhash"))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestAdvanceUnknownEntryRejected(t *testing.T) {
	ledger, _ := newTestLedger(t)
	assert.False(t, ledger.Advance("missing", models.StatusSettled, ""))
}

func TestRestoreRehydratesWithoutEmitting(t *testing.T) {
	ledger, store := newTestLedger(t)

	emitted := 0
	ledger.Subscribe(func(string, models.TransitionRecord) { emitted++ })

	ledger.Restore([]*models.TrackedRequest{
		{ID: "a", Kind: models.KindDeposit, Origin: models.OriginUser, Amount: "10", Status: models.StatusSubmitted, Hash: "0xh"},
		{ID: "b", Kind: models.KindDeposit, Origin: models.OriginBackend, Amount: "10", Status: models.StatusSettling, RequestID: "4", Controller: "0xabc"},
	})

	assert.Zero(t, emitted)
	assert.Zero(t, store.saves)

	entries := ledger.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)

	active := ledger.ActiveBackendEntries(models.KindDeposit)
	require.Len(t, active, 1)
	assert.Equal(t, "b", active[0].ID)

	// Restored entries advance normally.
	require.True(t, ledger.Advance("b", models.StatusSettled, ""))
	assert.Equal(t, 1, emitted)
}

func TestPersistOnEveryMutation(t *testing.T) {
	ledger, store := newTestLedger(t)

	entry := ledger.CreateUserEntry(models.KindDeposit, "100")
	assert.Equal(t, 1, store.saves)

	ledger.Advance(entry.ID, models.StatusSubmitted, "0xhash")
	assert.Equal(t, 2, store.saves)

	// Rejected transitions do not persist.
	ledger.Advance(entry.ID, models.StatusPending, "")
	assert.Equal(t, 2, store.saves)

	require.Len(t, store.last, 1)
	assert.Equal(t, models.StatusSubmitted, store.last[0].Status)
}

func TestPruneTerminalRespectsRetention(t *testing.T) {
	ledger, _ := newTestLedger(t)

	now := time.Now()
	ledger.now = func() time.Time { return now }

	done := ledger.CreateUserEntry(models.KindDeposit, "100")
	require.True(t, ledger.Advance(done.ID, models.StatusSettled, ""))
	open := ledger.CreateUserEntry(models.KindWithdraw, "50")

	// Inside the window: nothing pruned.
	assert.Zero(t, ledger.PruneTerminal(15*time.Minute))
	require.Len(t, ledger.Entries(), 2)

	// Past the window: only the terminal entry goes.
	ledger.now = func() time.Time { return now.Add(16 * time.Minute) }
	assert.Equal(t, 1, ledger.PruneTerminal(15*time.Minute))

	entries := ledger.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, open.ID, entries[0].ID)
}
