package subscription

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// memAudit is an in-memory notificationAudit for handler tests.
type memAudit struct {
	mu     sync.Mutex
	states map[string]string // uuid -> "" (processed) or the failure message
}

func newMemAudit() *memAudit {
	return &memAudit{states: make(map[string]string)}
}

func (a *memAudit) processed(_ context.Context, uuid string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.states[uuid]
	return ok && state == "", nil
}

func (a *memAudit) markProcessed(_ context.Context, decoded *DecodedNotification) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[decoded.UUID] = ""
	return nil
}

func (a *memAudit) markFailed(_ context.Context, decoded *DecodedNotification, cause error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[decoded.UUID] = cause.Error()
	return nil
}

// flakyStore fails a set number of lineage writes before behaving normally.
type flakyStore struct {
	*memStore
	failures int
	writes   int
}

func (s *flakyStore) UpdateAtomic(ctx context.Context, platform Platform, lineageID string, apply func(*Record) (*Record, error)) (*Record, error) {
	s.writes++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	return s.memStore.UpdateAtomic(ctx, platform, lineageID, apply)
}

func TestNotificationRedeliveryAfterFailureIsReprocessed(t *testing.T) {
	store := &flakyStore{memStore: newMemStore(), failures: 1}
	reconciler := NewReconciler(store)
	audit := newMemAudit()
	h := &Handler{reconciler: reconciler, audit: audit}
	ctx := context.Background()

	purchase := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err := reconciler.Reconcile(ctx, 42, purchaseFacts("lineage-1", "tx-1", purchase, false), SourceReceipt)
	require.NoError(t, err)

	renew := &DecodedNotification{
		NotificationType: NotificationDidRenew,
		UUID:             "uuid-1",
		BundleID:         "com.example.recipegen",
		Transaction: TransactionFacts{
			TransactionID:         "tx-2",
			OriginalTransactionID: "lineage-1",
			ProductID:             "premium_monthly",
			PurchaseDate:          purchase.AddDate(0, 1, 0),
			ExpiresDate:           purchase.AddDate(0, 2, 0),
			SignedDate:            purchase.AddDate(0, 1, 0),
		},
	}

	// First delivery hits a transient store failure: answered 500 and the
	// UUID must not count as processed.
	require.Equal(t, http.StatusInternalServerError, h.applyNotification(ctx, renew))

	rec, err := store.FindByLineageID(ctx, PlatformAppStore, "lineage-1")
	require.NoError(t, err)
	require.Equal(t, "tx-1", rec.LatestTransactionID)

	// Apple redelivers the same UUID: it has to reach the reconciler, not be
	// short-circuited by the idempotency check.
	require.Equal(t, http.StatusOK, h.applyNotification(ctx, renew))

	rec, err = store.FindByLineageID(ctx, PlatformAppStore, "lineage-1")
	require.NoError(t, err)
	require.Equal(t, "tx-2", rec.LatestTransactionID)
	require.Equal(t, 2, store.writes)

	// A third delivery is a pure ack; the store is not touched again.
	require.Equal(t, http.StatusOK, h.applyNotification(ctx, renew))
	require.Equal(t, 2, store.writes)
}

func TestNotificationForUnknownLineageIsAcked(t *testing.T) {
	store := newMemStore()
	audit := newMemAudit()
	h := &Handler{reconciler: NewReconciler(store), audit: audit}
	ctx := context.Background()

	stray := &DecodedNotification{
		NotificationType: NotificationDidRenew,
		UUID:             "uuid-stray",
		Transaction: TransactionFacts{
			TransactionID:         "tx-1",
			OriginalTransactionID: "lineage-unseen",
			ProductID:             "premium_monthly",
			PurchaseDate:          time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
			ExpiresDate:           time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	require.Equal(t, http.StatusOK, h.applyNotification(ctx, stray))
	done, err := audit.processed(ctx, "uuid-stray")
	require.NoError(t, err)
	require.True(t, done, "acked deliveries are recorded so redelivery stays a no-op")
}
